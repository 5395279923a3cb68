package p2p

import (
	"context"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"peermesh/observability/logging"
	"peermesh/p2p/seeds"
)

// BootstrapState tracks the node's progress from isolated to connected.
// Transitions run strictly forward except Connected, which may re-enter
// BootstrappingDht when the live peer count drops below the minimum.
type BootstrapState int32

const (
	StateIdle BootstrapState = iota
	StateTryingCache
	StateTryingConfigured
	StateBootstrappingDht
	StateTryingFallback
	StateConnected
	StateFailed
)

func (s BootstrapState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateTryingCache:
		return "trying_cache"
	case StateTryingConfigured:
		return "trying_configured"
	case StateBootstrappingDht:
		return "bootstrapping_dht"
	case StateTryingFallback:
		return "trying_fallback"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// seedEndpoint pairs an expected identity with a dial address.
type seedEndpoint struct {
	NodeID  string
	Address string
}

// parseSeedList splits "nodeID@host:port" entries, dropping malformed ones.
func parseSeedList(values []string, logger *slog.Logger) []seedEndpoint {
	if logger == nil {
		logger = slog.Default()
	}
	out := make([]seedEndpoint, 0, len(values))
	seen := make(map[string]struct{})
	for _, raw := range values {
		trimmed := strings.TrimSpace(raw)
		if trimmed == "" {
			continue
		}
		nodePart, addrPart, found := strings.Cut(trimmed, "@")
		if !found {
			logger.Warn("ignoring seed: missing node ID", logging.MaskField("seed", trimmed))
			continue
		}
		node := normalizeNodeID(nodePart)
		if node == "" {
			logger.Warn("ignoring seed: empty node ID", logging.MaskField("seed", trimmed))
			continue
		}
		addr := strings.TrimSpace(addrPart)
		if _, _, err := net.SplitHostPort(addr); err != nil {
			logger.Warn("ignoring seed: invalid address", logging.MaskField("seed", trimmed), "error", err.Error())
			continue
		}
		key := node + "@" + addr
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, seedEndpoint{NodeID: node, Address: addr})
	}
	return out
}

// BootstrapConfig tunes the connection establishment paths.
type BootstrapConfig struct {
	// BootstrapNodes and ManualPeers use the "nodeID@host:port" form.
	BootstrapNodes []string
	ManualPeers    []string

	MinConnectedPeers int
	DialTimeout       time.Duration
	MaxCacheDials     int
	WatchdogInterval  time.Duration

	// SeedRegistry optionally supplies DNS-published fallback seeds.
	SeedRegistry *seeds.Registry
	SeedResolver seeds.Resolver
}

// BootstrapDeps are the collaborators the manager drives. The manager owns
// none of them; ownership stays with the node so construction remains
// one-directional.
type BootstrapDeps struct {
	Dialer Dialer
	Cache  *PeerCache
	Dht    *DhtCoordinator

	// Admit runs the admission pipeline over a freshly dialed connection.
	// Only admitted connections count toward the success predicate.
	Admit func(Connection) AdmissionDecision
	// LivePeers reports the current admitted connection count.
	LivePeers func() int
	// LiveDescriptors lists the admitted peers for DHT seeding.
	LiveDescriptors func() []PeerDescriptor
}

// BootstrapManager drives the node from isolated to connected and keeps it
// there. Bootstrap attempts coalesce: a trigger while an attempt is in flight
// is a no-op.
type BootstrapManager struct {
	cfg  BootstrapConfig
	deps BootstrapDeps

	state     atomic.Int32
	peerCount atomic.Int32
	inFlight  atomic.Bool

	watchdogStop chan struct{}
	stopOnce     sync.Once
	watchdogWG   sync.WaitGroup

	logger  *slog.Logger
	metrics *networkMetrics
	now     func() time.Time
}

// NewBootstrapManager wires the manager. Zero-value knobs get defaults.
func NewBootstrapManager(cfg BootstrapConfig, deps BootstrapDeps, logger *slog.Logger) *BootstrapManager {
	if cfg.MinConnectedPeers <= 0 {
		cfg.MinConnectedPeers = 3
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.MaxCacheDials <= 0 {
		cfg.MaxCacheDials = 50
	}
	if cfg.WatchdogInterval <= 0 {
		cfg.WatchdogInterval = 60 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	manager := &BootstrapManager{
		cfg:          cfg,
		deps:         deps,
		watchdogStop: make(chan struct{}),
		logger:       logger.With("component", "bootstrap"),
		metrics:      newNetworkMetrics(),
		now:          time.Now,
	}
	manager.state.Store(int32(StateIdle))
	return manager
}

// State returns the current bootstrap state.
func (b *BootstrapManager) State() BootstrapState {
	return BootstrapState(b.state.Load())
}

// PeerCount returns the admitted peer count observed at the last transition
// into Connected.
func (b *BootstrapManager) PeerCount() int {
	return int(b.peerCount.Load())
}

func (b *BootstrapManager) setState(state BootstrapState) {
	b.state.Store(int32(state))
	b.metrics.observeBootstrapState(state)
}

// ConnectToNetwork attempts, in strict order, cached peers, configured
// bootstrap nodes, DHT discovery and the fallback mechanisms, until the
// minimum connected peer target is met. Exhaustion of every path yields
// ErrBootstrapExhausted; a concurrent in-flight attempt yields
// ErrBootstrapInProgress.
func (b *BootstrapManager) ConnectToNetwork(ctx context.Context) error {
	if !b.inFlight.CompareAndSwap(false, true) {
		return ErrBootstrapInProgress
	}
	defer b.inFlight.Store(false)

	if b.predicateMet() {
		b.markConnected()
		return nil
	}

	b.setState(StateTryingCache)
	b.dialCachedPeers(ctx)

	if !b.predicateMet() {
		b.setState(StateTryingConfigured)
		b.dialSeeds(ctx, parseSeedList(b.cfg.BootstrapNodes, b.logger), "configured")
	}

	if !b.predicateMet() {
		b.setState(StateBootstrappingDht)
		b.bootstrapDht(ctx)
	}

	if !b.predicateMet() {
		b.setState(StateTryingFallback)
		b.dialSeeds(ctx, parseSeedList(b.cfg.ManualPeers, b.logger), "manual")
		if !b.predicateMet() {
			b.dialRegistrySeeds(ctx)
		}
	}

	if b.predicateMet() {
		b.markConnected()
		return nil
	}
	b.setState(StateFailed)
	b.logger.Warn("all bootstrap paths exhausted", "live_peers", b.livePeers())
	return ErrBootstrapExhausted
}

// Start launches the connectivity watchdog. When the live peer count falls
// below the minimum it re-enters DHT discovery without touching existing
// connections; triggers coalesce with any in-flight bootstrap.
func (b *BootstrapManager) Start(ctx context.Context) {
	b.watchdogWG.Add(1)
	go func() {
		defer b.watchdogWG.Done()
		ticker := time.NewTicker(b.cfg.WatchdogInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				b.checkConnectivity(ctx)
			case <-b.watchdogStop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop terminates the watchdog.
func (b *BootstrapManager) Stop() {
	b.stopOnce.Do(func() {
		close(b.watchdogStop)
		b.watchdogWG.Wait()
	})
}

func (b *BootstrapManager) checkConnectivity(ctx context.Context) {
	live := b.livePeers()
	b.metrics.observeLivePeers(live)
	if live >= b.cfg.MinConnectedPeers {
		return
	}
	if !b.inFlight.CompareAndSwap(false, true) {
		return
	}
	defer b.inFlight.Store(false)

	b.logger.Info("live peers below minimum, re-entering discovery",
		"live_peers", live, "min", b.cfg.MinConnectedPeers)
	b.setState(StateBootstrappingDht)
	b.bootstrapDht(ctx)
	b.redialPersistentPeers(ctx)
	if b.predicateMet() {
		b.markConnected()
	}
}

func (b *BootstrapManager) markConnected() {
	count := b.livePeers()
	b.peerCount.Store(int32(count))
	b.setState(StateConnected)
	b.metrics.observeLivePeers(count)
	b.logger.Info("connected to network", "live_peers", count)
}

func (b *BootstrapManager) predicateMet() bool {
	return b.livePeers() >= b.cfg.MinConnectedPeers
}

func (b *BootstrapManager) livePeers() int {
	if b.deps.LivePeers == nil {
		return 0
	}
	return b.deps.LivePeers()
}

func (b *BootstrapManager) dialCachedPeers(ctx context.Context) {
	if b.deps.Cache == nil {
		return
	}
	candidates := b.deps.Cache.LoadCandidates(b.cfg.MaxCacheDials)
	for _, candidate := range candidates {
		if b.predicateMet() || ctx.Err() != nil {
			return
		}
		for _, addr := range candidate.Addresses {
			if b.dialOne(ctx, "cache", candidate.NodeID, addr) {
				break
			}
		}
	}
}

func (b *BootstrapManager) dialSeeds(ctx context.Context, endpoints []seedEndpoint, path string) {
	for _, seed := range endpoints {
		if b.predicateMet() || ctx.Err() != nil {
			return
		}
		b.dialOne(ctx, path, seed.NodeID, seed.Address)
	}
}

func (b *BootstrapManager) dialRegistrySeeds(ctx context.Context) {
	if b.cfg.SeedRegistry == nil {
		return
	}
	resolved, err := b.cfg.SeedRegistry.Resolve(ctx, b.now(), b.cfg.SeedResolver)
	if err != nil {
		b.logger.Warn("seed registry resolution incomplete", "error", err.Error())
	}
	for _, seed := range resolved {
		if b.predicateMet() || ctx.Err() != nil {
			return
		}
		b.dialOne(ctx, "registry", seed.NodeID, seed.Address)
	}
}

func (b *BootstrapManager) bootstrapDht(ctx context.Context) {
	if b.deps.Dht == nil {
		return
	}
	var live []PeerDescriptor
	if b.deps.LiveDescriptors != nil {
		live = b.deps.LiveDescriptors()
	}
	if len(live) == 0 && b.deps.Dht.Size() == 0 {
		// Nothing to seed from; this path cannot help.
		b.logger.Info("skipping dht bootstrap: no live connections")
		return
	}
	if err := b.deps.Dht.Bootstrap(ctx, live); err != nil {
		b.logger.Warn("dht bootstrap incomplete", "error", err.Error())
	}
	needed := b.cfg.MinConnectedPeers - b.livePeers()
	if needed <= 0 {
		return
	}
	for _, peer := range b.deps.Dht.FindPeers(ctx, needed*2) {
		if b.predicateMet() || ctx.Err() != nil {
			return
		}
		if peer.Addr == "" {
			continue
		}
		b.dialOne(ctx, "dht", peer.NodeID, peer.Addr)
	}
}

func (b *BootstrapManager) redialPersistentPeers(ctx context.Context) {
	b.dialSeeds(ctx, parseSeedList(b.cfg.ManualPeers, b.logger), "manual")
}

// dialOne attempts a single admission-gated connection. Failures feed
// reliability decay and are never fatal.
func (b *BootstrapManager) dialOne(ctx context.Context, path, nodeID, addr string) bool {
	if b.deps.Dialer == nil {
		return false
	}
	dialCtx, cancel := context.WithTimeout(ctx, b.cfg.DialTimeout)
	started := b.now()
	conn, err := b.deps.Dialer.Dial(dialCtx, addr)
	cancel()
	latency := b.now().Sub(started)
	if err != nil {
		b.recordOutcome(nodeID, addr, false, 0)
		b.metrics.recordDial(path, "error", 0)
		b.logger.Debug("dial failed", logging.MaskField("addr", addr), "error", err.Error())
		return false
	}
	remoteID := normalizeNodeID(conn.RemoteNodeID())
	if nodeID != "" && remoteID != normalizeNodeID(nodeID) {
		_ = conn.Close()
		b.recordOutcome(nodeID, addr, false, 0)
		b.metrics.recordDial(path, "identity_mismatch", 0)
		b.logger.Warn("remote identity mismatch", logging.MaskField("addr", addr))
		return false
	}
	if b.deps.Admit != nil {
		if decision := b.deps.Admit(conn); !decision.Allow {
			_ = conn.Close()
			b.metrics.recordDial(path, "denied", 0)
			b.logger.Debug("outbound connection denied", "reason", decision.Reason)
			return false
		}
	}
	b.recordOutcome(remoteID, addr, true, latency)
	b.metrics.recordDial(path, "ok", float64(latency)/float64(time.Millisecond))
	if b.deps.Dht != nil {
		b.deps.Dht.Offer(PeerDescriptor{NodeID: remoteID, Addr: addr})
	}
	return true
}

func (b *BootstrapManager) recordOutcome(nodeID, addr string, success bool, latency time.Duration) {
	if b.deps.Cache == nil || nodeID == "" {
		return
	}
	b.deps.Cache.RecordOutcome(nodeID, []string{addr}, success)
	if success && latency > 0 {
		b.deps.Cache.ObserveLatency(nodeID, latency)
	}
}
