package p2p

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"peermesh/observability/logging"
)

const (
	// dhtRefreshMaxAge marks a bucket stale for the housekeeping refresh.
	dhtRefreshMaxAge = time.Hour
	// dhtRefreshTimeout bounds one housekeeping refresh sweep.
	dhtRefreshTimeout = 30 * time.Second
)

// NodeConfig gathers the knobs for the admission and discovery core. Zero
// values are normalized in NewNode.
type NodeConfig struct {
	MaxPeers int

	// GlobalAdmissionRate caps inbound admission attempts per second across
	// all sources; GlobalAdmissionBurst bounds short spikes.
	GlobalAdmissionRate  float64
	GlobalAdmissionBurst int

	// PerIPRate and PerIPBurst throttle admission attempts per source IP.
	PerIPRate  float64
	PerIPBurst float64

	HousekeepingInterval time.Duration

	Bootstrap  BootstrapConfig
	Diversity  DiversityConfig
	Dht        DhtConfig
	Pow        PowConfig
	Reputation ReputationConfig
}

// NodeDeps are the externally owned collaborators a Node drives.
type NodeDeps struct {
	Identity  *Identity
	Dialer    Dialer
	Messenger Messenger
	Cache     *PeerCache
	Logger    *slog.Logger
}

// PowSolution is the proof an inbound peer presents during the handshake.
type PowSolution struct {
	ChallengeID string
	Nonce       uint64
}

type livePeer struct {
	conn    Connection
	nodeID  string
	addr    string
	inbound bool
	since   time.Time
}

// Node wires the admission pipeline, peer cache, DHT and bootstrap manager
// into one lifecycle. The link layer hands it verified connections; the Node
// decides whether they may stay.
type Node struct {
	cfg NodeConfig

	identity   *Identity
	cache      *PeerCache
	dht        *DhtCoordinator
	pow        *PowAdmission
	reputation *ReputationTracker
	diversity  *DiversityEnforcer
	bootstrap  *BootstrapManager

	globalLimit *rate.Limiter
	ipLimit     *ipRateLimiter

	// messenger is set when the node owns its wire-backed lookup path; a
	// caller-supplied Messenger leaves it nil.
	messenger *wireMessenger

	mu    sync.Mutex
	peers map[string]*livePeer

	// admissionObserver, when set, is told about every admitted connection
	// so the serving layer can attach its message loops.
	admissionObserver func(conn Connection, inbound bool)

	housekeepingStop chan struct{}
	stopOnce         sync.Once
	wg               sync.WaitGroup

	logger  *slog.Logger
	metrics *networkMetrics
	now     func() time.Time
}

// NewNode assembles the networking core around an identity. The peer cache is
// optional; every other collaborator is built here.
func NewNode(cfg NodeConfig, deps NodeDeps) (*Node, error) {
	if deps.Identity == nil {
		return nil, errNilIdentity
	}
	if cfg.MaxPeers <= 0 {
		cfg.MaxPeers = 64
	}
	if cfg.GlobalAdmissionRate <= 0 {
		cfg.GlobalAdmissionRate = 20
	}
	if cfg.GlobalAdmissionBurst <= 0 {
		cfg.GlobalAdmissionBurst = 40
	}
	if cfg.PerIPRate <= 0 {
		cfg.PerIPRate = 1
	}
	if cfg.PerIPBurst < 1 {
		cfg.PerIPBurst = 3
	}
	if cfg.HousekeepingInterval <= 0 {
		cfg.HousekeepingInterval = 5 * time.Minute
	}
	if cfg.Diversity.Budget <= 0 {
		cfg.Diversity.Budget = cfg.MaxPeers
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	node := &Node{
		cfg:              cfg,
		identity:         deps.Identity,
		cache:            deps.Cache,
		pow:              NewPowAdmission(cfg.Pow),
		reputation:       NewReputationTracker(cfg.Reputation),
		diversity:        NewDiversityEnforcer(cfg.Diversity),
		globalLimit:      rate.NewLimiter(rate.Limit(cfg.GlobalAdmissionRate), cfg.GlobalAdmissionBurst),
		ipLimit:          newIPRateLimiter(cfg.PerIPRate, cfg.PerIPBurst),
		peers:            make(map[string]*livePeer),
		housekeepingStop: make(chan struct{}),
		logger:           logger.With("component", "node"),
		metrics:          newNetworkMetrics(),
		now:              time.Now,
	}
	messenger := deps.Messenger
	if messenger == nil {
		node.messenger = newWireMessenger()
		messenger = node.messenger
	}
	node.dht = NewDhtCoordinator(
		PeerDescriptor{NodeID: deps.Identity.NodeID},
		messenger,
		cfg.Dht,
		logger,
	)
	if deps.Cache != nil {
		configured := append(append([]string{}, cfg.Bootstrap.BootstrapNodes...), cfg.Bootstrap.ManualPeers...)
		for _, seed := range parseSeedList(configured, logger) {
			deps.Cache.MarkPersistent(seed.NodeID, []string{seed.Address})
		}
	}
	node.bootstrap = NewBootstrapManager(cfg.Bootstrap, BootstrapDeps{
		Dialer:          deps.Dialer,
		Cache:           deps.Cache,
		Dht:             node.dht,
		Admit:           node.admitOutbound,
		LivePeers:       node.CurrentPeerCount,
		LiveDescriptors: node.LiveDescriptors,
	}, logger)
	return node, nil
}

// SetAdmissionObserver registers the callback invoked for every admitted
// connection. Must be called before Start.
func (n *Node) SetAdmissionObserver(observer func(conn Connection, inbound bool)) {
	n.admissionObserver = observer
}

// Start launches the connectivity watchdog and the housekeeping loop.
func (n *Node) Start(ctx context.Context) {
	n.bootstrap.Start(ctx)
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		ticker := time.NewTicker(n.cfg.HousekeepingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				n.housekeep()
			case <-n.housekeepingStop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// ConnectToNetwork drives the bootstrap paths until the minimum peer target
// is met or every path is exhausted.
func (n *Node) ConnectToNetwork(ctx context.Context) error {
	return n.bootstrap.ConnectToNetwork(ctx)
}

// State reports the bootstrap state machine's current position.
func (n *Node) State() BootstrapState {
	return n.bootstrap.State()
}

// CurrentPeerCount returns the number of admitted live connections.
func (n *Node) CurrentPeerCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.peers)
}

// LiveDescriptors lists the admitted peers for DHT seeding and gossip.
func (n *Node) LiveDescriptors() []PeerDescriptor {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]PeerDescriptor, 0, len(n.peers))
	for _, peer := range n.peers {
		out = append(out, PeerDescriptor{NodeID: peer.nodeID, Addr: peer.addr})
	}
	return out
}

// CheckQuota reports whether the identified peer may consume one more unit of
// the given resource right now.
func (n *Node) CheckQuota(nodeID string, kind ResourceKind) bool {
	return n.reputation.CheckQuota(normalizeNodeID(nodeID), kind)
}

// IssueChallenge mints a proof-of-work challenge for a connecting peer. The
// handshake layer sends it before any other inbound traffic is accepted.
func (n *Node) IssueChallenge(requesterID string) (PowChallenge, error) {
	return n.pow.IssueChallenge(normalizeNodeID(requesterID))
}

// OnInboundConnection runs the admission pipeline over a connection the link
// layer accepted. The gates run cheapest first so hostile churn is shed
// before any expensive verification.
func (n *Node) OnInboundConnection(conn Connection, proof *PowSolution) AdmissionDecision {
	now := n.now()
	if !n.globalLimit.Allow() {
		n.metrics.recordAdmission("rate_limited")
		return Deny("admission rate exceeded")
	}
	addr := conn.RemoteAddr()
	if host, _, err := net.SplitHostPort(addr); err == nil {
		if !n.ipLimit.allow(host, now) {
			n.metrics.recordAdmission("ip_rate_limited")
			return Deny("source address rate exceeded")
		}
	}
	nodeID := normalizeNodeID(conn.RemoteNodeID())
	if nodeID == "" || nodeID == n.identity.NodeID {
		n.metrics.recordAdmission("bad_identity")
		return Deny("invalid remote identity")
	}
	if n.reputation.IsBanned(nodeID, now) {
		n.metrics.recordAdmission("banned")
		return Deny("identity is banned")
	}
	if proof == nil || !n.pow.Verify(proof.ChallengeID, proof.Nonce) {
		n.reputation.MarkViolation(nodeID)
		n.metrics.recordAdmission("pow_failed")
		return Deny("proof of work not accepted")
	}
	return n.register(conn, nodeID, addr, true)
}

// admitOutbound gates connections the bootstrap manager dialed. The peer
// already proved its identity during the dial, so the rate and proof-of-work
// gates do not apply.
func (n *Node) admitOutbound(conn Connection) AdmissionDecision {
	nodeID := normalizeNodeID(conn.RemoteNodeID())
	if nodeID == "" || nodeID == n.identity.NodeID {
		n.metrics.recordAdmission("bad_identity")
		return Deny("invalid remote identity")
	}
	if n.reputation.IsBanned(nodeID, n.now()) {
		n.metrics.recordAdmission("banned")
		return Deny("identity is banned")
	}
	return n.register(conn, nodeID, conn.RemoteAddr(), false)
}

func (n *Node) register(conn Connection, nodeID, addr string, inbound bool) AdmissionDecision {
	n.mu.Lock()
	if _, dup := n.peers[nodeID]; dup {
		n.mu.Unlock()
		n.metrics.recordAdmission("duplicate")
		return Deny("already connected")
	}
	if len(n.peers) >= n.cfg.MaxPeers {
		n.mu.Unlock()
		n.metrics.recordAdmission("full")
		return Deny("peer budget exhausted")
	}
	n.mu.Unlock()

	if !n.diversity.Admit(addr) {
		n.metrics.recordAdmission("subnet_capped")
		return Deny("subnet connection cap reached")
	}
	status := n.reputation.Admit(nodeID)
	if !n.reputation.AcquireConn(nodeID) {
		n.diversity.Release(addr)
		n.metrics.recordAdmission("conn_quota")
		return Deny("connection quota for tier exceeded")
	}

	n.mu.Lock()
	if _, dup := n.peers[nodeID]; dup {
		n.mu.Unlock()
		n.reputation.ReleaseConn(nodeID)
		n.diversity.Release(addr)
		n.metrics.recordAdmission("duplicate")
		return Deny("already connected")
	}
	n.peers[nodeID] = &livePeer{
		conn:    conn,
		nodeID:  nodeID,
		addr:    addr,
		inbound: inbound,
		since:   n.now(),
	}
	count := len(n.peers)
	n.mu.Unlock()

	n.dht.Offer(PeerDescriptor{NodeID: nodeID, Addr: addr})
	if n.admissionObserver != nil {
		n.admissionObserver(conn, inbound)
	}
	n.metrics.recordAdmission("ok")
	n.metrics.observeLivePeers(count)
	n.metrics.observePeerStatus(nodeID, status)
	n.logger.Info("peer admitted",
		logging.MaskField("peer", nodeID),
		"inbound", inbound,
		"live_peers", count)
	return Allow()
}

// RemovePeer tears down bookkeeping for a departed connection. Safe to call
// for unknown identities.
func (n *Node) RemovePeer(nodeID string, graceful bool) {
	nodeID = normalizeNodeID(nodeID)
	n.mu.Lock()
	peer, ok := n.peers[nodeID]
	if ok {
		delete(n.peers, nodeID)
	}
	count := len(n.peers)
	n.mu.Unlock()
	if !ok {
		return
	}
	_ = peer.conn.Close()
	n.reputation.ReleaseConn(nodeID)
	n.diversity.Release(peer.addr)
	if n.cache != nil && !graceful {
		n.cache.RecordOutcome(nodeID, nil, false)
	}
	n.metrics.removePeer(nodeID)
	n.metrics.observeLivePeers(count)
	n.logger.Info("peer removed", logging.MaskField("peer", nodeID), "graceful", graceful)
}

// ReportViolation penalizes a live peer for a protocol violation and drops
// the connection if the penalty banned it.
func (n *Node) ReportViolation(nodeID string) {
	nodeID = normalizeNodeID(nodeID)
	status := n.reputation.MarkViolation(nodeID)
	n.metrics.observePeerStatus(nodeID, status)
	if status.Banned {
		n.RemovePeer(nodeID, false)
		n.dht.Evict(nodeID)
	}
}

// ReportTaskSuccess credits a peer for verified useful work.
func (n *Node) ReportTaskSuccess(nodeID string) {
	nodeID = normalizeNodeID(nodeID)
	status := n.reputation.MarkTaskSuccess(nodeID)
	n.metrics.observePeerStatus(nodeID, status)
}

// HandleFindNode serves a routing query from an admitted peer, charging it
// against the request quota.
func (n *Node) HandleFindNode(fromID, fromAddr string, target [dhtKeyLen]byte) ([]PeerDescriptor, bool) {
	fromID = normalizeNodeID(fromID)
	if !n.reputation.CheckQuota(fromID, ResourceRequests) {
		return nil, false
	}
	return n.dht.HandleFindNode(PeerDescriptor{NodeID: fromID, Addr: fromAddr}, target), true
}

// IngestPex folds a peer's gossiped address list into the cache, charging the
// offer against the sender's request quota.
func (n *Node) IngestPex(fromID string, payload PexOfferPayload) int {
	fromID = normalizeNodeID(fromID)
	if !n.reputation.CheckQuota(fromID, ResourceRequests) {
		return 0
	}
	return ingestPexAddresses(n.cache, payload.Addresses, n.identity.NodeID)
}

// PexOffer builds the address list this node volunteers to a peer. Live
// connections go first; remaining room is filled from the routing table.
func (n *Node) PexOffer() PexOfferPayload {
	now := n.now()
	n.mu.Lock()
	payload := PexOfferPayload{Addresses: make([]PexAddress, 0, len(n.peers))}
	listed := make(map[string]struct{}, len(n.peers))
	for _, peer := range n.peers {
		payload.Addresses = append(payload.Addresses, PexAddress{
			Addr:     peer.addr,
			NodeID:   peer.nodeID,
			LastSeen: now,
		})
		listed[peer.nodeID] = struct{}{}
		if len(payload.Addresses) >= maxPexAddresses {
			break
		}
	}
	n.mu.Unlock()
	for _, peer := range n.dht.TablePeers() {
		if len(payload.Addresses) >= maxPexAddresses {
			break
		}
		if peer.Addr == "" {
			continue
		}
		if _, ok := listed[peer.NodeID]; ok {
			continue
		}
		listed[peer.NodeID] = struct{}{}
		payload.Addresses = append(payload.Addresses, PexAddress{
			Addr:   peer.Addr,
			NodeID: peer.NodeID,
		})
	}
	return payload
}

func (n *Node) housekeep() {
	now := n.now()
	if pruned := n.reputation.Prune(now); pruned > 0 {
		n.logger.Debug("pruned idle reputation records", "count", pruned)
	}
	if n.cache != nil {
		if expired := n.cache.Expire(now); expired > 0 {
			n.logger.Debug("expired stale cache entries", "count", expired)
		}
	}
	n.ipLimit.prune(now)
	refreshCtx, cancel := context.WithTimeout(context.Background(), dhtRefreshTimeout)
	n.dht.Refresh(refreshCtx, dhtRefreshMaxAge)
	cancel()
	n.metrics.observeRoutingTable(n.dht.Size())
}

// Close stops background work, drops every connection and flushes the cache.
func (n *Node) Close() error {
	n.stopOnce.Do(func() {
		n.bootstrap.Stop()
		close(n.housekeepingStop)
		n.wg.Wait()
	})
	n.mu.Lock()
	peers := make([]*livePeer, 0, len(n.peers))
	for _, peer := range n.peers {
		peers = append(peers, peer)
	}
	n.peers = make(map[string]*livePeer)
	n.mu.Unlock()
	for _, peer := range peers {
		_ = peer.conn.Close()
		n.reputation.ReleaseConn(peer.nodeID)
		n.diversity.Release(peer.addr)
		n.metrics.removePeer(peer.nodeID)
	}
	if n.cache != nil {
		return n.cache.Close()
	}
	return nil
}
