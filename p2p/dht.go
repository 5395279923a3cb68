package p2p

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

const (
	defaultDhtMinTablePeers    = 20
	defaultDhtAlpha            = 3
	defaultDhtMaxHops          = 20
	defaultDhtQueryTimeout     = 2 * time.Second
	defaultDhtBootstrapTimeout = 30 * time.Second
	defaultDhtQueryRetries     = 2
)

// Messenger is the slice of the link layer the DHT needs: a single
// closest-node query against a remote peer. Implementations own dialing,
// framing and encryption.
type Messenger interface {
	FindNode(ctx context.Context, peer PeerDescriptor, target [dhtKeyLen]byte) ([]PeerDescriptor, error)
}

// DhtConfig tunes the Kademlia coordinator.
type DhtConfig struct {
	// ReplicationFactor is the bucket width (k).
	ReplicationFactor int
	// Alpha bounds concurrent in-flight queries per lookup.
	Alpha int
	// MaxHops bounds lookup depth.
	MaxHops int
	// QueryTimeout applies per remote query.
	QueryTimeout time.Duration
	// QueryRetries bounds attempts per target against alternate peers.
	QueryRetries int
	// MinTablePeers is the table population at which Bootstrap declares success.
	MinTablePeers int
	// BootstrapTimeout caps the whole Bootstrap call.
	BootstrapTimeout time.Duration
}

// DhtCoordinator maintains the routing table and answers peer lookups. It
// never dials on its own initiative outside an explicit Bootstrap, FindPeers
// or Refresh call, and it never calls back into the bootstrap layer.
type DhtCoordinator struct {
	cfg       DhtConfig
	self      PeerDescriptor
	table     *routingTable
	messenger Messenger
	logger    *slog.Logger
	metrics   *networkMetrics
}

// NewDhtCoordinator builds a coordinator around the local identity and the
// link layer messenger. Zero-value knobs are normalized to defaults.
func NewDhtCoordinator(self PeerDescriptor, messenger Messenger, cfg DhtConfig, logger *slog.Logger) *DhtCoordinator {
	if cfg.ReplicationFactor <= 0 {
		cfg.ReplicationFactor = defaultBucketSize
	}
	if cfg.Alpha <= 0 {
		cfg.Alpha = defaultDhtAlpha
	}
	if cfg.MaxHops <= 0 {
		cfg.MaxHops = defaultDhtMaxHops
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = defaultDhtQueryTimeout
	}
	if cfg.QueryRetries <= 0 {
		cfg.QueryRetries = defaultDhtQueryRetries
	}
	if cfg.MinTablePeers <= 0 {
		cfg.MinTablePeers = defaultDhtMinTablePeers
	}
	if cfg.BootstrapTimeout <= 0 {
		cfg.BootstrapTimeout = defaultDhtBootstrapTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DhtCoordinator{
		cfg:       cfg,
		self:      self,
		table:     newRoutingTable(self.NodeID, cfg.ReplicationFactor),
		messenger: messenger,
		logger:    logger.With("component", "dht"),
		metrics:   newNetworkMetrics(),
	}
}

// Offer inserts a connected peer into the routing table.
func (d *DhtCoordinator) Offer(peer PeerDescriptor) {
	if d == nil || peer.NodeID == "" {
		return
	}
	d.table.add(peer)
	d.metrics.observeRoutingTable(d.table.size())
}

// Evict removes a peer that proved unreachable.
func (d *DhtCoordinator) Evict(nodeID string) {
	if d == nil {
		return
	}
	d.table.remove(nodeID)
	d.metrics.observeRoutingTable(d.table.size())
}

// Size returns the routing table population.
func (d *DhtCoordinator) Size() int {
	return d.table.size()
}

// TablePeers returns every peer in the routing table.
func (d *DhtCoordinator) TablePeers() []PeerDescriptor {
	return d.table.peers()
}

// HandleFindNode answers a remote closest-node query and learns the caller.
func (d *DhtCoordinator) HandleFindNode(from PeerDescriptor, target [dhtKeyLen]byte) []PeerDescriptor {
	d.Offer(from)
	return d.table.nearest(dhtKey(target), d.cfg.ReplicationFactor)
}

// Bootstrap seeds the table from the given peers, then issues lookups for the
// local key and random targets until the table reaches the minimum population
// or the timeout lapses. Failure is reported but treated as non-fatal by the
// caller; whatever was learned stays in the table.
func (d *DhtCoordinator) Bootstrap(ctx context.Context, seeds []PeerDescriptor) error {
	for _, seed := range seeds {
		d.Offer(seed)
	}
	if d.table.size() == 0 {
		return fmt.Errorf("dht bootstrap: no seed peers")
	}
	ctx, cancel := context.WithTimeout(ctx, d.cfg.BootstrapTimeout)
	defer cancel()

	// Finding ourselves populates the buckets nearest to us first.
	d.lookup(ctx, d.table.selfKey)
	for d.table.size() < d.cfg.MinTablePeers {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("dht bootstrap: table has %d of %d peers: %w", d.table.size(), d.cfg.MinTablePeers, err)
		}
		before := d.table.size()
		d.lookup(ctx, randomDhtKey())
		if d.table.size() <= before {
			// Walks stopped yielding new peers; a sparse network is not an
			// error as long as the target population was reached.
			break
		}
	}
	size := d.table.size()
	d.metrics.observeRoutingTable(size)
	if size < d.cfg.MinTablePeers {
		return fmt.Errorf("dht bootstrap: table has %d of %d peers", size, d.cfg.MinTablePeers)
	}
	d.logger.Info("dht bootstrap complete", "peers", size)
	return nil
}

// FindPeers performs iterative closest-node queries for a random target and
// returns up to count distinct peers. Under churn fewer may be returned; the
// call is bounded by hop count and per-query timeouts, never indefinite.
func (d *DhtCoordinator) FindPeers(ctx context.Context, count int) []PeerDescriptor {
	if count <= 0 {
		return nil
	}
	found := make(map[string]PeerDescriptor)
	// A couple of spread-out targets usually suffice; more lookups would only
	// re-discover the same neighborhood.
	for i := 0; i < 3 && len(found) < count; i++ {
		if ctx.Err() != nil {
			break
		}
		for _, peer := range d.lookup(ctx, randomDhtKey()) {
			if peer.NodeID == d.self.NodeID {
				continue
			}
			if _, ok := found[peer.NodeID]; !ok {
				found[peer.NodeID] = peer
			}
			if len(found) >= count {
				break
			}
		}
	}
	out := make([]PeerDescriptor, 0, len(found))
	for _, peer := range found {
		out = append(out, peer)
	}
	if len(out) > count {
		out = out[:count]
	}
	return out
}

// Refresh re-runs lookups for buckets that have gone stale.
func (d *DhtCoordinator) Refresh(ctx context.Context, maxAge time.Duration) {
	for _, idx := range d.table.staleBuckets(d.table.now(), maxAge) {
		if ctx.Err() != nil {
			return
		}
		d.lookup(ctx, randomKeyInBucket(d.table.selfKey, idx))
	}
}

type lookupCandidate struct {
	peer     PeerDescriptor
	key      dhtKey
	queried  bool
	failures int
}

// lookup runs the iterative Kademlia closest-node search. Each round queries
// up to alpha of the nearest unqueried candidates in parallel, merges the
// responses, and stops when a round gets no closer, the hop budget is spent,
// or the context ends.
func (d *DhtCoordinator) lookup(ctx context.Context, target dhtKey) []PeerDescriptor {
	candidates := make(map[string]*lookupCandidate)
	for _, peer := range d.table.nearest(target, d.cfg.ReplicationFactor) {
		candidates[peer.NodeID] = &lookupCandidate{peer: peer, key: dhtKeyForNode(peer.NodeID)}
	}

	var mu sync.Mutex
	for hop := 0; hop < d.cfg.MaxHops; hop++ {
		if ctx.Err() != nil {
			break
		}
		batch := nextLookupBatch(candidates, target, d.cfg.Alpha, d.cfg.QueryRetries)
		if len(batch) == 0 {
			break
		}
		var wg sync.WaitGroup
		progressed := false
		for _, cand := range batch {
			cand.queried = true
			wg.Add(1)
			go func(cand *lookupCandidate) {
				defer wg.Done()
				queryCtx, cancel := context.WithTimeout(ctx, d.cfg.QueryTimeout)
				defer cancel()
				closer, err := d.messenger.FindNode(queryCtx, cand.peer, target)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					cand.failures++
					cand.queried = false
					if cand.failures > d.cfg.QueryRetries {
						cand.queried = true
						d.table.remove(cand.peer.NodeID)
					}
					return
				}
				d.table.add(cand.peer)
				for _, peer := range closer {
					if peer.NodeID == "" || peer.NodeID == d.self.NodeID {
						continue
					}
					if _, known := candidates[peer.NodeID]; known {
						continue
					}
					candidates[peer.NodeID] = &lookupCandidate{peer: peer, key: dhtKeyForNode(peer.NodeID)}
					d.table.add(peer)
					progressed = true
				}
			}(cand)
		}
		wg.Wait()
		if !progressed && allNearestQueried(candidates, target, d.cfg.ReplicationFactor) {
			break
		}
	}
	d.metrics.observeRoutingTable(d.table.size())

	results := make([]*lookupCandidate, 0, len(candidates))
	for _, cand := range candidates {
		results = append(results, cand)
	}
	sort.Slice(results, func(i, j int) bool {
		return closerToTarget(target, results[i].key, results[j].key)
	})
	if len(results) > d.cfg.ReplicationFactor {
		results = results[:d.cfg.ReplicationFactor]
	}
	out := make([]PeerDescriptor, 0, len(results))
	for _, cand := range results {
		out = append(out, cand.peer)
	}
	return out
}

// nextLookupBatch picks up to alpha nearest candidates that are unqueried and
// still within their retry budget.
func nextLookupBatch(candidates map[string]*lookupCandidate, target dhtKey, alpha, retries int) []*lookupCandidate {
	pending := make([]*lookupCandidate, 0, len(candidates))
	for _, cand := range candidates {
		if cand.queried || cand.failures > retries {
			continue
		}
		pending = append(pending, cand)
	}
	sort.Slice(pending, func(i, j int) bool {
		return closerToTarget(target, pending[i].key, pending[j].key)
	})
	if len(pending) > alpha {
		pending = pending[:alpha]
	}
	return pending
}

func allNearestQueried(candidates map[string]*lookupCandidate, target dhtKey, k int) bool {
	ranked := make([]*lookupCandidate, 0, len(candidates))
	for _, cand := range candidates {
		ranked = append(ranked, cand)
	}
	sort.Slice(ranked, func(i, j int) bool {
		return closerToTarget(target, ranked[i].key, ranked[j].key)
	})
	if len(ranked) > k {
		ranked = ranked[:k]
	}
	for _, cand := range ranked {
		if !cand.queried {
			return false
		}
	}
	return true
}
