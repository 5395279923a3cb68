package p2p

import (
	"sort"
	"sync"
	"time"
)

const (
	defaultBucketSize      = 20
	defaultReplacementSize = 10
	numBuckets             = dhtKeyLen * 8
)

// PeerDescriptor identifies a dialable peer in the discovery layer.
type PeerDescriptor struct {
	NodeID string
	Addr   string
}

type dhtNode struct {
	peer     PeerDescriptor
	key      dhtKey
	addedAt  time.Time
	lastSeen time.Time
}

// kBucket holds up to k nodes ordered least-recently-seen first, plus a small
// replacement cache that backfills slots when a live node is evicted.
type kBucket struct {
	nodes        []*dhtNode
	replacements []*dhtNode
}

func (b *kBucket) find(nodeID string) int {
	for i, node := range b.nodes {
		if node.peer.NodeID == nodeID {
			return i
		}
	}
	return -1
}

func (b *kBucket) moveToBack(idx int) {
	node := b.nodes[idx]
	b.nodes = append(append(b.nodes[:idx], b.nodes[idx+1:]...), node)
}

// routingTable is a fixed-depth Kademlia table keyed by XOR distance from the
// local node. A single RWMutex guards all buckets; no lock is held across I/O.
type routingTable struct {
	mu sync.RWMutex

	selfID  string
	selfKey dhtKey

	buckets         [numBuckets]kBucket
	bucketSize      int
	replacementSize int

	now func() time.Time
}

func newRoutingTable(selfID string, bucketSize int) *routingTable {
	if bucketSize <= 0 {
		bucketSize = defaultBucketSize
	}
	return &routingTable{
		selfID:          selfID,
		selfKey:         dhtKeyForNode(selfID),
		bucketSize:      bucketSize,
		replacementSize: defaultReplacementSize,
		now:             time.Now,
	}
}

// add inserts or refreshes a peer. Known peers move to the fresh end of their
// bucket; overflow lands in the replacement cache. The local node is never
// stored. Returns true when the peer occupies a main bucket slot.
func (t *routingTable) add(peer PeerDescriptor) bool {
	if peer.NodeID == "" || peer.NodeID == t.selfID {
		return false
	}
	key := dhtKeyForNode(peer.NodeID)
	idx := bucketIndexFor(t.selfKey, key)
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()
	bucket := &t.buckets[idx]

	if pos := bucket.find(peer.NodeID); pos >= 0 {
		node := bucket.nodes[pos]
		node.lastSeen = now
		if peer.Addr != "" {
			node.peer.Addr = peer.Addr
		}
		bucket.moveToBack(pos)
		return true
	}
	node := &dhtNode{peer: peer, key: key, addedAt: now, lastSeen: now}
	if len(bucket.nodes) < t.bucketSize {
		bucket.nodes = append(bucket.nodes, node)
		return true
	}
	// Bucket full: remember the candidate, newest first, bounded.
	for i, repl := range bucket.replacements {
		if repl.peer.NodeID == peer.NodeID {
			bucket.replacements = append(bucket.replacements[:i], bucket.replacements[i+1:]...)
			break
		}
	}
	bucket.replacements = append([]*dhtNode{node}, bucket.replacements...)
	if len(bucket.replacements) > t.replacementSize {
		bucket.replacements = bucket.replacements[:t.replacementSize]
	}
	return false
}

// remove drops a peer, promoting the freshest replacement into its slot.
func (t *routingTable) remove(nodeID string) {
	key := dhtKeyForNode(nodeID)
	idx := bucketIndexFor(t.selfKey, key)

	t.mu.Lock()
	defer t.mu.Unlock()
	bucket := &t.buckets[idx]
	pos := bucket.find(nodeID)
	if pos < 0 {
		return
	}
	bucket.nodes = append(bucket.nodes[:pos], bucket.nodes[pos+1:]...)
	if len(bucket.replacements) > 0 {
		promoted := bucket.replacements[0]
		bucket.replacements = bucket.replacements[1:]
		bucket.nodes = append(bucket.nodes, promoted)
	}
}

// nearest returns up to count peers closest to the target key. Descriptors
// and keys are copied out under the read lock; add may rewrite a stored
// peer's address at any time.
func (t *routingTable) nearest(target dhtKey, count int) []PeerDescriptor {
	if count <= 0 {
		return nil
	}
	type rankedPeer struct {
		peer PeerDescriptor
		key  dhtKey
	}
	t.mu.RLock()
	all := make([]rankedPeer, 0, t.sizeLocked())
	for i := range t.buckets {
		for _, node := range t.buckets[i].nodes {
			all = append(all, rankedPeer{peer: node.peer, key: node.key})
		}
	}
	t.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		return closerToTarget(target, all[i].key, all[j].key)
	})
	if len(all) > count {
		all = all[:count]
	}
	out := make([]PeerDescriptor, 0, len(all))
	for _, ranked := range all {
		out = append(out, ranked.peer)
	}
	return out
}

// contains reports whether the peer holds a main bucket slot.
func (t *routingTable) contains(nodeID string) bool {
	key := dhtKeyForNode(nodeID)
	idx := bucketIndexFor(t.selfKey, key)
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.buckets[idx].find(nodeID) >= 0
}

// size returns the number of distinct peers holding main bucket slots.
func (t *routingTable) size() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.sizeLocked()
}

func (t *routingTable) sizeLocked() int {
	total := 0
	for i := range t.buckets {
		total += len(t.buckets[i].nodes)
	}
	return total
}

// staleBuckets lists the indices of non-empty buckets whose freshest entry is
// older than maxAge, candidates for a refresh lookup.
func (t *routingTable) staleBuckets(now time.Time, maxAge time.Duration) []int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var stale []int
	for i := range t.buckets {
		nodes := t.buckets[i].nodes
		if len(nodes) == 0 {
			continue
		}
		freshest := nodes[len(nodes)-1]
		if now.Sub(freshest.lastSeen) > maxAge {
			stale = append(stale, i)
		}
	}
	return stale
}

// peers returns every peer currently holding a main bucket slot.
func (t *routingTable) peers() []PeerDescriptor {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]PeerDescriptor, 0, t.sizeLocked())
	for i := range t.buckets {
		for _, node := range t.buckets[i].nodes {
			out = append(out, node.peer)
		}
	}
	return out
}
