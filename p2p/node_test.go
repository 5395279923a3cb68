package p2p

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

type fakeConn struct {
	id     string
	addr   string
	closed bool
}

func (c *fakeConn) RemoteNodeID() string { return c.id }
func (c *fakeConn) RemoteAddr() string   { return c.addr }
func (c *fakeConn) Close() error {
	c.closed = true
	return nil
}

func newTestNode(t *testing.T, cfg NodeConfig) *Node {
	t.Helper()
	if cfg.Pow.MinDifficultyBits == 0 {
		cfg.Pow = testPowConfig(1)
	}
	cache, _ := newTestPeerCache(t, PeerCacheConfig{})
	node, err := NewNode(cfg, NodeDeps{
		Identity: &Identity{NodeID: "0xself"},
		Cache:    cache,
	})
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	return node
}

func (n *Node) solveFor(t *testing.T, requesterID string) *PowSolution {
	t.Helper()
	challenge, err := n.IssueChallenge(requesterID)
	if err != nil {
		t.Fatalf("issue challenge: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	solution, err := n.pow.Solve(ctx, challenge)
	if err != nil {
		t.Fatalf("solve challenge: %v", err)
	}
	return &PowSolution{ChallengeID: challenge.ID, Nonce: solution}
}

func TestNodeInboundAdmission(t *testing.T) {
	node := newTestNode(t, NodeConfig{MaxPeers: 8})
	conn := &fakeConn{id: "0xpeer1", addr: "10.0.0.1:4040"}

	decision := node.OnInboundConnection(conn, node.solveFor(t, conn.id))
	if !decision.Allow {
		t.Fatalf("expected admission, got %q", decision.Reason)
	}
	if node.CurrentPeerCount() != 1 {
		t.Fatalf("peer count = %d, want 1", node.CurrentPeerCount())
	}

	dup := node.OnInboundConnection(&fakeConn{id: "0xpeer1", addr: "10.0.1.1:4040"}, node.solveFor(t, "0xpeer1"))
	if dup.Allow {
		t.Fatalf("duplicate identity must be denied")
	}
}

func TestNodeInboundRequiresProof(t *testing.T) {
	node := newTestNode(t, NodeConfig{MaxPeers: 8})
	conn := &fakeConn{id: "0xpeer1", addr: "10.0.0.1:4040"}

	before := node.reputation.Admit(conn.id).Score
	if decision := node.OnInboundConnection(conn, nil); decision.Allow {
		t.Fatalf("missing proof must be denied")
	}
	if after := node.reputation.Score("0xpeer1"); after >= before {
		t.Fatalf("failed proof should cost reputation: before %d after %d", before, after)
	}

	stale := node.solveFor(t, conn.id)
	if !node.OnInboundConnection(conn, stale).Allow {
		t.Fatalf("valid proof should admit")
	}
	replay := node.OnInboundConnection(&fakeConn{id: "0xpeer2", addr: "10.0.0.2:4040"}, stale)
	if replay.Allow {
		t.Fatalf("replayed proof must be denied")
	}
}

func TestNodeSubnetCap(t *testing.T) {
	node := newTestNode(t, NodeConfig{
		MaxPeers:  10,
		Diversity: DiversityConfig{Budget: 10, Fraction: 0.2},
	})
	for i := 0; i < 2; i++ {
		conn := &fakeConn{id: fmt.Sprintf("0xpeer%d", i), addr: fmt.Sprintf("10.0.0.%d:4040", i+1)}
		if decision := node.OnInboundConnection(conn, node.solveFor(t, conn.id)); !decision.Allow {
			t.Fatalf("peer %d should be admitted: %q", i, decision.Reason)
		}
	}
	capped := &fakeConn{id: "0xpeer9", addr: "10.0.0.99:4040"}
	if decision := node.OnInboundConnection(capped, node.solveFor(t, capped.id)); decision.Allow {
		t.Fatalf("third connection from 10.0.0.0/24 must be denied")
	}
	other := &fakeConn{id: "0xpeerA", addr: "10.0.9.1:4040"}
	if decision := node.OnInboundConnection(other, node.solveFor(t, other.id)); !decision.Allow {
		t.Fatalf("different subnet should still be admitted: %q", decision.Reason)
	}
}

func TestNodeRemovePeerReleasesSlots(t *testing.T) {
	node := newTestNode(t, NodeConfig{
		MaxPeers:  10,
		Diversity: DiversityConfig{Budget: 5, Fraction: 0.2},
	})
	conn := &fakeConn{id: "0xpeer1", addr: "10.0.0.1:4040"}
	if decision := node.OnInboundConnection(conn, node.solveFor(t, conn.id)); !decision.Allow {
		t.Fatalf("admission: %q", decision.Reason)
	}
	node.RemovePeer("0xpeer1", true)
	if !conn.closed {
		t.Fatalf("removal should close the connection")
	}
	if node.CurrentPeerCount() != 0 {
		t.Fatalf("peer count = %d, want 0", node.CurrentPeerCount())
	}

	again := &fakeConn{id: "0xpeer2", addr: "10.0.0.2:4040"}
	if decision := node.OnInboundConnection(again, node.solveFor(t, again.id)); !decision.Allow {
		t.Fatalf("released subnet slot should be reusable: %q", decision.Reason)
	}
}

func TestNodeBannedPeerDenied(t *testing.T) {
	node := newTestNode(t, NodeConfig{MaxPeers: 8})
	node.reputation.SetBan("0xbad", time.Now().Add(time.Hour))

	conn := &fakeConn{id: "0xbad", addr: "10.0.0.1:4040"}
	if decision := node.OnInboundConnection(conn, node.solveFor(t, conn.id)); decision.Allow {
		t.Fatalf("banned identity must be denied")
	}
	if decision := node.admitOutbound(conn); decision.Allow {
		t.Fatalf("ban applies to outbound connections too")
	}
}

func TestNodeViolationBanDropsPeer(t *testing.T) {
	node := newTestNode(t, NodeConfig{MaxPeers: 8})
	conn := &fakeConn{id: "0xpeer1", addr: "10.0.0.1:4040"}
	if decision := node.OnInboundConnection(conn, node.solveFor(t, conn.id)); !decision.Allow {
		t.Fatalf("admission: %q", decision.Reason)
	}
	// Starting score 100 zeroes out after two violations.
	node.ReportViolation("0xpeer1")
	node.ReportViolation("0xpeer1")
	if node.CurrentPeerCount() != 0 {
		t.Fatalf("banned peer should have been dropped")
	}
	if !conn.closed {
		t.Fatalf("dropped peer's connection should be closed")
	}
}

func TestNodePexOfferAndIngest(t *testing.T) {
	node := newTestNode(t, NodeConfig{MaxPeers: 8})
	conn := &fakeConn{id: "0xpeer1", addr: "10.0.0.1:4040"}
	if decision := node.OnInboundConnection(conn, node.solveFor(t, conn.id)); !decision.Allow {
		t.Fatalf("admission: %q", decision.Reason)
	}

	offer := node.PexOffer()
	if len(offer.Addresses) != 1 || offer.Addresses[0].NodeID != "0xpeer1" {
		t.Fatalf("unexpected offer: %+v", offer)
	}

	ingested := node.IngestPex("0xpeer1", PexOfferPayload{Addresses: []PexAddress{
		{NodeID: "0xgossip", Addr: "10.0.5.1:4040"},
		{NodeID: "0xself", Addr: "10.0.5.2:4040"},
	}})
	if ingested != 1 {
		t.Fatalf("ingested = %d, want 1", ingested)
	}
	if _, ok := node.cache.Get("0xgossip"); !ok {
		t.Fatalf("gossiped peer should land in the cache")
	}
}

func TestNodeFindNodeQuota(t *testing.T) {
	node := newTestNode(t, NodeConfig{MaxPeers: 8})
	target := dhtKeyForNode("0xsomewhere")
	for i := 0; i < 10; i++ {
		if _, ok := node.HandleFindNode("0xpeer1", "10.0.0.1:4040", target); !ok {
			t.Fatalf("request %d within newcomer quota should be served", i)
		}
	}
	if _, ok := node.HandleFindNode("0xpeer1", "10.0.0.1:4040", target); ok {
		t.Fatalf("request over the hourly quota must be refused")
	}
}

func TestNodeMarksConfiguredPeersPersistent(t *testing.T) {
	node := newTestNode(t, NodeConfig{
		MaxPeers: 8,
		Bootstrap: BootstrapConfig{
			BootstrapNodes: []string{"0xseed1@10.0.0.1:6001"},
			ManualPeers:    []string{"0xManual@10.0.0.2:6001", "not-a-seed"},
		},
	})
	for _, id := range []string{"0xseed1", "0xmanual"} {
		rec, ok := node.cache.Get(id)
		if !ok {
			t.Fatalf("configured peer %s missing from cache", id)
		}
		if !rec.Persistent {
			t.Fatalf("configured peer %s should be persistent", id)
		}
	}
	if removed := node.cache.Expire(time.Now().Add(365 * 24 * time.Hour)); removed != 0 {
		t.Fatalf("configured peers must survive expiry, removed %d", removed)
	}
}

func TestNodeRemovePeerDropsGaugeSeries(t *testing.T) {
	node := newTestNode(t, NodeConfig{MaxPeers: 8})
	conn := &fakeConn{id: "0xdeparting", addr: "10.0.0.9:4040"}
	if decision := node.OnInboundConnection(conn, node.solveFor(t, conn.id)); !decision.Allow {
		t.Fatalf("admission: %q", decision.Reason)
	}
	node.ReportTaskSuccess("0xdeparting")

	before := testutil.CollectAndCount(node.metrics.peerScore)
	node.RemovePeer("0xdeparting", true)
	after := testutil.CollectAndCount(node.metrics.peerScore)
	if after != before-1 {
		t.Fatalf("peer score series = %d after removal, want %d", after, before-1)
	}
	if testutil.CollectAndCount(node.metrics.peerTier) != after {
		t.Fatalf("peer tier series should shrink with the score series")
	}
}

type recordingMessenger struct {
	mu    sync.Mutex
	calls int
}

func (m *recordingMessenger) FindNode(ctx context.Context, peer PeerDescriptor, target [dhtKeyLen]byte) ([]PeerDescriptor, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	return nil, nil
}

func (m *recordingMessenger) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func TestNodeHousekeepingRefreshesStaleBuckets(t *testing.T) {
	messenger := &recordingMessenger{}
	cache, _ := newTestPeerCache(t, PeerCacheConfig{})
	node, err := NewNode(NodeConfig{MaxPeers: 8, Pow: testPowConfig(1)}, NodeDeps{
		Identity:  &Identity{NodeID: "0xself"},
		Cache:     cache,
		Messenger: messenger,
	})
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	node.dht.Offer(PeerDescriptor{NodeID: "0xstale", Addr: "10.0.0.1:1"})

	node.housekeep()
	if messenger.count() != 0 {
		t.Fatalf("fresh buckets must not trigger lookups, got %d", messenger.count())
	}

	node.dht.table.now = func() time.Time { return time.Now().Add(2 * dhtRefreshMaxAge) }
	node.housekeep()
	if messenger.count() == 0 {
		t.Fatalf("stale buckets should trigger refresh lookups")
	}
}

func TestNodePexOfferIncludesTablePeers(t *testing.T) {
	node := newTestNode(t, NodeConfig{MaxPeers: 8})
	conn := &fakeConn{id: "0xlive", addr: "10.0.0.1:4040"}
	if decision := node.OnInboundConnection(conn, node.solveFor(t, conn.id)); !decision.Allow {
		t.Fatalf("admission: %q", decision.Reason)
	}
	node.dht.Offer(PeerDescriptor{NodeID: "0xknown", Addr: "10.0.0.2:4040"})

	offer := node.PexOffer()
	if len(offer.Addresses) != 2 {
		t.Fatalf("offer = %+v, want the live peer plus one table peer", offer.Addresses)
	}
	ids := make(map[string]bool, len(offer.Addresses))
	for _, addr := range offer.Addresses {
		ids[addr.NodeID] = true
	}
	if !ids["0xlive"] || !ids["0xknown"] {
		t.Fatalf("offer = %+v, want 0xlive and 0xknown", offer.Addresses)
	}
}
