package p2p

import (
	"context"
	"fmt"
	"testing"
	"time"

	"peermesh/crypto"
)

type testStack struct {
	identity  *Identity
	node      *Node
	transport *Transport
	server    *Server
}

func newTestStack(t *testing.T, bootstrapNodes []string) *testStack {
	t.Helper()
	priv, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	identity := &Identity{PrivateKey: priv, NodeID: deriveNodeID(priv)}
	transport, err := NewTransport(TransportConfig{NetworkID: "testnet"}, identity)
	if err != nil {
		t.Fatalf("new transport: %v", err)
	}
	node, err := NewNode(NodeConfig{
		MaxPeers: 8,
		Pow:      testPowConfig(1),
		Bootstrap: BootstrapConfig{
			BootstrapNodes:    bootstrapNodes,
			MinConnectedPeers: 1,
			DialTimeout:       5 * time.Second,
		},
	}, NodeDeps{Identity: identity, Dialer: transport})
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	server := NewServer(ServerConfig{
		ListenAddress:    "127.0.0.1:0",
		AdmissionTimeout: time.Minute,
	}, node, transport, nil)
	t.Cleanup(func() {
		server.Stop()
		_ = node.Close()
		transport.Close()
	})
	return &testStack{identity: identity, node: node, transport: transport, server: server}
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestServerAdmissionExchange(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	remote := newTestStack(t, nil)
	if err := remote.server.Start(ctx); err != nil {
		t.Fatalf("start remote: %v", err)
	}

	seed := fmt.Sprintf("%s@%s", remote.identity.NodeID, remote.server.Addr())
	local := newTestStack(t, []string{seed})
	if err := local.server.Start(ctx); err != nil {
		t.Fatalf("start local: %v", err)
	}

	if err := local.node.ConnectToNetwork(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if local.node.State() != StateConnected {
		t.Fatalf("local state = %v, want connected", local.node.State())
	}
	if local.node.CurrentPeerCount() != 1 {
		t.Fatalf("local peers = %d, want 1", local.node.CurrentPeerCount())
	}

	// The remote side admits only after the dialer solved its challenge.
	waitFor(t, 30*time.Second, "remote admission", func() bool {
		return remote.node.CurrentPeerCount() == 1
	})
	descriptors := remote.node.LiveDescriptors()
	if len(descriptors) != 1 || descriptors[0].NodeID != local.identity.NodeID {
		t.Fatalf("remote sees %+v, want %s", descriptors, local.identity.NodeID)
	}
	if remote.node.dht.Size() == 0 {
		t.Fatalf("admission should seed the remote routing table")
	}
}

func TestServerGracefulDisconnect(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	remote := newTestStack(t, nil)
	if err := remote.server.Start(ctx); err != nil {
		t.Fatalf("start remote: %v", err)
	}
	seed := fmt.Sprintf("%s@%s", remote.identity.NodeID, remote.server.Addr())
	local := newTestStack(t, []string{seed})
	if err := local.server.Start(ctx); err != nil {
		t.Fatalf("start local: %v", err)
	}
	if err := local.node.ConnectToNetwork(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, 30*time.Second, "remote admission", func() bool {
		return remote.node.CurrentPeerCount() == 1
	})

	local.node.mu.Lock()
	peer := local.node.peers[remote.identity.NodeID]
	local.node.mu.Unlock()
	if peer == nil {
		t.Fatalf("local node lost its peer record")
	}
	wire := peer.conn.(*WireConn)
	msg := &Message{Type: MsgTypeDisconnect, Payload: []byte(`{"reason":"shutdown"}`)}
	if err := wire.Send(ctx, msg); err != nil {
		t.Fatalf("send disconnect: %v", err)
	}

	waitFor(t, 10*time.Second, "remote teardown", func() bool {
		return remote.node.CurrentPeerCount() == 0
	})
	// A graceful departure must not decay the peer's standing.
	if remote.node.reputation.IsBanned(local.identity.NodeID, time.Now()) {
		t.Fatalf("graceful disconnect must not ban the peer")
	}
}
