package p2p

import (
	"context"
	"net"
	"testing"
	"time"

	"peermesh/crypto"
)

func newTestTransport(t *testing.T, networkID string) *Transport {
	t.Helper()
	priv, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	identity := &Identity{PrivateKey: priv, NodeID: deriveNodeID(priv)}
	transport, err := NewTransport(TransportConfig{
		NetworkID:        networkID,
		ClientVersion:    "peermesh/test",
		HandshakeTimeout: 5 * time.Second,
	}, identity)
	if err != nil {
		t.Fatalf("new transport: %v", err)
	}
	t.Cleanup(transport.Close)
	return transport
}

func TestTransportHandshakeAndExchange(t *testing.T) {
	serverSide := newTestTransport(t, "testnet")
	clientSide := newTestTransport(t, "testnet")

	inner, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	listener := serverSide.Listen(inner)
	defer listener.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	type acceptResult struct {
		conn Connection
		err  error
	}
	accepted := make(chan acceptResult, 1)
	go func() {
		conn, err := listener.Accept(ctx)
		accepted <- acceptResult{conn: conn, err: err}
	}()

	clientConn, err := clientSide.Dial(ctx, inner.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer clientConn.Close()

	result := <-accepted
	if result.err != nil {
		t.Fatalf("accept: %v", result.err)
	}
	defer result.conn.Close()

	if got := result.conn.RemoteNodeID(); got != clientSide.identity.NodeID {
		t.Fatalf("server sees %s, want %s", got, clientSide.identity.NodeID)
	}
	if got := clientConn.RemoteNodeID(); got != serverSide.identity.NodeID {
		t.Fatalf("client sees %s, want %s", got, serverSide.identity.NodeID)
	}

	msg, err := NewPingMessage(42, time.Now())
	if err != nil {
		t.Fatalf("build ping: %v", err)
	}
	wire := clientConn.(*WireConn)
	if err := wire.Send(ctx, msg); err != nil {
		t.Fatalf("send: %v", err)
	}
	received, err := result.conn.(*WireConn).Receive(ctx)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if received.Type != MsgTypePing {
		t.Fatalf("received type %#x, want ping", received.Type)
	}
}

func TestTransportRejectsNetworkMismatch(t *testing.T) {
	serverSide := newTestTransport(t, "mainnet")
	clientSide := newTestTransport(t, "testnet")

	inner, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	listener := serverSide.Listen(inner)
	defer listener.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	errs := make(chan error, 1)
	go func() {
		_, err := listener.Accept(ctx)
		errs <- err
	}()

	if _, err := clientSide.Dial(ctx, inner.Addr().String()); err == nil {
		t.Fatalf("dial across networks should fail the handshake")
	}
	if err := <-errs; err == nil {
		t.Fatalf("accept across networks should fail the handshake")
	}
}

func TestNonceGuardReplay(t *testing.T) {
	guard := newNonceGuard(time.Minute)
	defer guard.Close()
	current := time.Unix(1000, 0)
	guard.now = func() time.Time { return current }

	if !guard.Remember("0xabc", "0x0102", current) {
		t.Fatalf("first observation should be remembered")
	}
	if guard.Remember("0xabc", "0x0102", current) {
		t.Fatalf("replayed nonce must be rejected")
	}
	if !guard.Remember("0xdef", "0x0102", current) {
		t.Fatalf("same nonce from a different identity is distinct")
	}

	current = current.Add(2 * time.Minute)
	guard.RunJanitorSweep(current)
	if !guard.Remember("0xabc", "0x0102", current) {
		t.Fatalf("expired nonce should be accepted again")
	}
	if guard.Remember("0xabc", "", current) {
		t.Fatalf("empty nonce must be rejected")
	}
}
