package p2p

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newPipeWire(t *testing.T, nodeID string) (*WireConn, net.Conn) {
	t.Helper()
	local, remote := net.Pipe()
	t.Cleanup(func() {
		_ = local.Close()
		_ = remote.Close()
	})
	wire := &WireConn{
		conn:     local,
		reader:   bufio.NewReader(local),
		nodeID:   nodeID,
		maxFrame: defaultMaxFrameBytes,
	}
	return wire, remote
}

func readPipeMessage(t *testing.T, conn net.Conn) *Message {
	t.Helper()
	line, err := bufio.NewReader(conn).ReadBytes('\n')
	require.NoError(t, err)
	var msg Message
	require.NoError(t, json.Unmarshal(line, &msg))
	return &msg
}

func TestWireMessengerRoundTrip(t *testing.T) {
	m := newWireMessenger()
	wire, remote := newPipeWire(t, "0xAB")
	m.attach(wire)

	done := make(chan struct{})
	go func() {
		defer close(done)
		msg := readPipeMessage(t, remote)
		require.Equal(t, MsgTypeFindNode, msg.Type)
		target, err := DecodeFindNode(msg.Payload)
		require.NoError(t, err)
		require.NotEqual(t, [dhtKeyLen]byte{}, target)
		delivered := m.deliver("0xab", []PexAddress{{NodeID: "0xCC", Addr: "10.0.0.1:6001"}})
		require.True(t, delivered)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var target [dhtKeyLen]byte
	target[0] = 0x7f
	peers, err := m.FindNode(ctx, PeerDescriptor{NodeID: "0xab"}, target)
	require.NoError(t, err)
	require.Len(t, peers, 1)
	require.Equal(t, "0xcc", peers[0].NodeID)
	require.Equal(t, "10.0.0.1:6001", peers[0].Addr)
	<-done
}

func TestWireMessengerNoSession(t *testing.T) {
	m := newWireMessenger()
	var target [dhtKeyLen]byte
	_, err := m.FindNode(context.Background(), PeerDescriptor{NodeID: "0xmissing"}, target)
	require.ErrorIs(t, err, errNoSession)
}

func TestWireMessengerDetachUnblocksLookup(t *testing.T) {
	m := newWireMessenger()
	wire, remote := newPipeWire(t, "0xAB")
	m.attach(wire)

	results := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		var target [dhtKeyLen]byte
		_, err := m.FindNode(ctx, PeerDescriptor{NodeID: "0xab"}, target)
		results <- err
	}()

	readPipeMessage(t, remote)
	m.detach("0xAB")
	require.ErrorIs(t, <-results, errNoSession)

	// The reply channel is gone with the session.
	require.False(t, m.deliver("0xab", nil))
}

func TestWireMessengerSingleLookupPerPeer(t *testing.T) {
	m := newWireMessenger()
	wire, remote := newPipeWire(t, "0xAB")
	m.attach(wire)

	go readPipeMessage(t, remote)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var target [dhtKeyLen]byte
	started := make(chan struct{})
	go func() {
		close(started)
		_, _ = m.FindNode(ctx, PeerDescriptor{NodeID: "0xab"}, target)
	}()
	<-started
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		_, err := m.FindNode(ctx, PeerDescriptor{NodeID: "0xab"}, target)
		if err == errLookupInFlight {
			m.detach("0xab")
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("second lookup never observed the in-flight guard")
}
