package p2p

import (
	"context"
	"errors"
	"sync"
)

var (
	errNoSession      = errors.New("p2p: no live session for peer")
	errLookupInFlight = errors.New("p2p: lookup already in flight for peer")
)

// wireMessenger resolves routing queries over the live sessions the serving
// layer maintains. At most one FIND_NODE may be outstanding per peer; the
// serving layer's read loop feeds replies back through deliver.
type wireMessenger struct {
	mu       sync.Mutex
	sessions map[string]*wireSession
}

type wireSession struct {
	wire *WireConn

	mu     sync.Mutex
	waiter chan []PeerDescriptor
}

func newWireMessenger() *wireMessenger {
	return &wireMessenger{sessions: make(map[string]*wireSession)}
}

func (m *wireMessenger) attach(wire *WireConn) {
	id := normalizeNodeID(wire.RemoteNodeID())
	if id == "" {
		return
	}
	m.mu.Lock()
	m.sessions[id] = &wireSession{wire: wire}
	m.mu.Unlock()
}

func (m *wireMessenger) detach(nodeID string) {
	id := normalizeNodeID(nodeID)
	m.mu.Lock()
	session := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if session == nil {
		return
	}
	session.mu.Lock()
	waiter := session.waiter
	session.waiter = nil
	session.mu.Unlock()
	if waiter != nil {
		close(waiter)
	}
}

// FindNode sends a routing query to a connected peer and blocks until the
// neighbors reply arrives, the session ends or ctx expires.
func (m *wireMessenger) FindNode(ctx context.Context, peer PeerDescriptor, target [dhtKeyLen]byte) ([]PeerDescriptor, error) {
	id := normalizeNodeID(peer.NodeID)
	m.mu.Lock()
	session := m.sessions[id]
	m.mu.Unlock()
	if session == nil {
		return nil, errNoSession
	}

	session.mu.Lock()
	if session.waiter != nil {
		session.mu.Unlock()
		return nil, errLookupInFlight
	}
	waiter := make(chan []PeerDescriptor, 1)
	session.waiter = waiter
	session.mu.Unlock()

	clear := func() {
		session.mu.Lock()
		if session.waiter == waiter {
			session.waiter = nil
		}
		session.mu.Unlock()
	}

	msg, err := NewFindNodeMessage(target)
	if err != nil {
		clear()
		return nil, err
	}
	if err := session.wire.Send(ctx, msg); err != nil {
		clear()
		return nil, err
	}

	select {
	case peers, ok := <-waiter:
		clear()
		if !ok {
			return nil, errNoSession
		}
		return peers, nil
	case <-ctx.Done():
		clear()
		return nil, ctx.Err()
	}
}

// deliver routes a neighbors reply to the pending lookup. It reports whether
// a lookup was actually waiting so the caller can spot unsolicited replies.
func (m *wireMessenger) deliver(nodeID string, addresses []PexAddress) bool {
	id := normalizeNodeID(nodeID)
	m.mu.Lock()
	session := m.sessions[id]
	m.mu.Unlock()
	if session == nil {
		return false
	}
	session.mu.Lock()
	waiter := session.waiter
	session.waiter = nil
	session.mu.Unlock()
	if waiter == nil {
		return false
	}
	peers := make([]PeerDescriptor, 0, len(addresses))
	for _, entry := range addresses {
		peers = append(peers, PeerDescriptor{NodeID: normalizeNodeID(entry.NodeID), Addr: entry.Addr})
	}
	waiter <- peers
	return true
}
