package p2p

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"peermesh/observability/logging"
)

const defaultPingInterval = 30 * time.Second

// ServerConfig tunes the serving layer above the transport.
type ServerConfig struct {
	ListenAddress string

	// AdmissionTimeout bounds the challenge exchange on inbound sessions.
	AdmissionTimeout time.Duration
	PingInterval     time.Duration

	// MaxMsgsPerSecond throttles each peer's inbound message stream.
	MaxMsgsPerSecond float64
}

// Server accepts connections, runs the admission exchange and dispatches
// peer messages into the node. Outbound connections established by the
// bootstrap manager are picked up through the node's admission observer.
type Server struct {
	cfg       ServerConfig
	node      *Node
	transport *Transport

	listener  Listener
	boundAddr string

	quit     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	logger *slog.Logger
	now    func() time.Time
}

// NewServer wires the serving layer to a node and its transport.
func NewServer(cfg ServerConfig, node *Node, transport *Transport, logger *slog.Logger) *Server {
	if cfg.AdmissionTimeout <= 0 {
		cfg.AdmissionTimeout = 30 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.MaxMsgsPerSecond <= 0 {
		cfg.MaxMsgsPerSecond = 20
	}
	if logger == nil {
		logger = slog.Default()
	}
	server := &Server{
		cfg:       cfg,
		node:      node,
		transport: transport,
		quit:      make(chan struct{}),
		logger:    logger.With("component", "server"),
		now:       time.Now,
	}
	node.SetAdmissionObserver(server.onAdmitted)
	return server
}

// Start binds the listen address and launches the accept loop.
func (s *Server) Start(ctx context.Context) error {
	inner, err := net.Listen("tcp", s.cfg.ListenAddress)
	if err != nil {
		return err
	}
	s.listener = s.transport.Listen(inner)
	s.boundAddr = inner.Addr().String()
	s.logger.Info("listening", "addr", s.boundAddr)
	s.wg.Add(1)
	go s.acceptLoop(ctx)
	return nil
}

// Addr returns the bound listen address, valid after Start.
func (s *Server) Addr() string {
	return s.boundAddr
}

// Stop closes the listener and waits for the session goroutines.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.quit)
		if s.listener != nil {
			_ = s.listener.Close()
		}
	})
	s.wg.Wait()
}

func (s *Server) acceptLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept(ctx)
		if err != nil {
			select {
			case <-s.quit:
				return
			case <-ctx.Done():
				return
			default:
			}
			s.logger.Debug("accept failed", "error", err.Error())
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleInbound(ctx, conn)
		}()
	}
}

// handleInbound runs the challenge exchange; the node's admission observer
// takes over the session once the pipeline admitted the peer.
func (s *Server) handleInbound(ctx context.Context, conn Connection) {
	wire, ok := conn.(*WireConn)
	if !ok {
		_ = conn.Close()
		return
	}
	admissionCtx, cancel := context.WithTimeout(ctx, s.cfg.AdmissionTimeout)
	defer cancel()

	challenge, err := s.node.IssueChallenge(wire.RemoteNodeID())
	if err != nil {
		s.logger.Debug("challenge issue failed", "error", err.Error())
		_ = wire.Close()
		return
	}
	msg, err := NewChallengeMessage(challenge)
	if err != nil {
		_ = wire.Close()
		return
	}
	if err := wire.Send(admissionCtx, msg); err != nil {
		_ = wire.Close()
		return
	}

	reply, err := wire.Receive(admissionCtx)
	if err != nil || reply.Type != MsgTypeChallengeAck {
		_ = wire.Close()
		return
	}
	ack, err := decodePayload[ChallengeAckPayload](reply.Payload)
	if err != nil {
		_ = wire.Close()
		return
	}

	decision := s.node.OnInboundConnection(wire, &PowSolution{ChallengeID: ack.ChallengeID, Nonce: ack.Nonce})
	if !decision.Allow {
		s.logger.Debug("inbound connection denied",
			logging.MaskField("peer", wire.RemoteNodeID()),
			"reason", decision.Reason)
		_ = wire.Close()
		return
	}
}

// onAdmitted attaches the read and keepalive loops to an admitted session,
// inbound and outbound alike.
func (s *Server) onAdmitted(conn Connection, inbound bool) {
	wire, ok := conn.(*WireConn)
	if !ok {
		return
	}
	if s.node.messenger != nil {
		s.node.messenger.attach(wire)
	}
	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.readLoop(wire)
	}()
	go func() {
		defer s.wg.Done()
		s.pingLoop(wire)
	}()
}

func (s *Server) readLoop(wire *WireConn) {
	peerID := normalizeNodeID(wire.RemoteNodeID())
	limiter := newTokenBucket(s.cfg.MaxMsgsPerSecond, s.cfg.MaxMsgsPerSecond*2)
	ctx := context.Background()
	defer func() {
		if s.node.messenger != nil {
			s.node.messenger.detach(peerID)
		}
	}()
	for {
		select {
		case <-s.quit:
			return
		default:
		}
		msg, err := wire.Receive(ctx)
		if err != nil {
			if IsInvalidPayload(err) {
				s.node.ReportViolation(peerID)
				continue
			}
			s.node.RemovePeer(peerID, false)
			return
		}
		if !limiter.allow(s.now()) {
			s.node.ReportViolation(peerID)
			continue
		}
		if done := s.dispatch(wire, peerID, msg); done {
			return
		}
	}
}

// dispatch handles one message; a true return ends the session.
func (s *Server) dispatch(wire *WireConn, peerID string, msg *Message) bool {
	ctx := context.Background()
	switch msg.Type {
	case MsgTypeChallenge:
		// The remote gates us; solve its puzzle off the read path.
		payload, err := decodePayload[ChallengePayload](msg.Payload)
		if err != nil {
			s.node.ReportViolation(peerID)
			return false
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.answerChallenge(wire, payload)
		}()
	case MsgTypeFindNode:
		target, err := DecodeFindNode(msg.Payload)
		if err != nil {
			s.node.ReportViolation(peerID)
			return false
		}
		peers, ok := s.node.HandleFindNode(peerID, wire.RemoteAddr(), target)
		if !ok {
			return false
		}
		if reply, err := NewNeighborsMessage(peers); err == nil {
			_ = wire.Send(ctx, reply)
		}
	case MsgTypePexOffer:
		offer, err := decodePayload[PexOfferPayload](msg.Payload)
		if err != nil {
			s.node.ReportViolation(peerID)
			return false
		}
		s.node.IngestPex(peerID, offer)
	case MsgTypePing:
		ping, err := decodePayload[PingPayload](msg.Payload)
		if err != nil {
			s.node.ReportViolation(peerID)
			return false
		}
		if reply, err := NewPongMessage(ping.Nonce, s.now()); err == nil {
			_ = wire.Send(ctx, reply)
		}
	case MsgTypePong:
		// Keepalive answered; liveness is implicit in the read itself.
	case MsgTypeNeighbors:
		reply, err := decodePayload[NeighborsPayload](msg.Payload)
		if err != nil {
			s.node.ReportViolation(peerID)
			return false
		}
		if s.node.messenger != nil {
			s.node.messenger.deliver(peerID, reply.Peers)
		}
	case MsgTypeChallengeAck:
		// Valid only as a direct reply; unsolicited copies are ignored.
	case MsgTypeDisconnect:
		s.node.RemovePeer(peerID, true)
		return true
	default:
		s.node.ReportViolation(peerID)
	}
	return false
}

func (s *Server) answerChallenge(wire *WireConn, payload ChallengePayload) {
	var challenge PowChallenge
	if len(payload.NonceSeed) != len(challenge.NonceSeed) {
		return
	}
	challenge.ID = payload.ChallengeID
	challenge.RequesterID = payload.RequesterID
	challenge.DifficultyBits = payload.DifficultyBits
	challenge.Expiry = time.Unix(0, payload.ExpiresAt)
	copy(challenge.NonceSeed[:], payload.NonceSeed)

	ctx, cancel := context.WithDeadline(context.Background(), challenge.Expiry)
	defer cancel()
	nonce, err := s.node.pow.Solve(ctx, challenge)
	if err != nil {
		s.logger.Debug("challenge unsolved", "error", err.Error())
		return
	}
	if msg, err := NewChallengeAckMessage(challenge.ID, nonce); err == nil {
		_ = wire.Send(ctx, msg)
	}
}

func (s *Server) pingLoop(wire *WireConn) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	nonce := uint64(0)
	for {
		select {
		case <-ticker.C:
			nonce++
			msg, err := NewPingMessage(nonce, s.now())
			if err != nil {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			err = wire.Send(ctx, msg)
			cancel()
			if err != nil {
				return
			}
		case <-s.quit:
			return
		}
	}
}

func decodePayload[T any](payload []byte) (T, error) {
	var decoded T
	if err := json.Unmarshal(payload, &decoded); err != nil {
		var zero T
		return zero, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return decoded, nil
}
