package p2p

import (
	"bufio"
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"peermesh/crypto"
)

const (
	protocolVersion        uint32        = 1
	handshakeNonceSize                   = 32
	handshakeSkewAllowance time.Duration = 5 * time.Minute
	defaultMaxFrameBytes                 = 1 << 20
)

// helloMessage is the signed identity announcement both sides exchange before
// any protocol traffic.
type helloMessage struct {
	ProtocolVersion uint32 `json:"protoVersion"`
	NetworkID       string `json:"networkId"`
	NodePubHex      string `json:"nodeIdPub"`
	NodeAddr        string `json:"nodeAddrBech32"`
	Nonce           string `json:"nonce"`
	Timestamp       int64  `json:"ts"`
	ClientVersion   string `json:"clientVersion"`
}

type helloPacket struct {
	helloMessage
	Signature string `json:"sig"`

	nodeID string
	pubKey *ecdsa.PublicKey
}

// TransportConfig tunes the TCP link layer.
type TransportConfig struct {
	NetworkID        string
	ClientVersion    string
	HandshakeTimeout time.Duration
	MaxFrameBytes    int
	NonceWindow      time.Duration
}

// Transport dials and accepts length-delimited JSON connections, performing
// the signed identity handshake on both paths. It satisfies Dialer; Listen
// wraps a net.Listener into a Listener.
type Transport struct {
	cfg      TransportConfig
	identity *Identity
	guard    *nonceGuard
	now      func() time.Time
}

// NewTransport builds the link layer around a local identity.
func NewTransport(cfg TransportConfig, identity *Identity) (*Transport, error) {
	if identity == nil || identity.PrivateKey == nil {
		return nil, errNilIdentity
	}
	if cfg.NetworkID == "" {
		cfg.NetworkID = "peermesh"
	}
	if cfg.ClientVersion == "" {
		cfg.ClientVersion = "peermesh/dev"
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.MaxFrameBytes <= 0 {
		cfg.MaxFrameBytes = defaultMaxFrameBytes
	}
	return &Transport{
		cfg:      cfg,
		identity: identity,
		guard:    newNonceGuard(cfg.NonceWindow),
		now:      time.Now,
	}, nil
}

// Close releases the transport's background resources.
func (t *Transport) Close() {
	t.guard.Close()
}

// Dial establishes an outbound connection and completes the handshake.
func (t *Transport) Dial(ctx context.Context, addr string) (Connection, error) {
	dialer := net.Dialer{}
	raw, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := t.setup(ctx, raw)
	if err != nil {
		_ = raw.Close()
		return nil, err
	}
	return conn, nil
}

// Listen wraps a bound net.Listener; each accepted connection is returned
// only after its handshake succeeded.
func (t *Transport) Listen(inner net.Listener) Listener {
	return &transportListener{transport: t, inner: inner}
}

type transportListener struct {
	transport *Transport
	inner     net.Listener
}

func (l *transportListener) Accept(ctx context.Context) (Connection, error) {
	raw, err := l.inner.Accept()
	if err != nil {
		return nil, err
	}
	conn, err := l.transport.setup(ctx, raw)
	if err != nil {
		_ = raw.Close()
		return nil, err
	}
	return conn, nil
}

func (l *transportListener) Close() error {
	return l.inner.Close()
}

func (t *Transport) setup(ctx context.Context, raw net.Conn) (*WireConn, error) {
	handshakeCtx, cancel := context.WithTimeout(ctx, t.cfg.HandshakeTimeout)
	defer cancel()
	reader := bufio.NewReader(raw)
	remote, err := t.performHandshake(handshakeCtx, raw, reader)
	if err != nil {
		return nil, err
	}
	return &WireConn{
		conn:     raw,
		reader:   reader,
		nodeID:   remote.nodeID,
		maxFrame: t.cfg.MaxFrameBytes,
	}, nil
}

func (t *Transport) performHandshake(ctx context.Context, conn net.Conn, reader *bufio.Reader) (*helloPacket, error) {
	local, err := t.buildHello()
	if err != nil {
		return nil, fmt.Errorf("prepare handshake: %w", err)
	}
	if err := writeFrame(ctx, conn, local); err != nil {
		return nil, fmt.Errorf("send handshake: %w", err)
	}

	payload, err := readFrame(ctx, conn, reader, t.cfg.MaxFrameBytes)
	if err != nil {
		return nil, fmt.Errorf("read handshake: %w", err)
	}
	if len(payload) == 0 {
		return nil, fmt.Errorf("empty handshake from peer")
	}

	var remote helloPacket
	if err := json.Unmarshal(payload, &remote); err != nil {
		return nil, fmt.Errorf("decode handshake: %w", err)
	}
	if err := t.verifyHello(&remote); err != nil {
		return nil, err
	}
	return &remote, nil
}

func (t *Transport) buildHello() (*helloPacket, error) {
	nonce := make([]byte, handshakeNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate handshake nonce: %w", err)
	}

	now := t.now()
	pubKey := t.identity.PrivateKey.PubKey().PublicKey
	payload := helloMessage{
		ProtocolVersion: protocolVersion,
		NetworkID:       t.cfg.NetworkID,
		NodePubHex:      encodeHex(ethcrypto.FromECDSAPub(pubKey)),
		NodeAddr:        t.identity.DisplayAddress(),
		Nonce:           encodeHex(nonce),
		Timestamp:       now.Unix(),
		ClientVersion:   t.cfg.ClientVersion,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal handshake payload: %w", err)
	}
	sig, err := ethcrypto.Sign(helloDigest(body, payload.Timestamp), t.identity.PrivateKey.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("sign handshake: %w", err)
	}

	packet := &helloPacket{
		helloMessage: payload,
		Signature:    encodeHex(sig),
	}
	packet.nodeID = t.identity.NodeID
	packet.pubKey = pubKey
	if !t.guard.Remember(t.identity.NodeID, packet.Nonce, now) {
		return nil, fmt.Errorf("nonce collision detected")
	}
	return packet, nil
}

func (t *Transport) verifyHello(packet *helloPacket) error {
	if packet == nil {
		return fmt.Errorf("nil handshake packet")
	}
	if packet.ProtocolVersion != protocolVersion {
		return fmt.Errorf("unsupported protocol version %d", packet.ProtocolVersion)
	}
	if packet.NetworkID != t.cfg.NetworkID {
		return fmt.Errorf("network ID mismatch: remote %q local %q", packet.NetworkID, t.cfg.NetworkID)
	}
	if packet.ClientVersion == "" {
		return fmt.Errorf("handshake missing client version")
	}
	if strings.TrimSpace(packet.NodeAddr) == "" {
		return fmt.Errorf("handshake missing node address")
	}
	if len(packet.Signature) == 0 {
		return fmt.Errorf("handshake missing signature")
	}
	nonceBytes, err := decodeHex(packet.Nonce)
	if err != nil {
		return fmt.Errorf("invalid nonce encoding: %w", err)
	}
	if len(nonceBytes) != handshakeNonceSize {
		return fmt.Errorf("invalid handshake nonce length: %d", len(nonceBytes))
	}

	ts := time.Unix(packet.Timestamp, 0)
	now := t.now()
	if now.Sub(ts) > handshakeSkewAllowance || ts.Sub(now) > handshakeSkewAllowance {
		return fmt.Errorf("handshake timestamp skew too large")
	}

	payloadJSON, err := json.Marshal(packet.helloMessage)
	if err != nil {
		return fmt.Errorf("marshal handshake for verification: %w", err)
	}
	sigBytes, err := decodeHex(packet.Signature)
	if err != nil {
		return fmt.Errorf("invalid signature encoding: %w", err)
	}
	if len(sigBytes) != 65 {
		return fmt.Errorf("invalid handshake signature length: %d", len(sigBytes))
	}

	pub, err := parseHelloPub(packet.NodePubHex)
	if err != nil {
		return fmt.Errorf("invalid node public key: %w", err)
	}
	addr, err := crypto.DecodeAddress(packet.NodeAddr)
	if err != nil {
		return fmt.Errorf("decode node address: %w", err)
	}
	if !bytes.Equal(addr.Bytes(), ethcrypto.PubkeyToAddress(*pub).Bytes()) {
		return fmt.Errorf("node address mismatch")
	}

	recovered, err := ethcrypto.SigToPub(helloDigest(payloadJSON, packet.Timestamp), sigBytes)
	if err != nil {
		return fmt.Errorf("recover signature: %w", err)
	}
	if !bytes.Equal(ethcrypto.PubkeyToAddress(*recovered).Bytes(), addr.Bytes()) {
		return fmt.Errorf("signature does not match address")
	}

	nodeID := deriveNodeIDFromPub(pub)
	if !t.guard.Remember(nodeID, packet.Nonce, now) {
		return fmt.Errorf("handshake nonce replay detected")
	}

	packet.nodeID = nodeID
	packet.pubKey = pub
	return nil
}

func parseHelloPub(value string) (*ecdsa.PublicKey, error) {
	if strings.TrimSpace(value) == "" {
		return nil, fmt.Errorf("missing public key")
	}
	raw, err := decodeHex(value)
	if err != nil {
		return nil, err
	}
	return ethcrypto.UnmarshalPubkey(raw)
}

func helloDigest(payload []byte, timestamp int64) []byte {
	digestInput := fmt.Sprintf("peermesh|hello|%s|%d", payload, timestamp)
	return ethcrypto.Keccak256([]byte(digestInput))
}

// WireConn is an established, identity-verified session speaking newline
// delimited JSON frames.
type WireConn struct {
	conn     net.Conn
	reader   *bufio.Reader
	nodeID   string
	maxFrame int

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func (c *WireConn) RemoteNodeID() string { return c.nodeID }

func (c *WireConn) RemoteAddr() string { return c.conn.RemoteAddr().String() }

func (c *WireConn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// Send writes one message frame; concurrent senders are serialized.
func (c *WireConn) Send(ctx context.Context, msg *Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return writeFrame(ctx, c.conn, msg)
}

// Receive blocks for the next message frame, rejecting oversized ones.
func (c *WireConn) Receive(ctx context.Context) (*Message, error) {
	payload, err := readFrame(ctx, c.conn, c.reader, c.maxFrame)
	if err != nil {
		return nil, err
	}
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return &msg, nil
}

func encodeHex(data []byte) string {
	if len(data) == 0 {
		return "0x"
	}
	return "0x" + hex.EncodeToString(data)
}

func decodeHex(value string) ([]byte, error) {
	value = strings.TrimSpace(value)
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		value = value[2:]
	}
	if value == "" {
		return []byte{}, nil
	}
	if len(value)%2 == 1 {
		value = "0" + value
	}
	return hex.DecodeString(value)
}

func writeFrame(ctx context.Context, conn net.Conn, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetWriteDeadline(deadline); err != nil {
			return err
		}
		defer conn.SetWriteDeadline(time.Time{})
	}
	_, err = conn.Write(append(data, '\n'))
	return err
}

func readFrame(ctx context.Context, conn net.Conn, reader *bufio.Reader, maxBytes int) ([]byte, error) {
	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetReadDeadline(deadline); err != nil {
			return nil, err
		}
		defer conn.SetReadDeadline(time.Time{})
	}
	line, err := reader.ReadBytes('\n')
	if err != nil {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		return nil, err
	}
	trimmed := bytes.TrimSpace(line)
	if maxBytes > 0 && len(trimmed) > maxBytes {
		return nil, fmt.Errorf("%w: frame exceeds %d bytes", ErrInvalidPayload, maxBytes)
	}
	return trimmed, nil
}
