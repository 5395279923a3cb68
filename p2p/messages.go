package p2p

import (
	"encoding/json"
	"time"
)

// Message is the length-prefixed envelope every peer exchange uses. Payload
// is JSON keyed by Type.
type Message struct {
	Type    byte   `json:"type"`
	Payload []byte `json:"payload"`
}

// Constants for our P2P message types.
const (
	MsgTypeChallenge    byte = 0x01
	MsgTypeChallengeAck byte = 0x02
	MsgTypeFindNode     byte = 0x03
	MsgTypeNeighbors    byte = 0x04
	MsgTypePexOffer     byte = 0x05
	MsgTypePing         byte = 0x06
	MsgTypePong         byte = 0x07
	MsgTypeDisconnect   byte = 0x08
)

// ChallengePayload carries a freshly issued admission challenge.
type ChallengePayload struct {
	ChallengeID    string `json:"challengeId"`
	NonceSeed      []byte `json:"nonceSeed"`
	RequesterID    string `json:"requesterId"`
	DifficultyBits int    `json:"difficultyBits"`
	ExpiresAt      int64  `json:"expiresAt"`
}

// ChallengeAckPayload returns the solving nonce for a challenge.
type ChallengeAckPayload struct {
	ChallengeID string `json:"challengeId"`
	Nonce       uint64 `json:"nonce"`
}

// FindNodePayload asks a peer for its closest known nodes to a target key.
type FindNodePayload struct {
	Target []byte `json:"target"`
}

// NeighborsPayload answers a find-node query.
type NeighborsPayload struct {
	Peers []PexAddress `json:"peers"`
}

// PingPayload is exchanged as a lightweight keepalive message.
type PingPayload struct {
	Nonce     uint64 `json:"nonce"`
	Timestamp int64  `json:"timestamp"`
}

// PongPayload acknowledges receipt of a ping message.
type PongPayload struct {
	Nonce     uint64 `json:"nonce"`
	Timestamp int64  `json:"timestamp"`
}

// DisconnectPayload announces an intentional teardown so the remote side
// records a graceful departure instead of a failure.
type DisconnectPayload struct {
	Reason string `json:"reason"`
}

// --- Message Creation Helpers ---

// NewChallengeMessage wraps an issued challenge for the wire.
func NewChallengeMessage(challenge PowChallenge) (*Message, error) {
	payload, err := json.Marshal(ChallengePayload{
		ChallengeID:    challenge.ID,
		NonceSeed:      challenge.NonceSeed[:],
		RequesterID:    challenge.RequesterID,
		DifficultyBits: challenge.DifficultyBits,
		ExpiresAt:      challenge.Expiry.UnixNano(),
	})
	if err != nil {
		return nil, err
	}
	return &Message{Type: MsgTypeChallenge, Payload: payload}, nil
}

// NewChallengeAckMessage wraps a solved challenge.
func NewChallengeAckMessage(challengeID string, nonce uint64) (*Message, error) {
	payload, err := json.Marshal(ChallengeAckPayload{ChallengeID: challengeID, Nonce: nonce})
	if err != nil {
		return nil, err
	}
	return &Message{Type: MsgTypeChallengeAck, Payload: payload}, nil
}

// NewFindNodeMessage builds a routing query for the given target key.
func NewFindNodeMessage(target [dhtKeyLen]byte) (*Message, error) {
	payload, err := json.Marshal(FindNodePayload{Target: target[:]})
	if err != nil {
		return nil, err
	}
	return &Message{Type: MsgTypeFindNode, Payload: payload}, nil
}

// NewNeighborsMessage answers a routing query with the closest known peers.
func NewNeighborsMessage(peers []PeerDescriptor) (*Message, error) {
	listed := make([]PexAddress, 0, len(peers))
	for _, peer := range peers {
		listed = append(listed, PexAddress{NodeID: peer.NodeID, Addr: peer.Addr})
	}
	payload, err := json.Marshal(NeighborsPayload{Peers: listed})
	if err != nil {
		return nil, err
	}
	return &Message{Type: MsgTypeNeighbors, Payload: payload}, nil
}

// NewPexOfferMessage wraps a volunteered address list.
func NewPexOfferMessage(offer PexOfferPayload) (*Message, error) {
	payload, err := json.Marshal(offer)
	if err != nil {
		return nil, err
	}
	return &Message{Type: MsgTypePexOffer, Payload: payload}, nil
}

// NewPingMessage builds a ping keepalive message using the provided nonce and timestamp.
func NewPingMessage(nonce uint64, ts time.Time) (*Message, error) {
	payload, err := json.Marshal(PingPayload{Nonce: nonce, Timestamp: ts.UnixNano()})
	if err != nil {
		return nil, err
	}
	return &Message{Type: MsgTypePing, Payload: payload}, nil
}

// NewPongMessage builds a pong response echoing the supplied nonce.
func NewPongMessage(nonce uint64, ts time.Time) (*Message, error) {
	payload, err := json.Marshal(PongPayload{Nonce: nonce, Timestamp: ts.UnixNano()})
	if err != nil {
		return nil, err
	}
	return &Message{Type: MsgTypePong, Payload: payload}, nil
}

// DecodeFindNode validates and extracts a routing query target.
func DecodeFindNode(payload []byte) ([dhtKeyLen]byte, error) {
	var decoded FindNodePayload
	var target [dhtKeyLen]byte
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return target, err
	}
	if len(decoded.Target) != dhtKeyLen {
		return target, ErrInvalidPayload
	}
	copy(target[:], decoded.Target)
	return target, nil
}
