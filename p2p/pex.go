package p2p

import (
	"net"
	"strings"
	"time"
)

// maxPexAddresses caps how many gossiped addresses a single peer may offer.
const maxPexAddresses = 32

// PexAddress is a gossipable peer endpoint exchanged after admission.
type PexAddress struct {
	Addr     string    `json:"addr"`
	NodeID   string    `json:"nodeID"`
	LastSeen time.Time `json:"lastSeen"`
}

// PexOfferPayload carries the set of addresses a peer volunteers.
type PexOfferPayload struct {
	Addresses []PexAddress `json:"addresses"`
}

// sanitizePexAddresses validates and dedupes a gossiped address list. Entries
// with a missing identity, an unparseable address, or referring to the local
// node are dropped; the result is capped so a peer cannot flood the cache.
func sanitizePexAddresses(offers []PexAddress, selfID string) []PexAddress {
	self := normalizeNodeID(selfID)
	out := make([]PexAddress, 0, len(offers))
	seen := make(map[string]struct{}, len(offers))
	for _, offer := range offers {
		node := normalizeNodeID(offer.NodeID)
		if node == "" || node == self {
			continue
		}
		addr := strings.TrimSpace(offer.Addr)
		host, _, err := net.SplitHostPort(addr)
		if err != nil || net.ParseIP(host) == nil {
			continue
		}
		key := node + "@" + addr
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, PexAddress{Addr: addr, NodeID: node, LastSeen: offer.LastSeen})
		if len(out) >= maxPexAddresses {
			break
		}
	}
	return out
}

// ingestPexAddresses feeds validated gossip into the peer cache at neutral
// standing. Gossiped peers are never dialed directly off the offer; they only
// become candidates for a later bootstrap pass.
func ingestPexAddresses(cache *PeerCache, offers []PexAddress, selfID string) int {
	if cache == nil {
		return 0
	}
	cleaned := sanitizePexAddresses(offers, selfID)
	for _, offer := range cleaned {
		if _, known := cache.Get(offer.NodeID); known {
			continue
		}
		cache.RecordOutcome(offer.NodeID, []string{offer.Addr}, true)
	}
	return len(cleaned)
}
