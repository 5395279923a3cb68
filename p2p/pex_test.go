package p2p

import (
	"fmt"
	"testing"
)

func TestSanitizePexAddresses(t *testing.T) {
	offers := []PexAddress{
		{NodeID: "0xAA", Addr: "10.0.0.1:4040"},
		{NodeID: "0xaa", Addr: "10.0.0.1:4040"}, // duplicate after normalization
		{NodeID: "", Addr: "10.0.0.2:4040"},
		{NodeID: "0xbb", Addr: "not-an-address"},
		{NodeID: "0xcc", Addr: "example.com:4040"}, // hostname, not an IP
		{NodeID: "0xself", Addr: "10.0.0.3:4040"},
		{NodeID: "0xdd", Addr: "10.0.0.4:4040"},
	}
	cleaned := sanitizePexAddresses(offers, "0xself")
	if len(cleaned) != 2 {
		t.Fatalf("cleaned = %d entries, want 2: %+v", len(cleaned), cleaned)
	}
	if cleaned[0].NodeID != "0xaa" || cleaned[1].NodeID != "0xdd" {
		t.Fatalf("unexpected survivors: %+v", cleaned)
	}
}

func TestSanitizePexAddressesCap(t *testing.T) {
	offers := make([]PexAddress, 0, maxPexAddresses*2)
	for i := 0; i < maxPexAddresses*2; i++ {
		offers = append(offers, PexAddress{
			NodeID: fmt.Sprintf("0xnode%d", i),
			Addr:   fmt.Sprintf("10.0.%d.1:4040", i),
		})
	}
	cleaned := sanitizePexAddresses(offers, "0xself")
	if len(cleaned) != maxPexAddresses {
		t.Fatalf("cleaned = %d entries, want cap %d", len(cleaned), maxPexAddresses)
	}
}

func TestIngestPexAddresses(t *testing.T) {
	cache, _ := newTestPeerCache(t, PeerCacheConfig{})
	cache.RecordOutcome("0xknown", []string{"10.0.0.9:4040"}, true)
	cache.RecordOutcome("0xknown", nil, true)
	before, _ := cache.Get("0xknown")
	offers := []PexAddress{
		{NodeID: "0xknown", Addr: "10.0.0.9:4040"},
		{NodeID: "0xfresh", Addr: "10.0.0.10:4040"},
	}
	if got := ingestPexAddresses(cache, offers, "0xself"); got != 2 {
		t.Fatalf("ingested = %d, want 2", got)
	}
	after, _ := cache.Get("0xknown")
	if after.Reliability != before.Reliability {
		t.Fatalf("gossip must not rescore known peers")
	}
	fresh, ok := cache.Get("0xfresh")
	if !ok {
		t.Fatalf("expected gossiped peer in cache")
	}
	if fresh.Reliability > 0.2 {
		t.Fatalf("gossiped peer should start at neutral standing, got %f", fresh.Reliability)
	}
}
