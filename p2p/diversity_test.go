package p2p

import (
	"fmt"
	"testing"
)

func TestDiversitySubnetKeys(t *testing.T) {
	enforcer := NewDiversityEnforcer(DiversityConfig{})
	key, err := enforcer.SubnetKey("203.0.113.9:4040")
	if err != nil {
		t.Fatalf("subnet key: %v", err)
	}
	if key != "203.0.113.0/24" {
		t.Fatalf("unexpected ipv4 key %q", key)
	}
	key, err = enforcer.SubnetKey("[2001:db8:1:2::7]:4040")
	if err != nil {
		t.Fatalf("subnet key: %v", err)
	}
	if key != "2001:db8:1::/48" {
		t.Fatalf("unexpected ipv6 key %q", key)
	}
	if _, err := enforcer.SubnetKey("not-an-address"); err == nil {
		t.Fatalf("expected error for unparseable address")
	}
}

func TestDiversityCapEnforced(t *testing.T) {
	enforcer := NewDiversityEnforcer(DiversityConfig{Budget: 100, Fraction: 0.20})
	if got := enforcer.Cap(); got != 20 {
		t.Fatalf("cap = %d, want 20", got)
	}
	// Distinct subnets each get their own slot.
	for i := 0; i < 25; i++ {
		addr := fmt.Sprintf("10.%d.0.1:4040", i)
		if !enforcer.Admit(addr) {
			t.Fatalf("admit %s should succeed", addr)
		}
	}
	// Fill a single subnet to its cap.
	for i := 0; i < 19; i++ {
		addr := fmt.Sprintf("10.0.0.%d:4040", i+2)
		if !enforcer.Admit(addr) {
			t.Fatalf("admit within cap should succeed (%d)", i)
		}
	}
	if enforcer.SubnetCount("10.0.0.1:0") != 20 {
		t.Fatalf("subnet count = %d, want 20", enforcer.SubnetCount("10.0.0.1:0"))
	}
	if enforcer.Admit("10.0.0.200:4040") {
		t.Fatalf("admit past cap should be denied")
	}
	enforcer.Release("10.0.0.2:4040")
	if !enforcer.Admit("10.0.0.200:4040") {
		t.Fatalf("admit after release should succeed")
	}
}

func TestDiversityBudgetRecompute(t *testing.T) {
	enforcer := NewDiversityEnforcer(DiversityConfig{Budget: 10, Fraction: 0.20})
	if !enforcer.Admit("192.0.2.1:1") || !enforcer.Admit("192.0.2.2:1") {
		t.Fatalf("expected two admits under cap 2")
	}
	if enforcer.Admit("192.0.2.3:1") {
		t.Fatalf("third admit should exceed cap 2")
	}
	enforcer.SetBudget(20)
	if !enforcer.Admit("192.0.2.3:1") {
		t.Fatalf("admit should succeed after budget increase")
	}
}

func TestDiversityReleaseDropsSlot(t *testing.T) {
	enforcer := NewDiversityEnforcer(DiversityConfig{Budget: 100})
	if !enforcer.Admit("198.51.100.7:9000") {
		t.Fatalf("admit should succeed")
	}
	if enforcer.TotalConnections() != 1 {
		t.Fatalf("total = %d, want 1", enforcer.TotalConnections())
	}
	enforcer.Release("198.51.100.7:9000")
	if enforcer.TotalConnections() != 0 {
		t.Fatalf("total = %d, want 0", enforcer.TotalConnections())
	}
	// Releasing again is harmless.
	enforcer.Release("198.51.100.7:9000")
	if enforcer.TotalConnections() != 0 {
		t.Fatalf("total after double release = %d", enforcer.TotalConnections())
	}
}
