package p2p

import (
	"fmt"
	"math"
	"net"
	"strings"
	"sync"
)

const (
	defaultDiversityFraction = 0.20
	defaultIPv4PrefixBits    = 24
	defaultIPv6PrefixBits    = 48
)

// DiversityConfig tunes the per-subnet connection caps.
type DiversityConfig struct {
	// Budget is the node's total connection budget.
	Budget int
	// Fraction is the share of the budget a single subnet may hold.
	Fraction float64
	// IPv4PrefixBits and IPv6PrefixBits control subnet grouping width.
	IPv4PrefixBits int
	IPv6PrefixBits int
}

type subnetSlot struct {
	count int
}

// DiversityEnforcer caps the number of concurrent connections accepted from a
// single subnet so that no one network operator can surround the node.
type DiversityEnforcer struct {
	mu sync.Mutex

	budget   int
	fraction float64
	v4bits   int
	v6bits   int

	slots map[string]*subnetSlot
}

// NewDiversityEnforcer builds an enforcer with zero-value knobs normalized to defaults.
func NewDiversityEnforcer(cfg DiversityConfig) *DiversityEnforcer {
	if cfg.Budget <= 0 {
		cfg.Budget = 100
	}
	if cfg.Fraction <= 0 || cfg.Fraction > 1 {
		cfg.Fraction = defaultDiversityFraction
	}
	if cfg.IPv4PrefixBits <= 0 || cfg.IPv4PrefixBits > 32 {
		cfg.IPv4PrefixBits = defaultIPv4PrefixBits
	}
	if cfg.IPv6PrefixBits <= 0 || cfg.IPv6PrefixBits > 128 {
		cfg.IPv6PrefixBits = defaultIPv6PrefixBits
	}
	return &DiversityEnforcer{
		budget:   cfg.Budget,
		fraction: cfg.Fraction,
		v4bits:   cfg.IPv4PrefixBits,
		v6bits:   cfg.IPv6PrefixBits,
		slots:    make(map[string]*subnetSlot),
	}
}

// SetBudget updates the total connection budget. Caps are recomputed lazily on
// the next Admit call since the cap is a pure function of budget and fraction.
func (d *DiversityEnforcer) SetBudget(budget int) {
	if d == nil || budget <= 0 {
		return
	}
	d.mu.Lock()
	d.budget = budget
	d.mu.Unlock()
}

// Cap returns the current per-subnet connection cap.
func (d *DiversityEnforcer) Cap() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.capLocked()
}

func (d *DiversityEnforcer) capLocked() int {
	cap := int(math.Ceil(float64(d.budget) * d.fraction))
	if cap < 1 {
		cap = 1
	}
	return cap
}

// Admit reserves a connection slot for the address's subnet. Addresses that do
// not parse are denied. On allow the slot count is incremented and the caller
// must pair the call with Release.
func (d *DiversityEnforcer) Admit(addr string) bool {
	if d == nil {
		return true
	}
	key, err := d.SubnetKey(addr)
	if err != nil {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	slot := d.slots[key]
	if slot == nil {
		slot = &subnetSlot{}
		d.slots[key] = slot
	}
	if slot.count+1 > d.capLocked() {
		return false
	}
	slot.count++
	return true
}

// Release returns a slot previously granted by Admit. Zero-count slots are
// dropped; releasing an unknown address is a no-op.
func (d *DiversityEnforcer) Release(addr string) {
	if d == nil {
		return
	}
	key, err := d.SubnetKey(addr)
	if err != nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	slot := d.slots[key]
	if slot == nil {
		return
	}
	slot.count--
	if slot.count <= 0 {
		delete(d.slots, key)
	}
}

// SubnetCount returns the live connection count for the subnet containing addr.
func (d *DiversityEnforcer) SubnetCount(addr string) int {
	key, err := d.SubnetKey(addr)
	if err != nil {
		return 0
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	slot := d.slots[key]
	if slot == nil {
		return 0
	}
	return slot.count
}

// TotalConnections returns the sum of all subnet slot counts.
func (d *DiversityEnforcer) TotalConnections() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	total := 0
	for _, slot := range d.slots {
		total += slot.count
	}
	return total
}

// SubnetKey derives the grouping key for an address: the masked network prefix
// in CIDR form, e.g. "203.0.113.0/24" or "2001:db8:1::/48". A bare host or IP
// without a port is accepted.
func (d *DiversityEnforcer) SubnetKey(addr string) (string, error) {
	host := strings.TrimSpace(addr)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return "", fmt.Errorf("unparseable address %q", addr)
	}
	if v4 := ip.To4(); v4 != nil {
		mask := net.CIDRMask(d.v4bits, 32)
		return fmt.Sprintf("%s/%d", v4.Mask(mask).String(), d.v4bits), nil
	}
	mask := net.CIDRMask(d.v6bits, 128)
	return fmt.Sprintf("%s/%d", ip.Mask(mask).String(), d.v6bits), nil
}
