package config

import "fmt"

// Validate rejects configurations the node cannot safely run with. Zero
// values mean "use the built-in default" and always pass.
func (c *Config) Validate() error {
	if c.P2P.MaxPeers < 0 {
		return fmt.Errorf("p2p: MaxPeers must not be negative")
	}
	if c.P2P.MinConnectedPeers > c.P2P.MaxPeers && c.P2P.MaxPeers > 0 {
		return fmt.Errorf("p2p: MinConnectedPeers %d exceeds MaxPeers %d", c.P2P.MinConnectedPeers, c.P2P.MaxPeers)
	}
	if c.Pow.MinDifficultyBits < 0 || c.Pow.MaxDifficultyBits < 0 {
		return fmt.Errorf("pow: difficulty bits must not be negative")
	}
	if c.Pow.MaxDifficultyBits > 0 && c.Pow.MinDifficultyBits > c.Pow.MaxDifficultyBits {
		return fmt.Errorf("pow: MinDifficultyBits %d exceeds MaxDifficultyBits %d", c.Pow.MinDifficultyBits, c.Pow.MaxDifficultyBits)
	}
	if c.Pow.MaxDifficultyBits > 256 {
		return fmt.Errorf("pow: MaxDifficultyBits %d exceeds digest width", c.Pow.MaxDifficultyBits)
	}
	if c.Diversity.Fraction < 0 || c.Diversity.Fraction > 1 {
		return fmt.Errorf("diversity: Fraction must be within [0, 1]")
	}
	if c.Diversity.IPv4PrefixBits < 0 || c.Diversity.IPv4PrefixBits > 32 {
		return fmt.Errorf("diversity: IPv4PrefixBits must be within [0, 32]")
	}
	if c.Diversity.IPv6PrefixBits < 0 || c.Diversity.IPv6PrefixBits > 128 {
		return fmt.Errorf("diversity: IPv6PrefixBits must be within [0, 128]")
	}
	if c.Cache.TTLDays < 0 {
		return fmt.Errorf("cache: TTLDays must not be negative")
	}
	if c.Cache.MaxEntries < 0 {
		return fmt.Errorf("cache: MaxEntries must not be negative")
	}
	if c.Dht.Alpha < 0 || c.Dht.ReplicationFactor < 0 || c.Dht.MaxHops < 0 {
		return fmt.Errorf("dht: tuning values must not be negative")
	}
	return nil
}
