package p2p

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const (
	defaultMaxCachedPeers   = 200
	defaultCacheTTL         = 7 * 24 * time.Hour
	defaultReliabilityFloor = 0.05

	cacheKeyPrefix = "peer/"
)

// PeerRecord is the durable memory of a previously seen peer. Records are
// owned exclusively by the cache and mutated only through its methods.
type PeerRecord struct {
	NodeID      string    `json:"nodeID"`
	Addresses   []string  `json:"addresses"`
	FirstSeen   time.Time `json:"firstSeen"`
	LastSeen    time.Time `json:"lastSeen"`
	Reliability float64   `json:"reliability"`
	LatencyMS   float64   `json:"latencyMS,omitempty"`
	Fails       int       `json:"fails,omitempty"`
	Persistent  bool      `json:"persistent,omitempty"`
}

// Candidate is a dialable entry returned by LoadCandidates, best first.
type Candidate struct {
	NodeID      string
	Addresses   []string
	Reliability float64
}

// PeerCacheConfig tunes retention and scoring bounds.
type PeerCacheConfig struct {
	MaxEntries       int
	TTL              time.Duration
	ReliabilityFloor float64
}

// PeerCache is a bounded, scored, LevelDB-backed registry of previously
// reachable peers. A missing database directory simply starts empty; corrupt
// entries are logged and skipped rather than surfaced as fatal errors.
type PeerCache struct {
	mu sync.Mutex

	db      *leveldb.DB
	records map[string]*PeerRecord

	maxEntries int
	ttl        time.Duration
	floor      float64

	logger *slog.Logger
	now    func() time.Time
}

// NewPeerCache opens (or creates) the cache at the given path.
func NewPeerCache(path string, cfg PeerCacheConfig, logger *slog.Logger) (*PeerCache, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("peer cache path required")
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = defaultMaxCachedPeers
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultCacheTTL
	}
	if cfg.ReliabilityFloor <= 0 {
		cfg.ReliabilityFloor = defaultReliabilityFloor
	}
	if logger == nil {
		logger = slog.Default()
	}
	db, err := leveldb.OpenFile(filepath.Clean(path), nil)
	if err != nil {
		return nil, fmt.Errorf("open peer cache: %w", err)
	}
	cache := &PeerCache{
		db:         db,
		records:    make(map[string]*PeerRecord),
		maxEntries: cfg.MaxEntries,
		ttl:        cfg.TTL,
		floor:      cfg.ReliabilityFloor,
		logger:     logger,
		now:        time.Now,
	}
	cache.load()
	return cache, nil
}

// Close flushes and closes the underlying database.
func (c *PeerCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.db == nil {
		return nil
	}
	err := c.db.Close()
	c.db = nil
	c.records = nil
	return err
}

// Len returns the number of cached records.
func (c *PeerCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.records)
}

// Get returns a copy of the record for a node ID.
func (c *PeerCache) Get(nodeID string) (PeerRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec := c.records[nodeID]
	if rec == nil {
		return PeerRecord{}, false
	}
	out := *rec
	out.Addresses = append([]string(nil), rec.Addresses...)
	return out, true
}

// LoadCandidates returns up to max non-expired entries ordered by reliability
// descending, ties broken by most recent last-seen. An empty cache yields an
// empty slice, never an error.
func (c *PeerCache) LoadCandidates(max int) []Candidate {
	if max <= 0 {
		return nil
	}
	now := c.now()
	cutoff := now.Add(-c.ttl)
	c.mu.Lock()
	defer c.mu.Unlock()
	ranked := make([]*PeerRecord, 0, len(c.records))
	for _, rec := range c.records {
		if rec.LastSeen.Before(cutoff) && !rec.Persistent {
			continue
		}
		ranked = append(ranked, rec)
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Reliability != ranked[j].Reliability {
			return ranked[i].Reliability > ranked[j].Reliability
		}
		return ranked[i].LastSeen.After(ranked[j].LastSeen)
	})
	if len(ranked) > max {
		ranked = ranked[:max]
	}
	out := make([]Candidate, 0, len(ranked))
	for _, rec := range ranked {
		out = append(out, Candidate{
			NodeID:      rec.NodeID,
			Addresses:   append([]string(nil), rec.Addresses...),
			Reliability: rec.Reliability,
		})
	}
	return out
}

// RecordOutcome upserts a record for a dial or session outcome. A successful
// outcome rewards reliability, a failure decays it multiplicatively. An empty
// address list never creates a record; for an existing record it only
// rescores. Exceeding the cache cap evicts the lowest-scored, oldest entries.
func (c *PeerCache) RecordOutcome(nodeID string, addrs []string, success bool) {
	if c == nil || strings.TrimSpace(nodeID) == "" {
		return
	}
	now := c.now()
	cleaned := dedupeAddresses(addrs)
	c.mu.Lock()
	defer c.mu.Unlock()
	rec := c.records[nodeID]
	if rec == nil {
		if len(cleaned) == 0 {
			return
		}
		rec = &PeerRecord{
			NodeID:    nodeID,
			Addresses: cleaned,
			FirstSeen: now,
		}
		c.records[nodeID] = rec
	} else if len(cleaned) > 0 {
		rec.Addresses = mergeAddresses(rec.Addresses, cleaned)
	}
	if success {
		rec.Reliability = rec.Reliability*0.9 + 0.1
		rec.Fails = 0
	} else {
		rec.Reliability *= 0.7
		rec.Fails++
	}
	rec.LastSeen = now
	c.persistLocked(rec)
	c.evictOverflowLocked()
}

// ObserveLatency folds a successful dial's round-trip time into the record's
// moving average. Unknown peers are ignored.
func (c *PeerCache) ObserveLatency(nodeID string, latency time.Duration) {
	if c == nil || latency <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	rec := c.records[nodeID]
	if rec == nil {
		return
	}
	ms := float64(latency) / float64(time.Millisecond)
	if rec.LatencyMS <= 0 {
		rec.LatencyMS = ms
	} else {
		const alpha = 0.2
		rec.LatencyMS = alpha*ms + (1-alpha)*rec.LatencyMS
	}
	c.persistLocked(rec)
}

// MarkPersistent exempts a configured peer from TTL expiry and eviction.
func (c *PeerCache) MarkPersistent(nodeID string, addrs []string) {
	if c == nil || strings.TrimSpace(nodeID) == "" {
		return
	}
	cleaned := dedupeAddresses(addrs)
	if len(cleaned) == 0 {
		return
	}
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	rec := c.records[nodeID]
	if rec == nil {
		rec = &PeerRecord{
			NodeID:    nodeID,
			Addresses: cleaned,
			FirstSeen: now,
			LastSeen:  now,
		}
		c.records[nodeID] = rec
	} else {
		rec.Addresses = mergeAddresses(rec.Addresses, cleaned)
	}
	rec.Persistent = true
	c.persistLocked(rec)
}

// Expire removes entries whose last-seen exceeds the TTL or whose reliability
// has decayed below the floor. Persistent peers are retained. The sweep is
// idempotent: a second call with no intervening mutation removes nothing.
func (c *PeerCache) Expire(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	cutoff := now.Add(-c.ttl)
	removed := 0
	for id, rec := range c.records {
		if rec.Persistent {
			continue
		}
		stale := rec.LastSeen.Before(cutoff)
		unreliable := rec.Fails > 0 && rec.Reliability < c.floor
		if !stale && !unreliable {
			continue
		}
		c.deleteLocked(id)
		removed++
	}
	return removed
}

func (c *PeerCache) evictOverflowLocked() {
	if len(c.records) <= c.maxEntries {
		return
	}
	type victim struct {
		id  string
		rec *PeerRecord
	}
	victims := make([]victim, 0, len(c.records))
	for id, rec := range c.records {
		if rec.Persistent {
			continue
		}
		victims = append(victims, victim{id: id, rec: rec})
	}
	sort.Slice(victims, func(i, j int) bool {
		if victims[i].rec.Reliability != victims[j].rec.Reliability {
			return victims[i].rec.Reliability < victims[j].rec.Reliability
		}
		return victims[i].rec.LastSeen.Before(victims[j].rec.LastSeen)
	})
	for _, v := range victims {
		if len(c.records) <= c.maxEntries {
			break
		}
		c.deleteLocked(v.id)
	}
}

func (c *PeerCache) deleteLocked(nodeID string) {
	delete(c.records, nodeID)
	if c.db != nil {
		if err := c.db.Delete([]byte(cacheKeyPrefix+nodeID), nil); err != nil {
			c.logger.Warn("peer cache delete failed", "error", err.Error())
		}
	}
}

func (c *PeerCache) persistLocked(rec *PeerRecord) {
	if c.db == nil {
		return
	}
	blob, err := json.Marshal(rec)
	if err != nil {
		c.logger.Warn("peer cache encode failed", "error", err.Error())
		return
	}
	if err := c.db.Put([]byte(cacheKeyPrefix+rec.NodeID), blob, nil); err != nil {
		c.logger.Warn("peer cache write failed", "error", err.Error())
	}
}

func (c *PeerCache) load() {
	c.mu.Lock()
	defer c.mu.Unlock()
	iter := c.db.NewIterator(util.BytesPrefix([]byte(cacheKeyPrefix)), nil)
	defer iter.Release()
	for iter.Next() {
		var rec PeerRecord
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			c.logger.Warn("dropping corrupt peer cache entry", "key", string(iter.Key()), "error", err.Error())
			continue
		}
		if rec.NodeID == "" || len(rec.Addresses) == 0 {
			continue
		}
		copy := rec
		c.records[rec.NodeID] = &copy
	}
	if err := iter.Error(); err != nil {
		c.logger.Warn("peer cache scan failed, starting empty", "error", err.Error())
		c.records = make(map[string]*PeerRecord)
	}
}

func dedupeAddresses(addrs []string) []string {
	out := make([]string, 0, len(addrs))
	seen := make(map[string]struct{}, len(addrs))
	for _, raw := range addrs {
		addr := strings.TrimSpace(raw)
		if addr == "" {
			continue
		}
		if _, ok := seen[addr]; ok {
			continue
		}
		seen[addr] = struct{}{}
		out = append(out, addr)
	}
	return out
}

func mergeAddresses(existing, incoming []string) []string {
	merged := append([]string(nil), existing...)
	seen := make(map[string]struct{}, len(existing))
	for _, addr := range existing {
		seen[addr] = struct{}{}
	}
	for _, addr := range incoming {
		if _, ok := seen[addr]; ok {
			continue
		}
		seen[addr] = struct{}{}
		merged = append(merged, addr)
	}
	return merged
}
