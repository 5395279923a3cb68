package p2p

import (
	"sync"
	"time"
)

// Tier buckets peers by accumulated trust score.
type Tier int

const (
	TierNewcomer Tier = iota
	TierEstablished
	TierTrusted
	TierElite
)

func (t Tier) String() string {
	switch t {
	case TierNewcomer:
		return "newcomer"
	case TierEstablished:
		return "established"
	case TierTrusted:
		return "trusted"
	case TierElite:
		return "elite"
	default:
		return "unknown"
	}
}

// Quota describes the resource allowance attached to a tier.
type Quota struct {
	RequestsPerHour int
	MaxConnections  int
}

// ResourceKind selects which quota dimension a CheckQuota call consults.
type ResourceKind int

const (
	ResourceRequests ResourceKind = iota
	ResourceConnections
)

const (
	minScore      = 0
	maxScore      = 1000
	startingScore = 100

	taskSuccessDelta       = 10
	protocolViolationDelta = 50
	banScoreThreshold      = 0

	quotaWindow = time.Hour
)

// TierForScore maps a clamped score onto its tier. The mapping is a pure step
// function so two reads for the same score always agree.
func TierForScore(score int) Tier {
	switch {
	case score >= 750:
		return TierElite
	case score >= 500:
		return TierTrusted
	case score >= 250:
		return TierEstablished
	default:
		return TierNewcomer
	}
}

// QuotaForTier returns the resource allowance for a tier.
func QuotaForTier(tier Tier) Quota {
	switch tier {
	case TierElite:
		return Quota{RequestsPerHour: 1000, MaxConnections: 100}
	case TierTrusted:
		return Quota{RequestsPerHour: 200, MaxConnections: 50}
	case TierEstablished:
		return Quota{RequestsPerHour: 50, MaxConnections: 20}
	default:
		return Quota{RequestsPerHour: 10, MaxConnections: 5}
	}
}

// ReputationConfig tunes ban behavior and idle pruning.
type ReputationConfig struct {
	BanDuration  time.Duration
	IdleExpiry   time.Duration
	StartingGain int
}

// ReputationStatus is the externally visible state of a peer after an update.
type ReputationStatus struct {
	Score       int
	Tier        Tier
	Banned      bool
	BannedUntil time.Time
	Violations  uint64
}

type peerReputation struct {
	score       int
	requests    []time.Time
	connections int
	violations  uint64
	bannedUntil time.Time
	lastSeen    time.Time
	firstSeen   time.Time
}

// ReputationTracker converts observed behavior into per-peer resource quotas.
// All state lives behind a single mutex; no lock is held across I/O.
type ReputationTracker struct {
	cfg ReputationConfig

	mu      sync.Mutex
	records map[string]*peerReputation

	now func() time.Time
}

// NewReputationTracker returns a tracker with zero-value knobs normalized.
func NewReputationTracker(cfg ReputationConfig) *ReputationTracker {
	if cfg.BanDuration <= 0 {
		cfg.BanDuration = 15 * time.Minute
	}
	if cfg.IdleExpiry <= 0 {
		cfg.IdleExpiry = 24 * time.Hour
	}
	return &ReputationTracker{
		cfg:     cfg,
		records: make(map[string]*peerReputation),
		now:     time.Now,
	}
}

// Admit creates the reputation record for a newly admitted identity. Calling
// it again for a known peer only refreshes the last-seen timestamp.
func (r *ReputationTracker) Admit(id string) ReputationStatus {
	if r == nil || id == "" {
		return ReputationStatus{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.ensureLocked(id, r.now())
	return r.statusLocked(rec, r.now())
}

// Increase raises a peer's score, clamped to the upper bound.
func (r *ReputationTracker) Increase(id string, delta int) ReputationStatus {
	return r.adjust(id, delta)
}

// Decrease lowers a peer's score, clamped to zero. A score driven to zero by a
// violation places the peer on the timed ban list.
func (r *ReputationTracker) Decrease(id string, delta int) ReputationStatus {
	return r.adjust(id, -delta)
}

// MarkTaskSuccess rewards a completed task.
func (r *ReputationTracker) MarkTaskSuccess(id string) ReputationStatus {
	return r.adjust(id, taskSuccessDelta)
}

// MarkViolation penalizes a protocol violation and records it.
func (r *ReputationTracker) MarkViolation(id string) ReputationStatus {
	if r == nil || id == "" {
		return ReputationStatus{}
	}
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.ensureLocked(id, now)
	rec.violations++
	rec.score = clampScore(rec.score - protocolViolationDelta)
	rec.lastSeen = now
	if rec.score <= banScoreThreshold {
		rec.bannedUntil = now.Add(r.cfg.BanDuration)
	}
	return r.statusLocked(rec, now)
}

func (r *ReputationTracker) adjust(id string, delta int) ReputationStatus {
	if r == nil || id == "" {
		return ReputationStatus{}
	}
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.ensureLocked(id, now)
	rec.score = clampScore(rec.score + delta)
	rec.lastSeen = now
	return r.statusLocked(rec, now)
}

// Score returns the current clamped score, zero for unknown peers.
func (r *ReputationTracker) Score(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.records[id]
	if rec == nil {
		return 0
	}
	return rec.score
}

// TierOf returns the tier derived from the peer's current score.
func (r *ReputationTracker) TierOf(id string) Tier {
	return TierForScore(r.Score(id))
}

// CheckQuota reports whether the peer may consume one unit of the resource.
// For request quota the call also counts the request against a sliding
// one-hour window. Denial is an expected outcome, not an error.
func (r *ReputationTracker) CheckQuota(id string, kind ResourceKind) bool {
	if r == nil || id == "" {
		return false
	}
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.records[id]
	if rec == nil {
		return false
	}
	quota := QuotaForTier(TierForScore(rec.score))
	switch kind {
	case ResourceRequests:
		rec.requests = pruneWindow(rec.requests, now.Add(-quotaWindow))
		if len(rec.requests) >= quota.RequestsPerHour {
			return false
		}
		rec.requests = append(rec.requests, now)
		rec.lastSeen = now
		return true
	case ResourceConnections:
		return rec.connections < quota.MaxConnections
	default:
		return false
	}
}

// AcquireConn counts a live connection against the peer's concurrency quota.
func (r *ReputationTracker) AcquireConn(id string) bool {
	if r == nil || id == "" {
		return false
	}
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.ensureLocked(id, now)
	quota := QuotaForTier(TierForScore(rec.score))
	if rec.connections >= quota.MaxConnections {
		return false
	}
	rec.connections++
	rec.lastSeen = now
	return true
}

// ReleaseConn releases a connection slot taken by AcquireConn.
func (r *ReputationTracker) ReleaseConn(id string) {
	if r == nil || id == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.records[id]
	if rec == nil {
		return
	}
	if rec.connections > 0 {
		rec.connections--
	}
}

// SetBan overrides the ban expiry for a peer.
func (r *ReputationTracker) SetBan(id string, until time.Time) {
	if r == nil || id == "" {
		return
	}
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.ensureLocked(id, now)
	if until.After(now) {
		rec.bannedUntil = until
	} else {
		rec.bannedUntil = time.Time{}
	}
}

// IsBanned reports whether the peer is on the ban list at the given time.
func (r *ReputationTracker) IsBanned(id string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.records[id]
	if rec == nil {
		return false
	}
	if rec.bannedUntil.IsZero() {
		return false
	}
	if now.After(rec.bannedUntil) {
		rec.bannedUntil = time.Time{}
		return false
	}
	return true
}

// Prune drops records idle beyond the expiry that hold no live connections.
func (r *ReputationTracker) Prune(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for id, rec := range r.records {
		if rec.connections > 0 {
			continue
		}
		if now.Sub(rec.lastSeen) > r.cfg.IdleExpiry {
			delete(r.records, id)
			removed++
		}
	}
	return removed
}

// Snapshot returns the status of every tracked peer.
func (r *ReputationTracker) Snapshot() map[string]ReputationStatus {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]ReputationStatus, len(r.records))
	for id, rec := range r.records {
		out[id] = r.statusLocked(rec, now)
	}
	return out
}

func (r *ReputationTracker) ensureLocked(id string, now time.Time) *peerReputation {
	rec := r.records[id]
	if rec == nil {
		start := startingScore
		if r.cfg.StartingGain > 0 {
			start = r.cfg.StartingGain
		}
		rec = &peerReputation{
			score:     clampScore(start),
			firstSeen: now,
			lastSeen:  now,
		}
		r.records[id] = rec
	} else {
		rec.lastSeen = now
	}
	return rec
}

func (r *ReputationTracker) statusLocked(rec *peerReputation, now time.Time) ReputationStatus {
	status := ReputationStatus{
		Score:      rec.score,
		Tier:       TierForScore(rec.score),
		Violations: rec.violations,
	}
	if rec.bannedUntil.After(now) {
		status.Banned = true
		status.BannedUntil = rec.bannedUntil
	}
	return status
}

func clampScore(score int) int {
	if score < minScore {
		return minScore
	}
	if score > maxScore {
		return maxScore
	}
	return score
}

func pruneWindow(stamps []time.Time, cutoff time.Time) []time.Time {
	idx := 0
	for idx < len(stamps) && !stamps[idx].After(cutoff) {
		idx++
	}
	if idx == 0 {
		return stamps
	}
	return append(stamps[:0], stamps[idx:]...)
}
