package p2p

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"math/bits"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/crypto/argon2"
)

const (
	defaultMinDifficultyBits = 16
	defaultMaxDifficultyBits = 24
	defaultChallengeTTL      = 60 * time.Second

	// Argon2id parameters. Memory cost is in KiB.
	defaultPowMemoryKiB = 64 * 1024
	defaultPowTime      = 3
	defaultPowThreads   = 1
	powDigestLen        = 32
)

// PowConfig tunes the admission challenge difficulty and cost parameters.
type PowConfig struct {
	MinDifficultyBits int
	MaxDifficultyBits int
	ChallengeTTL      time.Duration

	// MemoryKiB, Time and Threads control the Argon2id cost. Lowering them
	// below the defaults is meant for tests only.
	MemoryKiB uint32
	Time      uint32
	Threads   uint8
}

// PowChallenge is a single-use admission puzzle issued to a joining identity.
type PowChallenge struct {
	ID             string
	RequesterID    string
	NonceSeed      [32]byte
	DifficultyBits int
	IssuedAt       time.Time
	Expiry         time.Time
}

// PowAdmission issues memory-hard challenges and verifies their solutions.
// Challenges are destroyed on verification, success or failure alike, so a
// spent or expired challenge can never be replayed. Both the outstanding and
// the consumed sets are pruned opportunistically on each call.
type PowAdmission struct {
	cfg PowConfig

	mu       sync.Mutex
	issued   map[string]*PowChallenge
	consumed map[string]time.Time

	now     func() time.Time
	metrics *powMetrics
}

// NewPowAdmission returns an admission gate with zero-value knobs normalized.
func NewPowAdmission(cfg PowConfig) *PowAdmission {
	if cfg.MinDifficultyBits <= 0 {
		cfg.MinDifficultyBits = defaultMinDifficultyBits
	}
	if cfg.MaxDifficultyBits <= 0 {
		cfg.MaxDifficultyBits = defaultMaxDifficultyBits
	}
	if cfg.MaxDifficultyBits < cfg.MinDifficultyBits {
		cfg.MaxDifficultyBits = cfg.MinDifficultyBits
	}
	if cfg.ChallengeTTL <= 0 {
		cfg.ChallengeTTL = defaultChallengeTTL
	}
	if cfg.MemoryKiB == 0 {
		cfg.MemoryKiB = defaultPowMemoryKiB
	}
	if cfg.Time == 0 {
		cfg.Time = defaultPowTime
	}
	if cfg.Threads == 0 {
		cfg.Threads = defaultPowThreads
	}
	return &PowAdmission{
		cfg:      cfg,
		issued:   make(map[string]*PowChallenge),
		consumed: make(map[string]time.Time),
		now:      time.Now,
		metrics:  getPowMetrics(),
	}
}

// IssueChallenge creates a fresh challenge bound to the requesting identity.
func (p *PowAdmission) IssueChallenge(requesterID string) (PowChallenge, error) {
	now := p.now()
	challenge := PowChallenge{
		ID:             uuid.NewString(),
		RequesterID:    requesterID,
		DifficultyBits: p.pickDifficulty(),
		IssuedAt:       now,
		Expiry:         now.Add(p.cfg.ChallengeTTL),
	}
	if _, err := rand.Read(challenge.NonceSeed[:]); err != nil {
		return PowChallenge{}, err
	}

	p.mu.Lock()
	p.pruneLocked(now)
	stored := challenge
	p.issued[challenge.ID] = &stored
	p.metrics.observeIssued(len(p.issued))
	p.mu.Unlock()

	return challenge, nil
}

// Verify checks a solution against an outstanding challenge. The challenge is
// consumed regardless of the outcome; expired, unknown, replayed and
// underweight solutions all yield false. Adversarial input never panics.
func (p *PowAdmission) Verify(challengeID string, solution uint64) bool {
	now := p.now()

	p.mu.Lock()
	p.pruneLocked(now)
	if _, spent := p.consumed[challengeID]; spent {
		p.mu.Unlock()
		p.metrics.observeVerify("replayed")
		return false
	}
	challenge := p.issued[challengeID]
	if challenge == nil {
		p.mu.Unlock()
		p.metrics.observeVerify("unknown")
		return false
	}
	delete(p.issued, challengeID)
	p.consumed[challengeID] = challenge.Expiry
	expired := now.After(challenge.Expiry)
	p.mu.Unlock()

	if expired {
		p.metrics.observeVerify("expired")
		return false
	}

	// The hash itself runs outside the lock; it is the expensive part.
	digest := p.computeDigest(challenge, solution)
	if leadingZeroBits(digest) < challenge.DifficultyBits {
		p.metrics.observeVerify("insufficient")
		return false
	}
	p.metrics.observeVerify("ok")
	return true
}

// Solve searches for a nonce satisfying the challenge. It is the client half
// of the handshake and is bounded by the context.
func (p *PowAdmission) Solve(ctx context.Context, challenge PowChallenge) (uint64, error) {
	for nonce := uint64(0); ; nonce++ {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		digest := p.computeDigest(&challenge, nonce)
		if leadingZeroBits(digest) >= challenge.DifficultyBits {
			return nonce, nil
		}
	}
}

// Outstanding returns the number of unexpired issued challenges.
func (p *PowAdmission) Outstanding() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.issued)
}

func (p *PowAdmission) pickDifficulty() int {
	spread := p.cfg.MaxDifficultyBits - p.cfg.MinDifficultyBits
	if spread <= 0 {
		return p.cfg.MinDifficultyBits
	}
	var buf [2]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return p.cfg.MinDifficultyBits
	}
	return p.cfg.MinDifficultyBits + int(binary.LittleEndian.Uint16(buf[:]))%(spread+1)
}

// computeDigest derives the Argon2id output for a candidate solution. The
// solution nonce is the password, the challenge seed and requester identity
// form the salt, binding the work to both the challenge and the identity.
func (p *PowAdmission) computeDigest(challenge *PowChallenge, solution uint64) []byte {
	var password [8]byte
	binary.LittleEndian.PutUint64(password[:], solution)
	salt := make([]byte, 0, len(challenge.NonceSeed)+len(challenge.RequesterID))
	salt = append(salt, challenge.NonceSeed[:]...)
	salt = append(salt, challenge.RequesterID...)
	return argon2.IDKey(password[:], salt, p.cfg.Time, p.cfg.MemoryKiB, p.cfg.Threads, powDigestLen)
}

func (p *PowAdmission) pruneLocked(now time.Time) {
	for id, challenge := range p.issued {
		if now.After(challenge.Expiry) {
			delete(p.issued, id)
		}
	}
	for id, expiry := range p.consumed {
		// Consumed markers only need to survive as long as the challenge
		// they guard could still be presented.
		if now.After(expiry.Add(p.cfg.ChallengeTTL)) {
			delete(p.consumed, id)
		}
	}
}

func leadingZeroBits(digest []byte) int {
	zeros := 0
	for _, b := range digest {
		if b == 0 {
			zeros += 8
			continue
		}
		zeros += bits.LeadingZeros8(b)
		break
	}
	return zeros
}

type powMetrics struct {
	outstanding prometheus.Gauge
	verified    *prometheus.CounterVec
}

var (
	powMetricsOnce sync.Once
	powMetricsInst *powMetrics
)

func getPowMetrics() *powMetrics {
	powMetricsOnce.Do(func() {
		powMetricsInst = &powMetrics{
			outstanding: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "peermesh_p2p_pow_outstanding",
				Help: "Number of unexpired proof-of-work challenges awaiting solutions.",
			}),
			verified: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "peermesh_p2p_pow_verifications_total",
				Help: "Proof-of-work verification outcomes.",
			}, []string{"outcome"}),
		}
		prometheus.MustRegister(powMetricsInst.outstanding, powMetricsInst.verified)
	})
	return powMetricsInst
}

func (m *powMetrics) observeIssued(outstanding int) {
	if m == nil {
		return
	}
	m.outstanding.Set(float64(outstanding))
}

func (m *powMetrics) observeVerify(outcome string) {
	if m == nil {
		return
	}
	m.verified.WithLabelValues(outcome).Inc()
}
