package p2p

import (
	"context"
	"testing"
	"time"
)

// testPowConfig keeps the Argon2 cost small so the solver loop stays fast.
func testPowConfig(bits int) PowConfig {
	return PowConfig{
		MinDifficultyBits: bits,
		MaxDifficultyBits: bits,
		ChallengeTTL:      time.Minute,
		MemoryKiB:         8 * 1024,
		Time:              1,
		Threads:           1,
	}
}

func TestPowSolveAndVerify(t *testing.T) {
	gate := NewPowAdmission(testPowConfig(4))
	challenge, err := gate.IssueChallenge("0xabc")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	solution, err := gate.Solve(ctx, challenge)
	if err != nil {
		t.Fatalf("solve: %v", err)
	}
	if !gate.Verify(challenge.ID, solution) {
		t.Fatalf("valid solution should verify")
	}
}

func TestPowSingleUse(t *testing.T) {
	gate := NewPowAdmission(testPowConfig(1))
	challenge, err := gate.IssueChallenge("0xabc")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	ctx := context.Background()
	solution, err := gate.Solve(ctx, challenge)
	if err != nil {
		t.Fatalf("solve: %v", err)
	}
	if !gate.Verify(challenge.ID, solution) {
		t.Fatalf("first verify should succeed")
	}
	if gate.Verify(challenge.ID, solution) {
		t.Fatalf("second verify of a spent challenge must fail")
	}
}

func TestPowInsufficientDifficulty(t *testing.T) {
	gate := NewPowAdmission(testPowConfig(20))
	challenge, err := gate.IssueChallenge("0xabc")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	// Find a nonce that clears a low bar but (almost certainly) not 20 bits.
	low := challenge
	low.DifficultyBits = 2
	solution, err := gate.Solve(context.Background(), low)
	if err != nil {
		t.Fatalf("solve: %v", err)
	}
	if leadingZeroBits(gate.computeDigest(&challenge, solution)) >= 20 {
		t.Skip("improbable: low-difficulty nonce also clears 20 bits")
	}
	if gate.Verify(challenge.ID, solution) {
		t.Fatalf("underweight solution must be rejected")
	}
}

func TestPowExpiry(t *testing.T) {
	gate := NewPowAdmission(testPowConfig(1))
	current := time.Unix(0, 0)
	gate.now = func() time.Time { return current }
	challenge, err := gate.IssueChallenge("0xabc")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	solution, err := gate.Solve(context.Background(), challenge)
	if err != nil {
		t.Fatalf("solve: %v", err)
	}
	current = current.Add(2 * time.Minute)
	if gate.Verify(challenge.ID, solution) {
		t.Fatalf("expired challenge must be rejected")
	}
	if gate.Outstanding() != 0 {
		t.Fatalf("expired challenge must not linger, have %d", gate.Outstanding())
	}
}

func TestPowUnknownChallenge(t *testing.T) {
	gate := NewPowAdmission(testPowConfig(1))
	if gate.Verify("no-such-challenge", 42) {
		t.Fatalf("unknown challenge must be rejected")
	}
}

func TestLeadingZeroBits(t *testing.T) {
	cases := []struct {
		digest []byte
		want   int
	}{
		{[]byte{0x80}, 0},
		{[]byte{0x40}, 1},
		{[]byte{0x01}, 7},
		{[]byte{0x00, 0xff}, 8},
		{[]byte{0x00, 0x0f}, 12},
		{[]byte{0x00, 0x00, 0x80}, 16},
	}
	for _, tc := range cases {
		if got := leadingZeroBits(tc.digest); got != tc.want {
			t.Fatalf("leadingZeroBits(%v) = %d, want %d", tc.digest, got, tc.want)
		}
	}
}
