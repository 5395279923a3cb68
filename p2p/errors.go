package p2p

import "errors"

// ErrBootstrapExhausted indicates every bootstrap path was attempted without
// reaching the minimum connected peer target. The caller may retry with backoff.
var ErrBootstrapExhausted = errors.New("p2p: bootstrap paths exhausted")

// ErrBootstrapInProgress indicates a bootstrap attempt is already running;
// concurrent triggers coalesce into the in-flight attempt.
var ErrBootstrapInProgress = errors.New("p2p: bootstrap already in progress")

// ErrChallengeExpired indicates a proof-of-work challenge outlived its TTL.
var ErrChallengeExpired = errors.New("p2p: challenge expired")

// ErrChallengeConsumed indicates a proof-of-work challenge was already spent.
var ErrChallengeConsumed = errors.New("p2p: challenge consumed")

// ErrInvalidPayload indicates that a peer supplied a syntactically correct message with invalid contents.
var ErrInvalidPayload = errors.New("p2p: invalid payload")

var errNilIdentity = errors.New("p2p: node identity required")

// IsRetryable reports whether the caller should retry the whole bootstrap sequence.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrBootstrapExhausted)
}

// IsInvalidPayload reports whether the error originated from a malformed or invalid payload.
func IsInvalidPayload(err error) bool {
	return errors.Is(err, ErrInvalidPayload)
}
