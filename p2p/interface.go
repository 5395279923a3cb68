package p2p

import "context"

// Connection is an established transport session handed over by the link
// layer with the remote identity already verified. Encryption, framing and
// multiplexing live below this interface.
type Connection interface {
	RemoteNodeID() string
	RemoteAddr() string
	Close() error
}

// Dialer is the outbound half of the link layer.
type Dialer interface {
	Dial(ctx context.Context, addr string) (Connection, error)
}

// Listener is the inbound half of the link layer.
type Listener interface {
	Accept(ctx context.Context) (Connection, error)
	Close() error
}

// AdmissionDecision is the outcome of the inbound admission pipeline. Denials
// are expected, non-exceptional results.
type AdmissionDecision struct {
	Allow  bool
	Reason string
}

// Deny builds a rejecting decision with the given reason.
func Deny(reason string) AdmissionDecision {
	return AdmissionDecision{Reason: reason}
}

// Allow is the accepting decision.
func Allow() AdmissionDecision {
	return AdmissionDecision{Allow: true}
}
