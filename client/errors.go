package client

import (
	"fmt"

	"mux-rpc/protocol"
)

// Kind classifies an undeliverable inbound frame.
type Kind int

const (
	// KindMalformedFrame: shorter than the 4-byte invocation ID.
	KindMalformedFrame Kind = iota
	// KindUnknownInvocation: no pending invocation carries the frame's ID.
	// Late responses to timed-out invocations land here.
	KindUnknownInvocation
)

func (k Kind) String() string {
	switch k {
	case KindMalformedFrame:
		return "malformed_frame"
	case KindUnknownInvocation:
		return "unknown_invocation"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ProtocolError describes one inbound frame the client dropped.
type ProtocolError struct {
	Kind Kind
	ID   protocol.InvocationID // zero for KindMalformedFrame
	Len  int                   // frame length in bytes
	Err  error
}

func (e *ProtocolError) Error() string {
	if e.Kind == KindMalformedFrame {
		return fmt.Sprintf("client: dropped %d-byte frame: %v", e.Len, e.Err)
	}
	return fmt.Sprintf("client: dropped response for id %d: %v", e.ID, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}
