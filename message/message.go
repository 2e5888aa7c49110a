// Package message defines the invocation envelope passed through the client's
// middleware chain, and the errors an invocation can finish with.
//
// Invocation is what a caller hands to Client.Invoke before it becomes a
// request frame. The payload stays opaque all the way down.
package message

import (
	"errors"

	"mux-rpc/protocol"
)

// Outcomes of an invocation that did not get its response.
var (
	ErrInvocationTimedOut = errors.New("invocation timed out")
	ErrInvocationCanceled = errors.New("invocation canceled")
	ErrConnectionLost     = errors.New("connection lost")
	ErrRateLimited        = errors.New("rate limit exceeded")
)

// Invocation carries the data for a single command invocation.
//
//   - Code selects the remote operation.
//   - ID correlates the response; unique among the caller's outstanding invocations.
//   - Payload is sent verbatim after the frame header.
type Invocation struct {
	Code    protocol.CommandCode
	ID      protocol.InvocationID
	Payload []byte
}
