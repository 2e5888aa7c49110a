// Package protocol implements the binary frames exchanged by mux-rpc.
//
// A request carries the command code and the caller's invocation ID in a fixed
// 8-byte header; the response echoes only the invocation ID. Everything after
// the header is an opaque payload that this package never looks into.
//
// Request frame:
//
//	0          4          8
//	┌──────────┬──────────┬──────────────────┐
//	│   code   │    id    │   payload ...    │
//	│  uint32  │  uint32  │   opaque bytes   │
//	└──────────┴──────────┴──────────────────┘
//
// Response frame:
//
//	0          4
//	┌──────────┬──────────────────┐
//	│    id    │   payload ...    │
//	│  uint32  │   opaque bytes   │
//	└──────────┴──────────────────┘
//
// All integers are big-endian (network byte order) on every platform.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strconv"
)

const (
	RequestHeaderSize  = 8 // 4 (code) + 4 (id)
	ResponseHeaderSize = 4 // 4 (id)

	// MaxPayload bounds a single payload so a corrupt length or a runaway caller
	// cannot make either side allocate without limit.
	MaxPayload = 16 * 1024 * 1024
)

var (
	ErrInvalidArgument = errors.New("protocol: invalid argument")
	ErrMalformedFrame  = errors.New("protocol: malformed frame")
)

// CommandCode selects the remote operation. The set of codes and the meaning of
// their payloads belong to the application, not to this package.
type CommandCode uint32

// InvocationID correlates a response with its request. The caller picks it and
// must keep it unique among its outstanding invocations.
type InvocationID uint32

// NewCommandCode narrows v to a CommandCode, rejecting values outside uint32.
func NewCommandCode(v uint64) (CommandCode, error) {
	if v > math.MaxUint32 {
		return 0, fmt.Errorf("%w: command code %d exceeds 32 bits", ErrInvalidArgument, v)
	}
	return CommandCode(v), nil
}

// NewInvocationID narrows v to an InvocationID, rejecting values outside uint32.
func NewInvocationID(v uint64) (InvocationID, error) {
	if v > math.MaxUint32 {
		return 0, fmt.Errorf("%w: invocation id %d exceeds 32 bits", ErrInvalidArgument, v)
	}
	return InvocationID(v), nil
}

// ParseCommandCode parses a decimal or 0x-prefixed command code.
func ParseCommandCode(s string) (CommandCode, error) {
	v, err := parseUint(s)
	if err != nil {
		return 0, fmt.Errorf("%w: command code %q: %v", ErrInvalidArgument, s, err)
	}
	return NewCommandCode(v)
}

// ParseInvocationID parses a decimal or 0x-prefixed invocation ID.
func ParseInvocationID(s string) (InvocationID, error) {
	v, err := parseUint(s)
	if err != nil {
		return 0, fmt.Errorf("%w: invocation id %q: %v", ErrInvalidArgument, s, err)
	}
	return NewInvocationID(v)
}

func parseUint(s string) (uint64, error) {
	// base 0 accepts 0x.., 0o.., 0b.. as well as plain decimal
	return strconv.ParseUint(s, 0, 64)
}

// EncodeRequest builds a request frame. The payload is copied, so the caller may
// reuse its buffer once EncodeRequest returns.
func EncodeRequest(code CommandCode, id InvocationID, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayload {
		return nil, fmt.Errorf("%w: payload of %d bytes exceeds %d", ErrInvalidArgument, len(payload), MaxPayload)
	}
	buf := make([]byte, RequestHeaderSize+len(payload))
	binary.BigEndian.PutUint32(buf[0:4], uint32(code))
	binary.BigEndian.PutUint32(buf[4:8], uint32(id))
	copy(buf[RequestHeaderSize:], payload)
	return buf, nil
}

// DecodeResponseID reads the invocation ID at the head of a response frame.
func DecodeResponseID(frame []byte) (InvocationID, error) {
	if len(frame) < ResponseHeaderSize {
		return 0, fmt.Errorf("%w: %d bytes, need at least %d", ErrMalformedFrame, len(frame), ResponseHeaderSize)
	}
	return InvocationID(binary.BigEndian.Uint32(frame[0:4])), nil
}

// ResponsePayload returns everything after the invocation ID. It shares memory
// with frame and is empty when the frame carries no payload.
func ResponsePayload(frame []byte) []byte {
	if len(frame) <= ResponseHeaderSize {
		return []byte{}
	}
	return frame[ResponseHeaderSize:]
}

// DecodeRequest splits a request frame. Used by the responding side.
func DecodeRequest(frame []byte) (CommandCode, InvocationID, []byte, error) {
	if len(frame) < RequestHeaderSize {
		return 0, 0, nil, fmt.Errorf("%w: %d bytes, need at least %d", ErrMalformedFrame, len(frame), RequestHeaderSize)
	}
	code := CommandCode(binary.BigEndian.Uint32(frame[0:4]))
	id := InvocationID(binary.BigEndian.Uint32(frame[4:8]))
	return code, id, frame[RequestHeaderSize:], nil
}

// EncodeResponse builds a response frame for id.
func EncodeResponse(id InvocationID, payload []byte) []byte {
	buf := make([]byte, ResponseHeaderSize+len(payload))
	binary.BigEndian.PutUint32(buf[0:4], uint32(id))
	copy(buf[ResponseHeaderSize:], payload)
	return buf
}
