package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// A byte stream such as TCP has no message boundaries, so each frame travels
// inside a small envelope with an explicit length. Message-oriented links
// (WebSocket) carry frames as-is.
//
//	0      3  4  5         9
//	┌──────┬──┬──┬─────────┬───────────────┐
//	│magic │v │mt│ bodyLen │    body ...    │
//	│ mrp  │01│  │ uint32  │ bodyLen bytes  │
//	└──────┴──┴──┴─────────┴───────────────┘
const (
	MagicNumber        byte = 0x6d // 'm'
	MagicByte2         byte = 0x72 // 'r'
	MagicByte3         byte = 0x70 // 'p'
	Version            byte = 0x01
	EnvelopeHeaderSize int  = 9 // 3 (magic) + 1 (version) + 1 (msgType) + 4 (bodyLen)

	maxEnvelopeBody = MaxPayload + RequestHeaderSize
)

// MsgType distinguishes frames from keepalive probes inside an envelope.
type MsgType byte

const (
	MsgTypeFrame     MsgType = 0 // body is a request or response frame
	MsgTypeHeartbeat MsgType = 1 // keepalive probe, no body
)

// WriteEnvelope writes one envelope to w. The caller must serialize writes if
// several goroutines share w, or envelopes from different frames interleave.
func WriteEnvelope(w io.Writer, mt MsgType, body []byte) error {
	if len(body) > maxEnvelopeBody {
		return fmt.Errorf("%w: body of %d bytes exceeds %d", ErrInvalidArgument, len(body), maxEnvelopeBody)
	}
	buf := make([]byte, EnvelopeHeaderSize+len(body))
	buf[0], buf[1], buf[2] = MagicNumber, MagicByte2, MagicByte3
	buf[3] = Version
	buf[4] = byte(mt)
	binary.BigEndian.PutUint32(buf[5:9], uint32(len(body)))
	copy(buf[EnvelopeHeaderSize:], body)

	// one Write so the header and body hit the stream together
	_, err := w.Write(buf)
	return err
}

// ReadEnvelope reads exactly one envelope from r. io.EOF is returned untouched
// when the stream ends cleanly between envelopes.
func ReadEnvelope(r io.Reader) (MsgType, []byte, error) {
	var header [EnvelopeHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return 0, nil, err
	}

	if header[0] != MagicNumber || header[1] != MagicByte2 || header[2] != MagicByte3 {
		return 0, nil, fmt.Errorf("%w: invalid magic number: %x", ErrMalformedFrame, header[0:3])
	}
	if header[3] != Version {
		return 0, nil, fmt.Errorf("%w: unsupported version: %d", ErrMalformedFrame, header[3])
	}
	mt := MsgType(header[4])
	if mt != MsgTypeFrame && mt != MsgTypeHeartbeat {
		return 0, nil, fmt.Errorf("%w: unsupported message type: %d", ErrMalformedFrame, header[4])
	}

	bodyLen := binary.BigEndian.Uint32(header[5:9])
	if bodyLen > maxEnvelopeBody {
		return 0, nil, fmt.Errorf("%w: body length %d exceeds %d", ErrMalformedFrame, bodyLen, maxEnvelopeBody)
	}

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return 0, nil, err
	}
	return mt, body, nil
}
