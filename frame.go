package weft

import (
	"encoding/binary"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"
)

// MaxFrameSize bounds a single frame on the wire, length prefix excluded.
// Payloads are application-owned blobs; anything bigger than this has no
// business in a single request/reply exchange.
const MaxFrameSize = 16 << 20

type FrameKind uint8

const (
	FrameKindUnknown FrameKind = iota

	// FrameKindRequest carries a service name, a correlation id and a
	// payload; the receiver owes exactly one reply on the same stream.
	FrameKindRequest

	// FrameKindReply carries the correlation id of its request, a status
	// and, on success, a payload.
	FrameKindReply

	// FrameKindNotify is a one-way request: dispatched like a request but
	// no reply is ever produced and no pending entry is kept.
	FrameKindNotify
)

func (k FrameKind) String() string {
	switch k {
	case FrameKindRequest:
		return "request"
	case FrameKindReply:
		return "reply"
	case FrameKindNotify:
		return "notify"
	default:
		return "unknown"
	}
}

type Status uint8

const (
	StatusUnknown Status = iota
	StatusOK
	StatusServiceNotFound
	StatusHandlerError
	StatusMalformed
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusServiceNotFound:
		return "service_not_found"
	case StatusHandlerError:
		return "handler_error"
	case StatusMalformed:
		return "malformed"
	default:
		return "unknown"
	}
}

// Frame is the single wire unit of the protocol. It is versionless: fields
// are protowire-tagged, decoders skip tags they do not know.
type Frame struct {
	Kind    FrameKind
	CorrID  uint64
	Service string
	Status  Status
	ErrMsg  string
	Payload []byte
}

// protowire field numbers. Never reuse a retired number.
const (
	frameFieldKind    = 1
	frameFieldCorrID  = 2
	frameFieldService = 3
	frameFieldStatus  = 4
	frameFieldErrMsg  = 5
	frameFieldPayload = 6
)

// AppendTo serialises the frame at the end of buf and returns the extended
// slice. Zero-valued fields are omitted.
func (f *Frame) AppendTo(buf []byte) []byte {
	if f.Kind != FrameKindUnknown {
		buf = protowire.AppendTag(buf, frameFieldKind, protowire.VarintType)
		buf = protowire.AppendVarint(buf, uint64(f.Kind))
	}
	if f.CorrID != 0 {
		buf = protowire.AppendTag(buf, frameFieldCorrID, protowire.VarintType)
		buf = protowire.AppendVarint(buf, f.CorrID)
	}
	if f.Service != "" {
		buf = protowire.AppendTag(buf, frameFieldService, protowire.BytesType)
		buf = protowire.AppendString(buf, f.Service)
	}
	if f.Status != StatusUnknown {
		buf = protowire.AppendTag(buf, frameFieldStatus, protowire.VarintType)
		buf = protowire.AppendVarint(buf, uint64(f.Status))
	}
	if f.ErrMsg != "" {
		buf = protowire.AppendTag(buf, frameFieldErrMsg, protowire.BytesType)
		buf = protowire.AppendString(buf, f.ErrMsg)
	}
	if f.Payload != nil {
		buf = protowire.AppendTag(buf, frameFieldPayload, protowire.BytesType)
		buf = protowire.AppendBytes(buf, f.Payload)
	}
	return buf
}

// ParseFrame decodes a frame from buf. Unknown fields are skipped so that
// newer peers can extend the frame without breaking older ones.
func ParseFrame(buf []byte) (*Frame, error) {
	var f Frame
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return nil, fmt.Errorf("%w: %w", ErrMalformedFrame, protowire.ParseError(n))
		}
		buf = buf[n:]

		switch {
		case num == frameFieldKind && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return nil, fmt.Errorf("%w: %w", ErrMalformedFrame, protowire.ParseError(n))
			}
			f.Kind = FrameKind(v)
			buf = buf[n:]
		case num == frameFieldCorrID && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return nil, fmt.Errorf("%w: %w", ErrMalformedFrame, protowire.ParseError(n))
			}
			f.CorrID = v
			buf = buf[n:]
		case num == frameFieldService && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(buf)
			if n < 0 {
				return nil, fmt.Errorf("%w: %w", ErrMalformedFrame, protowire.ParseError(n))
			}
			f.Service = v
			buf = buf[n:]
		case num == frameFieldStatus && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return nil, fmt.Errorf("%w: %w", ErrMalformedFrame, protowire.ParseError(n))
			}
			f.Status = Status(v)
			buf = buf[n:]
		case num == frameFieldErrMsg && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(buf)
			if n < 0 {
				return nil, fmt.Errorf("%w: %w", ErrMalformedFrame, protowire.ParseError(n))
			}
			f.ErrMsg = v
			buf = buf[n:]
		case num == frameFieldPayload && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return nil, fmt.Errorf("%w: %w", ErrMalformedFrame, protowire.ParseError(n))
			}
			f.Payload = append([]byte(nil), v...)
			buf = buf[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, buf)
			if n < 0 {
				return nil, fmt.Errorf("%w: %w", ErrMalformedFrame, protowire.ParseError(n))
			}
			buf = buf[n:]
		}
	}

	if f.Kind == FrameKindUnknown {
		return nil, fmt.Errorf("%w: missing frame kind", ErrMalformedFrame)
	}
	return &f, nil
}

// writeFrame frames f with a protowire varint length prefix and writes it
// in a single Write call, so concurrent streams never interleave bytes.
func writeFrame(w io.Writer, f *Frame) error {
	body := f.AppendTo(nil)
	if len(body) > MaxFrameSize {
		return ErrTooLargeFrame
	}

	prefix := protowire.AppendVarint(nil, uint64(len(body)))
	buf := make([]byte, 0, len(prefix)+len(body))
	buf = append(buf, prefix...)
	buf = append(buf, body...)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("%w: %w", ErrStreamWrite, err)
	}
	return nil
}

// readFrame reads one length-prefixed frame. The prefix is consumed one
// byte at a time so we never read past the frame boundary.
func readFrame(r io.Reader) (*Frame, error) {
	buf := make([]byte, 0, binary.MaxVarintLen64)
	one := make([]byte, 1)
	for {
		if len(buf) == binary.MaxVarintLen64 {
			return nil, fmt.Errorf("%w: unterminated length prefix", ErrMalformedFrame)
		}
		if _, err := io.ReadFull(r, one); err != nil {
			return nil, err
		}
		buf = append(buf, one[0])
		if one[0] < 0x80 {
			break
		}
	}

	size, n := protowire.ConsumeVarint(buf)
	if err := protowire.ParseError(n); n < 0 {
		return nil, fmt.Errorf("%w: %w", ErrMalformedFrame, err)
	}
	if size > MaxFrameSize {
		return nil, ErrTooLargeFrame
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return ParseFrame(body)
}

// replyError converts a reply frame status into the error handed to the
// caller. A nil return means the payload is the result.
func (f *Frame) replyError() error {
	switch f.Status {
	case StatusOK:
		return nil
	case StatusServiceNotFound:
		return ErrServiceNotFound
	case StatusHandlerError:
		return &HandlerError{Message: f.ErrMsg}
	case StatusMalformed:
		return fmt.Errorf("%w: peer could not decode our request", ErrMalformedFrame)
	default:
		return fmt.Errorf("%w: reply carries unknown status %d", ErrMalformedFrame, f.Status)
	}
}
