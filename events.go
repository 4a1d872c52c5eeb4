package weft

import (
	"context"
	"errors"
	"time"
)

// EventKind enumerates the structured events the core emits. The
// surrounding process decides what, if anything, to do with them; the core
// never formats or filters.
type EventKind uint8

const (
	EventSessionEstablished EventKind = iota + 1
	EventSessionClosed
	EventCallStarted
	EventCallResolved
	EventInboundRequest
)

func (k EventKind) String() string {
	switch k {
	case EventSessionEstablished:
		return "session_established"
	case EventSessionClosed:
		return "session_closed"
	case EventCallStarted:
		return "call_started"
	case EventCallResolved:
		return "call_resolved"
	case EventInboundRequest:
		return "inbound_request"
	default:
		return "unknown"
	}
}

type Event struct {
	Kind     EventKind
	At       time.Time
	PeerAddr string
	Identity PeerIdentity

	// Service and CorrID are set on call and inbound events.
	Service string
	CorrID  uint64

	// Outcome is set on EventCallResolved: "ok", "service_not_found",
	// "handler_error", "timeout", "connection_lost", "canceled" or
	// "malformed".
	Outcome string
}

// EventSink receives core events. Implementations MUST NOT block: they are
// invoked inline on session and call paths.
type EventSink interface {
	OnEvent(Event)
}

type EventSinkFunc func(Event)

func (fn EventSinkFunc) OnEvent(ev Event) { fn(ev) }

type nopSink struct{}

func (nopSink) OnEvent(Event) {}

// outcomeOf maps a call resolution error to its event outcome label.
func outcomeOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrServiceNotFound):
		return "service_not_found"
	case errors.Is(err, ErrCallTimeout):
		return "timeout"
	case errors.Is(err, ErrConnectionLost):
		return "connection_lost"
	case errors.Is(err, ErrMalformedFrame):
		return "malformed"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		var he *HandlerError
		if errors.As(err, &he) {
			return "handler_error"
		}
		return "error"
	}
}
