// Package weft is a peer-to-peer remote-procedure framework: independent
// processes expose *named services* and invoke them on remote peers using
// nothing but an IP:port address. There is no discovery protocol and no
// membership layer; if you know where a peer listens, you can call it.
//
// # How it works
//
// Each process hosts a `Node`. A `Node` owns:
//
//   - a QUIC transport, so every peer link is a single encrypted,
//     multiplexed connection (mTLS authenticates both ends, streams keep
//     concurrent calls from serialising behind each other);
//   - a `SessionManager`, which deduplicates dials so two goroutines asking
//     for the same peer share one `Session`;
//   - a `Registry` of locally hosted services, looked up by name;
//   - an RPC engine that correlates in-flight requests with their replies
//     and guarantees every call terminates with exactly one outcome.
//
// Exposing a service is a single call:
//
//	nd.Register("calculator.add", weft.HandlerFunc(add))
//
// and so is invoking one on a peer:
//
//	reply, err := nd.Call(ctx, "10.0.0.7:7433", "calculator.add", payload)
//
// A call always resolves to one of: a payload, `ErrServiceNotFound`, a
// `*HandlerError`, `ErrCallTimeout` or `ErrConnectionLost`. There is no
// "the system hung" outcome; every call is bounded by its deadline.
//
// # Design Principles
//
// The network is allowed to fail. APIs MUST NOT model an infallible peer:
// sessions drop, handlers misbehave, frames arrive malformed. All of these
// degrade to typed errors on the affected calls while the rest of the node
// keeps serving.
//
// The core stays quiet. It emits structured logs through whatever
// `slog.Handler` you inject, metrics through a `hashicorp/go-metrics` sink,
// and typed `Event`s through an optional `EventSink`, but it never decides
// formatting, verbosity or retry policy. Redialing after a lost connection
// is the caller's choice, not the library's.
package weft
