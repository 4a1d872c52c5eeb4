package weft

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/quic-go/quic-go"
)

const defaultCallTimeout = 30 * time.Second

// Engine turns typed calls into correlated frames on session streams and
// dispatches inbound frames to the local registry. It holds no session
// state of its own: pending calls live in the session they ride on, so
// session closure can fail them over without reaching back up here.
type Engine struct {
	reg *Registry

	// baseCtx is the node's run context; handlers inherit it so shutdown
	// reaches them.
	baseCtx context.Context

	callTimeout time.Duration

	logger *slog.Logger
	msink  metrics.MetricSink
	labels []metrics.Label
	events EventSink
}

func newEngine(
	reg *Registry,
	baseCtx context.Context,
	callTimeout time.Duration,
	logger *slog.Logger,
	msink metrics.MetricSink,
	labels []metrics.Label,
	events EventSink,
) *Engine {
	if callTimeout == 0 {
		callTimeout = defaultCallTimeout
	}
	return &Engine{
		reg:         reg,
		baseCtx:     baseCtx,
		callTimeout: callTimeout,
		logger:      logger,
		msink:       msink,
		labels:      labels,
		events:      events,
	}
}

// Call invokes service on the session's peer and blocks the calling
// goroutine until the call resolves. Resolution happens exactly once, by
// whichever fires first: the reply arrives, the deadline elapses, the
// caller cancels, or the session closes. When ctx carries no deadline the
// engine's default call timeout applies, so no call is ever unbounded.
func (e *Engine) Call(ctx context.Context, sess *Session, service string, payload []byte) ([]byte, error) {
	if !ValidateServiceName(service) {
		return nil, ErrNameInvalid
	}

	if _, hasDl := ctx.Deadline(); !hasDl {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.callTimeout)
		defer cancel()
	}

	// The pending entry exists before any byte is written: a reply can
	// never arrive ahead of its own bookkeeping.
	corrID, resultCh := sess.calls.register()

	start := time.Now()
	mLabels := append(e.labels, LabelService.M(service))
	e.msink.IncrCounterWithLabels(MetricWeftCallStartedCount, 1.0, mLabels)
	e.events.OnEvent(Event{
		Kind:     EventCallStarted,
		At:       start,
		PeerAddr: sess.addr,
		Identity: sess.identity,
		Service:  service,
		CorrID:   corrID,
	})

	payload, err := e.exchange(ctx, sess, corrID, service, payload, resultCh)

	e.msink.IncrCounterWithLabels(
		MetricWeftCallResolvedCount,
		1.0,
		append(mLabels, LabelOutcome.M(outcomeOf(err))),
	)
	e.events.OnEvent(Event{
		Kind:     EventCallResolved,
		At:       time.Now(),
		PeerAddr: sess.addr,
		Identity: sess.identity,
		Service:  service,
		CorrID:   corrID,
		Outcome:  outcomeOf(err),
	})
	e.logger.Debug(
		"call resolved",
		LabelService.L(service),
		LabelCorrID.L(corrID),
		LabelOutcome.L(outcomeOf(err)),
		LabelDuration.L(time.Since(start)),
	)
	return payload, err
}

func (e *Engine) exchange(
	ctx context.Context,
	sess *Session,
	corrID uint64,
	service string,
	payload []byte,
	resultCh chan callResult,
) ([]byte, error) {
	stream, release, err := sess.OpenStream(ctx)
	if err != nil {
		if !sess.calls.abort(corrID) {
			// Session teardown beat us to the entry.
			res := <-resultCh
			return res.payload, res.err
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrCallTimeout
		}
		return nil, err
	}

	req := &Frame{
		Kind:    FrameKindRequest,
		CorrID:  corrID,
		Service: service,
		Payload: payload,
	}
	if err := writeFrame(stream, req); err != nil {
		release()
		stream.CancelWrite(QErrStreamCanceled)
		stream.CancelRead(QErrStreamCanceled)
		if sess.calls.abort(corrID) {
			if errors.Is(err, ErrTooLargeFrame) {
				return nil, err
			}
			return nil, fmt.Errorf("%w: %w", ErrConnectionLost, err)
		}
		res := <-resultCh
		return res.payload, res.err
	}
	// Half-close: the request is the only thing we send on this stream.
	stream.Close()

	go e.readReply(sess, stream, release, corrID)

	select {
	case res := <-resultCh:
		return res.payload, res.err
	case <-ctx.Done():
		if !sess.calls.abort(corrID) {
			// A resolver won the race; honour its result.
			res := <-resultCh
			return res.payload, res.err
		}
		// Best effort: tell the peer we stopped listening. It may have
		// dispatched the handler already, that is fine.
		stream.CancelRead(QErrStreamCanceled)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrCallTimeout
		}
		return nil, ctx.Err()
	}
}

// readReply reads the single reply frame owed on stream and resolves the
// pending call it correlates to. A reply whose id is no longer pending is
// an anomaly (the call timed out or was canceled), logged and dropped.
func (e *Engine) readReply(sess *Session, stream quic.Stream, release func(), corrID uint64) {
	defer release()

	f, err := readFrame(stream)
	if err != nil {
		if errors.Is(err, ErrMalformedFrame) || errors.Is(err, ErrTooLargeFrame) {
			// The offending stream dies, the session survives.
			stream.CancelRead(QErrStreamMalformed)
			e.msink.IncrCounterWithLabels(MetricWeftFrameMalformedCount, 1.0, sess.labels)
			sess.calls.resolve(corrID, callResult{err: err})
			return
		}
		// Stream or connection failure without a reply. Session teardown
		// fans out ErrConnectionLost for the whole session; resolving
		// here as well is a no-op for it but covers single-stream death.
		sess.calls.resolve(corrID, callResult{err: ErrConnectionLost})
		return
	}

	if f.Kind != FrameKindReply {
		e.logger.Warn(
			"protocol violation: expected a reply frame",
			LabelPeerAddr.L(sess.addr),
			"kind", f.Kind.String(),
		)
		stream.CancelRead(QErrStreamProtocolViolation)
		sess.calls.resolve(corrID, callResult{err: ErrMalformedFrame})
		return
	}

	if !sess.calls.resolve(f.CorrID, callResult{payload: f.Payload, err: f.replyError()}) {
		e.msink.IncrCounterWithLabels(MetricWeftCallLateReplyCount, 1.0, sess.labels)
		e.logger.Debug(
			"discarding late reply",
			LabelPeerAddr.L(sess.addr),
			LabelCorrID.L(f.CorrID),
		)
	}
}

// Notify sends a one-way request: no correlation id, no pending entry, no
// reply. Delivery is as reliable as the stream, nothing more.
func (e *Engine) Notify(ctx context.Context, sess *Session, service string, payload []byte) error {
	if !ValidateServiceName(service) {
		return ErrNameInvalid
	}

	stream, release, err := sess.OpenStream(ctx)
	if err != nil {
		return err
	}
	defer release()

	f := &Frame{
		Kind:    FrameKindNotify,
		Service: service,
		Payload: payload,
	}
	if err := writeFrame(stream, f); err != nil {
		stream.CancelWrite(QErrStreamCanceled)
		return err
	}
	stream.Close()
	stream.CancelRead(QErrStreamCanceled)
	return nil
}

// ServeStream handles one inbound stream end to end: classify its first
// frame, dispatch, reply. The node runs it on a dedicated goroutine so a
// slow handler never starves the session's accept loop.
func (e *Engine) ServeStream(sess *Session, stream quic.Stream) {
	f, err := readFrame(stream)
	if err != nil {
		stream.CancelRead(QErrStreamMalformed)
		stream.CancelWrite(QErrStreamMalformed)
		e.msink.IncrCounterWithLabels(MetricWeftFrameMalformedCount, 1.0, sess.labels)
		e.logger.Warn(
			"closing stream: malformed first frame",
			LabelPeerAddr.L(sess.addr),
			LabelError.L(err),
		)
		return
	}

	switch f.Kind {
	case FrameKindRequest:
		e.dispatch(sess, stream, f, true)
	case FrameKindNotify:
		stream.CancelRead(QErrStreamCanceled)
		e.dispatch(sess, stream, f, false)
	default:
		// Replies only ever travel on caller-opened streams; one opening
		// a fresh stream is a protocol violation.
		e.logger.Warn(
			"protocol violation: stream opened with a non-request frame",
			LabelPeerAddr.L(sess.addr),
			"kind", f.Kind.String(),
		)
		stream.CancelRead(QErrStreamProtocolViolation)
		stream.CancelWrite(QErrStreamProtocolViolation)
	}
}

func (e *Engine) dispatch(sess *Session, stream quic.Stream, f *Frame, wantReply bool) {
	mLabels := append(e.labels, LabelService.M(f.Service))
	e.msink.IncrCounterWithLabels(MetricWeftInboundRequestCount, 1.0, mLabels)
	e.events.OnEvent(Event{
		Kind:     EventInboundRequest,
		At:       time.Now(),
		PeerAddr: sess.addr,
		Identity: sess.identity,
		Service:  f.Service,
		CorrID:   f.CorrID,
	})

	handler, ok := e.reg.LookupLocal(f.Service)
	if !ok {
		e.msink.IncrCounterWithLabels(
			MetricWeftInboundErrorCount,
			1.0,
			append(mLabels, LabelError.M("service_not_found")),
		)
		if wantReply {
			e.reply(sess, stream, &Frame{
				Kind:   FrameKindReply,
				CorrID: f.CorrID,
				Status: StatusServiceNotFound,
			})
		}
		return
	}

	payload, herr := e.invoke(handler, f.Payload)

	if !wantReply {
		return
	}

	reply := &Frame{
		Kind:   FrameKindReply,
		CorrID: f.CorrID,
	}
	if herr != nil {
		reply.Status = StatusHandlerError
		reply.ErrMsg = herr.Error()
		e.msink.IncrCounterWithLabels(
			MetricWeftInboundErrorCount,
			1.0,
			append(mLabels, LabelError.M("handler_error")),
		)
	} else {
		reply.Status = StatusOK
		reply.Payload = payload
	}
	e.reply(sess, stream, reply)
}

// invoke runs the handler for a single request, at most once. A panicking
// handler is downgraded to a HandlerError so it can never take the node
// down.
func (e *Engine) invoke(handler Handler, payload []byte) (result []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("handler panicked", LabelError.L(r))
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler.ServeRPC(e.baseCtx, payload)
}

func (e *Engine) reply(sess *Session, stream quic.Stream, f *Frame) {
	if err := writeFrame(stream, f); err != nil {
		e.logger.Warn(
			"failed to write reply",
			LabelPeerAddr.L(sess.addr),
			LabelCorrID.L(f.CorrID),
			LabelError.L(err),
		)
		stream.CancelWrite(QErrStreamCanceled)
		return
	}
	stream.Close()
}
