package weft

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/quic-go/quic-go"
)

type SessionState int32

const (
	// SessionConnecting: the handshake (TLS + identity resolution) is
	// still in flight. No stream may be opened yet.
	SessionConnecting SessionState = iota

	// SessionEstablished: the peer is authenticated, streams may be
	// opened and accepted.
	SessionEstablished

	// SessionClosing: a local or remote close (or an I/O error) was
	// observed; pending calls are being failed with ErrConnectionLost.
	SessionClosing

	// SessionClosed is terminal: no streams, no pending calls, evicted
	// from the manager.
	SessionClosed
)

func (s SessionState) String() string {
	switch s {
	case SessionConnecting:
		return "connecting"
	case SessionEstablished:
		return "established"
	case SessionClosing:
		return "closing"
	case SessionClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session is one authenticated, multiplexed connection to a single remote
// peer. The `SessionManager` is its sole owner; the RPC engine only
// borrows it while issuing calls.
type Session struct {
	conn     quic.Connection
	addr     string
	identity PeerIdentity

	state atomic.Int32

	// streamSem is the per-session open-stream ceiling. Acquired before
	// OpenStreamSync, released when the exchange carried by the stream is
	// over. Blocking on it is the backpressure the caller asked for.
	streamSem chan struct{}

	calls pendingTable

	closeOnce sync.Once
	closedCh  chan struct{}

	// onClose is the manager eviction hook; set once before the session
	// is published, never mutated afterwards.
	onClose func(*Session)

	logger *slog.Logger
	msink  metrics.MetricSink
	labels []metrics.Label
	events EventSink
}

func newSession(
	conn quic.Connection,
	addr string,
	identity PeerIdentity,
	maxStreams int64,
	logger *slog.Logger,
	msink metrics.MetricSink,
	labels []metrics.Label,
	events EventSink,
) *Session {
	s := &Session{
		conn:      conn,
		addr:      addr,
		identity:  identity,
		streamSem: make(chan struct{}, maxStreams),
		closedCh:  make(chan struct{}),
		logger:    logger.With(LabelPeerAddr.L(addr), LabelPeerIdentity.L(string(identity))),
		msink:     msink,
		labels:    append(labels, LabelPeerAddr.M(addr)),
		events:    events,
	}
	s.calls.calls = make(map[uint64]chan callResult)
	s.state.Store(int32(SessionEstablished))
	go s.watch()
	return s
}

func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

func (s *Session) Identity() PeerIdentity {
	return s.identity
}

func (s *Session) Addr() string {
	return s.addr
}

func (s *Session) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}

// Done is closed once the session reached SessionClosed and every pending
// call was failed over.
func (s *Session) Done() <-chan struct{} {
	return s.closedCh
}

// OpenStream opens a fresh logical stream, blocking while the session is
// at its stream ceiling. The returned release func MUST be called exactly
// once, when the exchange on the stream is over.
func (s *Session) OpenStream(ctx context.Context) (quic.Stream, func(), error) {
	if s.State() != SessionEstablished {
		return nil, nil, ErrSessionNotReady
	}

	select {
	case s.streamSem <- struct{}{}:
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	case <-s.conn.Context().Done():
		return nil, nil, ErrSessionClosed
	}

	stream, err := s.conn.OpenStreamSync(ctx)
	if err != nil {
		<-s.streamSem
		if s.conn.Context().Err() != nil {
			return nil, nil, ErrSessionClosed
		}
		return nil, nil, err
	}

	var once sync.Once
	release := func() {
		once.Do(func() { <-s.streamSem })
	}
	return stream, release, nil
}

// AcceptStream yields the next peer-initiated stream. Inbound concurrency
// is bounded by the transport's MaxIncomingStreams, not by streamSem.
func (s *Session) AcceptStream(ctx context.Context) (quic.Stream, error) {
	stream, err := s.conn.AcceptStream(ctx)
	if err != nil {
		if s.conn.Context().Err() != nil {
			return nil, ErrSessionClosed
		}
		return nil, err
	}
	return stream, nil
}

// Close tears the session down locally. Remote closes and I/O errors take
// the same path through watch().
func (s *Session) Close(qerr *QuicApplicationError, msg string) {
	qerr.Close(s.conn, msg)
	s.teardown()
}

// watch turns the connection's end of life, whoever caused it, into the
// Closing -> Closed transition.
func (s *Session) watch() {
	<-s.conn.Context().Done()
	s.teardown()
}

// teardown fails every pending call with ErrConnectionLost in one pass,
// then marks the session Closed and notifies the manager. Runs at most
// once no matter how many paths race into it.
func (s *Session) teardown() {
	s.closeOnce.Do(func() {
		s.state.Store(int32(SessionClosing))

		drained := s.calls.drain()
		for _, ch := range drained {
			ch <- callResult{err: ErrConnectionLost}
		}
		if len(drained) > 0 {
			s.logger.Debug(
				"failed pending calls over to connection-lost",
				"pending", len(drained),
			)
		}

		s.state.Store(int32(SessionClosed))
		close(s.closedCh)

		s.msink.IncrCounterWithLabels(MetricWeftSessionClosedCount, 1.0, s.labels)
		s.events.OnEvent(Event{
			Kind:     EventSessionClosed,
			At:       time.Now(),
			PeerAddr: s.addr,
			Identity: s.identity,
		})

		if s.onClose != nil {
			s.onClose(s)
		}
	})
}

type callResult struct {
	payload []byte
	err     error
}

// pendingTable tracks in-flight calls on one session. Correlation ids are
// unique among *pending* entries: the counter may wrap, reuse after
// resolution is fine. Resolution removes the entry under the same lock
// that delivery checks, which is what makes resolution at-most-once.
type pendingTable struct {
	lk    sync.Mutex
	next  uint64
	calls map[uint64]chan callResult
}

// register allocates a correlation id and its result slot. The slot is
// buffered so resolvers never block on an abandoned caller.
func (pt *pendingTable) register() (uint64, chan callResult) {
	ch := make(chan callResult, 1)
	pt.lk.Lock()
	defer pt.lk.Unlock()
	pt.next++
	for pt.next == 0 || pt.calls[pt.next] != nil {
		pt.next++
	}
	id := pt.next
	pt.calls[id] = ch
	return id, ch
}

// resolve delivers a result to the pending call id. It reports false when
// the entry is gone, which is how late replies get discarded.
func (pt *pendingTable) resolve(id uint64, res callResult) bool {
	pt.lk.Lock()
	ch, ok := pt.calls[id]
	if ok {
		delete(pt.calls, id)
	}
	pt.lk.Unlock()
	if !ok {
		return false
	}
	ch <- res
	return true
}

// abort removes the entry without delivering anything; used by the timeout
// and cancellation paths, which produce their own result. Reports false
// when a resolver already won the race.
func (pt *pendingTable) abort(id uint64) bool {
	pt.lk.Lock()
	defer pt.lk.Unlock()
	if _, ok := pt.calls[id]; !ok {
		return false
	}
	delete(pt.calls, id)
	return true
}

// drain empties the table and returns every outstanding slot, so session
// teardown can fail them all in one pass.
func (pt *pendingTable) drain() []chan callResult {
	pt.lk.Lock()
	defer pt.lk.Unlock()
	drained := make([]chan callResult, 0, len(pt.calls))
	for _, ch := range pt.calls {
		drained = append(drained, ch)
	}
	pt.calls = make(map[uint64]chan callResult)
	return drained
}

// pending reports how many calls are currently in flight.
func (pt *pendingTable) pending() int {
	pt.lk.Lock()
	defer pt.lk.Unlock()
	return len(pt.calls)
}
