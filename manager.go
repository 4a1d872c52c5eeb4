package weft

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/quic-go/quic-go"
)

// SessionManager owns every active `Session`, keyed by canonical peer
// address. It deduplicates concurrent dials, registers inbound
// connections, and evicts sessions when they close. It never redials on
// its own: retry policy belongs to the caller.
type SessionManager struct {
	tr       *Transport
	resolver IdentityResolver
	pins     *pinStore

	lk       sync.Mutex
	sessions map[string]*sessionEntry
	closed   bool

	// onSession is invoked once per established session, inbound or
	// outbound, so the node can start serving its streams.
	onSession func(*Session)

	logger *slog.Logger
	msink  metrics.MetricSink
	labels []metrics.Label
	events EventSink
}

// sessionEntry is the map slot for one address. While ready is open the
// first caller is still dialing and everyone else waits; this is what
// makes GetOrDial idempotent under concurrency.
type sessionEntry struct {
	ready chan struct{}
	sess  *Session
	err   error
}

func newSessionManager(
	tr *Transport,
	resolver IdentityResolver,
	pins *pinStore,
	onSession func(*Session),
	logger *slog.Logger,
	msink metrics.MetricSink,
	labels []metrics.Label,
	events EventSink,
) *SessionManager {
	if resolver == nil {
		resolver = CommonNameResolver
	}
	return &SessionManager{
		tr:        tr,
		resolver:  resolver,
		pins:      pins,
		sessions:  make(map[string]*sessionEntry),
		onSession: onSession,
		logger:    logger,
		msink:     msink,
		labels:    labels,
		events:    events,
	}
}

// canonicalAddr normalises a user-supplied "host:port" so that two
// spellings of the same peer share one session.
func canonicalAddr(target string) (string, error) {
	addr, err := net.ResolveUDPAddr("udp", target)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidAddr, err)
	}
	return addr.String(), nil
}

// GetOrDial returns the established session for target, dialing it when
// none exists. Concurrent callers for the same address never race into
// two sessions: the first one dials, the rest wait on the in-flight entry.
func (m *SessionManager) GetOrDial(ctx context.Context, target string) (*Session, error) {
	addr, err := canonicalAddr(target)
	if err != nil {
		return nil, err
	}

	for {
		m.lk.Lock()
		if m.closed {
			m.lk.Unlock()
			return nil, ErrNodeClosed
		}

		e, ok := m.sessions[addr]
		if !ok {
			e = &sessionEntry{ready: make(chan struct{})}
			m.sessions[addr] = e
			m.lk.Unlock()

			sess, err := m.dial(ctx, addr)

			m.lk.Lock()
			if err != nil {
				delete(m.sessions, addr)
				e.err = err
			} else {
				e.sess = sess
			}
			close(e.ready)
			m.lk.Unlock()
			return sess, err
		}
		m.lk.Unlock()

		select {
		case <-e.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		if e.err != nil {
			return nil, e.err
		}
		if e.sess.State() == SessionEstablished {
			return e.sess, nil
		}

		// The session died between eviction and our lookup; take
		// another lap, which either finds a fresh entry or dials.
	}
}

func (m *SessionManager) dial(ctx context.Context, addr string) (*Session, error) {
	if _, hasDl := ctx.Deadline(); !hasDl && m.tr.cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.tr.cfg.DialTimeout)
		defer cancel()
	}

	conn, err := m.tr.Dial(ctx, addr)
	if err != nil {
		m.msink.IncrCounterWithLabels(
			MetricWeftSessionDialErrorCount,
			1.0,
			append(m.labels, LabelPeerAddr.M(addr)),
		)
		return nil, err
	}

	sess, err := m.adopt(conn, addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDialFailed, err)
	}
	return sess, nil
}

// OnInbound runs the identity half of the handshake on an accepted
// connection and registers the resulting session. An address we already
// track keeps its existing map entry; the inbound session is still served
// so the peer's calls go through either way.
func (m *SessionManager) OnInbound(conn quic.Connection) (*Session, error) {
	addr := conn.RemoteAddr().String()

	sess, err := m.adopt(conn, addr)
	if err != nil {
		return nil, err
	}

	m.lk.Lock()
	if m.closed {
		m.lk.Unlock()
		sess.Close(&QErrShutdown, "we are shutting down! bye!")
		return nil, ErrNodeClosed
	}
	if _, ok := m.sessions[addr]; !ok {
		e := &sessionEntry{ready: make(chan struct{}), sess: sess}
		close(e.ready)
		m.sessions[addr] = e
	}
	m.lk.Unlock()
	return sess, nil
}

// adopt resolves and checks the peer identity, then wraps the connection
// in an established Session wired for eviction.
func (m *SessionManager) adopt(conn quic.Connection, addr string) (*Session, error) {
	identity, err, uerr := m.resolver(conn.ConnectionState().TLS.PeerCertificates)
	if err != nil {
		m.logger.Error("failed to resolve peer identity", LabelPeerAddr.L(addr), LabelError.L(err))
		if uerr == "" {
			QErrInternal.Close(conn, "unexpected error during identity resolution")
		} else {
			QErrIdentity.Close(conn, fmt.Sprintf("error during resolution: %s", uerr))
		}
		return nil, err
	}

	if err := m.pins.check(addr, identity); err != nil {
		m.logger.Warn(
			"rejecting peer: identity pin mismatch",
			LabelPeerAddr.L(addr),
			LabelPeerIdentity.L(string(identity)),
		)
		QErrIdentity.Close(conn, "your identity does not match what this node has pinned")
		return nil, err
	}

	sess := newSession(
		conn,
		addr,
		identity,
		m.tr.maxStreams(),
		m.logger,
		m.msink,
		m.labels,
		m.events,
	)
	sess.onClose = m.remove

	m.msink.IncrCounterWithLabels(
		MetricWeftSessionEstCount,
		1.0,
		append(m.labels, LabelPeerAddr.M(addr), LabelPeerIdentity.M(string(identity))),
	)
	m.events.OnEvent(Event{
		Kind:     EventSessionEstablished,
		At:       time.Now(),
		PeerAddr: addr,
		Identity: identity,
	})
	m.logger.Info("session established", LabelPeerAddr.L(addr), LabelPeerIdentity.L(string(identity)))

	if m.onSession != nil {
		m.onSession(sess)
	}
	return sess, nil
}

// remove evicts the session from the address map so a later GetOrDial can
// redial. Called from the session's own teardown.
func (m *SessionManager) remove(sess *Session) {
	m.lk.Lock()
	defer m.lk.Unlock()
	e, ok := m.sessions[sess.addr]
	if ok && e.sess == sess {
		delete(m.sessions, sess.addr)
	}
}

// Sessions snapshots the currently tracked established sessions.
func (m *SessionManager) Sessions() []*Session {
	m.lk.Lock()
	defer m.lk.Unlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, e := range m.sessions {
		if e.sess != nil {
			out = append(out, e.sess)
		}
	}
	return out
}

// Close refuses new sessions and tears down every tracked one.
func (m *SessionManager) Close() {
	m.lk.Lock()
	if m.closed {
		m.lk.Unlock()
		return
	}
	m.closed = true
	entries := make([]*sessionEntry, 0, len(m.sessions))
	for _, e := range m.sessions {
		entries = append(entries, e)
	}
	m.lk.Unlock()

	for _, e := range entries {
		<-e.ready
		if e.sess != nil {
			e.sess.Close(&QErrShutdown, "we are shutting down! bye!")
		}
	}
}
