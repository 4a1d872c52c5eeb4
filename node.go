package weft

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/go-metrics"
)

// LookupService is the builtin existence probe every node hosts: payload
// is a service name, reply payload is a single byte, 1 when the name is
// registered on this node.
const LookupService = "weft.lookup"

// Node is a process's entry point into the mesh: it hosts the local
// services and issues calls to remote peers.
type Node struct {
	config config
	logger *slog.Logger

	tr  *Transport
	mgr *SessionManager
	reg *Registry
	eng *Engine

	localAddr string

	runCtx    context.Context
	runCancel context.CancelFunc

	// synchronisation
	lk sync.Mutex

	// 2-phase close:
	// phase 1: shutdown notification, stop accepting sessions.
	// phase 2: drop, sessions torn down, resources freed.
	shutdown   bool
	shutdownCh chan struct{}
	wg         sync.WaitGroup
}

func Create(opts ...Option) (*Node, error) {
	nd := &Node{
		reg:        NewRegistry(),
		shutdownCh: make(chan struct{}),
	}

	for _, opt := range opts {
		err := opt(&nd.config)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
	}

	// Logging implementation.
	if nd.config.logHandler != nil {
		nd.logger = slog.New(nd.config.logHandler)
	} else {
		nd.logger = slog.Default()
	}

	// Metrics implementation.
	if nd.config.msink == nil {
		nd.config.msink = metrics.Default()
		nd.config.trCfg.MetricSink = nd.config.msink
	}

	if nd.config.events == nil {
		nd.config.events = nopSink{}
	}

	if nd.config.pinning == PinStrict && len(nd.config.pinned) == 0 {
		return nil, fmt.Errorf("%w: strict pinning requires at least one pinned identity", ErrInvalidCfg)
	}

	nd.runCtx, nd.runCancel = context.WithCancel(context.Background())

	tr, err := NewTransport(&nd.config.trCfg)
	if err != nil {
		nd.runCancel()
		return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
	}
	nd.tr = tr

	ip, port, err := tr.AdvertiseAddr()
	if err != nil {
		tr.Close()
		nd.runCancel()
		return nil, err
	}
	nd.localAddr = fmt.Sprintf("%s:%d", ip, port)
	nd.logger = nd.logger.With("local_addr", nd.localAddr)

	nd.eng = newEngine(
		nd.reg,
		nd.runCtx,
		nd.config.callTimeout,
		nd.logger,
		nd.config.msink,
		nd.config.metricLabels,
		nd.config.events,
	)

	nd.mgr = newSessionManager(
		tr,
		nd.config.resolver,
		newPinStore(nd.config.pinning, nd.config.pinned),
		nd.serveSession,
		nd.logger,
		nd.config.msink,
		nd.config.metricLabels,
		nd.config.events,
	)

	if err := nd.reg.register(LookupService, HandlerFunc(nd.serveLookup)); err != nil {
		tr.Close()
		nd.runCancel()
		return nil, err
	}

	nd.wg.Add(1)
	go nd.acceptLoop()

	nd.logger.Info("node is listening")
	return nd, nil
}

// Addr is the "ip:port" this node accepts sessions on, with the
// kernel-chosen port filled in when an ephemeral one was requested.
func (nd *Node) Addr() string {
	return nd.localAddr
}

// Register exposes handler as a remotely callable service.
func (nd *Node) Register(name string, handler Handler) error {
	nd.lk.Lock()
	defer nd.lk.Unlock()
	if nd.shutdown {
		return ErrNodeClosed
	}
	return nd.reg.Register(name, handler)
}

// Unregister releases a service name; it becomes available for
// re-registration right away.
func (nd *Node) Unregister(name string) {
	nd.reg.Unregister(name)
}

// Services lists the service names registered on this node with the given
// prefix.
func (nd *Node) Services(prefix string) []string {
	return nd.reg.Scan(prefix)
}

// Call invokes service on the peer at target ("host:port"), dialing a
// session when none exists. It blocks until the call resolves; see
// Engine.Call for the resolution triggers.
func (nd *Node) Call(ctx context.Context, target string, service string, payload []byte) ([]byte, error) {
	sess, err := nd.mgr.GetOrDial(ctx, target)
	if err != nil {
		return nil, err
	}
	return nd.eng.Call(ctx, sess, service, payload)
}

// Notify sends a one-way request to the peer at target. No reply, no
// correlation: delivery is only as reliable as the session.
func (nd *Node) Notify(ctx context.Context, target string, service string, payload []byte) error {
	sess, err := nd.mgr.GetOrDial(ctx, target)
	if err != nil {
		return err
	}
	return nd.eng.Notify(ctx, sess, service, payload)
}

// LookupRemote probes the peer at target for a service name. It returns
// nil when the service exists there, ErrServiceNotFound when it does not,
// and a session-level error when the peer cannot be asked at all. Callers
// then invoke through Call, never through some returned handle.
func (nd *Node) LookupRemote(ctx context.Context, target string, name string) error {
	if !ValidateServiceName(name) {
		return ErrNameInvalid
	}

	reply, err := nd.Call(ctx, target, LookupService, []byte(name))
	if err != nil {
		return err
	}
	if len(reply) == 1 && reply[0] == 1 {
		return nil
	}
	return ErrServiceNotFound
}

func (nd *Node) serveLookup(_ context.Context, payload []byte) ([]byte, error) {
	if _, ok := nd.reg.LookupLocal(string(payload)); ok {
		return []byte{1}, nil
	}
	return []byte{0}, nil
}

// acceptLoop is the only place inbound connections enter the node.
func (nd *Node) acceptLoop() {
	defer nd.wg.Done()
	for {
		conn, err := nd.tr.Accept(nd.runCtx)
		if err != nil {
			if !errors.Is(err, ErrNodeClosed) && nd.runCtx.Err() == nil {
				nd.logger.Warn("unexpected listener closure", LabelError.L(err))
			}
			return
		}

		// Identity resolution is cheap but still off the accept path, so
		// a slow peer cannot delay the next connection.
		nd.wg.Add(1)
		go func() {
			defer nd.wg.Done()
			if _, err := nd.mgr.OnInbound(conn); err != nil {
				nd.logger.Warn("rejected inbound connection", LabelError.L(err))
			}
		}()
	}
}

// serveSession runs one accept loop per established session, inbound or
// dialed: peers call us over sessions we dialed too. Frames are handed
// off to their own goroutines; only this loop reads stream arrivals.
func (nd *Node) serveSession(sess *Session) {
	nd.lk.Lock()
	if nd.shutdown {
		nd.lk.Unlock()
		return
	}
	nd.wg.Add(1)
	nd.lk.Unlock()

	go func() {
		defer nd.wg.Done()
		for {
			stream, err := sess.AcceptStream(nd.runCtx)
			if err != nil {
				return
			}

			nd.wg.Add(1)
			go func() {
				defer nd.wg.Done()
				nd.eng.ServeStream(sess, stream)
			}()
		}
	}()
}

// Shutdown closes the node: no new sessions in or out, every active
// session torn down (failing its pending calls with ErrConnectionLost on
// both ends), then all background tasks joined. Idempotent.
func (nd *Node) Shutdown() error {
	// Phase 1: shutdown notify.
	nd.lk.Lock()
	if nd.shutdown {
		nd.lk.Unlock()
		return nil
	}
	nd.shutdown = true
	close(nd.shutdownCh)
	nd.lk.Unlock()

	start := time.Now()
	nd.logger.Info("shutting down...")

	nd.logger.Info("shutdown: close sessions")
	nd.mgr.Close()

	// Phase 2: drop all resources.
	nd.logger.Info("shutdown: release transport")
	nd.tr.Close()
	nd.runCancel()

	nd.logger.Info("shutdown: wait for sub-tasks to finish")
	nd.wg.Wait()

	nd.logger.Info("shutdown: completed", LabelDuration.L(time.Since(start)))
	return nil
}
