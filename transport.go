package weft

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/quic-go/quic-go"
)

const defaultUDPBufferSize int = 1 << 21

const defaultMaxStreams int64 = 256

// TransportConfig configures the QUIC layer shared by every session.
type TransportConfig struct {
	// BufferSize of the requested UDP kernel buffer.
	BufferSize int

	// EnforceBufferSize crashes if the kernel doesn't allocate what we
	// asked. If that's false, we retry and divide by 2 the requested
	// `TransportConfig.BufferSize` until it fits or fails.
	EnforceBufferSize bool

	// TlsConfig should be configured to ensure mTLS is enabled between
	// the peers. The TLS handshake is the session handshake: it is what
	// authenticates the peer and encrypts every frame.
	TlsConfig *tls.Config

	// BindAddr and BindPort are where inbound sessions are accepted.
	// A zero port binds an ephemeral one, which suits caller-only nodes.
	BindAddr string
	BindPort int

	// MaxStreams bounds how many streams may be open at once on a single
	// session, in each direction. One stream carries one request/reply
	// exchange, so this is the per-peer concurrent call ceiling.
	MaxStreams int64

	// DialTimeout controls how much time we wait for session establishment.
	DialTimeout time.Duration

	// MetricLabels to add to every metric emitted by the transport.
	MetricLabels []metrics.Label

	// MetricSink to use for emitting metrics.
	MetricSink metrics.MetricSink

	// LogHandler to use for emitting structured logs.
	LogHandler slog.Handler
}

// Transport owns the UDP socket and the QUIC listener. It hands out raw
// `quic.Connection`s; identity resolution and session bookkeeping live one
// layer up in the `SessionManager`.
type Transport struct {
	cfg    *TransportConfig
	logger *slog.Logger
	msink  metrics.MetricSink

	// graceful termination asked, do not spam connection errors in logs
	gracefulTerm atomic.Bool

	tr    *quic.Transport
	ln    *quic.Listener
	udpLn *net.UDPConn
}

func NewTransport(cfg *TransportConfig) (t *Transport, err error) {
	if cfg.TlsConfig == nil {
		return nil, ErrNoTLSConfig
	}

	t = &Transport{cfg: cfg}

	if cfg.LogHandler == nil {
		t.logger = slog.Default()
	} else {
		t.logger = slog.New(cfg.LogHandler)
	}

	if cfg.MetricSink == nil {
		t.msink = metrics.Default()
	} else {
		t.msink = cfg.MetricSink
	}

	defer func() {
		if err != nil {
			t.Close()
		}
	}()

	addr := net.ParseIP(cfg.BindAddr)
	if addr == nil {
		addr = net.IPv4zero
	}

	udpLn, err := net.ListenUDP("udp", &net.UDPAddr{IP: addr, Port: cfg.BindPort})
	if err != nil {
		return nil, fmt.Errorf("transport: failed to allocate UDP listener: %w", err)
	}
	t.udpLn = udpLn

	requested := cfg.BufferSize
	if requested == 0 {
		requested = defaultUDPBufferSize
	}

	if err := t.negotiateBufferSize(requested); err != nil {
		return nil, err
	}

	t.tr = &quic.Transport{
		Conn: udpLn,
	}

	maxStreams := cfg.MaxStreams
	if maxStreams == 0 {
		maxStreams = defaultMaxStreams
	}

	ln, err := t.tr.Listen(t.cfg.TlsConfig, &quic.Config{
		Versions:              []quic.Version{quic.Version2, quic.Version1},
		MaxIncomingStreams:    maxStreams,
		MaxIncomingUniStreams: maxStreams,
		MaxIdleTimeout:        1 * time.Minute,
	})
	if err != nil {
		return nil, fmt.Errorf("transport: failed to allocate QUIC listener: %w", err)
	}

	t.ln = ln
	return
}

// Accept blocks until the next inbound connection. After Close it returns
// ErrNodeClosed.
func (t *Transport) Accept(ctx context.Context) (quic.Connection, error) {
	conn, err := t.ln.Accept(ctx)
	if err != nil {
		if t.gracefulTerm.Load() {
			return nil, ErrNodeClosed
		}
		return nil, err
	}
	return conn, nil
}

// Dial opens a raw QUIC connection to target ("host:port"). The returned
// connection already went through the TLS handshake.
func (t *Transport) Dial(ctx context.Context, target string) (quic.Connection, error) {
	addr, err := net.ResolveUDPAddr("udp", target)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidAddr, err)
	}

	conn, err := t.tr.Dial(ctx, addr, t.cfg.TlsConfig, &quic.Config{
		Versions:           []quic.Version{quic.Version2, quic.Version1},
		MaxIncomingStreams: t.maxStreams(),
		MaxIdleTimeout:     1 * time.Minute,
	})
	if t.gracefulTerm.Load() {
		return nil, ErrNodeClosed
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDialFailed, err)
	}
	return conn, nil
}

// AdvertiseAddr reports the bound UDP interface, with the kernel-chosen
// port filled in when the config asked for an ephemeral one.
func (t *Transport) AdvertiseAddr() (net.IP, int, error) {
	if t.udpLn == nil {
		return nil, 0, ErrInvalidAddr
	}

	udpAddr, ok := t.udpLn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return nil, 0, ErrInvalidAddr
	}

	ip := udpAddr.IP
	if ip4 := ip.To4(); ip4 != nil {
		ip = ip4
	}
	return ip, udpAddr.Port, nil
}

func (t *Transport) Close() error {
	if !t.gracefulTerm.CompareAndSwap(false, true) {
		// no-op because it was already closed
		return nil
	}

	if t.ln != nil {
		t.ln.Close()
	}

	if t.tr != nil {
		t.tr.Close()
	}

	if t.udpLn != nil {
		t.udpLn.Close()
	}
	return nil
}

func (t *Transport) maxStreams() int64 {
	if t.cfg.MaxStreams == 0 {
		return defaultMaxStreams
	}
	return t.cfg.MaxStreams
}

func (t *Transport) negotiateBufferSize(requested int) error {
	size := requested
	for size > 0 {
		if err := t.udpLn.SetReadBuffer(size); err != nil {
			if t.cfg.EnforceBufferSize {
				return ErrBufferSize
			}
			size = size >> 1
			continue
		}
		if size != requested {
			t.logger.Warn("using smaller than expected UDP buffer", "bytes", size)
		}
		t.msink.SetGaugeWithLabels(
			MetricWeftUDPBufferSizeBytes,
			float32(size),
			t.cfg.MetricLabels,
		)
		return nil
	}
	return ErrBufferSize
}
