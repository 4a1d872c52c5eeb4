package weft

import (
	"crypto/tls"
	"log/slog"
	"time"

	"github.com/hashicorp/go-metrics"
)

type config struct {
	trCfg        TransportConfig
	logHandler   slog.Handler
	msink        metrics.MetricSink
	metricLabels []metrics.Label
	events       EventSink

	callTimeout time.Duration

	resolver IdentityResolver
	pinning  PinningMode
	pinned   map[string]PeerIdentity
}

// Option to pass to `Create`
type Option func(*config) error

// WithListenOn specifies which UDP interface inbound sessions are accepted
// on. A zero port binds an ephemeral one.
func WithListenOn(addr string, port int) Option {
	return func(c *config) error {
		c.trCfg.BindAddr = addr
		c.trCfg.BindPort = port
		return nil
	}
}

// WithTlsConfig sets the `tls.Config` used for every session. It is REALLY
// important that you use mTLS in production since that's the only way your
// peers can authenticate each other.
func WithTlsConfig(tlsConf *tls.Config) Option {
	return func(c *config) error {
		if tlsConf == nil {
			return ErrNoTLSConfig
		}
		c.trCfg.TlsConfig = tlsConf.Clone()
		return nil
	}
}

// WithLog specifies which `slog.Handler` to use.
func WithLog(handler slog.Handler) Option {
	return func(c *config) error {
		c.logHandler = handler
		c.trCfg.LogHandler = handler
		return nil
	}
}

// WithMetricSink allows you to choose how to collect the metrics emitted
// by your `Node`.
func WithMetricSink(ms metrics.MetricSink) Option {
	return func(c *config) error {
		if ms == nil {
			ms = &metrics.BlackholeSink{}
		}
		c.msink = ms
		c.trCfg.MetricSink = ms
		return nil
	}
}

// WithMetricLabels adds static labels to all metrics produced by the Node.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) error {
		c.metricLabels = labels
		c.trCfg.MetricLabels = labels
		return nil
	}
}

// WithEventSink subscribes sink to the structured events the core emits.
// The sink MUST NOT block.
func WithEventSink(sink EventSink) Option {
	return func(c *config) error {
		if sink != nil {
			c.events = sink
		}
		return nil
	}
}

// WithDialTimeout controls how much time we are willing to wait for a
// remote peer to complete session establishment.
func WithDialTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		c.trCfg.DialTimeout = timeout
		return nil
	}
}

// WithCallTimeout sets the default per-call deadline applied when the
// caller's context carries none.
func WithCallTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout == 0 {
			timeout = defaultCallTimeout
		}
		c.callTimeout = timeout
		return nil
	}
}

// WithMaxStreams bounds how many streams (one per in-flight exchange) may
// be open at once on a single session.
//
// It is important that you stay under this number since additional calls
// block until a slot frees up, which is the intended backpressure.
func WithMaxStreams(n int64) Option {
	return func(c *config) error {
		if n == 0 {
			n = defaultMaxStreams
		}
		c.trCfg.MaxStreams = n
		return nil
	}
}

// WithIdentityResolver replaces the default CommonName-based resolver.
func WithIdentityResolver(resolver IdentityResolver) Option {
	return func(c *config) error {
		if resolver != nil {
			c.resolver = resolver
		}
		return nil
	}
}

// WithPinning selects how resolved peer identities are checked against the
// addresses they came from. Trust-on-first-use vs. out-of-band pins is a
// deployment decision; the core refuses to pick for you beyond the
// permissive default.
func WithPinning(mode PinningMode) Option {
	return func(c *config) error {
		c.pinning = mode
		return nil
	}
}

// WithPinnedIdentity declares the identity expected from addr. Only
// consulted under PinStrict.
func WithPinnedIdentity(addr string, identity PeerIdentity) Option {
	return func(c *config) error {
		canonical, err := canonicalAddr(addr)
		if err != nil {
			return err
		}
		if c.pinned == nil {
			c.pinned = make(map[string]PeerIdentity)
		}
		c.pinned[canonical] = identity
		return nil
	}
}
