package weft

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type binaryOp struct {
	A float64 `json:"a"`
	B float64 `json:"b"`
}

type calcResult struct {
	Value float64 `json:"value"`
}

// recordingSink keeps every event it sees, for assertions after the fact.
type recordingSink struct {
	lk     sync.Mutex
	events []Event
}

func (rs *recordingSink) OnEvent(ev Event) {
	rs.lk.Lock()
	defer rs.lk.Unlock()
	rs.events = append(rs.events, ev)
}

func (rs *recordingSink) find(kind EventKind, service string) (Event, bool) {
	rs.lk.Lock()
	defer rs.lk.Unlock()
	for _, ev := range rs.events {
		if ev.Kind == kind && ev.Service == service {
			return ev, true
		}
	}
	return Event{}, false
}

func registerCalculator(t *testing.T, nd *Node) {
	t.Helper()
	ops := map[string]func(a, b float64) (float64, error){
		"calculator.add": func(a, b float64) (float64, error) { return a + b, nil },
		"calculator.divide": func(a, b float64) (float64, error) {
			if b == 0 {
				return 0, errors.New("division by zero")
			}
			return a / b, nil
		},
	}
	for name, op := range ops {
		require.NoError(t, nd.Register(name, HandlerFunc(
			func(_ context.Context, payload []byte) ([]byte, error) {
				var req binaryOp
				if err := json.Unmarshal(payload, &req); err != nil {
					return nil, err
				}
				value, err := op(req.A, req.B)
				if err != nil {
					return nil, err
				}
				return json.Marshal(&calcResult{Value: value})
			})))
	}
}

func calc(t *testing.T, nd *Node, target, service string, a, b float64) (*calcResult, error) {
	t.Helper()
	req, err := json.Marshal(&binaryOp{A: a, B: b})
	require.NoError(t, err)

	reply, err := nd.Call(context.Background(), target, service, req)
	if err != nil {
		return nil, err
	}
	var res calcResult
	require.NoError(t, json.Unmarshal(reply, &res))
	return &res, nil
}

func TestNodeCall(t *testing.T) {
	ca := newTestCA(t)
	sink := &recordingSink{}

	server := ca.newTestNode(t, "server")
	client := ca.newTestNode(t, "client", WithEventSink(sink))

	registerCalculator(t, server)
	require.NoError(t, server.Register("echo", HandlerFunc(
		func(_ context.Context, payload []byte) ([]byte, error) {
			return payload, nil
		})))
	require.NoError(t, server.Register("slow", HandlerFunc(
		func(ctx context.Context, _ []byte) ([]byte, error) {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(3 * time.Second):
				return []byte("late"), nil
			}
		})))
	require.NoError(t, server.Register("grumpy", HandlerFunc(
		func(context.Context, []byte) ([]byte, error) {
			panic("no thanks")
		})))

	target := server.Addr()

	t.Run("calls resolve with the handler result", func(t *testing.T) {
		res, err := calc(t, client, target, "calculator.add", 15, 25)
		require.NoError(t, err)
		require.Equal(t, float64(40), res.Value)
	})

	t.Run("handler failures travel back verbatim", func(t *testing.T) {
		_, err := calc(t, client, target, "calculator.divide", 10, 0)
		var he *HandlerError
		require.ErrorAs(t, err, &he)
		require.Equal(t, "division by zero", he.Message)
	})

	t.Run("a handler panic resolves, not crashes", func(t *testing.T) {
		_, err := client.Call(context.Background(), target, "grumpy", nil)
		var he *HandlerError
		require.ErrorAs(t, err, &he)
		require.Contains(t, he.Message, "no thanks")
	})

	t.Run("unknown services are reported distinctly", func(t *testing.T) {
		_, err := client.Call(context.Background(), target, "ghost", nil)
		require.ErrorIs(t, err, ErrServiceNotFound)
	})

	t.Run("invalid service names never hit the wire", func(t *testing.T) {
		_, err := client.Call(context.Background(), target, "not a name", nil)
		require.ErrorIs(t, err, ErrNameInvalid)
	})

	t.Run("lookup probes existence without invoking", func(t *testing.T) {
		ctx := context.Background()
		require.NoError(t, client.LookupRemote(ctx, target, "calculator.add"))
		require.NoError(t, client.LookupRemote(ctx, target, LookupService))
		require.ErrorIs(t, client.LookupRemote(ctx, target, "ghost"), ErrServiceNotFound)
		require.ErrorIs(t, client.LookupRemote(ctx, target, "not a name"), ErrNameInvalid)
	})

	t.Run("slow handlers time the call out", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
		defer cancel()

		start := time.Now()
		_, err := client.Call(ctx, target, "slow", nil)
		require.ErrorIs(t, err, ErrCallTimeout)
		require.Less(t, time.Since(start), 2*time.Second)

		// The pending entry is reaped with the timeout, not leaked until
		// some late reply shows up.
		sessions := client.mgr.Sessions()
		require.Len(t, sessions, 1)
		require.Zero(t, sessions[0].calls.pending())
	})

	t.Run("concurrent calls resolve to their own replies", func(t *testing.T) {
		var wg sync.WaitGroup
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				msg := fmt.Sprintf("message-%d", i)
				reply, err := client.Call(context.Background(), target, "echo", []byte(msg))
				if err != nil {
					t.Errorf("echo %d failed: %s", i, err)
					return
				}
				if string(reply) != msg {
					t.Errorf("echo %d: got %q back", i, reply)
				}
			}(i)
		}
		wg.Wait()

		// All of it rode a single multiplexed session.
		require.Len(t, client.mgr.Sessions(), 1)
	})

	t.Run("call events carry identity and outcome", func(t *testing.T) {
		est, ok := sink.find(EventSessionEstablished, "")
		require.True(t, ok)
		require.Equal(t, PeerIdentity("server"), est.Identity)

		started, ok := sink.find(EventCallStarted, "calculator.add")
		require.True(t, ok)
		require.NotZero(t, started.CorrID)

		resolved, ok := sink.find(EventCallResolved, "calculator.add")
		require.True(t, ok)
		require.Equal(t, "ok", resolved.Outcome)

		resolved, ok = sink.find(EventCallResolved, "slow")
		require.True(t, ok)
		require.Equal(t, "timeout", resolved.Outcome)
	})
}

func TestNodeNotify(t *testing.T) {
	ca := newTestCA(t)
	server := ca.newTestNode(t, "server")
	client := ca.newTestNode(t, "client")

	var count atomic.Int64
	require.NoError(t, server.Register("counter.increment", HandlerFunc(
		func(context.Context, []byte) ([]byte, error) {
			count.Add(1)
			return nil, nil
		})))

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, client.Notify(ctx, server.Addr(), "counter.increment", nil))
	}

	require.Eventually(t, func() bool {
		return count.Load() == 5
	}, 5*time.Second, 10*time.Millisecond)

	// Notifying an unknown service is not an observable failure.
	require.NoError(t, client.Notify(ctx, server.Addr(), "ghost", nil))
}

func TestNodeShutdownFailsPendingCalls(t *testing.T) {
	ca := newTestCA(t)
	server := ca.newTestNode(t, "server")
	client := ca.newTestNode(t, "client")

	entered := make(chan struct{})
	require.NoError(t, server.Register("hang", HandlerFunc(
		func(ctx context.Context, _ []byte) ([]byte, error) {
			close(entered)
			<-ctx.Done()
			return nil, ctx.Err()
		})))

	callErr := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_, err := client.Call(ctx, server.Addr(), "hang", nil)
		callErr <- err
	}()

	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("call never reached the handler")
	}

	start := time.Now()
	require.NoError(t, server.Shutdown())

	// The caller hears about the lost session right away instead of
	// burning its 30s deadline.
	select {
	case err := <-callErr:
		require.ErrorIs(t, err, ErrConnectionLost)
		require.Less(t, time.Since(start), 10*time.Second)
	case <-time.After(10 * time.Second):
		t.Fatal("pending call survived the session")
	}
}

func TestNodeRegisterLifecycle(t *testing.T) {
	ca := newTestCA(t)
	nd := ca.newTestNode(t, "node")

	t.Run("the builtin namespace is off limits", func(t *testing.T) {
		err := nd.Register(ReservedPrefix+"mine", echoHandler("x"))
		require.ErrorIs(t, err, ErrNameReserved)
	})

	t.Run("the lookup builtin is pre-registered", func(t *testing.T) {
		require.Contains(t, nd.Services(""), LookupService)
	})

	t.Run("unregistered names are free again", func(t *testing.T) {
		require.NoError(t, nd.Register("transient", echoHandler("a")))
		require.ErrorIs(t, nd.Register("transient", echoHandler("b")), ErrNameTaken)
		nd.Unregister("transient")
		require.NoError(t, nd.Register("transient", echoHandler("c")))
	})

	t.Run("a closed node refuses registration", func(t *testing.T) {
		require.NoError(t, nd.Shutdown())
		require.NoError(t, nd.Shutdown()) // idempotent
		require.ErrorIs(t, nd.Register("too.late", echoHandler("x")), ErrNodeClosed)
	})
}

func TestNodeIdentityPinning(t *testing.T) {
	ca := newTestCA(t)
	server := ca.newTestNode(t, "server")
	registerCalculator(t, server)

	t.Run("strict pinning admits the pinned identity", func(t *testing.T) {
		client := ca.newTestNode(t, "client",
			WithPinning(PinStrict),
			WithPinnedIdentity(server.Addr(), "server"),
		)
		res, err := calc(t, client, server.Addr(), "calculator.add", 1, 2)
		require.NoError(t, err)
		require.Equal(t, float64(3), res.Value)
	})

	t.Run("strict pinning rejects a mismatch", func(t *testing.T) {
		client := ca.newTestNode(t, "client",
			WithPinning(PinStrict),
			WithPinnedIdentity(server.Addr(), "somebody-else"),
		)
		_, err := client.Call(context.Background(), server.Addr(), "calculator.add", nil)
		require.ErrorIs(t, err, ErrIdentityMismatch)
		require.Empty(t, client.mgr.Sessions())
	})

	t.Run("strict pinning rejects unpinned addresses", func(t *testing.T) {
		other := ca.newTestNode(t, "other")
		client := ca.newTestNode(t, "client",
			WithPinning(PinStrict),
			WithPinnedIdentity(server.Addr(), "server"),
		)
		_, err := client.Call(context.Background(), other.Addr(), "calculator.add", nil)
		require.ErrorIs(t, err, ErrIdentityMismatch)
	})

	t.Run("strict pinning without pins is a config error", func(t *testing.T) {
		_, err := Create(
			WithListenOn("127.0.0.1", 0),
			WithTlsConfig(ca.tlsConfigFor(t, "lonely")),
			WithPinning(PinStrict),
		)
		require.ErrorIs(t, err, ErrInvalidCfg)
	})

	t.Run("first-use pinning admits first contact", func(t *testing.T) {
		client := ca.newTestNode(t, "client", WithPinning(PinFirstUse))
		res, err := calc(t, client, server.Addr(), "calculator.add", 2, 2)
		require.NoError(t, err)
		require.Equal(t, float64(4), res.Value)
	})
}

func TestNodeCreateRequiresTLS(t *testing.T) {
	_, err := Create(WithListenOn("127.0.0.1", 0))
	require.ErrorIs(t, err, ErrInvalidCfg)
	require.ErrorIs(t, err, ErrNoTLSConfig)
}
