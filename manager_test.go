package weft

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestManagerGetOrDialDeduplicates(t *testing.T) {
	ca := newTestCA(t)
	server := ca.newTestNode(t, "server")
	client := ca.newTestNode(t, "client")

	var wg sync.WaitGroup
	sessions := make([]*Session, 16)
	for i := range sessions {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sess, err := client.mgr.GetOrDial(context.Background(), server.Addr())
			if err != nil {
				t.Errorf("dial %d failed: %s", i, err)
				return
			}
			sessions[i] = sess
		}(i)
	}
	wg.Wait()

	for _, sess := range sessions[1:] {
		require.Same(t, sessions[0], sess)
	}
	require.Len(t, client.mgr.Sessions(), 1)
	require.Equal(t, SessionEstablished, sessions[0].State())
	require.Equal(t, PeerIdentity("server"), sessions[0].Identity())
}

func TestManagerGetOrDialInvalidAddr(t *testing.T) {
	ca := newTestCA(t)
	client := ca.newTestNode(t, "client")

	_, err := client.mgr.GetOrDial(context.Background(), "definitely-not-an-address")
	require.ErrorIs(t, err, ErrInvalidAddr)
}

func TestManagerDialDeadPeer(t *testing.T) {
	ca := newTestCA(t)
	client := ca.newTestNode(t, "client", WithDialTimeout(1*time.Second))

	// Grab a port nobody listens on anymore.
	ln, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	deadAddr := ln.LocalAddr().String()
	require.NoError(t, ln.Close())

	start := time.Now()
	_, err = client.mgr.GetOrDial(context.Background(), deadAddr)
	require.ErrorIs(t, err, ErrDialFailed)
	require.Less(t, time.Since(start), 10*time.Second)

	// A failed dial leaves nothing behind, so the address can be retried.
	require.Empty(t, client.mgr.Sessions())
}

func TestManagerEvictsClosedSessions(t *testing.T) {
	ca := newTestCA(t)
	server := ca.newTestNode(t, "server")
	client := ca.newTestNode(t, "client", WithDialTimeout(1*time.Second))

	sess, err := client.mgr.GetOrDial(context.Background(), server.Addr())
	require.NoError(t, err)
	require.Equal(t, SessionEstablished, sess.State())

	require.NoError(t, server.Shutdown())

	select {
	case <-sess.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session never observed the peer going away")
	}
	require.Equal(t, SessionClosed, sess.State())

	require.Eventually(t, func() bool {
		return len(client.mgr.Sessions()) == 0
	}, 5*time.Second, 10*time.Millisecond)

	// The next dial is a fresh attempt against a gone peer, not a cached
	// corpse.
	_, err = client.mgr.GetOrDial(context.Background(), server.Addr())
	require.Error(t, err)
}

func TestManagerClosedRefusesDials(t *testing.T) {
	ca := newTestCA(t)
	server := ca.newTestNode(t, "server")
	client := ca.newTestNode(t, "client")

	require.NoError(t, client.Shutdown())

	_, err := client.mgr.GetOrDial(context.Background(), server.Addr())
	require.ErrorIs(t, err, ErrNodeClosed)
}

func TestManagerInboundSessionIsServed(t *testing.T) {
	ca := newTestCA(t)
	server := ca.newTestNode(t, "server")
	client := ca.newTestNode(t, "client")

	require.NoError(t, client.Register("pong", echoHandler("pong")))

	// Client dials first, so from the server's point of view the session
	// is inbound. Calls must flow the other way over that same session.
	require.NoError(t, client.LookupRemote(context.Background(), server.Addr(), LookupService))

	require.Eventually(t, func() bool {
		return len(server.mgr.Sessions()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	inbound := server.mgr.Sessions()[0]
	require.Equal(t, PeerIdentity("client"), inbound.Identity())

	reply, err := server.eng.Call(context.Background(), inbound, "pong", []byte("hello"))
	require.NoError(t, err)
	require.Equal(t, "pong:hello", string(reply))
}
