package weft

import (
	"crypto/x509"
	"fmt"
	"sync"
)

// PeerIdentity is the opaque, stable identifier of a peer, derived from its
// TLS certificate during the session handshake. Addresses may move;
// identities should not.
type PeerIdentity string

// IdentityResolver derives a `PeerIdentity` from the certificates a remote
// peer presented during the handshake.
//
// The contract of this function is:
//
// *Implementations* MUST NOT be blocking, since they are invoked on
// the connection establishment critical path.
//
// If the resolution is successful, *Implementations* MUST return an
// identity and a nil error.
//
// Otherwise, *Implementations* MUST return a human-friendly error string
// as a third argument, which will be sent to the remote peer, so they can
// debug the error.
type IdentityResolver func(certs []*x509.Certificate) (PeerIdentity, error, string)

// CommonNameResolver is the default resolver: the x509 Subject Common Name
// of the peer leaf certificate is the peer's identity.
func CommonNameResolver(certs []*x509.Certificate) (PeerIdentity, error, string) {
	if len(certs) == 0 {
		return "", ErrIdentityResolve, "it seems like you haven't provided a client certificate"
	}

	return PeerIdentity(certs[0].Subject.CommonName), nil, ""
}

// PinningMode decides how a resolved identity is checked against the
// address it came from. Whether to trust on first use or require
// out-of-band pins is deliberately a configuration choice, not a default
// baked into the core.
type PinningMode uint8

const (
	// PinNone accepts any identity the resolver produces.
	PinNone PinningMode = iota

	// PinFirstUse remembers the identity seen on first contact with an
	// address and rejects the address if it ever changes.
	PinFirstUse

	// PinStrict only accepts addresses whose expected identity was
	// supplied up front via `WithPinnedIdentity`.
	PinStrict
)

func (m PinningMode) String() string {
	switch m {
	case PinFirstUse:
		return "first-use"
	case PinStrict:
		return "strict"
	default:
		return "none"
	}
}

// pinStore is the address -> identity ledger backing identity pinning.
// Mutated on session establishment only.
type pinStore struct {
	mode     PinningMode
	lk       sync.Mutex
	expected map[string]PeerIdentity
	seen     map[string]PeerIdentity
}

func newPinStore(mode PinningMode, expected map[string]PeerIdentity) *pinStore {
	ps := &pinStore{
		mode:     mode,
		expected: expected,
		seen:     make(map[string]PeerIdentity),
	}
	if ps.expected == nil {
		ps.expected = make(map[string]PeerIdentity)
	}
	return ps
}

// check validates identity for addr per the configured mode, recording it
// when trust-on-first-use applies.
func (ps *pinStore) check(addr string, identity PeerIdentity) error {
	switch ps.mode {
	case PinNone:
		return nil
	case PinStrict:
		ps.lk.Lock()
		want, ok := ps.expected[addr]
		ps.lk.Unlock()
		if !ok {
			return fmt.Errorf("%w: no pinned identity for %s", ErrIdentityMismatch, addr)
		}
		if want != identity {
			return fmt.Errorf("%w: %s presented %q, pinned %q", ErrIdentityMismatch, addr, identity, want)
		}
		return nil
	case PinFirstUse:
		ps.lk.Lock()
		defer ps.lk.Unlock()
		prev, ok := ps.seen[addr]
		if !ok {
			ps.seen[addr] = identity
			return nil
		}
		if prev != identity {
			return fmt.Errorf("%w: %s presented %q, first seen as %q", ErrIdentityMismatch, addr, identity, prev)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown pinning mode %d", ErrInvalidCfg, ps.mode)
	}
}
