package weft

import (
	"errors"
	"fmt"

	"github.com/quic-go/quic-go"
)

var (
	ErrNameInvalid  = errors.New("registry: names must only contain alphanum, dashes, dots and be less than 128 chars")
	ErrNameTaken    = errors.New("registry: name already registered")
	ErrNameReserved = errors.New("registry: the \"weft.\" prefix is reserved for builtin services")

	ErrServiceNotFound = errors.New("rpc: service not found on the target peer")
	ErrCallTimeout     = errors.New("rpc: call deadline elapsed")
	ErrConnectionLost  = errors.New("rpc: session closed while the call was in flight")
	ErrMalformedFrame  = errors.New("rpc: malformed frame")

	ErrDialFailed      = errors.New("session: dial failed")
	ErrSessionNotReady = errors.New("session: not established")
	ErrSessionClosed   = errors.New("session: closed")

	ErrInvalidCfg    = errors.New("weft: invalid options")
	ErrNodeClosed    = errors.New("weft: node is shut down")
	ErrNoTLSConfig   = errors.New("transport: TlsConfig is required")
	ErrBufferSize    = errors.New("transport: could not allocate udp buffer")
	ErrInvalidAddr   = errors.New("transport: the peer address you provided is invalid")
	ErrStreamWrite   = errors.New("transport: error writing to a stream")
	ErrTooLargeFrame = errors.New("transport: frame was too large could not send")

	ErrIdentityResolve  = errors.New("identity: could not resolve identity from peer certificate")
	ErrIdentityMismatch = errors.New("identity: peer identity does not match the pinned identity")
)

// HandlerError reports that the remote service was found and invoked, but
// its logic failed. It is a valid reply, not a protocol fault: the message
// travels back in the reply frame and the session stays up.
type HandlerError struct {
	Message string
}

func (he *HandlerError) Error() string {
	return fmt.Sprintf("rpc: handler error: %s", he.Message)
}

var (
	QErrStreamProtocolViolation = quic.StreamErrorCode(0xFF)
	QErrStreamMalformed         = quic.StreamErrorCode(0xFE)
	QErrStreamCanceled          = quic.StreamErrorCode(0xFD)
)

var (
	QErrInternal = QuicApplicationError{
		Code:   0x1,
		Prefix: "internal",
	}
	QErrIdentity = QuicApplicationError{
		Code:   0x2,
		Prefix: "identity",
	}
	QErrShutdown = QuicApplicationError{
		Code:   0x3,
		Prefix: "shutdown",
	}
)

type QuicApplicationError struct {
	Code   uint64
	Prefix string
}

func (qerr *QuicApplicationError) Close(conn quic.Connection, msg string) error {
	if conn != nil {
		return conn.CloseWithError(
			quic.ApplicationErrorCode(qerr.Code),
			fmt.Sprintf("%s: %s", qerr.Prefix, msg),
		)
	}
	return nil
}
