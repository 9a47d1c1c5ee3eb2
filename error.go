package cipherlink

import (
	"errors"
	"fmt"

	"golang.org/x/xerrors"
)

var (
	// ErrInvalidKeySize is returned for shared keys that are not exactly KeySize bytes.
	ErrInvalidKeySize = errors.New("invalid key size")

	// ErrKeyFileNotFound is returned when the shared key file does not exist.
	ErrKeyFileNotFound = errors.New("key file not found")

	// ErrKeyPermissions is returned when a key file is accessible by other users.
	// This is stricter than the key file format requires, see ReadKeyFile.
	ErrKeyPermissions = errors.New("key file has unsafe permissions")

	// ErrBadConfig is returned when a Config cannot be used.
	ErrBadConfig = errors.New("invalid configuration")

	// ErrAuthenticationFailed is returned when a frame does not authenticate. This
	// indicates tampering or a key mismatch between client and server.
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrMalformedInput is returned for ciphertext or frames that are structurally
	// invalid, like a ciphertext shorter than a nonce and authenticator.
	ErrMalformedInput = errors.New("malformed input")

	// ErrProtocol is returned for protocol-level errors, like a transport closing in
	// the middle of a frame.
	ErrProtocol = errors.New("protocol error")

	// ErrUnsupportedVersion is returned when a frame carries a protocol version other
	// than ProtocolVersion. There is no version negotiation.
	ErrUnsupportedVersion = errors.New("unsupported protocol version")

	// ErrFrameTooLarge is returned when a frame, sent or received, exceeds the
	// configured maximum frame size.
	ErrFrameTooLarge = errors.New("frame too large")

	// ErrTunnelClosed is returned by ReceiveFrame when the remote closed the tunnel at
	// a frame boundary.
	ErrTunnelClosed = errors.New("tunnel closed")

	// ErrConnClosed is returned when calling functions on a closed connection.
	ErrConnClosed = errors.New("connection closed")

	errNoConfig     = errors.New("nil config passed to function")
	errNoCloseWrite = errors.New("transport does not support closing its write side")
)

func errorHandler(fn func(error)) (func(error, string), func()) {
	type localError struct {
		err error
	}

	check := func(err error, msg string) {
		if err != nil {
			err = xerrors.Errorf("%s: %w", msg, err)
			panic(&localError{err})
		}
	}
	handle := func() {
		e := recover()
		if e == nil {
			return
		}
		if le, ok := e.(*localError); ok {
			fn(le.err)
		} else {
			panic(e)
		}
	}
	return check, handle
}

// prefixErr keeps err matchable with errors.Is while adding detail after the
// sentinel's message.
type prefixErr struct {
	err    error
	errmsg string
}

func prefixError(err error, format string, args ...interface{}) *prefixErr {
	return &prefixErr{err, err.Error() + ": " + fmt.Sprintf(format, args...)}
}

func (e *prefixErr) Error() string {
	return e.errmsg
}

func (e *prefixErr) Unwrap() error {
	return e.err
}

// wrapErr implements "Is" for the first error, and unwraps into the second error.
type wrapErr struct {
	err  error
	next error
}

func (e *wrapErr) Error() string {
	return e.err.Error() + ": " + e.next.Error()
}

func (e *wrapErr) Is(err error) bool {
	return xerrors.Is(e.err, err)
}

func (e *wrapErr) Unwrap() error {
	return e.next
}
