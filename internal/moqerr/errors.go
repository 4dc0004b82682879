// Package moqerr defines the tagged error kinds surfaced by the warpclient
// core. Each kind lets callers distinguish failure modes with errors.Is
// and errors.As instead of matching on message text.
package moqerr

import (
	"errors"
	"fmt"
)

// ErrClosed is returned by any operation attempted after the session has
// finished shutting down.
var ErrClosed = errors.New("moqerr: session closed")

// Sentinel errors for the varint/control codec (component A/B, spec §4.A).
var (
	ErrShortRead = errors.New("moqerr: short read")
	ErrOverflow  = errors.New("moqerr: varint overflow")
)

// ProtocolKind distinguishes the varieties of Protocol error from spec §7.
type ProtocolKind int

const (
	ProtocolShortRead ProtocolKind = iota
	ProtocolOverflow
	ProtocolUnknownType
	ProtocolObjectOrderViolation
	ProtocolInvalidBox
)

func (k ProtocolKind) String() string {
	switch k {
	case ProtocolShortRead:
		return "ShortRead"
	case ProtocolOverflow:
		return "Overflow"
	case ProtocolUnknownType:
		return "UnknownType"
	case ProtocolObjectOrderViolation:
		return "ObjectOrderViolation"
	case ProtocolInvalidBox:
		return "InvalidBox"
	default:
		return "Unknown"
	}
}

// ProtocolError reports a wire-format violation. Per spec §7 these are
// fatal on the control stream and non-fatal (drop the offending unit) on
// object streams.
type ProtocolError struct {
	Kind ProtocolKind
	Err  error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("moqerr: protocol %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("moqerr: protocol %s", e.Kind)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// TransportError wraps a WebTransport session failure that occurred before
// or during Ready.
type TransportError struct {
	Cause error
}

func (e *TransportError) Error() string { return fmt.Sprintf("moqerr: transport: %v", e.Cause) }
func (e *TransportError) Unwrap() error { return e.Cause }

// FingerprintError reports a failure to fetch or parse the certificate
// fingerprint.
type FingerprintError struct {
	Reason string
}

func (e *FingerprintError) Error() string { return "moqerr: fingerprint: " + e.Reason }

// SetupKind distinguishes the ways CLIENT_SETUP/SERVER_SETUP can fail.
type SetupKind int

const (
	SetupUnsupportedVersion SetupKind = iota
	SetupTimeout
	SetupMalformed
)

func (k SetupKind) String() string {
	switch k {
	case SetupUnsupportedVersion:
		return "UnsupportedVersion"
	case SetupTimeout:
		return "Timeout"
	case SetupMalformed:
		return "Malformed"
	default:
		return "Unknown"
	}
}

// SetupError reports a failure of the CLIENT_SETUP/SERVER_SETUP exchange.
type SetupError struct {
	Kind SetupKind
}

func (e *SetupError) Error() string { return "moqerr: setup: " + e.Kind.String() }

// SubscribeError mirrors a SUBSCRIBE_ERROR message from the peer.
type SubscribeError struct {
	Code   uint64
	Reason string
}

func (e *SubscribeError) Error() string {
	return fmt.Sprintf("moqerr: subscribe error %d: %s", e.Code, e.Reason)
}

// TimeoutError reports that an awaited operation did not complete in time.
type TimeoutError struct {
	Op string
}

func (e *TimeoutError) Error() string { return "moqerr: timeout: " + e.Op }

// ErrRequestIDsExhausted is returned by registry.Allocate once the
// negotiated MAX_REQUEST_ID cap has been reached.
var ErrRequestIDsExhausted = errors.New("moqerr: request ids exhausted")

// ErrAlreadySubscribed is returned by registry.Allocate when a subscription
// for the same (namespace, name) is already outstanding.
var ErrAlreadySubscribed = errors.New("moqerr: already subscribed")
