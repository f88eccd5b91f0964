package ota

import (
	"errors"
	"fmt"
)

// ErrorKind classifies how a failure is recovered.
type ErrorKind int

const (
	// KindProtocolViolation covers out-of-order or malformed sender input.
	KindProtocolViolation ErrorKind = iota + 1
	// KindIntegrityFailure is a digest mismatch at finalize.
	KindIntegrityFailure
	// KindStorageFailure is a flash erase, write or commit error.
	KindStorageFailure
	// KindTransportFailure is a lost link.
	KindTransportFailure
)

func (k ErrorKind) String() string {
	switch k {
	case KindProtocolViolation:
		return "protocol_violation"
	case KindIntegrityFailure:
		return "integrity_failure"
	case KindStorageFailure:
		return "storage_failure"
	case KindTransportFailure:
		return "transport_failure"
	default:
		return "unknown"
	}
}

var (
	ErrAlreadyDeclared = errors.New("ota: total size already declared")
	ErrZeroSize        = errors.New("ota: total size must be non-zero")
	ErrTooLarge        = errors.New("ota: image larger than update partition")
	ErrSizeNotDeclared = errors.New("ota: total size not declared")
	ErrOverflow        = errors.New("ota: block exceeds declared total size")
	ErrHashMismatch    = errors.New("ota: image digest mismatch")
	ErrNoExpectedHash  = errors.New("ota: expected digest never supplied")
	ErrSessionActive   = errors.New("ota: transfer already in progress")
	ErrNoSession       = errors.New("ota: no ongoing transfer")
	ErrBusy            = errors.New("ota: verification in progress")
	ErrWrongState      = errors.New("ota: operation not allowed in current state")
	ErrIncomplete      = errors.New("ota: image incomplete")
	ErrTerminated      = errors.New("ota: device is resetting")
	ErrDisconnected    = errors.New("ota: central disconnected")
)

// Error carries the kind and failing operation of an OTA error.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("ota: %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the kind of the first *Error in err's chain, or 0.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// IsKind reports whether err carries kind k.
func IsKind(err error, k ErrorKind) bool {
	return KindOf(err) == k
}

func protocolError(op string, err error) error {
	return &Error{Kind: KindProtocolViolation, Op: op, Err: err}
}

func storageError(op string, err error) error {
	return &Error{Kind: KindStorageFailure, Op: op, Err: err}
}

func integrityError(op string, err error) error {
	return &Error{Kind: KindIntegrityFailure, Op: op, Err: err}
}

// classify wraps err in a protocol error unless it already has a kind.
func classify(op string, err error) error {
	if KindOf(err) != 0 {
		return err
	}
	return protocolError(op, err)
}
