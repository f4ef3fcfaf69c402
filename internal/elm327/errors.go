package elm327

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
)

var (
	// ErrEOF is returned when the adapter closes the stream or a read
	// yields zero bytes.
	ErrEOF = errors.New("elm327: connection closed by adapter")
	// ErrNotConnected is returned by Send/Recv on a transport with no stream.
	ErrNotConnected = errors.New("elm327: not connected")

	// ErrEmptyResponse marks a handshake step that completed at the I/O level
	// but produced no text. It is tolerated and only logged.
	ErrEmptyResponse = errors.New("elm327: empty response")
	// ErrInitAborted is matched by every InitError.
	ErrInitAborted = errors.New("elm327: initialization aborted")

	// Decode failures. They never leave the collector; the affected PID is
	// simply absent from the snapshot.
	ErrNoData       = errors.New("no data")
	ErrAdapterError = errors.New("adapter reported error")
	ErrShortPayload = errors.New("payload too short")
	ErrInvalidHex   = errors.New("invalid hex payload")
	ErrUnknownPID   = errors.New("unknown pid")
)

// ConnErrorKind classifies why a connection attempt failed.
type ConnErrorKind int

const (
	ConnOther ConnErrorKind = iota
	ConnTimeout
	ConnRefused
	ConnReset
)

func (k ConnErrorKind) String() string {
	switch k {
	case ConnTimeout:
		return "timeout"
	case ConnRefused:
		return "refused"
	case ConnReset:
		return "reset"
	default:
		return "other"
	}
}

// ConnError is returned by Transport.Connect.
type ConnError struct {
	Kind ConnErrorKind
	Err  error
}

func (e *ConnError) Error() string {
	return fmt.Sprintf("elm327: connect %s: %v", e.Kind, e.Err)
}

func (e *ConnError) Unwrap() error { return e.Err }

// ExchangeErrorKind separates plain I/O failures from the bounded-wait expiry.
type ExchangeErrorKind int

const (
	ExchangeIO ExchangeErrorKind = iota
	ExchangeTimeout
)

func (k ExchangeErrorKind) String() string {
	if k == ExchangeTimeout {
		return "timeout"
	}
	return "io"
}

// ExchangeError is returned by Client.Exchange. The connection has already
// been torn down when a caller sees one.
type ExchangeError struct {
	Command string
	Kind    ExchangeErrorKind
	Err     error
}

func (e *ExchangeError) Error() string {
	return fmt.Sprintf("elm327: exchange %q %s: %v", e.Command, e.Kind, e.Err)
}

func (e *ExchangeError) Unwrap() error { return e.Err }

// InitError is returned by Client.Initialize when a handshake step fails at
// the I/O level.
type InitError struct {
	Step string
	Err  error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("elm327: initialization aborted at %s: %v", e.Step, e.Err)
}

func (e *InitError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrInitAborted) hold for every InitError.
func (e *InitError) Is(target error) bool { return target == ErrInitAborted }

// DecodeError carries the PID whose payload could not be turned into a value.
type DecodeError struct {
	PID string
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("elm327: decode %s: %v", e.PID, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// classifyConnError maps a dial failure onto the ConnError taxonomy.
func classifyConnError(err error) *ConnError {
	kind := ConnOther
	var ne net.Error
	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		kind = ConnRefused
	case errors.Is(err, syscall.ECONNRESET):
		kind = ConnReset
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded):
		kind = ConnTimeout
	case errors.As(err, &ne) && ne.Timeout():
		kind = ConnTimeout
	}
	return &ConnError{Kind: kind, Err: err}
}

// isTimeout reports whether an I/O error came from an expired deadline.
func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
