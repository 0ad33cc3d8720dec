package protocol

import (
	"errors"
	"fmt"
	"net"
)

var (
	ErrUnsupportedTransport = errors.New("unsupported transport")
	ErrMissingParam         = errors.New("missing handler parameter")
	ErrNotConnected         = errors.New("handler not connected")
)

// ConnectError is returned by Connect; the handler is left disconnected.
type ConnectError struct {
	Transport Kind
	Target    string
	Err       error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("%s connect %s: %v", e.Transport, e.Target, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// ReceiveError is returned by ReceiveNext for transport failures. A
// "nothing arrived" outcome is not an error.
type ReceiveError struct {
	Transport Kind
	Source    string
	Err       error
}

func (e *ReceiveError) Error() string {
	return fmt.Sprintf("%s receive %s: %v", e.Transport, e.Source, e.Err)
}

func (e *ReceiveError) Unwrap() error { return e.Err }

// Timeout reports whether the failure was a deadline.
func (e *ReceiveError) Timeout() bool {
	var ne net.Error
	return errors.As(e.Err, &ne) && ne.Timeout()
}

type UnsupportedTransportError struct {
	Kind string
}

func (e *UnsupportedTransportError) Error() string {
	return fmt.Sprintf("unsupported transport %q", e.Kind)
}

func (e *UnsupportedTransportError) Is(target error) bool {
	return target == ErrUnsupportedTransport
}
