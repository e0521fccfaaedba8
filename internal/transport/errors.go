package transport

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownPeer is returned when sending to a node id with no live connection.
	ErrUnknownPeer = errors.New("unknown peer")
	// ErrClosed is returned by operations on a closed transport.
	ErrClosed = errors.New("transport closed")
	// ErrGaveUp matches every GiveUpError.
	ErrGaveUp = errors.New("send gave up")
)

// DecodeError reports a frame that could not be decoded into an envelope.
type DecodeError struct {
	NodeID string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.NodeID == "" {
		return fmt.Sprintf("decode: %v", e.Err)
	}
	return fmt.Sprintf("decode frame from %s: %v", e.NodeID, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// TransportError reports a socket or network fault.
type TransportError struct {
	Op     string
	NodeID string
	Err    error
}

func (e *TransportError) Error() string {
	if e.NodeID == "" {
		return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("transport %s %s: %v", e.Op, e.NodeID, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// GiveUpError is returned once every send attempt has failed. The message
// has been dropped.
type GiveUpError struct {
	Attempts int
	Err      error
}

func (e *GiveUpError) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.Err)
}

func (e *GiveUpError) Unwrap() error { return e.Err }

func (e *GiveUpError) Is(target error) bool { return target == ErrGaveUp }
