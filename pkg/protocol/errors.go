package protocol

import "fmt"

// Error categories for the distribution subsystem. Connection errors are
// recovered locally (the affected peer is dropped), protocol errors cause the
// offending frame to be dropped, integrity errors abort the affected transfer
// session, and not-found errors are returned to the immediate caller.
type ConnectionError struct {
	PeerID string
	Err    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection error with peer %s: %v", e.PeerID, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error: %s", e.Reason)
}

type IntegrityError struct {
	Topic  string
	Reason string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity error on %s: %s", e.Topic, e.Reason)
}

type NotFoundError struct {
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("not found: %s", e.Name)
}

type ExhaustedRetriesError struct {
	Attempts int
}

func (e *ExhaustedRetriesError) Error() string {
	return fmt.Sprintf("reconnection abandoned after %d attempts", e.Attempts)
}
