package realtime

import (
	"errors"
	"fmt"
)

// ConnectErrorKind classifies why a connect attempt failed.
type ConnectErrorKind string

const (
	// ErrKindDevice covers microphone permission denied or capture device
	// unavailable.
	ErrKindDevice ConnectErrorKind = "device"
	// ErrKindCredential covers the broker returning non-success.
	ErrKindCredential ConnectErrorKind = "credential"
	// ErrKindNegotiation covers a failed event-channel handshake.
	ErrKindNegotiation ConnectErrorKind = "negotiation"
	// ErrKindUpstream covers the remote endpoint refusing the negotiated
	// session.
	ErrKindUpstream ConnectErrorKind = "upstream"
)

// ConnectError is surfaced when Connect aborts. The session is always back
// in StateIdle when one is returned.
type ConnectError struct {
	Kind ConnectErrorKind
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect failed (%s): %v", e.Kind, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

func connectErr(kind ConnectErrorKind, err error) *ConnectError {
	return &ConnectError{Kind: kind, Err: err}
}

// ConnectKind extracts the kind from an error chain, if present.
func ConnectKind(err error) (ConnectErrorKind, bool) {
	var ce *ConnectError
	if errors.As(err, &ce) {
		return ce.Kind, true
	}
	return "", false
}

var (
	// ErrSessionClosed is returned when an operation is attempted on a
	// handle that has already reached StateClosed. Handles are single-use.
	ErrSessionClosed = errors.New("session closed")
	// ErrAlreadyConnected is returned by Connect on a live handle.
	ErrAlreadyConnected = errors.New("session already connected")
	// ErrNotConnected is returned by send paths outside StateConnected.
	ErrNotConnected = errors.New("session not connected")
)

// NoticeSource identifies which collaborator produced a non-fatal notice.
type NoticeSource string

const (
	NoticeSourceProtocol    NoticeSource = "protocol"
	NoticeSourceUpstream    NoticeSource = "upstream"
	NoticeSourcePersistence NoticeSource = "persistence"
)

// Notice is a non-fatal diagnostic surfaced to the caller. Notices never
// terminate the session; they exist so no error is silently swallowed.
type Notice struct {
	Source    NoticeSource
	Code      string
	Detail    string
	Retryable bool
}
