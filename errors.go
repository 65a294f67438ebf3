package ts3query

import (
	"errors"
	"fmt"
)

var (
	// ErrConnectionClosed is returned for requests that were pending when the
	// connection went away, and for sends attempted while not connected.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrTimeout is returned when a request's deadline passes before its
	// response arrives.
	ErrTimeout = errors.New("request timed out")

	// ErrUnknownNotificationType is returned by Subscribe and
	// ParseNotificationType for kinds outside the supported set.
	ErrUnknownNotificationType = errors.New("unknown notification type")

	// ErrAlreadyConnected is returned by Connect when a connection is
	// already established or being established.
	ErrAlreadyConnected = errors.New("already connected")
)

// ProtocolError is a non-zero terminal status returned by the server.
type ProtocolError struct {
	// ID is the server's error code.
	ID int
	// Message is the unescaped msg field.
	Message string
	// ExtraMessage carries extra_msg when the server sends it.
	ExtraMessage string
	// FailedPermID is the permission that was missing, if reported.
	FailedPermID int
}

func (e *ProtocolError) Error() string {
	msg := fmt.Sprintf("server error %d: %s", e.ID, e.Message)
	if e.ExtraMessage != "" {
		msg += " (" + e.ExtraMessage + ")"
	}
	if e.FailedPermID != 0 {
		msg += fmt.Sprintf(" [failed_permid=%d]", e.FailedPermID)
	}
	return msg
}

// MalformedResponseError reports a line that should have been part of a
// response but could not be decoded.
type MalformedResponseError struct {
	Line   string
	Reason string
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("malformed response %q: %s", e.Line, e.Reason)
}

// IsProtocolError reports whether err carries a ProtocolError with the given id.
func IsProtocolError(err error, id int) bool {
	var pErr *ProtocolError
	if !errors.As(err, &pErr) {
		return false
	}
	return pErr.ID == id
}
