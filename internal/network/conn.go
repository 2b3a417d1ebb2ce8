// Package network abstracts the message-oriented transports a chat session
// runs over. A Conn moves whole frames; how they are delimited (WebSocket
// messages, length-prefixed QUIC stream records, in-memory channels) is the
// transport's business.
package network

import (
	"fmt"

	"github.com/pkg/errors"
)

// Close codes. WebSocket connections send them in the close frame, QUIC
// connections as the application error code.
const (
	CodeNormal            = 1000
	CodeGoingAway         = 1001
	CodeMissingJoinFields = 1008
	CodeChatFull          = 4001
	CodeJoinRequired      = 4003
	CodeJoinTimeout       = 4008
)

const (
	ReasonMissingJoinFields = "Username and public key are required."
	ReasonChatFull          = "chat full"
	ReasonJoinRequired      = "Client must 'join' before sending messages."
	ReasonJoinTimeout       = "join timeout"
	ReasonGoingAway         = "relay shutting down"
)

// ErrClosed is returned when writing to a connection that is no longer open.
var ErrClosed = errors.New("connection closed")

// Conn is one bidirectional frame connection. ReadFrame must only be called
// from a single goroutine; WriteFrame and Close are safe for concurrent use.
type Conn interface {
	// ID uniquely names the connection for logging.
	ID() string
	RemoteAddr() string

	// ReadFrame blocks for the next frame. When the peer closed with a code
	// the error is a *CloseError.
	ReadFrame() ([]byte, error)
	WriteFrame(b []byte) error

	// Close ends the connection, telling the peer why. Closing twice is a
	// no-op.
	Close(code int, reason string) error
}

// CloseError carries the code and reason a connection was closed with. A
// handler returning one asks for its connection to be closed.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("connection closed (%d): %s", e.Code, e.Reason)
}

// NewCloseError builds a CloseError.
func NewCloseError(code int, reason string) *CloseError {
	return &CloseError{Code: code, Reason: reason}
}

// AsCloseError unwraps err into a *CloseError when it is one.
func AsCloseError(err error) (*CloseError, bool) {
	var ce *CloseError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}
