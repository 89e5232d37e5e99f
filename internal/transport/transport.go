// Package transport is the socket layer beneath a multiplexed connection:
// one message-oriented, ordered, full-duplex socket per dial.
package transport

import (
	"context"
	"errors"
	"fmt"
	"strconv"
)

var (
	ErrClosed = errors.New("transport: socket closed")
)

// Handler receives everything a socket reads. Calls are made from a single
// goroutine in arrival order.
type Handler interface {
	HandleMessage(data string)
	HandleClose(err error)
}

// Socket is one live connection.
type Socket interface {
	// Send writes one text message. Callers serialize Send.
	Send(data string) error
	// Close tears the socket down. Closing twice is not an error.
	Close() error
	// Run reads until the socket fails or is closed, then calls
	// h.HandleClose exactly once and returns.
	Run(h Handler)
}

// Dialer opens sockets to websocket URLs.
type Dialer interface {
	Dial(ctx context.Context, url string) (Socket, error)
}

// CloseError carries the code and reason of a close handshake.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("transport: closed with code %d", e.Code)
	}
	return fmt.Sprintf("transport: closed with code %d: %s", e.Code, e.Reason)
}

// Reason extracts a human readable close reason from err.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	var ce *CloseError
	if errors.As(err, &ce) {
		if ce.Reason != "" {
			return ce.Reason
		}
		return strconv.Itoa(ce.Code)
	}
	return err.Error()
}
