package streamclient

import (
	"errors"
	"fmt"
)

type State int

const (
	Disabled State = iota
	Connecting
	Streaming
	Backoff
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Streaming:
		return "streaming"
	case Backoff:
		return "backoff"
	default:
		return "disabled"
	}
}

var (
	ErrUnauthorized = errors.New("stream: unauthorized")
	ErrClosed       = errors.New("stream: connection closed by server")
	ErrStalled      = errors.New("stream: no data within heartbeat timeout")
	errDisabled     = errors.New("stream: subscription disabled")
)

// StatusError is returned for non-2xx responses other than 401.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("stream: unexpected status %d", e.Code)
}
