// Package session keeps a set of peers (terminal tabs, watcher processes)
// agreeing on one login session: who refreshed the token last, whether the
// session was extended, and when it expired.
package session

import (
	"context"
	"time"

	"github.com/programme-lv/submfeed/auth"
)

type Kind string

const (
	KindExtended  Kind = "SESSION_EXTENDED"
	KindExpired   Kind = "SESSION_EXPIRED"
	KindRefreshed Kind = "TOKEN_REFRESHED"
)

// Message travels between peers. Tokens accompany KindExtended and
// KindRefreshed so that peers can adopt the new credential without calling
// the refresh endpoint themselves.
type Message struct {
	Kind     Kind            `json:"type"`
	ClientID string          `json:"clientId"`
	SentAt   time.Time       `json:"timestamp"`
	Tokens   *auth.TokenPair `json:"tokens,omitempty"`
	// Nonce makes repeated identical messages distinguishable to pollers.
	Nonce string `json:"nonce,omitempty"`
}

// Broadcaster delivers messages to every listening peer, including the
// sender. Receivers filter their own messages by ClientID.
type Broadcaster interface {
	Post(ctx context.Context, msg Message) error
	// Listen returns a channel that is closed when ctx ends or the
	// broadcaster is closed.
	Listen(ctx context.Context) (<-chan Message, error)
	Close() error
}

const listenBuffer = 16

// offer sends msg without blocking; when the buffer is full the oldest
// queued message is dropped.
func offer(ch chan Message, msg Message) {
	for {
		select {
		case ch <- msg:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
