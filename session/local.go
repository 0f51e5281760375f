package session

import (
	"context"
	"errors"
	"sync"
)

var ErrBroadcasterClosed = errors.New("session: broadcaster closed")

// LocalHub connects broadcasters living in one process.
type LocalHub struct {
	mu        sync.Mutex
	listeners map[int]chan Message
	nextID    int
}

func NewLocalHub() *LocalHub {
	return &LocalHub{listeners: make(map[int]chan Message)}
}

// Broadcaster returns a new peer attached to the hub.
func (h *LocalHub) Broadcaster() *LocalBroadcaster {
	return &LocalBroadcaster{hub: h, owned: make(map[int]struct{}), done: make(chan struct{})}
}

func (h *LocalHub) post(msg Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.listeners {
		offer(ch, msg)
	}
}

func (h *LocalHub) add() (int, chan Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextID
	h.nextID++
	ch := make(chan Message, listenBuffer)
	h.listeners[id] = ch
	return id, ch
}

func (h *LocalHub) remove(id int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.listeners[id]; ok {
		delete(h.listeners, id)
		close(ch)
	}
}

type LocalBroadcaster struct {
	hub *LocalHub

	mu     sync.Mutex
	owned  map[int]struct{}
	closed bool
	done   chan struct{}
}

var _ Broadcaster = (*LocalBroadcaster)(nil)

func (b *LocalBroadcaster) Post(ctx context.Context, msg Message) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrBroadcasterClosed
	}
	b.hub.post(msg)
	return nil
}

func (b *LocalBroadcaster) Listen(ctx context.Context) (<-chan Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBroadcasterClosed
	}

	id, ch := b.hub.add()
	b.owned[id] = struct{}{}
	go func() {
		select {
		case <-ctx.Done():
		case <-b.done:
		}
		b.release(id)
	}()
	return ch, nil
}

func (b *LocalBroadcaster) release(id int) {
	b.mu.Lock()
	_, ok := b.owned[id]
	delete(b.owned, id)
	b.mu.Unlock()
	if ok {
		b.hub.remove(id)
	}
}

func (b *LocalBroadcaster) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.done)
	ids := make([]int, 0, len(b.owned))
	for id := range b.owned {
		ids = append(ids, id)
	}
	b.mu.Unlock()
	for _, id := range ids {
		b.release(id)
	}
	return nil
}
