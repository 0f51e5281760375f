package eventstore

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/programme-lv/submfeed/submevent"
)

const DefaultCapacity = 500

type Listener func(ev submevent.Event)

type subscriber struct {
	id uint64
	fn Listener
}

// Store keeps the most recent submission events in a bounded ring and fans
// every newly published event out to the attached listeners.
type Store struct {
	capacity int
	now      func() time.Time
	logger   *slog.Logger
	ids      submevent.IDGen

	mu      sync.RWMutex
	ring    []submevent.Event
	subs    []subscriber
	nextSub uint64

	// pending holds appended events awaiting fan-out, in ring order. Only the
	// goroutine that set dispatching drains it.
	pending     []submevent.Event
	dispatching bool

	published uint64
	evicted   uint64
}

type Option func(*Store)

func WithCapacity(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.capacity = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

func New(opts ...Option) *Store {
	s := &Store{
		capacity: DefaultCapacity,
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.ring = make([]submevent.Event, 0, s.capacity)
	return s
}

// Publish stamps the event, appends it to the ring and notifies every
// listener in registration order. A nil event is ignored.
//
// Fan-out order always equals ring order. When Publish is called while
// another fan-out is in progress, including from inside a listener, the
// event is queued and delivered by the goroutine already dispatching once
// the current notifications finish; Publish then returns without waiting.
func (s *Store) Publish(ev *submevent.Event) {
	if ev == nil {
		return
	}

	s.mu.Lock()
	now := s.now().UTC()
	enriched := *ev
	if enriched.EventID == "" {
		enriched.EventID = s.ids.Next(enriched.SubjectID, now)
	}
	enriched.EmittedAt = now
	if enriched.Type == "" {
		enriched.Type = submevent.TypeUpdate
	}

	s.ring = append(s.ring, enriched)
	if over := len(s.ring) - s.capacity; over > 0 {
		n := copy(s.ring, s.ring[over:])
		clear(s.ring[n:])
		s.ring = s.ring[:n]
		s.evicted += uint64(over)
	}
	s.published++
	s.pending = append(s.pending, enriched)
	drain := !s.dispatching
	s.dispatching = true
	s.mu.Unlock()

	*ev = enriched
	if drain {
		s.dispatch()
	}
}

// dispatch delivers queued events until none are left.
func (s *Store) dispatch() {
	for {
		s.mu.Lock()
		if len(s.pending) == 0 {
			s.pending = nil
			s.dispatching = false
			s.mu.Unlock()
			return
		}
		next := s.pending[0]
		s.pending[0] = submevent.Event{}
		s.pending = s.pending[1:]
		subs := make([]subscriber, len(s.subs))
		copy(subs, s.subs)
		s.mu.Unlock()

		for _, sub := range subs {
			s.notify(sub, next)
		}
	}
}

// PublishJSON publishes a raw JSON object. Input that is not a JSON object is
// dropped without error so that a bad publisher cannot disturb subscribers.
func (s *Store) PublishJSON(raw []byte) (submevent.Event, bool) {
	ev, ok := submevent.Decode(raw)
	if !ok {
		return submevent.Event{}, false
	}
	s.Publish(&ev)
	return ev, true
}

func (s *Store) notify(sub subscriber, ev submevent.Event) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("submission event listener panicked",
				"listener", sub.id,
				"event_id", ev.EventID,
				"panic", fmt.Sprint(r))
		}
	}()
	sub.fn(ev)
}

// Subscribe attaches fn to the bus. The returned function detaches exactly
// this listener and may be called any number of times.
func (s *Store) Subscribe(fn Listener) func() {
	if fn == nil {
		return func() {}
	}
	s.mu.Lock()
	s.nextSub++
	id := s.nextSub
	s.subs = append(s.subs, subscriber{id: id, fn: fn})
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			for i, sub := range s.subs {
				if sub.id == id {
					s.subs = append(s.subs[:i:i], s.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// QueryEventsSince returns a copy of the retained events emitted strictly
// after since. An empty or unparsable timestamp yields the whole ring.
func (s *Store) QueryEventsSince(since string) []submevent.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := submevent.ParseTime(since)
	if !ok {
		res := make([]submevent.Event, len(s.ring))
		copy(res, s.ring)
		return res
	}

	res := make([]submevent.Event, 0)
	for _, ev := range s.ring {
		if ev.EmittedAt.After(t) {
			res = append(res, ev)
		}
	}
	return res
}

func (s *Store) Snapshot() []submevent.Event {
	return s.QueryEventsSince("")
}

// Restore seeds the ring with previously retained events without notifying
// listeners. Only the newest capacity events are kept.
func (s *Store) Restore(events []submevent.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if over := len(events) - s.capacity; over > 0 {
		events = events[over:]
	}
	s.ring = append(make([]submevent.Event, 0, s.capacity), events...)
}

// Reset drops all retained events, undelivered ones included, and detaches
// every listener.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ring = make([]submevent.Event, 0, s.capacity)
	s.pending = nil
	s.subs = nil
	s.published = 0
	s.evicted = 0
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.ring)
}

type Stats struct {
	Retained    int    `json:"retained"`
	Capacity    int    `json:"capacity"`
	Subscribers int    `json:"subscribers"`
	Published   uint64 `json:"published"`
	Evicted     uint64 `json:"evicted"`
}

func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stats{
		Retained:    len(s.ring),
		Capacity:    s.capacity,
		Subscribers: len(s.subs),
		Published:   s.published,
		Evicted:     s.evicted,
	}
}
