// Package streamclient consumes the submission event stream: a long-lived
// server-sent events connection plus a slower poll of the catch-up endpoint.
// Both sources are at-least-once; events are deduplicated before they reach
// the handler. No order is guaranteed between the two sources.
package streamclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/programme-lv/submfeed/submevent"
	"golang.org/x/sync/errgroup"
)

// Credentials supplies the bearer token for both transports.
type Credentials interface {
	AccessToken() string
	// Refresh obtains a new access token. An error disables the subscription.
	Refresh(ctx context.Context) (string, error)
}

// Handler receives each logical event at most once. Calls are serialized.
// It must not call Close on its own subscription.
type Handler func(ev submevent.Event)

type Config struct {
	BaseURL     string
	StreamPath  string
	UpdatesPath string

	PollInterval     time.Duration
	RetryDelay       time.Duration
	HeartbeatTimeout time.Duration
	DedupCapacity    int

	HTTPClient *http.Client
	Logger     *slog.Logger
	// OnState, if set, observes state machine transitions.
	OnState func(State)
}

func (c Config) withDefaults() Config {
	if c.StreamPath == "" {
		c.StreamPath = "/submissions/stream"
	}
	if c.UpdatesPath == "" {
		c.UpdatesPath = "/submissions/updates"
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 8 * time.Second
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 3 * time.Second
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 45 * time.Second
	}
	if c.DedupCapacity <= 0 {
		c.DedupCapacity = 500
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

func joinPath(base, path string) string {
	if path != "" && !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return strings.TrimRight(base, "/") + path
}

type Stats struct {
	Delivered  int64
	Duplicates int64
	Malformed  int64
	Connects   int64
	Polls      int64
}

// Subscription is one enabled instance of the stream state machine. A fresh
// subscription starts with an empty dedup set.
type Subscription struct {
	cfg     Config
	creds   Credentials
	onEvent Handler
	log     *slog.Logger

	// mu guards the dedup state and serializes handler calls.
	mu       sync.Mutex
	seen     *seenSet
	lastSeen time.Time
	closed   atomic.Bool

	state atomic.Int32

	delivered  atomic.Int64
	duplicates atomic.Int64
	malformed  atomic.Int64
	connects   atomic.Int64
	polls      atomic.Int64

	cancel context.CancelFunc
	done   chan struct{}
}

// Start enables a subscription. It runs until ctx ends, Close is called, or a
// credential refresh fails.
func Start(ctx context.Context, cfg Config, creds Credentials, onEvent Handler) *Subscription {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(ctx)
	s := &Subscription{
		cfg:     cfg,
		creds:   creds,
		onEvent: onEvent,
		log:     cfg.Logger.With("component", "streamclient"),
		seen:    newSeenSet(cfg.DedupCapacity),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	s.setState(Connecting)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.streamLoop(gctx) })
	g.Go(func() error { return s.pollLoop(gctx) })
	go func() {
		err := g.Wait()
		if errors.Is(err, errDisabled) {
			s.log.Warn("submission stream disabled after failed credential refresh")
		}
		s.setState(Disabled)
		close(s.done)
	}()
	return s
}

// Close aborts outstanding requests and stops both loops. No handler call
// happens after Close returns.
func (s *Subscription) Close() {
	s.closed.Store(true)
	s.cancel()
	<-s.done
}

// Done is closed once the subscription has fully stopped.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

func (s *Subscription) State() State {
	return State(s.state.Load())
}

func (s *Subscription) Stats() Stats {
	return Stats{
		Delivered:  s.delivered.Load(),
		Duplicates: s.duplicates.Load(),
		Malformed:  s.malformed.Load(),
		Connects:   s.connects.Load(),
		Polls:      s.polls.Load(),
	}
}

func (s *Subscription) setState(st State) {
	if State(s.state.Swap(int32(st))) == st {
		return
	}
	if s.cfg.OnState != nil {
		s.cfg.OnState(st)
	}
}

// LastSeen is the newest emittedAt observed so far; used as the poll cursor.
func (s *Subscription) LastSeen() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

func (s *Subscription) deliver(ev submevent.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return
	}

	if key := ev.DedupKey(); key != "" {
		if s.seen.Has(key) {
			s.duplicates.Add(1)
			return
		}
		s.seen.Add(key)
	}
	if ev.EmittedAt.After(s.lastSeen) {
		s.lastSeen = ev.EmittedAt
	}
	s.delivered.Add(1)
	if s.onEvent != nil {
		s.onEvent(ev)
	}
}

// streamLoop drives Connecting -> Streaming -> Backoff -> Connecting until
// the context ends or the machine reaches Disabled.
func (s *Subscription) streamLoop(ctx context.Context) error {
	retry := backoff.NewConstantBackOff(s.cfg.RetryDelay)
	state := Connecting
	justRefreshed := false

	for {
		if ctx.Err() != nil {
			return nil
		}
		s.setState(state)

		switch state {
		case Connecting:
			if s.creds.AccessToken() == "" {
				if _, err := s.creds.Refresh(ctx); err != nil {
					state = Disabled
					continue
				}
			}
			opened, err := s.connect(ctx)
			if ctx.Err() != nil {
				return nil
			}
			if opened {
				justRefreshed = false
			}
			switch {
			case errors.Is(err, ErrUnauthorized) && justRefreshed:
				s.log.Warn("stream rejected freshly refreshed token")
				justRefreshed = false
				state = Backoff
			case errors.Is(err, ErrUnauthorized):
				if _, rerr := s.creds.Refresh(ctx); rerr != nil {
					s.log.Warn("credential refresh failed", "error", rerr)
					state = Disabled
					continue
				}
				justRefreshed = true
			default:
				s.log.Debug("stream connection ended", "error", err)
				state = Backoff
			}

		case Backoff:
			timer := time.NewTimer(retry.NextBackOff())
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil
			case <-timer.C:
			}
			state = Connecting

		case Disabled:
			return errDisabled
		}
	}
}

// connect opens the push channel and consumes it until it breaks. opened
// reports whether a 2xx response was received.
func (s *Subscription) connect(ctx context.Context) (opened bool, err error) {
	reqCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, joinPath(s.cfg.BaseURL, s.cfg.StreamPath), nil)
	if err != nil {
		return false, fmt.Errorf("failed to build stream request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.creds.AccessToken())
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	// the watchdog also covers a server that accepts the connection but
	// never sends response headers
	watchdog := time.AfterFunc(s.cfg.HeartbeatTimeout, func() { cancel(ErrStalled) })
	defer watchdog.Stop()

	s.connects.Add(1)
	resp, err := s.cfg.HTTPClient.Do(req)
	if err != nil {
		if errors.Is(context.Cause(reqCtx), ErrStalled) {
			return false, ErrStalled
		}
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return false, ErrUnauthorized
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return false, &StatusError{Code: resp.StatusCode}
	}
	s.setState(Streaming)

	watchdog.Reset(s.cfg.HeartbeatTimeout)
	body := activityReader{r: resp.Body, touch: func() { watchdog.Reset(s.cfg.HeartbeatTimeout) }}

	frames := newFrameReader(body)
	for {
		f, err := frames.Next()
		if err != nil {
			if cause := context.Cause(reqCtx); errors.Is(cause, ErrStalled) {
				return true, ErrStalled
			}
			if errors.Is(err, io.EOF) {
				return true, ErrClosed
			}
			return true, err
		}
		if f.Event == eventHeartbeat || f.Data == "" {
			continue
		}
		ev, ok := submevent.Decode([]byte(f.Data))
		if !ok {
			s.malformed.Add(1)
			s.log.Warn("failed to parse stream payload", "event", f.Event)
			continue
		}
		s.deliver(ev)
	}
}

type updatesResponse struct {
	Items []json.RawMessage `json:"items"`
}

func (s *Subscription) pollLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.poll(ctx); err != nil && ctx.Err() == nil {
				s.log.Debug("poll failed", "error", err)
			}
		}
	}
}

func (s *Subscription) poll(ctx context.Context) error {
	u := joinPath(s.cfg.BaseURL, s.cfg.UpdatesPath)
	if since := s.LastSeen(); !since.IsZero() {
		u += "?" + url.Values{"since": {submevent.FormatTime(since)}}.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+s.creds.AccessToken())
	req.Header.Set("Accept", "application/json")

	s.polls.Add(1)
	resp, err := s.cfg.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Code: resp.StatusCode}
	}

	var body updatesResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("failed to decode updates: %w", err)
	}
	for _, raw := range body.Items {
		ev, ok := submevent.Decode(raw)
		if !ok {
			s.malformed.Add(1)
			continue
		}
		s.deliver(ev)
	}
	return nil
}
