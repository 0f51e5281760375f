package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/programme-lv/submfeed/auth"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

var ErrNoSession = errors.New("session: no refresh token")

// Refresher exchanges a refresh token for a new token pair.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (auth.TokenPair, error)
}

const (
	DefaultMinTouchInterval = time.Minute
	DefaultRefreshInterval  = 5 * time.Second
	DefaultRefreshLead      = 30 * time.Second
	DefaultCheckInterval    = time.Second
)

type Option func(*Coordinator)

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

func WithLogger(log *slog.Logger) Option {
	return func(c *Coordinator) { c.log = log }
}

// WithMinTouchInterval bounds how often Touch may extend the session.
func WithMinTouchInterval(d time.Duration) Option {
	return func(c *Coordinator) { c.minTouch = d }
}

// WithRefreshInterval is the minimum spacing between calls to the refresh
// endpoint from this coordinator.
func WithRefreshInterval(d time.Duration) Option {
	return func(c *Coordinator) { c.limiter = rate.NewLimiter(rate.Every(d), 1) }
}

// WithRefreshLead makes Run refresh the access token this long before it
// lapses.
func WithRefreshLead(d time.Duration) Option {
	return func(c *Coordinator) { c.refreshLead = d }
}

func WithCheckInterval(d time.Duration) Option {
	return func(c *Coordinator) { c.checkInterval = d }
}

// WithOnExpire registers a callback run once each time the session ends,
// whether locally or because a peer reported it.
func WithOnExpire(fn func()) Option {
	return func(c *Coordinator) { c.onExpire = fn }
}

// Coordinator owns the credentials of one peer and keeps them in step with
// its siblings through a Broadcaster. It satisfies streamclient.Credentials.
type Coordinator struct {
	id        string
	bc        Broadcaster
	refresher Refresher
	log       *slog.Logger
	now       func() time.Time

	minTouch      time.Duration
	refreshLead   time.Duration
	checkInterval time.Duration
	limiter       *rate.Limiter
	flight        singleflight.Group
	onExpire      func()

	mu        sync.RWMutex
	tokens    auth.TokenPair
	lastTouch time.Time
	expired   bool
}

func NewCoordinator(bc Broadcaster, refresher Refresher, opts ...Option) *Coordinator {
	c := &Coordinator{
		id:            uuid.NewString(),
		bc:            bc,
		refresher:     refresher,
		log:           slog.Default(),
		now:           time.Now,
		minTouch:      DefaultMinTouchInterval,
		refreshLead:   DefaultRefreshLead,
		checkInterval: DefaultCheckInterval,
		limiter:       rate.NewLimiter(rate.Every(DefaultRefreshInterval), 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With("component", "session", "clientId", c.id)
	return c
}

func (c *Coordinator) ID() string {
	return c.id
}

// SetTokens installs credentials obtained out of band, e.g. from a login.
// A zero ExpiresAt is read from the access token's exp claim.
func (c *Coordinator) SetTokens(pair auth.TokenPair) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setTokensLocked(pair)
}

func (c *Coordinator) setTokensLocked(pair auth.TokenPair) {
	if pair.ExpiresAt.IsZero() {
		if exp, ok := auth.ExpiryOf(pair.AccessToken); ok {
			pair.ExpiresAt = exp
		}
	}
	c.tokens = pair
	c.expired = false
}

func (c *Coordinator) Tokens() auth.TokenPair {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tokens
}

// Enabled reports whether a non-expired access token is held.
func (c *Coordinator) Enabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tokens.AccessToken != "" && c.now().Before(c.tokens.ExpiresAt)
}

func (c *Coordinator) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tokens.AccessToken
}

// Refresh obtains a new access token. Concurrent callers share one request and
// calls are spaced by the refresh interval; a token adopted from a peer while
// waiting is returned instead of refreshing again. A rejected refresh ends the
// session for every peer.
func (c *Coordinator) Refresh(ctx context.Context) (string, error) {
	v, err, _ := c.flight.Do("refresh", func() (any, error) {
		return c.refresh(ctx, KindRefreshed)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (c *Coordinator) refresh(ctx context.Context, kind Kind) (string, error) {
	before := c.AccessToken()
	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}

	c.mu.RLock()
	current := c.tokens
	c.mu.RUnlock()
	if current.AccessToken != before && current.AccessToken != "" && c.now().Before(current.ExpiresAt) {
		return current.AccessToken, nil
	}
	if current.RefreshToken == "" {
		return "", ErrNoSession
	}

	pair, err := c.refresher.Refresh(ctx, current.RefreshToken)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		c.expire(ctx)
		return "", fmt.Errorf("failed to refresh session: %w", err)
	}

	c.mu.Lock()
	c.setTokensLocked(pair)
	if kind == KindExtended {
		c.lastTouch = c.now()
	}
	pair = c.tokens
	c.mu.Unlock()

	c.post(ctx, kind, &pair)
	return pair.AccessToken, nil
}

// Touch records user activity. At most once per minimum touch interval it
// extends the session by refreshing and tells peers with SESSION_EXTENDED.
func (c *Coordinator) Touch(ctx context.Context) error {
	if !c.Enabled() {
		return nil
	}
	c.mu.Lock()
	now := c.now()
	if !c.lastTouch.IsZero() && now.Sub(c.lastTouch) < c.minTouch {
		c.mu.Unlock()
		return nil
	}
	prev := c.lastTouch
	c.lastTouch = now
	c.mu.Unlock()

	led := false
	_, err, _ := c.flight.Do("refresh", func() (any, error) {
		led = true
		return c.refresh(ctx, KindExtended)
	})
	if err != nil {
		c.mu.Lock()
		c.lastTouch = prev
		c.mu.Unlock()
		return err
	}
	if !led {
		// joined a plain refresh, which peers do not count as activity
		c.mu.Lock()
		c.lastTouch = c.now()
		pair := c.tokens
		c.mu.Unlock()
		c.post(ctx, KindExtended, &pair)
	}
	return nil
}

// Expire ends the session locally and tells every peer.
func (c *Coordinator) Expire(ctx context.Context) {
	c.expire(ctx)
}

func (c *Coordinator) expire(ctx context.Context) {
	if c.clear() {
		c.post(ctx, KindExpired, nil)
	}
}

// clear drops the credentials. It reports false when the session had already
// been marked expired.
func (c *Coordinator) clear() bool {
	c.mu.Lock()
	if c.expired {
		c.mu.Unlock()
		return false
	}
	c.expired = true
	c.tokens = auth.TokenPair{}
	c.lastTouch = time.Time{}
	c.mu.Unlock()

	c.log.Info("session expired")
	if c.onExpire != nil {
		c.onExpire()
	}
	return true
}

func (c *Coordinator) post(ctx context.Context, kind Kind, tokens *auth.TokenPair) {
	msg := Message{
		Kind:     kind,
		ClientID: c.id,
		SentAt:   c.now().UTC(),
		Tokens:   tokens,
	}
	if err := c.bc.Post(ctx, msg); err != nil {
		c.log.Warn("failed to broadcast session message", "type", kind, "error", err)
	}
}

// Run follows peer messages and refreshes the access token shortly before it
// lapses. It returns when ctx ends.
func (c *Coordinator) Run(ctx context.Context) error {
	msgs, err := c.bc.Listen(ctx)
	if err != nil {
		return fmt.Errorf("failed to listen for session messages: %w", err)
	}
	ticker := time.NewTicker(c.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			c.handle(msg)
		case <-ticker.C:
			c.checkExpiry(ctx)
		}
	}
}

func (c *Coordinator) checkExpiry(ctx context.Context) {
	c.mu.RLock()
	tokens := c.tokens
	c.mu.RUnlock()
	if tokens.AccessToken == "" || tokens.ExpiresAt.IsZero() {
		return
	}
	if c.now().Before(tokens.ExpiresAt.Add(-c.refreshLead)) {
		return
	}
	if _, err := c.Refresh(ctx); err != nil && ctx.Err() == nil {
		c.log.Warn("scheduled token refresh failed", "error", err)
		if errors.Is(err, ErrNoSession) && !c.now().Before(tokens.ExpiresAt) {
			c.expire(ctx)
		}
	}
}

func (c *Coordinator) handle(msg Message) {
	if msg.ClientID == c.id {
		return
	}
	switch msg.Kind {
	case KindExtended, KindRefreshed:
		if msg.Tokens == nil || msg.Tokens.AccessToken == "" {
			return
		}
		c.mu.Lock()
		incoming := *msg.Tokens
		if incoming.ExpiresAt.IsZero() {
			incoming.ExpiresAt, _ = auth.ExpiryOf(incoming.AccessToken)
		}
		if c.tokens.AccessToken == "" || incoming.ExpiresAt.After(c.tokens.ExpiresAt) {
			c.setTokensLocked(incoming)
		}
		if msg.Kind == KindExtended {
			c.lastTouch = c.now()
		}
		c.mu.Unlock()
		c.log.Debug("adopted session from peer", "type", msg.Kind, "peer", msg.ClientID)
	case KindExpired:
		c.clear()
	}
}
