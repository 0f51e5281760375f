package streamclient

import (
	"context"
	"sync"
	"time"
)

// Client runs a Subscription whenever enabled reports true. Typically enabled
// is backed by the session coordinator: no valid session, no stream.
type Client struct {
	cfg          Config
	creds        Credentials
	enabled      func() bool
	onEvent      Handler
	gateInterval time.Duration

	mu  sync.Mutex
	sub *Subscription
}

func NewClient(cfg Config, creds Credentials, enabled func() bool, onEvent Handler) *Client {
	return &Client{
		cfg:          cfg,
		creds:        creds,
		enabled:      enabled,
		onEvent:      onEvent,
		gateInterval: time.Second,
	}
}

// SetGateInterval changes how often the enabled predicate is evaluated.
func (c *Client) SetGateInterval(d time.Duration) {
	if d > 0 {
		c.gateInterval = d
	}
}

// Run blocks until ctx is done. A subscription that disabled itself after a
// failed refresh stays down until enabled flips to false and back.
func (c *Client) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.gateInterval)
	defer ticker.Stop()
	defer c.stop()

	c.check(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.check(ctx)
		}
	}
}

func (c *Client) check(ctx context.Context) {
	on := c.enabled()

	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case on && c.sub == nil:
		c.sub = Start(ctx, c.cfg, c.creds, c.onEvent)
	case !on && c.sub != nil:
		c.sub.Close()
		c.sub = nil
	}
}

func (c *Client) stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sub != nil {
		c.sub.Close()
		c.sub = nil
	}
}

// State of the current subscription, Disabled when none is running.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sub == nil {
		return Disabled
	}
	return c.sub.State()
}

func (c *Client) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sub == nil {
		return Stats{}
	}
	return c.sub.Stats()
}
