package streamclient_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/programme-lv/submfeed/streamclient"
	"github.com/programme-lv/submfeed/submevent"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCreds struct {
	mu        sync.Mutex
	token     string
	refresh   func(ctx context.Context) (string, error)
	refreshes int
}

func (c *fakeCreds) AccessToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

func (c *fakeCreds) Refresh(ctx context.Context) (string, error) {
	c.mu.Lock()
	c.refreshes++
	fn := c.refresh
	c.mu.Unlock()
	if fn == nil {
		return "", errors.New("no refresh configured")
	}
	tok, err := fn(ctx)
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	c.token = tok
	c.mu.Unlock()
	return tok, nil
}

func (c *fakeCreds) Refreshes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refreshes
}

type recorder struct {
	mu     sync.Mutex
	events []submevent.Event
}

func (r *recorder) handle(ev submevent.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) snapshot() []submevent.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]submevent.Event(nil), r.events...)
}

func (r *recorder) count(eventID string) int {
	n := 0
	for _, ev := range r.snapshot() {
		if ev.EventID == eventID {
			n++
		}
	}
	return n
}

func sseHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	w.(http.Flusher).Flush()
}

func writeFrame(w http.ResponseWriter, event string, data string) {
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	w.(http.Flusher).Flush()
}

func eventJSON(t *testing.T, ev submevent.Event) string {
	t.Helper()
	raw, err := json.Marshal(ev)
	require.NoError(t, err)
	return string(raw)
}

func writeItems(t *testing.T, w http.ResponseWriter, items ...submevent.Event) {
	t.Helper()
	if items == nil {
		items = []submevent.Event{}
	}
	w.Header().Set("Content-Type", "application/json")
	require.NoError(t, json.NewEncoder(w).Encode(map[string]any{"items": items}))
}

func testConfig(baseURL string) streamclient.Config {
	return streamclient.Config{
		BaseURL:          baseURL,
		PollInterval:     20 * time.Millisecond,
		RetryDelay:       10 * time.Millisecond,
		HeartbeatTimeout: 2 * time.Second,
		Logger:           slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func sample(id, subject, status string, at time.Time) submevent.Event {
	return submevent.Event{
		EventID:   id,
		Type:      submevent.TypeUpdate,
		SubjectID: subject,
		EmittedAt: at,
		Status:    submevent.Ptr(status),
	}
}

func start(t *testing.T, cfg streamclient.Config, creds streamclient.Credentials, rec *recorder) *streamclient.Subscription {
	t.Helper()
	sub := streamclient.Start(context.Background(), cfg, creds, rec.handle)
	t.Cleanup(sub.Close)
	return sub
}

func TestDuplicateAcrossPushAndPollDeliveredOnce(t *testing.T) {
	e1 := sample("e1", "s1", "accepted", t0)
	var polls atomic.Int32

	mux := http.NewServeMux()
	mux.HandleFunc("/submissions/stream", func(w http.ResponseWriter, r *http.Request) {
		sseHeaders(w)
		writeFrame(w, "submission:update", eventJSON(t, e1))
		<-r.Context().Done()
	})
	mux.HandleFunc("/submissions/updates", func(w http.ResponseWriter, r *http.Request) {
		polls.Add(1)
		writeItems(t, w, e1)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	rec := &recorder{}
	sub := start(t, testConfig(srv.URL), &fakeCreds{token: "tok"}, rec)

	require.Eventually(t, func() bool { return polls.Load() >= 3 && rec.count("e1") == 1 },
		2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, rec.count("e1"))
	assert.GreaterOrEqual(t, sub.Stats().Duplicates, int64(1))
}

func TestSynthesizedIdsDeduplicate(t *testing.T) {
	noID := submevent.Event{SubjectID: "s1", EmittedAt: t0, Status: submevent.Ptr("queued")}

	mux := http.NewServeMux()
	mux.HandleFunc("/submissions/stream", func(w http.ResponseWriter, r *http.Request) {
		sseHeaders(w)
		writeFrame(w, "submission:update", eventJSON(t, noID))
		writeFrame(w, "submission:update", eventJSON(t, noID))
		<-r.Context().Done()
	})
	mux.HandleFunc("/submissions/updates", func(w http.ResponseWriter, r *http.Request) {
		writeItems(t, w, noID)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	rec := &recorder{}
	sub := start(t, testConfig(srv.URL), &fakeCreds{token: "tok"}, rec)

	require.Eventually(t, func() bool { return sub.Stats().Polls >= 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Len(t, rec.snapshot(), 1)
}

func TestUnauthorizedOnceThenRefresh(t *testing.T) {
	e1 := sample("e1", "s1", "running", t0)
	var attempts atomic.Int32

	mux := http.NewServeMux()
	mux.HandleFunc("/submissions/stream", func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		if r.Header.Get("Authorization") != "Bearer fresh" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		sseHeaders(w)
		writeFrame(w, "submission:update", eventJSON(t, e1))
		<-r.Context().Done()
	})
	mux.HandleFunc("/submissions/updates", func(w http.ResponseWriter, r *http.Request) {
		writeItems(t, w)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	creds := &fakeCreds{
		token:   "expired",
		refresh: func(context.Context) (string, error) { return "fresh", nil },
	}
	rec := &recorder{}
	cfg := testConfig(srv.URL)
	cfg.RetryDelay = time.Hour // a reconnect after 401 must not wait for backoff
	sub := start(t, cfg, creds, rec)

	require.Eventually(t, func() bool { return rec.count("e1") == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, creds.Refreshes())
	assert.Equal(t, int32(2), attempts.Load())
	assert.Equal(t, streamclient.Streaming, sub.State())
}

func TestFailedRefreshDisables(t *testing.T) {
	var attempts atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/submissions/stream", func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	})
	mux.HandleFunc("/submissions/updates", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	creds := &fakeCreds{
		token:   "expired",
		refresh: func(context.Context) (string, error) { return "", errors.New("refresh token revoked") },
	}
	sub := start(t, testConfig(srv.URL), creds, &recorder{})

	select {
	case <-sub.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("subscription did not disable itself")
	}
	assert.Equal(t, streamclient.Disabled, sub.State())
	assert.Equal(t, int32(1), attempts.Load())
	assert.Equal(t, 1, creds.Refreshes())
}

func TestPollDeliversWhenPushNeverResponds(t *testing.T) {
	e1 := sample("e1", "s1", "accepted", t0)
	var published atomic.Bool
	var sinceSeen sync.Map

	mux := http.NewServeMux()
	mux.HandleFunc("/submissions/stream", func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done() // never sends headers
	})
	mux.HandleFunc("/submissions/updates", func(w http.ResponseWriter, r *http.Request) {
		sinceSeen.Store(r.URL.Query().Get("since"), true)
		if published.Load() {
			writeItems(t, w, e1)
			return
		}
		writeItems(t, w)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	rec := &recorder{}
	cfg := testConfig(srv.URL)
	sub := start(t, cfg, &fakeCreds{token: "tok"}, rec)

	time.Sleep(3 * cfg.PollInterval)
	require.Empty(t, rec.snapshot())
	published.Store(true)

	require.Eventually(t, func() bool { return rec.count("e1") == 1 }, 10*cfg.PollInterval, 5*time.Millisecond)
	assert.Equal(t, streamclient.Connecting, sub.State())

	require.Eventually(t, func() bool {
		_, ok := sinceSeen.Load(submevent.FormatTime(t0))
		return ok
	}, 10*cfg.PollInterval, 5*time.Millisecond, "poll cursor must advance to the newest emittedAt")
}

func TestMalformedFrameIsDroppedAndConnectionKept(t *testing.T) {
	e1 := sample("e1", "s1", "running", t0)
	mux := http.NewServeMux()
	mux.HandleFunc("/submissions/stream", func(w http.ResponseWriter, r *http.Request) {
		sseHeaders(w)
		writeFrame(w, "submission:update", "{not json")
		writeFrame(w, "heartbeat", "")
		writeFrame(w, "submission:update", eventJSON(t, e1))
		<-r.Context().Done()
	})
	mux.HandleFunc("/submissions/updates", func(w http.ResponseWriter, r *http.Request) {
		writeItems(t, w)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	rec := &recorder{}
	sub := start(t, testConfig(srv.URL), &fakeCreds{token: "tok"}, rec)

	require.Eventually(t, func() bool { return rec.count("e1") == 1 }, 2*time.Second, 5*time.Millisecond)
	stats := sub.Stats()
	assert.Equal(t, int64(1), stats.Malformed)
	assert.Equal(t, int64(1), stats.Connects)
	assert.Len(t, rec.snapshot(), 1)
}

func TestReconnectsAfterServerCloses(t *testing.T) {
	var conns atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/submissions/stream", func(w http.ResponseWriter, r *http.Request) {
		n := conns.Add(1)
		sseHeaders(w)
		writeFrame(w, "submission:update", eventJSON(t, sample(fmt.Sprintf("e%d", n), "s1", "running", t0.Add(time.Duration(n)*time.Second))))
		if n >= 3 {
			<-r.Context().Done()
		}
	})
	mux.HandleFunc("/submissions/updates", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	rec := &recorder{}
	start(t, testConfig(srv.URL), &fakeCreds{token: "tok"}, rec)

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 3 }, 2*time.Second, 5*time.Millisecond)
	got := rec.snapshot()
	assert.Equal(t, []string{"e1", "e2", "e3"}, []string{got[0].EventID, got[1].EventID, got[2].EventID})
}

func TestStalledStreamIsReopened(t *testing.T) {
	var conns atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/submissions/stream", func(w http.ResponseWriter, r *http.Request) {
		conns.Add(1)
		sseHeaders(w)
		<-r.Context().Done() // headers sent, then silence
	})
	mux.HandleFunc("/submissions/updates", func(w http.ResponseWriter, r *http.Request) {
		writeItems(t, w)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	cfg := testConfig(srv.URL)
	cfg.HeartbeatTimeout = 50 * time.Millisecond
	start(t, cfg, &fakeCreds{token: "tok"}, &recorder{})

	require.Eventually(t, func() bool { return conns.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
}

func TestSilentServerBeforeHeadersIsRetried(t *testing.T) {
	e1 := sample("e1", "s1", "running", t0)
	var conns atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/submissions/stream", func(w http.ResponseWriter, r *http.Request) {
		if conns.Add(1) == 1 {
			<-r.Context().Done() // accepted, but no headers ever
			return
		}
		sseHeaders(w)
		writeFrame(w, "submission:update", eventJSON(t, e1))
		<-r.Context().Done()
	})
	mux.HandleFunc("/submissions/updates", func(w http.ResponseWriter, r *http.Request) {
		writeItems(t, w)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	cfg := testConfig(srv.URL)
	cfg.HeartbeatTimeout = 100 * time.Millisecond
	rec := &recorder{}
	sub := start(t, cfg, &fakeCreds{token: "tok"}, rec)

	require.Eventually(t, func() bool { return rec.count("e1") == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, sub.Stats().Connects, int64(2))
}

func TestNoCallbacksAfterClose(t *testing.T) {
	var seq atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/submissions/stream", func(w http.ResponseWriter, r *http.Request) {
		sseHeaders(w)
		ticker := time.NewTicker(2 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-r.Context().Done():
				return
			case <-ticker.C:
				n := seq.Add(1)
				writeFrame(w, "submission:update", eventJSON(t, sample(fmt.Sprintf("e%d", n), "s1", "running", t0)))
			}
		}
	})
	mux.HandleFunc("/submissions/updates", func(w http.ResponseWriter, r *http.Request) {
		writeItems(t, w)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	rec := &recorder{}
	sub := streamclient.Start(context.Background(), testConfig(srv.URL), &fakeCreds{token: "tok"}, rec.handle)
	require.Eventually(t, func() bool { return len(rec.snapshot()) >= 3 }, 2*time.Second, 5*time.Millisecond)

	sub.Close()
	after := len(rec.snapshot())
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, after, len(rec.snapshot()))
	assert.Equal(t, streamclient.Disabled, sub.State())
}

func TestClientGateStartsFreshSubscription(t *testing.T) {
	e1 := sample("e1", "s1", "queued", t0)
	mux := http.NewServeMux()
	mux.HandleFunc("/submissions/stream", func(w http.ResponseWriter, r *http.Request) {
		sseHeaders(w)
		writeFrame(w, "submission:new", eventJSON(t, e1))
		<-r.Context().Done()
	})
	mux.HandleFunc("/submissions/updates", func(w http.ResponseWriter, r *http.Request) {
		writeItems(t, w)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	var enabled atomic.Bool
	rec := &recorder{}
	client := streamclient.NewClient(testConfig(srv.URL), &fakeCreds{token: "tok"}, enabled.Load, rec.handle)
	client.SetGateInterval(5 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = client.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, streamclient.Disabled, client.State())
	assert.Empty(t, rec.snapshot())

	enabled.Store(true)
	require.Eventually(t, func() bool { return rec.count("e1") == 1 }, 2*time.Second, 5*time.Millisecond)

	enabled.Store(false)
	require.Eventually(t, func() bool { return client.State() == streamclient.Disabled }, 2*time.Second, 5*time.Millisecond)

	enabled.Store(true)
	require.Eventually(t, func() bool { return rec.count("e1") == 2 }, 2*time.Second, 5*time.Millisecond,
		"re-enabling starts with an empty dedup set")
}
