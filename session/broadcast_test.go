package session_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/programme-lv/submfeed/auth"
	"github.com/programme-lv/submfeed/session"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, ch <-chan session.Message) session.Message {
	t.Helper()
	select {
	case msg, ok := <-ch:
		require.True(t, ok, "channel closed")
		return msg
	case <-time.After(time.Second):
		t.Fatal("no message received")
		return session.Message{}
	}
}

func TestLocalBroadcasterFanOut(t *testing.T) {
	hub := session.NewLocalHub()
	a, b := hub.Broadcaster(), hub.Broadcaster()
	ctx := context.Background()

	chA, err := a.Listen(ctx)
	require.NoError(t, err)
	chB, err := b.Listen(ctx)
	require.NoError(t, err)

	require.NoError(t, a.Post(ctx, session.Message{Kind: session.KindExtended, ClientID: "a"}))
	assert.Equal(t, "a", receive(t, chA).ClientID)
	assert.Equal(t, session.KindExtended, receive(t, chB).Kind)

	require.NoError(t, b.Close())
	_, ok := <-chB
	assert.False(t, ok)
	assert.ErrorIs(t, b.Post(ctx, session.Message{}), session.ErrBroadcasterClosed)

	require.NoError(t, a.Post(ctx, session.Message{Kind: session.KindExpired, ClientID: "a"}))
	assert.Equal(t, session.KindExpired, receive(t, chA).Kind)
}

func TestLocalListenEndsWithContext(t *testing.T) {
	b := session.NewLocalHub().Broadcaster()
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := b.Listen(ctx)
	require.NoError(t, err)
	cancel()
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}

func TestFileKVMissingKey(t *testing.T) {
	kv, err := session.NewFileKV(t.TempDir())
	require.NoError(t, err)

	v, err := kv.Get("nothing")
	require.NoError(t, err)
	assert.Nil(t, v)

	require.NoError(t, kv.Set("k", []byte("v1")))
	require.NoError(t, kv.Set("k", []byte("v2")))
	v, err = kv.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "v2", string(v))
}

func TestStorageBroadcasterDeliversEachPost(t *testing.T) {
	kv, err := session.NewFileKV(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	writer := session.NewStorageBroadcaster(kv, "", 5*time.Millisecond, quiet)
	reader := session.NewStorageBroadcaster(kv, "", 5*time.Millisecond, quiet)
	t.Cleanup(func() { reader.Close() })

	require.NoError(t, writer.Post(ctx, session.Message{Kind: session.KindExtended, ClientID: "old"}))

	ch, err := reader.Listen(ctx)
	require.NoError(t, err)

	msg := session.Message{Kind: session.KindExtended, ClientID: "w"}
	require.NoError(t, writer.Post(ctx, msg))
	got := receive(t, ch)
	assert.Equal(t, "w", got.ClientID)
	assert.NotEmpty(t, got.Nonce)

	// identical message again is still a new post
	require.NoError(t, writer.Post(ctx, msg))
	assert.Equal(t, "w", receive(t, ch).ClientID)

	require.NoError(t, reader.Close())
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}

func TestCoordinatorsOverStorage(t *testing.T) {
	kv, err := session.NewFileKV(t.TempDir())
	require.NoError(t, err)
	clock := newClock()

	a := session.NewCoordinator(session.NewStorageBroadcaster(kv, "", 5*time.Millisecond, quiet),
		&refresherMock{refresh: failing}, session.WithClock(clock.Now), session.WithLogger(quiet))
	b := session.NewCoordinator(session.NewStorageBroadcaster(kv, "", 5*time.Millisecond, quiet),
		&refresherMock{refresh: failing}, session.WithClock(clock.Now), session.WithLogger(quiet))
	a.SetTokens(pairAt("1", clock.Now().Add(time.Minute)))
	b.SetTokens(pairAt("1", clock.Now().Add(time.Minute)))
	runInBackground(t, b)
	time.Sleep(20 * time.Millisecond)

	a.Expire(context.Background())
	require.Eventually(t, func() bool { return !b.Enabled() }, time.Second, 5*time.Millisecond)
}

func TestRedisBroadcaster(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { rdb.Close() })
	ctx := context.Background()

	channel := "session-life-test-" + time.Now().Format("150405.000000")
	a := session.NewRedisBroadcaster(rdb, channel, quiet)
	b := session.NewRedisBroadcaster(rdb, channel, quiet)
	t.Cleanup(func() { a.Close(); b.Close() })

	ch, err := b.Listen(ctx)
	require.NoError(t, err)
	require.NoError(t, a.Post(ctx, session.Message{Kind: session.KindRefreshed, ClientID: "a"}))

	got := receive(t, ch)
	assert.Equal(t, session.KindRefreshed, got.Kind)
	assert.Equal(t, "a", got.ClientID)
}

func TestHTTPRefresher(t *testing.T) {
	exp := time.Date(2024, 3, 1, 13, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/auth/refresh", r.URL.Path)
		var body struct {
			RefreshToken string `json:"refreshToken"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))

		w.Header().Set("Content-Type", "application/json")
		if body.RefreshToken != "good" {
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]string{"status": "error", "code": "unauthorized", "message": "nav derīgs"})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"status": "success",
			"data":   auth.TokenPair{AccessToken: "a2", RefreshToken: "r2", ExpiresAt: exp},
		})
	}))
	t.Cleanup(srv.Close)

	r := &session.HTTPRefresher{BaseURL: srv.URL + "/"}
	pair, err := r.Refresh(context.Background(), "good")
	require.NoError(t, err)
	assert.Equal(t, "a2", pair.AccessToken)
	assert.Equal(t, "r2", pair.RefreshToken)
	assert.True(t, exp.Equal(pair.ExpiresAt))

	_, err = r.Refresh(context.Background(), "bad")
	var rerr *session.RefreshError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, http.StatusUnauthorized, rerr.StatusCode)
	assert.Equal(t, "unauthorized", rerr.Code)
}
