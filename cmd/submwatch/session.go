package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/programme-lv/submfeed/auth"
	"github.com/programme-lv/submfeed/conf"
	"github.com/programme-lv/submfeed/reconcile"
	"github.com/programme-lv/submfeed/session"
	"github.com/redis/go-redis/v9"
)

func readTokens(path string) (auth.TokenPair, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return auth.TokenPair{}, fmt.Errorf("failed to read tokens file: %w", err)
	}
	var pair auth.TokenPair
	if err := json.Unmarshal(data, &pair); err != nil {
		return auth.TokenPair{}, fmt.Errorf("failed to parse tokens file: %w", err)
	}
	return pair, nil
}

func writeTokens(path string, pair auth.TokenPair) error {
	data, err := json.MarshalIndent(pair, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// newBroadcaster picks the channel sibling watchers share session events over.
// The returned cleanup also closes any client the broadcaster depends on.
func newBroadcaster(c conf.WatchConf, log *slog.Logger) (session.Broadcaster, func(), error) {
	switch c.Broadcast {
	case conf.BroadcastRedis:
		opt, err := redis.ParseURL(c.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid redis url: %w", err)
		}
		rdb := redis.NewClient(opt)
		channel := c.RedisChannel
		if channel == "" {
			channel = session.DefaultRedisChannel
		}
		bc := session.NewRedisBroadcaster(rdb, channel, log)
		return bc, func() {
			_ = bc.Close()
			_ = rdb.Close()
		}, nil
	case conf.BroadcastFile:
		kv, err := session.NewFileKV(c.SyncDir)
		if err != nil {
			return nil, nil, err
		}
		bc := session.NewStorageBroadcaster(kv, session.DefaultStorageKey, 500*time.Millisecond, log)
		return bc, func() { _ = bc.Close() }, nil
	default:
		// a process-local hub only syncs watchers inside this process
		bc := session.NewLocalHub().Broadcaster()
		return bc, func() { _ = bc.Close() }, nil
	}
}

// listFilter converts the configured filter; "mine" narrows to the user the
// access token was issued for.
func listFilter(f conf.Filter, accessToken string) reconcile.Filter {
	out := reconcile.Filter{
		Statuses:  f.Statuses,
		User:      f.User,
		ProblemID: f.ProblemID,
		DateFrom:  f.DateFrom,
		DateTo:    f.DateTo,
	}
	if f.Mine {
		out.OwnerID = subjectOf(accessToken)
	}
	return out
}

// subjectOf reads the uuid claim without verifying the signature. The server
// verifies it on every request.
func subjectOf(accessToken string) string {
	claims := &auth.JwtClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(accessToken, claims); err != nil {
		return ""
	}
	return claims.UUID
}
