package conf

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

const (
	BroadcastLocal = "local"
	BroadcastRedis = "redis"
	BroadcastFile  = "file"
)

type WatchConf struct {
	BaseURL     string `toml:"base_url"`
	StreamPath  string `toml:"stream_path"`
	UpdatesPath string `toml:"updates_path"`

	PollInterval     Duration `toml:"poll_interval"`
	RetryDelay       Duration `toml:"retry_delay"`
	HeartbeatTimeout Duration `toml:"heartbeat_timeout"`
	DedupCapacity    int      `toml:"dedup_capacity"`

	// TokensFile holds the JSON token pair issued by tokengen.
	TokensFile string `toml:"tokens_file"`

	Broadcast        string   `toml:"broadcast"`
	RedisURL         string   `toml:"redis_url"`
	RedisChannel     string   `toml:"redis_channel"`
	SyncDir          string   `toml:"sync_dir"`
	MinTouchInterval Duration `toml:"min_touch_interval"`

	PageSize int    `toml:"page_size"`
	Filter   Filter `toml:"filter"`
}

type Filter struct {
	Statuses  []string `toml:"statuses"`
	User      string   `toml:"user"`
	ProblemID string   `toml:"problem_id"`
	DateFrom  string   `toml:"date_from"`
	DateTo    string   `toml:"date_to"`
	Mine      bool     `toml:"mine"`
}

func DefaultWatchConf() WatchConf {
	return WatchConf{
		BaseURL:          "http://localhost:8080",
		StreamPath:       "/submissions/stream",
		UpdatesPath:      "/submissions/updates",
		PollInterval:     Duration{8 * time.Second},
		RetryDelay:       Duration{3 * time.Second},
		HeartbeatTimeout: Duration{45 * time.Second},
		DedupCapacity:    500,
		TokensFile:       "tokens.json",
		Broadcast:        BroadcastLocal,
		MinTouchInterval: Duration{time.Minute},
		PageSize:         20,
	}
}

func LoadWatchConf(path string) (WatchConf, error) {
	c := DefaultWatchConf()
	if err := decodeFile(path, &c); err != nil {
		return WatchConf{}, err
	}

	envString("SUBMWATCH_BASE_URL", &c.BaseURL)
	envString("SUBMWATCH_TOKENS_FILE", &c.TokensFile)
	envString("SUBMWATCH_BROADCAST", &c.Broadcast)
	envString("SUBMWATCH_SYNC_DIR", &c.SyncDir)
	envString("REDIS_URL", &c.RedisURL)
	err := errors.Join(
		envDuration("SUBMWATCH_POLL_INTERVAL", &c.PollInterval),
		envDuration("SUBMWATCH_RETRY_DELAY", &c.RetryDelay),
		envInt("SUBMWATCH_PAGE_SIZE", &c.PageSize),
	)
	if err != nil {
		return WatchConf{}, fmt.Errorf("invalid environment override: %w", err)
	}
	return c, c.Validate()
}

func (c WatchConf) Validate() error {
	var errs []error
	if c.BaseURL == "" {
		errs = append(errs, errors.New("base_url is empty"))
	}
	if !slices.Contains([]string{BroadcastLocal, BroadcastRedis, BroadcastFile}, c.Broadcast) {
		errs = append(errs, fmt.Errorf("unknown broadcast mode %q", c.Broadcast))
	}
	if c.Broadcast == BroadcastRedis && c.RedisURL == "" {
		errs = append(errs, errors.New("broadcast mode redis requires redis_url"))
	}
	if c.Broadcast == BroadcastFile && c.SyncDir == "" {
		errs = append(errs, errors.New("broadcast mode file requires sync_dir"))
	}
	if c.PageSize <= 0 {
		errs = append(errs, errors.New("page_size must be positive"))
	}
	return errors.Join(errs...)
}
