package conf

import (
	"errors"
	"fmt"
	"time"
)

type ServerConf struct {
	Listen    string `toml:"listen"`
	Env       string `toml:"env"`
	Version   string `toml:"version"`
	AccessLog bool   `toml:"access_log"`

	JwtKey           string   `toml:"jwt_key"`
	JwtKeySecretName string   `toml:"jwt_key_secret_name"`
	AccessTTL        Duration `toml:"access_ttl"`
	RefreshTTL       Duration `toml:"refresh_ttl"`

	RingCapacity int      `toml:"ring_capacity"`
	Heartbeat    Duration `toml:"heartbeat"`
	CorsOrigins  []string `toml:"cors_origins"`

	AWSRegion string `toml:"aws_region"`
	// each of the following is optional; an empty value disables the component
	SqsResultsQueueURL string   `toml:"sqs_results_queue_url"`
	DynamoEventsTable  string   `toml:"dynamo_events_table"`
	ArchiveTTL         Duration `toml:"archive_ttl"`
	SnapshotBucket     string   `toml:"snapshot_bucket"`
	SnapshotKey        string   `toml:"snapshot_key"`
	SnapshotInterval   Duration `toml:"snapshot_interval"`
	SnapshotMaxAge     Duration `toml:"snapshot_max_age"`
}

func DefaultServerConf() ServerConf {
	return ServerConf{
		Listen:           ":8080",
		Env:              "dev",
		AccessTTL:        Duration{15 * time.Minute},
		RefreshTTL:       Duration{7 * 24 * time.Hour},
		RingCapacity:     500,
		Heartbeat:        Duration{15 * time.Second},
		AWSRegion:        "eu-central-1",
		SnapshotKey:      "submfeed/ring.json.zst",
		SnapshotInterval: Duration{time.Minute},
		SnapshotMaxAge:   Duration{time.Hour},
	}
}

// LoadServerConf reads path (optional) on top of the defaults and then applies
// environment overrides.
func LoadServerConf(path string) (ServerConf, error) {
	c := DefaultServerConf()
	if err := decodeFile(path, &c); err != nil {
		return ServerConf{}, err
	}

	envString("SUBMFEED_LISTEN", &c.Listen)
	envString("SUBMFEED_ENV", &c.Env)
	envString("JWT_KEY", &c.JwtKey)
	envString("JWT_KEY_SECRET_NAME", &c.JwtKeySecretName)
	envString("AWS_REGION", &c.AWSRegion)
	envString("SQS_RESULTS_QUEUE_URL", &c.SqsResultsQueueURL)
	envString("DDB_EVENTS_TABLE", &c.DynamoEventsTable)
	envString("S3_SNAPSHOT_BUCKET", &c.SnapshotBucket)
	envList("CORS_ORIGINS", &c.CorsOrigins)
	err := errors.Join(
		envInt("SUBMFEED_RING_CAPACITY", &c.RingCapacity),
		envDuration("SUBMFEED_HEARTBEAT", &c.Heartbeat),
		envDuration("JWT_ACCESS_TTL", &c.AccessTTL),
		envBool("SUBMFEED_ACCESS_LOG", &c.AccessLog),
	)
	if err != nil {
		return ServerConf{}, fmt.Errorf("invalid environment override: %w", err)
	}

	return c, c.Validate()
}

func (c ServerConf) Validate() error {
	var errs []error
	if c.Listen == "" {
		errs = append(errs, errors.New("listen address is empty"))
	}
	if c.JwtKey == "" && c.JwtKeySecretName == "" {
		errs = append(errs, errors.New("either jwt_key or jwt_key_secret_name must be set"))
	}
	if c.RingCapacity <= 0 {
		errs = append(errs, fmt.Errorf("ring_capacity must be positive, got %d", c.RingCapacity))
	}
	if c.AccessTTL.Duration <= 0 || c.RefreshTTL.Duration < c.AccessTTL.Duration {
		errs = append(errs, errors.New("token ttls must be positive and refresh_ttl >= access_ttl"))
	}
	if c.Heartbeat.Duration <= 0 {
		errs = append(errs, errors.New("heartbeat must be positive"))
	}
	return errors.Join(errs...)
}

// NeedsAWS reports whether any AWS backed component is configured.
func (c ServerConf) NeedsAWS() bool {
	return c.JwtKey == "" || c.SqsResultsQueueURL != "" || c.DynamoEventsTable != "" || c.SnapshotBucket != ""
}
