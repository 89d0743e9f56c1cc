package bus

import (
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Default timings.
const (
	defaultBackoffInitial   = 250 * time.Millisecond
	defaultBackoffMax       = 5 * time.Second
	defaultPublishTimeout   = 5 * time.Second
	defaultSubscribeTimeout = 3 * time.Second
	defaultDedupWindow      = 100 * time.Millisecond
	defaultReadTimeout      = time.Second
	defaultHealthInterval   = 15 * time.Second
)

// PublishPolicy decides what Publish does while the session is down.
type PublishPolicy string

const (
	// PublishWait blocks until the session is back, bounded by the caller's
	// context and Config.PublishTimeout.
	PublishWait PublishPolicy = "wait"

	// PublishFailFast returns ErrNotConnected immediately.
	PublishFailFast PublishPolicy = "fail-fast"
)

// Backoff configures the reconnect delay. The delay starts at Initial, grows
// by Multiplier up to Max and never gives up.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64
}

// Config holds everything needed to talk to one Redis endpoint.
type Config struct {
	// URL in redis:// or rediss:// form. Username, Password and DB below
	// override the values embedded in the URL when set.
	URL      string
	Username string
	Password string
	DB       *int

	Backoff          Backoff
	PublishPolicy    PublishPolicy
	PublishTimeout   time.Duration
	SubscribeTimeout time.Duration

	// PollInterval enables periodic GETs of watched keys for servers without
	// keyspace notifications. Zero disables polling. Polled reads of an
	// unchanged value are dropped, except right after an optimistic device
	// command (see Registry.Expect).
	PollInterval time.Duration

	// DedupWindow suppresses identical payloads arriving through both the
	// keyspace and the direct channel path.
	DedupWindow time.Duration

	// EnsureKeyspaceEvents runs CONFIG SET notify-keyspace-events at connect.
	EnsureKeyspaceEvents bool

	// Issuer is written into meta.user of every command.
	Issuer string

	Logger *slog.Logger
}

// withDefaults returns a copy of the config with zero values filled in.
func (c Config) withDefaults() Config {
	if c.Backoff.Initial <= 0 {
		c.Backoff.Initial = defaultBackoffInitial
	}
	if c.Backoff.Max <= 0 {
		c.Backoff.Max = defaultBackoffMax
	}
	if c.Backoff.Max < c.Backoff.Initial {
		c.Backoff.Max = c.Backoff.Initial
	}
	if c.Backoff.Multiplier < 1 {
		c.Backoff.Multiplier = 2
	}
	if c.Backoff.Jitter < 0 || c.Backoff.Jitter >= 1 {
		c.Backoff.Jitter = 0.2
	}
	if c.PublishPolicy == "" {
		c.PublishPolicy = PublishWait
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = defaultPublishTimeout
	}
	if c.SubscribeTimeout <= 0 {
		c.SubscribeTimeout = defaultSubscribeTimeout
	}
	if c.DedupWindow == 0 {
		c.DedupWindow = defaultDedupWindow
	}
	if c.Issuer == "" {
		c.Issuer = DefaultIssuer
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return c
}

// Validate checks the config for values that can never work.
func (c Config) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("redis URL is required")
	}
	switch c.PublishPolicy {
	case "", PublishWait, PublishFailFast:
	default:
		return fmt.Errorf("unknown publish policy %q (must be %q or %q)", c.PublishPolicy, PublishWait, PublishFailFast)
	}
	if c.PollInterval < 0 {
		return fmt.Errorf("poll interval must not be negative")
	}
	return nil
}

// redisOptions parses the URL and applies overrides.
func (c Config) redisOptions() (*redis.Options, error) {
	opts, err := redis.ParseURL(c.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	if c.Username != "" {
		opts.Username = c.Username
	}
	if c.Password != "" {
		opts.Password = c.Password
	}
	if c.DB != nil {
		opts.DB = *c.DB
	}
	return opts, nil
}
