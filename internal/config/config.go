package config

import (
	"fmt"
	"log/slog"
	"os"
	"reflect"
	"time"

	envldr "github.com/SENERGY-Platform/go-env-loader"
	"github.com/dyluth/secontrol/pkg/bus"
	"gopkg.in/yaml.v3"
)

// Config is the secontrol configuration. Values come from the built-in
// defaults, then an optional YAML file, then the environment.
type Config struct {
	RedisURL       string            `yaml:"redis_url" env_var:"REDIS_URL"`
	RedisUsername  string            `yaml:"redis_username,omitempty" env_var:"REDIS_USERNAME"`
	RedisPassword  string            `yaml:"redis_password,omitempty" env_var:"REDIS_PASSWORD"`
	OwnerID        string            `yaml:"owner_id" env_var:"SE_OWNER_ID"`
	PlayerID       string            `yaml:"player_id,omitempty" env_var:"SE_PLAYER_ID"`
	GridID         string            `yaml:"grid_id,omitempty" env_var:"SE_GRID_ID"`
	PublishPolicy  bus.PublishPolicy `yaml:"publish_policy" env_var:"SECONTROL_PUBLISH_POLICY"`
	PublishTimeout time.Duration     `yaml:"publish_timeout" env_var:"SECONTROL_PUBLISH_TIMEOUT"`
	PollInterval   time.Duration     `yaml:"poll_interval,omitempty" env_var:"SECONTROL_POLL_INTERVAL"`
	KeyspaceEvents bool              `yaml:"ensure_keyspace_events,omitempty" env_var:"SECONTROL_KEYSPACE_EVENTS"`
	Issuer         string            `yaml:"issuer,omitempty" env_var:"SECONTROL_ISSUER"`
	LogLevel       string            `yaml:"log_level" env_var:"LOG_LEVEL"`
	LogHandler     string            `yaml:"log_handler" env_var:"LOG_HANDLER"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		RedisURL:       "redis://localhost:6379/0",
		PublishPolicy:  bus.PublishWait,
		PublishTimeout: 5 * time.Second,
		LogLevel:       "warn",
		LogHandler:     "text",
	}
}

// TypeParsers returns the env parsers for the non-primitive config fields.
func TypeParsers() map[reflect.Type]envldr.Parser {
	return map[reflect.Type]envldr.Parser{
		reflect.TypeFor[time.Duration]():     durationParser,
		reflect.TypeFor[bus.PublishPolicy](): publishPolicyParser,
	}
}

func durationParser(_ reflect.Type, val string, _ []string, _ map[string]string) (interface{}, error) {
	return time.ParseDuration(val)
}

func publishPolicyParser(_ reflect.Type, val string, _ []string, _ map[string]string) (interface{}, error) {
	return bus.PublishPolicy(val), nil
}

// Load builds the configuration. path may be empty, in which case only the
// defaults and the environment are used.
func Load(path string) (*Config, error) {
	config := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse YAML: %w", err)
		}
	}

	if err := envldr.LoadEnvUserParser(&config, nil, TypeParsers(), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.RedisURL == "" {
		return fmt.Errorf("redis_url is required")
	}

	switch c.PublishPolicy {
	case "", bus.PublishWait, bus.PublishFailFast:
	default:
		return fmt.Errorf("invalid publish_policy: %s (must be '%s' or '%s')", c.PublishPolicy, bus.PublishWait, bus.PublishFailFast)
	}

	if c.PublishTimeout < 0 {
		return fmt.Errorf("publish_timeout must be >= 0, got %s", c.PublishTimeout)
	}
	if c.PollInterval < 0 {
		return fmt.Errorf("poll_interval must be >= 0, got %s", c.PollInterval)
	}

	switch c.LogHandler {
	case "", "text", "json":
	default:
		return fmt.Errorf("invalid log_handler: %s (must be 'text' or 'json')", c.LogHandler)
	}

	return nil
}

// RequireOwner fails when no owner ID is configured.
func (c *Config) RequireOwner() error {
	if c.OwnerID == "" {
		return fmt.Errorf("owner id is required (set --owner or SE_OWNER_ID)")
	}
	return nil
}

// Bus returns the connection settings.
func (c *Config) Bus(logger *slog.Logger) bus.Config {
	return bus.Config{
		URL:                  c.RedisURL,
		Username:             c.RedisUsername,
		Password:             c.RedisPassword,
		PublishPolicy:        c.PublishPolicy,
		PublishTimeout:       c.PublishTimeout,
		PollInterval:         c.PollInterval,
		EnsureKeyspaceEvents: c.KeyspaceEvents,
		Issuer:               c.Issuer,
		Logger:               logger,
	}
}
