// Package config loads and validates bridge configuration: service endpoint,
// access credential, simulator identity, step timing and recording options.
// Configuration comes from defaults, an optional JSON file, and environment
// overrides, in that order.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/c360/simbridge/pkg/retry"
	"github.com/c360/simbridge/pkg/tlsutil"
)

// Environment variables recognized by ApplyEnvOverrides.
const (
	EnvEndpoint      = "SIMBRIDGE_ENDPOINT"
	EnvAccessKey     = "SIMBRIDGE_ACCESS_KEY"
	EnvSimulatorName = "SIMBRIDGE_SIMULATOR_NAME"
	EnvRecordingPath = "SIMBRIDGE_RECORDING_PATH"
	EnvNATSURL       = "SIMBRIDGE_NATS_URL"
	EnvHeadless      = "SIMBRIDGE_HEADLESS"
)

// Duration wraps time.Duration with JSON support for strings like "30s".
type Duration time.Duration

// UnmarshalJSON accepts either a duration string ("250ms") or a number of
// seconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch value := v.(type) {
	case string:
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", value, err)
		}
		*d = Duration(parsed)
	case float64:
		*d = Duration(time.Duration(value * float64(time.Second)))
	default:
		return fmt.Errorf("invalid duration value %v", v)
	}
	return nil
}

// MarshalJSON writes the duration as a string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// RetryConfig bounds the reconnect backoff schedule.
type RetryConfig struct {
	MaxAttempts  int      `json:"max_attempts"`
	InitialDelay Duration `json:"initial_delay"`
	MaxDelay     Duration `json:"max_delay"`
	Multiplier   float64  `json:"multiplier"`
}

// ToRetry converts to the retry package's config.
func (r RetryConfig) ToRetry() retry.Config {
	return retry.Config{
		MaxAttempts:  r.MaxAttempts,
		InitialDelay: r.InitialDelay.Std(),
		MaxDelay:     r.MaxDelay.Std(),
		Multiplier:   r.Multiplier,
		AddJitter:    true,
	}
}

// RecordingConfig selects where step records go. Both sinks may be active;
// empty values disable a sink.
type RecordingConfig struct {
	// Path is a JSON-lines file for step records.
	Path string `json:"path,omitempty"`
	// NATSURL enables live publishing of step records.
	NATSURL string `json:"nats_url,omitempty"`
	// QueueSize bounds the in-memory record queue.
	QueueSize int `json:"queue_size,omitempty"`
}

// Enabled reports whether any recording sink is configured.
func (r RecordingConfig) Enabled() bool {
	return r.Path != "" || r.NATSURL != ""
}

// Config is the complete bridge configuration.
type Config struct {
	// Endpoint is the training service websocket URL (ws:// or wss://).
	Endpoint string `json:"endpoint"`
	// AccessKey authenticates the simulator with the training service.
	AccessKey string `json:"access_key"`
	// SimulatorName identifies this simulator type to the service.
	SimulatorName string `json:"simulator_name"`
	// Headless marks a simulator running without visualization.
	Headless bool `json:"headless,omitempty"`

	// StepDeadline bounds the wait for each predicted action.
	StepDeadline Duration `json:"step_deadline"`
	// PingInterval paces transport liveness probes. Zero disables them.
	PingInterval Duration `json:"ping_interval"`
	// DrainTimeout bounds how long Close waits for in-flight messages.
	DrainTimeout Duration `json:"drain_timeout"`

	Retry     RetryConfig     `json:"retry"`
	TLS       tlsutil.Config  `json:"tls,omitempty"`
	Recording RecordingConfig `json:"recording,omitempty"`

	// MaxEpisodes stops the run after this many episodes. Zero is unbounded.
	MaxEpisodes int `json:"max_episodes,omitempty"`
}

// Default returns the configuration defaults.
func Default() *Config {
	return &Config{
		StepDeadline: Duration(60 * time.Second),
		PingInterval: Duration(30 * time.Second),
		DrainTimeout: Duration(5 * time.Second),
		Retry: RetryConfig{
			MaxAttempts:  5,
			InitialDelay: Duration(250 * time.Millisecond),
			MaxDelay:     Duration(10 * time.Second),
			Multiplier:   2.0,
		},
		Recording: RecordingConfig{
			QueueSize: 256,
		},
	}
}

// LoadFile builds a configuration from defaults, the optional JSON file at
// path, and environment overrides, without validating. Callers that layer
// further overrides (CLI flags) validate once, after the last layer.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config.Load: read %s failed: %w", path, err)
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config.Load: parse %s failed: %w", path, err)
		}
	}

	cfg.ApplyEnvOverrides()
	return cfg, nil
}

// Load is LoadFile followed by validation.
func Load(path string) (*Config, error) {
	cfg, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides replaces fields from the recognized environment
// variables. The access key in particular should come from the environment
// rather than a file on disk.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv(EnvEndpoint); v != "" {
		c.Endpoint = v
	}
	if v := os.Getenv(EnvAccessKey); v != "" {
		c.AccessKey = v
	}
	if v := os.Getenv(EnvSimulatorName); v != "" {
		c.SimulatorName = v
	}
	if v := os.Getenv(EnvRecordingPath); v != "" {
		c.Recording.Path = v
	}
	if v := os.Getenv(EnvNATSURL); v != "" {
		c.Recording.NATSURL = v
	}
	if v := os.Getenv(EnvHeadless); v != "" {
		if headless, err := strconv.ParseBool(v); err == nil {
			c.Headless = headless
		}
	}
}

// Validate checks required fields and normalizes the simulator name.
func (c *Config) Validate() error {
	if c.Endpoint == "" {
		return errors.New("endpoint is required")
	}
	u, err := url.Parse(c.Endpoint)
	if err != nil {
		return fmt.Errorf("endpoint %q is not a valid URL: %w", c.Endpoint, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("endpoint scheme %q is not supported (use ws or wss)", u.Scheme)
	}

	if c.AccessKey == "" {
		return errors.New("access_key is required")
	}

	if c.SimulatorName == "" {
		return errors.New("simulator_name is required")
	}
	c.SimulatorName = strings.ToLower(c.SimulatorName)

	if c.StepDeadline.Std() <= 0 {
		return errors.New("step_deadline must be positive")
	}
	if c.DrainTimeout.Std() <= 0 {
		return errors.New("drain_timeout must be positive")
	}

	if c.Retry.MaxAttempts < 1 {
		return errors.New("retry.max_attempts must be at least 1")
	}
	if c.Retry.InitialDelay.Std() <= 0 {
		return errors.New("retry.initial_delay must be positive")
	}
	if c.Retry.MaxDelay.Std() < c.Retry.InitialDelay.Std() {
		return errors.New("retry.max_delay must be at least retry.initial_delay")
	}
	if c.Retry.Multiplier < 1 {
		return errors.New("retry.multiplier must be at least 1")
	}

	if c.MaxEpisodes < 0 {
		return errors.New("max_episodes cannot be negative")
	}
	return nil
}
