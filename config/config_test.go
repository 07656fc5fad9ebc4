package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := Default()
	cfg.Endpoint = "wss://training.example.com/sim"
	cfg.AccessKey = "key-123"
	cfg.SimulatorName = "cartpole"
	return cfg
}

func TestValidate_Defaults(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 60*time.Second, cfg.StepDeadline.Std())
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
	assert.True(t, cfg.Retry.ToRetry().AddJitter)
}

func TestValidate_RequiredFields(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"missing endpoint", func(c *Config) { c.Endpoint = "" }, "endpoint is required"},
		{"bad scheme", func(c *Config) { c.Endpoint = "https://x.test" }, "not supported"},
		{"missing access key", func(c *Config) { c.AccessKey = "" }, "access_key is required"},
		{"missing simulator name", func(c *Config) { c.SimulatorName = "" }, "simulator_name is required"},
		{"zero step deadline", func(c *Config) { c.StepDeadline = 0 }, "step_deadline"},
		{"zero retry attempts", func(c *Config) { c.Retry.MaxAttempts = 0 }, "max_attempts"},
		{"max delay below initial", func(c *Config) { c.Retry.MaxDelay = Duration(time.Millisecond) }, "max_delay"},
		{"negative episodes", func(c *Config) { c.MaxEpisodes = -1 }, "max_episodes"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidate_NormalizesSimulatorName(t *testing.T) {
	cfg := validConfig()
	cfg.SimulatorName = "CartPole"
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "cartpole", cfg.SimulatorName)
}

func TestLoad_FileAndEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.json")
	content := `{
		"endpoint": "ws://localhost:9000/sim",
		"access_key": "file-key",
		"simulator_name": "cartpole",
		"step_deadline": "30s",
		"retry": {
			"max_attempts": 3,
			"initial_delay": "100ms",
			"max_delay": "2s",
			"multiplier": 2.0
		},
		"recording": {"path": "/tmp/run.jsonl"}
	}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	t.Setenv(EnvAccessKey, "env-key")
	t.Setenv(EnvHeadless, "true")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "ws://localhost:9000/sim", cfg.Endpoint)
	assert.Equal(t, "env-key", cfg.AccessKey, "environment beats the file for secrets")
	assert.True(t, cfg.Headless)
	assert.Equal(t, 30*time.Second, cfg.StepDeadline.Std())
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, 100*time.Millisecond, cfg.Retry.InitialDelay.Std())
	assert.True(t, cfg.Recording.Enabled())
}

func TestLoadFile_DefersValidation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "partial.json")
	// No endpoint: invalid as-is, but callers may complete it from flags.
	content := `{"access_key": "key", "simulator_name": "cartpole"}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Empty(t, cfg.Endpoint)
	require.Error(t, cfg.Validate())

	cfg.Endpoint = "wss://training.example.com/sim"
	require.NoError(t, cfg.Validate())
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/bridge.json")
	require.Error(t, err)
}

func TestLoad_InvalidJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse")
}

func TestDuration_UnmarshalForms(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalJSON([]byte(`"1m30s"`)))
	assert.Equal(t, 90*time.Second, d.Std())

	require.NoError(t, d.UnmarshalJSON([]byte(`2.5`)))
	assert.Equal(t, 2500*time.Millisecond, d.Std())

	assert.Error(t, d.UnmarshalJSON([]byte(`"fast"`)))
	assert.Error(t, d.UnmarshalJSON([]byte(`true`)))
}
