package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 3003, cfg.Server.Port)
	assert.Equal(t, "http://localhost:3003", cfg.Server.BaseURL)
	assert.Equal(t, 120*time.Second, cfg.TurnTimeout())
	assert.Equal(t, "0.0.0.0:3003", cfg.ListenAddr())
	assert.Equal(t, "openai", cfg.Model.Provider)
}

func TestLoad_File(t *testing.T) {
	t.Setenv("TEST_INKEEP_KEY", "from-env")

	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
server:
  port: 8080
  turn_timeout_seconds: 30
model:
  api_key: ${TEST_INKEEP_KEY}
  model: ${TEST_INKEEP_MODEL:-gpt-4o}
auth:
  environment: production
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "http://localhost:8080", cfg.Server.BaseURL)
	assert.Equal(t, 30*time.Second, cfg.TurnTimeout())
	assert.Equal(t, "from-env", cfg.Model.APIKey)
	assert.Equal(t, "gpt-4o", cfg.Model.Model, "unset variable uses the inline default")
	assert.Equal(t, "production", cfg.Auth.Environment)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("TEST_INKEEP_SET", "value")
	os.Unsetenv("TEST_INKEEP_UNSET")

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "no variables here", "no variables here"},
		{"set variable", "x: ${TEST_INKEEP_SET}", "x: value"},
		{"unset variable", "x: ${TEST_INKEEP_UNSET}", "x: "},
		{"default taken", "x: ${TEST_INKEEP_UNSET:-fallback}", "x: fallback"},
		{"default ignored when set", "x: ${TEST_INKEEP_SET:-fallback}", "x: value"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, expandEnvVars(tt.in))
		})
	}
}
