package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnvDefaults(t *testing.T) {
	t.Setenv("VMDECK_API_HOSTS", "")
	t.Setenv("VMDECK_POLL_INTERVAL", "")

	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, []string{"http://127.0.0.1:8000"}, cfg.Endpoints)
	assert.Equal(t, 3*time.Second, cfg.PollInterval)
	assert.Zero(t, cfg.RequestTimeout)
	assert.Equal(t, 65536, cfg.DeclaredMaxMemoryMB)
	assert.Equal(t, 32, cfg.DeclaredMaxVCPUs)
	assert.Equal(t, 1000, cfg.JournalKeepPerVM)
}

func TestFromEnvEndpointList(t *testing.T) {
	t.Setenv("VMDECK_API_HOSTS", "http://192.168.50.120:8000, http://192.168.50.193:8000")
	t.Setenv("VMDECK_POLL_INTERVAL", "5s")
	t.Setenv("VMDECK_ROLES", "admin,viewer")

	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, []string{"http://192.168.50.120:8000", "http://192.168.50.193:8000"}, cfg.Endpoints)
	assert.Equal(t, 5*time.Second, cfg.PollInterval)
	assert.Equal(t, []string{"admin", "viewer"}, cfg.Roles)
}

func TestFromEnvRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{name: "endpoint without scheme", key: "VMDECK_API_HOSTS", val: "192.168.50.120:8000"},
		{name: "bad duration", key: "VMDECK_POLL_INTERVAL", val: "soon"},
		{name: "negative poll", key: "VMDECK_POLL_INTERVAL", val: "-1s"},
		{name: "bad memory", key: "VMDECK_MAX_MEMORY_MB", val: "lots"},
		{name: "negative journal cap", key: "VMDECK_JOURNAL_KEEP", val: "-5"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.val)
			_, err := FromEnv()
			assert.Error(t, err)
		})
	}
}

func TestLoadFileThenEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vmdeck.yaml")
	content := []byte(`endpoints:
  - http://10.0.0.1:8000
  - http://10.0.0.2:8000
poll_interval: 10s
declared_max_vcpus: 16
journal_path: ""
`)
	require.NoError(t, os.WriteFile(path, content, 0o644))

	t.Setenv("VMDECK_API_HOSTS", "")
	t.Setenv("VMDECK_POLL_INTERVAL", "2s")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, []string{"http://10.0.0.1:8000", "http://10.0.0.2:8000"}, cfg.Endpoints)
	assert.Equal(t, 2*time.Second, cfg.PollInterval)
	assert.Equal(t, 16, cfg.DeclaredMaxVCPUs)
	assert.Empty(t, cfg.JournalPath)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
