package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "127.0.0.1:17484", cfg.Address)
	assert.Equal(t, int32(0), cfg.InitialSessionID)
	assert.Equal(t, filepath.Join(cfg.DataDir, "saved_trees"), cfg.SavedTreeDir)
	assert.Equal(t, filepath.Join(cfg.DataDir, "journal.db"), cfg.DBPath)
	assert.NoError(t, cfg.Validate())
}

func TestLoad(t *testing.T) {
	t.Run("returns defaults when no config file exists", func(t *testing.T) {
		tmpDir := t.TempDir()
		t.Chdir(tmpDir)
		t.Setenv("HOME", tmpDir)
		t.Setenv("XDG_CONFIG_HOME", tmpDir)

		cfg, err := Load()
		require.NoError(t, err)
		assert.Equal(t, "127.0.0.1:17484", cfg.Address)
		assert.Equal(t, "auto", cfg.LogFormat)
	})

	t.Run("environment overrides defaults", func(t *testing.T) {
		tmpDir := t.TempDir()
		t.Chdir(tmpDir)
		t.Setenv("HOME", tmpDir)
		t.Setenv("XDG_CONFIG_HOME", tmpDir)
		t.Setenv("DILL_ADDRESS", "127.0.0.1:9999")
		t.Setenv("DILL_INITIAL_SESSION_ID", "100")
		t.Setenv("DILL_DATA_DIR", filepath.Join(tmpDir, "data"))

		cfg, err := Load()
		require.NoError(t, err)
		assert.Equal(t, "127.0.0.1:9999", cfg.Address)
		assert.Equal(t, int32(100), cfg.InitialSessionID)
		assert.Equal(t, filepath.Join(tmpDir, "data", "saved_trees"), cfg.SavedTreeDir)
	})
}

func TestLoadFromFile(t *testing.T) {
	t.Run("loads values from yaml", func(t *testing.T) {
		tmpDir := t.TempDir()
		content := `
address: 0.0.0.0:8080
data_dir: /var/lib/dill
db_path: /tmp/dill.db
log_level: debug
log_format: json
shutdown_timeout: 10s
event_buffer: 8
`
		path := filepath.Join(tmpDir, "dill.yaml")
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

		cfg, err := LoadFromFile(path)
		require.NoError(t, err)
		assert.Equal(t, "0.0.0.0:8080", cfg.Address)
		assert.Equal(t, "/tmp/dill.db", cfg.DBPath)
		assert.Equal(t, "/var/lib/dill/saved_trees", cfg.SavedTreeDir)
		assert.Equal(t, "debug", cfg.LogLevel)
		assert.Equal(t, "json", cfg.LogFormat)
		assert.Equal(t, 10*time.Second, cfg.ShutdownTimeout)
		assert.Equal(t, 8, cfg.EventBuffer)
	})

	t.Run("returns error for non-existent file", func(t *testing.T) {
		_, err := LoadFromFile("/nonexistent/path/dill.yaml")
		assert.Error(t, err)
	})

	t.Run("rejects invalid values", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "dill.yaml")
		require.NoError(t, os.WriteFile(path, []byte("log_format: xml\n"), 0o644))
		_, err := LoadFromFile(path)
		assert.Error(t, err)

		require.NoError(t, os.WriteFile(path, []byte("initial_session_id: -4\n"), 0o644))
		_, err = LoadFromFile(path)
		assert.Error(t, err)
	})
}
