package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notestash/relay/internal/errors"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func clearEnv(t *testing.T) {
	for _, key := range []string{EnvDataDir, EnvHubURL, EnvToken, EnvListen} {
		t.Setenv(key, "")
	}
}

func TestLoad_defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.Sessions.MaxConcurrent)
	assert.Equal(t, 64000, cfg.Sessions.MaxChunkBytes)
	assert.Equal(t, []time.Duration{5 * time.Second, 10 * time.Second, 15 * time.Second, 30 * time.Second}, cfg.Retry.Schedule)
	assert.Equal(t, 0, cfg.Retry.MaxAttempts)
	assert.Equal(t, time.Minute, cfg.Scheduler.QueueInterval)
	assert.False(t, cfg.Telemetry.Enabled)
	assert.NotNil(t, cfg.Targets)
}

func TestLoad_file(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := writeConfig(t, dir, `
data_dir: /var/lib/notestash
hub:
  url: https://script.example.com/exec
  token: secret
  timeout: 10s
retry:
  schedule: [1s, 2s]
  max_attempts: 5
sessions:
  max_concurrent: 3
targets:
  inbox: doc-123
  later: ""
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/notestash", cfg.DataDir)
	assert.Equal(t, "https://script.example.com/exec", cfg.Hub.URL)
	assert.Equal(t, 10*time.Second, cfg.Hub.Timeout)
	assert.Equal(t, 120*time.Second, cfg.Hub.ChunkTimeout, "unset keys keep defaults")
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, cfg.Retry.Schedule)
	assert.Equal(t, 5, cfg.RetryPolicy().MaxAttempts())
	assert.Equal(t, 3, cfg.Sessions.MaxConcurrent)
	assert.Equal(t, map[string]string{"inbox": "doc-123", "later": ""}, cfg.Targets)
}

func TestLoad_envOverrides(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, t.TempDir(), "hub:\n  url: https://a.example.com/exec\n")
	t.Setenv(EnvHubURL, "https://b.example.com/exec")
	t.Setenv(EnvToken, "from-env")
	t.Setenv(EnvDataDir, "/tmp/relay")
	t.Setenv(EnvListen, "0.0.0.0:9000")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "https://b.example.com/exec", cfg.Hub.URL)
	assert.Equal(t, "from-env", cfg.Hub.Token)
	assert.Equal(t, "/tmp/relay", cfg.DataDir)
	assert.Equal(t, "0.0.0.0:9000", cfg.Listen)
}

func TestLoad_invalid(t *testing.T) {
	clearEnv(t)
	tests := []struct {
		name string
		body string
	}{
		{"bad yaml", "hub: [unterminated"},
		{"bad url", "hub:\n  url: ftp://example.com\n"},
		{"decreasing schedule", "retry:\n  schedule: [10s, 5s]\n"},
		{"negative attempts", "retry:\n  max_attempts: -1\n"},
		{"negative sessions", "sessions:\n  max_concurrent: -2\n"},
		{"empty alias", "targets:\n  \"\": doc\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, t.TempDir(), tt.body)
			_, err := Load(path)
			require.Error(t, err)
			assert.True(t, errors.Is(err, errors.ErrConfigInvalid), "got %v", err)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.True(t, errors.Is(err, errors.ErrConfigInvalid))
}

func TestStore_ResolveTarget(t *testing.T) {
	cfg := Default()
	cfg.Targets = map[string]string{
		"inbox":   "doc-inbox",
		"later":   "",
		"pending": "unsynced-42",
	}
	store := NewStore(cfg)

	tests := []struct {
		target string
		want   string
		ok     bool
	}{
		{"inbox", "doc-inbox", true},
		{"later", "", false},
		{"pending", "", false},
		{"doc-raw", "doc-raw", true},
		{"unsynced", "", false},
		{"unsynced-7", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := store.ResolveTarget(tt.target)
		assert.Equal(t, tt.want, got, tt.target)
		assert.Equal(t, tt.ok, ok, tt.target)
	}
}

func TestStore_isolation(t *testing.T) {
	cfg := Default()
	cfg.Targets["inbox"] = "doc-1"
	store := NewStore(cfg)

	cfg.Targets["inbox"] = "mutated"
	got := store.Get()
	assert.Equal(t, "doc-1", got.Targets["inbox"])

	got.Targets["inbox"] = "mutated again"
	docID, _ := store.ResolveTarget("inbox")
	assert.Equal(t, "doc-1", docID)

	updated := Default()
	updated.Targets["inbox"] = "doc-2"
	old := store.Set(updated)
	assert.Equal(t, "doc-1", old.Targets["inbox"])
	docID, _ = store.ResolveTarget("inbox")
	assert.Equal(t, "doc-2", docID)
}

func TestReboundTargets(t *testing.T) {
	old := Default()
	old.Targets = map[string]string{"a": "", "b": "doc-b", "c": "unsynced-c", "d": ""}
	updated := Default()
	updated.Targets = map[string]string{"a": "doc-a", "b": "doc-b2", "c": "doc-c", "d": "", "e": "doc-e"}

	assert.Equal(t, []string{"a", "c"}, ReboundTargets(old, updated))
	assert.Empty(t, ReboundTargets(updated, updated))
}

func TestWatch_reloads(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := writeConfig(t, dir, "targets:\n  inbox: \"\"\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	store := NewStore(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	changed := make(chan []string, 4)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, store, func(old, updated *Config) {
			changed <- ReboundTargets(old, updated)
		})
	}()

	// Let the watcher register before writing.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("targets:\n  inbox: doc-9\n"), 0o600))

	select {
	case rebound := <-changed:
		assert.Equal(t, []string{"inbox"}, rebound)
	case <-time.After(5 * time.Second):
		t.Fatal("config change not observed")
	}
	docID, ok := store.ResolveTarget("inbox")
	assert.True(t, ok)
	assert.Equal(t, "doc-9", docID)

	// A broken file keeps the previous config.
	require.NoError(t, os.WriteFile(path, []byte("hub: [broken"), 0o600))
	time.Sleep(reloadDebounce + 300*time.Millisecond)
	docID, ok = store.ResolveTarget("inbox")
	assert.True(t, ok)
	assert.Equal(t, "doc-9", docID)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop")
	}
}
