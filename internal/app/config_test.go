package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sethvargo/go-envconfig"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raysh454/kansoku/internal/cache"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfig_MissingFileYieldsDefaults(t *testing.T) {
	t.Parallel()
	cfg, err := LoadConfig(context.Background(), filepath.Join(t.TempDir(), "nope.yaml"), nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadConfig_YAMLWithLocalOverride(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", `
workers: 8
max_tries: 3
cache:
  backend: memory
job_defaults:
  all:
    max_tries: 2
  url:
    headers:
      Accept: text/html
browser:
  idle_after: 250ms
`)
	writeFile(t, dir, "config.local.yaml", "workers: 2\n")

	cfg, err := LoadConfig(context.Background(), path, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Workers, "local file wins")
	assert.Equal(t, 3, cfg.MaxTries)
	assert.Equal(t, cache.BackendMemory, cfg.Cache.Backend)
	assert.Equal(t, 10, cfg.Cache.History, "unset keys keep their defaults")
	assert.Equal(t, 2, cfg.JobDefaults["all"]["max_tries"])
	assert.Equal(t, 250*time.Millisecond, cfg.Browser.IdleAfter)
}

func TestLoadConfig_TOMLAndJSON5(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	tomlPath := writeFile(t, dir, "config.toml", `
workers = 6
schedule = "@every 1h"

[display]
unchanged = true
`)
	cfg, err := LoadConfig(context.Background(), tomlPath, nil)
	require.NoError(t, err)
	assert.Equal(t, 6, cfg.Workers)
	assert.Equal(t, "@every 1h", cfg.Schedule)
	assert.True(t, cfg.Display.Unchanged)

	jsonPath := writeFile(t, dir, "config.json5", `{
		// comment
		workers: 5,
		report: {webhook: {enabled: true, url: "https://hooks.example.com/x"}},
	}`)
	cfg, err = LoadConfig(context.Background(), jsonPath, nil)
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Workers)
	assert.True(t, cfg.Report.Webhook.Enabled)
	assert.True(t, cfg.Report.Text.Enabled, "defaults survive")
}

func TestLoadConfig_EnvironmentOverrides(t *testing.T) {
	t.Parallel()
	path := writeFile(t, t.TempDir(), "config.yaml", "workers: 8\n")
	env := envconfig.MapLookuper(map[string]string{
		"KANSOKU_WORKERS":            "3",
		"KANSOKU_CACHE_BACKEND":      "memory",
		"KANSOKU_LOG_LEVEL":          "debug",
		"KANSOKU_REPORT_EMAIL_TO":    "a@example.com,b@example.com",
		"KANSOKU_HTTP_USER_AGENT":    "bot/1",
		"KANSOKU_BROWSER_HEADFUL":    "true",
		"UNPREFIXED_WORKERS_IGNORED": "9",
	})
	cfg, err := LoadConfig(context.Background(), path, env)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Workers)
	assert.Equal(t, cache.BackendMemory, cfg.Cache.Backend)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, []string{"a@example.com", "b@example.com"}, cfg.Report.Email.To)
	assert.Equal(t, "bot/1", cfg.WebClientConfig().UserAgent)
	assert.True(t, cfg.WebClientConfig().Headful)
	assert.Equal(t, "info", DefaultConfig().Log.Level)
}

func TestLoadConfig_Invalid(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cases := map[string]string{
		"workers out of range": "workers: 0\n",
		"unknown backend":      "cache:\n  backend: redis\n",
		"unknown key":          "wrokers: 4\n",
		"bad defaults scope":   "job_defaults:\n  ftp:\n    max_tries: 1\n",
		"email without to":     "report:\n  email:\n    enabled: true\n    from: a@example.com\n",
		"bad log format":       "log:\n  format: xml\n",
	}
	for name, content := range cases {
		path := writeFile(t, dir, name+".yaml", content)
		_, err := LoadConfig(context.Background(), path, nil)
		assert.Error(t, err, name)
	}
}

func TestExpandPath(t *testing.T) {
	t.Parallel()
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	got, err := ExpandPath("~/x")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "x"), got)

	got, err = ExpandPath("/abs")
	require.NoError(t, err)
	assert.Equal(t, "/abs", got)
}
