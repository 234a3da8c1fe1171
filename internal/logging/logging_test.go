package logging_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raysh454/kansoku/internal/logging"
)

func TestStdoutLogger_JSONIncludesComponentAndFields(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	l := logging.NewLogger("runner", logging.Options{Writer: &buf})

	l.Info("job done", logging.Field{Key: "guid", Value: "abc"}, logging.Field{Key: "error", Value: errors.New("boom")})

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "job done", rec["msg"])
	assert.Equal(t, "runner", rec["component"])
	assert.Equal(t, "abc", rec["guid"])
	assert.Equal(t, "boom", rec["error"])
}

func TestStdoutLogger_LevelFiltersDebug(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	l := logging.NewLogger("", logging.Options{Writer: &buf, Level: "warn"})

	l.Debug("hidden")
	l.Info("hidden")
	l.Warn("shown")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "shown")
}

func TestStdoutLogger_WithOverridesComponent(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	l := logging.NewLogger("app", logging.Options{Writer: &buf, Format: "text"})

	child := l.With(logging.Field{Key: "component", Value: "cache"}, logging.Field{Key: "backend", Value: "sqlite"})
	child.Error("failed")

	out := buf.String()
	assert.Contains(t, out, "component=cache")
	assert.Contains(t, out, "backend=sqlite")
	assert.True(t, strings.HasSuffix(strings.TrimSpace(out), "backend=sqlite"))
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range cases {
		assert.Equal(t, want, logging.ParseLevel(in), in)
	}
}
