package jobs_test

import (
	"context"
	"errors"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raysh454/kansoku/internal/jobs"
)

func TestShellJob_CapturesStdout(t *testing.T) {
	t.Parallel()
	if runtime.GOOS == "windows" {
		t.Skip("uses sh")
	}
	job := mustResolve(t, jobs.Declaration{"command": "echo hello; echo ignored >&2"})
	out, err := job.Retrieve(context.Background(), &jobs.State{})
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(out.Data))
	assert.False(t, out.NotModified)
}

func TestShellJob_NonZeroExitIsNeverIgnored(t *testing.T) {
	t.Parallel()
	if runtime.GOOS == "windows" {
		t.Skip("uses sh")
	}
	job := mustResolve(t, jobs.Declaration{
		"command":                  "echo oops >&2; exit 3",
		"ignore_connection_errors": true,
		"ignore_http_error_codes":  "5xx",
	})
	_, err := job.Retrieve(context.Background(), &jobs.State{})
	var se *jobs.ShellError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, 3, se.ExitCode)
	assert.Equal(t, "oops\n", se.Stderr)

	ignored, _ := job.IgnoreError(err)
	assert.False(t, ignored)
	assert.Equal(t, "command exited with status 3: oops", job.FormatError(err))
}
