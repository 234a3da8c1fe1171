package joblist_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raysh454/kansoku/internal/joblist"
	"github.com/raysh454/kansoku/internal/jobs"
)

func write(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

const yamlJobs = `name: example
url: https://example.com/
---
command: date
max_tries: 2
---
---
url: https://example.org/page
use_browser: true
`

func TestLoad_YAMLStream(t *testing.T) {
	t.Parallel()
	decls, err := joblist.Load(write(t, "jobs.yaml", yamlJobs))
	require.NoError(t, err)
	require.Len(t, decls, 3)
	assert.Equal(t, 1, decls[0]["index_number"])
	assert.Equal(t, "date", decls[1]["command"])
	assert.Equal(t, 3, decls[2]["index_number"], "empty documents are skipped")
}

func TestLoad_JSON5(t *testing.T) {
	t.Parallel()
	path := write(t, "jobs.json5", `[
		// comments are fine
		{url: "https://example.com/", name: "example"},
		{command: "date",},
	]`)
	list, err := joblist.Open(path, nil)
	require.NoError(t, err)
	require.Len(t, list.Jobs, 2)
	assert.Equal(t, jobs.KindURL, list.Jobs[0].Kind())
	assert.Equal(t, "example", list.Jobs[0].PrettyName())
	assert.Equal(t, "Job 2: date", list.Jobs[1].IndexedLocation())
}

func TestLoad_Errors(t *testing.T) {
	t.Parallel()
	_, err := joblist.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	_, err = joblist.Load(write(t, "bad.yaml", "url: [unclosed\n"))
	assert.Error(t, err)
}

func TestOpen_ResolvesWithDefaults(t *testing.T) {
	t.Parallel()
	defaults := map[string]jobs.Declaration{
		"all":   {"max_tries": 5},
		"shell": {"max_tries": 1},
	}
	list, err := joblist.Open(write(t, "jobs.yaml", yamlJobs), defaults)
	require.NoError(t, err)
	require.Len(t, list.Jobs, 3)

	assert.Equal(t, 5, *list.Jobs[0].Common().MaxTries)
	assert.Equal(t, 2, *list.Jobs[1].Common().MaxTries, "declared values win")
	assert.Equal(t, jobs.KindBrowser, list.Jobs[2].Kind())
}

func TestResolve_DuplicateLocation(t *testing.T) {
	t.Parallel()
	decls := []jobs.Declaration{
		{"index_number": 1, "command": "date"},
		{"index_number": 2, "command": "date"},
	}
	_, err := joblist.Resolve(decls, nil)
	require.ErrorIs(t, err, joblist.ErrDuplicateJob)
	assert.Contains(t, err.Error(), "Job 2: date repeats Job 1: date")
}

func TestResolve_EquivalentURLsProduceNotice(t *testing.T) {
	t.Parallel()
	decls := []jobs.Declaration{
		{"index_number": 1, "url": "https://Example.com/a?b=2&a=1"},
		{"index_number": 2, "url": "https://example.com/a?a=1&b=2"},
	}
	list, err := joblist.Resolve(decls, nil)
	require.NoError(t, err)
	assert.Len(t, list.Jobs, 2)
	require.Len(t, list.Notices, 1)
	assert.Contains(t, list.Notices[0], "point to the same resource")
}

func TestResolve_InvalidDeclaration(t *testing.T) {
	t.Parallel()
	_, err := joblist.Resolve([]jobs.Declaration{{"index_number": 1, "bogus": true}}, nil)
	var ve *jobs.ValidationError
	assert.ErrorAs(t, err, &ve)
}

func TestSave_RoundTrip(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "jobs.yaml")
	decls := []jobs.Declaration{
		{"index_number": 1, "url": "https://example.com/", "name": "a"},
		{"index_number": 2, "command": "date"},
	}
	require.NoError(t, joblist.Save(path, decls))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "index_number")

	got, err := joblist.Load(path)
	require.NoError(t, err)
	assert.Equal(t, decls, got)

	assert.Error(t, joblist.Save(filepath.Join(t.TempDir(), "jobs.json"), decls))
}
