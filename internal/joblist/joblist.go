// Package joblist reads and writes job files and turns them into jobs.
//
// A job file is a YAML stream with one declaration per document, or a
// JSON5 list of declarations when its extension is .json or .json5.
package joblist

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/titanous/json5"
	"gopkg.in/yaml.v3"

	"github.com/raysh454/kansoku/internal/jobs"
	"github.com/raysh454/kansoku/internal/utils"
)

var ErrDuplicateJob = errors.New("duplicate job")

func isJSON(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".json5":
		return true
	}
	return false
}

// Load reads the declarations of a job file and numbers them from 1 in
// file order.
func Load(path string) ([]jobs.Declaration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var decls []jobs.Declaration
	if isJSON(path) {
		decls, err = decodeJSON(data)
	} else {
		decls, err = decodeYAML(data)
	}
	if err != nil {
		return nil, fmt.Errorf("read jobs from %s: %w", path, err)
	}
	for i, d := range decls {
		d["index_number"] = i + 1
	}
	return decls, nil
}

func decodeYAML(data []byte) ([]jobs.Declaration, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	var out []jobs.Declaration
	for doc := 1; ; doc++ {
		var d map[string]any
		err := dec.Decode(&d)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("document %d: %w", doc, err)
		}
		if d == nil {
			continue
		}
		out = append(out, jobs.Declaration(d))
	}
}

func decodeJSON(data []byte) ([]jobs.Declaration, error) {
	var raw []map[string]any
	if err := json5.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	out := make([]jobs.Declaration, 0, len(raw))
	for _, d := range raw {
		if d != nil {
			out = append(out, jobs.Declaration(d))
		}
	}
	return out, nil
}

// Save writes declarations back as a YAML stream. index_number is
// positional and is not written.
func Save(path string, decls []jobs.Declaration) error {
	if isJSON(path) {
		return fmt.Errorf("save %s: only YAML job files can be written", path)
	}
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	for _, d := range decls {
		c := d.Clone()
		delete(c, "index_number")
		if err := enc.Encode(map[string]any(c)); err != nil {
			return fmt.Errorf("encode job: %w", err)
		}
	}
	if err := enc.Close(); err != nil {
		return err
	}
	return utils.AtomicWriteFile(path, buf.Bytes(), 0o644)
}

// List is a resolved job file.
type List struct {
	Jobs    []jobs.Job
	Notices []string
}

// Resolve turns declarations into jobs with defaults applied. Two jobs with
// the same location are rejected since they would share a cache entry.
// URLs that only differ in form, such as letter case or parameter order,
// produce a notice.
func Resolve(decls []jobs.Declaration, defaults map[string]jobs.Declaration) (*List, error) {
	list := &List{Jobs: make([]jobs.Job, 0, len(decls))}
	seen := map[string]jobs.Job{}
	canonical := map[string]jobs.Job{}

	for _, d := range decls {
		job, notices, err := jobs.Resolve(d)
		list.Notices = append(list.Notices, notices...)
		if err != nil {
			return nil, err
		}
		if job, err = jobs.WithDefaults(job, defaults); err != nil {
			return nil, err
		}

		guid := jobs.GUID(job)
		if prev, ok := seen[guid]; ok {
			return nil, fmt.Errorf("%w: %s repeats %s", ErrDuplicateJob, job.IndexedLocation(), prev.IndexedLocation())
		}
		seen[guid] = job

		if job.Kind() != jobs.KindShell {
			if c, err := utils.Canonicalize(job.Location(), utils.CanonicalizeOptions{}); err == nil {
				if prev, ok := canonical[c]; ok {
					list.Notices = append(list.Notices, fmt.Sprintf(
						"%s and %s point to the same resource", prev.IndexedLocation(), job.IndexedLocation()))
				} else {
					canonical[c] = job
				}
			}
		}
		list.Jobs = append(list.Jobs, job)
	}
	return list, nil
}

// Open is Load followed by Resolve.
func Open(path string, defaults map[string]jobs.Declaration) (*List, error) {
	decls, err := Load(path)
	if err != nil {
		return nil, err
	}
	return Resolve(decls, defaults)
}
