package jobs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"

	"github.com/raysh454/kansoku/internal/utils"
)

// ShellJob runs a shell command and keeps its standard output.
type ShellJob struct {
	Base `yaml:",inline"`

	Command string `yaml:"command"`
}

var _ Job = (*ShellJob)(nil)

func (j *ShellJob) Kind() string                     { return KindShell }
func (j *ShellJob) Location() string                 { return j.Command }
func (j *ShellJob) IndexedLocation() string          { return j.indexed(j.Location()) }
func (j *ShellJob) PrettyName() string               { return j.pretty(j.Location()) }
func (j *ShellJob) IgnoreError(error) (bool, string) { return false, "" }

func (j *ShellJob) Retrieve(ctx context.Context, _ *State) (Outcome, error) {
	cmd := utils.ShellCommand(ctx, j.Command)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return Outcome{}, &ShellError{ExitCode: exitErr.ExitCode(), Stderr: stderr.String()}
		}
		return Outcome{}, fmt.Errorf("run %q: %w", j.Command, err)
	}
	return Changed(stdout.Bytes(), ""), nil
}

func (j *ShellJob) FormatError(err error) string {
	var se *ShellError
	if errors.As(err, &se) {
		return se.Error()
	}
	return Diagnostic(err)
}
