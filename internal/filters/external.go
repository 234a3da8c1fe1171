package filters

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/raysh454/kansoku/internal/utils"
)

func init() {
	register(&kind{
		name:       "shellpipe",
		doc:        "Filter using a shell command",
		subfilters: map[string]string{"command": "Shell command to execute for filtering (required)"},
		defaultSub: "command",
		apply:      shellpipe,
	})
	register(&kind{
		name: "pdf2text",
		doc:  "Convert PDF to plaintext (requires pdftotext)",
		subfilters: map[string]string{
			"password": "PDF password for decryption",
			"raw":      "Keep strings in content stream order",
		},
		usesBytes: true,
		apply:     pdf2text,
	})
	register(&kind{
		name:       "ocr",
		doc:        "Convert text in images to plaintext (requires tesseract)",
		subfilters: map[string]string{"language": "Language of the text (e.g. 'fra' or 'eng+fra')"},
		usesBytes:  true,
		apply:      ocr,
	})
}

func runPiped(cmd *exec.Cmd, input []byte) ([]byte, error) {
	var stdout, stderr bytes.Buffer
	cmd.Stdin = bytes.NewReader(input)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return nil, fmt.Errorf("%w: %s", err, msg)
		}
		return nil, err
	}
	return stdout.Bytes(), nil
}

func shellpipe(ctx context.Context, env Env, data []byte, opts map[string]any) ([]byte, error) {
	command, ok := optString(opts, "command")
	if !ok || command == "" {
		return nil, errors.New("needs a command")
	}
	cmd := utils.ShellCommand(ctx, command)
	cmd.Env = append(os.Environ(),
		"KANSOKU_JOB_NAME="+env.Name,
		"KANSOKU_JOB_LOCATION="+env.Location,
	)
	return runPiped(cmd, data)
}

func pdf2text(ctx context.Context, _ Env, data []byte, opts map[string]any) ([]byte, error) {
	args := []string{"-layout"}
	if optBool(opts, "raw") {
		args = []string{"-raw"}
	}
	if pw, ok := optString(opts, "password"); ok {
		args = append(args, "-upw", pw)
	}
	args = append(args, "-", "-")
	out, err := runPiped(exec.CommandContext(ctx, "pdftotext", args...), data)
	if err != nil {
		return nil, fmt.Errorf("pdftotext: %w", err)
	}
	return out, nil
}

func ocr(ctx context.Context, _ Env, data []byte, opts map[string]any) ([]byte, error) {
	args := []string{"stdin", "stdout"}
	if lang, ok := optString(opts, "language"); ok {
		args = append(args, "-l", lang)
	}
	out, err := runPiped(exec.CommandContext(ctx, "tesseract", args...), data)
	if err != nil {
		return nil, fmt.Errorf("tesseract: %w", err)
	}
	return bytes.TrimSpace(out), nil
}
