package agent

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"session-hub/internal/hub"
)

const (
	defaultCommandTimeout = 30 * time.Second
	maxOutputBytes        = 1 << 20
)

// Runner executes command frames on the local host.
type Runner struct {
	shell          string
	defaultTimeout time.Duration
	logger         *zap.Logger
}

func NewRunner(logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{shell: "/bin/sh", defaultTimeout: defaultCommandTimeout, logger: logger}
}

func (r *Runner) Execute(ctx context.Context, commandID string, cmd hub.CommandPayload) hub.ResultPayload {
	startedAt := time.Now()
	var result hub.ResultPayload
	switch cmd.Kind {
	case hub.CommandExec:
		result = r.exec(ctx, cmd)
	case hub.CommandWriteFile:
		result = r.writeFile(cmd)
	default:
		result = hub.ResultPayload{ExitCode: -1, Error: fmt.Sprintf("unsupported command kind %q", cmd.Kind)}
	}
	result.CommandID = commandID
	result.DurationMS = time.Since(startedAt).Milliseconds()

	r.logger.Debug("command finished",
		zap.String("command_id", commandID),
		zap.String("kind", cmd.Kind),
		zap.Int("exit_code", result.ExitCode),
		zap.Int64("duration_ms", result.DurationMS))
	return result
}

func (r *Runner) exec(ctx context.Context, cmd hub.CommandPayload) hub.ResultPayload {
	timeout := r.defaultTimeout
	if cmd.TimeoutSeconds > 0 {
		timeout = time.Duration(cmd.TimeoutSeconds) * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	command := exec.CommandContext(ctx, r.shell, "-c", cmd.Command)
	command.Stdout = &stdout
	command.Stderr = &stderr

	err := command.Run()
	result := hub.ResultPayload{
		Stdout: truncate(stdout.String()),
		Stderr: truncate(stderr.String()),
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		result.ExitCode = -1
		result.Error = fmt.Sprintf("command timed out after %s", timeout)
	case errors.As(err, &exitErr):
		result.ExitCode = exitErr.ExitCode()
	default:
		result.ExitCode = -1
		result.Error = err.Error()
	}
	return result
}

// writeFile writes through a temp file and a rename so readers never see a
// partial credential.
func (r *Runner) writeFile(cmd hub.CommandPayload) hub.ResultPayload {
	if cmd.Path == "" {
		return hub.ResultPayload{ExitCode: -1, Error: "path is required"}
	}
	content, err := base64.StdEncoding.DecodeString(cmd.ContentBase64)
	if err != nil {
		return hub.ResultPayload{ExitCode: -1, Error: "decode content: " + err.Error()}
	}
	mode := os.FileMode(cmd.Mode)
	if mode == 0 {
		mode = 0o600
	}

	dir := filepath.Dir(cmd.Path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return hub.ResultPayload{ExitCode: 1, Error: err.Error()}
	}
	tmp, err := os.CreateTemp(dir, ".write-*")
	if err != nil {
		return hub.ResultPayload{ExitCode: 1, Error: err.Error()}
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck

	if _, err := tmp.Write(content); err != nil {
		_ = tmp.Close()
		return hub.ResultPayload{ExitCode: 1, Error: err.Error()}
	}
	if err := tmp.Chmod(mode); err != nil {
		_ = tmp.Close()
		return hub.ResultPayload{ExitCode: 1, Error: err.Error()}
	}
	if err := tmp.Close(); err != nil {
		return hub.ResultPayload{ExitCode: 1, Error: err.Error()}
	}
	if err := os.Rename(tmp.Name(), cmd.Path); err != nil {
		return hub.ResultPayload{ExitCode: 1, Error: err.Error()}
	}
	return hub.ResultPayload{}
}

func truncate(value string) string {
	if len(value) <= maxOutputBytes {
		return value
	}
	return value[:maxOutputBytes]
}
