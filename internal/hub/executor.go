package hub

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"session-hub/internal/fleet"
	"session-hub/internal/model"
)

const defaultExecTimeout = 30 * time.Second

type commandSender interface {
	SendCommand(ctx context.Context, agentID string, cmd CommandPayload) (ResultPayload, error)
}

// Executor runs fleet commands through the agent connected for each node.
type Executor struct {
	hub    commandSender
	logger *zap.Logger
}

var _ fleet.RemoteExecutor = (*Executor)(nil)

func NewExecutor(h commandSender, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{hub: h, logger: logger}
}

func (e *Executor) Run(ctx context.Context, node model.ServerNode, command string, timeout time.Duration) (fleet.ExecResult, error) {
	if strings.TrimSpace(command) == "" {
		return fleet.ExecResult{}, errors.New("command is empty")
	}
	if timeout <= 0 {
		timeout = defaultExecTimeout
	}

	result, err := e.send(ctx, node, CommandPayload{
		Kind:           CommandExec,
		Command:        command,
		TimeoutSeconds: int((timeout + time.Second - 1) / time.Second),
	}, timeout)
	if err != nil {
		return fleet.ExecResult{}, err
	}

	return fleet.ExecResult{
		ExitCode: result.ExitCode,
		Stdout:   result.Stdout,
		Stderr:   result.Stderr,
		Duration: time.Duration(result.DurationMS) * time.Millisecond,
	}, nil
}

// CopyFile ships a local file to the node as a write_file command.
func (e *Executor) CopyFile(ctx context.Context, node model.ServerNode, localPath, remotePath string) error {
	content, err := os.ReadFile(localPath)
	if err != nil {
		return fmt.Errorf("read %s: %w", localPath, err)
	}

	result, err := e.send(ctx, node, CommandPayload{
		Kind:          CommandWriteFile,
		Path:          remotePath,
		ContentBase64: base64.StdEncoding.EncodeToString(content),
		Mode:          0o600,
	}, defaultExecTimeout)
	if err != nil {
		return err
	}
	if result.ExitCode != 0 || result.Error != "" {
		return fmt.Errorf("write %s on %s failed: exit %d %s", remotePath, node.ID, result.ExitCode, strings.TrimSpace(result.Error+" "+result.Stderr))
	}

	e.logger.Info("file copied to node",
		zap.String("node_id", node.ID),
		zap.String("remote_path", remotePath),
		zap.Int("bytes", len(content)))
	return nil
}

func (e *Executor) send(ctx context.Context, node model.ServerNode, cmd CommandPayload, timeout time.Duration) (ResultPayload, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := e.hub.SendCommand(ctx, node.ID, cmd)
	switch {
	case err == nil:
		return result, nil
	case errors.Is(err, ErrAgentNotConnected), errors.Is(err, ErrAgentDisconnected):
		return ResultPayload{}, fmt.Errorf("%w: %w", fleet.ErrNodeUnreachable, err)
	case errors.Is(err, context.DeadlineExceeded):
		return ResultPayload{}, fmt.Errorf("%w: %s timed out after %s", fleet.ErrNodeUnreachable, cmd.Kind, timeout)
	default:
		return ResultPayload{}, err
	}
}
