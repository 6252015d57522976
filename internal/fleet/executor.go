package fleet

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"session-hub/internal/model"
)

const defaultPlaceTimeout = 60 * time.Second

type ExecResult struct {
	ExitCode int           `json:"exit_code"`
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	Duration time.Duration `json:"duration"`
}

// RemoteExecutor runs commands and copies files on a worker node. A timeout
// or transport failure is returned as an error wrapping ErrNodeUnreachable;
// a command that ran and failed is reported through ExitCode.
type RemoteExecutor interface {
	Run(ctx context.Context, node model.ServerNode, command string, timeout time.Duration) (ExecResult, error)
	CopyFile(ctx context.Context, node model.ServerNode, localPath, remotePath string) error
}

// CredentialPlacer puts an account's credential material on a node and
// returns the remote path it landed at.
type CredentialPlacer interface {
	PlaceCredential(ctx context.Context, credentialRef string, node model.ServerNode, accountID string) (string, error)
}

type RemoteCredentialPlacer struct {
	executor RemoteExecutor
	timeout  time.Duration
}

func NewRemoteCredentialPlacer(executor RemoteExecutor, timeout time.Duration) *RemoteCredentialPlacer {
	if timeout <= 0 {
		timeout = defaultPlaceTimeout
	}
	return &RemoteCredentialPlacer{executor: executor, timeout: timeout}
}

func SessionPath(node model.ServerNode, accountID string) string {
	return path.Join(node.DeployDir, "sessions", accountID+".session")
}

func (p *RemoteCredentialPlacer) PlaceCredential(ctx context.Context, credentialRef string, node model.ServerNode, accountID string) (string, error) {
	if p == nil || p.executor == nil {
		return "", fmt.Errorf("%w: remote executor is nil", ErrTransferFailed)
	}
	if strings.TrimSpace(credentialRef) == "" {
		return "", fmt.Errorf("%w: credential reference is empty", ErrTransferFailed)
	}
	if strings.TrimSpace(node.DeployDir) == "" {
		return "", fmt.Errorf("%w: node %s has no deploy dir", ErrTransferFailed, node.ID)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	remotePath := SessionPath(node, accountID)
	result, err := p.executor.Run(ctx, node, "mkdir -p "+ShellQuote(path.Dir(remotePath)), p.timeout)
	if err != nil {
		return "", fmt.Errorf("%w: prepare %s on %s: %w", ErrTransferFailed, path.Dir(remotePath), node.ID, err)
	}
	if result.ExitCode != 0 {
		return "", fmt.Errorf("%w: prepare %s on %s exited %d: %s",
			ErrTransferFailed, path.Dir(remotePath), node.ID, result.ExitCode, strings.TrimSpace(result.Stderr))
	}

	if err := p.executor.CopyFile(ctx, node, credentialRef, remotePath); err != nil {
		return "", fmt.Errorf("%w: copy to %s on %s: %w", ErrTransferFailed, remotePath, node.ID, err)
	}
	return remotePath, nil
}

func ShellQuote(value string) string {
	return "'" + strings.ReplaceAll(value, "'", `'\''`) + "'"
}

// IsUnreachable reports whether err means the node could not be reached.
func IsUnreachable(err error) bool {
	return errors.Is(err, ErrNodeUnreachable) || errors.Is(err, context.DeadlineExceeded)
}
