package transport

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/xtxerr/nodewatch/config"
	"github.com/xtxerr/nodewatch/internal/errors"
)

// Exec runs the status command locally, for deployments on the head node
// itself. Credentials are not used.
type Exec struct {
	command []string
	run     func(ctx context.Context, name string, args ...string) ([]byte, error)
}

// NewExec creates a local transport for command (split on whitespace).
func NewExec(command string) (*Exec, error) {
	if strings.TrimSpace(command) == "" {
		command = config.DefaultCommand
	}
	return &Exec{command: strings.Fields(command), run: runCommand}, nil
}

// Fetch runs the command and returns its stdout.
func (t *Exec) Fetch(ctx context.Context, _ Credentials) (string, error) {
	out, err := t.run(ctx, t.command[0], t.command[1:]...)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", contextError(ctxErr)
		}
		return "", fmt.Errorf("run %q: %w", strings.Join(t.command, " "), err)
	}
	return string(out), nil
}

// ValidateCredentials accepts only the user the process runs as. There is
// no password backend for local execution.
func (t *Exec) ValidateCredentials(_ context.Context, username, _ string) bool {
	return username != "" && username == os.Getenv("USER")
}

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("%w (stderr: %s)", err, msg)
		}
		if errors.Is(err, exec.ErrNotFound) {
			return nil, fmt.Errorf("%w: %w", errors.ErrConnectionFailed, err)
		}
		return nil, err
	}
	return out, nil
}
