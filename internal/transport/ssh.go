package transport

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/xtxerr/nodewatch/config"
	"github.com/xtxerr/nodewatch/internal/errors"
	"github.com/xtxerr/nodewatch/internal/logging"
)

var sshLog = logging.Component("ssh")

// =============================================================================
// SSH Configuration
// =============================================================================

// SSHConfig describes how to reach the head node.
type SSHConfig struct {
	Host    string
	Port    int
	Command string

	// KnownHostsFile verifies the host key. Empty accepts any key.
	KnownHostsFile string

	// Timeout bounds connect plus handshake. The command itself is
	// bounded by the caller's context.
	Timeout time.Duration
}

// =============================================================================
// SSH Transport
// =============================================================================

// SSH runs the status command over SSH with password authentication.
type SSH struct {
	cfg             SSHConfig
	hostKeyCallback ssh.HostKeyCallback
	dialer          net.Dialer
}

// NewSSH creates an SSH transport. Zero fields of cfg take defaults.
func NewSSH(cfg SSHConfig) (*SSH, error) {
	if cfg.Host == "" {
		return nil, errors.NewMissingField("cluster.host")
	}
	if cfg.Port == 0 {
		cfg.Port = config.DefaultSSHPort
	}
	if cfg.Command == "" {
		cfg.Command = config.DefaultCommand
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = config.DefaultDialTimeout
	}

	callback := ssh.InsecureIgnoreHostKey()
	if cfg.KnownHostsFile != "" {
		cb, err := knownhosts.New(cfg.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("load known hosts: %w", err)
		}
		callback = cb
	} else {
		sshLog.Warn("host key verification disabled", "host", cfg.Host)
	}

	return &SSH{
		cfg:             cfg,
		hostKeyCallback: callback,
		dialer:          net.Dialer{Timeout: cfg.Timeout},
	}, nil
}

// Addr returns host:port.
func (t *SSH) Addr() string {
	return net.JoinHostPort(t.cfg.Host, strconv.Itoa(t.cfg.Port))
}

// Fetch connects, runs the command and returns its stdout.
func (t *SSH) Fetch(ctx context.Context, creds Credentials) (string, error) {
	start := time.Now()

	client, err := t.connect(ctx, creds)
	if err != nil {
		return "", err
	}
	defer client.Close()

	// Closing the client aborts a running session when ctx ends first.
	stop := context.AfterFunc(ctx, func() { client.Close() })
	defer stop()

	session, err := client.NewSession()
	if err != nil {
		return "", fmt.Errorf("open session: %w: %w", errors.ErrConnectionFailed, err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	if err := session.Run(t.cfg.Command); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", contextError(ctxErr)
		}
		return "", fmt.Errorf("run %q: %w (stderr: %s)", t.cfg.Command, err, strings.TrimSpace(stderr.String()))
	}

	sshLog.Debug("command complete",
		"addr", t.Addr(),
		"bytes", stdout.Len(),
		"duration", time.Since(start))

	return stdout.String(), nil
}

// ValidateCredentials attempts a login and reports whether it succeeded.
func (t *SSH) ValidateCredentials(ctx context.Context, username, secret string) bool {
	client, err := t.connect(ctx, Credentials{Username: username, Secret: secret})
	if err != nil {
		if !errors.Is(err, errors.ErrAuthFailed) {
			sshLog.Warn("credential check failed", "addr", t.Addr(), "user", username, "error", err)
		}
		return false
	}
	client.Close()
	return true
}

func (t *SSH) connect(ctx context.Context, creds Credentials) (*ssh.Client, error) {
	if err := creds.Validate(); err != nil {
		return nil, err
	}

	clientCfg := &ssh.ClientConfig{
		User: creds.Username,
		Auth: []ssh.AuthMethod{
			ssh.Password(creds.Secret),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = creds.Secret
				}
				return answers, nil
			}),
		},
		HostKeyCallback: t.hostKeyCallback,
		Timeout:         t.cfg.Timeout,
	}

	addr := t.Addr()
	conn, err := t.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, contextError(ctxErr)
		}
		return nil, fmt.Errorf("dial %s: %w: %w", addr, errors.ErrConnectionFailed, err)
	}

	// Bound the handshake by the dial timeout and the caller's deadline.
	deadline := time.Now().Add(t.cfg.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetDeadline(deadline)

	c, chans, reqs, err := ssh.NewClientConn(conn, addr, clientCfg)
	if err != nil {
		conn.Close()
		if isAuthError(err) {
			return nil, fmt.Errorf("login %s@%s: %w", creds.Username, addr, errors.ErrAuthFailed)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, contextError(ctxErr)
		}
		var ne net.Error
		if (errors.As(err, &ne) && ne.Timeout()) || !time.Now().Before(deadline) {
			return nil, fmt.Errorf("handshake %s: %w", addr, errors.ErrTimeout)
		}
		return nil, fmt.Errorf("handshake %s: %w: %w", addr, errors.ErrConnectionFailed, err)
	}
	conn.SetDeadline(time.Time{})

	return ssh.NewClient(c, chans, reqs), nil
}

func isAuthError(err error) bool {
	return strings.Contains(err.Error(), "unable to authenticate")
}

func contextError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", errors.ErrTimeout, err)
	}
	return err
}
