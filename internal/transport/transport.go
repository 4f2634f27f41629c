// Package transport obtains raw node status text from the cluster.
//
// A Transport runs the status command (normally `scontrol show node`) and
// returns its output. It owns connection and timeout behaviour; callers
// only see a payload or an error. Credentials travel in an explicit
// Session rather than in shared client state, and every Fetch opens and
// closes its own connection.
package transport

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/xtxerr/nodewatch/internal/errors"
)

// Transport fetches raw status text.
type Transport interface {
	// Fetch runs the status command as the session's user. An empty
	// payload is a valid return; the caller decides whether it is usable.
	Fetch(ctx context.Context, creds Credentials) (string, error)

	// ValidateCredentials reports whether username/secret can log in.
	// It is used by authentication front ends, not by the data path.
	ValidateCredentials(ctx context.Context, username, secret string) bool
}

// Credentials authenticate against the cluster head node.
type Credentials struct {
	Username string
	Secret   string
}

// String never prints the secret.
func (c Credentials) String() string {
	return fmt.Sprintf("Credentials{Username: %q}", c.Username)
}

// Validate checks that a username is present.
func (c Credentials) Validate() error {
	if c.Username == "" {
		return errors.NewMissingField("credentials.username")
	}
	return nil
}

// Session binds credentials to an identifier used in logs.
type Session struct {
	ID          string
	Credentials Credentials
}

// NewSession creates a session with a random ID.
func NewSession(creds Credentials) *Session {
	return &Session{
		ID:          uuid.NewString(),
		Credentials: creds,
	}
}
