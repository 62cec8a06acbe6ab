// Package executor opens command sessions on build hosts and runs steps
// through them.
package executor

import (
	"context"
	"errors"
)

var (
	ErrNoCredential = errors.New("no credential for target")
	ErrClosed       = errors.New("session is closed")
)

// Target identifies a build host.
type Target struct {
	Address       string `json:"address" yaml:"address" validate:"required"`
	User          string `json:"user,omitempty" yaml:"user,omitempty"`
	CredentialRef string `json:"credentialRef,omitempty" yaml:"credentialRef,omitempty"`
}

// Credential authenticates against a Target. Either Password or PrivateKey
// (PEM) must be set.
type Credential struct {
	User       string `yaml:"user"`
	Password   string `yaml:"password"`
	PrivateKey string `yaml:"privateKey"`
}

// CredentialResolver looks credentials up by reference.
type CredentialResolver interface {
	Resolve(ctx context.Context, ref string) (Credential, error)
}

// Result of one remote command. Status is the command's exit status.
type Result struct {
	Status int
	Stdout []string
	Stderr []string
}

func (r Result) OK() bool { return r.Status == 0 }

// Session is an open command channel to one host. A non-nil error from any
// method means the channel failed; a command that ran and failed comes back
// as a Result with a nonzero Status.
type Session interface {
	RunCommand(ctx context.Context, line string) (Result, error)
	RunScript(ctx context.Context, body string) (Result, error)
	// EnsureDir creates dir and its parents; existing directories succeed.
	EnsureDir(ctx context.Context, dir string) (Result, error)
	// Fetch downloads url into dir/name on the host. dir must exist.
	Fetch(ctx context.Context, url, dir, name string) (Result, error)
	Close() error
}

// Dialer opens sessions.
type Dialer interface {
	Open(ctx context.Context, t Target) (Session, error)
}
