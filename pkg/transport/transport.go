// Package transport defines the abstract remote command channel the
// connection layer is built on. Any secure remote-shell transport that
// can run a command and move small artifacts satisfies it; the engine
// does not mandate a wire protocol.
package transport

import (
	"context"
	"errors"
)

// ErrArtifactNotFound is returned by ReadArtifact when the named
// artifact does not exist yet on the remote side.
var ErrArtifactNotFound = errors.New("artifact not found")

// Credentials identifies the remote account used for a session.
type Credentials struct {
	User           string `yaml:"user" json:"user"`
	Password       string `yaml:"password,omitempty" json:"password,omitempty"`
	PrivateKeyPath string `yaml:"private_key_path,omitempty" json:"private_key_path,omitempty"`
}

// ExecResult is the captured outcome of one remote command.
type ExecResult struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// Channel is one open connection to a remote host. A channel carries
// at most one in-flight batch at a time; callers must not interleave.
type Channel interface {
	// Exec runs a command on the remote host and blocks until it
	// finishes or ctx is done.
	Exec(ctx context.Context, command string) (*ExecResult, error)

	// WriteArtifact ships data to a remote path, text-safe framed.
	WriteArtifact(ctx context.Context, path string, data []byte) error

	// ReadArtifact fetches the current content of a remote path.
	ReadArtifact(ctx context.Context, path string) ([]byte, error)

	RemoteAddr() string
	Close() error
}

// Dialer opens channels. Connection failures must be reported as
// transport-unavailable conditions, authentication rejections as
// terminal auth failures.
type Dialer interface {
	Dial(ctx context.Context, host string, creds Credentials) (Channel, error)
}
