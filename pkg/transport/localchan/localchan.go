// Package localchan implements the transport channel against the
// local machine: commands run through /bin/sh and artifacts are plain
// files. It backs the controller's --local mode and integration tests
// that need a real executor without a remote host.
package localchan

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/andrej220/winbatch/pkg/batch"
	"github.com/andrej220/winbatch/pkg/transport"
)

// Dialer hands out local channels. Root is the base directory both
// sides of the channel share: commands run with it as their working
// directory and relative artifact paths resolve against it, so a
// session workdir means the same thing to Exec and ReadArtifact.
type Dialer struct {
	Root string
}

var _ transport.Dialer = (*Dialer)(nil)

func (d *Dialer) Dial(_ context.Context, host string, _ transport.Credentials) (transport.Channel, error) {
	root := d.Root
	if root == "" {
		root = os.TempDir()
	}
	return &channel{host: host, root: root}, nil
}

type channel struct {
	host string
	root string
}

func (c *channel) Exec(ctx context.Context, command string) (*transport.ExecResult, error) {
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	cmd.Dir = c.root
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := &transport.ExecResult{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return nil, batch.TransportErr("local exec", err)
	}
	return res, nil
}

func (c *channel) WriteArtifact(_ context.Context, path string, data []byte) error {
	full := c.resolve(path)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("create artifact dir: %w", err)
	}
	return os.WriteFile(full, data, 0o644)
}

func (c *channel) ReadArtifact(_ context.Context, path string) ([]byte, error) {
	data, err := os.ReadFile(c.resolve(path))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", transport.ErrArtifactNotFound, path)
		}
		return nil, err
	}
	return data, nil
}

func (c *channel) resolve(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(c.root, path)
}

func (c *channel) RemoteAddr() string { return c.host }

func (c *channel) Close() error { return nil }
