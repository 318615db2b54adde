// Package sshchan implements the transport channel over SSH using
// golang.org/x/crypto/ssh.
package sshchan

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/andrej220/winbatch/pkg/batch"
	"github.com/andrej220/winbatch/pkg/transport"
)

// Dialer opens SSH channels with a bounded connect timeout.
type Dialer struct {
	ConnectTimeout time.Duration
}

var _ transport.Dialer = (*Dialer)(nil)

// Dial establishes the SSH connection. Handshake-level auth rejections
// come back as batch.ErrAuthFailed and are never retried; everything
// else is a retryable transport failure.
func (d *Dialer) Dial(ctx context.Context, host string, creds transport.Credentials) (transport.Channel, error) {
	auth, err := authMethods(creds)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", batch.ErrAuthFailed, err)
	}

	timeout := d.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	cfg := &ssh.ClientConfig{
		User:            creds.User,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         timeout,
		BannerCallback:  func(string) error { return nil },
	}

	addr := host
	if !strings.Contains(addr, ":") {
		addr = addr + ":22"
	}

	client, err := ssh.Dial("tcp", addr, cfg)
	if err != nil {
		if strings.Contains(err.Error(), "unable to authenticate") {
			return nil, fmt.Errorf("%w: %w", batch.ErrAuthFailed, err)
		}
		return nil, batch.TransportErr("ssh dial "+addr, err)
	}
	return &channel{client: client}, nil
}

func authMethods(creds transport.Credentials) ([]ssh.AuthMethod, error) {
	var auth []ssh.AuthMethod
	if creds.PrivateKeyPath != "" {
		key, err := os.ReadFile(creds.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("read private key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if creds.Password != "" {
		auth = append(auth, ssh.Password(creds.Password))
	}
	if len(auth) == 0 {
		return nil, fmt.Errorf("no credentials provided")
	}
	return auth, nil
}

type channel struct {
	client *ssh.Client
}

func (c *channel) Exec(ctx context.Context, command string) (*transport.ExecResult, error) {
	sess, err := c.client.NewSession()
	if err != nil {
		return nil, batch.TransportErr("new session", err)
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	if err := sess.Start(command); err != nil {
		return nil, batch.TransportErr("start command", err)
	}

	done := make(chan error, 1)
	go func() { done <- sess.Wait() }()

	select {
	case <-ctx.Done():
		// Best effort: the remote process may outlive the session.
		_ = sess.Signal(ssh.SIGKILL)
		_ = sess.Close()
		return nil, batch.TransportErr("exec cancelled", ctx.Err())
	case err := <-done:
		res := &transport.ExecResult{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
		if err != nil {
			var exitErr *ssh.ExitError
			if errors.As(err, &exitErr) {
				res.ExitCode = exitErr.ExitStatus()
				return res, nil
			}
			return nil, fmt.Errorf("%w: %w", batch.ErrSessionLost, err)
		}
		return res, nil
	}
}

// WriteArtifact ships data base64-framed over a one-shot session, so
// arbitrary bytes survive the remote shell untouched.
func (c *channel) WriteArtifact(ctx context.Context, remotePath string, data []byte) error {
	encoded := base64.StdEncoding.EncodeToString(data)
	cmd := fmt.Sprintf("mkdir -p '%s' && base64 -d > '%s'", path.Dir(remotePath), remotePath)

	sess, err := c.client.NewSession()
	if err != nil {
		return batch.TransportErr("new session", err)
	}
	defer sess.Close()
	sess.Stdin = strings.NewReader(encoded)

	done := make(chan error, 1)
	if err := sess.Start(cmd); err != nil {
		return batch.TransportErr("start artifact write", err)
	}
	go func() { done <- sess.Wait() }()

	select {
	case <-ctx.Done():
		_ = sess.Close()
		return batch.TransportErr("artifact write cancelled", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("write artifact %s: %w", remotePath, err)
		}
		return nil
	}
}

func (c *channel) ReadArtifact(ctx context.Context, remotePath string) ([]byte, error) {
	res, err := c.Exec(ctx, fmt.Sprintf("base64 < '%s'", remotePath))
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("%w: %s", transport.ErrArtifactNotFound, remotePath)
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(res.Stdout)))
	if err != nil {
		return nil, fmt.Errorf("decode artifact %s: %w", remotePath, err)
	}
	return decoded, nil
}

func (c *channel) RemoteAddr() string {
	return c.client.RemoteAddr().String()
}

func (c *channel) Close() error {
	return c.client.Close()
}
