package session_test

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andrej220/winbatch/internal/session"
	"github.com/andrej220/winbatch/pkg/batch"
	"github.com/andrej220/winbatch/pkg/lg"
	"github.com/andrej220/winbatch/pkg/payload"
	"github.com/andrej220/winbatch/pkg/transport"
)

// fakeChannel answers the registry's setup and probe commands.
type fakeChannel struct {
	mu         sync.Mutex
	execLog    []string
	probeFails bool
	agentGen   string
	closed     bool
}

func (c *fakeChannel) Exec(_ context.Context, command string) (*transport.ExecResult, error) {
	c.mu.Lock()
	c.execLog = append(c.execLog, command)
	c.mu.Unlock()

	switch {
	case strings.HasPrefix(command, "echo winbatch-probe"):
		if c.probeFails {
			return nil, fmt.Errorf("%w: broken pipe", batch.ErrSessionLost)
		}
		return &transport.ExecResult{Stdout: []byte("winbatch-probe\n")}, nil
	case strings.HasPrefix(command, "mkdir"):
		return &transport.ExecResult{}, nil
	case strings.HasSuffix(command, " version"):
		if c.agentGen == "" {
			return &transport.ExecResult{ExitCode: 127}, nil
		}
		return &transport.ExecResult{Stdout: []byte(c.agentGen + "\n")}, nil
	}
	return &transport.ExecResult{}, nil
}

func (c *fakeChannel) WriteArtifact(context.Context, string, []byte) error { return nil }
func (c *fakeChannel) ReadArtifact(context.Context, string) ([]byte, error) {
	return nil, transport.ErrArtifactNotFound
}
func (c *fakeChannel) RemoteAddr() string { return "fake:22" }
func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

type fakeDialer struct {
	mu       sync.Mutex
	dials    int
	err      error
	channels []*fakeChannel
	next     func() *fakeChannel
}

func (d *fakeDialer) Dial(_ context.Context, _ string, _ transport.Credentials) (transport.Channel, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.err != nil {
		return nil, d.err
	}
	var ch *fakeChannel
	if d.next != nil {
		ch = d.next()
	} else {
		ch = &fakeChannel{agentGen: "2"}
	}
	d.channels = append(d.channels, ch)
	return ch, nil
}

func newRegistry(d *fakeDialer) *session.Registry {
	return session.NewRegistry(d, session.Config{ProbeTimeout: time.Second}, lg.Discard)
}

func TestAcquireDialsAndNegotiates(t *testing.T) {
	d := &fakeDialer{}
	r := newRegistry(d)
	defer r.Close()

	s, err := r.Acquire(context.Background(), "web01:22", transport.Credentials{User: "admin"})
	require.NoError(t, err)
	assert.Equal(t, 1, d.dials)
	assert.Equal(t, session.StateBusy, s.State())
	assert.Equal(t, payload.GenStdin, s.Caps.Generation)
	assert.NotEmpty(t, s.ID)
	assert.Contains(t, s.Workdir(), s.ID)
}

func TestAcquireFallsBackToArgWrapper(t *testing.T) {
	d := &fakeDialer{next: func() *fakeChannel { return &fakeChannel{} }}
	r := newRegistry(d)
	defer r.Close()

	s, err := r.Acquire(context.Background(), "old-host", transport.Credentials{})
	require.NoError(t, err)
	assert.Equal(t, payload.GenArg, s.Caps.Generation)
}

func TestAcquireReusesReadySession(t *testing.T) {
	d := &fakeDialer{}
	r := newRegistry(d)
	defer r.Close()

	s1, err := r.Acquire(context.Background(), "web01", transport.Credentials{})
	require.NoError(t, err)
	r.Release(s1)
	assert.Equal(t, session.StateReady, s1.State())

	s2, err := r.Acquire(context.Background(), "web01", transport.Credentials{})
	require.NoError(t, err)
	assert.Same(t, s1, s2, "ready session must be reused")
	assert.Equal(t, 1, d.dials, "no second dial for a healthy session")
	assert.Equal(t, session.StateBusy, s2.State())
}

func TestAcquireRejectsBusySession(t *testing.T) {
	d := &fakeDialer{}
	r := newRegistry(d)
	defer r.Close()

	_, err := r.Acquire(context.Background(), "web01", transport.Credentials{})
	require.NoError(t, err)

	_, err = r.Acquire(context.Background(), "web01", transport.Credentials{})
	assert.Error(t, err, "one session carries at most one in-flight batch")
}

func TestAcquireReconnectsWhenProbeFails(t *testing.T) {
	d := &fakeDialer{}
	r := newRegistry(d)
	defer r.Close()

	s1, err := r.Acquire(context.Background(), "web01", transport.Credentials{})
	require.NoError(t, err)
	r.Release(s1)

	// Break the existing channel; reuse must fail the probe and
	// dial a fresh connection.
	d.channels[0].probeFails = true

	s2, err := r.Acquire(context.Background(), "web01", transport.Credentials{})
	require.NoError(t, err)
	assert.NotSame(t, s1, s2)
	assert.Equal(t, 2, d.dials)
	assert.True(t, d.channels[0].closed, "degraded channel must be torn down")
}

func TestAcquireDialFailure(t *testing.T) {
	d := &fakeDialer{err: batch.TransportErr("dial", fmt.Errorf("connection refused"))}
	r := newRegistry(d)
	defer r.Close()

	_, err := r.Acquire(context.Background(), "down-host", transport.Credentials{})
	require.Error(t, err)
	assert.True(t, batch.Retryable(err))
}

func TestInvalidate(t *testing.T) {
	d := &fakeDialer{}
	r := newRegistry(d)
	defer r.Close()

	s, err := r.Acquire(context.Background(), "web01", transport.Credentials{})
	require.NoError(t, err)

	r.Invalidate(s)
	assert.Equal(t, session.StateClosed, s.State())
	assert.True(t, d.channels[0].closed)

	// A fresh acquire dials again.
	_, err = r.Acquire(context.Background(), "web01", transport.Credentials{})
	require.NoError(t, err)
	assert.Equal(t, 2, d.dials)
}

func TestCloseTearsDownAllSessions(t *testing.T) {
	d := &fakeDialer{}
	r := newRegistry(d)

	s1, err := r.Acquire(context.Background(), "a", transport.Credentials{})
	require.NoError(t, err)
	s2, err := r.Acquire(context.Background(), "b", transport.Credentials{})
	require.NoError(t, err)

	r.Close()
	assert.Equal(t, session.StateClosed, s1.State())
	assert.Equal(t, session.StateClosed, s2.State())
	for _, ch := range d.channels {
		assert.True(t, ch.closed)
	}
}
