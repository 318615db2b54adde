package coordinator_test

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andrej220/winbatch/internal/coordinator"
	"github.com/andrej220/winbatch/internal/session"
	"github.com/andrej220/winbatch/pkg/batch"
	"github.com/andrej220/winbatch/pkg/lg"
	"github.com/andrej220/winbatch/pkg/payload"
	"github.com/andrej220/winbatch/pkg/transport"
)

// fakeAgentChannel emulates a remote host: it answers the session
// setup commands and, for wrapper invocations, decodes the payload and
// executes it the way the remote agent would, writing status and
// result artifacts into an in-memory filesystem.
type fakeAgentChannel struct {
	mu        sync.Mutex
	artifacts map[string][]byte
	batches   int

	// dieAfter > 0 drops the connection after that many tasks of the
	// next wrapper run, leaving partial artifacts behind.
	dieAfter int
	// hang blocks wrapper runs until the exec context is cancelled.
	hang bool
}

func newFakeAgentChannel() *fakeAgentChannel {
	return &fakeAgentChannel{artifacts: make(map[string][]byte)}
}

func (c *fakeAgentChannel) Exec(ctx context.Context, command string) (*transport.ExecResult, error) {
	switch {
	case strings.HasPrefix(command, "echo winbatch-probe"):
		return &transport.ExecResult{Stdout: []byte("winbatch-probe\n")}, nil
	case strings.HasPrefix(command, "mkdir"):
		return &transport.ExecResult{}, nil
	case strings.HasSuffix(command, " version"):
		return &transport.ExecResult{Stdout: []byte("2\n")}, nil
	case strings.Contains(command, " exec --workdir"):
		return c.runWrapper(ctx, command)
	}
	return &transport.ExecResult{}, nil
}

func (c *fakeAgentChannel) runWrapper(ctx context.Context, command string) (*transport.ExecResult, error) {
	c.mu.Lock()
	c.batches++
	c.mu.Unlock()

	if c.hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	i := strings.Index(command, "--workdir '")
	if i < 0 {
		return nil, fmt.Errorf("unexpected wrapper form: %s", command)
	}
	workdir, _, _ := strings.Cut(command[i+len("--workdir '"):], "'")

	// The controller stages the payload before invoking the wrapper.
	blob, err := c.ReadArtifact(ctx, path.Join(workdir, payload.PayloadArtifact))
	if err != nil {
		return nil, fmt.Errorf("payload not staged: %w", err)
	}

	env, tasks, err := payload.Decode(string(blob))
	if err != nil {
		return nil, err
	}

	var results []batch.TaskResult
	for n, t := range tasks {
		if c.dieAfter > 0 && n == c.dieAfter {
			c.writeArtifacts(workdir, env, len(tasks), results, batch.StateRunning)
			return nil, fmt.Errorf("wait: connection reset by peer")
		}
		results = append(results, runFakeTask(t))
	}
	c.writeArtifacts(workdir, env, len(tasks), results, batch.StateCompleted)
	return &transport.ExecResult{}, nil
}

func runFakeTask(t batch.Task) batch.TaskResult {
	res := batch.TaskResult{TaskID: t.ID, StartedAt: time.Now(), EndedAt: time.Now()}
	if arg, ok := strings.CutPrefix(t.Command, "exit "); ok {
		code, _ := strconv.Atoi(arg)
		res.Status = batch.StatusFailed
		res.ExitCode = &code
		return res
	}
	zero := 0
	res.Status = batch.StatusSucceeded
	res.ExitCode = &zero
	res.Stdout = strings.TrimPrefix(t.Command, "echo ") + "\n"
	return res
}

func (c *fakeAgentChannel) writeArtifacts(workdir string, env *payload.Envelope, total int, results []batch.TaskResult, state batch.State) {
	c.mu.Lock()
	defer c.mu.Unlock()

	status, _ := json.Marshal(batch.StatusReport{
		BatchID:   env.BatchID,
		Total:     total,
		Completed: len(results),
		State:     state,
		Timestamp: time.Now(),
	})
	c.artifacts[path.Join(workdir, payload.StatusArtifact)] = status
	data, _ := json.Marshal(results)
	c.artifacts[path.Join(workdir, payload.ResultsArtifact)] = data
}

func (c *fakeAgentChannel) WriteArtifact(_ context.Context, p string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.artifacts[p] = data
	return nil
}

func (c *fakeAgentChannel) ReadArtifact(_ context.Context, p string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, ok := c.artifacts[p]
	if !ok {
		return nil, fmt.Errorf("%w: %s", transport.ErrArtifactNotFound, p)
	}
	return data, nil
}

func (c *fakeAgentChannel) RemoteAddr() string { return "fake:22" }
func (c *fakeAgentChannel) Close() error       { return nil }

type fakeDialer struct {
	mu       sync.Mutex
	dials    int
	dialErrs []error
	channel  *fakeAgentChannel
}

func (d *fakeDialer) Dial(context.Context, string, transport.Credentials) (transport.Channel, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if len(d.dialErrs) > 0 {
		err := d.dialErrs[0]
		d.dialErrs = d.dialErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	if d.channel == nil {
		d.channel = newFakeAgentChannel()
	}
	return d.channel, nil
}

type recordingSink struct {
	mu     sync.Mutex
	events []batch.TaskResult
}

func (s *recordingSink) Publish(_ context.Context, _ string, res batch.TaskResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, res)
	return nil
}

func newCoordinator(t *testing.T, d *fakeDialer, cfg coordinator.Config, sink coordinator.Sink) *coordinator.Coordinator {
	t.Helper()
	if cfg.StatusInterval == 0 {
		cfg.StatusInterval = 5 * time.Millisecond
	}
	if cfg.ExecutionTimeout == 0 {
		cfg.ExecutionTimeout = 5 * time.Second
	}
	reg := session.NewRegistry(d, session.Config{ProbeTimeout: time.Second}, lg.Discard)
	t.Cleanup(func() { reg.Close() })

	coord := coordinator.New(reg, cfg, lg.Discard, nil, sink)
	coord.Retrier().NewBackOff = func() backoff.BackOff { return &backoff.ZeroBackOff{} }
	return coord
}

func tasks(commands ...string) []batch.Task {
	out := make([]batch.Task, 0, len(commands))
	for i, cmd := range commands {
		out = append(out, batch.Task{ID: fmt.Sprintf("t%d", i+1), Command: cmd})
	}
	return out
}

func TestRunOrderedManifest(t *testing.T) {
	d := &fakeDialer{}
	sink := &recordingSink{}
	coord := newCoordinator(t, d, coordinator.Config{MaxRetries: 1}, sink)

	in := tasks("echo one", "exit 2", "echo three")
	results, err := coord.Run(context.Background(), "web01", transport.Credentials{}, in)
	require.NoError(t, err)
	require.Len(t, results, 3)

	for i, want := range in {
		assert.Equal(t, want.ID, results[i].TaskID, "manifest order must match submission order")
	}
	assert.Equal(t, batch.StatusSucceeded, results[0].Status)
	assert.Equal(t, "one\n", results[0].Stdout)
	assert.Equal(t, batch.StatusFailed, results[1].Status)
	require.NotNil(t, results[1].ExitCode)
	assert.Equal(t, 2, *results[1].ExitCode)
	assert.Equal(t, batch.StatusSucceeded, results[2].Status)

	assert.Len(t, sink.events, 3, "one event per finalized task")

	staged := false
	for p := range d.channel.artifacts {
		if strings.HasSuffix(p, payload.PayloadArtifact) {
			staged = true
		}
	}
	assert.True(t, staged, "stdin generation ships the payload as a workdir artifact")
}

func TestNewDefaults(t *testing.T) {
	reg := session.NewRegistry(&fakeDialer{}, session.Config{}, lg.Discard)
	t.Cleanup(reg.Close)

	coord := coordinator.New(reg, coordinator.Config{}, lg.Discard, nil, nil)
	assert.Equal(t, 3, coord.Retrier().MaxRetries, "an empty config keeps the documented retry bound")
}

func TestRunChunksLargeTaskLists(t *testing.T) {
	d := &fakeDialer{}
	coord := newCoordinator(t, d, coordinator.Config{BatchSize: 2, MaxRetries: 1}, nil)

	in := tasks("echo 1", "echo 2", "echo 3", "echo 4", "echo 5")
	results, err := coord.Run(context.Background(), "web01", transport.Credentials{}, in)
	require.NoError(t, err)
	require.Len(t, results, 5)
	for i, want := range in {
		assert.Equal(t, want.ID, results[i].TaskID)
		assert.Equal(t, batch.StatusSucceeded, results[i].Status)
	}
	assert.Equal(t, 3, d.channel.batches, "five tasks at batch size two dispatch as three batches")
	assert.Equal(t, 1, d.dials, "all batches reuse the one session")
}

func TestRunSessionLostMidBatch(t *testing.T) {
	d := &fakeDialer{}
	coord := newCoordinator(t, d, coordinator.Config{MaxRetries: 3}, nil)

	// Pre-dial so the channel exists, then arm the mid-batch failure.
	_, err := coord.Run(context.Background(), "web01", transport.Credentials{}, tasks("echo warmup"))
	require.NoError(t, err)
	d.channel.dieAfter = 2

	in := tasks("echo a", "exit 1", "echo c", "echo d", "echo e")
	results, err := coord.Run(context.Background(), "web01", transport.Credentials{}, in)
	require.NoError(t, err)
	require.Len(t, results, 5)

	// The two tasks that ran keep their real terminal results from the
	// partial manifest.
	assert.Equal(t, batch.StatusSucceeded, results[0].Status)
	assert.Equal(t, batch.StatusFailed, results[1].Status)

	// The rest never ran and must say so, not be silently re-executed.
	for _, res := range results[2:] {
		assert.Equal(t, batch.StatusNotExecuted, res.Status)
		assert.Contains(t, res.Stderr, "session lost")
	}
	assert.Equal(t, 2, d.channel.batches, "a batch with started tasks is never re-dispatched")
}

func TestRunStopOnFirstFailureAcrossBatches(t *testing.T) {
	d := &fakeDialer{}
	coord := newCoordinator(t, d, coordinator.Config{
		BatchSize:          1,
		MaxRetries:         1,
		StopOnFirstFailure: true,
	}, nil)

	in := tasks("exit 1", "echo never", "echo never either")
	results, err := coord.Run(context.Background(), "web01", transport.Credentials{}, in)
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.Equal(t, batch.StatusFailed, results[0].Status)
	for _, res := range results[1:] {
		assert.Equal(t, batch.StatusNotExecuted, res.Status)
		assert.Contains(t, res.Stderr, "stopped on first failure")
	}
	assert.Equal(t, 1, d.channel.batches, "chunks after the failing one must not dispatch")
}

func TestRunBatchTimeout(t *testing.T) {
	d := &fakeDialer{}
	coord := newCoordinator(t, d, coordinator.Config{
		MaxRetries:       3,
		ExecutionTimeout: 60 * time.Millisecond,
	}, nil)

	_, err := coord.Run(context.Background(), "web01", transport.Credentials{}, tasks("echo warmup"))
	require.NoError(t, err)
	d.channel.hang = true

	results, err := coord.Run(context.Background(), "web01", transport.Credentials{}, tasks("echo a", "echo b", "echo c"))
	require.NoError(t, err)
	require.Len(t, results, 3)
	for _, res := range results {
		assert.Equal(t, batch.StatusTimedOut, res.Status)
		assert.Contains(t, res.Stderr, "execution ceiling")
	}
	assert.Equal(t, 2, d.channel.batches, "a timed out batch consumed its ceiling and is not retried")
}

func TestRunRetriesDialThenSucceeds(t *testing.T) {
	d := &fakeDialer{dialErrs: []error{batch.TransportErr("dial", fmt.Errorf("connection refused"))}}
	coord := newCoordinator(t, d, coordinator.Config{MaxRetries: 2}, nil)

	results, err := coord.Run(context.Background(), "flaky", transport.Credentials{}, tasks("echo hi"))
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, batch.StatusSucceeded, results[0].Status)
	assert.Equal(t, 2, d.dials)
}

func TestRunAcquireExhausted(t *testing.T) {
	d := &fakeDialer{dialErrs: []error{
		batch.TransportErr("dial", fmt.Errorf("refused")),
		batch.TransportErr("dial", fmt.Errorf("refused")),
		batch.TransportErr("dial", fmt.Errorf("refused")),
	}}
	coord := newCoordinator(t, d, coordinator.Config{MaxRetries: 2}, nil)

	in := tasks("echo a", "echo b")
	results, err := coord.Run(context.Background(), "down", transport.Credentials{}, in)
	require.Error(t, err)
	assert.ErrorIs(t, err, batch.ErrTransportUnavailable)
	assert.Equal(t, 3, d.dials)

	// Even a total connection failure yields the full manifest.
	require.Len(t, results, 2)
	for _, res := range results {
		assert.Equal(t, batch.StatusNotExecuted, res.Status)
		assert.Contains(t, res.Stderr, "session unavailable")
	}
}

func TestRunAuthFailureIsTerminal(t *testing.T) {
	d := &fakeDialer{dialErrs: []error{fmt.Errorf("handshake: %w", batch.ErrAuthFailed)}}
	coord := newCoordinator(t, d, coordinator.Config{MaxRetries: 5}, nil)

	results, err := coord.Run(context.Background(), "locked", transport.Credentials{}, tasks("echo hi"))
	require.Error(t, err)
	assert.ErrorIs(t, err, batch.ErrAuthFailed)
	assert.Equal(t, 1, d.dials, "credential rejections are never retried")
	require.Len(t, results, 1)
	assert.Equal(t, batch.StatusNotExecuted, results[0].Status)
}

func TestRunSplitsOversizedPayload(t *testing.T) {
	d := &fakeDialer{}
	coord := newCoordinator(t, d, coordinator.Config{
		MaxRetries:      1,
		MaxPayloadBytes: 2048,
	}, nil)

	huge := batch.Task{ID: "huge", Command: "echo " + strings.Repeat("x", 4096)}
	in := []batch.Task{huge, {ID: "s1", Command: "echo 1"}, {ID: "s2", Command: "echo 2"}}

	results, err := coord.Run(context.Background(), "web01", transport.Credentials{}, in)
	require.NoError(t, err)
	require.Len(t, results, 3)

	// The oversized task alone still cannot encode under the cap and
	// comes back not-executed; the rest run in their own batch.
	assert.Equal(t, "huge", results[0].TaskID)
	assert.Equal(t, batch.StatusNotExecuted, results[0].Status)
	assert.Contains(t, results[0].Stderr, "too large")
	assert.Equal(t, batch.StatusSucceeded, results[1].Status)
	assert.Equal(t, batch.StatusSucceeded, results[2].Status)
}

func TestRunRejectsInvalidTaskLists(t *testing.T) {
	d := &fakeDialer{}
	coord := newCoordinator(t, d, coordinator.Config{}, nil)

	_, err := coord.Run(context.Background(), "web01", transport.Credentials{}, []batch.Task{
		{ID: "a", Command: "echo 1"},
		{ID: "a", Command: "echo 2"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate task id")

	_, err = coord.Run(context.Background(), "web01", transport.Credentials{}, []batch.Task{
		{Command: "echo 1"},
	})
	require.Error(t, err)
	assert.Zero(t, d.dials, "validation failures never touch the transport")
}

func TestRunEmptyTaskList(t *testing.T) {
	d := &fakeDialer{}
	coord := newCoordinator(t, d, coordinator.Config{}, nil)

	results, err := coord.Run(context.Background(), "web01", transport.Credentials{}, nil)
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Zero(t, d.dials)
}
