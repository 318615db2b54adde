package poller_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andrej220/winbatch/internal/poller"
	"github.com/andrej220/winbatch/pkg/batch"
	"github.com/andrej220/winbatch/pkg/lg"
	"github.com/andrej220/winbatch/pkg/transport"
)

// scriptedFetcher replays a fixed sequence of snapshots, repeating the
// last one once the script runs out.
type scriptedFetcher struct {
	mu      sync.Mutex
	reports []*batch.StatusReport
	errs    []error
	calls   int
}

func (f *scriptedFetcher) FetchStatus(context.Context) (*batch.StatusReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.calls
	if i >= len(f.reports) {
		i = len(f.reports) - 1
	}
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	return f.reports[i], nil
}

func report(completed int, state batch.State) *batch.StatusReport {
	return &batch.StatusReport{
		BatchID:   "b1",
		Total:     5,
		Completed: completed,
		State:     state,
		Timestamp: time.Now(),
	}
}

func TestWaitReturnsOnDone(t *testing.T) {
	p := poller.New(5*time.Millisecond, time.Second, lg.Discard, nil)
	f := &scriptedFetcher{reports: []*batch.StatusReport{report(5, batch.StateCompleted)}}

	done := make(chan error, 1)
	done <- nil

	prog, err := p.Wait(context.Background(), f, done)
	require.NoError(t, err)
	assert.Equal(t, 5, prog.Completed)
	assert.True(t, prog.Started)
	assert.Zero(t, prog.Corrupted)
}

func TestWaitTracksProgress(t *testing.T) {
	p := poller.New(5*time.Millisecond, time.Second, lg.Discard, nil)
	f := &scriptedFetcher{reports: []*batch.StatusReport{
		report(0, batch.StateRunning),
		report(2, batch.StateRunning),
		report(4, batch.StateRunning),
		report(5, batch.StateCompleted),
	}}

	done := make(chan error, 1)
	go func() {
		time.Sleep(60 * time.Millisecond)
		done <- nil
	}()

	prog, err := p.Wait(context.Background(), f, done)
	require.NoError(t, err)
	assert.Equal(t, 5, prog.Completed)
	assert.Equal(t, batch.StateCompleted, prog.LastReport.State)
}

func TestWaitRejectsNonMonotonicSnapshots(t *testing.T) {
	p := poller.New(5*time.Millisecond, time.Second, lg.Discard, nil)
	f := &scriptedFetcher{reports: []*batch.StatusReport{
		report(3, batch.StateRunning),
		report(1, batch.StateRunning), // stale read, must be rejected
		report(3, batch.StateRunning),
	}}

	done := make(chan error, 1)
	go func() {
		time.Sleep(40 * time.Millisecond)
		done <- nil
	}()

	prog, err := p.Wait(context.Background(), f, done)
	require.NoError(t, err)
	assert.Equal(t, 3, prog.Completed, "regressing snapshot must not roll progress back")
	assert.GreaterOrEqual(t, prog.Corrupted, 1)
}

func TestWaitBatchTimeout(t *testing.T) {
	p := poller.New(5*time.Millisecond, 50*time.Millisecond, lg.Discard, nil)
	f := &scriptedFetcher{reports: []*batch.StatusReport{report(1, batch.StateRunning)}}

	done := make(chan error, 1) // dispatch never finishes

	start := time.Now()
	prog, err := p.Wait(context.Background(), f, done)
	require.Error(t, err)
	assert.ErrorIs(t, err, batch.ErrBatchTimedOut)
	assert.Equal(t, 1, prog.Completed)
	// Returns promptly at the ceiling, not after another full cycle.
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestWaitToleratesMissingArtifact(t *testing.T) {
	p := poller.New(5*time.Millisecond, time.Second, lg.Discard, nil)
	f := &scriptedFetcher{
		reports: []*batch.StatusReport{nil, report(2, batch.StateRunning)},
		errs:    []error{fmt.Errorf("%w: status.json", transport.ErrArtifactNotFound)},
	}

	done := make(chan error, 1)
	go func() {
		time.Sleep(40 * time.Millisecond)
		done <- nil
	}()

	prog, err := p.Wait(context.Background(), f, done)
	require.NoError(t, err)
	assert.Equal(t, 2, prog.Completed)
}

func TestWaitContextCancel(t *testing.T) {
	p := poller.New(5*time.Millisecond, time.Second, lg.Discard, nil)
	f := &scriptedFetcher{reports: []*batch.StatusReport{report(0, batch.StateRunning)}}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	done := make(chan error, 1)
	_, err := p.Wait(ctx, f, done)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}
