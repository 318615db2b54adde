// Package poller observes an in-flight batch by reading the remote
// status snapshot at a fixed interval. Progress is enforced to be
// monotonic: a snapshot reporting fewer completed tasks than already
// observed is a corrupted or stale read and is rejected, not applied.
package poller

import (
	"context"
	"errors"
	"time"

	"github.com/andrej220/winbatch/internal/metrics"
	"github.com/andrej220/winbatch/pkg/batch"
	"github.com/andrej220/winbatch/pkg/lg"
	"github.com/andrej220/winbatch/pkg/transport"
)

// Fetcher reads the current status snapshot for one batch. One remote
// read per call, no mutation of remote state.
type Fetcher interface {
	FetchStatus(ctx context.Context) (*batch.StatusReport, error)
}

// Progress is the locally reconciled view of a batch.
type Progress struct {
	Completed  int
	Started    bool
	Corrupted  int
	LastReport *batch.StatusReport
}

// Poller drives the polling loop for dispatched batches.
type Poller struct {
	Interval     time.Duration
	BatchTimeout time.Duration
	Log          lg.Logger
	Metrics      *metrics.Collector
}

func New(interval, batchTimeout time.Duration, log lg.Logger, m *metrics.Collector) *Poller {
	if log == nil {
		log = lg.Discard
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &Poller{
		Interval:     interval,
		BatchTimeout: batchTimeout,
		Log:          log,
		Metrics:      m,
	}
}

// Wait polls until the dispatch signals completion on done, the batch
// ceiling elapses, or ctx is cancelled. The returned Progress reflects
// the last accepted snapshot either way; on a ceiling breach the error
// is batch.ErrBatchTimedOut and the caller must invalidate the
// session.
func (p *Poller) Wait(ctx context.Context, f Fetcher, done <-chan error) (*Progress, error) {
	prog := &Progress{}

	var timeoutCh <-chan time.Time
	if p.BatchTimeout > 0 {
		timer := time.NewTimer(p.BatchTimeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()

	for {
		select {
		case err := <-done:
			// Final reconcile so the progress view covers the
			// last snapshot the executor wrote.
			p.fetch(ctx, f, prog)
			return prog, err
		case <-timeoutCh:
			p.Log.Warn("batch exceeded execution ceiling",
				lg.Duration("ceiling", p.BatchTimeout),
				lg.Int("completed", prog.Completed))
			return prog, batch.ErrBatchTimedOut
		case <-ctx.Done():
			return prog, ctx.Err()
		case <-ticker.C:
			p.fetch(ctx, f, prog)
		}
	}
}

func (p *Poller) fetch(ctx context.Context, f Fetcher, prog *Progress) {
	report, err := f.FetchStatus(ctx)
	if err != nil {
		if errors.Is(err, transport.ErrArtifactNotFound) {
			// Executor has not written its first snapshot yet.
			return
		}
		p.Log.Warn("status fetch failed", lg.Err(err))
		return
	}

	if report.Completed < prog.Completed {
		prog.Corrupted++
		p.Metrics.StatusCorrupted()
		p.Log.Warn("rejecting non-monotonic status snapshot",
			lg.Int("observed", prog.Completed),
			lg.Int("reported", report.Completed))
		return
	}

	prog.Completed = report.Completed
	if report.Completed > 0 || report.CurrentTaskID != "" {
		prog.Started = true
	}
	prog.LastReport = report
}
