// Package coordinator is the orchestration-facing entry point of the
// connection layer. It groups tasks into batches, drives the session
// registry, payload codec, dispatch, status poller and retry
// controller, and returns one result per submitted task in submission
// order no matter how the run went.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/andrej220/winbatch/internal/metrics"
	"github.com/andrej220/winbatch/internal/poller"
	"github.com/andrej220/winbatch/internal/retry"
	"github.com/andrej220/winbatch/internal/session"
	"github.com/andrej220/winbatch/pkg/batch"
	"github.com/andrej220/winbatch/pkg/lg"
	"github.com/andrej220/winbatch/pkg/payload"
	"github.com/andrej220/winbatch/pkg/transport"
)

// Config is the recognized tuning surface of the engine.
type Config struct {
	BatchSize          int
	StatusInterval     time.Duration
	ExecutionTimeout   time.Duration
	PerTaskTimeout     time.Duration
	MaxRetries         int
	OutputCapBytes     int
	MaxPayloadBytes    int
	StopOnFirstFailure bool
}

// Sink receives terminal task results as they are finalized. The
// event-callback extension; optional.
type Sink interface {
	Publish(ctx context.Context, host string, res batch.TaskResult) error
}

// Coordinator processes task lists against single hosts over reused
// sessions.
type Coordinator struct {
	sessions *session.Registry
	retrier  *retry.Controller
	cfg      Config
	log      lg.Logger
	metrics  *metrics.Collector
	sink     Sink
}

func New(reg *session.Registry, cfg Config, log lg.Logger, m *metrics.Collector, sink Sink) *Coordinator {
	if log == nil {
		log = lg.Discard
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 20
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	return &Coordinator{
		sessions: reg,
		retrier:  retry.New(cfg.MaxRetries, log),
		cfg:      cfg,
		log:      log,
		metrics:  m,
		sink:     sink,
	}
}

// Retrier exposes the retry controller, mainly so tests can shorten
// the backoff schedule.
func (c *Coordinator) Retrier() *retry.Controller { return c.retrier }

// Run executes tasks against host over one reused session and returns
// exactly one TaskResult per input task, in input order. Tasks that
// never ran come back with an explicit not-executed result; Run
// returns a non-nil error only when no session could be acquired at
// all or the task list itself is invalid.
func (c *Coordinator) Run(ctx context.Context, host string, creds transport.Credentials, tasks []batch.Task) ([]batch.TaskResult, error) {
	if err := validate(tasks); err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, nil
	}
	log := c.log.With(lg.String("host", host))

	var sess *session.Session
	acquireErr := c.retrier.Do(ctx, "acquire session", func() error {
		s, err := c.sessions.Acquire(ctx, host, creds)
		if err != nil {
			c.metrics.SessionFailed()
			return err
		}
		sess = s
		return nil
	})
	if acquireErr != nil {
		log.Error("session acquisition exhausted", lg.Err(acquireErr))
		return c.finalize(ctx, host, tasks, nil, "session unavailable: "+acquireErr.Error()), acquireErr
	}
	c.metrics.SessionOpened()
	c.metrics.SessionBorrowed()

	collected := make(map[string]batch.TaskResult)
	abandonReason := ""
	healthy := true

	for _, chunk := range batch.Split(tasks, c.cfg.BatchSize) {
		if err := c.dispatch(ctx, &sess, creds, chunk, collected); err != nil {
			abandonReason = err.Error()
			healthy = false
			break
		}
		if c.cfg.StopOnFirstFailure && chunkFailed(chunk, collected) {
			// The agent stops inside one batch; later chunks must
			// not dispatch either.
			abandonReason = "stopped on first failure"
			break
		}
	}

	if healthy {
		c.sessions.Release(sess)
	} else {
		c.sessions.Invalidate(sess)
	}
	c.metrics.SessionReturned()

	return c.finalize(ctx, host, tasks, collected, abandonReason), nil
}

// chunkFailed reports whether any task of the chunk finished in a
// state other than succeeded, mirroring the agent's stop rule.
func chunkFailed(chunk []batch.Task, collected map[string]batch.TaskResult) bool {
	for _, t := range chunk {
		if res, ok := collected[t.ID]; ok && res.Status != batch.StatusSucceeded {
			return true
		}
	}
	return false
}

func validate(tasks []batch.Task) error {
	seen := make(map[string]struct{}, len(tasks))
	for _, t := range tasks {
		if t.ID == "" {
			return fmt.Errorf("task with empty id")
		}
		if _, dup := seen[t.ID]; dup {
			return fmt.Errorf("duplicate task id %q", t.ID)
		}
		seen[t.ID] = struct{}{}
	}
	return nil
}

// dispatch runs one chunk as a batch. A chunk whose encoded payload
// exceeds the cap is split in half and both halves dispatched in
// order. Transport failures before any task began are retried through
// the retry controller on a freshly acquired session; anything after
// that surfaces as an abandon error so the remaining chunks become
// not-executed.
func (c *Coordinator) dispatch(ctx context.Context, sessp **session.Session, creds transport.Credentials, tasks []batch.Task, collected map[string]batch.TaskResult) error {
	b := batch.NewBatch((*sessp).Host, tasks)
	codec := payload.Codec{MaxBytes: c.cfg.MaxPayloadBytes}
	blob, err := codec.Encode(b.ID, tasks, c.cfg.PerTaskTimeout, c.cfg.OutputCapBytes, c.cfg.StopOnFirstFailure)
	if err != nil {
		if errors.Is(err, batch.ErrEncodingTooLarge) {
			if len(tasks) == 1 {
				collected[tasks[0].ID] = batch.NotExecuted(tasks[0].ID, err.Error())
				return nil
			}
			half := len(tasks) / 2
			if err := c.dispatch(ctx, sessp, creds, tasks[:half], collected); err != nil {
				return err
			}
			return c.dispatch(ctx, sessp, creds, tasks[half:], collected)
		}
		return err
	}

	started := false
	op := func() error {
		sess := *sessp
		if sess.State() != session.StateBusy {
			fresh, err := c.sessions.Acquire(ctx, sess.Host, creds)
			if err != nil {
				c.metrics.SessionFailed()
				return err
			}
			*sessp = fresh
			sess = fresh
		}

		prog, err := c.runBatch(ctx, sess, b, blob, collected)
		if prog != nil && prog.Started {
			started = true
		}
		if err == nil {
			return nil
		}
		if started || errors.Is(err, batch.ErrBatchTimedOut) || ctx.Err() != nil {
			// Never silently retried once execution began or the
			// ceiling is consumed.
			return permanent(err)
		}
		// Dropped before any task began: safe to retry on a fresh
		// connection.
		c.metrics.Retry()
		c.sessions.Invalidate(sess)
		if batch.Retryable(err) {
			return err
		}
		return batch.TransportErr("dispatch", err)
	}
	return c.retrier.Do(ctx, "dispatch batch", op)
}

// permanent strips retryability from err while keeping its taxonomy
// visible to the caller.
func permanent(err error) error {
	if batch.Retryable(err) {
		return fmt.Errorf("%w: %s", batch.ErrSessionLost, err.Error())
	}
	return err
}

// runBatch performs one dispatch attempt and reconciles whatever the
// executor managed to produce into collected.
func (c *Coordinator) runBatch(ctx context.Context, sess *session.Session, b *batch.Batch, blob string, collected map[string]batch.TaskResult) (*poller.Progress, error) {
	workdir := sess.BatchDir(b.ID)
	wrapper := payload.WrapperCommand(sess.Caps.Generation, sess.Caps.AgentPath, workdir, blob)
	log := c.log.With(lg.String("host", sess.Host), lg.String("batch_id", b.ID))

	if sess.Caps.Generation == payload.GenStdin {
		// Stage the payload as an artifact; the wrapper feeds it to
		// the agent. Failing here means nothing started yet.
		if err := sess.Channel.WriteArtifact(ctx, path.Join(workdir, payload.PayloadArtifact), []byte(blob)); err != nil {
			return nil, fmt.Errorf("stage payload: %w", err)
		}
	}

	execCtx, cancelExec := context.WithCancel(ctx)
	defer cancelExec()

	start := time.Now()
	c.metrics.BatchDispatched()
	log.Info("dispatching batch", lg.Int("tasks", len(b.Tasks)))

	done := make(chan error, 1)
	var execRes *transport.ExecResult
	go func() {
		res, err := sess.Channel.Exec(execCtx, wrapper)
		execRes = res
		done <- err
	}()

	p := poller.New(c.cfg.StatusInterval, c.cfg.ExecutionTimeout, c.log, c.metrics)
	prog, waitErr := p.Wait(ctx, &statusFetcher{ch: sess.Channel, path: path.Join(workdir, payload.StatusArtifact)}, done)
	c.metrics.ObserveBatch(time.Since(start).Seconds())

	switch {
	case waitErr == nil:
		if execRes != nil && execRes.ExitCode != 0 {
			log.Warn("remote executor exited non-zero",
				lg.Int("exit_code", execRes.ExitCode),
				lg.String("stderr", string(execRes.Stderr)))
		}
		if err := c.collectResults(ctx, sess, workdir, b.Tasks, collected); err != nil {
			// The wrapper ran to completion, so the tasks began;
			// a retry here would double-execute them. Record
			// explicit terminal failures instead.
			prog.Started = true
			c.markUnreachable(b.Tasks, collected, "executed but result artifact unreachable: "+err.Error())
		}
		return prog, nil

	case errors.Is(waitErr, batch.ErrBatchTimedOut):
		cancelExec()
		c.salvage(ctx, sess, workdir, b.Tasks, collected)
		for _, t := range b.Tasks {
			if _, ok := collected[t.ID]; !ok {
				collected[t.ID] = batch.TaskResult{
					TaskID: t.ID,
					Status: batch.StatusTimedOut,
					Stderr: fmt.Sprintf("batch exceeded execution ceiling of %s", c.cfg.ExecutionTimeout),
				}
			}
		}
		return prog, waitErr

	case ctx.Err() != nil:
		for _, t := range b.Tasks {
			if _, ok := collected[t.ID]; !ok {
				collected[t.ID] = batch.TaskResult{TaskID: t.ID, Status: batch.StatusCancelled, Stderr: ctx.Err().Error()}
			}
		}
		return prog, waitErr

	default:
		// Dispatch failed. Before any task began this is retryable;
		// afterwards it is a session loss with a partial manifest.
		if !prog.Started {
			return prog, waitErr
		}
		log.Warn("session lost mid-batch", lg.Int("completed", prog.Completed), lg.Err(waitErr))
		c.salvage(ctx, sess, workdir, b.Tasks, collected)
		return prog, fmt.Errorf("%w: %v", batch.ErrSessionLost, waitErr)
	}
}

// collectResults fetches the result artifact and merges it.
func (c *Coordinator) collectResults(ctx context.Context, sess *session.Session, workdir string, tasks []batch.Task, collected map[string]batch.TaskResult) error {
	data, err := sess.Channel.ReadArtifact(ctx, path.Join(workdir, payload.ResultsArtifact))
	if err != nil {
		return err
	}
	var results []batch.TaskResult
	if err := json.Unmarshal(data, &results); err != nil {
		return fmt.Errorf("parse results artifact: %w", err)
	}
	known := make(map[string]struct{}, len(tasks))
	for _, t := range tasks {
		known[t.ID] = struct{}{}
	}
	for _, r := range results {
		if _, ok := known[r.TaskID]; !ok {
			c.log.Warn("result for unknown task ignored", lg.String("task_id", r.TaskID))
			continue
		}
		collected[r.TaskID] = r
	}
	return nil
}

// salvage tries to pull whatever partial results are still readable
// after a timeout or session loss. Best effort with a short deadline.
func (c *Coordinator) salvage(ctx context.Context, sess *session.Session, workdir string, tasks []batch.Task, collected map[string]batch.TaskResult) {
	salvageCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 3*time.Second)
	defer cancel()
	if err := c.collectResults(salvageCtx, sess, workdir, tasks, collected); err != nil {
		c.log.Debug("partial result salvage failed", lg.Err(err))
	}
}

// markUnreachable records explicit terminal failures for tasks that
// ran while their result artifacts are unreadable.
func (c *Coordinator) markUnreachable(tasks []batch.Task, collected map[string]batch.TaskResult, reason string) {
	for _, t := range tasks {
		if _, ok := collected[t.ID]; ok {
			continue
		}
		collected[t.ID] = batch.TaskResult{TaskID: t.ID, Status: batch.StatusFailed, Stderr: reason}
	}
}

// finalize builds the ordered 1:1 manifest and publishes events.
func (c *Coordinator) finalize(ctx context.Context, host string, tasks []batch.Task, collected map[string]batch.TaskResult, abandonReason string) []batch.TaskResult {
	if abandonReason == "" {
		abandonReason = "batch abandoned"
	}
	out := make([]batch.TaskResult, 0, len(tasks))
	for _, t := range tasks {
		res, ok := collected[t.ID]
		if !ok {
			res = batch.NotExecuted(t.ID, abandonReason)
		}
		c.metrics.TaskFinished(res.Status)
		out = append(out, res)
	}
	if c.sink != nil {
		for _, res := range out {
			if err := c.sink.Publish(ctx, host, res); err != nil {
				c.log.Warn("result event publish failed", lg.String("task_id", res.TaskID), lg.Err(err))
			}
		}
	}
	return out
}

// statusFetcher reads the status artifact for one batch.
type statusFetcher struct {
	ch   transport.Channel
	path string
}

func (f *statusFetcher) FetchStatus(ctx context.Context) (*batch.StatusReport, error) {
	data, err := f.ch.ReadArtifact(ctx, f.path)
	if err != nil {
		return nil, err
	}
	var report batch.StatusReport
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, fmt.Errorf("%w: %v", batch.ErrStatusCorrupted, err)
	}
	return &report, nil
}
