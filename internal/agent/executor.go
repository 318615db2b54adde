// Package agent implements the remote side of the batch protocol: it
// decodes a payload, executes its tasks strictly in order, publishes a
// status snapshot before and after every task, and leaves per-task
// result artifacts for the controller to collect.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/andrej220/winbatch/pkg/batch"
	"github.com/andrej220/winbatch/pkg/lg"
	"github.com/andrej220/winbatch/pkg/payload"
)

// Executor runs one decoded batch under a working directory. All
// artifacts (status, progressive results, final manifest) live in
// Workdir.
type Executor struct {
	Workdir string
	Log     lg.Logger
}

func New(workdir string, log lg.Logger) *Executor {
	if log == nil {
		log = lg.Discard
	}
	return &Executor{Workdir: workdir, Log: log}
}

// Execute runs every task in order, one at a time. A failing task does
// not abort the batch unless the envelope opts into
// stop-on-first-failure; a task exceeding the per-task ceiling is
// killed, marked timed out, and the next task still begins.
func (e *Executor) Execute(ctx context.Context, env *payload.Envelope, tasks []batch.Task) ([]batch.TaskResult, error) {
	if err := os.MkdirAll(e.Workdir, 0o755); err != nil {
		return nil, fmt.Errorf("create workdir: %w", err)
	}

	results := make([]batch.TaskResult, 0, len(tasks))
	completed := 0

	for i, t := range tasks {
		if ctx.Err() != nil {
			results = append(results, batch.TaskResult{
				TaskID: t.ID,
				Status: batch.StatusCancelled,
				Stderr: ctx.Err().Error(),
			})
			for _, rest := range tasks[i+1:] {
				results = append(results, batch.NotExecuted(rest.ID, "batch cancelled"))
			}
			e.finish(env, len(tasks), completed, results)
			return results, ctx.Err()
		}

		e.writeStatus(env.BatchID, len(tasks), completed, t.ID, batch.StateRunning)
		e.Log.Info("task starting", lg.String("task_id", t.ID))

		res := e.runTask(ctx, env, t)
		results = append(results, res)
		completed++
		e.writeResults(results)
		e.writeStatus(env.BatchID, len(tasks), completed, "", batch.StateRunning)
		e.Log.Info("task finished", lg.String("task_id", t.ID), lg.String("status", string(res.Status)))

		if env.StopOnFirstFailure && res.Status != batch.StatusSucceeded {
			for _, rest := range tasks[i+1:] {
				results = append(results, batch.NotExecuted(rest.ID, "stopped on first failure"))
			}
			break
		}
	}

	e.finish(env, len(tasks), completed, results)
	return results, nil
}

func (e *Executor) runTask(ctx context.Context, env *payload.Envelope, t batch.Task) batch.TaskResult {
	taskCtx := ctx
	var cancel context.CancelFunc
	if env.PerTaskTimeout > 0 {
		taskCtx, cancel = context.WithTimeout(ctx, env.PerTaskTimeout)
		defer cancel()
	}

	res := batch.TaskResult{
		TaskID:    t.ID,
		StartedAt: time.Now(),
	}

	stdout := newCapWriter(env.OutputCapBytes)
	stderr := newCapWriter(env.OutputCapBytes)

	cmd := exec.CommandContext(taskCtx, "/bin/sh", "-c", t.Command)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = 2 * time.Second

	err := cmd.Run()
	res.EndedAt = time.Now()
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()
	res.Truncated = stdout.Truncated() || stderr.Truncated()

	switch {
	case taskCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil:
		res.Status = batch.StatusTimedOut
	case err == nil:
		code := 0
		res.Status = batch.StatusSucceeded
		res.ExitCode = &code
	default:
		var exitErr *exec.ExitError
		res.Status = batch.StatusFailed
		if errors.As(err, &exitErr) {
			code := exitErr.ExitCode()
			res.ExitCode = &code
		} else {
			if res.Stderr == "" {
				res.Stderr = err.Error()
			}
		}
	}
	return res
}

func (e *Executor) finish(env *payload.Envelope, total, completed int, results []batch.TaskResult) {
	e.writeResults(results)
	e.writeStatus(env.BatchID, total, completed, "", batch.StateCompleted)
	e.writeJSON(payload.FinalArtifact, results)
}

func (e *Executor) writeStatus(batchID string, total, completed int, current string, state batch.State) {
	e.writeJSON(payload.StatusArtifact, batch.StatusReport{
		BatchID:       batchID,
		Total:         total,
		Completed:     completed,
		CurrentTaskID: current,
		State:         state,
		Timestamp:     time.Now(),
	})
}

func (e *Executor) writeResults(results []batch.TaskResult) {
	e.writeJSON(payload.ResultsArtifact, results)
}

// writeJSON overwrites an artifact in place via rename so the poller
// never observes a half-written snapshot.
func (e *Executor) writeJSON(name string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		e.Log.Error("marshal artifact", lg.String("artifact", name), lg.Err(err))
		return
	}
	full := filepath.Join(e.Workdir, name)
	tmp := full + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		e.Log.Error("write artifact", lg.String("artifact", name), lg.Err(err))
		return
	}
	if err := os.Rename(tmp, full); err != nil {
		e.Log.Error("rename artifact", lg.String("artifact", name), lg.Err(err))
	}
}
