// Package payload encodes an ordered batch of commands into a single
// transport-safe blob and builds the wrapper invocation that decodes
// and executes it on the remote side.
//
// Command bodies are treated as opaque bytes: each is base64-encoded
// before it is embedded in the envelope, and the whole envelope is
// base64-encoded again before it touches a command line. No byte of a
// command can ever be interpreted by an intermediate shell.
package payload

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"github.com/andrej220/winbatch/pkg/batch"
)

// Artifact names under the batch workdir. The controller stages the
// payload; the remote executor writes the rest.
const (
	PayloadArtifact = "payload.b64"
	StatusArtifact  = "status.json"
	ResultsArtifact = "results.json"
	FinalArtifact   = "final.json"
)

// Envelope is the decoded batch payload handed to the remote executor.
type Envelope struct {
	BatchID            string        `json:"batch_id"`
	StopOnFirstFailure bool          `json:"stop_on_first_failure"`
	PerTaskTimeout     time.Duration `json:"per_task_timeout_ns"`
	OutputCapBytes     int           `json:"output_cap_bytes"`
	Tasks              []record      `json:"tasks"`
}

// record carries one task with its command body base64-encoded.
type record struct {
	TaskID     string `json:"task_id"`
	CommandB64 string `json:"command_b64"`
}

// Codec encodes and decodes batch envelopes. MaxBytes caps the size of
// the encoded blob; zero means unlimited.
type Codec struct {
	MaxBytes int
}

// Encode serializes the batch into an opaque blob. It fails only when
// the blob exceeds MaxBytes; the coordinator must then re-batch
// smaller. Pure transform, no side effects.
func (c Codec) Encode(batchID string, tasks []batch.Task, perTaskTimeout time.Duration, outputCap int, stopOnFirstFailure bool) (string, error) {
	env := Envelope{
		BatchID:            batchID,
		StopOnFirstFailure: stopOnFirstFailure,
		PerTaskTimeout:     perTaskTimeout,
		OutputCapBytes:     outputCap,
	}
	for _, t := range tasks {
		env.Tasks = append(env.Tasks, record{
			TaskID:     t.ID,
			CommandB64: base64.StdEncoding.EncodeToString([]byte(t.Command)),
		})
	}

	raw, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("marshal envelope: %w", err)
	}
	blob := base64.StdEncoding.EncodeToString(raw)
	if c.MaxBytes > 0 && len(blob) > c.MaxBytes {
		return "", fmt.Errorf("%w: %d bytes, cap %d", batch.ErrEncodingTooLarge, len(blob), c.MaxBytes)
	}
	return blob, nil
}

// Decode reverses Encode and returns the envelope plus the tasks with
// their original command bytes restored.
func Decode(blob string) (*Envelope, []batch.Task, error) {
	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return nil, nil, fmt.Errorf("decode blob: %w", err)
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, nil, fmt.Errorf("unmarshal envelope: %w", err)
	}
	tasks := make([]batch.Task, 0, len(env.Tasks))
	for _, r := range env.Tasks {
		cmd, err := base64.StdEncoding.DecodeString(r.CommandB64)
		if err != nil {
			return nil, nil, fmt.Errorf("decode command for task %s: %w", r.TaskID, err)
		}
		tasks = append(tasks, batch.Task{ID: r.TaskID, Command: string(cmd)})
	}
	return &env, tasks, nil
}

// Generation selects the wrapper invocation the negotiated agent
// understands. Fixed once at session setup, never re-probed per call.
type Generation int

const (
	// GenArg embeds the blob in the agent argument list.
	GenArg Generation = 1
	// GenStdin feeds the agent a payload artifact staged in the batch
	// workdir on standard input.
	GenStdin Generation = 2
)

// WrapperCommand builds the remote invocation line. The stdin
// generation reads the staged payload artifact, so the blob never
// rides a command line; the argument generation embeds the blob
// inline, which is safe because it is base64 text. workdir is a
// controller-chosen path and is single-quoted.
func WrapperCommand(gen Generation, agentPath, workdir, blob string) string {
	switch gen {
	case GenStdin:
		return fmt.Sprintf("%s exec --workdir '%s' < '%s'", agentPath, workdir, path.Join(workdir, PayloadArtifact))
	default:
		return fmt.Sprintf("%s exec --workdir '%s' --payload %s", agentPath, workdir, blob)
	}
}
