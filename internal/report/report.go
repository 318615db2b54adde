// Package report persists per-host run manifests, either as JSON files
// or into a MongoDB collection.
package report

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/andrej220/winbatch/pkg/batch"
)

// RunReport is the durable record of one Run call against one host.
type RunReport struct {
	RunID      string             `json:"run_id" bson:"_id"`
	Host       string             `json:"host" bson:"host"`
	StartedAt  time.Time          `json:"started_at" bson:"started_at"`
	FinishedAt time.Time          `json:"finished_at" bson:"finished_at"`
	Results    []batch.TaskResult `json:"results" bson:"results"`
}

// Summary counts results by terminal status.
func (r *RunReport) Summary() map[batch.TaskStatus]int {
	out := make(map[batch.TaskStatus]int)
	for _, res := range r.Results {
		out[res.Status]++
	}
	return out
}

type Serializer interface {
	Marshal(data any) ([]byte, error)
}

type Writer interface {
	Write(filename string, data []byte) error
}

type JSONSerializer struct {
	Prefix, Indent string
}

func (s JSONSerializer) Marshal(data any) ([]byte, error) {
	return json.MarshalIndent(data, s.Prefix, s.Indent)
}

type FileWriter struct {
	Overwrite bool
}

func (w FileWriter) Write(filename string, data []byte) error {
	if filename == "" {
		return os.ErrInvalid
	}
	if _, err := os.Stat(filename); err == nil && !w.Overwrite {
		return os.ErrExist
	}
	if err := os.MkdirAll(filepath.Dir(filename), 0o755); err != nil {
		return err
	}
	return os.WriteFile(filename, data, 0o644)
}

// WriteReport persists a report through the given Serializer and
// Writer pair.
func WriteReport(rep *RunReport, filename string, serializer Serializer, writer Writer) error {
	if filename == "" {
		return fmt.Errorf("empty report filename")
	}
	data, err := serializer.Marshal(rep)
	if err != nil {
		return fmt.Errorf("serialize report: %w", err)
	}
	if err := writer.Write(filename, data); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}

// WriteJSON persists a report as an indented JSON file, overwriting
// any previous report for the same run.
func WriteJSON(rep *RunReport, filename string) error {
	return WriteReport(rep, filename, JSONSerializer{Indent: "    "}, FileWriter{Overwrite: true})
}
