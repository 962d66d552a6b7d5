/*
PURPOSE:
  JSON outputs: the aggregate array export and the per-run JSON Lines log (NDJSON).

REQUIREMENTS:
  User-specified:
  - JSON output for easier parsing (array of per-model aggregates).

  Implementation-discovered:
  - JSON Lines is better for the raw run log (append-friendly, survives a crash mid-run).

ARCHITECTURE INTEGRATION:
  - Called by: internal/engine
  - Consumes: internal/model.Aggregate, internal/model.RunResult

ERROR HANDLING:
  - Returns error on file creation or write failure.

IMPLEMENTATION RULES:
  - Use encoding/json.NewEncoder.
  - Run log is thread-safe and synced after every record.

USAGE:
  err := output.WriteJSON("results.json", aggs)

  w, err := output.NewJSONWriter("runs.jsonl", session)
  w.Write(1, result)
  w.Close()

RELATED FILES:
  - internal/model/types.go
*/

package output

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/daryltucker/ollama-bench/internal/model"
)

// WriteJSON writes the aggregates as an indented JSON array of flat objects.
func WriteJSON(path string, aggs []model.Aggregate) error {
	rows := make([]map[string]any, len(aggs))
	for i, a := range aggs {
		rows[i] = a.Flatten()
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(rows); err != nil {
		return err
	}
	return f.Close()
}

// RunRecord is one line of the run log.
type RunRecord struct {
	Session   string          `json:"session"`
	Timestamp time.Time       `json:"timestamp"`
	Run       int             `json:"run"`
	Result    model.RunResult `json:"result"`
}

// JSONWriter appends measured runs to a JSON Lines file.
type JSONWriter struct {
	file    *os.File
	encoder *json.Encoder
	session string
	mu      sync.Mutex
}

// NewJSONWriter creates a new JSONWriter, truncating path.
func NewJSONWriter(path, session string) (*JSONWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}

	return &JSONWriter{
		file:    f,
		encoder: json.NewEncoder(f),
		session: session,
	}, nil
}

// Write writes a single run as a JSON line.
func (jw *JSONWriter) Write(run int, r model.RunResult) error {
	jw.mu.Lock()
	defer jw.mu.Unlock()

	rec := RunRecord{Session: jw.session, Timestamp: time.Now().UTC(), Run: run, Result: r}
	if err := jw.encoder.Encode(rec); err != nil {
		return err
	}
	return jw.file.Sync()
}

// Close closes the underlying file.
func (jw *JSONWriter) Close() error {
	return jw.file.Close()
}
