/*
PURPOSE:
  HTTP client for the Ollama API.
  Handles model discovery, liveness probing and the timed non-streaming generate call.

REQUIREMENTS:
  User-specified:
  - Detect models (/api/tags).
  - Non-stream inference (metrics): prompt_eval_count/duration, eval_count/duration.

  Implementation-discovered:
  - Needs http.Client with a long timeout (model loading happens inside the call).
  - Durations are nanoseconds; counts can be missing (e.g. cached prompt).
  - A failed call must become a failed RunResult, not an error, so the
    coordinator can decide what to do next.

ARCHITECTURE INTEGRATION:
  - Called by: internal/engine (RunCoordinator, Run), internal/cli (list-models)
  - Uses: internal/model

ERROR HANDLING:
  - No retries. One request, one outcome.
  - Network errors are classified ("awaiting headers" = model still loading).

IMPLEMENTATION RULES:
  - Use net/http.
  - Enforce timeouts.

USAGE:
  c := engine.NewClient(cfg.BaseURL, cfg.HTTPTimeout)
  models, err := c.ListModels(ctx)
  rr := c.Generate(ctx, "llama3.2:latest", prompt, engine.GenerateOptions{NumPredict: 256})

SELF-HEALING INSTRUCTIONS:
  - If Ollama API changes, update endpoints (/api/tags, /api/generate).

RELATED FILES:
  - internal/model/types.go

MAINTENANCE:
  - Update for new Ollama API features.
*/

package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/daryltucker/ollama-bench/internal/model"
)

// TransportError is a failed inference call.
type TransportError struct {
	Model   string
	Message string
	Cause   error
}

func (e *TransportError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *TransportError) Unwrap() error {
	return e.Cause
}

// GenerateOptions are passed through as Ollama request options.
type GenerateOptions struct {
	NumPredict  int     `json:"num_predict"`
	Temperature float64 `json:"temperature"`
}

// Client handles Ollama interactions.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

// NewClient creates a new Client. timeout bounds every request, including
// model load time inside a generate call.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: timeout},
	}
}

type tagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// ListModels returns the sorted names of all models the daemon serves.
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/api/tags", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("bad status: %s", resp.Status)
	}

	var payload tagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("failed to decode model list: %w", err)
	}

	names := make([]string, 0, len(payload.Models))
	for _, m := range payload.Models {
		if m.Name != "" {
			names = append(names, m.Name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// Ping succeeds when the model-listing endpoint answers at all.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/api/tags", nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.Body.Close()
}

type generateRequest struct {
	Model   string          `json:"model"`
	Prompt  string          `json:"prompt"`
	Stream  bool            `json:"stream"`
	Options GenerateOptions `json:"options"`
}

// Counts are decoded as floats so a non-integral value is detected rather
// than failing the whole decode.
type generateResponse struct {
	PromptEvalCount    *float64 `json:"prompt_eval_count"`
	PromptEvalDuration *float64 `json:"prompt_eval_duration"` // ns
	EvalCount          *float64 `json:"eval_count"`
	EvalDuration       *float64 `json:"eval_duration"` // ns
	Error              string   `json:"error"`
}

// Generate runs one non-streaming generate request and returns its outcome.
// It never returns an error: failures are recorded in the RunResult.
func (c *Client) Generate(ctx context.Context, modelName, prompt string, opts GenerateOptions) model.RunResult {
	start := time.Now()
	data, err := c.generate(ctx, modelName, prompt, opts)
	rr := model.RunResult{
		Model:     modelName,
		WallTimeS: time.Since(start).Seconds(),
	}
	if err != nil {
		rr.Error = err.Error()
		return rr
	}

	rr.OK = true
	rr.SetPrompt(count(data.PromptEvalCount), nanosToSeconds(data.PromptEvalDuration))
	rr.SetGeneration(count(data.EvalCount), nanosToSeconds(data.EvalDuration))
	return rr
}

func (c *Client) generate(ctx context.Context, modelName, prompt string, opts GenerateOptions) (*generateResponse, error) {
	reqBody, err := json.Marshal(generateRequest{
		Model:   modelName,
		Prompt:  prompt,
		Stream:  false,
		Options: opts,
	})
	if err != nil {
		return nil, &TransportError{Model: modelName, Message: "failed to encode request", Cause: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/api/generate", bytes.NewReader(reqBody))
	if err != nil {
		return nil, &TransportError{Model: modelName, Message: "failed to create request", Cause: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		if strings.Contains(err.Error(), "awaiting headers") {
			return nil, &TransportError{Model: modelName, Message: "Ollama header timeout (model loading?)", Cause: err}
		}
		return nil, &TransportError{Model: modelName, Message: "network/connection error", Cause: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Model: modelName, Message: "failed to read response body", Cause: err}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &TransportError{
			Model:   modelName,
			Message: fmt.Sprintf("Ollama server error (%s): %s", resp.Status, strings.TrimSpace(string(body))),
		}
	}

	var data generateResponse
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, &TransportError{Model: modelName, Message: "Ollama returned invalid JSON", Cause: err}
	}
	if data.Error != "" {
		return nil, &TransportError{Model: modelName, Message: "Ollama API error: " + data.Error}
	}
	return &data, nil
}

func count(v *float64) *int {
	if v == nil || *v != math.Trunc(*v) || *v < 0 {
		return nil
	}
	n := int(*v)
	return &n
}

func nanosToSeconds(v *float64) *float64 {
	if v == nil {
		return nil
	}
	s := *v / 1e9
	return &s
}
