/*
PURPOSE:
  Defines the core data structures used throughout ollama-bench.
  RunResult is one inference call; Aggregate is the per-model summary.

REQUIREMENTS:
  User-specified:
  - Record wall time, prompt/generation token counts and phase durations.
  - Record process memory (RSS baseline/peak/delta, VmHWM) and tegrastats peaks.

  Implementation-discovered:
  - Every measurement is optional. A missing value must stay nil, never zero.
  - Throughput exists only when both operands exist and the duration is > 0.

ARCHITECTURE INTEGRATION:
  - Used by: internal/engine, internal/sampler, internal/output
  - Shared across boundaries.

ERROR HANDLING:
  - None (pure data structs).

IMPLEMENTATION RULES:
  - Keep structs simple and public.
  - Optional numbers are pointers.

USAGE:
  rr := model.RunResult{Model: "llama3.2:latest", OK: true}
  rr.SetPrompt(ptr(50), ptr(0.5))

SELF-HEALING INSTRUCTIONS:
  - If new metrics are needed, add the field and list it in Metrics().

RELATED FILES:
  - internal/engine/aggregate.go
  - internal/output/csv.go

MAINTENANCE:
  - Update when adding new metrics to capture.
*/

package model

// RunResult represents the outcome of a single (warmup or measured) call.
type RunResult struct {
	Model string `json:"model"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`

	WallTimeS float64 `json:"wall_time_s"`

	PromptTokens *int     `json:"prompt_tokens"`
	PromptTimeS  *float64 `json:"prompt_time_s"`
	PromptTokS   *float64 `json:"prompt_tok_s"`

	GenTokens *int     `json:"gen_tokens"`
	GenTimeS  *float64 `json:"gen_time_s"`
	GenTokS   *float64 `json:"gen_tok_s"`

	// Daemon process memory, MB.
	RSSBaselineMB *float64 `json:"rss_mb_baseline"`
	RSSPeakMB     *float64 `json:"rss_mb_peak"`
	RSSDeltaMB    *float64 `json:"rss_mb_delta"`
	VmHWMMB       *float64 `json:"vmhwm_mb"` // lifetime peak RSS from /proc/<pid>/status

	// tegrastats
	RAMBaselineMB *float64 `json:"ram_mb_baseline"` // system RAM used at start
	RAMPeakMB     *float64 `json:"ram_mb_peak"`
	GR3DPeak      *float64 `json:"gr3d_peak"` // % or MHz, number only
}

// SetPrompt records the prompt phase and derives its throughput.
func (r *RunResult) SetPrompt(tokens *int, seconds *float64) {
	r.PromptTokens = tokens
	r.PromptTimeS = seconds
	r.PromptTokS = Throughput(tokens, seconds)
}

// SetGeneration records the generation phase and derives its throughput.
func (r *RunResult) SetGeneration(tokens *int, seconds *float64) {
	r.GenTokens = tokens
	r.GenTimeS = seconds
	r.GenTokS = Throughput(tokens, seconds)
}

// Throughput returns tokens/seconds, or nil if either side is missing or
// seconds is not positive.
func Throughput(tokens *int, seconds *float64) *float64 {
	if tokens == nil || seconds == nil || *seconds <= 0 {
		return nil
	}
	v := float64(*tokens) / *seconds
	return &v
}

// Metric is one named numeric field of a RunResult.
type Metric struct {
	Name  string
	Value *float64
}

// MetricNames lists every numeric RunResult field in export order.
var MetricNames = []string{
	"wall_time_s",
	"prompt_tokens", "prompt_time_s", "prompt_tok_s",
	"gen_tokens", "gen_time_s", "gen_tok_s",
	"rss_mb_baseline", "rss_mb_peak", "rss_mb_delta", "vmhwm_mb",
	"ram_mb_baseline", "ram_mb_peak", "gr3d_peak",
}

// Metrics returns the numeric fields in the same order as MetricNames.
func (r RunResult) Metrics() []Metric {
	wall := r.WallTimeS
	return []Metric{
		{"wall_time_s", &wall},
		{"prompt_tokens", intToFloat(r.PromptTokens)},
		{"prompt_time_s", r.PromptTimeS},
		{"prompt_tok_s", r.PromptTokS},
		{"gen_tokens", intToFloat(r.GenTokens)},
		{"gen_time_s", r.GenTimeS},
		{"gen_tok_s", r.GenTokS},
		{"rss_mb_baseline", r.RSSBaselineMB},
		{"rss_mb_peak", r.RSSPeakMB},
		{"rss_mb_delta", r.RSSDeltaMB},
		{"vmhwm_mb", r.VmHWMMB},
		{"ram_mb_baseline", r.RAMBaselineMB},
		{"ram_mb_peak", r.RAMPeakMB},
		{"gr3d_peak", r.GR3DPeak},
	}
}

func intToFloat(v *int) *float64 {
	if v == nil {
		return nil
	}
	f := float64(*v)
	return &f
}

// Stat is the mean and population standard deviation of one metric.
type Stat struct {
	Mean  *float64 `json:"mean"`
	Stdev *float64 `json:"stdev"`
}

// NoRuns is the diagnostic error of an aggregate built from an empty run list.
const NoRuns = "no runs"

// Aggregate is the per-model statistical summary over a run list.
type Aggregate struct {
	Model  string          `json:"model"`
	Runs   int             `json:"runs"`
	OKRuns int             `json:"ok_runs"`
	OK     bool            `json:"ok"`
	Error  string          `json:"error"`
	Stats  map[string]Stat `json:"stats,omitempty"`
}

// Mean returns the mean of the named metric, nil if unavailable.
func (a Aggregate) Mean(name string) *float64 {
	return a.Stats[name].Mean
}

// Stdev returns the population stdev of the named metric, nil if unavailable.
func (a Aggregate) Stdev(name string) *float64 {
	return a.Stats[name].Stdev
}

// Flatten returns the aggregate as a flat key/value map. Metric statistics are
// keyed <metric>_mean and <metric>_stdev; unavailable values are nil.
// Aborted aggregates carry only the identity and outcome keys.
func (a Aggregate) Flatten() map[string]any {
	out := map[string]any{
		"model":   a.Model,
		"runs":    a.Runs,
		"ok_runs": a.OKRuns,
		"ok":      a.OK,
		"error":   a.Error,
	}
	if a.Stats == nil {
		return out
	}
	for _, name := range MetricNames {
		s := a.Stats[name]
		out[name+"_mean"] = s.Mean
		out[name+"_stdev"] = s.Stdev
	}
	return out
}
