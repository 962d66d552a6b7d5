/*
PURPOSE:
  Orchestrates the benchmark: one RunCoordinator per model, run strictly one
  after another, then aggregation, the summary table and the exports.

REQUIREMENTS:
  User-specified:
  - Restart the daemon between models (hard isolation), then warmup, then measured repeats.
  - Sample daemon RSS and (optionally) tegrastats while each measured call is in flight.
  - Stop a model's repeats at the first failed measured call.

  Implementation-discovered:
  - Restart failure and "not ready" abort one model only; the run continues.
  - Only "nothing to benchmark" is fatal.
  - Samplers are read after Stop() has joined their goroutine; no locks needed.

ARCHITECTURE INTEGRATION:
  - Called by: internal/cli
  - Uses: internal/engine (Client, Aggregate), internal/sampler, internal/service, internal/output

ERROR HANDLING:
  - Logs errors but continues (resilience).
  - Never retries a failed call.

IMPLEMENTATION RULES:
  - Never run two inference calls at once.
  - Per model: [restart -> wait ready] -> warmup xN -> measure xR.

USAGE:
  aggs, err := engine.Run(ctx, cfg, session, os.Stdout)

RELATED FILES:
  - internal/engine/client.go
  - internal/engine/aggregate.go
*/

package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/daryltucker/ollama-bench/internal/config"
	"github.com/daryltucker/ollama-bench/internal/model"
	"github.com/daryltucker/ollama-bench/internal/output"
	"github.com/daryltucker/ollama-bench/internal/sampler"
	"github.com/daryltucker/ollama-bench/internal/service"
)

var (
	// ErrServiceUnavailable means the daemon did not answer after a restart.
	ErrServiceUnavailable = errors.New("service not ready: ollama did not come back up")
	// ErrNoModels is fatal: there is nothing to benchmark.
	ErrNoModels = errors.New("no models found (is ollama running?)")
)

// State is the position of a model in the benchmark state machine.
type State string

const (
	StateRestarting State = "restarting"
	StateWarmup     State = "warmup"
	StateMeasuring  State = "measuring"
	StateDone       State = "done"
	StateAborted    State = "aborted"
)

// Generator issues one blocking inference call.
type Generator interface {
	Generate(ctx context.Context, modelName, prompt string, opts GenerateOptions) model.RunResult
}

// ServiceManager restarts the daemon and waits for it.
type ServiceManager interface {
	Restart(ctx context.Context) error
	WaitUntilReady(ctx context.Context, timeout time.Duration) bool
}

// Sampler runs in the background during one measured call.
// Apply must only be called after Stop.
type Sampler interface {
	Start(ctx context.Context)
	Stop()
	Apply(rr *model.RunResult)
}

// Plan holds the per-model benchmark parameters.
type Plan struct {
	Prompt       string
	Options      GenerateOptions
	Warmup       int
	Repeats      int
	Restart      bool
	StartTimeout time.Duration
}

// Coordinator runs the per-model state machine.
type Coordinator struct {
	Plan   Plan
	Client Generator

	// Service is required when Plan.Restart is set.
	Service ServiceManager
	// LocatePID resolves the daemon PID before each measured call.
	LocatePID func(ctx context.Context) (int, bool)
	// MemorySampler and TelemetrySampler are optional factories; nil disables that sampler.
	MemorySampler    func(pid int) Sampler
	TelemetrySampler func() Sampler
	// OnRun observes every measured result; index is 1-based.
	OnRun func(index int, rr model.RunResult)
}

// Outcome is what one model's benchmark produced.
type Outcome struct {
	State     State
	Runs      []model.RunResult
	Aggregate model.Aggregate
}

// Bench benchmarks one model.
func (c *Coordinator) Bench(ctx context.Context, modelName string) Outcome {
	log := output.Logger.With("model", modelName)
	log.Info("Benchmarking model",
		"warmup", c.Plan.Warmup, "repeats", c.Plan.Repeats, "num_predict", c.Plan.Options.NumPredict)

	if c.Plan.Restart {
		if err := c.isolate(ctx); err != nil {
			log.Error("Model aborted", "state", StateRestarting, "error", err)
			return Outcome{State: StateAborted, Aggregate: Aborted(modelName, err)}
		}
	}

	for i := 0; i < c.Plan.Warmup; i++ {
		if ctx.Err() != nil {
			break
		}
		rr := c.Client.Generate(ctx, modelName, c.Plan.Prompt, c.Plan.Options)
		log.Debug("Warmup run", "run", i+1, "ok", rr.OK)
	}

	if err := ctx.Err(); err != nil {
		return Outcome{State: StateAborted, Aggregate: Aborted(modelName, err)}
	}

	repeats := max(c.Plan.Repeats, 1)
	runs := make([]model.RunResult, 0, repeats)
	for i := 1; i <= repeats; i++ {
		rr := c.measure(ctx, modelName)
		runs = append(runs, rr)
		if c.OnRun != nil {
			c.OnRun(i, rr)
		}
		if !rr.OK {
			log.Error("Run failed", "run", i, "error", rr.Error)
			// daemon presumed unhealthy; further repeats are pointless
			break
		}
		log.Info("Run complete",
			"run", i,
			"gen_tok_s", output.FormatOptional(rr.GenTokS, 2),
			"rss_delta_mb", output.FormatOptional(rr.RSSDeltaMB, 1),
			"rss_peak_mb", output.FormatOptional(rr.RSSPeakMB, 1),
			"wall_s", fmt.Sprintf("%.2f", rr.WallTimeS),
		)
		if ctx.Err() != nil {
			break
		}
	}

	return Outcome{State: StateDone, Runs: runs, Aggregate: Aggregate(modelName, runs)}
}

func (c *Coordinator) isolate(ctx context.Context) error {
	if c.Service == nil {
		return errors.New("restart requested but no service controller configured")
	}
	if err := c.Service.Restart(ctx); err != nil {
		return err
	}
	if !c.Service.WaitUntilReady(ctx, c.Plan.StartTimeout) {
		if err := ctx.Err(); err != nil {
			return err
		}
		return ErrServiceUnavailable
	}
	return nil
}

// measure runs one sampled inference call.
func (c *Coordinator) measure(ctx context.Context, modelName string) model.RunResult {
	var samplers []Sampler
	if c.MemorySampler != nil && c.LocatePID != nil {
		if pid, ok := c.LocatePID(ctx); ok {
			samplers = append(samplers, c.MemorySampler(pid))
		} else {
			output.Logger.Debug("daemon PID not found; RSS sampling skipped", "model", modelName)
		}
	}
	if c.TelemetrySampler != nil {
		samplers = append(samplers, c.TelemetrySampler())
	}

	for _, s := range samplers {
		s.Start(ctx)
	}

	rr := c.Client.Generate(ctx, modelName, c.Plan.Prompt, c.Plan.Options)

	// stop in parallel so the join timeouts do not add up
	var wg sync.WaitGroup
	for _, s := range samplers {
		wg.Add(1)
		go func(s Sampler) {
			defer wg.Done()
			s.Stop()
		}(s)
	}
	wg.Wait()

	for _, s := range samplers {
		s.Apply(&rr)
	}
	return rr
}

// NewCoordinator wires a Coordinator from configuration.
func NewCoordinator(cfg *config.Config, client *Client) *Coordinator {
	c := &Coordinator{
		Plan: Plan{
			Prompt:       cfg.Prompt,
			Options:      GenerateOptions{NumPredict: cfg.NumPredict, Temperature: cfg.Temperature},
			Warmup:       cfg.Warmup,
			Repeats:      cfg.Repeats,
			Restart:      cfg.Restart,
			StartTimeout: cfg.StartTimeout,
		},
		Client:  client,
		Service: service.NewController(cfg.Service, cfg.RestartCommand, client.Ping, cfg.ReadyPollInterval),
	}

	if cfg.SampleMemory {
		pfs, err := sampler.NewProcFS(sampler.DefaultProcMount)
		if err != nil {
			output.Logger.Warn("procfs unavailable; RSS sampling disabled", "error", err)
		} else {
			locator := sampler.NewLocator(cfg.ProcessName, pfs)
			c.LocatePID = locator.Locate
			c.MemorySampler = func(pid int) Sampler {
				return sampler.NewProcessMemorySampler(pfs, pid, cfg.MemoryPollInterval, cfg.SamplerJoinTimeout)
			}
		}
	}
	if cfg.Tegrastats {
		c.TelemetrySampler = func() Sampler {
			return sampler.NewTelemetrySampler(cfg.TelemetryCommand, cfg.SamplerJoinTimeout)
		}
	}
	return c
}

// ResolveModels returns the configured models, or the discovered ones minus exclusions.
func ResolveModels(ctx context.Context, cfg *config.Config, client *Client) ([]string, error) {
	if len(cfg.Models) > 0 {
		return cfg.Models, nil
	}

	output.Logger.Info("Discovering models...", "url", cfg.BaseURL)
	discovered, err := client.ListModels(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to discover models at %s: %w", cfg.BaseURL, err)
	}

	models := make([]string, 0, len(discovered))
	for _, name := range discovered {
		if ex := excludedBy(name, cfg.Exclude); ex != "" {
			output.Logger.Info("Skipping model (excluded)", "model", name, "filter", ex)
			continue
		}
		models = append(models, name)
	}
	output.Logger.Info("Found models", "count", len(models))
	return models, nil
}

func excludedBy(name string, filters []string) string {
	lower := strings.ToLower(name)
	for _, ex := range filters {
		if ex != "" && strings.Contains(lower, strings.ToLower(ex)) {
			return ex
		}
	}
	return ""
}

// Run executes the full benchmark suite and writes the summary to out.
func Run(ctx context.Context, cfg *config.Config, session string, out io.Writer) ([]model.Aggregate, error) {
	client := NewClient(cfg.BaseURL, cfg.HTTPTimeout)

	models, err := ResolveModels(ctx, cfg, client)
	if err != nil {
		return nil, err
	}
	if len(models) == 0 {
		return nil, ErrNoModels
	}

	coord := NewCoordinator(cfg, client)

	if cfg.RunsLog != "" {
		runLog, err := output.NewJSONWriter(cfg.RunsLog, session)
		if err != nil {
			return nil, fmt.Errorf("failed to init runs log at %s: %w", cfg.RunsLog, err)
		}
		defer runLog.Close()
		coord.OnRun = func(index int, rr model.RunResult) {
			if err := runLog.Write(index, rr); err != nil {
				output.Logger.Error("Failed to write run to log", "error", err)
			}
		}
	}

	aggs := make([]model.Aggregate, 0, len(models))
	for _, name := range models {
		if ctx.Err() != nil {
			break
		}
		outcome := coord.Bench(ctx, name)
		aggs = append(aggs, outcome.Aggregate)
	}

	output.RenderReport(out, aggs)

	if err := writeExports(cfg, session, aggs); err != nil {
		return aggs, err
	}
	return aggs, ctx.Err()
}

func writeExports(cfg *config.Config, session string, aggs []model.Aggregate) error {
	var errs []error
	if cfg.CSVPath != "" {
		if err := output.WriteCSV(cfg.CSVPath, aggs); err != nil {
			errs = append(errs, fmt.Errorf("failed to write CSV %s: %w", cfg.CSVPath, err))
		} else {
			output.Logger.Info("Wrote CSV", "path", cfg.CSVPath)
		}
	}
	if cfg.JSONPath != "" {
		if err := output.WriteJSON(cfg.JSONPath, aggs); err != nil {
			errs = append(errs, fmt.Errorf("failed to write JSON %s: %w", cfg.JSONPath, err))
		} else {
			output.Logger.Info("Wrote JSON", "path", cfg.JSONPath)
		}
	}
	if cfg.MetricsFile != "" {
		if err := output.WriteMetrics(cfg.MetricsFile, session, aggs); err != nil {
			errs = append(errs, fmt.Errorf("failed to write metrics %s: %w", cfg.MetricsFile, err))
		} else {
			output.Logger.Info("Wrote metrics", "path", cfg.MetricsFile)
		}
	}
	return errors.Join(errs...)
}
