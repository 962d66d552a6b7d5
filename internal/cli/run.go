/*
PURPOSE:
  Defines the 'run' subcommand.
  Executes the full benchmark suite.

REQUIREMENTS:
  User-specified:
  - Run the benchmarks.
  - Flags override the config file and environment.

  Implementation-discovered:
  - Need to load config first.
  - Only flags the user actually set may override config (Changed()).
  - Ctrl-C must still print the summary for the models already measured.

ARCHITECTURE INTEGRATION:
  - Calls: internal/engine.Run()
  - Uses: internal/config

ERROR HANDLING:
  - Returns error if config load fails, nothing was benchmarked or an export failed.

IMPLEMENTATION RULES:
  - Setup flags in init().
  - Logic: Load Config -> Override -> Validate -> Engine.Run.

USAGE:
  ollama-bench run --model llama3.2:latest --repeats 3

RELATED FILES:
  - internal/cli/root.go
*/

package cli

import (
	"errors"
	"fmt"
	"os"
	"os/signal"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/daryltucker/ollama-bench/internal/config"
	"github.com/daryltucker/ollama-bench/internal/engine"
	"github.com/daryltucker/ollama-bench/internal/output"
)

type runOptions struct {
	model       string
	models      []string
	exclude     []string
	service     string
	prompt      string
	promptFile  string
	numPredict  int
	temperature float64
	warmup      int
	repeats     int
	noRestart   bool
	noMem       bool
	tegrastats  bool
	csvPath     string
	jsonPath    string
	runsLog     string
	metricsFile string
}

var runOpts runOptions

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the benchmark suite",
	Long: `Benchmarks each model strictly one after another:
1. Isolation: restarts the Ollama service and waits until it answers (unless --no-restart).
2. Warmup: runs the prompt --warmup times; results are discarded.
3. Measuring: runs the prompt --repeats times while sampling the daemon's RSS
   (and tegrastats with --tegrastats). The first failed call ends the model.

A summary table sorted by generation throughput is printed at the end, and the
aggregates can be exported to CSV, JSON and a Prometheus textfile.`,
	Example: `  # Benchmark every installed model
  ollama-bench run

  # One model, three measured runs, no restart
  ollama-bench run --model llama3.2:latest --repeats 3 --no-restart

  # Skip embedding models and export results
  ollama-bench run --exclude embed --csv results.csv --json results.json

  # Jetson: also sample tegrastats
  ollama-bench run --tegrastats --prompt-file ./prompts/code_gen.md`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if err := applyRunFlags(cmd, cfg, &runOpts); err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		session := uuid.New().String()
		tagSession(session)

		if cfg.Tegrastats {
			output.Logger.Info("Note: tegrastats sampling needs passwordless sudo", "command", cfg.TelemetryCommand)
		}
		if cfg.Restart {
			output.Logger.Info("Note: ollama is restarted between models; this needs passwordless sudo",
				"command", append(append([]string{}, cfg.RestartCommand...), cfg.Service))
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, unix.SIGTERM)
		defer stop()

		_, err = engine.Run(ctx, cfg, session, cmd.OutOrStdout())
		if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			output.Logger.Warn("Benchmark interrupted; partial results reported")
			return nil
		}
		return err
	},
}

// applyRunFlags copies every flag the user set onto cfg.
func applyRunFlags(cmd *cobra.Command, cfg *config.Config, o *runOptions) error {
	flags := cmd.Flags()

	if flags.Changed("models") {
		cfg.Models = o.models
	}
	if flags.Changed("model") {
		if flags.Changed("models") {
			cfg.Models = append([]string{o.model}, o.models...)
		} else {
			cfg.Models = []string{o.model}
		}
	}
	if flags.Changed("exclude") {
		cfg.Exclude = o.exclude
	}
	if flags.Changed("service") {
		cfg.Service = o.service
	}
	if flags.Changed("prompt") {
		cfg.Prompt = o.prompt
	}
	if o.promptFile != "" {
		data, err := os.ReadFile(o.promptFile)
		if err != nil {
			return fmt.Errorf("failed to read prompt file: %w", err)
		}
		cfg.Prompt = string(data)
	}
	if flags.Changed("num-predict") {
		cfg.NumPredict = o.numPredict
	}
	if flags.Changed("temperature") {
		cfg.Temperature = o.temperature
	}
	if flags.Changed("warmup") {
		cfg.Warmup = o.warmup
	}
	if flags.Changed("repeats") {
		cfg.Repeats = o.repeats
	}
	if o.noRestart {
		cfg.Restart = false
	}
	if o.noMem {
		cfg.SampleMemory = false
	}
	if o.tegrastats {
		cfg.Tegrastats = true
	}
	if flags.Changed("csv") {
		cfg.CSVPath = o.csvPath
	}
	if flags.Changed("json") {
		cfg.JSONPath = o.jsonPath
	}
	if flags.Changed("runs-log") {
		cfg.RunsLog = o.runsLog
	}
	if flags.Changed("metrics-file") {
		cfg.MetricsFile = o.metricsFile
	}
	return nil
}

func init() {
	rootCmd.AddCommand(runCmd)
	bindRunFlags(runCmd, &runOpts)
}

func bindRunFlags(cmd *cobra.Command, o *runOptions) {
	f := cmd.Flags()
	f.StringVar(&o.model, "model", "", "Benchmark a single model (e.g. llama3.2:latest). Default: all models")
	f.StringSliceVar(&o.models, "models", nil, "Comma-separated list of specific models to run (skips discovery)")
	f.StringSliceVar(&o.exclude, "exclude", nil, "Comma-separated list of substrings to exclude from discovered model names")
	f.StringVar(&o.service, "service", "", "systemd service name for Ollama")
	f.StringVar(&o.prompt, "prompt", "", "Benchmark prompt")
	f.StringVarP(&o.promptFile, "prompt-file", "p", "", "Path to a markdown/text file containing the prompt (overrides --prompt)")
	f.IntVar(&o.numPredict, "num-predict", 0, "Tokens to generate (num_predict)")
	f.Float64Var(&o.temperature, "temperature", 0, "Sampling temperature (0 for stable results)")
	f.IntVar(&o.warmup, "warmup", 0, "Warmup runs per model (not recorded)")
	f.IntVar(&o.repeats, "repeats", 0, "Measured runs per model")
	f.BoolVar(&o.noRestart, "no-restart", false, "Do NOT restart ollama between models")
	f.BoolVar(&o.noMem, "no-mem", false, "Disable ollama RSS/VmHWM sampling")
	f.BoolVar(&o.tegrastats, "tegrastats", false, "Also sample tegrastats (RAM used peak + GR3D peak)")
	f.StringVar(&o.csvPath, "csv", "", "Write aggregated results to CSV")
	f.StringVar(&o.jsonPath, "json", "", "Write aggregated results to JSON")
	f.StringVar(&o.runsLog, "runs-log", "", "Append every measured run to a JSON Lines file")
	f.StringVar(&o.metricsFile, "metrics-file", "", "Write aggregates as a Prometheus textfile")
}
