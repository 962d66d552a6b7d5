/*
PURPOSE:
  Defines the root Cobra command for the ollama-bench CLI.
  Handles global flags and shared config loading.

REQUIREMENTS:
  User-specified:
  - Provide a CLI interface.
  - Support global flags like --config and --url.

  Implementation-discovered:
  - Needs to expose an Execute() function for main.go.
  - Every subcommand needs the same config + logger setup.

ARCHITECTURE INTEGRATION:
  - Called by: cmd/ollama-bench/main.go
  - Calls: Child commands (run, list-models)
  - Uses: internal/config, internal/output

ERROR HANDLING:
  - Returns error to main.go for exit code handling.

IMPLEMENTATION RULES:
  - Use `PersistentFlags()` for flags available to all subcommands.
  - Keep Run logic in subcommands.

USAGE:
  Called by main.go.

RELATED FILES:
  - cmd/ollama-bench/main.go
  - internal/config/config.go
*/

package cli

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"github.com/daryltucker/ollama-bench/internal/config"
	"github.com/daryltucker/ollama-bench/internal/output"
)

var (
	// cfgFile stores the path to the config file (if specified via flag)
	cfgFile string
	// urlOverride replaces base_url when set
	urlOverride string
	logLevel    string

	rootCmd = &cobra.Command{
		Use:   "ollama-bench",
		Short: "Benchmark local Ollama models one at a time",
		Long: `Benchmarks every model served by a local Ollama daemon (or a chosen subset),
restarting the daemon between models and sampling its memory while each call runs.
Use 'run --help' for benchmark options.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

// Execute executes the root command.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./ollama_bench.yaml)")
	rootCmd.PersistentFlags().StringVar(&urlOverride, "url", "", "Ollama base URL (overrides config)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "debug, info, warn or error (overrides config)")
}

// loadConfig loads the config file and env overrides, applies the global flags
// and installs the configured logger.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("url") {
		cfg.BaseURL = urlOverride
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	output.SetLogger(output.NewLogger(cfg.LogLevel, cfg.LogFormat, os.Stderr))
	return cfg, nil
}

// tagSession makes every later log line carry the session id.
func tagSession(session string) {
	output.SetLogger(output.Logger.With("session", session))
}
