/*
PURPOSE:
  Defines the 'list-models' subcommand.
  Helps debug connectivity and model discovery.

REQUIREMENTS:
  User-specified:
  - List available models.

  Implementation-discovered:
  - Useful validation step before full run; shows what --exclude would skip.

ARCHITECTURE INTEGRATION:
  - Calls: internal/engine.Client.ListModels()

ERROR HANDLING:
  - Returns the discovery error if the URL is wrong or the daemon is down.

USAGE:
  ollama-bench list-models --url http://127.0.0.1:11434
*/

package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/daryltucker/ollama-bench/internal/engine"
)

var listModelsCmd = &cobra.Command{
	Use:   "list-models",
	Short: "List the models the Ollama daemon serves",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Querying %s...\n", cfg.BaseURL)

		client := engine.NewClient(cfg.BaseURL, cfg.HTTPTimeout)
		models, err := client.ListModels(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to list models at %s: %w", cfg.BaseURL, err)
		}
		for _, m := range models {
			fmt.Fprintf(out, "- %s\n", m)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(listModelsCmd)
}
