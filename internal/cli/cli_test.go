package cli

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daryltucker/ollama-bench/internal/config"
)

func parseRunFlags(t *testing.T, args ...string) (*cobra.Command, *runOptions) {
	t.Helper()
	cmd := &cobra.Command{Use: "run"}
	o := &runOptions{}
	bindRunFlags(cmd, o)
	require.NoError(t, cmd.ParseFlags(args))
	return cmd, o
}

func TestApplyRunFlags_OnlyChangedFlagsOverride(t *testing.T) {
	cmd, o := parseRunFlags(t, "--model", "llama3.2:latest", "--repeats", "3", "--no-restart", "--csv", "out.csv")
	cfg := config.DefaultConfig()

	require.NoError(t, applyRunFlags(cmd, cfg, o))
	assert.Equal(t, []string{"llama3.2:latest"}, cfg.Models)
	assert.Equal(t, 3, cfg.Repeats)
	assert.False(t, cfg.Restart)
	assert.Equal(t, "out.csv", cfg.CSVPath)

	assert.Equal(t, 1, cfg.Warmup, "unset flags keep config values")
	assert.Equal(t, 256, cfg.NumPredict)
	assert.True(t, cfg.SampleMemory)
	assert.False(t, cfg.Tegrastats)
}

func TestApplyRunFlags_ZeroValuesApplyWhenSet(t *testing.T) {
	cmd, o := parseRunFlags(t, "--warmup", "0", "--temperature", "0")
	cfg := config.DefaultConfig()
	cfg.Temperature = 0.7

	require.NoError(t, applyRunFlags(cmd, cfg, o))
	assert.Equal(t, 0, cfg.Warmup)
	assert.Equal(t, 0.0, cfg.Temperature)
}

func TestApplyRunFlags_ModelAndModels(t *testing.T) {
	cmd, o := parseRunFlags(t, "--models", "b,c", "--model", "a")
	cfg := config.DefaultConfig()

	require.NoError(t, applyRunFlags(cmd, cfg, o))
	assert.Equal(t, []string{"a", "b", "c"}, cfg.Models)
}

func TestApplyRunFlags_PromptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prompt.md")
	require.NoError(t, os.WriteFile(path, []byte("Write a haiku about mutexes."), 0o644))

	cmd, o := parseRunFlags(t, "--prompt", "ignored", "-p", path)
	cfg := config.DefaultConfig()

	require.NoError(t, applyRunFlags(cmd, cfg, o))
	assert.Equal(t, "Write a haiku about mutexes.", cfg.Prompt)
}

func TestApplyRunFlags_MissingPromptFile(t *testing.T) {
	cmd, o := parseRunFlags(t, "-p", filepath.Join(t.TempDir(), "nope.md"))
	err := applyRunFlags(cmd, config.DefaultConfig(), o)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read prompt file")
}

func TestListModelsCommand(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/tags", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"models":[{"name":"qwen2.5:7b"},{"name":"llama3.2:latest"}]}`))
	}))
	defer srv.Close()

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"list-models", "--url", srv.URL})
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
		urlOverride = ""
	})

	require.NoError(t, Execute(context.Background()))
	assert.Equal(t, "Querying "+srv.URL+"...\n- llama3.2:latest\n- qwen2.5:7b\n", out.String())
}
