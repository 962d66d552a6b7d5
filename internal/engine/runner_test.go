package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daryltucker/ollama-bench/internal/config"
	"github.com/daryltucker/ollama-bench/internal/model"
)

// scriptedGenerator fails the calls listed in failAt (0-based, warmup included)
// and succeeds otherwise.
type scriptedGenerator struct {
	mu     sync.Mutex
	calls  int
	failAt map[int]string
	models []string
}

func (g *scriptedGenerator) Generate(_ context.Context, modelName, _ string, _ GenerateOptions) model.RunResult {
	g.mu.Lock()
	defer g.mu.Unlock()
	i := g.calls
	g.calls++
	g.models = append(g.models, modelName)
	if msg, ok := g.failAt[i]; ok {
		return model.RunResult{Model: modelName, Error: msg}
	}
	rr := okRun(100, 2)
	rr.Model = modelName
	return rr
}

type fakeService struct {
	restartErr error
	ready      bool
	restarts   int
	waits      int
	// onWait runs inside WaitUntilReady before it answers.
	onWait func()
}

func (s *fakeService) Restart(context.Context) error {
	s.restarts++
	return s.restartErr
}

func (s *fakeService) WaitUntilReady(context.Context, time.Duration) bool {
	s.waits++
	if s.onWait != nil {
		s.onWait()
	}
	return s.ready
}

type fakeSampler struct {
	name    string
	events  *[]string
	mu      *sync.Mutex
	applyFn func(rr *model.RunResult)
}

func (s *fakeSampler) record(ev string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	*s.events = append(*s.events, s.name+":"+ev)
}

func (s *fakeSampler) Start(context.Context) { s.record("start") }
func (s *fakeSampler) Stop()                 { s.record("stop") }
func (s *fakeSampler) Apply(rr *model.RunResult) {
	s.record("apply")
	s.applyFn(rr)
}

func plan(warmup, repeats int, restart bool) Plan {
	return Plan{Prompt: "p", Warmup: warmup, Repeats: repeats, Restart: restart, StartTimeout: time.Second}
}

func TestBench_WarmupFailuresDoNotCount(t *testing.T) {
	gen := &scriptedGenerator{failAt: map[int]string{0: "cold", 1: "still cold"}}
	c := &Coordinator{Plan: plan(2, 3, false), Client: gen}

	out := c.Bench(context.Background(), "m")

	assert.Equal(t, StateDone, out.State)
	assert.Equal(t, 5, gen.calls)
	require.Len(t, out.Runs, 3)
	assert.Equal(t, 3, out.Aggregate.OKRuns)
	assert.True(t, out.Aggregate.OK)
	assert.InDelta(t, 50.0, *out.Aggregate.Mean("gen_tok_s"), 1e-9)
}

func TestBench_FirstFailureEndsRepeats(t *testing.T) {
	gen := &scriptedGenerator{failAt: map[int]string{2: "connection reset"}}
	var seen []int
	c := &Coordinator{
		Plan:   plan(1, 5, false),
		Client: gen,
		OnRun:  func(i int, _ model.RunResult) { seen = append(seen, i) },
	}

	out := c.Bench(context.Background(), "m")

	require.Len(t, out.Runs, 2)
	assert.True(t, out.Runs[0].OK)
	assert.False(t, out.Runs[1].OK)
	assert.Equal(t, []int{1, 2}, seen)
	assert.Equal(t, 3, gen.calls, "no call after the failure")
	assert.Equal(t, 2, out.Aggregate.Runs)
	assert.Equal(t, 1, out.Aggregate.OKRuns)
	assert.True(t, out.Aggregate.OK)
	assert.Equal(t, "connection reset", out.Aggregate.Error)
}

func TestBench_RepeatsClampedToOne(t *testing.T) {
	gen := &scriptedGenerator{}
	c := &Coordinator{Plan: plan(0, 0, false), Client: gen}

	out := c.Bench(context.Background(), "m")
	assert.Len(t, out.Runs, 1)
}

func TestBench_RestartFailureAbortsModel(t *testing.T) {
	gen := &scriptedGenerator{}
	svc := &fakeService{restartErr: errors.New("failed to restart ollama. Set passwordless sudo for: sudo -n systemctl restart ollama")}
	c := &Coordinator{Plan: plan(1, 3, true), Client: gen, Service: svc}

	out := c.Bench(context.Background(), "m")

	assert.Equal(t, StateAborted, out.State)
	assert.Empty(t, out.Runs)
	assert.Zero(t, gen.calls)
	assert.Zero(t, svc.waits)
	assert.False(t, out.Aggregate.OK)
	assert.Equal(t, 0, out.Aggregate.Runs)
	assert.Contains(t, out.Aggregate.Error, "passwordless sudo")
}

func TestBench_ServiceNotReady(t *testing.T) {
	gen := &scriptedGenerator{}
	svc := &fakeService{ready: false}
	c := &Coordinator{Plan: plan(1, 3, true), Client: gen, Service: svc}

	out := c.Bench(context.Background(), "m")

	assert.Equal(t, StateAborted, out.State)
	assert.Equal(t, 1, svc.restarts)
	assert.Zero(t, gen.calls)
	assert.Equal(t, ErrServiceUnavailable.Error(), out.Aggregate.Error)
}

func TestBench_CancelDuringReadinessWaitReportsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	gen := &scriptedGenerator{}
	svc := &fakeService{ready: false, onWait: cancel}
	c := &Coordinator{Plan: plan(1, 3, true), Client: gen, Service: svc}

	out := c.Bench(ctx, "m")

	assert.Equal(t, StateAborted, out.State)
	assert.Zero(t, gen.calls)
	assert.Equal(t, context.Canceled.Error(), out.Aggregate.Error)
	assert.NotEqual(t, ErrServiceUnavailable.Error(), out.Aggregate.Error)
}

func TestBench_RestartWithoutService(t *testing.T) {
	c := &Coordinator{Plan: plan(0, 1, true), Client: &scriptedGenerator{}}
	out := c.Bench(context.Background(), "m")
	assert.Equal(t, StateAborted, out.State)
}

func TestBench_NoRestartSkipsService(t *testing.T) {
	svc := &fakeService{restartErr: errors.New("unused")}
	c := &Coordinator{Plan: plan(0, 1, false), Client: &scriptedGenerator{}, Service: svc}

	out := c.Bench(context.Background(), "m")
	assert.Equal(t, StateDone, out.State)
	assert.Zero(t, svc.restarts)
}

func TestBench_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	gen := &scriptedGenerator{}
	c := &Coordinator{Plan: plan(2, 3, false), Client: gen}

	out := c.Bench(ctx, "m")
	assert.Equal(t, StateAborted, out.State)
	assert.Zero(t, gen.calls)
	assert.Equal(t, context.Canceled.Error(), out.Aggregate.Error)
}

func TestBench_SamplersWrapEachMeasuredCall(t *testing.T) {
	var (
		mu     sync.Mutex
		events []string
		pids   []int
	)
	c := &Coordinator{
		Plan:      plan(1, 2, false),
		Client:    &scriptedGenerator{},
		LocatePID: func(context.Context) (int, bool) { return 4242, true },
		MemorySampler: func(pid int) Sampler {
			pids = append(pids, pid)
			return &fakeSampler{name: "mem", events: &events, mu: &mu, applyFn: func(rr *model.RunResult) {
				rr.RSSPeakMB = floatp(2048)
				rr.RSSDeltaMB = floatp(512)
			}}
		},
		TelemetrySampler: func() Sampler {
			return &fakeSampler{name: "tegra", events: &events, mu: &mu, applyFn: func(rr *model.RunResult) {
				rr.GR3DPeak = floatp(99)
			}}
		},
	}

	out := c.Bench(context.Background(), "m")

	require.Len(t, out.Runs, 2)
	assert.Equal(t, []int{4242, 4242}, pids, "a fresh memory sampler per measured call")
	for _, rr := range out.Runs {
		assert.Equal(t, 2048.0, *rr.RSSPeakMB)
		assert.Equal(t, 99.0, *rr.GR3DPeak)
	}
	assert.Equal(t, 512.0, *out.Aggregate.Mean("rss_mb_delta"))

	// per call: both start, both stop (either order), then both apply
	require.Len(t, events, 12)
	for i := 0; i < 2; i++ {
		call := events[i*6 : i*6+6]
		assert.Equal(t, []string{"mem:start", "tegra:start"}, call[:2])
		assert.ElementsMatch(t, []string{"mem:stop", "tegra:stop"}, call[2:4])
		assert.Equal(t, []string{"mem:apply", "tegra:apply"}, call[4:])
	}
}

func TestBench_NoPIDSkipsMemorySampler(t *testing.T) {
	built := 0
	c := &Coordinator{
		Plan:      plan(0, 1, false),
		Client:    &scriptedGenerator{},
		LocatePID: func(context.Context) (int, bool) { return 0, false },
		MemorySampler: func(int) Sampler {
			built++
			return nil
		},
	}

	out := c.Bench(context.Background(), "m")
	require.Len(t, out.Runs, 1)
	assert.Zero(t, built)
	assert.Nil(t, out.Runs[0].RSSPeakMB)
	assert.True(t, out.Runs[0].OK)
}

func TestExcludedBy(t *testing.T) {
	assert.Equal(t, "embed", excludedBy("nomic-EMBED-text:latest", []string{"vision", "embed"}))
	assert.Equal(t, "", excludedBy("llama3.2:latest", []string{"vision", ""}))
	assert.Equal(t, "", excludedBy("llama3.2:latest", nil))
}

// fakeOllama serves /api/tags and a fixed /api/generate response.
func fakeOllama(t *testing.T, models ...string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/tags", func(w http.ResponseWriter, r *http.Request) {
		type entry struct {
			Name string `json:"name"`
		}
		payload := struct {
			Models []entry `json:"models"`
		}{}
		for _, m := range models {
			payload.Models = append(payload.Models, entry{Name: m})
		}
		_ = json.NewEncoder(w).Encode(payload)
	})
	mux.HandleFunc("/api/generate", func(w http.ResponseWriter, r *http.Request) {
		var req generateRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if strings.Contains(req.Model, "broken") {
			http.Error(w, "model failed to load", http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(`{"prompt_eval_count":50,"prompt_eval_duration":500000000,"eval_count":100,"eval_duration":1000000000}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(baseURL string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.BaseURL = baseURL
	cfg.Restart = false
	cfg.SampleMemory = false
	cfg.Warmup = 0
	cfg.Repeats = 2
	cfg.HTTPTimeout = 5 * time.Second
	return cfg
}

func TestResolveModels(t *testing.T) {
	srv := fakeOllama(t, "qwen2.5:7b", "llava:13b-vision", "llama3.2:latest")
	client := NewClient(srv.URL, time.Second)

	cfg := testConfig(srv.URL)
	cfg.Exclude = []string{"VISION"}
	models, err := ResolveModels(context.Background(), cfg, client)
	require.NoError(t, err)
	assert.Equal(t, []string{"llama3.2:latest", "qwen2.5:7b"}, models)

	cfg.Models = []string{"llava:13b-vision"}
	models, err = ResolveModels(context.Background(), cfg, client)
	require.NoError(t, err)
	assert.Equal(t, []string{"llava:13b-vision"}, models, "explicit models are not filtered")
}

func TestResolveModels_DiscoveryFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := ResolveModels(context.Background(), testConfig(url), NewClient(url, time.Second))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to discover models")
}

func TestRun_EndToEnd(t *testing.T) {
	srv := fakeOllama(t, "llama3.2:latest", "broken:1b")
	dir := t.TempDir()

	cfg := testConfig(srv.URL)
	cfg.CSVPath = filepath.Join(dir, "results.csv")
	cfg.JSONPath = filepath.Join(dir, "results.json")
	cfg.RunsLog = filepath.Join(dir, "runs.jsonl")
	cfg.MetricsFile = filepath.Join(dir, "bench.prom")

	var out bytes.Buffer
	aggs, err := Run(context.Background(), cfg, "session-1", &out)
	require.NoError(t, err)
	require.Len(t, aggs, 2)

	byName := map[string]model.Aggregate{}
	for _, a := range aggs {
		byName[a.Model] = a
	}
	good := byName["llama3.2:latest"]
	assert.True(t, good.OK)
	assert.Equal(t, 2, good.Runs)
	assert.InDelta(t, 100.0, *good.Mean("gen_tok_s"), 1e-9)
	assert.InDelta(t, 100.0, *good.Mean("prompt_tok_s"), 1e-9)

	bad := byName["broken:1b"]
	assert.False(t, bad.OK)
	assert.Equal(t, 1, bad.Runs, "first failure ends the model")
	assert.Contains(t, bad.Error, "model failed to load")

	report := out.String()
	assert.Contains(t, report, "=== SUMMARY ===")
	assert.Contains(t, report, "Fastest: llama3.2:latest  100.00 tok/s")
	assert.Less(t, strings.Index(report, "llama3.2:latest"), strings.Index(report, "broken:1b"))

	for _, p := range []string{cfg.CSVPath, cfg.JSONPath, cfg.MetricsFile} {
		assert.FileExists(t, p)
	}
	runs, err := os.ReadFile(cfg.RunsLog)
	require.NoError(t, err)
	assert.Len(t, strings.Split(strings.TrimSpace(string(runs)), "\n"), 3)
}

func TestRun_NoModels(t *testing.T) {
	srv := fakeOllama(t)
	var out bytes.Buffer

	_, err := Run(context.Background(), testConfig(srv.URL), "s", &out)
	assert.ErrorIs(t, err, ErrNoModels)
	assert.Empty(t, out.String())
}

func TestRun_ExportFailureIsReported(t *testing.T) {
	srv := fakeOllama(t, "llama3.2:latest")
	cfg := testConfig(srv.URL)
	cfg.CSVPath = filepath.Join(t.TempDir(), "missing-dir", "results.csv")

	var out bytes.Buffer
	aggs, err := Run(context.Background(), cfg, "s", &out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to write CSV")
	assert.Len(t, aggs, 1)
	assert.Contains(t, out.String(), "=== SUMMARY ===")
}
