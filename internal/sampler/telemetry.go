/*
PURPOSE:
  Reads a tegrastats-style stream during one inference call and keeps the
  system RAM baseline/peak and the GR3D (GPU) frequency peak.

REQUIREMENTS:
  User-specified:
  - Optional tegrastats sampling on Jetson boards (--tegrastats).

  Implementation-discovered:
  - The tool usually runs under sudo; SIGTERM is relayed, a bare kill is not.
  - A missing tool or missing sudo rights must not fail the run.

ARCHITECTURE INTEGRATION:
  - Called by: internal/engine/runner.go (Coordinator.measure)

ERROR HANDLING:
  - Start failures are logged at debug and produce no data.

IMPLEMENTATION RULES:
  - Only the reader goroutine writes the values; Apply runs after Stop joined it.

USAGE:
  s := sampler.NewTelemetrySampler([]string{"sudo", "-n", "tegrastats"}, time.Second)

RELATED FILES:
  - internal/sampler/memory.go
*/

package sampler

import (
	"bufio"
	"context"
	"io"
	"os/exec"
	"regexp"
	"strconv"
	"time"

	"golang.org/x/sys/unix"

	"github.com/daryltucker/ollama-bench/internal/model"
	"github.com/daryltucker/ollama-bench/internal/output"
)

var (
	// RAM 1234/7777MB
	ramPattern = regexp.MustCompile(`\bRAM\s+(\d+)\s*/\s*(\d+)MB\b`)
	// GR3D_FREQ 45% or GR3D_FREQ 918MHz
	gr3dPattern = regexp.MustCompile(`\bGR3D_FREQ\s+(\d+)(?:%|MHz)`)
)

// TelemetrySampler runs a tegrastats-style command and tracks system RAM used
// and the GR3D (GPU) frequency across its output lines.
//
// If the command cannot be started the sampler reports nothing; a missing
// tool or missing sudo rights never fails a benchmark.
type TelemetrySampler struct {
	command     []string
	joinTimeout time.Duration

	cmd  *exec.Cmd
	done chan struct{}

	stopped bool
	joined  bool

	ramBaseline *float64
	ramPeak     *float64
	gr3dPeak    *float64
}

// NewTelemetrySampler builds a sampler for command, e.g. ["sudo", "-n", "tegrastats"].
func NewTelemetrySampler(command []string, joinTimeout time.Duration) *TelemetrySampler {
	return &TelemetrySampler{
		command:     command,
		joinTimeout: joinTimeout,
		done:        make(chan struct{}),
	}
}

// Start launches the command and the goroutine reading its stdout.
func (s *TelemetrySampler) Start(ctx context.Context) {
	if s.cmd != nil || len(s.command) == 0 {
		return
	}
	cmd := exec.CommandContext(ctx, s.command[0], s.command[1:]...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		output.Logger.Debug("telemetry unavailable", "error", err)
		return
	}
	if err := cmd.Start(); err != nil {
		output.Logger.Debug("telemetry unavailable", "command", s.command, "error", err)
		return
	}
	s.cmd = cmd
	go s.loop(stdout)
}

func (s *TelemetrySampler) loop(r io.Reader) {
	defer close(s.done)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		s.observe(scanner.Text())
	}
}

// Done is closed once the reader reaches the end of the command's output.
func (s *TelemetrySampler) Done() <-chan struct{} {
	return s.done
}

// observe folds one output line into the running values.
func (s *TelemetrySampler) observe(line string) {
	if m := ramPattern.FindStringSubmatch(line); m != nil {
		if used, err := strconv.ParseFloat(m[1], 64); err == nil {
			if s.ramBaseline == nil {
				v := used
				s.ramBaseline = &v
			}
			s.ramPeak = maxOf(s.ramPeak, used)
		}
	}
	if m := gr3dPattern.FindStringSubmatch(line); m != nil {
		if freq, err := strconv.ParseFloat(m[1], 64); err == nil {
			s.gr3dPeak = maxOf(s.gr3dPeak, freq)
		}
	}
}

func maxOf(cur *float64, v float64) *float64 {
	if cur == nil || v > *cur {
		return &v
	}
	return cur
}

// Stop terminates the command and waits up to the join timeout for the reader.
func (s *TelemetrySampler) Stop() {
	if s.cmd == nil || s.stopped {
		return
	}
	s.stopped = true

	// SIGTERM so sudo relays it to tegrastats.
	_ = s.cmd.Process.Signal(unix.SIGTERM)

	timer := time.NewTimer(s.joinTimeout)
	defer timer.Stop()
	select {
	case <-s.done:
		s.joined = true
		_ = s.cmd.Wait()
	case <-timer.C:
		output.Logger.Warn("telemetry reader did not stop in time; discarding its readings", "timeout", s.joinTimeout)
		_ = s.cmd.Process.Kill()
		go func(cmd *exec.Cmd) { _ = cmd.Wait() }(s.cmd)
	}
}

// Apply copies the observed values into rr. It must be called after Stop.
func (s *TelemetrySampler) Apply(rr *model.RunResult) {
	if !s.joined {
		return
	}
	rr.RAMBaselineMB = s.ramBaseline
	rr.RAMPeakMB = s.ramPeak
	rr.GR3DPeak = s.gr3dPeak
}
