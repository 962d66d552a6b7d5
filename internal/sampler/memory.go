/*
PURPOSE:
  Samples the daemon's resident memory while one inference call is in flight.

REQUIREMENTS:
  User-specified:
  - RSS baseline, peak and delta per measured run, plus VmHWM.

  Implementation-discovered:
  - One writer goroutine; values are read only after Stop has joined it.
  - A goroutine that does not stop in time makes the readings unavailable.

ARCHITECTURE INTEGRATION:
  - Called by: internal/engine/runner.go (Coordinator.measure)
  - Uses: internal/sampler/process.go (ProcFS)

ERROR HANDLING:
  - Read failures are swallowed; the affected fields stay nil.

IMPLEMENTATION RULES:
  - Stop is idempotent.
  - Apply must only be called after Stop.

USAGE:
  s := sampler.NewProcessMemorySampler(pfs, pid, 50*time.Millisecond, time.Second)
  s.Start(ctx)
  ... inference call ...
  s.Stop()
  s.Apply(&rr)

RELATED FILES:
  - internal/sampler/process.go
*/

package sampler

import (
	"context"
	"time"

	"github.com/daryltucker/ollama-bench/internal/model"
	"github.com/daryltucker/ollama-bench/internal/output"
)

// ReadFunc returns one reading in MB.
type ReadFunc func() (float64, error)

// MemorySampler polls a process's RSS while an inference call is in flight
// and keeps the baseline and the running peak for that call.
//
// baseline and peak are written only by Start and the polling goroutine and
// read only after Stop has joined that goroutine.
type MemorySampler struct {
	read        ReadFunc
	highWater   ReadFunc
	interval    time.Duration
	joinTimeout time.Duration

	stop chan struct{}
	done chan struct{}

	started bool
	stopped bool
	joined  bool

	baseline float64
	peak     float64
}

// NewMemorySampler builds a sampler. highWater may be nil.
func NewMemorySampler(read, highWater ReadFunc, interval, joinTimeout time.Duration) *MemorySampler {
	return &MemorySampler{
		read:        read,
		highWater:   highWater,
		interval:    interval,
		joinTimeout: joinTimeout,
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// NewProcessMemorySampler samples pid through pfs.
func NewProcessMemorySampler(pfs *ProcFS, pid int, interval, joinTimeout time.Duration) *MemorySampler {
	return NewMemorySampler(
		func() (float64, error) { return pfs.RSSMB(pid) },
		func() (float64, error) { return pfs.HighWaterMB(pid) },
		interval, joinTimeout,
	)
}

// Start captures the baseline and launches the polling loop. If the baseline
// cannot be read the sampler stays idle and reports nothing.
func (s *MemorySampler) Start(ctx context.Context) {
	if s.started || s.read == nil {
		return
	}
	baseline, err := s.read()
	if err != nil {
		output.Logger.Debug("RSS sampling unavailable", "error", err)
		return
	}
	s.baseline = baseline
	s.peak = baseline
	s.started = true
	go s.loop(ctx)
}

func (s *MemorySampler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			v, err := s.read()
			if err != nil {
				// process gone or unreadable; keep the last peak
				continue
			}
			if v > s.peak {
				s.peak = v
			}
		}
	}
}

// Stop ends the polling loop and waits up to the join timeout for it.
func (s *MemorySampler) Stop() {
	if !s.started || s.stopped {
		return
	}
	s.stopped = true
	close(s.stop)

	timer := time.NewTimer(s.joinTimeout)
	defer timer.Stop()
	select {
	case <-s.done:
		s.joined = true
	case <-timer.C:
		output.Logger.Warn("RSS sampler did not stop in time; discarding its readings", "timeout", s.joinTimeout)
	}
}

// Apply copies the sampled values into rr. It must be called after Stop.
// The high-water mark is read independently of the polling loop.
func (s *MemorySampler) Apply(rr *model.RunResult) {
	if s.highWater != nil {
		if hwm, err := s.highWater(); err == nil {
			rr.VmHWMMB = &hwm
		}
	}
	if !s.joined {
		return
	}
	baseline, peak := s.baseline, s.peak
	delta := peak - baseline
	rr.RSSBaselineMB = &baseline
	rr.RSSPeakMB = &peak
	rr.RSSDeltaMB = &delta
}
