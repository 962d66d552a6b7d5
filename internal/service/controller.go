/*
PURPOSE:
  Restarts the Ollama systemd service between models and waits for it to answer again.

REQUIREMENTS:
  User-specified:
  - Hard isolation: `sudo -n systemctl restart ollama` before every model.
  - Wait (bounded) for the API to come back before warming up.

  Implementation-discovered:
  - Callers must tell "restart command failed" apart from "restarted but slow to come up".
    Restart returns *RestartError; WaitUntilReady only returns a bool.

ARCHITECTURE INTEGRATION:
  - Called by: internal/engine (RunCoordinator)
  - Probe: any func(ctx) error, normally engine.Client.Ping

ERROR HANDLING:
  - RestartError wraps the exec error and carries the combined output.

IMPLEMENTATION RULES:
  - Passwordless sudo is expected (-n); never prompt.

USAGE:
  ctl := service.NewController("ollama", cfg.RestartCommand, client.Ping, time.Second)
  if err := ctl.Restart(ctx); err != nil { ... }
  if !ctl.WaitUntilReady(ctx, 60*time.Second) { ... }
*/

package service

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/daryltucker/ollama-bench/internal/output"
)

// RestartError reports a failed service restart.
type RestartError struct {
	Service string
	Command []string
	Output  string
	Cause   error
}

func (e *RestartError) Error() string {
	msg := fmt.Sprintf("failed to restart %s. Set passwordless sudo for: %s", e.Service, strings.Join(e.Command, " "))
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	if e.Output != "" {
		msg += " (" + e.Output + ")"
	}
	return msg
}

func (e *RestartError) Unwrap() error {
	return e.Cause
}

// Probe checks liveness; nil means the daemon answered.
type Probe func(ctx context.Context) error

// Controller restarts and probes one named service.
type Controller struct {
	Service      string
	Command      []string // service name is appended
	Probe        Probe
	PollInterval time.Duration
	ProbeTimeout time.Duration
}

// NewController creates a Controller with a 2s per-probe timeout.
func NewController(serviceName string, command []string, probe Probe, pollInterval time.Duration) *Controller {
	return &Controller{
		Service:      serviceName,
		Command:      command,
		Probe:        probe,
		PollInterval: pollInterval,
		ProbeTimeout: 2 * time.Second,
	}
}

// Restart runs the restart command synchronously.
func (c *Controller) Restart(ctx context.Context) error {
	args := append(append([]string{}, c.Command...), c.Service)
	if len(c.Command) == 0 {
		return &RestartError{Service: c.Service, Command: args, Cause: fmt.Errorf("no restart command configured")}
	}

	output.Logger.Info("Restarting service", "service", c.Service)
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	var combined bytes.Buffer
	cmd.Stdout = &combined
	cmd.Stderr = &combined
	if err := cmd.Run(); err != nil {
		return &RestartError{
			Service: c.Service,
			Command: args,
			Output:  strings.TrimSpace(combined.String()),
			Cause:   err,
		}
	}
	return nil
}

// WaitUntilReady probes at PollInterval until the probe succeeds or timeout
// elapses. It never returns an error; the caller decides what "not ready" means.
func (c *Controller) WaitUntilReady(ctx context.Context, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	start := time.Now()

	for {
		probeCtx, cancel := context.WithTimeout(ctx, c.ProbeTimeout)
		err := c.Probe(probeCtx)
		cancel()
		if err == nil {
			output.Logger.Info("Service ready", "service", c.Service, "elapsed", time.Since(start).Round(time.Millisecond))
			return true
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			output.Logger.Warn("Service not ready", "service", c.Service, "timeout", timeout, "last_error", err)
			return false
		}

		wait := min(c.PollInterval, remaining)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
		}
	}
}
