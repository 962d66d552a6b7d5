/*
PURPOSE:
  Process introspection for the Ollama daemon: PID discovery, current RSS and
  the lifetime RSS high-water mark (VmHWM).

REQUIREMENTS:
  User-specified:
  - Locate the ollama server process without the user passing a PID.
  - Report VmHWM from /proc/<pid>/status.

  Implementation-discovered:
  - The daemon can appear as "ollama serve" or as a bare "ollama" binary.
    Model runner children also contain "ollama" and must not win.
  - /proc may be hidden (hidepid) or the process may have exited: both are soft failures.

ARCHITECTURE INTEGRATION:
  - Called by: internal/engine (coordinator), internal/sampler (MemorySampler readers)
  - Dependencies: github.com/prometheus/procfs, golang.org/x/sys/unix

ERROR HANDLING:
  - Lookups return (0, false); reads return errors the samplers swallow.

IMPLEMENTATION RULES:
  - Never panic. Every strategy is best-effort.

USAGE:
  pfs, _ := sampler.NewProcFS(sampler.DefaultProcMount)
  loc := sampler.NewLocator("ollama", pfs)
  pid, ok := loc.Locate(ctx)

RELATED FILES:
  - internal/sampler/memory.go
*/

package sampler

import (
	"context"
	"errors"
	"os/exec"
	"strconv"
	"strings"

	"github.com/prometheus/procfs"
	"golang.org/x/sys/unix"
)

const bytesPerMB = 1024 * 1024

// DefaultProcMount is where the host proc filesystem is mounted.
const DefaultProcMount = "/proc"

// ProcFS reads per-process memory counters from a /proc mount.
type ProcFS struct {
	fs procfs.FS
}

// NewProcFS opens the proc filesystem at mountPoint.
func NewProcFS(mountPoint string) (*ProcFS, error) {
	fs, err := procfs.NewFS(mountPoint)
	if err != nil {
		return nil, err
	}
	return &ProcFS{fs: fs}, nil
}

// RSSMB returns the current resident set size of pid in MB.
func (p *ProcFS) RSSMB(pid int) (float64, error) {
	status, err := p.status(pid)
	if err != nil {
		return 0, err
	}
	return float64(status.VmRSS) / bytesPerMB, nil
}

// HighWaterMB returns the lifetime peak RSS (VmHWM) of pid in MB.
func (p *ProcFS) HighWaterMB(pid int) (float64, error) {
	status, err := p.status(pid)
	if err != nil {
		return 0, err
	}
	if status.VmHWM == 0 {
		return 0, errors.New("VmHWM not reported")
	}
	return float64(status.VmHWM) / bytesPerMB, nil
}

func (p *ProcFS) status(pid int) (procfs.ProcStatus, error) {
	proc, err := p.fs.Proc(pid)
	if err != nil {
		return procfs.ProcStatus{}, err
	}
	return proc.NewStatus()
}

// FindDaemon scans all processes for the daemon. A process matches when name
// appears in its comm or command line; it is accepted when it runs "serve" or
// its comm is exactly name.
func (p *ProcFS) FindDaemon(name string) (int, bool) {
	procs, err := p.fs.AllProcs()
	if err != nil {
		return 0, false
	}
	name = strings.ToLower(name)
	for _, proc := range procs {
		comm, err := proc.Comm()
		if err != nil {
			continue
		}
		comm = strings.ToLower(comm)
		args, _ := proc.CmdLine()
		cmdline := strings.ToLower(strings.Join(args, " "))

		if !strings.Contains(comm, name) && !strings.Contains(cmdline, name) {
			continue
		}
		if strings.Contains(cmdline, "serve") || comm == name {
			return proc.PID, true
		}
	}
	return 0, false
}

// Strategy is one way of resolving the daemon PID.
type Strategy func(ctx context.Context) (int, bool)

// Locator resolves the daemon PID by trying each strategy until one yields a
// live process.
type Locator struct {
	Strategies []Strategy
	// Alive reports whether pid names a running process.
	Alive func(pid int) bool
}

// NewLocator builds the default strategies: a /proc scan (when pfs is
// non-nil) followed by `pidof <name>`.
func NewLocator(name string, pfs *ProcFS) *Locator {
	var strategies []Strategy
	if pfs != nil {
		strategies = append(strategies, func(context.Context) (int, bool) {
			return pfs.FindDaemon(name)
		})
	}
	strategies = append(strategies, PidofStrategy(name))
	return &Locator{Strategies: strategies, Alive: ProcessAlive}
}

// Locate returns the first PID any strategy resolves to a live process.
func (l *Locator) Locate(ctx context.Context) (int, bool) {
	for _, strategy := range l.Strategies {
		pid, ok := strategy(ctx)
		if !ok || pid <= 0 {
			continue
		}
		if l.Alive != nil && !l.Alive(pid) {
			continue
		}
		return pid, true
	}
	return 0, false
}

// PidofStrategy resolves name with the pidof utility, taking the first PID.
func PidofStrategy(name string) Strategy {
	return func(ctx context.Context) (int, bool) {
		out, err := exec.CommandContext(ctx, "pidof", name).Output()
		if err != nil {
			return 0, false
		}
		return parsePidof(string(out))
	}
}

func parsePidof(out string) (int, bool) {
	fields := strings.Fields(out)
	if len(fields) == 0 {
		return 0, false
	}
	pid, err := strconv.Atoi(fields[0])
	if err != nil {
		return 0, false
	}
	return pid, true
}

// ProcessAlive sends signal 0 to pid. EPERM still means the process exists.
func ProcessAlive(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
