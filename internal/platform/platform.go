// Package platform isolates the OS-specific pieces of running jobs: cell
// directory layout, plain vs sandboxed process launch, signal delivery, and
// resource sampling. Everything above it works in terms of Ops.
package platform

import (
	"fmt"
	"os/exec"

	"github.com/brianmichel/planter/internal/protocol"
)

// SandboxMode controls whether job and shell launches go through the host
// sandbox runner.
type SandboxMode int

const (
	// ModeDisabled launches every command directly.
	ModeDisabled SandboxMode = iota
	// ModePermissive attempts a sandboxed launch and falls back to a plain
	// one when the sandbox runner fails.
	ModePermissive
	// ModeEnforced requires the sandboxed launch and surfaces failures.
	ModeEnforced
)

// ParseSandboxMode maps the CLI/config spelling to a SandboxMode.
func ParseSandboxMode(s string) (SandboxMode, error) {
	switch s {
	case "disabled":
		return ModeDisabled, nil
	case "permissive":
		return ModePermissive, nil
	case "enforced":
		return ModeEnforced, nil
	default:
		return ModeDisabled, fmt.Errorf("unknown sandbox mode %q", s)
	}
}

func (m SandboxMode) String() string {
	switch m {
	case ModePermissive:
		return "permissive"
	case ModeEnforced:
		return "enforced"
	default:
		return "disabled"
	}
}

// CellPaths describes the on-disk layout created for a cell.
type CellPaths struct {
	CellDir string
}

// JobHandle is the result of a successful job launch. The caller owns the
// started command and is responsible for reaping it.
type JobHandle struct {
	PID        *uint32
	StdoutPath string
	StderrPath string
	Cmd        *exec.Cmd
	Sandboxed  bool
}

// Usage is a point-in-time resource sample for a job process.
type Usage struct {
	RSSBytes *uint64
	CPUNanos *uint64
}

// Ops is the platform capability consumed by the daemon and worker.
type Ops interface {
	// CreateCellDirs materializes the directory for a cell.
	CreateCellDirs(cellID protocol.CellID) (CellPaths, error)

	// SpawnJob launches a command with stdout/stderr redirected to the given
	// log files, honoring the configured sandbox mode.
	SpawnJob(jobID protocol.JobID, cellID protocol.CellID, cmd protocol.CommandSpec,
		env map[string]string, stdoutPath, stderrPath string) (*JobHandle, error)

	// KillTree signals pid and its direct children: TERM, a 250ms grace
	// window, then KILL for survivors. force skips TERM entirely.
	KillTree(pid uint32, force bool) error

	// ProbeUsage samples resource usage for pid. A vanished process yields
	// a zero Usage, not an error.
	ProbeUsage(pid uint32) (Usage, error)
}

// InvalidInputError marks caller mistakes (maps to invalid_request upstream).
type InvalidInputError struct {
	Reason string
}

func (e *InvalidInputError) Error() string { return "invalid input: " + e.Reason }

// UnsupportedError marks operations the platform cannot provide.
type UnsupportedError struct {
	Reason string
}

func (e *UnsupportedError) Error() string { return "unsupported operation: " + e.Reason }
