package platform

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/brianmichel/planter/internal/logger"
	"github.com/brianmichel/planter/internal/protocol"
)

const killGracePeriod = 250 * time.Millisecond

// unixOps implements Ops with POSIX process tools and the host sandbox
// launcher when one is present.
type unixOps struct {
	root string
	mode SandboxMode
}

// New returns the platform backend rooted at the given state directory.
func New(root string, mode SandboxMode) Ops {
	return &unixOps{root: root, mode: mode}
}

func (o *unixOps) CreateCellDirs(cellID protocol.CellID) (CellPaths, error) {
	cellDir := filepath.Join(o.root, "cells", string(cellID))
	if err := os.MkdirAll(cellDir, 0o755); err != nil {
		return CellPaths{}, fmt.Errorf("create cell dir: %w", err)
	}
	return CellPaths{CellDir: cellDir}, nil
}

func (o *unixOps) SpawnJob(jobID protocol.JobID, cellID protocol.CellID, spec protocol.CommandSpec,
	env map[string]string, stdoutPath, stderrPath string) (*JobHandle, error) {
	if len(spec.Argv) == 0 {
		return nil, &InvalidInputError{Reason: "command argv cannot be empty"}
	}

	stdout, stderr, err := openLogFiles(stdoutPath, stderrPath, false)
	if err != nil {
		return nil, err
	}

	cellDir := filepath.Join(o.root, "cells", string(cellID))

	argv := spec.Argv
	sandboxed := false
	if o.mode != ModeDisabled {
		profileArgv, err := o.sandboxArgv(cellID, cellDir, spec.Argv)
		switch {
		case err == nil:
			argv = profileArgv
			sandboxed = true
		case o.mode == ModeEnforced:
			stdout.Close()
			stderr.Close()
			return nil, err
		default:
			logger.Warn("sandboxed launch unavailable, falling back to plain spawn",
				"job_id", jobID, "error", err)
		}
	}

	cmd := buildCommand(argv, spec.Cwd, cellDir, env, stdout, stderr)
	err = cmd.Start()
	if err != nil && sandboxed && o.mode == ModePermissive {
		// The launcher itself failed; reopen the logs in append mode so any
		// partial launcher output survives, then retry plain.
		logger.Warn("sandboxed spawn failed, retrying plain", "job_id", jobID, "error", err)
		stdout.Close()
		stderr.Close()
		stdout, stderr, err = openLogFiles(stdoutPath, stderrPath, true)
		if err != nil {
			return nil, err
		}
		sandboxed = false
		cmd = buildCommand(spec.Argv, spec.Cwd, cellDir, env, stdout, stderr)
		err = cmd.Start()
	}
	// The child inherited both files; the parent's handles are no longer
	// needed whether or not the spawn succeeded.
	stdout.Close()
	stderr.Close()
	if err != nil {
		return nil, fmt.Errorf("spawn job: %w", err)
	}

	var pid *uint32
	if cmd.Process != nil && cmd.Process.Pid > 0 {
		p := uint32(cmd.Process.Pid)
		pid = &p
	}
	return &JobHandle{
		PID:        pid,
		StdoutPath: stdoutPath,
		StderrPath: stderrPath,
		Cmd:        cmd,
		Sandboxed:  sandboxed,
	}, nil
}

func (o *unixOps) sandboxArgv(cellID protocol.CellID, cellDir string, argv []string) ([]string, error) {
	if _, err := os.Stat(SandboxExecPath); err != nil {
		return nil, &UnsupportedError{Reason: "sandbox launcher missing: " + SandboxExecPath}
	}
	profile := RenderProfile(ProfileVars{
		CellID:    string(cellID),
		StateRoot: o.root,
		CellDir:   cellDir,
	})
	profilePath, err := WriteProfile(o.root, string(cellID), profile)
	if err != nil {
		return nil, err
	}
	out := []string{SandboxExecPath, "-f", profilePath}
	return append(out, argv...), nil
}

func (o *unixOps) KillTree(pid uint32, force bool) error {
	if force {
		signalChildren(pid, "KILL")
		return signalPid(pid, "KILL")
	}

	signalChildren(pid, "TERM")
	if err := signalPid(pid, "TERM"); err != nil {
		return err
	}
	time.Sleep(killGracePeriod)
	if processAlive(pid) {
		signalChildren(pid, "KILL")
		return signalPid(pid, "KILL")
	}
	return nil
}

func (o *unixOps) ProbeUsage(pid uint32) (Usage, error) {
	out, err := exec.Command("/bin/ps", "-o", "rss=", "-p", strconv.FormatUint(uint64(pid), 10)).Output()
	if err != nil {
		// ps exits nonzero when the process is gone; treat as no sample.
		return Usage{}, nil
	}
	rssKB, err := strconv.ParseUint(strings.TrimSpace(string(out)), 10, 64)
	if err != nil {
		return Usage{}, nil
	}
	rss := rssKB * 1024
	return Usage{RSSBytes: &rss}, nil
}

func buildCommand(argv []string, cwd, cellDir string, env map[string]string,
	stdout, stderr *os.File) *exec.Cmd {
	cmd := exec.Command(argv[0], argv[1:]...)
	if cwd != "" {
		cmd.Dir = cwd
	} else {
		cmd.Dir = cellDir
	}
	cmd.Env = envSlice(env)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	return cmd
}

func envSlice(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

func openLogFiles(stdoutPath, stderrPath string, appendMode bool) (*os.File, *os.File, error) {
	flags := os.O_CREATE | os.O_WRONLY
	if appendMode {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	for _, path := range []string{stdoutPath, stderrPath} {
		if parent := filepath.Dir(path); parent != "." {
			if err := os.MkdirAll(parent, 0o755); err != nil {
				return nil, nil, fmt.Errorf("create log dir: %w", err)
			}
		}
	}
	stdout, err := os.OpenFile(stdoutPath, flags, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open stdout log: %w", err)
	}
	stderr, err := os.OpenFile(stderrPath, flags, 0o644)
	if err != nil {
		stdout.Close()
		return nil, nil, fmt.Errorf("open stderr log: %w", err)
	}
	return stdout, stderr, nil
}

// signalPid shells out to /bin/kill so delivery semantics match what an
// operator would do by hand. Exit status 1 means "no such process", which
// is fine for teardown.
func signalPid(pid uint32, signal string) error {
	err := exec.Command("/bin/kill", "-"+signal, strconv.FormatUint(uint64(pid), 10)).Run()
	if err == nil {
		return nil
	}
	if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 1 {
		return nil
	}
	return fmt.Errorf("kill -%s %d: %w", signal, pid, err)
}

func signalChildren(pid uint32, signal string) {
	// pkill exits 1 when no children matched; ignore all failures, the
	// parent signal is the one that matters.
	_ = exec.Command("/usr/bin/pkill", "-"+signal, "-P", strconv.FormatUint(uint64(pid), 10)).Run()
}

func processAlive(pid uint32) bool {
	return exec.Command("/bin/kill", "-0", strconv.FormatUint(uint64(pid), 10)).Run() == nil
}
