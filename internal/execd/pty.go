package execd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/creack/pty"

	"github.com/brianmichel/planter/internal/logger"
	"github.com/brianmichel/planter/internal/platform"
	"github.com/brianmichel/planter/internal/protocol"
)

// Follow reads poll the session buffer on this tick.
const ptyFollowTick = 50 * time.Millisecond

// Cap applied to pty_read max_bytes.
const ptyReadCap = 64 * 1024

// Grace period before probing whether an enforced sandboxed shell died
// during startup.
const sandboxStartupProbeDelay = 50 * time.Millisecond

// nestedSandboxProbeProfile is the trivial allow-all profile used to test
// whether the parent confinement permits nested sandboxing at all.
const nestedSandboxProbeProfile = "(version 1) (allow default)"

// PtyOpenResult is the payload for a successful session open.
type PtyOpenResult struct {
	SessionID protocol.SessionID
	PID       *uint32
}

// PtyChunk is one offset-bounded slice of session output.
type PtyChunk struct {
	Offset   uint64
	Data     []byte
	EOF      bool
	Complete bool
	ExitCode *int
}

// PtyManager owns the interactive PTY sessions of one worker.
type PtyManager struct {
	stateRoot string
	mode      platform.SandboxMode

	mu       sync.Mutex
	sessions map[protocol.SessionID]*ptySession
	nextID   atomic.Uint64
}

// ptySession is one live shell on a pseudo-terminal. The reader goroutine
// owns the master read side and only ever touches buf/complete; everything
// else goes through the request loop.
type ptySession struct {
	id   protocol.SessionID
	ptmx *os.File
	cmd  *exec.Cmd

	writeMu sync.Mutex

	mu       sync.Mutex
	buf      []byte
	complete bool
	exitCode *int

	waitDone chan struct{}
}

// NewPtyManager creates an empty session table rooted at stateRoot.
func NewPtyManager(stateRoot string, mode platform.SandboxMode) *PtyManager {
	m := &PtyManager{
		stateRoot: stateRoot,
		mode:      mode,
		sessions:  make(map[protocol.SessionID]*ptySession),
	}
	return m
}

// sessionLayout is the per-session filesystem scaffolding.
type sessionLayout struct {
	sessionRoot string
	buildCell   string
	sessionHome string
	sessionTmp  string
	bashRC      string
	zshRC       string
}

// Open validates the shell, prepares the session filesystem, and spawns the
// shell on a fresh PTY with an isolated environment.
func (m *PtyManager) Open(shell string, args []string, cwd string,
	env map[string]string, cols, rows uint16) (*PtyOpenResult, error) {
	if strings.TrimSpace(shell) == "" {
		return nil, protocol.Err(protocol.CodeInvalidRequest, "shell cannot be empty")
	}
	if err := validateShellPath(shell); err != nil {
		return nil, err
	}

	sessionID := protocol.SessionID(m.nextID.Add(1))
	layout, err := m.prepareLayout(sessionID)
	if err != nil {
		return nil, err
	}

	shellArgs := normalizeShellArgs(shell, layout, args)
	if cwd == "" {
		cwd = layout.buildCell
	}
	sessionEnv := buildIsolatedEnv(shell, layout, cwd, env)

	program, programArgs, sandboxed, err := m.resolveSpawnCommand(sessionID, layout, shell, shellArgs)
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(program, programArgs...)
	cmd.Dir = cwd
	cmd.Env = sessionEnv

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{
		Rows: max(rows, 1),
		Cols: max(cols, 1),
	})
	if err != nil {
		return nil, protocol.WrapInternal("spawn pty command", err)
	}

	session := &ptySession{
		id:       sessionID,
		ptmx:     ptmx,
		cmd:      cmd,
		waitDone: make(chan struct{}),
	}
	go session.reap()
	go session.readLoop()

	if sandboxed && m.mode == platform.ModeEnforced {
		time.Sleep(sandboxStartupProbeDelay)
		select {
		case <-session.waitDone:
			detail := fmt.Sprintf("exit_code=%s", formatExitCode(session.takeExitCode()))
			if startup := session.startupOutput(512); startup != "" {
				detail += ", startup_output=" + startup
			}
			ptmx.Close()
			return nil, protocol.Errf(protocol.CodeInternal,
				"sandboxed pty shell exited during startup", "%s", detail)
		default:
		}
	}

	var pid *uint32
	if cmd.Process != nil && cmd.Process.Pid > 0 {
		p := uint32(cmd.Process.Pid)
		pid = &p
	}

	m.mu.Lock()
	m.sessions[sessionID] = session
	m.mu.Unlock()

	logger.Debug("pty session opened", "session_id", sessionID, "shell", shell, "sandboxed", sandboxed)
	return &PtyOpenResult{SessionID: sessionID, PID: pid}, nil
}

// Input writes raw bytes into the session's terminal. Empty input is a no-op.
func (m *PtyManager) Input(sessionID protocol.SessionID, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	session, err := m.get(sessionID)
	if err != nil {
		return err
	}

	session.writeMu.Lock()
	defer session.writeMu.Unlock()
	for len(data) > 0 {
		n, err := session.ptmx.Write(data)
		if err != nil {
			return protocol.WrapInternal("write pty input", err)
		}
		data = data[n:]
	}
	return nil
}

// Read returns the buffered output slice at offset. With follow, empty reads
// wait for more bytes until waitMs elapses or the session completes.
func (m *PtyManager) Read(ctx context.Context, sessionID protocol.SessionID,
	offset uint64, maxBytes uint32, follow bool, waitMs uint64) (*PtyChunk, error) {
	start := time.Now()
	limit := int(maxBytes)
	if limit < 1 {
		limit = 1
	}
	if limit > ptyReadCap {
		limit = ptyReadCap
	}

	for {
		session, err := m.get(sessionID)
		if err != nil {
			return nil, err
		}
		chunk := session.readChunk(offset, limit)

		if len(chunk.Data) > 0 || chunk.Complete || !follow {
			return chunk, nil
		}
		if time.Since(start) >= time.Duration(max(waitMs, 1))*time.Millisecond {
			return chunk, nil
		}

		select {
		case <-ctx.Done():
			return chunk, nil
		case <-time.After(ptyFollowTick):
		}
	}
}

// Resize changes the terminal dimensions of a session.
func (m *PtyManager) Resize(sessionID protocol.SessionID, cols, rows uint16) error {
	session, err := m.get(sessionID)
	if err != nil {
		return err
	}
	if err := pty.Setsize(session.ptmx, &pty.Winsize{
		Rows: max(rows, 1),
		Cols: max(cols, 1),
	}); err != nil {
		return protocol.WrapInternal("resize pty", err)
	}
	return nil
}

// Close removes a session, kills its shell, and marks it complete. Closing
// the master also unblocks the reader goroutine.
func (m *PtyManager) Close(sessionID protocol.SessionID, force bool) error {
	m.mu.Lock()
	session, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
	}
	m.mu.Unlock()
	if !ok {
		return protocol.Errf(protocol.CodeNotFound, "session does not exist", "%d", sessionID)
	}

	session.kill(force)
	return nil
}

// CloseAll tears down every session; used on worker shutdown.
func (m *PtyManager) CloseAll() {
	m.mu.Lock()
	sessions := make([]*ptySession, 0, len(m.sessions))
	for id, session := range m.sessions {
		sessions = append(sessions, session)
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	for _, session := range sessions {
		session.kill(true)
	}
}

func (m *PtyManager) get(sessionID protocol.SessionID) (*ptySession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[sessionID]
	if !ok {
		return nil, protocol.Errf(protocol.CodeNotFound, "session does not exist", "%d", sessionID)
	}
	return session, nil
}

func (m *PtyManager) prepareLayout(sessionID protocol.SessionID) (*sessionLayout, error) {
	sessionRoot := filepath.Join(m.stateRoot, "sessions", fmt.Sprintf("pty-%d", sessionID))
	layout := &sessionLayout{
		sessionRoot: sessionRoot,
		buildCell:   filepath.Join(sessionRoot, "build-cell"),
		sessionHome: filepath.Join(sessionRoot, "home"),
		sessionTmp:  filepath.Join(sessionRoot, "tmp"),
	}
	layout.bashRC = filepath.Join(layout.sessionHome, ".planter_bashrc")
	layout.zshRC = filepath.Join(layout.sessionHome, ".zshrc")

	for _, dir := range []string{layout.buildCell, layout.sessionHome, layout.sessionTmp} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, protocol.WrapInternal("create session directory", err)
		}
	}
	if err := os.WriteFile(layout.bashRC, []byte(renderBashRC(layout.buildCell)), 0o644); err != nil {
		return nil, protocol.WrapInternal("write session bash rc", err)
	}
	if err := os.WriteFile(layout.zshRC, []byte(renderZshRC(layout.buildCell)), 0o644); err != nil {
		return nil, protocol.WrapInternal("write session zsh rc", err)
	}
	return layout, nil
}

// resolveSpawnCommand decides between a plain shell launch and a
// sandbox-wrapped one. Only enforced mode sandboxes interactive shells;
// permissive sessions launch plain.
func (m *PtyManager) resolveSpawnCommand(sessionID protocol.SessionID, layout *sessionLayout,
	shell string, shellArgs []string) (string, []string, bool, error) {
	switch m.mode {
	case platform.ModeEnforced:
		capability, err := probeNestedSandbox()
		if err != nil {
			return "", nil, false, err
		}
		if capability == nestedSandboxBlocked {
			logger.Warn("nested sandbox unavailable under current confinement, using direct shell launch",
				"session_id", sessionID)
			return shell, shellArgs, false, nil
		}
		profilePath, err := m.compileSessionProfile(sessionID, layout)
		if err != nil {
			return "", nil, false, err
		}
		args := append([]string{"-f", profilePath, shell}, shellArgs...)
		return platform.SandboxExecPath, args, true, nil
	case platform.ModePermissive:
		logger.Debug("pty sandbox skipped in permissive mode", "session_id", sessionID)
		return shell, shellArgs, false, nil
	default:
		return shell, shellArgs, false, nil
	}
}

func (m *PtyManager) compileSessionProfile(sessionID protocol.SessionID, layout *sessionLayout) (string, error) {
	name := fmt.Sprintf("pty-%d", sessionID)
	profile := platform.RenderProfile(platform.ProfileVars{
		CellID:    name,
		StateRoot: m.stateRoot,
		CellDir:   layout.buildCell,
	})

	var extra strings.Builder
	extra.WriteString("\n; ---- pty-rc-hardening ----\n")
	for _, rc := range []string{layout.bashRC, layout.zshRC} {
		fmt.Fprintf(&extra, "(deny file-write* (literal %q))\n", rc)
		if real, err := filepath.EvalSymlinks(rc); err == nil && real != rc {
			fmt.Fprintf(&extra, "(deny file-write* (literal %q))\n", real)
		}
	}
	fmt.Fprintf(&extra, "(allow file-write* (subpath %q))\n", layout.sessionHome)
	if real, err := filepath.EvalSymlinks(layout.sessionHome); err == nil && real != layout.sessionHome {
		fmt.Fprintf(&extra, "(allow file-write* (subpath %q))\n", real)
	}
	extra.WriteString("\n; ---- pty-metadata-compat ----\n")
	extra.WriteString("(allow file-read-metadata)\n")
	extra.WriteString("\n; ---- pty-devices ----\n")
	extra.WriteString("(allow file-read* (subpath \"/dev\"))\n")
	extra.WriteString("(allow file-write* (subpath \"/dev\"))\n")

	path, err := platform.WriteProfile(m.stateRoot, name, profile+extra.String())
	if err != nil {
		return "", protocol.WrapInternal("write pty sandbox profile", err)
	}
	return path, nil
}

// reap waits for the shell and records its exit code.
func (s *ptySession) reap() {
	err := s.cmd.Wait()
	s.mu.Lock()
	if s.cmd.ProcessState != nil {
		if code := s.cmd.ProcessState.ExitCode(); code >= 0 {
			s.exitCode = &code
		}
	}
	s.mu.Unlock()
	_ = err
	close(s.waitDone)
}

// readLoop pumps master output into the session buffer until EOF or a
// terminal error, then marks the session complete.
func (s *ptySession) readLoop() {
	buf := make([]byte, 4096)
	for {
		n, err := s.ptmx.Read(buf)
		if n > 0 {
			s.mu.Lock()
			s.buf = append(s.buf, buf[:n]...)
			s.mu.Unlock()
		}
		if err != nil {
			if errors.Is(err, syscall.EINTR) {
				continue
			}
			break
		}
	}
	s.mu.Lock()
	s.complete = true
	s.mu.Unlock()
}

func (s *ptySession) readChunk(offset uint64, limit int) *PtyChunk {
	s.mu.Lock()
	defer s.mu.Unlock()

	length := len(s.buf)
	start := int(min(offset, uint64(length)))
	end := min(start+limit, length)
	data := append([]byte(nil), s.buf[start:end]...)
	eof := end == length

	var exitCode *int
	if s.exitCode != nil {
		code := *s.exitCode
		exitCode = &code
	}
	return &PtyChunk{
		Offset:   offset,
		Data:     data,
		EOF:      eof,
		Complete: eof && s.complete,
		ExitCode: exitCode,
	}
}

func (s *ptySession) kill(force bool) {
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
		if force {
			_ = s.cmd.Process.Kill()
		}
	}
	s.mu.Lock()
	s.complete = true
	s.mu.Unlock()
	s.ptmx.Close()
}

func (s *ptySession) takeExitCode() *int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitCode
}

// startupOutput compacts whatever the shell printed before dying, for
// early-exit diagnostics.
func (s *ptySession) startupOutput(maxChars int) string {
	s.mu.Lock()
	data := append([]byte(nil), s.buf...)
	s.mu.Unlock()
	compact := strings.Join(strings.Fields(string(data)), " ")
	if len(compact) > maxChars {
		compact = compact[:maxChars] + "..."
	}
	return compact
}

type nestedSandboxCapability int

const (
	nestedSandboxAvailable nestedSandboxCapability = iota
	nestedSandboxBlocked
)

// probeNestedSandbox checks whether the parent confinement lets us run the
// sandbox launcher at all. Known denial signatures classify as blocked; any
// other failure is an error.
func probeNestedSandbox() (nestedSandboxCapability, error) {
	cmd := exec.Command(platform.SandboxExecPath, "-p", nestedSandboxProbeProfile, "/usr/bin/true")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		return nestedSandboxAvailable, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if isNestedSandboxDenied(exitErr.ExitCode(), stderr.Bytes()) {
			return nestedSandboxBlocked, nil
		}
		detail := fmt.Sprintf("exit_code=%d", exitErr.ExitCode())
		if msg := compactOutput(stderr.Bytes(), 256); msg != "" {
			detail += ", stderr=" + msg
		}
		if msg := compactOutput(stdout.Bytes(), 256); msg != "" {
			detail += ", stdout=" + msg
		}
		return 0, protocol.Errf(protocol.CodeInternal, "probe nested sandbox support", "%s", detail)
	}
	if errors.Is(err, os.ErrPermission) {
		return nestedSandboxBlocked, nil
	}
	return 0, protocol.WrapInternal("probe nested sandbox support", err)
}

// isNestedSandboxDenied matches the stderr shapes produced when a parent
// sandbox forbids a nested sandbox_apply.
func isNestedSandboxDenied(exitCode int, stderr []byte) bool {
	msg := strings.ToLower(string(stderr))
	if strings.Contains(msg, "sandbox_apply") && strings.Contains(msg, "operation not permitted") {
		return true
	}
	return exitCode == 71 && strings.Contains(msg, "operation not permitted")
}

func compactOutput(out []byte, maxChars int) string {
	compact := strings.Join(strings.Fields(string(out)), " ")
	if len(compact) > maxChars {
		compact = compact[:maxChars] + "..."
	}
	return compact
}

// validateShellPath requires absolute shell paths to be executable regular
// files. Relative names are resolved by the spawn PATH lookup instead.
func validateShellPath(shell string) error {
	if !filepath.IsAbs(shell) {
		return nil
	}
	info, err := os.Stat(shell)
	if err != nil {
		return protocol.Errf(protocol.CodeInvalidRequest, "shell path is invalid", "%s: %v", shell, err)
	}
	if !info.Mode().IsRegular() {
		return protocol.Errf(protocol.CodeInvalidRequest, "shell path is not a regular file", "%s", shell)
	}
	if info.Mode().Perm()&0o111 == 0 {
		return protocol.Errf(protocol.CodeInvalidRequest, "shell path is not executable", "%s", shell)
	}
	return nil
}

// normalizeShellArgs swaps the bare interactive request for shell-specific
// defaults; anything else passes through untouched.
func normalizeShellArgs(shell string, layout *sessionLayout, args []string) []string {
	if len(args) == 0 || (len(args) == 1 && args[0] == "-i") {
		return defaultShellArgs(shell, layout)
	}
	return args
}

func defaultShellArgs(shell string, layout *sessionLayout) []string {
	switch strings.ToLower(filepath.Base(shell)) {
	case "zsh":
		return []string{"-d", "-i"}
	case "bash":
		return []string{"--noprofile", "--rcfile", layout.bashRC, "-i"}
	default:
		return []string{"-i"}
	}
}

// buildIsolatedEnv constrains the shell environment to the session: only
// PATH/TERM/LANG come from the daemon, identity and temp variables always
// point at session-owned paths, and caller overrides cannot break out.
func buildIsolatedEnv(shell string, layout *sessionLayout, cwd string, overrides map[string]string) []string {
	env := make(map[string]string)

	if path := os.Getenv("PATH"); path != "" {
		env["PATH"] = path
	}
	if term := os.Getenv("TERM"); term != "" {
		env["TERM"] = term
	} else {
		env["TERM"] = "xterm-256color"
	}
	if lang := os.Getenv("LANG"); lang != "" {
		env["LANG"] = lang
	}

	for key, value := range overrides {
		switch key {
		case "HOME", "USER", "LOGNAME", "ZDOTDIR", "HISTFILE", "PWD", "TMPDIR", "TEMP", "TMP":
			continue
		}
		env[key] = value
	}

	env["HOME"] = layout.sessionHome
	env["USER"] = "anonymous"
	env["LOGNAME"] = "anonymous"
	env["ZDOTDIR"] = layout.sessionHome
	env["HISTFILE"] = "/dev/null"
	env["TMPDIR"] = layout.sessionTmp + "/"
	env["TEMP"] = layout.sessionTmp
	env["TMP"] = layout.sessionTmp
	env["SHELL"] = shell
	env["PWD"] = cwd
	env["PLANTER_BUILD_CELL"] = layout.buildCell
	env["PLANTER_SESSION_ROOT"] = layout.sessionRoot

	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

func formatExitCode(code *int) string {
	if code == nil {
		return "none"
	}
	return fmt.Sprintf("%d", *code)
}
