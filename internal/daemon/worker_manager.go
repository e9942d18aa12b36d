package daemon

import (
	"context"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/brianmichel/planter/internal/execd"
	"github.com/brianmichel/planter/internal/logger"
	"github.com/brianmichel/planter/internal/platform"
	"github.com/brianmichel/planter/internal/protocol"
)

const handshakeTimeout = 2 * time.Second

// Manager spawns and reuses one worker per cell. All calls bound for a cell
// serialize on that cell's call lock; separate cells proceed in parallel.
type Manager struct {
	workerBin   string
	stateRoot   string
	sandboxMode platform.SandboxMode

	mu      sync.Mutex
	workers map[string]*workerHandle

	lockMu    sync.Mutex
	callLocks map[string]*sync.Mutex
}

// workerHandle owns one worker's control socket and its runtime. Ownership
// transfers through take/put on the worker map under the call lock.
type workerHandle struct {
	client     *workerClient
	proc       *exec.Cmd          // process-backed workers
	cancel     context.CancelFunc // in-process workers
	lastUsedMs uint64
}

// NewManager creates a worker manager for the given state root. The worker
// binary resolves from PLANTER_EXECD_BIN, falling back to a planter-execd
// next to the daemon executable.
func NewManager(stateRoot string, sandboxMode platform.SandboxMode) *Manager {
	workerBin := os.Getenv("PLANTER_EXECD_BIN")
	if workerBin == "" {
		if self, err := os.Executable(); err == nil {
			workerBin = filepath.Join(filepath.Dir(self), "planter-execd")
		} else {
			workerBin = "planter-execd"
		}
	}
	return &Manager{
		workerBin:   workerBin,
		stateRoot:   stateRoot,
		sandboxMode: sandboxMode,
		workers:     make(map[string]*workerHandle),
		callLocks:   make(map[string]*sync.Mutex),
	}
}

// Call routes one request to the worker bound to cellID, spawning or
// replacing the worker as needed.
func (m *Manager) Call(cellID protocol.CellID, req execd.Request) (execd.Response, error) {
	key := string(cellID)
	lock := m.callLock(key)
	lock.Lock()
	defer lock.Unlock()

	handle := m.takeWorker(key)
	if handle != nil {
		if err := handle.client.ping(); err != nil {
			logger.Debug("worker ping failed, respawning", "cell_id", cellID, "error", err)
			handle.terminate()
			handle = nil
		}
	}
	if handle == nil {
		spawned, err := m.spawnWorker(cellID)
		if err != nil {
			return execd.Response{}, err
		}
		handle = spawned
	}

	resp, err := handle.client.call(req)
	if err != nil {
		handle.terminate()
		return execd.Response{}, err
	}
	handle.lastUsedMs = protocol.NowMs()
	m.putWorker(key, handle)
	return resp, nil
}

// StopWorker force-kills the worker bound to cellID, if any, and drops its
// call-lock entry.
func (m *Manager) StopWorker(cellID protocol.CellID) {
	key := string(cellID)
	handle := m.takeWorker(key)
	if handle != nil {
		handle.terminate()
	}
	m.lockMu.Lock()
	delete(m.callLocks, key)
	m.lockMu.Unlock()
}

// StopAll tears down every cached worker; used on daemon shutdown.
func (m *Manager) StopAll() {
	m.mu.Lock()
	handles := make([]*workerHandle, 0, len(m.workers))
	for key, handle := range m.workers {
		handles = append(handles, handle)
		delete(m.workers, key)
	}
	m.mu.Unlock()
	for _, handle := range handles {
		handle.terminate()
	}
}

func (m *Manager) spawnWorker(cellID protocol.CellID) (*workerHandle, error) {
	parentConn, childFile, childConn, err := workerSocketPair(m.useInProcessWorker())
	if err != nil {
		return nil, protocol.Errf(protocol.CodeUnavailable, "create worker socketpair", "%v", err)
	}

	authToken := newAuthToken()
	handle := &workerHandle{client: newWorkerClient(parentConn)}

	if childConn != nil {
		// In-process worker: serve the control protocol on a task sharing
		// this process.
		ctx, cancel := context.WithCancel(context.Background())
		handle.cancel = cancel
		cfg := execd.Config{
			CellID:      string(cellID),
			AuthToken:   authToken,
			StateRoot:   m.stateRoot,
			SandboxMode: m.sandboxMode,
		}
		go func() {
			defer childConn.Close()
			if err := execd.Serve(ctx, childConn, cfg); err != nil && ctx.Err() == nil {
				logger.Debug("in-process worker exited", "cell_id", cellID, "error", err)
			}
		}()
	} else {
		cmd := exec.Command(m.workerBin,
			"--control-fd", "3",
			"--auth-token", authToken,
			"--cell-id", string(cellID),
			"--state-root", m.stateRoot,
		)
		cmd.ExtraFiles = []*os.File{childFile}
		cmd.Env = append(os.Environ(), "PLANTER_SANDBOX_MODE="+m.sandboxMode.String())
		cmd.Stdout = os.Stderr
		cmd.Stderr = os.Stderr
		if err := cmd.Start(); err != nil {
			parentConn.Close()
			childFile.Close()
			return nil, protocol.Errf(protocol.CodeUnavailable, "spawn planter-execd",
				"%s: %v", m.workerBin, err)
		}
		// The child holds its own copy now.
		childFile.Close()
		handle.proc = cmd
		go func() {
			// Reap so finished workers never linger as zombies.
			_ = cmd.Wait()
		}()
	}

	if err := handle.client.hello(authToken, string(cellID), time.Now().Add(handshakeTimeout)); err != nil {
		handle.terminate()
		return nil, err
	}
	logger.Debug("worker ready", "cell_id", cellID, "in_process", handle.proc == nil)
	return handle, nil
}

func (m *Manager) useInProcessWorker() bool {
	if value, ok := os.LookupEnv("PLANTER_EXECD_INPROC"); ok {
		switch strings.ToLower(strings.TrimSpace(value)) {
		case "1", "true", "yes", "on":
			return true
		}
		return false
	}
	_, err := os.Stat(m.workerBin)
	return err != nil
}

func (m *Manager) takeWorker(key string) *workerHandle {
	m.mu.Lock()
	defer m.mu.Unlock()
	handle := m.workers[key]
	delete(m.workers, key)
	return handle
}

func (m *Manager) putWorker(key string, handle *workerHandle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workers[key] = handle
}

func (m *Manager) callLock(key string) *sync.Mutex {
	m.lockMu.Lock()
	defer m.lockMu.Unlock()
	lock, ok := m.callLocks[key]
	if !ok {
		lock = &sync.Mutex{}
		m.callLocks[key] = lock
	}
	return lock
}

// terminate asks the worker to shut down, then reclaims its runtime. The
// shutdown exchange gets a short deadline so a hung worker cannot stall
// teardown.
func (h *workerHandle) terminate() {
	_ = h.client.conn.SetDeadline(time.Now().Add(500 * time.Millisecond))
	_, _ = h.client.call(execd.Request{Type: execd.ReqShutdown, Force: true})
	h.client.close()
	if h.proc != nil && h.proc.Process != nil {
		_ = h.proc.Process.Kill()
	}
	if h.cancel != nil {
		h.cancel()
	}
}

// workerSocketPair builds the control channel. For process workers the
// child half is returned as an *os.File destined for ExtraFiles (fd 3 in
// the child, close-on-exec handled by the spawn); for in-process workers
// both halves come back as connections.
func workerSocketPair(inProcess bool) (parent net.Conn, childFile *os.File, childConn net.Conn, err error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, nil, err
	}

	parentFile := os.NewFile(uintptr(fds[0]), "worker-control-parent")
	parent, err = net.FileConn(parentFile)
	parentFile.Close()
	if err != nil {
		unix.Close(fds[1])
		return nil, nil, nil, err
	}

	childFile = os.NewFile(uintptr(fds[1]), "worker-control-child")
	if inProcess {
		childConn, err = net.FileConn(childFile)
		childFile.Close()
		childFile = nil
		if err != nil {
			parent.Close()
			return nil, nil, nil, err
		}
	}
	return parent, childFile, childConn, nil
}
