package execd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"sync"

	"github.com/brianmichel/planter/internal/ipc"
	"github.com/brianmichel/planter/internal/logger"
	"github.com/brianmichel/planter/internal/platform"
	"github.com/brianmichel/planter/internal/protocol"
)

// Config carries the identity the daemon assigned to this worker.
type Config struct {
	CellID      string
	AuthToken   string
	StateRoot   string
	SandboxMode platform.SandboxMode
}

// ControlConnFromFD adopts an inherited socket fd as the worker's control
// connection.
func ControlConnFromFD(fd int) (net.Conn, error) {
	if fd < 0 {
		return nil, fmt.Errorf("invalid control socket fd %d", fd)
	}
	file := os.NewFile(uintptr(fd), "control-socket")
	if file == nil {
		return nil, fmt.Errorf("invalid control socket fd %d", fd)
	}
	defer file.Close()
	conn, err := net.FileConn(file)
	if err != nil {
		return nil, fmt.Errorf("convert control socket fd %d: %w", fd, err)
	}
	return conn, nil
}

// workerJob tracks one spawned job. The request loop is the only writer of
// status fields; the reap goroutine only records the wait result (waitCode,
// waitDone), which refresh folds in unless a terminal state is already
// recorded.
type workerJob struct {
	mu                sync.Mutex
	handle            *platform.JobHandle
	status            protocol.ExitStatus
	finishedAtMs      *uint64
	terminationReason string
	waitDone          chan struct{}
	waitCode          *int
}

// runtime is the in-worker state: the job table and the PTY session table.
type runtime struct {
	cfg      Config
	ops      platform.Ops
	jobs     map[protocol.JobID]*workerJob
	pty      *PtyManager
	shutdown bool
}

// Serve drives the worker control protocol on conn until the stream closes
// or a shutdown request arrives. The first frame must be a valid Hello.
func Serve(ctx context.Context, conn net.Conn, cfg Config) error {
	rt := &runtime{
		cfg:  cfg,
		ops:  platform.New(cfg.StateRoot, cfg.SandboxMode),
		jobs: make(map[protocol.JobID]*workerJob),
		pty:  NewPtyManager(cfg.StateRoot, cfg.SandboxMode),
	}

	authed := false
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		frame, err := ipc.ReadFrame(conn)
		if err != nil {
			// The daemon dropping the control socket is the normal way a
			// worker retires.
			if ipc.IsExpectedClose(err) {
				return nil
			}
			return err
		}
		var req RequestEnvelope
		if err := ipc.Decode(frame, &req); err != nil {
			return err
		}

		var resp Response
		if !authed {
			resp, authed = rt.handleHello(req.Body)
			if err := writeResponse(conn, req.ReqID, resp); err != nil {
				return err
			}
			if !authed {
				return nil
			}
			continue
		}

		resp = rt.handle(ctx, req.Body)
		if err := writeResponse(conn, req.ReqID, resp); err != nil {
			return err
		}
		if rt.shutdown {
			return nil
		}
	}
}

func (rt *runtime) handleHello(req Request) (Response, bool) {
	if req.Type != ReqHello {
		return errorResponse(ErrUnauthorized, "hello required before other requests", ""), false
	}
	if req.Protocol != ProtocolVersion {
		return errorResponse(ErrInvalidRequest, "unsupported exec protocol version",
			fmt.Sprintf("expected=%d got=%d", ProtocolVersion, req.Protocol)), false
	}
	if req.AuthToken != rt.cfg.AuthToken {
		return errorResponse(ErrUnauthorized, "invalid worker auth token", ""), false
	}
	if req.CellID != rt.cfg.CellID {
		return errorResponse(ErrInvalidRequest, "worker cell mismatch",
			fmt.Sprintf("expected=%s got=%s", rt.cfg.CellID, req.CellID)), false
	}
	return Response{
		Type:      RespHelloAck,
		Protocol:  ProtocolVersion,
		WorkerPID: uint32(os.Getpid()),
	}, true
}

func (rt *runtime) handle(ctx context.Context, req Request) Response {
	switch req.Type {
	case ReqHello:
		return errorResponse(ErrInvalidRequest, "hello can only be sent once", "")
	case ReqPing:
		return Response{Type: RespPong}
	case ReqRunJob:
		return rt.runJob(req)
	case ReqJobStatus:
		return rt.jobStatus(req.JobID)
	case ReqJobSignal:
		return rt.jobSignal(req.JobID, req.Force)
	case ReqPtyOpen:
		opened, err := rt.pty.Open(req.Shell, req.Args, req.Cwd, req.PtyEnv, req.Cols, req.Rows)
		if err != nil {
			return toExecResponse(protocol.AsError(err))
		}
		return Response{Type: RespPtyOpened, SessionID: opened.SessionID, PID: opened.PID}
	case ReqPtyInput:
		if err := rt.pty.Input(req.SessionID, req.Data); err != nil {
			return toExecResponse(protocol.AsError(err))
		}
		return Response{Type: RespPtyAck, SessionID: req.SessionID, Action: protocol.PtyActionInput}
	case ReqPtyRead:
		chunk, err := rt.pty.Read(ctx, req.SessionID, req.Offset, req.MaxBytes, req.Follow, req.WaitMs)
		if err != nil {
			return toExecResponse(protocol.AsError(err))
		}
		return Response{
			Type:      RespPtyChunk,
			SessionID: req.SessionID,
			Offset:    chunk.Offset,
			Data:      chunk.Data,
			EOF:       chunk.EOF,
			Complete:  chunk.Complete,
			ExitCode:  chunk.ExitCode,
		}
	case ReqPtyResize:
		if err := rt.pty.Resize(req.SessionID, req.Cols, req.Rows); err != nil {
			return toExecResponse(protocol.AsError(err))
		}
		return Response{Type: RespPtyAck, SessionID: req.SessionID, Action: protocol.PtyActionResize}
	case ReqPtyClose:
		if err := rt.pty.Close(req.SessionID, req.Force); err != nil {
			return toExecResponse(protocol.AsError(err))
		}
		return Response{Type: RespPtyAck, SessionID: req.SessionID, Action: protocol.PtyActionClosed}
	case ReqUsageProbe:
		return rt.usageProbe(req.JobID)
	case ReqShutdown:
		rt.shutdownJobs(req.Force)
		rt.shutdown = true
		return Response{Type: RespPong}
	default:
		return errorResponse(ErrUnsupported, "unknown worker request type", req.Type)
	}
}

func (rt *runtime) runJob(req Request) Response {
	if req.Cmd == nil || len(req.Cmd.Argv) == 0 {
		return errorResponse(ErrInvalidRequest, "command argv cannot be empty", "")
	}
	if _, exists := rt.jobs[req.JobID]; exists {
		return errorResponse(ErrInvalidRequest, "job already exists", string(req.JobID))
	}
	if req.StdoutPath == "" || req.StderrPath == "" {
		return errorResponse(ErrInvalidRequest, "job log paths are required", "")
	}

	handle, err := rt.ops.SpawnJob(req.JobID, protocol.CellID(rt.cfg.CellID), *req.Cmd,
		req.Env, req.StdoutPath, req.StderrPath)
	if err != nil {
		return toExecResponse(mapPlatformError(err))
	}

	job := &workerJob{
		handle:   handle,
		status:   protocol.RunningStatus(),
		waitDone: make(chan struct{}),
	}
	rt.jobs[req.JobID] = job

	// Reap in the background so the process never zombies; status
	// transitions are folded in on the next probe.
	go func() {
		_ = handle.Cmd.Wait()
		job.mu.Lock()
		defer job.mu.Unlock()
		job.waitCode = exitCodeFromWait(handle.Cmd)
		close(job.waitDone)
	}()

	logger.Debug("job started", "job_id", req.JobID, "pid", handle.PID, "sandboxed", handle.Sandboxed)
	return Response{Type: RespJobStarted, JobID: req.JobID, PID: handle.PID}
}

func (rt *runtime) jobStatus(jobID protocol.JobID) Response {
	job, ok := rt.jobs[jobID]
	if !ok {
		return errorResponse(ErrNotFound, "job does not exist", string(jobID))
	}
	job.refresh()
	return job.statusResponse(jobID)
}

func (rt *runtime) jobSignal(jobID protocol.JobID, force bool) Response {
	job, ok := rt.jobs[jobID]
	if !ok {
		return errorResponse(ErrNotFound, "job does not exist", string(jobID))
	}
	job.signal(rt.ops, force)
	return job.statusResponse(jobID)
}

func (rt *runtime) usageProbe(jobID protocol.JobID) Response {
	job, ok := rt.jobs[jobID]
	if !ok {
		return errorResponse(ErrNotFound, "job does not exist", string(jobID))
	}
	job.refresh()

	resp := Response{Type: RespUsageSample, JobID: jobID, TimestampMs: protocol.NowMs()}
	if pid := job.pid(); pid != nil {
		usage, err := rt.ops.ProbeUsage(*pid)
		if err == nil {
			resp.RSSBytes = usage.RSSBytes
			resp.CPUNanos = usage.CPUNanos
		}
	}
	return resp
}

func (rt *runtime) shutdownJobs(force bool) {
	for jobID, job := range rt.jobs {
		job.mu.Lock()
		running := job.status.Running()
		job.mu.Unlock()
		if running {
			logger.Debug("terminating job on shutdown", "job_id", jobID, "force", force)
			job.signal(rt.ops, force)
		}
	}
	rt.pty.CloseAll()
}

// refresh folds a completed wait into the job record. Terminal states are
// never overwritten.
func (j *workerJob) refresh() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.status.Running() {
		return
	}
	select {
	case <-j.waitDone:
		now := protocol.NowMs()
		j.status = protocol.ExitedStatus(j.waitCode)
		j.finishedAtMs = &now
		if j.terminationReason == "" {
			j.terminationReason = protocol.TermExited
		}
	default:
	}
}

func (j *workerJob) signal(ops platform.Ops, force bool) {
	j.mu.Lock()
	if !j.status.Running() {
		j.mu.Unlock()
		return
	}
	pid := j.handle.PID
	now := protocol.NowMs()
	j.status = protocol.ExitedStatus(nil)
	j.finishedAtMs = &now
	if force {
		j.terminationReason = protocol.TermForcedKill
	} else {
		j.terminationReason = protocol.TermTerminatedByUser
	}
	j.mu.Unlock()

	if pid != nil {
		if err := ops.KillTree(*pid, force); err != nil {
			logger.Warn("signal job tree failed", "pid", *pid, "error", err)
		}
	} else if j.handle.Cmd.Process != nil {
		_ = j.handle.Cmd.Process.Kill()
	}
}

func (j *workerJob) statusResponse(jobID protocol.JobID) Response {
	j.mu.Lock()
	defer j.mu.Unlock()
	status := j.status
	return Response{
		Type:              RespJobStatus,
		JobID:             jobID,
		Status:            &status,
		FinishedAtMs:      j.finishedAtMs,
		TerminationReason: j.terminationReason,
	}
}

func (j *workerJob) pid() *uint32 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.handle.PID
}

func writeResponse(conn net.Conn, reqID uint64, body Response) error {
	payload, err := ipc.Encode(&ResponseEnvelope{ReqID: reqID, Body: body})
	if err != nil {
		return err
	}
	return ipc.WriteFrame(conn, payload)
}

// exitCodeFromWait extracts the exit code after Wait. Signal deaths have no
// code, matching the optional code in the exited status.
func exitCodeFromWait(cmd *exec.Cmd) *int {
	if cmd.ProcessState == nil {
		return nil
	}
	code := cmd.ProcessState.ExitCode()
	if code < 0 {
		return nil
	}
	return &code
}

// mapPlatformError classifies platform failures for the wire: caller
// mistakes become invalid_request, everything else is internal.
func mapPlatformError(err error) *protocol.Error {
	var invalid *platform.InvalidInputError
	if errors.As(err, &invalid) {
		return protocol.Err(protocol.CodeInvalidRequest, invalid.Reason)
	}
	var unsupported *platform.UnsupportedError
	if errors.As(err, &unsupported) {
		return protocol.Errf(protocol.CodeInternal, "platform unsupported", "%s", unsupported.Reason)
	}
	return protocol.WrapInternal("platform io", err)
}
