package daemon

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/brianmichel/planter/internal/ipc"
	"github.com/brianmichel/planter/internal/platform"
	"github.com/brianmichel/planter/internal/protocol"
)

// startDaemon runs the full stack (store, workers, RPC server) on a
// throwaway socket with in-process workers.
func startDaemon(t *testing.T) string {
	t.Helper()
	t.Setenv("PLANTER_EXECD_INPROC", "1")

	root := filepath.Join(t.TempDir(), "state")
	ops := platform.New(root, platform.ModeDisabled)
	workers := NewManager(root, platform.ModeDisabled)
	t.Cleanup(workers.StopAll)

	store, err := NewStateStore(root, ops, workers, nil)
	if err != nil {
		t.Fatalf("new state store: %v", err)
	}

	sock := filepath.Join(t.TempDir(), "planterd.sock")
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go ipc.ServeUnix(ctx, sock, NewHandler(store))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(sock); err == nil {
			return sock
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("daemon did not start in time")
	return ""
}

func clientCall(t *testing.T, c *ipc.Client, req protocol.Request) protocol.Response {
	t.Helper()
	resp, err := c.Call(req)
	if err != nil {
		t.Fatalf("call %s: %v", req.Type, err)
	}
	return resp
}

func TestEndToEndVersion(t *testing.T) {
	sock := startDaemon(t)
	c, err := ipc.Connect(sock)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Close()

	resp := clientCall(t, c, protocol.Request{Type: protocol.ReqVersion})
	if resp.Type != protocol.RespVersion {
		t.Fatalf("want version, got %+v", resp)
	}
	if resp.Protocol != protocol.ProtocolVersion {
		t.Errorf("want protocol %d, got %d", protocol.ProtocolVersion, resp.Protocol)
	}
	if resp.Daemon == "" {
		t.Error("want a daemon version string")
	}
}

func TestEndToEndCellAndJobLifecycle(t *testing.T) {
	sock := startDaemon(t)
	c, err := ipc.Connect(sock)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Close()
	c.SetTimeout(10 * time.Second)

	created := clientCall(t, c, protocol.Request{
		Type: protocol.ReqCellCreate,
		Spec: &protocol.CellSpec{Name: "demo", Env: map[string]string{}},
	})
	if created.Type != protocol.RespCellCreated {
		t.Fatalf("want cell_created, got %+v", created)
	}
	cellID := created.Cell.ID

	started := clientCall(t, c, protocol.Request{
		Type:   protocol.ReqJobRun,
		CellID: cellID,
		Cmd: &protocol.CommandSpec{
			Argv: []string{"/bin/sh", "-c", "echo hello-from-job; echo err-line >&2"},
			Env:  map[string]string{},
		},
	})
	if started.Type != protocol.RespJobStarted {
		t.Fatalf("want job_started, got %+v", started)
	}
	jobID := started.Job.ID
	if !started.Job.Status.Running() {
		t.Error("fresh job must report running")
	}

	logs := clientCall(t, c, protocol.Request{
		Type:     protocol.ReqLogsRead,
		JobID:    jobID,
		Stream:   protocol.StreamStdout,
		Offset:   0,
		MaxBytes: 4096,
		Follow:   true,
		WaitMs:   1000,
	})
	if logs.Type != protocol.RespLogsChunk {
		t.Fatalf("want logs_chunk, got %+v", logs)
	}
	if !strings.Contains(string(logs.Data), "hello-from-job") {
		t.Errorf("logs chunk missing output: %q", logs.Data)
	}

	killed := clientCall(t, c, protocol.Request{
		Type:  protocol.ReqJobKill,
		JobID: jobID,
		Force: true,
	})
	if killed.Type != protocol.RespJobKilled {
		t.Fatalf("want job_killed, got %+v", killed)
	}
	if killed.Signal != "KILL" {
		t.Errorf("want signal KILL, got %s", killed.Signal)
	}
	if killed.Job.Status.Running() {
		t.Error("killed job must not report running")
	}

	removed := clientCall(t, c, protocol.Request{
		Type:   protocol.ReqCellRemove,
		CellID: cellID,
		Force:  true,
	})
	if removed.Type != protocol.RespCellRemoved || removed.CellID != cellID {
		t.Fatalf("want cell_removed for %s, got %+v", cellID, removed)
	}
}

func TestEndToEndRemoveWhileRunningGuard(t *testing.T) {
	sock := startDaemon(t)
	c, err := ipc.Connect(sock)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Close()

	created := clientCall(t, c, protocol.Request{
		Type: protocol.ReqCellCreate,
		Spec: &protocol.CellSpec{Name: "guard", Env: map[string]string{}},
	})
	cellID := created.Cell.ID

	clientCall(t, c, protocol.Request{
		Type:   protocol.ReqJobRun,
		CellID: cellID,
		Cmd: &protocol.CommandSpec{
			Argv: []string{"/bin/sh", "-c", "sleep 10"},
			Env:  map[string]string{},
		},
	})

	refused := clientCall(t, c, protocol.Request{
		Type:   protocol.ReqCellRemove,
		CellID: cellID,
		Force:  false,
	})
	if refused.Type != protocol.RespError || refused.Code != protocol.CodeInvalidRequest {
		t.Fatalf("want invalid_request error, got %+v", refused)
	}

	forced := clientCall(t, c, protocol.Request{
		Type:   protocol.ReqCellRemove,
		CellID: cellID,
		Force:  true,
	})
	if forced.Type != protocol.RespCellRemoved {
		t.Fatalf("want cell_removed, got %+v", forced)
	}
}

func TestEndToEndUnknownJob(t *testing.T) {
	sock := startDaemon(t)
	c, err := ipc.Connect(sock)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Close()

	resp := clientCall(t, c, protocol.Request{Type: protocol.ReqJobStatus, JobID: "job-404"})
	if resp.Type != protocol.RespError || resp.Code != protocol.CodeNotFound {
		t.Fatalf("want not_found error, got %+v", resp)
	}
}

func TestEndToEndPtySession(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}

	sock := startDaemon(t)
	c, err := ipc.Connect(sock)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Close()
	c.SetTimeout(10 * time.Second)

	opened := clientCall(t, c, protocol.Request{
		Type:  protocol.ReqPtyOpen,
		Shell: "/bin/sh",
		Cols:  80,
		Rows:  24,
		Env:   map[string]string{},
	})
	if opened.Type != protocol.RespPtyOpened {
		t.Fatalf("want pty_opened, got %+v", opened)
	}
	sessionID := opened.SessionID

	ack := clientCall(t, c, protocol.Request{
		Type:      protocol.ReqPtyInput,
		SessionID: sessionID,
		Data:      []byte("echo FOO\n"),
	})
	if ack.Type != protocol.RespPtyAck || ack.Action != protocol.PtyActionInput {
		t.Fatalf("want input ack, got %+v", ack)
	}

	var collected []byte
	var offset uint64
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		chunk := clientCall(t, c, protocol.Request{
			Type:      protocol.ReqPtyRead,
			SessionID: sessionID,
			Offset:    offset,
			MaxBytes:  4096,
			Follow:    true,
			WaitMs:    500,
		})
		if chunk.Type != protocol.RespPtyChunk {
			t.Fatalf("want pty_chunk, got %+v", chunk)
		}
		collected = append(collected, chunk.Data...)
		offset += uint64(len(chunk.Data))
		if strings.Contains(string(collected), "FOO") {
			break
		}
	}
	if !strings.Contains(string(collected), "FOO") {
		t.Fatalf("session output missing echo: %q", collected)
	}

	tail := clientCall(t, c, protocol.Request{
		Type:      protocol.ReqPtyRead,
		SessionID: sessionID,
		Offset:    offset,
		MaxBytes:  4096,
		Follow:    false,
	})
	if !tail.EOF {
		t.Error("read at end offset must report eof")
	}

	closed := clientCall(t, c, protocol.Request{
		Type:      protocol.ReqPtyClose,
		SessionID: sessionID,
		Force:     true,
	})
	if closed.Type != protocol.RespPtyAck || closed.Action != protocol.PtyActionClosed {
		t.Fatalf("want closed ack, got %+v", closed)
	}

	missing := clientCall(t, c, protocol.Request{
		Type:      protocol.ReqPtyRead,
		SessionID: sessionID,
		Offset:    0,
		MaxBytes:  16,
	})
	if missing.Type != protocol.RespError || missing.Code != protocol.CodeNotFound {
		t.Fatalf("want not_found after close, got %+v", missing)
	}
}
