package daemon

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/brianmichel/planter/internal/platform"
	"github.com/brianmichel/planter/internal/protocol"
)

func newTestStore(t *testing.T) *StateStore {
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
	return store
}

func mustCreateCell(t *testing.T, store *StateStore, name string) *protocol.CellInfo {
	t.Helper()
	cell, err := store.CreateCell(protocol.CellSpec{Name: name, Env: map[string]string{}})
	if err != nil {
		t.Fatalf("create cell: %v", err)
	}
	return cell
}

func waitForExit(t *testing.T, store *StateStore, jobID protocol.JobID) *protocol.JobInfo {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, err := store.JobStatus(jobID)
		if err != nil {
			t.Fatalf("job status: %v", err)
		}
		if !job.Status.Running() {
			return job
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatal("job did not finish in time")
	return nil
}

func TestCreateCellPersistsMetadata(t *testing.T) {
	store := newTestStore(t)

	cell := mustCreateCell(t, store, "demo")
	if !strings.HasPrefix(string(cell.ID), "cell-") {
		t.Errorf("want cell-<n> id, got %s", cell.ID)
	}
	if info, err := os.Stat(cell.Dir); err != nil || !info.IsDir() {
		t.Errorf("cell dir must exist: %v", err)
	}

	metaPath := filepath.Join(store.Root(), "cells", string(cell.ID), "cell.json")
	data, err := os.ReadFile(metaPath)
	if err != nil {
		t.Fatalf("read cell.json: %v", err)
	}
	var loaded protocol.CellInfo
	if err := json.Unmarshal(data, &loaded); err != nil {
		t.Fatalf("decode cell.json: %v", err)
	}
	if loaded.ID != cell.ID || loaded.Spec.Name != "demo" {
		t.Errorf("persisted cell mismatch: %+v", loaded)
	}
}

func TestCreateCellRejectsEmptyName(t *testing.T) {
	store := newTestStore(t)
	_, err := store.CreateCell(protocol.CellSpec{Name: "   ", Env: map[string]string{}})
	if err == nil {
		t.Fatal("want error for empty cell name")
	}
	if perr := protocol.AsError(err); perr.Code != protocol.CodeInvalidRequest {
		t.Errorf("want invalid_request, got %s", perr.Code)
	}
}

func TestRunJobUnknownCell(t *testing.T) {
	store := newTestStore(t)
	_, err := store.RunJob("cell-404", protocol.CommandSpec{
		Argv: []string{"/bin/true"},
		Env:  map[string]string{},
	})
	if err == nil {
		t.Fatal("want error for unknown cell")
	}
	if perr := protocol.AsError(err); perr.Code != protocol.CodeNotFound {
		t.Errorf("want not_found, got %s", perr.Code)
	}
}

func TestJobLifecycle(t *testing.T) {
	store := newTestStore(t)
	cell := mustCreateCell(t, store, "demo")

	job, err := store.RunJob(cell.ID, protocol.CommandSpec{
		Argv: []string{"/bin/sh", "-c", "echo hello-from-job; echo err-line >&2"},
		Env:  map[string]string{},
	})
	if err != nil {
		t.Fatalf("run job: %v", err)
	}
	if !job.Status.Running() {
		t.Error("fresh job must be running")
	}
	if job.FinishedAtMs != nil {
		t.Error("running job must not carry finished_at_ms")
	}

	chunk, err := store.ReadLogs(context.Background(), job.ID, protocol.StreamStdout, 0, 4096, true, 2000)
	if err != nil {
		t.Fatalf("read logs: %v", err)
	}
	if !strings.Contains(string(chunk.Data), "hello-from-job") {
		t.Errorf("stdout chunk missing output: %q", chunk.Data)
	}

	done := waitForExit(t, store, job.ID)
	if done.FinishedAtMs == nil {
		t.Error("exited job must carry finished_at_ms")
	}
	if done.Status.Code == nil || *done.Status.Code != 0 {
		t.Errorf("want exit code 0, got %+v", done.Status.Code)
	}
	if done.TerminationReason != protocol.TermExited {
		t.Errorf("want exited reason, got %s", done.TerminationReason)
	}

	// Completed stderr read: whole stream plus eof+complete.
	errChunk, err := store.ReadLogs(context.Background(), job.ID, protocol.StreamStderr, 0, 4096, false, 0)
	if err != nil {
		t.Fatalf("read stderr: %v", err)
	}
	if !strings.Contains(string(errChunk.Data), "err-line") {
		t.Errorf("stderr chunk missing output: %q", errChunk.Data)
	}
	if !errChunk.EOF || !errChunk.Complete {
		t.Errorf("finished stream must be eof+complete, got %+v", errChunk)
	}
}

func TestRunningIffFinishedUnset(t *testing.T) {
	store := newTestStore(t)
	cell := mustCreateCell(t, store, "demo")

	job, err := store.RunJob(cell.ID, protocol.CommandSpec{
		Argv: []string{"/bin/sh", "-c", "sleep 10"},
		Env:  map[string]string{},
	})
	if err != nil {
		t.Fatalf("run job: %v", err)
	}
	if job.Status.Running() == (job.FinishedAtMs != nil) {
		t.Errorf("running job invariant violated: %+v", job)
	}

	killed, signal, err := store.KillJob(job.ID, true)
	if err != nil {
		t.Fatalf("kill job: %v", err)
	}
	if signal != "KILL" {
		t.Errorf("want signal KILL, got %s", signal)
	}
	if killed.Status.Running() || killed.FinishedAtMs == nil {
		t.Errorf("killed job invariant violated: %+v", killed)
	}
	if killed.TerminationReason != protocol.TermForcedKill {
		t.Errorf("want forced_kill, got %s", killed.TerminationReason)
	}

	// Terminal state is sticky: another kill does not mutate the record.
	again, signal, err := store.KillJob(job.ID, false)
	if err != nil {
		t.Fatalf("second kill: %v", err)
	}
	if signal != "TERM" {
		t.Errorf("want effective signal TERM, got %s", signal)
	}
	if again.TerminationReason != protocol.TermForcedKill {
		t.Errorf("terminal reason must not change, got %s", again.TerminationReason)
	}
}

func TestRemoveCellGuard(t *testing.T) {
	store := newTestStore(t)
	cell := mustCreateCell(t, store, "demo")

	if _, err := store.RunJob(cell.ID, protocol.CommandSpec{
		Argv: []string{"/bin/sh", "-c", "sleep 10"},
		Env:  map[string]string{},
	}); err != nil {
		t.Fatalf("run job: %v", err)
	}

	err := store.RemoveCell(cell.ID, false)
	if err == nil {
		t.Fatal("remove with running job must fail without force")
	}
	if perr := protocol.AsError(err); perr.Code != protocol.CodeInvalidRequest {
		t.Errorf("want invalid_request, got %s", perr.Code)
	}

	if err := store.RemoveCell(cell.ID, true); err != nil {
		t.Fatalf("forced remove: %v", err)
	}

	if _, err := os.Stat(filepath.Join(store.Root(), "cells", string(cell.ID))); !os.IsNotExist(err) {
		t.Error("cell directory must be gone after forced remove")
	}

	// No job for the removed cell may remain marked running on disk.
	entries, err := os.ReadDir(filepath.Join(store.Root(), "jobs"))
	if err != nil {
		t.Fatalf("read jobs dir: %v", err)
	}
	for _, entry := range entries {
		data, err := os.ReadFile(filepath.Join(store.Root(), "jobs", entry.Name()))
		if err != nil {
			t.Fatalf("read job file: %v", err)
		}
		var stored storedJob
		if err := json.Unmarshal(data, &stored); err != nil {
			t.Fatalf("decode job file: %v", err)
		}
		if stored.CellID == cell.ID && stored.Status.Running() {
			t.Errorf("job %s still marked running after forced remove", stored.ID)
		}
	}
}

func TestRemoveUnknownCell(t *testing.T) {
	store := newTestStore(t)
	err := store.RemoveCell("cell-404", false)
	if err == nil {
		t.Fatal("want error for unknown cell")
	}
	if perr := protocol.AsError(err); perr.Code != protocol.CodeNotFound {
		t.Errorf("want not_found, got %s", perr.Code)
	}
}

func TestKillUnknownJob(t *testing.T) {
	store := newTestStore(t)
	_, _, err := store.KillJob("job-404", true)
	if err == nil {
		t.Fatal("want error for unknown job")
	}
	if perr := protocol.AsError(err); perr.Code != protocol.CodeNotFound {
		t.Errorf("want not_found, got %s", perr.Code)
	}
}

func TestEnvMergePrecedence(t *testing.T) {
	store := newTestStore(t)
	cell, err := store.CreateCell(protocol.CellSpec{
		Name: "demo",
		Env:  map[string]string{"SHARED": "cell", "CELL_ONLY": "yes"},
	})
	if err != nil {
		t.Fatalf("create cell: %v", err)
	}

	job, err := store.RunJob(cell.ID, protocol.CommandSpec{
		Argv: []string{"/bin/sh", "-c", "printf '%s %s' \"$SHARED\" \"$CELL_ONLY\""},
		Env:  map[string]string{"SHARED": "cmd"},
	})
	if err != nil {
		t.Fatalf("run job: %v", err)
	}
	waitForExit(t, store, job.ID)

	chunk, err := store.ReadLogs(context.Background(), job.ID, protocol.StreamStdout, 0, 4096, false, 0)
	if err != nil {
		t.Fatalf("read logs: %v", err)
	}
	if got := string(chunk.Data); got != "cmd yes" {
		t.Errorf("want command env to win merge, got %q", got)
	}
}

func TestReadLogsOffsets(t *testing.T) {
	store := newTestStore(t)
	cell := mustCreateCell(t, store, "demo")

	job, err := store.RunJob(cell.ID, protocol.CommandSpec{
		Argv: []string{"/bin/sh", "-c", "printf 0123456789"},
		Env:  map[string]string{},
	})
	if err != nil {
		t.Fatalf("run job: %v", err)
	}
	waitForExit(t, store, job.ID)

	chunk, err := store.ReadLogs(context.Background(), job.ID, protocol.StreamStdout, 2, 4, false, 0)
	if err != nil {
		t.Fatalf("read logs: %v", err)
	}
	if string(chunk.Data) != "2345" || chunk.EOF {
		t.Errorf("want 2345 eof=false, got %q eof=%v", chunk.Data, chunk.EOF)
	}

	tail, err := store.ReadLogs(context.Background(), job.ID, protocol.StreamStdout, 10, 4, false, 0)
	if err != nil {
		t.Fatalf("read logs at end: %v", err)
	}
	if len(tail.Data) != 0 || !tail.EOF || !tail.Complete {
		t.Errorf("want empty eof+complete at end, got %+v", tail)
	}
}

func TestReadLogsUnknownStream(t *testing.T) {
	store := newTestStore(t)
	cell := mustCreateCell(t, store, "demo")
	job, err := store.RunJob(cell.ID, protocol.CommandSpec{
		Argv: []string{"/bin/true"},
		Env:  map[string]string{},
	})
	if err != nil {
		t.Fatalf("run job: %v", err)
	}
	_, err = store.ReadLogs(context.Background(), job.ID, "both", 0, 16, false, 0)
	if err == nil {
		t.Fatal("want error for unknown stream")
	}
	if perr := protocol.AsError(err); perr.Code != protocol.CodeInvalidRequest {
		t.Errorf("want invalid_request, got %s", perr.Code)
	}
}

func TestReconcileFinalizesStaleRunningJobs(t *testing.T) {
	store := newTestStore(t)

	// Forge a job record whose pid cannot exist anymore.
	pid := uint32(4194304 - 7)
	stale := &storedJob{
		JobInfo: protocol.JobInfo{
			ID:          "job-stale",
			CellID:      "cell-gone",
			Command:     protocol.CommandSpec{Argv: []string{"/bin/sleep", "999"}, Env: map[string]string{}},
			StartedAtMs: protocol.NowMs(),
			PID:         &pid,
			Status:      protocol.RunningStatus(),
		},
		StdoutPath: filepath.Join(store.Root(), "logs", "job-stale.stdout.log"),
		StderrPath: filepath.Join(store.Root(), "logs", "job-stale.stderr.log"),
	}
	if err := writeJSON(store.jobPath(stale.ID), stale); err != nil {
		t.Fatalf("write stale job: %v", err)
	}

	store.Reconcile()

	reloaded, err := store.loadJob(stale.ID)
	if err != nil {
		t.Fatalf("reload job: %v", err)
	}
	if reloaded.Status.Running() {
		t.Error("stale running job must be finalized")
	}
	if reloaded.TerminationReason != protocol.TermUnknown {
		t.Errorf("want unknown reason, got %s", reloaded.TerminationReason)
	}
	if reloaded.FinishedAtMs == nil {
		t.Error("finalized job must carry finished_at_ms")
	}
}

func TestWorkerRespawnAfterStop(t *testing.T) {
	store := newTestStore(t)
	cell := mustCreateCell(t, store, "demo")

	job, err := store.RunJob(cell.ID, protocol.CommandSpec{
		Argv: []string{"/bin/true"},
		Env:  map[string]string{},
	})
	if err != nil {
		t.Fatalf("run job: %v", err)
	}
	waitForExit(t, store, job.ID)

	store.workers.StopWorker(cell.ID)

	// The next call transparently spawns a fresh worker.
	again, err := store.RunJob(cell.ID, protocol.CommandSpec{
		Argv: []string{"/bin/true"},
		Env:  map[string]string{},
	})
	if err != nil {
		t.Fatalf("run job after worker stop: %v", err)
	}
	waitForExit(t, store, again.ID)
}
