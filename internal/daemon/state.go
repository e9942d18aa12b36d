package daemon

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/brianmichel/planter/internal/events"
	"github.com/brianmichel/planter/internal/execd"
	"github.com/brianmichel/planter/internal/logger"
	"github.com/brianmichel/planter/internal/platform"
	"github.com/brianmichel/planter/internal/protocol"
)

// PtyDefaultCellID is the reserved cell that owns every PTY session, so a
// single worker holds the session table across calls.
const PtyDefaultCellID = protocol.CellID("cell-pty-default")

// StateStore owns all on-disk metadata and routes execution to the worker
// bound to each cell.
type StateStore struct {
	root      string
	idCounter atomic.Uint64
	ops       platform.Ops
	workers   *Manager
	journal   *events.Journal // optional; never affects protocol responses
}

// storedJob is the on-disk job record: the wire JobInfo plus log paths.
type storedJob struct {
	protocol.JobInfo
	StdoutPath string `json:"stdout_path"`
	StderrPath string `json:"stderr_path"`
}

// NewStateStore creates the store rooted at root and ensures the state
// directory layout exists.
func NewStateStore(root string, ops platform.Ops, workers *Manager, journal *events.Journal) (*StateStore, error) {
	s := &StateStore{root: root, ops: ops, workers: workers, journal: journal}
	s.idCounter.Store(protocol.NowMs())

	for _, dir := range []string{s.cellsDir(), s.jobsDir(), s.logsDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, protocol.WrapInternal("create state directory", err)
		}
	}
	return s, nil
}

// Root returns the state directory.
func (s *StateStore) Root() string { return s.root }

// CreateCell allocates a cell id, materializes its directory, and persists
// the metadata record.
func (s *StateStore) CreateCell(spec protocol.CellSpec) (*protocol.CellInfo, error) {
	if strings.TrimSpace(spec.Name) == "" {
		return nil, protocol.Err(protocol.CodeInvalidRequest, "cell name cannot be empty")
	}
	if spec.Env == nil {
		spec.Env = map[string]string{}
	}

	cellID := protocol.NewCellID(s.nextID())
	paths, err := s.ops.CreateCellDirs(cellID)
	if err != nil {
		return nil, mapPlatformError(err)
	}

	info := &protocol.CellInfo{
		ID:          cellID,
		Spec:        spec,
		CreatedAtMs: protocol.NowMs(),
		Dir:         paths.CellDir,
	}
	if err := writeJSON(s.cellMetaPath(cellID), info); err != nil {
		return nil, err
	}
	s.record(string(cellID), "cell_created", spec.Name)
	return info, nil
}

// LoadCell reads a cell record, mapping a missing file to not_found.
func (s *StateStore) LoadCell(cellID protocol.CellID) (*protocol.CellInfo, error) {
	var info protocol.CellInfo
	if err := readJSON(s.cellMetaPath(cellID), &info); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, protocol.Errf(protocol.CodeNotFound, "cell does not exist", "%s", cellID)
		}
		return nil, protocol.AsError(err)
	}
	return &info, nil
}

// RemoveCell deletes a cell. Without force, any running job blocks the
// removal; with force, the cell's worker is stopped and its running jobs
// are finalized as force-killed before the directory goes away.
func (s *StateStore) RemoveCell(cellID protocol.CellID, force bool) error {
	if _, err := s.LoadCell(cellID); err != nil {
		return err
	}

	jobs, err := s.jobsForCell(cellID)
	if err != nil {
		return err
	}
	var running []*storedJob
	for _, job := range jobs {
		if job.Status.Running() {
			running = append(running, job)
		}
	}

	if len(running) > 0 && !force {
		return protocol.Errf(protocol.CodeInvalidRequest,
			"cell has running jobs", "running=%d", len(running))
	}

	if force {
		s.workers.StopWorker(cellID)
		now := protocol.NowMs()
		for _, job := range running {
			job.Status = protocol.ExitedStatus(nil)
			job.FinishedAtMs = &now
			job.TerminationReason = protocol.TermForcedKill
			if err := writeJSON(s.jobPath(job.ID), job); err != nil {
				return err
			}
			s.record(string(job.ID), "job_killed", "cell removed")
		}
	}

	if err := os.RemoveAll(filepath.Join(s.cellsDir(), string(cellID))); err != nil {
		return protocol.WrapInternal("remove cell directory", err)
	}
	s.record(string(cellID), "cell_removed", "")
	return nil
}

// RunJob starts one command in the cell's worker and persists its record.
func (s *StateStore) RunJob(cellID protocol.CellID, cmd protocol.CommandSpec) (*protocol.JobInfo, error) {
	cell, err := s.LoadCell(cellID)
	if err != nil {
		return nil, err
	}
	if len(cmd.Argv) == 0 {
		return nil, protocol.Err(protocol.CodeInvalidRequest, "command argv cannot be empty")
	}
	if cmd.Env == nil {
		cmd.Env = map[string]string{}
	}

	jobID := protocol.NewJobID(s.nextID())

	// Cell env forms the base; the command's own env wins on conflict.
	env := make(map[string]string, len(cell.Spec.Env)+len(cmd.Env))
	for k, v := range cell.Spec.Env {
		env[k] = v
	}
	for k, v := range cmd.Env {
		env[k] = v
	}

	stdoutPath := filepath.Join(s.logsDir(), string(jobID)+".stdout.log")
	stderrPath := filepath.Join(s.logsDir(), string(jobID)+".stderr.log")

	resp, err := s.workers.Call(cellID, execd.Request{
		Type:       execd.ReqRunJob,
		JobID:      jobID,
		Cmd:        &cmd,
		Env:        env,
		StdoutPath: stdoutPath,
		StderrPath: stderrPath,
	})
	if err != nil {
		return nil, protocol.AsError(err)
	}
	if resp.Type != execd.RespJobStarted {
		return nil, protocol.Errf(protocol.CodeInternal, "unexpected worker response", "type=%s", resp.Type)
	}

	job := &storedJob{
		JobInfo: protocol.JobInfo{
			ID:          jobID,
			CellID:      cellID,
			Command:     cmd,
			StartedAtMs: protocol.NowMs(),
			PID:         resp.PID,
			Status:      protocol.RunningStatus(),
		},
		StdoutPath: stdoutPath,
		StderrPath: stderrPath,
	}
	if err := writeJSON(s.jobPath(jobID), job); err != nil {
		return nil, err
	}
	s.record(string(jobID), "job_started", strings.Join(cmd.Argv, " "))

	info := job.JobInfo
	return &info, nil
}

// JobStatus returns the current job record, refreshing running jobs through
// the worker and persisting any terminal transition.
func (s *StateStore) JobStatus(jobID protocol.JobID) (*protocol.JobInfo, error) {
	job, err := s.loadJob(jobID)
	if err != nil {
		return nil, err
	}
	if !job.Status.Running() {
		info := job.JobInfo
		return &info, nil
	}

	resp, err := s.workers.Call(job.CellID, execd.Request{Type: execd.ReqJobStatus, JobID: jobID})
	if err != nil {
		perr := protocol.AsError(err)
		if perr.Code == protocol.CodeNotFound {
			// The worker no longer knows this job (it was replaced since
			// the job started); the process is gone with it.
			return s.finalizeLostJob(job)
		}
		return nil, perr
	}

	if resp.Status != nil && !resp.Status.Running() {
		job.Status = *resp.Status
		job.FinishedAtMs = resp.FinishedAtMs
		if job.FinishedAtMs == nil {
			now := protocol.NowMs()
			job.FinishedAtMs = &now
		}
		job.TerminationReason = resp.TerminationReason
		if job.TerminationReason == "" {
			job.TerminationReason = protocol.TermExited
		}
		if err := writeJSON(s.jobPath(jobID), job); err != nil {
			return nil, err
		}
		s.record(string(jobID), "job_exited", formatStatus(job.Status))
	}
	info := job.JobInfo
	return &info, nil
}

// KillJob signals a running job through its worker and persists the
// resulting terminal state. Returns the updated record and the effective
// signal name.
func (s *StateStore) KillJob(jobID protocol.JobID, force bool) (*protocol.JobInfo, string, error) {
	signal := "TERM"
	if force {
		signal = "KILL"
	}

	job, err := s.loadJob(jobID)
	if err != nil {
		return nil, "", err
	}
	if !job.Status.Running() {
		info := job.JobInfo
		return &info, signal, nil
	}

	resp, err := s.workers.Call(job.CellID, execd.Request{
		Type:  execd.ReqJobSignal,
		JobID: jobID,
		Force: force,
	})
	if err != nil {
		perr := protocol.AsError(err)
		if perr.Code != protocol.CodeNotFound {
			return nil, "", perr
		}
		// Worker lost the job; record the kill with local defaults.
		resp = execd.Response{Type: execd.RespJobStatus}
	}

	if resp.Status != nil {
		job.Status = *resp.Status
	} else {
		job.Status = protocol.ExitedStatus(nil)
	}
	job.FinishedAtMs = resp.FinishedAtMs
	if job.FinishedAtMs == nil {
		now := protocol.NowMs()
		job.FinishedAtMs = &now
	}
	job.TerminationReason = resp.TerminationReason
	if job.TerminationReason == "" {
		if force {
			job.TerminationReason = protocol.TermForcedKill
		} else {
			job.TerminationReason = protocol.TermTerminatedByUser
		}
	}
	if err := writeJSON(s.jobPath(jobID), job); err != nil {
		return nil, "", err
	}
	s.record(string(jobID), "job_killed", signal)

	info := job.JobInfo
	return &info, signal, nil
}

// Usage samples resource usage for a running job through its worker.
func (s *StateStore) Usage(jobID protocol.JobID) (*execd.Response, error) {
	job, err := s.loadJob(jobID)
	if err != nil {
		return nil, err
	}
	resp, err := s.workers.Call(job.CellID, execd.Request{Type: execd.ReqUsageProbe, JobID: jobID})
	if err != nil {
		return nil, protocol.AsError(err)
	}
	return &resp, nil
}

// PtyCall routes a PTY request to the worker owning the reserved PTY cell.
func (s *StateStore) PtyCall(req execd.Request) (*execd.Response, error) {
	resp, err := s.workers.Call(PtyDefaultCellID, req)
	if err != nil {
		return nil, protocol.AsError(err)
	}
	return &resp, nil
}

// Reconcile sweeps job records after a restart: anything still marked
// running whose process has vanished is finalized with an unknown reason.
func (s *StateStore) Reconcile() {
	entries, err := os.ReadDir(s.jobsDir())
	if err != nil {
		logger.Warn("reconcile: read jobs dir", "error", err)
		return
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		jobID := protocol.JobID(strings.TrimSuffix(entry.Name(), ".json"))
		job, err := s.loadJob(jobID)
		if err != nil {
			logger.Warn("reconcile: load job", "job_id", jobID, "error", err)
			continue
		}
		if !job.Status.Running() {
			continue
		}
		if job.PID != nil {
			if usage, err := s.ops.ProbeUsage(*job.PID); err == nil && usage.RSSBytes != nil {
				// Still alive; leave the record alone.
				continue
			}
		}
		if _, err := s.finalizeLostJob(job); err != nil {
			logger.Warn("reconcile: finalize job", "job_id", jobID, "error", err)
			continue
		}
		logger.Info("reconciled stale running job", "job_id", jobID)
	}
}

func (s *StateStore) finalizeLostJob(job *storedJob) (*protocol.JobInfo, error) {
	now := protocol.NowMs()
	job.Status = protocol.ExitedStatus(nil)
	job.FinishedAtMs = &now
	job.TerminationReason = protocol.TermUnknown
	if err := writeJSON(s.jobPath(job.ID), job); err != nil {
		return nil, err
	}
	s.record(string(job.ID), "job_exited", protocol.TermUnknown)
	info := job.JobInfo
	return &info, nil
}

func (s *StateStore) loadJob(jobID protocol.JobID) (*storedJob, error) {
	var job storedJob
	if err := readJSON(s.jobPath(jobID), &job); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, protocol.Errf(protocol.CodeNotFound, "job does not exist", "%s", jobID)
		}
		return nil, protocol.AsError(err)
	}
	return &job, nil
}

func (s *StateStore) jobsForCell(cellID protocol.CellID) ([]*storedJob, error) {
	entries, err := os.ReadDir(s.jobsDir())
	if err != nil {
		return nil, protocol.WrapInternal("read jobs directory", err)
	}
	var jobs []*storedJob
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		job, err := s.loadJob(protocol.JobID(strings.TrimSuffix(entry.Name(), ".json")))
		if err != nil {
			return nil, err
		}
		if job.CellID == cellID {
			jobs = append(jobs, job)
		}
	}
	return jobs, nil
}

func (s *StateStore) nextID() uint64 { return s.idCounter.Add(1) }

func (s *StateStore) cellsDir() string { return filepath.Join(s.root, "cells") }
func (s *StateStore) jobsDir() string  { return filepath.Join(s.root, "jobs") }
func (s *StateStore) logsDir() string  { return filepath.Join(s.root, "logs") }

func (s *StateStore) cellMetaPath(cellID protocol.CellID) string {
	return filepath.Join(s.cellsDir(), string(cellID), "cell.json")
}

func (s *StateStore) jobPath(jobID protocol.JobID) string {
	return filepath.Join(s.jobsDir(), string(jobID)+".json")
}

// record appends to the event journal when one is attached. Journal trouble
// is logged and swallowed.
func (s *StateStore) record(entity, event, detail string) {
	if s.journal == nil {
		return
	}
	if err := s.journal.Append(entity, event, detail); err != nil {
		logger.Warn("event journal append failed", "entity", entity, "event", event, "error", err)
	}
}

func formatStatus(status protocol.ExitStatus) string {
	if status.Running() {
		return "running"
	}
	if status.Code != nil {
		return fmt.Sprintf("exited code=%d", *status.Code)
	}
	return "exited"
}

func writeJSON(path string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return protocol.WrapInternal("serialize json", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return protocol.WrapInternal("write json file", err)
	}
	return nil
}

func readJSON(path string, value any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read json file: %w", err)
	}
	if err := json.Unmarshal(data, value); err != nil {
		return protocol.WrapInternal("decode json", err)
	}
	return nil
}

// mapPlatformError classifies platform failures for clients.
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
