package daemon

import (
	"context"

	"github.com/brianmichel/planter/internal/execd"
	"github.com/brianmichel/planter/internal/protocol"
)

// Handler maps decoded client requests onto state-store operations.
type Handler struct {
	state *StateStore
}

// NewHandler wraps a state store for the RPC server.
func NewHandler(state *StateStore) *Handler {
	return &Handler{state: state}
}

// Handle dispatches one request. Every failure path collapses into the
// error response form; nothing panics across this boundary.
func (h *Handler) Handle(ctx context.Context, req protocol.Request) protocol.Response {
	resp, err := h.dispatch(ctx, req)
	if err != nil {
		return protocol.ErrorResponse(protocol.AsError(err))
	}
	return resp
}

func (h *Handler) dispatch(ctx context.Context, req protocol.Request) (protocol.Response, error) {
	switch req.Type {
	case protocol.ReqVersion:
		return protocol.Response{
			Type:     protocol.RespVersion,
			Daemon:   protocol.Version,
			Protocol: protocol.ProtocolVersion,
		}, nil

	case protocol.ReqHealth:
		return protocol.Response{Type: protocol.RespHealth, Status: "ok"}, nil

	case protocol.ReqCellCreate:
		if req.Spec == nil {
			return protocol.Response{}, protocol.Err(protocol.CodeInvalidRequest, "cell spec is required")
		}
		cell, err := h.state.CreateCell(*req.Spec)
		if err != nil {
			return protocol.Response{}, err
		}
		return protocol.Response{Type: protocol.RespCellCreated, Cell: cell}, nil

	case protocol.ReqCellRemove:
		if err := h.state.RemoveCell(req.CellID, req.Force); err != nil {
			return protocol.Response{}, err
		}
		return protocol.Response{Type: protocol.RespCellRemoved, CellID: req.CellID}, nil

	case protocol.ReqJobRun:
		if req.Cmd == nil {
			return protocol.Response{}, protocol.Err(protocol.CodeInvalidRequest, "command is required")
		}
		job, err := h.state.RunJob(req.CellID, *req.Cmd)
		if err != nil {
			return protocol.Response{}, err
		}
		return protocol.Response{Type: protocol.RespJobStarted, Job: job}, nil

	case protocol.ReqJobStatus:
		job, err := h.state.JobStatus(req.JobID)
		if err != nil {
			return protocol.Response{}, err
		}
		return protocol.Response{Type: protocol.RespJobStatus, Job: job}, nil

	case protocol.ReqJobKill:
		job, signal, err := h.state.KillJob(req.JobID, req.Force)
		if err != nil {
			return protocol.Response{}, err
		}
		return protocol.Response{
			Type:   protocol.RespJobKilled,
			JobID:  req.JobID,
			Signal: signal,
			Job:    job,
		}, nil

	case protocol.ReqJobUsage:
		sample, err := h.state.Usage(req.JobID)
		if err != nil {
			return protocol.Response{}, err
		}
		return protocol.Response{
			Type:        protocol.RespUsageSample,
			JobID:       req.JobID,
			RSSBytes:    sample.RSSBytes,
			CPUNanos:    sample.CPUNanos,
			TimestampMs: sample.TimestampMs,
		}, nil

	case protocol.ReqLogsRead:
		chunk, err := h.state.ReadLogs(ctx, req.JobID, req.Stream,
			req.Offset, req.MaxBytes, req.Follow, req.WaitMs)
		if err != nil {
			return protocol.Response{}, err
		}
		return protocol.Response{
			Type:     protocol.RespLogsChunk,
			JobID:    req.JobID,
			Stream:   req.Stream,
			Offset:   chunk.Offset,
			Data:     chunk.Data,
			EOF:      chunk.EOF,
			Complete: chunk.Complete,
		}, nil

	case protocol.ReqPtyOpen:
		resp, err := h.state.PtyCall(execd.Request{
			Type:   execd.ReqPtyOpen,
			Shell:  req.Shell,
			Args:   req.Args,
			Cwd:    req.Cwd,
			PtyEnv: req.Env,
			Cols:   req.Cols,
			Rows:   req.Rows,
		})
		if err != nil {
			return protocol.Response{}, err
		}
		return protocol.Response{
			Type:      protocol.RespPtyOpened,
			SessionID: resp.SessionID,
			PID:       resp.PID,
		}, nil

	case protocol.ReqPtyInput:
		resp, err := h.state.PtyCall(execd.Request{
			Type:      execd.ReqPtyInput,
			SessionID: req.SessionID,
			Data:      req.Data,
		})
		if err != nil {
			return protocol.Response{}, err
		}
		return ptyAck(resp), nil

	case protocol.ReqPtyRead:
		resp, err := h.state.PtyCall(execd.Request{
			Type:      execd.ReqPtyRead,
			SessionID: req.SessionID,
			Offset:    req.Offset,
			MaxBytes:  req.MaxBytes,
			Follow:    req.Follow,
			WaitMs:    req.WaitMs,
		})
		if err != nil {
			return protocol.Response{}, err
		}
		return protocol.Response{
			Type:      protocol.RespPtyChunk,
			SessionID: resp.SessionID,
			Offset:    resp.Offset,
			Data:      resp.Data,
			EOF:       resp.EOF,
			Complete:  resp.Complete,
			ExitCode:  resp.ExitCode,
		}, nil

	case protocol.ReqPtyResize:
		resp, err := h.state.PtyCall(execd.Request{
			Type:      execd.ReqPtyResize,
			SessionID: req.SessionID,
			Cols:      req.Cols,
			Rows:      req.Rows,
		})
		if err != nil {
			return protocol.Response{}, err
		}
		return ptyAck(resp), nil

	case protocol.ReqPtyClose:
		resp, err := h.state.PtyCall(execd.Request{
			Type:      execd.ReqPtyClose,
			SessionID: req.SessionID,
			Force:     req.Force,
		})
		if err != nil {
			return protocol.Response{}, err
		}
		return ptyAck(resp), nil

	default:
		return protocol.Response{}, protocol.Errf(protocol.CodeInvalidRequest,
			"unknown request type", "%s", req.Type)
	}
}

func ptyAck(resp *execd.Response) protocol.Response {
	return protocol.Response{
		Type:      protocol.RespPtyAck,
		SessionID: resp.SessionID,
		Action:    resp.Action,
	}
}
