// Package execd implements the worker runtime: a per-cell subprocess (or
// in-process task) that owns job processes and PTY sessions and serves the
// daemon's control protocol over an inherited socket.
package execd

import "github.com/brianmichel/planter/internal/protocol"

// ProtocolVersion is the daemon<->worker control protocol version validated
// during the Hello handshake.
const ProtocolVersion = 1

// Worker request type tags.
const (
	ReqHello      = "hello"
	ReqPing       = "ping"
	ReqRunJob     = "run_job"
	ReqJobStatus  = "job_status"
	ReqJobSignal  = "job_signal"
	ReqPtyOpen    = "pty_open"
	ReqPtyInput   = "pty_input"
	ReqPtyRead    = "pty_read"
	ReqPtyResize  = "pty_resize"
	ReqPtyClose   = "pty_close"
	ReqUsageProbe = "usage_probe"
	ReqShutdown   = "shutdown"
)

// Worker response type tags.
const (
	RespHelloAck    = "hello_ack"
	RespPong        = "pong"
	RespJobStarted  = "job_started"
	RespJobStatus   = "job_status"
	RespPtyOpened   = "pty_opened"
	RespPtyChunk    = "pty_chunk"
	RespPtyAck      = "pty_ack"
	RespUsageSample = "usage_sample"
	RespExecError   = "exec_error"
)

// Worker error codes. The daemon maps these onto the client-facing taxonomy.
type ErrorCode string

const (
	ErrInvalidRequest ErrorCode = "invalid_request"
	ErrNotFound       ErrorCode = "not_found"
	ErrUnauthorized   ErrorCode = "unauthorized"
	ErrUnavailable    ErrorCode = "unavailable"
	ErrUnsupported    ErrorCode = "unsupported"
	ErrInternal       ErrorCode = "internal"
)

// Request is the tagged daemon->worker request union.
type Request struct {
	Type string `cbor:"type"`

	// hello
	Protocol  uint32 `cbor:"protocol,omitempty"`
	AuthToken string `cbor:"auth_token,omitempty"`
	CellID    string `cbor:"cell_id,omitempty"`

	// run_job, job_status, job_signal, usage_probe
	JobID protocol.JobID `cbor:"job_id,omitempty"`

	// run_job
	Cmd        *protocol.CommandSpec `cbor:"cmd,omitempty"`
	Env        map[string]string     `cbor:"env,omitempty"`
	StdoutPath string                `cbor:"stdout_path,omitempty"`
	StderrPath string                `cbor:"stderr_path,omitempty"`

	// job_signal, pty_close, shutdown
	Force bool `cbor:"force,omitempty"`

	// pty_open
	Shell  string            `cbor:"shell,omitempty"`
	Args   []string          `cbor:"args,omitempty"`
	Cwd    string            `cbor:"cwd,omitempty"`
	PtyEnv map[string]string `cbor:"pty_env,omitempty"`
	Cols   uint16            `cbor:"cols,omitempty"`
	Rows   uint16            `cbor:"rows,omitempty"`

	// pty_input, pty_read, pty_resize, pty_close
	SessionID protocol.SessionID `cbor:"session_id,omitempty"`
	Data      []byte             `cbor:"data,omitempty"`
	Offset    uint64             `cbor:"offset,omitempty"`
	MaxBytes  uint32             `cbor:"max_bytes,omitempty"`
	Follow    bool               `cbor:"follow,omitempty"`
	WaitMs    uint64             `cbor:"wait_ms,omitempty"`
}

// Response is the tagged worker->daemon response union.
type Response struct {
	Type string `cbor:"type"`

	// hello_ack
	Protocol  uint32 `cbor:"protocol,omitempty"`
	WorkerPID uint32 `cbor:"worker_pid,omitempty"`

	// job_started, job_status, usage_sample (PID: job_started, pty_opened)
	JobID protocol.JobID `cbor:"job_id,omitempty"`
	PID   *uint32        `cbor:"pid,omitempty"`

	// job_status
	Status            *protocol.ExitStatus `cbor:"status,omitempty"`
	FinishedAtMs      *uint64              `cbor:"finished_at_ms,omitempty"`
	TerminationReason string               `cbor:"termination_reason,omitempty"`

	// usage_sample
	RSSBytes    *uint64 `cbor:"rss_bytes,omitempty"`
	CPUNanos    *uint64 `cbor:"cpu_nanos,omitempty"`
	TimestampMs uint64  `cbor:"timestamp_ms,omitempty"`

	// pty_opened, pty_chunk, pty_ack
	SessionID protocol.SessionID `cbor:"session_id,omitempty"`
	Offset    uint64             `cbor:"offset,omitempty"`
	Data      []byte             `cbor:"data,omitempty"`
	EOF       bool               `cbor:"eof,omitempty"`
	Complete  bool               `cbor:"complete,omitempty"`
	ExitCode  *int               `cbor:"exit_code,omitempty"`
	Action    string             `cbor:"action,omitempty"`

	// exec_error
	Code    ErrorCode `cbor:"code,omitempty"`
	Message string    `cbor:"message,omitempty"`
	Detail  string    `cbor:"detail,omitempty"`
}

// RequestEnvelope pairs a worker request with its correlation id.
type RequestEnvelope struct {
	ReqID uint64  `cbor:"req_id"`
	Body  Request `cbor:"body"`
}

// ResponseEnvelope pairs a worker response with the id of its request.
type ResponseEnvelope struct {
	ReqID uint64   `cbor:"req_id"`
	Body  Response `cbor:"body"`
}

// errorResponse builds the wire form of a worker error.
func errorResponse(code ErrorCode, message, detail string) Response {
	return Response{Type: RespExecError, Code: code, Message: message, Detail: detail}
}

// toExecResponse converts an internal protocol error into the worker error
// code space.
func toExecResponse(err *protocol.Error) Response {
	var code ErrorCode
	switch err.Code {
	case protocol.CodeInvalidRequest, protocol.CodeProtocolMismatch:
		code = ErrInvalidRequest
	case protocol.CodeNotFound:
		code = ErrNotFound
	case protocol.CodeTimeout, protocol.CodeUnavailable:
		code = ErrUnavailable
	default:
		code = ErrInternal
	}
	return errorResponse(code, err.Message, err.Detail)
}

// MapErrorCode translates a worker error code to the client-facing taxonomy.
func MapErrorCode(code ErrorCode) protocol.Code {
	switch code {
	case ErrInvalidRequest:
		return protocol.CodeInvalidRequest
	case ErrNotFound:
		return protocol.CodeNotFound
	case ErrUnauthorized:
		return protocol.CodeUnavailable
	case ErrUnavailable:
		return protocol.CodeUnavailable
	case ErrUnsupported:
		return protocol.CodeInvalidRequest
	default:
		return protocol.CodeInternal
	}
}
