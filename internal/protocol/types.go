// Package protocol defines the request/response types exchanged between the
// planter client and planterd over a Unix domain socket.
//
// Every message travels as one length-prefixed frame carrying a CBOR-encoded
// envelope {req_id, body}. Bodies are tagged unions: a "type" field selects
// the variant and only that variant's fields are populated.
package protocol

// Version is the daemon release version reported in Version responses.
const Version = "0.3.0"

// ProtocolVersion is the client<->daemon wire protocol version.
const ProtocolVersion = 2

// Request type tags.
const (
	ReqVersion    = "version"
	ReqHealth     = "health"
	ReqCellCreate = "cell_create"
	ReqCellRemove = "cell_remove"
	ReqJobRun     = "job_run"
	ReqJobStatus  = "job_status"
	ReqJobKill    = "job_kill"
	ReqJobUsage   = "job_usage"
	ReqLogsRead   = "logs_read"
	ReqPtyOpen    = "pty_open"
	ReqPtyInput   = "pty_input"
	ReqPtyRead    = "pty_read"
	ReqPtyResize  = "pty_resize"
	ReqPtyClose   = "pty_close"
)

// Response type tags.
const (
	RespVersion     = "version"
	RespHealth      = "health"
	RespCellCreated = "cell_created"
	RespCellRemoved = "cell_removed"
	RespJobStarted  = "job_started"
	RespJobStatus   = "job_status"
	RespJobKilled   = "job_killed"
	RespUsageSample = "usage_sample"
	RespLogsChunk   = "logs_chunk"
	RespPtyOpened   = "pty_opened"
	RespPtyAck      = "pty_ack"
	RespPtyChunk    = "pty_chunk"
	RespError       = "error"
)

// Log stream selectors.
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
)

// PTY acknowledgement actions.
const (
	PtyActionOpened = "opened"
	PtyActionInput  = "input"
	PtyActionResize = "resize"
	PtyActionClosed = "closed"
)

// Job status type tags.
const (
	StatusRunning = "running"
	StatusExited  = "exited"
)

// Termination reasons recorded on job exit.
const (
	TermExited           = "exited"
	TermTerminatedByUser = "terminated_by_user"
	TermForcedKill       = "forced_kill"
	TermTimeout          = "timeout"
	TermMemoryLimit      = "memory_limit"
	TermLogQuota         = "log_quota"
	TermUnknown          = "unknown"
)

// CellSpec describes a cell at creation time.
type CellSpec struct {
	Name string            `cbor:"name" json:"name"`
	Env  map[string]string `cbor:"env" json:"env"`
}

// Limits are optional resource bounds attached to a command.
// The current runtime records them but does not enforce them.
type Limits struct {
	MaxRSSBytes uint64 `cbor:"max_rss_bytes,omitempty" json:"max_rss_bytes,omitempty"`
	TimeoutMs   uint64 `cbor:"timeout_ms,omitempty" json:"timeout_ms,omitempty"`
	MaxLogBytes uint64 `cbor:"max_log_bytes,omitempty" json:"max_log_bytes,omitempty"`
}

// CommandSpec describes one command launch.
type CommandSpec struct {
	Argv   []string          `cbor:"argv" json:"argv"`
	Cwd    string            `cbor:"cwd,omitempty" json:"cwd,omitempty"`
	Env    map[string]string `cbor:"env" json:"env"`
	Limits *Limits           `cbor:"limits,omitempty" json:"limits,omitempty"`
}

// CellInfo is the metadata record for one cell.
type CellInfo struct {
	ID          CellID   `cbor:"id" json:"id"`
	Spec        CellSpec `cbor:"spec" json:"spec"`
	CreatedAtMs uint64   `cbor:"created_at_ms" json:"created_at_ms"`
	Dir         string   `cbor:"dir" json:"dir"`
}

// ExitStatus is the tagged running/exited state of a job.
type ExitStatus struct {
	Type string `cbor:"type" json:"type"`
	Code *int   `cbor:"code,omitempty" json:"code,omitempty"`
}

// Running reports whether the status is the running variant.
func (s ExitStatus) Running() bool { return s.Type == StatusRunning }

// RunningStatus returns the running variant.
func RunningStatus() ExitStatus { return ExitStatus{Type: StatusRunning} }

// ExitedStatus returns the exited variant with an optional exit code.
func ExitedStatus(code *int) ExitStatus { return ExitStatus{Type: StatusExited, Code: code} }

// JobInfo is the wire representation of one job. The on-disk record adds
// stdout/stderr log paths on top of this.
type JobInfo struct {
	ID                JobID       `cbor:"id" json:"id"`
	CellID            CellID      `cbor:"cell_id" json:"cell_id"`
	Command           CommandSpec `cbor:"command" json:"command"`
	StartedAtMs       uint64      `cbor:"started_at_ms" json:"started_at_ms"`
	FinishedAtMs      *uint64     `cbor:"finished_at_ms,omitempty" json:"finished_at_ms,omitempty"`
	PID               *uint32     `cbor:"pid,omitempty" json:"pid,omitempty"`
	Status            ExitStatus  `cbor:"status" json:"status"`
	TerminationReason string      `cbor:"termination_reason,omitempty" json:"termination_reason,omitempty"`
}

// Request is the tagged client->daemon request union. Type selects the
// variant; unrelated fields stay at their zero values and are omitted on
// the wire.
type Request struct {
	Type string `cbor:"type"`

	// cell_create
	Spec *CellSpec `cbor:"spec,omitempty"`

	// cell_remove, job_run
	CellID CellID `cbor:"cell_id,omitempty"`

	// job_run
	Cmd *CommandSpec `cbor:"cmd,omitempty"`

	// job_status, job_kill, job_usage, logs_read
	JobID JobID `cbor:"job_id,omitempty"`

	// job_kill, cell_remove, pty_close
	Force bool `cbor:"force,omitempty"`

	// logs_read
	Stream string `cbor:"stream,omitempty"`

	// logs_read, pty_read
	Offset   uint64 `cbor:"offset,omitempty"`
	MaxBytes uint32 `cbor:"max_bytes,omitempty"`
	Follow   bool   `cbor:"follow,omitempty"`
	WaitMs   uint64 `cbor:"wait_ms,omitempty"`

	// pty_open
	Shell string            `cbor:"shell,omitempty"`
	Args  []string          `cbor:"args,omitempty"`
	Cwd   string            `cbor:"cwd,omitempty"`
	Env   map[string]string `cbor:"env,omitempty"`
	Cols  uint16            `cbor:"cols,omitempty"`
	Rows  uint16            `cbor:"rows,omitempty"`

	// pty_input, pty_read, pty_resize, pty_close
	SessionID SessionID `cbor:"session_id,omitempty"`
	Data      []byte    `cbor:"data,omitempty"`
}

// Response is the tagged daemon->client response union.
type Response struct {
	Type string `cbor:"type"`

	// version
	Daemon   string `cbor:"daemon,omitempty"`
	Protocol uint32 `cbor:"protocol,omitempty"`

	// health
	Status string `cbor:"status,omitempty"`

	// cell_created
	Cell *CellInfo `cbor:"cell,omitempty"`

	// cell_removed
	CellID CellID `cbor:"cell_id,omitempty"`

	// job_started, job_status, job_killed
	Job *JobInfo `cbor:"job,omitempty"`

	// job_killed, logs_chunk, usage_sample
	JobID  JobID  `cbor:"job_id,omitempty"`
	Signal string `cbor:"signal,omitempty"`

	// usage_sample
	RSSBytes    *uint64 `cbor:"rss_bytes,omitempty"`
	CPUNanos    *uint64 `cbor:"cpu_nanos,omitempty"`
	TimestampMs uint64  `cbor:"timestamp_ms,omitempty"`

	// logs_chunk, pty_chunk
	Stream   string `cbor:"stream,omitempty"`
	Offset   uint64 `cbor:"offset,omitempty"`
	Data     []byte `cbor:"data,omitempty"`
	EOF      bool   `cbor:"eof,omitempty"`
	Complete bool   `cbor:"complete,omitempty"`
	ExitCode *int   `cbor:"exit_code,omitempty"`

	// pty_opened, pty_ack, pty_chunk
	SessionID SessionID `cbor:"session_id,omitempty"`
	PID       *uint32   `cbor:"pid,omitempty"`
	Action    string    `cbor:"action,omitempty"`

	// error
	Code    Code   `cbor:"code,omitempty"`
	Message string `cbor:"message,omitempty"`
	Detail  string `cbor:"detail,omitempty"`
}

// ErrorResponse converts a protocol error into its wire response form.
func ErrorResponse(err *Error) Response {
	return Response{
		Type:    RespError,
		Code:    err.Code,
		Message: err.Message,
		Detail:  err.Detail,
	}
}

// Err extracts the error carried by an error response, or nil.
func (r Response) Err() *Error {
	if r.Type != RespError {
		return nil
	}
	return &Error{Code: r.Code, Message: r.Message, Detail: r.Detail}
}

// RequestEnvelope pairs a request body with its correlation id.
type RequestEnvelope struct {
	ReqID ReqID   `cbor:"req_id"`
	Body  Request `cbor:"body"`
}

// ResponseEnvelope pairs a response body with the id of its request.
type ResponseEnvelope struct {
	ReqID ReqID    `cbor:"req_id"`
	Body  Response `cbor:"body"`
}
