package protocol

import "fmt"

// ReqID correlates a response to a request within one connection.
type ReqID uint64

// CellID identifies an isolated execution cell ("cell-<n>").
type CellID string

// JobID identifies a launched job ("job-<n>").
type JobID string

// SessionID identifies an interactive PTY session within one worker.
type SessionID uint64

// NewCellID formats a cell id from a monotonic counter value.
func NewCellID(n uint64) CellID { return CellID(fmt.Sprintf("cell-%d", n)) }

// NewJobID formats a job id from a monotonic counter value.
func NewJobID(n uint64) JobID { return JobID(fmt.Sprintf("job-%d", n)) }
