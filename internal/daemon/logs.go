package daemon

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/brianmichel/planter/internal/logger"
	"github.com/brianmichel/planter/internal/protocol"
)

// Follow reads re-check the log file on this tick even when no filesystem
// event fires.
const logsFollowTick = 75 * time.Millisecond

// Cap applied to logs_read max_bytes.
const logsReadCap = 64 * 1024

// LogsChunk is one offset-bounded slice of a job log stream.
type LogsChunk struct {
	Offset   uint64
	Data     []byte
	EOF      bool
	Complete bool
}

// ReadLogs returns bytes from the selected log stream starting at offset.
// With follow, an empty read on a running job waits for the file to grow
// (woken by fsnotify, with a polling tick as fallback) until waitMs elapses.
func (s *StateStore) ReadLogs(ctx context.Context, jobID protocol.JobID, stream string,
	offset uint64, maxBytes uint32, follow bool, waitMs uint64) (*LogsChunk, error) {
	limit := int(maxBytes)
	if limit < 1 {
		limit = logsReadCap
	}
	if limit > logsReadCap {
		limit = logsReadCap
	}

	var watcher *fsnotify.Watcher
	defer func() {
		if watcher != nil {
			watcher.Close()
		}
	}()

	start := time.Now()
	for {
		job, err := s.loadJob(jobID)
		if err != nil {
			return nil, err
		}
		path, err := logPathForStream(job, stream)
		if err != nil {
			return nil, err
		}

		running := job.Status.Running()
		if running {
			// A finished process only reaches the metadata through a worker
			// probe; refresh here so followers observe completion.
			if info, serr := s.JobStatus(jobID); serr == nil {
				running = info.Status.Running()
			}
		}

		chunk, err := sliceLogFile(path, offset, limit)
		if err != nil {
			return nil, err
		}
		chunk.Complete = chunk.EOF && !running

		if len(chunk.Data) > 0 || !running || !follow {
			return chunk, nil
		}
		if time.Since(start) >= time.Duration(max(waitMs, 1))*time.Millisecond {
			return chunk, nil
		}

		if watcher == nil {
			if w, werr := fsnotify.NewWatcher(); werr == nil {
				if aerr := w.Add(path); aerr == nil {
					watcher = w
				} else {
					logger.Debug("log follow falls back to polling", "path", path, "error", aerr)
					w.Close()
				}
			}
		}

		var wake <-chan fsnotify.Event
		if watcher != nil {
			wake = watcher.Events
		}
		select {
		case <-ctx.Done():
			return chunk, nil
		case <-wake:
		case <-time.After(logsFollowTick):
		}
	}
}

func logPathForStream(job *storedJob, stream string) (string, error) {
	switch stream {
	case protocol.StreamStdout:
		return job.StdoutPath, nil
	case protocol.StreamStderr:
		return job.StderrPath, nil
	default:
		return "", protocol.Errf(protocol.CodeInvalidRequest, "unknown log stream", "%s", stream)
	}
}

// sliceLogFile reads [offset, offset+limit) from the file. Offsets at or
// past the end yield an empty chunk with eof set. A log file that does not
// exist yet reads as empty.
func sliceLogFile(path string, offset uint64, limit int) (*LogsChunk, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &LogsChunk{Offset: offset, EOF: true}, nil
		}
		return nil, protocol.WrapInternal("open log file", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, protocol.WrapInternal("stat log file", err)
	}
	size := uint64(info.Size())

	if offset >= size {
		return &LogsChunk{Offset: offset, EOF: true}, nil
	}

	remaining := size - offset
	n := uint64(limit)
	if n > remaining {
		n = remaining
	}

	data := make([]byte, n)
	if _, err := f.ReadAt(data, int64(offset)); err != nil && err != io.EOF {
		return nil, protocol.WrapInternal("read log file", err)
	}
	return &LogsChunk{
		Offset: offset,
		Data:   data,
		EOF:    offset+n == size,
	}, nil
}
