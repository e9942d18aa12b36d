package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"

	"github.com/brianmichel/planter/internal/logger"
	"github.com/brianmichel/planter/internal/protocol"
)

// Handler processes one decoded request and produces its response.
type Handler interface {
	Handle(ctx context.Context, req protocol.Request) protocol.Response
}

// PrepareSocketPath unlinks a stale socket at path. A path entry that is not
// a socket is left alone and reported, so the daemon never deletes user files.
func PrepareSocketPath(path string) error {
	info, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if info.Mode().Type() != os.ModeSocket {
		return fmt.Errorf("%s exists and is not a socket: %w", path, os.ErrExist)
	}
	return os.Remove(path)
}

// ServeUnix accepts connections on a Unix socket until ctx is cancelled.
// Each connection runs an independent request/response pump.
func ServeUnix(ctx context.Context, path string, handler Handler) error {
	ln, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("listen unix %s: %w", path, err)
	}

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		go func() {
			defer conn.Close()
			if err := serveConn(ctx, conn, handler); err != nil {
				logger.Debug("connection closed with error", "error", err)
			}
		}()
	}
}

// serveConn reads frames in arrival order and answers each before reading
// the next. Expected transport closures end the connection quietly.
func serveConn(ctx context.Context, conn net.Conn, handler Handler) error {
	for {
		frame, err := ReadFrame(conn)
		if err != nil {
			if IsExpectedClose(err) {
				return nil
			}
			return err
		}

		var req protocol.RequestEnvelope
		if err := Decode(frame, &req); err != nil {
			// Best effort: answer with the original req_id when it is
			// recoverable from the malformed envelope, then drop the
			// connection.
			if reqID, ok := extractReqID(frame); ok {
				resp := protocol.ResponseEnvelope{
					ReqID: reqID,
					Body: protocol.ErrorResponse(&protocol.Error{
						Code:    protocol.CodeInvalidRequest,
						Message: "failed to decode request envelope",
						Detail:  err.Error(),
					}),
				}
				if payload, encErr := Encode(&resp); encErr == nil {
					_ = WriteFrame(conn, payload)
				}
			}
			return nil
		}

		resp := protocol.ResponseEnvelope{
			ReqID: req.ReqID,
			Body:  handler.Handle(ctx, req.Body),
		}
		payload, err := Encode(&resp)
		if err != nil {
			return err
		}
		if err := WriteFrame(conn, payload); err != nil {
			if IsExpectedClose(err) {
				return nil
			}
			return err
		}
	}
}

// reqIDOnly recovers the correlation id from envelopes whose body failed
// to decode.
type reqIDOnly struct {
	ReqID protocol.ReqID `cbor:"req_id"`
}

func extractReqID(frame []byte) (protocol.ReqID, bool) {
	var partial reqIDOnly
	if err := Decode(frame, &partial); err != nil {
		return 0, false
	}
	return partial.ReqID, true
}

// IsExpectedClose reports whether err is a normal peer-closed-the-stream
// condition rather than a protocol failure.
func IsExpectedClose(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}
