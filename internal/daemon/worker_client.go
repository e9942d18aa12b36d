package daemon

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/brianmichel/planter/internal/execd"
	"github.com/brianmichel/planter/internal/ipc"
	"github.com/brianmichel/planter/internal/protocol"
)

// workerClient drives the daemon side of one worker control socket. Calls
// are strictly sequential; the per-cell call lock guarantees that.
type workerClient struct {
	conn      net.Conn
	nextReqID uint64
}

func newWorkerClient(conn net.Conn) *workerClient {
	return &workerClient{conn: conn, nextReqID: 1}
}

func (c *workerClient) close() error { return c.conn.Close() }

// hello performs the authentication handshake within the given deadline.
func (c *workerClient) hello(authToken, cellID string, deadline time.Time) error {
	if err := c.conn.SetDeadline(deadline); err != nil {
		return protocol.WrapInternal("set handshake deadline", err)
	}
	defer c.conn.SetDeadline(time.Time{})

	resp, err := c.call(execd.Request{
		Type:      execd.ReqHello,
		Protocol:  execd.ProtocolVersion,
		AuthToken: authToken,
		CellID:    cellID,
	})
	if err != nil {
		if perr := protocol.AsError(err); perr.Code == protocol.CodeTimeout {
			return protocol.Err(protocol.CodeUnavailable, "worker hello timed out")
		}
		return err
	}
	if resp.Type != execd.RespHelloAck {
		return protocol.Errf(protocol.CodeInternal, "unexpected worker hello response", "type=%s", resp.Type)
	}
	if resp.Protocol != execd.ProtocolVersion {
		return protocol.Errf(protocol.CodeProtocolMismatch, "worker protocol mismatch",
			"expected=%d got=%d", execd.ProtocolVersion, resp.Protocol)
	}
	return nil
}

func (c *workerClient) ping() error {
	resp, err := c.call(execd.Request{Type: execd.ReqPing})
	if err != nil {
		return err
	}
	if resp.Type != execd.RespPong {
		return protocol.Errf(protocol.CodeInternal, "unexpected worker ping response", "type=%s", resp.Type)
	}
	return nil
}

// call sends one request and decodes the matching response. Worker errors
// come back already mapped into the client-facing taxonomy.
func (c *workerClient) call(req execd.Request) (execd.Response, error) {
	reqID := c.nextReqID
	c.nextReqID++

	payload, err := ipc.Encode(&execd.RequestEnvelope{ReqID: reqID, Body: req})
	if err != nil {
		return execd.Response{}, protocol.WrapInternal("encode worker request", err)
	}
	if err := ipc.WriteFrame(c.conn, payload); err != nil {
		return execd.Response{}, transportError(err)
	}
	frame, err := ipc.ReadFrame(c.conn)
	if err != nil {
		return execd.Response{}, transportError(err)
	}
	var resp execd.ResponseEnvelope
	if err := ipc.Decode(frame, &resp); err != nil {
		return execd.Response{}, protocol.WrapInternal("decode worker response", err)
	}
	if resp.ReqID != reqID {
		return execd.Response{}, protocol.Errf(protocol.CodeProtocolMismatch,
			"worker request id mismatch", "expected=%d got=%d", reqID, resp.ReqID)
	}
	if resp.Body.Type == execd.RespExecError {
		return execd.Response{}, &protocol.Error{
			Code:    execd.MapErrorCode(resp.Body.Code),
			Message: resp.Body.Message,
			Detail:  resp.Body.Detail,
		}
	}
	return resp.Body, nil
}

// newAuthToken mints a per-spawn worker credential.
func newAuthToken() string {
	return fmt.Sprintf("wkr-%d-%s", os.Getpid(), uuid.NewString())
}

// transportError classifies a failed frame exchange with the worker.
func transportError(err error) *protocol.Error {
	if os.IsTimeout(err) {
		return protocol.Errf(protocol.CodeTimeout, "worker ipc timed out", "%v", err)
	}
	return protocol.WrapInternal("worker ipc", err)
}
