package ipc

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/brianmichel/planter/internal/protocol"
)

// DefaultCallTimeout bounds one request/response exchange on a client
// connection.
const DefaultCallTimeout = 5 * time.Second

// Client is a synchronous framed-RPC client for the daemon socket.
// It is not safe for concurrent use; callers own one connection each.
type Client struct {
	conn      net.Conn
	nextReqID uint64
	timeout   time.Duration
	broken    bool
}

// Connect dials the daemon socket at path.
func Connect(path string) (*Client, error) {
	conn, err := net.Dial("unix", path)
	if err != nil {
		return nil, fmt.Errorf("dial unix %s: %w", path, err)
	}
	return &Client{conn: conn, nextReqID: 1, timeout: DefaultCallTimeout}, nil
}

// SetTimeout overrides the per-call timeout.
func (c *Client) SetTimeout(d time.Duration) { c.timeout = d }

// Close closes the underlying connection.
func (c *Client) Close() error { return c.conn.Close() }

// Call sends one request and waits for its response. A call that exceeds the
// timeout returns a timeout error and poisons the connection: the frame
// cursor can no longer be trusted, so further calls are refused.
func (c *Client) Call(req protocol.Request) (protocol.Response, error) {
	if c.broken {
		return protocol.Response{}, protocol.Err(protocol.CodeUnavailable, "connection is no longer usable")
	}

	reqID := protocol.ReqID(c.nextReqID)
	c.nextReqID++

	envelope := protocol.RequestEnvelope{ReqID: reqID, Body: req}
	payload, err := Encode(&envelope)
	if err != nil {
		return protocol.Response{}, protocol.WrapInternal("encode request", err)
	}

	deadline := time.Now().Add(c.timeout)
	if err := c.conn.SetDeadline(deadline); err != nil {
		return protocol.Response{}, protocol.WrapInternal("set call deadline", err)
	}

	if err := WriteFrame(c.conn, payload); err != nil {
		c.broken = true
		return protocol.Response{}, callError("write request frame", err)
	}
	frame, err := ReadFrame(c.conn)
	if err != nil {
		c.broken = true
		return protocol.Response{}, callError("read response frame", err)
	}

	var resp protocol.ResponseEnvelope
	if err := Decode(frame, &resp); err != nil {
		c.broken = true
		return protocol.Response{}, protocol.WrapInternal("decode response", err)
	}
	if resp.ReqID != reqID {
		c.broken = true
		return protocol.Response{}, protocol.Errf(protocol.CodeProtocolMismatch,
			"response id does not match request", "expected=%d got=%d", reqID, resp.ReqID)
	}
	return resp.Body, nil
}

func callError(action string, err error) *protocol.Error {
	if os.IsTimeout(err) {
		return protocol.Errf(protocol.CodeTimeout, "request timed out", "%s: %v", action, err)
	}
	return protocol.WrapInternal(action, err)
}
