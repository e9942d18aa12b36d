package ipc

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/brianmichel/planter/internal/protocol"
)

// echoHandler answers version requests and errors on everything else.
type echoHandler struct{}

func (echoHandler) Handle(ctx context.Context, req protocol.Request) protocol.Response {
	switch req.Type {
	case protocol.ReqVersion:
		return protocol.Response{
			Type:     protocol.RespVersion,
			Daemon:   protocol.Version,
			Protocol: protocol.ProtocolVersion,
		}
	case protocol.ReqHealth:
		return protocol.Response{Type: protocol.RespHealth, Status: "ok"}
	default:
		return protocol.ErrorResponse(protocol.Err(protocol.CodeInvalidRequest, "unsupported"))
	}
}

func startServer(t *testing.T, handler Handler) string {
	t.Helper()
	sock := filepath.Join(t.TempDir(), "planterd.sock")

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go ServeUnix(ctx, sock, handler)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(sock); err == nil {
			return sock
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("server did not start in time")
	return ""
}

func TestVersionRoundTrip(t *testing.T) {
	sock := startServer(t, echoHandler{})

	client, err := Connect(sock)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Close()

	resp, err := client.Call(protocol.Request{Type: protocol.ReqVersion})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if resp.Type != protocol.RespVersion {
		t.Fatalf("want version response, got %s", resp.Type)
	}
	if resp.Daemon != protocol.Version || resp.Protocol != protocol.ProtocolVersion {
		t.Errorf("want daemon=%s protocol=%d, got daemon=%s protocol=%d",
			protocol.Version, protocol.ProtocolVersion, resp.Daemon, resp.Protocol)
	}
}

func TestSequentialCallsShareConnection(t *testing.T) {
	sock := startServer(t, echoHandler{})

	client, err := Connect(sock)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Close()

	for i := 0; i < 5; i++ {
		resp, err := client.Call(protocol.Request{Type: protocol.ReqHealth})
		if err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
		if resp.Status != "ok" {
			t.Fatalf("call %d: want ok, got %s", i, resp.Status)
		}
	}
}

// TestResponseEchoesReqID drives the wire by hand so the envelope ids are
// visible.
func TestResponseEchoesReqID(t *testing.T) {
	sock := startServer(t, echoHandler{})

	conn, err := net.Dial("unix", sock)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	for _, reqID := range []protocol.ReqID{1, 77, 12345678} {
		payload, err := Encode(&protocol.RequestEnvelope{
			ReqID: reqID,
			Body:  protocol.Request{Type: protocol.ReqVersion},
		})
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		if err := WriteFrame(conn, payload); err != nil {
			t.Fatalf("write frame: %v", err)
		}
		frame, err := ReadFrame(conn)
		if err != nil {
			t.Fatalf("read frame: %v", err)
		}
		var resp protocol.ResponseEnvelope
		if err := Decode(frame, &resp); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if resp.ReqID != reqID {
			t.Errorf("want req_id=%d, got %d", reqID, resp.ReqID)
		}
	}
}

func TestDecodeFailureAnswersWithInvalidRequest(t *testing.T) {
	sock := startServer(t, echoHandler{})

	conn, err := net.Dial("unix", sock)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// A valid envelope whose body is not a map: the envelope decode fails
	// but req_id stays recoverable.
	payload, err := Encode(map[string]any{"req_id": 55, "body": "not-a-request"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := WriteFrame(conn, payload); err != nil {
		t.Fatalf("write frame: %v", err)
	}

	frame, err := ReadFrame(conn)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var resp protocol.ResponseEnvelope
	if err := Decode(frame, &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.ReqID != 55 {
		t.Errorf("want req_id=55, got %d", resp.ReqID)
	}
	if resp.Body.Type != protocol.RespError || resp.Body.Code != protocol.CodeInvalidRequest {
		t.Errorf("want invalid_request error, got %+v", resp.Body)
	}
}

func TestPrepareSocketPathRefusesRegularFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "not-a-socket")
	if err := os.WriteFile(path, []byte("data"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if err := PrepareSocketPath(path); err == nil {
		t.Fatal("want error for non-socket path entry")
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("regular file must survive: %v", err)
	}
}

func TestPrepareSocketPathUnlinksStaleSocket(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stale.sock")

	// Keep the listener open so the socket entry stays on disk; unlinking a
	// live path is exactly the stale-socket case after a crash.
	ln, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	if err := PrepareSocketPath(path); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if _, err := os.Lstat(path); !os.IsNotExist(err) {
		t.Error("stale socket should be unlinked")
	}
}

func TestPrepareSocketPathMissingIsFine(t *testing.T) {
	if err := PrepareSocketPath(filepath.Join(t.TempDir(), "missing.sock")); err != nil {
		t.Fatalf("prepare: %v", err)
	}
}
