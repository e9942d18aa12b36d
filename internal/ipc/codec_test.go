package ipc

import (
	"reflect"
	"testing"

	"github.com/brianmichel/planter/internal/protocol"
)

func roundTripRequest(t *testing.T, envelope protocol.RequestEnvelope) {
	t.Helper()
	data, err := Encode(&envelope)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var decoded protocol.RequestEnvelope
	if err := Decode(data, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !reflect.DeepEqual(decoded, envelope) {
		t.Errorf("round trip mismatch:\nwant %+v\ngot  %+v", envelope, decoded)
	}
}

func roundTripResponse(t *testing.T, envelope protocol.ResponseEnvelope) {
	t.Helper()
	data, err := Encode(&envelope)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var decoded protocol.ResponseEnvelope
	if err := Decode(data, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !reflect.DeepEqual(decoded, envelope) {
		t.Errorf("round trip mismatch:\nwant %+v\ngot  %+v", envelope, decoded)
	}
}

func TestRoundTripVersionRequest(t *testing.T) {
	roundTripRequest(t, protocol.RequestEnvelope{
		ReqID: 1,
		Body:  protocol.Request{Type: protocol.ReqVersion},
	})
}

func TestRoundTripJobRunRequest(t *testing.T) {
	roundTripRequest(t, protocol.RequestEnvelope{
		ReqID: 7,
		Body: protocol.Request{
			Type:   protocol.ReqJobRun,
			CellID: "cell-1",
			Cmd: &protocol.CommandSpec{
				Argv: []string{"/bin/sh", "-c", "echo hi"},
				Env:  map[string]string{"FOO": "bar"},
			},
		},
	})
}

func TestRoundTripLogsReadRequest(t *testing.T) {
	roundTripRequest(t, protocol.RequestEnvelope{
		ReqID: 42,
		Body: protocol.Request{
			Type:     protocol.ReqLogsRead,
			JobID:    "job-9",
			Stream:   protocol.StreamStdout,
			Offset:   1024,
			MaxBytes: 4096,
			Follow:   true,
			WaitMs:   1000,
		},
	})
}

func TestRoundTripJobStartedResponse(t *testing.T) {
	pid := uint32(4242)
	code := 0
	finished := uint64(1700000000123)
	roundTripResponse(t, protocol.ResponseEnvelope{
		ReqID: 9,
		Body: protocol.Response{
			Type: protocol.RespJobStarted,
			Job: &protocol.JobInfo{
				ID:     "job-1",
				CellID: "cell-1",
				Command: protocol.CommandSpec{
					Argv: []string{"/bin/true"},
					Env:  map[string]string{},
				},
				StartedAtMs:       1700000000000,
				FinishedAtMs:      &finished,
				PID:               &pid,
				Status:            protocol.ExitedStatus(&code),
				TerminationReason: protocol.TermExited,
			},
		},
	})
}

func TestRoundTripErrorResponse(t *testing.T) {
	roundTripResponse(t, protocol.ResponseEnvelope{
		ReqID: 3,
		Body: protocol.ErrorResponse(&protocol.Error{
			Code:    protocol.CodeNotFound,
			Message: "job does not exist",
			Detail:  "job-404",
		}),
	})
}

func TestRoundTripPtyChunkResponse(t *testing.T) {
	roundTripResponse(t, protocol.ResponseEnvelope{
		ReqID: 12,
		Body: protocol.Response{
			Type:      protocol.RespPtyChunk,
			SessionID: 5,
			Offset:    88,
			Data:      []byte("FOO\r\n"),
			EOF:       true,
			Complete:  true,
		},
	})
}
