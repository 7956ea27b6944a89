package wire

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/danmuck/stationrelay/internal/testutil/testlog"
)

func TestEncodeMergesUIDIntoPayload(t *testing.T) {
	testlog.Start(t)
	raw, err := Encode(TypeNewSession, NewSessionRequest{Station: 3, Knobs: []int{1, 2, 3}, TraceID: "conn-1"}, "uid-1")
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	var got struct {
		MessageType string `json:"message_type"`
		Payload     struct {
			Station int    `json:"station"`
			Knobs   []int  `json:"knobs"`
			TraceID string `json:"trace_id"`
			UID     string `json:"uid"`
		} `json:"payload"`
	}
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.MessageType != TypeNewSession || got.Payload.UID != "uid-1" || got.Payload.Station != 3 {
		t.Fatalf("unexpected frame: %s", raw)
	}
	if len(got.Payload.Knobs) != 3 || got.Payload.TraceID != "conn-1" {
		t.Fatalf("payload fields lost: %s", raw)
	}
}

func TestEncodeNilPayloadCarriesOnlyUID(t *testing.T) {
	testlog.Start(t)
	raw, err := Encode(TypePing, nil, "p-1")
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if string(raw) != `{"message_type":"ping","payload":{"uid":"p-1"}}` {
		t.Fatalf("unexpected ping frame: %s", raw)
	}
}

func TestEncodeRejectsNonObjectPayload(t *testing.T) {
	testlog.Start(t)
	if _, err := Encode(TypeUpdate, []int{1, 2}, "u"); !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("expected ErrInvalidPayload, got %v", err)
	}
	if _, err := Encode(" ", nil, "u"); !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("expected ErrInvalidMessage, got %v", err)
	}
}

func TestDecodeLiftsUID(t *testing.T) {
	testlog.Start(t)
	msg, err := Decode([]byte(`{"message_type":"session_created","payload":{"uid":"abc","session_id":"s1"}}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.UID != "abc" {
		t.Fatalf("unexpected uid: %q", msg.UID)
	}
	if !msg.Matches(TypeSessionCreated, "abc") {
		t.Fatalf("expected match")
	}
	if msg.Matches(TypeStatus, "abc") || msg.Matches(TypeSessionCreated, "abd") || msg.Matches(TypeSessionCreated, "") {
		t.Fatalf("matching must require exact type and uid")
	}
}

func TestDecodeRejectsMalformedFrames(t *testing.T) {
	testlog.Start(t)
	if _, err := Decode([]byte(`not json`)); !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("expected ErrInvalidMessage, got %v", err)
	}
	if _, err := Decode([]byte(`{"payload":{}}`)); !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("expected missing type rejection, got %v", err)
	}
	big := `{"message_type":"status","payload":{"x":"` + strings.Repeat("a", MaxMessageBytes) + `"}}`
	if _, err := Decode([]byte(big)); !errors.Is(err, ErrMessageTooLarge) {
		t.Fatalf("expected ErrMessageTooLarge, got %v", err)
	}
	msg, err := Decode([]byte(`{"message_type":"status","payload":"text"}`))
	if err != nil || msg.UID != "" {
		t.Fatalf("non-object payload should decode without uid: %+v %v", msg, err)
	}
}

func TestDecodeSessionParams(t *testing.T) {
	testlog.Start(t)
	p, err := DecodeSessionParams(json.RawMessage(`{"station":3,"knobs":[1,2,3]}`))
	if err != nil {
		t.Fatalf("decode params: %v", err)
	}
	if p.Station != 3 || len(p.Knobs) != 3 {
		t.Fatalf("unexpected params: %+v", p)
	}

	bad := []string{
		``,
		`{"knobs":[1,2,3]}`,
		`{"station":3}`,
		`{"station":3,"knobs":[1,2]}`,
		`{"station":3,"knobs":[1,2,3,4]}`,
		`{"station":3.5,"knobs":[1,2,3]}`,
		`{"station":3,"knobs":[1,"2",3]}`,
		`{"station":"3","knobs":[1,2,3]}`,
	}
	for _, raw := range bad {
		if _, err := DecodeSessionParams(json.RawMessage(raw)); !errors.Is(err, ErrInvalidParams) {
			t.Fatalf("payload %q: expected ErrInvalidParams, got %v", raw, err)
		}
	}
}

func TestValidateSessionID(t *testing.T) {
	testlog.Start(t)
	for _, ok := range []string{"s1", "abc-DEF_0.9:1", "..s", "v1.2"} {
		if err := ValidateSessionID(ok); err != nil {
			t.Fatalf("%q should be valid: %v", ok, err)
		}
	}
	for _, bad := range []string{"", "  ", "a/b", "a b", "../x", ".", "..", "...", strings.Repeat("x", MaxSessionIDLen+1)} {
		if err := ValidateSessionID(bad); !errors.Is(err, ErrInvalidSessionID) {
			t.Fatalf("%q: expected ErrInvalidSessionID, got %v", bad, err)
		}
	}
}

func TestValidateTraceID(t *testing.T) {
	testlog.Start(t)
	if err := ValidateTraceID("conn-1"); err != nil {
		t.Fatalf("valid trace id rejected: %v", err)
	}
	if err := ValidateTraceID(strings.Repeat("t", MaxTraceIDLen+1)); !errors.Is(err, ErrInvalidTraceID) {
		t.Fatalf("expected ErrInvalidTraceID, got %v", err)
	}
}
