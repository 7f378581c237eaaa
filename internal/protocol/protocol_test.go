package protocol

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestRequestValidation(t *testing.T) {
	cases := []struct {
		name string
		err  error
	}{
		{"spawn missing path", SpawnRequest{}.Validate()},
		{"attach missing pid", AttachRequest{}.Validate()},
		{"session missing id", SessionRequest{}.Validate()},
		{"create-script missing script id", CreateScriptRequest{SessionID: 1, Source: "send(1);"}.Validate()},
		{"create-script missing source", CreateScriptRequest{SessionID: 1, ScriptID: "s-1"}.Validate()},
		{"destroy-script missing session", DestroyScriptRequest{ScriptID: "s-1"}.Validate()},
	}
	for _, tc := range cases {
		if !errors.Is(tc.err, ErrInvalidRequest) {
			t.Fatalf("%s: got %v, want ErrInvalidRequest", tc.name, tc.err)
		}
	}

	ok := CreateScriptRequest{SessionID: 1, ScriptID: "s-1", Source: "send(1);"}
	if err := ok.Validate(); err != nil {
		t.Fatalf("valid request rejected: %v", err)
	}
}

func TestEventValidation(t *testing.T) {
	ev := ScriptMessageEvent{SessionID: 1, ScriptID: "s-1", Message: json.RawMessage(`{"type":"send"}`)}
	if err := ev.Validate(); err != nil {
		t.Fatalf("valid event rejected: %v", err)
	}
	if err := (ScriptMessageEvent{ScriptID: "s-1"}).Validate(); !errors.Is(err, ErrInvalidEvent) {
		t.Fatalf("expected ErrInvalidEvent, got %v", err)
	}
	if err := (SessionDetachedEvent{}).Validate(); !errors.Is(err, ErrInvalidEvent) {
		t.Fatalf("expected ErrInvalidEvent, got %v", err)
	}
}

func TestMsgTypeString(t *testing.T) {
	if MsgSpawn.String() != "spawn" {
		t.Fatalf("MsgSpawn = %q", MsgSpawn.String())
	}
	if got := MsgType(0xFFFF).String(); got != "msg-type-0xffff" {
		t.Fatalf("unknown type = %q", got)
	}
}
