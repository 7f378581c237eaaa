package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	// Magic spells "TAPW" on the wire.
	Magic   uint32 = 0x54415057
	Version uint16 = 1
)

// MsgType discriminates frames once the handshake has completed.
type MsgType uint32

const (
	MsgQueryMetadata         MsgType = 0x01
	MsgEnumerateProcesses    MsgType = 0x02
	MsgEnumerateApplications MsgType = 0x03

	MsgSpawn  MsgType = 0x10
	MsgResume MsgType = 0x11
	MsgKill   MsgType = 0x12
	MsgAttach MsgType = 0x13
	MsgDetach MsgType = 0x14

	MsgCreateScript  MsgType = 0x20
	MsgDestroyScript MsgType = 0x21

	EvtScriptMessage   MsgType = 0x40
	EvtSessionDetached MsgType = 0x41
)

func (t MsgType) String() string {
	switch t {
	case MsgQueryMetadata:
		return "query-metadata"
	case MsgEnumerateProcesses:
		return "enumerate-processes"
	case MsgEnumerateApplications:
		return "enumerate-applications"
	case MsgSpawn:
		return "spawn"
	case MsgResume:
		return "resume"
	case MsgKill:
		return "kill"
	case MsgAttach:
		return "attach"
	case MsgDetach:
		return "detach"
	case MsgCreateScript:
		return "create-script"
	case MsgDestroyScript:
		return "destroy-script"
	case EvtScriptMessage:
		return "script-message"
	case EvtSessionDetached:
		return "session-detached"
	default:
		return fmt.Sprintf("msg-type-0x%x", uint32(t))
	}
}

// OSInfo describes the operating system of the server host.
type OSInfo struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Metadata is the reply shape for query-metadata.
type Metadata struct {
	Arch     string `json:"arch"`
	Platform string `json:"platform"`
	OS       OSInfo `json:"os"`
	Name     string `json:"name"`
	Access   string `json:"access"`
}

// ProcessInfo is one enumeration record for a running process.
type ProcessInfo struct {
	PID  int    `json:"pid"`
	Name string `json:"name"`
}

// ApplicationInfo is one enumeration record for an installed application.
type ApplicationInfo struct {
	Identifier string `json:"identifier"`
	Name       string `json:"name"`
	PID        int    `json:"pid,omitempty"`
}

type ProcessList struct {
	Processes []ProcessInfo `json:"processes"`
}

type ApplicationList struct {
	Applications []ApplicationInfo `json:"applications"`
}

// SpawnRequest asks the server to create a target suspended.
type SpawnRequest struct {
	Path string   `json:"path"`
	Args []string `json:"args"`
}

func (r SpawnRequest) Validate() error {
	if strings.TrimSpace(r.Path) == "" {
		return fmt.Errorf("%w: spawn missing path", ErrInvalidRequest)
	}
	return nil
}

// SpawnReply acknowledges a spawn with the server-assigned handles.
type SpawnReply struct {
	PID       int    `json:"pid"`
	SessionID uint64 `json:"session_id"`
}

type AttachRequest struct {
	PID int `json:"pid"`
}

func (r AttachRequest) Validate() error {
	if r.PID <= 0 {
		return fmt.Errorf("%w: attach missing pid", ErrInvalidRequest)
	}
	return nil
}

type AttachReply struct {
	SessionID uint64 `json:"session_id"`
}

// SessionRequest is the common shape of resume/kill/detach calls.
type SessionRequest struct {
	SessionID uint64 `json:"session_id"`
}

func (r SessionRequest) Validate() error {
	if r.SessionID == 0 {
		return fmt.Errorf("%w: missing session_id", ErrInvalidRequest)
	}
	return nil
}

// CreateScriptRequest loads source into a session. The script id is
// client-chosen so events can be routed before the ack returns.
type CreateScriptRequest struct {
	SessionID uint64 `json:"session_id"`
	ScriptID  string `json:"script_id"`
	Source    string `json:"source"`
}

func (r CreateScriptRequest) Validate() error {
	if r.SessionID == 0 {
		return fmt.Errorf("%w: create-script missing session_id", ErrInvalidRequest)
	}
	if strings.TrimSpace(r.ScriptID) == "" {
		return fmt.Errorf("%w: create-script missing script_id", ErrInvalidRequest)
	}
	if r.Source == "" {
		return fmt.Errorf("%w: create-script missing source", ErrInvalidRequest)
	}
	return nil
}

type DestroyScriptRequest struct {
	SessionID uint64 `json:"session_id"`
	ScriptID  string `json:"script_id"`
}

func (r DestroyScriptRequest) Validate() error {
	if r.SessionID == 0 {
		return fmt.Errorf("%w: destroy-script missing session_id", ErrInvalidRequest)
	}
	if strings.TrimSpace(r.ScriptID) == "" {
		return fmt.Errorf("%w: destroy-script missing script_id", ErrInvalidRequest)
	}
	return nil
}

// ErrorReply is the payload of any frame carrying FlagIsError.
type ErrorReply struct {
	Error string `json:"error"`
}

// ScriptMessageEvent wraps one message emitted by injected code.
type ScriptMessageEvent struct {
	SessionID uint64          `json:"session_id"`
	ScriptID  string          `json:"script_id"`
	Message   json.RawMessage `json:"message"`
}

func (e ScriptMessageEvent) Validate() error {
	if e.SessionID == 0 {
		return fmt.Errorf("%w: script-message missing session_id", ErrInvalidEvent)
	}
	if strings.TrimSpace(e.ScriptID) == "" {
		return fmt.Errorf("%w: script-message missing script_id", ErrInvalidEvent)
	}
	if len(e.Message) == 0 {
		return fmt.Errorf("%w: script-message missing message", ErrInvalidEvent)
	}
	return nil
}

// SessionDetachedEvent reports that the server ended a session.
type SessionDetachedEvent struct {
	SessionID uint64 `json:"session_id"`
	Reason    string `json:"reason"`
}

func (e SessionDetachedEvent) Validate() error {
	if e.SessionID == 0 {
		return fmt.Errorf("%w: session-detached missing session_id", ErrInvalidEvent)
	}
	return nil
}
