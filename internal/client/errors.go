package client

import (
	"errors"
	"fmt"
)

var (
	// ErrConnectionClosed rejects calls pending when the connection ends
	// and any call issued afterwards.
	ErrConnectionClosed = errors.New("client: connection closed")

	ErrSessionEnded   = errors.New("client: session ended")
	ErrScriptUnloaded = errors.New("client: script unloaded")
)

// ConnectionError reports a dial or handshake failure.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("client: %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// RpcError reports a control call the server explicitly rejected.
type RpcError struct {
	Method  string
	Message string
}

func (e *RpcError) Error() string {
	return fmt.Sprintf("client: %s rejected by server: %s", e.Method, e.Message)
}

// SpawnError wraps the failure of the spawn step of SpawnWithScript.
type SpawnError struct {
	Path string
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("client: spawn %q: %v", e.Path, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// AttachError wraps a rejected attach.
type AttachError struct {
	PID int
	Err error
}

func (e *AttachError) Error() string {
	return fmt.Sprintf("client: attach to pid %d: %v", e.PID, e.Err)
}

func (e *AttachError) Unwrap() error { return e.Err }

// ScriptLoadError wraps a script compilation/loading failure. For
// SpawnWithScript the target stays suspended when this is returned.
type ScriptLoadError struct {
	Err error
}

func (e *ScriptLoadError) Error() string {
	return fmt.Sprintf("client: load script: %v", e.Err)
}

func (e *ScriptLoadError) Unwrap() error { return e.Err }
