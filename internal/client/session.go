package client

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/tapwire/tapctl/internal/protocol"
)

// ErrScriptAlreadyLoaded is returned when a session that already owns a
// live script is asked to load another one.
var ErrScriptAlreadyLoaded = errors.New("client: session already has a loaded script")

type SessionState int

const (
	StateSpawning SessionState = iota
	StateSpawned
	StateAttached
	StateResumed
	StateEnded
)

func (s SessionState) String() string {
	switch s {
	case StateSpawning:
		return "spawning"
	case StateSpawned:
		return "spawned"
	case StateAttached:
		return "attached"
	case StateResumed:
		return "resumed"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// Session tracks one target process under control. A session owns at
// most one script; ending the session tears the script down with it.
type Session struct {
	conn *Connection
	id   uint64
	pid  int

	mu     sync.Mutex
	state  SessionState
	script *Script
}

func newSession(conn *Connection, id uint64, pid int, state SessionState) *Session {
	return &Session{conn: conn, id: id, pid: pid, state: state}
}

func (s *Session) ID() uint64 { return s.id }
func (s *Session) PID() int   { return s.pid }

func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Script returns the currently loaded script, or nil.
func (s *Session) Script() *Script {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.script
}

func (s *Session) setState(state SessionState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// Kill asks the server to forcibly terminate the target. It returns once
// the server acknowledges issuing the termination; actual process death
// is observed by the caller through OS-level means.
func (s *Session) Kill(ctx context.Context) error {
	if s.State() == StateEnded {
		return ErrSessionEnded
	}
	if _, err := s.conn.call(ctx, protocol.MsgKill, protocol.SessionRequest{SessionID: s.id}); err != nil {
		return err
	}
	s.conn.removeSession(s.id)
	s.endLocal("killed")
	return nil
}

// Detach releases the target without terminating it.
func (s *Session) Detach(ctx context.Context) error {
	if s.State() == StateEnded {
		return ErrSessionEnded
	}
	if _, err := s.conn.call(ctx, protocol.MsgDetach, protocol.SessionRequest{SessionID: s.id}); err != nil {
		return err
	}
	s.conn.removeSession(s.id)
	s.endLocal("detached")
	return nil
}

// endLocal marks the session ended and tears down its script. It never
// touches the connection's session registry; callers remove the session
// there first so lock order stays connection-then-session.
func (s *Session) endLocal(reason string) {
	s.mu.Lock()
	if s.state == StateEnded {
		s.mu.Unlock()
		return
	}
	s.state = StateEnded
	script := s.script
	s.script = nil
	s.mu.Unlock()

	if script != nil {
		script.end(ScriptUnloaded)
	}
	s.conn.log.Debug().
		Uint64("session_id", s.id).
		Int("pid", s.pid).
		Str("reason", reason).
		Msg("session ended")
}

func (s *Session) newScript() (*Script, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateEnded {
		return nil, ErrSessionEnded
	}
	if s.script != nil {
		return nil, ErrScriptAlreadyLoaded
	}
	script := newScript(s, uuid.NewString())
	s.script = script
	return script, nil
}

func (s *Session) scriptByID(id string) *Script {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.script != nil && s.script.id == id {
		return s.script
	}
	return nil
}

// dropScript discards a script whose load never completed.
func (s *Session) dropScript(script *Script) {
	s.mu.Lock()
	if s.script == script {
		s.script = nil
	}
	s.mu.Unlock()
	script.end(ScriptUnloaded)
}
