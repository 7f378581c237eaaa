package client

import (
	"context"
	"sync"

	"github.com/tapwire/tapctl/internal/protocol"
)

type ScriptState int

const (
	ScriptLoading ScriptState = iota
	ScriptLoaded
	ScriptUnloaded
	ScriptCrashed
)

func (s ScriptState) String() string {
	switch s {
	case ScriptLoading:
		return "loading"
	case ScriptLoaded:
		return "loaded"
	case ScriptUnloaded:
		return "unloaded"
	case ScriptCrashed:
		return "crashed"
	default:
		return "unknown"
	}
}

type scriptListener struct {
	id uint64
	fn func(Message)
}

// Script is one loaded unit of injected code. Messages are delivered to
// listeners in arrival order on a dedicated pump goroutine, so the
// connection's reader loop never blocks on a slow listener.
type Script struct {
	sess *Session
	id   string

	mu           sync.Mutex
	state        ScriptState
	listeners    []scriptListener
	nextListener uint64
	queue        []Message
	ended        bool

	wake chan struct{}
	done chan struct{}
}

func newScript(sess *Session, id string) *Script {
	s := &Script{
		sess:  sess,
		id:    id,
		state: ScriptLoading,
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
	go s.pump()
	return s
}

func (s *Script) ID() string { return s.id }

func (s *Script) State() ScriptState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Script) setState(state ScriptState) {
	s.mu.Lock()
	if !s.ended {
		s.state = state
	}
	s.mu.Unlock()
}

// OnMessage registers a listener for every subsequent message. Listeners
// fire in registration order; the returned func unregisters.
func (s *Script) OnMessage(fn func(Message)) (remove func()) {
	s.mu.Lock()
	s.nextListener++
	id := s.nextListener
	s.listeners = append(s.listeners, scriptListener{id: id, fn: fn})
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, l := range s.listeners {
			if l.id == id {
				s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
				return
			}
		}
	}
}

// Unload destroys the script on the server and stops delivery.
func (s *Script) Unload(ctx context.Context) error {
	if s.State() == ScriptUnloaded {
		return ErrScriptUnloaded
	}
	req := protocol.DestroyScriptRequest{SessionID: s.sess.id, ScriptID: s.id}
	if _, err := s.sess.conn.call(ctx, protocol.MsgDestroyScript, req); err != nil {
		return err
	}
	s.sess.mu.Lock()
	if s.sess.script == s {
		s.sess.script = nil
	}
	s.sess.mu.Unlock()
	s.end(ScriptUnloaded)
	return nil
}

func (s *Script) enqueue(msg Message) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	if _, crashed := msg.(ErrorMessage); crashed {
		// A runtime failure marks the script crashed but delivery
		// continues; the target and its session stay alive.
		s.state = ScriptCrashed
	}
	s.queue = append(s.queue, msg)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Script) end(state ScriptState) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true
	if s.state != ScriptCrashed {
		s.state = state
	}
	s.mu.Unlock()
	close(s.done)
}

func (s *Script) pump() {
	for {
		select {
		case <-s.wake:
			s.drain()
		case <-s.done:
			// Messages that arrived before the script ended still get
			// delivered; enqueue rejects anything after.
			s.drain()
			return
		}
	}
}

func (s *Script) drain() {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		batch := s.queue
		s.queue = nil
		listeners := make([]scriptListener, len(s.listeners))
		copy(listeners, s.listeners)
		s.mu.Unlock()

		for _, msg := range batch {
			for _, l := range listeners {
				l.fn(msg)
			}
		}
	}
}
