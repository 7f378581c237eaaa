// Package fakeserver runs an in-process tapwire server for tests.
package fakeserver

import (
	"bufio"
	"encoding/json"
	"errors"
	"net"
	"os"
	"runtime"
	"sync"
	"testing"

	"github.com/tapwire/tapctl/internal/protocol"
	"github.com/tapwire/tapctl/internal/protocol/frame"
	"github.com/tapwire/tapctl/internal/protocol/handshake"
)

// Handler produces the reply payload for one request. Returning an error
// sends an error frame carrying the error text.
type Handler func(req Request) (any, error)

// Request is one decoded control call.
type Request struct {
	Type    protocol.MsgType
	Payload json.RawMessage
}

type Option func(*Server)

// WithHelloRejection makes the handshake fail with the given message.
func WithHelloRejection(message string) Option {
	return func(s *Server) {
		s.helloStatus = handshake.AckStatusRejected
		s.helloMessage = message
	}
}

// Server accepts tapwire connections and answers control calls with
// canned defaults or installed handlers. Each request is served on its
// own goroutine so replies may complete out of order.
type Server struct {
	ln     net.Listener
	limits frame.Limits

	helloStatus  string
	helloMessage string

	mu          sync.Mutex
	handlers    map[protocol.MsgType]Handler
	calls       []protocol.MsgType
	conns       []*serverConn
	nextPID     int
	nextSession uint64
}

type serverConn struct {
	conn    net.Conn
	writeMu sync.Mutex
}

func Start(t *testing.T, opts ...Option) *Server {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := &Server{
		ln:          ln,
		limits:      frame.DefaultLimits(),
		helloStatus: handshake.AckStatusAccepted,
		handlers:    make(map[protocol.MsgType]Handler),
		nextPID:     5000,
	}
	for _, opt := range opts {
		opt(s)
	}
	go s.acceptLoop()
	t.Cleanup(s.Close)
	return s
}

func (s *Server) Addr() string { return s.ln.Addr().String() }

func (s *Server) Close() {
	_ = s.ln.Close()
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()
	for _, sc := range conns {
		_ = sc.conn.Close()
	}
}

// Handle installs a handler for one message type, replacing the default.
func (s *Server) Handle(typ protocol.MsgType, h Handler) {
	s.mu.Lock()
	s.handlers[typ] = h
	s.mu.Unlock()
}

// Calls returns every request type in arrival order.
func (s *Server) Calls() []protocol.MsgType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]protocol.MsgType, len(s.calls))
	copy(out, s.calls)
	return out
}

// EmitScriptMessage pushes an unsolicited script-message event to every
// live connection.
func (s *Server) EmitScriptMessage(sessionID uint64, scriptID string, message string) {
	s.emitEvent(protocol.EvtScriptMessage, protocol.ScriptMessageEvent{
		SessionID: sessionID,
		ScriptID:  scriptID,
		Message:   json.RawMessage(message),
	})
}

// EmitSessionDetached pushes a session-detached event.
func (s *Server) EmitSessionDetached(sessionID uint64, reason string) {
	s.emitEvent(protocol.EvtSessionDetached, protocol.SessionDetachedEvent{
		SessionID: sessionID,
		Reason:    reason,
	})
}

func (s *Server) emitEvent(typ protocol.MsgType, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		return
	}
	f := frame.Frame{
		Header:  frame.Header{Type: typ, Flags: frame.FlagIsEvent},
		Payload: body,
	}
	s.mu.Lock()
	conns := make([]*serverConn, len(s.conns))
	copy(conns, s.conns)
	s.mu.Unlock()
	for _, sc := range conns {
		sc.writeFrame(f, s.limits)
	}
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		sc := &serverConn{conn: conn}
		s.mu.Lock()
		s.conns = append(s.conns, sc)
		s.mu.Unlock()
		go s.serve(sc)
	}
}

func (s *Server) serve(sc *serverConn) {
	defer sc.conn.Close()

	br := bufio.NewReader(sc.conn)
	if _, err := handshake.ReadHello(br); err != nil {
		return
	}
	ack := handshake.HelloAck{
		Status:  s.helloStatus,
		Version: protocol.Version,
		Message: s.helloMessage,
	}
	sc.writeMu.Lock()
	err := handshake.WriteHelloAck(sc.conn, ack)
	sc.writeMu.Unlock()
	if err != nil {
		return
	}
	if s.helloStatus != handshake.AckStatusAccepted {
		return
	}

	for {
		f, err := frame.ReadFrame(br, s.limits)
		if err != nil {
			return
		}
		req := Request{Type: f.Header.Type, Payload: f.Payload}
		s.mu.Lock()
		s.calls = append(s.calls, req.Type)
		handler := s.handlers[req.Type]
		s.mu.Unlock()
		if handler == nil {
			handler = s.defaultHandler
		}
		go s.respond(sc, f.Header, handler, req)
	}
}

func (s *Server) respond(sc *serverConn, h frame.Header, handler Handler, req Request) {
	reply, err := handler(req)
	out := frame.Frame{
		Header: frame.Header{
			RequestID: h.RequestID,
			Type:      h.Type,
			Flags:     frame.FlagIsResponse,
		},
	}
	if err != nil {
		out.Header.Flags |= frame.FlagIsError
		out.Payload, _ = json.Marshal(protocol.ErrorReply{Error: err.Error()})
	} else {
		out.Payload, _ = json.Marshal(reply)
	}
	sc.writeFrame(out, s.limits)
}

func (sc *serverConn) writeFrame(f frame.Frame, limits frame.Limits) {
	sc.writeMu.Lock()
	defer sc.writeMu.Unlock()
	_ = frame.WriteFrame(sc.conn, f, limits)
}

func (s *Server) defaultHandler(req Request) (any, error) {
	switch req.Type {
	case protocol.MsgQueryMetadata:
		return protocol.Metadata{
			Arch:     runtime.GOARCH,
			Platform: runtime.GOOS,
			OS:       protocol.OSInfo{ID: runtime.GOOS, Name: runtime.GOOS, Version: "0"},
			Name:     "fakeserver",
			Access:   "full",
		}, nil
	case protocol.MsgEnumerateProcesses:
		return protocol.ProcessList{Processes: []protocol.ProcessInfo{
			{PID: os.Getpid(), Name: "tapctl.test"},
		}}, nil
	case protocol.MsgEnumerateApplications:
		return protocol.ApplicationList{Applications: []protocol.ApplicationInfo{
			{Identifier: "com.tapwire.demo", Name: "Demo"},
		}}, nil
	case protocol.MsgSpawn:
		var r protocol.SpawnRequest
		if err := json.Unmarshal(req.Payload, &r); err != nil {
			return nil, err
		}
		if err := r.Validate(); err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.nextPID++
		s.nextSession++
		rep := protocol.SpawnReply{PID: s.nextPID, SessionID: s.nextSession}
		s.mu.Unlock()
		return rep, nil
	case protocol.MsgAttach:
		var r protocol.AttachRequest
		if err := json.Unmarshal(req.Payload, &r); err != nil {
			return nil, err
		}
		if err := r.Validate(); err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.nextSession++
		rep := protocol.AttachReply{SessionID: s.nextSession}
		s.mu.Unlock()
		return rep, nil
	case protocol.MsgCreateScript:
		var r protocol.CreateScriptRequest
		if err := json.Unmarshal(req.Payload, &r); err != nil {
			return nil, err
		}
		if err := r.Validate(); err != nil {
			return nil, err
		}
		return struct{}{}, nil
	case protocol.MsgResume, protocol.MsgKill, protocol.MsgDetach, protocol.MsgDestroyScript:
		var r protocol.SessionRequest
		if err := json.Unmarshal(req.Payload, &r); err != nil {
			return nil, err
		}
		if err := r.Validate(); err != nil {
			return nil, err
		}
		return struct{}{}, nil
	default:
		return nil, errors.New("unhandled message type " + req.Type.String())
	}
}
