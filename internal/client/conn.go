package client

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tapwire/tapctl/internal/protocol"
	"github.com/tapwire/tapctl/internal/protocol/frame"
	"github.com/tapwire/tapctl/internal/protocol/handshake"
	"github.com/tapwire/tapctl/internal/scriptgen"
)

// Options configures Dial. Host is used for dialing unless Stream supplies
// a pre-established duplex connection, in which case Host is only a label.
// A Stream that does not implement net.Conn is closed outright if the
// handshake exceeds Config.HandshakeTimeout.
type Options struct {
	Host       string
	Stream     io.ReadWriteCloser
	ClientName string
	Config     Config
}

// Connection is one live client relationship with a tapwire server. It is
// safe for concurrent use; a single reader goroutine demultiplexes every
// inbound frame into either a pending call or a session/script event.
type Connection struct {
	cfg    Config
	host   string
	stream io.ReadWriteCloser
	br     *bufio.Reader
	limits frame.Limits
	log    zerolog.Logger

	writeMu sync.Mutex
	nextID  atomic.Uint64

	mu       sync.Mutex
	pending  map[uint64]*pendingCall
	sessions map[uint64]*Session
	closed   bool
}

type pendingCall struct {
	method protocol.MsgType
	ch     chan callResult
}

type callResult struct {
	payload json.RawMessage
	err     error
}

// Dial opens a connection, performs the handshake, and starts the reader
// loop. Dial and handshake failures surface as *ConnectionError.
func Dial(ctx context.Context, opts Options) (*Connection, error) {
	cfg := opts.Config.WithDefaults()
	host := strings.TrimSpace(opts.Host)
	if host == "" {
		host = DefaultHost
	}
	clientName := strings.TrimSpace(opts.ClientName)
	if clientName == "" {
		clientName = "tapctl"
	}

	stream := opts.Stream
	if stream == nil {
		dialer := net.Dialer{Timeout: cfg.ConnectTimeout}
		conn, err := dialer.DialContext(ctx, "tcp", host)
		if err != nil {
			return nil, &ConnectionError{Op: "dial " + host, Err: err}
		}
		stream = conn
	}

	c := &Connection{
		cfg:      cfg,
		host:     host,
		stream:   stream,
		br:       bufio.NewReader(stream),
		limits:   frame.DefaultLimits(),
		log:      log.With().Str("component", "client").Str("host", host).Logger(),
		pending:  make(map[uint64]*pendingCall),
		sessions: make(map[uint64]*Session),
	}

	if err := c.performHandshake(clientName); err != nil {
		_ = stream.Close()
		return nil, err
	}

	go c.readLoop()
	return c, nil
}

func (c *Connection) performHandshake(clientName string) error {
	deadline := time.Now().Add(c.cfg.HandshakeTimeout)
	if nc, ok := c.stream.(net.Conn); ok {
		_ = nc.SetDeadline(deadline)
		defer func() { _ = nc.SetDeadline(time.Time{}) }()
	} else {
		// Supplied streams without deadline support get closed instead,
		// so a silent server cannot hang the handshake.
		timer := time.AfterFunc(c.cfg.HandshakeTimeout, func() { _ = c.stream.Close() })
		defer timer.Stop()
	}

	hello := handshake.Hello{Version: protocol.Version, Client: clientName}
	if err := handshake.WriteHello(c.stream, hello); err != nil {
		return &ConnectionError{Op: "handshake", Err: err}
	}
	ack, err := handshake.ReadHelloAck(c.br)
	if err != nil {
		return &ConnectionError{Op: "handshake", Err: err}
	}
	if !ack.Accepted() {
		return &ConnectionError{
			Op:  "handshake",
			Err: fmt.Errorf("server rejected hello (status=%s version=%d): %s", ack.Status, ack.Version, ack.Message),
		}
	}
	return nil
}

// Host returns the nominal host label for this connection.
func (c *Connection) Host() string { return c.host }

// Close disconnects. Every pending call is rejected with
// ErrConnectionClosed and every session is marked ended (detached, not
// killed). Close is idempotent and the connection is not reusable.
func (c *Connection) Close() error {
	c.shutdown(nil)
	return nil
}

func (c *Connection) shutdown(cause error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	pending := c.pending
	c.pending = make(map[uint64]*pendingCall)
	sessions := make([]*Session, 0, len(c.sessions))
	for _, sess := range c.sessions {
		sessions = append(sessions, sess)
	}
	c.sessions = make(map[uint64]*Session)
	c.mu.Unlock()

	if cause != nil {
		c.log.Warn().Err(cause).Msg("connection failed")
	}
	for _, pc := range pending {
		pc.ch <- callResult{err: ErrConnectionClosed}
	}
	for _, sess := range sessions {
		sess.endLocal("connection closed")
	}
	_ = c.stream.Close()
}

// call correlates one control request with its eventual reply frame.
func (c *Connection) call(ctx context.Context, typ protocol.MsgType, req any) (json.RawMessage, error) {
	var payload []byte
	if req != nil {
		var err error
		payload, err = json.Marshal(req)
		if err != nil {
			return nil, fmt.Errorf("client: encode %s: %w", typ, err)
		}
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrConnectionClosed
	}
	id := c.nextID.Add(1)
	pc := &pendingCall{method: typ, ch: make(chan callResult, 1)}
	c.pending[id] = pc
	c.mu.Unlock()

	f := frame.Frame{
		Header:  frame.Header{RequestID: id, Type: typ},
		Payload: payload,
	}
	if err := c.writeFrame(f); err != nil {
		c.shutdown(err)
		return nil, fmt.Errorf("%w: %v", ErrConnectionClosed, err)
	}

	select {
	case res := <-pc.ch:
		return res.payload, res.err
	case <-ctx.Done():
		c.forget(id)
		return nil, ctx.Err()
	}
}

func (c *Connection) writeFrame(f frame.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if nc, ok := c.stream.(net.Conn); ok && c.cfg.WriteTimeout > 0 {
		_ = nc.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
		defer func() { _ = nc.SetWriteDeadline(time.Time{}) }()
	}
	return frame.WriteFrame(c.stream, f, c.limits)
}

func (c *Connection) forget(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Connection) readLoop() {
	for {
		f, err := frame.ReadFrame(c.br, c.limits)
		if err != nil {
			c.shutdown(err)
			return
		}
		switch {
		case f.Header.Flags&frame.FlagIsResponse != 0:
			c.dispatchReply(f)
		case f.Header.Flags&frame.FlagIsEvent != 0:
			c.dispatchEvent(f)
		default:
			c.log.Warn().
				Uint64("request_id", f.Header.RequestID).
				Stringer("type", f.Header.Type).
				Msg("frame with no routing flags dropped")
		}
	}
}

func (c *Connection) dispatchReply(f frame.Frame) {
	c.mu.Lock()
	pc, ok := c.pending[f.Header.RequestID]
	if ok {
		delete(c.pending, f.Header.RequestID)
	}
	c.mu.Unlock()
	if !ok {
		// Protocol violation: never silently dropped.
		c.log.Warn().
			Uint64("request_id", f.Header.RequestID).
			Stringer("type", f.Header.Type).
			Msg("reply with unknown correlation id")
		return
	}

	if f.Header.Flags&frame.FlagIsError != 0 {
		var rep protocol.ErrorReply
		msg := "unspecified error"
		if err := json.Unmarshal(f.Payload, &rep); err == nil && strings.TrimSpace(rep.Error) != "" {
			msg = rep.Error
		}
		pc.ch <- callResult{err: &RpcError{Method: pc.method.String(), Message: msg}}
		return
	}
	pc.ch <- callResult{payload: f.Payload}
}

func (c *Connection) dispatchEvent(f frame.Frame) {
	switch f.Header.Type {
	case protocol.EvtScriptMessage:
		var ev protocol.ScriptMessageEvent
		if err := json.Unmarshal(f.Payload, &ev); err != nil {
			c.log.Warn().Err(err).Msg("malformed script-message event")
			return
		}
		if err := ev.Validate(); err != nil {
			c.log.Warn().Err(err).Msg("invalid script-message event")
			return
		}
		sess := c.sessionByID(ev.SessionID)
		if sess == nil {
			c.log.Debug().Uint64("session_id", ev.SessionID).Msg("event for unknown session dropped")
			return
		}
		script := sess.scriptByID(ev.ScriptID)
		if script == nil {
			c.log.Debug().Str("script_id", ev.ScriptID).Msg("event for unknown script dropped")
			return
		}
		msg, err := DecodeMessage(ev.Message)
		if err != nil {
			c.log.Warn().Err(err).Str("script_id", ev.ScriptID).Msg("undecodable script message dropped")
			return
		}
		script.enqueue(msg)

	case protocol.EvtSessionDetached:
		var ev protocol.SessionDetachedEvent
		if err := json.Unmarshal(f.Payload, &ev); err != nil {
			c.log.Warn().Err(err).Msg("malformed session-detached event")
			return
		}
		sess := c.sessionByID(ev.SessionID)
		if sess == nil {
			return
		}
		c.removeSession(ev.SessionID)
		sess.endLocal(ev.Reason)

	default:
		c.log.Warn().Stringer("type", f.Header.Type).Msg("unknown event type dropped")
	}
}

func (c *Connection) sessionByID(id uint64) *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessions[id]
}

func (c *Connection) liveSessionByPID(pid int) *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, sess := range c.sessions {
		if sess.pid == pid {
			return sess
		}
	}
	return nil
}

func (c *Connection) registerSession(sess *Session) {
	c.mu.Lock()
	c.sessions[sess.id] = sess
	c.mu.Unlock()
}

func (c *Connection) removeSession(id uint64) {
	c.mu.Lock()
	delete(c.sessions, id)
	c.mu.Unlock()
}

// QueryMetadata fetches the server/host snapshot.
func (c *Connection) QueryMetadata(ctx context.Context) (protocol.Metadata, error) {
	payload, err := c.call(ctx, protocol.MsgQueryMetadata, nil)
	if err != nil {
		return protocol.Metadata{}, err
	}
	var meta protocol.Metadata
	if err := json.Unmarshal(payload, &meta); err != nil {
		return protocol.Metadata{}, fmt.Errorf("client: decode metadata: %w", err)
	}
	return meta, nil
}

// EnumerateProcesses lists processes visible to the server.
func (c *Connection) EnumerateProcesses(ctx context.Context) ([]protocol.ProcessInfo, error) {
	payload, err := c.call(ctx, protocol.MsgEnumerateProcesses, nil)
	if err != nil {
		return nil, err
	}
	var list protocol.ProcessList
	if err := json.Unmarshal(payload, &list); err != nil {
		return nil, fmt.Errorf("client: decode process list: %w", err)
	}
	return list.Processes, nil
}

// EnumerateApplications lists installed applications known to the server.
func (c *Connection) EnumerateApplications(ctx context.Context) ([]protocol.ApplicationInfo, error) {
	payload, err := c.call(ctx, protocol.MsgEnumerateApplications, nil)
	if err != nil {
		return nil, err
	}
	var list protocol.ApplicationList
	if err := json.Unmarshal(payload, &list); err != nil {
		return nil, fmt.Errorf("client: decode application list: %w", err)
	}
	return list.Applications, nil
}

// SpawnWithScript spawns path suspended, loads source into it, and only
// after the load is acknowledged issues resume. If the load fails the
// target is left suspended and never resumed by this call.
func (c *Connection) SpawnWithScript(ctx context.Context, path string, args []string, source string) (*Session, error) {
	req := protocol.SpawnRequest{Path: path, Args: args}
	if err := req.Validate(); err != nil {
		return nil, &SpawnError{Path: path, Err: err}
	}
	payload, err := c.call(ctx, protocol.MsgSpawn, req)
	if err != nil {
		return nil, &SpawnError{Path: path, Err: err}
	}
	var rep protocol.SpawnReply
	if err := json.Unmarshal(payload, &rep); err != nil {
		return nil, &SpawnError{Path: path, Err: fmt.Errorf("decode spawn reply: %w", err)}
	}

	sess := newSession(c, rep.SessionID, rep.PID, StateSpawned)
	c.registerSession(sess)

	if _, err := c.loadScript(ctx, sess, source); err != nil {
		c.removeSession(sess.id)
		sess.endLocal("script load failed")
		return nil, err
	}

	if _, err := c.call(ctx, protocol.MsgResume, protocol.SessionRequest{SessionID: sess.id}); err != nil {
		c.removeSession(sess.id)
		sess.endLocal("resume failed")
		return nil, err
	}
	sess.setState(StateResumed)
	return sess, nil
}

// AttachToProcess attaches to an already-running target without
// suspending it.
func (c *Connection) AttachToProcess(ctx context.Context, pid int) (*Session, error) {
	req := protocol.AttachRequest{PID: pid}
	if err := req.Validate(); err != nil {
		return nil, &AttachError{PID: pid, Err: err}
	}
	payload, err := c.call(ctx, protocol.MsgAttach, req)
	if err != nil {
		return nil, &AttachError{PID: pid, Err: err}
	}
	var rep protocol.AttachReply
	if err := json.Unmarshal(payload, &rep); err != nil {
		return nil, &AttachError{PID: pid, Err: fmt.Errorf("decode attach reply: %w", err)}
	}
	sess := newSession(c, rep.SessionID, pid, StateAttached)
	c.registerSession(sess)
	return sess, nil
}

// InjectIntoProcess attaches to pid (reusing a live session when one
// exists) and loads source as a new script.
func (c *Connection) InjectIntoProcess(ctx context.Context, pid int, source string) (*Session, *Script, error) {
	sess := c.liveSessionByPID(pid)
	if sess == nil {
		var err error
		sess, err = c.AttachToProcess(ctx, pid)
		if err != nil {
			return nil, nil, err
		}
	}
	script, err := c.loadScript(ctx, sess, source)
	if err != nil {
		return nil, nil, err
	}
	return sess, script, nil
}

// InjectIntoNodeJSProcess wraps code so it runs inside the target's own
// Node.js execution context, then injects the wrapper.
func (c *Connection) InjectIntoNodeJSProcess(ctx context.Context, pid int, code string) (*Session, *Script, error) {
	return c.InjectIntoProcess(ctx, pid, scriptgen.NodeWrapper(code))
}

func (c *Connection) loadScript(ctx context.Context, sess *Session, source string) (*Script, error) {
	script, err := sess.newScript()
	if err != nil {
		return nil, &ScriptLoadError{Err: err}
	}
	req := protocol.CreateScriptRequest{
		SessionID: sess.id,
		ScriptID:  script.id,
		Source:    source,
	}
	if err := req.Validate(); err != nil {
		sess.dropScript(script)
		return nil, &ScriptLoadError{Err: err}
	}
	if _, err := c.call(ctx, protocol.MsgCreateScript, req); err != nil {
		sess.dropScript(script)
		return nil, &ScriptLoadError{Err: err}
	}
	script.setState(ScriptLoaded)
	return script, nil
}
