package client

import (
	"context"
	"errors"
	"runtime"
	"testing"
	"time"

	"github.com/tapwire/tapctl/internal/protocol"
	"github.com/tapwire/tapctl/internal/testutil/fakeserver"
	"github.com/tapwire/tapctl/internal/testutil/testlog"
)

func dialTest(t *testing.T, srv *fakeserver.Server) *Connection {
	t.Helper()
	conn, err := Dial(context.Background(), Options{Host: srv.Addr()})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestDialAndQueryMetadata(t *testing.T) {
	testlog.Start(t)
	srv := fakeserver.Start(t)
	conn := dialTest(t, srv)

	meta, err := conn.QueryMetadata(context.Background())
	if err != nil {
		t.Fatalf("query metadata: %v", err)
	}
	if meta.Access != "full" {
		t.Fatalf("access = %q, want full", meta.Access)
	}
	if meta.Arch != runtime.GOARCH || meta.Platform != runtime.GOOS {
		t.Fatalf("host mismatch: %+v", meta)
	}
}

func TestDialRefusedEndpoint(t *testing.T) {
	testlog.Start(t)
	// Reserve a port and close it so nothing is listening there.
	srv := fakeserver.Start(t)
	addr := srv.Addr()
	srv.Close()

	_, err := Dial(context.Background(), Options{Host: addr, Config: Config{ConnectTimeout: time.Second}})
	var connErr *ConnectionError
	if !errors.As(err, &connErr) {
		t.Fatalf("expected *ConnectionError, got %v", err)
	}
}

func TestDialHandshakeRejected(t *testing.T) {
	testlog.Start(t)
	srv := fakeserver.Start(t, fakeserver.WithHelloRejection("version too old"))

	_, err := Dial(context.Background(), Options{Host: srv.Addr()})
	var connErr *ConnectionError
	if !errors.As(err, &connErr) {
		t.Fatalf("expected *ConnectionError, got %v", err)
	}
	if connErr.Op != "handshake" {
		t.Fatalf("op = %q, want handshake", connErr.Op)
	}
}

func TestTwoIndependentConnections(t *testing.T) {
	testlog.Start(t)
	good := fakeserver.Start(t)
	bad := fakeserver.Start(t, fakeserver.WithHelloRejection("nope"))

	if _, err := Dial(context.Background(), Options{Host: bad.Addr()}); err == nil {
		t.Fatal("expected rejection from bad endpoint")
	}
	conn := dialTest(t, good)
	if _, err := conn.QueryMetadata(context.Background()); err != nil {
		t.Fatalf("good endpoint affected by bad one: %v", err)
	}
}

func TestEnumerateProcessesIncludesSelf(t *testing.T) {
	testlog.Start(t)
	srv := fakeserver.Start(t)
	conn := dialTest(t, srv)

	procs, err := conn.EnumerateProcesses(context.Background())
	if err != nil {
		t.Fatalf("enumerate processes: %v", err)
	}
	if len(procs) == 0 {
		t.Fatal("empty process list")
	}
	found := false
	for _, p := range procs {
		if p.Name == "tapctl.test" {
			found = true
		}
	}
	if !found {
		t.Fatalf("own process missing from %v", procs)
	}
}

func TestEnumerateApplications(t *testing.T) {
	testlog.Start(t)
	srv := fakeserver.Start(t)
	conn := dialTest(t, srv)

	apps, err := conn.EnumerateApplications(context.Background())
	if err != nil {
		t.Fatalf("enumerate applications: %v", err)
	}
	if len(apps) != 1 || apps[0].Identifier != "com.tapwire.demo" {
		t.Fatalf("unexpected applications: %v", apps)
	}
}

func TestServerRejectionIsRpcError(t *testing.T) {
	testlog.Start(t)
	srv := fakeserver.Start(t)
	srv.Handle(protocol.MsgAttach, func(fakeserver.Request) (any, error) {
		return nil, errors.New("attach denied")
	})
	conn := dialTest(t, srv)

	_, err := conn.AttachToProcess(context.Background(), 1234)
	var attachErr *AttachError
	if !errors.As(err, &attachErr) {
		t.Fatalf("expected *AttachError, got %v", err)
	}
	var rpcErr *RpcError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("expected wrapped *RpcError, got %v", err)
	}
	if rpcErr.Message != "attach denied" {
		t.Fatalf("server message lost: %q", rpcErr.Message)
	}
}

func TestOutOfOrderRepliesCorrelate(t *testing.T) {
	testlog.Start(t)
	srv := fakeserver.Start(t)
	release := make(chan struct{})
	srv.Handle(protocol.MsgEnumerateProcesses, func(fakeserver.Request) (any, error) {
		<-release
		return protocol.ProcessList{Processes: []protocol.ProcessInfo{{PID: 1, Name: "slow"}}}, nil
	})
	conn := dialTest(t, srv)

	slow := make(chan error, 1)
	go func() {
		_, err := conn.EnumerateProcesses(context.Background())
		slow <- err
	}()

	// The second call completes while the first is still held open.
	if _, err := conn.QueryMetadata(context.Background()); err != nil {
		t.Fatalf("fast call blocked by slow call: %v", err)
	}
	close(release)
	if err := <-slow; err != nil {
		t.Fatalf("slow call: %v", err)
	}
}

func TestCloseRejectsPendingAndFutureCalls(t *testing.T) {
	testlog.Start(t)
	srv := fakeserver.Start(t)
	block := make(chan struct{})
	srv.Handle(protocol.MsgQueryMetadata, func(fakeserver.Request) (any, error) {
		<-block
		return protocol.Metadata{}, nil
	})
	defer close(block)
	conn := dialTest(t, srv)

	pending := make(chan error, 1)
	go func() {
		_, err := conn.QueryMetadata(context.Background())
		pending <- err
	}()
	// Let the call reach the wire before closing.
	waitForCalls(t, srv, 1)

	if err := conn.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := <-pending; !errors.Is(err, ErrConnectionClosed) {
		t.Fatalf("pending call got %v, want ErrConnectionClosed", err)
	}
	if _, err := conn.EnumerateProcesses(context.Background()); !errors.Is(err, ErrConnectionClosed) {
		t.Fatalf("post-close call got %v, want ErrConnectionClosed", err)
	}
}

func TestCloseEndsSessions(t *testing.T) {
	testlog.Start(t)
	srv := fakeserver.Start(t)
	conn := dialTest(t, srv)

	sess, err := conn.AttachToProcess(context.Background(), 4242)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	_ = conn.Close()
	if sess.State() != StateEnded {
		t.Fatalf("session state = %v, want ended", sess.State())
	}
}

func TestCallContextCancellation(t *testing.T) {
	testlog.Start(t)
	srv := fakeserver.Start(t)
	block := make(chan struct{})
	srv.Handle(protocol.MsgQueryMetadata, func(fakeserver.Request) (any, error) {
		<-block
		return protocol.Metadata{}, nil
	})
	defer close(block)
	conn := dialTest(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := conn.QueryMetadata(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
	// The connection survives a caller-side timeout.
	if _, err := conn.EnumerateProcesses(context.Background()); err != nil {
		t.Fatalf("connection unusable after cancellation: %v", err)
	}
}

func waitForCalls(t *testing.T, srv *fakeserver.Server, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(srv.Calls()) >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("server never saw %d calls (got %v)", n, srv.Calls())
}
