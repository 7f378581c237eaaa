package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/tapwire/tapctl/internal/protocol"
	"github.com/tapwire/tapctl/internal/protocol/frame"
	"github.com/tapwire/tapctl/internal/protocol/handshake"
	"github.com/tapwire/tapctl/internal/testutil/testlog"
)

// A pre-established stream is accepted in place of dialing; the host
// option becomes a label only.
func TestDialWithSuppliedStream(t *testing.T) {
	testlog.Start(t)

	clientEnd, serverEnd := net.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer serverEnd.Close()
		br := bufio.NewReader(serverEnd)
		if _, err := handshake.ReadHello(br); err != nil {
			return
		}
		ack := handshake.HelloAck{Status: handshake.AckStatusAccepted, Version: protocol.Version}
		if err := handshake.WriteHelloAck(serverEnd, ack); err != nil {
			return
		}
		f, err := frame.ReadFrame(br, frame.DefaultLimits())
		if err != nil {
			return
		}
		payload, _ := json.Marshal(protocol.Metadata{Arch: "arm64", Platform: "linux", Access: "full"})
		_ = frame.WriteFrame(serverEnd, frame.Frame{
			Header: frame.Header{
				RequestID: f.Header.RequestID,
				Type:      f.Header.Type,
				Flags:     frame.FlagIsResponse,
			},
			Payload: payload,
		}, frame.DefaultLimits())
	}()

	conn, err := Dial(context.Background(), Options{Host: "lab-device", Stream: clientEnd})
	if err != nil {
		t.Fatalf("dial over stream: %v", err)
	}
	defer conn.Close()

	if conn.Host() != "lab-device" {
		t.Fatalf("host label = %q", conn.Host())
	}
	meta, err := conn.QueryMetadata(context.Background())
	if err != nil {
		t.Fatalf("query metadata: %v", err)
	}
	if meta.Arch != "arm64" || meta.Access != "full" {
		t.Fatalf("unexpected metadata: %+v", meta)
	}
	<-done
}

// A reply frame whose correlation id matches no pending call is logged
// and dropped; the connection keeps working.
func TestReplyWithUnknownCorrelationIDIsAbsorbed(t *testing.T) {
	testlog.Start(t)

	clientEnd, serverEnd := net.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer serverEnd.Close()
		br := bufio.NewReader(serverEnd)
		if _, err := handshake.ReadHello(br); err != nil {
			return
		}
		ack := handshake.HelloAck{Status: handshake.AckStatusAccepted, Version: protocol.Version}
		if err := handshake.WriteHelloAck(serverEnd, ack); err != nil {
			return
		}

		// Stray reply for a call that was never issued.
		_ = frame.WriteFrame(serverEnd, frame.Frame{
			Header: frame.Header{
				RequestID: 9999,
				Type:      protocol.MsgAttach,
				Flags:     frame.FlagIsResponse,
			},
			Payload: []byte(`{"session_id":1}`),
		}, frame.DefaultLimits())

		f, err := frame.ReadFrame(br, frame.DefaultLimits())
		if err != nil {
			return
		}
		payload, _ := json.Marshal(protocol.Metadata{Arch: "arm64", Platform: "linux", Access: "full"})
		_ = frame.WriteFrame(serverEnd, frame.Frame{
			Header: frame.Header{
				RequestID: f.Header.RequestID,
				Type:      f.Header.Type,
				Flags:     frame.FlagIsResponse,
			},
			Payload: payload,
		}, frame.DefaultLimits())
	}()

	conn, err := Dial(context.Background(), Options{Host: "lab-device", Stream: clientEnd})
	if err != nil {
		t.Fatalf("dial over stream: %v", err)
	}
	defer conn.Close()

	// The stray reply precedes this call's reply on the wire, so success
	// here proves the unknown-id frame was absorbed without killing the
	// connection.
	meta, err := conn.QueryMetadata(context.Background())
	if err != nil {
		t.Fatalf("query metadata after stray reply: %v", err)
	}
	if meta.Access != "full" {
		t.Fatalf("unexpected metadata: %+v", meta)
	}
	<-done
}

// rwcOnly hides the net.Conn deadline methods of the wrapped pipe.
type rwcOnly struct {
	io.ReadWriteCloser
}

func TestHandshakeTimeoutOnSuppliedStreamWithoutDeadlines(t *testing.T) {
	testlog.Start(t)

	clientEnd, serverEnd := net.Pipe()
	defer serverEnd.Close()
	// The server never reads nor answers.

	_, err := Dial(context.Background(), Options{
		Host:   "silent-device",
		Stream: rwcOnly{clientEnd},
		Config: Config{HandshakeTimeout: 50 * time.Millisecond},
	})
	var connErr *ConnectionError
	if !errors.As(err, &connErr) {
		t.Fatalf("expected *ConnectionError, got %v", err)
	}
	if connErr.Op != "handshake" {
		t.Fatalf("op = %q, want handshake", connErr.Op)
	}
}
