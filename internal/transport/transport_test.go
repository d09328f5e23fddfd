package transport

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestSendReceive(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	payloads := [][]byte{
		[]byte("hello"),
		{},
		bytes.Repeat([]byte{0xEE}, 100_000),
	}

	go func() {
		for _, p := range payloads {
			Send(client, p)
		}
	}()

	for i, want := range payloads {
		got := Receive(server)
		if got == nil {
			t.Fatalf("payload %d: receive returned nil", i)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("payload %d: got %d bytes, want %d", i, len(got), len(want))
		}
	}
}

func TestReceiveClosedConnection(t *testing.T) {
	client, server := net.Pipe()
	client.Close()
	if got := Receive(server); got != nil {
		t.Fatalf("expected nil on closed connection, got %d bytes", len(got))
	}
}

func TestReceiveOversizeFrame(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		// A header declaring more than maxFrameSize bytes.
		client.Write([]byte{0xFF, 0xFF, 0xFF, 0xFF})
	}()
	if got := Receive(server); got != nil {
		t.Fatal("oversize frame should be rejected")
	}
}

func TestManagerLifecycle(t *testing.T) {
	accepted := make(chan net.Conn, 1)
	m := NewManager(func(c net.Conn) { accepted <- c }, zerolog.Nop())

	if !m.Start(0) {
		t.Fatal("start on an ephemeral port should succeed")
	}
	defer m.Stop()

	conn, err := net.Dial("tcp", m.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	select {
	case c := <-accepted:
		c.Close()
	case <-time.After(2 * time.Second):
		t.Fatal("connection was not handed to the callback")
	}
}

func TestManagerStopUnblocksAccept(t *testing.T) {
	m := NewManager(func(c net.Conn) { c.Close() }, zerolog.Nop())
	if !m.Start(0) {
		t.Fatal("start failed")
	}

	done := make(chan struct{})
	go func() {
		m.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not join the accept loop")
	}
}

func TestStartTwiceFails(t *testing.T) {
	m := NewManager(func(c net.Conn) { c.Close() }, zerolog.Nop())
	if !m.Start(0) {
		t.Fatal("first start failed")
	}
	defer m.Stop()
	if m.Start(0) {
		t.Fatal("second start should fail while running")
	}
}
