package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/sysguard/remote/internal/backend"
	"github.com/sysguard/remote/internal/broker"
	"github.com/sysguard/remote/internal/cipher"
	"github.com/sysguard/remote/internal/config"
	"github.com/sysguard/remote/internal/session"
	"github.com/sysguard/remote/internal/store"
	"github.com/sysguard/remote/internal/transport"
)

// memStore is an in-memory Store for façade tests.
type memStore struct {
	mu       sync.Mutex
	users    map[string]string
	sessions map[string]*store.SessionRecord
}

func newMemStore() *memStore {
	return &memStore{
		users:    map[string]string{"admin": "secret"},
		sessions: make(map[string]*store.SessionRecord),
	}
}

func (m *memStore) CreateUser(_ context.Context, username, credential string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[username] = credential
	return nil
}

func (m *memStore) Verify(_ context.Context, username, credential string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.users[username] == credential, nil
}

func (m *memStore) DeleteUser(_ context.Context, username string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.users, username)
	return nil
}

func (m *memStore) ListUsers(_ context.Context) ([]*store.UserRecord, error) { return nil, nil }

func (m *memStore) RecordSessionOpen(_ context.Context, rec *store.SessionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[rec.ID] = rec
	return nil
}

func (m *memStore) RecordSessionClose(_ context.Context, id string, closedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.sessions[id]; ok {
		rec.ClosedAt = &closedAt
	}
	return nil
}

func (m *memStore) ListSessions(_ context.Context, _ int) ([]*store.SessionRecord, error) {
	return nil, nil
}

func (m *memStore) Close() error { return nil }

func (m *memStore) closedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, rec := range m.sessions {
		if rec.ClosedAt != nil {
			n++
		}
	}
	return n
}

func streamCipher(t *testing.T) NewCipherFunc {
	t.Helper()
	key := bytes.Repeat([]byte{0x42}, cipher.KeySize)
	return func(net.Conn) (cipher.Cipher, error) { return cipher.NewStream(key) }
}

func newTestServer(t *testing.T, opts Options) *Server {
	t.Helper()
	if opts.Module == "" {
		opts.Module = "RemoteDesktopServer"
	}
	if opts.Store == nil {
		opts.Store = newMemStore()
	}
	if opts.Backend == nil {
		opts.Backend = backend.NewTestPattern(4, 4, zerolog.Nop())
	}
	if opts.NewCipher == nil {
		opts.NewCipher = streamCipher(t)
	}
	// Port 0 binds ephemeral ports so tests never collide.
	cfg := config.Default()
	cfg.Port = 0
	cfg.IPCPort = 0
	cfg.AgentID = "agent-test"
	opts.Config = cfg
	opts.Log = zerolog.Nop()

	s := New(opts)
	t.Cleanup(s.Shutdown)
	return s
}

func dial(t *testing.T, s *Server) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", s.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestSessionRegistryInvariant(t *testing.T) {
	s := newTestServer(t, Options{})

	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()
	sess := session.New(server, session.Options{Log: zerolog.Nop()})

	if !s.AddSession(sess) {
		t.Fatal("AddSession returned false")
	}
	if s.AddSession(sess) {
		t.Fatal("duplicate AddSession succeeded")
	}
	if got := s.SessionCount(); got != 1 {
		t.Fatalf("count = %d, want 1", got)
	}
	if !s.RemoveSession(sess.ID) {
		t.Fatal("RemoveSession returned false for a registered session")
	}
	if s.RemoveSession(sess.ID) {
		t.Fatal("RemoveSession succeeded for an unregistered id")
	}
	if got := s.SessionCount(); got != 0 {
		t.Fatalf("count = %d, want 0", got)
	}
}

func TestStartStop(t *testing.T) {
	s := newTestServer(t, Options{})
	if s.Running() {
		t.Fatal("running before Start")
	}
	if !s.Start() {
		t.Fatal("Start returned false")
	}
	if s.Start() {
		t.Fatal("second Start succeeded")
	}
	if !s.Running() {
		t.Fatal("not running after Start")
	}
	s.Stop()
	if s.Running() {
		t.Fatal("running after Stop")
	}
	s.Stop() // idempotent
}

func TestSessionCountTracksConnections(t *testing.T) {
	ms := newMemStore()
	s := newTestServer(t, Options{Store: ms})
	s.Start()

	c1 := dial(t, s)
	c2 := dial(t, s)
	waitFor(t, func() bool { return s.SessionCount() == 2 })

	c1.Close()
	waitFor(t, func() bool { return s.SessionCount() == 1 })
	waitFor(t, func() bool { return ms.closedCount() == 1 })

	_ = c2
	s.Stop()
	waitFor(t, func() bool { return s.SessionCount() == 0 })
}

func TestStatusReflectsSetPort(t *testing.T) {
	s := newTestServer(t, Options{})

	// The argument may carry a space after the colon.
	res := s.ExecuteCommand("setport: 9999")
	var ok struct {
		Success bool `json:"success"`
	}
	if err := json.Unmarshal([]byte(res), &ok); err != nil || !ok.Success {
		t.Fatalf("setport result = %s", res)
	}

	var status struct {
		Running  bool `json:"running"`
		Port     int  `json:"port"`
		Sessions int  `json:"sessions"`
	}
	if err := json.Unmarshal([]byte(s.ExecuteCommand("status")), &status); err != nil {
		t.Fatalf("status parse: %v", err)
	}
	if status.Port != 9999 || status.Running || status.Sessions != 0 {
		t.Fatalf("status = %+v", status)
	}
}

func TestSetPortRejectsInvalid(t *testing.T) {
	s := newTestServer(t, Options{})
	for _, cmd := range []string{"setport:0", "setport:-1", "setport:70000", "setport:abc"} {
		var res struct {
			Success bool   `json:"success"`
			Error   string `json:"error"`
		}
		if err := json.Unmarshal([]byte(s.ExecuteCommand(cmd)), &res); err != nil {
			t.Fatalf("%s: parse: %v", cmd, err)
		}
		if res.Success || res.Error == "" {
			t.Fatalf("%s accepted", cmd)
		}
	}
	if s.Port() != 0 {
		t.Fatalf("port changed to %d by invalid commands", s.Port())
	}
}

func TestUnknownCommand(t *testing.T) {
	s := newTestServer(t, Options{})
	res := s.ExecuteCommand("frobnicate")
	if !strings.Contains(res, `"success":false`) {
		t.Fatalf("unknown command result = %s", res)
	}
}

func TestListAndDisconnectSessions(t *testing.T) {
	s := newTestServer(t, Options{})
	s.Start()
	dial(t, s)
	dial(t, s)
	waitFor(t, func() bool { return s.SessionCount() == 2 })

	var listing struct {
		Success  bool `json:"success"`
		Sessions []struct {
			ID    string `json:"id"`
			State string `json:"state"`
		} `json:"sessions"`
	}
	if err := json.Unmarshal([]byte(s.ExecuteCommand("list_sessions")), &listing); err != nil {
		t.Fatalf("list_sessions parse: %v", err)
	}
	if !listing.Success || len(listing.Sessions) != 2 {
		t.Fatalf("listing = %+v", listing)
	}

	res := s.ExecuteCommand("disconnect_session:" + listing.Sessions[0].ID)
	if !strings.Contains(res, `"success":true`) {
		t.Fatalf("disconnect result = %s", res)
	}
	waitFor(t, func() bool { return s.SessionCount() == 1 })

	if res := s.ExecuteCommand("disconnect_session:nope"); !strings.Contains(res, `"success":false`) {
		t.Fatalf("disconnecting unknown session = %s", res)
	}

	if res := s.ExecuteCommand("disconnect_all"); !strings.Contains(res, `"success":true`) {
		t.Fatalf("disconnect_all = %s", res)
	}
	waitFor(t, func() bool { return s.SessionCount() == 0 })
}

func TestConsentHookRefusesSession(t *testing.T) {
	s := newTestServer(t, Options{
		RequestConsent: func(string) bool { return false },
	})
	s.Start()

	conn := dial(t, s)
	// The refused connection is closed without any frame.
	conn.SetReadDeadline(time.Now().Add(time.Second))
	if payload := transport.Receive(conn); payload != nil {
		t.Fatal("received data on refused connection")
	}
	if s.SessionCount() != 0 {
		t.Fatalf("refused connection registered a session")
	}
}

func TestBrokerCommandRoundTrip(t *testing.T) {
	b := broker.New(zerolog.Nop())
	b.Start()
	defer b.Stop()

	s := newTestServer(t, Options{Broker: b})
	if !s.RegisterWithAgentCore() {
		t.Fatal("RegisterWithAgentCore returned false")
	}

	var mu sync.Mutex
	var responses []broker.Message
	b.RegisterModule("AgentCore")
	b.RegisterHandler("AgentCore", func(msg broker.Message) {
		if msg.Type != broker.Response {
			return
		}
		mu.Lock()
		responses = append(responses, msg)
		mu.Unlock()
	})

	cmd := broker.NewCommand("AgentCore", "RemoteDesktopServer", "status")
	if !b.Send(cmd) {
		t.Fatal("send command")
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(responses) == 1
	})
	mu.Lock()
	resp := responses[0]
	mu.Unlock()

	if resp.CorrelationID == 0 {
		t.Fatal("response lacks correlation id")
	}
	var status struct {
		Running bool `json:"running"`
	}
	if err := json.Unmarshal([]byte(resp.Payload), &status); err != nil {
		t.Fatalf("response payload %q: %v", resp.Payload, err)
	}
	if status.Running {
		t.Fatal("stopped server reported running")
	}
}

func TestPeriodicStatusPublication(t *testing.T) {
	b := broker.New(zerolog.Nop())
	b.Start()
	defer b.Stop()

	s := newTestServer(t, Options{Broker: b, StatusInterval: 10 * time.Millisecond})
	s.RegisterWithAgentCore()

	var mu sync.Mutex
	var statuses []broker.Message
	b.RegisterModule("AgentCore")
	b.RegisterHandler("AgentCore", func(msg broker.Message) {
		if msg.Type != broker.Status {
			return
		}
		mu.Lock()
		statuses = append(statuses, msg)
		mu.Unlock()
	})

	s.Start()
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(statuses) >= 2
	})

	mu.Lock()
	payload := statuses[0].Payload
	mu.Unlock()
	var status struct {
		ID             string `json:"id"`
		Status         string `json:"status"`
		ActiveSessions int    `json:"activeSessions"`
		Version        string `json:"version"`
	}
	if err := json.Unmarshal([]byte(payload), &status); err != nil {
		t.Fatalf("status payload %q: %v", payload, err)
	}
	if status.ID != "agent-test" || status.Status != "running" || status.Version == "" {
		t.Fatalf("status = %+v", status)
	}
}

func TestIPCControlChannel(t *testing.T) {
	s := newTestServer(t, Options{})
	if !s.StartIPC() {
		t.Fatal("StartIPC returned false")
	}
	defer s.StopIPC()

	conn, err := net.Dial("tcp", s.IPCAddr().String())
	if err != nil {
		t.Fatalf("dial ipc: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("status\n")); err != nil {
		t.Fatalf("write command: %v", err)
	}
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	var status struct {
		Port *int `json:"port"`
	}
	if err := json.Unmarshal([]byte(line), &status); err != nil || status.Port == nil {
		t.Fatalf("ipc response %q: %v", line, err)
	}
}

func TestServerInfoCacheInvalidation(t *testing.T) {
	s := newTestServer(t, Options{})

	var info struct {
		Module string `json:"module"`
		Port   int    `json:"port"`
	}
	if err := json.Unmarshal([]byte(s.ServerInfo()), &info); err != nil {
		t.Fatalf("info parse: %v", err)
	}
	if info.Module != "RemoteDesktopServer" {
		t.Fatalf("info = %+v", info)
	}

	s.ExecuteCommand("setport:8123")
	if err := json.Unmarshal([]byte(s.ServerInfo()), &info); err != nil {
		t.Fatalf("info reparse: %v", err)
	}
	if info.Port != 8123 {
		t.Fatalf("cached info not invalidated: %+v", info)
	}
}

func TestShutdownCommand(t *testing.T) {
	s := newTestServer(t, Options{})
	s.Start()

	res := s.ExecuteCommand("shutdown")
	if !strings.Contains(res, `"success":true`) {
		t.Fatalf("shutdown result = %s", res)
	}
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown did not complete")
	}
	if s.Running() {
		t.Fatal("running after shutdown")
	}
}
