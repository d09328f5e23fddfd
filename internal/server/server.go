// Package server is the façade tying the remote access core together:
// it owns the listening transport, the session registry, the
// configuration, and the server's presence on the agent's message
// bus.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/sysguard/remote/internal/auth"
	"github.com/sysguard/remote/internal/backend"
	"github.com/sysguard/remote/internal/broker"
	"github.com/sysguard/remote/internal/cipher"
	"github.com/sysguard/remote/internal/config"
	"github.com/sysguard/remote/internal/metrics"
	"github.com/sysguard/remote/internal/session"
	"github.com/sysguard/remote/internal/store"
	"github.com/sysguard/remote/internal/transport"
	"github.com/sysguard/remote/internal/ui"
	"github.com/sysguard/remote/internal/version"
)

// DefaultStatusInterval paces the periodic status publication to the
// agent core.
const DefaultStatusInterval = 60 * time.Second

// NewCipherFunc establishes the transport cipher for one accepted
// connection, typically via key negotiation on the wire.
type NewCipherFunc func(conn net.Conn) (cipher.Cipher, error)

// Options configures a Server. Module, Backend, Store and NewCipher
// are required.
type Options struct {
	// Module is this server's name on the message bus, e.g.
	// "RemoteDesktopServer".
	Module string

	Config    config.ServerConfig
	Store     store.Store
	Broker    *broker.Broker // nil = standalone, no agent core
	Backend   backend.Backend
	NewCipher NewCipherFunc
	Clipboard session.Clipboard
	Theme     *ui.Service

	// RequestConsent is asked before each session is admitted. Nil
	// means always allow.
	RequestConsent func(remoteAddr string) bool

	Compress       bool
	StatusInterval time.Duration

	Log zerolog.Logger
}

// Server is the remote access server façade. All exported methods are
// safe for concurrent use.
type Server struct {
	opts Options
	log  zerolog.Logger

	auth      *auth.Manager
	transport *transport.Manager

	lifeMu  sync.Mutex // serialises Start/Stop
	running atomic.Bool

	cfgMu sync.Mutex
	cfg   config.ServerConfig

	sessMu   sync.RWMutex
	sessions map[string]*session.Session

	infoMu sync.Mutex
	info   string // cached ServerInfo JSON, empty = stale

	ipcLn net.Listener
	ipcWG sync.WaitGroup

	statusStop chan struct{}
	statusWG   sync.WaitGroup

	shutdownOnce sync.Once
	shutdown     chan struct{}
}

// New builds a stopped server.
func New(opts Options) *Server {
	if opts.StatusInterval <= 0 {
		opts.StatusInterval = DefaultStatusInterval
	}
	s := &Server{
		opts:     opts,
		log:      opts.Log.With().Str("component", "server").Str("module", opts.Module).Logger(),
		cfg:      opts.Config,
		sessions: make(map[string]*session.Session),
		shutdown: make(chan struct{}),
	}
	s.auth = auth.NewManager(opts.Store, opts.Log)
	s.transport = transport.NewManager(s.handleConnection, opts.Log)
	return s
}

// Start binds the service port and begins accepting sessions. Returns
// false when the bind fails or the server is already running.
func (s *Server) Start() bool {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	if s.running.Load() {
		return false
	}
	s.cfgMu.Lock()
	port := s.cfg.Port
	s.cfgMu.Unlock()

	if !s.transport.Start(port) {
		return false
	}
	s.running.Store(true)
	s.invalidateInfo()

	s.statusStop = make(chan struct{})
	s.statusWG.Add(1)
	go s.statusLoop()

	s.log.Info().Int("port", port).Msg("server started")
	return true
}

// Stop closes the listener, disconnects every session, and halts the
// status publisher. Idempotent.
func (s *Server) Stop() {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	if !s.running.CompareAndSwap(true, false) {
		return
	}
	s.transport.Stop()
	close(s.statusStop)
	s.statusWG.Wait()
	s.disconnectAll()
	s.invalidateInfo()
	s.log.Info().Msg("server stopped")
}

// Shutdown stops the server and releases control channels. Used by
// the shutdown command and process teardown.
func (s *Server) Shutdown() {
	s.shutdownOnce.Do(func() {
		s.Stop()
		s.StopIPC()
		if s.opts.Broker != nil {
			s.opts.Broker.UnregisterModule(s.opts.Module)
		}
		close(s.shutdown)
	})
}

// Done is closed once Shutdown has completed. Process mains block on
// it alongside their signal channel.
func (s *Server) Done() <-chan struct{} { return s.shutdown }

// Running reports whether the service port is accepting sessions.
func (s *Server) Running() bool { return s.running.Load() }

// Addr returns the bound service address, or nil when stopped.
func (s *Server) Addr() net.Addr { return s.transport.Addr() }

// handleConnection admits one accepted connection off the accept
// goroutine, so a slow cipher handshake never stalls other clients.
func (s *Server) handleConnection(conn net.Conn) {
	go s.admit(conn)
}

// admit runs the admission sequence: consent check, cipher
// establishment, session registration, loop launch.
func (s *Server) admit(conn net.Conn) {
	remote := conn.RemoteAddr().String()
	if s.opts.RequestConsent != nil && !s.opts.RequestConsent(remote) {
		s.log.Warn().Str("remote", remote).Msg("session refused by consent hook")
		_ = conn.Close()
		return
	}

	c, err := s.opts.NewCipher(conn)
	if err != nil {
		s.log.Warn().Err(err).Str("remote", remote).Msg("cipher establishment failed")
		_ = conn.Close()
		return
	}

	s.cfgMu.Lock()
	features := s.cfg.Features
	s.cfgMu.Unlock()

	sess := session.New(conn, session.Options{
		Backend:   s.opts.Backend,
		Cipher:    c,
		Auth:      s.auth,
		Features:  features,
		Clipboard: s.opts.Clipboard,
		Theme:     s.opts.Theme,
		Compress:  s.opts.Compress,
		OnClose:   s.removeSession,
		Log:       s.opts.Log,
	})

	if !s.AddSession(sess) {
		// Cannot happen with UUID IDs, but the invariant is cheap to hold.
		s.log.Error().Str("session_id", sess.ID).Msg("duplicate session id")
		_ = conn.Close()
		return
	}

	if s.opts.Store != nil {
		rec := &store.SessionRecord{ID: sess.ID, RemoteAddr: remote, OpenedAt: time.Now()}
		if err := s.opts.Store.RecordSessionOpen(context.Background(), rec); err != nil {
			s.log.Warn().Err(err).Msg("session audit write failed")
		}
	}

	if !sess.Start() {
		// The session was closed while being admitted.
		s.removeSession(sess)
	}
}

// AddSession registers sess, refusing a duplicate ID.
func (s *Server) AddSession(sess *session.Session) bool {
	s.sessMu.Lock()
	defer s.sessMu.Unlock()
	if _, exists := s.sessions[sess.ID]; exists {
		return false
	}
	s.sessions[sess.ID] = sess
	return true
}

// RemoveSession drops the session with id from the registry and closes
// its audit record. Returns false when no such session is registered,
// leaving the registry untouched.
func (s *Server) RemoveSession(id string) bool {
	s.sessMu.Lock()
	_, exists := s.sessions[id]
	delete(s.sessions, id)
	s.sessMu.Unlock()
	if !exists {
		return false
	}

	if s.opts.Store != nil {
		if err := s.opts.Store.RecordSessionClose(context.Background(), id, time.Now()); err != nil {
			s.log.Warn().Err(err).Msg("session audit close failed")
		}
	}
	return true
}

// removeSession adapts RemoveSession to the session teardown callback.
// It runs before the session reaches its terminal state.
func (s *Server) removeSession(sess *session.Session) {
	s.RemoveSession(sess.ID)
}

// SessionCount returns the number of registered sessions.
func (s *Server) SessionCount() int {
	s.sessMu.RLock()
	defer s.sessMu.RUnlock()
	return len(s.sessions)
}

// Session looks a session up by ID.
func (s *Server) Session(id string) (*session.Session, bool) {
	s.sessMu.RLock()
	defer s.sessMu.RUnlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

// Sessions returns a snapshot of the registry.
func (s *Server) Sessions() []*session.Session {
	s.sessMu.RLock()
	defer s.sessMu.RUnlock()
	out := make([]*session.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	return out
}

func (s *Server) disconnectAll() {
	for _, sess := range s.Sessions() {
		sess.Stop()
	}
}

// Port returns the configured service port.
func (s *Server) Port() int {
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()
	return s.cfg.Port
}

// Config returns a copy of the current configuration.
func (s *Server) Config() config.ServerConfig {
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()
	return s.cfg
}

// LoadConfig merges the JSON file at path into the running
// configuration.
func (s *Server) LoadConfig(path string) error {
	s.cfgMu.Lock()
	err := config.Load(path, &s.cfg, s.log)
	s.cfgMu.Unlock()
	if err != nil {
		return err
	}
	s.invalidateInfo()
	return nil
}

// SaveConfig writes the current configuration to path.
func (s *Server) SaveConfig(path string) error {
	s.cfgMu.Lock()
	cfg := s.cfg
	s.cfgMu.Unlock()
	return config.Save(path, cfg)
}

// statusLoop publishes a status message on the bus every interval
// while the server runs.
func (s *Server) statusLoop() {
	defer s.statusWG.Done()
	ticker := time.NewTicker(s.opts.StatusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.statusStop:
			return
		case <-ticker.C:
			s.SendStatusToAgentCore()
		}
	}
}

type commandResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

func resultJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return `{"success":false,"error":"encoding failure"}`
	}
	return string(data)
}

func failure(format string, args ...any) string {
	return resultJSON(commandResult{Success: false, Error: fmt.Sprintf(format, args...)})
}

// ExecuteCommand runs one textual control command and returns its
// JSON result. The same surface serves the message bus and the IPC
// control channel.
func (s *Server) ExecuteCommand(cmd string) string {
	cmd = strings.TrimSpace(cmd)
	s.log.Debug().Str("command", cmd).Msg("executing command")

	switch {
	case cmd == "status":
		return resultJSON(map[string]any{
			"running":  s.Running(),
			"port":     s.Port(),
			"sessions": s.SessionCount(),
		})

	case cmd == "start":
		if !s.Start() {
			return failure("start failed")
		}
		return resultJSON(commandResult{Success: true, Message: "server started"})

	case cmd == "stop":
		s.Stop()
		return resultJSON(commandResult{Success: true, Message: "server stopped"})

	case strings.HasPrefix(cmd, "setport:"):
		arg := strings.TrimSpace(strings.TrimPrefix(cmd, "setport:"))
		port, err := strconv.Atoi(arg)
		if err != nil || port <= 0 || port > 65535 {
			return failure("invalid port %q", arg)
		}
		s.cfgMu.Lock()
		s.cfg.Port = port
		s.cfgMu.Unlock()
		s.invalidateInfo()
		return resultJSON(commandResult{Success: true, Message: fmt.Sprintf("port set to %d", port)})

	case cmd == "list_sessions":
		type sessionInfo struct {
			ID      string `json:"id"`
			User    string `json:"user,omitempty"`
			State   string `json:"state"`
			Remote  string `json:"remote"`
			Created string `json:"created_at"`
		}
		sessions := s.Sessions()
		infos := make([]sessionInfo, 0, len(sessions))
		for _, sess := range sessions {
			infos = append(infos, sessionInfo{
				ID:      sess.ID,
				User:    sess.User(),
				State:   sess.State().String(),
				Remote:  sess.RemoteAddr(),
				Created: sess.CreatedAt().Format(time.RFC3339),
			})
		}
		return resultJSON(map[string]any{"success": true, "sessions": infos})

	case strings.HasPrefix(cmd, "disconnect_session:"):
		id := strings.TrimPrefix(cmd, "disconnect_session:")
		sess, ok := s.Session(id)
		if !ok {
			return failure("unknown session %q", id)
		}
		sess.Stop()
		return resultJSON(commandResult{Success: true, Message: "session disconnected"})

	case cmd == "disconnect_all":
		n := s.SessionCount()
		s.disconnectAll()
		return resultJSON(commandResult{Success: true, Message: fmt.Sprintf("%d sessions disconnected", n)})

	case cmd == "shutdown":
		// Shutdown closes the transport this response may still need
		// to cross, so finish asynchronously.
		go s.Shutdown()
		return resultJSON(commandResult{Success: true, Message: "shutting down"})
	}

	return failure("unknown command %q", cmd)
}

// RegisterWithAgentCore joins the message bus: module registration, a
// command handler answering over the bus, and an announcement of the
// enabled features.
func (s *Server) RegisterWithAgentCore() bool {
	b := s.opts.Broker
	if b == nil {
		return false
	}
	if !b.RegisterModule(s.opts.Module) {
		return false
	}
	b.RegisterHandler(s.opts.Module, func(msg broker.Message) {
		if msg.Type != broker.Command {
			return
		}
		metrics.BrokerMessages.WithLabelValues("command").Inc()
		result := s.ExecuteCommand(msg.Payload)
		b.Send(broker.NewResponse(msg, result))
	})

	payload := resultJSON(map[string]any{
		"module":   s.opts.Module,
		"version":  version.Version,
		"features": s.Config().Features,
	})
	b.Send(broker.Message{
		SourceModule: s.opts.Module,
		Type:         broker.Register,
		Payload:      payload,
	})
	s.log.Info().Msg("registered with agent core")
	return true
}

// SendStatusToAgentCore publishes a broadcast status snapshot.
func (s *Server) SendStatusToAgentCore() bool {
	b := s.opts.Broker
	if b == nil {
		return false
	}
	status := "stopped"
	if s.Running() {
		status = "running"
	}
	s.cfgMu.Lock()
	agentID := s.cfg.AgentID
	s.cfgMu.Unlock()

	payload := resultJSON(map[string]any{
		"id":             agentID,
		"status":         status,
		"activeSessions": s.SessionCount(),
		"version":        version.Version,
	})
	metrics.BrokerMessages.WithLabelValues("status").Inc()
	return b.Send(broker.NewStatus(s.opts.Module, payload))
}

// ServerInfo returns a cached JSON description of the server:
// identity, version, port, and enabled features. The cache is rebuilt
// lazily after anything that changes it.
func (s *Server) ServerInfo() string {
	s.infoMu.Lock()
	defer s.infoMu.Unlock()
	if s.info == "" {
		s.cfgMu.Lock()
		cfg := s.cfg
		s.cfgMu.Unlock()
		s.info = resultJSON(map[string]any{
			"module":   s.opts.Module,
			"version":  version.Version,
			"running":  s.running.Load(),
			"port":     cfg.Port,
			"agentId":  cfg.AgentID,
			"features": cfg.Features,
		})
	}
	return s.info
}

func (s *Server) invalidateInfo() {
	s.infoMu.Lock()
	s.info = ""
	s.infoMu.Unlock()
}

// StartIPC opens the TCP control channel on the configured IPC port:
// one textual command per connection, answered with its JSON result.
func (s *Server) StartIPC() bool {
	s.cfgMu.Lock()
	port := s.cfg.IPCPort
	s.cfgMu.Unlock()

	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		s.log.Error().Err(err).Int("port", port).Msg("ipc listen failed")
		return false
	}
	s.ipcLn = ln
	s.ipcWG.Add(1)
	go s.ipcLoop(ln)
	s.log.Info().Int("port", port).Msg("ipc control channel listening")
	return true
}

// StopIPC closes the control channel. Idempotent.
func (s *Server) StopIPC() {
	if s.ipcLn == nil {
		return
	}
	_ = s.ipcLn.Close()
	s.ipcWG.Wait()
	s.ipcLn = nil
}

// IPCAddr returns the control channel address, or nil when closed.
func (s *Server) IPCAddr() net.Addr {
	if s.ipcLn == nil {
		return nil
	}
	return s.ipcLn.Addr()
}

func (s *Server) ipcLoop(ln net.Listener) {
	defer s.ipcWG.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go s.serveIPCConn(conn)
	}
}

// serveIPCConn answers exactly one command, then closes.
func (s *Server) serveIPCConn(conn net.Conn) {
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil && line == "" {
		return
	}
	result := s.ExecuteCommand(strings.TrimRight(line, "\r\n"))
	_, _ = conn.Write(append([]byte(result), '\n'))
}
