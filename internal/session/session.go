// Package session implements the per-connection state machine for one
// remote-control client: two concurrent pipelines (frame production
// and input consumption) plus the auxiliary channels — clipboard,
// chat, file transfer, and recording — multiplexed over the same
// transport.
package session

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"

	"github.com/sysguard/remote/internal/auth"
	"github.com/sysguard/remote/internal/backend"
	"github.com/sysguard/remote/internal/cipher"
	"github.com/sysguard/remote/internal/config"
	"github.com/sysguard/remote/internal/metrics"
	"github.com/sysguard/remote/internal/transport"
	"github.com/sysguard/remote/internal/ui"
	"github.com/sysguard/remote/internal/wire"
)

// State is the session lifecycle position. Transitions only ever move
// forward; Terminated is terminal.
type State int32

const (
	Created State = iota
	Authenticating
	Active
	Closing
	Terminated
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Authenticating:
		return "authenticating"
	case Active:
		return "active"
	case Closing:
		return "closing"
	case Terminated:
		return "terminated"
	}
	return "unknown"
}

// DefaultCaptureInterval paces the frame pipeline.
const DefaultCaptureInterval = 50 * time.Millisecond

// maxChatHistory bounds the in-memory chat ring.
const maxChatHistory = 100

// Clipboard is the platform clipboard collaborator. Either method may
// return an error on platforms without clipboard access; callers log
// and degrade rather than fail.
type Clipboard interface {
	Set(text string) error
	Get() (string, error)
}

// Options configures a Session. Backend, Cipher and Auth are
// required; the rest have working defaults.
type Options struct {
	Backend backend.Backend
	Cipher  cipher.Cipher
	Auth    *auth.Manager

	Features  config.FeatureFlags
	Clipboard Clipboard   // nil = unsupported platform
	Theme     *ui.Service // nil unless theming is enabled

	CaptureInterval time.Duration
	Compress        bool // zstd-compress frames before encryption

	// OnClose runs after both loops have exited and before the
	// session reaches Terminated. The server uses it to drop the
	// session from its map, preserving the invariant that a
	// terminated session is never still registered.
	OnClose func(*Session)

	Log zerolog.Logger
}

// Session is one remote-control connection. The session exclusively
// owns its transport handle and cipher; nothing else writes to the
// socket while the session runs.
type Session struct {
	ID string

	conn net.Conn
	opts Options
	log  zerolog.Logger

	state   atomic.Int32
	running atomic.Bool
	stop    chan struct{}
	loops   sync.WaitGroup
	closing sync.Once
	done    chan struct{}

	createdAt    time.Time
	lastActivity atomic.Int64 // unix nanos

	token string
	user  string
	authM sync.Mutex

	zenc *zstd.Encoder

	chatMu  sync.Mutex
	chat    []ChatMessage
	clipMu  sync.Mutex
	clipTxt string

	rec Recorder
}

// New builds a session over an accepted connection. The connection's
// ownership transfers to the session.
func New(conn net.Conn, opts Options) *Session {
	if opts.CaptureInterval <= 0 {
		opts.CaptureInterval = DefaultCaptureInterval
	}
	id := uuid.NewString()
	s := &Session{
		ID:        id,
		conn:      conn,
		opts:      opts,
		log:       opts.Log.With().Str("component", "session").Str("session_id", id).Logger(),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		createdAt: time.Now(),
	}
	s.state.Store(int32(Created))
	s.lastActivity.Store(time.Now().UnixNano())
	if opts.Compress {
		// EncodeAll-only encoder; no writer state is retained.
		s.zenc, _ = zstd.NewWriter(nil)
	}
	return s
}

// State returns the current lifecycle position.
func (s *Session) State() State { return State(s.state.Load()) }

// CreatedAt returns the accept timestamp.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// LastActivity returns the time of the most recent inbound traffic.
func (s *Session) LastActivity() time.Time { return time.Unix(0, s.lastActivity.Load()) }

// User returns the authenticated username, empty before
// authentication.
func (s *Session) User() string {
	s.authM.Lock()
	defer s.authM.Unlock()
	return s.user
}

// RemoteAddr returns the peer address.
func (s *Session) RemoteAddr() string {
	if s.conn == nil {
		return ""
	}
	return s.conn.RemoteAddr().String()
}

// Start launches the capture and input loops. It requires the Created
// state and moves the session to Authenticating: frames are not
// produced until authentication succeeds, but the input channel runs
// immediately so the credential exchange can arrive over it.
func (s *Session) Start() bool {
	if !s.state.CompareAndSwap(int32(Created), int32(Authenticating)) {
		return false
	}
	s.running.Store(true)

	s.loops.Add(2)
	go s.captureLoop()
	go s.inputLoop()
	go s.finalize()

	metrics.SessionsTotal.Inc()
	metrics.ActiveSessions.Inc()
	s.log.Info().Str("remote", s.RemoteAddr()).Msg("session started")
	return true
}

// Authenticate validates the user against the credential store and,
// on success, issues a session token and unlocks the frame pipeline.
func (s *Session) Authenticate(ctx context.Context, username, credential string) bool {
	if !s.opts.Auth.Authenticate(ctx, username, credential) {
		metrics.AuthFailures.Inc()
		return false
	}
	token, err := s.opts.Auth.CreateSession(username)
	if err != nil {
		s.log.Error().Err(err).Msg("token issue failed")
		return false
	}

	s.authM.Lock()
	s.user = username
	s.token = token
	s.authM.Unlock()

	s.state.CompareAndSwap(int32(Authenticating), int32(Active))
	s.log.Info().Str("user", username).Msg("session authenticated")
	return true
}

// Token returns the issued session token, empty before
// authentication.
func (s *Session) Token() string {
	s.authM.Lock()
	defer s.authM.Unlock()
	return s.token
}

// Stop tears the session down: signals both loops, closes the socket
// to unblock the pending receive, and waits for full teardown.
// Idempotent — stopping a stopped session is a no-op.
func (s *Session) Stop() {
	s.beginClose()
	<-s.done
}

// Done is closed once the session has fully terminated.
func (s *Session) Done() <-chan struct{} { return s.done }

// beginClose moves the session to Closing and unblocks both loops.
// Closing the socket is what interrupts the blocked receive; the flag
// alone cannot.
func (s *Session) beginClose() {
	s.closing.Do(func() {
		// A session closed before Start has no loops and no finalizer;
		// it goes straight to Terminated here.
		neverStarted := s.state.CompareAndSwap(int32(Created), int32(Terminated))
		if !neverStarted {
			s.state.Store(int32(Closing))
		}
		s.running.Store(false)
		close(s.stop)
		if s.conn != nil {
			_ = s.conn.Close()
		}
		if neverStarted {
			close(s.done)
		}
	})
}

// finalize waits for both loops, releases owned resources, notifies
// the registry, and only then marks the session Terminated.
func (s *Session) finalize() {
	s.loops.Wait()
	s.beginClose()
	s.StopRecording()

	s.authM.Lock()
	token := s.token
	s.authM.Unlock()
	if token != "" {
		s.opts.Auth.Revoke(token)
	}

	if s.opts.OnClose != nil {
		s.opts.OnClose(s)
	}
	s.state.Store(int32(Terminated))
	metrics.ActiveSessions.Dec()
	close(s.done)
	s.log.Info().Msg("session terminated")
}

// captureLoop produces one frame per interval: capture, record,
// compress, encrypt, send. It idles while the session has not yet
// authenticated.
func (s *Session) captureLoop() {
	defer s.loops.Done()

	ticker := time.NewTicker(s.opts.CaptureInterval)
	defer ticker.Stop()

	for s.running.Load() {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
		}

		if State(s.state.Load()) != Active {
			continue
		}

		frame, err := s.opts.Backend.CaptureScreen()
		if err != nil {
			s.log.Warn().Err(err).Msg("capture failed")
			s.beginClose()
			return
		}
		if len(frame) == 0 {
			continue // transient capture failure
		}

		s.rec.RecordFrame(frame)

		if s.zenc != nil {
			frame = s.zenc.EncodeAll(frame, nil)
		}
		payload, err := s.opts.Cipher.Encrypt(frame)
		if err != nil {
			s.log.Warn().Err(err).Msg("frame encryption failed")
			continue
		}
		if !transport.Send(s.conn, payload) {
			s.beginClose()
			return
		}
		metrics.FramesSent.Inc()
	}
}

// inputLoop consumes inbound traffic: blocking receive, decrypt,
// decode, record, replay. Until authentication succeeds, payloads are
// interpreted as control envelopes carrying credentials; afterwards
// they are input events. An empty read means the peer closed the
// connection.
func (s *Session) inputLoop() {
	defer s.loops.Done()

	for s.running.Load() {
		payload := transport.Receive(s.conn)
		if payload == nil {
			s.beginClose()
			return
		}
		s.touch()

		data, err := s.opts.Cipher.Decrypt(payload)
		if err != nil {
			s.log.Warn().Err(err).Msg("discarding undecryptable payload")
			continue
		}

		if State(s.state.Load()) == Authenticating {
			s.handleCredentials(data)
			continue
		}

		ev, err := backend.DecodeEvent(data)
		if err != nil {
			s.log.Warn().Err(err).Msg("discarding malformed input event")
			continue
		}

		s.rec.RecordEvent(ev)
		if s.opts.Backend.ProcessInput(ev) {
			metrics.InputEvents.WithLabelValues("applied").Inc()
		} else {
			metrics.InputEvents.WithLabelValues("unsupported").Inc()
			s.log.Warn().Uint8("type", uint8(ev.Type)).Msg("input action unsupported on this platform")
		}
	}
}

// handleCredentials processes one in-band authentication attempt: a
// control envelope whose source is the username and whose content is
// the credential. The verdict goes back in a control envelope so the
// peer knows whether frames will follow.
func (s *Session) handleCredentials(data []byte) {
	msg, err := wire.Decode(data)
	if err != nil || msg.Type != wire.Control {
		s.log.Warn().Msg("expected a control envelope during authentication")
		return
	}

	verdict := "auth_failed"
	if s.Authenticate(context.Background(), msg.Source, string(msg.Content)) {
		verdict = "auth_ok"
	}

	resp := wire.Encode(wire.Message{
		Type:      wire.Control,
		Target:    msg.Source,
		Content:   []byte(verdict),
		Timestamp: uint64(time.Now().Unix()),
	})
	payload, encErr := s.opts.Cipher.Encrypt(resp)
	if encErr != nil {
		s.log.Warn().Err(encErr).Msg("auth response encryption failed")
		return
	}
	if !transport.Send(s.conn, payload) {
		s.beginClose()
	}
}

func (s *Session) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
	s.authM.Lock()
	token := s.token
	s.authM.Unlock()
	if token != "" {
		s.opts.Auth.Touch(token)
	}
}

// Monitors returns the display topology snapshot. With multi-monitor
// disabled only the primary display is reported.
func (s *Session) Monitors() []backend.Monitor {
	monitors := s.opts.Backend.Monitors()
	if s.opts.Features.MultiMonitor || len(monitors) == 0 {
		return monitors
	}
	for _, m := range monitors {
		if m.IsPrimary {
			return []backend.Monitor{m}
		}
	}
	return monitors[:1]
}

// ThemeColors returns the active palette, or false when theming is
// disabled.
func (s *Session) ThemeColors() (ui.Colors, bool) {
	if !s.opts.Features.Theming || s.opts.Theme == nil {
		return ui.Colors{}, false
	}
	return s.opts.Theme.Colors(), true
}
