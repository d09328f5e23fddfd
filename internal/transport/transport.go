// Package transport owns the listening socket and the two primitives
// sessions use on accepted connections: framed send and framed
// receive. Partial reads and writes are handled here; the session
// layer never sees a split payload.
//
// Every payload travels as a 4-byte little-endian length prefix
// followed by the payload bytes.
package transport

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// maxFrameSize bounds a single framed payload. Anything larger is
// treated as a protocol violation and tears the connection down.
const maxFrameSize = 64 << 20

// ConnectFunc receives each accepted connection. Ownership of the
// conn transfers to the callee.
type ConnectFunc func(conn net.Conn)

// Manager binds a TCP port and hands accepted connections to a
// callback on a dedicated accept goroutine.
type Manager struct {
	log zerolog.Logger

	running   atomic.Bool
	listener  net.Listener
	accepting sync.WaitGroup
	onConnect ConnectFunc
}

// NewManager builds a stopped Manager delivering connections to
// onConnect.
func NewManager(onConnect ConnectFunc, log zerolog.Logger) *Manager {
	return &Manager{
		log:       log.With().Str("component", "transport").Logger(),
		onConnect: onConnect,
	}
}

// Start binds and listens on port and launches the accept loop.
// Returns false, with the cause logged, when the bind fails — the
// caller decides whether that is fatal.
func (m *Manager) Start(port int) bool {
	if m.running.Load() {
		return false
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		m.log.Error().Err(err).Int("port", port).Msg("listen failed")
		return false
	}

	m.listener = ln
	m.running.Store(true)
	m.accepting.Add(1)
	go m.acceptLoop()

	m.log.Info().Int("port", port).Msg("listening")
	return true
}

// Stop closes the listener, which unblocks the pending accept, and
// joins the accept goroutine. Idempotent.
func (m *Manager) Stop() {
	if !m.running.CompareAndSwap(true, false) {
		return
	}
	_ = m.listener.Close()
	m.accepting.Wait()
	m.log.Info().Msg("stopped")
}

// Addr returns the bound listener address, or nil when stopped.
func (m *Manager) Addr() net.Addr {
	if m.listener == nil {
		return nil
	}
	return m.listener.Addr()
}

func (m *Manager) acceptLoop() {
	defer m.accepting.Done()
	for {
		conn, err := m.listener.Accept()
		if err != nil {
			if m.running.Load() {
				m.log.Warn().Err(err).Msg("accept failed")
				continue
			}
			return
		}
		m.log.Info().Str("remote", conn.RemoteAddr().String()).Msg("connection accepted")
		m.onConnect(conn)
	}
}

// Send writes one framed payload. Returns false on any write error;
// the caller is expected to tear the session down.
func Send(conn net.Conn, data []byte) bool {
	frame := make([]byte, 4, 4+len(data))
	binary.LittleEndian.PutUint32(frame, uint32(len(data)))
	frame = append(frame, data...)
	_, err := conn.Write(frame)
	return err == nil
}

// Receive reads one framed payload. Returns nil when the connection
// is closed or the frame is malformed; an intact empty payload comes
// back as a non-nil zero-length slice so callers can tell the two
// apart.
func Receive(conn net.Conn) []byte {
	var header [4]byte
	if _, err := io.ReadFull(conn, header[:]); err != nil {
		return nil
	}
	size := binary.LittleEndian.Uint32(header[:])
	if size > maxFrameSize {
		return nil
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(conn, payload); err != nil {
		return nil
	}
	return payload
}
