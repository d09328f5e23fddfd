package backend

import (
	"fmt"
	"os/exec"
	"sync"

	"github.com/creack/pty"
	"github.com/rs/zerolog"
)

// shellCols and shellRows are the pseudo-terminal geometry. The shell
// variant reports them through Monitors so clients can size their
// terminal view.
const (
	shellCols = 80
	shellRows = 24
)

// Shell is the backend behind the shell-variant server: frames are
// whatever the shell wrote to its pseudo-terminal since the last
// capture, and input events are keystrokes written back to it.
type Shell struct {
	log zerolog.Logger
	cmd *exec.Cmd
	ptm *ptyFile

	mu     sync.Mutex
	buf    []byte
	closed bool
}

// ptyFile narrows *os.File to what Shell needs, for test substitution.
type ptyFile struct {
	readFn  func(p []byte) (int, error)
	writeFn func(p []byte) (int, error)
	closeFn func() error
}

func (f *ptyFile) Read(p []byte) (int, error)  { return f.readFn(p) }
func (f *ptyFile) Write(p []byte) (int, error) { return f.writeFn(p) }
func (f *ptyFile) Close() error                { return f.closeFn() }

// NewShell starts shellPath (e.g. "/bin/sh") under a pseudo-terminal
// and returns a backend streaming its output.
func NewShell(shellPath string, log zerolog.Logger) (*Shell, error) {
	cmd := exec.Command(shellPath)
	ptm, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: shellCols, Rows: shellRows})
	if err != nil {
		return nil, fmt.Errorf("backend: start shell: %w", err)
	}

	s := &Shell{
		log: log.With().Str("component", "shell-backend").Logger(),
		cmd: cmd,
		ptm: &ptyFile{readFn: ptm.Read, writeFn: ptm.Write, closeFn: ptm.Close},
	}
	go s.drain()
	return s, nil
}

// drain moves pty output into the capture buffer so CaptureScreen
// never blocks on the terminal.
func (s *Shell) drain() {
	chunk := make([]byte, 4096)
	for {
		n, err := s.ptm.Read(chunk)
		if n > 0 {
			s.mu.Lock()
			s.buf = append(s.buf, chunk[:n]...)
			s.mu.Unlock()
		}
		if err != nil {
			s.mu.Lock()
			s.closed = true
			s.mu.Unlock()
			return
		}
	}
}

// CaptureScreen returns the terminal output accumulated since the
// previous call. Empty when the shell has been quiet.
func (s *Shell) CaptureScreen() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buf) == 0 {
		if s.closed {
			return nil, fmt.Errorf("backend: shell exited")
		}
		return nil, nil
	}
	out := s.buf
	s.buf = nil
	return out, nil
}

// ProcessInput writes key-down events to the terminal as their rune
// value. Mouse events have no meaning on a terminal and report false.
func (s *Shell) ProcessInput(ev Event) bool {
	if ev.Type != KeyDown {
		return false
	}
	if _, err := s.ptm.Write([]byte(string(rune(ev.Data)))); err != nil {
		s.log.Warn().Err(err).Msg("pty write failed")
		return false
	}
	return true
}

// Monitors reports the terminal geometry as a single pseudo-display.
func (s *Shell) Monitors() []Monitor {
	return []Monitor{{ID: 0, Width: shellCols, Height: shellRows, IsPrimary: true}}
}

// Close tears down the pty and reaps the shell process.
func (s *Shell) Close() error {
	err := s.ptm.Close()
	if s.cmd != nil && s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
		_ = s.cmd.Wait()
	}
	return err
}
