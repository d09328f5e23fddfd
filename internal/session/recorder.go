package session

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/sysguard/remote/internal/backend"
)

// Record kinds in a session recording.
const (
	RecordFrame = "frame"
	RecordInput = "input"
)

// Record is one captured frame or replayed input event, stamped with
// milliseconds elapsed since recording started.
type Record struct {
	Kind      string `cbor:"kind"`
	ElapsedMS int64  `cbor:"elapsed_ms"`

	Frame []byte `cbor:"frame,omitempty"`

	EventType uint8 `cbor:"event_type,omitempty"`
	X         int32 `cbor:"x,omitempty"`
	Y         int32 `cbor:"y,omitempty"`
	Data      int32 `cbor:"data,omitempty"`
}

// Recorder appends session records to a file as a CBOR stream. The
// zero value is ready to use and not recording.
type Recorder struct {
	mu        sync.Mutex
	f         *os.File
	enc       *cbor.Encoder
	start     time.Time
	recording bool
}

// Start opens path for writing and begins stamping records. Starting
// an already-recording recorder is a no-op.
func (r *Recorder) Start(path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.recording {
		return nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("recording: open %s: %w", path, err)
	}
	r.f = f
	r.enc = cbor.NewEncoder(f)
	r.start = time.Now()
	r.recording = true
	return nil
}

// Stop flushes and closes the recording file. Stopping a stopped
// recorder is a no-op.
func (r *Recorder) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.recording {
		return
	}
	r.recording = false
	r.enc = nil
	_ = r.f.Close()
	r.f = nil
}

// Recording reports whether records are currently being written.
func (r *Recorder) Recording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recording
}

// RecordFrame appends a captured frame. No-op while not recording.
func (r *Recorder) RecordFrame(frame []byte) {
	r.append(Record{Kind: RecordFrame, Frame: frame})
}

// RecordEvent appends a replayed input event. No-op while not
// recording.
func (r *Recorder) RecordEvent(ev backend.Event) {
	r.append(Record{
		Kind:      RecordInput,
		EventType: uint8(ev.Type),
		X:         ev.X,
		Y:         ev.Y,
		Data:      ev.Data,
	})
}

func (r *Recorder) append(rec Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.recording {
		return
	}
	rec.ElapsedMS = time.Since(r.start).Milliseconds()
	_ = r.enc.Encode(rec)
}

// ReadRecording decodes a recording file back into its records, for
// playback tooling.
func ReadRecording(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("recording: open %s: %w", path, err)
	}
	defer f.Close()

	dec := cbor.NewDecoder(f)
	var records []Record
	for {
		var rec Record
		if err := dec.Decode(&rec); err != nil {
			if errors.Is(err, io.EOF) {
				return records, nil
			}
			return nil, fmt.Errorf("recording: decode %s: %w", path, err)
		}
		records = append(records, rec)
	}
}

// StartRecording begins writing frames and input events to path.
// Disabled by feature flag, and a no-op while already recording.
func (s *Session) StartRecording(path string) bool {
	if !s.opts.Features.SessionRecording {
		return false
	}
	if err := s.rec.Start(path); err != nil {
		s.log.Error().Err(err).Msg("recording start failed")
		return false
	}
	s.log.Info().Str("path", path).Msg("recording started")
	return true
}

// StopRecording closes the active recording, if any.
func (s *Session) StopRecording() {
	if s.rec.Recording() {
		s.log.Info().Msg("recording stopped")
	}
	s.rec.Stop()
}

// Recording reports whether the session is currently being recorded.
func (s *Session) Recording() bool { return s.rec.Recording() }
