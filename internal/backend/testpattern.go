package backend

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// TestPattern is a synthetic backend that renders a moving gradient
// instead of touching any platform capture API. It backs headless
// deployments and every session-level test.
type TestPattern struct {
	Width  int
	Height int
	log    zerolog.Logger

	frame atomic.Uint64

	mu     sync.Mutex
	events []Event
}

// NewTestPattern builds a TestPattern at the given frame geometry.
func NewTestPattern(width, height int, log zerolog.Logger) *TestPattern {
	return &TestPattern{
		Width:  width,
		Height: height,
		log:    log.With().Str("component", "backend").Logger(),
	}
}

// CaptureScreen renders one RGBA gradient frame, shifted by the frame
// counter so consecutive frames differ.
func (p *TestPattern) CaptureScreen() ([]byte, error) {
	n := p.frame.Add(1)
	frame := make([]byte, p.Width*p.Height*4)
	shift := byte(n)
	for y := 0; y < p.Height; y++ {
		for x := 0; x < p.Width; x++ {
			off := (y*p.Width + x) * 4
			frame[off] = byte(x) + shift
			frame[off+1] = byte(y)
			frame[off+2] = byte(x ^ y)
			frame[off+3] = 0xFF
		}
	}
	return frame, nil
}

// ProcessInput records the event for inspection. Key-up events are
// reported unsupported to exercise the caller's degraded path.
func (p *TestPattern) ProcessInput(ev Event) bool {
	if ev.Type == KeyUp {
		return false
	}
	p.mu.Lock()
	p.events = append(p.events, ev)
	p.mu.Unlock()
	return true
}

// Monitors reports a single primary display at the pattern geometry.
func (p *TestPattern) Monitors() []Monitor {
	return []Monitor{{ID: 0, Width: p.Width, Height: p.Height, IsPrimary: true}}
}

// Events returns a copy of every input event replayed so far.
func (p *TestPattern) Events() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Event, len(p.events))
	copy(out, p.events)
	return out
}

// FrameCount reports how many frames have been captured.
func (p *TestPattern) FrameCount() uint64 { return p.frame.Load() }
