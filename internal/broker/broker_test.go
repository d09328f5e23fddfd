package broker

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// recorder collects delivered messages behind a mutex so tests can
// poll from the outside while the consumer goroutine appends.
type recorder struct {
	mu   sync.Mutex
	msgs []Message
}

func (r *recorder) handler() Handler {
	return func(m Message) {
		r.mu.Lock()
		r.msgs = append(r.msgs, m)
		r.mu.Unlock()
	}
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

func (r *recorder) all() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Message, len(r.msgs))
	copy(out, r.msgs)
	return out
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func newRunningBroker(t *testing.T) *Broker {
	t.Helper()
	b := New(zerolog.Nop())
	b.Start()
	t.Cleanup(b.Stop)
	return b
}

func TestTargetedDelivery(t *testing.T) {
	b := newRunningBroker(t)
	b.RegisterModule("X")
	b.RegisterModule("Y")

	var onX, onY recorder
	b.RegisterHandler("X", onX.handler())
	b.RegisterHandler("Y", onY.handler())

	if !b.Send(NewCommand("X", "Y", "ping")) {
		t.Fatal("send failed")
	}

	waitFor(t, func() bool { return onY.count() == 1 })
	if onX.count() != 0 {
		t.Fatalf("sender's handler fired %d times", onX.count())
	}
	got := onY.all()[0]
	if got.SourceModule != "X" || got.Type != Command || got.Payload != "ping" {
		t.Fatalf("delivered %+v", got)
	}
}

func TestBroadcastExcludesSender(t *testing.T) {
	b := newRunningBroker(t)
	var onX, onY, onZ recorder
	for name, r := range map[string]*recorder{"X": &onX, "Y": &onY, "Z": &onZ} {
		b.RegisterModule(name)
		b.RegisterHandler(name, r.handler())
	}

	b.Send(NewStatus("Z", "hello"))

	waitFor(t, func() bool { return onX.count() == 1 && onY.count() == 1 })
	time.Sleep(20 * time.Millisecond)
	if onZ.count() != 0 {
		t.Fatal("broadcast must not loop back to the sender")
	}
}

func TestFIFODelivery(t *testing.T) {
	b := newRunningBroker(t)
	b.RegisterModule("sink")
	var sink recorder
	b.RegisterHandler("sink", sink.handler())

	for i := 0; i < 50; i++ {
		b.Send(NewCommand("src", "sink", "m"))
	}
	waitFor(t, func() bool { return sink.count() == 50 })

	msgs := sink.all()
	for i := 1; i < len(msgs); i++ {
		if msgs[i].ID <= msgs[i-1].ID {
			t.Fatalf("out-of-order delivery: id %d after %d", msgs[i].ID, msgs[i-1].ID)
		}
	}
}

func TestSendValidation(t *testing.T) {
	b := New(zerolog.Nop())
	if b.Send(NewCommand("X", "Y", "p")) {
		t.Fatal("send should fail on a stopped broker")
	}
	b.Start()
	defer b.Stop()
	if b.Send(Message{Type: Command, TargetModule: "Y"}) {
		t.Fatal("send should fail with an empty source module")
	}
}

func TestModuleRegistration(t *testing.T) {
	b := newRunningBroker(t)
	if !b.RegisterModule("X") {
		t.Fatal("first registration should succeed")
	}
	if b.RegisterModule("X") {
		t.Fatal("duplicate registration should fail")
	}
	if !b.IsModuleRegistered("X") {
		t.Fatal("X should be registered")
	}
	if !b.UnregisterModule("X") {
		t.Fatal("unregister should succeed")
	}
	if b.UnregisterModule("X") {
		t.Fatal("second unregister should fail")
	}
}

func TestUnregisterRemovesHandlers(t *testing.T) {
	b := newRunningBroker(t)
	b.RegisterModule("X")
	b.RegisterModule("Y")
	var onY recorder
	b.RegisterHandler("Y", onY.handler())
	b.UnregisterModule("Y")

	b.Send(NewCommand("X", "Y", "ping"))
	time.Sleep(50 * time.Millisecond)
	if onY.count() != 0 {
		t.Fatal("handlers must be removed with their module")
	}
}

func TestNilHandlerRejected(t *testing.T) {
	b := newRunningBroker(t)
	if b.RegisterHandler("X", nil) {
		t.Fatal("nil handler should be rejected")
	}
}

func TestPanickingHandlerIsolated(t *testing.T) {
	b := newRunningBroker(t)
	b.RegisterModule("Y")
	var onY recorder
	b.RegisterHandler("Y", func(Message) { panic("boom") })
	b.RegisterHandler("Y", onY.handler())

	b.Send(NewCommand("X", "Y", "ping"))
	waitFor(t, func() bool { return onY.count() == 1 })
}

func TestResponseCorrelation(t *testing.T) {
	b := newRunningBroker(t)
	b.RegisterModule("server")
	b.RegisterModule("agent")

	var onAgent recorder
	b.RegisterHandler("agent", onAgent.handler())
	b.RegisterHandler("server", func(m Message) {
		if m.Type == Command {
			b.Send(NewResponse(m, "done"))
		}
	})

	b.Send(NewCommand("agent", "server", "status"))
	waitFor(t, func() bool { return onAgent.count() == 1 })

	resp := onAgent.all()[0]
	if resp.Type != Response || resp.CorrelationID == 0 || resp.TargetModule != "agent" {
		t.Fatalf("response %+v", resp)
	}
}

func TestStopIsFullReset(t *testing.T) {
	b := New(zerolog.Nop())
	b.Start()
	b.RegisterModule("X")
	b.Stop()

	if b.IsModuleRegistered("X") {
		t.Fatal("stop must clear registrations")
	}

	// Restart works and requires re-registration.
	b.Start()
	defer b.Stop()
	if !b.RegisterModule("X") {
		t.Fatal("re-registration after restart should succeed")
	}
}
