// Package broker is the in-process publish/subscribe bus the remote
// access server uses to exchange commands and status with the
// surrounding agent process.
//
// Modules register by name, attach handlers, and send messages either
// to a named module or, with an empty target, to every other
// registered module. A single consumer goroutine drains the queue in
// FIFO order, so delivery order matches enqueue order. Delivery is
// at-most-once and best-effort: messages still queued when the broker
// stops are dropped.
package broker

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// MessageType classifies bus traffic.
type MessageType int

const (
	Register MessageType = iota
	Unregister
	Command
	Response
	Status
	Alert
	Data
)

// Message is the bus unit. Payloads are opaque strings, conventionally
// JSON. IDs are assigned by the broker at send time and are unique for
// the broker's lifetime.
type Message struct {
	ID            uint64
	SourceModule  string
	TargetModule  string // empty = broadcast to every other module
	Type          MessageType
	Payload       string
	CorrelationID uint64 // on responses: the originating message's ID
}

// NewCommand builds a command message addressed to target.
func NewCommand(source, target, payload string) Message {
	return Message{SourceModule: source, TargetModule: target, Type: Command, Payload: payload}
}

// NewResponse builds the reply to request, correlated by its ID and
// addressed back to its sender.
func NewResponse(request Message, payload string) Message {
	return Message{
		SourceModule:  request.TargetModule,
		TargetModule:  request.SourceModule,
		Type:          Response,
		Payload:       payload,
		CorrelationID: request.ID,
	}
}

// NewStatus builds a broadcast status message.
func NewStatus(source, payload string) Message {
	return Message{SourceModule: source, Type: Status, Payload: payload}
}

// NewAlert builds a broadcast alert message.
func NewAlert(source, payload string) Message {
	return Message{SourceModule: source, Type: Alert, Payload: payload}
}

// Handler receives messages delivered to a module. Handlers run on the
// broker's consumer goroutine; a panicking handler is recovered and
// logged without affecting other handlers.
type Handler func(Message)

// idleWait bounds how long the consumer sleeps between queue checks so
// Stop is observed promptly.
const idleWait = 100 * time.Millisecond

// Broker is the bus. The zero value is not usable; call New.
type Broker struct {
	log zerolog.Logger

	running atomic.Bool
	stop    chan struct{}
	done    sync.WaitGroup

	queueMu sync.Mutex
	queue   []Message
	notify  chan struct{}

	handlersMu sync.Mutex
	handlers   map[string][]Handler

	modulesMu sync.Mutex
	modules   map[string]struct{}

	nextID atomic.Uint64
}

// New builds a stopped broker.
func New(log zerolog.Logger) *Broker {
	return &Broker{
		log:      log.With().Str("component", "broker").Logger(),
		notify:   make(chan struct{}, 1),
		handlers: make(map[string][]Handler),
		modules:  make(map[string]struct{}),
	}
}

// Start launches the consumer goroutine. Starting a running broker is
// a no-op.
func (b *Broker) Start() {
	if !b.running.CompareAndSwap(false, true) {
		return
	}
	b.stop = make(chan struct{})
	b.done.Add(1)
	go b.consume()
	b.log.Info().Msg("broker started")
}

// Stop cancels the consumer, joins it, and clears queue, handlers and
// registrations. This is a full reset, not a pause: queued messages
// are dropped and every module must re-register after a restart.
func (b *Broker) Stop() {
	if !b.running.CompareAndSwap(true, false) {
		return
	}
	close(b.stop)
	b.done.Wait()

	b.queueMu.Lock()
	b.queue = nil
	b.queueMu.Unlock()

	b.handlersMu.Lock()
	b.handlers = make(map[string][]Handler)
	b.handlersMu.Unlock()

	b.modulesMu.Lock()
	b.modules = make(map[string]struct{})
	b.modulesMu.Unlock()

	b.log.Info().Msg("broker stopped")
}

// RegisterModule adds name to the participant set. Returns false if it
// is already registered.
func (b *Broker) RegisterModule(name string) bool {
	b.modulesMu.Lock()
	defer b.modulesMu.Unlock()
	if _, exists := b.modules[name]; exists {
		b.log.Warn().Str("module", name).Msg("module already registered")
		return false
	}
	b.modules[name] = struct{}{}
	b.log.Info().Str("module", name).Msg("module registered")
	return true
}

// UnregisterModule removes name and all of its handlers. Returns false
// if it was not registered.
func (b *Broker) UnregisterModule(name string) bool {
	b.modulesMu.Lock()
	_, exists := b.modules[name]
	delete(b.modules, name)
	b.modulesMu.Unlock()
	if !exists {
		return false
	}

	b.handlersMu.Lock()
	delete(b.handlers, name)
	b.handlersMu.Unlock()

	b.log.Info().Str("module", name).Msg("module unregistered")
	return true
}

// IsModuleRegistered reports whether name is a current participant.
func (b *Broker) IsModuleRegistered(name string) bool {
	b.modulesMu.Lock()
	defer b.modulesMu.Unlock()
	_, exists := b.modules[name]
	return exists
}

// RegisterHandler attaches handler to module. Multiple handlers per
// module are allowed and all are invoked. A nil handler is rejected.
func (b *Broker) RegisterHandler(module string, handler Handler) bool {
	if handler == nil {
		b.log.Warn().Str("module", module).Msg("rejecting nil handler")
		return false
	}
	b.handlersMu.Lock()
	b.handlers[module] = append(b.handlers[module], handler)
	b.handlersMu.Unlock()
	return true
}

// Send enqueues msg for delivery. Fails when the broker is stopped or
// the source module is empty.
func (b *Broker) Send(msg Message) bool {
	if !b.running.Load() {
		b.log.Warn().Msg("send rejected: broker not running")
		return false
	}
	if msg.SourceModule == "" {
		b.log.Warn().Msg("send rejected: empty source module")
		return false
	}

	msg.ID = b.nextID.Add(1)

	b.queueMu.Lock()
	b.queue = append(b.queue, msg)
	b.queueMu.Unlock()

	select {
	case b.notify <- struct{}{}:
	default:
	}
	return true
}

func (b *Broker) consume() {
	defer b.done.Done()
	timer := time.NewTimer(idleWait)
	defer timer.Stop()

	for {
		select {
		case <-b.stop:
			return
		case <-b.notify:
		case <-timer.C:
		}
		timer.Reset(idleWait)

		for {
			b.queueMu.Lock()
			if len(b.queue) == 0 {
				b.queueMu.Unlock()
				break
			}
			msg := b.queue[0]
			b.queue = b.queue[1:]
			b.queueMu.Unlock()

			b.dispatch(msg)
		}
	}
}

// dispatch resolves the target set and invokes every handler for each
// target. Broadcasts exclude the sender; a targeted message with no
// handlers is dropped silently.
func (b *Broker) dispatch(msg Message) {
	var targets []string
	if msg.TargetModule == "" {
		b.modulesMu.Lock()
		for name := range b.modules {
			if name != msg.SourceModule {
				targets = append(targets, name)
			}
		}
		b.modulesMu.Unlock()
	} else {
		targets = []string{msg.TargetModule}
	}

	for _, target := range targets {
		b.handlersMu.Lock()
		handlers := make([]Handler, len(b.handlers[target]))
		copy(handlers, b.handlers[target])
		b.handlersMu.Unlock()

		for _, h := range handlers {
			b.invoke(target, h, msg)
		}
	}
}

// invoke isolates handler panics so one failing handler never blocks
// delivery to the rest.
func (b *Broker) invoke(target string, h Handler, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error().
				Str("module", target).
				Uint64("message_id", msg.ID).
				Interface("panic", r).
				Msg("handler panicked")
		}
	}()
	h(msg)
}
