// Package msgbus is the dual-mode pub/sub used to fan events between the
// adapters and the router: in-process only by default, mirrored onto Redis
// when the daemon is run with more than one node sharing a bridge.
package msgbus

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Payload is anything emitted on the bus. Handlers that care about
// correlation should type-assert for *umf.Envelope or a struct embedding a
// CorrelationID field; the bus itself only guarantees the field is present
// when the payload supports it via the Correlator interface below.
type Payload any

// Correlator lets Emit enrich a payload with a correlation id when the
// caller didn't set one, without the bus importing the umf package and
// creating an import cycle.
type Correlator interface {
	CorrelationID() string
	SetCorrelationID(string)
}

// Handler processes one emitted payload. It runs off the emitting
// goroutine, on the bus's own dispatch loop.
type Handler func(event string, payload Payload)

// DefaultMaxListeners is the per-event listener cap: enough headroom for
// fan-in from many adapters without silently growing without bound.
const DefaultMaxListeners = 100

// ErrTooManyListeners is returned by On/Once when an event already has
// MaxListeners registered handlers.
type ErrTooManyListeners struct{ Event string }

func (e *ErrTooManyListeners) Error() string {
	return "msgbus: event " + e.Event + " already has the maximum number of listeners"
}

type listener struct {
	id      string
	handler Handler
	once    bool
}

type pending struct {
	event   string
	payload Payload
}

// Bus is the local-mode dispatcher. It is safe for concurrent use.
type Bus struct {
	maxListeners int

	mu        sync.RWMutex
	listeners map[string][]listener
	closed    bool

	queue   chan pending
	done    chan struct{}
	closeMu sync.Mutex

	// transport mirrors Emit onto a distributed backend when non-nil.
	transport Transport
}

// Transport is implemented by the distributed-mode backend (Redis).
// Publish ships one event to every other node; Subscribe re-emits whatever
// arrives locally via the supplied callback. Connect/Disconnect open and
// close two physically separate connections: one for publish, one
// dedicated subscriber connection.
type Transport interface {
	Connect(ctx context.Context, onMessage func(event string, payload []byte)) error
	Publish(ctx context.Context, event string, payload []byte) error
	Disconnect() error
}

// Option configures a new Bus.
type Option func(*Bus)

// WithMaxListeners overrides DefaultMaxListeners.
func WithMaxListeners(n int) Option {
	return func(b *Bus) { b.maxListeners = n }
}

// WithTransport attaches a distributed-mode transport. Connect must be
// called separately to actually open it.
func WithTransport(t Transport) Option {
	return func(b *Bus) { b.transport = t }
}

// New returns a ready-to-use local-mode bus. Call Connect to additionally
// mirror events through a distributed transport, if one was supplied via
// WithTransport.
func New(opts ...Option) *Bus {
	b := &Bus{
		maxListeners: DefaultMaxListeners,
		listeners:    make(map[string][]listener),
		queue:        make(chan pending, 256),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	go b.dispatchLoop()
	return b
}

func (b *Bus) dispatchLoop() {
	for {
		select {
		case p, ok := <-b.queue:
			if !ok {
				return
			}
			b.deliver(p.event, p.payload)
		case <-b.done:
			return
		}
	}
}

func (b *Bus) deliver(event string, payload Payload) {
	b.mu.Lock()
	subs := b.listeners[event]
	kept := subs[:0:0]
	for _, l := range subs {
		if !l.once {
			kept = append(kept, l)
		}
	}
	b.listeners[event] = kept
	b.mu.Unlock()

	for _, l := range subs {
		l.handler(event, payload)
	}
}

// On registers a persistent handler for event, returning an id usable with
// Off. Returns ErrTooManyListeners once the per-event cap is reached.
func (b *Bus) On(event string, h Handler) (string, error) {
	return b.subscribe(event, h, false)
}

// Once registers a handler that fires at most once then auto-removes.
func (b *Bus) Once(event string, h Handler) (string, error) {
	return b.subscribe(event, h, true)
}

func (b *Bus) subscribe(event string, h Handler, once bool) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.listeners[event]) >= b.maxListeners {
		return "", &ErrTooManyListeners{Event: event}
	}
	id := uuid.New().String()
	b.listeners[event] = append(b.listeners[event], listener{id: id, handler: h, once: once})
	return id, nil
}

// Off removes a previously registered handler by id. Off on an unknown id
// is a no-op.
func (b *Bus) Off(event, id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.listeners[event]
	for i, l := range subs {
		if l.id == id {
			b.listeners[event] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

// Emit enqueues payload for dispatch to event's listeners on the bus's own
// goroutine (never synchronously on the caller's stack), enriching it with
// a correlation id if it implements Correlator and doesn't have one yet.
// When a distributed transport is connected, the same payload is also
// published for other nodes to re-emit locally.
func (b *Bus) Emit(ctx context.Context, event string, payload Payload) {
	if !b.emitLocal(event, payload) {
		return
	}

	if b.transport != nil {
		if enc, ok := payload.(Encodable); ok {
			raw, err := enc.EncodeMsgbus()
			if err == nil {
				_ = b.transport.Publish(ctx, event, raw)
			}
		}
	}
}

// emitLocal delivers payload to this node's listeners only, never the
// transport. Messages arriving FROM the transport go through here so one
// node's receipt is never republished back out (every node republishing
// everything it hears would echo forever).
func (b *Bus) emitLocal(event string, payload Payload) bool {
	if c, ok := payload.(Correlator); ok && c.CorrelationID() == "" {
		c.SetCorrelationID(uuid.New().String())
	}

	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return false
	}

	select {
	case b.queue <- pending{event: event, payload: payload}:
		return true
	case <-b.done:
		return false
	}
}

// Encodable lets a payload opt into distributed-mode publication without
// the bus depending on any particular wire format.
type Encodable interface {
	EncodeMsgbus() ([]byte, error)
}

// Connect opens the distributed transport, if one was supplied via
// WithTransport, and re-emits every message it delivers as a local Emit so
// local listeners don't need to know whether an event originated on this
// node or another one.
func (b *Bus) Connect(ctx context.Context, decode func(event string, raw []byte) (Payload, error)) error {
	if b.transport == nil {
		return nil
	}
	return b.transport.Connect(ctx, func(event string, raw []byte) {
		payload, err := decode(event, raw)
		if err != nil {
			return
		}
		b.emitLocal(event, payload)
	})
}

// Disconnect closes the distributed transport and stops the dispatch loop.
// Disconnect is terminal: a disconnected Bus drops further Emit calls
// silently.
func (b *Bus) Disconnect() error {
	b.closeMu.Lock()
	defer b.closeMu.Unlock()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	close(b.done)
	var err error
	if b.transport != nil {
		err = b.transport.Disconnect()
	}
	return err
}
