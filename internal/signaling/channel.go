// Package signaling carries envelopes between the participants of a room:
// the Channel contract the negotiators depend on, an event dispatch table,
// an in-process relay hub, and the WebSocket client and server that expose
// the hub over the network.
package signaling

import (
	"slices"
	"sync"

	"github.com/1ureka/confer/internal/protocol"
	"github.com/1ureka/confer/internal/util"
)

// Handler processes one inbound envelope. Handlers of one channel run on a
// single goroutine in arrival order; a handler that waits for another
// envelope must do so on its own goroutine.
type Handler func(protocol.Envelope)

// Channel is a bidirectional event bus scoped to one room.
type Channel interface {
	// Send delivers env to env.To, or to the whole room when To is empty.
	Send(env protocol.Envelope) error
	// On registers h for event and returns a function that unregisters it.
	On(event protocol.Event, h Handler) (off func())
}

// ---------------------------------------------------------------------------
// Dispatcher
// ---------------------------------------------------------------------------

// Dispatcher maintains the event → handlers route table.
// Unknown events and events nobody listens to are logged and dropped.
type Dispatcher struct {
	mu     sync.Mutex
	nextID int
	routes map[protocol.Event]map[int]Handler
	log    util.Logger
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		routes: make(map[protocol.Event]map[int]Handler),
		log:    util.Scope("signal"),
	}
}

// On registers h for event. Registering for an unknown event is a no-op.
func (d *Dispatcher) On(event protocol.Event, h Handler) (off func()) {
	if !event.Valid() {
		d.log.Warn("refusing handler for unknown event %q", event)
		return func() {}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.nextID
	d.nextID++
	if d.routes[event] == nil {
		d.routes[event] = make(map[int]Handler)
	}
	d.routes[event][id] = h

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.routes[event], id)
	}
}

// Dispatch invokes every handler registered for env.Event, in registration
// order, on the calling goroutine.
func (d *Dispatcher) Dispatch(env protocol.Envelope) {
	if !env.Event.Valid() {
		d.log.Warn("dropping unknown event %q from %s", env.Event, util.Tag(env.From))
		return
	}

	d.mu.Lock()
	ids := make([]int, 0, len(d.routes[env.Event]))
	for id := range d.routes[env.Event] {
		ids = append(ids, id)
	}
	handlers := make([]Handler, 0, len(ids))
	slices.Sort(ids)
	for _, id := range ids {
		handlers = append(handlers, d.routes[env.Event][id])
	}
	d.mu.Unlock()

	if len(handlers) == 0 {
		d.log.Debug("no handler for %s from %s", env.Event, util.Tag(env.From))
		return
	}
	for _, h := range handlers {
		h(env)
	}
}

