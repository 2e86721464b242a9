package signaling

import (
	"errors"
	"fmt"
	"sync"

	"github.com/1ureka/confer/internal/protocol"
	"github.com/1ureka/confer/internal/room"
	"github.com/1ureka/confer/internal/util"
)

var (
	ErrDuplicatePeer = errors.New("peer already joined the room")
	ErrUnknownPeer   = errors.New("peer is not in the room")
	ErrLeft          = errors.New("endpoint has left the room")
)

// Hub is an in-process relay: it tracks the members of every room, tells
// members who else is present, and routes envelopes by room and recipient.
// Each member receives its envelopes in order on a dedicated goroutine, so a
// slow or re-entrant member never blocks the sender.
type Hub struct {
	mu    sync.Mutex
	rooms map[string]map[string]*member // roomID → peerID → member
	log   util.Logger
}

type member struct {
	p    room.Participant
	mbox *mailbox
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		rooms: make(map[string]map[string]*member),
		log:   util.Scope("hub"),
	}
}

// Join adds p to roomID. deliver is invoked for every envelope routed to p.
// The joiner first receives the current roster (itself included); the other
// members receive a participant-joined event. The returned leave function
// removes p and announces its departure; it is safe to call more than once.
func (h *Hub) Join(roomID string, p room.Participant, deliver func(protocol.Envelope)) (leave func(), err error) {
	id := p.ID()
	if id == "" {
		return nil, fmt.Errorf("join %s: empty participant id", roomID)
	}

	h.mu.Lock()
	members := h.rooms[roomID]
	if members == nil {
		members = make(map[string]*member)
		h.rooms[roomID] = members
	}
	if _, dup := members[id]; dup {
		h.mu.Unlock()
		return nil, fmt.Errorf("join %s as %s: %w", roomID, id, ErrDuplicatePeer)
	}
	m := &member{p: p, mbox: newMailbox(deliver)}
	members[id] = m

	roster := make([]room.Participant, 0, len(members))
	others := make([]*member, 0, len(members))
	for _, o := range members {
		roster = append(roster, o.p)
		if o != m {
			others = append(others, o)
		}
	}
	h.mu.Unlock()

	h.log.Info("%s joined room %s (%d members)", util.Tag(id), roomID, len(roster))

	if env, err := protocol.NewEnvelope(protocol.EventRoster, protocol.Roster{Participants: roster}); err == nil {
		m.mbox.push(env.Addressed(id, roomID))
	}
	if env, err := protocol.NewEnvelope(protocol.EventParticipantJoined, protocol.ParticipantJoined{Participant: p}); err == nil {
		env.From = id
		for _, o := range others {
			o.mbox.push(env.Addressed(o.p.ID(), roomID))
		}
	}

	var once sync.Once
	return func() { once.Do(func() { h.leave(roomID, id, m) }) }, nil
}

func (h *Hub) leave(roomID, id string, m *member) {
	h.mu.Lock()
	members := h.rooms[roomID]
	if members[id] != m {
		h.mu.Unlock()
		return
	}
	delete(members, id)
	if len(members) == 0 {
		delete(h.rooms, roomID)
	}
	others := make([]*member, 0, len(members))
	for _, o := range members {
		others = append(others, o)
	}
	h.mu.Unlock()

	m.mbox.close()
	h.log.Info("%s left room %s", util.Tag(id), roomID)

	if env, err := protocol.NewEnvelope(protocol.EventParticipantLeft, protocol.ParticipantLeft{PeerID: id}); err == nil {
		env.From = id
		for _, o := range others {
			o.mbox.push(env.Addressed(o.p.ID(), roomID))
		}
	}
}

// Route forwards env within env.RoomID: to env.To when set, otherwise to
// every member except the sender.
func (h *Hub) Route(env protocol.Envelope) error {
	h.mu.Lock()
	members := h.rooms[env.RoomID]
	var targets []*member
	if env.To != "" {
		if m, ok := members[env.To]; ok {
			targets = append(targets, m)
		}
	} else {
		for id, m := range members {
			if id != env.From {
				targets = append(targets, m)
			}
		}
	}
	h.mu.Unlock()

	if env.To != "" && len(targets) == 0 {
		return fmt.Errorf("route %s to %s: %w", env.Event, env.To, ErrUnknownPeer)
	}
	for _, m := range targets {
		m.mbox.push(env)
	}
	return nil
}

// Members returns a snapshot of the participants in roomID.
func (h *Hub) Members(roomID string) []room.Participant {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]room.Participant, 0, len(h.rooms[roomID]))
	for _, m := range h.rooms[roomID] {
		out = append(out, m.p)
	}
	return out
}

// ---------------------------------------------------------------------------
// Endpoint
// ---------------------------------------------------------------------------

// Endpoint is a Channel attached directly to a Hub, for embedding the relay
// in-process.
type Endpoint struct {
	*Dispatcher
	hub    *Hub
	roomID string
	self   room.Participant

	mu    sync.Mutex
	leave func()
	left  bool
}

// Connect joins roomID as p and returns the member's Channel.
func (h *Hub) Connect(roomID string, p room.Participant) (*Endpoint, error) {
	e := h.NewEndpoint(roomID, p)
	if err := e.Join(); err != nil {
		return nil, err
	}
	return e, nil
}

// NewEndpoint returns an Endpoint for p that has not joined yet, so handlers
// can be registered before the roster arrives.
func (h *Hub) NewEndpoint(roomID string, p room.Participant) *Endpoint {
	return &Endpoint{Dispatcher: NewDispatcher(), hub: h, roomID: roomID, self: p}
}

// Join enters the room. Joining twice is a no-op.
func (e *Endpoint) Join() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.left {
		return ErrLeft
	}
	if e.leave != nil {
		return nil
	}
	leave, err := e.hub.Join(e.roomID, e.self, e.Dispatch)
	if err != nil {
		return err
	}
	e.leave = leave
	return nil
}

// Send stamps the sender and room, then routes env through the hub.
func (e *Endpoint) Send(env protocol.Envelope) error {
	e.mu.Lock()
	left := e.left
	e.mu.Unlock()
	if left {
		return ErrLeft
	}

	env.From = e.self.ID()
	if env.RoomID == "" {
		env.RoomID = e.roomID
	}
	return e.hub.Route(env)
}

// Close leaves the room.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	e.left = true
	leave := e.leave
	e.mu.Unlock()
	if leave != nil {
		leave()
	}
	return nil
}

var _ Channel = (*Endpoint)(nil)

// ---------------------------------------------------------------------------
// Mailbox
// ---------------------------------------------------------------------------

// mailbox is an unbounded FIFO drained by one goroutine.
type mailbox struct {
	mu    sync.Mutex
	items []protocol.Envelope
	wake  chan struct{}
	done  chan struct{}
	once  sync.Once
}

func newMailbox(deliver func(protocol.Envelope)) *mailbox {
	m := &mailbox{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go m.pump(deliver)
	return m
}

func (m *mailbox) push(env protocol.Envelope) {
	m.mu.Lock()
	m.items = append(m.items, env)
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *mailbox) pump(deliver func(protocol.Envelope)) {
	for {
		select {
		case <-m.done:
			return
		case <-m.wake:
		}

		for {
			m.mu.Lock()
			batch := m.items
			m.items = nil
			m.mu.Unlock()
			if len(batch) == 0 {
				break
			}
			for _, env := range batch {
				select {
				case <-m.done:
					return
				default:
				}
				deliver(env)
			}
		}
	}
}

func (m *mailbox) close() {
	m.once.Do(func() { close(m.done) })
}
