package mesh

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/confer/internal/media"
	"github.com/1ureka/confer/internal/protocol"
	"github.com/1ureka/confer/internal/registry"
	"github.com/1ureka/confer/internal/room"
	"github.com/1ureka/confer/internal/signaling"
	"github.com/1ureka/confer/internal/util"
)

var (
	ErrSelf   = errors.New("cannot connect to self")
	ErrClosed = errors.New("negotiator closed")
)

// Directory resolves room participants. *room.Roster satisfies it.
type Directory interface {
	Get(id string) (room.Participant, bool)
}

// Observer receives peer-level notifications. Nil fields are skipped.
// Callbacks run on signaling or connection goroutines and must not block.
type Observer struct {
	OnStream   func(peerID string, stream *media.Stream)
	OnPeerLeft func(peerID string)
	OnState    func(peerID string, s State)
}

// Options configure a Negotiator.
type Options struct {
	SelfID string
	RoomID string
	// NewConn creates the connection for a remote peer.
	NewConn func(peerID string) (Conn, error)
	// Local is the shared local track set attached to every new connection.
	// May be nil or empty; tracks can be attached later.
	Local *media.LocalMedia
	// Directory decides who may send offers. Offers from participants it
	// does not know are dropped. Nil accepts every sender.
	Directory Directory
	// NegotiationTimeout tears down peers that do not reach connected in
	// time. Zero disables it.
	NegotiationTimeout time.Duration
	Observer           Observer
}

// Negotiator runs the offer/answer/ICE state machine for every remote peer
// of one room. Each peer's negotiation is self-contained; a failure of one
// peer never affects another.
type Negotiator struct {
	opts  Options
	ch    signaling.Channel
	peers *registry.Registry[*Peer]
	early *earlyCandidates
	log   util.Logger

	mu     sync.Mutex // serializes creation and replacement of entries
	closed bool
	offs   []func()
}

// New creates a Negotiator and registers its handlers on ch.
func New(ch signaling.Channel, opts Options) *Negotiator {
	n := &Negotiator{
		opts:  opts,
		ch:    ch,
		peers: registry.New[*Peer](),
		early: newEarlyCandidates(),
		log:   util.Scope("mesh"),
	}
	n.offs = []func(){
		ch.On(protocol.EventOffer, n.handleOffer),
		ch.On(protocol.EventAnswer, n.handleAnswer),
		ch.On(protocol.EventICECandidate, n.handleICECandidate),
	}
	return n
}

// ---------------------------------------------------------------------------
// Registry view
// ---------------------------------------------------------------------------

// Peers returns a snapshot of the registry.
func (n *Negotiator) Peers() []registry.Entry[*Peer] {
	return n.peers.Snapshot()
}

// OnChange registers fn to run after every registry mutation.
func (n *Negotiator) OnChange(fn func()) {
	n.peers.OnChange(fn)
}

// State returns the negotiation state of peerID, StateIdle if unknown.
func (n *Negotiator) State(peerID string) State {
	e, ok := n.peers.Get(peerID)
	if !ok {
		return StateIdle
	}
	return e.Conn.State()
}

// ---------------------------------------------------------------------------
// Outbound negotiation
// ---------------------------------------------------------------------------

// Initiate creates a connection to peerID, attaches the local tracks and
// sends an offer. It fails with registry.ErrExists if peerID already has a
// connection.
func (n *Negotiator) Initiate(peerID string, user room.Identity) error {
	if peerID == n.opts.SelfID {
		return ErrSelf
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return ErrClosed
	}
	if n.peers.Has(peerID) {
		return registry.ErrExists
	}

	p, err := n.createPeer(peerID, user, nil)
	if err != nil {
		return fmt.Errorf("initiate %s: %w", peerID, err)
	}
	if err := n.sendOffer(p); err != nil {
		n.peers.RemoveIf(peerID, same(p))
		return fmt.Errorf("initiate %s: %w", peerID, err)
	}
	return nil
}

// ConnectToAll initiates a connection to every participant other than self
// that has none. Calling it again with the same roster creates nothing new.
func (n *Negotiator) ConnectToAll(participants []room.Participant) {
	for _, p := range participants {
		id := p.ID()
		if id == n.opts.SelfID || n.peers.Has(id) {
			continue
		}
		if err := n.Initiate(id, p.Identity()); err != nil && !errors.Is(err, registry.ErrExists) {
			n.log.Warn("%v", err)
		}
	}
}

// createPeer builds a connection with the local tracks attached, wires its
// observers and registers it. carried candidates are buffered on the new
// peer along with any that arrived before it existed.
func (n *Negotiator) createPeer(peerID string, user room.Identity, carried []webrtc.ICECandidateInit) (*Peer, error) {
	conn, err := n.opts.NewConn(peerID)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection: %w", err)
	}
	p := newPeer(peerID, user, conn)

	if n.opts.Local != nil {
		for _, t := range n.opts.Local.Tracks() {
			if err := conn.AddTrack(t); err != nil {
				n.log.Warn("%s attach %s track: %v", util.Tag(peerID), t.Kind(), err)
				continue
			}
			if !t.Enabled() {
				_ = conn.ReplaceTrack(t.Kind(), nil)
			}
		}
	}

	conn.OnICECandidate(func(c webrtc.ICECandidateInit) {
		if err := n.send(protocol.EventICECandidate, peerID, protocol.ICECandidate{Candidate: c}); err != nil {
			n.log.Debug("%s send candidate: %v", util.Tag(peerID), err)
		}
	})
	conn.OnTrack(func(t media.Track) { n.onTrack(p, t) })
	conn.OnConnectionStateChange(func(s webrtc.PeerConnectionState) { n.onConnectionState(p, s) })

	if err := n.peers.Add(peerID, user, p); err != nil {
		_ = conn.Close()
		return nil, err
	}

	p.mu.Lock()
	p.pending = append(append(p.pending, carried...), n.early.take(peerID)...)
	if n.opts.NegotiationTimeout > 0 {
		p.timer = time.AfterFunc(n.opts.NegotiationTimeout, func() { n.onTimeout(p) })
	}
	p.mu.Unlock()

	n.log.Debug("%s connection created", util.Tag(peerID))
	return p, nil
}

// sendOffer creates and sends an offer. On a peer that already finished a
// negotiation, this is a renegotiation and the state is kept.
func (n *Negotiator) sendOffer(p *Peer) error {
	p.mu.Lock()
	offer, err := p.conn.CreateOffer()
	if err == nil {
		err = p.conn.SetLocalDescription(offer)
	}
	if err != nil {
		p.mu.Unlock()
		return err
	}
	switch p.state {
	case StateIdle:
		p.setStateLocked(StateOffering)
	case StateAnswered, StateConnected:
		p.renegotiating = true
	}
	p.dirty = false
	p.mu.Unlock()

	n.notifyState(p)
	return n.send(protocol.EventOffer, p.id, protocol.Offer{Offer: offer})
}

// renegotiate re-offers after a local track change. A peer still waiting for
// its first answer re-offers once that answer arrives.
func (n *Negotiator) renegotiate(p *Peer) {
	switch p.State() {
	case StateOffering:
		p.mu.Lock()
		p.dirty = true
		p.mu.Unlock()
	case StateAnswered, StateConnected:
		if err := n.sendOffer(p); err != nil {
			n.log.Warn("%s renegotiate: %v", util.Tag(p.id), err)
		}
	}
}

// ---------------------------------------------------------------------------
// Inbound negotiation
// ---------------------------------------------------------------------------

// accept filters envelopes that do not belong to this negotiator.
func (n *Negotiator) accept(env protocol.Envelope) bool {
	switch {
	case env.RoomID != n.opts.RoomID:
		n.log.Debug("dropping %s for room %q", env.Event, env.RoomID)
		return false
	case env.From == "" || env.From == n.opts.SelfID:
		n.log.Debug("dropping %s with sender %q", env.Event, env.From)
		return false
	}
	return true
}

func (n *Negotiator) handleOffer(env protocol.Envelope) {
	if !n.accept(env) {
		return
	}
	var msg protocol.Offer
	if err := env.Decode(&msg); err != nil {
		n.log.Warn("%v", err)
		return
	}

	from := env.From
	user := room.Identity{Name: from}
	if n.opts.Directory != nil {
		participant, ok := n.opts.Directory.Get(from)
		if !ok {
			n.log.Warn("dropping offer from unknown participant %s", util.Tag(from))
			return
		}
		user = participant.Identity()
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}

	// Lexicographically smaller id yields when offers collide.
	yields := n.opts.SelfID < from

	var carried []webrtc.ICECandidateInit
	if e, ok := n.peers.Get(from); ok {
		p := e.Conn
		p.mu.Lock()
		state, renegotiating := p.state, p.renegotiating
		p.mu.Unlock()

		switch {
		case state == StateOffering && !yields:
			n.log.Debug("%s glare: keeping our offer", util.Tag(from))
			return
		case state == StateOffering:
			n.log.Debug("%s glare: yielding to remote offer", util.Tag(from))
			carried = p.takePending()
			n.peers.RemoveIf(from, same(p))

		case state == StateAnswered || state == StateConnected:
			if renegotiating && !yields {
				n.log.Debug("%s glare on renegotiation: keeping our offer", util.Tag(from))
				return
			}
			if err := n.answer(p, msg.Offer, renegotiating); err != nil {
				n.log.Warn("%s renegotiation answer: %v", util.Tag(from), err)
			}
			return

		default:
			carried = p.takePending()
			n.peers.RemoveIf(from, same(p))
		}
	}

	p, err := n.createPeer(from, user, carried)
	if err != nil {
		n.log.Warn("%s accept offer: %v", util.Tag(from), err)
		return
	}
	if err := n.answer(p, msg.Offer, false); err != nil {
		n.log.Warn("%s answer: %v", util.Tag(from), err)
		n.peers.RemoveIf(from, same(p))
	}
}

// answer applies a remote offer and replies. rollback discards a pending
// local re-offer first.
func (n *Negotiator) answer(p *Peer, offer webrtc.SessionDescription, rollback bool) error {
	p.mu.Lock()
	if rollback {
		if err := p.conn.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}); err != nil {
			p.mu.Unlock()
			return fmt.Errorf("rollback: %w", err)
		}
		p.renegotiating = false
		p.dirty = true
	}
	if err := p.conn.SetRemoteDescription(offer); err != nil {
		p.mu.Unlock()
		return fmt.Errorf("set remote offer: %w", err)
	}
	p.remoteSet = true
	for _, err := range p.flushLocked() {
		n.log.Debug("%s candidate: %v", util.Tag(p.id), err)
	}

	answer, err := p.conn.CreateAnswer()
	if err == nil {
		err = p.conn.SetLocalDescription(answer)
	}
	if err != nil {
		p.mu.Unlock()
		return fmt.Errorf("create answer: %w", err)
	}
	if p.state != StateConnected {
		p.setStateLocked(StateAnswered)
	}
	dirty := p.dirty
	p.mu.Unlock()

	n.notifyState(p)
	if err := n.send(protocol.EventAnswer, p.id, protocol.Answer{Answer: answer}); err != nil {
		return err
	}
	if dirty {
		n.renegotiate(p)
	}
	return nil
}

func (n *Negotiator) handleAnswer(env protocol.Envelope) {
	if !n.accept(env) {
		return
	}
	var msg protocol.Answer
	if err := env.Decode(&msg); err != nil {
		n.log.Warn("%v", err)
		return
	}

	e, ok := n.peers.Get(env.From)
	if !ok {
		n.log.Debug("dropping answer from %s: no connection", util.Tag(env.From))
		return
	}
	p := e.Conn

	p.mu.Lock()
	if p.state != StateOffering && !p.renegotiating {
		state := p.state
		p.mu.Unlock()
		n.log.Debug("dropping answer from %s in state %s", util.Tag(p.id), state)
		return
	}
	if err := p.conn.SetRemoteDescription(msg.Answer); err != nil {
		p.mu.Unlock()
		n.log.Warn("%s set remote answer: %v", util.Tag(p.id), err)
		n.fail(p, "answer rejected")
		return
	}
	p.remoteSet = true
	p.renegotiating = false
	if p.state == StateOffering {
		p.setStateLocked(StateAnswered)
	}
	for _, err := range p.flushLocked() {
		n.log.Debug("%s candidate: %v", util.Tag(p.id), err)
	}
	dirty := p.dirty
	p.mu.Unlock()

	n.notifyState(p)
	if dirty {
		n.renegotiate(p)
	}
}

func (n *Negotiator) handleICECandidate(env protocol.Envelope) {
	if !n.accept(env) {
		return
	}
	var msg protocol.ICECandidate
	if err := env.Decode(&msg); err != nil {
		n.log.Warn("%v", err)
		return
	}

	e, ok := n.peers.Get(env.From)
	if !ok {
		if !n.early.add(env.From, msg.Candidate) {
			n.log.Debug("dropping early candidate from %s: buffer full", util.Tag(env.From))
		}
		return
	}

	p := e.Conn
	p.mu.Lock()
	err := p.addCandidateLocked(msg.Candidate)
	p.mu.Unlock()
	if err != nil {
		n.log.Debug("%s candidate: %v", util.Tag(p.id), err)
	}
}

// ---------------------------------------------------------------------------
// Connection events
// ---------------------------------------------------------------------------

func (n *Negotiator) onTrack(p *Peer, t media.Track) {
	if e, ok := n.peers.Get(p.id); !ok || e.Conn != p {
		return
	}
	stream, ok := n.peers.AttachTrack(p.id, t)
	if !ok {
		return
	}
	n.log.Info("%s receiving %s", util.Tag(p.id), t.Kind())
	if fn := n.opts.Observer.OnStream; fn != nil {
		fn(p.id, stream)
	}
}

func (n *Negotiator) onConnectionState(p *Peer, s webrtc.PeerConnectionState) {
	switch s {
	case webrtc.PeerConnectionStateConnected:
		if p.setState(StateConnected) {
			n.log.Info("%s connected", util.Tag(p.id))
			n.notifyState(p)
		}
	case webrtc.PeerConnectionStateDisconnected:
		n.log.Warn("%s disconnected, waiting for ICE to recover", util.Tag(p.id))
	case webrtc.PeerConnectionStateFailed:
		n.fail(p, "connection failed")
	}
}

func (n *Negotiator) onTimeout(p *Peer) {
	switch p.State() {
	case StateConnected, StateFailed, StateClosed:
		return
	}
	n.fail(p, "negotiation timed out")
}

// fail tears p down and reports its peer as gone. Not retried.
func (n *Negotiator) fail(p *Peer, reason string) {
	if !p.setState(StateFailed) {
		return
	}
	n.log.Warn("%s %s", util.Tag(p.id), reason)
	n.notifyState(p)
	if n.peers.RemoveIf(p.id, same(p)) {
		if fn := n.opts.Observer.OnPeerLeft; fn != nil {
			fn(p.id)
		}
	}
}

// ---------------------------------------------------------------------------
// Local media
// ---------------------------------------------------------------------------

// ReplaceTrack propagates the local track of kind to every existing
// connection. A nil track mutes the kind. Connections without a sender for
// kind get the track added and renegotiate. Peers registered while this runs
// may miss the change.
func (n *Negotiator) ReplaceTrack(kind webrtc.RTPCodecType, t *media.LocalTrack) {
	for _, e := range n.peers.Snapshot() {
		p := e.Conn
		if p.conn.HasSender(kind) {
			if err := p.conn.ReplaceTrack(kind, t); err != nil {
				n.log.Warn("%s replace %s track: %v", util.Tag(p.id), kind, err)
			}
			continue
		}
		if t == nil {
			continue
		}
		if err := p.conn.AddTrack(t); err != nil {
			n.log.Warn("%s add %s track: %v", util.Tag(p.id), kind, err)
			continue
		}
		n.renegotiate(p)
	}
}

// AttachTrack adds a newly acquired local track to every existing connection.
func (n *Negotiator) AttachTrack(t *media.LocalTrack) {
	n.ReplaceTrack(t.Kind(), t)
}

// ---------------------------------------------------------------------------
// Teardown
// ---------------------------------------------------------------------------

// Remove tears down the connection to peerID.
func (n *Negotiator) Remove(peerID string) bool {
	n.early.take(peerID)
	return n.peers.Remove(peerID)
}

// Close unregisters the handlers and tears down every connection. In-flight
// negotiations are abandoned.
func (n *Negotiator) Close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	offs := n.offs
	n.mu.Unlock()

	for _, off := range offs {
		off()
	}
	n.peers.Clear()
	n.early.clear()
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func (n *Negotiator) send(event protocol.Event, to string, payload any) error {
	env, err := protocol.NewEnvelope(event, payload)
	if err != nil {
		return err
	}
	return n.ch.Send(env.Addressed(to, n.opts.RoomID))
}

func (n *Negotiator) notifyState(p *Peer) {
	if fn := n.opts.Observer.OnState; fn != nil {
		fn(p.id, p.State())
	}
}

func same(p *Peer) func(registry.Entry[*Peer]) bool {
	return func(e registry.Entry[*Peer]) bool { return e.Conn == p }
}
