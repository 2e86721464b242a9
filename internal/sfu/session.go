// Package sfu manages a call routed through a selective forwarding unit: the
// router capabilities, one send and one receive transport, a producer per
// local media kind and a consumer per remote producer. Every exchange with
// the server is a request matched to exactly one reply or error.
package sfu

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/sasha-s/go-deadlock"

	"github.com/1ureka/confer/internal/media"
	"github.com/1ureka/confer/internal/protocol"
	"github.com/1ureka/confer/internal/room"
	"github.com/1ureka/confer/internal/signaling"
	"github.com/1ureka/confer/internal/util"
)

const DefaultRequestTimeout = 10 * time.Second

// Options configure a Session.
type Options struct {
	Backend Backend
	// Source captures local media for StartLocalVideo and screen sharing.
	Source media.Source
	// Local is the local track set. A new empty set is used when nil.
	Local *media.LocalMedia
	// ServerID addresses requests to the SFU server. Empty broadcasts them
	// to the room.
	ServerID       string
	RequestTimeout time.Duration
	Observer       Observer
}

// Session is the client side of one SFU call.
type Session struct {
	ch      signaling.Channel
	opts    Options
	device  *Device
	local   *media.LocalMedia
	waiters *waiters
	log     util.Logger

	ctx    context.Context // ends on Disconnect
	cancel context.CancelFunc

	sendMu sync.Mutex // serializes send transport creation and producing

	mu           deadlock.Mutex
	state        SessionState
	roomID       string
	peerID       string
	send         *Transport
	recv         *Transport
	recvOpening  bool
	pending      []string // producer ids waiting for the receive transport
	producers    map[protocol.MediaKind]*Producer
	consumers    map[string]*Consumer
	creating     map[string]bool // consumer ids being set up; true once the server closed them
	participants map[string]*remoteParticipant
	offs         []func()
}

// New creates an uninitialized session and registers its handlers on ch.
func New(ch signaling.Channel, opts Options) *Session {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	local := opts.Local
	if local == nil {
		local = media.NewLocalMedia()
	}
	ctx, cancel := context.WithCancel(context.Background())

	s := &Session{
		ch:           ch,
		opts:         opts,
		device:       NewDevice(opts.Backend.Capabilities()),
		local:        local,
		waiters:      newWaiters(),
		log:          util.Scope("sfu"),
		ctx:          ctx,
		cancel:       cancel,
		producers:    make(map[protocol.MediaKind]*Producer),
		consumers:    make(map[string]*Consumer),
		creating:     make(map[string]bool),
		participants: make(map[string]*remoteParticipant),
	}

	for _, event := range []protocol.Event{
		protocol.EventRouterCapabilities,
		protocol.EventTransportCreated,
		protocol.EventTransportConnected,
		protocol.EventProducerCreated,
		protocol.EventConsumerResumed,
	} {
		s.offs = append(s.offs, ch.On(event, s.handleReply))
	}
	s.offs = append(s.offs,
		ch.On(protocol.EventError, s.handleError),
		ch.On(protocol.EventNewProducer, s.handleNewProducer),
		ch.On(protocol.EventConsumerCreated, s.handleConsumerCreated),
		ch.On(protocol.EventConsumerClosed, s.handleConsumerClosed),
	)
	return s
}

// ---------------------------------------------------------------------------
// Accessors
// ---------------------------------------------------------------------------

func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Device() *Device { return s.device }

// Local returns the local track set.
func (s *Session) Local() *media.LocalMedia { return s.local }

// ProducerCount returns the number of producers of kind, never more than one.
func (s *Session) ProducerCount(kind protocol.MediaKind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.producers[kind]; ok {
		return 1
	}
	return 0
}

// Producer returns the id and pause state of the producer of kind.
func (s *Session) Producer(kind protocol.MediaKind) (id string, paused bool, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.producers[kind]
	if !ok {
		return "", false, false
	}
	return p.ID, p.paused, true
}

func (s *Session) ConsumerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.consumers)
}

// TransportState returns the state of the transport for dir.
func (s *Session) TransportState(dir protocol.Direction) TransportState {
	s.mu.Lock()
	t := s.send
	if dir == protocol.DirectionRecv {
		t = s.recv
	}
	s.mu.Unlock()
	return t.State()
}

// Participants returns the remote participants ordered by peer id.
func (s *Session) Participants() []Participant {
	s.mu.Lock()
	out := make([]Participant, 0, len(s.participants))
	for _, rp := range s.participants {
		p := Participant{PeerID: rp.peerID, DisplayName: rp.displayName, Stream: rp.stream}
		for id := range rp.consumers {
			p.Consumers = append(p.Consumers, id)
		}
		slices.Sort(p.Consumers)
		out = append(out, p)
	}
	s.mu.Unlock()

	slices.SortFunc(out, func(a, b Participant) int { return strings.Compare(a.PeerID, b.PeerID) })
	return out
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Initialize loads the router capabilities and joins roomID. A capability
// failure is returned wrapped in ErrCapabilities and leaves the session
// uninitialized.
func (s *Session) Initialize(ctx context.Context, roomID, peerID, displayName string, isHost bool) error {
	s.mu.Lock()
	switch s.state {
	case StateDisconnected:
		s.mu.Unlock()
		return ErrClosed
	case StateUninitialized:
	default:
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("session already %s", state)
	}
	s.roomID, s.peerID = roomID, peerID
	s.mu.Unlock()

	env, err := s.request(ctx, protocol.EventGetRouterCapabilities, nil, protocol.EventRouterCapabilities)
	if err != nil {
		return fmt.Errorf("%w: failed to get router capabilities: %w", ErrCapabilities, err)
	}
	var msg protocol.RouterCapabilities
	if err := env.Decode(&msg); err != nil {
		return fmt.Errorf("%w: %v", ErrCapabilities, err)
	}
	if err := s.device.Load(msg.RtpCapabilities); err != nil {
		return err
	}
	if !s.transition(StateCapabilityLoaded, StateUninitialized) {
		return ErrClosed
	}

	self := room.NewMember(peerID, room.User{ID: peerID, Name: displayName}, isHost)
	settings := s.local.Settings()
	self.Media = room.MediaState{
		Video:       settings.VideoEnabled,
		Audio:       settings.AudioEnabled,
		ScreenShare: settings.ScreenShareEnabled,
	}
	join := protocol.JoinRoom{RoomID: roomID, RtpCapabilities: s.device.RtpCapabilities(), Participant: self}
	if err := s.emit(protocol.EventJoinRoom, join); err != nil {
		return fmt.Errorf("failed to join room %s: %w", roomID, err)
	}
	s.transition(StateJoined, StateCapabilityLoaded)

	s.log.Info("joined room %s with %d codecs", roomID, len(s.device.RtpCapabilities().Codecs))
	return nil
}

// StartLocalVideo captures local media when none is held, creates the send
// transport if needed and produces every kind that has no producer yet.
func (s *Session) StartLocalVideo(ctx context.Context) error {
	if err := s.ready(); err != nil {
		return err
	}

	if s.local.Empty() {
		if s.opts.Source == nil {
			return fmt.Errorf("%w: no media source", ErrMedia)
		}
		tracks, err := s.opts.Source.UserMedia(ctx, media.Constraints{Video: true, Audio: true})
		if err != nil {
			return fmt.Errorf("%w: %v", ErrMedia, err)
		}
		s.local.Set(tracks...)
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	t, err := s.sendTransport(ctx)
	if err != nil {
		return err
	}

	var errs []error
	for _, track := range s.local.Tracks() {
		if err := s.produce(ctx, t, track); err != nil {
			errs = append(errs, err)
		}
	}
	if s.ProducerCount(protocol.MediaKindAudio)+s.ProducerCount(protocol.MediaKindVideo) > 0 {
		s.transition(StateProducing, StateJoined, StateCapabilityLoaded)
	}
	return errors.Join(errs...)
}

// Disconnect closes every consumer, producer and transport, stops the local
// tracks and forgets the remote participants. Safe to call from any state and
// more than once. In-flight requests fail with ErrClosed.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	if s.state == StateDisconnected {
		s.mu.Unlock()
		return nil
	}
	s.state = StateDisconnected
	consumers, producers, participants := s.consumers, s.producers, s.participants
	transports := []*Transport{s.send, s.recv}
	offs := s.offs
	s.consumers = make(map[string]*Consumer)
	s.producers = make(map[protocol.MediaKind]*Producer)
	s.participants = make(map[string]*remoteParticipant)
	s.creating = make(map[string]bool)
	s.send, s.recv, s.pending, s.offs = nil, nil, nil, nil
	s.mu.Unlock()

	s.cancel()
	s.waiters.close(ErrClosed)
	for _, off := range offs {
		off()
	}

	var errs []error
	for _, c := range consumers {
		errs = append(errs, c.receiver.Close())
	}
	for _, p := range producers {
		errs = append(errs, p.sender.Close())
	}
	for _, t := range transports {
		if t == nil {
			continue
		}
		t.setState(TransportClosed)
		errs = append(errs, t.handle.Close())
	}
	errs = append(errs, s.local.Stop())

	for peerID, rp := range participants {
		rp.stream.Stop()
		s.streamRemoved(peerID)
	}

	s.log.Info("disconnected (%d consumers, %d producers)", len(consumers), len(producers))
	return errors.Join(errs...)
}

// ---------------------------------------------------------------------------
// Producing
// ---------------------------------------------------------------------------

func (s *Session) sendTransport(ctx context.Context) (*Transport, error) {
	s.mu.Lock()
	t := s.send
	s.mu.Unlock()
	if t != nil {
		return t, nil
	}

	t, err := s.createTransport(ctx, protocol.DirectionSend)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateDisconnected {
		_ = t.handle.Close()
		return nil, ErrClosed
	}
	s.send = t
	return t, nil
}

func (s *Session) produce(ctx context.Context, t *Transport, track *media.LocalTrack) error {
	kind := protocol.KindOf(track.Kind())
	if s.ProducerCount(kind) > 0 {
		return nil
	}
	if !s.device.CanProduce(kind) {
		s.log.Warn("router cannot receive %s, not producing it", kind)
		return nil
	}

	t.negotiate.Lock()
	defer t.negotiate.Unlock()

	if err := s.connect(ctx, t); err != nil {
		return err
	}
	sender, params, err := t.handle.Send(track)
	if err != nil {
		return fmt.Errorf("failed to prepare %s sender: %w", kind, err)
	}

	env, err := s.request(ctx, protocol.EventProduce,
		protocol.Produce{TransportID: t.ID, Kind: kind, RtpParameters: params},
		protocol.EventProducerCreated)
	if err != nil {
		_ = sender.Close()
		return fmt.Errorf("produce %s: %w", kind, err)
	}
	var created protocol.ProducerCreated
	if err := env.Decode(&created); err != nil {
		_ = sender.Close()
		return err
	}
	if err := sender.Start(); err != nil {
		_ = sender.Close()
		return fmt.Errorf("failed to start %s sender: %w", kind, err)
	}

	p := &Producer{ID: created.ID, Kind: kind, sender: sender, track: track}
	if !track.Enabled() {
		p.paused = true
		_ = sender.ReplaceTrack(nil)
	}

	s.mu.Lock()
	if s.state == StateDisconnected {
		s.mu.Unlock()
		_ = sender.Close()
		return ErrClosed
	}
	s.producers[kind] = p
	s.mu.Unlock()

	util.Stats.AddProducer()
	s.log.Info("producing %s as %s", kind, created.ID)
	if p.paused && kind == protocol.MediaKindVideo {
		return s.emit(protocol.EventPauseProducer, protocol.PauseProducer{ProducerID: p.ID, Kind: kind, Pause: true})
	}
	return nil
}

// ToggleVideo enables or disables the camera. The video producer is paused
// and resumed in place, locally and on the server.
func (s *Session) ToggleVideo(enabled bool) error {
	return s.toggle(webrtc.RTPCodecTypeVideo, enabled)
}

// ToggleAudio enables or disables the microphone locally.
func (s *Session) ToggleAudio(enabled bool) error {
	return s.toggle(webrtc.RTPCodecTypeAudio, enabled)
}

func (s *Session) toggle(codecType webrtc.RTPCodecType, enabled bool) error {
	if s.State() == StateDisconnected {
		return ErrClosed
	}
	if _, err := s.local.SetEnabled(codecType, enabled); err != nil {
		return err
	}
	kind := protocol.KindOf(codecType)

	s.mu.Lock()
	p, ok := s.producers[kind]
	if !ok || p.paused == !enabled {
		s.mu.Unlock()
		return nil
	}
	p.paused = !enabled
	var err error
	if enabled {
		err = p.sender.ReplaceTrack(p.track)
	} else {
		err = p.sender.ReplaceTrack(nil)
	}
	if kind == protocol.MediaKindVideo {
		switch {
		case enabled && s.state == StatePaused:
			s.state = StateProducing
		case !enabled && s.state == StateProducing:
			s.state = StatePaused
		}
	}
	id := p.ID
	s.mu.Unlock()

	if err != nil {
		return fmt.Errorf("failed to toggle %s: %w", kind, err)
	}
	if kind != protocol.MediaKindVideo {
		return nil
	}
	return s.emit(protocol.EventPauseProducer, protocol.PauseProducer{ProducerID: id, Kind: kind, Pause: !enabled})
}

// StartScreenShare captures the screen and sends it through the existing
// video producer. Fails with ErrNoProducer when nothing is produced yet.
func (s *Session) StartScreenShare(ctx context.Context) error {
	if err := s.ready(); err != nil {
		return err
	}
	if s.ProducerCount(protocol.MediaKindVideo) == 0 {
		return ErrNoProducer
	}
	if s.opts.Source == nil {
		return fmt.Errorf("%w: no media source", ErrMedia)
	}

	screen, err := s.opts.Source.DisplayMedia(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMedia, err)
	}
	if err := s.local.StartScreenShare(screen); err != nil {
		_ = screen.Stop()
		return err
	}
	if err := s.swapVideo(screen); err != nil {
		camera, _ := s.local.StopScreenShare()
		_ = s.swapVideo(camera)
		return err
	}
	s.log.Info("screen share started")
	return nil
}

// StopScreenShare restores the camera track on the video producer.
func (s *Session) StopScreenShare() error {
	camera, err := s.local.StopScreenShare()
	if err != nil {
		return err
	}
	if err := s.swapVideo(camera); err != nil {
		return err
	}
	s.log.Info("screen share stopped")
	return nil
}

// swapVideo points the video producer at t. A paused producer keeps sending
// nothing until resumed.
func (s *Session) swapVideo(t *media.LocalTrack) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.producers[protocol.MediaKindVideo]
	if !ok {
		return ErrNoProducer
	}
	p.track = t
	if p.paused {
		return nil
	}
	if err := p.sender.ReplaceTrack(t); err != nil {
		return fmt.Errorf("failed to replace video track: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Consuming
// ---------------------------------------------------------------------------

// Consume asks the server for a consumer of producerID. Without a receive
// transport the request is queued, the transport is opened once and the
// queue is flushed when it is ready.
func (s *Session) Consume(producerID string) error {
	if err := s.ready(); err != nil {
		return err
	}

	s.mu.Lock()
	for _, c := range s.consumers {
		if c.ProducerID == producerID {
			s.mu.Unlock()
			return nil
		}
	}
	if s.recv == nil {
		if !slices.Contains(s.pending, producerID) {
			s.pending = append(s.pending, producerID)
		}
		open := !s.recvOpening
		s.recvOpening = true
		s.mu.Unlock()

		if open {
			go s.openRecv()
		}
		return nil
	}
	s.mu.Unlock()
	return s.requestConsumer(producerID)
}

func (s *Session) requestConsumer(producerID string) error {
	err := s.emit(protocol.EventConsume, protocol.Consume{
		ProducerID:      producerID,
		RtpCapabilities: s.device.RtpCapabilities(),
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", producerID, err)
	}
	return nil
}

func (s *Session) openRecv() {
	t, err := s.createTransport(s.ctx, protocol.DirectionRecv)

	s.mu.Lock()
	s.recvOpening = false
	if err != nil {
		s.mu.Unlock()
		s.reportError(err)
		return
	}
	if s.state == StateDisconnected {
		s.mu.Unlock()
		_ = t.handle.Close()
		return
	}
	s.recv = t
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	for _, id := range pending {
		if err := s.requestConsumer(id); err != nil {
			s.reportError(err)
		}
	}
}

func (s *Session) onConsumerCreated(msg protocol.ConsumerCreated) {
	s.mu.Lock()
	t, closed := s.recv, s.state == StateDisconnected
	s.mu.Unlock()
	if closed {
		s.settle(msg.ID)
		return
	}
	if t == nil {
		s.settle(msg.ID)
		s.reportError(fmt.Errorf("consumer %s created without a receive transport", msg.ID))
		return
	}

	t.negotiate.Lock()
	err := s.connect(s.ctx, t)
	var receiver ReceiverHandle
	if err == nil {
		receiver, err = t.handle.Receive(msg.Kind, msg.RtpParameters)
	}
	t.negotiate.Unlock()
	if err != nil {
		s.settle(msg.ID)
		s.reportError(fmt.Errorf("consumer %s: %w", msg.ID, err))
		return
	}

	c := &Consumer{
		ID:         msg.ID,
		ProducerID: msg.ProducerID,
		PeerID:     msg.ProducerPeerID,
		Kind:       msg.Kind,
		receiver:   receiver,
		track:      receiver.Track(),
	}

	s.mu.Lock()
	closedByServer := s.creating[c.ID]
	delete(s.creating, c.ID)
	if s.state == StateDisconnected || closedByServer {
		s.mu.Unlock()
		_ = receiver.Close()
		if closedByServer {
			s.log.Debug("consumer %s closed while it was set up", c.ID)
		}
		return
	}
	s.consumers[c.ID] = c
	rp, ok := s.participants[c.PeerID]
	if !ok {
		rp = &remoteParticipant{
			peerID:      c.PeerID,
			displayName: msg.DisplayName,
			stream:      media.NewStream(c.PeerID),
			consumers:   make(map[string]struct{}),
		}
		s.participants[c.PeerID] = rp
	} else if msg.DisplayName != "" {
		rp.displayName = msg.DisplayName
	}
	rp.consumers[c.ID] = struct{}{}
	stream := rp.stream
	s.mu.Unlock()

	if c.track != nil {
		stream.AddTrack(c.track)
	}
	util.Stats.AddConsumer()
	s.log.Info("%s consuming %s", util.Tag(c.PeerID), c.Kind)
	if fn := s.opts.Observer.OnStream; fn != nil {
		fn(c.PeerID, stream)
	}

	if _, err := s.request(s.ctx, protocol.EventResumeConsumer,
		protocol.ResumeConsumer{ConsumerID: c.ID}, protocol.EventConsumerResumed); err != nil {
		s.reportError(fmt.Errorf("resume consumer %s: %w", c.ID, err))
		return
	}
	s.mu.Lock()
	if cur, ok := s.consumers[c.ID]; ok && cur == c {
		c.resumed = true
	}
	s.mu.Unlock()
}

// settle forgets a consumer that never got registered.
func (s *Session) settle(id string) {
	s.mu.Lock()
	delete(s.creating, id)
	s.mu.Unlock()
}

// closeConsumer drops one consumer and detaches it from its participant.
// The participant goes away with its last consumer. A consumer still being
// set up is marked so that it is discarded once its receiver exists.
func (s *Session) closeConsumer(id string) bool {
	s.mu.Lock()
	c, ok := s.consumers[id]
	if !ok {
		_, inFlight := s.creating[id]
		if inFlight {
			s.creating[id] = true
		}
		s.mu.Unlock()
		return inFlight
	}
	delete(s.consumers, id)

	var (
		removed bool
		stream  *media.Stream
	)
	if rp, ok := s.participants[c.PeerID]; ok {
		delete(rp.consumers, id)
		stream = rp.stream
		if len(rp.consumers) == 0 {
			delete(s.participants, c.PeerID)
			removed = true
		}
	}
	s.mu.Unlock()

	if err := c.receiver.Close(); err != nil {
		s.log.Debug("close consumer %s: %v", id, err)
	}
	switch {
	case removed:
		stream.Stop()
		s.streamRemoved(c.PeerID)
	case stream != nil:
		if c.track != nil {
			stream.RemoveTrack(c.track.ID())
		}
		if fn := s.opts.Observer.OnStream; fn != nil {
			fn(c.PeerID, stream)
		}
	}
	return true
}

// RemoveParticipant closes every consumer of peerID, e.g. after the peer
// left the room.
func (s *Session) RemoveParticipant(peerID string) bool {
	s.mu.Lock()
	rp, ok := s.participants[peerID]
	var ids []string
	if ok {
		for id := range rp.consumers {
			ids = append(ids, id)
		}
	}
	s.mu.Unlock()

	for _, id := range ids {
		s.closeConsumer(id)
	}
	return ok
}

// ---------------------------------------------------------------------------
// Server events
// ---------------------------------------------------------------------------

func (s *Session) accept(env protocol.Envelope) bool {
	s.mu.Lock()
	roomID := s.roomID
	s.mu.Unlock()
	if env.RoomID != "" && env.RoomID != roomID {
		s.log.Debug("dropping %s for room %q", env.Event, env.RoomID)
		return false
	}
	return true
}

func (s *Session) handleReply(env protocol.Envelope) {
	if !s.accept(env) {
		return
	}
	if !s.waiters.resolve(env) {
		s.log.Debug("unsolicited %s", env.Event)
	}
}

func (s *Session) handleError(env protocol.Envelope) {
	if !s.accept(env) {
		return
	}
	var msg protocol.Error
	if err := env.Decode(&msg); err != nil {
		msg.Message = "unspecified error"
	}
	err := &serverError{msg: msg.Message}
	if !s.waiters.reject(env.RequestID, err) {
		s.reportError(err)
	}
}

func (s *Session) handleNewProducer(env protocol.Envelope) {
	if !s.accept(env) {
		return
	}
	var msg protocol.NewProducer
	if err := env.Decode(&msg); err != nil {
		s.log.Warn("%v", err)
		return
	}
	if msg.PeerID != "" && msg.PeerID == s.selfID() {
		return
	}
	if err := s.Consume(msg.ProducerID); err != nil {
		s.log.Warn("consume %s: %v", msg.ProducerID, err)
	}
}

func (s *Session) handleConsumerCreated(env protocol.Envelope) {
	if !s.accept(env) {
		return
	}
	var msg protocol.ConsumerCreated
	if err := env.Decode(&msg); err != nil {
		s.log.Warn("%v", err)
		return
	}

	s.mu.Lock()
	_, known := s.consumers[msg.ID]
	_, inFlight := s.creating[msg.ID]
	if !known && !inFlight {
		s.creating[msg.ID] = false
	}
	s.mu.Unlock()
	if known || inFlight {
		s.log.Debug("duplicate consumer %s", msg.ID)
		return
	}
	// Receiving and resuming need replies on this same channel.
	go s.onConsumerCreated(msg)
}

func (s *Session) handleConsumerClosed(env protocol.Envelope) {
	if !s.accept(env) {
		return
	}
	var msg protocol.ConsumerClosed
	if err := env.Decode(&msg); err != nil {
		s.log.Warn("%v", err)
		return
	}
	if !s.closeConsumer(msg.ConsumerID) {
		s.log.Debug("consumer %s already gone", msg.ConsumerID)
	}
}

// ---------------------------------------------------------------------------
// Transports
// ---------------------------------------------------------------------------

func (s *Session) createTransport(ctx context.Context, dir protocol.Direction) (*Transport, error) {
	if !s.device.Loaded() {
		return nil, ErrNotLoaded
	}

	env, err := s.request(ctx, protocol.EventCreateTransport,
		protocol.CreateTransport{Direction: dir}, protocol.EventTransportCreated)
	if err != nil {
		return nil, fmt.Errorf("create %s transport: %w", dir, err)
	}
	var params protocol.TransportCreated
	if err := env.Decode(&params); err != nil {
		return nil, err
	}
	if params.Direction != "" && params.Direction != dir {
		return nil, fmt.Errorf("create %s transport: server created a %s transport", dir, params.Direction)
	}
	params.Direction = dir

	handle, err := s.opts.Backend.NewTransport(params)
	if err != nil {
		return nil, fmt.Errorf("create %s transport: %w", dir, err)
	}
	s.log.Debug("%s transport %s created", dir, params.ID)
	return &Transport{ID: params.ID, Direction: dir, handle: handle, state: TransportCreated}, nil
}

// connect runs the DTLS handshake of t on first use. The caller holds
// t.negotiate.
func (s *Session) connect(ctx context.Context, t *Transport) error {
	switch state := t.State(); state {
	case TransportConnected:
		return nil
	case TransportFailed, TransportClosed:
		return fmt.Errorf("%s transport %s is %s", t.Direction, t.ID, state)
	}

	dtls, err := t.handle.DTLSParameters()
	if err != nil {
		t.setState(TransportFailed)
		return fmt.Errorf("%s transport %s: %w", t.Direction, t.ID, err)
	}
	if _, err := s.request(ctx, protocol.EventConnectTransport,
		protocol.ConnectTransport{TransportID: t.ID, DTLSParameters: dtls},
		protocol.EventTransportConnected); err != nil {
		return fmt.Errorf("connect %s transport: %w", t.Direction, err)
	}
	if err := t.handle.Connect(ctx); err != nil {
		t.setState(TransportFailed)
		return fmt.Errorf("connect %s transport: %w", t.Direction, err)
	}
	t.setState(TransportConnected)
	s.log.Debug("%s transport %s connected", t.Direction, t.ID)
	return nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// request sends event and waits for its reply.
func (s *Session) request(ctx context.Context, event protocol.Event, payload any, replyEvent protocol.Event) (protocol.Envelope, error) {
	id := uuid.NewString()
	w, err := s.waiters.expect(replyEvent, id)
	if err != nil {
		return protocol.Envelope{}, err
	}
	env, err := protocol.NewEnvelope(event, payload)
	if err != nil {
		s.waiters.drop(w)
		return protocol.Envelope{}, err
	}
	env.RequestID = id
	if err := s.sendEnv(env); err != nil {
		s.waiters.drop(w)
		return protocol.Envelope{}, err
	}
	return s.waiters.wait(ctx, w, s.opts.RequestTimeout)
}

// emit sends event without waiting for a reply.
func (s *Session) emit(event protocol.Event, payload any) error {
	env, err := protocol.NewEnvelope(event, payload)
	if err != nil {
		return err
	}
	return s.sendEnv(env)
}

func (s *Session) sendEnv(env protocol.Envelope) error {
	s.mu.Lock()
	roomID := s.roomID
	s.mu.Unlock()
	return s.ch.Send(env.Addressed(s.opts.ServerID, roomID))
}

// transition moves to next if the current state is one of from.
func (s *Session) transition(next SessionState, from ...SessionState) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !slices.Contains(from, s.state) {
		return false
	}
	s.state = next
	return true
}

func (s *Session) ready() error {
	if s.State() == StateDisconnected {
		return ErrClosed
	}
	if !s.device.Loaded() {
		return ErrNotLoaded
	}
	return nil
}

func (s *Session) selfID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerID
}

func (s *Session) reportError(err error) {
	s.log.Warn("%v", err)
	if fn := s.opts.Observer.OnError; fn != nil {
		fn(err)
	}
}

func (s *Session) streamRemoved(peerID string) {
	if fn := s.opts.Observer.OnStreamRemoved; fn != nil {
		fn(peerID)
	}
}
