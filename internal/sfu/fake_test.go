package sfu

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/confer/internal/media"
	"github.com/1ureka/confer/internal/protocol"
	"github.com/1ureka/confer/internal/room"
	"github.com/1ureka/confer/internal/signaling"
)

const (
	roomID   = "r1"
	serverID = "sfu"
)

var (
	opus = protocol.RtpCodecCapability{Kind: protocol.MediaKindAudio, MimeType: webrtc.MimeTypeOpus, PreferredPayloadType: 100, ClockRate: 48000, Channels: 2}
	vp8  = protocol.RtpCodecCapability{Kind: protocol.MediaKindVideo, MimeType: webrtc.MimeTypeVP8, PreferredPayloadType: 101, ClockRate: 90000}
	h264 = protocol.RtpCodecCapability{Kind: protocol.MediaKindVideo, MimeType: webrtc.MimeTypeH264, PreferredPayloadType: 102, ClockRate: 90000}
)

// ---------------------------------------------------------------------------
// Backend
// ---------------------------------------------------------------------------

var (
	_ Backend         = (*fakeBackend)(nil)
	_ TransportHandle = (*fakeTransport)(nil)
	_ SenderHandle    = (*fakeSender)(nil)
	_ ReceiverHandle  = (*fakeReceiver)(nil)
)

type fakeBackend struct {
	caps protocol.RtpCapabilities

	mu         sync.Mutex
	transports []*fakeTransport
}

func (b *fakeBackend) Capabilities() protocol.RtpCapabilities { return b.caps }

func (b *fakeBackend) NewTransport(params protocol.TransportCreated) (TransportHandle, error) {
	t := &fakeTransport{params: params}
	b.mu.Lock()
	b.transports = append(b.transports, t)
	b.mu.Unlock()
	return t, nil
}

func (b *fakeBackend) all() []*fakeTransport {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*fakeTransport(nil), b.transports...)
}

type fakeTransport struct {
	params protocol.TransportCreated

	mu        sync.Mutex
	connected bool
	senders   []*fakeSender
	receivers []*fakeReceiver
	ssrc      uint32
	closed    atomic.Bool
}

func (t *fakeTransport) DTLSParameters() (webrtc.DTLSParameters, error) {
	return webrtc.DTLSParameters{Role: webrtc.DTLSRoleClient}, nil
}

func (t *fakeTransport) Connect(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed.Load() {
		return errors.New("closed")
	}
	t.connected = true
	return nil
}

func (t *fakeTransport) Send(track *media.LocalTrack) (SenderHandle, protocol.RtpParameters, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ssrc++
	s := &fakeSender{track: track}
	t.senders = append(t.senders, s)
	mime := webrtc.MimeTypeVP8
	if track.Kind() == webrtc.RTPCodecTypeAudio {
		mime = webrtc.MimeTypeOpus
	}
	params := protocol.RtpParameters{
		Codecs:    []protocol.RtpCodecParameters{{MimeType: mime, PayloadType: 100}},
		Encodings: []protocol.RtpEncodingParameters{{SSRC: t.ssrc}},
	}
	return s, params, nil
}

func (t *fakeTransport) Receive(kind protocol.MediaKind, params protocol.RtpParameters) (ReceiverHandle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := &fakeReceiver{track: fakeTrack{id: fmt.Sprintf("recv-%s-%d", kind, len(t.receivers)), kind: kind.CodecType()}}
	t.receivers = append(t.receivers, r)
	return r, nil
}

func (t *fakeTransport) Close() error {
	t.closed.Store(true)
	return nil
}

func (t *fakeTransport) sendersList() []*fakeSender {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*fakeSender(nil), t.senders...)
}

func (t *fakeTransport) receiversList() []*fakeReceiver {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*fakeReceiver(nil), t.receivers...)
}

type fakeSender struct {
	mu      sync.Mutex
	track   *media.LocalTrack
	started bool
	closed  bool
}

func (s *fakeSender) Start() error {
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()
	return nil
}

func (s *fakeSender) ReplaceTrack(t *media.LocalTrack) error {
	s.mu.Lock()
	s.track = t
	s.mu.Unlock()
	return nil
}

func (s *fakeSender) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *fakeSender) current() *media.LocalTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.track
}

func (s *fakeSender) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type fakeTrack struct {
	id   string
	kind webrtc.RTPCodecType
}

func (t fakeTrack) ID() string                { return t.id }
func (t fakeTrack) Kind() webrtc.RTPCodecType { return t.kind }

type fakeReceiver struct {
	track  fakeTrack
	closed atomic.Bool
}

func (r *fakeReceiver) Track() media.Track { return r.track }

func (r *fakeReceiver) Close() error {
	r.closed.Store(true)
	return nil
}

// ---------------------------------------------------------------------------
// Server
// ---------------------------------------------------------------------------

// fakeServer answers SFU requests on the hub the way a router would.
type fakeServer struct {
	t    *testing.T
	ep   *signaling.Endpoint
	caps protocol.RtpCapabilities

	mu        sync.Mutex
	silent    map[protocol.Event]bool
	holding   map[protocol.Event][]protocol.Envelope
	failures  map[protocol.Event]string
	received  []protocol.Envelope
	owners    map[string]string // producer id → peer id
	transport map[protocol.Direction]int
}

func newFakeServer(t *testing.T, hub *signaling.Hub, caps protocol.RtpCapabilities) *fakeServer {
	t.Helper()
	ep, err := hub.Connect(roomID, room.NewMember(serverID, room.User{Name: "router"}, false))
	require.NoError(t, err)
	t.Cleanup(func() { _ = ep.Close() })

	s := &fakeServer{
		t:         t,
		ep:        ep,
		caps:      caps,
		silent:    make(map[protocol.Event]bool),
		holding:   make(map[protocol.Event][]protocol.Envelope),
		failures:  make(map[protocol.Event]string),
		owners:    make(map[string]string),
		transport: make(map[protocol.Direction]int),
	}
	for _, event := range []protocol.Event{
		protocol.EventGetRouterCapabilities,
		protocol.EventJoinRoom,
		protocol.EventCreateTransport,
		protocol.EventConnectTransport,
		protocol.EventProduce,
		protocol.EventConsume,
		protocol.EventResumeConsumer,
		protocol.EventPauseProducer,
	} {
		ep.On(event, s.handle)
	}
	return s
}

func (s *fakeServer) handle(env protocol.Envelope) {
	s.mu.Lock()
	s.received = append(s.received, env)
	if held, ok := s.holding[env.Event]; ok {
		s.holding[env.Event] = append(held, env)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.answer(env)
}

func (s *fakeServer) answer(env protocol.Envelope) {
	s.mu.Lock()
	silent := s.silent[env.Event]
	failure, fails := s.failures[env.Event]
	s.mu.Unlock()

	if silent {
		return
	}
	if fails {
		s.reply(env, protocol.EventError, protocol.Error{Message: failure})
		return
	}

	switch env.Event {
	case protocol.EventGetRouterCapabilities:
		s.reply(env, protocol.EventRouterCapabilities, protocol.RouterCapabilities{RtpCapabilities: s.caps})

	case protocol.EventCreateTransport:
		var msg protocol.CreateTransport
		_ = env.Decode(&msg)
		s.mu.Lock()
		s.transport[msg.Direction]++
		id := fmt.Sprintf("t-%s-%d", msg.Direction, s.transport[msg.Direction])
		s.mu.Unlock()
		s.reply(env, protocol.EventTransportCreated, protocol.TransportCreated{
			ID:             id,
			Direction:      msg.Direction,
			ICEParameters:  webrtc.ICEParameters{UsernameFragment: "ufrag", Password: "pwd", ICELite: true},
			DTLSParameters: webrtc.DTLSParameters{Role: webrtc.DTLSRoleAuto},
		})

	case protocol.EventConnectTransport:
		var msg protocol.ConnectTransport
		_ = env.Decode(&msg)
		s.reply(env, protocol.EventTransportConnected, protocol.TransportConnected{TransportID: msg.TransportID})

	case protocol.EventProduce:
		var msg protocol.Produce
		_ = env.Decode(&msg)
		s.reply(env, protocol.EventProducerCreated, protocol.ProducerCreated{ID: "prod-" + string(msg.Kind), Kind: msg.Kind})

	case protocol.EventConsume:
		var msg protocol.Consume
		_ = env.Decode(&msg)
		s.mu.Lock()
		owner := s.owners[msg.ProducerID]
		s.mu.Unlock()
		s.reply(env, protocol.EventConsumerCreated, protocol.ConsumerCreated{
			ID:             "c-" + msg.ProducerID,
			ProducerID:     msg.ProducerID,
			ProducerPeerID: owner,
			DisplayName:    "user " + owner,
			Kind:           protocol.MediaKindVideo,
			RtpParameters: protocol.RtpParameters{
				Codecs:    []protocol.RtpCodecParameters{{MimeType: webrtc.MimeTypeVP8, PayloadType: 101, ClockRate: 90000}},
				Encodings: []protocol.RtpEncodingParameters{{SSRC: 1234}},
			},
		})

	case protocol.EventResumeConsumer:
		var msg protocol.ResumeConsumer
		_ = env.Decode(&msg)
		s.reply(env, protocol.EventConsumerResumed, protocol.ConsumerResumed{ConsumerID: msg.ConsumerID})
	}
}

func (s *fakeServer) reply(req protocol.Envelope, event protocol.Event, payload any) {
	env, err := protocol.NewEnvelope(event, payload)
	if err != nil {
		panic(err)
	}
	env.RequestID = req.RequestID
	// The client may already have left.
	_ = s.ep.Send(env.Addressed(req.From, roomID))
}

// push sends an unsolicited event to peerID.
func (s *fakeServer) push(peerID string, event protocol.Event, payload any) {
	env, err := protocol.NewEnvelope(event, payload)
	require.NoError(s.t, err)
	require.NoError(s.t, s.ep.Send(env.Addressed(peerID, roomID)))
}

func (s *fakeServer) own(producerID, peerID string) {
	s.mu.Lock()
	s.owners[producerID] = peerID
	s.mu.Unlock()
}

func (s *fakeServer) setSilent(event protocol.Event) {
	s.mu.Lock()
	s.silent[event] = true
	s.mu.Unlock()
}

// hold defers answering event until release.
func (s *fakeServer) hold(event protocol.Event) {
	s.mu.Lock()
	s.holding[event] = nil
	s.mu.Unlock()
}

func (s *fakeServer) release(event protocol.Event) {
	s.mu.Lock()
	held := s.holding[event]
	delete(s.holding, event)
	s.mu.Unlock()
	for _, env := range held {
		s.answer(env)
	}
}

func (s *fakeServer) setFailure(event protocol.Event, msg string) {
	s.mu.Lock()
	s.failures[event] = msg
	s.mu.Unlock()
}

// got returns the requests of event received so far.
func (s *fakeServer) got(event protocol.Event) []protocol.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []protocol.Envelope
	for _, env := range s.received {
		if env.Event == event {
			out = append(out, env)
		}
	}
	return out
}
