package call

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/confer/internal/media"
	"github.com/1ureka/confer/internal/mesh"
	"github.com/1ureka/confer/internal/protocol"
	"github.com/1ureka/confer/internal/room"
	"github.com/1ureka/confer/internal/sfu"
	"github.com/1ureka/confer/internal/signaling"
)

var (
	_ mesh.Conn           = (*fakeConn)(nil)
	_ sfu.Backend         = (*fakeBackend)(nil)
	_ sfu.TransportHandle = (*fakeTransport)(nil)
)

type fakeTrack struct {
	id   string
	kind webrtc.RTPCodecType
}

func (t fakeTrack) ID() string                { return t.id }
func (t fakeTrack) Kind() webrtc.RTPCodecType { return t.kind }

// ---------------------------------------------------------------------------
// Mesh connection
// ---------------------------------------------------------------------------

// fakeConn describes itself as "fake <owner> <kinds...>". Applying a remote
// description surfaces one track per kind; the connection reports connected
// once an answer has been applied on either side.
type fakeConn struct {
	owner string

	mu        sync.Mutex
	senders   map[webrtc.RTPCodecType]*media.LocalTrack
	seen      map[webrtc.RTPCodecType]bool
	answered  bool
	connected bool
	onTrack   func(media.Track)
	onState   func(webrtc.PeerConnectionState)

	closed atomic.Bool
}

func (c *fakeConn) AddTrack(t *media.LocalTrack) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.senders[t.Kind()] = t
	return nil
}

func (c *fakeConn) ReplaceTrack(kind webrtc.RTPCodecType, t *media.LocalTrack) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.senders[kind]; !ok {
		return fmt.Errorf("no %s sender", kind)
	}
	c.senders[kind] = t
	return nil
}

func (c *fakeConn) HasSender(kind webrtc.RTPCodecType) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.senders[kind]
	return ok
}

func (c *fakeConn) sender(kind webrtc.RTPCodecType) *media.LocalTrack {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.senders[kind]
}

func (c *fakeConn) describe(typ webrtc.SDPType) (webrtc.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sdp := "fake " + c.owner
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		if _, ok := c.senders[kind]; ok {
			sdp += " " + kind.String()
		}
	}
	return webrtc.SessionDescription{Type: typ, SDP: sdp}, nil
}

func (c *fakeConn) CreateOffer() (webrtc.SessionDescription, error) {
	return c.describe(webrtc.SDPTypeOffer)
}

func (c *fakeConn) CreateAnswer() (webrtc.SessionDescription, error) {
	return c.describe(webrtc.SDPTypeAnswer)
}

func (c *fakeConn) SetLocalDescription(sdp webrtc.SessionDescription) error {
	if sdp.Type == webrtc.SDPTypeAnswer {
		c.connect()
	}
	return nil
}

func (c *fakeConn) SetRemoteDescription(sdp webrtc.SessionDescription) error {
	fields := strings.Fields(sdp.SDP)
	if len(fields) < 2 || fields[0] != "fake" {
		return fmt.Errorf("malformed sdp %q", sdp.SDP)
	}

	c.mu.Lock()
	var fresh []media.Track
	for _, k := range fields[2:] {
		kind := webrtc.NewRTPCodecType(k)
		if !c.seen[kind] {
			c.seen[kind] = true
			fresh = append(fresh, fakeTrack{id: fields[1] + "-" + k, kind: kind})
		}
	}
	onTrack := c.onTrack
	c.mu.Unlock()

	for _, t := range fresh {
		if onTrack != nil {
			go onTrack(t)
		}
	}
	if sdp.Type == webrtc.SDPTypeAnswer {
		c.connect()
	}
	return nil
}

func (c *fakeConn) connect() {
	c.mu.Lock()
	fire := !c.connected
	c.connected = true
	onState := c.onState
	c.mu.Unlock()
	if fire && onState != nil {
		go onState(webrtc.PeerConnectionStateConnected)
	}
}

// fail reports the connection as failed.
func (c *fakeConn) fail() {
	c.mu.Lock()
	onState := c.onState
	c.mu.Unlock()
	if onState != nil {
		onState(webrtc.PeerConnectionStateFailed)
	}
}

func (c *fakeConn) AddICECandidate(webrtc.ICECandidateInit) error { return nil }

func (c *fakeConn) OnICECandidate(func(webrtc.ICECandidateInit)) {}

func (c *fakeConn) OnTrack(fn func(media.Track)) {
	c.mu.Lock()
	c.onTrack = fn
	c.mu.Unlock()
}

func (c *fakeConn) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

func (c *fakeConn) Close() error {
	c.closed.Store(true)
	return nil
}

// fakeFactory hands out fakeConns and remembers them per remote peer.
type fakeFactory struct {
	owner string

	mu    sync.Mutex
	conns map[string][]*fakeConn
}

func newFakeFactory(owner string) *fakeFactory {
	return &fakeFactory{owner: owner, conns: make(map[string][]*fakeConn)}
}

func (f *fakeFactory) NewConn(peerID string) (mesh.Conn, error) {
	c := &fakeConn{
		owner:   f.owner,
		senders: make(map[webrtc.RTPCodecType]*media.LocalTrack),
		seen:    make(map[webrtc.RTPCodecType]bool),
	}
	f.mu.Lock()
	f.conns[peerID] = append(f.conns[peerID], c)
	f.mu.Unlock()
	return c, nil
}

func (f *fakeFactory) last(peerID string) *fakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	list := f.conns[peerID]
	if len(list) == 0 {
		return nil
	}
	return list[len(list)-1]
}

func (f *fakeFactory) count(peerID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns[peerID])
}

// ---------------------------------------------------------------------------
// SFU backend
// ---------------------------------------------------------------------------

type fakeBackend struct {
	caps protocol.RtpCapabilities

	mu         sync.Mutex
	transports []*fakeTransport
}

func (b *fakeBackend) Capabilities() protocol.RtpCapabilities { return b.caps }

func (b *fakeBackend) NewTransport(params protocol.TransportCreated) (sfu.TransportHandle, error) {
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
	ssrc   atomic.Uint32
	closed atomic.Bool
}

func (t *fakeTransport) DTLSParameters() (webrtc.DTLSParameters, error) {
	return webrtc.DTLSParameters{Role: webrtc.DTLSRoleClient}, nil
}

func (t *fakeTransport) Connect(context.Context) error { return nil }

func (t *fakeTransport) Send(track *media.LocalTrack) (sfu.SenderHandle, protocol.RtpParameters, error) {
	return &fakeSender{track: track}, protocol.RtpParameters{
		Codecs:    []protocol.RtpCodecParameters{{MimeType: webrtc.MimeTypeVP8, PayloadType: 96}},
		Encodings: []protocol.RtpEncodingParameters{{SSRC: t.ssrc.Add(1)}},
	}, nil
}

func (t *fakeTransport) Receive(kind protocol.MediaKind, _ protocol.RtpParameters) (sfu.ReceiverHandle, error) {
	return &fakeReceiver{track: fakeTrack{id: fmt.Sprintf("recv-%s-%d", kind, t.ssrc.Add(1)), kind: kind.CodecType()}}, nil
}

func (t *fakeTransport) Close() error {
	t.closed.Store(true)
	return nil
}

type fakeSender struct {
	mu    sync.Mutex
	track *media.LocalTrack
}

func (s *fakeSender) Start() error { return nil }

func (s *fakeSender) ReplaceTrack(t *media.LocalTrack) error {
	s.mu.Lock()
	s.track = t
	s.mu.Unlock()
	return nil
}

func (s *fakeSender) Close() error { return nil }

type fakeReceiver struct {
	track fakeTrack
}

func (r *fakeReceiver) Track() media.Track { return r.track }
func (r *fakeReceiver) Close() error       { return nil }

// ---------------------------------------------------------------------------
// SFU router
// ---------------------------------------------------------------------------

// fakeRouter answers SFU requests on the hub. Producer ids are
// "<peer>-<kind>"; consumers are "c-<producer>".
type fakeRouter struct {
	ep   *signaling.Endpoint
	caps protocol.RtpCapabilities

	mu       sync.Mutex
	received []protocol.Envelope
	failures map[protocol.Event]string
	seq      int
}

func newFakeRouter(t *testing.T, hub *signaling.Hub, caps protocol.RtpCapabilities) *fakeRouter {
	t.Helper()
	ep, err := hub.Connect(roomID, room.NewMember(routerID, room.User{Name: "router"}, false))
	require.NoError(t, err)
	t.Cleanup(func() { _ = ep.Close() })

	r := &fakeRouter{ep: ep, caps: caps, failures: make(map[protocol.Event]string)}
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
		ep.On(event, r.handle)
	}
	return r
}

func (r *fakeRouter) handle(env protocol.Envelope) {
	r.mu.Lock()
	r.received = append(r.received, env)
	failure, fails := r.failures[env.Event]
	r.seq++
	seq := r.seq
	r.mu.Unlock()

	if fails {
		r.reply(env, protocol.EventError, protocol.Error{Message: failure})
		return
	}

	switch env.Event {
	case protocol.EventGetRouterCapabilities:
		r.reply(env, protocol.EventRouterCapabilities, protocol.RouterCapabilities{RtpCapabilities: r.caps})

	case protocol.EventCreateTransport:
		var msg protocol.CreateTransport
		_ = env.Decode(&msg)
		r.reply(env, protocol.EventTransportCreated, protocol.TransportCreated{
			ID:        fmt.Sprintf("t-%s-%d", msg.Direction, seq),
			Direction: msg.Direction,
		})

	case protocol.EventConnectTransport:
		var msg protocol.ConnectTransport
		_ = env.Decode(&msg)
		r.reply(env, protocol.EventTransportConnected, protocol.TransportConnected{TransportID: msg.TransportID})

	case protocol.EventProduce:
		var msg protocol.Produce
		_ = env.Decode(&msg)
		r.reply(env, protocol.EventProducerCreated, protocol.ProducerCreated{ID: env.From + "-" + string(msg.Kind), Kind: msg.Kind})

	case protocol.EventConsume:
		var msg protocol.Consume
		_ = env.Decode(&msg)
		owner, kind, _ := strings.Cut(msg.ProducerID, "-")
		r.reply(env, protocol.EventConsumerCreated, protocol.ConsumerCreated{
			ID:             "c-" + msg.ProducerID,
			ProducerID:     msg.ProducerID,
			ProducerPeerID: owner,
			DisplayName:    "user " + owner,
			Kind:           protocol.MediaKind(kind),
			RtpParameters: protocol.RtpParameters{
				Codecs:    []protocol.RtpCodecParameters{{MimeType: webrtc.MimeTypeVP8, PayloadType: 96, ClockRate: 90000}},
				Encodings: []protocol.RtpEncodingParameters{{SSRC: uint32(seq)}},
			},
		})

	case protocol.EventResumeConsumer:
		var msg protocol.ResumeConsumer
		_ = env.Decode(&msg)
		r.reply(env, protocol.EventConsumerResumed, protocol.ConsumerResumed{ConsumerID: msg.ConsumerID})
	}
}

func (r *fakeRouter) reply(req protocol.Envelope, event protocol.Event, payload any) {
	env, err := protocol.NewEnvelope(event, payload)
	if err != nil {
		panic(err)
	}
	env.RequestID = req.RequestID
	_ = r.ep.Send(env.Addressed(req.From, roomID))
}

// announce tells peerID about a producer of another participant.
func (r *fakeRouter) announce(t *testing.T, peerID, producerID string) {
	t.Helper()
	env, err := protocol.NewEnvelope(protocol.EventNewProducer, protocol.NewProducer{ProducerID: producerID})
	require.NoError(t, err)
	require.NoError(t, r.ep.Send(env.Addressed(peerID, roomID)))
}

func (r *fakeRouter) setFailure(event protocol.Event, msg string) {
	r.mu.Lock()
	r.failures[event] = msg
	r.mu.Unlock()
}

func (r *fakeRouter) got(event protocol.Event) []protocol.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []protocol.Envelope
	for _, env := range r.received {
		if env.Event == event {
			out = append(out, env)
		}
	}
	return out
}
