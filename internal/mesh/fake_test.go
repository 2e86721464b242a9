package mesh

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/confer/internal/media"
	"github.com/1ureka/confer/internal/protocol"
	"github.com/1ureka/confer/internal/signaling"
)

// Compile-time interface check.
var _ Conn = (*fakeConn)(nil)

// fakeConn is a self-contained Conn. Its session descriptions carry the
// sender's id and track kinds ("fake <owner> audio video"); applying a remote
// description surfaces one remote track per kind. It reports connected once
// an answer has been applied on either side.
type fakeConn struct {
	owner string

	mu         sync.Mutex
	local      *webrtc.SessionDescription
	remote     *webrtc.SessionDescription
	senders    map[webrtc.RTPCodecType]*media.LocalTrack
	candidates []webrtc.ICECandidateInit
	seen       map[webrtc.RTPCodecType]bool
	connected  bool
	offers     int
	candSeq    int

	onCandidate func(webrtc.ICECandidateInit)
	onTrack     func(media.Track)
	onState     func(webrtc.PeerConnectionState)

	closed atomic.Bool
}

func newFakeConn(owner string) *fakeConn {
	return &fakeConn{
		owner:   owner,
		senders: make(map[webrtc.RTPCodecType]*media.LocalTrack),
		seen:    make(map[webrtc.RTPCodecType]bool),
	}
}

type fakeTrack struct {
	id   string
	kind webrtc.RTPCodecType
}

func (t fakeTrack) ID() string                { return t.id }
func (t fakeTrack) Kind() webrtc.RTPCodecType { return t.kind }

func (c *fakeConn) AddTrack(t *media.LocalTrack) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.senders[t.Kind()]; ok {
		return fmt.Errorf("sender for %s exists", t.Kind())
	}
	c.senders[t.Kind()] = t
	return nil
}

func (c *fakeConn) ReplaceTrack(kind webrtc.RTPCodecType, t *media.LocalTrack) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.senders[kind]; !ok {
		return fmt.Errorf("no sender for %s", kind)
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

// sender returns the track currently sent for kind.
func (c *fakeConn) sender(kind webrtc.RTPCodecType) *media.LocalTrack {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.senders[kind]
}

func (c *fakeConn) describe(typ webrtc.SDPType) webrtc.SessionDescription {
	c.mu.Lock()
	defer c.mu.Unlock()
	sdp := "fake " + c.owner
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		if _, ok := c.senders[kind]; ok {
			sdp += " " + kind.String()
		}
	}
	return webrtc.SessionDescription{Type: typ, SDP: sdp}
}

func (c *fakeConn) CreateOffer() (webrtc.SessionDescription, error) {
	if c.closed.Load() {
		return webrtc.SessionDescription{}, errors.New("closed")
	}
	return c.describe(webrtc.SDPTypeOffer), nil
}

func (c *fakeConn) CreateAnswer() (webrtc.SessionDescription, error) {
	c.mu.Lock()
	hasRemote := c.remote != nil
	c.mu.Unlock()
	if !hasRemote {
		return webrtc.SessionDescription{}, errors.New("no remote offer")
	}
	return c.describe(webrtc.SDPTypeAnswer), nil
}

func (c *fakeConn) SetLocalDescription(sdp webrtc.SessionDescription) error {
	c.mu.Lock()
	if sdp.Type == webrtc.SDPTypeRollback {
		c.local = nil
		c.mu.Unlock()
		return nil
	}
	c.local = &sdp
	if sdp.Type == webrtc.SDPTypeOffer {
		c.offers++
	}
	c.candSeq++
	cand := webrtc.ICECandidateInit{Candidate: fmt.Sprintf("candidate:%s-%d", c.owner, c.candSeq)}
	onCandidate := c.onCandidate
	c.mu.Unlock()

	if onCandidate != nil {
		go onCandidate(cand)
	}
	c.maybeConnect()
	return nil
}

func (c *fakeConn) SetRemoteDescription(sdp webrtc.SessionDescription) error {
	fields := strings.Fields(sdp.SDP)
	if len(fields) < 2 || fields[0] != "fake" {
		return fmt.Errorf("malformed sdp %q", sdp.SDP)
	}

	c.mu.Lock()
	c.remote = &sdp
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

	if onTrack != nil {
		for _, t := range fresh {
			go onTrack(t)
		}
	}
	c.maybeConnect()
	return nil
}

func (c *fakeConn) maybeConnect() {
	c.mu.Lock()
	ready := !c.connected && c.local != nil && c.remote != nil &&
		(c.local.Type == webrtc.SDPTypeAnswer || c.remote.Type == webrtc.SDPTypeAnswer)
	if ready {
		c.connected = true
	}
	onState := c.onState
	c.mu.Unlock()

	if ready && onState != nil {
		go onState(webrtc.PeerConnectionStateConnected)
	}
}

func (c *fakeConn) AddICECandidate(cand webrtc.ICECandidateInit) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.remote == nil {
		return errors.New("remote description not set")
	}
	c.candidates = append(c.candidates, cand)
	return nil
}

func (c *fakeConn) applied() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.candidates))
	for _, cand := range c.candidates {
		out = append(out, cand.Candidate)
	}
	return out
}

// localDescription returns the last applied local description.
func (c *fakeConn) localDescription() webrtc.SessionDescription {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.local == nil {
		return webrtc.SessionDescription{}
	}
	return *c.local
}

func (c *fakeConn) offerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.offers
}

func (c *fakeConn) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	c.mu.Lock()
	c.onCandidate = fn
	c.mu.Unlock()
}

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

// fail simulates an ICE failure.
func (c *fakeConn) fail() {
	c.mu.Lock()
	onState := c.onState
	c.mu.Unlock()
	if onState != nil {
		onState(webrtc.PeerConnectionStateFailed)
	}
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

func (f *fakeFactory) NewConn(peerID string) (Conn, error) {
	c := newFakeConn(f.owner)
	f.mu.Lock()
	f.conns[peerID] = append(f.conns[peerID], c)
	f.mu.Unlock()
	return c, nil
}

func (f *fakeFactory) all(peerID string) []*fakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeConn(nil), f.conns[peerID]...)
}

func (f *fakeFactory) last(peerID string) *fakeConn {
	all := f.all(peerID)
	if len(all) == 0 {
		return nil
	}
	return all[len(all)-1]
}

// recorder is a Channel that keeps what it sends; inbound envelopes are
// injected with Dispatch.
type recorder struct {
	*signaling.Dispatcher
	self string

	mu   sync.Mutex
	sent []protocol.Envelope
}

func newRecorder(self string) *recorder {
	return &recorder{Dispatcher: signaling.NewDispatcher(), self: self}
}

func (r *recorder) Send(env protocol.Envelope) error {
	env.From = r.self
	r.mu.Lock()
	r.sent = append(r.sent, env)
	r.mu.Unlock()
	return nil
}

// sentOf returns the envelopes of event sent so far.
func (r *recorder) sentOf(event protocol.Event) []protocol.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []protocol.Envelope
	for _, env := range r.sent {
		if env.Event == event {
			out = append(out, env)
		}
	}
	return out
}
