// Package mesh negotiates one peer connection per remote participant over a
// signaling channel: offers, answers, trickled ICE candidates, renegotiation
// when local media changes, and teardown when a connection fails.
package mesh

import (
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/confer/internal/media"
	"github.com/1ureka/confer/internal/room"
)

// Conn is the negotiated session behind one peer. transport.PeerConn is the
// production implementation.
type Conn interface {
	AddTrack(t *media.LocalTrack) error
	// ReplaceTrack swaps the track sent for kind; nil mutes the sender.
	ReplaceTrack(kind webrtc.RTPCodecType, t *media.LocalTrack) error
	HasSender(kind webrtc.RTPCodecType) bool

	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(sdp webrtc.SessionDescription) error
	SetRemoteDescription(sdp webrtc.SessionDescription) error
	AddICECandidate(c webrtc.ICECandidateInit) error

	OnICECandidate(fn func(webrtc.ICECandidateInit))
	OnTrack(fn func(media.Track))
	OnConnectionStateChange(fn func(webrtc.PeerConnectionState))

	Close() error
}

// State is the negotiation state of one peer.
type State int

const (
	StateIdle State = iota
	StateOffering
	StateAnswered
	StateConnected
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOffering:
		return "offering"
	case StateAnswered:
		return "answered"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Peer is the registry entry's connection: the underlying Conn plus its
// negotiation state. All negotiation steps on conn run under mu.
type Peer struct {
	id   string
	user room.Identity
	conn Conn

	mu            sync.Mutex
	state         State
	remoteSet     bool // remote description applied at least once
	renegotiating bool // a local re-offer awaits its answer
	dirty         bool // local tracks changed while offering
	pending       []webrtc.ICECandidateInit
	timer         *time.Timer

	closeOnce sync.Once
}

func newPeer(id string, user room.Identity, conn Conn) *Peer {
	return &Peer{id: id, user: user, conn: conn, state: StateIdle}
}

func (p *Peer) ID() string { return p.id }

func (p *Peer) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Conn exposes the underlying connection.
func (p *Peer) Conn() Conn { return p.conn }

// setStateLocked moves to s unless the peer already reached a terminal state.
func (p *Peer) setStateLocked(s State) bool {
	if p.state == StateClosed || (p.state == StateFailed && s != StateClosed) {
		return false
	}
	p.state = s
	if (s == StateConnected || s == StateFailed || s == StateClosed) && p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	return true
}

func (p *Peer) setState(s State) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.setStateLocked(s)
}

// addCandidateLocked applies c, or buffers it until a remote description is set.
func (p *Peer) addCandidateLocked(c webrtc.ICECandidateInit) error {
	if !p.remoteSet {
		p.pending = append(p.pending, c)
		return nil
	}
	return p.conn.AddICECandidate(c)
}

// flushLocked applies every buffered candidate. Failures are returned
// together; a bad candidate does not stop the rest.
func (p *Peer) flushLocked() []error {
	pending := p.pending
	p.pending = nil
	var errs []error
	for _, c := range pending {
		if err := p.conn.AddICECandidate(c); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// takePending removes and returns buffered candidates.
func (p *Peer) takePending() []webrtc.ICECandidateInit {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.pending
	p.pending = nil
	return out
}

// Close tears the connection down. Safe to call multiple times.
func (p *Peer) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.setStateLocked(StateClosed)
		p.pending = nil
		p.mu.Unlock()
		err = p.conn.Close()
	})
	return err
}
