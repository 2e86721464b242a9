package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/confer/internal/media"
	"github.com/1ureka/confer/internal/mesh"
	"github.com/1ureka/confer/internal/util"
)

// PeerConn wraps one PeerConnection to a remote participant. It keeps a
// sender per media kind so tracks can be muted or swapped in place, and it
// drains every remote track so the interceptors keep running.
//
// Its lifecycle is bound to the context passed at construction time.
type PeerConn struct {
	pc     *webrtc.PeerConnection
	peerID string
	log    util.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	senders map[webrtc.RTPCodecType]*webrtc.RTPSender
	onState func(webrtc.PeerConnectionState)
}

// NewPeerConn creates a PeerConnection for peerID from api.
func NewPeerConn(ctx context.Context, api *webrtc.API, config webrtc.Configuration, peerID string) (*PeerConn, error) {
	pc, err := api.NewPeerConnection(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	pCtx, pCancel := context.WithCancel(ctx)
	c := &PeerConn{
		pc:      pc,
		peerID:  peerID,
		log:     util.Scope("peer " + util.Tag(peerID)),
		ctx:     pCtx,
		cancel:  pCancel,
		senders: make(map[webrtc.RTPCodecType]*webrtc.RTPSender),
	}

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		c.log.Debug("connection state: %s", state)
		c.mu.RLock()
		fn := c.onState
		c.mu.RUnlock()
		if fn != nil {
			fn(state)
		}
	})

	return c, nil
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Close shuts down the PeerConnection and every drain goroutine.
func (c *PeerConn) Close() error {
	c.cancel()
	return c.pc.Close()
}

// OnConnectionStateChange registers the state observer.
func (c *PeerConn) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

// ---------------------------------------------------------------------------
// Local tracks
// ---------------------------------------------------------------------------

// AddTrack attaches t on a new sender for its kind.
func (c *PeerConn) AddTrack(t *media.LocalTrack) error {
	sender, err := c.pc.AddTrack(t.TrackLocal)
	if err != nil {
		return fmt.Errorf("failed to add %s track: %w", t.Kind(), err)
	}

	c.mu.Lock()
	c.senders[t.Kind()] = sender
	c.mu.Unlock()

	go readRTCP(c.ctx, sender)
	return nil
}

// ReplaceTrack swaps the track on the kind's sender without renegotiation.
// A nil track mutes the sender.
func (c *PeerConn) ReplaceTrack(kind webrtc.RTPCodecType, t *media.LocalTrack) error {
	c.mu.RLock()
	sender, ok := c.senders[kind]
	c.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no %s sender", kind)
	}
	if t == nil {
		return sender.ReplaceTrack(nil)
	}
	return sender.ReplaceTrack(t.TrackLocal)
}

func (c *PeerConn) HasSender(kind webrtc.RTPCodecType) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.senders[kind]
	return ok
}

// ---------------------------------------------------------------------------
// Signaling
// ---------------------------------------------------------------------------

// CreateOffer generates an SDP offer. A connection without local tracks
// offers to receive audio and video so the remote side can still send.
func (c *PeerConn) CreateOffer() (webrtc.SessionDescription, error) {
	if len(c.pc.GetTransceivers()) == 0 {
		for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
			_, err := c.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
				Direction: webrtc.RTPTransceiverDirectionRecvonly,
			})
			if err != nil {
				return webrtc.SessionDescription{}, fmt.Errorf("failed to add %s transceiver: %w", kind, err)
			}
		}
	}
	return c.pc.CreateOffer(nil)
}

// CreateAnswer generates an SDP answer.
func (c *PeerConn) CreateAnswer() (webrtc.SessionDescription, error) {
	return c.pc.CreateAnswer(nil)
}

// SetLocalDescription applies the local SDP.
func (c *PeerConn) SetLocalDescription(sdp webrtc.SessionDescription) error {
	return c.pc.SetLocalDescription(sdp)
}

// SetRemoteDescription applies the remote SDP.
func (c *PeerConn) SetRemoteDescription(sdp webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(sdp)
}

// OnICECandidate registers a callback invoked for every gathered local
// candidate. The end-of-gathering marker is not forwarded.
func (c *PeerConn) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	c.pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			return
		}
		fn(candidate.ToJSON())
	})
}

// AddICECandidate adds a remote ICE candidate received through signaling.
func (c *PeerConn) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(candidate)
}

// ---------------------------------------------------------------------------
// Remote tracks
// ---------------------------------------------------------------------------

// OnTrack registers a callback invoked for every remote track. Video tracks
// get an immediate keyframe request; every track is drained until the
// connection closes.
func (c *PeerConn) OnTrack(fn func(media.Track)) {
	c.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		c.log.Info("remote %s track %s (%s)", track.Kind(), track.ID(), track.Codec().MimeType)
		if track.Kind() == webrtc.RTPCodecTypeVideo {
			err := c.pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())}})
			if err != nil {
				c.log.Debug("keyframe request: %v", err)
			}
		}

		go func() {
			if err := media.Drain(c.ctx, track, media.CountLoss()); err != nil {
				c.log.Debug("drain %s: %v", track.ID(), err)
			}
		}()
		fn(track)
	})
}

// readRTCP consumes RTCP addressed to a sender until ctx ends or the sender
// stops.
func readRTCP(ctx context.Context, r interface {
	Read([]byte) (int, interceptor.Attributes, error)
}) {
	buf := make([]byte, 1500)
	for ctx.Err() == nil {
		if _, _, err := r.Read(buf); err != nil {
			return
		}
	}
}

var _ mesh.Conn = (*PeerConn)(nil)
