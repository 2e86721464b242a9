// Package call drives one call on top of the negotiators. It follows the
// room roster, decides who to connect to, owns the local track set and the
// "leave in progress" token, and exposes a single view of the remote peers.
package call

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/confer/internal/config"
	"github.com/1ureka/confer/internal/media"
	"github.com/1ureka/confer/internal/mesh"
	"github.com/1ureka/confer/internal/protocol"
	"github.com/1ureka/confer/internal/room"
	"github.com/1ureka/confer/internal/sfu"
	"github.com/1ureka/confer/internal/signaling"
	"github.com/1ureka/confer/internal/util"
)

var ErrLeaving = errors.New("leave in progress")

// Peer is one remote participant as the UI renders it. Stream is nil until
// the participant's media arrives.
type Peer struct {
	PeerID string
	User   room.Identity
	Stream *media.Stream
}

// Options configure an Orchestrator.
type Options struct {
	Mode   config.Mode
	RoomID string
	Self   room.Participant
	Source media.Source

	// Mesh mode.
	NewConn            func(peerID string) (mesh.Conn, error)
	NegotiationTimeout time.Duration

	// SFU mode.
	Backend        sfu.Backend
	ServerID       string
	RequestTimeout time.Duration
}

// Orchestrator runs one call in either mesh or SFU mode. It is single use:
// after Leave every operation fails with ErrLeaving.
type Orchestrator struct {
	opts   Options
	ch     signaling.Channel
	roster *room.Roster
	local  *media.LocalMedia
	log    util.Logger

	mesh *mesh.Negotiator
	sfu  *sfu.Session

	joinMu     sync.Mutex // serializes Join
	leaving    atomic.Bool
	joining    atomic.Bool
	joined     atomic.Bool
	rosterSeen atomic.Bool
	initiated  atomic.Bool

	mu       sync.Mutex // guards local track installation against Leave
	subs     map[int]func([]Peer)
	nextSub  int
	offs     []func()
	mediaErr error
}

// New builds an orchestrator on ch and starts following the room roster.
// Nothing is negotiated until Join.
func New(ch signaling.Channel, opts Options) (*Orchestrator, error) {
	if opts.Self.ID() == "" {
		return nil, errors.New("missing local participant id")
	}
	if opts.Source == nil {
		opts.Source = &media.SyntheticSource{StreamID: opts.Self.ID()}
	}

	o := &Orchestrator{
		opts:   opts,
		ch:     ch,
		roster: room.NewRoster(),
		local:  media.NewLocalMedia(),
		log:    util.Scope("call"),
		subs:   make(map[int]func([]Peer)),
	}

	switch opts.Mode {
	case config.ModeMesh:
		if opts.NewConn == nil {
			return nil, errors.New("mesh mode needs a connection factory")
		}
		o.mesh = mesh.New(ch, mesh.Options{
			SelfID:             opts.Self.ID(),
			RoomID:             opts.RoomID,
			NewConn:            opts.NewConn,
			Local:              o.local,
			Directory:          o.roster,
			NegotiationTimeout: opts.NegotiationTimeout,
			Observer: mesh.Observer{
				OnState: func(string, mesh.State) { o.publish() },
			},
		})
		o.mesh.OnChange(o.publish)

	case config.ModeSFU:
		if opts.Backend == nil {
			return nil, errors.New("sfu mode needs a transport backend")
		}
		o.sfu = sfu.New(ch, sfu.Options{
			Backend:        opts.Backend,
			Source:         opts.Source,
			Local:          o.local,
			ServerID:       opts.ServerID,
			RequestTimeout: opts.RequestTimeout,
			Observer: sfu.Observer{
				OnStream:        func(string, *media.Stream) { o.publish() },
				OnStreamRemoved: func(string) { o.publish() },
				OnError:         func(err error) { o.log.Warn("%v", err) },
			},
		})

	default:
		return nil, fmt.Errorf("invalid mode %q", opts.Mode)
	}

	o.offs = append(o.offs,
		signaling.BindRoster(ch, o.roster),
		ch.On(protocol.EventParticipantLeft, func(env protocol.Envelope) {
			var msg protocol.ParticipantLeft
			if err := env.Decode(&msg); err != nil {
				return
			}
			o.OnParticipantLeft(msg.PeerID)
		}),
	)
	o.roster.OnChange(o.OnRosterChange)
	return o, nil
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Join acquires local media and enters the call. In mesh mode the local
// participant, being the newcomer, offers to everyone already in the room;
// later arrivals offer to it. In SFU mode the session is initialized and the
// local tracks are produced. A media failure is not fatal: the call goes on
// receive-only and the failure is kept for MediaError.
func (o *Orchestrator) Join(ctx context.Context) error {
	o.joinMu.Lock()
	defer o.joinMu.Unlock()
	if o.leaving.Load() {
		return ErrLeaving
	}
	if o.joined.Load() {
		return nil
	}

	o.joining.Store(true)
	defer func() {
		o.joining.Store(false)
		o.publish()
	}()

	var err error
	if o.mesh != nil {
		err = o.joinMesh(ctx)
	} else {
		err = o.joinSFU(ctx)
	}
	if err != nil {
		return err
	}
	if o.leaving.Load() {
		return ErrLeaving
	}

	o.joined.Store(true)
	o.log.Info("joined room %s as %s", o.opts.RoomID, util.Tag(o.opts.Self.ID()))
	if o.mesh != nil && o.rosterSeen.Load() {
		o.connectInitial(o.roster.List())
	}
	return nil
}

func (o *Orchestrator) joinMesh(ctx context.Context) error {
	tracks, err := o.opts.Source.UserMedia(ctx, media.Constraints{Audio: true, Video: true})
	if err != nil {
		o.setMediaErr(err)
		o.log.Warn("joining without local media: %v", err)
		return nil
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.leaving.Load() {
		for _, t := range tracks {
			_ = t.Stop()
		}
		return ErrLeaving
	}
	o.local.Set(tracks...)
	// Peers that offered before we joined get the tracks now.
	for _, t := range tracks {
		o.mesh.AttachTrack(t)
	}
	return nil
}

func (o *Orchestrator) joinSFU(ctx context.Context) error {
	self := o.opts.Self
	if err := o.sfu.Initialize(ctx, o.opts.RoomID, self.ID(), self.Identity().Name, self.IsHost); err != nil {
		return fmt.Errorf("join %s: %w", o.opts.RoomID, err)
	}
	if err := o.sfu.StartLocalVideo(ctx); err != nil {
		if !errors.Is(err, sfu.ErrMedia) {
			return fmt.Errorf("join %s: %w", o.opts.RoomID, err)
		}
		o.setMediaErr(err)
		o.log.Warn("joining without local media: %v", err)
	}
	return nil
}

// connectInitial offers to the roster the local participant found on
// arrival. It runs once per call and reports whether it did.
func (o *Orchestrator) connectInitial(participants []room.Participant) bool {
	if !o.initiated.CompareAndSwap(false, true) {
		return false
	}
	o.mesh.ConnectToAll(participants)
	return true
}

// reconnect offers to participants with a smaller id that have no
// connection, e.g. after theirs failed. The smaller id yields on glare, so
// only one side of each pair needs to re-offer.
func (o *Orchestrator) reconnect(participants []room.Participant) {
	self := o.opts.Self.ID()
	targets := make([]room.Participant, 0, len(participants))
	for _, p := range participants {
		if p.ID() < self {
			targets = append(targets, p)
		}
	}
	o.mesh.ConnectToAll(targets)
}

// Leave tears the call down: every connection or the SFU session is closed,
// local media is stopped and the roster is no longer followed. It is
// immediate and idempotent; in-flight negotiations are abandoned.
func (o *Orchestrator) Leave() error {
	if !o.leaving.CompareAndSwap(false, true) {
		return nil
	}

	o.mu.Lock()
	offs := o.offs
	o.offs = nil
	o.mu.Unlock()
	for _, off := range offs {
		off()
	}

	var err error
	if o.mesh != nil {
		o.mesh.Close()
		err = o.local.Stop()
	} else {
		err = o.sfu.Disconnect()
	}

	o.log.Info("left room %s", o.opts.RoomID)
	o.publish()
	return err
}

// Leaving reports whether Leave has been called.
func (o *Orchestrator) Leaving() bool { return o.leaving.Load() }

// ---------------------------------------------------------------------------
// Roster
// ---------------------------------------------------------------------------

// OnRosterChange reconciles the call with the room's participants. Peers no
// longer present are torn down. In mesh mode the first roster seen after
// joining triggers the initial offers; later rosters re-offer to smaller ids
// left without a connection.
func (o *Orchestrator) OnRosterChange(participants []room.Participant) {
	if o.leaving.Load() {
		return
	}
	o.rosterSeen.Store(true)

	present := make(map[string]bool, len(participants))
	for _, p := range participants {
		present[p.ID()] = true
	}

	if o.mesh != nil {
		for _, e := range o.mesh.Peers() {
			if !present[e.PeerID] {
				o.mesh.Remove(e.PeerID)
			}
		}
		if o.joined.Load() && !o.connectInitial(participants) {
			o.reconnect(participants)
		}
		return
	}

	for _, p := range o.sfu.Participants() {
		if !present[p.PeerID] {
			o.sfu.RemoveParticipant(p.PeerID)
		}
	}
}

// OnParticipantLeft drops everything held for peerID.
func (o *Orchestrator) OnParticipantLeft(peerID string) {
	if o.leaving.Load() {
		return
	}
	var removed bool
	if o.mesh != nil {
		removed = o.mesh.Remove(peerID)
	} else {
		removed = o.sfu.RemoveParticipant(peerID)
	}
	if removed {
		o.log.Info("%s left", util.Tag(peerID))
	}
}

// ---------------------------------------------------------------------------
// View
// ---------------------------------------------------------------------------

// Peers returns the remote participants ordered by peer id.
func (o *Orchestrator) Peers() []Peer {
	var out []Peer
	if o.mesh != nil {
		for _, e := range o.mesh.Peers() {
			out = append(out, Peer{PeerID: e.PeerID, User: e.User, Stream: e.Stream})
		}
		return out
	}

	for _, p := range o.sfu.Participants() {
		user := room.Identity{Name: p.DisplayName}
		if rp, ok := o.roster.Get(p.PeerID); ok {
			user = rp.Identity()
		} else if user.Name == "" {
			user.Name = p.PeerID
		}
		out = append(out, Peer{PeerID: p.PeerID, User: user, Stream: p.Stream})
	}
	slices.SortFunc(out, func(a, b Peer) int { return strings.Compare(a.PeerID, b.PeerID) })
	return out
}

// IsConnecting reports whether a join or any negotiation is still under way.
func (o *Orchestrator) IsConnecting() bool {
	if o.joining.Load() {
		return true
	}
	if o.leaving.Load() {
		return false
	}
	if o.mesh != nil {
		for _, e := range o.mesh.Peers() {
			switch e.Conn.State() {
			case mesh.StateIdle, mesh.StateOffering, mesh.StateAnswered:
				return true
			}
		}
		return false
	}
	for _, dir := range []protocol.Direction{protocol.DirectionSend, protocol.DirectionRecv} {
		if o.sfu.TransportState(dir) == sfu.TransportCreated {
			return true
		}
	}
	return false
}

// Settings returns the local media flags.
func (o *Orchestrator) Settings() media.Settings { return o.local.Settings() }

// MediaError returns the error local media acquisition failed with, if any.
func (o *Orchestrator) MediaError() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.mediaErr
}

// Subscribe registers fn to receive the peers view after every change. The
// returned function unregisters it.
func (o *Orchestrator) Subscribe(fn func([]Peer)) (off func()) {
	o.mu.Lock()
	id := o.nextSub
	o.nextSub++
	o.subs[id] = fn
	o.mu.Unlock()

	return func() {
		o.mu.Lock()
		delete(o.subs, id)
		o.mu.Unlock()
	}
}

func (o *Orchestrator) publish() {
	o.mu.Lock()
	ids := make([]int, 0, len(o.subs))
	for id := range o.subs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	subs := make([]func([]Peer), 0, len(ids))
	for _, id := range ids {
		subs = append(subs, o.subs[id])
	}
	o.mu.Unlock()

	if len(subs) == 0 {
		return
	}
	peers := o.Peers()
	for _, fn := range subs {
		fn(peers)
	}
}

func (o *Orchestrator) setMediaErr(err error) {
	o.mu.Lock()
	o.mediaErr = err
	o.mu.Unlock()
}

// ---------------------------------------------------------------------------
// Local media
// ---------------------------------------------------------------------------

// ToggleVideo enables or disables the outgoing video. In mesh mode every
// connection's sender is muted or restored in place.
func (o *Orchestrator) ToggleVideo(enabled bool) error {
	return o.toggle(webrtc.RTPCodecTypeVideo, enabled)
}

// ToggleAudio enables or disables the outgoing audio.
func (o *Orchestrator) ToggleAudio(enabled bool) error {
	return o.toggle(webrtc.RTPCodecTypeAudio, enabled)
}

func (o *Orchestrator) toggle(kind webrtc.RTPCodecType, enabled bool) error {
	if o.leaving.Load() {
		return ErrLeaving
	}
	if o.sfu != nil {
		if kind == webrtc.RTPCodecTypeVideo {
			return o.sfu.ToggleVideo(enabled)
		}
		return o.sfu.ToggleAudio(enabled)
	}

	t, err := o.local.SetEnabled(kind, enabled)
	if err != nil {
		return err
	}
	o.mesh.ReplaceTrack(kind, active(t))
	return nil
}

// StartScreenShare captures the screen and sends it in place of the camera,
// muted if video is disabled.
func (o *Orchestrator) StartScreenShare(ctx context.Context) error {
	if o.leaving.Load() {
		return ErrLeaving
	}
	if o.sfu != nil {
		return o.sfu.StartScreenShare(ctx)
	}

	screen, err := o.opts.Source.DisplayMedia(ctx)
	if err != nil {
		return fmt.Errorf("failed to capture screen: %w", err)
	}
	if err := o.local.StartScreenShare(screen); err != nil {
		_ = screen.Stop()
		return err
	}
	o.mesh.ReplaceTrack(webrtc.RTPCodecTypeVideo, active(screen))
	return nil
}

// StopScreenShare restores the camera, muted if it was disabled.
func (o *Orchestrator) StopScreenShare() error {
	if o.leaving.Load() {
		return ErrLeaving
	}
	if o.sfu != nil {
		return o.sfu.StopScreenShare()
	}

	camera, err := o.local.StopScreenShare()
	if err != nil {
		return err
	}
	o.mesh.ReplaceTrack(webrtc.RTPCodecTypeVideo, active(camera))
	return nil
}

// active returns t, or nil when there is nothing to send.
func active(t *media.LocalTrack) *media.LocalTrack {
	if t == nil || !t.Enabled() {
		return nil
	}
	return t
}
