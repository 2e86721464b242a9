// Package app contains the top-level lifecycle of a call: it dials the
// relay, builds the pion backends for the chosen mode and keeps the call
// running until shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/1ureka/confer/internal/call"
	"github.com/1ureka/confer/internal/config"
	"github.com/1ureka/confer/internal/media"
	"github.com/1ureka/confer/internal/media/device"
	"github.com/1ureka/confer/internal/mesh"
	"github.com/1ureka/confer/internal/room"
	"github.com/1ureka/confer/internal/signaling"
	"github.com/1ureka/confer/internal/transport"
	"github.com/1ureka/confer/internal/util"
)

const statsInterval = 5 * time.Second

// Run joins cfg.RoomID and stays in the call until ctx is cancelled or the
// relay connection drops.
//  1. Connect to the relay and register the call's handlers
//  2. Build the media source and the pion API
//  3. Join: offer to the room (mesh) or produce through the router (SFU)
//  4. Render the peers table on every change until shutdown
func Run(ctx context.Context, cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	self := room.NewMember(cfg.PeerID, room.User{ID: cfg.PeerID, Name: cfg.Name()}, cfg.IsHost)

	// ── 1. Relay ───────────────────────────────────────────────────────
	client, err := signaling.Dial(ctx, cfg.SignalURL, cfg.RoomID, self)
	if err != nil {
		return err
	}
	defer client.Close()
	util.LogInfo("connected to %s as %s", cfg.SignalURL, util.Tag(cfg.PeerID))

	// ── 2. Media + pion ────────────────────────────────────────────────
	source, err := device.New(cfg.PeerID)
	if err != nil {
		util.LogWarning("capture unavailable (%v), sending sample tracks", err)
		source = &media.SyntheticSource{StreamID: cfg.PeerID}
	}
	api, err := transport.NewAPI(source)
	if err != nil {
		return err
	}
	rtcConfig := transport.Configuration(cfg.ICEServers)

	opts := call.Options{
		Mode:               cfg.Mode,
		RoomID:             cfg.RoomID,
		Self:               self,
		Source:             source,
		NegotiationTimeout: cfg.NegotiationTimeout,
		ServerID:           cfg.ServerID,
		RequestTimeout:     cfg.RequestTimeout,
	}
	switch cfg.Mode {
	case config.ModeMesh:
		opts.NewConn = func(peerID string) (mesh.Conn, error) {
			c, err := transport.NewPeerConn(ctx, api, rtcConfig, peerID)
			if err != nil {
				return nil, err
			}
			return c, nil
		}
	case config.ModeSFU:
		opts.Backend = transport.NewORTC(api, rtcConfig, transport.Capabilities())
	}

	orch, err := call.New(client, opts)
	if err != nil {
		return err
	}
	defer func() {
		if err := orch.Leave(); err != nil {
			util.LogWarning("leave: %v", err)
		}
	}()

	view := &peersView{}
	off := orch.Subscribe(view.Render)
	defer off()

	relayErr := make(chan error, 1)
	go func() { relayErr <- client.Run(ctx) }()

	// ── 3. Join ────────────────────────────────────────────────────────
	if err := orch.Join(ctx); err != nil {
		return fmt.Errorf("failed to join room %s: %w", cfg.RoomID, err)
	}
	if err := orch.MediaError(); err != nil {
		util.LogWarning("no local media: %v", err)
	}
	util.StartStatsReporter(ctx, statsInterval)
	util.LogSuccess("in room %s (%s mode)", cfg.RoomID, cfg.Mode)

	// ── 4. Block until shutdown ────────────────────────────────────────
	select {
	case <-ctx.Done():
		return nil
	case err := <-relayErr:
		if err == nil {
			err = errors.New("relay closed the connection")
		}
		return fmt.Errorf("signaling lost: %w", err)
	}
}
