//go:build linux

// Package device captures local media from hardware.
package device

import (
	"context"
	"fmt"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/confer/internal/media"
	"github.com/1ureka/confer/internal/util"
)

// Source captures camera and microphone through pion/mediadevices
// (V4L2 + malgo), encoding video as VP8 and audio as Opus.
type Source struct {
	selector *mediadevices.CodecSelector
	fallback *media.SyntheticSource
	log      util.Logger
}

// New builds the codec selector for local capture.
func New(streamID string) (media.Source, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = 1_500_000 // 1.5 Mbps

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	return &Source{
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
		fallback: &media.SyntheticSource{StreamID: streamID},
		log:      util.Scope("media"),
	}, nil
}

func (d *Source) RegisterCodecs(m *webrtc.MediaEngine) error {
	d.selector.Populate(m)
	return nil
}

// UserMedia opens the requested devices. GetUserMedia fails as a unit if any
// requested device can't be opened, so narrower attempts follow: video only,
// then audio only.
func (d *Source) UserMedia(_ context.Context, c media.Constraints) ([]*media.LocalTrack, error) {
	devices := mediadevices.EnumerateDevices()
	if len(devices) == 0 {
		d.log.Warn("no media devices found")
	}
	for _, dev := range devices {
		d.log.Debug("media device: kind=%v label=%q", dev.Kind, dev.Label)
	}

	type attempt struct {
		video bool
		audio bool
		label string
	}
	attempts := []attempt{
		{c.Video, c.Audio, "requested"},
		{c.Video, false, "video-only"},
		{false, c.Audio, "audio-only"},
	}

	var lastErr error = media.ErrNothingCaptured
	for _, a := range attempts {
		if !a.video && !a.audio {
			continue
		}

		constraints := mediadevices.MediaStreamConstraints{Codec: d.selector}
		if a.video {
			constraints.Video = func(mc *mediadevices.MediaTrackConstraints) {
				// Raw formats only; MJPEG nodes of some cameras poison the encoder.
				mc.FrameFormat = prop.FrameFormatOneOf{
					frame.FormatYUYV,
					frame.FormatI420,
					frame.FormatI444,
					frame.FormatRGBA,
				}
				mc.Width = prop.IntRanged{Max: 640}
				mc.Height = prop.IntRanged{Max: 480}
			}
		}
		if a.audio {
			constraints.Audio = func(*mediadevices.MediaTrackConstraints) {}
		}

		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			d.log.Warn("GetUserMedia (%s) failed: %v", a.label, err)
			lastErr = err
			continue
		}

		var out []*media.LocalTrack
		for _, track := range stream.GetTracks() {
			source := media.SourceMicrophone
			if track.Kind() == webrtc.RTPCodecTypeVideo {
				source = media.SourceCamera
			}
			track.OnEnded(func(err error) {
				if err != nil {
					d.log.Warn("local %s track ended: %v", source, err)
				}
			})
			out = append(out, media.NewLocalTrack(track, source, track.Close))
		}
		d.log.Info("local media captured (%s): %d tracks", a.label, len(out))
		return out, nil
	}

	return nil, fmt.Errorf("capture failed: %w", lastErr)
}

// DisplayMedia captures the screen, falling back to a sample track when no
// display driver is available.
func (d *Source) DisplayMedia(ctx context.Context) (*media.LocalTrack, error) {
	stream, err := mediadevices.GetDisplayMedia(mediadevices.MediaStreamConstraints{
		Codec: d.selector,
		Video: func(*mediadevices.MediaTrackConstraints) {},
	})
	if err != nil {
		d.log.Debug("GetDisplayMedia failed, using sample track: %v", err)
		return d.fallback.DisplayMedia(ctx)
	}
	tracks := stream.GetVideoTracks()
	if len(tracks) == 0 {
		return d.fallback.DisplayMedia(ctx)
	}
	return media.NewLocalTrack(tracks[0], media.SourceScreen, tracks[0].Close), nil
}
