package media

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
)

// Constraints select which kinds UserMedia should capture.
type Constraints struct {
	Video bool
	Audio bool
}

// Source captures local tracks and declares the codecs they are encoded with.
type Source interface {
	// RegisterCodecs declares the source's codecs on m.
	RegisterCodecs(m *webrtc.MediaEngine) error
	// UserMedia captures camera and/or microphone tracks.
	UserMedia(ctx context.Context, c Constraints) ([]*LocalTrack, error)
	// DisplayMedia captures a screen track.
	DisplayMedia(ctx context.Context) (*LocalTrack, error)
}

// SyntheticSource produces sample tracks with no capture device behind them.
// Samples written to the underlying *webrtc.TrackLocalStaticSample are sent
// as-is.
type SyntheticSource struct {
	StreamID string
	// Err, when set, makes every capture fail with it.
	Err error

	seq atomic.Int64
}

func (s *SyntheticSource) RegisterCodecs(m *webrtc.MediaEngine) error {
	return m.RegisterDefaultCodecs()
}

func (s *SyntheticSource) UserMedia(_ context.Context, c Constraints) ([]*LocalTrack, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	var out []*LocalTrack
	if c.Audio {
		t, err := s.newTrack(webrtc.MimeTypeOpus, SourceMicrophone)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if c.Video {
		t, err := s.newTrack(webrtc.MimeTypeVP8, SourceCamera)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if len(out) == 0 {
		return nil, ErrNothingCaptured
	}
	return out, nil
}

func (s *SyntheticSource) DisplayMedia(context.Context) (*LocalTrack, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	return s.newTrack(webrtc.MimeTypeVP8, SourceScreen)
}

func (s *SyntheticSource) newTrack(mime, source string) (*LocalTrack, error) {
	streamID := s.StreamID
	if streamID == "" {
		streamID = "local"
	}
	id := fmt.Sprintf("%s-%d", source, s.seq.Add(1))

	capability := webrtc.RTPCodecCapability{MimeType: mime}
	switch mime {
	case webrtc.MimeTypeOpus:
		capability.ClockRate = 48000
		capability.Channels = 2
	default:
		capability.ClockRate = 90000
	}

	track, err := webrtc.NewTrackLocalStaticSample(capability, id, streamID)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s track: %w", source, err)
	}
	return NewLocalTrack(track, source, nil), nil
}
