// Package transport backs the negotiators with pion: PeerConn drives a full
// PeerConnection for mesh calls, ORTC drives bare ICE/DTLS transports for SFU
// calls.
package transport

import (
	"fmt"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/confer/internal/media"
	"github.com/1ureka/confer/internal/protocol"
)

// NewAPI builds a pion API whose media engine carries the source's codecs
// and the default interceptors (NACK, RTCP reports, TWCC).
func NewAPI(source media.Source) (*webrtc.API, error) {
	m := &webrtc.MediaEngine{}
	if err := source.RegisterCodecs(m); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, registry); err != nil {
		return nil, fmt.Errorf("failed to register interceptors: %w", err)
	}

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(registry),
	), nil
}

// Configuration turns a list of STUN/TURN urls into a PeerConnection config.
func Configuration(iceServers []string) webrtc.Configuration {
	if len(iceServers) == 0 {
		return webrtc.Configuration{}
	}
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: iceServers}},
	}
}

// Capabilities describes the codecs the local sources encode with, in the
// form the SFU router negotiates.
func Capabilities() protocol.RtpCapabilities {
	return protocol.RtpCapabilities{
		Codecs: []protocol.RtpCodecCapability{
			{
				Kind:                 protocol.MediaKindAudio,
				MimeType:             webrtc.MimeTypeOpus,
				PreferredPayloadType: 111,
				ClockRate:            48000,
				Channels:             2,
				SDPFmtpLine:          "minptime=10;useinbandfec=1",
			},
			{
				Kind:                 protocol.MediaKindVideo,
				MimeType:             webrtc.MimeTypeVP8,
				PreferredPayloadType: 96,
				ClockRate:            90000,
			},
		},
	}
}
