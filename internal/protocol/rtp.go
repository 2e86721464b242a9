package protocol

import (
	"strings"

	"github.com/pion/webrtc/v4"
)

// MediaKind is "audio" or "video".
type MediaKind string

const (
	MediaKindAudio MediaKind = "audio"
	MediaKindVideo MediaKind = "video"
)

// KindOf converts a pion codec type.
func KindOf(t webrtc.RTPCodecType) MediaKind {
	return MediaKind(t.String())
}

// CodecType converts back to a pion codec type.
func (k MediaKind) CodecType() webrtc.RTPCodecType {
	return webrtc.NewRTPCodecType(string(k))
}

// RtpCapabilities describe what an endpoint can send or receive.
type RtpCapabilities struct {
	Codecs           []RtpCodecCapability `json:"codecs,omitempty"`
	HeaderExtensions []RtpHeaderExtension `json:"headerExtensions,omitempty"`
}

// RtpCodecCapability is one supported codec.
type RtpCodecCapability struct {
	Kind                 MediaKind `json:"kind"`
	MimeType             string    `json:"mimeType"`
	PreferredPayloadType uint8     `json:"preferredPayloadType,omitempty"`
	ClockRate            uint32    `json:"clockRate"`
	Channels             uint16    `json:"channels,omitempty"`
	SDPFmtpLine          string    `json:"sdpFmtpLine,omitempty"`
}

// Matches reports whether two capabilities describe the same codec. Payload
// types are negotiated, so they do not take part in the comparison.
func (c RtpCodecCapability) Matches(o RtpCodecCapability) bool {
	return c.Kind == o.Kind &&
		strings.EqualFold(c.MimeType, o.MimeType) &&
		c.ClockRate == o.ClockRate &&
		(c.Channels == o.Channels || c.Channels == 0 || o.Channels == 0)
}

// RtpHeaderExtension is a supported RTP header extension.
type RtpHeaderExtension struct {
	Kind        MediaKind `json:"kind"`
	URI         string    `json:"uri"`
	PreferredID uint8     `json:"preferredId"`
}

// RtpParameters describe a single produced or consumed stream.
type RtpParameters struct {
	Mid       string                  `json:"mid,omitempty"`
	Codecs    []RtpCodecParameters    `json:"codecs"`
	Encodings []RtpEncodingParameters `json:"encodings,omitempty"`
}

// RtpCodecParameters is the codec actually used by a stream.
type RtpCodecParameters struct {
	MimeType    string `json:"mimeType"`
	PayloadType uint8  `json:"payloadType"`
	ClockRate   uint32 `json:"clockRate"`
	Channels    uint16 `json:"channels,omitempty"`
	SDPFmtpLine string `json:"sdpFmtpLine,omitempty"`
}

// RtpEncodingParameters identifies one encoding of a stream.
type RtpEncodingParameters struct {
	SSRC uint32 `json:"ssrc"`
}
