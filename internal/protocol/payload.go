package protocol

import (
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/confer/internal/room"
)

// ---------------------------------------------------------------------------
// Mesh
// ---------------------------------------------------------------------------

type Offer struct {
	Offer webrtc.SessionDescription `json:"offer"`
}

type Answer struct {
	Answer webrtc.SessionDescription `json:"answer"`
}

type ICECandidate struct {
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

// ---------------------------------------------------------------------------
// Room
// ---------------------------------------------------------------------------

type Roster struct {
	Participants []room.Participant `json:"participants"`
}

type ParticipantJoined struct {
	Participant room.Participant `json:"participant"`
}

type ParticipantLeft struct {
	PeerID string `json:"peerId"`
}

// ---------------------------------------------------------------------------
// SFU
// ---------------------------------------------------------------------------

// Direction of an SFU transport, from the client's point of view.
type Direction string

const (
	DirectionSend Direction = "send"
	DirectionRecv Direction = "recv"
)

type RouterCapabilities struct {
	RtpCapabilities RtpCapabilities `json:"rtpCapabilities"`
}

type JoinRoom struct {
	RoomID          string           `json:"roomId"`
	RtpCapabilities RtpCapabilities  `json:"rtpCapabilities"`
	Participant     room.Participant `json:"participant"`
}

type CreateTransport struct {
	Direction Direction `json:"direction"`
}

type TransportCreated struct {
	ID             string                `json:"id"`
	Direction      Direction             `json:"direction"`
	ICEParameters  webrtc.ICEParameters  `json:"iceParameters"`
	ICECandidates  []webrtc.ICECandidate `json:"iceCandidates"`
	DTLSParameters webrtc.DTLSParameters `json:"dtlsParameters"`
}

type ConnectTransport struct {
	TransportID    string                `json:"transportId"`
	DTLSParameters webrtc.DTLSParameters `json:"dtlsParameters"`
}

type TransportConnected struct {
	TransportID string `json:"transportId"`
}

type Produce struct {
	TransportID   string        `json:"transportId"`
	Kind          MediaKind     `json:"kind"`
	RtpParameters RtpParameters `json:"rtpParameters"`
}

type ProducerCreated struct {
	ID   string    `json:"id"`
	Kind MediaKind `json:"kind,omitempty"`
}

type NewProducer struct {
	ProducerID string    `json:"producerId"`
	PeerID     string    `json:"peerId,omitempty"`
	Kind       MediaKind `json:"kind,omitempty"`
}

type Consume struct {
	ProducerID      string          `json:"producerId"`
	RtpCapabilities RtpCapabilities `json:"rtpCapabilities"`
}

type ConsumerCreated struct {
	ID             string        `json:"id"`
	ProducerID     string        `json:"producerId"`
	ProducerPeerID string        `json:"producerPeerId"`
	DisplayName    string        `json:"displayName,omitempty"`
	Kind           MediaKind     `json:"kind"`
	RtpParameters  RtpParameters `json:"rtpParameters"`
}

type ResumeConsumer struct {
	ConsumerID string `json:"consumerId"`
}

type ConsumerResumed struct {
	ConsumerID string `json:"consumerId"`
}

type ConsumerClosed struct {
	ConsumerID string `json:"consumerId"`
}

type PauseProducer struct {
	ProducerID string    `json:"producerId"`
	Kind       MediaKind `json:"kind"`
	Pause      bool      `json:"pause"`
}

// Error is the server's rejection of a request.
type Error struct {
	Message string `json:"message"`
}
