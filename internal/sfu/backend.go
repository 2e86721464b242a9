package sfu

import (
	"context"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/confer/internal/media"
	"github.com/1ureka/confer/internal/protocol"
)

// Backend builds the local half of the transports the server describes.
// transport.ORTC is the production implementation.
type Backend interface {
	// Capabilities returns what the local media stack can send and receive.
	Capabilities() protocol.RtpCapabilities
	NewTransport(params protocol.TransportCreated) (TransportHandle, error)
}

// TransportHandle is one ICE/DTLS transport to the server.
type TransportHandle interface {
	// DTLSParameters returns the local parameters sent with connect-transport.
	DTLSParameters() (webrtc.DTLSParameters, error)
	// Connect starts ICE and DTLS once the server accepted the parameters.
	Connect(ctx context.Context) error
	// Send prepares an outbound stream for t. The parameters describe it to
	// the server; nothing is sent before SenderHandle.Start.
	Send(t *media.LocalTrack) (SenderHandle, protocol.RtpParameters, error)
	// Receive prepares the inbound stream of a consumer.
	Receive(kind protocol.MediaKind, params protocol.RtpParameters) (ReceiverHandle, error)
	Close() error
}

// SenderHandle is the outbound half of a producer.
type SenderHandle interface {
	Start() error
	// ReplaceTrack swaps the sent track in place; nil sends nothing.
	ReplaceTrack(t *media.LocalTrack) error
	Close() error
}

// ReceiverHandle is the inbound half of a consumer.
type ReceiverHandle interface {
	Track() media.Track
	Close() error
}
