// Package protocol defines the signaling wire contract: the closed set of
// event names, the envelope every message travels in, and the payload of
// each event.
package protocol

// Event names a signaling message kind.
type Event string

// Mesh negotiation.
const (
	EventOffer        Event = "webrtc:offer"
	EventAnswer       Event = "webrtc:answer"
	EventICECandidate Event = "webrtc:ice-candidate"
)

// Room presence, produced by the relay.
const (
	EventRoster            Event = "room:roster"
	EventParticipantJoined Event = "room:participant-joined"
	EventParticipantLeft   Event = "room:participant-left"
)

// SFU session.
const (
	EventGetRouterCapabilities Event = "sfu:get-router-rtp-capabilities"
	EventRouterCapabilities    Event = "sfu:router-rtp-capabilities"
	EventJoinRoom              Event = "sfu:join-room"
	EventCreateTransport       Event = "sfu:create-transport"
	EventTransportCreated      Event = "sfu:transport-created"
	EventConnectTransport      Event = "sfu:connect-transport"
	EventTransportConnected    Event = "sfu:transport-connected"
	EventProduce               Event = "sfu:produce"
	EventProducerCreated       Event = "sfu:producer-created"
	EventNewProducer           Event = "sfu:new-producer"
	EventConsume               Event = "sfu:consume"
	EventConsumerCreated       Event = "sfu:consumer-created"
	EventResumeConsumer        Event = "sfu:resume-consumer"
	EventConsumerResumed       Event = "sfu:consumer-resumed"
	EventConsumerClosed        Event = "sfu:consumer-closed"
	EventPauseProducer         Event = "sfu:pause-producer"
	EventError                 Event = "sfu:error"
)

var knownEvents = map[Event]struct{}{
	EventOffer: {}, EventAnswer: {}, EventICECandidate: {},
	EventRoster: {}, EventParticipantJoined: {}, EventParticipantLeft: {},
	EventGetRouterCapabilities: {}, EventRouterCapabilities: {}, EventJoinRoom: {},
	EventCreateTransport: {}, EventTransportCreated: {},
	EventConnectTransport: {}, EventTransportConnected: {},
	EventProduce: {}, EventProducerCreated: {}, EventNewProducer: {},
	EventConsume: {}, EventConsumerCreated: {},
	EventResumeConsumer: {}, EventConsumerResumed: {}, EventConsumerClosed: {},
	EventPauseProducer: {}, EventError: {},
}

// Valid reports whether e is one of the known events.
func (e Event) Valid() bool {
	_, ok := knownEvents[e]
	return ok
}

// Relayed reports whether the relay forwards e between peers as-is, rather
// than producing it itself.
func (e Event) Relayed() bool {
	switch e {
	case EventRoster, EventParticipantJoined, EventParticipantLeft:
		return false
	}
	return e.Valid()
}
