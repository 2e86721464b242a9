package sfu

import (
	"errors"
	"sync"

	"github.com/sasha-s/go-deadlock"

	"github.com/1ureka/confer/internal/media"
	"github.com/1ureka/confer/internal/protocol"
)

var (
	ErrNotLoaded    = errors.New("router capabilities not loaded")
	ErrCapabilities = errors.New("incompatible router capabilities")
	ErrTimeout      = errors.New("sfu request timed out")
	ErrClosed       = errors.New("sfu session disconnected")
	ErrMedia        = errors.New("failed to acquire local media")
	ErrNoProducer   = errors.New("no producer of that kind")
)

// SessionState is the lifecycle of a Session.
type SessionState int

const (
	StateUninitialized SessionState = iota
	StateCapabilityLoaded
	StateJoined
	StateProducing
	StatePaused
	StateDisconnected
)

func (s SessionState) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateCapabilityLoaded:
		return "capability-loaded"
	case StateJoined:
		return "joined"
	case StateProducing:
		return "producing"
	case StatePaused:
		return "paused"
	case StateDisconnected:
		return "disconnected"
	}
	return "unknown"
}

// TransportState is the lifecycle of one transport.
type TransportState int

const (
	TransportUncreated TransportState = iota
	TransportCreated
	TransportConnected
	TransportFailed
	TransportClosed
)

func (s TransportState) String() string {
	switch s {
	case TransportUncreated:
		return "uncreated"
	case TransportCreated:
		return "created"
	case TransportConnected:
		return "connected"
	case TransportFailed:
		return "failed"
	case TransportClosed:
		return "closed"
	}
	return "unknown"
}

// Transport is a server-side transport and its local handle. Connect,
// produce and receive steps on one transport are serialized by negotiate,
// which is held across server round trips.
type Transport struct {
	ID        string
	Direction protocol.Direction

	handle    TransportHandle
	negotiate sync.Mutex

	mu    deadlock.Mutex
	state TransportState
}

func (t *Transport) State() TransportState {
	if t == nil {
		return TransportUncreated
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Transport) setState(s TransportState) {
	t.mu.Lock()
	if t.state != TransportClosed {
		t.state = s
	}
	t.mu.Unlock()
}

// Producer is the single outbound unit of one kind.
type Producer struct {
	ID   string
	Kind protocol.MediaKind

	sender SenderHandle
	track  *media.LocalTrack
	paused bool
}

// Consumer receives one remote producer.
type Consumer struct {
	ID         string
	ProducerID string
	PeerID     string
	Kind       protocol.MediaKind

	receiver ReceiverHandle
	track    media.Track
	resumed  bool
}

// Participant is a snapshot of one remote peer seen through the SFU.
type Participant struct {
	PeerID      string
	DisplayName string
	Stream      *media.Stream
	Consumers   []string
}

type remoteParticipant struct {
	peerID      string
	displayName string
	stream      *media.Stream
	consumers   map[string]struct{}
}

// Observer receives remote stream changes. Nil fields are skipped. Callbacks
// run without the session lock held.
type Observer struct {
	OnStream        func(peerID string, stream *media.Stream)
	OnStreamRemoved func(peerID string)
	OnError         func(err error)
}
