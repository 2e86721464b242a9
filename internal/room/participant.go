// Package room models the participants of a call as supplied by the room
// layer: who is in the room and how they should be displayed.
package room

// Kind discriminates the two participant shapes the room layer produces.
type Kind string

const (
	KindUser   Kind = "user"   // a bare user, e.g. the local account before joining
	KindMember Kind = "member" // an enriched room participant with a peer id
)

// User is the display identity of an account.
type User struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
}

// Identity is what a remote peer is rendered as. It is immutable for the
// lifetime of a connection.
type Identity struct {
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
}

// MediaState mirrors a participant's published media flags.
type MediaState struct {
	Video       bool `json:"video"`
	Audio       bool `json:"audio"`
	ScreenShare bool `json:"screenShare"`
}

// Participant is either a bare user or a room member. Use ID and Identity
// rather than reading the fields directly.
type Participant struct {
	Kind   Kind       `json:"kind"`
	User   User       `json:"user"`
	PeerID string     `json:"peerId,omitempty"`
	IsHost bool       `json:"isHost,omitempty"`
	Media  MediaState `json:"media"`
}

// NewUser returns a bare-user participant.
func NewUser(u User) Participant {
	return Participant{Kind: KindUser, User: u}
}

// NewMember returns a room-member participant.
func NewMember(peerID string, u User, isHost bool) Participant {
	return Participant{Kind: KindMember, User: u, PeerID: peerID, IsHost: isHost}
}

// ID returns the identifier used to address this participant: the peer id
// for members, the user id for bare users.
func (p Participant) ID() string {
	if p.Kind == KindMember && p.PeerID != "" {
		return p.PeerID
	}
	return p.User.ID
}

// Identity returns the display identity.
func (p Participant) Identity() Identity {
	name := p.User.Name
	if name == "" {
		name = p.ID()
	}
	return Identity{Name: name, Avatar: p.User.Avatar}
}
