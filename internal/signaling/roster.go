package signaling

import (
	"github.com/1ureka/confer/internal/protocol"
	"github.com/1ureka/confer/internal/room"
	"github.com/1ureka/confer/internal/util"
)

// BindRoster keeps roster in sync with the presence events of ch. The
// returned function detaches it.
func BindRoster(ch Channel, roster *room.Roster) (off func()) {
	log := util.Scope("roster")

	offs := []func(){
		ch.On(protocol.EventRoster, func(env protocol.Envelope) {
			var msg protocol.Roster
			if err := env.Decode(&msg); err != nil {
				log.Warn("%v", err)
				return
			}
			roster.Replace(msg.Participants)
		}),
		ch.On(protocol.EventParticipantJoined, func(env protocol.Envelope) {
			var msg protocol.ParticipantJoined
			if err := env.Decode(&msg); err != nil {
				log.Warn("%v", err)
				return
			}
			roster.Add(msg.Participant)
		}),
		ch.On(protocol.EventParticipantLeft, func(env protocol.Envelope) {
			var msg protocol.ParticipantLeft
			if err := env.Decode(&msg); err != nil {
				log.Warn("%v", err)
				return
			}
			roster.Remove(msg.PeerID)
		}),
	}

	return func() {
		for _, off := range offs {
			off()
		}
	}
}
