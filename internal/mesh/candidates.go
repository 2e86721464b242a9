package mesh

import (
	"sync"

	"github.com/pion/webrtc/v4"
)

const (
	maxEarlyPerPeer = 32
	maxEarlyPeers   = 64
)

// earlyCandidates holds ICE candidates that arrived before any connection
// for their sender existed. It lives outside the registry so that a stray
// candidate never creates an entry.
type earlyCandidates struct {
	mu     sync.Mutex
	byPeer map[string][]webrtc.ICECandidateInit
}

func newEarlyCandidates() *earlyCandidates {
	return &earlyCandidates{byPeer: make(map[string][]webrtc.ICECandidateInit)}
}

// add buffers c for peerID. Returns false when the buffer is full.
func (b *earlyCandidates) add(peerID string, c webrtc.ICECandidateInit) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	list, ok := b.byPeer[peerID]
	if !ok && len(b.byPeer) >= maxEarlyPeers {
		return false
	}
	if len(list) >= maxEarlyPerPeer {
		return false
	}
	b.byPeer[peerID] = append(list, c)
	return true
}

// take removes and returns the candidates buffered for peerID.
func (b *earlyCandidates) take(peerID string) []webrtc.ICECandidateInit {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.byPeer[peerID]
	delete(b.byPeer, peerID)
	return list
}

func (b *earlyCandidates) len(peerID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.byPeer[peerID])
}

func (b *earlyCandidates) clear() {
	b.mu.Lock()
	b.byPeer = make(map[string][]webrtc.ICECandidateInit)
	b.mu.Unlock()
}
