package media

import (
	"sync"

	"github.com/pion/webrtc/v4"
)

// Stream is a composed set of tracks belonging to one participant.
type Stream struct {
	id string

	mu      sync.RWMutex
	tracks  []Track
	stopped bool
}

// NewStream creates a stream holding tracks.
func NewStream(id string, tracks ...Track) *Stream {
	s := &Stream{id: id}
	for _, t := range tracks {
		s.AddTrack(t)
	}
	return s
}

func (s *Stream) ID() string { return s.id }

// AddTrack adds t, replacing a track with the same id. Returns false if the
// stream is stopped.
func (s *Stream) AddTrack(t Track) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	for i, existing := range s.tracks {
		if existing.ID() == t.ID() {
			s.tracks[i] = t
			return true
		}
	}
	s.tracks = append(s.tracks, t)
	return true
}

// RemoveTrack drops the track with the given id.
func (s *Stream) RemoveTrack(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, t := range s.tracks {
		if t.ID() == id {
			s.tracks = append(s.tracks[:i], s.tracks[i+1:]...)
			return true
		}
	}
	return false
}

// Tracks returns a snapshot of the stream's tracks.
func (s *Stream) Tracks() []Track {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Track(nil), s.tracks...)
}

// Kinds returns the distinct kinds carried by the stream.
func (s *Stream) Kinds() []webrtc.RTPCodecType {
	var kinds []webrtc.RTPCodecType
	seen := map[webrtc.RTPCodecType]bool{}
	for _, t := range s.Tracks() {
		if !seen[t.Kind()] {
			seen[t.Kind()] = true
			kinds = append(kinds, t.Kind())
		}
	}
	return kinds
}

// Len returns the number of tracks.
func (s *Stream) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tracks)
}

// Stop stops every track that can be stopped and empties the stream.
func (s *Stream) Stop() {
	s.mu.Lock()
	tracks := s.tracks
	s.tracks = nil
	s.stopped = true
	s.mu.Unlock()

	for _, t := range tracks {
		if st, ok := t.(interface{ Stop() error }); ok {
			_ = st.Stop()
		}
	}
}

func (s *Stream) Stopped() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stopped
}
