package media

import (
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"
)

var (
	ErrNoTrack         = errors.New("no local track of that kind")
	ErrAlreadySharing  = errors.New("screen share already active")
	ErrNotSharing      = errors.New("screen share not active")
	ErrNothingCaptured = errors.New("no media captured")
)

// Settings are the user-facing media flags of a call.
type Settings struct {
	VideoEnabled       bool `json:"videoEnabled"`
	AudioEnabled       bool `json:"audioEnabled"`
	ScreenShareEnabled bool `json:"screenShareEnabled"`
}

// LocalMedia is the local track set, shared read-many by every connection of
// a call. At most one track per kind is active; while a screen share is on,
// the camera track is parked and restored when the share stops.
type LocalMedia struct {
	mu       sync.RWMutex
	tracks   map[webrtc.RTPCodecType]*LocalTrack
	camera   *LocalTrack
	settings Settings
}

// NewLocalMedia creates a track set, optionally pre-populated.
func NewLocalMedia(tracks ...*LocalTrack) *LocalMedia {
	m := &LocalMedia{tracks: make(map[webrtc.RTPCodecType]*LocalTrack)}
	m.Set(tracks...)
	return m
}

// Set installs tracks, one per kind, replacing whatever was held for those
// kinds. Replaced tracks are not stopped.
func (m *LocalMedia) Set(tracks ...*LocalTrack) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range tracks {
		m.tracks[t.Kind()] = t
		switch t.Kind() {
		case webrtc.RTPCodecTypeVideo:
			m.settings.VideoEnabled = t.Enabled()
		case webrtc.RTPCodecTypeAudio:
			m.settings.AudioEnabled = t.Enabled()
		}
	}
}

// Tracks returns the active tracks, audio first.
func (m *LocalMedia) Tracks() []*LocalTrack {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*LocalTrack
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		if t, ok := m.tracks[kind]; ok {
			out = append(out, t)
		}
	}
	return out
}

// Track returns the active track of kind, or nil.
func (m *LocalMedia) Track(kind webrtc.RTPCodecType) *LocalTrack {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tracks[kind]
}

// Empty reports whether no track is held.
func (m *LocalMedia) Empty() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.tracks) == 0
}

func (m *LocalMedia) Settings() Settings {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.settings
}

// SetEnabled flips the enabled flag of the kind's track and returns it.
func (m *LocalMedia) SetEnabled(kind webrtc.RTPCodecType, enabled bool) (*LocalTrack, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tracks[kind]
	if !ok {
		return nil, ErrNoTrack
	}
	t.SetEnabled(enabled)
	switch kind {
	case webrtc.RTPCodecTypeVideo:
		m.settings.VideoEnabled = enabled
	case webrtc.RTPCodecTypeAudio:
		m.settings.AudioEnabled = enabled
	}
	return t, nil
}

// StartScreenShare parks the camera track and makes screen the active video
// track. The screen takes over the camera's enabled state; without a camera
// it starts enabled.
func (m *LocalMedia) StartScreenShare(screen *LocalTrack) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.settings.ScreenShareEnabled {
		return ErrAlreadySharing
	}
	m.camera = m.tracks[webrtc.RTPCodecTypeVideo]
	if m.camera != nil {
		screen.SetEnabled(m.settings.VideoEnabled)
	} else {
		screen.SetEnabled(true)
		m.settings.VideoEnabled = true
	}
	m.tracks[webrtc.RTPCodecTypeVideo] = screen
	m.settings.ScreenShareEnabled = true
	return nil
}

// StopScreenShare stops the screen track and restores the parked camera
// track, which may be nil if there was none. Toggles made during the share
// carry over to the camera.
func (m *LocalMedia) StopScreenShare() (*LocalTrack, error) {
	m.mu.Lock()
	if !m.settings.ScreenShareEnabled {
		m.mu.Unlock()
		return nil, ErrNotSharing
	}
	screen := m.tracks[webrtc.RTPCodecTypeVideo]
	camera := m.camera
	m.camera = nil
	if camera != nil {
		camera.SetEnabled(m.settings.VideoEnabled)
		m.tracks[webrtc.RTPCodecTypeVideo] = camera
	} else {
		delete(m.tracks, webrtc.RTPCodecTypeVideo)
		m.settings.VideoEnabled = false
	}
	m.settings.ScreenShareEnabled = false
	m.mu.Unlock()

	if screen != nil {
		_ = screen.Stop()
	}
	return camera, nil
}

// Stop stops every held track, including a parked camera, and empties the set.
func (m *LocalMedia) Stop() error {
	m.mu.Lock()
	tracks := make([]*LocalTrack, 0, len(m.tracks)+1)
	for _, t := range m.tracks {
		tracks = append(tracks, t)
	}
	if m.camera != nil {
		tracks = append(tracks, m.camera)
	}
	m.tracks = make(map[webrtc.RTPCodecType]*LocalTrack)
	m.camera = nil
	m.settings = Settings{}
	m.mu.Unlock()

	var errs []error
	for _, t := range tracks {
		errs = append(errs, t.Stop())
	}
	return errors.Join(errs...)
}
