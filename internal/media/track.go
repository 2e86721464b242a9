// Package media holds the local and remote track collections a call works
// with, and the sources that capture local tracks.
package media

import (
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
)

// Track is the common view of local and remote tracks. *webrtc.TrackRemote
// satisfies it directly.
type Track interface {
	ID() string
	Kind() webrtc.RTPCodecType
}

// Capture sources of a LocalTrack.
const (
	SourceCamera     = "camera"
	SourceMicrophone = "microphone"
	SourceScreen     = "screen"
)

// LocalTrack is an outbound track together with its capture lifecycle.
type LocalTrack struct {
	webrtc.TrackLocal

	source  string
	enabled atomic.Bool
	stopped atomic.Bool

	stopOnce sync.Once
	stop     func() error
}

// NewLocalTrack wraps t. stop releases the capture device and may be nil.
func NewLocalTrack(t webrtc.TrackLocal, source string, stop func() error) *LocalTrack {
	lt := &LocalTrack{TrackLocal: t, source: source, stop: stop}
	lt.enabled.Store(true)
	return lt
}

// Source returns where the track was captured from.
func (t *LocalTrack) Source() string { return t.source }

func (t *LocalTrack) Enabled() bool { return t.enabled.Load() && !t.stopped.Load() }

func (t *LocalTrack) SetEnabled(enabled bool) { t.enabled.Store(enabled) }

// Stop releases the capture device. Safe to call multiple times.
func (t *LocalTrack) Stop() error {
	var err error
	t.stopOnce.Do(func() {
		t.stopped.Store(true)
		if t.stop != nil {
			err = t.stop()
		}
	})
	return err
}

func (t *LocalTrack) Stopped() bool { return t.stopped.Load() }
