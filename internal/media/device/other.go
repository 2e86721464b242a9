//go:build !linux

package device

import (
	"github.com/1ureka/confer/internal/media"
	"github.com/1ureka/confer/internal/util"
)

// New returns a sample-track source on non-Linux platforms.
// Camera/mic capture via pion/mediadevices requires platform-specific drivers
// (V4L2/malgo on Linux).
func New(streamID string) (media.Source, error) {
	util.Scope("media").Warn("no capture drivers on this platform, using sample tracks")
	return &media.SyntheticSource{StreamID: streamID}, nil
}
