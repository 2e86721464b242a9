package sfu

import (
	"fmt"
	"sync"

	"github.com/1ureka/confer/internal/protocol"
)

// Device holds the capabilities negotiated with the SFU router. Transports
// may only be created once it is loaded.
type Device struct {
	mu     sync.RWMutex
	local  protocol.RtpCapabilities
	rtp    protocol.RtpCapabilities
	loaded bool
}

// NewDevice creates a device for the given local capabilities.
func NewDevice(local protocol.RtpCapabilities) *Device {
	return &Device{local: local}
}

// Load intersects the router's capabilities with the local ones. The router's
// payload types win. Fails with ErrCapabilities when no codec is shared.
func (d *Device) Load(router protocol.RtpCapabilities) error {
	var caps protocol.RtpCapabilities
	for _, rc := range router.Codecs {
		for _, lc := range d.local.Codecs {
			if rc.Matches(lc) {
				caps.Codecs = append(caps.Codecs, rc)
				break
			}
		}
	}
	if len(caps.Codecs) == 0 {
		return fmt.Errorf("%w: no codec shared with the router", ErrCapabilities)
	}
	for _, rx := range router.HeaderExtensions {
		for _, lx := range d.local.HeaderExtensions {
			if rx.URI == lx.URI && rx.Kind == lx.Kind {
				caps.HeaderExtensions = append(caps.HeaderExtensions, rx)
				break
			}
		}
	}

	d.mu.Lock()
	d.rtp = caps
	d.loaded = true
	d.mu.Unlock()
	return nil
}

func (d *Device) Loaded() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.loaded
}

// RtpCapabilities returns the negotiated capabilities.
func (d *Device) RtpCapabilities() protocol.RtpCapabilities {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.rtp
}

// CanProduce reports whether a codec of kind was negotiated.
func (d *Device) CanProduce(kind protocol.MediaKind) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, c := range d.rtp.Codecs {
		if c.Kind == kind {
			return true
		}
	}
	return false
}
