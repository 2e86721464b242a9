package media

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/confer/internal/util"
)

// Drain reads RTP packets from a remote track until the track ends or ctx is
// cancelled, counting received payload bytes. fn, if non-nil, sees every
// packet; callers pass CountLoss. Reading is required for the receiver's interceptors (NACK, RTCP
// reports) to run.
func Drain(ctx context.Context, track *webrtc.TrackRemote, fn func(*rtp.Packet)) error {
	stop := context.AfterFunc(ctx, func() {
		_ = track.SetReadDeadline(time.Now())
	})
	defer stop()

	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		util.Stats.AddRecv(len(pkt.Payload))
		if fn != nil {
			fn(pkt)
		}
	}
}

// CountLoss returns a packet observer for one track that adds sequence
// number gaps to the process-wide lost counter. Late packets are ignored.
func CountLoss() func(*rtp.Packet) {
	var (
		last    uint16
		started bool
	)
	return func(pkt *rtp.Packet) {
		if !started {
			last, started = pkt.SequenceNumber, true
			return
		}
		diff := int16(pkt.SequenceNumber - last)
		if diff <= 0 {
			return
		}
		if diff > 1 {
			util.Stats.AddLost(int(diff - 1))
		}
		last = pkt.SequenceNumber
	}
}
