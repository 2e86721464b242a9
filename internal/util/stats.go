package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Global stats singleton
// ──────────────────────────────────────────────────────────────────────────────

// Stats is the process-wide call counter.
var Stats = &stats{}

type stats struct {
	PeersJoined atomic.Int64 // cumulative count of remote peers that became reachable
	PeersLeft   atomic.Int64 // cumulative count of remote peers torn down
	Producers   atomic.Int64 // cumulative count of SFU producers created
	Consumers   atomic.Int64 // cumulative count of SFU consumers created
	BytesRecv   atomic.Int64 // cumulative RTP payload bytes read from remote tracks
	PacketsLost atomic.Int64 // cumulative RTP sequence gaps seen on remote tracks
}

func (s *stats) AddPeer()      { s.PeersJoined.Add(1) }
func (s *stats) RemovePeer()   { s.PeersLeft.Add(1) }
func (s *stats) AddProducer()  { s.Producers.Add(1) }
func (s *stats) AddConsumer()  { s.Consumers.Add(1) }
func (s *stats) AddRecv(n int) { s.BytesRecv.Add(int64(n)) }
func (s *stats) AddLost(n int) { s.PacketsLost.Add(int64(n)) }

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs call statistics
// every interval. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		var prevRecv, prevJoined, prevLeft, prevLost int64
		for {
			select {
			case <-ticker.C:
				joined := Stats.PeersJoined.Load()
				left := Stats.PeersLeft.Load()
				recv := Stats.BytesRecv.Load()
				lost := Stats.PacketsLost.Load()

				inS := float64(recv-prevRecv) / interval.Seconds()
				inP := joined - prevJoined
				outP := left - prevLeft

				if inP > 0 || outP > 0 || inS > 10 || lost > prevLost {
					pterm.DefaultLogger.Info(formatStats(inS, inP, outP, joined-left, lost-prevLost))
				}

				prevRecv = recv
				prevJoined = joined
				prevLeft = left
				prevLost = lost

			case <-ctx.Done():
				return
			}
		}
	}()
}

// byteUnits defines the units for formatting byte counts in a human-readable way.
var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// formatBytes formats a byte count into a human-readable string with fixed width (exactly 8 chars)
// for example: "99.0   B", " 1.5 KiB", " 0.1 MiB", "98.9 GiB", etc.
func formatBytes(b float64) string {
	unitIdx := 0

	// to prevent "100.0 KiB", which is 9 chars
	for b > 99 && unitIdx < 5 {
		b /= 1024
		unitIdx++
	}

	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

// formatStats returns a formatted string of the current stats for display in the logger.
func formatStats(inS float64, inP, outP, active, lost int64) string {
	return fmt.Sprintf("Media In: %s/s | Lost: %3d | Peers: %2d↑ %2d↓ | Active: %d",
		formatBytes(inS),
		lost,
		inP,
		outP,
		active,
	)
}
