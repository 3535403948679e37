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

// Stats is the process-wide traffic counter, incremented by the transport.
var Stats = &stats{}

type stats struct {
	PacketsSent atomic.Int64 // cumulative datagrams written since process start
	PacketsRecv atomic.Int64 // cumulative datagrams read since process start
	BytesSent   atomic.Int64 // cumulative bytes written
	BytesRecv   atomic.Int64 // cumulative bytes read
}

func (s *stats) AddSent(n int) {
	s.PacketsSent.Add(1)
	s.BytesSent.Add(int64(n))
}

func (s *stats) AddRecv(n int) {
	s.PacketsRecv.Add(1)
	s.BytesRecv.Add(int64(n))
}

// NetMetrics is a point-in-time snapshot, shipped to the UI as the payload
// of a Metrics session event.
type NetMetrics struct {
	PacketsSent int64 `json:"packets_sent"`
	PacketsRecv int64 `json:"packets_recv"`
	BytesSent   int64 `json:"bytes_sent"`
	BytesRecv   int64 `json:"bytes_recv"`
}

// Snapshot returns the current counter values.
func (s *stats) Snapshot() NetMetrics {
	return NetMetrics{
		PacketsSent: s.PacketsSent.Load(),
		PacketsRecv: s.PacketsRecv.Load(),
		BytesSent:   s.BytesSent.Load(),
		BytesRecv:   s.BytesRecv.Load(),
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs traffic statistics
// every 10 seconds. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()

		var prev NetMetrics
		for {
			select {
			case <-ticker.C:
				cur := Stats.Snapshot()

				inS := float64(cur.BytesRecv-prev.BytesRecv) / 10.0
				outS := float64(cur.BytesSent-prev.BytesSent) / 10.0

				if inS > 10 || outS > 10 {
					pterm.DefaultLogger.Info(formatStats(inS, outS,
						cur.PacketsRecv-prev.PacketsRecv,
						cur.PacketsSent-prev.PacketsSent))
				}

				prev = cur

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
func formatStats(inS, outS float64, inPkts, outPkts int64) string {
	return fmt.Sprintf("In: %s/s | Out: %s/s | Pkts: %4d↓ %4d↑",
		formatBytes(inS),
		formatBytes(outS),
		inPkts,
		outPkts,
	)
}
