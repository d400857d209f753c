package domain

import (
	"sync"
	"time"
)

// NetworkSample is one telemetry observation from the transport.
type NetworkSample struct {
	RTT                time.Duration
	PacketLossRatio    float64 // 0..1
	EstimatedBandwidth int     // bits per second
	Timestamp          time.Time
}

// StatsWindow is a rolling window of network samples. The transport pushes
// samples continuously; the bitrate controller reads an immutable snapshot
// once per cycle.
type StatsWindow struct {
	mu      sync.Mutex
	samples []NetworkSample
	size    int
}

func NewStatsWindow(size int) *StatsWindow {
	if size <= 0 {
		size = 5
	}
	return &StatsWindow{size: size}
}

func (w *StatsWindow) Push(s NetworkSample) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.samples = append(w.samples, s)
	if len(w.samples) > w.size {
		w.samples = w.samples[len(w.samples)-w.size:]
	}
}

// Snapshot returns a copy of the current window, oldest first.
func (w *StatsWindow) Snapshot() []NetworkSample {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]NetworkSample, len(w.samples))
	copy(out, w.samples)
	return out
}

// AverageRTT computes the mean RTT over the given samples.
func AverageRTT(samples []NetworkSample) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	var total time.Duration
	for _, s := range samples {
		total += s.RTT
	}
	return total / time.Duration(len(samples))
}

// AverageLoss computes the mean packet loss ratio over the given samples.
func AverageLoss(samples []NetworkSample) float64 {
	if len(samples) == 0 {
		return 0
	}
	var total float64
	for _, s := range samples {
		total += s.PacketLossRatio
	}
	return total / float64(len(samples))
}
