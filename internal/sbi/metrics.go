package sbi

import (
	"fmt"
	"sync"
)

// SBIMetrics tracks in-memory counters for southbound activity.
// A nil *SBIMetrics ignores increments.
type SBIMetrics struct {
	mu sync.Mutex

	// Controller → switch
	NumCommandsSent     uint64
	NumCommandsRejected uint64
	NumPacketOuts       uint64

	// Monitor
	NumStatsPolls  uint64
	NumStatsErrors uint64

	// Replay ingress
	NumFramesReplayed  uint64
	NumFramesUndecoded uint64
}

// NewSBIMetrics creates a new SBIMetrics instance with all counters initialized to zero.
func NewSBIMetrics() *SBIMetrics {
	return &SBIMetrics{}
}

func (m *SBIMetrics) inc(field *uint64) {
	m.mu.Lock()
	*field++
	m.mu.Unlock()
}

// IncCommandsSent increments the CommandsSent counter.
func (m *SBIMetrics) IncCommandsSent() {
	if m != nil {
		m.inc(&m.NumCommandsSent)
	}
}

// IncCommandsRejected increments the CommandsRejected counter.
func (m *SBIMetrics) IncCommandsRejected() {
	if m != nil {
		m.inc(&m.NumCommandsRejected)
	}
}

// IncPacketOuts increments the PacketOuts counter.
func (m *SBIMetrics) IncPacketOuts() {
	if m != nil {
		m.inc(&m.NumPacketOuts)
	}
}

// IncStatsPolls increments the StatsPolls counter.
func (m *SBIMetrics) IncStatsPolls() {
	if m != nil {
		m.inc(&m.NumStatsPolls)
	}
}

// IncStatsErrors increments the StatsErrors counter.
func (m *SBIMetrics) IncStatsErrors() {
	if m != nil {
		m.inc(&m.NumStatsErrors)
	}
}

// IncFramesReplayed increments the FramesReplayed counter.
func (m *SBIMetrics) IncFramesReplayed() {
	if m != nil {
		m.inc(&m.NumFramesReplayed)
	}
}

// IncFramesUndecoded increments the FramesUndecoded counter.
func (m *SBIMetrics) IncFramesUndecoded() {
	if m != nil {
		m.inc(&m.NumFramesUndecoded)
	}
}

// SBIMetricsSnapshot is a snapshot of current metrics values.
type SBIMetricsSnapshot struct {
	NumCommandsSent     uint64
	NumCommandsRejected uint64
	NumPacketOuts       uint64
	NumStatsPolls       uint64
	NumStatsErrors      uint64
	NumFramesReplayed   uint64
	NumFramesUndecoded  uint64
}

// Snapshot returns a snapshot of the current metrics values.
func (m *SBIMetrics) Snapshot() SBIMetricsSnapshot {
	if m == nil {
		return SBIMetricsSnapshot{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return SBIMetricsSnapshot{
		NumCommandsSent:     m.NumCommandsSent,
		NumCommandsRejected: m.NumCommandsRejected,
		NumPacketOuts:       m.NumPacketOuts,
		NumStatsPolls:       m.NumStatsPolls,
		NumStatsErrors:      m.NumStatsErrors,
		NumFramesReplayed:   m.NumFramesReplayed,
		NumFramesUndecoded:  m.NumFramesUndecoded,
	}
}

// String returns a human-readable string representation of the metrics.
func (m *SBIMetrics) String() string {
	snap := m.Snapshot()
	return fmt.Sprintf("SBI metrics: sent=%d rejected=%d packet_out=%d polls=%d poll_errors=%d replayed=%d undecoded=%d",
		snap.NumCommandsSent,
		snap.NumCommandsRejected,
		snap.NumPacketOuts,
		snap.NumStatsPolls,
		snap.NumStatsErrors,
		snap.NumFramesReplayed,
		snap.NumFramesUndecoded,
	)
}
