// Package session accumulates traffic counters for one controller session
// and derives the end-of-session throughput report.
package session

import (
	"fmt"
	"io"
	"math"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"
)

// DefaultReferenceRate is the rate, in bytes per second, efficiency is
// expressed against.
const DefaultReferenceRate = 1e6

// Snapshot is the derived view of the counters at some elapsed time.
type Snapshot struct {
	TotalBytes     uint64
	Packets        uint64
	ElapsedSeconds float64

	// ThroughputMbps is TotalBytes*8 / (ElapsedSeconds*1e6).
	ThroughputMbps float64
	// EfficiencyPercent is TotalBytes / (ElapsedSeconds*ReferenceRate) * 100.
	EfficiencyPercent float64

	// Per monitor-interval throughput, in Mbps.
	Intervals        int
	IntervalMeanMbps float64
	IntervalStdMbps  float64
}

// Aggregator is safe for concurrent use.
type Aggregator struct {
	referenceRate float64

	mu        sync.Mutex
	total     uint64
	packets   uint64
	intervals []float64
}

// NewAggregator returns an aggregator reporting efficiency against
// referenceRate bytes/s. A rate that is not a positive finite number selects
// DefaultReferenceRate.
func NewAggregator(referenceRate float64) *Aggregator {
	if !(referenceRate > 0) || math.IsInf(referenceRate, 1) {
		referenceRate = DefaultReferenceRate
	}
	return &Aggregator{referenceRate: referenceRate}
}

// RecordBytes adds n accepted bytes.
func (a *Aggregator) RecordBytes(n uint64) {
	a.mu.Lock()
	a.total += n
	a.packets++
	a.mu.Unlock()
}

// RecordInterval records the bytes switches reported over one monitor
// interval. Intervals feed only the interval statistics, not TotalBytes.
func (a *Aggregator) RecordInterval(bytes uint64, d time.Duration) {
	if d <= 0 {
		return
	}
	a.mu.Lock()
	a.intervals = append(a.intervals, float64(bytes)*8/(d.Seconds()*1e6))
	a.mu.Unlock()
}

// TotalBytes returns the accepted byte count so far.
func (a *Aggregator) TotalBytes() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.total
}

// Snapshot derives throughput and efficiency over elapsedSeconds. A
// non-positive duration yields zero rates.
func (a *Aggregator) Snapshot(elapsedSeconds float64) Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	s := Snapshot{
		TotalBytes:     a.total,
		Packets:        a.packets,
		ElapsedSeconds: elapsedSeconds,
		Intervals:      len(a.intervals),
	}
	if elapsedSeconds > 0 {
		bytes := float64(a.total)
		s.ThroughputMbps = bytes * 8 / (elapsedSeconds * 1e6)
		s.EfficiencyPercent = (bytes / (elapsedSeconds * a.referenceRate)) * 100
	}
	switch len(a.intervals) {
	case 0:
	case 1:
		s.IntervalMeanMbps = a.intervals[0]
	default:
		s.IntervalMeanMbps, s.IntervalStdMbps = stat.MeanStdDev(a.intervals, nil)
	}
	return s
}

// PrintResults writes the human-readable session report.
func PrintResults(w io.Writer, s Snapshot) error {
	_, err := fmt.Fprintf(w,
		"Session results\n"+
			"  duration:   %.2f s\n"+
			"  packets:    %d\n"+
			"  bytes:      %d\n"+
			"  throughput: %.4f Mbps\n"+
			"  efficiency: %.4f %%\n",
		s.ElapsedSeconds, s.Packets, s.TotalBytes, s.ThroughputMbps, s.EfficiencyPercent)
	if err != nil {
		return err
	}
	if s.Intervals > 0 {
		_, err = fmt.Fprintf(w, "  intervals:  %d (mean %.4f Mbps, stddev %.4f)\n",
			s.Intervals, s.IntervalMeanMbps, s.IntervalStdMbps)
	}
	return err
}
