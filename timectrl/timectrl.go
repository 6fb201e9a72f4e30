// Package timectrl drives session time: paced by the wall clock or
// accelerated, with listeners run on every tick.
package timectrl

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// SimClock is the clock abstraction the scheduler and monitor depend on.
type SimClock interface {
	// Now returns the current session time.
	Now() time.Time
	// After returns a channel that receives the session time once d has
	// elapsed in session time.
	After(d time.Duration) <-chan time.Time
}

// Mode describes how the TimeController advances session time.
type Mode int

const (
	// RealTime advances according to wall-clock time.
	RealTime Mode = iota
	// Accelerated advances as quickly as the loop can run while still stepping by Tick.
	Accelerated
)

func (m Mode) String() string {
	switch m {
	case RealTime:
		return "realtime"
	case Accelerated:
		return "accelerated"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ParseMode accepts "realtime" and "accelerated", case-insensitively.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "realtime", "real-time":
		return RealTime, nil
	case "accelerated":
		return Accelerated, nil
	default:
		return RealTime, fmt.Errorf("timectrl: unknown mode %q", s)
	}
}

type pendingTimer struct {
	at time.Time
	ch chan time.Time
}

// TimeController drives session time and notifies registered listeners.
type TimeController struct {
	mu        sync.RWMutex
	StartTime time.Time
	Tick      time.Duration
	Mode      Mode

	currentTime time.Time
	listeners   []func(time.Time)
	timers      []pendingTimer
}

// NewTimeController constructs a controller.
func NewTimeController(start time.Time, tick time.Duration, mode Mode) *TimeController {
	return &TimeController{
		StartTime:   start,
		Tick:        tick,
		Mode:        mode,
		currentTime: start,
	}
}

// Now returns the current session time. Implements SimClock.
func (tc *TimeController) Now() time.Time {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.currentTime
}

// Elapsed is the session time passed since StartTime.
func (tc *TimeController) Elapsed() time.Duration {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.currentTime.Sub(tc.StartTime)
}

// After implements SimClock. The channel fires when Advance, SetTime or
// the Start loop moves session time past now+d.
func (tc *TimeController) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	tc.mu.Lock()
	defer tc.mu.Unlock()
	at := tc.currentTime.Add(d)
	if d <= 0 {
		ch <- tc.currentTime
		return ch
	}
	tc.timers = append(tc.timers, pendingTimer{at: at, ch: ch})
	return ch
}

// AddListener registers a callback invoked on every time change.
func (tc *TimeController) AddListener(fn func(time.Time)) {
	tc.mu.Lock()
	tc.listeners = append(tc.listeners, fn)
	tc.mu.Unlock()
}

// SetTime moves session time to t and runs listeners.
func (tc *TimeController) SetTime(t time.Time) {
	tc.mu.Lock()
	tc.currentTime = t
	listeners := tc.fireLocked(t)
	tc.mu.Unlock()

	for _, fn := range listeners {
		fn(t)
	}
}

// Advance moves session time forward by d and returns the new time.
func (tc *TimeController) Advance(d time.Duration) time.Time {
	tc.mu.RLock()
	next := tc.currentTime.Add(d)
	tc.mu.RUnlock()
	tc.SetTime(next)
	return next
}

// fireLocked releases due timers and returns a copy of the listeners.
func (tc *TimeController) fireLocked(now time.Time) []func(time.Time) {
	kept := tc.timers[:0]
	for _, pt := range tc.timers {
		if pt.at.After(now) {
			kept = append(kept, pt)
			continue
		}
		pt.ch <- now
	}
	tc.timers = kept
	return append([]func(time.Time){}, tc.listeners...)
}

// Start runs the controller for duration (0 runs until ctx is done) in a
// separate goroutine. It returns a channel that is closed when the
// controller finishes.
func (tc *TimeController) Start(ctx context.Context, duration time.Duration) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)

		tc.SetTime(tc.StartTime)
		elapsed := time.Duration(0)

		var tick <-chan time.Time
		if tc.Mode == RealTime {
			ticker := time.NewTicker(tc.Tick)
			defer ticker.Stop()
			tick = ticker.C
		}

		for {
			if duration > 0 && elapsed >= duration {
				return
			}
			if tick != nil {
				select {
				case <-ctx.Done():
					return
				case <-tick:
				}
			} else if ctx.Err() != nil {
				return
			}

			tc.Advance(tc.Tick)
			elapsed += tc.Tick
		}
	}()
	return done
}
