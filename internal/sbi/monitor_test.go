package sbi

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/signalsfoundry/qltr-controller/internal/ofp"
	"github.com/signalsfoundry/qltr-controller/timectrl"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recordedInterval struct {
	bytes uint64
	d     time.Duration
}

type intervalRecorder struct {
	mu        sync.Mutex
	intervals []recordedInterval
}

func (r *intervalRecorder) RecordInterval(bytes uint64, d time.Duration) {
	r.mu.Lock()
	r.intervals = append(r.intervals, recordedInterval{bytes, d})
	r.mu.Unlock()
}

func (r *intervalRecorder) all() []recordedInterval {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]recordedInterval(nil), r.intervals...)
}

type countingObserver struct{ n int }

func (o *countingObserver) IncStatsPolls() { o.n++ }

type brokenSwitch struct{ *MemorySwitch }

func (brokenSwitch) FlowStats(context.Context) (FlowStats, error) {
	return FlowStats{}, errors.New("stats unavailable")
}

func newMonitorFixture(t *testing.T) (*timectrl.TimeController, *InMemorySwitchRegistry, *intervalRecorder, EventScheduler) {
	t.Helper()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := timectrl.NewTimeController(start, time.Second, timectrl.Accelerated)
	sched := NewEventScheduler(clock)
	clock.AddListener(func(time.Time) { sched.RunDue() })
	return clock, NewInMemorySwitchRegistry(nil), &intervalRecorder{}, sched
}

func TestMonitorPollsOnInterval(t *testing.T) {
	clock, reg, sink, sched := newMonitorFixture(t)
	a, b := NewMemorySwitch(1), NewMemorySwitch(2)
	require.NoError(t, reg.Register(a))
	require.NoError(t, reg.Register(b))

	obs := &countingObserver{}
	metrics := NewSBIMetrics()
	mon := NewMonitor(sched, reg, sink, DefaultMonitorConfig(), WithPollObserver(obs), WithMonitorMetrics(metrics))
	mon.Start(context.Background())
	t.Cleanup(mon.Stop)

	a.Forward(1000)
	b.Forward(250)
	clock.Advance(9 * time.Second)
	assert.Empty(t, sink.all(), "poll before one interval elapsed")

	clock.Advance(time.Second)
	a.Forward(500)
	clock.Advance(10 * time.Second)

	got := sink.all()
	require.Len(t, got, 2)
	assert.Equal(t, recordedInterval{1250, DefaultStatsInterval}, got[0])
	assert.Equal(t, recordedInterval{500, DefaultStatsInterval}, got[1])
	assert.Equal(t, 2, obs.n)
	assert.EqualValues(t, 2, metrics.Snapshot().NumStatsPolls)
}

func TestMonitorStopCancelsPendingPoll(t *testing.T) {
	clock, reg, sink, sched := newMonitorFixture(t)
	mon := NewMonitor(sched, reg, sink, MonitorConfig{Enabled: true, Interval: time.Second})
	mon.Start(context.Background())
	mon.Start(context.Background())

	clock.Advance(time.Second)
	mon.Stop()
	clock.Advance(5 * time.Second)

	assert.Len(t, sink.all(), 1)
}

func TestMonitorDisabledNeverPolls(t *testing.T) {
	clock, reg, sink, sched := newMonitorFixture(t)
	mon := NewMonitor(sched, reg, sink, MonitorConfig{Enabled: false, Interval: time.Second})
	mon.Start(context.Background())

	clock.Advance(time.Minute)
	assert.Empty(t, sink.all())
}

func TestMonitorCancelledContextStopsRearming(t *testing.T) {
	clock, reg, sink, sched := newMonitorFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	mon := NewMonitor(sched, reg, sink, MonitorConfig{Enabled: true, Interval: time.Second})
	mon.Start(ctx)

	clock.Advance(time.Second)
	cancel()
	clock.Advance(time.Second)
	clock.Advance(time.Second)

	assert.Len(t, sink.all(), 1)
}

func TestMonitorPollHandlesErrorsAndRestarts(t *testing.T) {
	_, reg, sink, sched := newMonitorFixture(t)
	metrics := NewSBIMetrics()
	good := NewMemorySwitch(1)
	require.NoError(t, reg.Register(good))
	require.NoError(t, reg.Register(brokenSwitch{NewMemorySwitch(2)}))
	mon := NewMonitor(sched, reg, sink, DefaultMonitorConfig(), WithMonitorMetrics(metrics))
	ctx := context.Background()

	good.Forward(300)
	assert.EqualValues(t, 300, mon.Poll(ctx))
	assert.EqualValues(t, 1, metrics.Snapshot().NumStatsErrors)

	// Same handle reconnects with fresh counters.
	reg.Unregister(1)
	fresh := NewMemorySwitch(ofp.SwitchHandle(1))
	require.NoError(t, reg.Register(fresh))
	fresh.Forward(40)
	assert.EqualValues(t, 40, mon.Poll(ctx))
}

func TestMonitorConfigApplyDefaults(t *testing.T) {
	assert.Equal(t, DefaultMonitorConfig(), MonitorConfig{Enabled: true}.ApplyDefaults())
	assert.Equal(t, MonitorConfig{}, MonitorConfig{Interval: time.Second}.ApplyDefaults())
	assert.Equal(t, MonitorConfig{Enabled: true, Interval: time.Second}, MonitorConfig{Enabled: true, Interval: time.Second}.ApplyDefaults())
}
