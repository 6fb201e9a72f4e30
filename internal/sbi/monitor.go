package sbi

import (
	"context"
	"sync"
	"time"

	"github.com/signalsfoundry/qltr-controller/internal/logging"
	"github.com/signalsfoundry/qltr-controller/internal/ofp"
)

// DefaultStatsInterval is how often switches are asked for flow stats.
const DefaultStatsInterval = 10 * time.Second

// MonitorConfig holds configuration for the flow-statistics monitor.
type MonitorConfig struct {
	// Enabled indicates whether the monitor polls at all.
	Enabled bool

	// Interval is the session time between polls.
	// Default: 10 seconds
	Interval time.Duration
}

// DefaultMonitorConfig returns the monitor enabled at DefaultStatsInterval.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		Enabled:  true,
		Interval: DefaultStatsInterval,
	}
}

// ApplyDefaults fills a non-positive Interval of an enabled monitor.
func (c MonitorConfig) ApplyDefaults() MonitorConfig {
	if !c.Enabled {
		return MonitorConfig{}
	}
	if c.Interval <= 0 {
		c.Interval = DefaultStatsInterval
	}
	return c
}

// IntervalSink receives the bytes all switches reported over one interval.
type IntervalSink interface {
	RecordInterval(bytes uint64, d time.Duration)
}

// PollObserver is told about every completed poll.
type PollObserver interface {
	IncStatsPolls()
}

// MonitorOption customises a Monitor.
type MonitorOption func(*Monitor)

// WithMonitorLogger sets the monitor's logger.
func WithMonitorLogger(l logging.Logger) MonitorOption {
	return func(m *Monitor) { m.log = l }
}

// WithMonitorMetrics counts polls and stats errors in metrics.
func WithMonitorMetrics(metrics *SBIMetrics) MonitorOption {
	return func(m *Monitor) { m.metrics = metrics }
}

// WithPollObserver registers o for every completed poll.
func WithPollObserver(o PollObserver) MonitorOption {
	return func(m *Monitor) { m.observer = o }
}

// Monitor periodically reads flow stats from every registered switch and
// feeds the byte delta since the previous poll into an IntervalSink. It
// runs on the EventScheduler and owns no goroutine.
type Monitor struct {
	sched    EventScheduler
	reg      SwitchRegistry
	sink     IntervalSink
	cfg      MonitorConfig
	log      logging.Logger
	metrics  *SBIMetrics
	observer PollObserver

	mu      sync.Mutex
	last    map[ofp.SwitchHandle]uint64
	eventID string
	running bool
}

// NewMonitor builds a monitor. It does nothing until Start.
func NewMonitor(sched EventScheduler, reg SwitchRegistry, sink IntervalSink, cfg MonitorConfig, opts ...MonitorOption) *Monitor {
	m := &Monitor{
		sched: sched,
		reg:   reg,
		sink:  sink,
		cfg:   cfg.ApplyDefaults(),
		log:   logging.Noop(),
		last:  make(map[ofp.SwitchHandle]uint64),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start arms the first poll one interval from now. Polls re-arm until Stop
// or until ctx is done.
func (m *Monitor) Start(ctx context.Context) {
	if !m.cfg.Enabled {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	m.running = true
	m.armLocked(ctx)
}

// Stop cancels the pending poll.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.running = false
	if m.eventID != "" {
		m.sched.Cancel(m.eventID)
		m.eventID = ""
	}
}

func (m *Monitor) armLocked(ctx context.Context) {
	at := m.sched.Now().Add(m.cfg.Interval)
	m.eventID = m.sched.Schedule(at, func() {
		if ctx.Err() != nil {
			m.Stop()
			return
		}
		m.Poll(ctx)

		m.mu.Lock()
		defer m.mu.Unlock()
		if m.running {
			m.armLocked(ctx)
		}
	})
}

// Poll reads every switch once and records the total byte delta against
// one interval. It returns the delta.
func (m *Monitor) Poll(ctx context.Context) uint64 {
	switches := m.reg.List()

	seen := make(map[ofp.SwitchHandle]struct{}, len(switches))
	var delta uint64

	m.mu.Lock()
	for _, dp := range switches {
		sw := dp.Handle()
		seen[sw] = struct{}{}

		st, err := dp.FlowStats(ctx)
		if err != nil {
			m.metrics.IncStatsErrors()
			m.log.Warn(ctx, "flow stats read failed", logging.String("switch", sw.String()), logging.Err(err))
			continue
		}
		prev := m.last[sw]
		if st.Bytes >= prev {
			delta += st.Bytes - prev
		} else {
			// Counter restarted.
			delta += st.Bytes
		}
		m.last[sw] = st.Bytes
	}
	for sw := range m.last {
		if _, ok := seen[sw]; !ok {
			delete(m.last, sw)
		}
	}
	m.mu.Unlock()

	m.sink.RecordInterval(delta, m.cfg.Interval)
	m.metrics.IncStatsPolls()
	if m.observer != nil {
		m.observer.IncStatsPolls()
	}
	m.log.Debug(ctx, "flow stats polled",
		logging.Int("switches", len(switches)),
		logging.Uint64("bytes", delta),
	)
	return delta
}
