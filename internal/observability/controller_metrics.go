package observability

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ControllerCollector exposes the decision core's Prometheus metrics.
type ControllerCollector struct {
	gatherer prometheus.Gatherer

	PacketIns        *prometheus.CounterVec
	Drops            *prometheus.CounterVec
	Commands         *prometheus.CounterVec
	AcceptedBytes    prometheus.Counter
	DecisionDuration prometheus.Histogram
	TrackedNodes     prometheus.Gauge
	QTableEntries    prometheus.Gauge
	Switches         prometheus.Gauge
	StatsPolls       prometheus.Counter
}

// NewControllerCollector registers controller metrics against the provided
// registerer, defaulting to the global Prometheus registry when nil.
func NewControllerCollector(reg prometheus.Registerer) (*ControllerCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	packetIns, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "qltr_packet_in_total",
		Help: "Packet-in events handled, labeled by frame class.",
	}, []string{"class"}), "qltr_packet_in_total")
	if err != nil {
		return nil, err
	}
	drops, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "qltr_packet_in_dropped_total",
		Help: "Packet-in events dropped, labeled by reason.",
	}, []string{"reason"}), "qltr_packet_in_dropped_total")
	if err != nil {
		return nil, err
	}
	commands, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "qltr_switch_commands_total",
		Help: "Commands issued to switches, labeled by kind and result.",
	}, []string{"kind", "result"}), "qltr_switch_commands_total")
	if err != nil {
		return nil, err
	}
	bytes, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "qltr_accepted_bytes_total",
		Help: "Payload bytes of IPv4 frames accepted by the decision core.",
	}), "qltr_accepted_bytes_total")
	if err != nil {
		return nil, err
	}
	duration, err := registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "qltr_decision_duration_seconds",
		Help:    "Time spent handling one packet-in event.",
		Buckets: []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
	}), "qltr_decision_duration_seconds")
	if err != nil {
		return nil, err
	}
	tracked, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "qltr_trust_tracked_nodes",
		Help: "Nodes with a trust score.",
	}), "qltr_trust_tracked_nodes")
	if err != nil {
		return nil, err
	}
	qEntries, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "qltr_qtable_entries",
		Help: "(source, next hop) pairs in the Q-table.",
	}), "qltr_qtable_entries")
	if err != nil {
		return nil, err
	}
	switches, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "qltr_switches_registered",
		Help: "Switches currently registered with the controller.",
	}), "qltr_switches_registered")
	if err != nil {
		return nil, err
	}
	polls, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "qltr_flow_stats_polls_total",
		Help: "Flow statistics requests issued by the monitor.",
	}), "qltr_flow_stats_polls_total")
	if err != nil {
		return nil, err
	}

	return &ControllerCollector{
		gatherer:         gatherer,
		PacketIns:        packetIns,
		Drops:            drops,
		Commands:         commands,
		AcceptedBytes:    bytes,
		DecisionDuration: duration,
		TrackedNodes:     tracked,
		QTableEntries:    qEntries,
		Switches:         switches,
		StatsPolls:       polls,
	}, nil
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *ControllerCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// PacketIn counts one event of the given class.
func (c *ControllerCollector) PacketIn(class string) {
	if c == nil || c.PacketIns == nil {
		return
	}
	c.PacketIns.WithLabelValues(class).Inc()
}

// Dropped counts one dropped event.
func (c *ControllerCollector) Dropped(reason string) {
	if c == nil || c.Drops == nil {
		return
	}
	c.Drops.WithLabelValues(reason).Inc()
}

// CommandSent counts a switch command.
func (c *ControllerCollector) CommandSent(kind string, rejected bool) {
	if c == nil || c.Commands == nil {
		return
	}
	result := "accepted"
	if rejected {
		result = "rejected"
	}
	c.Commands.WithLabelValues(kind, result).Inc()
}

// AddBytes adds accepted payload bytes.
func (c *ControllerCollector) AddBytes(n uint64) {
	if c == nil || c.AcceptedBytes == nil {
		return
	}
	c.AcceptedBytes.Add(float64(n))
}

// ObserveDecision records the handling time of one event.
func (c *ControllerCollector) ObserveDecision(d time.Duration) {
	if c == nil || c.DecisionDuration == nil {
		return
	}
	c.DecisionDuration.Observe(d.Seconds())
}

// SetTableSizes updates the trust and Q-table gauges.
func (c *ControllerCollector) SetTableSizes(trustNodes, qEntries int) {
	if c == nil {
		return
	}
	if c.TrackedNodes != nil {
		c.TrackedNodes.Set(float64(trustNodes))
	}
	if c.QTableEntries != nil {
		c.QTableEntries.Set(float64(qEntries))
	}
}

// SetSwitches updates the registered switch gauge.
func (c *ControllerCollector) SetSwitches(n int) {
	if c == nil || c.Switches == nil {
		return
	}
	c.Switches.Set(float64(n))
}

// IncStatsPolls counts one flow statistics request.
func (c *ControllerCollector) IncStatsPolls() {
	if c == nil || c.StatsPolls == nil {
		return
	}
	c.StatsPolls.Inc()
}

func registerHistogram(reg prometheus.Registerer, hist prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(hist); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return hist, nil
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}
