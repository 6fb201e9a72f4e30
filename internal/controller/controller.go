// Package controller is the decision core: it classifies packet-in events,
// feeds the trust and routing engines, and turns their decisions into flow
// rules through the installer.
package controller

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/qltr-controller/internal/flows"
	"github.com/signalsfoundry/qltr-controller/internal/logging"
	"github.com/signalsfoundry/qltr-controller/internal/netaddr"
	"github.com/signalsfoundry/qltr-controller/internal/observability"
	"github.com/signalsfoundry/qltr-controller/internal/ofp"
	"github.com/signalsfoundry/qltr-controller/internal/routing"
	"github.com/signalsfoundry/qltr-controller/internal/session"
	"github.com/signalsfoundry/qltr-controller/internal/tables"
	"github.com/signalsfoundry/qltr-controller/internal/trust"
)

// Switch is the southbound collaborator: it accepts command strings and
// emits frames on behalf of the controller.
type Switch interface {
	flows.CommandSink
	PacketOut(ctx context.Context, sw ofp.SwitchHandle, xid uint32, port uint32, frame []byte) error
}

// Option customises a Controller.
type Option func(*options)

type options struct {
	log     logging.Logger
	metrics *observability.ControllerCollector
	tracer  trace.Tracer
	reward  routing.RewardSource
	policy  routing.Policy
	rand    routing.RandomSource
}

// WithLogger sets the controller logger.
func WithLogger(l logging.Logger) Option { return func(o *options) { o.log = l } }

// WithMetrics sets the Prometheus collector.
func WithMetrics(m *observability.ControllerCollector) Option {
	return func(o *options) { o.metrics = m }
}

// WithTracer overrides the global tracer.
func WithTracer(t trace.Tracer) Option { return func(o *options) { o.tracer = t } }

// WithRewardSource replaces routing.DefaultReward.
func WithRewardSource(r routing.RewardSource) Option { return func(o *options) { o.reward = r } }

// WithPolicy replaces the epsilon-greedy routing policy.
func WithPolicy(p routing.Policy) Option { return func(o *options) { o.policy = p } }

// WithRandomSource sets the exploration draw source.
func WithRandomSource(r routing.RandomSource) Option { return func(o *options) { o.rand = r } }

type installKey struct {
	Switch ofp.SwitchHandle
	Src    netaddr.NodeAddress
}

// Controller composes the address tables, the trust and routing engines,
// the flow installer and the session aggregator. OnPacketIn calls are
// serialised.
type Controller struct {
	cfg     Config
	log     logging.Logger
	metrics *observability.ControllerCollector
	tracer  trace.Tracer
	reward  routing.RewardSource

	sw        Switch
	installer *flows.Installer
	macs      *tables.MacTable
	arps      *tables.ArpTable
	trust     *trust.Engine
	routing   *routing.Engine
	session   *session.Aggregator

	// mu serialises OnPacketIn.
	mu sync.Mutex

	installMu sync.Mutex
	installed map[installKey]netaddr.NodeAddress

	evictMu         sync.Mutex
	evicted         []netaddr.NodeAddress
	unregisterEvict func()
}

// New validates cfg and builds a controller speaking to sw.
func New(cfg Config, sw Switch, opts ...Option) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if sw == nil {
		return nil, fmt.Errorf("%w: nil switch collaborator", ErrInvalidConfig)
	}
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = logging.Noop()
	}
	if o.tracer == nil {
		o.tracer = observability.Tracer()
	}
	if o.reward == nil {
		o.reward = routing.DefaultReward
	}

	te, err := trust.NewEngine(cfg.Trust)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	gateways := routing.NewGateways()
	for _, gw := range cfg.Gateways {
		if err := gateways.Add(gw.Prefix, gw.Hop); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
	}
	ropts := []routing.Option{routing.WithGateways(gateways)}
	if o.policy != nil {
		ropts = append(ropts, routing.WithPolicy(o.policy))
	}
	if o.rand != nil {
		ropts = append(ropts, routing.WithRandomSource(o.rand))
	}
	re, err := routing.NewEngine(cfg.Routing, ropts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	c := &Controller{
		cfg:       cfg,
		log:       o.log,
		metrics:   o.metrics,
		tracer:    o.tracer,
		reward:    o.reward,
		sw:        sw,
		installer: flows.NewInstaller(cfg.Flows, sw, o.log, o.metrics),
		macs:      tables.NewMacTable(cfg.MacTable),
		arps:      tables.NewArpTable(cfg.ArpTable),
		trust:     te,
		routing:   re,
		session:   session.NewAggregator(cfg.ReferenceRate),
		installed: make(map[installKey]netaddr.NodeAddress),
	}
	if cfg.Flows.ServerAddress != 0 && !cfg.ServerMAC.IsZero() {
		c.arps.Save(cfg.Flows.ServerAddress, cfg.ServerMAC)
	}
	c.unregisterEvict = te.OnEvict(c.queueEviction)
	return c, nil
}

// Close detaches internal hooks. The controller must not be used after.
func (c *Controller) Close() {
	if c.unregisterEvict != nil {
		c.unregisterEvict()
	}
}

// queueEviction runs inside the trust table's eviction hook, possibly under
// its lock, so it only records the node for reapEvicted.
func (c *Controller) queueEviction(node netaddr.NodeAddress) {
	c.evictMu.Lock()
	c.evicted = append(c.evicted, node)
	c.evictMu.Unlock()
}

// reapEvicted drops the Q rows and install state of nodes that left the
// trust table, so every Q-table source stays a tracked node.
func (c *Controller) reapEvicted(ctx context.Context) {
	c.evictMu.Lock()
	nodes := c.evicted
	c.evicted = nil
	c.evictMu.Unlock()

	for _, node := range nodes {
		if c.trust.Known(node) {
			continue
		}
		n := c.routing.Forget(node)
		c.installMu.Lock()
		for k := range c.installed {
			if k.Src == node {
				delete(c.installed, k)
			}
		}
		c.installMu.Unlock()
		c.log.Debug(ctx, "node evicted", logging.String("node", node.String()), logging.Int("q_entries", n))
	}
}

// HandshakeSuccessful bootstraps a newly connected switch.
func (c *Controller) HandshakeSuccessful(ctx context.Context, sw ofp.SwitchHandle) error {
	if err := c.installer.InstallDefaultRules(ctx, sw); err != nil {
		c.log.Warn(ctx, "default rules rejected", logging.String("switch", sw.String()), logging.Err(err))
		return err
	}
	return nil
}

// SwitchDisconnected drops per-switch install state so a reconnecting
// switch receives its rules again.
func (c *Controller) SwitchDisconnected(sw ofp.SwitchHandle) {
	c.installer.Forget(sw)
	c.installMu.Lock()
	for k := range c.installed {
		if k.Switch == sw {
			delete(c.installed, k)
		}
	}
	c.installMu.Unlock()
}

// OnPacketIn classifies pi and runs it through the decision pipeline. A
// malformed or unsupported event leaves every table untouched.
func (c *Controller) OnPacketIn(ctx context.Context, pi *ofp.PacketIn) ControlResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	start := time.Now()
	ctx, span := c.tracer.Start(ctx, "controller.OnPacketIn")
	defer span.End()

	res := c.dispatch(ctx, pi)
	c.reapEvicted(ctx)

	span.SetAttributes(
		attribute.String("qltr.class", string(res.Class)),
		attribute.String("qltr.result", res.Kind.String()),
	)
	if pi != nil {
		span.SetAttributes(attribute.String("qltr.switch", pi.Switch.String()))
	}
	if res.Kind == KindDropped {
		span.SetAttributes(attribute.String("qltr.drop_reason", string(res.Reason)))
		if res.Err != nil {
			span.SetStatus(codes.Error, res.Err.Error())
		}
		c.metrics.Dropped(string(res.Reason))
	}
	c.metrics.PacketIn(string(res.Class))
	c.metrics.SetTableSizes(c.trust.Len(), c.routing.Len())
	c.metrics.ObserveDecision(time.Since(start))
	return res
}

func (c *Controller) dispatch(ctx context.Context, pi *ofp.PacketIn) ControlResult {
	if pi == nil || pi.Match == nil {
		return c.drop(ctx, nil, ClassInvalid, fmt.Errorf("%w: no match", ofp.ErrMalformedMatch))
	}
	ethType, err := pi.Match.EthType()
	if err != nil {
		return c.drop(ctx, pi, ClassInvalid, err)
	}
	switch ethType {
	case ofp.EthTypeARP:
		return c.handleARP(ctx, pi)
	case ofp.EthTypeIPv4:
		return c.handleIPv4(ctx, pi)
	case ofp.EthTypeLLDP:
		return Dropped(ClassLLDP, ReasonIgnored, nil)
	default:
		c.log.Debug(ctx, "unsupported ethertype",
			logging.String("switch", pi.Switch.String()),
			logging.String("eth_type", fmt.Sprintf("0x%04x", ethType)))
		return Dropped(ClassOther, ReasonUnsupported, nil)
	}
}

func (c *Controller) drop(ctx context.Context, pi *ofp.PacketIn, class Class, err error) ControlResult {
	reason := ReasonFor(err)
	fields := []logging.Field{logging.String("reason", string(reason)), logging.Err(err)}
	if pi != nil {
		fields = append(fields, logging.String("switch", pi.Switch.String()), logging.Uint64("xid", uint64(pi.Xid)))
	}
	switch reason {
	case ReasonNoCandidates, ReasonInstallRejected:
		c.log.Warn(ctx, "packet-in dropped", fields...)
	default:
		c.log.Debug(ctx, "packet-in dropped", fields...)
	}
	return Dropped(class, reason, err)
}

// learn records the frame's source MAC against its ingress port.
func (c *Controller) learn(pi *ofp.PacketIn) (netaddr.LinkLayerAddress, bool) {
	mac, err := pi.Match.LinkLayerAddress(ofp.FieldEthSrc)
	if err != nil {
		return netaddr.LinkLayerAddress{}, false
	}
	if pi.Match.Has(ofp.FieldInPort) {
		c.macs.Learn(pi.Switch, mac, pi.Match.InPort())
	}
	return mac, true
}

func (c *Controller) handleARP(ctx context.Context, pi *ofp.PacketIn) ControlResult {
	m := pi.Match
	op, err := m.Uint16(ofp.FieldArpOp)
	if err != nil {
		return c.drop(ctx, pi, ClassARP, err)
	}
	spa, err := m.NodeAddress(ofp.FieldArpSPA)
	if err != nil {
		return c.drop(ctx, pi, ClassARP, err)
	}
	sha, err := m.LinkLayerAddress(ofp.FieldArpSHA)
	if err != nil {
		return c.drop(ctx, pi, ClassARP, err)
	}
	var tpa netaddr.NodeAddress
	if op == ofp.ArpRequest {
		if tpa, err = m.NodeAddress(ofp.FieldArpTPA); err != nil {
			return c.drop(ctx, pi, ClassARP, err)
		}
	}

	c.learn(pi)
	if c.arps.Save(spa, sha) {
		c.log.Debug(ctx, "arp binding saved", logging.String("ip", spa.String()), logging.String("mac", sha.String()))
	}
	if op != ofp.ArpRequest {
		return Handled(ClassARP)
	}

	mac, ok := c.arps.Resolve(tpa)
	if !ok {
		return Handled(ClassARP)
	}
	frame, err := ofp.ARPReplyFrame(mac, tpa, sha, spa)
	if err != nil {
		return c.drop(ctx, pi, ClassARP, err)
	}
	if err := c.sw.PacketOut(ctx, pi.Switch, pi.Xid, m.InPort(), frame); err != nil {
		return c.drop(ctx, pi, ClassARP, &flows.RejectedError{
			Switch: pi.Switch, Command: "packet-out", Reason: err.Error(), Err: err,
		})
	}
	c.log.Debug(ctx, "arp reply sent",
		logging.String("switch", pi.Switch.String()),
		logging.String("ip", tpa.String()),
		logging.String("mac", mac.String()))
	return Handled(ClassARP)
}

func classifyIPv4(m *ofp.Match) Class {
	proto, err := m.Uint8(ofp.FieldIPProto)
	if err != nil || proto != ofp.IPProtoTCP {
		return ClassIPv4
	}
	flags, err := m.Uint16(ofp.FieldTCPFlags)
	if err != nil {
		return ClassIPv4
	}
	if flags&ofp.TCPFlagSYN != 0 && flags&ofp.TCPFlagACK == 0 {
		return ClassTCPSyn
	}
	return ClassIPv4
}

func (c *Controller) handleIPv4(ctx context.Context, pi *ofp.PacketIn) ControlResult {
	m := pi.Match
	src, err := m.NodeAddress(ofp.FieldIPv4Src)
	if err != nil {
		return c.drop(ctx, pi, ClassIPv4, err)
	}
	dst, err := m.NodeAddress(ofp.FieldIPv4Dst)
	if err != nil {
		return c.drop(ctx, pi, ClassIPv4, err)
	}
	class := classifyIPv4(m)

	if mac, ok := c.learn(pi); ok {
		c.arps.Save(src, mac)
	}
	score := c.trust.Observe(src)
	// A destination becomes a candidate once it can be reached at the link
	// layer.
	if _, ok := c.arps.Resolve(dst); ok {
		c.routing.AddCandidate(src, dst)
	}

	decision, err := c.routing.SelectNextHop(src)
	if err != nil {
		return c.drop(ctx, pi, class, err)
	}
	c.session.RecordBytes(pi.PayloadLen)
	c.metrics.AddBytes(pi.PayloadLen)

	if score < c.cfg.InstallTrustThreshold {
		c.log.Debug(ctx, "trust below install threshold",
			logging.String("src", src.String()), logging.Float64("trust", score))
		return Handled(class)
	}

	key := installKey{Switch: pi.Switch, Src: src}
	c.installMu.Lock()
	prev, ok := c.installed[key]
	c.installMu.Unlock()
	if ok && prev == decision.Hop {
		c.updateQ(decision, routing.Outcome{Src: src, Hop: decision.Hop, Forwarded: true, Bytes: pi.PayloadLen})
		return Handled(class)
	}

	rule := c.installer.ForwardingRule(src, c.outputPort(pi.Switch, decision.Hop))
	_, err = c.installer.InstallForwardingRule(ctx, pi.Switch, rule.Match, rule.Action)
	// The decision stands whether or not the switch enforces it.
	c.updateQ(decision, routing.Outcome{Src: src, Hop: decision.Hop, Forwarded: err == nil, Bytes: pi.PayloadLen})
	if err != nil {
		return c.drop(ctx, pi, class, err)
	}

	c.installMu.Lock()
	c.installed[key] = decision.Hop
	c.installMu.Unlock()
	c.log.Info(ctx, "forwarding rule installed",
		logging.String("switch", pi.Switch.String()),
		logging.String("src", src.String()),
		logging.String("next_hop", decision.Hop.String()),
		logging.Bool("explored", decision.Explored),
		logging.Bool("gateway", decision.Gateway))
	return HandledWithInstall(class, rule)
}

func (c *Controller) updateQ(d routing.Decision, o routing.Outcome) {
	c.routing.UpdateQ(d.Src, d.Hop, c.reward.Reward(o))
}

// outputPort is the port hop's MAC was learned on at sw, or the configured
// uplink.
func (c *Controller) outputPort(sw ofp.SwitchHandle, hop netaddr.NodeAddress) flows.Port {
	if mac, ok := c.arps.Resolve(hop); ok {
		if port, ok := c.macs.Port(sw, mac); ok {
			return flows.Port(port)
		}
	}
	return c.cfg.Flows.UplinkPort
}

// Session returns the traffic aggregator.
func (c *Controller) Session() *session.Aggregator { return c.session }

// Installer returns the flow installer.
func (c *Controller) Installer() *flows.Installer { return c.installer }

// Snapshot derives the session report over elapsed.
func (c *Controller) Snapshot(elapsed time.Duration) session.Snapshot {
	return c.session.Snapshot(elapsed.Seconds())
}

// PrintResults writes the session report over elapsed to w.
func (c *Controller) PrintResults(w io.Writer, elapsed time.Duration) error {
	return session.PrintResults(w, c.Snapshot(elapsed))
}

// TrustSnapshot dumps the trust table.
func (c *Controller) TrustSnapshot() []trust.Entry { return c.trust.Snapshot() }

// QSnapshot dumps the Q-table.
func (c *Controller) QSnapshot() []routing.Entry {
	c.reapEvicted(context.Background())
	return c.routing.Snapshot()
}

// TrustScore returns node's trust.
func (c *Controller) TrustScore(node netaddr.NodeAddress) float64 { return c.trust.Score(node) }

// QValue returns Q[(src, hop)].
func (c *Controller) QValue(src, hop netaddr.NodeAddress) float64 { return c.routing.Value(src, hop) }

// ResolveARP looks ip up in the ARP table.
func (c *Controller) ResolveARP(ip netaddr.NodeAddress) (netaddr.LinkLayerAddress, bool) {
	return c.arps.Resolve(ip)
}

// MacPort looks mac up in sw's MAC table.
func (c *Controller) MacPort(sw ofp.SwitchHandle, mac netaddr.LinkLayerAddress) (uint32, bool) {
	return c.macs.Port(sw, mac)
}

// TableSizes reports the entry counts of the MAC, ARP, trust and Q tables.
func (c *Controller) TableSizes() (mac, arp, trustNodes, q int) {
	return c.macs.Len(), c.arps.Len(), c.trust.Len(), c.routing.Len()
}
