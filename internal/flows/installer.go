// Package flows turns controller decisions into flow-table commands and
// pushes them to switches.
package flows

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/signalsfoundry/qltr-controller/internal/logging"
	"github.com/signalsfoundry/qltr-controller/internal/netaddr"
	"github.com/signalsfoundry/qltr-controller/internal/ofp"
)

// ErrInstallRejected is matched by every *RejectedError.
var ErrInstallRejected = errors.New("flows: install rejected")

// RejectedError reports a command the switch declined.
type RejectedError struct {
	Switch  ofp.SwitchHandle
	Command string
	Reason  string
	Err     error
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("switch %s rejected %q: %s", e.Switch, e.Command, e.Reason)
}

func (e *RejectedError) Is(target error) bool { return target == ErrInstallRejected }

func (e *RejectedError) Unwrap() error { return e.Err }

// CommandSink delivers command strings to a switch. A non-nil error means
// the switch did not accept the command.
type CommandSink interface {
	Execute(ctx context.Context, sw ofp.SwitchHandle, cmd string) error
}

// Defaults matching the reference controller's command strings.
const (
	DefaultMissSendLen       = 128
	DefaultForwardPriority   = 100
	DefaultArpPriority       = 20
	DefaultServerPriority    = 20
	DefaultAggregatePriority = 500
	DefaultUplinkPort        = Port(1)
)

// Config selects the rules each switch receives.
type Config struct {
	Table             uint8
	MissSendLen       uint16
	ForwardPriority   uint16
	ArpPriority       uint16
	ServerPriority    uint16
	AggregatePriority uint16

	Roles RoleMap

	// ServerAddress is the address border switches send TCP traffic for to
	// the controller. Zero disables the border server rule.
	ServerAddress netaddr.NodeAddress
	// ServerTCPPort narrows the border server rule when non-zero.
	ServerTCPPort uint16

	// AggregationPorts are installed as write:output rules on aggregation
	// switches.
	AggregationPorts []PortPair

	// UplinkPort is used for forwarding when the next hop's port is unknown.
	UplinkPort Port
}

// DefaultConfig returns table 0, miss 128 and priority 100 forwarding.
func DefaultConfig() Config {
	return Config{
		MissSendLen:       DefaultMissSendLen,
		ForwardPriority:   DefaultForwardPriority,
		ArpPriority:       DefaultArpPriority,
		ServerPriority:    DefaultServerPriority,
		AggregatePriority: DefaultAggregatePriority,
		UplinkPort:        DefaultUplinkPort,
	}
}

// Recorder observes every command issued. Implementations must be cheap.
type Recorder interface {
	CommandSent(kind string, rejected bool)
}

// Installer issues commands to switches and remembers the last command sent
// to each one.
type Installer struct {
	cfg  Config
	sink CommandSink
	log  logging.Logger
	rec  Recorder

	mu   sync.Mutex
	last map[ofp.SwitchHandle]string
}

// NewInstaller returns an installer sending through sink. log and rec may
// be nil.
func NewInstaller(cfg Config, sink CommandSink, log logging.Logger, rec Recorder) *Installer {
	if log == nil {
		log = logging.Noop()
	}
	return &Installer{
		cfg:  cfg,
		sink: sink,
		log:  log,
		rec:  rec,
		last: make(map[ofp.SwitchHandle]string),
	}
}

// Config returns the installer's rule configuration.
func (i *Installer) Config() Config { return i.cfg }

// Role returns the configured role of sw.
func (i *Installer) Role(sw ofp.SwitchHandle) Role { return i.cfg.Roles.Role(sw) }

// Install sends one command to sw.
func (i *Installer) Install(ctx context.Context, sw ofp.SwitchHandle, cmd Command) error {
	text := cmd.String()
	i.mu.Lock()
	i.last[sw] = text
	i.mu.Unlock()

	kind := "flow-mod"
	if _, ok := cmd.(SetConfig); ok {
		kind = "set-config"
	}

	err := i.sink.Execute(ctx, sw, text)
	if i.rec != nil {
		i.rec.CommandSent(kind, err != nil)
	}
	if err != nil {
		var rej *RejectedError
		if errors.As(err, &rej) {
			return err
		}
		return &RejectedError{Switch: sw, Command: text, Reason: err.Error(), Err: err}
	}
	i.log.Debug(ctx, "command sent", logging.String("switch", sw.String()), logging.String("command", text))
	return nil
}

// DefaultRules returns the bootstrap commands for sw in the order they are
// sent: the miss-send config, the table-miss rule, the ARP request rule,
// then the rules of the switch's role.
func (i *Installer) DefaultRules(sw ofp.SwitchHandle) []Command {
	cmds := []Command{
		SetConfig{MissSendLen: i.cfg.MissSendLen},
		FlowMod{Table: i.cfg.Table, Priority: 0, Action: ApplyOutput(PortController)},
		FlowMod{
			Table:    i.cfg.Table,
			Priority: i.cfg.ArpPriority,
			Match:    MatchSpec{EthType(ofp.EthTypeARP), ArpOp(ofp.ArpRequest)},
			Action:   ApplyOutput(PortController),
		},
	}

	switch i.Role(sw) {
	case RoleBorder:
		if i.cfg.ServerAddress != 0 {
			m := MatchSpec{EthType(ofp.EthTypeIPv4), IPProto(ofp.IPProtoTCP), IPv4Dst(i.cfg.ServerAddress)}
			if i.cfg.ServerTCPPort != 0 {
				m = append(m, TCPDst(i.cfg.ServerTCPPort))
			}
			cmds = append(cmds, FlowMod{
				Table:    i.cfg.Table,
				Priority: i.cfg.ServerPriority,
				Match:    m,
				Action:   ApplyOutput(PortController),
			})
		}
	case RoleAggregation:
		for _, pp := range i.cfg.AggregationPorts {
			cmds = append(cmds, FlowMod{
				Table:    i.cfg.Table,
				Priority: i.cfg.AggregatePriority,
				Match:    MatchSpec{InPort(pp.In)},
				Action:   WriteOutput(pp.Out),
			})
		}
	}
	return cmds
}

// InstallDefaultRules sends DefaultRules(sw). Every command is attempted;
// the returned error joins all rejections.
func (i *Installer) InstallDefaultRules(ctx context.Context, sw ofp.SwitchHandle) error {
	var errs []error
	for _, cmd := range i.DefaultRules(sw) {
		if err := i.Install(ctx, sw, cmd); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	i.log.Info(ctx, "default rules installed",
		logging.String("switch", sw.String()),
		logging.String("role", string(i.Role(sw))))
	return nil
}

// ForwardingRule builds the rule that steers src's IPv4 traffic out of port.
func (i *Installer) ForwardingRule(src netaddr.NodeAddress, port Port) FlowMod {
	return FlowMod{
		Table:    i.cfg.Table,
		Priority: i.cfg.ForwardPriority,
		Match:    MatchSpec{EthType(ofp.EthTypeIPv4), IPv4Src(src)},
		Action:   ApplyOutput(port),
	}
}

// InstallForwardingRule sends a forwarding rule with the given match and
// action at the forwarding priority.
func (i *Installer) InstallForwardingRule(ctx context.Context, sw ofp.SwitchHandle, match MatchSpec, action Action) (FlowMod, error) {
	fm := FlowMod{
		Table:    i.cfg.Table,
		Priority: i.cfg.ForwardPriority,
		Match:    match,
		Action:   action,
	}
	return fm, i.Install(ctx, sw, fm)
}

// LastCommand returns the last command string issued to sw.
func (i *Installer) LastCommand(sw ofp.SwitchHandle) (string, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	cmd, ok := i.last[sw]
	return cmd, ok
}

// Forget drops the installer's memory of sw.
func (i *Installer) Forget(sw ofp.SwitchHandle) {
	i.mu.Lock()
	delete(i.last, sw)
	i.mu.Unlock()
}
