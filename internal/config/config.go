// Package config loads the controller configuration from a YAML file and
// QLTR_* environment overrides using viper.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/spf13/viper"

	"github.com/signalsfoundry/qltr-controller/internal/controller"
	"github.com/signalsfoundry/qltr-controller/internal/flows"
	"github.com/signalsfoundry/qltr-controller/internal/logging"
	"github.com/signalsfoundry/qltr-controller/internal/netaddr"
	"github.com/signalsfoundry/qltr-controller/internal/observability"
	"github.com/signalsfoundry/qltr-controller/internal/ofp"
	"github.com/signalsfoundry/qltr-controller/internal/routing"
	"github.com/signalsfoundry/qltr-controller/internal/sbi"
	"github.com/signalsfoundry/qltr-controller/internal/session"
	"github.com/signalsfoundry/qltr-controller/internal/tables"
	"github.com/signalsfoundry/qltr-controller/internal/trust"
	"github.com/signalsfoundry/qltr-controller/timectrl"
)

// EnvPrefix prefixes every environment override, e.g. QLTR_ROUTING_EXPLORATION_RATE.
const EnvPrefix = "QLTR"

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("config: invalid")

// Config is the on-disk configuration.
type Config struct {
	Routing  RoutingConfig   `mapstructure:"routing" yaml:"routing"`
	Trust    TrustConfig     `mapstructure:"trust" yaml:"trust"`
	Flows    FlowsConfig     `mapstructure:"flows" yaml:"flows"`
	Tables   TablesConfig    `mapstructure:"tables" yaml:"tables"`
	Gateways []GatewayConfig `mapstructure:"gateways" yaml:"gateways,omitempty"`
	Switches []SwitchConfig  `mapstructure:"switches" yaml:"switches,omitempty"`
	Session  SessionConfig   `mapstructure:"session" yaml:"session"`
	Log      LogConfig       `mapstructure:"log" yaml:"log"`
	Metrics  MetricsConfig   `mapstructure:"metrics" yaml:"metrics"`
	NBI      NBIConfig       `mapstructure:"nbi" yaml:"nbi"`
	Tracing  TracingConfig   `mapstructure:"tracing" yaml:"tracing"`
}

// RoutingConfig holds the Q-learning parameters.
type RoutingConfig struct {
	LearningRate    float64 `mapstructure:"learning_rate" yaml:"learning_rate"`
	DiscountFactor  float64 `mapstructure:"discount_factor" yaml:"discount_factor"`
	ExplorationRate float64 `mapstructure:"exploration_rate" yaml:"exploration_rate"`
	// RandomStream names the reproducible stream exploration draws from.
	RandomStream string `mapstructure:"random_stream" yaml:"random_stream"`
}

// TrustConfig holds the trust increments and the install gate.
type TrustConfig struct {
	Step             float64 `mapstructure:"step" yaml:"step"`
	Cap              float64 `mapstructure:"cap" yaml:"cap"`
	MaxTrackedNodes  uint64  `mapstructure:"max_tracked_nodes" yaml:"max_tracked_nodes"`
	InstallThreshold float64 `mapstructure:"install_threshold" yaml:"install_threshold"`
}

// FlowsConfig controls the rules sent to switches.
type FlowsConfig struct {
	Table             uint8  `mapstructure:"table" yaml:"table"`
	MissSendLen       uint16 `mapstructure:"miss_send_len" yaml:"miss_send_len"`
	ForwardPriority   uint16 `mapstructure:"forward_priority" yaml:"forward_priority"`
	ArpPriority       uint16 `mapstructure:"arp_priority" yaml:"arp_priority"`
	ServerPriority    uint16 `mapstructure:"server_priority" yaml:"server_priority"`
	AggregatePriority uint16 `mapstructure:"aggregate_priority" yaml:"aggregate_priority"`
	UplinkPort        uint32 `mapstructure:"uplink_port" yaml:"uplink_port"`

	ServerAddress string     `mapstructure:"server_address" yaml:"server_address,omitempty"`
	ServerMAC     string     `mapstructure:"server_mac" yaml:"server_mac,omitempty"`
	ServerTCPPort uint16     `mapstructure:"server_tcp_port" yaml:"server_tcp_port,omitempty"`
	Aggregation   []PortPair `mapstructure:"aggregation_ports" yaml:"aggregation_ports,omitempty"`
}

// PortPair is one aggregation-switch uplink rule.
type PortPair struct {
	In  uint32 `mapstructure:"in" yaml:"in"`
	Out uint32 `mapstructure:"out" yaml:"out"`
}

// TablesConfig bounds the MAC and ARP tables.
type TablesConfig struct {
	MacCapacity uint64        `mapstructure:"mac_capacity" yaml:"mac_capacity"`
	ArpCapacity uint64        `mapstructure:"arp_capacity" yaml:"arp_capacity"`
	TTL         time.Duration `mapstructure:"ttl" yaml:"ttl"`
}

// GatewayConfig designates a fallback next hop for sources in Prefix.
type GatewayConfig struct {
	Prefix string `mapstructure:"prefix" yaml:"prefix"`
	Hop    string `mapstructure:"hop" yaml:"hop"`
}

// SwitchConfig declares a switch and its role. ID accepts decimal or
// 0x-prefixed hex.
type SwitchConfig struct {
	ID   string `mapstructure:"id" yaml:"id"`
	Role string `mapstructure:"role" yaml:"role,omitempty"`
}

// SessionConfig controls the session clock and the stats monitor.
type SessionConfig struct {
	Duration      time.Duration `mapstructure:"duration" yaml:"duration"`
	Tick          time.Duration `mapstructure:"tick" yaml:"tick"`
	Mode          string        `mapstructure:"mode" yaml:"mode"`
	ReferenceRate float64       `mapstructure:"reference_rate" yaml:"reference_rate"`
	StatsInterval time.Duration `mapstructure:"stats_interval" yaml:"stats_interval"`
	Monitor       bool          `mapstructure:"monitor" yaml:"monitor"`
}

// LogConfig mirrors logging.Config.
type LogConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`
	Format     string `mapstructure:"format" yaml:"format"`
	File       string `mapstructure:"file" yaml:"file,omitempty"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Listen  string `mapstructure:"listen" yaml:"listen"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// TracingConfig mirrors observability.TracingConfig.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled" yaml:"enabled"`
	ServiceName string  `mapstructure:"service_name" yaml:"service_name"`
	Exporter    string  `mapstructure:"exporter" yaml:"exporter"`
	Endpoint    string  `mapstructure:"endpoint" yaml:"endpoint,omitempty"`
	SampleRatio float64 `mapstructure:"sample_ratio" yaml:"sample_ratio"`
}

// NBIConfig controls the gRPC session query surface.
type NBIConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Listen  string `mapstructure:"listen" yaml:"listen"`
}

// Load reads path (optional) and applies QLTR_* overrides and defaults.
func Load(path string) (*Config, error) {
	return load(path, true)
}

func load(path string, env bool) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if env {
		v.SetEnvPrefix(EnvPrefix)
		v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
		v.AutomaticEnv()
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default is the configuration with no file and no environment overrides.
func Default() Config {
	cfg, err := load("", false)
	if err != nil {
		panic(fmt.Sprintf("config: defaults are invalid: %v", err))
	}
	return *cfg
}

func setDefaults(v *viper.Viper) {
	r := routing.DefaultConfig()
	v.SetDefault("routing.learning_rate", r.LearningRate)
	v.SetDefault("routing.discount_factor", r.DiscountFactor)
	v.SetDefault("routing.exploration_rate", r.ExplorationRate)
	v.SetDefault("routing.random_stream", "qltr-routing")

	tr := trust.DefaultConfig()
	v.SetDefault("trust.step", tr.Step)
	v.SetDefault("trust.cap", tr.Cap)
	v.SetDefault("trust.max_tracked_nodes", tr.MaxNodes)
	v.SetDefault("trust.install_threshold", controller.DefaultInstallTrustThreshold)

	f := flows.DefaultConfig()
	v.SetDefault("flows.table", f.Table)
	v.SetDefault("flows.miss_send_len", f.MissSendLen)
	v.SetDefault("flows.forward_priority", f.ForwardPriority)
	v.SetDefault("flows.arp_priority", f.ArpPriority)
	v.SetDefault("flows.server_priority", f.ServerPriority)
	v.SetDefault("flows.aggregate_priority", f.AggregatePriority)
	v.SetDefault("flows.uplink_port", uint32(f.UplinkPort))
	v.SetDefault("flows.server_address", "")
	v.SetDefault("flows.server_mac", "")
	v.SetDefault("flows.server_tcp_port", 0)

	v.SetDefault("tables.mac_capacity", controller.DefaultTableCapacity)
	v.SetDefault("tables.arp_capacity", controller.DefaultTableCapacity)
	v.SetDefault("tables.ttl", "0s")

	v.SetDefault("session.duration", "60s")
	v.SetDefault("session.tick", "100ms")
	v.SetDefault("session.mode", timectrl.RealTime.String())
	v.SetDefault("session.reference_rate", session.DefaultReferenceRate)
	v.SetDefault("session.stats_interval", sbi.DefaultStatsInterval.String())
	v.SetDefault("session.monitor", true)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 30)
	v.SetDefault("log.compress", true)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.listen", ":9091")
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("nbi.enabled", true)
	v.SetDefault("nbi.listen", ":50051")

	tc := observability.DefaultTracingConfig()
	v.SetDefault("tracing.enabled", tc.Enabled)
	v.SetDefault("tracing.service_name", tc.ServiceName)
	v.SetDefault("tracing.exporter", tc.Exporter)
	v.SetDefault("tracing.endpoint", "")
	v.SetDefault("tracing.sample_ratio", tc.SampleRatio)
}

// Validate rejects parameters the controller cannot run with.
func (c *Config) Validate() error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Log.Level)] {
		return fmt.Errorf("%w: log level %q (must be debug/info/warn/error)", ErrInvalid, c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "console", "json", "text":
	default:
		return fmt.Errorf("%w: log format %q (must be console/json/text)", ErrInvalid, c.Log.Format)
	}
	if _, err := timectrl.ParseMode(c.Session.Mode); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if c.Session.Tick <= 0 {
		return fmt.Errorf("%w: session tick must be positive", ErrInvalid)
	}
	if c.Session.Duration < 0 {
		return fmt.Errorf("%w: negative session duration", ErrInvalid)
	}
	if err := c.TracingConfig().Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}

	cc, err := c.Controller()
	if err != nil {
		return err
	}
	if err := cc.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return nil
}

// Controller converts c into a controller.Config.
func (c *Config) Controller() (controller.Config, error) {
	cc := controller.DefaultConfig()
	cc.Routing = routing.Config{
		LearningRate:    c.Routing.LearningRate,
		DiscountFactor:  c.Routing.DiscountFactor,
		ExplorationRate: c.Routing.ExplorationRate,
	}
	cc.Trust = trust.Config{
		Step:     c.Trust.Step,
		Cap:      c.Trust.Cap,
		MaxNodes: c.Trust.MaxTrackedNodes,
	}
	cc.InstallTrustThreshold = c.Trust.InstallThreshold
	cc.ReferenceRate = c.Session.ReferenceRate
	cc.MacTable = tables.Config{Capacity: c.Tables.MacCapacity, TTL: c.Tables.TTL}
	cc.ArpTable = tables.Config{Capacity: c.Tables.ArpCapacity, TTL: c.Tables.TTL}

	fc := flows.Config{
		Table:             c.Flows.Table,
		MissSendLen:       c.Flows.MissSendLen,
		ForwardPriority:   c.Flows.ForwardPriority,
		ArpPriority:       c.Flows.ArpPriority,
		ServerPriority:    c.Flows.ServerPriority,
		AggregatePriority: c.Flows.AggregatePriority,
		ServerTCPPort:     c.Flows.ServerTCPPort,
		UplinkPort:        flows.Port(c.Flows.UplinkPort),
		Roles:             flows.RoleMap{},
	}
	if c.Flows.ServerAddress != "" {
		addr, err := netaddr.ParseNodeAddress(c.Flows.ServerAddress)
		if err != nil {
			return cc, fmt.Errorf("%w: flows.server_address: %w", ErrInvalid, err)
		}
		fc.ServerAddress = addr
	}
	if c.Flows.ServerMAC != "" {
		mac, err := netaddr.ParseLinkLayerAddress(c.Flows.ServerMAC)
		if err != nil {
			return cc, fmt.Errorf("%w: flows.server_mac: %w", ErrInvalid, err)
		}
		cc.ServerMAC = mac
	}
	for _, pp := range c.Flows.Aggregation {
		fc.AggregationPorts = append(fc.AggregationPorts, flows.PortPair{In: flows.Port(pp.In), Out: flows.Port(pp.Out)})
	}
	for _, sc := range c.Switches {
		sw, err := ParseSwitchID(sc.ID)
		if err != nil {
			return cc, fmt.Errorf("%w: %w", ErrInvalid, err)
		}
		role := flows.RoleAccess
		if sc.Role != "" {
			if role, err = flows.ParseRole(sc.Role); err != nil {
				return cc, fmt.Errorf("%w: switch %s: %w", ErrInvalid, sc.ID, err)
			}
		}
		fc.Roles[sw] = role
	}
	cc.Flows = fc

	for _, gw := range c.Gateways {
		prefix, err := netip.ParsePrefix(gw.Prefix)
		if err != nil {
			return cc, fmt.Errorf("%w: gateway prefix: %w", ErrInvalid, err)
		}
		hop, err := netaddr.ParseNodeAddress(gw.Hop)
		if err != nil {
			return cc, fmt.Errorf("%w: gateway hop: %w", ErrInvalid, err)
		}
		cc.Gateways = append(cc.Gateways, controller.GatewayRoute{Prefix: prefix, Hop: hop})
	}
	return cc, nil
}

// SwitchHandles lists the configured switches in file order.
func (c *Config) SwitchHandles() ([]ofp.SwitchHandle, error) {
	out := make([]ofp.SwitchHandle, 0, len(c.Switches))
	for _, sc := range c.Switches {
		sw, err := ParseSwitchID(sc.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, sw)
	}
	return out, nil
}

// ParseSwitchID parses a datapath ID in decimal or 0x-prefixed hex.
func ParseSwitchID(s string) (ofp.SwitchHandle, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 0, 64)
	if err != nil {
		return 0, fmt.Errorf("switch id %q: %w", s, err)
	}
	return ofp.SwitchHandle(v), nil
}

// Logging converts the log section.
func (c *Config) Logging() logging.Config {
	return logging.Config{
		Level:  c.Log.Level,
		Format: c.Log.Format,
		File: logging.FileConfig{
			Path:       c.Log.File,
			MaxSizeMB:  c.Log.MaxSizeMB,
			MaxBackups: c.Log.MaxBackups,
			MaxAgeDays: c.Log.MaxAgeDays,
			Compress:   c.Log.Compress,
		},
	}
}

// TracingConfig converts the tracing section.
func (c *Config) TracingConfig() observability.TracingConfig {
	return observability.TracingConfig{
		Enabled:     c.Tracing.Enabled,
		ServiceName: c.Tracing.ServiceName,
		Exporter:    c.Tracing.Exporter,
		Endpoint:    c.Tracing.Endpoint,
		SampleRatio: c.Tracing.SampleRatio,
	}
}

// Monitor converts the stats monitor settings.
func (c *Config) Monitor() sbi.MonitorConfig {
	return sbi.MonitorConfig{Enabled: c.Session.Monitor, Interval: c.Session.StatsInterval}.ApplyDefaults()
}

// ClockMode returns the parsed session mode. Validate has checked it.
func (c *Config) ClockMode() timectrl.Mode {
	m, _ := timectrl.ParseMode(c.Session.Mode)
	return m
}

// Marshal renders c as YAML.
func Marshal(c *Config) ([]byte, error) {
	return yaml.Marshal(c)
}
