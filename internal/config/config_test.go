package config

import (
	"errors"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalsfoundry/qltr-controller/internal/controller"
	"github.com/signalsfoundry/qltr-controller/internal/flows"
	"github.com/signalsfoundry/qltr-controller/internal/netaddr"
	"github.com/signalsfoundry/qltr-controller/internal/ofp"
	"github.com/signalsfoundry/qltr-controller/internal/sbi"
	"github.com/signalsfoundry/qltr-controller/timectrl"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "qltr.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultMatchesController(t *testing.T) {
	cfg := Default()
	cc, err := cfg.Controller()
	require.NoError(t, err)

	want := controller.DefaultConfig()
	want.Flows.Roles = flows.RoleMap{}
	if diff := cmp.Diff(want, cc); diff != "" {
		t.Fatalf("controller config mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, sbi.DefaultMonitorConfig(), cfg.Monitor())
	assert.Equal(t, timectrl.RealTime, cfg.ClockMode())
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
routing:
  learning_rate: 0.25
  exploration_rate: 0
trust:
  max_tracked_nodes: 64
flows:
  server_address: 10.0.0.100
  server_mac: 02:00:00:00:00:64
  uplink_port: 9
  aggregation_ports:
    - in: 1
      out: 4
switches:
  - id: "0x1"
    role: border
  - id: "2"
    role: aggregation
  - id: "3"
gateways:
  - prefix: 10.0.0.0/8
    hop: 10.0.0.1
session:
  mode: accelerated
  stats_interval: 5s
log:
  level: debug
  format: json
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 0.25, cfg.Routing.LearningRate)
	assert.Equal(t, 0.9, cfg.Routing.DiscountFactor, "unset keys keep defaults")
	assert.Equal(t, timectrl.Accelerated, cfg.ClockMode())
	assert.Equal(t, 5*time.Second, cfg.Monitor().Interval)

	handles, err := cfg.SwitchHandles()
	require.NoError(t, err)
	assert.Equal(t, []ofp.SwitchHandle{1, 2, 3}, handles)

	cc, err := cfg.Controller()
	require.NoError(t, err)
	assert.Equal(t, uint64(64), cc.Trust.MaxNodes)
	assert.Equal(t, flows.RoleBorder, cc.Flows.Roles.Role(1))
	assert.Equal(t, flows.RoleAggregation, cc.Flows.Roles.Role(2))
	assert.Equal(t, flows.RoleAccess, cc.Flows.Roles.Role(3))
	assert.Equal(t, netaddr.MustParseNodeAddress("10.0.0.100"), cc.Flows.ServerAddress)
	assert.Equal(t, netaddr.MustParseLinkLayerAddress("02:00:00:00:00:64"), cc.ServerMAC)
	assert.Equal(t, flows.Port(9), cc.Flows.UplinkPort)
	assert.Equal(t, []flows.PortPair{{In: 1, Out: 4}}, cc.Flows.AggregationPorts)
	assert.Equal(t, []controller.GatewayRoute{{
		Prefix: netip.MustParsePrefix("10.0.0.0/8"),
		Hop:    netaddr.MustParseNodeAddress("10.0.0.1"),
	}}, cc.Gateways)

	lc := cfg.Logging()
	assert.Equal(t, "debug", lc.Level)
	assert.Equal(t, "json", lc.Format)
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("QLTR_ROUTING_EXPLORATION_RATE", "0.05")
	t.Setenv("QLTR_SESSION_DURATION", "2m")
	t.Setenv("QLTR_LOG_LEVEL", "warn")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 0.05, cfg.Routing.ExplorationRate)
	assert.Equal(t, 2*time.Minute, cfg.Session.Duration)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestTracingFromEnvironment(t *testing.T) {
	t.Setenv("QLTR_TRACING_ENABLED", "true")
	t.Setenv("QLTR_TRACING_EXPORTER", "otlp")
	t.Setenv("QLTR_TRACING_ENDPOINT", "collector:4317")

	cfg, err := Load("")
	require.NoError(t, err)
	tc := cfg.TracingConfig()
	assert.True(t, tc.Enabled)
	assert.Equal(t, "otlp", tc.Exporter)
	assert.Equal(t, "collector:4317", tc.Endpoint)
	assert.Equal(t, "qltr-controller", tc.ServiceName)
	assert.Equal(t, 1.0, tc.SampleRatio)
}

func TestLoadRejectsInvalid(t *testing.T) {
	for name, body := range map[string]string{
		"discount one":     "routing:\n  discount_factor: 1\n",
		"exploration high": "routing:\n  exploration_rate: 1.5\n",
		"zero step":        "trust:\n  step: 0\n",
		"unknown role":     "switches:\n  - id: \"1\"\n    role: core\n",
		"bad switch id":    "switches:\n  - id: sw1\n",
		"bad gateway":      "gateways:\n  - prefix: nope\n    hop: 10.0.0.1\n",
		"v6 gateway":       "gateways:\n  - prefix: ::/0\n    hop: 10.0.0.1\n",
		"bad server mac":   "flows:\n  server_mac: zz\n",
		"log level":        "log:\n  level: loud\n",
		"log format":       "log:\n  format: xml\n",
		"mode":             "session:\n  mode: warp\n",
		"tick":             "session:\n  tick: 0s\n",
		"tracing exporter": "tracing:\n  exporter: zipkin\n",
		"tracing ratio":    "tracing:\n  sample_ratio: 2\n",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalid), "err = %v", err)
		})
	}
}

func TestLoadRejectsNaNFromEnvironment(t *testing.T) {
	for _, key := range []string{
		"QLTR_TRUST_STEP",
		"QLTR_TRUST_CAP",
		"QLTR_TRUST_INSTALL_THRESHOLD",
		"QLTR_SESSION_REFERENCE_RATE",
		"QLTR_ROUTING_LEARNING_RATE",
		"QLTR_TRACING_SAMPLE_RATIO",
	} {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, "NaN")
			_, err := Load("")
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrInvalid))
}

func TestMarshalRendersYAML(t *testing.T) {
	cfg := Default()
	cfg.Switches = []SwitchConfig{{ID: "0x1", Role: "border"}}

	out, err := Marshal(&cfg)
	require.NoError(t, err)
	text := string(out)
	for _, want := range []string{
		"learning_rate: 0.5",
		"discount_factor: 0.9",
		"exploration_rate: 0.3",
		"miss_send_len: 128",
		"role: border",
	} {
		assert.True(t, strings.Contains(text, want), "missing %q in\n%s", want, text)
	}
}

func TestParseSwitchID(t *testing.T) {
	for in, want := range map[string]ofp.SwitchHandle{"1": 1, "0x10": 16, " 42 ": 42} {
		got, err := ParseSwitchID(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseSwitchID("-1")
	assert.Error(t, err)
}
