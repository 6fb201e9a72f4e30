package flows

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalsfoundry/qltr-controller/internal/netaddr"
	"github.com/signalsfoundry/qltr-controller/internal/ofp"
)

// recordingSink keeps every command and rejects those listed in reject.
type recordingSink struct {
	sent   map[ofp.SwitchHandle][]string
	reject map[string]bool
}

func newRecordingSink() *recordingSink {
	return &recordingSink{sent: map[ofp.SwitchHandle][]string{}, reject: map[string]bool{}}
}

func (s *recordingSink) Execute(_ context.Context, sw ofp.SwitchHandle, cmd string) error {
	s.sent[sw] = append(s.sent[sw], cmd)
	if s.reject[cmd] {
		return errors.New("table full")
	}
	return nil
}

type countingRecorder map[string]int

func (c countingRecorder) CommandSent(kind string, rejected bool) {
	c[fmt.Sprintf("%s/%v", kind, rejected)]++
}

var commandGrammar = regexp.MustCompile(`^(set-config miss=\d+|flow-mod cmd=add,table=\d+,prio=\d+ ([a-z_]+=[^ ,]+(,[a-z_]+=[^ ,]+)* )?(apply|write):output=(\d+|ctrl))$`)

func TestCommandStrings(t *testing.T) {
	src := netaddr.MustParseNodeAddress("10.1.2.3")
	for _, tc := range []struct {
		cmd  Command
		want string
	}{
		{SetConfig{MissSendLen: 128}, "set-config miss=128"},
		{FlowMod{Action: ApplyOutput(PortController)}, "flow-mod cmd=add,table=0,prio=0 apply:output=ctrl"},
		{
			FlowMod{Priority: 20, Match: MatchSpec{EthType(ofp.EthTypeARP), ArpOp(ofp.ArpRequest)}, Action: ApplyOutput(PortController)},
			"flow-mod cmd=add,table=0,prio=20 eth_type=0x0806,arp_op=1 apply:output=ctrl",
		},
		{
			FlowMod{Table: 1, Priority: 500, Match: MatchSpec{InPort(2)}, Action: WriteOutput(3)},
			"flow-mod cmd=add,table=1,prio=500 in_port=2 write:output=3",
		},
		{
			FlowMod{Priority: 100, Match: MatchSpec{EthType(ofp.EthTypeIPv4), IPv4Src(src)}, Action: ApplyOutput(4)},
			"flow-mod cmd=add,table=0,prio=100 eth_type=0x0800,ip_src=10.1.2.3 apply:output=4",
		},
	} {
		assert.Equal(t, tc.want, tc.cmd.String())
		assert.Regexp(t, commandGrammar, tc.cmd.String())
	}
}

func TestInstallDefaultRulesByRole(t *testing.T) {
	const (
		border ofp.SwitchHandle = 1
		agg    ofp.SwitchHandle = 2
		access ofp.SwitchHandle = 3
	)
	cfg := DefaultConfig()
	cfg.Roles = RoleMap{border: RoleBorder, agg: RoleAggregation}
	cfg.ServerAddress = netaddr.MustParseNodeAddress("10.1.1.1")
	cfg.ServerTCPPort = 9
	cfg.AggregationPorts = []PortPair{{In: 1, Out: 3}, {In: 2, Out: 3}}

	sink := newRecordingSink()
	in := NewInstaller(cfg, sink, nil, nil)
	for _, sw := range []ofp.SwitchHandle{border, agg, access} {
		require.NoError(t, in.InstallDefaultRules(context.Background(), sw))
	}

	common := []string{
		"set-config miss=128",
		"flow-mod cmd=add,table=0,prio=0 apply:output=ctrl",
		"flow-mod cmd=add,table=0,prio=20 eth_type=0x0806,arp_op=1 apply:output=ctrl",
	}
	want := map[ofp.SwitchHandle][]string{
		border: append(append([]string{}, common...),
			"flow-mod cmd=add,table=0,prio=20 eth_type=0x0800,ip_proto=6,ip_dst=10.1.1.1,tcp_dst=9 apply:output=ctrl"),
		agg: append(append([]string{}, common...),
			"flow-mod cmd=add,table=0,prio=500 in_port=1 write:output=3",
			"flow-mod cmd=add,table=0,prio=500 in_port=2 write:output=3"),
		access: common,
	}
	if diff := cmp.Diff(want, sink.sent); diff != "" {
		t.Fatalf("commands mismatch (-want +got):\n%s", diff)
	}
	for _, cmds := range sink.sent {
		for _, c := range cmds {
			assert.Regexp(t, commandGrammar, c)
		}
	}
}

func TestLastCommandRoundTrip(t *testing.T) {
	sink := newRecordingSink()
	in := NewInstaller(DefaultConfig(), sink, nil, nil)
	const sw ofp.SwitchHandle = 7

	_, ok := in.LastCommand(sw)
	assert.False(t, ok)

	src := netaddr.MustParseNodeAddress("10.0.0.5")
	fm := in.ForwardingRule(src, 2)
	_, err := in.InstallForwardingRule(context.Background(), sw, fm.Match, fm.Action)
	require.NoError(t, err)

	got, ok := in.LastCommand(sw)
	require.True(t, ok)
	assert.Equal(t, "flow-mod cmd=add,table=0,prio=100 eth_type=0x0800,ip_src=10.0.0.5 apply:output=2", got)
	assert.Regexp(t, commandGrammar, got)

	in.Forget(sw)
	_, ok = in.LastCommand(sw)
	assert.False(t, ok)
}

func TestRejectionIsReportedAndJoined(t *testing.T) {
	sink := newRecordingSink()
	sink.reject["set-config miss=128"] = true
	sink.reject["flow-mod cmd=add,table=0,prio=0 apply:output=ctrl"] = true
	rec := countingRecorder{}
	in := NewInstaller(DefaultConfig(), sink, nil, rec)

	err := in.InstallDefaultRules(context.Background(), 9)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInstallRejected)

	var rej *RejectedError
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, ofp.SwitchHandle(9), rej.Switch)
	assert.Equal(t, "table full", rej.Reason)

	assert.Len(t, sink.sent[9], 3, "every rule is still attempted")
	assert.Equal(t, countingRecorder{
		"set-config/true": 1,
		"flow-mod/true":   1,
		"flow-mod/false":  1,
	}, rec)

	last, _ := in.LastCommand(9)
	assert.Equal(t, "flow-mod cmd=add,table=0,prio=20 eth_type=0x0806,arp_op=1 apply:output=ctrl", last)
}

func TestParseRole(t *testing.T) {
	r, err := ParseRole(" Border ")
	require.NoError(t, err)
	assert.Equal(t, RoleBorder, r)
	r, err = ParseRole("")
	require.NoError(t, err)
	assert.Equal(t, RoleAccess, r)
	_, err = ParseRole("core")
	assert.Error(t, err)

	assert.Equal(t, RoleAccess, RoleMap(nil).Role(4))

	roles := RoleMap{1: "Border", 2: " AGGREGATION", 3: "core"}
	assert.Equal(t, RoleBorder, roles.Role(1))
	assert.Equal(t, RoleAggregation, roles.Role(2))
	assert.Equal(t, RoleAccess, roles.Role(3))
}
