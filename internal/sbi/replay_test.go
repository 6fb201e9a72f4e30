package sbi

import (
	"bytes"
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalsfoundry/qltr-controller/internal/controller"
	"github.com/signalsfoundry/qltr-controller/internal/netaddr"
)

var (
	replayMacA = netaddr.MustParseLinkLayerAddress("02:00:00:00:00:0a")
	replayMacB = netaddr.MustParseLinkLayerAddress("02:00:00:00:00:0b")
	replayIPA  = netaddr.MustParseNodeAddress("10.0.0.2")
	replayIPB  = netaddr.MustParseNodeAddress("10.0.0.3")
	broadcast  = net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
)

func serialize(t *testing.T, ls ...gopacket.SerializableLayer) []byte {
	t.Helper()
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, ls...))
	return append([]byte(nil), buf.Bytes()...)
}

func arpRequestFrame(t *testing.T, sha netaddr.LinkLayerAddress, spa, tpa netaddr.NodeAddress) []byte {
	spa4, tpa4 := spa.As4(), tpa.As4()
	return serialize(t,
		&layers.Ethernet{SrcMAC: sha.HardwareAddr(), DstMAC: broadcast, EthernetType: layers.EthernetTypeARP},
		&layers.ARP{
			AddrType:          layers.LinkTypeEthernet,
			Protocol:          layers.EthernetTypeIPv4,
			HwAddressSize:     6,
			ProtAddressSize:   4,
			Operation:         layers.ARPRequest,
			SourceHwAddress:   sha.HardwareAddr(),
			SourceProtAddress: spa4[:],
			DstHwAddress:      make([]byte, 6),
			DstProtAddress:    tpa4[:],
		},
	)
}

func ipv4Frame(t *testing.T, src, dst netaddr.LinkLayerAddress, srcIP, dstIP netaddr.NodeAddress, payload int) []byte {
	s4, d4 := srcIP.As4(), dstIP.As4()
	return serialize(t,
		&layers.Ethernet{SrcMAC: src.HardwareAddr(), DstMAC: dst.HardwareAddr(), EthernetType: layers.EthernetTypeIPv4},
		&layers.IPv4{Version: 4, IHL: 5, TTL: 64, Protocol: layers.IPProtocolICMPv4, SrcIP: s4[:], DstIP: d4[:]},
		gopacket.Payload(make([]byte, payload)),
	)
}

func writeCapture(t *testing.T, start time.Time, frames ...[]byte) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	w := pcapgo.NewWriter(&buf)
	require.NoError(t, w.WriteFileHeader(65536, layers.LinkTypeEthernet))
	for i, f := range frames {
		ci := gopacket.CaptureInfo{
			Timestamp:     start.Add(time.Duration(i) * time.Second),
			CaptureLength: len(f),
			Length:        len(f),
		}
		require.NoError(t, w.WritePacket(ci, f))
	}
	return &buf
}

func newReplayFixture(t *testing.T) (*controller.Controller, *InMemorySwitchRegistry, *MemorySwitch) {
	t.Helper()
	reg := NewInMemorySwitchRegistry(nil)
	sw := NewMemorySwitch(1)
	require.NoError(t, reg.Register(sw))

	cfg := controller.DefaultConfig()
	cfg.Routing.ExplorationRate = 0
	c, err := controller.New(cfg, NewFabric(reg, nil))
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c, reg, sw
}

func TestReplayDrivesController(t *testing.T) {
	c, reg, sw := newReplayFixture(t)
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	data := ipv4Frame(t, replayMacA, replayMacB, replayIPA, replayIPB, 100)
	capture := writeCapture(t, start,
		arpRequestFrame(t, replayMacA, replayIPA, replayIPB),
		arpRequestFrame(t, replayMacB, replayIPB, replayIPA),
		data,
		data,
		[]byte{0x01, 0x02, 0x03},
	)

	var seen []time.Time
	r := NewReplayer(c,
		WithReplaySwitch(1, 1),
		WithReplayRegistry(reg),
		WithReplayClock(func(ts time.Time) { seen = append(seen, ts) }),
	)
	stats, err := r.Replay(context.Background(), capture)
	require.NoError(t, err)

	assert.Equal(t, 5, stats.Frames)
	assert.Equal(t, 1, stats.Undecoded)
	assert.Equal(t, 3, stats.Handled)
	assert.Equal(t, 1, stats.Installed)
	assert.Equal(t, 0, stats.Dropped)
	assert.EqualValues(t, 2*len(data), stats.ForwardedBytes)
	assert.Equal(t, 4*time.Second, stats.Duration())
	assert.Len(t, seen, 5)

	assert.Contains(t, sw.Commands(), "flow-mod cmd=add,table=0,prio=100 eth_type=0x0800,ip_src=10.0.0.2 apply:output=1")
	require.Len(t, sw.PacketOuts(), 1, "B's request for A is answered")

	st, err := sw.FlowStats(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 2*len(data), st.Bytes)

	assert.Greater(t, c.QValue(replayIPA, replayIPB), 0.0)
}

func TestReplayRejectsNonEthernetCapture(t *testing.T) {
	c, _, _ := newReplayFixture(t)
	var buf bytes.Buffer
	w := pcapgo.NewWriter(&buf)
	require.NoError(t, w.WriteFileHeader(65536, layers.LinkTypeRaw))

	_, err := NewReplayer(c).Replay(context.Background(), &buf)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported link type")
}

func TestReplayRejectsGarbage(t *testing.T) {
	c, _, _ := newReplayFixture(t)
	_, err := NewReplayer(c).Replay(context.Background(), strings.NewReader("not a pcap file at all"))
	require.Error(t, err)
}

func TestReplayStopsOnCancelledContext(t *testing.T) {
	c, _, _ := newReplayFixture(t)
	capture := writeCapture(t, time.Unix(0, 0), arpRequestFrame(t, replayMacA, replayIPA, replayIPB))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	stats, err := NewReplayer(c).Replay(ctx, capture)
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, stats.Frames)
}

var (
	_ PacketInHandler   = (*controller.Controller)(nil)
	_ controller.Switch = (*Fabric)(nil)
	_ Datapath          = (*MemorySwitch)(nil)
)
