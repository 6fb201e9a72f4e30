package ofp

import (
	"errors"
	"fmt"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/signalsfoundry/qltr-controller/internal/netaddr"
)

// ErrUndecodable is returned when a frame is too short to carry an Ethernet
// header.
var ErrUndecodable = errors.New("ofp: undecodable frame")

// FrameDecoder turns raw Ethernet frames into match descriptors, the way a
// switch summarises a table-miss frame in its packet-in. It reuses its layer
// buffers and is not safe for concurrent use.
type FrameDecoder struct {
	eth     layers.Ethernet
	arp     layers.ARP
	ip4     layers.IPv4
	tcp     layers.TCP
	udp     layers.UDP
	parser  *gopacket.DecodingLayerParser
	decoded []gopacket.LayerType
}

// NewFrameDecoder builds a decoder for Ethernet, ARP, IPv4, TCP and UDP.
func NewFrameDecoder() *FrameDecoder {
	d := &FrameDecoder{}
	d.parser = gopacket.NewDecodingLayerParser(
		layers.LayerTypeEthernet,
		&d.eth,
		&d.arp,
		&d.ip4,
		&d.tcp,
		&d.udp,
	)
	d.parser.IgnoreUnsupported = true
	d.decoded = make([]gopacket.LayerType, 0, 4)
	return d
}

// Decode summarises frame into a match. Fields of layers that fail to decode
// are left out so that the classifier reports them as missing.
func (d *FrameDecoder) Decode(inPort uint32, frame []byte) (*Match, error) {
	if len(frame) < 14 {
		return nil, fmt.Errorf("%w: %d bytes", ErrUndecodable, len(frame))
	}
	// Errors past the Ethernet header only truncate the decoded layer list.
	_ = d.parser.DecodeLayers(frame, &d.decoded)

	m := NewMatch()
	if inPort != 0 {
		m.SetUint32(FieldInPort, inPort)
	}
	for _, lt := range d.decoded {
		switch lt {
		case layers.LayerTypeEthernet:
			m.Set(FieldEthSrc, d.eth.SrcMAC)
			m.Set(FieldEthDst, d.eth.DstMAC)
			m.SetUint16(FieldEthType, uint16(d.eth.EthernetType))
		case layers.LayerTypeARP:
			m.SetUint16(FieldArpOp, d.arp.Operation)
			m.Set(FieldArpSPA, d.arp.SourceProtAddress)
			m.Set(FieldArpTPA, d.arp.DstProtAddress)
			m.Set(FieldArpSHA, d.arp.SourceHwAddress)
			m.Set(FieldArpTHA, d.arp.DstHwAddress)
		case layers.LayerTypeIPv4:
			m.Set(FieldIPv4Src, d.ip4.SrcIP.To4())
			m.Set(FieldIPv4Dst, d.ip4.DstIP.To4())
			m.SetUint8(FieldIPProto, uint8(d.ip4.Protocol))
		case layers.LayerTypeTCP:
			m.SetUint16(FieldTCPSrc, uint16(d.tcp.SrcPort))
			m.SetUint16(FieldTCPDst, uint16(d.tcp.DstPort))
			m.SetUint16(FieldTCPFlags, tcpFlags(&d.tcp))
		}
	}
	if !m.Has(FieldEthType) {
		return nil, fmt.Errorf("%w: no ethernet header", ErrUndecodable)
	}
	return m, nil
}

// PacketIn decodes frame and wraps it as a packet-in event.
func (d *FrameDecoder) PacketIn(sw SwitchHandle, xid uint32, inPort uint32, frame []byte) (*PacketIn, error) {
	m, err := d.Decode(inPort, frame)
	if err != nil {
		return nil, err
	}
	data := make([]byte, len(frame))
	copy(data, frame)
	return &PacketIn{
		Switch:     sw,
		Xid:        xid,
		Match:      m,
		PayloadLen: uint64(len(frame)),
		Data:       data,
	}, nil
}

func tcpFlags(t *layers.TCP) uint16 {
	var f uint16
	if t.FIN {
		f |= TCPFlagFIN
	}
	if t.SYN {
		f |= TCPFlagSYN
	}
	if t.RST {
		f |= TCPFlagRST
	}
	if t.ACK {
		f |= TCPFlagACK
	}
	return f
}

// ARPReplyFrame builds the Ethernet+ARP reply that answers a request for
// senderIP with senderMAC, addressed to the requester.
func ARPReplyFrame(senderMAC netaddr.LinkLayerAddress, senderIP netaddr.NodeAddress, targetMAC netaddr.LinkLayerAddress, targetIP netaddr.NodeAddress) ([]byte, error) {
	spa := senderIP.As4()
	tpa := targetIP.As4()
	eth := &layers.Ethernet{
		SrcMAC:       senderMAC.HardwareAddr(),
		DstMAC:       targetMAC.HardwareAddr(),
		EthernetType: layers.EthernetTypeARP,
	}
	arp := &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         layers.ARPReply,
		SourceHwAddress:   senderMAC.HardwareAddr(),
		SourceProtAddress: spa[:],
		DstHwAddress:      targetMAC.HardwareAddr(),
		DstProtAddress:    tpa[:],
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, arp); err != nil {
		return nil, fmt.Errorf("serialize arp reply: %w", err)
	}
	return buf.Bytes(), nil
}
