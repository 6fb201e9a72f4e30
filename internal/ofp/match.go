// Package ofp models the OpenFlow-style records exchanged with switches:
// packet-in notifications, the OXM match descriptor they carry, and the
// switch handle that identifies their origin.
package ofp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/signalsfoundry/qltr-controller/internal/netaddr"
)

var (
	// ErrMalformedMatch indicates a match lacks a field every packet-in must
	// carry (the Ethernet type) or carries it with the wrong width.
	ErrMalformedMatch = errors.New("ofp: malformed match")
	// ErrMissingField indicates a field implied by the frame's protocol is
	// absent from the match.
	ErrMissingField = errors.New("ofp: missing match field")
)

// FieldType identifies an OXM match field.
type FieldType uint8

const (
	FieldInPort FieldType = iota + 1
	FieldEthDst
	FieldEthSrc
	FieldEthType
	FieldIPProto
	FieldIPv4Src
	FieldIPv4Dst
	FieldTCPSrc
	FieldTCPDst
	FieldTCPFlags
	FieldArpOp
	FieldArpSPA
	FieldArpTPA
	FieldArpSHA
	FieldArpTHA
)

// Ethernet types the controller distinguishes.
const (
	EthTypeIPv4 uint16 = 0x0800
	EthTypeARP  uint16 = 0x0806
	EthTypeLLDP uint16 = 0x88cc
)

// ARP opcodes.
const (
	ArpRequest uint16 = 1
	ArpReply   uint16 = 2
)

// IPProtoTCP is the IPv4 protocol number for TCP.
const IPProtoTCP uint8 = 6

// TCP flag bits as carried in FieldTCPFlags.
const (
	TCPFlagFIN uint16 = 0x01
	TCPFlagSYN uint16 = 0x02
	TCPFlagRST uint16 = 0x04
	TCPFlagACK uint16 = 0x10
)

var fieldNames = map[FieldType]string{
	FieldInPort:   "in_port",
	FieldEthDst:   "eth_dst",
	FieldEthSrc:   "eth_src",
	FieldEthType:  "eth_type",
	FieldIPProto:  "ip_proto",
	FieldIPv4Src:  "ip_src",
	FieldIPv4Dst:  "ip_dst",
	FieldTCPSrc:   "tcp_src",
	FieldTCPDst:   "tcp_dst",
	FieldTCPFlags: "tcp_flags",
	FieldArpOp:    "arp_op",
	FieldArpSPA:   "arp_spa",
	FieldArpTPA:   "arp_tpa",
	FieldArpSHA:   "arp_sha",
	FieldArpTHA:   "arp_tha",
}

// fieldWidths holds the exact TLV value width of each field.
var fieldWidths = map[FieldType]int{
	FieldInPort:   4,
	FieldEthDst:   6,
	FieldEthSrc:   6,
	FieldEthType:  2,
	FieldIPProto:  1,
	FieldIPv4Src:  4,
	FieldIPv4Dst:  4,
	FieldTCPSrc:   2,
	FieldTCPDst:   2,
	FieldTCPFlags: 2,
	FieldArpOp:    2,
	FieldArpSPA:   4,
	FieldArpTPA:   4,
	FieldArpSHA:   6,
	FieldArpTHA:   6,
}

func (f FieldType) String() string {
	if name, ok := fieldNames[f]; ok {
		return name
	}
	return fmt.Sprintf("oxm(%d)", uint8(f))
}

// Match is an OXM-style match descriptor: a set of typed TLVs. Lookups are
// checked; absent fields are reported, never dereferenced.
type Match struct {
	fields map[FieldType][]byte
}

// NewMatch returns an empty match.
func NewMatch() *Match {
	return &Match{fields: make(map[FieldType][]byte)}
}

// Set stores a raw TLV value, replacing any previous value for the field.
func (m *Match) Set(t FieldType, value []byte) *Match {
	if m.fields == nil {
		m.fields = make(map[FieldType][]byte)
	}
	v := make([]byte, len(value))
	copy(v, value)
	m.fields[t] = v
	return m
}

// SetUint8 stores a one-byte field.
func (m *Match) SetUint8(t FieldType, v uint8) *Match {
	return m.Set(t, []byte{v})
}

// SetUint16 stores a two-byte field in network order.
func (m *Match) SetUint16(t FieldType, v uint16) *Match {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	return m.Set(t, b[:])
}

// SetUint32 stores a four-byte field in network order.
func (m *Match) SetUint32(t FieldType, v uint32) *Match {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return m.Set(t, b[:])
}

// SetNodeAddress stores an IPv4 address field.
func (m *Match) SetNodeAddress(t FieldType, a netaddr.NodeAddress) *Match {
	b := a.As4()
	return m.Set(t, b[:])
}

// SetLinkLayerAddress stores a MAC address field.
func (m *Match) SetLinkLayerAddress(t FieldType, mac netaddr.LinkLayerAddress) *Match {
	return m.Set(t, mac[:])
}

// Lookup returns the raw TLV value for a field.
func (m *Match) Lookup(t FieldType) ([]byte, bool) {
	if m == nil || m.fields == nil {
		return nil, false
	}
	v, ok := m.fields[t]
	return v, ok
}

// Has reports whether the field is present.
func (m *Match) Has(t FieldType) bool {
	_, ok := m.Lookup(t)
	return ok
}

// Len returns the number of fields in the match.
func (m *Match) Len() int {
	if m == nil {
		return 0
	}
	return len(m.fields)
}

func (m *Match) fixed(t FieldType) ([]byte, error) {
	v, ok := m.Lookup(t)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMissingField, t)
	}
	if want := fieldWidths[t]; want != 0 && len(v) != want {
		return nil, fmt.Errorf("%w: %s has %d bytes, want %d", ErrMissingField, t, len(v), want)
	}
	return v, nil
}

// EthType returns the Ethernet type. Its absence makes the whole match
// malformed rather than merely incomplete.
func (m *Match) EthType() (uint16, error) {
	v, err := m.fixed(FieldEthType)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrMalformedMatch, err)
	}
	return binary.BigEndian.Uint16(v), nil
}

// Uint8 returns a one-byte field.
func (m *Match) Uint8(t FieldType) (uint8, error) {
	v, err := m.fixed(t)
	if err != nil {
		return 0, err
	}
	return v[0], nil
}

// Uint16 returns a two-byte field.
func (m *Match) Uint16(t FieldType) (uint16, error) {
	v, err := m.fixed(t)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(v), nil
}

// Uint32 returns a four-byte field.
func (m *Match) Uint32(t FieldType) (uint32, error) {
	v, err := m.fixed(t)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(v), nil
}

// NodeAddress returns an IPv4 address field.
func (m *Match) NodeAddress(t FieldType) (netaddr.NodeAddress, error) {
	v, err := m.fixed(t)
	if err != nil {
		return 0, err
	}
	return netaddr.NodeAddressFromSlice(v)
}

// LinkLayerAddress returns a MAC address field.
func (m *Match) LinkLayerAddress(t FieldType) (netaddr.LinkLayerAddress, error) {
	v, err := m.fixed(t)
	if err != nil {
		return netaddr.LinkLayerAddress{}, err
	}
	return netaddr.LinkLayerAddressFromSlice(v)
}

// InPort returns the ingress port, or 0 when the switch did not report one.
func (m *Match) InPort() uint32 {
	p, err := m.Uint32(FieldInPort)
	if err != nil {
		return 0
	}
	return p
}

// String renders the match as sorted field=value clauses.
func (m *Match) String() string {
	if m.Len() == 0 {
		return "{}"
	}
	keys := make([]FieldType, 0, len(m.fields))
	for k := range m.fields {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%x", k, m.fields[k]))
	}
	return "{" + strings.Join(parts, ",") + "}"
}
