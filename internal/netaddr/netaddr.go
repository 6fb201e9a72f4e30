// Package netaddr defines the address value types used as keys by the
// controller's learning tables.
package netaddr

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/netip"
)

// ErrInvalidAddress is returned when an address string cannot be parsed.
var ErrInvalidAddress = errors.New("invalid address")

// NodeAddress identifies a network endpoint. It is an IPv4-sized value and
// orders by its numeric value.
type NodeAddress uint32

// NodeAddressFrom4 builds a NodeAddress from four octets in network order.
func NodeAddressFrom4(b [4]byte) NodeAddress {
	return NodeAddress(binary.BigEndian.Uint32(b[:]))
}

// NodeAddressFromSlice builds a NodeAddress from a 4-byte slice (or a 16-byte
// IPv4-mapped slice as produced by net.IP).
func NodeAddressFromSlice(b []byte) (NodeAddress, error) {
	if len(b) == net.IPv6len {
		if ip4 := net.IP(b).To4(); ip4 != nil {
			b = ip4
		}
	}
	if len(b) != net.IPv4len {
		return 0, fmt.Errorf("%w: %d-byte node address", ErrInvalidAddress, len(b))
	}
	return NodeAddress(binary.BigEndian.Uint32(b)), nil
}

// ParseNodeAddress parses dotted-quad notation.
func ParseNodeAddress(s string) (NodeAddress, error) {
	ip, err := netip.ParseAddr(s)
	if err != nil || !ip.Is4() {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	return NodeAddressFrom4(ip.As4()), nil
}

// MustParseNodeAddress is ParseNodeAddress for constants and tests.
func MustParseNodeAddress(s string) NodeAddress {
	a, err := ParseNodeAddress(s)
	if err != nil {
		panic(err)
	}
	return a
}

// As4 returns the address octets in network order.
func (a NodeAddress) As4() [4]byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(a))
	return b
}

// Addr converts to a netip.Addr for prefix lookups.
func (a NodeAddress) Addr() netip.Addr {
	return netip.AddrFrom4(a.As4())
}

// Less reports whether a orders before b.
func (a NodeAddress) Less(b NodeAddress) bool { return a < b }

func (a NodeAddress) String() string {
	return a.Addr().String()
}

// MarshalText implements encoding.TextMarshaler so addresses render as
// dotted quads in YAML and JSON.
func (a NodeAddress) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *NodeAddress) UnmarshalText(text []byte) error {
	parsed, err := ParseNodeAddress(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// LinkLayerAddress is a 48-bit hardware address.
type LinkLayerAddress [6]byte

// LinkLayerAddressFromSlice copies a 6-byte slice into a LinkLayerAddress.
func LinkLayerAddressFromSlice(b []byte) (LinkLayerAddress, error) {
	var mac LinkLayerAddress
	if len(b) != len(mac) {
		return mac, fmt.Errorf("%w: %d-byte link-layer address", ErrInvalidAddress, len(b))
	}
	copy(mac[:], b)
	return mac, nil
}

// ParseLinkLayerAddress parses colon-separated hex notation.
func ParseLinkLayerAddress(s string) (LinkLayerAddress, error) {
	hw, err := net.ParseMAC(s)
	if err != nil {
		return LinkLayerAddress{}, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	return LinkLayerAddressFromSlice(hw)
}

// MustParseLinkLayerAddress is ParseLinkLayerAddress for constants and tests.
func MustParseLinkLayerAddress(s string) LinkLayerAddress {
	mac, err := ParseLinkLayerAddress(s)
	if err != nil {
		panic(err)
	}
	return mac
}

// Broadcast is the all-ones link-layer address.
var Broadcast = LinkLayerAddress{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// HardwareAddr returns the address as a net.HardwareAddr.
func (m LinkLayerAddress) HardwareAddr() net.HardwareAddr {
	out := make(net.HardwareAddr, len(m))
	copy(out, m[:])
	return out
}

// IsZero reports whether no address has been set.
func (m LinkLayerAddress) IsZero() bool { return m == LinkLayerAddress{} }

func (m LinkLayerAddress) String() string {
	return m.HardwareAddr().String()
}
