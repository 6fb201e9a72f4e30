package routing

import (
	"fmt"
	"net/netip"
	"sync"

	"github.com/gaissmai/bart"

	"github.com/signalsfoundry/qltr-controller/internal/netaddr"
)

// Gateways maps source prefixes to the designated next hop used when a
// source has no learned candidates. Lookups are longest-prefix match.
type Gateways struct {
	mu    sync.RWMutex
	table bart.Table[netaddr.NodeAddress]
	n     int
}

// NewGateways returns an empty gateway table.
func NewGateways() *Gateways {
	return &Gateways{}
}

// Add designates gw for sources inside prefix.
func (g *Gateways) Add(prefix netip.Prefix, gw netaddr.NodeAddress) error {
	if !prefix.IsValid() || !prefix.Addr().Is4() {
		return fmt.Errorf("gateway prefix %q: %w", prefix, netaddr.ErrInvalidAddress)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.table.Insert(prefix.Masked(), gw)
	g.n++
	return nil
}

// AddString parses prefix and gw and adds them.
func (g *Gateways) AddString(prefix, gw string) error {
	p, err := netip.ParsePrefix(prefix)
	if err != nil {
		return fmt.Errorf("gateway prefix %q: %w", prefix, netaddr.ErrInvalidAddress)
	}
	addr, err := netaddr.ParseNodeAddress(gw)
	if err != nil {
		return err
	}
	return g.Add(p, addr)
}

// Lookup returns the gateway designated for src.
func (g *Gateways) Lookup(src netaddr.NodeAddress) (netaddr.NodeAddress, bool) {
	if g == nil {
		return 0, false
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.n == 0 {
		return 0, false
	}
	return g.table.Lookup(src.Addr())
}
