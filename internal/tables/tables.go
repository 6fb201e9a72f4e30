// Package tables holds the controller's address-learning tables: the
// per-switch MAC table and the ARP resolution table.
//
// Both are last-write-wins key/value stores. They are bounded by an explicit
// capacity; when full, the least recently used entry is evicted. A zero
// capacity leaves the table unbounded for the session.
package tables

import (
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/signalsfoundry/qltr-controller/internal/netaddr"
	"github.com/signalsfoundry/qltr-controller/internal/ofp"
)

// Config bounds a table.
type Config struct {
	// Capacity is the maximum number of entries; 0 means unbounded.
	Capacity uint64
	// TTL expires entries that were not rewritten for this long; 0 disables
	// expiry so entries live for the whole session.
	TTL time.Duration
}

func newCache[K comparable, V any](cfg Config) *ttlcache.Cache[K, V] {
	opts := []ttlcache.Option[K, V]{
		ttlcache.WithDisableTouchOnHit[K, V](),
	}
	if cfg.Capacity > 0 {
		opts = append(opts, ttlcache.WithCapacity[K, V](cfg.Capacity))
	}
	if cfg.TTL > 0 {
		opts = append(opts, ttlcache.WithTTL[K, V](cfg.TTL))
	}
	return ttlcache.New[K, V](opts...)
}

// MacKey scopes a link-layer address to the switch it was learned on.
type MacKey struct {
	Switch ofp.SwitchHandle
	MAC    netaddr.LinkLayerAddress
}

// MacTable maps (switch, LinkLayerAddress) to the ingress port the address
// was last seen on.
type MacTable struct {
	cache *ttlcache.Cache[MacKey, uint32]
}

// NewMacTable creates an empty MAC table.
func NewMacTable(cfg Config) *MacTable {
	return &MacTable{cache: newCache[MacKey, uint32](cfg)}
}

// Learn records that mac was seen on port of sw, overwriting any previous
// port.
func (t *MacTable) Learn(sw ofp.SwitchHandle, mac netaddr.LinkLayerAddress, port uint32) {
	t.cache.Set(MacKey{Switch: sw, MAC: mac}, port, ttlcache.DefaultTTL)
}

// Port returns the port mac was last seen on at sw.
func (t *MacTable) Port(sw ofp.SwitchHandle, mac netaddr.LinkLayerAddress) (uint32, bool) {
	item := t.cache.Get(MacKey{Switch: sw, MAC: mac})
	if item == nil {
		return 0, false
	}
	return item.Value(), true
}

// Len returns the number of entries.
func (t *MacTable) Len() int { return t.cache.Len() }

// ArpTable maps NodeAddress to LinkLayerAddress.
type ArpTable struct {
	cache *ttlcache.Cache[netaddr.NodeAddress, netaddr.LinkLayerAddress]
}

// NewArpTable creates an empty ARP table.
func NewArpTable(cfg Config) *ArpTable {
	return &ArpTable{cache: newCache[netaddr.NodeAddress, netaddr.LinkLayerAddress](cfg)}
}

// Save upserts the binding ip -> mac. It reports whether the table changed;
// re-saving an identical binding is a no-op.
func (t *ArpTable) Save(ip netaddr.NodeAddress, mac netaddr.LinkLayerAddress) bool {
	if item := t.cache.Get(ip); item != nil && item.Value() == mac {
		return false
	}
	t.cache.Set(ip, mac, ttlcache.DefaultTTL)
	return true
}

// Resolve returns the link-layer address bound to ip.
func (t *ArpTable) Resolve(ip netaddr.NodeAddress) (netaddr.LinkLayerAddress, bool) {
	item := t.cache.Get(ip)
	if item == nil {
		return netaddr.LinkLayerAddress{}, false
	}
	return item.Value(), true
}

// Len returns the number of bindings.
func (t *ArpTable) Len() int { return t.cache.Len() }

// Entries returns a copy of every binding.
func (t *ArpTable) Entries() map[netaddr.NodeAddress]netaddr.LinkLayerAddress {
	out := make(map[netaddr.NodeAddress]netaddr.LinkLayerAddress, t.cache.Len())
	t.cache.Range(func(item *ttlcache.Item[netaddr.NodeAddress, netaddr.LinkLayerAddress]) bool {
		out[item.Key()] = item.Value()
		return true
	})
	return out
}
