// Package sbi is the controller's southbound side: the switches it talks
// to, the scheduler that paces periodic work, the flow-statistics monitor
// and the pcap replay ingress.
package sbi

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/signalsfoundry/qltr-controller/internal/ofp"
)

// ErrUnknownSwitch is returned for commands addressed to a switch that is
// not registered.
var ErrUnknownSwitch = errors.New("sbi: unknown switch")

// FlowStats is a switch's cumulative flow counters.
type FlowStats struct {
	Flows   int
	Packets uint64
	Bytes   uint64
}

// Datapath is one switch connection from the controller's perspective.
type Datapath interface {
	Handle() ofp.SwitchHandle
	Execute(ctx context.Context, cmd string) error
	PacketOut(ctx context.Context, xid uint32, port uint32, frame []byte) error
	FlowStats(ctx context.Context) (FlowStats, error)
}

// SwitchRegistry manages registration and lookup of switches.
type SwitchRegistry interface {
	Register(dp Datapath) error
	Get(sw ofp.SwitchHandle) (Datapath, bool)
	Unregister(sw ofp.SwitchHandle)
	List() []Datapath
}

// InMemorySwitchRegistry is a thread-safe in-memory SwitchRegistry.
type InMemorySwitchRegistry struct {
	mu       sync.RWMutex
	switches map[ofp.SwitchHandle]Datapath
	onChange func(n int)
}

// NewInMemorySwitchRegistry creates an empty registry. onChange, if
// non-nil, receives the switch count after every change.
func NewInMemorySwitchRegistry(onChange func(n int)) *InMemorySwitchRegistry {
	return &InMemorySwitchRegistry{
		switches: make(map[ofp.SwitchHandle]Datapath),
		onChange: onChange,
	}
}

// Register adds a switch. Returns an error if it is already registered.
func (r *InMemorySwitchRegistry) Register(dp Datapath) error {
	r.mu.Lock()
	id := dp.Handle()
	if _, exists := r.switches[id]; exists {
		r.mu.Unlock()
		return fmt.Errorf("switch %s already registered", id)
	}
	r.switches[id] = dp
	n := len(r.switches)
	r.mu.Unlock()

	r.notify(n)
	return nil
}

// Get retrieves a switch by handle.
func (r *InMemorySwitchRegistry) Get(sw ofp.SwitchHandle) (Datapath, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	dp, ok := r.switches[sw]
	return dp, ok
}

// Unregister removes a switch. Unknown handles are ignored.
func (r *InMemorySwitchRegistry) Unregister(sw ofp.SwitchHandle) {
	r.mu.Lock()
	_, existed := r.switches[sw]
	delete(r.switches, sw)
	n := len(r.switches)
	r.mu.Unlock()

	if existed {
		r.notify(n)
	}
}

// List returns the registered switches ordered by handle.
func (r *InMemorySwitchRegistry) List() []Datapath {
	r.mu.RLock()
	out := make([]Datapath, 0, len(r.switches))
	for _, dp := range r.switches {
		out = append(out, dp)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Handle() < out[j].Handle() })
	return out
}

// Len is the number of registered switches.
func (r *InMemorySwitchRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.switches)
}

func (r *InMemorySwitchRegistry) notify(n int) {
	if r.onChange != nil {
		r.onChange(n)
	}
}

// Fabric addresses commands to registered switches by handle. It is what
// the controller is constructed with.
type Fabric struct {
	reg     SwitchRegistry
	metrics *SBIMetrics
}

// NewFabric returns a Fabric over reg. metrics may be nil.
func NewFabric(reg SwitchRegistry, metrics *SBIMetrics) *Fabric {
	return &Fabric{reg: reg, metrics: metrics}
}

// Execute sends cmd to switch sw.
func (f *Fabric) Execute(ctx context.Context, sw ofp.SwitchHandle, cmd string) error {
	dp, ok := f.reg.Get(sw)
	if !ok {
		f.metrics.IncCommandsRejected()
		return fmt.Errorf("%w: %s", ErrUnknownSwitch, sw)
	}
	if err := dp.Execute(ctx, cmd); err != nil {
		f.metrics.IncCommandsRejected()
		return err
	}
	f.metrics.IncCommandsSent()
	return nil
}

// PacketOut emits frame through port on switch sw.
func (f *Fabric) PacketOut(ctx context.Context, sw ofp.SwitchHandle, xid uint32, port uint32, frame []byte) error {
	dp, ok := f.reg.Get(sw)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSwitch, sw)
	}
	if err := dp.PacketOut(ctx, xid, port, frame); err != nil {
		return err
	}
	f.metrics.IncPacketOuts()
	return nil
}
