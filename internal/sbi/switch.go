package sbi

import (
	"context"
	"strings"
	"sync"

	"github.com/signalsfoundry/qltr-controller/internal/ofp"
)

// PacketOut is a frame the controller asked a switch to emit.
type PacketOut struct {
	Xid   uint32
	Port  uint32
	Frame []byte
}

// MemorySwitch is an in-process Datapath. It keeps every command string it
// accepted, counts the flow-mods among them, and accumulates the traffic
// it is told it forwarded.
type MemorySwitch struct {
	handle ofp.SwitchHandle

	// Reject, if set, is consulted before a command is accepted; a non-nil
	// return rejects it.
	Reject func(cmd string) error

	mu       sync.Mutex
	commands []string
	outs     []PacketOut
	flows    int
	stats    FlowStats
}

// NewMemorySwitch returns a switch with datapath ID handle.
func NewMemorySwitch(handle ofp.SwitchHandle) *MemorySwitch {
	return &MemorySwitch{handle: handle}
}

func (s *MemorySwitch) Handle() ofp.SwitchHandle { return s.handle }

func (s *MemorySwitch) Execute(_ context.Context, cmd string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Reject != nil {
		if err := s.Reject(cmd); err != nil {
			return err
		}
	}
	s.commands = append(s.commands, cmd)
	if strings.HasPrefix(cmd, "flow-mod ") {
		s.flows++
	}
	return nil
}

func (s *MemorySwitch) PacketOut(_ context.Context, xid uint32, port uint32, frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outs = append(s.outs, PacketOut{Xid: xid, Port: port, Frame: append([]byte(nil), frame...)})
	return nil
}

// Forward accounts one frame of n bytes against the switch's counters.
func (s *MemorySwitch) Forward(n uint64) {
	s.mu.Lock()
	s.stats.Packets++
	s.stats.Bytes += n
	s.mu.Unlock()
}

func (s *MemorySwitch) FlowStats(context.Context) (FlowStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.Flows = s.flows
	return st, nil
}

// Commands returns a copy of the accepted command strings in order.
func (s *MemorySwitch) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

// PacketOuts returns a copy of the emitted frames in order.
func (s *MemorySwitch) PacketOuts() []PacketOut {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]PacketOut(nil), s.outs...)
}
