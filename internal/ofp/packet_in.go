package ofp

import "fmt"

// SwitchHandle identifies a switch (its datapath ID).
type SwitchHandle uint64

func (s SwitchHandle) String() string {
	return fmt.Sprintf("%016x", uint64(s))
}

// PacketIn is a switch-to-controller notification for a frame that matched
// no installed rule.
type PacketIn struct {
	Switch SwitchHandle
	Xid    uint32
	Match  *Match
	// PayloadLen is the length of the frame that triggered the event.
	PayloadLen uint64
	// Data holds the frame bytes when the switch sent them along.
	Data []byte
}
