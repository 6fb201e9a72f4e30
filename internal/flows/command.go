package flows

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/signalsfoundry/qltr-controller/internal/netaddr"
	"github.com/signalsfoundry/qltr-controller/internal/ofp"
)

// Command is one dpctl-style instruction sent to a switch. Its String form
// is the wire contract with the switch.
type Command interface {
	fmt.Stringer
	command()
}

// Port is an output port number.
type Port uint32

// PortController sends matching traffic to the controller.
const PortController Port = 0xfffffffd

func (p Port) String() string {
	if p == PortController {
		return "ctrl"
	}
	return strconv.FormatUint(uint64(p), 10)
}

// SetConfig sets the switch's miss-send length.
type SetConfig struct {
	MissSendLen uint16
}

func (SetConfig) command() {}

func (c SetConfig) String() string {
	return fmt.Sprintf("set-config miss=%d", c.MissSendLen)
}

// Clause is one field=value predicate of a flow match.
type Clause struct {
	Field ofp.FieldType
	Value string
}

func (c Clause) String() string { return c.Field.String() + "=" + c.Value }

// MatchSpec is an ordered conjunction of clauses.
type MatchSpec []Clause

func (m MatchSpec) String() string {
	parts := make([]string, len(m))
	for i, c := range m {
		parts[i] = c.String()
	}
	return strings.Join(parts, ",")
}

// Clause constructors.

func InPort(p Port) Clause { return Clause{Field: ofp.FieldInPort, Value: p.String()} }

func EthType(t uint16) Clause { return Clause{Field: ofp.FieldEthType, Value: fmt.Sprintf("0x%04x", t)} }

func ArpOp(op uint16) Clause { return Clause{Field: ofp.FieldArpOp, Value: strconv.Itoa(int(op))} }

func IPProto(p uint8) Clause { return Clause{Field: ofp.FieldIPProto, Value: strconv.Itoa(int(p))} }

func IPv4Src(a netaddr.NodeAddress) Clause { return Clause{Field: ofp.FieldIPv4Src, Value: a.String()} }

func IPv4Dst(a netaddr.NodeAddress) Clause { return Clause{Field: ofp.FieldIPv4Dst, Value: a.String()} }

func TCPDst(p uint16) Clause { return Clause{Field: ofp.FieldTCPDst, Value: strconv.Itoa(int(p))} }

// ActionKind selects between the apply-actions and write-actions
// instructions.
type ActionKind uint8

const (
	Apply ActionKind = iota
	Write
)

func (k ActionKind) String() string {
	if k == Write {
		return "write"
	}
	return "apply"
}

// Action outputs matching traffic on a port.
type Action struct {
	Kind   ActionKind
	Output Port
}

// ApplyOutput returns apply:output=<p>.
func ApplyOutput(p Port) Action { return Action{Kind: Apply, Output: p} }

// WriteOutput returns write:output=<p>.
func WriteOutput(p Port) Action { return Action{Kind: Write, Output: p} }

func (a Action) String() string {
	return a.Kind.String() + ":output=" + a.Output.String()
}

// FlowMod adds a rule to a flow table.
type FlowMod struct {
	Table    uint8
	Priority uint16
	Match    MatchSpec
	Action   Action
}

func (FlowMod) command() {}

// String renders "flow-mod cmd=add,table=<t>,prio=<p> <match> <action>". A
// rule with an empty match omits the match field.
func (f FlowMod) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "flow-mod cmd=add,table=%d,prio=%d ", f.Table, f.Priority)
	if len(f.Match) > 0 {
		b.WriteString(f.Match.String())
		b.WriteByte(' ')
	}
	b.WriteString(f.Action.String())
	return b.String()
}
