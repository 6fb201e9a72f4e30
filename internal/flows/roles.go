package flows

import (
	"fmt"
	"strings"

	"github.com/signalsfoundry/qltr-controller/internal/ofp"
)

// Role selects the rule set a switch receives at handshake.
type Role string

const (
	// RoleAccess gets only the common bootstrap rules.
	RoleAccess Role = "access"
	// RoleBorder fronts the server and sends its TCP traffic to the
	// controller.
	RoleBorder Role = "border"
	// RoleAggregation forwards between its access and uplink ports.
	RoleAggregation Role = "aggregation"
)

// ParseRole accepts a role name, case-insensitively.
func ParseRole(s string) (Role, error) {
	switch r := Role(strings.ToLower(strings.TrimSpace(s))); r {
	case RoleAccess, RoleBorder, RoleAggregation:
		return r, nil
	case "":
		return RoleAccess, nil
	default:
		return "", fmt.Errorf("unknown switch role %q", s)
	}
}

// RoleMap assigns roles by switch handle. Unlisted switches are access
// switches.
type RoleMap map[ofp.SwitchHandle]Role

// Role returns the role of sw, normalised through ParseRole. Unknown names
// fall back to RoleAccess; Config.Validate reports them.
func (m RoleMap) Role(sw ofp.SwitchHandle) Role {
	r, err := ParseRole(string(m[sw]))
	if err != nil {
		return RoleAccess
	}
	return r
}

// PortPair forwards traffic arriving on In out of Out.
type PortPair struct {
	In  Port
	Out Port
}
