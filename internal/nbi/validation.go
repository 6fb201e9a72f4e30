package nbi

import (
	"fmt"
	"strings"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/signalsfoundry/qltr-controller/internal/netaddr"
)

// optionalNode reads key from req as a dotted IPv4 node address. ok is
// false when req or the field is absent.
func optionalNode(req *structpb.Struct, key string) (addr netaddr.NodeAddress, ok bool, err error) {
	if req == nil {
		return 0, false, nil
	}
	v, present := req.GetFields()[key]
	if !present {
		return 0, false, nil
	}
	s, isString := v.GetKind().(*structpb.Value_StringValue)
	if !isString {
		return 0, false, fmt.Errorf("%w: %s must be a string", ErrInvalidArgument, key)
	}
	text := strings.TrimSpace(s.StringValue)
	if text == "" {
		return 0, false, nil
	}
	addr, err = netaddr.ParseNodeAddress(text)
	if err != nil {
		return 0, false, fmt.Errorf("%w: %s: %w", ErrInvalidArgument, key, err)
	}
	return addr, true, nil
}

// requiredNode is optionalNode with a missing field reported as invalid.
func requiredNode(req *structpb.Struct, key string) (netaddr.NodeAddress, error) {
	addr, ok, err := optionalNode(req, key)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("%w: %s is required", ErrInvalidArgument, key)
	}
	return addr, nil
}
