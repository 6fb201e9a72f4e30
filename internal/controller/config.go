package controller

import (
	"errors"
	"fmt"
	"math"
	"net/netip"

	"github.com/signalsfoundry/qltr-controller/internal/flows"
	"github.com/signalsfoundry/qltr-controller/internal/netaddr"
	"github.com/signalsfoundry/qltr-controller/internal/routing"
	"github.com/signalsfoundry/qltr-controller/internal/session"
	"github.com/signalsfoundry/qltr-controller/internal/tables"
	"github.com/signalsfoundry/qltr-controller/internal/trust"
)

// ErrInvalidConfig wraps every construction-time configuration error.
var ErrInvalidConfig = errors.New("controller: invalid config")

// DefaultTableCapacity bounds the MAC and ARP tables.
const DefaultTableCapacity = 4096

// DefaultInstallTrustThreshold lets a source get a rule after its first
// observation with the default trust step.
const DefaultInstallTrustThreshold = 0.1

// GatewayRoute designates Hop as the next hop of last resort for sources in
// Prefix.
type GatewayRoute struct {
	Prefix netip.Prefix
	Hop    netaddr.NodeAddress
}

// Config is everything the controller needs at construction.
type Config struct {
	Routing routing.Config
	Trust   trust.Config
	Flows   flows.Config

	MacTable tables.Config
	ArpTable tables.Config

	Gateways []GatewayRoute

	// ServerMAC, when set with Flows.ServerAddress, answers ARP requests
	// for the server address.
	ServerMAC netaddr.LinkLayerAddress

	// InstallTrustThreshold is the trust a source needs before a
	// forwarding rule is installed for it.
	InstallTrustThreshold float64

	// ReferenceRate is the bytes/s efficiency is reported against.
	ReferenceRate float64
}

// DefaultConfig returns the reference controller's parameters.
func DefaultConfig() Config {
	return Config{
		Routing:               routing.DefaultConfig(),
		Trust:                 trust.DefaultConfig(),
		Flows:                 flows.DefaultConfig(),
		MacTable:              tables.Config{Capacity: DefaultTableCapacity},
		ArpTable:              tables.Config{Capacity: DefaultTableCapacity},
		InstallTrustThreshold: DefaultInstallTrustThreshold,
		ReferenceRate:         session.DefaultReferenceRate,
	}
}

// Validate rejects configurations the controller cannot run with.
func (c Config) Validate() error {
	if err := c.Routing.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if err := c.Trust.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if !(c.InstallTrustThreshold >= 0 && c.InstallTrustThreshold <= trust.Ceiling) {
		return fmt.Errorf("%w: install trust threshold %v not in [0,1]", ErrInvalidConfig, c.InstallTrustThreshold)
	}
	if !(c.ReferenceRate >= 0) || math.IsInf(c.ReferenceRate, 1) {
		return fmt.Errorf("%w: reference rate %v not a finite non-negative number", ErrInvalidConfig, c.ReferenceRate)
	}
	for sw, role := range c.Flows.Roles {
		if _, err := flows.ParseRole(string(role)); err != nil {
			return fmt.Errorf("%w: switch %s: %w", ErrInvalidConfig, sw, err)
		}
	}
	for _, gw := range c.Gateways {
		if !gw.Prefix.IsValid() || !gw.Prefix.Addr().Is4() {
			return fmt.Errorf("%w: gateway prefix %q", ErrInvalidConfig, gw.Prefix)
		}
	}
	return nil
}
