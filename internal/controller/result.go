package controller

import (
	"errors"
	"fmt"

	"github.com/signalsfoundry/qltr-controller/internal/flows"
	"github.com/signalsfoundry/qltr-controller/internal/ofp"
	"github.com/signalsfoundry/qltr-controller/internal/routing"
)

// Class is the protocol class of a packet-in.
type Class string

const (
	ClassARP     Class = "arp"
	ClassIPv4    Class = "ipv4"
	ClassTCPSyn  Class = "ipv4-tcp-syn"
	ClassLLDP    Class = "lldp"
	ClassOther   Class = "other"
	ClassInvalid Class = "invalid"
)

// DropReason says why an event was dropped.
type DropReason string

const (
	ReasonMalformedMatch  DropReason = "malformed_match"
	ReasonMissingField    DropReason = "missing_field"
	ReasonNoCandidates    DropReason = "no_candidates"
	ReasonInstallRejected DropReason = "install_rejected"
	ReasonIgnored         DropReason = "ignored"
	ReasonUnsupported     DropReason = "unsupported"
)

// ReasonFor maps an error from the decision path onto a drop reason.
func ReasonFor(err error) DropReason {
	switch {
	case errors.Is(err, ofp.ErrMalformedMatch):
		return ReasonMalformedMatch
	case errors.Is(err, ofp.ErrMissingField):
		return ReasonMissingField
	case errors.Is(err, routing.ErrNoCandidates):
		return ReasonNoCandidates
	case errors.Is(err, flows.ErrInstallRejected):
		return ReasonInstallRejected
	default:
		return ReasonUnsupported
	}
}

// ResultKind distinguishes the three outcomes of OnPacketIn.
type ResultKind uint8

const (
	KindHandled ResultKind = iota
	KindHandledWithInstall
	KindDropped
)

func (k ResultKind) String() string {
	switch k {
	case KindHandled:
		return "handled"
	case KindHandledWithInstall:
		return "handled_with_install"
	case KindDropped:
		return "dropped"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// ControlResult is the outcome of one packet-in.
type ControlResult struct {
	Kind  ResultKind
	Class Class
	// Rule is set for KindHandledWithInstall.
	Rule *flows.FlowMod
	// Reason and Err are set for KindDropped. Err is nil for silent drops.
	Reason DropReason
	Err    error
}

// Handled reports an event processed without a new rule.
func Handled(class Class) ControlResult {
	return ControlResult{Kind: KindHandled, Class: class}
}

// HandledWithInstall reports an event that produced rule.
func HandledWithInstall(class Class, rule flows.FlowMod) ControlResult {
	return ControlResult{Kind: KindHandledWithInstall, Class: class, Rule: &rule}
}

// Dropped reports an event that was not processed further.
func Dropped(class Class, reason DropReason, err error) ControlResult {
	return ControlResult{Kind: KindDropped, Class: class, Reason: reason, Err: err}
}

func (r ControlResult) String() string {
	switch r.Kind {
	case KindHandledWithInstall:
		return fmt.Sprintf("%s %s: %s", r.Kind, r.Class, r.Rule)
	case KindDropped:
		if r.Err != nil {
			return fmt.Sprintf("%s %s (%s): %v", r.Kind, r.Class, r.Reason, r.Err)
		}
		return fmt.Sprintf("%s %s (%s)", r.Kind, r.Class, r.Reason)
	default:
		return fmt.Sprintf("%s %s", r.Kind, r.Class)
	}
}
