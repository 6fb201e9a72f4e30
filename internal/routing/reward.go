package routing

import "github.com/signalsfoundry/qltr-controller/internal/netaddr"

// Outcome describes what happened to one forwarding decision.
type Outcome struct {
	Src netaddr.NodeAddress
	Hop netaddr.NodeAddress
	// Forwarded is true when the switch accepted the rule for the decision,
	// or an identical rule was already in place.
	Forwarded bool
	// Bytes is the size of the frame that triggered the decision.
	Bytes uint64
}

// RewardSource turns decision outcomes into Q-learning rewards.
type RewardSource interface {
	Reward(o Outcome) float64
}

// RewardFunc adapts a function to RewardSource.
type RewardFunc func(o Outcome) float64

// Reward implements RewardSource.
func (f RewardFunc) Reward(o Outcome) float64 { return f(o) }

// DeliveryReward pays Success for a confirmed forward and Failure otherwise.
type DeliveryReward struct {
	Success float64
	Failure float64
}

// DefaultReward is +1 on confirmed forward, 0 otherwise.
var DefaultReward = DeliveryReward{Success: 1, Failure: 0}

// Reward implements RewardSource.
func (d DeliveryReward) Reward(o Outcome) float64 {
	if o.Forwarded {
		return d.Success
	}
	return d.Failure
}
