package routing

import (
	"github.com/iti/rngstream"

	"github.com/signalsfoundry/qltr-controller/internal/netaddr"
)

// RandomSource supplies the uniform draws used for exploration.
// *rngstream.RngStream satisfies it.
type RandomSource interface {
	// RandU01 returns a uniform value in [0, 1).
	RandU01() float64
	// RandInt returns a uniform integer in [i, j].
	RandInt(i, j int) int
}

// NewRandomSource returns a reproducible named stream.
func NewRandomSource(name string) RandomSource {
	return rngstream.New(name)
}

// Policy chooses a next hop among a source's candidates. q reports the
// current Q-estimate of each candidate. ok is false when candidates is empty.
type Policy interface {
	Choose(src netaddr.NodeAddress, candidates []netaddr.NodeAddress, q func(hop netaddr.NodeAddress) float64) (hop netaddr.NodeAddress, explored bool, ok bool)
}

// EpsilonGreedy explores a uniformly random candidate with probability
// Epsilon and otherwise exploits the candidate with the highest Q-value,
// breaking ties by first-seen order.
type EpsilonGreedy struct {
	Epsilon float64
	Rand    RandomSource
}

// Choose implements Policy.
func (p *EpsilonGreedy) Choose(_ netaddr.NodeAddress, candidates []netaddr.NodeAddress, q func(netaddr.NodeAddress) float64) (netaddr.NodeAddress, bool, bool) {
	if len(candidates) == 0 {
		return 0, false, false
	}
	if p.Epsilon > 0 && p.Rand.RandU01() < p.Epsilon {
		i := p.Rand.RandInt(0, len(candidates)-1)
		if i < 0 || i >= len(candidates) {
			i = 0
		}
		return candidates[i], true, true
	}
	return Argmax(candidates, q), false, true
}

// Argmax returns the candidate with the highest Q-value; the earliest wins
// ties. candidates must be non-empty.
func Argmax(candidates []netaddr.NodeAddress, q func(netaddr.NodeAddress) float64) netaddr.NodeAddress {
	best := candidates[0]
	bestQ := q(best)
	for _, c := range candidates[1:] {
		if v := q(c); v > bestQ {
			best, bestQ = c, v
		}
	}
	return best
}
