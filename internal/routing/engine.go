// Package routing implements the tabular Q-learning next-hop selector.
//
// Each source address owns a set of candidate next hops. A Policy picks one
// of them per decision and the caller feeds back a reward once the outcome of
// that decision is known. The action space is flat: there is no successor
// state, so the discount factor multiplies a zero lookahead.
package routing

import (
	"errors"
	"fmt"
	"sync"

	"github.com/signalsfoundry/qltr-controller/internal/netaddr"
)

var (
	// ErrNoCandidates is returned when a source has neither learned
	// candidates nor a designated gateway.
	ErrNoCandidates = errors.New("routing: no candidate next hops")
	// ErrInvalidConfig is returned by NewEngine for out-of-range parameters.
	ErrInvalidConfig = errors.New("routing: invalid config")
)

const (
	DefaultLearningRate    = 0.5
	DefaultDiscountFactor  = 0.9
	DefaultExplorationRate = 0.3
)

// Config holds the learning hyper-parameters.
type Config struct {
	// LearningRate is alpha, in (0, 1].
	LearningRate float64
	// DiscountFactor is gamma, in [0, 1).
	DiscountFactor float64
	// ExplorationRate is epsilon, in [0, 1].
	ExplorationRate float64
}

// DefaultConfig returns alpha 0.5, gamma 0.9, epsilon 0.3.
func DefaultConfig() Config {
	return Config{
		LearningRate:    DefaultLearningRate,
		DiscountFactor:  DefaultDiscountFactor,
		ExplorationRate: DefaultExplorationRate,
	}
}

// Validate checks each parameter against its range.
func (c Config) Validate() error {
	if !(c.LearningRate > 0 && c.LearningRate <= 1) {
		return fmt.Errorf("%w: learning rate %v not in (0,1]", ErrInvalidConfig, c.LearningRate)
	}
	if !(c.DiscountFactor >= 0 && c.DiscountFactor < 1) {
		return fmt.Errorf("%w: discount factor %v not in [0,1)", ErrInvalidConfig, c.DiscountFactor)
	}
	if !(c.ExplorationRate >= 0 && c.ExplorationRate <= 1) {
		return fmt.Errorf("%w: exploration rate %v not in [0,1]", ErrInvalidConfig, c.ExplorationRate)
	}
	return nil
}

// Option configures an Engine.
type Option func(*Engine)

// WithPolicy replaces the default epsilon-greedy policy.
func WithPolicy(p Policy) Option {
	return func(e *Engine) { e.policy = p }
}

// WithRandomSource sets the draw source of the default policy.
func WithRandomSource(r RandomSource) Option {
	return func(e *Engine) { e.rand = r }
}

// WithGateways sets the fallback table consulted when a source has no
// candidates.
func WithGateways(g *Gateways) Option {
	return func(e *Engine) { e.gateways = g }
}

// Decision is the result of SelectNextHop.
type Decision struct {
	Src      netaddr.NodeAddress
	Hop      netaddr.NodeAddress
	Explored bool
	// Gateway is true when Hop came from the fallback table.
	Gateway bool
}

// Engine owns the Q-table. It is safe for concurrent use.
type Engine struct {
	mu       sync.Mutex
	cfg      Config
	q        *QTable
	policy   Policy
	rand     RandomSource
	gateways *Gateways
}

// NewEngine validates cfg and returns an engine with an empty table.
func NewEngine(cfg Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{cfg: cfg, q: NewQTable()}
	for _, opt := range opts {
		opt(e)
	}
	if e.policy == nil {
		if e.rand == nil {
			e.rand = NewRandomSource("qltr-routing")
		}
		e.policy = &EpsilonGreedy{Epsilon: cfg.ExplorationRate, Rand: e.rand}
	}
	return e, nil
}

// Config returns the engine's parameters.
func (e *Engine) Config() Config { return e.cfg }

// AddCandidate registers hop as a next-hop candidate for src. It reports
// whether the pair was new.
func (e *Engine) AddCandidate(src, hop netaddr.NodeAddress) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.q.AddCandidate(src, hop)
}

// Candidates returns a copy of src's candidates in first-seen order.
func (e *Engine) Candidates(src netaddr.NodeAddress) []netaddr.NodeAddress {
	e.mu.Lock()
	defer e.mu.Unlock()
	c := e.q.Candidates(src)
	out := make([]netaddr.NodeAddress, len(c))
	copy(out, c)
	return out
}

// SelectNextHop applies the policy to src's candidates. With no candidates
// it falls back to the designated gateway, and fails with ErrNoCandidates
// when there is none.
func (e *Engine) SelectNextHop(src netaddr.NodeAddress) (Decision, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	hop, explored, ok := e.policy.Choose(src, e.q.Candidates(src), func(h netaddr.NodeAddress) float64 {
		return e.q.Value(src, h)
	})
	if ok {
		return Decision{Src: src, Hop: hop, Explored: explored}, nil
	}
	if gw, ok := e.gateways.Lookup(src); ok {
		return Decision{Src: src, Hop: gw, Gateway: true}, nil
	}
	return Decision{Src: src}, fmt.Errorf("%w for %s", ErrNoCandidates, src)
}

// UpdateQ applies Q <- Q + alpha*(reward + gamma*0 - Q) to (src, hop) and
// returns the new estimate. The pair is created if absent.
func (e *Engine) UpdateQ(src, hop netaddr.NodeAddress, reward float64) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	const lookahead = 0.0
	cur := e.q.Value(src, hop)
	next := cur + e.cfg.LearningRate*(reward+e.cfg.DiscountFactor*lookahead-cur)
	e.q.Set(src, hop, next)
	return next
}

// Value returns the current estimate for (src, hop).
func (e *Engine) Value(src, hop netaddr.NodeAddress) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.q.Value(src, hop)
}

// Forget drops every entry whose source is src and returns how many went.
func (e *Engine) Forget(src netaddr.NodeAddress) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.q.Forget(src)
}

// Len returns the number of (src, hop) entries.
func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.q.Len()
}

// Snapshot returns the table ordered by source then hop.
func (e *Engine) Snapshot() []Entry {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.q.Snapshot()
}
