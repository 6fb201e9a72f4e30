// Package trust keeps a per-node trust score built up from observed traffic.
package trust

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/jellydator/ttlcache/v3"

	"github.com/signalsfoundry/qltr-controller/internal/netaddr"
)

// Defaults observed in the reference controller.
const (
	DefaultStep = 0.1
	DefaultCap  = 0.7

	// Ceiling is the absolute maximum any score can reach.
	Ceiling = 1.0
)

// ErrInvalidConfig is returned for step or cap values outside (0, 1].
var ErrInvalidConfig = errors.New("trust: invalid config")

// Config parameterises the trust update.
type Config struct {
	// Step is added on every observation while the score is below Cap.
	Step float64
	// Cap stops further increments once reached.
	Cap float64
	// MaxNodes bounds the table; the least recently observed node is evicted
	// first. 0 means unbounded.
	MaxNodes uint64
}

// DefaultConfig returns the reference step and cap with an unbounded table.
func DefaultConfig() Config {
	return Config{Step: DefaultStep, Cap: DefaultCap}
}

// Validate rejects parameters that could push a score outside [0, 1].
func (c Config) Validate() error {
	if !(c.Step > 0 && c.Step <= Ceiling) {
		return fmt.Errorf("%w: step %v not in (0, 1]", ErrInvalidConfig, c.Step)
	}
	if !(c.Cap > 0 && c.Cap <= Ceiling) {
		return fmt.Errorf("%w: cap %v not in (0, 1]", ErrInvalidConfig, c.Cap)
	}
	return nil
}

// Engine maintains trust scores. Unseen nodes score 0.
type Engine struct {
	cfg Config

	mu     sync.Mutex
	scores *ttlcache.Cache[netaddr.NodeAddress, float64]
}

// NewEngine validates cfg and returns an empty engine.
func NewEngine(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	opts := []ttlcache.Option[netaddr.NodeAddress, float64]{
		ttlcache.WithDisableTouchOnHit[netaddr.NodeAddress, float64](),
	}
	if cfg.MaxNodes > 0 {
		opts = append(opts, ttlcache.WithCapacity[netaddr.NodeAddress, float64](cfg.MaxNodes))
	}
	return &Engine{
		cfg:    cfg,
		scores: ttlcache.New[netaddr.NodeAddress, float64](opts...),
	}, nil
}

// Observe records a successfully classified transmission from node and
// returns its updated score. Scores below Cap grow by Step and never exceed
// Ceiling; scores at or above Cap are left alone.
func (e *Engine) Observe(node netaddr.NodeAddress) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	cur := 0.0
	if item := e.scores.Get(node); item != nil {
		cur = item.Value()
	}
	if cur < e.cfg.Cap {
		cur = math.Min(cur+e.cfg.Step, Ceiling)
	}
	// Re-setting refreshes the node's recency even when the score is capped.
	e.scores.Set(node, cur, ttlcache.DefaultTTL)
	return cur
}

// Score returns the current score of node, 0 if unseen.
func (e *Engine) Score(node netaddr.NodeAddress) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if item := e.scores.Get(node); item != nil {
		return item.Value()
	}
	return 0
}

// Known reports whether node has been observed and not evicted.
func (e *Engine) Known(node netaddr.NodeAddress) bool {
	return e.scores.Has(node)
}

// Len returns the number of tracked nodes.
func (e *Engine) Len() int { return e.scores.Len() }

// OnEvict registers fn to run whenever a node leaves the table. It returns
// a function that unregisters fn.
func (e *Engine) OnEvict(fn func(node netaddr.NodeAddress)) func() {
	return e.scores.OnEviction(func(_ context.Context, _ ttlcache.EvictionReason, item *ttlcache.Item[netaddr.NodeAddress, float64]) {
		fn(item.Key())
	})
}

// Entry is one row of a trust table dump.
type Entry struct {
	Node  netaddr.NodeAddress
	Score float64
}

// Snapshot returns every score ordered by node address.
func (e *Engine) Snapshot() []Entry {
	out := make([]Entry, 0, e.scores.Len())
	e.scores.Range(func(item *ttlcache.Item[netaddr.NodeAddress, float64]) bool {
		out = append(out, Entry{Node: item.Key(), Score: item.Value()})
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Node.Less(out[j].Node) })
	return out
}
