package routing

import (
	"sort"

	"github.com/signalsfoundry/qltr-controller/internal/netaddr"
)

// Key indexes a Q-value: the source and a candidate next hop.
type Key struct {
	Src netaddr.NodeAddress
	Hop netaddr.NodeAddress
}

// Entry is one row of a Q-table dump.
type Entry struct {
	Key
	Value float64
}

// QTable stores Q-estimates and, per source, the candidate next hops in the
// order they were first seen. It is not synchronised; Engine guards it.
type QTable struct {
	values     map[Key]float64
	candidates map[netaddr.NodeAddress][]netaddr.NodeAddress
}

// NewQTable returns an empty table.
func NewQTable() *QTable {
	return &QTable{
		values:     make(map[Key]float64),
		candidates: make(map[netaddr.NodeAddress][]netaddr.NodeAddress),
	}
}

// Value returns Q[(src, hop)], 0 when absent.
func (q *QTable) Value(src, hop netaddr.NodeAddress) float64 {
	return q.values[Key{Src: src, Hop: hop}]
}

// Has reports whether (src, hop) has an entry.
func (q *QTable) Has(src, hop netaddr.NodeAddress) bool {
	_, ok := q.values[Key{Src: src, Hop: hop}]
	return ok
}

// AddCandidate registers hop as a candidate for src with an initial Q of 0.
// It reports whether hop was new.
func (q *QTable) AddCandidate(src, hop netaddr.NodeAddress) bool {
	k := Key{Src: src, Hop: hop}
	if _, ok := q.values[k]; ok {
		return false
	}
	q.values[k] = 0
	q.candidates[src] = append(q.candidates[src], hop)
	return true
}

// Candidates returns src's candidates in first-seen order. The slice is
// owned by the table; callers must not modify it.
func (q *QTable) Candidates(src netaddr.NodeAddress) []netaddr.NodeAddress {
	return q.candidates[src]
}

// Set writes Q[(src, hop)], registering hop as a candidate if needed.
func (q *QTable) Set(src, hop netaddr.NodeAddress, v float64) {
	q.AddCandidate(src, hop)
	q.values[Key{Src: src, Hop: hop}] = v
}

// Forget drops every entry whose source is src.
func (q *QTable) Forget(src netaddr.NodeAddress) int {
	hops := q.candidates[src]
	for _, hop := range hops {
		delete(q.values, Key{Src: src, Hop: hop})
	}
	delete(q.candidates, src)
	return len(hops)
}

// Len returns the number of (src, hop) entries.
func (q *QTable) Len() int { return len(q.values) }

// Sources returns the number of sources with at least one candidate.
func (q *QTable) Sources() int { return len(q.candidates) }

// Snapshot returns every entry ordered by source then hop.
func (q *QTable) Snapshot() []Entry {
	out := make([]Entry, 0, len(q.values))
	for k, v := range q.values {
		out = append(out, Entry{Key: k, Value: v})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Src != out[j].Src {
			return out[i].Src.Less(out[j].Src)
		}
		return out[i].Hop.Less(out[j].Hop)
	})
	return out
}
