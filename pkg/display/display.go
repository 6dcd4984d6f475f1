// Package display derives the merged presentation view of the directed
// topology.
//
// Storage keeps (A,B) and (B,A) as independent directed edges; the user
// sees one relationship per node pair. This package folds each directed
// pair into a single MergedEdge with a combined weight and a dominant
// direction, and caches the result until the topology changes. Nothing
// here is persisted or mutated — the view is recomputable from the live
// store at any time.
//
// Direction is decided by traffic share with a dead zone: a direction is
// shown only when its share of the combined weight strictly exceeds the
// dominance threshold. Near-balanced pairs render undirected, which keeps
// one extra traversal from flip-flopping the arrow.
package display

import (
	"sort"
	"sync"

	"github.com/graphshell/trailstore/pkg/topology"
	"github.com/graphshell/trailstore/pkg/trail"
)

// DefaultDominanceThreshold is the traffic share one direction must
// strictly exceed before it is rendered as dominant.
const DefaultDominanceThreshold = 0.6

// Direction is the rendered orientation of a merged edge.
type Direction uint8

const (
	// DirectionNone renders undirected: neither side dominates.
	DirectionNone Direction = iota

	// DirectionForward points from Pair.From to Pair.To (canonical order).
	DirectionForward

	// DirectionReverse points from Pair.To to Pair.From.
	DirectionReverse
)

// String returns a short label for logs and the CLI.
func (d Direction) String() string {
	switch d {
	case DirectionForward:
		return "forward"
	case DirectionReverse:
		return "reverse"
	default:
		return "none"
	}
}

// MergedEdge is one displayable relationship between a node pair.
//
// Pair is canonical (From < To), so the same two nodes always produce the
// same key regardless of traversal direction. ForwardWeight counts records
// From→To; ReverseWeight counts To→From. UserAsserted is true when either
// underlying directed edge carries an assertion.
//
// Forward and Reverse are handles back to the underlying directed edges;
// either may be nil when only one direction exists. They resolve the
// merged presentation back to storage without a lookup.
type MergedEdge struct {
	Pair           trail.PairKey
	ForwardWeight  uint64
	ReverseWeight  uint64
	CombinedWeight uint64
	Direction      Direction
	UserAsserted   bool
	Forward        *trail.EdgePayload
	Reverse        *trail.EdgePayload
}

// View computes and memoizes merged edges over one topology store.
//
// The view holds no subscription to the store; the owning layer calls
// Invalidate after every mutation. Edges recomputes lazily on the next
// read.
type View struct {
	mu        sync.Mutex
	store     *topology.Store
	threshold float64
	dirty     bool
	cached    []MergedEdge
}

// NewView creates a view with the given dominance threshold; values
// outside (0,1) fall back to the default.
func NewView(store *topology.Store, threshold float64) *View {
	if threshold <= 0 || threshold >= 1 {
		threshold = DefaultDominanceThreshold
	}
	return &View{store: store, threshold: threshold, dirty: true}
}

// Invalidate marks the cached view stale. Cheap; call on every mutation.
func (v *View) Invalidate() {
	v.mu.Lock()
	v.dirty = true
	v.mu.Unlock()
}

// Edges returns the merged view, recomputing it only when stale. The
// returned slice is shared with the cache; callers must not modify it.
func (v *View) Edges() []MergedEdge {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.dirty {
		v.cached = v.compute()
		v.dirty = false
	}
	return v.cached
}

func (v *View) compute() []MergedEdge {
	type sides struct {
		forward, reverse *trail.EdgePayload
	}
	byPair := make(map[trail.PairKey]*sides)

	v.store.Edges(func(pair trail.PairKey, payload *trail.EdgePayload) {
		canonical := pair.Canonical()
		s := byPair[canonical]
		if s == nil {
			s = &sides{}
			byPair[canonical] = s
		}
		if pair == canonical {
			s.forward = payload
		} else {
			s.reverse = payload
		}
	})

	out := make([]MergedEdge, 0, len(byPair))
	for pair, s := range byPair {
		merged := MergedEdge{Pair: pair, Forward: s.forward, Reverse: s.reverse}
		if s.forward != nil {
			merged.ForwardWeight = s.forward.Weight()
			merged.UserAsserted = merged.UserAsserted || s.forward.UserAsserted
		}
		if s.reverse != nil {
			merged.ReverseWeight = s.reverse.Weight()
			merged.UserAsserted = merged.UserAsserted || s.reverse.UserAsserted
		}
		merged.CombinedWeight = merged.ForwardWeight + merged.ReverseWeight
		merged.Direction = v.direction(merged.ForwardWeight, merged.ReverseWeight)
		out = append(out, merged)
	}

	// Deterministic order for rendering and tests.
	sort.Slice(out, func(i, j int) bool {
		if out[i].Pair.From != out[j].Pair.From {
			return out[i].Pair.From < out[j].Pair.From
		}
		return out[i].Pair.To < out[j].Pair.To
	})
	return out
}

// direction applies the dominance rule. The comparison is strict: a share
// exactly at the threshold renders undirected.
func (v *View) direction(forward, reverse uint64) Direction {
	total := forward + reverse
	if total == 0 {
		return DirectionNone
	}
	share := float64(forward) / float64(total)
	if share > v.threshold {
		return DirectionForward
	}
	if 1-share > v.threshold {
		return DirectionReverse
	}
	return DirectionNone
}
