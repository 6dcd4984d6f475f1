// Package topology implements the live in-memory graph of nodes and
// directed edge payloads.
//
// The store is a directed graph keyed by stable node identities. Each
// directed pair of nodes owns at most one trail.EdgePayload; the pair (A,B)
// and its reverse (B,A) are independent edges and are never merged here —
// merging is a display-time concern (see package display).
//
// The store is deliberately agnostic to traversal semantics: it knows
// nothing about trigger kinds, age thresholds, or dissolution reasons. Its
// one hard promise is that it never silently discards payload data —
// RemoveNode and Clear hand every removed payload back to the caller, who
// is responsible for transferring the evidence to the historical record
// first.
//
// Thread Safety: all methods are safe for concurrent use. The wider
// subsystem serializes mutations behind a single owner anyway (see package
// trailstore), so the RWMutex here is belt-and-braces in the same way the
// storage engines it is modeled on are.
package topology

import (
	"sync"
	"time"

	"github.com/graphshell/trailstore/pkg/trail"
)

// Node is an addressable content unit tracked by the store.
//
// Address is the node's current address and can drift over its lifetime;
// traversal records snapshot addresses at event time precisely because of
// that drift. Identity (ID) never changes.
type Node struct {
	ID          trail.NodeID
	Address     string
	Title       string
	CreatedAt   time.Time
	LastVisited time.Time
}

// IncidentEdge is one directed edge touching a node, yielded during
// incident enumeration so callers can dissolve payloads before a removal.
type IncidentEdge struct {
	Pair    trail.PairKey
	Payload *trail.EdgePayload
}

// Store is the in-memory topology: nodes, directed edge payloads, and an
// address index for navigation-event resolution.
type Store struct {
	mu sync.RWMutex

	nodes map[trail.NodeID]*Node
	edges map[trail.PairKey]*trail.EdgePayload

	// Directed adjacency, maintained alongside edges for O(degree)
	// incident enumeration.
	out map[trail.NodeID]map[trail.NodeID]struct{}
	in  map[trail.NodeID]map[trail.NodeID]struct{}

	// Address index. Multiple nodes may display the same address; the most
	// recently registered node wins on resolve, matching how duplicate
	// nodes behave in the hosting application.
	byAddress map[string][]trail.NodeID
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		nodes:     make(map[trail.NodeID]*Node),
		edges:     make(map[trail.PairKey]*trail.EdgePayload),
		out:       make(map[trail.NodeID]map[trail.NodeID]struct{}),
		in:        make(map[trail.NodeID]map[trail.NodeID]struct{}),
		byAddress: make(map[string][]trail.NodeID),
	}
}

// AddNode registers a node. Adding an already-present ID updates nothing
// and returns false.
func (s *Store) AddNode(id trail.NodeID, address string) bool {
	if id == "" {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.nodes[id]; ok {
		return false
	}
	now := time.Now()
	s.nodes[id] = &Node{
		ID:          id,
		Address:     address,
		Title:       address,
		CreatedAt:   now,
		LastVisited: now,
	}
	s.byAddress[address] = append(s.byAddress[address], id)
	return true
}

// GetNode returns a copy of the node record.
func (s *Store) GetNode(id trail.NodeID) (Node, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n, ok := s.nodes[id]
	if !ok {
		return Node{}, false
	}
	return *n, true
}

// HasNode reports whether the identity is present.
func (s *Store) HasNode(id trail.NodeID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.nodes[id]
	return ok
}

// SetAddress updates a node's current address, maintaining the address
// index. Returns the previous address.
func (s *Store) SetAddress(id trail.NodeID, address string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[id]
	if !ok {
		return "", false
	}
	old := n.Address
	s.dropAddressMapping(old, id)
	n.Address = address
	n.LastVisited = time.Now()
	s.byAddress[address] = append(s.byAddress[address], id)
	return old, true
}

// SetTitle updates a node's display title.
func (s *Store) SetTitle(id trail.NodeID, title string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[id]
	if !ok {
		return false
	}
	n.Title = title
	return true
}

// ResolveAddress maps an address to a node identity. When several nodes
// share the address, the most recently registered wins. The second return
// is false for unknown addresses — an expected outcome, not an error.
func (s *Store) ResolveAddress(address string) (trail.NodeID, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.byAddress[address]
	if len(ids) == 0 {
		return "", false
	}
	return ids[len(ids)-1], true
}

// FindEdge returns the payload for a directed pair. The returned pointer is
// the live payload; mutation through it is how ingestion appends records.
func (s *Store) FindEdge(from, to trail.NodeID) (*trail.EdgePayload, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.edges[trail.PairKey{From: from, To: to}]
	return p, ok
}

// UpsertEdge installs or replaces the payload for a directed pair. Both
// endpoints must exist.
func (s *Store) UpsertEdge(pair trail.PairKey, payload *trail.EdgePayload) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.nodes[pair.From]; !ok {
		return false
	}
	if _, ok := s.nodes[pair.To]; !ok {
		return false
	}
	s.edges[pair] = payload
	s.link(pair)
	return true
}

// RemoveEdge removes a directed edge, returning its payload so the caller
// can account for the evidence it carried.
func (s *Store) RemoveEdge(pair trail.PairKey) (*trail.EdgePayload, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeEdgeLocked(pair)
}

func (s *Store) removeEdgeLocked(pair trail.PairKey) (*trail.EdgePayload, bool) {
	p, ok := s.edges[pair]
	if !ok {
		return nil, false
	}
	delete(s.edges, pair)
	s.unlink(pair)
	return p, true
}

// IncidentEdges enumerates every directed edge touching the node, in both
// directions. Callers dissolving a node use this before RemoveNode.
func (s *Store) IncidentEdges(id trail.NodeID) []IncidentEdge {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []IncidentEdge
	for to := range s.out[id] {
		pair := trail.PairKey{From: id, To: to}
		out = append(out, IncidentEdge{Pair: pair, Payload: s.edges[pair]})
	}
	for from := range s.in[id] {
		pair := trail.PairKey{From: from, To: id}
		out = append(out, IncidentEdge{Pair: pair, Payload: s.edges[pair]})
	}
	return out
}

// RemoveNode removes the node and every incident edge. The removed
// payloads are returned keyed by pair; the store never discards them
// silently. Dissolution (package history) must already have transferred
// the evidence — after this call the payloads are unreachable from the
// live structure.
func (s *Store) RemoveNode(id trail.NodeID) (map[trail.PairKey]*trail.EdgePayload, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[id]
	if !ok {
		return nil, false
	}

	removed := make(map[trail.PairKey]*trail.EdgePayload)
	for to := range s.out[id] {
		pair := trail.PairKey{From: id, To: to}
		if p, ok := s.removeEdgeLocked(pair); ok {
			removed[pair] = p
		}
	}
	for from := range s.in[id] {
		pair := trail.PairKey{From: from, To: id}
		if p, ok := s.removeEdgeLocked(pair); ok {
			removed[pair] = p
		}
	}

	s.dropAddressMapping(n.Address, id)
	delete(s.nodes, id)
	delete(s.out, id)
	delete(s.in, id)
	return removed, true
}

// Clear empties the store, returning every edge payload for the same
// reason RemoveNode returns them.
func (s *Store) Clear() map[trail.PairKey]*trail.EdgePayload {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := s.edges
	s.nodes = make(map[trail.NodeID]*Node)
	s.edges = make(map[trail.PairKey]*trail.EdgePayload)
	s.out = make(map[trail.NodeID]map[trail.NodeID]struct{})
	s.in = make(map[trail.NodeID]map[trail.NodeID]struct{})
	s.byAddress = make(map[string][]trail.NodeID)
	return removed
}

// Nodes returns a copy of all node records.
func (s *Store) Nodes() []Node {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		out = append(out, *n)
	}
	return out
}

// Edges invokes fn for every directed edge. fn must not mutate the store.
func (s *Store) Edges(fn func(pair trail.PairKey, payload *trail.EdgePayload)) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for pair, payload := range s.edges {
		fn(pair, payload)
	}
}

// NodeCount returns the number of nodes.
func (s *Store) NodeCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.nodes)
}

// EdgeCount returns the number of directed edges.
func (s *Store) EdgeCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.edges)
}

func (s *Store) link(pair trail.PairKey) {
	if s.out[pair.From] == nil {
		s.out[pair.From] = make(map[trail.NodeID]struct{})
	}
	s.out[pair.From][pair.To] = struct{}{}
	if s.in[pair.To] == nil {
		s.in[pair.To] = make(map[trail.NodeID]struct{})
	}
	s.in[pair.To][pair.From] = struct{}{}
}

func (s *Store) unlink(pair trail.PairKey) {
	if m := s.out[pair.From]; m != nil {
		delete(m, pair.To)
		if len(m) == 0 {
			delete(s.out, pair.From)
		}
	}
	if m := s.in[pair.To]; m != nil {
		delete(m, pair.From)
		if len(m) == 0 {
			delete(s.in, pair.To)
		}
	}
}

func (s *Store) dropAddressMapping(address string, id trail.NodeID) {
	ids := s.byAddress[address]
	for i := len(ids) - 1; i >= 0; i-- {
		if ids[i] == id {
			ids = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(ids) == 0 {
		delete(s.byAddress, address)
	} else {
		s.byAddress[address] = ids
	}
}
