package topology

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/graphshell/trailstore/pkg/trail"
)

func newID() trail.NodeID {
	return trail.NodeID(uuid.NewString())
}

func TestStore_AddNode(t *testing.T) {
	s := New()
	id := newID()

	require.True(t, s.AddNode(id, "https://a.example"))
	assert.Equal(t, 1, s.NodeCount())

	n, ok := s.GetNode(id)
	require.True(t, ok)
	assert.Equal(t, "https://a.example", n.Address)
	assert.Equal(t, "https://a.example", n.Title)

	t.Run("duplicate_id_is_rejected", func(t *testing.T) {
		assert.False(t, s.AddNode(id, "https://other.example"))
		assert.Equal(t, 1, s.NodeCount())
	})

	t.Run("empty_id_is_rejected", func(t *testing.T) {
		assert.False(t, s.AddNode("", "https://a.example"))
	})
}

func TestStore_ResolveAddress(t *testing.T) {
	s := New()
	a := newID()
	b := newID()
	s.AddNode(a, "https://same.example")
	s.AddNode(b, "https://same.example")

	t.Run("last_registered_wins_for_duplicates", func(t *testing.T) {
		id, ok := s.ResolveAddress("https://same.example")
		require.True(t, ok)
		assert.Equal(t, b, id)
	})

	t.Run("unknown_address_is_not_an_error", func(t *testing.T) {
		_, ok := s.ResolveAddress("https://nowhere.example")
		assert.False(t, ok)
	})

	t.Run("set_address_moves_index_entry", func(t *testing.T) {
		old, ok := s.SetAddress(b, "https://moved.example")
		require.True(t, ok)
		assert.Equal(t, "https://same.example", old)

		id, ok := s.ResolveAddress("https://moved.example")
		require.True(t, ok)
		assert.Equal(t, b, id)

		id, ok = s.ResolveAddress("https://same.example")
		require.True(t, ok)
		assert.Equal(t, a, id)
	})
}

func TestStore_EdgeLifecycle(t *testing.T) {
	s := New()
	a, b := newID(), newID()
	s.AddNode(a, "https://a.example")
	s.AddNode(b, "https://b.example")

	pair := trail.PairKey{From: a, To: b}
	payload := trail.NewEdgePayload()
	payload.Append(trail.Traversal{Timestamp: 1})

	require.True(t, s.UpsertEdge(pair, payload))
	assert.Equal(t, 1, s.EdgeCount())

	t.Run("directed_pairs_are_independent", func(t *testing.T) {
		_, ok := s.FindEdge(b, a)
		assert.False(t, ok)

		got, ok := s.FindEdge(a, b)
		require.True(t, ok)
		assert.Same(t, payload, got)
	})

	t.Run("upsert_requires_both_endpoints", func(t *testing.T) {
		ghost := newID()
		assert.False(t, s.UpsertEdge(trail.PairKey{From: a, To: ghost}, trail.NewEdgePayload()))
	})

	t.Run("remove_returns_payload", func(t *testing.T) {
		got, ok := s.RemoveEdge(pair)
		require.True(t, ok)
		assert.Same(t, payload, got)
		assert.Equal(t, 0, s.EdgeCount())

		_, ok = s.RemoveEdge(pair)
		assert.False(t, ok)
	})
}

func TestStore_IncidentEdges(t *testing.T) {
	s := New()
	hub, x, y := newID(), newID(), newID()
	s.AddNode(hub, "https://hub.example")
	s.AddNode(x, "https://x.example")
	s.AddNode(y, "https://y.example")

	s.UpsertEdge(trail.PairKey{From: hub, To: x}, trail.NewEdgePayload())
	s.UpsertEdge(trail.PairKey{From: y, To: hub}, trail.NewEdgePayload())
	s.UpsertEdge(trail.PairKey{From: x, To: y}, trail.NewEdgePayload())

	incident := s.IncidentEdges(hub)
	require.Len(t, incident, 2)
	pairs := map[trail.PairKey]bool{}
	for _, e := range incident {
		require.NotNil(t, e.Payload)
		pairs[e.Pair] = true
	}
	assert.True(t, pairs[trail.PairKey{From: hub, To: x}])
	assert.True(t, pairs[trail.PairKey{From: y, To: hub}])
}

func TestStore_RemoveNode(t *testing.T) {
	s := New()
	hub, x, y := newID(), newID(), newID()
	s.AddNode(hub, "https://hub.example")
	s.AddNode(x, "https://x.example")
	s.AddNode(y, "https://y.example")

	outPayload := trail.NewEdgePayload()
	outPayload.Append(trail.Traversal{Timestamp: 1})
	inPayload := trail.NewEdgePayload()
	inPayload.Append(trail.Traversal{Timestamp: 2})

	s.UpsertEdge(trail.PairKey{From: hub, To: x}, outPayload)
	s.UpsertEdge(trail.PairKey{From: y, To: hub}, inPayload)
	s.UpsertEdge(trail.PairKey{From: x, To: y}, trail.NewEdgePayload())

	removed, ok := s.RemoveNode(hub)
	require.True(t, ok)

	t.Run("yields_every_incident_payload", func(t *testing.T) {
		require.Len(t, removed, 2)
		assert.Same(t, outPayload, removed[trail.PairKey{From: hub, To: x}])
		assert.Same(t, inPayload, removed[trail.PairKey{From: y, To: hub}])
	})

	t.Run("unrelated_edges_survive", func(t *testing.T) {
		assert.Equal(t, 1, s.EdgeCount())
		_, ok := s.FindEdge(x, y)
		assert.True(t, ok)
	})

	t.Run("node_and_index_entry_are_gone", func(t *testing.T) {
		assert.False(t, s.HasNode(hub))
		_, ok := s.ResolveAddress("https://hub.example")
		assert.False(t, ok)
	})

	t.Run("removing_missing_node_reports_false", func(t *testing.T) {
		_, ok := s.RemoveNode(hub)
		assert.False(t, ok)
	})
}

func TestStore_Clear(t *testing.T) {
	s := New()
	a, b := newID(), newID()
	s.AddNode(a, "https://a.example")
	s.AddNode(b, "https://b.example")
	p := trail.NewEdgePayload()
	p.Append(trail.Traversal{Timestamp: 5})
	s.UpsertEdge(trail.PairKey{From: a, To: b}, p)

	removed := s.Clear()
	require.Len(t, removed, 1)
	assert.Same(t, p, removed[trail.PairKey{From: a, To: b}])
	assert.Equal(t, 0, s.NodeCount())
	assert.Equal(t, 0, s.EdgeCount())
}
