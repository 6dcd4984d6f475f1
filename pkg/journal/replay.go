package journal

import (
	"encoding/json"

	"github.com/graphshell/trailstore/pkg/topology"
	"github.com/graphshell/trailstore/pkg/trail"
)

// ReplayStats reports what a replay pass did.
type ReplayStats struct {
	Applied int
	Ignored int // unknown ops, undecodable payloads, entries referencing missing nodes
}

// Replay applies journal entries to a topology store in sequence order,
// mirroring the live mutation semantics: self-referential traversals are
// skipped, retraction removes the edge only when no other evidence remains,
// and entries naming nodes the store does not know are ignored rather than
// fatal.
//
// Replay restores the hot tier plus the archived counts carried by
// restore_edge entries; the recovery reconciler (package trailstore)
// re-derives the authoritative counts from the archive afterwards.
func Replay(store *topology.Store, entries []Entry) ReplayStats {
	var stats ReplayStats
	for _, entry := range entries {
		if applyEntry(store, entry) {
			stats.Applied++
		} else {
			stats.Ignored++
		}
	}
	return stats
}

func applyEntry(store *topology.Store, entry Entry) bool {
	switch entry.Operation {
	case OpAddNode:
		var d AddNodeData
		if json.Unmarshal(entry.Data, &d) != nil || d.NodeID == "" {
			return false
		}
		store.AddNode(trail.NodeID(d.NodeID), d.Address)
		return true

	case OpRemoveNode:
		var d NodeRefData
		if json.Unmarshal(entry.Data, &d) != nil {
			return false
		}
		// Dissolved evidence was written to the archive before this entry
		// existed, so dropping the payloads here loses nothing.
		_, ok := store.RemoveNode(trail.NodeID(d.NodeID))
		return ok

	case OpAddEdge:
		d, ok := decodePair(entry.Data)
		if !ok {
			return false
		}
		return ensureEdge(store, d) != nil

	case OpRemoveEdge:
		d, ok := decodePair(entry.Data)
		if !ok {
			return false
		}
		_, removed := store.RemoveEdge(pairOf(d))
		return removed

	case OpAppendTraversal:
		var d AppendTraversalData
		if json.Unmarshal(entry.Data, &d) != nil {
			return false
		}
		if d.FromID == d.ToID {
			return false
		}
		payload := ensureEdge(store, EdgePairData{FromID: d.FromID, ToID: d.ToID})
		if payload == nil {
			return false
		}
		payload.Append(trail.Traversal{
			FromAddress: d.FromAddress,
			ToAddress:   d.ToAddress,
			Timestamp:   d.Timestamp,
			Trigger:     trail.ParseTrigger(d.Trigger),
		})
		return true

	case OpAssertEdge:
		d, ok := decodePair(entry.Data)
		if !ok {
			return false
		}
		payload := ensureEdge(store, d)
		if payload == nil {
			return false
		}
		payload.UserAsserted = true
		return true

	case OpRetractEdge:
		d, ok := decodePair(entry.Data)
		if !ok {
			return false
		}
		payload, found := store.FindEdge(trail.NodeID(d.FromID), trail.NodeID(d.ToID))
		if !found {
			return false
		}
		payload.UserAsserted = false
		if !payload.Exists() {
			store.RemoveEdge(pairOf(d))
		}
		return true

	case OpRestoreEdge:
		var d RestoreEdgeData
		if json.Unmarshal(entry.Data, &d) != nil || d.FromID == "" || d.ToID == "" {
			return false
		}
		payload := ensureEdge(store, EdgePairData{FromID: d.FromID, ToID: d.ToID})
		if payload == nil {
			return false
		}
		payload.ArchivedCount += d.ArchivedCount
		return true

	case OpSetAddress:
		var d SetAddressData
		if json.Unmarshal(entry.Data, &d) != nil {
			return false
		}
		_, ok := store.SetAddress(trail.NodeID(d.NodeID), d.Address)
		return ok

	case OpClearGraph:
		store.Clear()
		return true

	case OpCheckpoint:
		// Marker only; truncation already happened (or did not) on disk.
		return true

	default:
		// Written by a newer version. Skip, keep replaying.
		return false
	}
}

func decodePair(data []byte) (EdgePairData, bool) {
	var d EdgePairData
	if json.Unmarshal(data, &d) != nil || d.FromID == "" || d.ToID == "" {
		return EdgePairData{}, false
	}
	return d, true
}

func pairOf(d EdgePairData) trail.PairKey {
	return trail.PairKey{From: trail.NodeID(d.FromID), To: trail.NodeID(d.ToID)}
}

// ensureEdge returns the live payload for the pair, creating an empty one
// if needed. Nil when either endpoint is missing.
func ensureEdge(store *topology.Store, d EdgePairData) *trail.EdgePayload {
	from, to := trail.NodeID(d.FromID), trail.NodeID(d.ToID)
	if payload, ok := store.FindEdge(from, to); ok {
		return payload
	}
	payload := trail.NewEdgePayload()
	if !store.UpsertEdge(trail.PairKey{From: from, To: to}, payload) {
		return nil
	}
	return payload
}
