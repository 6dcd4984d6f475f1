package journal

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/graphshell/trailstore/pkg/topology"
	"github.com/graphshell/trailstore/pkg/trail"
	"github.com/graphshell/trailstore/pkg/vault"
)

// Snapshot is a point-in-time serialization of the hot tier: every node and
// every directed edge payload, plus the journal sequence it covers. Entries
// at or below Sequence are redundant once the snapshot is durable.
type Snapshot struct {
	Sequence uint64         `json:"sequence"`
	TakenAt  time.Time      `json:"takenAt"`
	Nodes    []SnapshotNode `json:"nodes"`
	Edges    []SnapshotEdge `json:"edges"`
}

// SnapshotNode is one serialized node.
type SnapshotNode struct {
	ID      string `json:"id"`
	Address string `json:"address"`
	Title   string `json:"title,omitempty"`
}

// SnapshotEdge is one serialized directed edge payload.
type SnapshotEdge struct {
	FromID        string            `json:"fromId"`
	ToID          string            `json:"toId"`
	UserAsserted  bool              `json:"userAsserted,omitempty"`
	Traversals    []trail.Traversal `json:"traversals,omitempty"`
	ArchivedCount uint64            `json:"archivedCount,omitempty"`
}

// SnapshotPathIn returns the snapshot file path inside a store directory.
func SnapshotPathIn(dir string) string {
	return filepath.Join(dir, "snapshot.json")
}

// CaptureSnapshot serializes the current topology. Payloads are cloned so
// later mutation of the live graph cannot alias into the snapshot.
func CaptureSnapshot(store *topology.Store, sequence uint64) *Snapshot {
	snap := &Snapshot{
		Sequence: sequence,
		TakenAt:  time.Now(),
	}
	for _, n := range store.Nodes() {
		snap.Nodes = append(snap.Nodes, SnapshotNode{
			ID:      string(n.ID),
			Address: n.Address,
			Title:   n.Title,
		})
	}
	store.Edges(func(pair trail.PairKey, payload *trail.EdgePayload) {
		c := payload.Clone()
		snap.Edges = append(snap.Edges, SnapshotEdge{
			FromID:        string(pair.From),
			ToID:          string(pair.To),
			UserAsserted:  c.UserAsserted,
			Traversals:    c.Traversals,
			ArchivedCount: c.ArchivedCount,
		})
	})
	return snap
}

// SaveSnapshot writes the snapshot atomically: temp file in the same
// directory, fsync, then rename over the target. A crash mid-write leaves
// the previous snapshot intact.
func SaveSnapshot(path string, snap *Snapshot, v *vault.Vault) error {
	plain, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("journal: failed to marshal snapshot: %w", err)
	}
	data, err := v.Seal(plain)
	if err != nil {
		return fmt.Errorf("journal: failed to seal snapshot: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "snapshot-*.tmp")
	if err != nil {
		return fmt.Errorf("journal: failed to create temp snapshot: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("journal: failed to write snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("journal: failed to sync snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("journal: failed to close snapshot: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("journal: failed to install snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot reads a snapshot file. A missing file returns (nil, nil):
// first run, or a store that has never checkpointed.
func LoadSnapshot(path string, v *vault.Vault) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("journal: failed to read snapshot: %w", err)
	}
	plain, err := v.Open(data)
	if err != nil {
		return nil, fmt.Errorf("journal: failed to open snapshot: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(plain, &snap); err != nil {
		return nil, fmt.Errorf("journal: failed to decode snapshot: %w", err)
	}
	return &snap, nil
}

// RestoreSnapshot loads the snapshot contents into an empty topology store.
// Edges referencing nodes absent from the snapshot are dropped and counted.
func RestoreSnapshot(store *topology.Store, snap *Snapshot) (dropped int) {
	for _, n := range snap.Nodes {
		store.AddNode(trail.NodeID(n.ID), n.Address)
		if n.Title != "" {
			store.SetTitle(trail.NodeID(n.ID), n.Title)
		}
	}
	for _, e := range snap.Edges {
		payload := &trail.EdgePayload{
			UserAsserted:  e.UserAsserted,
			Traversals:    e.Traversals,
			ArchivedCount: e.ArchivedCount,
		}
		pair := trail.PairKey{From: trail.NodeID(e.FromID), To: trail.NodeID(e.ToID)}
		if !store.UpsertEdge(pair, payload) {
			dropped++
		}
	}
	return dropped
}
