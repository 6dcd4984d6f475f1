// Package history manages the permanent traversal record: dissolution,
// timeline queries, restoration, and explicit destruction.
//
// The rest of the store treats traversal evidence as precious; this
// package is where the "never silently lose it" rule is enforced. When an
// edge leaves the topology for any reason, every record it carried — hot
// and already-archived — is transferred to dissolved status in the archive
// BEFORE the topology mutates. The strict order is:
//
//  1. Flip the pair's archived rows to dissolved.
//  2. Append the hot records to the archive as dissolved, and flush.
//  3. Journal the topology mutation.
//  4. Mutate the topology.
//
// A crash between any two steps leaves either extra dissolved rows (which
// re-dissolution tolerates) or a journal that replays the mutation against
// evidence already safe in the archive. No interleaving loses a record.
//
// Destruction is the exception, not the rule: records die only through
// PermanentDelete or an explicitly enabled curation policy.
package history

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/graphshell/trailstore/pkg/archive"
	"github.com/graphshell/trailstore/pkg/journal"
	"github.com/graphshell/trailstore/pkg/topology"
	"github.com/graphshell/trailstore/pkg/trail"
)

// Common errors.
var (
	ErrEndpointMissing  = errors.New("history: restore requires both endpoint nodes to exist")
	ErrNothingToRestore = errors.New("history: no dissolved records for pair")
)

// CurationPolicy optionally expires old dissolved history. Destructive and
// therefore disabled unless explicitly configured.
type CurationPolicy struct {
	Enabled bool
	MaxAge  time.Duration
}

// Manager owns the dissolution and history surface of one store.
type Manager struct {
	store    *topology.Store
	journal  *journal.Journal
	archive  *archive.Store
	curation CurationPolicy

	now func() uint64 // injectable for tests
}

// New wires a Manager.
func New(store *topology.Store, jrnl *journal.Journal, arch *archive.Store, curation CurationPolicy) *Manager {
	return &Manager{
		store:    store,
		journal:  jrnl,
		archive:  arch,
		curation: curation,
		now:      trail.NowMillis,
	}
}

// dissolvePayload transfers one edge's evidence to dissolved status. Steps
// 1 and 2 of the dissolution sequence; the caller journals and mutates.
func (m *Manager) dissolvePayload(pair trail.PairKey, payload *trail.EdgePayload, reason trail.DissolveReason, at uint64) error {
	if _, err := m.archive.MarkDissolved(pair, reason, at); err != nil {
		return fmt.Errorf("history: failed to dissolve archived records: %w", err)
	}
	if len(payload.Traversals) > 0 {
		if err := m.archive.PutBatch(pair, payload.Traversals, trail.StatusDissolved, reason, at); err != nil {
			return fmt.Errorf("history: failed to archive hot records: %w", err)
		}
	}
	return nil
}

// DissolveEdge removes a directed edge, preserving all its evidence as
// dissolved history. An edge with no evidence at all (a bare retracted
// assertion) writes nothing to the archive.
func (m *Manager) DissolveEdge(pair trail.PairKey, reason trail.DissolveReason) error {
	payload, ok := m.store.FindEdge(pair.From, pair.To)
	if !ok {
		return trail.ErrNotFound
	}
	at := m.now()
	if err := m.dissolvePayload(pair, payload, reason, at); err != nil {
		return err
	}
	if err := m.archive.Sync(); err != nil {
		return fmt.Errorf("history: archive flush failed: %w", err)
	}
	if err := m.journal.Append(journal.OpRemoveEdge, journal.EdgePairData{
		FromID: string(pair.From),
		ToID:   string(pair.To),
	}); err != nil {
		return err
	}
	m.store.RemoveEdge(pair)
	return nil
}

// DissolveNode removes a node and dissolves every incident edge, in both
// directions, before the topology forgets them.
func (m *Manager) DissolveNode(id trail.NodeID) error {
	if !m.store.HasNode(id) {
		return trail.ErrNotFound
	}
	at := m.now()
	incident := m.store.IncidentEdges(id)
	for _, e := range incident {
		if err := m.dissolvePayload(e.Pair, e.Payload, trail.ReasonNodeRemoved, at); err != nil {
			return err
		}
	}
	if len(incident) > 0 {
		if err := m.archive.Sync(); err != nil {
			return fmt.Errorf("history: archive flush failed: %w", err)
		}
	}
	if err := m.journal.Append(journal.OpRemoveNode, journal.NodeRefData{NodeID: string(id)}); err != nil {
		return err
	}
	m.store.RemoveNode(id)
	return nil
}

// ClearGraph dissolves every edge and empties the topology. The archive
// keeps everything.
func (m *Manager) ClearGraph() error {
	at := m.now()
	var failed error
	m.store.Edges(func(pair trail.PairKey, payload *trail.EdgePayload) {
		if failed != nil {
			return
		}
		failed = m.dissolvePayload(pair, payload, trail.ReasonGraphCleared, at)
	})
	if failed != nil {
		return failed
	}
	if err := m.archive.Sync(); err != nil {
		return fmt.Errorf("history: archive flush failed: %w", err)
	}
	if err := m.journal.Append(journal.OpClearGraph, struct{}{}); err != nil {
		return err
	}
	m.store.Clear()
	return nil
}

// Restore re-materializes a dissolved directed edge from the archive. Both
// endpoint nodes must already exist (node restoration is upstream of this
// subsystem); the pair's dissolved rows flip back to live and count toward
// the rebuilt edge's archived evidence.
func (m *Manager) Restore(pair trail.PairKey) error {
	if !m.store.HasNode(pair.From) || !m.store.HasNode(pair.To) {
		return ErrEndpointMissing
	}
	n, err := m.archive.RestorePair(pair)
	if err != nil {
		return fmt.Errorf("history: restore failed: %w", err)
	}
	if n == 0 {
		return ErrNothingToRestore
	}
	if err := m.archive.Sync(); err != nil {
		return fmt.Errorf("history: archive flush failed: %w", err)
	}
	// The entry carries the count: a bare edge entry would replay as an
	// empty payload and the restored evidence would vanish on the next
	// crash before a snapshot covers it.
	if err := m.journal.Append(journal.OpRestoreEdge, journal.RestoreEdgeData{
		FromID:        string(pair.From),
		ToID:          string(pair.To),
		ArchivedCount: uint64(n),
	}); err != nil {
		return err
	}

	payload, ok := m.store.FindEdge(pair.From, pair.To)
	if !ok {
		payload = trail.NewEdgePayload()
		m.store.UpsertEdge(pair, payload)
	}
	payload.ArchivedCount += uint64(n)
	return nil
}

// PermanentDelete destroys every archived record of a directed pair, live
// and dissolved, and drops the live edge if nothing else justifies it.
// This is deliberate, unrecoverable destruction; only direct user action
// should reach it.
func (m *Manager) PermanentDelete(pair trail.PairKey) (int, error) {
	n, err := m.archive.DeletePair(pair)
	if err != nil {
		return 0, fmt.Errorf("history: permanent delete failed: %w", err)
	}
	if payload, ok := m.store.FindEdge(pair.From, pair.To); ok {
		payload.ArchivedCount = 0
		if !payload.Exists() {
			if err := m.journal.Append(journal.OpRemoveEdge, journal.EdgePairData{
				FromID: string(pair.From),
				ToID:   string(pair.To),
			}); err != nil {
				return n, err
			}
			m.store.RemoveEdge(pair)
		}
	}
	return n, nil
}

// Curate applies the configured curation policy: dissolved records older
// than MaxAge are destroyed. A disabled policy is a no-op, never an error.
func (m *Manager) Curate() (int, error) {
	if !m.curation.Enabled || m.curation.MaxAge <= 0 {
		return 0, nil
	}
	cutoff := m.now() - uint64(m.curation.MaxAge.Milliseconds())
	n, err := m.archive.DeleteOlderThan(cutoff)
	if err != nil {
		return 0, fmt.Errorf("history: curation failed: %w", err)
	}
	return n, nil
}

// Tier labels where a timeline entry currently resides.
type Tier string

const (
	TierHot      Tier = "hot"
	TierArchived Tier = "archived"
)

// TimelineEntry is one traversal in the unified history view.
type TimelineEntry struct {
	Pair        trail.PairKey        `json:"pair"`
	Traversal   trail.Traversal      `json:"traversal"`
	Tier        Tier                 `json:"tier"`
	Status      trail.RecordStatus   `json:"-"`
	StatusName  string               `json:"status"`
	Reason      trail.DissolveReason `json:"-"`
	ReasonName  string               `json:"reason,omitempty"`
	DissolvedAt uint64               `json:"dissolvedAt,omitempty"`
}

// Filter narrows a timeline query. Zero values mean "no constraint".
type Filter struct {
	// AddressSubstring matches either endpoint address, case-insensitive.
	AddressSubstring string

	// Since/Until bound the traversal timestamp (inclusive). Zero Until
	// means unbounded.
	Since uint64
	Until uint64

	// Status restricts to one record status when non-nil.
	Status *trail.RecordStatus
}

func (f Filter) matches(e TimelineEntry) bool {
	if f.AddressSubstring != "" {
		needle := strings.ToLower(f.AddressSubstring)
		if !strings.Contains(strings.ToLower(e.Traversal.FromAddress), needle) &&
			!strings.Contains(strings.ToLower(e.Traversal.ToAddress), needle) {
			return false
		}
	}
	if e.Traversal.Timestamp < f.Since {
		return false
	}
	if f.Until != 0 && e.Traversal.Timestamp > f.Until {
		return false
	}
	if f.Status != nil && e.Status != *f.Status {
		return false
	}
	return true
}

// Timeline returns every traversal matching the filter, across the hot
// tier and the full archive, ordered by timestamp ascending. This is a
// full scan; it serves the interactive "where have I been" query, not a
// hot path.
func (m *Manager) Timeline(filter Filter) ([]TimelineEntry, error) {
	var out []TimelineEntry

	m.store.Edges(func(pair trail.PairKey, payload *trail.EdgePayload) {
		for _, t := range payload.Traversals {
			e := TimelineEntry{
				Pair:       pair,
				Traversal:  t,
				Tier:       TierHot,
				Status:     trail.StatusLive,
				StatusName: trail.StatusLive.String(),
			}
			if filter.matches(e) {
				out = append(out, e)
			}
		}
	})

	err := m.archive.ScanAll(func(rec archive.Record) bool {
		e := TimelineEntry{
			Pair:        rec.Pair,
			Traversal:   rec.Traversal,
			Tier:        TierArchived,
			Status:      rec.Status,
			StatusName:  rec.Status.String(),
			Reason:      rec.Reason,
			DissolvedAt: rec.DissolvedAt,
		}
		if rec.Reason != 0 {
			e.ReasonName = rec.Reason.String()
		}
		if filter.matches(e) {
			out = append(out, e)
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("history: timeline scan failed: %w", err)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Traversal.Timestamp < out[j].Traversal.Timestamp
	})
	return out, nil
}

// Export writes the filtered timeline as JSON lines, one entry per line.
func (m *Manager) Export(w io.Writer, filter Filter) error {
	entries, err := m.Timeline(filter)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			return fmt.Errorf("history: export encode failed: %w", err)
		}
	}
	return nil
}
