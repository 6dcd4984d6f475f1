// Package trailstore is the embeddable facade over the traversal edge
// model: topology, journal, archive, tiering, display merging and history
// in one handle.
//
// The hosting application records navigation events and topology changes
// through a DB; the DB keeps the hot tier consistent, journals every
// mutation before applying it, migrates aged records to the durable
// archive on checkpoints, and rebuilds itself from snapshot + journal +
// archive on open.
//
// Example Usage:
//
//	cfg := config.Default()
//	cfg.DataDir = "/var/lib/myapp/trails"
//
//	db, err := trailstore.Open(cfg)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer db.Close()
//
//	db.AddNode("node-a", "https://a.example")
//	db.AddNode("node-b", "https://b.example")
//	db.RecordNavigation("node-a", "node-b", trail.TriggerFollowedLink)
//
//	for _, e := range db.DisplayEdges() {
//		fmt.Println(e.Pair, e.CombinedWeight, e.Direction)
//	}
//
// All mutating operations are serialized behind one mutex. The store is
// built for a single owning application, not for concurrent writers; the
// mutex makes concurrent use safe, not fast.
package trailstore

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/graphshell/trailstore/pkg/archive"
	"github.com/graphshell/trailstore/pkg/config"
	"github.com/graphshell/trailstore/pkg/display"
	"github.com/graphshell/trailstore/pkg/history"
	"github.com/graphshell/trailstore/pkg/journal"
	"github.com/graphshell/trailstore/pkg/tiering"
	"github.com/graphshell/trailstore/pkg/topology"
	"github.com/graphshell/trailstore/pkg/trail"
	"github.com/graphshell/trailstore/pkg/vault"
)

const saltFile = "vault.salt"

// RecoveryReport describes what Open had to do to rebuild state.
type RecoveryReport struct {
	SnapshotLoaded  bool
	SnapshotDropped int // snapshot edges referencing missing nodes
	EntriesReplayed int
	EntriesIgnored  int
	EntriesSkipped  int // malformed journal entries
	PairsReconciled int // archived counts rebuilt from the archive
}

// DB is one open trailstore.
type DB struct {
	mu     sync.Mutex
	closed bool

	config  *config.Config
	store   *topology.Store
	journal *journal.Journal
	archive *archive.Store
	vault   *vault.Vault
	view    *display.View
	history *history.Manager
	tiering *tiering.Checkpointer
	logger  *log.Logger

	recovery RecoveryReport

	stopLoop chan struct{}
	loopDone chan struct{}
}

// Open opens (creating if needed) the store in cfg.DataDir and recovers
// its state: snapshot first, then journal replay, then archived-count
// reconciliation against the archive.
func Open(cfg *config.Config) (*DB, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("trailstore: failed to create data dir: %w", err)
	}

	v, err := openVault(cfg)
	if err != nil {
		return nil, err
	}

	arch, err := archive.Open(archive.Options{
		Dir:   filepath.Join(cfg.DataDir, "archive"),
		Vault: v,
	})
	if err != nil {
		return nil, err
	}

	db := &DB{
		config:  cfg,
		store:   topology.New(),
		archive: arch,
		vault:   v,
		logger:  log.New(os.Stderr, "trailstore ", log.LstdFlags),
	}

	if err := db.recover(); err != nil {
		arch.Close()
		return nil, err
	}

	db.journal, err = journal.Open(cfg.DataDir, &journal.Config{SyncMode: cfg.SyncMode}, v)
	if err != nil {
		arch.Close()
		return nil, err
	}

	db.view = display.NewView(db.store, cfg.DominanceThreshold)
	db.history = history.New(db.store, db.journal, db.archive, history.CurationPolicy{
		Enabled: cfg.CurationEnabled,
		MaxAge:  cfg.CurationMaxAge,
	})
	db.tiering = tiering.New(
		tiering.Config{HotRetention: cfg.HotRetention},
		db.store, db.journal, db.archive,
		journal.SnapshotPathIn(cfg.DataDir), v,
	)

	if cfg.CheckpointInterval > 0 {
		db.stopLoop = make(chan struct{})
		db.loopDone = make(chan struct{})
		go db.checkpointLoop(cfg.CheckpointInterval)
	}

	return db, nil
}

// openVault loads (or creates) the salt and derives the sealing key.
// Returns nil when no passphrase is configured.
func openVault(cfg *config.Config) (*vault.Vault, error) {
	if cfg.Passphrase == "" {
		return nil, nil
	}
	path := filepath.Join(cfg.DataDir, saltFile)
	salt, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		salt = vault.NewSalt()
		if err := os.WriteFile(path, salt, 0o600); err != nil {
			return nil, fmt.Errorf("trailstore: failed to persist salt: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("trailstore: failed to read salt: %w", err)
	}
	return vault.New(cfg.Passphrase, salt)
}

// recover rebuilds the hot tier: snapshot, then journal entries newer than
// the snapshot, then archived counts from the archive itself.
func (db *DB) recover() error {
	snap, err := journal.LoadSnapshot(journal.SnapshotPathIn(db.config.DataDir), db.vault)
	if err != nil {
		return err
	}
	var since uint64
	if snap != nil {
		db.recovery.SnapshotLoaded = true
		db.recovery.SnapshotDropped = journal.RestoreSnapshot(db.store, snap)
		since = snap.Sequence
	}

	entries, readStats, err := journal.ReadEntries(journal.PathIn(db.config.DataDir), db.vault)
	if err != nil {
		return err
	}
	db.recovery.EntriesSkipped = readStats.Skipped

	var pending []journal.Entry
	for _, e := range entries {
		if e.Sequence > since {
			pending = append(pending, e)
		}
	}
	replayStats := journal.Replay(db.store, pending)
	db.recovery.EntriesReplayed = replayStats.Applied
	db.recovery.EntriesIgnored = replayStats.Ignored

	// The archive is the source of truth for cold evidence, so recount it
	// per surviving pair regardless of how the hot tier was rebuilt: a
	// snapshot-less replay leaves every ArchivedCount at zero, a stale
	// snapshot undercounts pairs archived after it was taken, and a crash
	// between an archive commit and the journal truncation leaves the same
	// records in both tiers. Hot records always postdate the archival
	// cutoff, so a timestamp match against a live archive row identifies a
	// duplicate; one hot record is dropped per matching row and weight is
	// conserved instead of doubled.
	var failed error
	var emptied []trail.PairKey
	db.store.Edges(func(pair trail.PairKey, payload *trail.EdgePayload) {
		if failed != nil {
			return
		}
		archived := make(map[uint64]int)
		var count uint64
		err := db.archive.ScanPair(pair, func(rec archive.Record) bool {
			if rec.Status == trail.StatusLive {
				archived[rec.Traversal.Timestamp]++
				count++
			}
			return true
		})
		if err != nil {
			failed = err
			return
		}
		dropped := 0
		if count > 0 && len(payload.Traversals) > 0 {
			deduped := payload.Traversals[:0]
			for _, t := range payload.Traversals {
				if archived[t.Timestamp] > 0 {
					archived[t.Timestamp]--
					dropped++
					continue
				}
				deduped = append(deduped, t)
			}
			payload.Traversals = deduped
		}
		if payload.ArchivedCount != count || dropped > 0 {
			payload.ArchivedCount = count
			db.recovery.PairsReconciled++
		}
		// Replayed legacy coarse entries can leave an edge with no
		// evidence at all; the existence rule says it is not an edge.
		if !payload.Exists() {
			emptied = append(emptied, pair)
		}
	})
	if failed != nil {
		return fmt.Errorf("trailstore: archive reconciliation failed: %w", failed)
	}
	for _, pair := range emptied {
		db.store.RemoveEdge(pair)
	}

	if db.recovery.EntriesSkipped > 0 {
		db.logger.Printf("recovery skipped %d malformed journal entries", db.recovery.EntriesSkipped)
	}
	return nil
}

func (db *DB) checkpointLoop(interval time.Duration) {
	defer close(db.loopDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err := db.Checkpoint(); err != nil {
				if errors.Is(err, trail.ErrClosed) {
					return
				}
				// Retryable by construction; the next tick tries again.
				db.logger.Printf("background checkpoint failed: %v", err)
			}
		case <-db.stopLoop:
			return
		}
	}
}

// Recovery returns the report from the Open-time rebuild.
func (db *DB) Recovery() RecoveryReport {
	return db.recovery
}

// AddNode registers a content node. Adding an existing ID is a no-op
// reported as false. IDs must be non-empty and NUL-free: archive keys use
// NUL as the segment separator, and this is the only door identities
// enter through.
func (db *DB) AddNode(id trail.NodeID, address string) (bool, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return false, trail.ErrClosed
	}
	if id == "" || strings.ContainsRune(string(id), 0x00) {
		return false, trail.ErrInvalidID
	}
	if db.store.HasNode(id) {
		return false, nil
	}
	if err := db.journal.Append(journal.OpAddNode, journal.AddNodeData{
		NodeID:  string(id),
		Address: address,
	}); err != nil {
		return false, err
	}
	return db.store.AddNode(id, address), nil
}

// RemoveNode dissolves every incident edge and removes the node. All
// traversal evidence survives in the archive as dissolved history.
func (db *DB) RemoveNode(id trail.NodeID) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return trail.ErrClosed
	}
	if err := db.history.DissolveNode(id); err != nil {
		return err
	}
	db.view.Invalidate()
	return nil
}

// SetAddress records an address change on a node. Past traversals keep
// the addresses they were recorded with.
func (db *DB) SetAddress(id trail.NodeID, address string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return trail.ErrClosed
	}
	if !db.store.HasNode(id) {
		return trail.ErrNotFound
	}
	if err := db.journal.Append(journal.OpSetAddress, journal.SetAddressData{
		NodeID:  string(id),
		Address: address,
	}); err != nil {
		return err
	}
	db.store.SetAddress(id, address)
	return nil
}

// RecordNavigation ingests one navigation event: the node currently
// displaying prior is about to show next.
//
// When next resolves to a different known node, the event becomes a
// traversal edge between the two and the origin keeps its address — the
// user jumped, the node did not move. When next is unknown or resolves
// back to the same node, the navigation is intra-node: the node's address
// updates and no edge is created. Self-referential edges never exist.
func (db *DB) RecordNavigation(prior, next string, trigger trail.TriggerKind) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return trail.ErrClosed
	}
	if prior == next {
		return nil
	}
	// Resolution failures are absorbed, not surfaced: an event the index
	// cannot anchor to a node is not this subsystem's error to raise.
	fromID, ok := db.store.ResolveAddress(prior)
	if !ok {
		return nil
	}
	toID, known := db.store.ResolveAddress(next)
	if !known || toID == fromID {
		if err := db.journal.Append(journal.OpSetAddress, journal.SetAddressData{
			NodeID:  string(fromID),
			Address: next,
		}); err != nil {
			return err
		}
		db.store.SetAddress(fromID, next)
		return nil
	}
	return db.recordTraversalLocked(fromID, toID, trigger)
}

// RecordTraversal ingests a navigation event between two known node
// identities directly, bypassing address resolution. Navigation within a
// single node (fromID == toID) is not a relationship and is silently
// ignored.
func (db *DB) RecordTraversal(fromID, toID trail.NodeID, trigger trail.TriggerKind) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return trail.ErrClosed
	}
	if fromID == toID {
		return nil
	}
	return db.recordTraversalLocked(fromID, toID, trigger)
}

func (db *DB) recordTraversalLocked(fromID, toID trail.NodeID, trigger trail.TriggerKind) error {
	from, ok := db.store.GetNode(fromID)
	if !ok {
		return trail.ErrNotFound
	}
	to, ok := db.store.GetNode(toID)
	if !ok {
		return trail.ErrNotFound
	}

	// Addresses are captured now, before either node navigates away.
	t := trail.Traversal{
		FromAddress: from.Address,
		ToAddress:   to.Address,
		Timestamp:   trail.NowMillis(),
		Trigger:     trigger,
	}
	if err := db.journal.Append(journal.OpAppendTraversal, journal.AppendTraversalData{
		FromID:      string(fromID),
		ToID:        string(toID),
		FromAddress: t.FromAddress,
		ToAddress:   t.ToAddress,
		Timestamp:   t.Timestamp,
		Trigger:     t.Trigger.String(),
	}); err != nil {
		return err
	}

	payload := db.ensureEdge(trail.PairKey{From: fromID, To: toID})
	payload.Append(t)
	db.view.Invalidate()
	return nil
}

// AssertEdge records an explicit user declaration of the relationship.
// Assertion is independent of traversal evidence and keeps the edge alive
// on its own.
func (db *DB) AssertEdge(fromID, toID trail.NodeID) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return trail.ErrClosed
	}
	if fromID == toID {
		return trail.ErrInvalidID
	}
	if !db.store.HasNode(fromID) || !db.store.HasNode(toID) {
		return trail.ErrNotFound
	}
	if err := db.journal.Append(journal.OpAssertEdge, journal.EdgePairData{
		FromID: string(fromID),
		ToID:   string(toID),
	}); err != nil {
		return err
	}
	payload := db.ensureEdge(trail.PairKey{From: fromID, To: toID})
	payload.UserAsserted = true
	db.view.Invalidate()
	return nil
}

// RetractEdge withdraws a user assertion. Remaining traversal or archived
// evidence keeps the edge; an evidence-free edge vanishes without writing
// any dissolved history, because there was never anything to preserve.
func (db *DB) RetractEdge(fromID, toID trail.NodeID) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return trail.ErrClosed
	}
	pair := trail.PairKey{From: fromID, To: toID}
	payload, ok := db.store.FindEdge(fromID, toID)
	if !ok {
		return trail.ErrNotFound
	}
	if err := db.journal.Append(journal.OpRetractEdge, journal.EdgePairData{
		FromID: string(fromID),
		ToID:   string(toID),
	}); err != nil {
		return err
	}
	payload.UserAsserted = false
	if !payload.Exists() {
		db.store.RemoveEdge(pair)
	}
	db.view.Invalidate()
	return nil
}

// DissolveEdge removes a directed edge entirely, preserving its evidence
// as dissolved history.
func (db *DB) DissolveEdge(fromID, toID trail.NodeID) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return trail.ErrClosed
	}
	if err := db.history.DissolveEdge(trail.PairKey{From: fromID, To: toID}, trail.ReasonUserRetracted); err != nil {
		return err
	}
	db.view.Invalidate()
	return nil
}

// Clear dissolves every edge and empties the topology. The archive keeps
// everything.
func (db *DB) Clear() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return trail.ErrClosed
	}
	if err := db.history.ClearGraph(); err != nil {
		return err
	}
	db.view.Invalidate()
	return nil
}

// RestoreEdge re-materializes a dissolved directed edge from the archive.
// Both endpoint nodes must exist.
func (db *DB) RestoreEdge(fromID, toID trail.NodeID) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return trail.ErrClosed
	}
	if err := db.history.Restore(trail.PairKey{From: fromID, To: toID}); err != nil {
		return err
	}
	db.view.Invalidate()
	return nil
}

// PermanentDelete destroys all archived records of a directed pair.
func (db *DB) PermanentDelete(fromID, toID trail.NodeID) (int, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return 0, trail.ErrClosed
	}
	n, err := db.history.PermanentDelete(trail.PairKey{From: fromID, To: toID})
	if err != nil {
		return n, err
	}
	db.view.Invalidate()
	return n, nil
}

// ensureEdge returns the live payload for the pair, creating it if
// needed. Callers hold db.mu and have verified both endpoints.
func (db *DB) ensureEdge(pair trail.PairKey) *trail.EdgePayload {
	if payload, ok := db.store.FindEdge(pair.From, pair.To); ok {
		return payload
	}
	payload := trail.NewEdgePayload()
	db.store.UpsertEdge(pair, payload)
	return payload
}

// Checkpoint runs one tier-migration pass: expired hot records move to
// the archive, then the journal is compacted behind a fresh snapshot.
func (db *DB) Checkpoint() (tiering.Result, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return tiering.Result{}, trail.ErrClosed
	}
	return db.tiering.Run(time.Now())
}

// Curate applies the configured curation policy to dissolved history.
func (db *DB) Curate() (int, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return 0, trail.ErrClosed
	}
	return db.history.Curate()
}

// Timeline queries the unified traversal history across both tiers.
func (db *DB) Timeline(filter history.Filter) ([]history.TimelineEntry, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil, trail.ErrClosed
	}
	return db.history.Timeline(filter)
}

// Export writes the filtered timeline as JSON lines.
func (db *DB) Export(w io.Writer, filter history.Filter) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return trail.ErrClosed
	}
	return db.history.Export(w, filter)
}

// DisplayEdges returns the merged presentation view. Nil after Close.
func (db *DB) DisplayEdges() []display.MergedEdge {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil
	}
	return db.view.Edges()
}

// GetNode returns a node record.
func (db *DB) GetNode(id trail.NodeID) (topology.Node, bool) {
	return db.store.GetNode(id)
}

// ResolveAddress maps a current address to a node identity.
func (db *DB) ResolveAddress(address string) (trail.NodeID, bool) {
	return db.store.ResolveAddress(address)
}

// FindEdge returns a copy of a directed edge payload.
func (db *DB) FindEdge(fromID, toID trail.NodeID) (trail.EdgePayload, bool) {
	db.mu.Lock()
	defer db.mu.Unlock()
	payload, ok := db.store.FindEdge(fromID, toID)
	if !ok {
		return trail.EdgePayload{}, false
	}
	return *payload.Clone(), true
}

// Stats summarizes the store across all tiers.
type Stats struct {
	Nodes          int
	Edges          int
	HotRecords     int
	ArchiveRecords archive.Stats
	JournalEntries int64
}

// Stats gathers current store statistics.
func (db *DB) Stats() (Stats, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return Stats{}, trail.ErrClosed
	}
	st := Stats{
		Nodes:          db.store.NodeCount(),
		Edges:          db.store.EdgeCount(),
		JournalEntries: db.journal.Stats().EntryCount,
	}
	db.store.Edges(func(_ trail.PairKey, payload *trail.EdgePayload) {
		st.HotRecords += len(payload.Traversals)
	})
	archStats, err := db.archive.Stats()
	if err != nil {
		return st, err
	}
	st.ArchiveRecords = archStats
	return st, nil
}

// Close stops the background loop and closes the journal and archive.
// Safe to call twice.
func (db *DB) Close() error {
	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return nil
	}
	db.closed = true
	db.mu.Unlock()

	if db.stopLoop != nil {
		close(db.stopLoop)
		<-db.loopDone
	}

	jErr := db.journal.Close()
	aErr := db.archive.Close()
	if jErr != nil {
		return jErr
	}
	return aErr
}
