// Package tiering moves traversal records between the hot (in-memory) and
// cold (archive) tiers.
//
// A checkpoint pass walks every edge, splits its hot records at the
// retention cutoff, archives the expired portion, then compacts the
// journal behind a fresh snapshot. The ordering is strict and is the
// crash-safety contract of the whole store:
//
//  1. Write expired records to the archive and flush it.
//  2. Commit the split in memory (bump ArchivedCount, drop expired).
//  3. Save a snapshot of the trimmed state.
//  4. Truncate the journal.
//
// A crash after (1) but before (4) can only duplicate accounting work on
// the next recovery, never lose a record: the journal still holds every
// event the snapshot does not. A crash before (1) completes leaves the hot
// tier untouched because the split is not committed until the archive
// write is durable.
package tiering

import (
	"errors"
	"fmt"
	"time"

	"github.com/graphshell/trailstore/pkg/archive"
	"github.com/graphshell/trailstore/pkg/journal"
	"github.com/graphshell/trailstore/pkg/topology"
	"github.com/graphshell/trailstore/pkg/trail"
	"github.com/graphshell/trailstore/pkg/vault"
)

// ErrArchiveUnavailable wraps archive failures during a checkpoint. The
// pass aborts with the hot tier intact; callers may retry later with no
// lost data.
var ErrArchiveUnavailable = errors.New("tiering: archive unavailable")

// DefaultHotRetention is how long traversal records stay memory-resident
// before a checkpoint relocates them.
const DefaultHotRetention = 90 * 24 * time.Hour

// Config controls checkpoint behavior.
type Config struct {
	// HotRetention is the hot-tier age bound. Records older than
	// now-HotRetention move to the archive.
	HotRetention time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{HotRetention: DefaultHotRetention}
}

// Checkpointer runs tier-migration passes over one store.
type Checkpointer struct {
	config   Config
	store    *topology.Store
	journal  *journal.Journal
	archive  *archive.Store
	snapshot string // snapshot file path
	vault    *vault.Vault
}

// New wires a Checkpointer. snapshotPath is where the post-checkpoint
// snapshot is written.
func New(cfg Config, store *topology.Store, jrnl *journal.Journal, arch *archive.Store, snapshotPath string, v *vault.Vault) *Checkpointer {
	if cfg.HotRetention <= 0 {
		cfg.HotRetention = DefaultHotRetention
	}
	return &Checkpointer{
		config:   cfg,
		store:    store,
		journal:  jrnl,
		archive:  arch,
		snapshot: snapshotPath,
		vault:    v,
	}
}

// Result summarizes one checkpoint pass.
type Result struct {
	EdgesVisited    int
	EdgesMigrated   int
	RecordsArchived int
	RecordsRetained int
}

// Run executes one checkpoint pass with the cutoff derived from now.
func (c *Checkpointer) Run(now time.Time) (Result, error) {
	return c.run(uint64(now.Add(-c.config.HotRetention).UnixMilli()))
}

// split is the planned migration for one edge, held uncommitted until the
// archive write is durable.
type split struct {
	pair     trail.PairKey
	payload  *trail.EdgePayload
	expired  []trail.Traversal
	retained []trail.Traversal
}

func (c *Checkpointer) run(cutoff uint64) (Result, error) {
	var result Result
	var splits []split

	c.store.Edges(func(pair trail.PairKey, payload *trail.EdgePayload) {
		result.EdgesVisited++
		expired, retained := payload.PartitionByAge(cutoff)
		result.RecordsRetained += len(retained)
		if len(expired) == 0 {
			return
		}
		splits = append(splits, split{pair: pair, payload: payload, expired: expired, retained: retained})
	})

	// Phase 1: make the expired records durable in the archive. Nothing in
	// memory has changed yet, so any failure here is a clean abort.
	for _, sp := range splits {
		if err := c.archive.PutBatch(sp.pair, sp.expired, trail.StatusLive, 0, 0); err != nil {
			return result, fmt.Errorf("%w: %v", ErrArchiveUnavailable, err)
		}
	}
	if len(splits) > 0 {
		if err := c.archive.Sync(); err != nil {
			return result, fmt.Errorf("%w: %v", ErrArchiveUnavailable, err)
		}
	}

	// Phase 2: commit the splits in memory.
	for _, sp := range splits {
		sp.payload.Traversals = sp.retained
		sp.payload.ArchivedCount += uint64(len(sp.expired))
		result.EdgesMigrated++
		result.RecordsArchived += len(sp.expired)
	}

	// Phase 3: snapshot the trimmed state, then drop the journal it
	// supersedes. Truncating first would open a window where neither the
	// snapshot nor the journal holds the retained records.
	if err := c.journal.Sync(); err != nil {
		return result, err
	}
	snap := journal.CaptureSnapshot(c.store, c.journal.Sequence())
	if err := journal.SaveSnapshot(c.snapshot, snap, c.vault); err != nil {
		return result, fmt.Errorf("tiering: snapshot failed: %w", err)
	}
	if err := c.journal.Truncate(); err != nil {
		return result, fmt.Errorf("tiering: journal compaction failed: %w", err)
	}
	if err := c.journal.Checkpoint(); err != nil {
		return result, err
	}

	return result, nil
}
