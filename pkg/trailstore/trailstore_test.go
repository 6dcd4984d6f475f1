package trailstore

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/graphshell/trailstore/pkg/archive"
	"github.com/graphshell/trailstore/pkg/config"
	"github.com/graphshell/trailstore/pkg/display"
	"github.com/graphshell/trailstore/pkg/history"
	"github.com/graphshell/trailstore/pkg/journal"
	"github.com/graphshell/trailstore/pkg/trail"
)

// Fixed IDs with a..b ordering so canonical display pairs are predictable.
const (
	nodeA = trail.NodeID("aaaaaaaa-0000-0000-0000-000000000001")
	nodeB = trail.NodeID("bbbbbbbb-0000-0000-0000-000000000002")
	nodeC = trail.NodeID("cccccccc-0000-0000-0000-000000000003")
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.SyncMode = "immediate"
	cfg.CheckpointInterval = 0 // no background loop in tests
	return cfg
}

func openTest(t *testing.T, cfg *config.Config) *DB {
	t.Helper()
	db, err := Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func addPair(t *testing.T, db *DB) {
	t.Helper()
	ok, err := db.AddNode(nodeA, "https://a.example")
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = db.AddNode(nodeB, "https://b.example")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestDB_RecordNavigation(t *testing.T) {
	db := openTest(t, testConfig(t))
	addPair(t, db)

	for i := 0; i < 3; i++ {
		require.NoError(t, db.RecordTraversal(nodeA, nodeB, trail.TriggerFollowedLink))
	}
	require.NoError(t, db.RecordTraversal(nodeB, nodeA, trail.TriggerHistoryBack))

	t.Run("directed_weights_are_independent", func(t *testing.T) {
		ab, ok := db.FindEdge(nodeA, nodeB)
		require.True(t, ok)
		assert.Equal(t, uint64(3), ab.Weight())

		ba, ok := db.FindEdge(nodeB, nodeA)
		require.True(t, ok)
		assert.Equal(t, uint64(1), ba.Weight())
	})

	t.Run("display_merges_with_dominant_direction", func(t *testing.T) {
		edges := db.DisplayEdges()
		require.Len(t, edges, 1)
		assert.Equal(t, uint64(4), edges[0].CombinedWeight)
		// 3/4 = 0.75 > 0.6
		assert.Equal(t, display.DirectionForward, edges[0].Direction)
	})

	t.Run("addresses_are_captured_at_event_time", func(t *testing.T) {
		require.NoError(t, db.SetAddress(nodeB, "https://b.example/moved"))
		ab, _ := db.FindEdge(nodeA, nodeB)
		assert.Equal(t, "https://b.example", ab.Traversals[0].ToAddress)

		require.NoError(t, db.RecordTraversal(nodeA, nodeB, trail.TriggerTypedAddress))
		ab, _ = db.FindEdge(nodeA, nodeB)
		assert.Equal(t, "https://b.example/moved", ab.Traversals[3].ToAddress)
	})

	t.Run("self_navigation_is_ignored", func(t *testing.T) {
		require.NoError(t, db.RecordTraversal(nodeA, nodeA, trail.TriggerFollowedLink))
		_, ok := db.FindEdge(nodeA, nodeA)
		assert.False(t, ok)
	})

	t.Run("unknown_endpoint_is_an_error", func(t *testing.T) {
		err := db.RecordTraversal(nodeA, nodeC, trail.TriggerFollowedLink)
		assert.ErrorIs(t, err, trail.ErrNotFound)
	})
}

func TestDB_RecordNavigationByAddress(t *testing.T) {
	db := openTest(t, testConfig(t))
	addPair(t, db)

	t.Run("identical_addresses_are_a_no_op", func(t *testing.T) {
		require.NoError(t, db.RecordNavigation("https://a.example", "https://a.example", trail.TriggerFollowedLink))
		stats, err := db.Stats()
		require.NoError(t, err)
		assert.Zero(t, stats.Edges)
	})

	t.Run("unknown_origin_is_absorbed", func(t *testing.T) {
		require.NoError(t, db.RecordNavigation("https://nowhere.example", "https://a.example", trail.TriggerFollowedLink))
		stats, err := db.Stats()
		require.NoError(t, err)
		assert.Zero(t, stats.Edges)
	})

	t.Run("unknown_destination_moves_the_node", func(t *testing.T) {
		require.NoError(t, db.RecordNavigation("https://a.example", "https://a.example/page2", trail.TriggerFollowedLink))

		n, ok := db.GetNode(nodeA)
		require.True(t, ok)
		assert.Equal(t, "https://a.example/page2", n.Address)

		stats, err := db.Stats()
		require.NoError(t, err)
		assert.Zero(t, stats.Edges, "intra-node navigation creates no edge")
	})

	t.Run("known_destination_becomes_a_traversal", func(t *testing.T) {
		require.NoError(t, db.RecordNavigation("https://a.example/page2", "https://b.example", trail.TriggerFollowedLink))

		payload, ok := db.FindEdge(nodeA, nodeB)
		require.True(t, ok)
		require.Len(t, payload.Traversals, 1)
		assert.Equal(t, "https://a.example/page2", payload.Traversals[0].FromAddress)
		assert.Equal(t, "https://b.example", payload.Traversals[0].ToAddress)

		n, _ := db.GetNode(nodeA)
		assert.Equal(t, "https://a.example/page2", n.Address, "the origin does not move on a traversal")
	})

	t.Run("address_moves_survive_replay", func(t *testing.T) {
		require.NoError(t, db.Close())
		db2 := openTest(t, db.config)
		n, ok := db2.GetNode(nodeA)
		require.True(t, ok)
		assert.Equal(t, "https://a.example/page2", n.Address)
	})
}

func TestDB_AssertAndRetract(t *testing.T) {
	db := openTest(t, testConfig(t))
	addPair(t, db)

	require.NoError(t, db.AssertEdge(nodeA, nodeB))
	payload, ok := db.FindEdge(nodeA, nodeB)
	require.True(t, ok)
	assert.True(t, payload.UserAsserted)
	assert.True(t, payload.Exists())

	t.Run("retracting_an_evidence_free_edge_removes_it_without_history", func(t *testing.T) {
		require.NoError(t, db.RetractEdge(nodeA, nodeB))
		_, ok := db.FindEdge(nodeA, nodeB)
		assert.False(t, ok)

		entries, err := db.Timeline(history.Filter{})
		require.NoError(t, err)
		assert.Empty(t, entries, "no traversal ever happened, so nothing to preserve")
	})

	t.Run("retracting_with_traversal_evidence_keeps_the_edge", func(t *testing.T) {
		require.NoError(t, db.AssertEdge(nodeA, nodeB))
		require.NoError(t, db.RecordTraversal(nodeA, nodeB, trail.TriggerFollowedLink))
		require.NoError(t, db.RetractEdge(nodeA, nodeB))

		payload, ok := db.FindEdge(nodeA, nodeB)
		require.True(t, ok)
		assert.False(t, payload.UserAsserted)
		assert.Equal(t, uint64(1), payload.Weight())
	})

	t.Run("self_assertion_is_rejected", func(t *testing.T) {
		assert.ErrorIs(t, db.AssertEdge(nodeA, nodeA), trail.ErrInvalidID)
	})
}

func TestDB_ReplayRecovery(t *testing.T) {
	cfg := testConfig(t)

	db := openTest(t, cfg)
	addPair(t, db)
	require.NoError(t, db.RecordTraversal(nodeA, nodeB, trail.TriggerFollowedLink))
	require.NoError(t, db.RecordTraversal(nodeA, nodeB, trail.TriggerOpenedFromGraph))
	require.NoError(t, db.AssertEdge(nodeB, nodeA))
	require.NoError(t, db.Close())

	// No checkpoint ever ran: recovery is a pure journal replay.
	db2 := openTest(t, cfg)
	report := db2.Recovery()
	assert.False(t, report.SnapshotLoaded)
	assert.Equal(t, 5, report.EntriesReplayed)
	assert.Zero(t, report.EntriesSkipped)

	ab, ok := db2.FindEdge(nodeA, nodeB)
	require.True(t, ok)
	assert.Equal(t, uint64(2), ab.Weight())
	assert.Equal(t, trail.TriggerOpenedFromGraph, ab.Traversals[1].Trigger)

	ba, ok := db2.FindEdge(nodeB, nodeA)
	require.True(t, ok)
	assert.True(t, ba.UserAsserted)
}

func TestDB_CheckpointAndSnapshotRecovery(t *testing.T) {
	cfg := testConfig(t)
	cfg.HotRetention = time.Millisecond

	db := openTest(t, cfg)
	addPair(t, db)
	require.NoError(t, db.RecordTraversal(nodeA, nodeB, trail.TriggerFollowedLink))
	require.NoError(t, db.RecordTraversal(nodeA, nodeB, trail.TriggerFollowedLink))
	time.Sleep(5 * time.Millisecond)

	result, err := db.Checkpoint()
	require.NoError(t, err)
	assert.Equal(t, 2, result.RecordsArchived)

	payload, _ := db.FindEdge(nodeA, nodeB)
	assert.Empty(t, payload.Traversals)
	assert.Equal(t, uint64(2), payload.ArchivedCount)
	assert.True(t, payload.Exists())
	require.NoError(t, db.Close())

	db2 := openTest(t, cfg)
	report := db2.Recovery()
	assert.True(t, report.SnapshotLoaded)

	restored, ok := db2.FindEdge(nodeA, nodeB)
	require.True(t, ok)
	assert.Equal(t, uint64(2), restored.ArchivedCount)
	assert.Equal(t, uint64(2), restored.Weight())

	t.Run("archived_evidence_shows_in_the_timeline", func(t *testing.T) {
		entries, err := db2.Timeline(history.Filter{})
		require.NoError(t, err)
		assert.Len(t, entries, 2)
		assert.Equal(t, history.TierArchived, entries[0].Tier)
	})
}

func TestDB_CrashMidCheckpointDoesNotDoubleCount(t *testing.T) {
	cfg := testConfig(t)

	db := openTest(t, cfg)
	addPair(t, db)
	for i := 0; i < 3; i++ {
		require.NoError(t, db.RecordTraversal(nodeA, nodeB, trail.TriggerFollowedLink))
	}
	payload, _ := db.FindEdge(nodeA, nodeB)
	firstTS := payload.Traversals[0].Timestamp
	require.NoError(t, db.Close())

	// Simulate a crash after the archive commit but before the journal was
	// truncated: the oldest record is now in both the journal and the
	// archive.
	arch, err := archive.Open(archive.Options{Dir: filepath.Join(cfg.DataDir, "archive")})
	require.NoError(t, err)
	pair := trail.PairKey{From: nodeA, To: nodeB}
	require.NoError(t, arch.PutBatch(pair, []trail.Traversal{{
		FromAddress: "https://a.example",
		ToAddress:   "https://b.example",
		Timestamp:   firstTS,
		Trigger:     trail.TriggerFollowedLink,
	}}, trail.StatusLive, 0, 0))
	require.NoError(t, arch.Close())

	db2 := openTest(t, cfg)
	report := db2.Recovery()
	assert.Equal(t, 1, report.PairsReconciled)

	recovered, ok := db2.FindEdge(nodeA, nodeB)
	require.True(t, ok)
	assert.Equal(t, uint64(3), recovered.Weight(), "weight must be conserved, not doubled")
	assert.Len(t, recovered.Traversals, 2)
	assert.Equal(t, uint64(1), recovered.ArchivedCount)
}

func TestDB_StaleSnapshotReconcilesAgainstArchive(t *testing.T) {
	cfg := testConfig(t)
	cfg.HotRetention = time.Millisecond

	db := openTest(t, cfg)
	addPair(t, db)
	require.NoError(t, db.RecordTraversal(nodeA, nodeB, trail.TriggerFollowedLink))
	time.Sleep(5 * time.Millisecond)
	_, err := db.Checkpoint()
	require.NoError(t, err)

	require.NoError(t, db.RecordTraversal(nodeA, nodeB, trail.TriggerTypedAddress))
	payload, ok := db.FindEdge(nodeA, nodeB)
	require.True(t, ok)
	require.Len(t, payload.Traversals, 1)
	secondTS := payload.Traversals[0].Timestamp
	require.NoError(t, db.Close())

	// Simulate a crash after the next checkpoint's archive commit but
	// before its snapshot: the second record is durable in the archive
	// while the snapshot and journal still describe it as hot.
	arch, err := archive.Open(archive.Options{Dir: filepath.Join(cfg.DataDir, "archive")})
	require.NoError(t, err)
	pair := trail.PairKey{From: nodeA, To: nodeB}
	require.NoError(t, arch.PutBatch(pair, []trail.Traversal{{
		FromAddress: "https://a.example",
		ToAddress:   "https://b.example",
		Timestamp:   secondTS,
		Trigger:     trail.TriggerTypedAddress,
	}}, trail.StatusLive, 0, 0))
	require.NoError(t, arch.Close())

	db2 := openTest(t, cfg)
	report := db2.Recovery()
	assert.True(t, report.SnapshotLoaded)
	assert.Equal(t, 1, report.PairsReconciled)

	recovered, ok := db2.FindEdge(nodeA, nodeB)
	require.True(t, ok)
	assert.Equal(t, uint64(2), recovered.Weight(), "weight must be conserved, not doubled")
	assert.Empty(t, recovered.Traversals)
	assert.Equal(t, uint64(2), recovered.ArchivedCount)
}

func TestDB_DissolutionSurvivesRestart(t *testing.T) {
	cfg := testConfig(t)

	db := openTest(t, cfg)
	addPair(t, db)
	require.NoError(t, db.RecordTraversal(nodeA, nodeB, trail.TriggerFollowedLink))
	require.NoError(t, db.RemoveNode(nodeB))
	require.NoError(t, db.Close())

	db2 := openTest(t, cfg)
	assert.False(t, db2.store.HasNode(nodeB))

	entries, err := db2.Timeline(history.Filter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "dissolved", entries[0].StatusName)
	assert.Equal(t, "node_removed", entries[0].ReasonName)
}

func TestDB_RestoreEdge(t *testing.T) {
	db := openTest(t, testConfig(t))
	addPair(t, db)
	require.NoError(t, db.RecordTraversal(nodeA, nodeB, trail.TriggerFollowedLink))
	require.NoError(t, db.DissolveEdge(nodeA, nodeB))

	_, ok := db.FindEdge(nodeA, nodeB)
	require.False(t, ok)

	require.NoError(t, db.RestoreEdge(nodeA, nodeB))
	payload, ok := db.FindEdge(nodeA, nodeB)
	require.True(t, ok)
	assert.Equal(t, uint64(1), payload.ArchivedCount)
	assert.True(t, payload.Exists())
}

func TestDB_RestoredCountsSurviveRestart(t *testing.T) {
	cfg := testConfig(t)
	cfg.HotRetention = time.Millisecond

	db := openTest(t, cfg)
	addPair(t, db)
	require.NoError(t, db.RecordTraversal(nodeA, nodeB, trail.TriggerFollowedLink))
	time.Sleep(5 * time.Millisecond)
	_, err := db.Checkpoint()
	require.NoError(t, err)

	// The snapshot predates the dissolve and the restore; both live only
	// in the journal tail.
	require.NoError(t, db.DissolveEdge(nodeA, nodeB))
	require.NoError(t, db.RestoreEdge(nodeA, nodeB))
	payload, ok := db.FindEdge(nodeA, nodeB)
	require.True(t, ok)
	require.Equal(t, uint64(1), payload.ArchivedCount)
	require.NoError(t, db.Close())

	db2 := openTest(t, cfg)
	assert.True(t, db2.Recovery().SnapshotLoaded)

	restored, ok := db2.FindEdge(nodeA, nodeB)
	require.True(t, ok, "the restored edge must come back, not vanish")
	assert.Equal(t, uint64(1), restored.ArchivedCount, "archived count must survive restart")
	assert.True(t, restored.Exists())
}

func TestDB_ClearPreservesHistory(t *testing.T) {
	db := openTest(t, testConfig(t))
	addPair(t, db)
	require.NoError(t, db.RecordTraversal(nodeA, nodeB, trail.TriggerFollowedLink))
	require.NoError(t, db.Clear())

	stats, err := db.Stats()
	require.NoError(t, err)
	assert.Zero(t, stats.Nodes)
	assert.Zero(t, stats.Edges)
	assert.Equal(t, 1, stats.ArchiveRecords.DissolvedRecords)

	var buf bytes.Buffer
	require.NoError(t, db.Export(&buf, history.Filter{}))
	assert.Contains(t, buf.String(), "graph_cleared")
}

func TestDB_SealedStoreRoundtrip(t *testing.T) {
	cfg := testConfig(t)
	cfg.Passphrase = "correct horse battery staple"

	db := openTest(t, cfg)
	addPair(t, db)
	require.NoError(t, db.RecordTraversal(nodeA, nodeB, trail.TriggerFollowedLink))
	require.NoError(t, db.Close())

	t.Run("same_passphrase_recovers_everything", func(t *testing.T) {
		db2 := openTest(t, cfg)
		payload, ok := db2.FindEdge(nodeA, nodeB)
		require.True(t, ok)
		assert.Equal(t, uint64(1), payload.Weight())
		require.NoError(t, db2.Close())
	})

	t.Run("wrong_passphrase_cannot_read_the_journal", func(t *testing.T) {
		bad := *cfg
		bad.Passphrase = "wrong"
		db3, err := Open(&bad)
		require.NoError(t, err)
		defer db3.Close()
		assert.Zero(t, db3.Recovery().EntriesReplayed)
		assert.NotZero(t, db3.Recovery().EntriesSkipped)
	})
}

func TestDB_OperationsAfterClose(t *testing.T) {
	db := openTest(t, testConfig(t))
	require.NoError(t, db.Close())
	require.NoError(t, db.Close(), "double close is safe")

	_, err := db.AddNode(nodeA, "https://a.example")
	assert.ErrorIs(t, err, trail.ErrClosed)
	assert.ErrorIs(t, db.RecordTraversal(nodeA, nodeB, trail.TriggerUnknown), trail.ErrClosed)
	_, err = db.Stats()
	assert.ErrorIs(t, err, trail.ErrClosed)
	assert.Nil(t, db.DisplayEdges())
}

func TestDB_AddNodeRejectsMalformedIDs(t *testing.T) {
	db := openTest(t, testConfig(t))

	_, err := db.AddNode("", "https://a.example")
	assert.ErrorIs(t, err, trail.ErrInvalidID)

	// NUL is the archive key separator; an ID carrying it would corrupt
	// pair recovery on scan.
	_, err = db.AddNode("bad\x00id", "https://a.example")
	assert.ErrorIs(t, err, trail.ErrInvalidID)
}

func TestDB_DisplayEdgesDuringConcurrentWrites(t *testing.T) {
	db := openTest(t, testConfig(t))
	addPair(t, db)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			db.DisplayEdges()
		}
	}()
	for i := 0; i < 200; i++ {
		require.NoError(t, db.RecordTraversal(nodeA, nodeB, trail.TriggerFollowedLink))
	}
	<-done

	edges := db.DisplayEdges()
	require.Len(t, edges, 1)
	assert.Equal(t, uint64(200), edges[0].CombinedWeight)
}

func TestDB_JournalIsCompactedByCheckpoint(t *testing.T) {
	cfg := testConfig(t)
	db := openTest(t, cfg)
	addPair(t, db)
	require.NoError(t, db.RecordTraversal(nodeA, nodeB, trail.TriggerFollowedLink))

	before, err := db.Stats()
	require.NoError(t, err)
	assert.Equal(t, int64(3), before.JournalEntries)

	_, err = db.Checkpoint()
	require.NoError(t, err)

	after, err := db.Stats()
	require.NoError(t, err)
	assert.Equal(t, int64(1), after.JournalEntries, "only the checkpoint marker remains")

	t.Run("snapshot_now_carries_the_state", func(t *testing.T) {
		snap, err := journal.LoadSnapshot(journal.SnapshotPathIn(cfg.DataDir), nil)
		require.NoError(t, err)
		require.NotNil(t, snap)
		assert.Len(t, snap.Nodes, 2)
		assert.Len(t, snap.Edges, 1)
	})
}
