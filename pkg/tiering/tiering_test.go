package tiering

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/graphshell/trailstore/pkg/archive"
	"github.com/graphshell/trailstore/pkg/journal"
	"github.com/graphshell/trailstore/pkg/topology"
	"github.com/graphshell/trailstore/pkg/trail"
)

type fixture struct {
	store   *topology.Store
	journal *journal.Journal
	archive *archive.Store
	cp      *Checkpointer
	dir     string
}

func newFixture(t *testing.T, retention time.Duration) *fixture {
	t.Helper()
	dir := t.TempDir()

	j, err := journal.Open(dir, &journal.Config{SyncMode: "immediate"}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })

	a, err := archive.Open(archive.Options{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })

	store := topology.New()
	cp := New(Config{HotRetention: retention}, store, j, a, journal.SnapshotPathIn(dir), nil)
	return &fixture{store: store, journal: j, archive: a, cp: cp, dir: dir}
}

func (f *fixture) addEdge(t *testing.T, timestamps ...uint64) trail.PairKey {
	t.Helper()
	pair := trail.PairKey{
		From: trail.NodeID(uuid.NewString()),
		To:   trail.NodeID(uuid.NewString()),
	}
	f.store.AddNode(pair.From, "https://"+uuid.NewString()+".example")
	f.store.AddNode(pair.To, "https://"+uuid.NewString()+".example")

	payload := trail.NewEdgePayload()
	for _, ts := range timestamps {
		payload.Append(trail.Traversal{Timestamp: ts})
	}
	require.True(t, f.store.UpsertEdge(pair, payload))
	return pair
}

func TestCheckpointer_MigratesExpiredRecords(t *testing.T) {
	f := newFixture(t, time.Hour)
	now := time.Now()
	old := uint64(now.Add(-2 * time.Hour).UnixMilli())
	young := uint64(now.Add(-time.Minute).UnixMilli())

	pair := f.addEdge(t, old, old+1, young)

	result, err := f.cp.Run(now)
	require.NoError(t, err)

	assert.Equal(t, 1, result.EdgesVisited)
	assert.Equal(t, 1, result.EdgesMigrated)
	assert.Equal(t, 2, result.RecordsArchived)
	assert.Equal(t, 1, result.RecordsRetained)

	t.Run("payload_reflects_the_split", func(t *testing.T) {
		payload, ok := f.store.FindEdge(pair.From, pair.To)
		require.True(t, ok)
		require.Len(t, payload.Traversals, 1)
		assert.Equal(t, young, payload.Traversals[0].Timestamp)
		assert.Equal(t, uint64(2), payload.ArchivedCount)
	})

	t.Run("weight_is_conserved_across_the_migration", func(t *testing.T) {
		payload, _ := f.store.FindEdge(pair.From, pair.To)
		assert.Equal(t, uint64(3), payload.Weight())
	})

	t.Run("archive_holds_the_expired_records_live", func(t *testing.T) {
		count, err := f.archive.CountLive(pair)
		require.NoError(t, err)
		assert.Equal(t, uint64(2), count)
	})

	t.Run("journal_is_compacted", func(t *testing.T) {
		stats := f.journal.Stats()
		// One checkpoint marker remains.
		assert.Equal(t, int64(1), stats.EntryCount)
	})

	t.Run("snapshot_covers_the_trimmed_state", func(t *testing.T) {
		snap, err := journal.LoadSnapshot(journal.SnapshotPathIn(f.dir), nil)
		require.NoError(t, err)
		require.NotNil(t, snap)
		require.Len(t, snap.Edges, 1)
		assert.Len(t, snap.Edges[0].Traversals, 1)
		assert.Equal(t, uint64(2), snap.Edges[0].ArchivedCount)
	})
}

func TestCheckpointer_NothingExpiredStillCompacts(t *testing.T) {
	f := newFixture(t, 24*time.Hour)
	now := time.Now()
	pair := f.addEdge(t, uint64(now.Add(-time.Minute).UnixMilli()))

	result, err := f.cp.Run(now)
	require.NoError(t, err)
	assert.Zero(t, result.RecordsArchived)
	assert.Equal(t, 1, result.RecordsRetained)

	payload, ok := f.store.FindEdge(pair.From, pair.To)
	require.True(t, ok)
	assert.Len(t, payload.Traversals, 1)
	assert.Zero(t, payload.ArchivedCount)
}

func TestCheckpointer_EdgeFullyArchivedStillExists(t *testing.T) {
	f := newFixture(t, time.Hour)
	now := time.Now()
	old := uint64(now.Add(-3 * time.Hour).UnixMilli())
	pair := f.addEdge(t, old)

	_, err := f.cp.Run(now)
	require.NoError(t, err)

	payload, ok := f.store.FindEdge(pair.From, pair.To)
	require.True(t, ok)
	assert.Empty(t, payload.Traversals)
	assert.Equal(t, uint64(1), payload.ArchivedCount)
	assert.True(t, payload.Exists(), "archived evidence alone must keep the edge alive")
}

func TestCheckpointer_ArchiveFailureAbortsCleanly(t *testing.T) {
	f := newFixture(t, time.Hour)
	now := time.Now()
	old := uint64(now.Add(-2 * time.Hour).UnixMilli())
	pair := f.addEdge(t, old, old+1)

	// Force archive writes to fail.
	require.NoError(t, f.archive.Close())

	_, err := f.cp.Run(now)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrArchiveUnavailable)

	t.Run("hot_tier_is_untouched", func(t *testing.T) {
		payload, ok := f.store.FindEdge(pair.From, pair.To)
		require.True(t, ok)
		assert.Len(t, payload.Traversals, 2)
		assert.Zero(t, payload.ArchivedCount)
	})

	t.Run("journal_is_not_truncated", func(t *testing.T) {
		snap, err := journal.LoadSnapshot(journal.SnapshotPathIn(f.dir), nil)
		require.NoError(t, err)
		assert.Nil(t, snap)
	})
}

func TestCheckpointer_RepeatedRunsAccumulate(t *testing.T) {
	f := newFixture(t, time.Hour)
	now := time.Now()
	old := uint64(now.Add(-2 * time.Hour).UnixMilli())
	pair := f.addEdge(t, old)

	_, err := f.cp.Run(now)
	require.NoError(t, err)

	payload, _ := f.store.FindEdge(pair.From, pair.To)
	payload.Append(trail.Traversal{Timestamp: old + 5})

	_, err = f.cp.Run(now)
	require.NoError(t, err)

	assert.Equal(t, uint64(2), payload.ArchivedCount)
	count, err := f.archive.CountLive(pair)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), count)
}
