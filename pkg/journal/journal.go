// Package journal provides the append-only mutation log for trailstore
// durability.
//
// Every topology mutation is journaled before it is applied, so that the
// live state can always be rebuilt by replaying the log (optionally on top
// of a snapshot). Combined with the durable archive (package archive) this
// gives:
//   - Durability: no accepted navigation event is lost on crash
//   - Recovery: snapshot + replay reconstructs the hot tier
//   - Compatibility: old entry variants remain replayable indefinitely
//
// The entry set is additive-only. add_edge/remove_edge are the coarse
// legacy variants kept for stores written before traversal records
// existed; append_traversal, assert_edge and retract_edge are the
// fine-grained variants. A reader encountering an operation it does not
// recognize skips it rather than aborting — partial history beats total
// loss.
//
// Usage:
//
//	j, err := journal.Open(dir, nil, nil)
//	j.Append(journal.OpAppendTraversal, journal.AppendTraversalData{...})
//	j.Sync()
//
//	entries, stats, _ := journal.ReadEntries(journal.PathIn(dir), nil)
//	journal.Replay(store, entries)
package journal

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/graphshell/trailstore/pkg/vault"
)

// OpType identifies a journal entry variant.
type OpType string

// Journal operations. New variants must be additive; removing or renaming
// one breaks replay of previously-written stores.
const (
	OpAddNode         OpType = "add_node"
	OpRemoveNode      OpType = "remove_node"
	OpAddEdge         OpType = "add_edge"    // legacy coarse variant
	OpRemoveEdge      OpType = "remove_edge" // legacy coarse variant
	OpAppendTraversal OpType = "append_traversal"
	OpAssertEdge      OpType = "assert_edge"
	OpRetractEdge     OpType = "retract_edge"
	OpRestoreEdge     OpType = "restore_edge"
	OpSetAddress      OpType = "set_address"
	OpClearGraph      OpType = "clear_graph"
	OpCheckpoint      OpType = "checkpoint"
)

// Common journal errors.
var (
	ErrJournalClosed = errors.New("journal: closed")
)

// Entry is one journaled mutation. Data holds the operation payload,
// JSON-encoded and optionally sealed (package vault); the checksum covers
// Data exactly as written.
type Entry struct {
	Sequence  uint64    `json:"seq"`
	Timestamp time.Time `json:"ts"`
	Operation OpType    `json:"op"`
	Data      []byte    `json:"data"`
	Checksum  uint32    `json:"checksum"`
}

// AddNodeData is the payload of add_node.
type AddNodeData struct {
	NodeID  string `json:"nodeId"`
	Address string `json:"address"`
}

// NodeRefData is the payload of remove_node.
type NodeRefData struct {
	NodeID string `json:"nodeId"`
}

// EdgePairData is the payload of add_edge, remove_edge, assert_edge and
// retract_edge.
type EdgePairData struct {
	FromID string `json:"fromId"`
	ToID   string `json:"toId"`
}

// AppendTraversalData is the payload of append_traversal. Addresses are
// the point-in-time values captured at ingestion; Trigger uses the stable
// wire names from package trail.
type AppendTraversalData struct {
	FromID      string `json:"fromId"`
	ToID        string `json:"toId"`
	FromAddress string `json:"fromAddress"`
	ToAddress   string `json:"toAddress"`
	Timestamp   uint64 `json:"timestamp"`
	Trigger     string `json:"trigger"`
}

// RestoreEdgeData is the payload of restore_edge. ArchivedCount is the
// number of archive rows flipped back to live by the restore; replay
// credits it to the rebuilt edge so the count survives a crash between
// the restore and the next snapshot.
type RestoreEdgeData struct {
	FromID        string `json:"fromId"`
	ToID          string `json:"toId"`
	ArchivedCount uint64 `json:"archivedCount"`
}

// SetAddressData is the payload of set_address.
type SetAddressData struct {
	NodeID  string `json:"nodeId"`
	Address string `json:"address"`
}

// CheckpointData marks a snapshot boundary.
type CheckpointData struct {
	Sequence uint64 `json:"sequence"`
}

// Config controls journal behavior.
type Config struct {
	// SyncMode controls when writes reach disk:
	// "immediate": fsync after each append (safest, slowest)
	// "batch": fsync on a timer (default)
	// "none": rely on the OS (fastest, crash loses the tail)
	SyncMode string

	// BatchSyncInterval for "batch" mode.
	BatchSyncInterval time.Duration
}

// DefaultConfig returns the defaults used when Open receives nil.
func DefaultConfig() *Config {
	return &Config{
		SyncMode:          "batch",
		BatchSyncInterval: 100 * time.Millisecond,
	}
}

// Journal is the append-only log writer. Thread-safe.
type Journal struct {
	mu       sync.Mutex
	config   *Config
	dir      string
	file     *os.File
	writer   *bufio.Writer
	encoder  *json.Encoder
	sequence uint64
	entries  int64
	closed   bool
	vault    *vault.Vault

	syncTicker *time.Ticker
	stopSync   chan struct{}
}

// Stats provides observability into journal state.
type Stats struct {
	Sequence   uint64
	EntryCount int64
	Closed     bool
}

// PathIn returns the journal file path inside a store directory.
func PathIn(dir string) string {
	return filepath.Join(dir, "journal.log")
}

// Open creates or appends to the journal in dir. A nil cfg uses
// DefaultConfig; a nil v writes plaintext payloads.
func Open(dir string, cfg *Config, v *vault.Vault) (*Journal, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("journal: failed to create directory: %w", err)
	}

	file, err := os.OpenFile(PathIn(dir), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("journal: failed to open file: %w", err)
	}

	j := &Journal{
		config:   cfg,
		dir:      dir,
		file:     file,
		writer:   bufio.NewWriterSize(file, 64*1024),
		vault:    v,
		stopSync: make(chan struct{}),
	}
	j.encoder = json.NewEncoder(j.writer)

	// Continue the sequence from whatever is already on disk.
	if seq, ok := lastSequence(PathIn(dir)); ok {
		j.sequence = seq
	}

	if cfg.SyncMode == "batch" && cfg.BatchSyncInterval > 0 {
		j.syncTicker = time.NewTicker(cfg.BatchSyncInterval)
		go j.batchSyncLoop()
	}

	return j, nil
}

// lastSequence scans an existing journal for the highest sequence number.
// Corrupt lines are skipped rather than ending the scan: stopping early
// would restart the sequence below entries already on disk.
func lastSequence(path string) (uint64, bool) {
	file, err := os.Open(path)
	if err != nil {
		return 0, false
	}
	defer file.Close()

	var last uint64
	found := false
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEntryLine)
	for scanner.Scan() {
		var entry Entry
		if json.Unmarshal(scanner.Bytes(), &entry) != nil {
			continue
		}
		if entry.Sequence > last {
			last = entry.Sequence
			found = true
		}
	}
	return last, found
}

func (j *Journal) batchSyncLoop() {
	for {
		select {
		case <-j.syncTicker.C:
			_ = j.Sync()
		case <-j.stopSync:
			return
		}
	}
}

// Append journals one mutation. The payload is JSON-encoded, sealed if a
// vault is configured, checksummed, and written as one JSON line.
func (j *Journal) Append(op OpType, payload any) error {
	plain, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("journal: failed to marshal payload: %w", err)
	}
	data, err := j.vault.Seal(plain)
	if err != nil {
		return fmt.Errorf("journal: failed to seal payload: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return ErrJournalClosed
	}

	j.sequence++
	entry := Entry{
		Sequence:  j.sequence,
		Timestamp: time.Now(),
		Operation: op,
		Data:      data,
		Checksum:  crc32.ChecksumIEEE(data),
	}
	if err := j.encoder.Encode(&entry); err != nil {
		return fmt.Errorf("journal: failed to write entry: %w", err)
	}
	j.entries++

	if j.config.SyncMode == "immediate" {
		return j.syncLocked()
	}
	return nil
}

// Sync flushes buffered writes to disk.
func (j *Journal) Sync() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrJournalClosed
	}
	return j.syncLocked()
}

func (j *Journal) syncLocked() error {
	if err := j.writer.Flush(); err != nil {
		return fmt.Errorf("journal: flush failed: %w", err)
	}
	if j.config.SyncMode != "none" {
		if err := j.file.Sync(); err != nil {
			return fmt.Errorf("journal: sync failed: %w", err)
		}
	}
	return nil
}

// Truncate discards all journal content. Callers must have made the
// covered records durable elsewhere first — the archive-commit-before-
// truncate ordering lives in package tiering, not here.
func (j *Journal) Truncate() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return ErrJournalClosed
	}
	if err := j.writer.Flush(); err != nil {
		return fmt.Errorf("journal: flush before truncate failed: %w", err)
	}
	if err := j.file.Truncate(0); err != nil {
		return fmt.Errorf("journal: truncate failed: %w", err)
	}
	if _, err := j.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("journal: seek after truncate failed: %w", err)
	}
	j.writer.Reset(j.file)
	j.encoder = json.NewEncoder(j.writer)
	j.entries = 0
	return nil
}

// Checkpoint writes a checkpoint marker carrying the current sequence.
func (j *Journal) Checkpoint() error {
	return j.Append(OpCheckpoint, CheckpointData{Sequence: j.Sequence()})
}

// Sequence returns the last assigned sequence number.
func (j *Journal) Sequence() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.sequence
}

// Stats returns current journal statistics.
func (j *Journal) Stats() Stats {
	j.mu.Lock()
	defer j.mu.Unlock()
	return Stats{Sequence: j.sequence, EntryCount: j.entries, Closed: j.closed}
}

// Close flushes and closes the journal.
func (j *Journal) Close() error {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return nil
	}
	j.closed = true
	if j.syncTicker != nil {
		j.syncTicker.Stop()
		close(j.stopSync)
	}
	flushErr := j.writer.Flush()
	if flushErr == nil && j.config.SyncMode != "none" {
		flushErr = j.file.Sync()
	}
	closeErr := j.file.Close()
	j.mu.Unlock()

	if flushErr != nil {
		return fmt.Errorf("journal: close flush failed: %w", flushErr)
	}
	return closeErr
}

// ReadStats reports the outcome of a journal read, including entries
// skipped for operator visibility.
type ReadStats struct {
	Read    int
	Skipped int
}

// maxEntryLine bounds one journal line during reads. Entries are small;
// anything past this is corruption, not data.
const maxEntryLine = 4 * 1024 * 1024

// ReadEntries reads all entries from a journal file, verifying checksums
// and unsealing payloads. Each entry is one line, read independently, so
// a malformed line — torn write, checksum mismatch, unopenable payload —
// loses only itself; the lines after it are still recovered.
func ReadEntries(path string, v *vault.Vault) ([]Entry, ReadStats, error) {
	var stats ReadStats

	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, stats, nil
		}
		return nil, stats, fmt.Errorf("journal: failed to open: %w", err)
	}
	defer file.Close()

	var entries []Entry
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEntryLine)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var entry Entry
		if err := json.Unmarshal(line, &entry); err != nil {
			stats.Skipped++
			continue
		}
		if crc32.ChecksumIEEE(entry.Data) != entry.Checksum {
			stats.Skipped++
			continue
		}
		plain, err := v.Open(entry.Data)
		if err != nil {
			stats.Skipped++
			continue
		}
		entry.Data = plain
		entries = append(entries, entry)
		stats.Read++
	}
	if err := scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			// An absurdly long line cannot be resynchronized; everything
			// up to it was already recovered.
			stats.Skipped++
			return entries, stats, nil
		}
		return entries, stats, fmt.Errorf("journal: read failed: %w", err)
	}

	return entries, stats, nil
}
