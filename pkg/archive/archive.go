// Package archive implements the durable cold tier on BadgerDB.
//
// Traversal records age out of the in-memory hot tier during checkpoints
// and land here, keyed so that a single prefix scan yields one directed
// pair's records in temporal order. The archive also holds the permanent
// historical record: when an edge dissolves, its rows are flipped to
// dissolved status instead of being deleted, so "where have I been" keeps
// an answer after the topology forgets.
//
// Key layout (big-endian where it matters for ordering):
//
//	0x01 | fromID | 0x00 | toID | 0x00 | timestamp (8 bytes) | disambiguator (2 bytes)
//
// Node identities never contain 0x00 (they are UUID strings), so the
// separators are unambiguous. The timestamp bytes make lexicographic order
// equal temporal order within a pair; the disambiguator distinguishes
// records that share a millisecond.
//
// Record values are JSON, optionally sealed (package vault). Keys stay
// plaintext: they carry opaque identities, not addresses.
package archive

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/graphshell/trailstore/pkg/trail"
	"github.com/graphshell/trailstore/pkg/vault"
)

const (
	prefixRecord byte = 0x01

	keySeparator byte = 0x00
)

// Common archive errors.
var (
	ErrClosed            = errors.New("archive: closed")
	ErrDisambiguatorFull = errors.New("archive: too many records in one millisecond for one pair")
)

// Record is one archived traversal with its tier bookkeeping.
type Record struct {
	Pair        trail.PairKey
	Traversal   trail.Traversal
	Status      trail.RecordStatus
	Reason      trail.DissolveReason // set when Status is dissolved
	DissolvedAt uint64               // Unix milliseconds, set when Status is dissolved
}

// recordValue is the serialization mirror of a Record's value bytes. Key
// fields (pair, timestamp) are not duplicated into the value.
type recordValue struct {
	FromAddress string `json:"fromAddress"`
	ToAddress   string `json:"toAddress"`
	Trigger     string `json:"trigger"`
	Status      string `json:"status"`
	Reason      string `json:"reason,omitempty"`
	DissolvedAt uint64 `json:"dissolvedAt,omitempty"`
}

// Options configures the archive.
type Options struct {
	// Dir is the Badger directory. Ignored when InMemory is set.
	Dir string

	// InMemory runs the archive without touching disk. Test use only.
	InMemory bool

	// Vault seals record values at rest. Nil writes plaintext.
	Vault *vault.Vault
}

// Store is the cold-tier archive. Thread-safe; Badger provides the
// transaction isolation.
type Store struct {
	db    *badger.DB
	vault *vault.Vault
}

// Open opens (creating if needed) the archive.
func Open(opts Options) (*Store, error) {
	var bopts badger.Options
	if opts.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		bopts = badger.DefaultOptions(opts.Dir)
	}
	bopts = bopts.WithLogger(nil)

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("archive: failed to open: %w", err)
	}
	return &Store{db: db, vault: opts.Vault}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Sync forces all pending writes to durable storage. The tiering layer
// calls this before it allows the journal to be truncated.
func (s *Store) Sync() error {
	if err := s.db.Sync(); err != nil {
		return fmt.Errorf("archive: sync failed: %w", err)
	}
	return nil
}

// pairPrefix returns the key prefix covering every record of one directed
// pair.
func pairPrefix(pair trail.PairKey) []byte {
	key := make([]byte, 0, 1+len(pair.From)+1+len(pair.To)+1)
	key = append(key, prefixRecord)
	key = append(key, pair.From...)
	key = append(key, keySeparator)
	key = append(key, pair.To...)
	key = append(key, keySeparator)
	return key
}

// recordKey builds the full key for one record slot.
func recordKey(pair trail.PairKey, timestamp uint64, disambiguator uint16) []byte {
	prefix := pairPrefix(pair)
	key := make([]byte, len(prefix)+10)
	copy(key, prefix)
	binary.BigEndian.PutUint64(key[len(prefix):], timestamp)
	binary.BigEndian.PutUint16(key[len(prefix)+8:], disambiguator)
	return key
}

// splitKey recovers the pair and timestamp from a record key. Node IDs
// are validated NUL-free at ingestion (package trailstore), so the
// separators are unambiguous.
func splitKey(key []byte) (trail.PairKey, uint64, bool) {
	if len(key) < 1+1+1+10 || key[0] != prefixRecord {
		return trail.PairKey{}, 0, false
	}
	body := key[1 : len(key)-10]
	sep1 := -1
	for i, b := range body {
		if b == keySeparator {
			sep1 = i
			break
		}
	}
	if sep1 < 0 || len(body) == 0 || body[len(body)-1] != keySeparator {
		return trail.PairKey{}, 0, false
	}
	pair := trail.PairKey{
		From: trail.NodeID(body[:sep1]),
		To:   trail.NodeID(body[sep1+1 : len(body)-1]),
	}
	ts := binary.BigEndian.Uint64(key[len(key)-10:])
	return pair, ts, true
}

func (s *Store) encodeValue(rec Record) ([]byte, error) {
	plain, err := json.Marshal(recordValue{
		FromAddress: rec.Traversal.FromAddress,
		ToAddress:   rec.Traversal.ToAddress,
		Trigger:     rec.Traversal.Trigger.String(),
		Status:      rec.Status.String(),
		Reason:      reasonWire(rec.Reason),
		DissolvedAt: rec.DissolvedAt,
	})
	if err != nil {
		return nil, fmt.Errorf("archive: failed to marshal record: %w", err)
	}
	return s.vault.Seal(plain)
}

func (s *Store) decodeValue(key, value []byte) (Record, error) {
	pair, ts, ok := splitKey(key)
	if !ok {
		return Record{}, fmt.Errorf("archive: malformed key %x", key)
	}
	plain, err := s.vault.Open(value)
	if err != nil {
		return Record{}, fmt.Errorf("archive: failed to open record value: %w", err)
	}
	var rv recordValue
	if err := json.Unmarshal(plain, &rv); err != nil {
		return Record{}, fmt.Errorf("archive: failed to decode record value: %w", err)
	}
	rec := Record{
		Pair: pair,
		Traversal: trail.Traversal{
			FromAddress: rv.FromAddress,
			ToAddress:   rv.ToAddress,
			Timestamp:   ts,
			Trigger:     trail.ParseTrigger(rv.Trigger),
		},
		Status:      trail.StatusLive,
		Reason:      trail.ParseDissolveReason(rv.Reason),
		DissolvedAt: rv.DissolvedAt,
	}
	if rv.Status == trail.StatusDissolved.String() {
		rec.Status = trail.StatusDissolved
	}
	return rec, nil
}

func reasonWire(r trail.DissolveReason) string {
	if r == 0 {
		return ""
	}
	return r.String()
}

// PutBatch archives a set of traversals for one directed pair with the
// given status. Records sharing a millisecond get increasing
// disambiguators, continuing past any slots already taken by earlier
// checkpoints. The write is transactional: all records land or none do.
func (s *Store) PutBatch(pair trail.PairKey, traversals []trail.Traversal, status trail.RecordStatus, reason trail.DissolveReason, dissolvedAt uint64) error {
	if len(traversals) == 0 {
		return nil
	}
	return s.db.Update(func(txn *badger.Txn) error {
		for _, t := range traversals {
			value, err := s.encodeValue(Record{
				Pair:        pair,
				Traversal:   t,
				Status:      status,
				Reason:      reason,
				DissolvedAt: dissolvedAt,
			})
			if err != nil {
				return err
			}
			key, err := freeSlot(txn, pair, t.Timestamp)
			if err != nil {
				return err
			}
			if err := txn.Set(key, value); err != nil {
				return fmt.Errorf("archive: set failed: %w", err)
			}
		}
		return nil
	})
}

// freeSlot finds the first unused disambiguator for a pair+timestamp.
// Reads inside the transaction see its own pending writes, so records
// batched together do not collide either.
func freeSlot(txn *badger.Txn, pair trail.PairKey, timestamp uint64) ([]byte, error) {
	for d := 0; d <= math.MaxUint16; d++ {
		key := recordKey(pair, timestamp, uint16(d))
		_, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return key, nil
		}
		if err != nil {
			return nil, fmt.Errorf("archive: slot probe failed: %w", err)
		}
	}
	return nil, ErrDisambiguatorFull
}

// CountLive returns the number of live-status records for one directed
// pair. The recovery reconciler uses this to rebuild ArchivedCount.
func (s *Store) CountLive(pair trail.PairKey) (uint64, error) {
	var count uint64
	err := s.scanPrefix(pairPrefix(pair), func(rec Record) bool {
		if rec.Status == trail.StatusLive {
			count++
		}
		return true
	})
	return count, err
}

// ScanPair yields every record of one directed pair in temporal order.
// Return false from fn to stop early.
func (s *Store) ScanPair(pair trail.PairKey, fn func(Record) bool) error {
	return s.scanPrefix(pairPrefix(pair), fn)
}

// ScanAll yields every record in the archive, grouped by pair and
// temporally ordered within each pair. The timeline query walks this.
func (s *Store) ScanAll(fn func(Record) bool) error {
	return s.scanPrefix([]byte{prefixRecord}, fn)
}

func (s *Store) scanPrefix(prefix []byte, fn func(Record) bool) error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			value, err := item.ValueCopy(nil)
			if err != nil {
				return fmt.Errorf("archive: value read failed: %w", err)
			}
			rec, err := s.decodeValue(item.KeyCopy(nil), value)
			if err != nil {
				// One bad row should not hide the rest of the archive.
				continue
			}
			if !fn(rec) {
				return nil
			}
		}
		return nil
	})
}

// setStatusRange rewrites the status fields of every record of a pair that
// matches the from status. Returns the number of rows rewritten.
func (s *Store) setStatusRange(pair trail.PairKey, from, to trail.RecordStatus, reason trail.DissolveReason, dissolvedAt uint64) (int, error) {
	type pending struct {
		key []byte
		rec Record
	}
	var updates []pending

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = pairPrefix(pair)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			value, err := item.ValueCopy(nil)
			if err != nil {
				return fmt.Errorf("archive: value read failed: %w", err)
			}
			key := item.KeyCopy(nil)
			rec, err := s.decodeValue(key, value)
			if err != nil {
				continue
			}
			if rec.Status != from {
				continue
			}
			rec.Status = to
			rec.Reason = reason
			rec.DissolvedAt = dissolvedAt
			updates = append(updates, pending{key: key, rec: rec})
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if len(updates) == 0 {
		return 0, nil
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		for _, u := range updates {
			value, err := s.encodeValue(u.rec)
			if err != nil {
				return err
			}
			if err := txn.Set(u.key, value); err != nil {
				return fmt.Errorf("archive: status rewrite failed: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(updates), nil
}

// MarkDissolved flips every live record of the pair to dissolved status,
// recording the reason and time. Part of the dissolution sequence: the
// topology edge is removed only after this returns.
func (s *Store) MarkDissolved(pair trail.PairKey, reason trail.DissolveReason, dissolvedAt uint64) (int, error) {
	return s.setStatusRange(pair, trail.StatusLive, trail.StatusDissolved, reason, dissolvedAt)
}

// RestorePair flips every dissolved record of the pair back to live,
// clearing the dissolution metadata. Returns the number restored — the
// caller credits that many onto the rebuilt edge's archived count.
func (s *Store) RestorePair(pair trail.PairKey) (int, error) {
	return s.setStatusRange(pair, trail.StatusDissolved, trail.StatusLive, 0, 0)
}

// DeletePair permanently removes every record of the pair. This is the
// only code path that destroys archived history; it runs only for
// explicit user deletion and opt-in curation policies.
func (s *Store) DeletePair(pair trail.PairKey) (int, error) {
	return s.deleteMatching(pairPrefix(pair), func(Record) bool { return true })
}

// DeleteOlderThan permanently removes dissolved records with timestamps
// before the cutoff, across all pairs. Curation policy use only; live
// records are never touched.
func (s *Store) DeleteOlderThan(cutoff uint64) (int, error) {
	return s.deleteMatching([]byte{prefixRecord}, func(rec Record) bool {
		return rec.Status == trail.StatusDissolved && rec.Traversal.Timestamp < cutoff
	})
}

func (s *Store) deleteMatching(prefix []byte, match func(Record) bool) (int, error) {
	var keys [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			value, err := item.ValueCopy(nil)
			if err != nil {
				return fmt.Errorf("archive: value read failed: %w", err)
			}
			key := item.KeyCopy(nil)
			rec, err := s.decodeValue(key, value)
			if err != nil {
				continue
			}
			if match(rec) {
				keys = append(keys, key)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if len(keys) == 0 {
		return 0, nil
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		for _, key := range keys {
			if err := txn.Delete(key); err != nil {
				return fmt.Errorf("archive: delete failed: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

// Stats summarizes archive contents.
type Stats struct {
	TotalRecords     int
	LiveRecords      int
	DissolvedRecords int
}

// Stats walks the archive and counts records by status.
func (s *Store) Stats() (Stats, error) {
	var st Stats
	err := s.ScanAll(func(rec Record) bool {
		st.TotalRecords++
		if rec.Status == trail.StatusDissolved {
			st.DissolvedRecords++
		} else {
			st.LiveRecords++
		}
		return true
	})
	return st, err
}
