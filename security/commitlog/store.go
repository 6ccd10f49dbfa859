package commitlog

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"

	"github.com/radman021/nbft"
	"github.com/radman021/nbft/network/wire"
)

// Key layout:
//
//	e/<seq>   committed entry, big endian sequence number, JSON value
//	c/latest  latest stable checkpoint certificate, JSON value
var (
	entryPrefix   = []byte("e/")
	entryEnd      = []byte("e0") // first key past the entry prefix
	checkpointKey = []byte("c/latest")
)

func entryKey(seq nbft.Sequence) []byte {
	key := make([]byte, 0, len(entryPrefix)+8)
	key = append(key, entryPrefix...)
	return binary.BigEndian.AppendUint64(key, uint64(seq))
}

// Store persists committed log entries and checkpoint certificates.
type Store struct {
	db *pebble.DB
	wo *pebble.WriteOptions
}

// Open opens the store in the given directory, creating it if necessary.
func Open(dir string) (*Store, error) {
	return open(dir, &pebble.Options{})
}

// OpenMemory opens a store backed by an in-memory filesystem.
// It is intended for tests.
func OpenMemory() (*Store, error) {
	return open("", &pebble.Options{FS: vfs.NewMem()})
}

func open(dir string, opts *pebble.Options) (*Store, error) {
	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	return &Store{db: db, wo: &pebble.WriteOptions{Sync: true}}, nil
}

// Close closes the store.
func (s *Store) Close() error {
	return s.db.Close()
}

// PutEntry writes a committed entry.
func (s *Store) PutEntry(entry nbft.LogEntry) error {
	value, err := json.Marshal(wire.LogEntryToWire(entry))
	if err != nil {
		return err
	}
	return s.db.Set(entryKey(entry.Seq), value, s.wo)
}

// Entry reads the entry at the given sequence number. The second return value
// is false if no entry is stored at that sequence.
func (s *Store) Entry(seq nbft.Sequence) (nbft.LogEntry, bool, error) {
	value, closer, err := s.db.Get(entryKey(seq))
	if errors.Is(err, pebble.ErrNotFound) {
		return nbft.LogEntry{}, false, nil
	}
	if err != nil {
		return nbft.LogEntry{}, false, err
	}
	defer closer.Close()
	entry, err := decodeEntry(value)
	if err != nil {
		return nbft.LogEntry{}, false, err
	}
	return entry, true, nil
}

// Entries reads the entries with sequence numbers in [from, to].
func (s *Store) Entries(from, to nbft.Sequence) ([]nbft.LogEntry, error) {
	iter := s.db.NewIter(&pebble.IterOptions{
		LowerBound: entryKey(from),
		UpperBound: entryKey(to + 1),
	})
	defer iter.Close()
	var entries []nbft.LogEntry
	for iter.First(); iter.Valid(); iter.Next() {
		entry, err := decodeEntry(iter.Value())
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, iter.Error()
}

// LastEntry reads the entry with the highest sequence number, if any.
func (s *Store) LastEntry() (nbft.LogEntry, bool, error) {
	iter := s.db.NewIter(&pebble.IterOptions{
		LowerBound: entryPrefix,
		UpperBound: entryEnd,
	})
	defer iter.Close()
	if !iter.Last() {
		return nbft.LogEntry{}, false, iter.Error()
	}
	entry, err := decodeEntry(iter.Value())
	if err != nil {
		return nbft.LogEntry{}, false, err
	}
	return entry, true, nil
}

// PutCheckpoint writes the latest stable checkpoint certificate.
func (s *Store) PutCheckpoint(cert nbft.CheckpointCert) error {
	value, err := json.Marshal(wire.CheckpointCertToWire(cert))
	if err != nil {
		return err
	}
	return s.db.Set(checkpointKey, value, s.wo)
}

// Checkpoint reads the latest stable checkpoint certificate. The second
// return value is false if no checkpoint has been stored.
func (s *Store) Checkpoint() (nbft.CheckpointCert, bool, error) {
	value, closer, err := s.db.Get(checkpointKey)
	if errors.Is(err, pebble.ErrNotFound) {
		return nbft.CheckpointCert{}, false, nil
	}
	if err != nil {
		return nbft.CheckpointCert{}, false, err
	}
	defer closer.Close()
	var msg wire.CheckpointCert
	if err := json.Unmarshal(value, &msg); err != nil {
		return nbft.CheckpointCert{}, false, err
	}
	cert, err := wire.CheckpointCertFromWire(msg)
	if err != nil {
		return nbft.CheckpointCert{}, false, err
	}
	return cert, true, nil
}

func decodeEntry(value []byte) (nbft.LogEntry, error) {
	var msg wire.LogEntry
	if err := json.Unmarshal(value, &msg); err != nil {
		return nbft.LogEntry{}, err
	}
	return wire.LogEntryFromWire(msg)
}
