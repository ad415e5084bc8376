// SPDX-License-Identifier: MIT

// Package archive folds the lifecycle stream into durable per-session
// records. The broker's stream retention is sized for operations, not
// history; the archive is where a read API finds a session long after its
// broker keys are purged. Records live in a local badger store, one per
// session, updated by a consumer group over the read-side queues.
package archive

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/webgrid/webgrid/internal/event"
)

// ErrNotFound reports a session the archive never saw.
var ErrNotFound = errors.New("archive: session not found")

const recordPrefix = "session/"

// Record is the folded view of one session's lifecycle.
type Record struct {
	ID                    string            `json:"id"`
	RequestedCapabilities json.RawMessage   `json:"requestedCapabilities,omitempty"`
	ActualCapabilities    json.RawMessage   `json:"actualCapabilities,omitempty"`
	Provisioner           string            `json:"provisioner,omitempty"`
	Container             map[string]string `json:"container,omitempty"`
	Metadata              map[string]string `json:"metadata,omitempty"`

	CreatedAt     time.Time `json:"createdAt,omitempty"`
	ScheduledAt   time.Time `json:"scheduledAt,omitempty"`
	ProvisionedAt time.Time `json:"provisionedAt,omitempty"`
	OperationalAt time.Time `json:"operationalAt,omitempty"`
	TerminatedAt  time.Time `json:"terminatedAt,omitempty"`

	TerminationReason *event.TerminationReason `json:"terminationReason,omitempty"`
	RecordingBytes    int64                    `json:"recordingBytes,omitempty"`
}

// Terminated reports whether the record reached its terminal state.
func (r *Record) Terminated() bool { return !r.TerminatedAt.IsZero() }

// Store is the badger-backed record store.
type Store struct {
	db *badger.DB
}

// Open opens (or creates) the archive at dir.
func Open(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open archive %s: %w", dir, err)
	}
	return &Store{db: db}, nil
}

// Close flushes and closes the store.
func (s *Store) Close() error { return s.db.Close() }

func recordKey(id string) []byte { return []byte(recordPrefix + id) }

// Get loads one session record.
func (s *Store) Get(id string) (Record, error) {
	var record Record
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(recordKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &record)
		})
	})
	return record, err
}

// update read-modify-writes one record inside a single transaction.
func (s *Store) update(id string, fold func(*Record)) error {
	return s.db.Update(func(txn *badger.Txn) error {
		record := Record{ID: id}
		item, err := txn.Get(recordKey(id))
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
			// First event for this session wins the record.
		case err != nil:
			return err
		default:
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &record)
			}); err != nil {
				return err
			}
		}

		fold(&record)

		raw, err := json.Marshal(&record)
		if err != nil {
			return err
		}
		return txn.Set(recordKey(id), raw)
	})
}

// Each walks all records in key order. Returning false stops the walk.
func (s *Store) Each(visit func(Record) bool) error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(recordPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var record Record
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &record)
			})
			if err != nil {
				return err
			}
			if !visit(record) {
				return nil
			}
		}
		return nil
	})
}

// Compact removes records of sessions terminated before cutoff. Returns how
// many were dropped. Records still running are never touched; their
// retention clock starts at termination.
func (s *Store) Compact(cutoff time.Time) (int, error) {
	var expired [][]byte
	err := s.Each(func(record Record) bool {
		if record.Terminated() && record.TerminatedAt.Before(cutoff) {
			expired = append(expired, recordKey(record.ID))
		}
		return true
	})
	if err != nil {
		return 0, err
	}

	for _, key := range expired {
		if err := s.db.Update(func(txn *badger.Txn) error {
			return txn.Delete(key)
		}); err != nil {
			return 0, err
		}
	}
	return len(expired), nil
}
