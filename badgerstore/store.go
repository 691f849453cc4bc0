// Package badgerstore provides an embedded, crash-safe SnapshotStore
// backed by BadgerDB. It is the recommended store for single-host
// deployments that need recovery without an external database.
package badgerstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v3"
	"github.com/goccy/go-json"

	"github.com/deepnoodle-ai/flowgraph"
)

// Key layout:
//
//	snap/<executionID>/<timestampNanos>  -> snapshot JSON
//	id/<snapshotID>                      -> primary key
//
// Timestamp-ordered primary keys make prefix iteration return snapshots
// oldest first, which is what retention pruning wants.
type Store struct {
	db *badger.DB
}

// Open opens (or creates) a badger-backed snapshot store at dir.
func Open(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger db: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func primaryKey(executionID string, timestampNanos int64) []byte {
	return []byte(fmt.Sprintf("snap/%s/%020d", executionID, timestampNanos))
}

func indexKey(snapshotID string) []byte {
	return []byte("id/" + snapshotID)
}

func executionPrefix(executionID string) []byte {
	return []byte("snap/" + executionID + "/")
}

func (s *Store) SaveSnapshot(ctx context.Context, snapshot *flowgraph.StateSnapshot) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	key := primaryKey(snapshot.ExecutionID, snapshot.Timestamp.UnixNano())
	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(key, data); err != nil {
			return err
		}
		return txn.Set(indexKey(snapshot.ID), key)
	})
}

func (s *Store) LoadSnapshot(ctx context.Context, snapshotID string) (*flowgraph.StateSnapshot, error) {
	var snapshot *flowgraph.StateSnapshot
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(indexKey(snapshotID))
		if err != nil {
			return err
		}
		key, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		item, err = txn.Get(key)
		if err != nil {
			return err
		}
		data, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		return json.Unmarshal(data, &snapshot)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("snapshot %q not found", snapshotID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}
	return snapshot, nil
}

func (s *Store) LatestSnapshot(ctx context.Context, executionID string) (*flowgraph.StateSnapshot, error) {
	var snapshot *flowgraph.StateSnapshot
	prefix := executionPrefix(executionID)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		// Seek past the end of the prefix range, then the first valid
		// entry is the newest snapshot.
		seek := append(append([]byte{}, prefix...), 0xFF)
		it.Seek(seek)
		if !it.ValidForPrefix(prefix) {
			return nil
		}
		data, err := it.Item().ValueCopy(nil)
		if err != nil {
			return err
		}
		return json.Unmarshal(data, &snapshot)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load latest snapshot: %w", err)
	}
	return snapshot, nil
}

func (s *Store) ListSnapshots(ctx context.Context, executionID string) ([]*flowgraph.SnapshotInfo, error) {
	var infos []*flowgraph.SnapshotInfo
	prefix := executionPrefix(executionID)
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			data, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			var snapshot flowgraph.StateSnapshot
			if err := json.Unmarshal(data, &snapshot); err != nil {
				return err
			}
			infos = append(infos, snapshot.Info())
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	return infos, nil
}

func (s *Store) DeleteSnapshot(ctx context.Context, snapshotID string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(indexKey(snapshotID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		key, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if err := txn.Delete(key); err != nil {
			return err
		}
		return txn.Delete(indexKey(snapshotID))
	})
}

func (s *Store) DeleteExecution(ctx context.Context, executionID string) error {
	prefix := executionPrefix(executionID)
	return s.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()

		var primaryKeys [][]byte
		var snapshotIDs []string
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			primaryKeys = append(primaryKeys, it.Item().KeyCopy(nil))
			data, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			var snapshot flowgraph.StateSnapshot
			if err := json.Unmarshal(data, &snapshot); err != nil {
				return err
			}
			snapshotIDs = append(snapshotIDs, snapshot.ID)
		}
		for _, key := range primaryKeys {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		for _, id := range snapshotIDs {
			if err := txn.Delete(indexKey(id)); err != nil {
				return err
			}
		}
		return nil
	})
}

var _ flowgraph.SnapshotStore = (*Store)(nil)
