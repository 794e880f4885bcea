package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"hybridcast/internal/core/domain"
	"hybridcast/internal/core/ports"
)

// BadgerSegmentStore persists segment bodies in an embedded badger database
// so a warm cache survives engine restarts. An empty path opens an in-memory
// database, used by tests and cache-less deployments.
type BadgerSegmentStore struct {
	db *badger.DB
}

func OpenBadgerSegmentStore(path string) (*BadgerSegmentStore, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	if path == "" {
		opts = opts.WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open segment store: %w", err)
	}
	return &BadgerSegmentStore{db: db}, nil
}

func (s *BadgerSegmentStore) Put(ctx context.Context, key string, data []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), data)
	})
}

func (s *BadgerSegmentStore) Get(ctx context.Context, key string) ([]byte, error) {
	var body []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		body, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, domain.ErrSegmentNotFound
		}
		return nil, err
	}
	return body, nil
}

func (s *BadgerSegmentStore) Delete(ctx context.Context, key string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get([]byte(key)); err != nil {
			return err
		}
		return txn.Delete([]byte(key))
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return domain.ErrSegmentNotFound
	}
	return err
}

func (s *BadgerSegmentStore) Clear(ctx context.Context) error {
	return s.db.DropAll()
}

func (s *BadgerSegmentStore) Close() error {
	return s.db.Close()
}

var _ ports.SegmentStore = (*BadgerSegmentStore)(nil)
