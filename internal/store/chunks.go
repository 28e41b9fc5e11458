// Package store provides the persistent backends of the acquisition core:
// a badger-backed chunk store for raw segment bytes and a SQLite-backed
// repository for acquisition records.
package store

import (
	"encoding/binary"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"hls-capture/internal/acquisition"
)

// BadgerChunkStore stores raw segment bytes in a badger key-value database.
// Keys embed the index big-endian so badger's sorted iteration returns chunks
// in ascending index order no matter what order the workers finished in.
type BadgerChunkStore struct {
	db *badger.DB
}

// OpenBadgerChunkStore opens (or creates) a chunk store at dir. An empty dir
// opens an in-memory store, used by tests.
func OpenBadgerChunkStore(dir string) (*BadgerChunkStore, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open chunk store: %w", err)
	}
	return &BadgerChunkStore{db: db}, nil
}

// Close releases the underlying database.
func (s *BadgerChunkStore) Close() error {
	return s.db.Close()
}

// chunkPrefix keys all chunks of one (acquisition, role) pair.
func chunkPrefix(id acquisition.ID, role acquisition.StreamRole) []byte {
	return []byte(fmt.Sprintf("chunk/%s/%s/", id, role))
}

// acquisitionPrefix keys everything stored for one acquisition.
func acquisitionPrefix(id acquisition.ID) []byte {
	return []byte(fmt.Sprintf("chunk/%s/", id))
}

func chunkKey(id acquisition.ID, role acquisition.StreamRole, index int) []byte {
	prefix := chunkPrefix(id, role)
	key := make([]byte, len(prefix)+4)
	copy(key, prefix)
	binary.BigEndian.PutUint32(key[len(prefix):], uint32(index))
	return key
}

// Put stores one segment's bytes. Writing the same key twice is idempotent;
// the last write wins.
func (s *BadgerChunkStore) Put(id acquisition.ID, role acquisition.StreamRole, index int, data []byte) error {
	if index < 0 {
		return fmt.Errorf("negative chunk index %d", index)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(chunkKey(id, role, index), data)
	})
}

// GetRange returns the chunks with index in [start, start+count), ascending.
// Missing indices are simply absent from the result; callers compare the
// result length with count to detect gaps.
func (s *BadgerChunkStore) GetRange(id acquisition.ID, role acquisition.StreamRole, start, count int) ([]acquisition.Chunk, error) {
	if count <= 0 {
		return nil, nil
	}
	prefix := chunkPrefix(id, role)
	chunks := make([]acquisition.Chunk, 0, count)

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(chunkKey(id, role, start)); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			key := item.Key()
			index := int(binary.BigEndian.Uint32(key[len(prefix):]))
			if index >= start+count {
				break
			}
			data, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			chunks = append(chunks, acquisition.Chunk{Index: index, Data: data})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read chunk range: %w", err)
	}
	return chunks, nil
}

// Count returns the number of chunks stored for the (acquisition, role) pair.
func (s *BadgerChunkStore) Count(id acquisition.ID, role acquisition.StreamRole) (int, error) {
	prefix := chunkPrefix(id, role)
	n := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			n++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("count chunks: %w", err)
	}
	return n, nil
}

// DeleteAll removes every chunk of the acquisition, all roles included.
func (s *BadgerChunkStore) DeleteAll(id acquisition.ID) error {
	prefix := acquisitionPrefix(id)
	keys := make([][]byte, 0, 64)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("collect chunk keys: %w", err)
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, key := range keys {
		if err := wb.Delete(key); err != nil {
			return fmt.Errorf("delete chunk: %w", err)
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("delete chunks: %w", err)
	}
	return nil
}

var _ acquisition.ChunkStore = (*BadgerChunkStore)(nil)
