// Package storage provides the key-value backends the ledger state sits on.
package storage

import (
	"errors"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
)

// ErrKeyNotFound is returned by Get for missing keys regardless of backend.
var ErrKeyNotFound = errors.New("storage: key not found")

// Database is the key-value surface the state manager runs against. An
// in-memory backend serves tests; LevelDB serves a running node.
type Database interface {
	Put(key []byte, value []byte) error
	Get(key []byte) ([]byte, error)
	Delete(key []byte) error
	Close()
}

// Pair is one buffered write inside a batch.
type Pair struct {
	Key    []byte
	Value  []byte
	Delete bool
}

// BatchWriter is implemented by backends that can apply a group of writes
// atomically. Multi-key state transitions go through it so a crash never
// leaves half an operation on disk.
type BatchWriter interface {
	WriteBatch(pairs []Pair) error
}

// MemDB is a map-backed Database for tests and ephemeral nodes.
type MemDB struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemDB() *MemDB {
	return &MemDB{
		data: make(map[string][]byte),
	}
}

func (db *MemDB) Put(key []byte, value []byte) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.data[string(key)] = append([]byte(nil), value...)
	return nil
}

func (db *MemDB) Get(key []byte) ([]byte, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	value, ok := db.data[string(key)]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return append([]byte(nil), value...), nil
}

func (db *MemDB) Delete(key []byte) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	delete(db.data, string(key))
	return nil
}

func (db *MemDB) Close() {}

// WriteBatch applies all pairs under one lock acquisition.
func (db *MemDB) WriteBatch(pairs []Pair) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	for _, pair := range pairs {
		if pair.Delete {
			delete(db.data, string(pair.Key))
			continue
		}
		db.data[string(pair.Key)] = append([]byte(nil), pair.Value...)
	}
	return nil
}

// LevelDB is the persistent Database used by a running node.
type LevelDB struct {
	db *leveldb.DB
}

// NewLevelDB creates or opens a LevelDB database at the specified path.
func NewLevelDB(path string) (*LevelDB, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	return &LevelDB{db: db}, nil
}

func (ldb *LevelDB) Put(key []byte, value []byte) error {
	return ldb.db.Put(key, value, nil)
}

func (ldb *LevelDB) Get(key []byte) ([]byte, error) {
	value, err := ldb.db.Get(key, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrKeyNotFound
	}
	return value, err
}

func (ldb *LevelDB) Delete(key []byte) error {
	return ldb.db.Delete(key, nil)
}

func (ldb *LevelDB) Close() {
	ldb.db.Close()
}

// WriteBatch applies all pairs as a single atomic LevelDB write.
func (ldb *LevelDB) WriteBatch(pairs []Pair) error {
	batch := new(leveldb.Batch)
	for _, pair := range pairs {
		if pair.Delete {
			batch.Delete(pair.Key)
			continue
		}
		batch.Put(pair.Key, pair.Value)
	}
	return ldb.db.Write(batch, nil)
}
