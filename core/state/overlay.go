package state

import (
	"fmt"

	"rebasenet/storage"
)

type overlayEntry struct {
	value   []byte
	deleted bool
}

// overlayDB buffers writes on top of a base database so a multi-key state
// transition can be committed as one batch. Reads see buffered writes first.
type overlayDB struct {
	base   storage.Database
	writes map[string]overlayEntry
	order  []string
}

func newOverlayDB(base storage.Database) *overlayDB {
	return &overlayDB{base: base, writes: make(map[string]overlayEntry)}
}

func (o *overlayDB) Get(key []byte) ([]byte, error) {
	if entry, ok := o.writes[string(key)]; ok {
		if entry.deleted {
			return nil, storage.ErrKeyNotFound
		}
		return append([]byte(nil), entry.value...), nil
	}
	return o.base.Get(key)
}

func (o *overlayDB) Put(key, value []byte) error {
	o.record(string(key), overlayEntry{value: append([]byte(nil), value...)})
	return nil
}

func (o *overlayDB) Delete(key []byte) error {
	o.record(string(key), overlayEntry{deleted: true})
	return nil
}

func (o *overlayDB) Close() {}

func (o *overlayDB) record(key string, entry overlayEntry) {
	if _, seen := o.writes[key]; !seen {
		o.order = append(o.order, key)
	}
	o.writes[key] = entry
}

func (o *overlayDB) pairs() []storage.Pair {
	pairs := make([]storage.Pair, 0, len(o.order))
	for _, key := range o.order {
		entry := o.writes[key]
		pairs = append(pairs, storage.Pair{
			Key:    []byte(key),
			Value:  entry.value,
			Delete: entry.deleted,
		})
	}
	return pairs
}

// Atomic runs fn with all state writes buffered and commits them as a single
// batch when fn returns nil. On error nothing reaches the backend. Callers
// serialize; nesting joins the outer batch.
func (m *Manager) Atomic(fn func() error) error {
	if _, nested := m.db.(*overlayDB); nested {
		return fn()
	}
	base := m.db
	overlay := newOverlayDB(base)
	m.db = overlay
	err := fn()
	m.db = base
	if err != nil {
		return err
	}
	pairs := overlay.pairs()
	if len(pairs) == 0 {
		return nil
	}
	if writer, ok := base.(storage.BatchWriter); ok {
		if err := writer.WriteBatch(pairs); err != nil {
			return fmt.Errorf("state: commit batch: %w", err)
		}
		return nil
	}
	for _, pair := range pairs {
		if pair.Delete {
			if err := base.Delete(pair.Key); err != nil {
				return fmt.Errorf("state: commit delete: %w", err)
			}
			continue
		}
		if err := base.Put(pair.Key, pair.Value); err != nil {
			return fmt.Errorf("state: commit put: %w", err)
		}
	}
	return nil
}
