// Package outbox is the durable queue outbound vouchers wait in between the
// burn that created them and the relayer acknowledging remote delivery.
// Entries survive restarts; the relayer resumes from any cursor, so delivery
// is at-least-once and the destination deduplicates.
package outbox

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketVouchers = []byte("vouchers")
	bucketIDs      = []byte("ids")

	// ErrDuplicateID is returned when a voucher ID is appended twice. IDs are
	// generated fresh per burn, so a duplicate means a caller bug.
	ErrDuplicateID = errors.New("outbox: duplicate voucher id")
)

// Entry is one enqueued voucher. Seq orders entries by burn order and never
// reuses a value, so cursors remain valid across acknowledgements.
type Entry struct {
	Seq       uint64          `json:"seq"`
	ID        string          `json:"id"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Outbox persists pending vouchers in a Bolt database.
type Outbox struct {
	db    *bolt.DB
	nowFn func() time.Time
}

// Open initialises (and migrates) the Bolt-backed outbox at path.
func Open(path string) (*Outbox, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketVouchers, bucketIDs} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Outbox{db: db, nowFn: time.Now}, nil
}

// Close releases the underlying database handle.
func (o *Outbox) Close() error {
	if o == nil || o.db == nil {
		return nil
	}
	return o.db.Close()
}

// SetNowFunc overrides the timestamp source.
func (o *Outbox) SetNowFunc(now func() time.Time) {
	if now != nil {
		o.nowFn = now
	}
}

// Append enqueues a voucher payload and returns its sequence number.
func (o *Outbox) Append(id string, payload []byte) (uint64, error) {
	if id == "" {
		return 0, fmt.Errorf("outbox: voucher id required")
	}
	var seq uint64
	err := o.db.Update(func(tx *bolt.Tx) error {
		ids := tx.Bucket(bucketIDs)
		if ids.Get([]byte(id)) != nil {
			return ErrDuplicateID
		}
		vouchers := tx.Bucket(bucketVouchers)
		next, err := vouchers.NextSequence()
		if err != nil {
			return err
		}
		entry := Entry{
			Seq:       next,
			ID:        id,
			Payload:   append(json.RawMessage(nil), payload...),
			CreatedAt: o.nowFn().UTC(),
		}
		encoded, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		if err := vouchers.Put(seqKey(next), encoded); err != nil {
			return err
		}
		if err := ids.Put([]byte(id), seqKey(next)); err != nil {
			return err
		}
		seq = next
		return nil
	})
	if err != nil {
		return 0, err
	}
	return seq, nil
}

// Pending returns up to limit entries with sequence numbers greater than
// afterSeq, oldest first. A zero cursor starts from the beginning; a zero or
// negative limit means no cap.
func (o *Outbox) Pending(afterSeq uint64, limit int) ([]Entry, error) {
	var entries []Entry
	err := o.db.View(func(tx *bolt.Tx) error {
		cursor := tx.Bucket(bucketVouchers).Cursor()
		for key, value := cursor.Seek(seqKey(afterSeq + 1)); key != nil; key, value = cursor.Next() {
			var entry Entry
			if err := json.Unmarshal(value, &entry); err != nil {
				return fmt.Errorf("outbox: decode entry %x: %w", key, err)
			}
			entries = append(entries, entry)
			if limit > 0 && len(entries) >= limit {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// Ack removes a delivered voucher. Acknowledging an unknown ID is a no-op so
// a relayer replaying its journal after a crash converges without errors.
func (o *Outbox) Ack(id string) error {
	return o.db.Update(func(tx *bolt.Tx) error {
		ids := tx.Bucket(bucketIDs)
		seq := ids.Get([]byte(id))
		if seq == nil {
			return nil
		}
		if err := tx.Bucket(bucketVouchers).Delete(seq); err != nil {
			return err
		}
		return ids.Delete([]byte(id))
	})
}

// Depth reports how many vouchers await delivery.
func (o *Outbox) Depth() (int, error) {
	var depth int
	err := o.db.View(func(tx *bolt.Tx) error {
		depth = tx.Bucket(bucketVouchers).Stats().KeyN
		return nil
	})
	return depth, err
}

func seqKey(seq uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, seq)
	return buf
}
