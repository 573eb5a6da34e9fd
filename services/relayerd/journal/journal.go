// Package journal records every voucher delivery attempt durably. The
// journal plus the destination node's processed set is what makes voucher
// transport exactly-once at the business level: a crash between delivery
// and ack replays the voucher, the journal recognises it, and the
// destination reports applied=false instead of double-minting.
package journal

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"lukechampine.com/blake3"

	"rebasenet/native/bridge"
)

// Delivery lifecycle states.
const (
	StatusDelivered = "DELIVERED"
	StatusDuplicate = "DUPLICATE"
	StatusFailed    = "FAILED"
)

// Delivery is one journal row, keyed uniquely by voucher ID. Amount and
// Rate are stored as decimal strings; wei values exceed every integer
// column type the journal's backends share.
type Delivery struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	VoucherID   string    `gorm:"uniqueIndex;size:64"`
	Route       string    `gorm:"index;size:128"`
	Fingerprint string    `gorm:"size:64"`
	SourceChain uint64
	DestChain   uint64
	Account     string `gorm:"size:96"`
	Amount      string `gorm:"size:96"`
	Rate        string `gorm:"size:96"`
	IssuedAt    int64
	Status      string `gorm:"index;size:16"`
	Applied     bool
	Attempts    int
	LastError   string
	DeliveredAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Store wraps the journal database.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// Open connects to the journal database and migrates the schema. A DSN
// with a postgres scheme or key=value form selects the postgres driver;
// anything else is treated as a sqlite file path.
func Open(dsn string) (*Store, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, fmt.Errorf("journal: dsn required")
	}
	dialector := dialectorFor(trimmed)
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("journal: open: %w", err)
	}
	if err := db.AutoMigrate(&Delivery{}); err != nil {
		return nil, fmt.Errorf("journal: migrate: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

func dialectorFor(dsn string) gorm.Dialector {
	lowered := strings.ToLower(dsn)
	if strings.HasPrefix(lowered, "postgres://") || strings.HasPrefix(lowered, "postgresql://") || strings.Contains(lowered, "host=") {
		return postgres.Open(dsn)
	}
	return sqlite.Open(dsn)
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	db, err := s.db.DB()
	if err != nil {
		return err
	}
	return db.Close()
}

// SetNowFunc overrides the clock.
func (s *Store) SetNowFunc(now func() time.Time) {
	if s != nil && now != nil {
		s.now = now
	}
}

// Fingerprint hashes the signed voucher payload. Lookup compares it so a
// re-issued voucher reusing an old ID with different contents is caught
// instead of silently acked as a duplicate.
func Fingerprint(payload []byte) string {
	sum := blake3.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// Lookup returns the journal row for a voucher ID, or nil when the
// voucher has never been attempted.
func (s *Store) Lookup(voucherID string) (*Delivery, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("journal: store not configured")
	}
	var row Delivery
	err := s.db.First(&row, "voucher_id = ?", voucherID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("journal: lookup %s: %w", voucherID, err)
	}
	return &row, nil
}

// RecordDelivered marks a voucher as credited on the destination. Applied
// false means the destination already held it; both count as settled for
// transport purposes. A prior FAILED row for the same voucher is promoted
// in place so the attempt counter survives.
func (s *Store) RecordDelivered(route string, signed *bridge.SignedVoucher, payload []byte, applied bool) error {
	status := StatusDelivered
	if !applied {
		status = StatusDuplicate
	}
	return s.record(route, signed, payload, status, applied, "")
}

// RecordFailure notes a delivery attempt that did not settle. The voucher
// stays pending on the source outbox; the row keeps the latest cause.
func (s *Store) RecordFailure(route string, signed *bridge.SignedVoucher, payload []byte, cause error) error {
	reason := ""
	if cause != nil {
		reason = cause.Error()
	}
	return s.record(route, signed, payload, StatusFailed, false, reason)
}

func (s *Store) record(route string, signed *bridge.SignedVoucher, payload []byte, status string, applied bool, lastErr string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("journal: store not configured")
	}
	if signed == nil {
		return fmt.Errorf("journal: voucher required")
	}
	voucher := signed.Voucher
	if strings.TrimSpace(voucher.ID) == "" {
		return fmt.Errorf("journal: voucher id required")
	}
	now := s.now().UTC()
	return s.db.Transaction(func(tx *gorm.DB) error {
		var row Delivery
		err := tx.First(&row, "voucher_id = ?", voucher.ID).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if errors.Is(err, gorm.ErrRecordNotFound) {
			row = Delivery{
				ID:          uuid.New(),
				VoucherID:   voucher.ID,
				Route:       route,
				Fingerprint: Fingerprint(payload),
				SourceChain: voucher.SourceChain,
				DestChain:   voucher.DestChain,
				Account:     voucher.Account,
				Amount:      voucher.Amount,
				Rate:        voucher.Rate,
				IssuedAt:    voucher.IssuedAt,
				Status:      status,
				Applied:     applied,
				Attempts:    1,
				LastError:   lastErr,
				CreatedAt:   now,
				UpdatedAt:   now,
			}
			if status != StatusFailed {
				row.DeliveredAt = &now
			}
			return tx.Create(&row).Error
		}
		row.Route = route
		row.Status = status
		row.Applied = applied
		row.Attempts++
		row.LastError = lastErr
		row.UpdatedAt = now
		if status != StatusFailed && row.DeliveredAt == nil {
			row.DeliveredAt = &now
		}
		return tx.Save(&row).Error
	})
}

// DeliveriesBetween lists rows created inside [start, end) ordered by
// creation time, for reconciliation exports.
func (s *Store) DeliveriesBetween(start, end time.Time) ([]Delivery, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("journal: store not configured")
	}
	var rows []Delivery
	err := s.db.
		Where("created_at >= ? AND created_at < ?", start.UTC(), end.UTC()).
		Order("created_at asc").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("journal: list deliveries: %w", err)
	}
	return rows, nil
}

// RouteCounts aggregates journal rows by status for one route.
func (s *Store) RouteCounts(route string) (map[string]int64, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("journal: store not configured")
	}
	type bucket struct {
		Status string
		Total  int64
	}
	var buckets []bucket
	err := s.db.Model(&Delivery{}).
		Select("status, count(*) as total").
		Where("route = ?", route).
		Group("status").
		Scan(&buckets).Error
	if err != nil {
		return nil, fmt.Errorf("journal: route counts: %w", err)
	}
	counts := make(map[string]int64, len(buckets))
	for _, b := range buckets {
		counts[b.Status] = b.Total
	}
	return counts, nil
}
