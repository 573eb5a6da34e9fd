package common

import (
	"errors"
	"math"
)

var (
	ErrQuotaRequestsExceeded = errors.New("quota requests exceeded")
	ErrQuotaAmountExceeded   = errors.New("quota amount cap exceeded")
	ErrQuotaCounterOverflow  = errors.New("quota counter overflow")
)

// QuotaUsage captures the per-address usage counters for the current epoch.
type QuotaUsage struct {
	Requests   uint32
	AmountUsed uint64
	EpochID    uint64
}

// Quota defines the per-address limits enforced for a module interaction.
// AmountUsed is tracked in whole tokens so the counters fit a uint64 even for
// wei-scale ledgers.
type Quota struct {
	MaxRequestsPerEpoch uint32
	MaxAmountPerEpoch   uint64
	EpochSeconds        uint32
}

// Enabled reports whether any limit is configured.
func (q Quota) Enabled() bool {
	return q.MaxRequestsPerEpoch > 0 || q.MaxAmountPerEpoch > 0
}

// Apply verifies whether the additional request and amount usage fit within
// the configured quota. The returned QuotaUsage reflects the updated counters
// when the quota is not exceeded; on rejection the previous counters are
// returned unchanged.
func Apply(q Quota, nowEpoch uint64, prev QuotaUsage, addReq uint32, addAmount uint64) (QuotaUsage, error) {
	next := prev
	if prev.EpochID != nowEpoch {
		next = QuotaUsage{EpochID: nowEpoch}
	}

	if addReq > 0 {
		if next.Requests > math.MaxUint32-addReq {
			return prev, ErrQuotaCounterOverflow
		}
		next.Requests += addReq
	}
	if q.MaxRequestsPerEpoch > 0 && next.Requests > q.MaxRequestsPerEpoch {
		return prev, ErrQuotaRequestsExceeded
	}

	if addAmount > 0 {
		if next.AmountUsed > math.MaxUint64-addAmount {
			return prev, ErrQuotaCounterOverflow
		}
		next.AmountUsed += addAmount
	}
	if q.MaxAmountPerEpoch > 0 && next.AmountUsed > q.MaxAmountPerEpoch {
		return prev, ErrQuotaAmountExceeded
	}

	return next, nil
}
