package common

import (
	"errors"
	"testing"
)

func TestApplyQuotaRequestLimit(t *testing.T) {
	q := Quota{MaxRequestsPerEpoch: 10}
	prev := QuotaUsage{EpochID: 1}

	next, err := Apply(q, 1, prev, 10, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if next.Requests != 10 {
		t.Fatalf("unexpected request count: %d", next.Requests)
	}

	denied, err := Apply(q, 1, next, 1, 0)
	if !errors.Is(err, ErrQuotaRequestsExceeded) {
		t.Fatalf("expected ErrQuotaRequestsExceeded, got %v", err)
	}
	if denied != next {
		t.Fatalf("expected counters to remain unchanged on denial")
	}

	rollover, err := Apply(q, 2, next, 1, 0)
	if err != nil {
		t.Fatalf("unexpected error after epoch rollover: %v", err)
	}
	if rollover.EpochID != 2 || rollover.Requests != 1 {
		t.Fatalf("unexpected state after rollover: %+v", rollover)
	}
}

func TestApplyQuotaAmountCap(t *testing.T) {
	q := Quota{MaxAmountPerEpoch: 1000}
	prev := QuotaUsage{EpochID: 5}

	next, err := Apply(q, 5, prev, 0, 1000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if next.AmountUsed != 1000 {
		t.Fatalf("unexpected amount used: %d", next.AmountUsed)
	}

	denied, err := Apply(q, 5, next, 0, 1)
	if !errors.Is(err, ErrQuotaAmountExceeded) {
		t.Fatalf("expected ErrQuotaAmountExceeded, got %v", err)
	}
	if denied != next {
		t.Fatalf("expected counters to remain unchanged on denial")
	}

	rollover, err := Apply(q, 6, next, 0, 500)
	if err != nil {
		t.Fatalf("unexpected error after epoch rollover: %v", err)
	}
	if rollover.AmountUsed != 500 {
		t.Fatalf("unexpected amount used after rollover: %v", rollover.AmountUsed)
	}
}
