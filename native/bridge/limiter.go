package bridge

import (
	"context"
	"math/big"
	"time"

	"golang.org/x/time/rate"
)

// FlowBudget caps the value a delivery route may move per unit of time.
// Both fields are denominated in whole tokens; a zero budget disables
// throttling. This is transport policy: it delays vouchers, it never
// invalidates them.
type FlowBudget struct {
	Capacity        uint64 `json:"capacity" yaml:"capacity"`
	RefillPerSecond uint64 `json:"refillPerSecond" yaml:"refill_per_second"`
}

// Enabled reports whether the budget throttles at all.
func (b FlowBudget) Enabled() bool {
	return b.Capacity > 0 && b.RefillPerSecond > 0
}

// FlowLimiter meters voucher amounts against a token bucket.
type FlowLimiter struct {
	limiter  *rate.Limiter
	capacity uint64
}

func NewFlowLimiter(budget FlowBudget) *FlowLimiter {
	if !budget.Enabled() {
		return &FlowLimiter{}
	}
	return &FlowLimiter{
		limiter:  rate.NewLimiter(rate.Limit(budget.RefillPerSecond), int(budget.Capacity)),
		capacity: budget.Capacity,
	}
}

// Wait blocks until the bucket can cover amount or the context ends. An
// amount above the bucket's capacity is clamped to it, so an oversized
// voucher departs alone once the bucket refills completely instead of
// blocking the route forever.
func (l *FlowLimiter) Wait(ctx context.Context, amount *big.Int) error {
	if l == nil || l.limiter == nil {
		return nil
	}
	tokens := wholeTokens(amount)
	if tokens == 0 {
		return nil
	}
	if tokens > l.capacity {
		tokens = l.capacity
	}
	return l.limiter.WaitN(ctx, int(tokens))
}

// Allow reports whether amount fits the bucket right now without blocking.
func (l *FlowLimiter) Allow(amount *big.Int) bool {
	if l == nil || l.limiter == nil {
		return true
	}
	tokens := wholeTokens(amount)
	if tokens == 0 {
		return true
	}
	if tokens > l.capacity {
		tokens = l.capacity
	}
	return l.limiter.AllowN(time.Now(), int(tokens))
}
