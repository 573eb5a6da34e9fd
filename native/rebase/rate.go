package rebase

import (
	"math/big"
	"time"

	"rebasenet/core/events"
)

// RateRecord is the persisted form of the global rate authority. A single
// record exists per ledger instance; the operator address is fixed at
// genesis and every funding operation snapshots Rate into the account it
// touches.
type RateRecord struct {
	Rate      *big.Int
	Operator  [20]byte
	UpdatedAt uint64
}

// Clone returns a deep copy so callers can mutate without aliasing state.
func (r *RateRecord) Clone() *RateRecord {
	if r == nil {
		return nil
	}
	clone := &RateRecord{Operator: r.Operator, UpdatedAt: r.UpdatedAt}
	if r.Rate != nil {
		clone.Rate = new(big.Int).Set(r.Rate)
	} else {
		clone.Rate = big.NewInt(0)
	}
	return clone
}

type authorityState interface {
	RateRecord() (*RateRecord, bool, error)
	PutRateRecord(*RateRecord) error
}

// Authority owns the instance-wide interest rate. Rates only ever move
// downward after genesis; accounts funded earlier keep the snapshot they were
// funded under until their next funding event.
type Authority struct {
	state   authorityState
	emitter events.Emitter
	nowFn   func() int64
}

func NewAuthority() *Authority {
	return &Authority{
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

func (a *Authority) SetState(state authorityState) { a.state = state }

func (a *Authority) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	a.emitter = emitter
}

func (a *Authority) SetNowFunc(now func() int64) {
	if now != nil {
		a.nowFn = now
	}
}

// Initialize writes the genesis record. It is a no-op when a record already
// exists so restarts do not clobber a lowered rate.
func (a *Authority) Initialize(operator [20]byte, rate *big.Int) error {
	if a == nil || a.state == nil {
		return errNilState
	}
	if rate == nil || rate.Sign() < 0 {
		return ErrInvalidRate
	}
	if _, ok, err := a.state.RateRecord(); err != nil {
		return err
	} else if ok {
		return nil
	}
	record := &RateRecord{
		Rate:      new(big.Int).Set(rate),
		Operator:  operator,
		UpdatedAt: a.now(),
	}
	return a.state.PutRateRecord(record)
}

// CurrentRate returns the rate applied to new fundings.
func (a *Authority) CurrentRate() (*big.Int, error) {
	record, err := a.record()
	if err != nil {
		return nil, err
	}
	return new(big.Int).Set(record.Rate), nil
}

// Operator returns the address allowed to lower the rate.
func (a *Authority) Operator() ([20]byte, error) {
	record, err := a.record()
	if err != nil {
		return [20]byte{}, err
	}
	return record.Operator, nil
}

// SetRate lowers the global rate. The caller must be the registered operator
// and the new rate must be strictly below the current one; equal rates are
// rejected the same way as increases. Zero is a valid terminal rate.
// Authorization is checked before the monotonicity rule.
func (a *Authority) SetRate(caller [20]byte, rate *big.Int) error {
	if a == nil || a.state == nil {
		return errNilState
	}
	if rate == nil || rate.Sign() < 0 {
		return ErrInvalidRate
	}
	record, err := a.record()
	if err != nil {
		return err
	}
	if caller != record.Operator {
		return ErrUnauthorized
	}
	if rate.Cmp(record.Rate) >= 0 {
		return ErrRateMustDecrease
	}
	previous := new(big.Int).Set(record.Rate)
	updated := record.Clone()
	updated.Rate = new(big.Int).Set(rate)
	updated.UpdatedAt = a.now()
	if err := a.state.PutRateRecord(updated); err != nil {
		return err
	}
	a.emitter.Emit(events.RateChanged{
		Operator: caller,
		Previous: previous,
		Current:  new(big.Int).Set(rate),
	})
	return nil
}

func (a *Authority) record() (*RateRecord, error) {
	if a == nil || a.state == nil {
		return nil, errNilState
	}
	record, ok, err := a.state.RateRecord()
	if err != nil {
		return nil, err
	}
	if !ok || record == nil {
		return nil, errNotInitialized
	}
	clone := record.Clone()
	if clone.Rate == nil {
		clone.Rate = big.NewInt(0)
	}
	return clone, nil
}

func (a *Authority) now() uint64 {
	ts := a.nowFn()
	if ts < 0 {
		return 0
	}
	return uint64(ts)
}
