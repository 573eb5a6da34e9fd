package rebase

import (
	"fmt"
	"math/big"
	"time"

	"rebasenet/core/events"
	"rebasenet/core/types"
	nativecommon "rebasenet/native/common"
)

const moduleName = "rebase"

type engineState interface {
	GetAccount(addr [20]byte) (*types.Account, error)
	PutAccount(addr [20]byte, account *types.Account) error
}

// BurnReceipt reports what an outbound burn removed from the ledger. Rate is
// the snapshot carried to the destination instance; it is the account's own
// rate at burn time, never the global rate of either side.
type BurnReceipt struct {
	Amount *big.Int
	Rate   *big.Int
}

// Engine applies balance operations to the accrual ledger. Every mutating
// operation settles the touched accounts first, validates against settled
// principal, and persists only after all checks pass, so a rejected call
// leaves state exactly as it found it.
type Engine struct {
	state     engineState
	authority *Authority
	emitter   events.Emitter
	nowFn     func() int64
	pauses    nativecommon.PauseView
}

func NewEngine() *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

func (e *Engine) SetState(state engineState) { e.state = state }

func (e *Engine) SetAuthority(authority *Authority) { e.authority = authority }

// Authority exposes the configured rate authority so callers holding the
// engine can route rate queries and updates through the same instance.
func (e *Engine) Authority() *Authority { return e.authority }

func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	e.emitter = emitter
}

func (e *Engine) SetNowFunc(now func() int64) {
	if now != nil {
		e.nowFn = now
	}
}

func (e *Engine) SetPauses(p nativecommon.PauseView) { e.pauses = p }

// BalanceOf computes principal plus interest accrued since the account's last
// settlement. It never writes state; two reads at the same timestamp return
// the same value.
func (e *Engine) BalanceOf(addr [20]byte) (*big.Int, error) {
	account, err := e.loadAccount(addr)
	if err != nil {
		return nil, err
	}
	return accruedBalance(account.Principal, account.Rate, e.elapsed(account))
}

// PrincipalOf returns the stored principal without accrual.
func (e *Engine) PrincipalOf(addr [20]byte) (*big.Int, error) {
	account, err := e.loadAccount(addr)
	if err != nil {
		return nil, err
	}
	return new(big.Int).Set(account.Principal), nil
}

// RateOf returns the account's snapshot rate.
func (e *Engine) RateOf(addr [20]byte) (*big.Int, error) {
	account, err := e.loadAccount(addr)
	if err != nil {
		return nil, err
	}
	return new(big.Int).Set(account.Rate), nil
}

// LastSettledOf returns the timestamp of the account's last settlement.
func (e *Engine) LastSettledOf(addr [20]byte) (uint64, error) {
	account, err := e.loadAccount(addr)
	if err != nil {
		return 0, err
	}
	return account.LastSettled, nil
}

// Settle folds accrued interest into principal and stamps the accrual clock.
// Calling it twice at the same timestamp is a no-op the second time; the
// computed balance is identical before and after.
func (e *Engine) Settle(addr [20]byte) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	account, err := e.loadAccount(addr)
	if err != nil {
		return err
	}
	if _, err := e.settleAccount(addr, account); err != nil {
		return err
	}
	return e.state.PutAccount(addr, account)
}

// Fund credits amount of principal and snapshots the current global rate onto
// the account, after settling any interest earned under the old snapshot.
func (e *Engine) Fund(addr [20]byte, amount *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if e.authority == nil {
		return errNilAuthority
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	if err := validateAmount(amount); err != nil {
		return err
	}
	rate, err := e.authority.CurrentRate()
	if err != nil {
		return err
	}
	account, err := e.loadAccount(addr)
	if err != nil {
		return err
	}
	if _, err := e.settleAccount(addr, account); err != nil {
		return err
	}
	principal, err := checkedAdd(account.Principal, amount)
	if err != nil {
		return err
	}
	account.Principal = principal
	account.Rate = rate
	account.Nonce++
	if err := e.state.PutAccount(addr, account); err != nil {
		return err
	}
	e.emitter.Emit(events.LedgerFunded{
		Account: addr,
		Amount:  new(big.Int).Set(amount),
		Rate:    new(big.Int).Set(rate),
	})
	return nil
}

// Withdraw debits amount of settled principal. Passing MaxAmount resolves to
// the full post-settlement balance. The resolved amount is returned so
// callers observe what a sentinel withdrawal actually moved.
func (e *Engine) Withdraw(addr [20]byte, amount *big.Int) (*big.Int, error) {
	return e.withdraw(addr, amount, nil)
}

// WithdrawWith runs commit between validation and persistence. The debit is
// applied only if commit returns nil; any error aborts the whole operation
// including the settlement computed for it. The vault uses this to hand out
// the external asset before the ledger debit becomes durable.
func (e *Engine) WithdrawWith(addr [20]byte, amount *big.Int, commit func(resolved *big.Int) error) (*big.Int, error) {
	return e.withdraw(addr, amount, commit)
}

func (e *Engine) withdraw(addr [20]byte, amount *big.Int, commit func(*big.Int) error) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if err := validateAmountOrMax(amount); err != nil {
		return nil, err
	}
	account, err := e.loadAccount(addr)
	if err != nil {
		return nil, err
	}
	if _, err := e.settleAccount(addr, account); err != nil {
		return nil, err
	}
	resolved := resolveAmount(amount, account.Principal)
	if account.Principal.Cmp(resolved) < 0 {
		return nil, ErrInsufficientBalance
	}
	if commit != nil {
		if err := commit(new(big.Int).Set(resolved)); err != nil {
			return nil, err
		}
	}
	account.Principal = new(big.Int).Sub(account.Principal, resolved)
	account.Nonce++
	if err := e.state.PutAccount(addr, account); err != nil {
		return nil, err
	}
	e.emitter.Emit(events.LedgerWithdrawn{
		Account: addr,
		Amount:  new(big.Int).Set(resolved),
	})
	return resolved, nil
}

// Transfer moves amount from one account to another. Both sides are settled
// first, so each party keeps the interest earned up to this instant. A
// recipient with zero principal inherits the sender's rate snapshot;
// otherwise the recipient's own snapshot is preserved.
func (e *Engine) Transfer(from, to [20]byte, amount *big.Int) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if err := validateAmountOrMax(amount); err != nil {
		return nil, err
	}
	sender, err := e.loadAccount(from)
	if err != nil {
		return nil, err
	}
	if _, err := e.settleAccount(from, sender); err != nil {
		return nil, err
	}
	resolved := resolveAmount(amount, sender.Principal)
	if sender.Principal.Cmp(resolved) < 0 {
		return nil, ErrInsufficientBalance
	}

	if from == to {
		sender.Nonce++
		if err := e.state.PutAccount(from, sender); err != nil {
			return nil, err
		}
		e.emitter.Emit(events.LedgerTransferred{
			From:   from,
			To:     to,
			Amount: new(big.Int).Set(resolved),
		})
		return resolved, nil
	}

	recipient, err := e.loadAccount(to)
	if err != nil {
		return nil, err
	}
	if _, err := e.settleAccount(to, recipient); err != nil {
		return nil, err
	}
	inherited := recipient.Principal.Sign() == 0
	principal, err := checkedAdd(recipient.Principal, resolved)
	if err != nil {
		return nil, err
	}
	sender.Principal = new(big.Int).Sub(sender.Principal, resolved)
	sender.Nonce++
	recipient.Principal = principal
	if inherited {
		recipient.Rate = new(big.Int).Set(sender.Rate)
	}
	if err := e.state.PutAccount(from, sender); err != nil {
		return nil, err
	}
	if err := e.state.PutAccount(to, recipient); err != nil {
		return nil, err
	}
	e.emitter.Emit(events.LedgerTransferred{
		From:          from,
		To:            to,
		Amount:        new(big.Int).Set(resolved),
		RateInherited: inherited,
	})
	return resolved, nil
}

// Burn is the outbound half of a bridge crossing: a withdraw that also
// reports the rate snapshot travelling with the burned value.
func (e *Engine) Burn(addr [20]byte, amount *big.Int) (BurnReceipt, error) {
	if e == nil || e.state == nil {
		return BurnReceipt{}, errNilState
	}
	account, err := e.loadAccount(addr)
	if err != nil {
		return BurnReceipt{}, err
	}
	rate := new(big.Int).Set(account.Rate)
	resolved, err := e.withdraw(addr, amount, nil)
	if err != nil {
		return BurnReceipt{}, err
	}
	return BurnReceipt{Amount: resolved, Rate: rate}, nil
}

// Mint is the inbound half of a bridge crossing. The credited principal
// starts accruing at the carried rate from this instant; the local global
// rate plays no part. An existing destination account is settled first so
// interest earned under its previous snapshot is preserved before the rate
// is overwritten.
func (e *Engine) Mint(addr [20]byte, amount, rate *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	if err := validateAmount(amount); err != nil {
		return err
	}
	if rate == nil || rate.Sign() < 0 {
		return ErrInvalidRate
	}
	account, err := e.loadAccount(addr)
	if err != nil {
		return err
	}
	if _, err := e.settleAccount(addr, account); err != nil {
		return err
	}
	principal, err := checkedAdd(account.Principal, amount)
	if err != nil {
		return err
	}
	account.Principal = principal
	account.Rate = new(big.Int).Set(rate)
	if err := e.state.PutAccount(addr, account); err != nil {
		return err
	}
	e.emitter.Emit(events.LedgerFunded{
		Account: addr,
		Amount:  new(big.Int).Set(amount),
		Rate:    new(big.Int).Set(rate),
	})
	return nil
}

// loadAccount returns a defaults-filled clone so mutations never alias
// whatever the state backend handed out.
func (e *Engine) loadAccount(addr [20]byte) (*types.Account, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	stored, err := e.state.GetAccount(addr)
	if err != nil {
		return nil, fmt.Errorf("rebase: load account: %w", err)
	}
	account := stored.Clone()
	if account == nil {
		account = &types.Account{}
	}
	account.EnsureDefaults()
	return account, nil
}

// settleAccount folds accrued interest into the in-memory clone and emits a
// settlement event when interest was actually minted. The caller persists.
func (e *Engine) settleAccount(addr [20]byte, account *types.Account) (*big.Int, error) {
	now := e.now()
	elapsed := elapsedSince(account.LastSettled, now)
	balance, err := accruedBalance(account.Principal, account.Rate, elapsed)
	if err != nil {
		return nil, err
	}
	interest := new(big.Int).Sub(balance, account.Principal)
	account.Principal = balance
	account.LastSettled = now
	if interest.Sign() > 0 {
		e.emitter.Emit(events.LedgerSettled{
			Account:   addr,
			Interest:  new(big.Int).Set(interest),
			Principal: new(big.Int).Set(balance),
			At:        now,
		})
	}
	return interest, nil
}

func (e *Engine) elapsed(account *types.Account) uint64 {
	return elapsedSince(account.LastSettled, e.now())
}

func (e *Engine) now() uint64 {
	ts := e.nowFn()
	if ts < 0 {
		return 0
	}
	return uint64(ts)
}

// elapsedSince clamps at zero so a clock running behind a persisted
// settlement timestamp freezes accrual instead of underflowing.
func elapsedSince(last, now uint64) uint64 {
	if now <= last {
		return 0
	}
	return now - last
}

func validateAmount(amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	return nil
}

func validateAmountOrMax(amount *big.Int) error {
	if isMaxSentinel(amount) {
		return nil
	}
	return validateAmount(amount)
}

// resolveAmount maps the MaxAmount sentinel to the settled principal at hand.
func resolveAmount(amount, settled *big.Int) *big.Int {
	if isMaxSentinel(amount) {
		return new(big.Int).Set(settled)
	}
	return new(big.Int).Set(amount)
}
