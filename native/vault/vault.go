// Package vault bridges an external asset reserve and the accrual ledger.
// Deposits fund the ledger only after the reserve has custody of the asset;
// redemptions pay out the asset before the ledger debit becomes durable, so a
// failed payout leaves the ledger untouched.
package vault

import (
	"errors"
	"fmt"
	"math/big"

	"rebasenet/core/events"
	nativecommon "rebasenet/native/common"
)

const moduleName = "vault"

var (
	ErrNilLedger  = errors.New("vault: ledger not configured")
	ErrNilReserve = errors.New("vault: asset reserve not configured")
)

// AssetReserve abstracts custody of the external asset backing the ledger.
// Implementations must be atomic per call: a nil return means the asset
// moved, any error means it did not.
type AssetReserve interface {
	Deposit(account [20]byte, amount *big.Int) error
	Release(account [20]byte, amount *big.Int) error
}

// NoopReserve is the reserve for unbacked development instances: every
// custody operation succeeds without moving anything.
type NoopReserve struct{}

func (NoopReserve) Deposit(account [20]byte, amount *big.Int) error { return nil }

func (NoopReserve) Release(account [20]byte, amount *big.Int) error { return nil }

// Ledger is the slice of the accrual engine the vault drives.
type Ledger interface {
	Fund(addr [20]byte, amount *big.Int) error
	WithdrawWith(addr [20]byte, amount *big.Int, commit func(resolved *big.Int) error) (*big.Int, error)
}

type Vault struct {
	ledger  Ledger
	reserve AssetReserve
	emitter events.Emitter
	pauses  nativecommon.PauseView
}

func New(ledger Ledger, reserve AssetReserve) *Vault {
	return &Vault{ledger: ledger, reserve: reserve, emitter: events.NoopEmitter{}}
}

func (v *Vault) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	v.emitter = emitter
}

func (v *Vault) SetPauses(p nativecommon.PauseView) { v.pauses = p }

// Deposit takes custody of amount in the reserve and funds the ledger with
// the equivalent principal. If funding fails the reserve deposit is unwound
// so the user is not left holding principal-less custody.
func (v *Vault) Deposit(account [20]byte, amount *big.Int) error {
	if v == nil || v.ledger == nil {
		return ErrNilLedger
	}
	if v.reserve == nil {
		return ErrNilReserve
	}
	if err := nativecommon.Guard(v.pauses, moduleName); err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("vault: invalid deposit amount")
	}
	if err := v.reserve.Deposit(account, amount); err != nil {
		return fmt.Errorf("vault: reserve deposit: %w", err)
	}
	if err := v.ledger.Fund(account, amount); err != nil {
		if undo := v.reserve.Release(account, amount); undo != nil {
			return fmt.Errorf("vault: fund failed (%w) and reserve refund failed: %v", err, undo)
		}
		return fmt.Errorf("vault: fund: %w", err)
	}
	v.emitter.Emit(events.VaultDeposited{Account: account, Amount: new(big.Int).Set(amount)})
	return nil
}

// Redeem debits the ledger and releases the equivalent external asset. The
// release runs inside the ledger's commit window: if the reserve cannot pay
// out, the debit and its settlement are both abandoned.
func (v *Vault) Redeem(account [20]byte, amount *big.Int) (*big.Int, error) {
	if v == nil || v.ledger == nil {
		return nil, ErrNilLedger
	}
	if v.reserve == nil {
		return nil, ErrNilReserve
	}
	if err := nativecommon.Guard(v.pauses, moduleName); err != nil {
		return nil, err
	}
	resolved, err := v.ledger.WithdrawWith(account, amount, func(resolved *big.Int) error {
		if err := v.reserve.Release(account, resolved); err != nil {
			return fmt.Errorf("vault: reserve release: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	v.emitter.Emit(events.VaultRedeemed{Account: account, Amount: new(big.Int).Set(resolved)})
	return resolved, nil
}
