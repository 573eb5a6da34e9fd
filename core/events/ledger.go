package events

import (
	"math/big"
	"strconv"

	"rebasenet/core/types"
	"rebasenet/crypto"
)

const (
	// TypeLedgerFunded is emitted when principal is credited through the vault.
	TypeLedgerFunded = "rebase.funded"
	// TypeLedgerWithdrawn is emitted when settled principal leaves the ledger.
	TypeLedgerWithdrawn = "rebase.withdrawn"
	// TypeLedgerSettled is emitted when accrued interest is folded into principal.
	TypeLedgerSettled = "rebase.settled"
	// TypeLedgerTransferred is emitted for in-ledger principal movements.
	TypeLedgerTransferred = "rebase.transferred"
)

// LedgerFunded records a principal credit together with the rate snapshot the
// account locked in at funding time.
type LedgerFunded struct {
	Account [20]byte
	Amount  *big.Int
	Rate    *big.Int
}

func (LedgerFunded) EventType() string { return TypeLedgerFunded }

func (e LedgerFunded) Event() *types.Event {
	return &types.Event{
		Type: TypeLedgerFunded,
		Attributes: map[string]string{
			"account": crypto.MustNewAddress(crypto.RBTPrefix, e.Account[:]).String(),
			"amount":  formatAmount(e.Amount),
			"rate":    formatAmount(e.Rate),
		},
	}
}

type LedgerWithdrawn struct {
	Account [20]byte
	Amount  *big.Int
}

func (LedgerWithdrawn) EventType() string { return TypeLedgerWithdrawn }

func (e LedgerWithdrawn) Event() *types.Event {
	return &types.Event{
		Type: TypeLedgerWithdrawn,
		Attributes: map[string]string{
			"account": crypto.MustNewAddress(crypto.RBTPrefix, e.Account[:]).String(),
			"amount":  formatAmount(e.Amount),
		},
	}
}

// LedgerSettled reports the interest minted into principal by a settlement.
// Settlements with a zero delta are not emitted.
type LedgerSettled struct {
	Account   [20]byte
	Interest  *big.Int
	Principal *big.Int
	At        uint64
}

func (LedgerSettled) EventType() string { return TypeLedgerSettled }

func (e LedgerSettled) Event() *types.Event {
	return &types.Event{
		Type: TypeLedgerSettled,
		Attributes: map[string]string{
			"account":   crypto.MustNewAddress(crypto.RBTPrefix, e.Account[:]).String(),
			"interest":  formatAmount(e.Interest),
			"principal": formatAmount(e.Principal),
			"at":        strconv.FormatUint(e.At, 10),
		},
	}
}

// LedgerTransferred records an in-ledger move. RateInherited is set when the
// recipient had zero settled principal and adopted the sender's locked rate.
type LedgerTransferred struct {
	From          [20]byte
	To            [20]byte
	Amount        *big.Int
	RateInherited bool
}

func (LedgerTransferred) EventType() string { return TypeLedgerTransferred }

func (e LedgerTransferred) Event() *types.Event {
	return &types.Event{
		Type: TypeLedgerTransferred,
		Attributes: map[string]string{
			"from":          crypto.MustNewAddress(crypto.RBTPrefix, e.From[:]).String(),
			"to":            crypto.MustNewAddress(crypto.RBTPrefix, e.To[:]).String(),
			"amount":        formatAmount(e.Amount),
			"rateInherited": strconv.FormatBool(e.RateInherited),
		},
	}
}

func formatAmount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
