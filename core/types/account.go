package types

import "math/big"

// Account is the per-address ledger record. Principal is the explicitly
// recorded balance and excludes interest that has accrued since LastSettled;
// Rate is the per-second yield rate locked in for this account, scaled by
// 1e18. Time moves the computed balance, never Principal; only settlement
// converts the gap into Principal.
type Account struct {
	Nonce       uint64   `json:"nonce"`
	Principal   *big.Int `json:"principal"`
	Rate        *big.Int `json:"rate"`
	LastSettled uint64   `json:"lastSettled"`
}

// Clone returns a deep copy so callers can mutate without aliasing state.
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	out := &Account{
		Nonce:       a.Nonce,
		LastSettled: a.LastSettled,
		Principal:   big.NewInt(0),
		Rate:        big.NewInt(0),
	}
	if a.Principal != nil {
		out.Principal = new(big.Int).Set(a.Principal)
	}
	if a.Rate != nil {
		out.Rate = new(big.Int).Set(a.Rate)
	}
	return out
}

// EnsureDefaults normalises nil big int fields so callers never observe a
// partially initialised account.
func (a *Account) EnsureDefaults() {
	if a.Principal == nil {
		a.Principal = big.NewInt(0)
	}
	if a.Rate == nil {
		a.Rate = big.NewInt(0)
	}
}
