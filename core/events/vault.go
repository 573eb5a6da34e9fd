package events

import (
	"math/big"

	"rebasenet/core/types"
	"rebasenet/crypto"
)

const (
	TypeVaultDeposited = "vault.deposited"
	TypeVaultRedeemed  = "vault.redeemed"
)

// VaultDeposited records an external-asset deposit that funded the ledger.
type VaultDeposited struct {
	Account [20]byte
	Amount  *big.Int
}

func (e VaultDeposited) EventType() string { return TypeVaultDeposited }

func (e VaultDeposited) Event() *types.Event {
	return &types.Event{
		Type: TypeVaultDeposited,
		Attributes: map[string]string{
			"account": crypto.MustNewAddress(crypto.RBTPrefix, e.Account[:]).String(),
			"amount":  formatAmount(e.Amount),
		},
	}
}

// VaultRedeemed records a ledger withdrawal paid out as the external asset.
type VaultRedeemed struct {
	Account [20]byte
	Amount  *big.Int
}

func (e VaultRedeemed) EventType() string { return TypeVaultRedeemed }

func (e VaultRedeemed) Event() *types.Event {
	return &types.Event{
		Type: TypeVaultRedeemed,
		Attributes: map[string]string{
			"account": crypto.MustNewAddress(crypto.RBTPrefix, e.Account[:]).String(),
			"amount":  formatAmount(e.Amount),
		},
	}
}
