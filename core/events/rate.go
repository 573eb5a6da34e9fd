package events

import (
	"math/big"

	"rebasenet/core/types"
	"rebasenet/crypto"
)

const (
	// TypeRateChanged is emitted whenever the authority lowers the global rate.
	TypeRateChanged = "rebase.rate_changed"
)

// RateChanged captures a successful global rate decrease. Previous is the
// rate that was replaced; accounts funded earlier keep their own snapshots.
type RateChanged struct {
	Operator [20]byte
	Previous *big.Int
	Current  *big.Int
}

func (RateChanged) EventType() string { return TypeRateChanged }

func (e RateChanged) Event() *types.Event {
	return &types.Event{
		Type: TypeRateChanged,
		Attributes: map[string]string{
			"operator": crypto.MustNewAddress(crypto.RBTPrefix, e.Operator[:]).String(),
			"previous": formatAmount(e.Previous),
			"current":  formatAmount(e.Current),
		},
	}
}
