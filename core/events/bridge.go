package events

import (
	"math/big"
	"strconv"

	"rebasenet/core/types"
	"rebasenet/crypto"
)

const (
	// TypeBridgeOutbound is emitted when principal is burned for a cross-instance move.
	TypeBridgeOutbound = "bridge.outbound"
	// TypeBridgeInbound is emitted when a delivered voucher mints principal locally.
	TypeBridgeInbound = "bridge.inbound"
)

// BridgeOutbound records the burn half of a bridge transfer. Rate is the
// sender's locked rate captured at burn time; it travels with the voucher so
// the destination instance can honour it no matter how long delivery takes.
type BridgeOutbound struct {
	VoucherID string
	Sender    [20]byte
	DestChain uint64
	Account   [20]byte
	Amount    *big.Int
	Rate      *big.Int
}

func (BridgeOutbound) EventType() string { return TypeBridgeOutbound }

func (e BridgeOutbound) Event() *types.Event {
	return &types.Event{
		Type: TypeBridgeOutbound,
		Attributes: map[string]string{
			"voucherId": e.VoucherID,
			"sender":    crypto.MustNewAddress(crypto.RBTPrefix, e.Sender[:]).String(),
			"destChain": strconv.FormatUint(e.DestChain, 10),
			"account":   crypto.MustNewAddress(crypto.RBTPrefix, e.Account[:]).String(),
			"amount":    formatAmount(e.Amount),
			"rate":      formatAmount(e.Rate),
		},
	}
}

// BridgeInbound records the mint half applied from a delivered voucher.
type BridgeInbound struct {
	VoucherID   string
	SourceChain uint64
	Account     [20]byte
	Amount      *big.Int
	Rate        *big.Int
}

func (BridgeInbound) EventType() string { return TypeBridgeInbound }

func (e BridgeInbound) Event() *types.Event {
	return &types.Event{
		Type: TypeBridgeInbound,
		Attributes: map[string]string{
			"voucherId":   e.VoucherID,
			"sourceChain": strconv.FormatUint(e.SourceChain, 10),
			"account":     crypto.MustNewAddress(crypto.RBTPrefix, e.Account[:]).String(),
			"amount":      formatAmount(e.Amount),
			"rate":        formatAmount(e.Rate),
		},
	}
}
