package rebase

import (
	"math/big"

	"github.com/holiman/uint256"
)

// Scale is the fixed-point denominator shared by rates and interest
// multipliers. A rate of r means a balance grows by principal*r/Scale for
// every second since the last settlement.
var Scale = big.NewInt(1_000_000_000_000_000_000)

// MaxAmount is the sentinel callers pass to move an account's entire settled
// balance. It resolves after settlement, so the resolved value includes any
// interest minted by the same operation.
var MaxAmount = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

var scaleWord = uint256.NewInt(1_000_000_000_000_000_000)

// accruedBalance computes principal * (Scale + rate*elapsed) / Scale using
// 256-bit checked arithmetic. Interest is linear in elapsed time; the growth
// term resets to zero at every settlement. Any overflow in an intermediate
// step fails with ErrArithmeticOverflow instead of wrapping.
func accruedBalance(principal, rate *big.Int, elapsed uint64) (*big.Int, error) {
	if principal == nil || principal.Sign() == 0 {
		return big.NewInt(0), nil
	}
	if rate == nil || rate.Sign() == 0 || elapsed == 0 {
		return new(big.Int).Set(principal), nil
	}
	p, overflow := uint256.FromBig(principal)
	if overflow {
		return nil, ErrArithmeticOverflow
	}
	r, overflow := uint256.FromBig(rate)
	if overflow {
		return nil, ErrArithmeticOverflow
	}
	growth, overflow := new(uint256.Int).MulOverflow(r, uint256.NewInt(elapsed))
	if overflow {
		return nil, ErrArithmeticOverflow
	}
	multiplier, carry := new(uint256.Int).AddOverflow(scaleWord, growth)
	if carry {
		return nil, ErrArithmeticOverflow
	}
	product, overflow := new(uint256.Int).MulOverflow(p, multiplier)
	if overflow {
		return nil, ErrArithmeticOverflow
	}
	return new(uint256.Int).Div(product, scaleWord).ToBig(), nil
}

// checkedAdd guards principal credits against exceeding the 256-bit range the
// stored representation supports.
func checkedAdd(a, b *big.Int) (*big.Int, error) {
	x, overflow := uint256.FromBig(a)
	if overflow {
		return nil, ErrArithmeticOverflow
	}
	y, overflow := uint256.FromBig(b)
	if overflow {
		return nil, ErrArithmeticOverflow
	}
	sum, carry := new(uint256.Int).AddOverflow(x, y)
	if carry {
		return nil, ErrArithmeticOverflow
	}
	return sum.ToBig(), nil
}

// isMaxSentinel reports whether amount is the full-balance marker.
func isMaxSentinel(amount *big.Int) bool {
	return amount != nil && amount.Cmp(MaxAmount) == 0
}
