package escrow

import (
	"fmt"
	"math/big"

	"github.com/holiman/uint256"

	"escrowcore/native/common"
)

const bpsDenominator = 10_000

func toUint256(v *big.Int) (*uint256.Int, error) {
	if v == nil {
		return uint256.NewInt(0), nil
	}
	if v.Sign() < 0 {
		return nil, fmt.Errorf("escrow: negative amount in fee arithmetic: %w", common.ErrArithmeticOverflow)
	}
	converted, overflow := uint256.FromBig(v)
	if overflow {
		return nil, fmt.Errorf("escrow: amount exceeds 256 bits: %w", common.ErrArithmeticOverflow)
	}
	return converted, nil
}

func mulBps(amount *big.Int, rateBps uint32) (*big.Int, error) {
	base, err := toUint256(amount)
	if err != nil {
		return nil, err
	}
	rate := uint256.NewInt(uint64(rateBps))
	product, overflow := new(uint256.Int).MulOverflow(base, rate)
	if overflow {
		return nil, fmt.Errorf("escrow: fee product overflow: %w", common.ErrArithmeticOverflow)
	}
	product.Div(product, uint256.NewInt(bpsDenominator))
	return product.ToBig(), nil
}

// Fee computes the platform fee floor(amount * rateBps / 10000). Overflow is
// reported, never wrapped.
func Fee(amount *big.Int, rateBps uint32) (*big.Int, error) {
	if rateBps > bpsDenominator {
		return nil, fmt.Errorf("escrow: fee rate %d out of range", rateBps)
	}
	return mulBps(amount, rateBps)
}

// CouponDiscount computes floor(fee * couponRateBps / 10000), the portion of
// the fee waived by a platform coupon.
func CouponDiscount(fee *big.Int, couponRateBps uint32) (*big.Int, error) {
	if couponRateBps > bpsDenominator {
		return nil, fmt.Errorf("escrow: coupon rate %d out of range", couponRateBps)
	}
	return mulBps(fee, couponRateBps)
}

// Penalty computes floor(base * penaltyRateBps / 10000) for late payments and
// repayments.
func Penalty(base *big.Int, penaltyRateBps uint32) (*big.Int, error) {
	if penaltyRateBps > bpsDenominator {
		return nil, fmt.Errorf("escrow: penalty rate %d out of range", penaltyRateBps)
	}
	return mulBps(base, penaltyRateBps)
}

// MulChecked multiplies two non-negative amounts, reporting 256-bit overflow
// instead of wrapping. Used for exchange-rate conversions.
func MulChecked(a, b *big.Int) (*big.Int, error) {
	left, err := toUint256(a)
	if err != nil {
		return nil, err
	}
	right, err := toUint256(b)
	if err != nil {
		return nil, err
	}
	product, overflow := new(uint256.Int).MulOverflow(left, right)
	if overflow {
		return nil, fmt.Errorf("escrow: product overflow: %w", common.ErrArithmeticOverflow)
	}
	return product.ToBig(), nil
}

// AddChecked adds two non-negative amounts, reporting 256-bit overflow
// instead of wrapping.
func AddChecked(a, b *big.Int) (*big.Int, error) {
	left, err := toUint256(a)
	if err != nil {
		return nil, err
	}
	right, err := toUint256(b)
	if err != nil {
		return nil, err
	}
	sum, overflow := new(uint256.Int).AddOverflow(left, right)
	if overflow {
		return nil, fmt.Errorf("escrow: sum overflow: %w", common.ErrArithmeticOverflow)
	}
	return sum.ToBig(), nil
}
