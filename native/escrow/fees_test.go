package escrow

import (
	"errors"
	"math/big"
	"testing"

	"escrowcore/native/common"
)

func TestFeeBasisPoints(t *testing.T) {
	fee, err := Fee(big.NewInt(70_000), 500)
	if err != nil {
		t.Fatalf("fee: %v", err)
	}
	if fee.Cmp(big.NewInt(3_500)) != 0 {
		t.Fatalf("fee = %s, want 3500", fee)
	}
}

func TestFeeTruncates(t *testing.T) {
	fee, err := Fee(big.NewInt(999), 500)
	if err != nil {
		t.Fatalf("fee: %v", err)
	}
	if fee.Cmp(big.NewInt(49)) != 0 {
		t.Fatalf("fee = %s, want 49", fee)
	}
}

func TestFeeZeroRate(t *testing.T) {
	fee, err := Fee(big.NewInt(123_456), 0)
	if err != nil {
		t.Fatalf("fee: %v", err)
	}
	if fee.Sign() != 0 {
		t.Fatalf("fee = %s, want 0", fee)
	}
}

func TestFeeRejectsOutOfRangeRate(t *testing.T) {
	if _, err := Fee(big.NewInt(100), 10_001); err == nil {
		t.Fatal("expected error for rate above 10000")
	}
}

func TestFeeOverflowDetected(t *testing.T) {
	huge := new(big.Int).Lsh(big.NewInt(1), 300)
	_, err := Fee(huge, 500)
	if !errors.Is(err, common.ErrArithmeticOverflow) {
		t.Fatalf("expected arithmetic overflow, got %v", err)
	}

	nearMax := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
	_, err = Fee(nearMax, 500)
	if !errors.Is(err, common.ErrArithmeticOverflow) {
		t.Fatalf("expected product overflow, got %v", err)
	}
}

func TestFeeRejectsNegative(t *testing.T) {
	_, err := Fee(big.NewInt(-1), 500)
	if !errors.Is(err, common.ErrArithmeticOverflow) {
		t.Fatalf("expected overflow kind for negative amount, got %v", err)
	}
}

func TestCouponDiscount(t *testing.T) {
	discount, err := CouponDiscount(big.NewInt(3_500), 2_000)
	if err != nil {
		t.Fatalf("discount: %v", err)
	}
	if discount.Cmp(big.NewInt(700)) != 0 {
		t.Fatalf("discount = %s, want 700", discount)
	}
}

func TestPenalty(t *testing.T) {
	penalty, err := Penalty(big.NewInt(1_000), 100)
	if err != nil {
		t.Fatalf("penalty: %v", err)
	}
	if penalty.Cmp(big.NewInt(10)) != 0 {
		t.Fatalf("penalty = %s, want 10", penalty)
	}
}

func TestAddCheckedOverflow(t *testing.T) {
	max := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
	_, err := AddChecked(max, big.NewInt(1))
	if !errors.Is(err, common.ErrArithmeticOverflow) {
		t.Fatalf("expected overflow, got %v", err)
	}

	sum, err := AddChecked(big.NewInt(2), big.NewInt(3))
	if err != nil || sum.Cmp(big.NewInt(5)) != 0 {
		t.Fatalf("sum = %s, err = %v", sum, err)
	}
}
