package escrow

import (
	"errors"
	"math/big"
	"testing"

	"escrowcore/native/assets"
	"escrowcore/native/common"
)

const vestingDay = int64(86_400)

type trustFixture struct {
	env       *testEnv
	principal party
	trustee   party
	platform  party
	guarantor party
	tid       []byte
}

func newTrustFixture(t *testing.T) *trustFixture {
	env := newTestEnv(t)
	f := &trustFixture{
		env:       env,
		principal: newParty(t),
		trustee:   newParty(t),
		platform:  newParty(t),
		guarantor: newParty(t),
		tid:       []byte("tid-trust"),
	}
	env.state.fund(f.principal.addr, 1_000_000)
	return f
}

func (f *trustFixture) publish(t *testing.T) *Trade {
	t.Helper()
	trade, err := f.env.engine.PublishTrust(TrustPublishParams{
		TID:            f.tid,
		Principal:      f.principal.addr,
		Trustee:        f.trustee.addr,
		Platform:       f.platform.addr,
		Guarantor:      f.guarantor.addr,
		Asset:          assets.Native(),
		Total:          big.NewInt(100_000),
		StartDate:      f.env.now,
		Interval:       vestingDay,
		IntervalAmount: big.NewInt(10_000),
		FeeRateBps:     500,
		Value:          big.NewInt(100_000),
	})
	if err != nil {
		t.Fatalf("publish trust: %v", err)
	}
	return trade
}

func TestPublishTrustValidation(t *testing.T) {
	f := newTrustFixture(t)

	_, err := f.env.engine.PublishTrust(TrustPublishParams{
		TID:            f.tid,
		Principal:      f.principal.addr,
		Trustee:        f.trustee.addr,
		Platform:       f.platform.addr,
		Guarantor:      f.guarantor.addr,
		Asset:          assets.Native(),
		Total:          big.NewInt(100_000),
		StartDate:      f.env.now,
		Interval:       0,
		IntervalAmount: big.NewInt(10_000),
		Value:          big.NewInt(100_000),
	})
	if !errors.Is(err, common.ErrInvalidSchedule) {
		t.Fatalf("zero interval: got %v", err)
	}

	f.publish(t)
	_, err = f.env.engine.PublishTrust(TrustPublishParams{
		TID:            f.tid,
		Principal:      f.principal.addr,
		Trustee:        f.trustee.addr,
		Platform:       f.platform.addr,
		Guarantor:      f.guarantor.addr,
		Asset:          assets.Native(),
		Total:          big.NewInt(1),
		StartDate:      f.env.now,
		Interval:       vestingDay,
		IntervalAmount: big.NewInt(1),
		Value:          big.NewInt(1),
	})
	if !errors.Is(err, common.ErrDuplicateTransaction) {
		t.Fatalf("republish: got %v", err)
	}
}

func TestTrusteeWithdrawsVestedIntervals(t *testing.T) {
	f := newTrustFixture(t)
	f.publish(t)
	consent := f.principal.sign(t, ConsentDigest(f.tid))

	// One interval vested at the start date.
	err := f.env.engine.Withdraw(WithdrawParams{
		TID:          f.tid,
		Caller:       f.trustee.addr,
		Amount:       big.NewInt(10_001),
		ConsentClaim: consent,
	})
	if !errors.Is(err, common.ErrInsufficientReleasable) {
		t.Fatalf("over-withdrawal: got %v", err)
	}

	err = f.env.engine.Withdraw(WithdrawParams{
		TID:          f.tid,
		Caller:       f.trustee.addr,
		Amount:       big.NewInt(10_000),
		ConsentClaim: consent,
	})
	if err != nil {
		t.Fatalf("withdraw first interval: %v", err)
	}
	if got := f.env.state.balance(f.trustee.addr); got.Cmp(big.NewInt(9_500)) != 0 {
		t.Fatalf("trustee balance = %s, want 9500", got)
	}

	// Three more intervals vest; 30000 more is releasable.
	f.env.now += 3 * vestingDay
	releasable, err := f.env.engine.ReleasableAmount(f.tid, RoleSeller)
	if err != nil {
		t.Fatalf("releasable: %v", err)
	}
	if releasable.Cmp(big.NewInt(30_000)) != 0 {
		t.Fatalf("releasable = %s, want 30000", releasable)
	}
}

func TestPrincipalReclaimsUnvested(t *testing.T) {
	f := newTrustFixture(t)
	f.publish(t)
	f.env.now += vestingDay

	// Two intervals vested: the principal may pull back the other 80000
	// without any refund request.
	err := f.env.engine.Withdraw(WithdrawParams{
		TID:          f.tid,
		Caller:       f.principal.addr,
		Amount:       big.NewInt(80_001),
		ConsentClaim: f.trustee.sign(t, ConsentDigest(f.tid)),
	})
	if !errors.Is(err, common.ErrInsufficientReleasable) {
		t.Fatalf("over-reclaim: got %v", err)
	}
	err = f.env.engine.Withdraw(WithdrawParams{
		TID:          f.tid,
		Caller:       f.principal.addr,
		Amount:       big.NewInt(80_000),
		ConsentClaim: f.trustee.sign(t, ConsentDigest(f.tid)),
	})
	if err != nil {
		t.Fatalf("principal reclaim: %v", err)
	}
	// 900000 after funding, plus 80000 less the 500 bps fee.
	if got := f.env.state.balance(f.principal.addr); got.Cmp(big.NewInt(976_000)) != 0 {
		t.Fatalf("principal balance = %s, want 976000", got)
	}
}

func TestTopUpExtendsVesting(t *testing.T) {
	f := newTrustFixture(t)
	f.publish(t)

	if err := f.env.engine.TopUp(f.tid, f.trustee.addr, big.NewInt(1), big.NewInt(1)); !errors.Is(err, common.ErrNotAuthorizedRole) {
		t.Fatalf("trustee top-up: got %v", err)
	}
	if err := f.env.engine.TopUp(f.tid, f.principal.addr, big.NewInt(50_000), big.NewInt(50_000)); err != nil {
		t.Fatalf("top-up: %v", err)
	}

	trade, err := f.env.engine.GetTrade(f.tid)
	if err != nil {
		t.Fatalf("get trade: %v", err)
	}
	if trade.Total.Cmp(big.NewInt(150_000)) != 0 {
		t.Fatalf("total = %s, want 150000", trade.Total)
	}

	// Far out the whole extended total is vested.
	f.env.now += 100 * vestingDay
	releasable, err := f.env.engine.ReleasableAmount(f.tid, RoleSeller)
	if err != nil {
		t.Fatalf("releasable: %v", err)
	}
	if releasable.Cmp(big.NewInt(150_000)) != 0 {
		t.Fatalf("releasable = %s, want 150000", releasable)
	}
}

func TestTopUpValueMismatchLeavesBalance(t *testing.T) {
	f := newTrustFixture(t)
	f.publish(t)
	before := f.env.state.balance(f.principal.addr)

	err := f.env.engine.TopUp(f.tid, f.principal.addr, big.NewInt(50_000), big.NewInt(40_000))
	if !errors.Is(err, common.ErrAmountMismatch) {
		t.Fatalf("expected amount mismatch, got %v", err)
	}
	if got := f.env.state.balance(f.principal.addr); got.Cmp(before) != 0 {
		t.Fatalf("principal balance moved: %s -> %s", before, got)
	}
}

func TestSetVestingLockedAfterWithdrawal(t *testing.T) {
	f := newTrustFixture(t)
	f.publish(t)

	if err := f.env.engine.SetVesting(f.tid, f.trustee.addr, f.env.now, vestingDay, big.NewInt(1)); !errors.Is(err, common.ErrNotAuthorizedRole) {
		t.Fatalf("trustee reshape: got %v", err)
	}

	// Before any withdrawal the principal may slow the plan down.
	if err := f.env.engine.SetVesting(f.tid, f.principal.addr, f.env.now, 2*vestingDay, big.NewInt(5_000)); err != nil {
		t.Fatalf("reshape: %v", err)
	}
	releasable, err := f.env.engine.ReleasableAmount(f.tid, RoleSeller)
	if err != nil {
		t.Fatalf("releasable: %v", err)
	}
	if releasable.Cmp(big.NewInt(5_000)) != 0 {
		t.Fatalf("releasable = %s, want 5000", releasable)
	}

	err = f.env.engine.Withdraw(WithdrawParams{
		TID:          f.tid,
		Caller:       f.trustee.addr,
		Amount:       big.NewInt(5_000),
		ConsentClaim: f.principal.sign(t, ConsentDigest(f.tid)),
	})
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	err = f.env.engine.SetVesting(f.tid, f.principal.addr, f.env.now, vestingDay, big.NewInt(100_000))
	if !errors.Is(err, common.ErrNotAuthorizedRole) {
		t.Fatalf("reshape after withdrawal: got %v", err)
	}
}
