package escrow

import (
	"errors"
	"math/big"
	"testing"

	"escrowcore/native/assets"
	"escrowcore/native/common"
)

// mintableToken is a governance token whose supply the engine controls.
type mintableToken struct {
	balances map[[20]byte]*big.Int
}

func newMintableToken() *mintableToken {
	return &mintableToken{balances: make(map[[20]byte]*big.Int)}
}

func (t *mintableToken) balanceOf(addr [20]byte) *big.Int {
	bal, ok := t.balances[addr]
	if !ok {
		return big.NewInt(0)
	}
	return new(big.Int).Set(bal)
}

func (t *mintableToken) BalanceOf(addr [20]byte) (*big.Int, error) {
	return t.balanceOf(addr), nil
}

func (t *mintableToken) Allowance(owner, spender [20]byte) (*big.Int, error) {
	return big.NewInt(0), nil
}

func (t *mintableToken) TransferFrom(from, to [20]byte, amount *big.Int) error {
	t.balances[from] = new(big.Int).Sub(t.balanceOf(from), amount)
	t.balances[to] = new(big.Int).Add(t.balanceOf(to), amount)
	return nil
}

func (t *mintableToken) Transfer(to [20]byte, amount *big.Int) error {
	t.balances[to] = new(big.Int).Add(t.balanceOf(to), amount)
	return nil
}

func (t *mintableToken) Mint(to [20]byte, amount *big.Int) error {
	t.balances[to] = new(big.Int).Add(t.balanceOf(to), amount)
	return nil
}

type daoFixture struct {
	env      *testEnv
	owner    party
	platform party
	buyer    party
	token    *mintableToken
	id       []byte
}

// newDaoFixture opens a pool exchanging 1:10000 with a 1000000 first-round
// target, 10% reserved, 10% discount and a 500 bps fee on withdrawals.
func newDaoFixture(t *testing.T) *daoFixture {
	t.Helper()
	env := newTestEnv(t)
	f := &daoFixture{
		env:      env,
		owner:    newParty(t),
		platform: newParty(t),
		buyer:    newParty(t),
		token:    newMintableToken(),
		id:       []byte("dao-1"),
	}
	env.state.fund(f.buyer.addr, 1_000_000)
	env.adapter.RegisterToken("gov", f.token)

	_, err := env.engine.CreateDao(DaoParams{
		ID:          f.id,
		Owner:       f.owner.addr,
		Platform:    f.platform.addr,
		Asset:       assets.Native(),
		Exchange:    big.NewInt(10_000),
		Target:      big.NewInt(1_000_000),
		ReservedBps: 1_000,
		DiscountBps: 1_000,
		FeeRateBps:  500,
	})
	if err != nil {
		t.Fatalf("create dao: %v", err)
	}
	return f
}

func (f *daoFixture) purchase(t *testing.T, amount int64, tid string) {
	t.Helper()
	value := big.NewInt(amount)
	if err := f.env.engine.PurchaseDao(f.id, f.buyer.addr, value, value, "gov", []byte(tid)); err != nil {
		t.Fatalf("purchase dao: %v", err)
	}
}

// 10000 at exchange 10000 converts to 100000000; the 10% discount leaves
// 90000000 minted, of which 10% is reserved in the vault.
func TestDaoPurchaseIssuesTokens(t *testing.T) {
	f := newDaoFixture(t)
	f.purchase(t, 10_000, "dao-buy-1")

	if got := f.token.balanceOf(f.buyer.addr); got.Cmp(big.NewInt(81_000_000)) != 0 {
		t.Fatalf("buyer tokens = %s, want 81000000", got)
	}
	if got := f.token.balanceOf(f.env.vault); got.Cmp(big.NewInt(9_000_000)) != 0 {
		t.Fatalf("vault tokens = %s, want 9000000", got)
	}
	dao, err := f.env.engine.DaoInfo(f.id)
	if err != nil {
		t.Fatalf("dao info: %v", err)
	}
	if dao.Raised.Cmp(big.NewInt(10_000)) != 0 {
		t.Fatalf("raised = %s, want 10000", dao.Raised)
	}
	if dao.Reserved.Cmp(big.NewInt(9_000_000)) != 0 {
		t.Fatalf("reserved = %s, want 9000000", dao.Reserved)
	}
	if dao.TokenRef != "gov" {
		t.Fatalf("token ref = %q, want gov", dao.TokenRef)
	}
	if got := firstEventAttr(f.env.emitted, EventTypeDaoPurchased, "issued"); got != "81000000" {
		t.Fatalf("issued attr = %s, want 81000000", got)
	}
}

func TestDaoPurchaseGuards(t *testing.T) {
	f := newDaoFixture(t)
	f.purchase(t, 10_000, "dao-buy-1")

	// The first purchase bound the governance token.
	value := big.NewInt(10_000)
	err := f.env.engine.PurchaseDao(f.id, f.buyer.addr, value, value, "other", []byte("dao-buy-2"))
	if !errors.Is(err, ErrDaoTokenMismatch) {
		t.Fatalf("token mismatch: got %v", err)
	}

	err = f.env.engine.PurchaseDao(f.id, f.buyer.addr, value, value, "gov", []byte("dao-buy-1"))
	if !errors.Is(err, common.ErrDuplicateTransaction) {
		t.Fatalf("replayed tid: got %v", err)
	}

	over := big.NewInt(990_001)
	err = f.env.engine.PurchaseDao(f.id, f.buyer.addr, over, over, "gov", []byte("dao-buy-3"))
	if !errors.Is(err, ErrDaoTargetExceeded) {
		t.Fatalf("over target: got %v", err)
	}

	err = f.env.engine.PurchaseDao(f.id, f.buyer.addr, big.NewInt(0), big.NewInt(0), "gov", []byte("dao-buy-4"))
	if !errors.Is(err, common.ErrZeroAmount) {
		t.Fatalf("zero amount: got %v", err)
	}
}

// Withdrawing splits into a value leg and a token leg, each net of the
// 500 bps fee: 10000 pays the owner 9500, 9000000 reserved tokens pay out
// 8550000 with 450000 to the platform.
func TestDaoWithdrawPaysBothLegs(t *testing.T) {
	f := newDaoFixture(t)
	f.purchase(t, 10_000, "dao-buy-1")

	stranger := newParty(t)
	err := f.env.engine.WithdrawDao(DaoWithdrawParams{
		ID:     f.id,
		Caller: stranger.addr,
		Amount: big.NewInt(1),
		TID:    []byte("dao-wd-0"),
	})
	if !errors.Is(err, common.ErrNotAuthorizedRole) {
		t.Fatalf("stranger withdraw: got %v", err)
	}

	err = f.env.engine.WithdrawDao(DaoWithdrawParams{
		ID:     f.id,
		Caller: f.owner.addr,
		TID:    []byte("dao-wd-0"),
	})
	if !errors.Is(err, common.ErrZeroAmount) {
		t.Fatalf("empty withdraw: got %v", err)
	}

	params := DaoWithdrawParams{
		ID:        f.id,
		Caller:    f.owner.addr,
		Amount:    big.NewInt(10_000),
		DaoAmount: big.NewInt(9_000_000),
		TID:       []byte("dao-wd-1"),
	}
	if err := f.env.engine.WithdrawDao(params); err != nil {
		t.Fatalf("withdraw dao: %v", err)
	}
	if got := f.env.state.balance(f.owner.addr); got.Cmp(big.NewInt(9_500)) != 0 {
		t.Fatalf("owner balance = %s, want 9500", got)
	}
	if got := f.env.state.balance(f.platform.addr); got.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("platform balance = %s, want 500", got)
	}
	if got := f.token.balanceOf(f.owner.addr); got.Cmp(big.NewInt(8_550_000)) != 0 {
		t.Fatalf("owner tokens = %s, want 8550000", got)
	}
	if got := f.token.balanceOf(f.platform.addr); got.Cmp(big.NewInt(450_000)) != 0 {
		t.Fatalf("platform tokens = %s, want 450000", got)
	}

	dao, _ := f.env.engine.DaoInfo(f.id)
	if dao.Withdrawn.Cmp(big.NewInt(10_000)) != 0 {
		t.Fatalf("withdrawn = %s, want 10000", dao.Withdrawn)
	}
	if dao.Reserved.Sign() != 0 {
		t.Fatalf("reserved = %s, want 0", dao.Reserved)
	}

	if err := f.env.engine.WithdrawDao(params); !errors.Is(err, common.ErrDuplicateTransaction) {
		t.Fatalf("replayed withdrawal: got %v", err)
	}
	err = f.env.engine.WithdrawDao(DaoWithdrawParams{
		ID:     f.id,
		Caller: f.owner.addr,
		Amount: big.NewInt(1),
		TID:    []byte("dao-wd-2"),
	})
	if !errors.Is(err, common.ErrInsufficientFunds) {
		t.Fatalf("overdrawn value: got %v", err)
	}
}

func TestDaoWithdrawTakesCouponOnValueFee(t *testing.T) {
	f := newDaoFixture(t)
	f.purchase(t, 10_000, "dao-buy-1")

	couponID := []byte("dao-coupon")
	tid := []byte("dao-wd-1")
	err := f.env.engine.WithdrawDao(DaoWithdrawParams{
		ID:            f.id,
		Caller:        f.owner.addr,
		Amount:        big.NewInt(10_000),
		TID:           tid,
		CouponRateBps: 2_000,
		CouponID:      couponID,
		CouponClaim:   f.platform.sign(t, CouponDigest(2_000, couponID, tid)),
	})
	if err != nil {
		t.Fatalf("withdraw with coupon: %v", err)
	}
	// fee 500, discount 100, net fee 400.
	if got := f.env.state.balance(f.owner.addr); got.Cmp(big.NewInt(9_600)) != 0 {
		t.Fatalf("owner balance = %s, want 9600", got)
	}
	if got := f.env.state.balance(f.platform.addr); got.Cmp(big.NewInt(400)) != 0 {
		t.Fatalf("platform balance = %s, want 400", got)
	}
	consumed, _ := f.env.replay.CouponConsumed(couponID)
	if !consumed {
		t.Fatal("coupon not burned")
	}
}

// A second round extends the accumulated target, and its rates govern
// issuance from then on.
func TestDaoRoundsAccumulateTarget(t *testing.T) {
	f := newDaoFixture(t)
	f.purchase(t, 1_000_000, "dao-buy-1")

	value := big.NewInt(1)
	err := f.env.engine.PurchaseDao(f.id, f.buyer.addr, value, value, "gov", []byte("dao-buy-2"))
	if !errors.Is(err, ErrDaoTargetExceeded) {
		t.Fatalf("exhausted target: got %v", err)
	}

	if err := f.env.engine.NewDaoRound(f.id, f.buyer.addr, big.NewInt(20_000), 2_000, 0); !errors.Is(err, common.ErrNotAuthorizedRole) {
		t.Fatalf("non-owner round: got %v", err)
	}
	if err := f.env.engine.NewDaoRound(f.id, f.owner.addr, big.NewInt(20_000), 2_000, 0); err != nil {
		t.Fatalf("new round: %v", err)
	}

	before := f.token.balanceOf(f.buyer.addr)
	f.env.state.fund(f.buyer.addr, 1_000_000)
	f.purchase(t, 10_000, "dao-buy-3")
	// No discount this round: 100000000 minted, 20% reserved.
	issued := new(big.Int).Sub(f.token.balanceOf(f.buyer.addr), before)
	if issued.Cmp(big.NewInt(80_000_000)) != 0 {
		t.Fatalf("issued = %s, want 80000000", issued)
	}
	dao, _ := f.env.engine.DaoInfo(f.id)
	if dao.TotalTarget().Cmp(big.NewInt(1_020_000)) != 0 {
		t.Fatalf("total target = %s, want 1020000", dao.TotalTarget())
	}
}
