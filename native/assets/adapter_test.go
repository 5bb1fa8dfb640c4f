package assets

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"
	"testing"

	"escrowcore/core/types"
	"escrowcore/native/common"
	"escrowcore/storage"
)

func testAddress(fill byte) [20]byte {
	var addr [20]byte
	copy(addr[:], bytes.Repeat([]byte{fill}, 20))
	return addr
}

type mapState struct {
	accounts map[[20]byte]*types.Account
}

func newMapState() *mapState {
	return &mapState{accounts: make(map[[20]byte]*types.Account)}
}

func (m *mapState) GetAccount(addr [20]byte) (*types.Account, error) {
	return m.accounts[addr].Clone(), nil
}

func (m *mapState) PutAccount(addr [20]byte, account *types.Account) error {
	m.accounts[addr] = account.Clone()
	return nil
}

func (m *mapState) fund(addr [20]byte, amount int64) {
	m.accounts[addr] = &types.Account{Balance: big.NewInt(amount)}
}

func (m *mapState) balance(addr [20]byte) *big.Int {
	acc, ok := m.accounts[addr]
	if !ok || acc.Balance == nil {
		return big.NewInt(0)
	}
	return acc.Balance
}

type mockToken struct {
	balances   map[[20]byte]*big.Int
	allowances map[[20]byte]map[[20]byte]*big.Int
	failMove   bool
}

func newMockToken() *mockToken {
	return &mockToken{
		balances:   make(map[[20]byte]*big.Int),
		allowances: make(map[[20]byte]map[[20]byte]*big.Int),
	}
}

func (t *mockToken) mint(addr [20]byte, amount int64) {
	t.balances[addr] = big.NewInt(amount)
}

func (t *mockToken) approve(owner, spender [20]byte, amount int64) {
	if t.allowances[owner] == nil {
		t.allowances[owner] = make(map[[20]byte]*big.Int)
	}
	t.allowances[owner][spender] = big.NewInt(amount)
}

func (t *mockToken) BalanceOf(addr [20]byte) (*big.Int, error) {
	bal, ok := t.balances[addr]
	if !ok {
		return big.NewInt(0), nil
	}
	return new(big.Int).Set(bal), nil
}

func (t *mockToken) Allowance(owner, spender [20]byte) (*big.Int, error) {
	grants, ok := t.allowances[owner]
	if !ok {
		return big.NewInt(0), nil
	}
	allowed, ok := grants[spender]
	if !ok {
		return big.NewInt(0), nil
	}
	return new(big.Int).Set(allowed), nil
}

func (t *mockToken) TransferFrom(from, to [20]byte, amount *big.Int) error {
	if t.failMove {
		return fmt.Errorf("token rejected transfer")
	}
	fromBal, _ := t.BalanceOf(from)
	if fromBal.Cmp(amount) < 0 {
		return fmt.Errorf("token balance too low")
	}
	toBal, _ := t.BalanceOf(to)
	t.balances[from] = fromBal.Sub(fromBal, amount)
	t.balances[to] = toBal.Add(toBal, amount)
	return nil
}

func (t *mockToken) Transfer(to [20]byte, amount *big.Int) error {
	if t.failMove {
		return fmt.Errorf("token rejected transfer")
	}
	toBal, _ := t.BalanceOf(to)
	t.balances[to] = toBal.Add(toBal, amount)
	return nil
}

func TestPullInNativeExactValue(t *testing.T) {
	state := newMapState()
	vault := testAddress(0xAA)
	payer := testAddress(0x01)
	state.fund(payer, 1000)
	adapter := NewAdapter(state, vault)

	err := adapter.PullIn(payer, Native(), big.NewInt(400), big.NewInt(399))
	if !errors.Is(err, common.ErrAmountMismatch) {
		t.Fatalf("expected amount mismatch, got %v", err)
	}

	if err := adapter.PullIn(payer, Native(), big.NewInt(400), big.NewInt(400)); err != nil {
		t.Fatalf("pull in: %v", err)
	}
	if got := state.balance(vault); got.Cmp(big.NewInt(400)) != 0 {
		t.Fatalf("vault balance = %s, want 400", got)
	}
	if got := state.balance(payer); got.Cmp(big.NewInt(600)) != 0 {
		t.Fatalf("payer balance = %s, want 600", got)
	}
}

func TestPullInNativeInsufficientFunds(t *testing.T) {
	state := newMapState()
	payer := testAddress(0x01)
	state.fund(payer, 100)
	adapter := NewAdapter(state, testAddress(0xAA))

	err := adapter.PullIn(payer, Native(), big.NewInt(400), big.NewInt(400))
	if !errors.Is(err, common.ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
	if got := state.balance(payer); got.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("failed pull must not move funds, balance = %s", got)
	}
}

func TestPullInTokenChecksBalanceAndAllowance(t *testing.T) {
	state := newMapState()
	vault := testAddress(0xAA)
	payer := testAddress(0x01)
	adapter := NewAdapter(state, vault)
	token := newMockToken()
	adapter.RegisterToken("tok", token)
	asset := TokenAsset("tok")

	err := adapter.PullIn(payer, asset, big.NewInt(100), nil)
	if !errors.Is(err, common.ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}

	token.mint(payer, 100)
	err = adapter.PullIn(payer, asset, big.NewInt(100), nil)
	if !errors.Is(err, common.ErrInsufficientAllowance) {
		t.Fatalf("expected insufficient allowance, got %v", err)
	}

	token.approve(payer, vault, 100)
	if err := adapter.PullIn(payer, asset, big.NewInt(100), nil); err != nil {
		t.Fatalf("token pull: %v", err)
	}
	vaultBal, _ := token.BalanceOf(vault)
	if vaultBal.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("vault token balance = %s, want 100", vaultBal)
	}
}

func TestPullInTokenRejectsAttachedValue(t *testing.T) {
	adapter := NewAdapter(newMapState(), testAddress(0xAA))
	adapter.RegisterToken("tok", newMockToken())

	err := adapter.PullIn(testAddress(0x01), TokenAsset("tok"), big.NewInt(10), big.NewInt(10))
	if !errors.Is(err, common.ErrAmountMismatch) {
		t.Fatalf("expected amount mismatch, got %v", err)
	}
}

func TestPushOutTokenFailureWraps(t *testing.T) {
	adapter := NewAdapter(newMapState(), testAddress(0xAA))
	token := newMockToken()
	token.failMove = true
	adapter.RegisterToken("tok", token)

	err := adapter.PushOut(testAddress(0x02), TokenAsset("tok"), big.NewInt(10))
	if !errors.Is(err, common.ErrTransferFailed) {
		t.Fatalf("expected transfer failed, got %v", err)
	}
}

func TestStoreStateRoundTrip(t *testing.T) {
	db := storage.NewMemDB()
	defer db.Close()
	state := NewStoreState(db)
	addr := testAddress(0x07)

	acc, err := state.GetAccount(addr)
	if err != nil {
		t.Fatalf("get empty account: %v", err)
	}
	if acc.Balance.Sign() != 0 {
		t.Fatalf("fresh account balance = %s, want 0", acc.Balance)
	}

	acc.Balance = big.NewInt(555)
	if err := state.PutAccount(addr, acc); err != nil {
		t.Fatalf("put account: %v", err)
	}
	loaded, err := state.GetAccount(addr)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if loaded.Balance.Cmp(big.NewInt(555)) != 0 {
		t.Fatalf("loaded balance = %s, want 555", loaded.Balance)
	}
}
