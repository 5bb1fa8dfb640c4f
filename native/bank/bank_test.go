package bank

import (
	"bytes"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"testing"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"escrowcore/core/events"
	"escrowcore/core/types"
	"escrowcore/native/assets"
	"escrowcore/native/common"
	"escrowcore/native/escrow"
	"escrowcore/storage"
)

type mockState struct {
	accounts map[[20]byte]*types.Account
}

func newMockState() *mockState {
	return &mockState{accounts: make(map[[20]byte]*types.Account)}
}

func (m *mockState) GetAccount(addr [20]byte) (*types.Account, error) {
	return m.accounts[addr].Clone(), nil
}

func (m *mockState) PutAccount(addr [20]byte, account *types.Account) error {
	m.accounts[addr] = account.Clone()
	return nil
}

func (m *mockState) fund(addr [20]byte, amount int64) {
	m.accounts[addr] = &types.Account{Balance: big.NewInt(amount)}
}

func (m *mockState) balance(addr [20]byte) *big.Int {
	acc, ok := m.accounts[addr]
	if !ok || acc.Balance == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(acc.Balance)
}

func addr(fill byte) [20]byte {
	var out [20]byte
	copy(out[:], bytes.Repeat([]byte{fill}, 20))
	return out
}

type party struct {
	key  *ecdsa.PrivateKey
	addr [20]byte
}

func newParty(t *testing.T) party {
	t.Helper()
	key, err := ethcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	var out [20]byte
	copy(out[:], ethcrypto.PubkeyToAddress(key.PublicKey).Bytes())
	return party{key: key, addr: out}
}

func (p party) sign(t *testing.T, digest [32]byte) escrow.Claim {
	t.Helper()
	sig, err := ethcrypto.Sign(digest[:], p.key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return escrow.Claim{Signer: p.addr, Signature: sig}
}

type testEnv struct {
	svc     *Service
	state   *mockState
	emitted *events.Recorder
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db := storage.NewMemDB()
	t.Cleanup(db.Close)
	state := newMockState()
	svc := NewService(db, escrow.NewReplayGuard(db), assets.NewAdapter(state, addr(0xEE)))
	env := &testEnv{svc: svc, state: state, emitted: &events.Recorder{}}
	svc.SetEmitter(env.emitted)
	svc.SetNowFunc(func() int64 { return 1_000_000 })
	return env
}

func TestMultiTransferPaysEveryRecipient(t *testing.T) {
	env := newTestEnv(t)
	from := addr(0x01)
	env.state.fund(from, 10_000)
	recipients := [][20]byte{addr(0x11), addr(0x12), addr(0x13)}
	payout := []*big.Int{big.NewInt(100), big.NewInt(200), big.NewInt(300)}

	if err := env.svc.MultiTransfer(from, recipients, payout, assets.Native(), big.NewInt(600)); err != nil {
		t.Fatalf("multi transfer: %v", err)
	}
	for i, recipient := range recipients {
		if got := env.state.balance(recipient); got.Cmp(payout[i]) != 0 {
			t.Fatalf("recipient %d balance = %s, want %s", i, got, payout[i])
		}
	}
	if got := env.state.balance(from); got.Cmp(big.NewInt(9_400)) != 0 {
		t.Fatalf("sender balance = %s, want 9400", got)
	}
}

func TestMultiTransferValidation(t *testing.T) {
	env := newTestEnv(t)
	from := addr(0x01)
	env.state.fund(from, 10_000)

	err := env.svc.MultiTransfer(from, nil, nil, assets.Native(), big.NewInt(0))
	if !errors.Is(err, common.ErrInvalidSchedule) {
		t.Fatalf("empty batch: got %v", err)
	}
	err = env.svc.MultiTransfer(from, [][20]byte{addr(0x11)}, []*big.Int{big.NewInt(1), big.NewInt(2)}, assets.Native(), big.NewInt(3))
	if !errors.Is(err, common.ErrInvalidSchedule) {
		t.Fatalf("length mismatch: got %v", err)
	}
	err = env.svc.MultiTransfer(from, [][20]byte{addr(0x11)}, []*big.Int{big.NewInt(100)}, assets.Native(), big.NewInt(99))
	if !errors.Is(err, common.ErrAmountMismatch) {
		t.Fatalf("short value: got %v", err)
	}
	// The failed batch moved nothing.
	if got := env.state.balance(from); got.Cmp(big.NewInt(10_000)) != 0 {
		t.Fatalf("sender balance = %s, want untouched", got)
	}
}

func TestEscrowedTransferRelease(t *testing.T) {
	env := newTestEnv(t)
	sender := newParty(t)
	receiver := newParty(t)
	env.state.fund(sender.addr, 10_000)
	tid := []byte("hold-1")

	if err := env.svc.TransferIn(sender.addr, receiver.addr, tid, assets.Native(), big.NewInt(1_500), big.NewInt(1_500)); err != nil {
		t.Fatalf("transfer in: %v", err)
	}
	if got := env.state.balance(sender.addr); got.Cmp(big.NewInt(8_500)) != 0 {
		t.Fatalf("sender balance = %s, want 8500", got)
	}

	err := env.svc.TransferIn(sender.addr, receiver.addr, tid, assets.Native(), big.NewInt(1), big.NewInt(1))
	if !errors.Is(err, common.ErrDuplicateTransaction) {
		t.Fatalf("reused tid: got %v", err)
	}

	consent := sender.sign(t, escrow.ConsentDigest(tid))
	if err := env.svc.TransferOut(sender.addr, tid, consent); !errors.Is(err, common.ErrNotAuthorizedRole) {
		t.Fatalf("sender collecting: got %v", err)
	}
	if err := env.svc.TransferOut(receiver.addr, tid, receiver.sign(t, escrow.ConsentDigest(tid))); !errors.Is(err, common.ErrInvalidSignature) {
		t.Fatalf("self-signed consent: got %v", err)
	}

	if err := env.svc.TransferOut(receiver.addr, tid, consent); err != nil {
		t.Fatalf("transfer out: %v", err)
	}
	if got := env.state.balance(receiver.addr); got.Cmp(big.NewInt(1_500)) != 0 {
		t.Fatalf("receiver balance = %s, want 1500", got)
	}

	err = env.svc.TransferOut(receiver.addr, tid, consent)
	if !errors.Is(err, common.ErrAlreadyClosed) {
		t.Fatalf("double release: got %v", err)
	}
}

func TestEscrowedTransferCancel(t *testing.T) {
	env := newTestEnv(t)
	sender := newParty(t)
	receiver := newParty(t)
	env.state.fund(sender.addr, 10_000)
	tid := []byte("hold-2")

	if err := env.svc.TransferIn(sender.addr, receiver.addr, tid, assets.Native(), big.NewInt(2_000), big.NewInt(2_000)); err != nil {
		t.Fatalf("transfer in: %v", err)
	}

	consent := receiver.sign(t, escrow.ConsentDigest(tid))
	if err := env.svc.Cancel(receiver.addr, tid, consent); !errors.Is(err, common.ErrNotAuthorizedRole) {
		t.Fatalf("receiver cancelling: got %v", err)
	}
	if err := env.svc.Cancel(sender.addr, tid, sender.sign(t, escrow.ConsentDigest(tid))); !errors.Is(err, common.ErrInvalidSignature) {
		t.Fatalf("self-signed consent: got %v", err)
	}

	if err := env.svc.Cancel(sender.addr, tid, consent); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got := env.state.balance(sender.addr); got.Cmp(big.NewInt(10_000)) != 0 {
		t.Fatalf("sender balance = %s, want full refund", got)
	}
	hold, err := env.svc.GetHold(tid)
	if err != nil {
		t.Fatalf("get hold: %v", err)
	}
	if !hold.Released {
		t.Fatal("hold not marked released")
	}
}
