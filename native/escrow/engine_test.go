package escrow

import (
	"bytes"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"testing"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"escrowcore/core/events"
	"escrowcore/core/types"
	"escrowcore/native/assets"
	"escrowcore/storage"
)

type mockState struct {
	accounts map[[20]byte]*types.Account
	broken   map[[20]byte]bool
}

func newMockState() *mockState {
	return &mockState{
		accounts: make(map[[20]byte]*types.Account),
		broken:   make(map[[20]byte]bool),
	}
}

func (m *mockState) GetAccount(addr [20]byte) (*types.Account, error) {
	if m.broken[addr] {
		return nil, fmt.Errorf("state: account %x unavailable", addr)
	}
	return m.accounts[addr].Clone(), nil
}

func (m *mockState) PutAccount(addr [20]byte, account *types.Account) error {
	m.accounts[addr] = account.Clone()
	return nil
}

// breakAccount makes lookups of the address fail until fixAccount is called,
// so tests can fail individual payout legs before any balance moves.
func (m *mockState) breakAccount(addr [20]byte) { m.broken[addr] = true }

func (m *mockState) fixAccount(addr [20]byte) { delete(m.broken, addr) }

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

func newTestAddress(fill byte) [20]byte {
	var addr [20]byte
	copy(addr[:], bytes.Repeat([]byte{fill}, 20))
	return addr
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
	var addr [20]byte
	copy(addr[:], ethcrypto.PubkeyToAddress(key.PublicKey).Bytes())
	return party{key: key, addr: addr}
}

func (p party) sign(t *testing.T, digest [32]byte) Claim {
	t.Helper()
	sig, err := ethcrypto.Sign(digest[:], p.key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return Claim{Signer: p.addr, Signature: sig}
}

type testEnv struct {
	engine  *Engine
	state   *mockState
	adapter *assets.Adapter
	replay  *ReplayGuard
	emitted *events.Recorder
	vault   [20]byte
	now     int64
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db := storage.NewMemDB()
	t.Cleanup(db.Close)
	state := newMockState()
	vault := newTestAddress(0xEE)
	adapter := assets.NewAdapter(state, vault)
	replay := NewReplayGuard(db)
	engine := NewEngine(NewLedger(db), replay, adapter)
	env := &testEnv{engine: engine, state: state, adapter: adapter, replay: replay, emitted: &events.Recorder{}, vault: vault, now: 1_000_000}
	engine.SetEmitter(env.emitted)
	engine.SetNowFunc(func() int64 { return env.now })
	return env
}

func amounts(values ...int64) []*big.Int {
	out := make([]*big.Int, len(values))
	for i, v := range values {
		out[i] = big.NewInt(v)
	}
	return out
}

func hasEvent(rec *events.Recorder, eventType string) bool {
	for _, emitted := range rec.Types() {
		if emitted == eventType {
			return true
		}
	}
	return false
}

func countEvents(rec *events.Recorder, eventType string) int {
	count := 0
	for _, emitted := range rec.Types() {
		if emitted == eventType {
			count++
		}
	}
	return count
}

// firstEventAttr returns the named attribute of the first recorded event of
// the given type.
func firstEventAttr(rec *events.Recorder, eventType, key string) string {
	for _, emitted := range rec.Events {
		if emitted.EventType() != eventType {
			continue
		}
		if carrier, ok := emitted.(interface{ Event() *types.Event }); ok {
			return carrier.Event().Attribute(key)
		}
	}
	return ""
}
