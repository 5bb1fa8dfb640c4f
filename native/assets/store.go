package assets

import (
	"encoding/json"
	"math/big"

	"escrowcore/core/types"
	"escrowcore/storage"
)

var accountPrefix = []byte("account/")

// StoreState is an AccountState persisted through the storage layer. Accounts
// are JSON records keyed by address.
type StoreState struct {
	db storage.Database
}

// NewStoreState wraps a database as an account backend.
func NewStoreState(db storage.Database) *StoreState {
	return &StoreState{db: db}
}

func accountKey(addr [20]byte) []byte {
	return append(append([]byte(nil), accountPrefix...), addr[:]...)
}

// GetAccount loads the account for addr, returning a zero-balance account
// when none has been stored yet.
func (s *StoreState) GetAccount(addr [20]byte) (*types.Account, error) {
	ok, err := s.db.Has(accountKey(addr))
	if err != nil {
		return nil, err
	}
	if !ok {
		return &types.Account{Balance: big.NewInt(0)}, nil
	}
	raw, err := s.db.Get(accountKey(addr))
	if err != nil {
		return nil, err
	}
	account := &types.Account{}
	if err := json.Unmarshal(raw, account); err != nil {
		return nil, err
	}
	if account.Balance == nil {
		account.Balance = big.NewInt(0)
	}
	return account, nil
}

// PutAccount persists the account for addr.
func (s *StoreState) PutAccount(addr [20]byte, account *types.Account) error {
	raw, err := json.Marshal(account.Clone())
	if err != nil {
		return err
	}
	return s.db.Put(accountKey(addr), raw)
}
