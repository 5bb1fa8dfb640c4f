package assets

import (
	"fmt"
	"math/big"

	"escrowcore/native/common"
	"escrowcore/storage"
)

var collateralPrefix = []byte("nft/")

// StoreRegistry is a Collateral registry persisted through the storage layer.
// It backs the lending engine in deployments without an external NFT
// contract; each token id maps to its current owner.
type StoreRegistry struct {
	db storage.Database
}

// NewStoreRegistry wraps a database as a collateral backend.
func NewStoreRegistry(db storage.Database) *StoreRegistry {
	return &StoreRegistry{db: db}
}

func collateralKey(tokenID *big.Int) []byte {
	return append(append([]byte(nil), collateralPrefix...), []byte(tokenID.String())...)
}

// Register binds a new token id to its first owner. Fails when the id is
// already taken.
func (r *StoreRegistry) Register(tokenID *big.Int, owner [20]byte) error {
	if r == nil || r.db == nil {
		return fmt.Errorf("assets: registry not configured")
	}
	if tokenID == nil || tokenID.Sign() < 0 {
		return fmt.Errorf("assets: invalid token id")
	}
	exists, err := r.db.Has(collateralKey(tokenID))
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("assets: token %s already registered: %w", tokenID, common.ErrDuplicateTransaction)
	}
	return r.db.Put(collateralKey(tokenID), owner[:])
}

// OwnerOf returns the current owner of the token id.
func (r *StoreRegistry) OwnerOf(tokenID *big.Int) ([20]byte, error) {
	var owner [20]byte
	if r == nil || r.db == nil {
		return owner, fmt.Errorf("assets: registry not configured")
	}
	if tokenID == nil {
		return owner, fmt.Errorf("assets: invalid token id")
	}
	exists, err := r.db.Has(collateralKey(tokenID))
	if err != nil {
		return owner, err
	}
	if !exists {
		return owner, fmt.Errorf("assets: token %s: %w", tokenID, common.ErrNotFound)
	}
	raw, err := r.db.Get(collateralKey(tokenID))
	if err != nil {
		return owner, err
	}
	if len(raw) != len(owner) {
		return owner, fmt.Errorf("assets: corrupt owner record for token %s", tokenID)
	}
	copy(owner[:], raw)
	return owner, nil
}

// TransferFrom moves the token to a new owner. Only the current owner's
// tokens move; anything else is an authorization failure.
func (r *StoreRegistry) TransferFrom(from, to [20]byte, tokenID *big.Int) error {
	owner, err := r.OwnerOf(tokenID)
	if err != nil {
		return err
	}
	if owner != from {
		return fmt.Errorf("assets: token %s not owned by %x: %w", tokenID, from, common.ErrNotAuthorizedRole)
	}
	return r.db.Put(collateralKey(tokenID), to[:])
}
