package assets

import (
	"fmt"
	"math/big"

	"escrowcore/core/types"
	"escrowcore/native/common"
)

// AccountState is the native balance backend. Engines never touch accounts
// directly; all native value moves through the adapter.
type AccountState interface {
	GetAccount(addr [20]byte) (*types.Account, error)
	PutAccount(addr [20]byte, account *types.Account) error
}

// Token is the seam to an external fungible token contract. Implementations
// are treated as potentially adversarial; the adapter prechecks balances and
// allowances before asking the token to move anything.
type Token interface {
	BalanceOf(addr [20]byte) (*big.Int, error)
	Allowance(owner, spender [20]byte) (*big.Int, error)
	TransferFrom(from, to [20]byte, amount *big.Int) error
	Transfer(to [20]byte, amount *big.Int) error
}

// Minter is a token whose supply the engine controls. The DAO variant issues
// governance tokens through it at purchase time.
type Minter interface {
	Token
	Mint(to [20]byte, amount *big.Int) error
}

// Collateral is the seam to an external NFT registry used by the lending
// engine. Authorization failures from the registry are surfaced verbatim.
type Collateral interface {
	OwnerOf(tokenID *big.Int) ([20]byte, error)
	TransferFrom(from, to [20]byte, tokenID *big.Int) error
}

// Asset names what a trade settles in: native currency (empty token ref) or a
// registered token contract.
type Asset struct {
	Token string `json:"token,omitempty"`
}

// Native returns the native-currency asset.
func Native() Asset { return Asset{} }

// TokenAsset returns an asset settled in the token registered under ref.
func TokenAsset(ref string) Asset { return Asset{Token: ref} }

// IsNative reports whether the asset is the native currency.
func (a Asset) IsNative() bool { return a.Token == "" }

// Adapter moves value between parties and the engine vault, uniformly over
// native currency and token contracts.
type Adapter struct {
	state  AccountState
	vault  [20]byte
	tokens map[string]Token
}

// NewAdapter creates an adapter whose held funds live in the vault account.
func NewAdapter(state AccountState, vault [20]byte) *Adapter {
	return &Adapter{state: state, vault: vault, tokens: make(map[string]Token)}
}

// RegisterToken makes a token contract addressable as an asset.
func (a *Adapter) RegisterToken(ref string, token Token) {
	if a == nil || ref == "" || token == nil {
		return
	}
	a.tokens[ref] = token
}

// Vault returns the address holding adapter-managed funds.
func (a *Adapter) Vault() [20]byte { return a.vault }

func (a *Adapter) token(ref string) (Token, error) {
	token, ok := a.tokens[ref]
	if !ok {
		return nil, fmt.Errorf("assets: unknown token %q: %w", ref, common.ErrNotFound)
	}
	return token, nil
}

func ensureAccount(acc *types.Account) *types.Account {
	if acc == nil {
		return &types.Account{Balance: big.NewInt(0)}
	}
	if acc.Balance == nil {
		acc.Balance = big.NewInt(0)
	}
	return acc
}

func (a *Adapter) moveNative(from, to [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("assets: negative transfer amount")
	}
	if amount.Sign() == 0 {
		return nil
	}
	fromAcc, err := a.state.GetAccount(from)
	if err != nil {
		return err
	}
	toAcc, err := a.state.GetAccount(to)
	if err != nil {
		return err
	}
	fromAcc = ensureAccount(fromAcc)
	toAcc = ensureAccount(toAcc)
	if fromAcc.Balance.Cmp(amount) < 0 {
		return fmt.Errorf("assets: balance below %s: %w", amount, common.ErrInsufficientFunds)
	}
	fromAcc.Balance = new(big.Int).Sub(fromAcc.Balance, amount)
	toAcc.Balance = new(big.Int).Add(toAcc.Balance, amount)
	if err := a.state.PutAccount(from, fromAcc); err != nil {
		return err
	}
	return a.state.PutAccount(to, toAcc)
}

// PullIn collects amount from the payer into the vault. For native assets the
// attached value must equal amount exactly; for token assets the attached
// value must be zero and the payer needs balance and allowance covering the
// amount before the token is asked to move it.
func (a *Adapter) PullIn(from [20]byte, asset Asset, amount, value *big.Int) error {
	if a == nil || a.state == nil {
		return fmt.Errorf("assets: adapter not configured")
	}
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("assets: pull amount: %w", common.ErrZeroAmount)
	}
	if asset.IsNative() {
		if value == nil || value.Cmp(amount) != 0 {
			return fmt.Errorf("assets: attached value must equal %s: %w", amount, common.ErrAmountMismatch)
		}
		return a.moveNative(from, a.vault, amount)
	}
	if value != nil && value.Sign() != 0 {
		return fmt.Errorf("assets: token pull must not attach value: %w", common.ErrAmountMismatch)
	}
	token, err := a.token(asset.Token)
	if err != nil {
		return err
	}
	balance, err := token.BalanceOf(from)
	if err != nil {
		return fmt.Errorf("assets: balance query: %w", common.ErrTransferFailed)
	}
	if balance == nil || balance.Cmp(amount) < 0 {
		return fmt.Errorf("assets: token balance below %s: %w", amount, common.ErrInsufficientFunds)
	}
	allowance, err := token.Allowance(from, a.vault)
	if err != nil {
		return fmt.Errorf("assets: allowance query: %w", common.ErrTransferFailed)
	}
	if allowance == nil || allowance.Cmp(amount) < 0 {
		return fmt.Errorf("assets: token allowance below %s: %w", amount, common.ErrInsufficientAllowance)
	}
	if err := token.TransferFrom(from, a.vault, amount); err != nil {
		return fmt.Errorf("assets: token pull: %v: %w", err, common.ErrTransferFailed)
	}
	return nil
}

// PushOut releases amount from the vault to the recipient.
func (a *Adapter) PushOut(to [20]byte, asset Asset, amount *big.Int) error {
	if a == nil || a.state == nil {
		return fmt.Errorf("assets: adapter not configured")
	}
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("assets: negative push amount")
	}
	if amount.Sign() == 0 {
		return nil
	}
	if asset.IsNative() {
		return a.moveNative(a.vault, to, amount)
	}
	token, err := a.token(asset.Token)
	if err != nil {
		return err
	}
	if err := token.Transfer(to, amount); err != nil {
		return fmt.Errorf("assets: token push: %v: %w", err, common.ErrTransferFailed)
	}
	return nil
}

// Mint asks the token registered under ref to issue new supply to the
// recipient. Fails when the token does not support minting.
func (a *Adapter) Mint(ref string, to [20]byte, amount *big.Int) error {
	if a == nil {
		return fmt.Errorf("assets: adapter not configured")
	}
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("assets: negative mint amount")
	}
	if amount.Sign() == 0 {
		return nil
	}
	token, err := a.token(ref)
	if err != nil {
		return err
	}
	minter, ok := token.(Minter)
	if !ok {
		return fmt.Errorf("assets: token %q cannot mint: %w", ref, common.ErrNotAuthorizedRole)
	}
	if err := minter.Mint(to, amount); err != nil {
		return fmt.Errorf("assets: token mint: %v: %w", err, common.ErrTransferFailed)
	}
	return nil
}

// BalanceOf reports the spendable balance of an address in the given asset.
func (a *Adapter) BalanceOf(addr [20]byte, asset Asset) (*big.Int, error) {
	if a == nil || a.state == nil {
		return nil, fmt.Errorf("assets: adapter not configured")
	}
	if asset.IsNative() {
		acc, err := a.state.GetAccount(addr)
		if err != nil {
			return nil, err
		}
		return ensureAccount(acc).Balance, nil
	}
	token, err := a.token(asset.Token)
	if err != nil {
		return nil, err
	}
	return token.BalanceOf(addr)
}

// PullCollateral locks an NFT in the vault. Registry errors pass through
// unchanged so callers see the external contract's own authorization failure.
func (a *Adapter) PullCollateral(registry Collateral, from [20]byte, tokenID *big.Int) error {
	if registry == nil {
		return fmt.Errorf("assets: collateral registry: %w", common.ErrNotFound)
	}
	return registry.TransferFrom(from, a.vault, tokenID)
}

// PushCollateral releases a locked NFT from the vault.
func (a *Adapter) PushCollateral(registry Collateral, to [20]byte, tokenID *big.Int) error {
	if registry == nil {
		return fmt.Errorf("assets: collateral registry: %w", common.ErrNotFound)
	}
	return registry.TransferFrom(a.vault, to, tokenID)
}
