package escrow

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"

	"escrowcore/native/assets"
	"escrowcore/native/common"
)

// Fund is a crowdfunding pool: anyone contributes, only the owner withdraws,
// and every withdrawal needs a fresh platform attestation.
type Fund struct {
	ID         []byte       `json:"id"`
	Owner      [20]byte     `json:"owner"`
	Platform   [20]byte     `json:"platform"`
	Asset      assets.Asset `json:"asset"`
	FeeRateBps uint32       `json:"feeRateBps"`
	Raised     *big.Int     `json:"raised"`
	Withdrawn  *big.Int     `json:"withdrawn"`
	CreatedAt  int64        `json:"createdAt"`
}

// Clone returns a deep copy of the fund record.
func (f *Fund) Clone() *Fund {
	if f == nil {
		return nil
	}
	clone := *f
	clone.ID = append([]byte(nil), f.ID...)
	clone.Raised = cloneBig(f.Raised)
	clone.Withdrawn = cloneBig(f.Withdrawn)
	return &clone
}

func fundKey(id []byte) []byte {
	return []byte("fund/" + hex.EncodeToString(id))
}

func (e *Engine) getFund(id []byte) (*Fund, error) {
	ok, err := e.ledger.db.Has(fundKey(id))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("escrow: fund %x: %w", id, common.ErrNotFound)
	}
	raw, err := e.ledger.db.Get(fundKey(id))
	if err != nil {
		return nil, err
	}
	fund := &Fund{}
	if err := json.Unmarshal(raw, fund); err != nil {
		return nil, err
	}
	return fund, nil
}

func (e *Engine) putFund(f *Fund) error {
	raw, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return e.ledger.db.Put(fundKey(f.ID), raw)
}

// CreateFund opens a crowdfunding pool. The fund id shares the replay
// namespace with trade ids, so reusing one fails with DuplicateTransaction.
func (e *Engine) CreateFund(id []byte, owner, platform [20]byte, asset assets.Asset, feeRateBps uint32) (*Fund, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	e.applyFeeDefaults(&platform, &feeRateBps)
	if err := requireParty(owner, "owner"); err != nil {
		return nil, err
	}
	if err := requireParty(platform, "platform"); err != nil {
		return nil, err
	}
	if feeRateBps > bpsDenominator {
		return nil, fmt.Errorf("escrow: fee rate %d out of range", feeRateBps)
	}
	if err := e.replay.Claim(id); err != nil {
		return nil, err
	}
	fund := &Fund{
		ID:         append([]byte(nil), id...),
		Owner:      owner,
		Platform:   platform,
		Asset:      asset,
		FeeRateBps: feeRateBps,
		Raised:     big.NewInt(0),
		Withdrawn:  big.NewInt(0),
		CreatedAt:  e.now(),
	}
	if err := e.putFund(fund); err != nil {
		return nil, err
	}
	e.emit(NewFundCreatedEvent(fund))
	return fund.Clone(), nil
}

// Contribute pulls a contribution into the pool.
func (e *Engine) Contribute(id []byte, from [20]byte, amount, value *big.Int) error {
	if err := e.ready(); err != nil {
		return err
	}
	fund, err := e.getFund(id)
	if err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("escrow: contribution: %w", common.ErrZeroAmount)
	}
	if err := e.adapter.PullIn(from, fund.Asset, amount, value); err != nil {
		return err
	}
	raised, err := AddChecked(fund.Raised, amount)
	if err != nil {
		return e.refundPull(from, fund.Asset, amount, err)
	}
	fund.Raised = raised
	if err := e.putFund(fund); err != nil {
		return e.refundPull(from, fund.Asset, amount, err)
	}
	e.emit(NewFundContributedEvent(fund, from, amount))
	return nil
}

// WithdrawFund releases pooled value to the owner. Each withdrawal carries a
// fresh replay-guarded tid and a platform claim over (amount, fee, tid).
func (e *Engine) WithdrawFund(id []byte, caller [20]byte, amount *big.Int, tid []byte, platformClaim Claim) error {
	if err := e.ready(); err != nil {
		return err
	}
	fund, err := e.getFund(id)
	if err != nil {
		return err
	}
	if caller != fund.Owner {
		return fmt.Errorf("escrow: only the owner withdraws: %w", common.ErrNotAuthorizedRole)
	}
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("escrow: withdrawal amount: %w", common.ErrZeroAmount)
	}
	available := new(big.Int).Sub(fund.Raised, fund.Withdrawn)
	if amount.Cmp(available) > 0 {
		return fmt.Errorf("escrow: %s exceeds pooled balance: %w", amount, common.ErrInsufficientReleasable)
	}
	fee, err := Fee(amount, fund.FeeRateBps)
	if err != nil {
		return err
	}
	if platformClaim.Signer != fund.Platform {
		return fmt.Errorf("escrow: attestation signer mismatch: %w", common.ErrInvalidSignature)
	}
	if !platformClaim.Verify(ApprovalDigest(amount, fee, tid)) {
		return fmt.Errorf("escrow: attestation rejected: %w", common.ErrInvalidSignature)
	}
	claimed, err := e.replay.Claimed(tid)
	if err != nil {
		return err
	}
	if claimed {
		return fmt.Errorf("escrow: tid %x: %w", tid, common.ErrDuplicateTransaction)
	}
	snapshot := fund.Clone()
	fund.Withdrawn = new(big.Int).Add(fund.Withdrawn, amount)
	if err := e.putFund(fund); err != nil {
		return err
	}
	// The owner's push commits the withdrawal and burns the tid; before it
	// the record restores and the attestation stays usable.
	payout := new(big.Int).Sub(amount, fee)
	if err := e.adapter.PushOut(fund.Owner, fund.Asset, payout); err != nil {
		if restoreErr := e.putFund(snapshot); restoreErr != nil {
			return fmt.Errorf("escrow: restore after failed payout: %v: %w", restoreErr, err)
		}
		return err
	}
	if err := e.replay.Claim(tid); err != nil {
		return err
	}
	if fee.Sign() > 0 {
		if err := e.adapter.PushOut(fund.Platform, fund.Asset, fee); err != nil {
			return err
		}
	}
	e.emit(NewFundWithdrawnEvent(fund, amount, fee))
	return nil
}
