package escrow

import (
	"fmt"
	"math/big"

	"escrowcore/native/assets"
	"escrowcore/native/common"
)

// TrustPublishParams funds a vesting plan. The principal (buyer side) locks
// the total; the trustee (seller side) withdraws as intervals elapse.
type TrustPublishParams struct {
	TID            []byte
	Principal      [20]byte
	Trustee        [20]byte
	Platform       [20]byte
	Guarantor      [20]byte
	Asset          assets.Asset
	Total          *big.Int
	StartDate      int64
	Interval       int64
	IntervalAmount *big.Int
	FeeRateBps     uint32
	Value          *big.Int
}

// PublishTrust creates and funds a trust trade. The first interval's amount
// unlocks at StartDate, the next one interval later, and so on until the
// total is exhausted.
func (e *Engine) PublishTrust(p TrustPublishParams) (*Trade, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	e.applyFeeDefaults(&p.Platform, &p.FeeRateBps)
	if err := requireParty(p.Principal, "principal"); err != nil {
		return nil, err
	}
	if err := requireParty(p.Trustee, "trustee"); err != nil {
		return nil, err
	}
	if err := requireParty(p.Platform, "platform"); err != nil {
		return nil, err
	}
	if err := requireParty(p.Guarantor, "guarantor"); err != nil {
		return nil, err
	}
	if p.Total == nil || p.Total.Sign() <= 0 {
		return nil, fmt.Errorf("escrow: trust total: %w", common.ErrZeroAmount)
	}
	if p.Interval <= 0 || p.IntervalAmount == nil || p.IntervalAmount.Sign() <= 0 {
		return nil, fmt.Errorf("escrow: vesting interval invalid: %w", common.ErrInvalidSchedule)
	}
	if p.FeeRateBps > bpsDenominator {
		return nil, fmt.Errorf("escrow: fee rate %d out of range", p.FeeRateBps)
	}
	claimed, err := e.replay.Claimed(p.TID)
	if err != nil {
		return nil, err
	}
	if claimed {
		return nil, fmt.Errorf("escrow: tid %x: %w", p.TID, common.ErrDuplicateTransaction)
	}

	total := cloneBig(p.Total)
	if err := e.adapter.PullIn(p.Principal, p.Asset, total, p.Value); err != nil {
		return nil, err
	}
	trade := &Trade{
		TID:            append([]byte(nil), p.TID...),
		Kind:           KindTrust,
		Buyer:          p.Principal,
		Seller:         p.Trustee,
		Platform:       p.Platform,
		Guarantor:      p.Guarantor,
		Asset:          p.Asset,
		Total:          total,
		FeeRateBps:     p.FeeRateBps,
		StartDate:      p.StartDate,
		Interval:       p.Interval,
		IntervalAmount: cloneBig(p.IntervalAmount),
		Withdrawn:      make(map[Role]*big.Int),
		Status:         StatusFunded,
		CreatedAt:      e.now(),
	}
	if err := e.commitNewTrade(trade, p.Principal, total); err != nil {
		return nil, err
	}
	return trade.Clone(), nil
}

// TopUp adds value to an open trust plan. Only the principal may top up; the
// added value extends the vesting tail.
func (e *Engine) TopUp(tid []byte, caller [20]byte, amount, value *big.Int) error {
	if err := e.ready(); err != nil {
		return err
	}
	trade, err := e.ledger.Get(tid)
	if err != nil {
		return err
	}
	if trade.Kind != KindTrust {
		return fmt.Errorf("escrow: top-up only applies to trust trades: %w", common.ErrNotAuthorizedRole)
	}
	if trade.Status == StatusClosed {
		return fmt.Errorf("escrow: tid %x: %w", tid, common.ErrAlreadyClosed)
	}
	if caller != trade.Buyer {
		return fmt.Errorf("escrow: only the principal may top up: %w", common.ErrNotAuthorizedRole)
	}
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("escrow: top-up amount: %w", common.ErrZeroAmount)
	}
	if err := e.adapter.PullIn(caller, trade.Asset, amount, value); err != nil {
		return err
	}
	newTotal, err := AddChecked(trade.Total, amount)
	if err != nil {
		return e.refundPull(caller, trade.Asset, amount, err)
	}
	trade.Total = newTotal
	if err := e.ledger.Put(trade); err != nil {
		return e.refundPull(caller, trade.Asset, amount, err)
	}
	e.emit(NewValueReceivedEvent(trade, caller, amount))
	return nil
}

// SetVesting reshapes the vesting plan before anything has been withdrawn.
// Principal-only.
func (e *Engine) SetVesting(tid []byte, caller [20]byte, startDate, interval int64, intervalAmount *big.Int) error {
	if err := e.ready(); err != nil {
		return err
	}
	trade, err := e.ledger.Get(tid)
	if err != nil {
		return err
	}
	if trade.Kind != KindTrust {
		return fmt.Errorf("escrow: vesting plan only applies to trust trades: %w", common.ErrNotAuthorizedRole)
	}
	if trade.Status == StatusClosed {
		return fmt.Errorf("escrow: tid %x: %w", tid, common.ErrAlreadyClosed)
	}
	if caller != trade.Buyer {
		return fmt.Errorf("escrow: only the principal may reshape vesting: %w", common.ErrNotAuthorizedRole)
	}
	if trade.WithdrawnTotal().Sign() > 0 {
		return fmt.Errorf("escrow: vesting plan locked after first withdrawal: %w", common.ErrNotAuthorizedRole)
	}
	if interval <= 0 || intervalAmount == nil || intervalAmount.Sign() <= 0 {
		return fmt.Errorf("escrow: vesting interval invalid: %w", common.ErrInvalidSchedule)
	}
	trade.StartDate = startDate
	trade.Interval = interval
	trade.IntervalAmount = cloneBig(intervalAmount)
	return e.ledger.Put(trade)
}
