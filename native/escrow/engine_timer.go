package escrow

import (
	"fmt"
	"math/big"

	"escrowcore/native/assets"
	"escrowcore/native/common"
)

// TimerPublishParams opens a pay-as-you-go plan. Only the deposit is pulled
// upfront; each scheduled payment is collected when due and passed straight
// through to the seller net of fees.
type TimerPublishParams struct {
	TID            []byte
	Buyer          [20]byte
	Seller         [20]byte
	Platform       [20]byte
	Guarantor      [20]byte
	Asset          assets.Asset
	Amounts        []*big.Int
	Deadlines      []int64
	Deposit        *big.Int
	FeeRateBps     uint32
	PenaltyRateBps uint32
	Value          *big.Int
}

// PublishTimer creates a timer trade and locks the buyer's deposit.
func (e *Engine) PublishTimer(p TimerPublishParams) (*Trade, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	e.applyFeeDefaults(&p.Platform, &p.FeeRateBps)
	if err := requireParty(p.Buyer, "buyer"); err != nil {
		return nil, err
	}
	if err := requireParty(p.Seller, "seller"); err != nil {
		return nil, err
	}
	if err := requireParty(p.Platform, "platform"); err != nil {
		return nil, err
	}
	if err := requireParty(p.Guarantor, "guarantor"); err != nil {
		return nil, err
	}
	schedule, total, err := buildSchedule(p.Amounts, p.Deadlines)
	if err != nil {
		return nil, err
	}
	if p.Deposit == nil || p.Deposit.Sign() <= 0 {
		return nil, fmt.Errorf("escrow: deposit: %w", common.ErrZeroAmount)
	}
	if p.FeeRateBps > bpsDenominator || p.PenaltyRateBps > bpsDenominator {
		return nil, fmt.Errorf("escrow: rate out of range")
	}
	claimed, err := e.replay.Claimed(p.TID)
	if err != nil {
		return nil, err
	}
	if claimed {
		return nil, fmt.Errorf("escrow: tid %x: %w", p.TID, common.ErrDuplicateTransaction)
	}

	deposit := cloneBig(p.Deposit)
	if err := e.adapter.PullIn(p.Buyer, p.Asset, deposit, p.Value); err != nil {
		return nil, err
	}
	trade := &Trade{
		TID:            append([]byte(nil), p.TID...),
		Kind:           KindTimer,
		Buyer:          p.Buyer,
		Seller:         p.Seller,
		Platform:       p.Platform,
		Guarantor:      p.Guarantor,
		Asset:          p.Asset,
		Total:          total,
		Schedule:       schedule,
		FeeRateBps:     p.FeeRateBps,
		PenaltyRateBps: p.PenaltyRateBps,
		Deposit:        deposit,
		Withdrawn:      make(map[Role]*big.Int),
		Status:         StatusFunded,
		CreatedAt:      e.now(),
	}
	if err := e.commitNewTrade(trade, p.Buyer, deposit); err != nil {
		return nil, err
	}
	return trade.Clone(), nil
}

// Pay settles the next scheduled installment. The platform fee is taken
// immediately and the remainder passes through to the seller. Paying after
// the deadline burns a deposit penalty to the seller; the deposit must cover
// it.
func (e *Engine) Pay(tid []byte, caller [20]byte, value *big.Int) error {
	if err := e.ready(); err != nil {
		return err
	}
	trade, err := e.ledger.Get(tid)
	if err != nil {
		return err
	}
	if trade.Kind != KindTimer {
		return fmt.Errorf("escrow: pay only applies to timer trades: %w", common.ErrNotAuthorizedRole)
	}
	if trade.Status == StatusClosed {
		return fmt.Errorf("escrow: tid %x: %w", tid, common.ErrAlreadyClosed)
	}
	if caller != trade.Buyer {
		return fmt.Errorf("escrow: only the buyer pays installments: %w", common.ErrNotAuthorizedRole)
	}
	if trade.PaidThrough >= len(trade.Schedule) {
		return fmt.Errorf("escrow: plan fully settled: %w", common.ErrAlreadyClosed)
	}
	entry := trade.Schedule[trade.PaidThrough]
	now := e.now()

	penalty := big.NewInt(0)
	if now > entry.UnlockAt && trade.PenaltyRateBps > 0 {
		penalty, err = Penalty(trade.Deposit, trade.PenaltyRateBps)
		if err != nil {
			return err
		}
		if penalty.Cmp(trade.Deposit) > 0 {
			return fmt.Errorf("escrow: deposit cannot cover penalty: %w", common.ErrInsufficientFunds)
		}
	}
	fee, err := Fee(entry.Amount, trade.FeeRateBps)
	if err != nil {
		return err
	}

	if err := e.adapter.PullIn(caller, trade.Asset, entry.Amount, value); err != nil {
		return err
	}
	trade.PaidThrough++
	if penalty.Sign() > 0 {
		trade.Deposit = new(big.Int).Sub(trade.Deposit, penalty)
	}
	if err := e.ledger.Put(trade); err != nil {
		return e.refundPull(caller, trade.Asset, entry.Amount, err)
	}

	sellerShare := new(big.Int).Sub(cloneBig(entry.Amount), fee)
	sellerShare.Add(sellerShare, penalty)
	// The installment is already in the vault, so the settled record stands
	// whatever the payout legs do; passing the record as its own snapshot
	// keeps a push failure from rolling back a paid installment.
	if _, err := e.payoutWithdrawal(trade, trade, trade.Seller, sellerShare, fee, nil); err != nil {
		return err
	}
	e.emit(NewValueReceivedEvent(trade, caller, entry.Amount))
	return nil
}

// TopUpDeposit restores the deposit after penalties. Buyer-only.
func (e *Engine) TopUpDeposit(tid []byte, caller [20]byte, amount, value *big.Int) error {
	if err := e.ready(); err != nil {
		return err
	}
	trade, err := e.ledger.Get(tid)
	if err != nil {
		return err
	}
	if trade.Kind != KindTimer {
		return fmt.Errorf("escrow: deposit top-up only applies to timer trades: %w", common.ErrNotAuthorizedRole)
	}
	if trade.Status == StatusClosed {
		return fmt.Errorf("escrow: tid %x: %w", tid, common.ErrAlreadyClosed)
	}
	if caller != trade.Buyer {
		return fmt.Errorf("escrow: only the buyer tops up the deposit: %w", common.ErrNotAuthorizedRole)
	}
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("escrow: top-up amount: %w", common.ErrZeroAmount)
	}
	if err := e.adapter.PullIn(caller, trade.Asset, amount, value); err != nil {
		return err
	}
	newDeposit, err := AddChecked(trade.Deposit, amount)
	if err != nil {
		return e.refundPull(caller, trade.Asset, amount, err)
	}
	trade.Deposit = newDeposit
	if err := e.ledger.Put(trade); err != nil {
		return e.refundPull(caller, trade.Asset, amount, err)
	}
	e.emit(NewValueReceivedEvent(trade, caller, amount))
	return nil
}

// WithdrawDepositParams releases part of the deposit out of band. Both trade
// parties must sign the exact tuple; the withdrawal id is replay-guarded
// independently of the plan's tid.
type WithdrawDepositParams struct {
	TID          []byte
	WithdrawID   []byte
	Caller       [20]byte
	Amount       *big.Int
	ArbitrateFee *big.Int
	Claims       []Claim
}

// WithdrawDeposit pays deposit value to the caller under joint authorization.
func (e *Engine) WithdrawDeposit(p WithdrawDepositParams) error {
	if err := e.ready(); err != nil {
		return err
	}
	trade, err := e.ledger.Get(p.TID)
	if err != nil {
		return err
	}
	if trade.Kind != KindTimer {
		return fmt.Errorf("escrow: deposit withdrawal only applies to timer trades: %w", common.ErrNotAuthorizedRole)
	}
	if trade.Status == StatusClosed {
		return fmt.Errorf("escrow: tid %x: %w", p.TID, common.ErrAlreadyClosed)
	}
	if p.Caller != trade.Buyer && p.Caller != trade.Seller {
		return fmt.Errorf("escrow: caller %x: %w", p.Caller, common.ErrNotAuthorizedRole)
	}
	if p.Amount == nil || p.Amount.Sign() <= 0 {
		return fmt.Errorf("escrow: withdrawal amount: %w", common.ErrZeroAmount)
	}
	arbitrateFee := cloneBig(p.ArbitrateFee)
	available := new(big.Int).Sub(cloneBig(p.Amount), arbitrateFee)
	if available.Sign() < 0 {
		return fmt.Errorf("escrow: arbitrate fee exceeds amount: %w", common.ErrAmountMismatch)
	}
	if p.Amount.Cmp(trade.Deposit) > 0 {
		return fmt.Errorf("escrow: amount exceeds deposit: %w", common.ErrInsufficientReleasable)
	}
	digest := ApprovalDigest(p.Amount, arbitrateFee, p.WithdrawID)
	signers := verifiedSigners(digest, p.Claims)
	if !signers[trade.Buyer] || !signers[trade.Seller] {
		return fmt.Errorf("escrow: deposit withdrawal claims rejected: %w", common.ErrInvalidSignature)
	}
	claimed, err := e.replay.Claimed(p.WithdrawID)
	if err != nil {
		return err
	}
	if claimed {
		return fmt.Errorf("escrow: withdraw id %x: %w", p.WithdrawID, common.ErrDuplicateTransaction)
	}

	fee, err := Fee(available, trade.FeeRateBps)
	if err != nil {
		return err
	}
	snapshot := trade.Clone()
	trade.Deposit = new(big.Int).Sub(trade.Deposit, p.Amount)
	if err := e.ledger.Put(trade); err != nil {
		return err
	}
	payout := new(big.Int).Sub(available, fee)
	// The withdraw id burns with the commit; a payout that fails before any
	// value moves restores the record and leaves the id spendable.
	committed, payErr := e.payoutWithdrawal(trade, snapshot, p.Caller, payout, fee, arbitrateFee)
	if committed {
		if err := e.replay.Claim(p.WithdrawID); err != nil {
			return err
		}
	}
	if payErr != nil {
		return payErr
	}
	e.emit(NewWithdrawnEvent(trade, roleOf(trade, p.Caller), p.Amount, fee))
	return nil
}

func roleOf(t *Trade, addr [20]byte) Role {
	switch addr {
	case t.Seller:
		return RoleSeller
	case t.Platform:
		return RolePlatform
	case t.Guarantor:
		return RoleGuarantor
	default:
		return RoleBuyer
	}
}

// RefundDeposit returns the remaining deposit to the buyer once every
// installment has been settled, closing the trade.
func (e *Engine) RefundDeposit(tid []byte, caller [20]byte) error {
	if err := e.ready(); err != nil {
		return err
	}
	trade, err := e.ledger.Get(tid)
	if err != nil {
		return err
	}
	if trade.Kind != KindTimer {
		return fmt.Errorf("escrow: deposit refund only applies to timer trades: %w", common.ErrNotAuthorizedRole)
	}
	if trade.Status == StatusClosed {
		return fmt.Errorf("escrow: tid %x: %w", tid, common.ErrAlreadyClosed)
	}
	if caller != trade.Buyer {
		return fmt.Errorf("escrow: only the buyer reclaims the deposit: %w", common.ErrNotAuthorizedRole)
	}
	if trade.PaidThrough < len(trade.Schedule) {
		return fmt.Errorf("escrow: outstanding installments remain: %w", common.ErrInsufficientFunds)
	}
	refund := cloneBig(trade.Deposit)
	snapshot := trade.Clone()
	trade.Deposit = big.NewInt(0)
	trade.Status = StatusClosed
	if err := e.ledger.Put(trade); err != nil {
		return err
	}
	if refund.Sign() > 0 {
		if err := e.adapter.PushOut(caller, trade.Asset, refund); err != nil {
			if restoreErr := e.ledger.Put(snapshot); restoreErr != nil {
				return fmt.Errorf("escrow: restore after failed refund: %v: %w", restoreErr, err)
			}
			return err
		}
		e.emit(NewValueReleasedEvent(trade, caller, refund))
	}
	e.emit(NewTradeClosedEvent(trade))
	return nil
}
