package escrow

import (
	"fmt"
	"math/big"

	"escrowcore/native/assets"
	"escrowcore/native/common"
)

// PurchaseParams funds an installment trade. The buyer is the caller and
// supplies the full trade value upfront; the schedule controls when the
// seller may withdraw it.
type PurchaseParams struct {
	TID         []byte
	Buyer       [20]byte
	Seller      [20]byte
	Platform    [20]byte
	Guarantor   [20]byte
	Asset       assets.Asset
	Amounts     []*big.Int
	UnlockTimes []int64
	FeeRateBps  uint32
	Value       *big.Int
}

// Purchase creates and funds an installment trade in one call
// (Created→Funded). A failed precondition leaves no trace: the tid stays
// unclaimed and no value moves.
func (e *Engine) Purchase(p PurchaseParams) (*Trade, error) {
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
	schedule, total, err := buildSchedule(p.Amounts, p.UnlockTimes)
	if err != nil {
		return nil, err
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

	if err := e.adapter.PullIn(p.Buyer, p.Asset, total, p.Value); err != nil {
		return nil, err
	}
	trade := &Trade{
		TID:        append([]byte(nil), p.TID...),
		Kind:       KindInstallment,
		Buyer:      p.Buyer,
		Seller:     p.Seller,
		Platform:   p.Platform,
		Guarantor:  p.Guarantor,
		Asset:      p.Asset,
		Total:      total,
		Schedule:   schedule,
		FeeRateBps: p.FeeRateBps,
		Withdrawn:  make(map[Role]*big.Int),
		Status:     StatusFunded,
		CreatedAt:  e.now(),
	}
	if err := e.commitNewTrade(trade, p.Buyer, total); err != nil {
		return nil, err
	}
	return trade.Clone(), nil
}

// buildSchedule validates the (amounts, timestamps) pairs and returns the
// schedule with its total. Out-of-order timestamps are allowed; unlocking is
// by timestamp comparison, not entry order.
func buildSchedule(amounts []*big.Int, times []int64) ([]ScheduleEntry, *big.Int, error) {
	if len(amounts) == 0 {
		return nil, nil, fmt.Errorf("escrow: schedule empty: %w", common.ErrInvalidSchedule)
	}
	if len(amounts) != len(times) {
		return nil, nil, fmt.Errorf("escrow: schedule lengths differ: %w", common.ErrInvalidSchedule)
	}
	schedule := make([]ScheduleEntry, len(amounts))
	total := big.NewInt(0)
	for i, amount := range amounts {
		if amount == nil || amount.Sign() < 0 {
			return nil, nil, fmt.Errorf("escrow: schedule amount %d invalid: %w", i, common.ErrInvalidSchedule)
		}
		schedule[i] = ScheduleEntry{Amount: cloneBig(amount), UnlockAt: times[i]}
		total.Add(total, amount)
	}
	if total.Sign() <= 0 {
		return nil, nil, fmt.Errorf("escrow: trade value: %w", common.ErrZeroAmount)
	}
	return schedule, total, nil
}

// commitNewTrade claims the tid and persists the record after funds are
// already in the vault, rolling the pull back if persistence fails.
func (e *Engine) commitNewTrade(trade *Trade, funder [20]byte, pulled *big.Int) error {
	if err := e.replay.Claim(trade.TID); err != nil {
		return e.refundPull(funder, trade.Asset, pulled, err)
	}
	if err := e.ledger.Create(trade); err != nil {
		return e.refundPull(funder, trade.Asset, pulled, err)
	}
	e.emit(NewValueReceivedEvent(trade, funder, pulled))
	e.emit(NewTradeCreatedEvent(trade))
	return nil
}

// WithdrawParams authorizes releasing value out of a trade. Exactly one of
// the two paths applies per call: the ordinary schedule path carries the
// counter-party's consent claim, the arbitrated path carries claims over the
// exact (amount, arbitrateFee, tid) tuple.
type WithdrawParams struct {
	TID           []byte
	Caller        [20]byte
	Amount        *big.Int
	ArbitrateFee  *big.Int
	ConsentClaim  Claim
	ArbitrateSigs []Claim
	CouponRateBps uint32
	CouponID      []byte
	CouponClaim   Claim
}

func (p WithdrawParams) arbitrated() bool {
	if len(p.ArbitrateSigs) > 0 {
		return true
	}
	return p.ArbitrateFee != nil && p.ArbitrateFee.Sign() > 0
}

// Withdraw releases value to the calling party
// (Funded/PartiallyReleased→{PartiallyReleased, Closed}). It serves the
// installment and trust variants; the timer deposit has its own entry point.
func (e *Engine) Withdraw(p WithdrawParams) error {
	if err := e.ready(); err != nil {
		return err
	}
	trade, err := e.ledger.Get(p.TID)
	if err != nil {
		return err
	}
	if trade.Kind == KindTimer {
		return fmt.Errorf("escrow: timer deposits use WithdrawDeposit: %w", common.ErrNotAuthorizedRole)
	}
	if trade.Status == StatusClosed {
		return fmt.Errorf("escrow: tid %x: %w", p.TID, common.ErrAlreadyClosed)
	}
	if p.Amount == nil || p.Amount.Sign() <= 0 {
		return fmt.Errorf("escrow: withdrawal amount: %w", common.ErrZeroAmount)
	}
	var role Role
	var counterparty [20]byte
	switch p.Caller {
	case trade.Seller:
		role, counterparty = RoleSeller, trade.Buyer
	case trade.Buyer:
		role, counterparty = RoleBuyer, trade.Seller
	default:
		return fmt.Errorf("escrow: caller %x: %w", p.Caller, common.ErrNotAuthorizedRole)
	}

	arbitrateFee := cloneBig(p.ArbitrateFee)
	available := new(big.Int).Sub(cloneBig(p.Amount), arbitrateFee)
	if available.Sign() < 0 {
		return fmt.Errorf("escrow: arbitrate fee exceeds amount: %w", common.ErrAmountMismatch)
	}

	snapshot := trade.Clone()
	if p.arbitrated() {
		if err := verifyArbitration(trade, p.Caller, counterparty, p.Amount, arbitrateFee, p.ArbitrateSigs); err != nil {
			return err
		}
		if err := RecordArbitratedWithdrawal(trade, role, p.Amount); err != nil {
			return err
		}
	} else {
		if role == RoleBuyer && trade.Kind == KindInstallment && !trade.RefundRequested {
			return fmt.Errorf("escrow: buyer withdrawal requires a refund request: %w", common.ErrNotAuthorizedRole)
		}
		if err := verifyConsent(counterparty, p.ConsentClaim, trade.TID); err != nil {
			return err
		}
		if err := RecordWithdrawal(trade, role, p.Amount, e.now()); err != nil {
			return err
		}
	}

	fee, err := Fee(available, trade.FeeRateBps)
	if err != nil {
		return err
	}
	fee, err = e.validateCoupon(trade.Platform, trade.TID, fee, p.CouponRateBps, p.CouponID, p.CouponClaim)
	if err != nil {
		return err
	}

	if err := e.ledger.Put(trade); err != nil {
		return err
	}
	payout := new(big.Int).Sub(available, fee)
	committed, payErr := e.payoutWithdrawal(trade, snapshot, p.Caller, payout, fee, arbitrateFee)
	if committed {
		if err := e.burnCoupon(p.CouponRateBps, p.CouponID); err != nil {
			return err
		}
	}
	if payErr != nil {
		return payErr
	}
	e.emit(NewWithdrawnEvent(trade, role, p.Amount, fee))
	if trade.Status == StatusClosed {
		e.emit(NewTradeClosedEvent(trade))
	}
	return nil
}

// verifyArbitration accepts either both trade parties or the guarantor plus
// the counter-party signing the exact withdrawal tuple.
func verifyArbitration(trade *Trade, caller, counterparty [20]byte, amount, arbitrateFee *big.Int, claims []Claim) error {
	digest := ApprovalDigest(amount, arbitrateFee, trade.TID)
	signers := verifiedSigners(digest, claims)
	bothParties := signers[trade.Buyer] && signers[trade.Seller]
	arbitrated := signers[trade.Guarantor] && signers[counterparty]
	if !bothParties && !arbitrated {
		return fmt.Errorf("escrow: arbitration claims rejected: %w", common.ErrInvalidSignature)
	}
	return nil
}

// payoutWithdrawal pushes the three-way split. The pre-withdrawal record is
// restored only while no value has moved yet; once a leg has paid out the
// recorded withdrawal stands and a later leg's failure surfaces without
// touching the record, so a retry can never pay the same amount twice. The
// returned flag reports whether the withdrawal remained committed.
func (e *Engine) payoutWithdrawal(trade, snapshot *Trade, to [20]byte, payout, fee, arbitrateFee *big.Int) (bool, error) {
	moved := false
	push := func(addr [20]byte, amount *big.Int) error {
		if amount == nil || amount.Sign() <= 0 {
			return nil
		}
		if err := e.adapter.PushOut(addr, trade.Asset, amount); err != nil {
			if moved {
				return err
			}
			if restoreErr := e.ledger.Put(snapshot); restoreErr != nil {
				return fmt.Errorf("escrow: restore after failed payout: %v: %w", restoreErr, err)
			}
			return err
		}
		moved = true
		e.emit(NewValueReleasedEvent(trade, addr, amount))
		return nil
	}
	if err := push(to, payout); err != nil {
		return moved, err
	}
	if err := push(trade.Platform, fee); err != nil {
		return moved, err
	}
	return moved, push(trade.Guarantor, arbitrateFee)
}

// RequestRefund flags the trade for refunding. It moves no value: it only
// opens the buyer's withdrawal path for the unreleased remainder.
func (e *Engine) RequestRefund(tid []byte, caller [20]byte) error {
	if err := e.ready(); err != nil {
		return err
	}
	trade, err := e.ledger.Get(tid)
	if err != nil {
		return err
	}
	if trade.Status == StatusClosed {
		return fmt.Errorf("escrow: tid %x: %w", tid, common.ErrAlreadyClosed)
	}
	if caller != trade.Buyer {
		return fmt.Errorf("escrow: only the buyer may request a refund: %w", common.ErrNotAuthorizedRole)
	}
	if trade.RefundRequested {
		return nil
	}
	trade.RefundRequested = true
	trade.RefundRequestedAt = e.now()
	trade.Status = StatusRefunding
	if err := e.ledger.Put(trade); err != nil {
		return err
	}
	e.emit(NewRefundRequestedEvent(trade, caller))
	return nil
}
