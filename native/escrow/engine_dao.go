package escrow

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"escrowcore/native/assets"
	"escrowcore/native/common"
)

// DAO-specific failure kinds. Everything else reuses the shared taxonomy.
var (
	ErrDaoTargetExceeded = errors.New("dao fundraising target exhausted")
	ErrDaoTokenMismatch  = errors.New("dao token does not match the bound token")
)

// DaoRound is one fundraising round. Targets accumulate across rounds; the
// reserved and discount rates of the newest round govern issuance.
type DaoRound struct {
	Target      *big.Int `json:"target"`
	ReservedBps uint32   `json:"reservedBps"`
	DiscountBps uint32   `json:"discountBps"`
}

// Dao is a token fundraising pool: purchases pull value in and issue
// governance tokens at a fixed exchange rate, with a slice of each issuance
// reserved in the vault until the owner withdraws it.
type Dao struct {
	ID         []byte       `json:"id"`
	Owner      [20]byte     `json:"owner"`
	Platform   [20]byte     `json:"platform"`
	Asset      assets.Asset `json:"asset"`
	Exchange   *big.Int     `json:"exchange"`
	FeeRateBps uint32       `json:"feeRateBps"`
	Rounds     []DaoRound   `json:"rounds"`

	// TokenRef binds the governance token on the first purchase; later
	// purchases must name the same token.
	TokenRef string `json:"tokenRef,omitempty"`

	Raised    *big.Int `json:"raised"`
	Withdrawn *big.Int `json:"withdrawn"`
	Reserved  *big.Int `json:"reserved"`
	CreatedAt int64    `json:"createdAt"`
}

// Clone returns a deep copy of the dao record.
func (d *Dao) Clone() *Dao {
	if d == nil {
		return nil
	}
	clone := *d
	clone.ID = append([]byte(nil), d.ID...)
	clone.Exchange = cloneBig(d.Exchange)
	clone.Raised = cloneBig(d.Raised)
	clone.Withdrawn = cloneBig(d.Withdrawn)
	clone.Reserved = cloneBig(d.Reserved)
	if d.Rounds != nil {
		clone.Rounds = make([]DaoRound, len(d.Rounds))
		for i, round := range d.Rounds {
			clone.Rounds[i] = DaoRound{
				Target:      cloneBig(round.Target),
				ReservedBps: round.ReservedBps,
				DiscountBps: round.DiscountBps,
			}
		}
	}
	return &clone
}

// TotalTarget sums the targets of every round.
func (d *Dao) TotalTarget() *big.Int {
	total := big.NewInt(0)
	if d == nil {
		return total
	}
	for _, round := range d.Rounds {
		if round.Target != nil {
			total.Add(total, round.Target)
		}
	}
	return total
}

func (d *Dao) currentRound() DaoRound {
	if d == nil || len(d.Rounds) == 0 {
		return DaoRound{}
	}
	return d.Rounds[len(d.Rounds)-1]
}

func daoKey(id []byte) []byte {
	return []byte("dao/" + hex.EncodeToString(id))
}

func (e *Engine) getDao(id []byte) (*Dao, error) {
	ok, err := e.ledger.db.Has(daoKey(id))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("escrow: dao %x: %w", id, common.ErrNotFound)
	}
	raw, err := e.ledger.db.Get(daoKey(id))
	if err != nil {
		return nil, err
	}
	dao := &Dao{}
	if err := json.Unmarshal(raw, dao); err != nil {
		return nil, err
	}
	return dao, nil
}

func (e *Engine) putDao(d *Dao) error {
	raw, err := json.Marshal(d)
	if err != nil {
		return err
	}
	return e.ledger.db.Put(daoKey(d.ID), raw)
}

// DaoParams describes a new fundraising pool with its first round.
type DaoParams struct {
	ID          []byte
	Owner       [20]byte
	Platform    [20]byte
	Asset       assets.Asset
	Exchange    *big.Int
	Target      *big.Int
	ReservedBps uint32
	DiscountBps uint32
	FeeRateBps  uint32
}

// CreateDao opens a fundraising pool. The dao id shares the replay namespace
// with trade ids.
func (e *Engine) CreateDao(p DaoParams) (*Dao, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	e.applyFeeDefaults(&p.Platform, &p.FeeRateBps)
	if err := requireParty(p.Owner, "owner"); err != nil {
		return nil, err
	}
	if err := requireParty(p.Platform, "platform"); err != nil {
		return nil, err
	}
	if p.Exchange == nil || p.Exchange.Sign() <= 0 {
		return nil, fmt.Errorf("escrow: exchange rate: %w", common.ErrZeroAmount)
	}
	if p.Target == nil || p.Target.Sign() <= 0 {
		return nil, fmt.Errorf("escrow: round target: %w", common.ErrZeroAmount)
	}
	if p.ReservedBps > bpsDenominator || p.DiscountBps > bpsDenominator || p.FeeRateBps > bpsDenominator {
		return nil, fmt.Errorf("escrow: rate out of range")
	}
	if err := e.replay.Claim(p.ID); err != nil {
		return nil, err
	}
	dao := &Dao{
		ID:         append([]byte(nil), p.ID...),
		Owner:      p.Owner,
		Platform:   p.Platform,
		Asset:      p.Asset,
		Exchange:   cloneBig(p.Exchange),
		FeeRateBps: p.FeeRateBps,
		Rounds: []DaoRound{{
			Target:      cloneBig(p.Target),
			ReservedBps: p.ReservedBps,
			DiscountBps: p.DiscountBps,
		}},
		Raised:    big.NewInt(0),
		Withdrawn: big.NewInt(0),
		Reserved:  big.NewInt(0),
		CreatedAt: e.now(),
	}
	if err := e.putDao(dao); err != nil {
		return nil, err
	}
	e.emit(NewDaoCreatedEvent(dao))
	return dao.Clone(), nil
}

// NewDaoRound opens another round: the target accumulates and the new
// reserved and discount rates take over. Owner-only.
func (e *Engine) NewDaoRound(id []byte, caller [20]byte, target *big.Int, reservedBps, discountBps uint32) error {
	if err := e.ready(); err != nil {
		return err
	}
	dao, err := e.getDao(id)
	if err != nil {
		return err
	}
	if caller != dao.Owner {
		return fmt.Errorf("escrow: only the owner opens rounds: %w", common.ErrNotAuthorizedRole)
	}
	if target == nil || target.Sign() <= 0 {
		return fmt.Errorf("escrow: round target: %w", common.ErrZeroAmount)
	}
	if reservedBps > bpsDenominator || discountBps > bpsDenominator {
		return fmt.Errorf("escrow: rate out of range")
	}
	dao.Rounds = append(dao.Rounds, DaoRound{
		Target:      cloneBig(target),
		ReservedBps: reservedBps,
		DiscountBps: discountBps,
	})
	if err := e.putDao(dao); err != nil {
		return err
	}
	e.emit(NewDaoRoundEvent(dao))
	return nil
}

// daoIssuance computes the tokens a purchase issues: amount converted at the
// exchange rate, less the round's discount, then split into the buyer's share
// and the reserved share held back in the vault.
func daoIssuance(dao *Dao, amount *big.Int) (buyerShare, reservedShare *big.Int, err error) {
	round := dao.currentRound()
	exchanged, err := MulChecked(amount, dao.Exchange)
	if err != nil {
		return nil, nil, err
	}
	discount, err := Fee(exchanged, round.DiscountBps)
	if err != nil {
		return nil, nil, err
	}
	minted := new(big.Int).Sub(exchanged, discount)
	reservedShare, err = Fee(minted, round.ReservedBps)
	if err != nil {
		return nil, nil, err
	}
	return new(big.Int).Sub(minted, reservedShare), reservedShare, nil
}

// PurchaseDao pulls a purchase into the pool and issues governance tokens to
// the buyer. The first purchase binds the governance token; the reserved
// share of every issuance is minted into the vault for the owner to withdraw.
func (e *Engine) PurchaseDao(id []byte, buyer [20]byte, amount, value *big.Int, tokenRef string, tid []byte) error {
	if err := e.ready(); err != nil {
		return err
	}
	dao, err := e.getDao(id)
	if err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("escrow: purchase amount: %w", common.ErrZeroAmount)
	}
	if tokenRef == "" {
		return fmt.Errorf("escrow: dao token required: %w", common.ErrInvalidParty)
	}
	if dao.TokenRef != "" && dao.TokenRef != tokenRef {
		return fmt.Errorf("escrow: token %q: %w", tokenRef, ErrDaoTokenMismatch)
	}
	raised, err := AddChecked(dao.Raised, amount)
	if err != nil {
		return err
	}
	if raised.Cmp(dao.TotalTarget()) > 0 {
		return fmt.Errorf("escrow: %s over target: %w", amount, ErrDaoTargetExceeded)
	}
	claimed, err := e.replay.Claimed(tid)
	if err != nil {
		return err
	}
	if claimed {
		return fmt.Errorf("escrow: tid %x: %w", tid, common.ErrDuplicateTransaction)
	}
	buyerShare, reservedShare, err := daoIssuance(dao, amount)
	if err != nil {
		return err
	}

	if err := e.adapter.PullIn(buyer, dao.Asset, amount, value); err != nil {
		return err
	}
	dao.TokenRef = tokenRef
	dao.Raised = raised
	dao.Reserved = new(big.Int).Add(dao.Reserved, reservedShare)
	if err := e.replay.Claim(tid); err != nil {
		return e.refundPull(buyer, dao.Asset, amount, err)
	}
	if err := e.putDao(dao); err != nil {
		return e.refundPull(buyer, dao.Asset, amount, err)
	}
	if err := e.adapter.Mint(tokenRef, buyer, buyerShare); err != nil {
		return err
	}
	if err := e.adapter.Mint(tokenRef, e.adapter.Vault(), reservedShare); err != nil {
		return err
	}
	e.emit(NewDaoPurchasedEvent(dao, buyer, amount, buyerShare))
	return nil
}

// DaoWithdrawParams authorizes moving raised value and reserved governance
// tokens to the owner. Either amount may be zero, not both. The fee on the
// value leg takes an optional platform coupon.
type DaoWithdrawParams struct {
	ID            []byte
	Caller        [20]byte
	Amount        *big.Int
	DaoAmount     *big.Int
	TID           []byte
	CouponRateBps uint32
	CouponID      []byte
	CouponClaim   Claim
}

// WithdrawDao releases raised value and reserved governance tokens to the
// owner, net of the platform fee on each leg.
func (e *Engine) WithdrawDao(p DaoWithdrawParams) error {
	if err := e.ready(); err != nil {
		return err
	}
	dao, err := e.getDao(p.ID)
	if err != nil {
		return err
	}
	if p.Caller != dao.Owner {
		return fmt.Errorf("escrow: only the owner withdraws: %w", common.ErrNotAuthorizedRole)
	}
	amount := cloneBig(p.Amount)
	daoAmount := cloneBig(p.DaoAmount)
	if amount.Sign() < 0 || daoAmount.Sign() < 0 {
		return fmt.Errorf("escrow: withdrawal amount: %w", common.ErrZeroAmount)
	}
	if amount.Sign() == 0 && daoAmount.Sign() == 0 {
		return fmt.Errorf("escrow: nothing to withdraw: %w", common.ErrZeroAmount)
	}
	available := new(big.Int).Sub(dao.Raised, dao.Withdrawn)
	if amount.Cmp(available) > 0 {
		return fmt.Errorf("escrow: %s exceeds raised balance: %w", amount, common.ErrInsufficientFunds)
	}
	if daoAmount.Cmp(dao.Reserved) > 0 {
		return fmt.Errorf("escrow: %s exceeds reserved tokens: %w", daoAmount, common.ErrInsufficientFunds)
	}
	claimed, err := e.replay.Claimed(p.TID)
	if err != nil {
		return err
	}
	if claimed {
		return fmt.Errorf("escrow: tid %x: %w", p.TID, common.ErrDuplicateTransaction)
	}
	fee, err := Fee(amount, dao.FeeRateBps)
	if err != nil {
		return err
	}
	fee, err = e.validateCoupon(dao.Platform, p.TID, fee, p.CouponRateBps, p.CouponID, p.CouponClaim)
	if err != nil {
		return err
	}
	daoFee, err := Fee(daoAmount, dao.FeeRateBps)
	if err != nil {
		return err
	}

	snapshot := dao.Clone()
	dao.Withdrawn = new(big.Int).Add(dao.Withdrawn, amount)
	dao.Reserved = new(big.Int).Sub(dao.Reserved, daoAmount)
	if err := e.putDao(dao); err != nil {
		return err
	}

	// Same commit discipline as trade withdrawals: restore only while no leg
	// has moved, then let later failures surface against the committed record.
	moved := false
	push := func(to [20]byte, asset assets.Asset, value *big.Int) error {
		if value == nil || value.Sign() <= 0 {
			return nil
		}
		if err := e.adapter.PushOut(to, asset, value); err != nil {
			if moved {
				return err
			}
			if restoreErr := e.putDao(snapshot); restoreErr != nil {
				return fmt.Errorf("escrow: restore after failed payout: %v: %w", restoreErr, err)
			}
			return err
		}
		moved = true
		return nil
	}
	daoAsset := assets.TokenAsset(dao.TokenRef)
	payErr := push(dao.Owner, dao.Asset, new(big.Int).Sub(amount, fee))
	if payErr == nil {
		payErr = push(dao.Platform, dao.Asset, fee)
	}
	if payErr == nil {
		payErr = push(dao.Owner, daoAsset, new(big.Int).Sub(daoAmount, daoFee))
	}
	if payErr == nil {
		payErr = push(dao.Platform, daoAsset, daoFee)
	}
	if moved {
		if err := e.replay.Claim(p.TID); err != nil {
			return err
		}
		if err := e.burnCoupon(p.CouponRateBps, p.CouponID); err != nil {
			return err
		}
	}
	if payErr != nil {
		return payErr
	}
	e.emit(NewDaoWithdrawnEvent(dao, amount, daoAmount, fee))
	return nil
}

// DaoInfo returns a copy of the dao record.
func (e *Engine) DaoInfo(id []byte) (*Dao, error) {
	if e == nil || e.ledger == nil {
		return nil, errNilLedger
	}
	dao, err := e.getDao(id)
	if err != nil {
		return nil, err
	}
	return dao.Clone(), nil
}
