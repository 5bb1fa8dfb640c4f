package lending

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"escrowcore/core/events"
	"escrowcore/core/types"
	"escrowcore/native/assets"
	"escrowcore/native/common"
	"escrowcore/native/escrow"
	"escrowcore/storage"
)

var (
	errNilStore    = errors.New("lending engine: store not configured")
	errNilAdapter  = errors.New("lending engine: asset adapter not configured")
	errNilReplay   = errors.New("lending engine: replay guard not configured")
	errNilRegistry = errors.New("lending engine: collateral registry not configured")
)

type engineEvent struct {
	evt *types.Event
}

func (e engineEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e engineEvent) Event() *types.Event { return e.evt }

// Engine runs collateralized loans: the borrower locks an NFT, a lender funds
// the principal, and the collateral returns only on full repayment.
type Engine struct {
	db       storage.Database
	replay   *escrow.ReplayGuard
	adapter  *assets.Adapter
	registry assets.Collateral
	emitter  events.Emitter
	nowFn    func() int64
}

// NewEngine creates a lending engine bound to one collateral registry.
func NewEngine(db storage.Database, replay *escrow.ReplayGuard, adapter *assets.Adapter, registry assets.Collateral) *Engine {
	return &Engine{
		db:       db,
		replay:   replay,
		adapter:  adapter,
		registry: registry,
		emitter:  events.NoopEmitter{},
		nowFn:    func() int64 { return time.Now().Unix() },
	}
}

// SetEmitter configures the event emitter. Passing nil resets it to a no-op.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the time source. Primarily intended for tests.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(engineEvent{evt: event})
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func (e *Engine) ready() error {
	if e == nil || e.db == nil {
		return errNilStore
	}
	if e.replay == nil {
		return errNilReplay
	}
	if e.adapter == nil {
		return errNilAdapter
	}
	if e.registry == nil {
		return errNilRegistry
	}
	return nil
}

func loanKey(tid []byte) []byte {
	return []byte("loan/" + hex.EncodeToString(tid))
}

func (e *Engine) getLoan(tid []byte) (*Loan, error) {
	ok, err := e.db.Has(loanKey(tid))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("lending: loan %x: %w", tid, common.ErrNotFound)
	}
	raw, err := e.db.Get(loanKey(tid))
	if err != nil {
		return nil, err
	}
	loan := &Loan{}
	if err := json.Unmarshal(raw, loan); err != nil {
		return nil, err
	}
	return loan, nil
}

func (e *Engine) putLoan(l *Loan) error {
	raw, err := json.Marshal(l)
	if err != nil {
		return err
	}
	return e.db.Put(loanKey(l.TID), raw)
}

// GetLoan returns a copy of the loan record bound to tid.
func (e *Engine) GetLoan(tid []byte) (*Loan, error) {
	if e == nil || e.db == nil {
		return nil, errNilStore
	}
	loan, err := e.getLoan(tid)
	if err != nil {
		return nil, err
	}
	return loan.Clone(), nil
}

var zeroAddress [20]byte

func requireParty(addr [20]byte, name string) error {
	if addr == zeroAddress {
		return fmt.Errorf("lending: %s address empty: %w", name, common.ErrInvalidParty)
	}
	return nil
}

// PublishParams describes the borrower's terms.
type PublishParams struct {
	TID            []byte
	Borrower       [20]byte
	Platform       [20]byte
	Asset          assets.Asset
	CollateralID   *big.Int
	Principal      *big.Int
	Interest       *big.Int
	FeeRateBps     uint32
	PenaltyRateBps uint32
	Term           int64
}

// Publish locks the borrower's collateral and records the loan terms.
// Registry authorization failures surface unchanged.
func (e *Engine) Publish(p PublishParams) (*Loan, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if err := requireParty(p.Borrower, "borrower"); err != nil {
		return nil, err
	}
	if err := requireParty(p.Platform, "platform"); err != nil {
		return nil, err
	}
	if p.Principal == nil || p.Principal.Sign() <= 0 {
		return nil, fmt.Errorf("lending: principal: %w", common.ErrZeroAmount)
	}
	if p.Interest == nil || p.Interest.Sign() < 0 {
		return nil, fmt.Errorf("lending: interest: %w", common.ErrZeroAmount)
	}
	if p.FeeRateBps > 10_000 || p.PenaltyRateBps > 10_000 {
		return nil, fmt.Errorf("lending: rate out of range")
	}
	if p.Term <= 0 {
		return nil, fmt.Errorf("lending: term: %w", common.ErrInvalidSchedule)
	}
	claimed, err := e.replay.Claimed(p.TID)
	if err != nil {
		return nil, err
	}
	if claimed {
		return nil, fmt.Errorf("lending: tid %x: %w", p.TID, common.ErrDuplicateTransaction)
	}

	if err := e.adapter.PullCollateral(e.registry, p.Borrower, p.CollateralID); err != nil {
		return nil, err
	}
	loan := &Loan{
		TID:            append([]byte(nil), p.TID...),
		Borrower:       p.Borrower,
		Platform:       p.Platform,
		Asset:          p.Asset,
		CollateralID:   cloneBig(p.CollateralID),
		Principal:      cloneBig(p.Principal),
		Interest:       cloneBig(p.Interest),
		FeeRateBps:     p.FeeRateBps,
		PenaltyRateBps: p.PenaltyRateBps,
		Term:           p.Term,
		Status:         LoanPublished,
		CreatedAt:      e.now(),
	}
	if err := e.replay.Claim(loan.TID); err != nil {
		return nil, e.unwindCollateral(loan, err)
	}
	if err := e.putLoan(loan); err != nil {
		return nil, e.unwindCollateral(loan, err)
	}
	e.emit(NewLoanPublishedEvent(loan))
	return loan.Clone(), nil
}

// unwindCollateral returns the locked NFT when a later step of the same call
// fails.
func (e *Engine) unwindCollateral(l *Loan, cause error) error {
	if pushErr := e.adapter.PushCollateral(e.registry, l.Borrower, l.CollateralID); pushErr != nil {
		return fmt.Errorf("lending: rollback failed after %v: %w", cause, pushErr)
	}
	return cause
}

// LendOut funds a published loan with exactly the principal. The principal
// passes straight through to the borrower and the due date starts counting.
func (e *Engine) LendOut(tid []byte, lender [20]byte, value *big.Int) error {
	if err := e.ready(); err != nil {
		return err
	}
	loan, err := e.getLoan(tid)
	if err != nil {
		return err
	}
	if loan.Status != LoanPublished {
		return fmt.Errorf("lending: loan %x: %w", tid, common.ErrAlreadyClosed)
	}
	if err := requireParty(lender, "lender"); err != nil {
		return err
	}
	if lender == loan.Borrower {
		return fmt.Errorf("lending: borrower cannot fund own loan: %w", common.ErrNotAuthorizedRole)
	}
	if err := e.adapter.PullIn(lender, loan.Asset, loan.Principal, value); err != nil {
		return err
	}
	loan.Lender = lender
	loan.EndDate = e.now() + loan.Term
	loan.Status = LoanLending
	if err := e.putLoan(loan); err != nil {
		return e.refundPull(lender, loan.Asset, loan.Principal, err)
	}
	if err := e.adapter.PushOut(loan.Borrower, loan.Asset, loan.Principal); err != nil {
		return err
	}
	e.emit(NewLoanLentEvent(loan))
	return nil
}

func (e *Engine) refundPull(to [20]byte, asset assets.Asset, amount *big.Int, cause error) error {
	if pushErr := e.adapter.PushOut(to, asset, amount); pushErr != nil {
		return fmt.Errorf("lending: rollback failed after %v: %w", cause, pushErr)
	}
	return cause
}

// Due reports what the borrower owes right now: principal plus interest, plus
// the interest penalty once the due date has passed.
func (e *Engine) Due(tid []byte) (*big.Int, error) {
	loan, err := e.GetLoan(tid)
	if err != nil {
		return nil, err
	}
	return e.dueAmount(loan)
}

func (e *Engine) dueAmount(l *Loan) (*big.Int, error) {
	due, err := escrow.AddChecked(l.Principal, l.Interest)
	if err != nil {
		return nil, err
	}
	// A repayment on the due date itself is still on time; the penalty
	// starts one second past it.
	if e.now() > l.EndDate && l.PenaltyRateBps > 0 {
		penalty, err := escrow.Penalty(l.Interest, l.PenaltyRateBps)
		if err != nil {
			return nil, err
		}
		due, err = escrow.AddChecked(due, penalty)
		if err != nil {
			return nil, err
		}
	}
	return due, nil
}

// Repay settles the loan in full. The value must match the due amount
// exactly; the platform fee comes out of it, the rest goes to the lender, and
// the collateral returns to the borrower.
func (e *Engine) Repay(tid []byte, caller [20]byte, value *big.Int) error {
	if err := e.ready(); err != nil {
		return err
	}
	loan, err := e.getLoan(tid)
	if err != nil {
		return err
	}
	if loan.Status != LoanLending {
		return fmt.Errorf("lending: loan %x: %w", tid, common.ErrAlreadyClosed)
	}
	if caller != loan.Borrower {
		return fmt.Errorf("lending: only the borrower repays: %w", common.ErrNotAuthorizedRole)
	}
	due, err := e.dueAmount(loan)
	if err != nil {
		return err
	}
	fee, err := escrow.Fee(due, loan.FeeRateBps)
	if err != nil {
		return err
	}
	if err := e.adapter.PullIn(caller, loan.Asset, due, value); err != nil {
		return err
	}
	loan.Status = LoanClosed
	if err := e.putLoan(loan); err != nil {
		return e.refundPull(caller, loan.Asset, due, err)
	}
	lenderShare := new(big.Int).Sub(due, fee)
	if err := e.adapter.PushOut(loan.Lender, loan.Asset, lenderShare); err != nil {
		return err
	}
	if fee.Sign() > 0 {
		if err := e.adapter.PushOut(loan.Platform, loan.Asset, fee); err != nil {
			return err
		}
	}
	if err := e.adapter.PushCollateral(e.registry, loan.Borrower, loan.CollateralID); err != nil {
		return err
	}
	e.emit(NewLoanRepaidEvent(loan, due, fee))
	return nil
}

// Seize transfers the collateral to the lender after default. The lender
// attaches the platform fee on the outstanding amount.
func (e *Engine) Seize(tid []byte, caller [20]byte, value *big.Int) error {
	if err := e.ready(); err != nil {
		return err
	}
	loan, err := e.getLoan(tid)
	if err != nil {
		return err
	}
	if loan.Status != LoanLending {
		return fmt.Errorf("lending: loan %x: %w", tid, common.ErrAlreadyClosed)
	}
	if caller != loan.Lender {
		return fmt.Errorf("lending: only the lender seizes: %w", common.ErrNotAuthorizedRole)
	}
	if e.now() < loan.EndDate {
		return fmt.Errorf("lending: loan not in default: %w", common.ErrNotAuthorizedRole)
	}
	due, err := e.dueAmount(loan)
	if err != nil {
		return err
	}
	fee, err := escrow.Fee(due, loan.FeeRateBps)
	if err != nil {
		return err
	}
	if fee.Sign() > 0 {
		if err := e.adapter.PullIn(caller, loan.Asset, fee, value); err != nil {
			return err
		}
	} else if value != nil && value.Sign() != 0 {
		return fmt.Errorf("lending: unexpected attached value: %w", common.ErrAmountMismatch)
	}
	loan.Status = LoanClosed
	if err := e.putLoan(loan); err != nil {
		if fee.Sign() > 0 {
			return e.refundPull(caller, loan.Asset, fee, err)
		}
		return err
	}
	if fee.Sign() > 0 {
		if err := e.adapter.PushOut(loan.Platform, loan.Asset, fee); err != nil {
			return err
		}
	}
	if err := e.adapter.PushCollateral(e.registry, loan.Lender, loan.CollateralID); err != nil {
		return err
	}
	e.emit(NewLoanSeizedEvent(loan, fee))
	return nil
}
