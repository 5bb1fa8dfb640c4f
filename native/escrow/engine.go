package escrow

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"escrowcore/core/events"
	"escrowcore/core/types"
	"escrowcore/native/assets"
	"escrowcore/native/common"
)

var (
	errNilLedger  = errors.New("escrow engine: ledger not configured")
	errNilAdapter = errors.New("escrow engine: asset adapter not configured")
	errNilReplay  = errors.New("escrow engine: replay guard not configured")
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

// Engine wires the trade state machines to the ledger, replay guard, fee
// arithmetic and asset adapter. One engine instance corresponds to one
// deployed contract instance: its ledger, coupon set and replay set are
// exclusive to it.
type Engine struct {
	ledger  *Ledger
	replay  *ReplayGuard
	adapter *assets.Adapter
	emitter events.Emitter
	nowFn   func() int64

	feeTreasury   [20]byte
	defaultFeeBps uint32
}

// NewEngine creates an engine with a no-op emitter. Callers can override the
// emitter via SetEmitter.
func NewEngine(ledger *Ledger, replay *ReplayGuard, adapter *assets.Adapter) *Engine {
	return &Engine{
		ledger:  ledger,
		replay:  replay,
		adapter: adapter,
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
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

// SetFeeDefaults installs the deployment's fee policy. A trade published
// without a platform party falls back to the treasury as fee recipient; when
// that fallback applies and no fee rate was given, the default rate applies
// too. Trades naming their own platform are untouched.
func (e *Engine) SetFeeDefaults(treasury [20]byte, rateBps uint32) {
	e.feeTreasury = treasury
	e.defaultFeeBps = rateBps
}

func (e *Engine) applyFeeDefaults(platform *[20]byte, rateBps *uint32) {
	if e == nil || e.feeTreasury == zeroAddress || *platform != zeroAddress {
		return
	}
	*platform = e.feeTreasury
	if *rateBps == 0 {
		*rateBps = e.defaultFeeBps
	}
}

// SetNowFunc overrides the time source. Primarily intended for tests to
// provide deterministic timestamps.
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
	if e == nil || e.ledger == nil {
		return errNilLedger
	}
	if e.replay == nil {
		return errNilReplay
	}
	if e.adapter == nil {
		return errNilAdapter
	}
	return nil
}

// GetTrade returns a copy of the record bound to tid.
func (e *Engine) GetTrade(tid []byte) (*Trade, error) {
	if e == nil || e.ledger == nil {
		return nil, errNilLedger
	}
	trade, err := e.ledger.Get(tid)
	if err != nil {
		return nil, err
	}
	return trade.Clone(), nil
}

// ReleasableAmount reports what the role could withdraw right now on the
// ordinary schedule path.
func (e *Engine) ReleasableAmount(tid []byte, role Role) (*big.Int, error) {
	trade, err := e.GetTrade(tid)
	if err != nil {
		return nil, err
	}
	return Releasable(trade, role, e.now()), nil
}

func requireParty(addr [20]byte, name string) error {
	if addr == zeroAddress {
		return fmt.Errorf("escrow: %s address empty: %w", name, common.ErrInvalidParty)
	}
	return nil
}

// verifyConsent checks a consent claim over the trade id from the expected
// party.
func verifyConsent(party [20]byte, claim Claim, tid []byte) error {
	if claim.Signer != party {
		return fmt.Errorf("escrow: consent signer mismatch: %w", common.ErrInvalidSignature)
	}
	if !claim.Verify(ConsentDigest(tid)) {
		return fmt.Errorf("escrow: consent claim rejected: %w", common.ErrInvalidSignature)
	}
	return nil
}

// validateCoupon checks the platform's coupon claim and returns the
// discounted net fee. The coupon itself is burned only once the withdrawal it
// discounts has committed, via burnCoupon, so a failed call leaves it
// spendable.
func (e *Engine) validateCoupon(platform [20]byte, tid []byte, fee *big.Int, couponRateBps uint32, couponID []byte, claim Claim) (*big.Int, error) {
	if couponRateBps == 0 {
		return fee, nil
	}
	if len(couponID) == 0 {
		return nil, fmt.Errorf("escrow: coupon id required: %w", common.ErrCouponReused)
	}
	consumed, err := e.replay.CouponConsumed(couponID)
	if err != nil {
		return nil, err
	}
	if consumed {
		return nil, fmt.Errorf("escrow: coupon %x: %w", couponID, common.ErrCouponReused)
	}
	if claim.Signer != platform {
		return nil, fmt.Errorf("escrow: coupon must be signed by platform: %w", common.ErrInvalidSignature)
	}
	if !claim.Verify(CouponDigest(couponRateBps, couponID, tid)) {
		return nil, fmt.Errorf("escrow: coupon claim rejected: %w", common.ErrInvalidSignature)
	}
	discount, err := CouponDiscount(fee, couponRateBps)
	if err != nil {
		return nil, err
	}
	return new(big.Int).Sub(fee, discount), nil
}

// burnCoupon consumes a validated coupon after the discounted withdrawal has
// committed.
func (e *Engine) burnCoupon(couponRateBps uint32, couponID []byte) error {
	if couponRateBps == 0 {
		return nil
	}
	return e.replay.ClaimCoupon(couponID)
}

// refundPull returns funds pulled into the vault when a later step of the
// same call fails, keeping failed calls free of observable effects.
func (e *Engine) refundPull(to [20]byte, asset assets.Asset, amount *big.Int, cause error) error {
	if pushErr := e.adapter.PushOut(to, asset, amount); pushErr != nil {
		return fmt.Errorf("escrow: rollback failed after %v: %w", cause, pushErr)
	}
	return cause
}
