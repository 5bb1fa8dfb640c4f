package escrow

import (
	"encoding/hex"
	"fmt"

	"escrowcore/native/common"
	"escrowcore/storage"
)

// ReplayGuard tracks consumed transaction ids and coupon ids. Claims are
// monotonic; nothing is ever unclaimed.
type ReplayGuard struct {
	db storage.Database
}

// NewReplayGuard wraps a database as the replay record backend.
func NewReplayGuard(db storage.Database) *ReplayGuard {
	return &ReplayGuard{db: db}
}

func tidKey(tid []byte) []byte {
	return []byte("replay/tid/" + hex.EncodeToString(tid))
}

func couponKey(id []byte) []byte {
	return []byte("replay/coupon/" + hex.EncodeToString(id))
}

// Claimed reports whether the tid has already been consumed.
func (g *ReplayGuard) Claimed(tid []byte) (bool, error) {
	if g == nil || g.db == nil {
		return false, fmt.Errorf("escrow: replay guard not configured")
	}
	return g.db.Has(tidKey(tid))
}

// Claim consumes a tid, failing when it was consumed before.
func (g *ReplayGuard) Claim(tid []byte) error {
	if len(tid) == 0 {
		return fmt.Errorf("escrow: empty transaction id: %w", common.ErrDuplicateTransaction)
	}
	claimed, err := g.Claimed(tid)
	if err != nil {
		return err
	}
	if claimed {
		return fmt.Errorf("escrow: tid %x: %w", tid, common.ErrDuplicateTransaction)
	}
	return g.db.Put(tidKey(tid), []byte{1})
}

// CouponConsumed reports whether the coupon id has already been burned.
func (g *ReplayGuard) CouponConsumed(id []byte) (bool, error) {
	if g == nil || g.db == nil {
		return false, fmt.Errorf("escrow: replay guard not configured")
	}
	return g.db.Has(couponKey(id))
}

// ClaimCoupon burns a coupon id, failing when it was burned before. Coupon
// consumption is global: a coupon spent on one trade is spent everywhere.
func (g *ReplayGuard) ClaimCoupon(id []byte) error {
	if len(id) == 0 {
		return fmt.Errorf("escrow: empty coupon id: %w", common.ErrCouponReused)
	}
	consumed, err := g.CouponConsumed(id)
	if err != nil {
		return err
	}
	if consumed {
		return fmt.Errorf("escrow: coupon %x: %w", id, common.ErrCouponReused)
	}
	return g.db.Put(couponKey(id), []byte{1})
}
