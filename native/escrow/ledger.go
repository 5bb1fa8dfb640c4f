package escrow

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"

	"escrowcore/native/common"
	"escrowcore/storage"
)

// Ledger owns every trade record for one engine instance. Records are created
// on the first state-changing call with a given tid and never deleted, only
// marked Closed.
type Ledger struct {
	db storage.Database
}

// NewLedger wraps a database as the trade record backend.
func NewLedger(db storage.Database) *Ledger {
	return &Ledger{db: db}
}

func tradeKey(tid []byte) []byte {
	return []byte("trade/" + hex.EncodeToString(tid))
}

// Create persists a new trade record, failing when the tid is already bound.
func (l *Ledger) Create(t *Trade) error {
	if l == nil || l.db == nil {
		return fmt.Errorf("escrow: ledger not configured")
	}
	sanitized, err := SanitizeTrade(t)
	if err != nil {
		return err
	}
	exists, err := l.db.Has(tradeKey(sanitized.TID))
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("escrow: tid %x: %w", sanitized.TID, common.ErrDuplicateTransaction)
	}
	return l.put(sanitized)
}

// Get loads the trade bound to tid.
func (l *Ledger) Get(tid []byte) (*Trade, error) {
	if l == nil || l.db == nil {
		return nil, fmt.Errorf("escrow: ledger not configured")
	}
	exists, err := l.db.Has(tradeKey(tid))
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("escrow: tid %x: %w", tid, common.ErrNotFound)
	}
	raw, err := l.db.Get(tradeKey(tid))
	if err != nil {
		return nil, err
	}
	trade := &Trade{}
	if err := json.Unmarshal(raw, trade); err != nil {
		return nil, err
	}
	if trade.Withdrawn == nil {
		trade.Withdrawn = make(map[Role]*big.Int)
	}
	return trade, nil
}

// Put validates and overwrites an existing record.
func (l *Ledger) Put(t *Trade) error {
	sanitized, err := SanitizeTrade(t)
	if err != nil {
		return err
	}
	return l.put(sanitized)
}

func (l *Ledger) put(t *Trade) error {
	raw, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return l.db.Put(tradeKey(t.TID), raw)
}

// Unlocked computes the cumulative amount the schedule has released to the
// seller side at the given time, capped at the trade total.
func Unlocked(t *Trade, now int64) *big.Int {
	if t == nil {
		return big.NewInt(0)
	}
	unlocked := big.NewInt(0)
	switch t.Kind {
	case KindTrust:
		if t.Interval <= 0 || t.IntervalAmount == nil || now < t.StartDate {
			break
		}
		periods := (now-t.StartDate)/t.Interval + 1
		unlocked.Mul(cloneBig(t.IntervalAmount), big.NewInt(periods))
	default:
		for _, entry := range t.Schedule {
			if entry.UnlockAt <= now && entry.Amount != nil {
				unlocked.Add(unlocked, entry.Amount)
			}
		}
	}
	if total := cloneBig(t.Total); unlocked.Cmp(total) > 0 {
		return total
	}
	return unlocked
}

// Releasable computes what a role may still withdraw at the given time:
// unlocked-to-date minus already withdrawn for the seller side, the unvested
// or unreleased remainder for the buyer side. Every path is additionally
// capped by total minus everything withdrawn, so the paths can never jointly
// over-release.
func Releasable(t *Trade, role Role, now int64) *big.Int {
	if t == nil || t.Status == StatusClosed {
		return big.NewInt(0)
	}
	remainder := t.Remainder()
	var ceiling *big.Int
	switch role {
	case RoleSeller:
		ceiling = new(big.Int).Sub(Unlocked(t, now), t.WithdrawnBy(RoleSeller))
	case RoleBuyer:
		switch t.Kind {
		case KindTrust:
			locked := new(big.Int).Sub(cloneBig(t.Total), Unlocked(t, now))
			ceiling = locked.Sub(locked, t.WithdrawnBy(RoleBuyer))
		default:
			if !t.RefundRequested {
				return big.NewInt(0)
			}
			ceiling = remainder
		}
	default:
		return big.NewInt(0)
	}
	if ceiling.Sign() < 0 {
		return big.NewInt(0)
	}
	if ceiling.Cmp(remainder) > 0 {
		return cloneBig(remainder)
	}
	return ceiling
}

// RecordWithdrawal applies a schedule-path withdrawal to the record, failing
// when the amount exceeds what the role can release at the given time.
func RecordWithdrawal(t *Trade, role Role, amount *big.Int, now int64) error {
	if t == nil {
		return fmt.Errorf("escrow: nil trade")
	}
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("escrow: withdrawal amount: %w", common.ErrZeroAmount)
	}
	if amount.Cmp(Releasable(t, role, now)) > 0 {
		return fmt.Errorf("escrow: %s exceeds releasable: %w", amount, common.ErrInsufficientReleasable)
	}
	applyWithdrawal(t, role, amount)
	return nil
}

// RecordArbitratedWithdrawal applies an arbitrated withdrawal, which bypasses
// the schedule ceiling but never the unreleased remainder.
func RecordArbitratedWithdrawal(t *Trade, role Role, amount *big.Int) error {
	if t == nil {
		return fmt.Errorf("escrow: nil trade")
	}
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("escrow: withdrawal amount: %w", common.ErrZeroAmount)
	}
	if amount.Cmp(t.Remainder()) > 0 {
		return fmt.Errorf("escrow: %s exceeds remainder: %w", amount, common.ErrInsufficientReleasable)
	}
	applyWithdrawal(t, role, amount)
	return nil
}

func applyWithdrawal(t *Trade, role Role, amount *big.Int) {
	if t.Withdrawn == nil {
		t.Withdrawn = make(map[Role]*big.Int)
	}
	current := t.Withdrawn[role]
	if current == nil {
		current = big.NewInt(0)
	}
	t.Withdrawn[role] = new(big.Int).Add(current, amount)
	if t.Remainder().Sign() == 0 {
		t.Status = StatusClosed
		return
	}
	if t.Status != StatusRefunding {
		t.Status = StatusPartiallyReleased
	}
}
