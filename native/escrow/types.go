package escrow

import (
	"fmt"
	"math/big"

	"escrowcore/native/assets"
)

// Kind selects the variant-specific behaviour layered over the shared trade
// record.
type Kind uint8

const (
	KindInstallment Kind = iota + 1
	KindTrust
	KindTimer
)

// Valid reports whether the kind value is within the supported range.
func (k Kind) Valid() bool {
	switch k {
	case KindInstallment, KindTrust, KindTimer:
		return true
	default:
		return false
	}
}

// Status represents the lifecycle states of a trade.
type Status uint8

const (
	StatusCreated Status = iota
	StatusFunded
	StatusPartiallyReleased
	StatusRefunding
	StatusClosed
)

// Valid reports whether the status value is within the supported range.
func (s Status) Valid() bool {
	switch s {
	case StatusCreated, StatusFunded, StatusPartiallyReleased, StatusRefunding, StatusClosed:
		return true
	default:
		return false
	}
}

// Role identifies a trade party for withdrawal accounting.
type Role uint8

const (
	RoleBuyer Role = iota
	RoleSeller
	RolePlatform
	RoleGuarantor
)

// ScheduleEntry is one unlock step: Amount becomes releasable at UnlockAt.
// For the timer variant UnlockAt is the payment deadline instead.
type ScheduleEntry struct {
	Amount   *big.Int `json:"amount"`
	UnlockAt int64    `json:"unlockAt"`
}

// Trade is the per-tid ledger record shared by the installment, trust and
// timer variants. Variant-specific fields stay zero for the other kinds.
type Trade struct {
	TID       []byte       `json:"tid"`
	Kind      Kind         `json:"kind"`
	Buyer     [20]byte     `json:"buyer"`
	Seller    [20]byte     `json:"seller"`
	Platform  [20]byte     `json:"platform"`
	Guarantor [20]byte     `json:"guarantor"`
	Asset     assets.Asset `json:"asset"`

	Total          *big.Int        `json:"total"`
	Schedule       []ScheduleEntry `json:"schedule,omitempty"`
	FeeRateBps     uint32          `json:"feeRateBps"`
	PenaltyRateBps uint32          `json:"penaltyRateBps,omitempty"`

	// Trust vesting plan.
	StartDate      int64    `json:"startDate,omitempty"`
	Interval       int64    `json:"interval,omitempty"`
	IntervalAmount *big.Int `json:"intervalAmount,omitempty"`

	// Timer deposit accounting.
	Deposit     *big.Int `json:"deposit,omitempty"`
	PaidThrough int      `json:"paidThrough,omitempty"`

	Withdrawn         map[Role]*big.Int `json:"withdrawn"`
	RefundRequested   bool              `json:"refundRequested,omitempty"`
	RefundRequestedAt int64             `json:"refundRequestedAt,omitempty"`

	Status    Status `json:"status"`
	CreatedAt int64  `json:"createdAt"`
}

var zeroAddress [20]byte

func cloneBig(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

// Clone returns a deep copy so callers can mutate the copy without affecting
// the stored record.
func (t *Trade) Clone() *Trade {
	if t == nil {
		return nil
	}
	clone := *t
	clone.TID = append([]byte(nil), t.TID...)
	clone.Total = cloneBig(t.Total)
	if t.IntervalAmount != nil {
		clone.IntervalAmount = cloneBig(t.IntervalAmount)
	}
	if t.Deposit != nil {
		clone.Deposit = cloneBig(t.Deposit)
	}
	if t.Schedule != nil {
		clone.Schedule = make([]ScheduleEntry, len(t.Schedule))
		for i, entry := range t.Schedule {
			clone.Schedule[i] = ScheduleEntry{Amount: cloneBig(entry.Amount), UnlockAt: entry.UnlockAt}
		}
	}
	clone.Withdrawn = make(map[Role]*big.Int, len(t.Withdrawn))
	for role, amount := range t.Withdrawn {
		clone.Withdrawn[role] = cloneBig(amount)
	}
	return &clone
}

// WithdrawnBy returns the cumulative amount already released to a role.
func (t *Trade) WithdrawnBy(role Role) *big.Int {
	if t == nil || t.Withdrawn == nil {
		return big.NewInt(0)
	}
	return cloneBig(t.Withdrawn[role])
}

// WithdrawnTotal sums the withdrawals across all roles.
func (t *Trade) WithdrawnTotal() *big.Int {
	total := big.NewInt(0)
	if t == nil {
		return total
	}
	for _, amount := range t.Withdrawn {
		if amount != nil {
			total.Add(total, amount)
		}
	}
	return total
}

// Remainder returns total minus everything withdrawn so far, floored at zero.
func (t *Trade) Remainder() *big.Int {
	remainder := new(big.Int).Sub(cloneBig(t.Total), t.WithdrawnTotal())
	if remainder.Sign() < 0 {
		return big.NewInt(0)
	}
	return remainder
}

// SanitizeTrade validates and normalises a trade record, returning a clone
// with non-nil amount fields. The original value is never mutated.
func SanitizeTrade(t *Trade) (*Trade, error) {
	if t == nil {
		return nil, fmt.Errorf("nil trade")
	}
	if len(t.TID) == 0 {
		return nil, fmt.Errorf("trade id required")
	}
	if !t.Kind.Valid() {
		return nil, fmt.Errorf("invalid trade kind: %d", t.Kind)
	}
	if !t.Status.Valid() {
		return nil, fmt.Errorf("invalid trade status: %d", t.Status)
	}
	if t.FeeRateBps > 10_000 {
		return nil, fmt.Errorf("trade fee bps out of range: %d", t.FeeRateBps)
	}
	if t.PenaltyRateBps > 10_000 {
		return nil, fmt.Errorf("trade penalty bps out of range: %d", t.PenaltyRateBps)
	}
	clone := t.Clone()
	if clone.Total.Sign() < 0 {
		return nil, fmt.Errorf("trade total must be non-negative")
	}
	for _, entry := range clone.Schedule {
		if entry.Amount.Sign() < 0 {
			return nil, fmt.Errorf("schedule amount must be non-negative")
		}
	}
	return clone, nil
}
