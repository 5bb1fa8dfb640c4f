package lending

import (
	"math/big"

	"escrowcore/native/assets"
)

// LoanStatus tracks the loan lifecycle.
type LoanStatus uint8

const (
	LoanPublished LoanStatus = iota + 1
	LoanLending
	LoanClosed
)

// Loan is a collateralized lending record. The collateral NFT sits in the
// adapter vault from Publish until the loan closes.
type Loan struct {
	TID            []byte       `json:"tid"`
	Borrower       [20]byte     `json:"borrower"`
	Lender         [20]byte     `json:"lender"`
	Platform       [20]byte     `json:"platform"`
	Asset          assets.Asset `json:"asset"`
	CollateralID   *big.Int     `json:"collateralId"`
	Principal      *big.Int     `json:"principal"`
	Interest       *big.Int     `json:"interest"`
	FeeRateBps     uint32       `json:"feeRateBps"`
	PenaltyRateBps uint32       `json:"penaltyRateBps"`
	Term           int64        `json:"term"`
	EndDate        int64        `json:"endDate"`
	Status         LoanStatus   `json:"status"`
	CreatedAt      int64        `json:"createdAt"`
}

func cloneBig(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

// Clone returns a deep copy of the loan record.
func (l *Loan) Clone() *Loan {
	if l == nil {
		return nil
	}
	clone := *l
	clone.TID = append([]byte(nil), l.TID...)
	clone.CollateralID = cloneBig(l.CollateralID)
	clone.Principal = cloneBig(l.Principal)
	clone.Interest = cloneBig(l.Interest)
	return &clone
}
