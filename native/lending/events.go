package lending

import (
	"encoding/hex"
	"math/big"
	"strconv"

	"escrowcore/core/types"
)

const (
	EventTypeLoanPublished = "loan.published"
	EventTypeLoanLent      = "loan.lent"
	EventTypeLoanRepaid    = "loan.repaid"
	EventTypeLoanSeized    = "loan.seized"
)

func amountAttr(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func baseLoanAttrs(l *Loan) map[string]string {
	attrs := make(map[string]string)
	if l == nil {
		return attrs
	}
	attrs["tid"] = hex.EncodeToString(l.TID)
	attrs["borrower"] = hex.EncodeToString(l.Borrower[:])
	attrs["principal"] = amountAttr(l.Principal)
	attrs["collateralId"] = amountAttr(l.CollateralID)
	attrs["status"] = strconv.FormatUint(uint64(l.Status), 10)
	return attrs
}

// NewLoanPublishedEvent records a borrower locking collateral against terms.
func NewLoanPublishedEvent(l *Loan) *types.Event {
	return &types.Event{Type: EventTypeLoanPublished, Attributes: baseLoanAttrs(l)}
}

// NewLoanLentEvent records a lender funding the loan.
func NewLoanLentEvent(l *Loan) *types.Event {
	attrs := baseLoanAttrs(l)
	attrs["lender"] = hex.EncodeToString(l.Lender[:])
	attrs["endDate"] = strconv.FormatInt(l.EndDate, 10)
	return &types.Event{Type: EventTypeLoanLent, Attributes: attrs}
}

// NewLoanRepaidEvent records repayment with its fee split.
func NewLoanRepaidEvent(l *Loan, due, fee *big.Int) *types.Event {
	attrs := baseLoanAttrs(l)
	attrs["due"] = amountAttr(due)
	attrs["fee"] = amountAttr(fee)
	return &types.Event{Type: EventTypeLoanRepaid, Attributes: attrs}
}

// NewLoanSeizedEvent records the lender taking the collateral on default.
func NewLoanSeizedEvent(l *Loan, fee *big.Int) *types.Event {
	attrs := baseLoanAttrs(l)
	attrs["lender"] = hex.EncodeToString(l.Lender[:])
	attrs["fee"] = amountAttr(fee)
	return &types.Event{Type: EventTypeLoanSeized, Attributes: attrs}
}
