package multisig

import (
	"encoding/hex"
	"strconv"

	"escrowcore/core/types"
)

const (
	EventTypeProposalSubmitted = "multisig.proposal_submitted"
	EventTypeProposalConfirmed = "multisig.proposal_confirmed"
	EventTypeProposalExecuted  = "multisig.proposal_executed"
)

func baseProposalAttrs(p *Proposal) map[string]string {
	attrs := make(map[string]string)
	if p == nil {
		return attrs
	}
	attrs["id"] = strconv.FormatUint(p.ID, 10)
	attrs["action"] = strconv.FormatUint(uint64(p.Action), 10)
	if p.Amount != nil {
		attrs["amount"] = p.Amount.String()
	}
	return attrs
}

// NewProposalSubmittedEvent records a new wallet proposal.
func NewProposalSubmittedEvent(p *Proposal, submitter [20]byte) *types.Event {
	attrs := baseProposalAttrs(p)
	attrs["submitter"] = hex.EncodeToString(submitter[:])
	return &types.Event{Type: EventTypeProposalSubmitted, Attributes: attrs}
}

// NewProposalConfirmedEvent records one owner's vote.
func NewProposalConfirmedEvent(p *Proposal, owner [20]byte) *types.Event {
	attrs := baseProposalAttrs(p)
	attrs["owner"] = hex.EncodeToString(owner[:])
	attrs["confirmations"] = strconv.Itoa(len(p.Confirmations))
	return &types.Event{Type: EventTypeProposalConfirmed, Attributes: attrs}
}

// NewProposalExecutedEvent records a proposal taking effect.
func NewProposalExecutedEvent(p *Proposal) *types.Event {
	return &types.Event{Type: EventTypeProposalExecuted, Attributes: baseProposalAttrs(p)}
}
