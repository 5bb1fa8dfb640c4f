package bank

import (
	"encoding/hex"
	"math/big"
	"strconv"

	"escrowcore/core/types"
	"escrowcore/native/assets"
)

const (
	EventTypeMultiTransfer     = "bank.multi_transfer"
	EventTypeTransferIn        = "bank.transfer_in"
	EventTypeTransferOut       = "bank.transfer_out"
	EventTypeTransferCancelled = "bank.transfer_cancelled"
)

func baseHoldAttrs(h *Hold) map[string]string {
	attrs := make(map[string]string)
	if h == nil {
		return attrs
	}
	attrs["tid"] = hex.EncodeToString(h.TID)
	attrs["sender"] = hex.EncodeToString(h.Sender[:])
	attrs["receiver"] = hex.EncodeToString(h.Receiver[:])
	if h.Amount != nil {
		attrs["amount"] = h.Amount.String()
	}
	return attrs
}

// NewMultiTransferEvent records one batch payment.
func NewMultiTransferEvent(from [20]byte, asset assets.Asset, total *big.Int, recipients int) *types.Event {
	attrs := map[string]string{
		"from":       hex.EncodeToString(from[:]),
		"total":      total.String(),
		"recipients": strconv.Itoa(recipients),
	}
	if !asset.IsNative() {
		attrs["token"] = asset.Token
	}
	return &types.Event{Type: EventTypeMultiTransfer, Attributes: attrs}
}

// NewTransferInEvent records value parked under a hold.
func NewTransferInEvent(h *Hold) *types.Event {
	return &types.Event{Type: EventTypeTransferIn, Attributes: baseHoldAttrs(h)}
}

// NewTransferOutEvent records a hold released to the receiver.
func NewTransferOutEvent(h *Hold) *types.Event {
	return &types.Event{Type: EventTypeTransferOut, Attributes: baseHoldAttrs(h)}
}

// NewTransferCancelledEvent records a hold returned to the sender.
func NewTransferCancelledEvent(h *Hold) *types.Event {
	return &types.Event{Type: EventTypeTransferCancelled, Attributes: baseHoldAttrs(h)}
}
