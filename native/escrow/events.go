package escrow

import (
	"encoding/hex"
	"math/big"
	"strconv"

	"escrowcore/core/types"
)

const (
	EventTypeTradeCreated    = "trade.created"
	EventTypeValueReceived   = "trade.value_received"
	EventTypeValueReleased   = "trade.value_released"
	EventTypeWithdrawn       = "trade.withdrawn"
	EventTypeRefundRequested = "trade.refund_requested"
	EventTypeTradeClosed     = "trade.closed"

	EventTypeAuctionPublished = "auction.published"
	EventTypeAuctionBid       = "auction.bid"
	EventTypeAuctionSettled   = "auction.settled"
	EventTypeAuctionRefunded  = "auction.refunded"
	EventTypeAuctionWithdrawn = "auction.withdrawn"

	EventTypeFundCreated     = "fund.created"
	EventTypeFundContributed = "fund.contributed"
	EventTypeFundWithdrawn   = "fund.withdrawn"

	EventTypeDaoCreated   = "dao.created"
	EventTypeDaoRound     = "dao.round_opened"
	EventTypeDaoPurchased = "dao.purchased"
	EventTypeDaoWithdrawn = "dao.withdrawn"
)

func amountAttr(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func baseTradeAttrs(t *Trade) map[string]string {
	attrs := make(map[string]string)
	if t == nil {
		return attrs
	}
	attrs["tid"] = hex.EncodeToString(t.TID)
	attrs["kind"] = strconv.FormatUint(uint64(t.Kind), 10)
	attrs["buyer"] = hex.EncodeToString(t.Buyer[:])
	attrs["seller"] = hex.EncodeToString(t.Seller[:])
	attrs["total"] = amountAttr(t.Total)
	attrs["status"] = strconv.FormatUint(uint64(t.Status), 10)
	if !t.Asset.IsNative() {
		attrs["token"] = t.Asset.Token
	}
	return attrs
}

// NewTradeCreatedEvent returns the canonical payload for a newly funded trade.
func NewTradeCreatedEvent(t *Trade) *types.Event {
	return &types.Event{Type: EventTypeTradeCreated, Attributes: baseTradeAttrs(t)}
}

// NewValueReceivedEvent records value pulled into the vault for a trade.
func NewValueReceivedEvent(t *Trade, from [20]byte, amount *big.Int) *types.Event {
	attrs := baseTradeAttrs(t)
	attrs["from"] = hex.EncodeToString(from[:])
	attrs["amount"] = amountAttr(amount)
	return &types.Event{Type: EventTypeValueReceived, Attributes: attrs}
}

// NewValueReleasedEvent records value pushed out of the vault.
func NewValueReleasedEvent(t *Trade, to [20]byte, amount *big.Int) *types.Event {
	attrs := baseTradeAttrs(t)
	attrs["to"] = hex.EncodeToString(to[:])
	attrs["amount"] = amountAttr(amount)
	return &types.Event{Type: EventTypeValueReleased, Attributes: attrs}
}

// NewWithdrawnEvent records a completed withdrawal with its fee split.
func NewWithdrawnEvent(t *Trade, role Role, amount, fee *big.Int) *types.Event {
	attrs := baseTradeAttrs(t)
	attrs["role"] = strconv.FormatUint(uint64(role), 10)
	attrs["amount"] = amountAttr(amount)
	attrs["fee"] = amountAttr(fee)
	return &types.Event{Type: EventTypeWithdrawn, Attributes: attrs}
}

// NewRefundRequestedEvent records the buyer's refund request.
func NewRefundRequestedEvent(t *Trade, requester [20]byte) *types.Event {
	attrs := baseTradeAttrs(t)
	attrs["requester"] = hex.EncodeToString(requester[:])
	return &types.Event{Type: EventTypeRefundRequested, Attributes: attrs}
}

// NewTradeClosedEvent records a trade reaching its terminal state.
func NewTradeClosedEvent(t *Trade) *types.Event {
	return &types.Event{Type: EventTypeTradeClosed, Attributes: baseTradeAttrs(t)}
}

func baseAuctionAttrs(a *Auction) map[string]string {
	attrs := make(map[string]string)
	if a == nil {
		return attrs
	}
	attrs["id"] = strconv.FormatUint(a.ID, 10)
	attrs["publisher"] = hex.EncodeToString(a.Publisher[:])
	attrs["endTime"] = strconv.FormatInt(a.EndTime, 10)
	if a.TopBid != nil {
		attrs["topBid"] = a.TopBid.String()
		attrs["topBidder"] = hex.EncodeToString(a.TopBidder[:])
	}
	return attrs
}

// NewAuctionPublishedEvent records a new auction and its engine-assigned id.
func NewAuctionPublishedEvent(a *Auction) *types.Event {
	return &types.Event{Type: EventTypeAuctionPublished, Attributes: baseAuctionAttrs(a)}
}

// NewAuctionBidEvent records an accepted bid.
func NewAuctionBidEvent(a *Auction, bidder [20]byte, amount *big.Int) *types.Event {
	attrs := baseAuctionAttrs(a)
	attrs["bidder"] = hex.EncodeToString(bidder[:])
	attrs["amount"] = amountAttr(amount)
	return &types.Event{Type: EventTypeAuctionBid, Attributes: attrs}
}

// NewAuctionSettledEvent records the end-of-auction settlement.
func NewAuctionSettledEvent(a *Auction) *types.Event {
	return &types.Event{Type: EventTypeAuctionSettled, Attributes: baseAuctionAttrs(a)}
}

// NewAuctionRefundedEvent records a loser refund.
func NewAuctionRefundedEvent(a *Auction, bidder [20]byte, amount *big.Int) *types.Event {
	attrs := baseAuctionAttrs(a)
	attrs["bidder"] = hex.EncodeToString(bidder[:])
	attrs["amount"] = amountAttr(amount)
	return &types.Event{Type: EventTypeAuctionRefunded, Attributes: attrs}
}

// NewAuctionWithdrawnEvent records the publisher collecting the winning bid.
func NewAuctionWithdrawnEvent(a *Auction, amount, fee *big.Int) *types.Event {
	attrs := baseAuctionAttrs(a)
	attrs["amount"] = amountAttr(amount)
	attrs["fee"] = amountAttr(fee)
	return &types.Event{Type: EventTypeAuctionWithdrawn, Attributes: attrs}
}

func baseFundAttrs(f *Fund) map[string]string {
	attrs := make(map[string]string)
	if f == nil {
		return attrs
	}
	attrs["id"] = hex.EncodeToString(f.ID)
	attrs["owner"] = hex.EncodeToString(f.Owner[:])
	attrs["raised"] = amountAttr(f.Raised)
	return attrs
}

// NewFundCreatedEvent records a new crowdfunding pool.
func NewFundCreatedEvent(f *Fund) *types.Event {
	return &types.Event{Type: EventTypeFundCreated, Attributes: baseFundAttrs(f)}
}

// NewFundContributedEvent records a contribution.
func NewFundContributedEvent(f *Fund, from [20]byte, amount *big.Int) *types.Event {
	attrs := baseFundAttrs(f)
	attrs["from"] = hex.EncodeToString(from[:])
	attrs["amount"] = amountAttr(amount)
	return &types.Event{Type: EventTypeFundContributed, Attributes: attrs}
}

// NewFundWithdrawnEvent records an owner withdrawal with its fee.
func NewFundWithdrawnEvent(f *Fund, amount, fee *big.Int) *types.Event {
	attrs := baseFundAttrs(f)
	attrs["amount"] = amountAttr(amount)
	attrs["fee"] = amountAttr(fee)
	return &types.Event{Type: EventTypeFundWithdrawn, Attributes: attrs}
}

func baseDaoAttrs(d *Dao) map[string]string {
	attrs := make(map[string]string)
	if d == nil {
		return attrs
	}
	attrs["id"] = hex.EncodeToString(d.ID)
	attrs["owner"] = hex.EncodeToString(d.Owner[:])
	attrs["raised"] = amountAttr(d.Raised)
	attrs["target"] = amountAttr(d.TotalTarget())
	if d.TokenRef != "" {
		attrs["daoToken"] = d.TokenRef
	}
	return attrs
}

// NewDaoCreatedEvent records a new fundraising pool.
func NewDaoCreatedEvent(d *Dao) *types.Event {
	return &types.Event{Type: EventTypeDaoCreated, Attributes: baseDaoAttrs(d)}
}

// NewDaoRoundEvent records an additional round with its accumulated target.
func NewDaoRoundEvent(d *Dao) *types.Event {
	return &types.Event{Type: EventTypeDaoRound, Attributes: baseDaoAttrs(d)}
}

// NewDaoPurchasedEvent records a purchase and the tokens it issued.
func NewDaoPurchasedEvent(d *Dao, buyer [20]byte, amount, issued *big.Int) *types.Event {
	attrs := baseDaoAttrs(d)
	attrs["buyer"] = hex.EncodeToString(buyer[:])
	attrs["amount"] = amountAttr(amount)
	attrs["issued"] = amountAttr(issued)
	return &types.Event{Type: EventTypeDaoPurchased, Attributes: attrs}
}

// NewDaoWithdrawnEvent records an owner withdrawal of value and reserved
// tokens.
func NewDaoWithdrawnEvent(d *Dao, amount, daoAmount, fee *big.Int) *types.Event {
	attrs := baseDaoAttrs(d)
	attrs["amount"] = amountAttr(amount)
	attrs["daoAmount"] = amountAttr(daoAmount)
	attrs["fee"] = amountAttr(fee)
	return &types.Event{Type: EventTypeDaoWithdrawn, Attributes: attrs}
}
