package escrow

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"escrowcore/native/assets"
	"escrowcore/native/common"
)

// Auction-specific failure kinds. Everything else reuses the shared taxonomy.
var (
	ErrAuctionEnded    = errors.New("auction already ended")
	ErrAuctionNotEnded = errors.New("auction not ended yet")
	ErrBidBelowStart   = errors.New("bid below start price")
	ErrBidNotOnStep    = errors.New("bid not on price step")
	ErrBidNotHigher    = errors.New("bid not above current top")
	ErrAlreadyRefunded = errors.New("bid already refunded")
)

// BidRecord is one accepted bid. Non-top bids stay refundable exactly once.
type BidRecord struct {
	Bidder   [20]byte `json:"bidder"`
	Amount   *big.Int `json:"amount"`
	Refunded bool     `json:"refunded"`
}

// Auction is the variant-specific record. Auction ids are the one
// engine-generated identifier in the system, assigned sequentially at
// publish time.
type Auction struct {
	ID         uint64       `json:"id"`
	Publisher  [20]byte     `json:"publisher"`
	Guarantee  [20]byte     `json:"guarantee"`
	Asset      assets.Asset `json:"asset"`
	StartPrice *big.Int     `json:"startPrice"`
	PriceStep  *big.Int     `json:"priceStep"`
	FeeRateBps uint32       `json:"feeRateBps"`
	EndTime    int64        `json:"endTime"`
	TopBidder  [20]byte     `json:"topBidder"`
	TopBid     *big.Int     `json:"topBid,omitempty"`
	Bids       []BidRecord  `json:"bids,omitempty"`
	Settled    bool         `json:"settled"`
	Withdrawn  bool         `json:"withdrawn"`
	CreatedAt  int64        `json:"createdAt"`
}

// Clone returns a deep copy of the auction record.
func (a *Auction) Clone() *Auction {
	if a == nil {
		return nil
	}
	clone := *a
	clone.StartPrice = cloneBig(a.StartPrice)
	clone.PriceStep = cloneBig(a.PriceStep)
	if a.TopBid != nil {
		clone.TopBid = cloneBig(a.TopBid)
	}
	if a.Bids != nil {
		clone.Bids = make([]BidRecord, len(a.Bids))
		for i, bid := range a.Bids {
			clone.Bids[i] = BidRecord{Bidder: bid.Bidder, Amount: cloneBig(bid.Amount), Refunded: bid.Refunded}
		}
	}
	return &clone
}

var auctionSeqKey = []byte("auction/seq")

func auctionKey(id uint64) []byte {
	key := make([]byte, 0, 16)
	key = append(key, []byte("auction/")...)
	return binary.BigEndian.AppendUint64(key, id)
}

func (e *Engine) nextAuctionID() (uint64, error) {
	var next uint64 = 1
	ok, err := e.ledger.db.Has(auctionSeqKey)
	if err != nil {
		return 0, err
	}
	if ok {
		raw, err := e.ledger.db.Get(auctionSeqKey)
		if err != nil {
			return 0, err
		}
		if len(raw) == 8 {
			next = binary.BigEndian.Uint64(raw) + 1
		}
	}
	return next, e.ledger.db.Put(auctionSeqKey, binary.BigEndian.AppendUint64(nil, next))
}

func (e *Engine) getAuction(id uint64) (*Auction, error) {
	ok, err := e.ledger.db.Has(auctionKey(id))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("escrow: auction %d: %w", id, common.ErrNotFound)
	}
	raw, err := e.ledger.db.Get(auctionKey(id))
	if err != nil {
		return nil, err
	}
	auction := &Auction{}
	if err := json.Unmarshal(raw, auction); err != nil {
		return nil, err
	}
	return auction, nil
}

func (e *Engine) putAuction(a *Auction) error {
	raw, err := json.Marshal(a)
	if err != nil {
		return err
	}
	return e.ledger.db.Put(auctionKey(a.ID), raw)
}

// AuctionParams describes the published terms.
type AuctionParams struct {
	Publisher  [20]byte
	Guarantee  [20]byte
	Asset      assets.Asset
	StartPrice *big.Int
	PriceStep  *big.Int
	FeeRateBps uint32
	EndTime    int64
}

// PublishAuction opens an auction and returns its engine-assigned id.
func (e *Engine) PublishAuction(p AuctionParams) (uint64, error) {
	if err := e.ready(); err != nil {
		return 0, err
	}
	if err := requireParty(p.Publisher, "publisher"); err != nil {
		return 0, err
	}
	if err := requireParty(p.Guarantee, "guarantee"); err != nil {
		return 0, err
	}
	if p.StartPrice == nil || p.StartPrice.Sign() <= 0 {
		return 0, fmt.Errorf("escrow: start price: %w", common.ErrZeroAmount)
	}
	if p.PriceStep == nil || p.PriceStep.Sign() <= 0 {
		return 0, fmt.Errorf("escrow: price step: %w", common.ErrInvalidSchedule)
	}
	if p.FeeRateBps > bpsDenominator {
		return 0, fmt.Errorf("escrow: fee rate %d out of range", p.FeeRateBps)
	}
	if p.EndTime <= e.now() {
		return 0, fmt.Errorf("escrow: end time in the past: %w", common.ErrInvalidSchedule)
	}
	id, err := e.nextAuctionID()
	if err != nil {
		return 0, err
	}
	auction := &Auction{
		ID:         id,
		Publisher:  p.Publisher,
		Guarantee:  p.Guarantee,
		Asset:      p.Asset,
		StartPrice: cloneBig(p.StartPrice),
		PriceStep:  cloneBig(p.PriceStep),
		FeeRateBps: p.FeeRateBps,
		EndTime:    p.EndTime,
		CreatedAt:  e.now(),
	}
	if err := e.putAuction(auction); err != nil {
		return 0, err
	}
	e.emit(NewAuctionPublishedEvent(auction))
	return id, nil
}

// Bid places a bid, pulling the full amount into the vault. The superseded
// top bid becomes refundable but is not auto-returned.
func (e *Engine) Bid(id uint64, bidder [20]byte, value *big.Int) error {
	if err := e.ready(); err != nil {
		return err
	}
	auction, err := e.getAuction(id)
	if err != nil {
		return err
	}
	if auction.Settled || e.now() >= auction.EndTime {
		return fmt.Errorf("escrow: auction %d: %w", id, ErrAuctionEnded)
	}
	if value == nil || value.Cmp(auction.StartPrice) < 0 {
		return fmt.Errorf("escrow: bid %s: %w", value, ErrBidBelowStart)
	}
	offset := new(big.Int).Sub(value, auction.StartPrice)
	if new(big.Int).Mod(offset, auction.PriceStep).Sign() != 0 {
		return fmt.Errorf("escrow: bid %s: %w", value, ErrBidNotOnStep)
	}
	if auction.TopBid != nil && value.Cmp(auction.TopBid) <= 0 {
		return fmt.Errorf("escrow: bid %s: %w", value, ErrBidNotHigher)
	}
	if err := e.adapter.PullIn(bidder, auction.Asset, value, value); err != nil {
		return err
	}
	auction.Bids = append(auction.Bids, BidRecord{Bidder: bidder, Amount: cloneBig(value)})
	auction.TopBidder = bidder
	auction.TopBid = cloneBig(value)
	if err := e.putAuction(auction); err != nil {
		return e.refundPull(bidder, auction.Asset, value, err)
	}
	e.emit(NewAuctionBidEvent(auction, bidder, value))
	return nil
}

// isTopBid reports whether the record is the auction's current winning bid.
func (a *Auction) isTopBid(bid BidRecord) bool {
	return a.TopBid != nil && bid.Bidder == a.TopBidder && bid.Amount.Cmp(a.TopBid) == 0
}

// Settle ends the auction after its end time, refunding every losing bid
// exactly once. Repeated settlement is a no-op and returns the same winner.
func (e *Engine) Settle(id uint64) ([20]byte, *big.Int, error) {
	if err := e.ready(); err != nil {
		return [20]byte{}, nil, err
	}
	auction, err := e.getAuction(id)
	if err != nil {
		return [20]byte{}, nil, err
	}
	if e.now() < auction.EndTime {
		return [20]byte{}, nil, fmt.Errorf("escrow: auction %d: %w", id, ErrAuctionNotEnded)
	}
	if auction.Settled {
		return auction.TopBidder, cloneBig(auction.TopBid), nil
	}
	// Each bid is marked refunded only after its push succeeds. A failing
	// push persists the marks made so far and surfaces, so a retry skips the
	// bids already paid and continues with the outstanding ones.
	for i := range auction.Bids {
		bid := &auction.Bids[i]
		if bid.Refunded || auction.isTopBid(*bid) {
			continue
		}
		if err := e.adapter.PushOut(bid.Bidder, auction.Asset, bid.Amount); err != nil {
			if putErr := e.putAuction(auction); putErr != nil {
				return [20]byte{}, nil, fmt.Errorf("escrow: persist refunds after %v: %w", err, putErr)
			}
			return [20]byte{}, nil, err
		}
		bid.Refunded = true
		e.emit(NewAuctionRefundedEvent(auction, bid.Bidder, bid.Amount))
	}
	auction.Settled = true
	if err := e.putAuction(auction); err != nil {
		return [20]byte{}, nil, err
	}
	e.emit(NewAuctionSettledEvent(auction))
	return auction.TopBidder, cloneBig(auction.TopBid), nil
}

// RefundBid refunds a losing bidder's outstanding bids before settlement.
// The current top bidder cannot exit; a second refund fails.
func (e *Engine) RefundBid(id uint64, bidder [20]byte) error {
	if err := e.ready(); err != nil {
		return err
	}
	auction, err := e.getAuction(id)
	if err != nil {
		return err
	}
	if auction.TopBid != nil && bidder == auction.TopBidder {
		return fmt.Errorf("escrow: top bidder cannot refund: %w", common.ErrNotAuthorizedRole)
	}
	refund := big.NewInt(0)
	for i := range auction.Bids {
		bid := &auction.Bids[i]
		if bid.Bidder != bidder || bid.Refunded || auction.isTopBid(*bid) {
			continue
		}
		bid.Refunded = true
		refund.Add(refund, bid.Amount)
	}
	if refund.Sign() == 0 {
		return fmt.Errorf("escrow: bidder %x: %w", bidder, ErrAlreadyRefunded)
	}
	// Push before persisting the refunded marks: a failed push leaves the
	// bids outstanding and refundable on retry.
	if err := e.adapter.PushOut(bidder, auction.Asset, refund); err != nil {
		return err
	}
	if err := e.putAuction(auction); err != nil {
		return err
	}
	e.emit(NewAuctionRefundedEvent(auction, bidder, refund))
	return nil
}

// WithdrawAuction pays the winning bid to the publisher, minus the fee paid
// to the guarantee party. Requires a claim from the winner or the guarantee
// over the exact (amount, fee, id) tuple.
func (e *Engine) WithdrawAuction(id uint64, caller [20]byte, claim Claim) error {
	if err := e.ready(); err != nil {
		return err
	}
	auction, err := e.getAuction(id)
	if err != nil {
		return err
	}
	if caller != auction.Publisher {
		return fmt.Errorf("escrow: only the publisher withdraws: %w", common.ErrNotAuthorizedRole)
	}
	if e.now() < auction.EndTime {
		return fmt.Errorf("escrow: auction %d: %w", id, ErrAuctionNotEnded)
	}
	if auction.Withdrawn {
		return fmt.Errorf("escrow: auction %d: %w", id, common.ErrAlreadyClosed)
	}
	if auction.TopBid == nil || auction.TopBid.Sign() == 0 {
		return fmt.Errorf("escrow: no winning bid: %w", common.ErrZeroAmount)
	}
	fee, err := Fee(auction.TopBid, auction.FeeRateBps)
	if err != nil {
		return err
	}
	digest := AuctionDigest(auction.TopBid, fee, auction.ID)
	if claim.Signer != auction.TopBidder && claim.Signer != auction.Guarantee {
		return fmt.Errorf("escrow: settlement signer mismatch: %w", common.ErrInvalidSignature)
	}
	if !claim.Verify(digest) {
		return fmt.Errorf("escrow: settlement claim rejected: %w", common.ErrInvalidSignature)
	}
	// The publisher's push commits the withdrawal: before it the record is
	// untouched and the call can be retried, after it the record is marked
	// withdrawn so a fee-leg failure cannot lead to a second payout.
	payout := new(big.Int).Sub(auction.TopBid, fee)
	if err := e.adapter.PushOut(auction.Publisher, auction.Asset, payout); err != nil {
		return err
	}
	auction.Withdrawn = true
	if err := e.putAuction(auction); err != nil {
		return err
	}
	if fee.Sign() > 0 {
		if err := e.adapter.PushOut(auction.Guarantee, auction.Asset, fee); err != nil {
			return err
		}
	}
	e.emit(NewAuctionWithdrawnEvent(auction, auction.TopBid, fee))
	return nil
}

// AuctionInfo returns a copy of the auction record.
func (e *Engine) AuctionInfo(id uint64) (*Auction, error) {
	if e == nil || e.ledger == nil {
		return nil, errNilLedger
	}
	auction, err := e.getAuction(id)
	if err != nil {
		return nil, err
	}
	return auction.Clone(), nil
}

// AuctionLosers lists the outstanding (not yet refunded) losing bids.
func (e *Engine) AuctionLosers(id uint64) ([]BidRecord, error) {
	auction, err := e.AuctionInfo(id)
	if err != nil {
		return nil, err
	}
	losers := make([]BidRecord, 0, len(auction.Bids))
	for _, bid := range auction.Bids {
		if bid.Refunded || auction.isTopBid(bid) {
			continue
		}
		losers = append(losers, bid)
	}
	return losers, nil
}
