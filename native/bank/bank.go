package bank

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"escrowcore/core/events"
	"escrowcore/core/types"
	"escrowcore/native/assets"
	"escrowcore/native/common"
	"escrowcore/native/escrow"
	"escrowcore/storage"
)

var (
	errNilStore   = errors.New("bank service: store not configured")
	errNilAdapter = errors.New("bank service: asset adapter not configured")
	errNilReplay  = errors.New("bank service: replay guard not configured")
)

type serviceEvent struct {
	evt *types.Event
}

func (e serviceEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e serviceEvent) Event() *types.Event { return e.evt }

// Hold is an escrowed transfer awaiting the counter-party's consent.
type Hold struct {
	TID       []byte       `json:"tid"`
	Sender    [20]byte     `json:"sender"`
	Receiver  [20]byte     `json:"receiver"`
	Asset     assets.Asset `json:"asset"`
	Amount    *big.Int     `json:"amount"`
	Released  bool         `json:"released"`
	CreatedAt int64        `json:"createdAt"`
}

// Clone returns a deep copy of the hold record.
func (h *Hold) Clone() *Hold {
	if h == nil {
		return nil
	}
	clone := *h
	clone.TID = append([]byte(nil), h.TID...)
	if h.Amount != nil {
		clone.Amount = new(big.Int).Set(h.Amount)
	}
	return &clone
}

func holdKey(tid []byte) []byte {
	return []byte("hold/" + hex.EncodeToString(tid))
}

// Service moves value directly between accounts: one-to-many batch payments
// and two-phase escrowed transfers released by consent claims.
type Service struct {
	db      storage.Database
	replay  *escrow.ReplayGuard
	adapter *assets.Adapter
	emitter events.Emitter
	nowFn   func() int64
}

// NewService creates a bank service with a no-op emitter.
func NewService(db storage.Database, replay *escrow.ReplayGuard, adapter *assets.Adapter) *Service {
	return &Service{
		db:      db,
		replay:  replay,
		adapter: adapter,
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetEmitter configures the event emitter. Passing nil resets it to a no-op.
func (s *Service) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		s.emitter = events.NoopEmitter{}
		return
	}
	s.emitter = emitter
}

// SetNowFunc overrides the time source. Primarily intended for tests.
func (s *Service) SetNowFunc(now func() int64) {
	if now == nil {
		s.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	s.nowFn = now
}

func (s *Service) emit(event *types.Event) {
	if s == nil || s.emitter == nil || event == nil {
		return
	}
	s.emitter.Emit(serviceEvent{evt: event})
}

func (s *Service) ready() error {
	if s == nil || s.db == nil {
		return errNilStore
	}
	if s.replay == nil {
		return errNilReplay
	}
	if s.adapter == nil {
		return errNilAdapter
	}
	return nil
}

var zeroAddress [20]byte

// MultiTransfer pays each recipient its amount in one call. The attached
// value must cover the sum exactly; partial batches never happen.
func (s *Service) MultiTransfer(from [20]byte, recipients [][20]byte, amounts []*big.Int, asset assets.Asset, value *big.Int) error {
	if err := s.ready(); err != nil {
		return err
	}
	if len(recipients) == 0 {
		return fmt.Errorf("bank: recipient list empty: %w", common.ErrInvalidSchedule)
	}
	if len(recipients) != len(amounts) {
		return fmt.Errorf("bank: batch lengths differ: %w", common.ErrInvalidSchedule)
	}
	sum := big.NewInt(0)
	for i, amount := range amounts {
		if recipients[i] == zeroAddress {
			return fmt.Errorf("bank: recipient %d empty: %w", i, common.ErrInvalidParty)
		}
		if amount == nil || amount.Sign() <= 0 {
			return fmt.Errorf("bank: amount %d: %w", i, common.ErrZeroAmount)
		}
		next, err := escrow.AddChecked(sum, amount)
		if err != nil {
			return err
		}
		sum = next
	}
	if err := s.adapter.PullIn(from, asset, sum, value); err != nil {
		return err
	}
	for i, recipient := range recipients {
		if err := s.adapter.PushOut(recipient, asset, amounts[i]); err != nil {
			return err
		}
	}
	s.emit(NewMultiTransferEvent(from, asset, sum, len(recipients)))
	return nil
}

// TransferIn opens an escrowed transfer: the sender's value parks under a
// replay-guarded tid until the counter-party consents to release or return.
func (s *Service) TransferIn(sender, receiver [20]byte, tid []byte, asset assets.Asset, amount, value *big.Int) error {
	if err := s.ready(); err != nil {
		return err
	}
	if sender == zeroAddress || receiver == zeroAddress {
		return fmt.Errorf("bank: transfer party empty: %w", common.ErrInvalidParty)
	}
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("bank: transfer amount: %w", common.ErrZeroAmount)
	}
	claimed, err := s.replay.Claimed(tid)
	if err != nil {
		return err
	}
	if claimed {
		return fmt.Errorf("bank: tid %x: %w", tid, common.ErrDuplicateTransaction)
	}
	if err := s.adapter.PullIn(sender, asset, amount, value); err != nil {
		return err
	}
	hold := &Hold{
		TID:       append([]byte(nil), tid...),
		Sender:    sender,
		Receiver:  receiver,
		Asset:     asset,
		Amount:    new(big.Int).Set(amount),
		CreatedAt: s.nowFn(),
	}
	if err := s.replay.Claim(tid); err != nil {
		return s.refundPull(sender, asset, amount, err)
	}
	if err := s.putHold(hold); err != nil {
		return s.refundPull(sender, asset, amount, err)
	}
	s.emit(NewTransferInEvent(hold))
	return nil
}

func (s *Service) refundPull(to [20]byte, asset assets.Asset, amount *big.Int, cause error) error {
	if pushErr := s.adapter.PushOut(to, asset, amount); pushErr != nil {
		return fmt.Errorf("bank: rollback failed after %v: %w", cause, pushErr)
	}
	return cause
}

func (s *Service) putHold(h *Hold) error {
	raw, err := json.Marshal(h)
	if err != nil {
		return err
	}
	return s.db.Put(holdKey(h.TID), raw)
}

func (s *Service) getHold(tid []byte) (*Hold, error) {
	ok, err := s.db.Has(holdKey(tid))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("bank: hold %x: %w", tid, common.ErrNotFound)
	}
	raw, err := s.db.Get(holdKey(tid))
	if err != nil {
		return nil, err
	}
	hold := &Hold{}
	if err := json.Unmarshal(raw, hold); err != nil {
		return nil, err
	}
	return hold, nil
}

// GetHold returns a copy of the hold bound to tid.
func (s *Service) GetHold(tid []byte) (*Hold, error) {
	if s == nil || s.db == nil {
		return nil, errNilStore
	}
	hold, err := s.getHold(tid)
	if err != nil {
		return nil, err
	}
	return hold.Clone(), nil
}

// TransferOut releases the held value to the receiver. The sender consents by
// signing the transfer id.
func (s *Service) TransferOut(caller [20]byte, tid []byte, senderClaim escrow.Claim) error {
	return s.settleHold(tid, caller, func(h *Hold) ([20]byte, [20]byte, error) {
		if caller != h.Receiver {
			return [20]byte{}, [20]byte{}, fmt.Errorf("bank: only the receiver collects: %w", common.ErrNotAuthorizedRole)
		}
		return h.Sender, h.Receiver, nil
	}, senderClaim, true)
}

// Cancel returns the held value to the sender. The receiver consents by
// signing the transfer id.
func (s *Service) Cancel(caller [20]byte, tid []byte, receiverClaim escrow.Claim) error {
	return s.settleHold(tid, caller, func(h *Hold) ([20]byte, [20]byte, error) {
		if caller != h.Sender {
			return [20]byte{}, [20]byte{}, fmt.Errorf("bank: only the sender cancels: %w", common.ErrNotAuthorizedRole)
		}
		return h.Receiver, h.Sender, nil
	}, receiverClaim, false)
}

func (s *Service) settleHold(tid []byte, caller [20]byte, resolve func(*Hold) ([20]byte, [20]byte, error), claim escrow.Claim, out bool) error {
	if err := s.ready(); err != nil {
		return err
	}
	hold, err := s.getHold(tid)
	if err != nil {
		return err
	}
	if hold.Released {
		return fmt.Errorf("bank: hold %x: %w", tid, common.ErrAlreadyClosed)
	}
	signer, payee, err := resolve(hold)
	if err != nil {
		return err
	}
	if claim.Signer != signer {
		return fmt.Errorf("bank: consent signer mismatch: %w", common.ErrInvalidSignature)
	}
	if !claim.Verify(escrow.ConsentDigest(hold.TID)) {
		return fmt.Errorf("bank: consent claim rejected: %w", common.ErrInvalidSignature)
	}
	hold.Released = true
	if err := s.putHold(hold); err != nil {
		return err
	}
	if err := s.adapter.PushOut(payee, hold.Asset, hold.Amount); err != nil {
		return err
	}
	if out {
		s.emit(NewTransferOutEvent(hold))
	} else {
		s.emit(NewTransferCancelledEvent(hold))
	}
	return nil
}
