package multisig

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"escrowcore/core/events"
	"escrowcore/core/types"
	"escrowcore/native/assets"
	"escrowcore/native/common"
	"escrowcore/storage"
)

const secondsPerDay = 86_400

var (
	errNilStore   = errors.New("multisig coordinator: store not configured")
	errNilAdapter = errors.New("multisig coordinator: asset adapter not configured")
)

// Action identifies what an approved proposal does.
type Action uint8

const (
	ActionTransfer Action = iota + 1
	ActionAddOwner
	ActionRemoveOwner
	ActionReplaceOwner
	ActionChangeThreshold
	ActionChangeDailyLimit
)

// Proposal is one pending or executed wallet operation. Confirmations are
// tracked per owner; an owner confirming twice is a no-op.
type Proposal struct {
	ID            uint64              `json:"id"`
	Action        Action              `json:"action"`
	To            [20]byte            `json:"to,omitempty"`
	NewOwner      [20]byte            `json:"newOwner,omitempty"`
	OldOwner      [20]byte            `json:"oldOwner,omitempty"`
	Amount        *big.Int            `json:"amount,omitempty"`
	NewThreshold  int                 `json:"newThreshold,omitempty"`
	NewDailyLimit *big.Int            `json:"newDailyLimit,omitempty"`
	Confirmations map[string]struct{} `json:"confirmations"`
	Executed      bool                `json:"executed"`
	SubmittedAt   int64               `json:"submittedAt"`
}

type walletState struct {
	Owners     [][20]byte `json:"owners"`
	Threshold  int        `json:"threshold"`
	DailyLimit *big.Int   `json:"dailyLimit"`
	SpentToday *big.Int   `json:"spentToday"`
	Day        int64      `json:"day"`
	Seq        uint64     `json:"seq"`
}

var walletKey = []byte("multisig/wallet")

func proposalKey(id uint64) []byte {
	return []byte(fmt.Sprintf("multisig/proposal/%020d", id))
}

type coordinatorEvent struct {
	evt *types.Event
}

func (e coordinatorEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e coordinatorEvent) Event() *types.Event { return e.evt }

// Coordinator is an m-of-n wallet over the asset adapter's vault. Transfers
// within the remaining daily allowance execute immediately; everything else
// waits for the confirmation threshold.
type Coordinator struct {
	db      storage.Database
	adapter *assets.Adapter
	asset   assets.Asset
	state   walletState
	emitter events.Emitter
	nowFn   func() int64
}

// NewCoordinator creates a wallet with the given owner set. Owners must be
// unique and non-zero, and the threshold must fit the owner count.
func NewCoordinator(db storage.Database, adapter *assets.Adapter, asset assets.Asset, owners [][20]byte, threshold int, dailyLimit *big.Int) (*Coordinator, error) {
	if db == nil {
		return nil, errNilStore
	}
	if adapter == nil {
		return nil, errNilAdapter
	}
	if len(owners) == 0 {
		return nil, fmt.Errorf("multisig: owner set empty: %w", common.ErrInvalidParty)
	}
	seen := make(map[[20]byte]struct{}, len(owners))
	var zero [20]byte
	for _, owner := range owners {
		if owner == zero {
			return nil, fmt.Errorf("multisig: zero owner address: %w", common.ErrInvalidParty)
		}
		if _, dup := seen[owner]; dup {
			return nil, fmt.Errorf("multisig: duplicate owner %x: %w", owner, common.ErrInvalidParty)
		}
		seen[owner] = struct{}{}
	}
	if threshold <= 0 || threshold > len(owners) {
		return nil, fmt.Errorf("multisig: threshold %d out of range: %w", threshold, common.ErrInvalidSchedule)
	}
	if dailyLimit == nil {
		dailyLimit = big.NewInt(0)
	}
	c := &Coordinator{
		db:      db,
		adapter: adapter,
		asset:   asset,
		state: walletState{
			Owners:     append([][20]byte(nil), owners...),
			Threshold:  threshold,
			DailyLimit: new(big.Int).Set(dailyLimit),
			SpentToday: big.NewInt(0),
		},
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
	if err := c.saveState(); err != nil {
		return nil, err
	}
	return c, nil
}

// SetEmitter configures the event emitter. Passing nil resets it to a no-op.
func (c *Coordinator) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		c.emitter = events.NoopEmitter{}
		return
	}
	c.emitter = emitter
}

// SetNowFunc overrides the time source. Primarily intended for tests.
func (c *Coordinator) SetNowFunc(now func() int64) {
	if now == nil {
		c.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	c.nowFn = now
}

func (c *Coordinator) emit(event *types.Event) {
	if c == nil || c.emitter == nil || event == nil {
		return
	}
	c.emitter.Emit(coordinatorEvent{evt: event})
}

func (c *Coordinator) saveState() error {
	raw, err := json.Marshal(c.state)
	if err != nil {
		return err
	}
	return c.db.Put(walletKey, raw)
}

func (c *Coordinator) putProposal(p *Proposal) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return c.db.Put(proposalKey(p.ID), raw)
}

func (c *Coordinator) getProposal(id uint64) (*Proposal, error) {
	ok, err := c.db.Has(proposalKey(id))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("multisig: proposal %d: %w", id, common.ErrNotFound)
	}
	raw, err := c.db.Get(proposalKey(id))
	if err != nil {
		return nil, err
	}
	p := &Proposal{}
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, err
	}
	if p.Confirmations == nil {
		p.Confirmations = make(map[string]struct{})
	}
	return p, nil
}

// IsOwner reports whether the address is in the current owner set.
func (c *Coordinator) IsOwner(addr [20]byte) bool {
	for _, owner := range c.state.Owners {
		if owner == addr {
			return true
		}
	}
	return false
}

// Owners returns a copy of the current owner set.
func (c *Coordinator) Owners() [][20]byte {
	return append([][20]byte(nil), c.state.Owners...)
}

// Threshold returns the current confirmation requirement.
func (c *Coordinator) Threshold() int { return c.state.Threshold }

func (c *Coordinator) requireOwner(addr [20]byte) error {
	if !c.IsOwner(addr) {
		return fmt.Errorf("multisig: %x is not an owner: %w", addr, common.ErrNotAuthorizedRole)
	}
	return nil
}

// rollDay resets the spent counter at the first touch after a day boundary.
func (c *Coordinator) rollDay() {
	day := c.nowFn() / secondsPerDay
	if day != c.state.Day {
		c.state.Day = day
		c.state.SpentToday = big.NewInt(0)
	}
}

// underDailyLimit reports whether the transfer fits the remaining allowance.
func (c *Coordinator) underDailyLimit(amount *big.Int) bool {
	if c.state.DailyLimit.Sign() == 0 {
		return false
	}
	spent := new(big.Int).Add(c.state.SpentToday, amount)
	return spent.Cmp(c.state.DailyLimit) <= 0
}

// Deposit pulls value into the wallet.
func (c *Coordinator) Deposit(from [20]byte, amount, value *big.Int) error {
	return c.adapter.PullIn(from, c.asset, amount, value)
}

// Balance reports the wallet's spendable balance.
func (c *Coordinator) Balance() (*big.Int, error) {
	return c.adapter.BalanceOf(c.adapter.Vault(), c.asset)
}

func (c *Coordinator) submit(submitter [20]byte, p *Proposal) (uint64, error) {
	if err := c.requireOwner(submitter); err != nil {
		return 0, err
	}
	c.state.Seq++
	p.ID = c.state.Seq
	p.Confirmations = make(map[string]struct{})
	p.SubmittedAt = c.nowFn()
	if err := c.putProposal(p); err != nil {
		return 0, err
	}
	if err := c.saveState(); err != nil {
		return 0, err
	}
	c.emit(NewProposalSubmittedEvent(p, submitter))
	// The submitter's confirmation counts immediately; with threshold 1 the
	// proposal executes here.
	if err := c.Confirm(p.ID, submitter); err != nil {
		return 0, err
	}
	return p.ID, nil
}

// SubmitTransfer proposes paying amount to the recipient. If the amount fits
// the remaining daily allowance it executes immediately, bypassing the
// confirmation threshold.
func (c *Coordinator) SubmitTransfer(submitter, to [20]byte, amount *big.Int) (uint64, error) {
	if err := c.requireOwner(submitter); err != nil {
		return 0, err
	}
	var zero [20]byte
	if to == zero {
		return 0, fmt.Errorf("multisig: recipient empty: %w", common.ErrInvalidParty)
	}
	if amount == nil || amount.Sign() <= 0 {
		return 0, fmt.Errorf("multisig: transfer amount: %w", common.ErrZeroAmount)
	}
	c.rollDay()
	p := &Proposal{Action: ActionTransfer, To: to, Amount: new(big.Int).Set(amount)}
	if c.underDailyLimit(amount) {
		c.state.Seq++
		p.ID = c.state.Seq
		p.Confirmations = map[string]struct{}{ownerKey(submitter): {}}
		p.SubmittedAt = c.nowFn()
		c.state.SpentToday = new(big.Int).Add(c.state.SpentToday, amount)
		if err := c.execute(p); err != nil {
			return 0, err
		}
		if err := c.putProposal(p); err != nil {
			return 0, err
		}
		if err := c.saveState(); err != nil {
			return 0, err
		}
		c.emit(NewProposalSubmittedEvent(p, submitter))
		c.emit(NewProposalExecutedEvent(p))
		return p.ID, nil
	}
	return c.submit(submitter, p)
}

// SubmitAddOwner proposes adding an owner.
func (c *Coordinator) SubmitAddOwner(submitter, newOwner [20]byte) (uint64, error) {
	var zero [20]byte
	if newOwner == zero {
		return 0, fmt.Errorf("multisig: zero owner address: %w", common.ErrInvalidParty)
	}
	if c.IsOwner(newOwner) {
		return 0, fmt.Errorf("multisig: %x already an owner: %w", newOwner, common.ErrInvalidParty)
	}
	return c.submit(submitter, &Proposal{Action: ActionAddOwner, NewOwner: newOwner})
}

// SubmitRemoveOwner proposes removing an owner. The threshold clamps down if
// the shrunken owner set can no longer meet it.
func (c *Coordinator) SubmitRemoveOwner(submitter, oldOwner [20]byte) (uint64, error) {
	if !c.IsOwner(oldOwner) {
		return 0, fmt.Errorf("multisig: %x is not an owner: %w", oldOwner, common.ErrInvalidParty)
	}
	if len(c.state.Owners) == 1 {
		return 0, fmt.Errorf("multisig: cannot remove the last owner: %w", common.ErrInvalidParty)
	}
	return c.submit(submitter, &Proposal{Action: ActionRemoveOwner, OldOwner: oldOwner})
}

// SubmitReplaceOwner proposes swapping one owner for another.
func (c *Coordinator) SubmitReplaceOwner(submitter, oldOwner, newOwner [20]byte) (uint64, error) {
	var zero [20]byte
	if !c.IsOwner(oldOwner) {
		return 0, fmt.Errorf("multisig: %x is not an owner: %w", oldOwner, common.ErrInvalidParty)
	}
	if newOwner == zero || c.IsOwner(newOwner) {
		return 0, fmt.Errorf("multisig: replacement owner invalid: %w", common.ErrInvalidParty)
	}
	return c.submit(submitter, &Proposal{Action: ActionReplaceOwner, OldOwner: oldOwner, NewOwner: newOwner})
}

// SubmitChangeThreshold proposes a new confirmation requirement.
func (c *Coordinator) SubmitChangeThreshold(submitter [20]byte, threshold int) (uint64, error) {
	if threshold <= 0 || threshold > len(c.state.Owners) {
		return 0, fmt.Errorf("multisig: threshold %d out of range: %w", threshold, common.ErrInvalidSchedule)
	}
	return c.submit(submitter, &Proposal{Action: ActionChangeThreshold, NewThreshold: threshold})
}

// SubmitChangeDailyLimit proposes a new daily allowance.
func (c *Coordinator) SubmitChangeDailyLimit(submitter [20]byte, limit *big.Int) (uint64, error) {
	if limit == nil || limit.Sign() < 0 {
		return 0, fmt.Errorf("multisig: daily limit: %w", common.ErrZeroAmount)
	}
	return c.submit(submitter, &Proposal{Action: ActionChangeDailyLimit, NewDailyLimit: new(big.Int).Set(limit)})
}

func ownerKey(addr [20]byte) string {
	return fmt.Sprintf("%x", addr)
}

// Confirm records an owner's vote. Voting on an executed proposal fails with
// AlreadyClosed; a duplicate vote by the same owner is a no-op. Execution
// fires exactly once, on the confirmation that reaches the threshold.
func (c *Coordinator) Confirm(id uint64, owner [20]byte) error {
	if err := c.requireOwner(owner); err != nil {
		return err
	}
	p, err := c.getProposal(id)
	if err != nil {
		return err
	}
	if p.Executed {
		return fmt.Errorf("multisig: proposal %d: %w", id, common.ErrAlreadyClosed)
	}
	key := ownerKey(owner)
	if _, voted := p.Confirmations[key]; voted {
		return nil
	}
	p.Confirmations[key] = struct{}{}
	c.emit(NewProposalConfirmedEvent(p, owner))
	if len(p.Confirmations) >= c.state.Threshold {
		if err := c.execute(p); err != nil {
			return err
		}
		if err := c.saveState(); err != nil {
			return err
		}
		c.emit(NewProposalExecutedEvent(p))
	}
	return c.putProposal(p)
}

// Confirmations reports the number of distinct owner votes on a proposal.
func (c *Coordinator) Confirmations(id uint64) (int, error) {
	p, err := c.getProposal(id)
	if err != nil {
		return 0, err
	}
	return len(p.Confirmations), nil
}

// Executed reports whether the proposal has run.
func (c *Coordinator) Executed(id uint64) (bool, error) {
	p, err := c.getProposal(id)
	if err != nil {
		return false, err
	}
	return p.Executed, nil
}

func (c *Coordinator) execute(p *Proposal) error {
	switch p.Action {
	case ActionTransfer:
		if err := c.adapter.PushOut(p.To, c.asset, p.Amount); err != nil {
			return err
		}
	case ActionAddOwner:
		if c.IsOwner(p.NewOwner) {
			return fmt.Errorf("multisig: %x already an owner: %w", p.NewOwner, common.ErrInvalidParty)
		}
		c.state.Owners = append(c.state.Owners, p.NewOwner)
	case ActionRemoveOwner:
		if err := c.removeOwner(p.OldOwner); err != nil {
			return err
		}
	case ActionReplaceOwner:
		if err := c.removeOwner(p.OldOwner); err != nil {
			return err
		}
		c.state.Owners = append(c.state.Owners, p.NewOwner)
	case ActionChangeThreshold:
		if p.NewThreshold <= 0 || p.NewThreshold > len(c.state.Owners) {
			return fmt.Errorf("multisig: threshold %d out of range: %w", p.NewThreshold, common.ErrInvalidSchedule)
		}
		c.state.Threshold = p.NewThreshold
	case ActionChangeDailyLimit:
		c.state.DailyLimit = new(big.Int).Set(p.NewDailyLimit)
	default:
		return fmt.Errorf("multisig: unknown action %d: %w", p.Action, common.ErrNotFound)
	}
	p.Executed = true
	return nil
}

func (c *Coordinator) removeOwner(addr [20]byte) error {
	for i, owner := range c.state.Owners {
		if owner == addr {
			c.state.Owners = append(c.state.Owners[:i], c.state.Owners[i+1:]...)
			if c.state.Threshold > len(c.state.Owners) {
				c.state.Threshold = len(c.state.Owners)
			}
			return nil
		}
	}
	return fmt.Errorf("multisig: %x is not an owner: %w", addr, common.ErrInvalidParty)
}
