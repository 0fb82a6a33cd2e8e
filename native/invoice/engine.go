package invoice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"

	"invochain/core/events"
)

const defaultDisputeWindowDays uint32 = 7

var errRulingAlreadyReceived = errors.New("invoice engine: ruling already received")

type engineState interface {
	custodyState
	InvoicePut(*Invoice) error
	InvoiceGet(id uint64) (*Invoice, bool)
	NextInvoiceID() (uint64, error)
	InvoiceIndexAdd(role Role, addr [20]byte, id uint64) error
	InvoiceIndexRemove(role Role, addr [20]byte, id uint64) error
	InvoiceIndexList(role Role, addr [20]byte) ([]uint64, error)
	DisputeIndexPut(handle string, id uint64) error
	DisputeIndexGet(handle string) (uint64, bool)
}

// Arbitrator registers disputes with the external ruling service. The call is
// synchronous; the ruling itself arrives later through the Bridge.
type Arbitrator interface {
	RequestRuling(ctx context.Context, handle string, invoiceID uint64, evidenceRef string) error
}

// NoopArbitrator accepts every registration without contacting anything. It
// is the default so disputes can be driven entirely through the Bridge in
// tests and local setups.
type NoopArbitrator struct{}

// RequestRuling implements the Arbitrator interface.
func (NoopArbitrator) RequestRuling(context.Context, string, uint64, string) error { return nil }

// Engine is the invoice lifecycle state machine. It validates a requested
// transition against the invoice's current status, the caller's role and any
// deadline constraint, then instructs the custody ledger and commits the new
// status. Transitions on the same invoice are serialised; different invoices
// proceed independently.
type Engine struct {
	state             engineState
	ledger            *Ledger
	emitter           events.Emitter
	logger            *slog.Logger
	arbitrator        Arbitrator
	nowFn             func() int64
	arbitrationFee    *big.Int
	disputeWindowDays uint32

	mu    sync.Mutex
	locks map[uint64]*sync.Mutex
}

// NewEngine creates an engine with a no-op emitter and arbitrator. Callers
// configure the state backend before use.
func NewEngine() *Engine {
	return &Engine{
		emitter:           events.NoopEmitter{},
		logger:            slog.Default(),
		arbitrator:        NoopArbitrator{},
		nowFn:             func() int64 { return time.Now().Unix() },
		arbitrationFee:    big.NewInt(0),
		disputeWindowDays: defaultDisputeWindowDays,
		locks:             make(map[uint64]*sync.Mutex),
	}
}

// SetState configures the state backend used by the engine and binds the
// custody ledger to it.
func (e *Engine) SetState(state engineState) {
	e.state = state
	e.ledger = NewLedger(state)
}

// SetEmitter configures the event emitter. Passing nil resets it to a no-op.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetLogger configures the structured logger used for custody faults and
// duplicate ruling notices.
func (e *Engine) SetLogger(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	e.logger = logger
}

// SetArbitrator configures the outbound arbitration client. Passing nil
// resets it to the no-op implementation.
func (e *Engine) SetArbitrator(arb Arbitrator) {
	if arb == nil {
		e.arbitrator = NoopArbitrator{}
		return
	}
	e.arbitrator = arb
}

// SetNowFunc overrides the time source. Primarily intended for tests to
// provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetArbitrationFee configures the minimum fee a rejecting or disputing party
// must escrow.
func (e *Engine) SetArbitrationFee(fee *big.Int) {
	e.arbitrationFee = cloneBigInt(fee)
}

// SetDisputeWindowDays configures the escalation window opened by a
// rejection.
func (e *Engine) SetDisputeWindowDays(days uint32) {
	if days == 0 {
		days = defaultDisputeWindowDays
	}
	e.disputeWindowDays = days
}

// ArbitrationFee returns the currently required arbitration fee.
func (e *Engine) ArbitrationFee() *big.Int {
	return cloneBigInt(e.arbitrationFee)
}

func (e *Engine) emit(evt events.Event) {
	if e == nil || e.emitter == nil {
		return
	}
	e.emitter.Emit(evt)
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

// lockInvoice serialises transitions per invoice identifier. The returned
// function releases the lock.
func (e *Engine) lockInvoice(id uint64) func() {
	e.mu.Lock()
	lock, ok := e.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		e.locks[id] = lock
	}
	e.mu.Unlock()
	lock.Lock()
	return lock.Unlock
}

func (e *Engine) loadForUpdate(id uint64) (*Invoice, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	inv, ok := e.state.InvoiceGet(id)
	if !ok {
		return nil, ErrNotFound
	}
	if inv.Frozen {
		return nil, ErrFrozen
	}
	return inv, nil
}

// Mint registers a new purchase order, fixing buyer, vendor, principal and
// payment term, and locks the principal in custody. The vendor starts as the
// settlement holder.
func (e *Engine) Mint(buyer, vendor [20]byte, principal *big.Int, termDays uint32, evidenceRef string) (*Invoice, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if principal == nil || principal.Sign() <= 0 {
		return nil, fmt.Errorf("invoice: principal must be positive")
	}
	if termDays == 0 {
		return nil, fmt.Errorf("invoice: payment term must be positive")
	}
	if buyer == vendor {
		return nil, fmt.Errorf("invoice: buyer and vendor must differ")
	}
	id, err := e.state.NextInvoiceID()
	if err != nil {
		return nil, err
	}
	inv := &Invoice{
		ID:              id,
		Buyer:           buyer,
		Vendor:          vendor,
		Holder:          vendor,
		Principal:       new(big.Int).Set(principal),
		PaymentTermDays: termDays,
		Status:          StatusMinted,
		EvidenceRef:     evidenceRef,
		CreatedAt:       e.now(),
	}
	if err := e.ledger.Lock(id, principal); err != nil {
		return nil, err
	}
	if err := e.state.InvoicePut(inv); err != nil {
		return nil, err
	}
	if err := e.indexAll(inv); err != nil {
		return nil, err
	}
	e.emit(NewMintedEvent(inv))
	return inv.Clone(), nil
}

func (e *Engine) indexAll(inv *Invoice) error {
	if err := e.state.InvoiceIndexAdd(RoleBuyer, inv.Buyer, inv.ID); err != nil {
		return err
	}
	if err := e.state.InvoiceIndexAdd(RoleVendor, inv.Vendor, inv.ID); err != nil {
		return err
	}
	return e.state.InvoiceIndexAdd(RoleHolder, inv.Holder, inv.ID)
}

// Apply dispatches a requested action to its transition. The action set is
// closed; every variant is handled explicitly.
func (e *Engine) Apply(ctx context.Context, id uint64, caller [20]byte, action Action, fee *big.Int) (Status, error) {
	switch action {
	case ActionCancel:
		return e.Cancel(id, caller)
	case ActionWithdrawCancellation:
		return e.WithdrawCancellation(id, caller)
	case ActionInvoice:
		return e.RaiseInvoice(id, caller)
	case ActionAccept:
		return e.AcceptInvoice(id, caller)
	case ActionReject:
		return e.RejectInvoice(id, caller, fee)
	case ActionAcceptRejection:
		return e.AcceptRejection(id, caller)
	case ActionDispute:
		return e.DisputeRejection(ctx, id, caller, fee)
	case ActionWithdraw:
		return e.Withdraw(id, caller)
	default:
		return 0, fmt.Errorf("invoice: unknown action %d", action)
	}
}

// Cancel voids a purchase order that has not yet been invoiced. Either party
// may request it; the principal stays locked until the buyer withdraws.
func (e *Engine) Cancel(id uint64, caller [20]byte) (Status, error) {
	unlock := e.lockInvoice(id)
	defer unlock()
	inv, err := e.loadForUpdate(id)
	if err != nil {
		return 0, err
	}
	if inv.Status != StatusMinted {
		return 0, ErrInvalidTransition
	}
	if caller != inv.Buyer && caller != inv.Vendor {
		return 0, ErrUnauthorized
	}
	inv.Status = StatusCanceled
	if err := e.state.InvoicePut(inv); err != nil {
		return 0, err
	}
	e.emit(NewCanceledEvent(inv, caller))
	return inv.Status, nil
}

// WithdrawCancellation reverses a cancellation, returning the purchase order
// to Minted. Only the buyer may do so, and only while the principal has not
// been withdrawn.
func (e *Engine) WithdrawCancellation(id uint64, caller [20]byte) (Status, error) {
	unlock := e.lockInvoice(id)
	defer unlock()
	inv, err := e.loadForUpdate(id)
	if err != nil {
		return 0, err
	}
	if inv.Status != StatusCanceled {
		return 0, ErrInvalidTransition
	}
	if caller != inv.Buyer {
		return 0, ErrUnauthorized
	}
	inv.Status = StatusMinted
	if err := e.state.InvoicePut(inv); err != nil {
		return 0, err
	}
	e.emit(NewCancellationWithdrawnEvent(inv))
	return inv.Status, nil
}

// RaiseInvoice converts the purchase order into an invoice and starts the
// payment term clock.
func (e *Engine) RaiseInvoice(id uint64, caller [20]byte) (Status, error) {
	unlock := e.lockInvoice(id)
	defer unlock()
	inv, err := e.loadForUpdate(id)
	if err != nil {
		return 0, err
	}
	if inv.Status != StatusMinted {
		return 0, ErrInvalidTransition
	}
	if caller != inv.Vendor {
		return 0, ErrUnauthorized
	}
	inv.Status = StatusInvoiced
	inv.DueAt = DueAt(e.now(), inv.PaymentTermDays)
	if err := e.state.InvoicePut(inv); err != nil {
		return 0, err
	}
	e.emit(NewInvoicedEvent(inv))
	return inv.Status, nil
}

// AcceptInvoice approves the invoice for payment, enabling immediate
// withdrawal by the current holder.
func (e *Engine) AcceptInvoice(id uint64, caller [20]byte) (Status, error) {
	unlock := e.lockInvoice(id)
	defer unlock()
	inv, err := e.loadForUpdate(id)
	if err != nil {
		return 0, err
	}
	if inv.Status != StatusInvoiced {
		return 0, ErrInvalidTransition
	}
	if caller != inv.Buyer {
		return 0, ErrUnauthorized
	}
	inv.Status = StatusAccepted
	if err := e.state.InvoicePut(inv); err != nil {
		return 0, err
	}
	e.emit(NewAcceptedEvent(inv))
	return inv.Status, nil
}

// RejectInvoice contests the invoice. The buyer escrows the arbitration fee
// upfront so a later dispute can be funded, and a fixed escalation window
// opens for the vendor side.
func (e *Engine) RejectInvoice(id uint64, caller [20]byte, fee *big.Int) (Status, error) {
	unlock := e.lockInvoice(id)
	defer unlock()
	inv, err := e.loadForUpdate(id)
	if err != nil {
		return 0, err
	}
	if inv.Status != StatusInvoiced {
		return 0, ErrInvalidTransition
	}
	if caller != inv.Buyer {
		return 0, ErrUnauthorized
	}
	if fee == nil || fee.Cmp(e.arbitrationFee) < 0 {
		return 0, ErrInsufficientFee
	}
	if err := e.ledger.DepositFee(id, PartyBuyer, fee); err != nil {
		return 0, err
	}
	inv.Status = StatusRejected
	inv.DisputeDeadline = DisputeDeadline(e.now(), e.disputeWindowDays)
	if err := e.state.InvoicePut(inv); err != nil {
		return 0, err
	}
	e.emit(NewRejectedEvent(inv, fee))
	return inv.Status, nil
}

// AcceptRejection concedes the rejection. The principal and the buyer's
// escrowed fee return to the buyer and the invoice settles.
func (e *Engine) AcceptRejection(id uint64, caller [20]byte) (Status, error) {
	unlock := e.lockInvoice(id)
	defer unlock()
	inv, err := e.loadForUpdate(id)
	if err != nil {
		return 0, err
	}
	if inv.Status != StatusRejected {
		return 0, ErrInvalidTransition
	}
	if caller != inv.Vendor && caller != inv.Holder {
		return 0, ErrUnauthorized
	}
	record, err := e.ledger.Record(id)
	if err != nil {
		return 0, err
	}
	amount := new(big.Int).Add(record.Principal, record.FeeBuyer)
	if err := e.settle(inv, inv.Buyer, amount); err != nil {
		return 0, err
	}
	return inv.Status, nil
}

// DisputeRejection escalates a rejection to the external arbitrator before
// the escalation window closes. The disputing side escrows the counter fee
// and the dispute is registered synchronously; a failed registration aborts
// the transition with state and custody untouched.
func (e *Engine) DisputeRejection(ctx context.Context, id uint64, caller [20]byte, fee *big.Int) (Status, error) {
	unlock := e.lockInvoice(id)
	defer unlock()
	inv, err := e.loadForUpdate(id)
	if err != nil {
		return 0, err
	}
	if inv.Status != StatusRejected {
		return 0, ErrInvalidTransition
	}
	if caller != inv.Vendor && caller != inv.Holder {
		return 0, ErrUnauthorized
	}
	if e.now() >= inv.DisputeDeadline {
		return 0, ErrDeadlineExpired
	}
	if fee == nil || fee.Cmp(e.arbitrationFee) < 0 {
		return 0, ErrInsufficientFee
	}
	if e.arbitrator == nil {
		return 0, errNilArbitrator
	}
	handle := uuid.NewString()
	if err := e.arbitrator.RequestRuling(ctx, handle, id, inv.EvidenceRef); err != nil {
		return 0, fmt.Errorf("invoice: dispute registration failed: %w", err)
	}
	if err := e.ledger.DepositFee(id, PartyVendor, fee); err != nil {
		return 0, err
	}
	if err := e.state.DisputeIndexPut(handle, id); err != nil {
		return 0, err
	}
	inv.Status = StatusDisputed
	inv.DisputeHandle = handle
	if err := e.state.InvoicePut(inv); err != nil {
		return 0, err
	}
	e.emit(NewDisputedEvent(inv, fee))
	return inv.Status, nil
}

// resolveDispute consumes an arbitrator ruling. It is reachable only through
// the Bridge; a duplicate ruling for an already-settled handle reports
// errRulingAlreadyReceived so the bridge can log it without failing.
func (e *Engine) resolveDispute(handle string, ruling Ruling) (*Invoice, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if ruling != RulingVendorWins && ruling != RulingBuyerWins {
		return nil, fmt.Errorf("invoice: invalid ruling %d", ruling)
	}
	id, ok := e.state.DisputeIndexGet(handle)
	if !ok {
		return nil, ErrUnknownDispute
	}
	unlock := e.lockInvoice(id)
	defer unlock()
	inv, ok := e.state.InvoiceGet(id)
	if !ok {
		return nil, ErrUnknownDispute
	}
	if inv.DisputeHandle == handle && (inv.Status == StatusResolved || inv.Status == StatusWithdrawn) {
		return inv.Clone(), errRulingAlreadyReceived
	}
	if inv.Status != StatusDisputed || inv.DisputeHandle != handle {
		return nil, ErrUnknownDispute
	}
	if inv.Frozen {
		return nil, ErrFrozen
	}
	inv.Status = StatusResolved
	inv.Ruling = ruling
	if err := e.state.InvoicePut(inv); err != nil {
		return nil, err
	}
	e.emit(NewResolvedEvent(inv))
	return inv.Clone(), nil
}

// Withdraw releases the funds a terminal state authorises: the principal to
// the holder after acceptance, back to the buyer after cancellation, or the
// principal plus both arbitration fees to the winning side after a ruling.
func (e *Engine) Withdraw(id uint64, caller [20]byte) (Status, error) {
	unlock := e.lockInvoice(id)
	defer unlock()
	inv, err := e.loadForUpdate(id)
	if err != nil {
		return 0, err
	}
	record, err := e.ledger.Record(id)
	if err != nil {
		return 0, err
	}
	var payee [20]byte
	var amount *big.Int
	switch inv.Status {
	case StatusAccepted:
		if caller != inv.Holder {
			return 0, ErrUnauthorized
		}
		payee = inv.Holder
		amount = record.Principal
	case StatusCanceled:
		if caller != inv.Buyer {
			return 0, ErrUnauthorized
		}
		payee = inv.Buyer
		amount = record.Principal
	case StatusResolved:
		amount = new(big.Int).Add(record.Principal, record.FeeBuyer)
		amount.Add(amount, record.FeeVendor)
		switch inv.Ruling {
		case RulingVendorWins:
			if caller != inv.Holder {
				return 0, ErrUnauthorized
			}
			payee = inv.Holder
		case RulingBuyerWins:
			if caller != inv.Buyer {
				return 0, ErrUnauthorized
			}
			payee = inv.Buyer
		default:
			return 0, ErrInvalidTransition
		}
	default:
		return 0, ErrInvalidTransition
	}
	if err := e.settle(inv, payee, amount); err != nil {
		return 0, err
	}
	return inv.Status, nil
}

// settle releases the given amount from custody and commits the terminal
// Withdrawn status. A custody shortfall freezes the invoice and surfaces as
// ErrInsufficientCustody.
func (e *Engine) settle(inv *Invoice, payee [20]byte, amount *big.Int) error {
	if err := e.ledger.Release(inv.ID, amount); err != nil {
		if errors.Is(err, ErrInsufficientCustody) {
			e.freeze(inv, err)
		}
		return err
	}
	inv.Status = StatusWithdrawn
	if err := e.state.InvoicePut(inv); err != nil {
		return err
	}
	e.emit(NewWithdrawnEvent(inv, payee, amount))
	return nil
}

// freeze halts further mutation of an invoice after a custody fault. The
// fault is surfaced loudly; it indicates a bug, never expected operation.
func (e *Engine) freeze(inv *Invoice, cause error) {
	inv.Frozen = true
	if err := e.state.InvoicePut(inv); err != nil {
		e.logger.Error("failed to persist frozen invoice", "id", inv.ID, "err", err)
	}
	e.logger.Error("custody fault detected, invoice frozen", "id", inv.ID, "err", cause)
}

// TransferHolder reassigns the settlement right to a new identity. Permitted
// in any state before withdrawal; it moves no funds and does not alter the
// lifecycle status or deadlines.
func (e *Engine) TransferHolder(id uint64, caller, newHolder [20]byte) error {
	unlock := e.lockInvoice(id)
	defer unlock()
	inv, err := e.loadForUpdate(id)
	if err != nil {
		return err
	}
	if inv.Status == StatusWithdrawn {
		return ErrInvalidTransition
	}
	if caller != inv.Holder {
		return ErrUnauthorized
	}
	if newHolder == inv.Holder {
		return nil
	}
	if err := e.state.InvoiceIndexRemove(RoleHolder, inv.Holder, id); err != nil {
		return err
	}
	previous := inv.Holder
	inv.Holder = newHolder
	if err := e.state.InvoiceIndexAdd(RoleHolder, newHolder, id); err != nil {
		return err
	}
	if err := e.state.InvoicePut(inv); err != nil {
		return err
	}
	e.emit(NewTransferredEvent(inv, previous))
	return nil
}

// Get returns a read-only snapshot of the invoice. Frozen invoices remain
// queryable.
func (e *Engine) Get(id uint64) (*Invoice, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	inv, ok := e.state.InvoiceGet(id)
	if !ok {
		return nil, ErrNotFound
	}
	return inv.Clone(), nil
}

// Custody returns a snapshot of the custody record for the invoice.
func (e *Engine) Custody(id uint64) (*CustodyRecord, error) {
	if e == nil || e.ledger == nil {
		return nil, errNilState
	}
	return e.ledger.Record(id)
}

// ListBy returns the identifiers of every invoice where the identity fills
// the given role, in ascending id order. The slice is a finite, restartable
// view over the persisted index.
func (e *Engine) ListBy(role Role, addr [20]byte) ([]uint64, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	return e.state.InvoiceIndexList(role, addr)
}
