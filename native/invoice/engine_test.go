package invoice

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"testing"

	"invochain/core/events"
)

type mockState struct {
	mu       sync.Mutex
	invoices map[uint64]*Invoice
	custody  map[uint64]*CustodyRecord
	indexes  map[string]map[uint64]struct{}
	disputes map[string]uint64
	nextID   uint64
}

func newMockState() *mockState {
	return &mockState{
		invoices: make(map[uint64]*Invoice),
		custody:  make(map[uint64]*CustodyRecord),
		indexes:  make(map[string]map[uint64]struct{}),
		disputes: make(map[string]uint64),
	}
}

func indexKey(role Role, addr [20]byte) string {
	return fmt.Sprintf("%s/%x", role.String(), addr)
}

func (m *mockState) InvoicePut(inv *Invoice) error {
	if inv == nil {
		return fmt.Errorf("nil invoice")
	}
	sanitized, err := Sanitize(inv)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.invoices[sanitized.ID] = sanitized.Clone()
	return nil
}

func (m *mockState) InvoiceGet(id uint64) (*Invoice, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.invoices[id]
	if !ok {
		return nil, false
	}
	return inv.Clone(), true
}

func (m *mockState) NextInvoiceID() (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	return m.nextID, nil
}

func (m *mockState) InvoiceIndexAdd(role Role, addr [20]byte, id uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := indexKey(role, addr)
	if _, ok := m.indexes[key]; !ok {
		m.indexes[key] = make(map[uint64]struct{})
	}
	m.indexes[key][id] = struct{}{}
	return nil
}

func (m *mockState) InvoiceIndexRemove(role Role, addr [20]byte, id uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.indexes[indexKey(role, addr)], id)
	return nil
}

func (m *mockState) InvoiceIndexList(role Role, addr [20]byte) ([]uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]uint64, 0, len(m.indexes[indexKey(role, addr)]))
	for id := range m.indexes[indexKey(role, addr)] {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (m *mockState) CustodyPut(record *CustodyRecord) error {
	if record == nil {
		return fmt.Errorf("nil custody record")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.custody[record.InvoiceID] = record.Clone()
	return nil
}

func (m *mockState) CustodyGet(id uint64) (*CustodyRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.custody[id]
	if !ok {
		return nil, false
	}
	return record.Clone(), true
}

func (m *mockState) DisputeIndexPut(handle string, id uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disputes[handle] = id
	return nil
}

func (m *mockState) DisputeIndexGet(handle string) (uint64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.disputes[handle]
	return id, ok
}

type capturingEmitter struct {
	mu     sync.Mutex
	events []events.Event
}

func (c *capturingEmitter) Emit(evt events.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
}

func (c *capturingEmitter) seen(eventType string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, evt := range c.events {
		if evt.Type == eventType {
			return true
		}
	}
	return false
}

type failingArbitrator struct{}

func (failingArbitrator) RequestRuling(context.Context, string, uint64, string) error {
	return fmt.Errorf("arbitrator unavailable")
}

func newTestAddress(fill byte) [20]byte {
	var addr [20]byte
	for i := range addr {
		addr[i] = fill
	}
	return addr
}

func setupEngine(t *testing.T) (*Engine, *mockState, *capturingEmitter, *int64) {
	t.Helper()
	state := newMockState()
	emitter := &capturingEmitter{}
	engine := NewEngine()
	engine.SetState(state)
	engine.SetEmitter(emitter)
	now := int64(1_000)
	engine.SetNowFunc(func() int64 { return now })
	return engine, state, emitter, &now
}

func mustMint(t *testing.T, engine *Engine, buyer, vendor [20]byte, principal int64, termDays uint32) *Invoice {
	t.Helper()
	inv, err := engine.Mint(buyer, vendor, big.NewInt(principal), termDays, "ipfs://meta")
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	return inv
}

func TestMintLocksPrincipal(t *testing.T) {
	engine, state, emitter, _ := setupEngine(t)
	buyer := newTestAddress(0x01)
	vendor := newTestAddress(0x02)
	inv := mustMint(t, engine, buyer, vendor, 10, 30)
	if inv.Status != StatusMinted {
		t.Fatalf("expected Minted, got %s", inv.Status)
	}
	if inv.Holder != vendor {
		t.Fatalf("holder must start equal to vendor")
	}
	record, ok := state.CustodyGet(inv.ID)
	if !ok {
		t.Fatalf("custody record missing")
	}
	if record.Remaining().Cmp(big.NewInt(10)) != 0 {
		t.Fatalf("expected 10 locked, got %s", record.Remaining())
	}
	if !emitter.seen(EventTypeMinted) {
		t.Fatalf("minted event not emitted")
	}
	if _, err := engine.Mint(buyer, vendor, big.NewInt(0), 30, ""); err == nil {
		t.Fatalf("zero principal must be rejected")
	}
	if _, err := engine.Mint(buyer, vendor, big.NewInt(5), 0, ""); err == nil {
		t.Fatalf("zero payment term must be rejected")
	}
}

func TestAcceptAndWithdraw(t *testing.T) {
	engine, state, _, nowRef := setupEngine(t)
	buyer := newTestAddress(0x01)
	vendor := newTestAddress(0x02)
	inv := mustMint(t, engine, buyer, vendor, 10, 30)

	status, err := engine.RaiseInvoice(inv.ID, vendor)
	if err != nil || status != StatusInvoiced {
		t.Fatalf("raise invoice: status=%s err=%v", status, err)
	}
	stored, _ := state.InvoiceGet(inv.ID)
	if want := *nowRef + 30*secondsPerDay; stored.DueAt != want {
		t.Fatalf("dueAt = %d, want %d", stored.DueAt, want)
	}

	if status, err = engine.AcceptInvoice(inv.ID, buyer); err != nil || status != StatusAccepted {
		t.Fatalf("accept: status=%s err=%v", status, err)
	}
	if status, err = engine.Withdraw(inv.ID, vendor); err != nil || status != StatusWithdrawn {
		t.Fatalf("withdraw: status=%s err=%v", status, err)
	}
	record, _ := state.CustodyGet(inv.ID)
	if record.Released.Cmp(big.NewInt(10)) != 0 {
		t.Fatalf("released = %s, want 10", record.Released)
	}
	if _, err := engine.Withdraw(inv.ID, vendor); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("second withdraw must fail with invalid transition, got %v", err)
	}
}

func TestRejectDisputeVendorWins(t *testing.T) {
	engine, state, emitter, _ := setupEngine(t)
	engine.SetArbitrationFee(big.NewInt(2))
	buyer := newTestAddress(0x01)
	vendor := newTestAddress(0x02)
	inv := mustMint(t, engine, buyer, vendor, 10, 30)
	bridge := NewBridge(engine)

	if _, err := engine.RaiseInvoice(inv.ID, vendor); err != nil {
		t.Fatalf("raise invoice: %v", err)
	}
	status, err := engine.RejectInvoice(inv.ID, buyer, big.NewInt(2))
	if err != nil || status != StatusRejected {
		t.Fatalf("reject: status=%s err=%v", status, err)
	}
	record, _ := state.CustodyGet(inv.ID)
	if record.FeeBuyer.Cmp(big.NewInt(2)) != 0 {
		t.Fatalf("buyer fee = %s, want 2", record.FeeBuyer)
	}

	status, err = engine.DisputeRejection(context.Background(), inv.ID, vendor, big.NewInt(2))
	if err != nil || status != StatusDisputed {
		t.Fatalf("dispute: status=%s err=%v", status, err)
	}
	stored, _ := state.InvoiceGet(inv.ID)
	if stored.DisputeHandle == "" {
		t.Fatalf("dispute handle not assigned")
	}

	resolved, err := bridge.ReceiveRuling(stored.DisputeHandle, RulingVendorWins)
	if err != nil {
		t.Fatalf("receive ruling: %v", err)
	}
	if resolved.Status != StatusResolved || resolved.Ruling != RulingVendorWins {
		t.Fatalf("unexpected resolution: %s/%s", resolved.Status, resolved.Ruling)
	}
	if !emitter.seen(EventTypeResolved) {
		t.Fatalf("resolved event not emitted")
	}

	if _, err := engine.Withdraw(inv.ID, buyer); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("losing side must not withdraw, got %v", err)
	}
	if _, err := engine.Withdraw(inv.ID, vendor); err != nil {
		t.Fatalf("holder withdraw after ruling: %v", err)
	}
	record, _ = state.CustodyGet(inv.ID)
	if record.Released.Cmp(big.NewInt(14)) != 0 {
		t.Fatalf("released = %s, want 14", record.Released)
	}
	if record.Remaining().Sign() != 0 {
		t.Fatalf("custody must be fully drained, remaining %s", record.Remaining())
	}
}

func TestRejectDisputeBuyerWins(t *testing.T) {
	engine, state, _, _ := setupEngine(t)
	engine.SetArbitrationFee(big.NewInt(2))
	buyer := newTestAddress(0x01)
	vendor := newTestAddress(0x02)
	inv := mustMint(t, engine, buyer, vendor, 10, 30)
	bridge := NewBridge(engine)

	if _, err := engine.RaiseInvoice(inv.ID, vendor); err != nil {
		t.Fatalf("raise invoice: %v", err)
	}
	if _, err := engine.RejectInvoice(inv.ID, buyer, big.NewInt(2)); err != nil {
		t.Fatalf("reject: %v", err)
	}
	if _, err := engine.DisputeRejection(context.Background(), inv.ID, vendor, big.NewInt(2)); err != nil {
		t.Fatalf("dispute: %v", err)
	}
	stored, _ := state.InvoiceGet(inv.ID)
	if _, err := bridge.ReceiveRuling(stored.DisputeHandle, RulingBuyerWins); err != nil {
		t.Fatalf("receive ruling: %v", err)
	}
	if _, err := engine.Withdraw(inv.ID, vendor); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("vendor must not withdraw after buyer win, got %v", err)
	}
	if _, err := engine.Withdraw(inv.ID, buyer); err != nil {
		t.Fatalf("buyer withdraw after ruling: %v", err)
	}
	record, _ := state.CustodyGet(inv.ID)
	if record.Released.Cmp(big.NewInt(14)) != 0 {
		t.Fatalf("released = %s, want 14", record.Released)
	}
}

func TestAcceptRejectionRefundsBuyer(t *testing.T) {
	engine, state, _, _ := setupEngine(t)
	engine.SetArbitrationFee(big.NewInt(2))
	buyer := newTestAddress(0x01)
	vendor := newTestAddress(0x02)
	inv := mustMint(t, engine, buyer, vendor, 10, 30)

	if _, err := engine.RaiseInvoice(inv.ID, vendor); err != nil {
		t.Fatalf("raise invoice: %v", err)
	}
	if _, err := engine.RejectInvoice(inv.ID, buyer, big.NewInt(2)); err != nil {
		t.Fatalf("reject: %v", err)
	}
	status, err := engine.AcceptRejection(inv.ID, vendor)
	if err != nil || status != StatusWithdrawn {
		t.Fatalf("accept rejection: status=%s err=%v", status, err)
	}
	record, _ := state.CustodyGet(inv.ID)
	if record.Released.Cmp(big.NewInt(12)) != 0 {
		t.Fatalf("released = %s, want principal + buyer fee = 12", record.Released)
	}
}

func TestCancellationRoundTrip(t *testing.T) {
	engine, state, _, _ := setupEngine(t)
	buyer := newTestAddress(0x01)
	vendor := newTestAddress(0x02)
	inv := mustMint(t, engine, buyer, vendor, 10, 30)

	if status, err := engine.Cancel(inv.ID, vendor); err != nil || status != StatusCanceled {
		t.Fatalf("vendor cancel: status=%s err=%v", status, err)
	}
	if _, err := engine.WithdrawCancellation(inv.ID, vendor); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("only buyer may withdraw cancellation, got %v", err)
	}
	if status, err := engine.WithdrawCancellation(inv.ID, buyer); err != nil || status != StatusMinted {
		t.Fatalf("withdraw cancellation: status=%s err=%v", status, err)
	}
	if status, err := engine.Cancel(inv.ID, buyer); err != nil || status != StatusCanceled {
		t.Fatalf("buyer cancel: status=%s err=%v", status, err)
	}
	if _, err := engine.Withdraw(inv.ID, vendor); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("only buyer may reclaim a canceled order, got %v", err)
	}
	if status, err := engine.Withdraw(inv.ID, buyer); err != nil || status != StatusWithdrawn {
		t.Fatalf("buyer reclaim: status=%s err=%v", status, err)
	}
	record, _ := state.CustodyGet(inv.ID)
	if record.Released.Cmp(big.NewInt(10)) != 0 {
		t.Fatalf("released = %s, want 10", record.Released)
	}
	if _, err := engine.WithdrawCancellation(inv.ID, buyer); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("cancellation cannot be withdrawn after reclaim, got %v", err)
	}
}

func TestDisputeDeadline(t *testing.T) {
	engine, _, _, nowRef := setupEngine(t)
	engine.SetArbitrationFee(big.NewInt(2))
	engine.SetDisputeWindowDays(7)
	buyer := newTestAddress(0x01)
	vendor := newTestAddress(0x02)
	inv := mustMint(t, engine, buyer, vendor, 10, 30)

	if _, err := engine.RaiseInvoice(inv.ID, vendor); err != nil {
		t.Fatalf("raise invoice: %v", err)
	}
	if _, err := engine.RejectInvoice(inv.ID, buyer, big.NewInt(2)); err != nil {
		t.Fatalf("reject: %v", err)
	}
	*nowRef += 7*secondsPerDay + 1
	if _, err := engine.DisputeRejection(context.Background(), inv.ID, vendor, big.NewInt(2)); !errors.Is(err, ErrDeadlineExpired) {
		t.Fatalf("dispute after window must fail with deadline expired, got %v", err)
	}
	// The rejection may still be conceded after the window closes.
	if _, err := engine.AcceptRejection(inv.ID, vendor); err != nil {
		t.Fatalf("accept rejection after window: %v", err)
	}
}

func TestRejectFeeGuard(t *testing.T) {
	engine, state, _, _ := setupEngine(t)
	engine.SetArbitrationFee(big.NewInt(5))
	buyer := newTestAddress(0x01)
	vendor := newTestAddress(0x02)
	inv := mustMint(t, engine, buyer, vendor, 10, 30)

	if _, err := engine.RaiseInvoice(inv.ID, vendor); err != nil {
		t.Fatalf("raise invoice: %v", err)
	}
	if _, err := engine.RejectInvoice(inv.ID, buyer, big.NewInt(4)); !errors.Is(err, ErrInsufficientFee) {
		t.Fatalf("underpaid rejection must fail, got %v", err)
	}
	if _, err := engine.RejectInvoice(inv.ID, buyer, nil); !errors.Is(err, ErrInsufficientFee) {
		t.Fatalf("missing fee must fail, got %v", err)
	}
	stored, _ := state.InvoiceGet(inv.ID)
	if stored.Status != StatusInvoiced {
		t.Fatalf("failed rejection must leave status untouched, got %s", stored.Status)
	}
	record, _ := state.CustodyGet(inv.ID)
	if record.FeeBuyer.Sign() != 0 {
		t.Fatalf("failed rejection must leave custody untouched")
	}
}

func TestRoleGuards(t *testing.T) {
	engine, _, _, _ := setupEngine(t)
	buyer := newTestAddress(0x01)
	vendor := newTestAddress(0x02)
	stranger := newTestAddress(0x03)
	inv := mustMint(t, engine, buyer, vendor, 10, 30)

	if _, err := engine.RaiseInvoice(inv.ID, buyer); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("only vendor may invoice, got %v", err)
	}
	if _, err := engine.Cancel(inv.ID, stranger); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("stranger cancel must fail, got %v", err)
	}
	if _, err := engine.RaiseInvoice(inv.ID, vendor); err != nil {
		t.Fatalf("raise invoice: %v", err)
	}
	if _, err := engine.AcceptInvoice(inv.ID, vendor); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("only buyer may accept, got %v", err)
	}
	if _, err := engine.Cancel(inv.ID, buyer); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("cancel after invoicing must fail, got %v", err)
	}
	if _, err := engine.AcceptInvoice(inv.ID, buyer); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := engine.Withdraw(inv.ID, buyer); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("only holder may collect an accepted invoice, got %v", err)
	}
}

func TestTransferHolder(t *testing.T) {
	engine, state, _, _ := setupEngine(t)
	buyer := newTestAddress(0x01)
	vendor := newTestAddress(0x02)
	factor := newTestAddress(0x04)
	inv := mustMint(t, engine, buyer, vendor, 10, 30)

	if err := engine.TransferHolder(inv.ID, buyer, factor); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("non-holder transfer must fail, got %v", err)
	}
	if _, err := engine.RaiseInvoice(inv.ID, vendor); err != nil {
		t.Fatalf("raise invoice: %v", err)
	}
	before, _ := state.InvoiceGet(inv.ID)
	if err := engine.TransferHolder(inv.ID, vendor, factor); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	after, _ := state.InvoiceGet(inv.ID)
	if after.Status != before.Status || after.DueAt != before.DueAt || after.Principal.Cmp(before.Principal) != 0 {
		t.Fatalf("transfer must not alter status, deadlines or principal")
	}
	if after.Vendor != vendor {
		t.Fatalf("transfer must not touch the contractual vendor role")
	}

	if _, err := engine.AcceptInvoice(inv.ID, buyer); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := engine.Withdraw(inv.ID, vendor); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("previous holder must not collect, got %v", err)
	}
	if _, err := engine.Withdraw(inv.ID, factor); err != nil {
		t.Fatalf("new holder withdraw: %v", err)
	}
	if err := engine.TransferHolder(inv.ID, factor, vendor); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("transfer after withdrawal must fail, got %v", err)
	}

	ids, err := engine.ListBy(RoleHolder, factor)
	if err != nil || len(ids) != 1 || ids[0] != inv.ID {
		t.Fatalf("holder index: ids=%v err=%v", ids, err)
	}
	ids, err = engine.ListBy(RoleHolder, vendor)
	if err != nil || len(ids) != 0 {
		t.Fatalf("stale holder index entry: ids=%v err=%v", ids, err)
	}
	ids, err = engine.ListBy(RoleVendor, vendor)
	if err != nil || len(ids) != 1 {
		t.Fatalf("vendor role index must survive transfer: ids=%v err=%v", ids, err)
	}
}

func TestDuplicateRulingIsNoop(t *testing.T) {
	engine, state, _, _ := setupEngine(t)
	engine.SetArbitrationFee(big.NewInt(2))
	buyer := newTestAddress(0x01)
	vendor := newTestAddress(0x02)
	inv := mustMint(t, engine, buyer, vendor, 10, 30)
	bridge := NewBridge(engine)

	if _, err := engine.RaiseInvoice(inv.ID, vendor); err != nil {
		t.Fatalf("raise invoice: %v", err)
	}
	if _, err := engine.RejectInvoice(inv.ID, buyer, big.NewInt(2)); err != nil {
		t.Fatalf("reject: %v", err)
	}
	if _, err := engine.DisputeRejection(context.Background(), inv.ID, vendor, big.NewInt(2)); err != nil {
		t.Fatalf("dispute: %v", err)
	}
	stored, _ := state.InvoiceGet(inv.ID)
	handle := stored.DisputeHandle

	if _, err := bridge.ReceiveRuling(handle, RulingVendorWins); err != nil {
		t.Fatalf("first ruling: %v", err)
	}
	if _, err := bridge.ReceiveRuling(handle, RulingBuyerWins); err != nil {
		t.Fatalf("duplicate ruling must be a no-op, got %v", err)
	}
	stored, _ = state.InvoiceGet(inv.ID)
	if stored.Ruling != RulingVendorWins {
		t.Fatalf("duplicate ruling must not re-set the outcome, got %s", stored.Ruling)
	}

	if _, err := engine.Withdraw(inv.ID, vendor); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if _, err := bridge.ReceiveRuling(handle, RulingBuyerWins); err != nil {
		t.Fatalf("ruling after settlement must stay a no-op, got %v", err)
	}
	record, _ := state.CustodyGet(inv.ID)
	if record.Released.Cmp(big.NewInt(14)) != 0 {
		t.Fatalf("custody must be released exactly once, got %s", record.Released)
	}

	if _, err := bridge.ReceiveRuling("no-such-handle", RulingVendorWins); !errors.Is(err, ErrUnknownDispute) {
		t.Fatalf("unknown handle must be rejected, got %v", err)
	}
}

func TestDisputeRegistrationFailureAborts(t *testing.T) {
	engine, state, _, _ := setupEngine(t)
	engine.SetArbitrationFee(big.NewInt(2))
	engine.SetArbitrator(failingArbitrator{})
	buyer := newTestAddress(0x01)
	vendor := newTestAddress(0x02)
	inv := mustMint(t, engine, buyer, vendor, 10, 30)

	if _, err := engine.RaiseInvoice(inv.ID, vendor); err != nil {
		t.Fatalf("raise invoice: %v", err)
	}
	if _, err := engine.RejectInvoice(inv.ID, buyer, big.NewInt(2)); err != nil {
		t.Fatalf("reject: %v", err)
	}
	if _, err := engine.DisputeRejection(context.Background(), inv.ID, vendor, big.NewInt(2)); err == nil {
		t.Fatalf("failed registration must abort the dispute")
	}
	stored, _ := state.InvoiceGet(inv.ID)
	if stored.Status != StatusRejected || stored.DisputeHandle != "" {
		t.Fatalf("aborted dispute must leave state untouched, got %s", stored.Status)
	}
	record, _ := state.CustodyGet(inv.ID)
	if record.FeeVendor.Sign() != 0 {
		t.Fatalf("aborted dispute must not escrow the counter fee")
	}
}

func TestConcurrentAcceptReject(t *testing.T) {
	engine, state, _, _ := setupEngine(t)
	engine.SetArbitrationFee(big.NewInt(2))
	buyer := newTestAddress(0x01)
	vendor := newTestAddress(0x02)
	inv := mustMint(t, engine, buyer, vendor, 10, 30)
	if _, err := engine.RaiseInvoice(inv.ID, vendor); err != nil {
		t.Fatalf("raise invoice: %v", err)
	}

	var wg sync.WaitGroup
	results := make([]error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, results[0] = engine.AcceptInvoice(inv.ID, buyer)
	}()
	go func() {
		defer wg.Done()
		_, results[1] = engine.RejectInvoice(inv.ID, buyer, big.NewInt(2))
	}()
	wg.Wait()

	succeeded := 0
	for _, err := range results {
		if err == nil {
			succeeded++
		} else if !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("loser must fail with invalid transition, got %v", err)
		}
	}
	if succeeded != 1 {
		t.Fatalf("exactly one of accept/reject may win, got %d", succeeded)
	}
	stored, _ := state.InvoiceGet(inv.ID)
	if stored.Status != StatusAccepted && stored.Status != StatusRejected {
		t.Fatalf("unexpected final status %s", stored.Status)
	}
}

func TestCustodyFaultFreezesInvoice(t *testing.T) {
	engine, state, _, _ := setupEngine(t)
	buyer := newTestAddress(0x01)
	vendor := newTestAddress(0x02)
	inv := mustMint(t, engine, buyer, vendor, 10, 30)
	if _, err := engine.RaiseInvoice(inv.ID, vendor); err != nil {
		t.Fatalf("raise invoice: %v", err)
	}
	if _, err := engine.AcceptInvoice(inv.ID, buyer); err != nil {
		t.Fatalf("accept: %v", err)
	}

	// Corrupt the custody record so the terminal release cannot be covered.
	record, _ := state.CustodyGet(inv.ID)
	record.Released = big.NewInt(10)
	if err := state.CustodyPut(record); err != nil {
		t.Fatalf("corrupt custody: %v", err)
	}

	if _, err := engine.Withdraw(inv.ID, vendor); !errors.Is(err, ErrInsufficientCustody) {
		t.Fatalf("shortfall must surface as insufficient custody, got %v", err)
	}
	stored, _ := state.InvoiceGet(inv.ID)
	if !stored.Frozen {
		t.Fatalf("invoice must be frozen after a custody fault")
	}
	if _, err := engine.Withdraw(inv.ID, vendor); !errors.Is(err, ErrFrozen) {
		t.Fatalf("frozen invoice must reject further mutation, got %v", err)
	}
	if _, err := engine.Get(inv.ID); err != nil {
		t.Fatalf("frozen invoice must stay queryable: %v", err)
	}
}

func TestListByRoles(t *testing.T) {
	engine, _, _, _ := setupEngine(t)
	buyer := newTestAddress(0x01)
	vendor := newTestAddress(0x02)
	other := newTestAddress(0x05)

	first := mustMint(t, engine, buyer, vendor, 10, 30)
	second := mustMint(t, engine, buyer, other, 20, 15)

	ids, err := engine.ListBy(RoleBuyer, buyer)
	if err != nil {
		t.Fatalf("list by buyer: %v", err)
	}
	if len(ids) != 2 || ids[0] != first.ID || ids[1] != second.ID {
		t.Fatalf("buyer ids = %v", ids)
	}
	ids, err = engine.ListBy(RoleVendor, vendor)
	if err != nil || len(ids) != 1 || ids[0] != first.ID {
		t.Fatalf("vendor ids = %v err=%v", ids, err)
	}
	ids, err = engine.ListBy(RoleHolder, other)
	if err != nil || len(ids) != 1 || ids[0] != second.ID {
		t.Fatalf("holder ids = %v err=%v", ids, err)
	}
}
