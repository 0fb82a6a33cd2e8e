package invoice

import (
	"fmt"
	"math/big"
)

// Party identifies which side of the agreement deposited an arbitration fee.
type Party uint8

const (
	PartyBuyer Party = iota
	PartyVendor
)

// String returns the wire name for the party.
func (p Party) String() string {
	switch p {
	case PartyBuyer:
		return "buyer"
	case PartyVendor:
		return "vendor"
	default:
		return fmt.Sprintf("Party(%d)", uint8(p))
	}
}

// CustodyRecord tracks the funds held on behalf of a single invoice: the
// principal locked at mint time, the arbitration fees deposited by each side,
// and the cumulative amount already released. Remaining custody is always
// principal + both fees - released.
type CustodyRecord struct {
	InvoiceID uint64
	Principal *big.Int
	FeeBuyer  *big.Int
	FeeVendor *big.Int
	Released  *big.Int
}

// Clone returns a deep copy of the record.
func (c *CustodyRecord) Clone() *CustodyRecord {
	if c == nil {
		return nil
	}
	clone := &CustodyRecord{InvoiceID: c.InvoiceID}
	clone.Principal = cloneBigInt(c.Principal)
	clone.FeeBuyer = cloneBigInt(c.FeeBuyer)
	clone.FeeVendor = cloneBigInt(c.FeeVendor)
	clone.Released = cloneBigInt(c.Released)
	return clone
}

// Remaining returns the amount still locked for the invoice.
func (c *CustodyRecord) Remaining() *big.Int {
	if c == nil {
		return big.NewInt(0)
	}
	total := new(big.Int).Add(cloneBigInt(c.Principal), cloneBigInt(c.FeeBuyer))
	total.Add(total, cloneBigInt(c.FeeVendor))
	return total.Sub(total, cloneBigInt(c.Released))
}

// FeePaid returns the arbitration fee deposited by the given party.
func (c *CustodyRecord) FeePaid(party Party) *big.Int {
	if c == nil {
		return big.NewInt(0)
	}
	if party == PartyBuyer {
		return cloneBigInt(c.FeeBuyer)
	}
	return cloneBigInt(c.FeeVendor)
}

type custodyState interface {
	CustodyPut(*CustodyRecord) error
	CustodyGet(id uint64) (*CustodyRecord, bool)
}

// Ledger enforces the custody accounting for every invoice. It is the only
// component that mutates custody records; the lifecycle engine decides when
// funds move, the ledger decides whether the movement is permitted.
type Ledger struct {
	state custodyState
}

// NewLedger creates a custody ledger bound to the supplied state backend.
func NewLedger(state custodyState) *Ledger {
	return &Ledger{state: state}
}

func (l *Ledger) load(id uint64) (*CustodyRecord, error) {
	if l == nil || l.state == nil {
		return nil, errNilState
	}
	record, ok := l.state.CustodyGet(id)
	if !ok {
		return nil, fmt.Errorf("custody: no record for invoice %d: %w", id, ErrNotFound)
	}
	return record, nil
}

// Lock creates the custody record for a freshly minted invoice with the
// principal locked. Locking twice for the same invoice is a programming error.
func (l *Ledger) Lock(id uint64, amount *big.Int) error {
	if l == nil || l.state == nil {
		return errNilState
	}
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("custody: principal must be positive")
	}
	if _, ok := l.state.CustodyGet(id); ok {
		return fmt.Errorf("custody: record already exists for invoice %d", id)
	}
	record := &CustodyRecord{
		InvoiceID: id,
		Principal: new(big.Int).Set(amount),
		FeeBuyer:  big.NewInt(0),
		FeeVendor: big.NewInt(0),
		Released:  big.NewInt(0),
	}
	return l.state.CustodyPut(record)
}

// DepositFee escrows an arbitration fee on behalf of the given party.
func (l *Ledger) DepositFee(id uint64, party Party, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("custody: fee must be positive")
	}
	record, err := l.load(id)
	if err != nil {
		return err
	}
	record = record.Clone()
	switch party {
	case PartyBuyer:
		record.FeeBuyer = new(big.Int).Add(record.FeeBuyer, amount)
	case PartyVendor:
		record.FeeVendor = new(big.Int).Add(record.FeeVendor, amount)
	default:
		return fmt.Errorf("custody: unknown party %d", party)
	}
	return l.state.CustodyPut(record)
}

// Release debits the requested amount from custody. The call fails with
// ErrInsufficientCustody when the amount exceeds what remains locked; the
// lifecycle engine treats that as a fatal accounting fault. Release is not
// idempotent: each call must correspond to exactly one terminal transition.
func (l *Ledger) Release(id uint64, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("custody: release amount must be positive")
	}
	record, err := l.load(id)
	if err != nil {
		return err
	}
	if record.Remaining().Cmp(amount) < 0 {
		return ErrInsufficientCustody
	}
	record = record.Clone()
	record.Released = new(big.Int).Add(record.Released, amount)
	return l.state.CustodyPut(record)
}

// Record returns a snapshot of the custody record for the invoice.
func (l *Ledger) Record(id uint64) (*CustodyRecord, error) {
	record, err := l.load(id)
	if err != nil {
		return nil, err
	}
	return record.Clone(), nil
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
