package storage

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"invochain/native/invoice"
)

const (
	invoiceRecordPrefix  = "invoice/record/"
	invoiceCustodyPrefix = "invoice/custody/"
	invoiceIndexPrefix   = "invoice/index/"
	invoiceDisputePrefix = "invoice/dispute/"
	invoiceNextIDKey     = "invoice/meta/nextid"
)

// InvoiceStore persists invoices, custody records and the role and dispute
// indexes over a Database. It implements the state backend the lifecycle
// engine expects.
type InvoiceStore struct {
	db Database

	// Guards the next-id counter read-modify-write.
	idMu sync.Mutex
}

// NewInvoiceStore creates a store bound to the given database.
func NewInvoiceStore(db Database) *InvoiceStore {
	return &InvoiceStore{db: db}
}

type invoiceRecord struct {
	ID              uint64 `json:"id"`
	Buyer           string `json:"buyer"`
	Vendor          string `json:"vendor"`
	Holder          string `json:"holder"`
	Principal       string `json:"principal"`
	PaymentTermDays uint32 `json:"paymentTermDays"`
	DueAt           int64  `json:"dueAt,omitempty"`
	DisputeDeadline int64  `json:"disputeDeadline,omitempty"`
	Ruling          uint8  `json:"ruling,omitempty"`
	Status          uint8  `json:"status"`
	EvidenceRef     string `json:"evidenceRef,omitempty"`
	DisputeHandle   string `json:"disputeHandle,omitempty"`
	CreatedAt       int64  `json:"createdAt"`
	Frozen          bool   `json:"frozen,omitempty"`
}

type custodyRecord struct {
	InvoiceID uint64 `json:"invoiceId"`
	Principal string `json:"principal"`
	FeeBuyer  string `json:"feeBuyer"`
	FeeVendor string `json:"feeVendor"`
	Released  string `json:"released"`
}

func encodeAddress(addr [20]byte) string {
	return hex.EncodeToString(addr[:])
}

func decodeAddress(encoded string) ([20]byte, error) {
	var addr [20]byte
	raw, err := hex.DecodeString(encoded)
	if err != nil {
		return addr, fmt.Errorf("storage: decode address %q: %w", encoded, err)
	}
	if len(raw) != len(addr) {
		return addr, fmt.Errorf("storage: address %q has length %d", encoded, len(raw))
	}
	copy(addr[:], raw)
	return addr, nil
}

func encodeAmount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func decodeAmount(encoded string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(encoded, 10)
	if !ok {
		return nil, fmt.Errorf("storage: invalid amount %q", encoded)
	}
	return v, nil
}

func invoiceKey(id uint64) []byte {
	key := make([]byte, len(invoiceRecordPrefix)+8)
	copy(key, invoiceRecordPrefix)
	binary.BigEndian.PutUint64(key[len(invoiceRecordPrefix):], id)
	return key
}

func custodyKey(id uint64) []byte {
	key := make([]byte, len(invoiceCustodyPrefix)+8)
	copy(key, invoiceCustodyPrefix)
	binary.BigEndian.PutUint64(key[len(invoiceCustodyPrefix):], id)
	return key
}

func indexPrefix(role invoice.Role, addr [20]byte) []byte {
	return []byte(invoiceIndexPrefix + role.String() + "/" + encodeAddress(addr) + "/")
}

func indexKey(role invoice.Role, addr [20]byte, id uint64) []byte {
	prefix := indexPrefix(role, addr)
	key := make([]byte, len(prefix)+8)
	copy(key, prefix)
	binary.BigEndian.PutUint64(key[len(prefix):], id)
	return key
}

func disputeKey(handle string) []byte {
	return []byte(invoiceDisputePrefix + handle)
}

// InvoicePut validates and persists the invoice.
func (s *InvoiceStore) InvoicePut(inv *invoice.Invoice) error {
	sanitized, err := invoice.Sanitize(inv)
	if err != nil {
		return err
	}
	record := invoiceRecord{
		ID:              sanitized.ID,
		Buyer:           encodeAddress(sanitized.Buyer),
		Vendor:          encodeAddress(sanitized.Vendor),
		Holder:          encodeAddress(sanitized.Holder),
		Principal:       encodeAmount(sanitized.Principal),
		PaymentTermDays: sanitized.PaymentTermDays,
		DueAt:           sanitized.DueAt,
		DisputeDeadline: sanitized.DisputeDeadline,
		Ruling:          uint8(sanitized.Ruling),
		Status:          uint8(sanitized.Status),
		EvidenceRef:     sanitized.EvidenceRef,
		DisputeHandle:   sanitized.DisputeHandle,
		CreatedAt:       sanitized.CreatedAt,
		Frozen:          sanitized.Frozen,
	}
	encoded, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("storage: marshal invoice %d: %w", sanitized.ID, err)
	}
	return s.db.Put(invoiceKey(sanitized.ID), encoded)
}

// InvoiceGet loads the invoice by id.
func (s *InvoiceStore) InvoiceGet(id uint64) (*invoice.Invoice, bool) {
	encoded, err := s.db.Get(invoiceKey(id))
	if err != nil {
		return nil, false
	}
	var record invoiceRecord
	if err := json.Unmarshal(encoded, &record); err != nil {
		return nil, false
	}
	buyer, err := decodeAddress(record.Buyer)
	if err != nil {
		return nil, false
	}
	vendor, err := decodeAddress(record.Vendor)
	if err != nil {
		return nil, false
	}
	holder, err := decodeAddress(record.Holder)
	if err != nil {
		return nil, false
	}
	principal, err := decodeAmount(record.Principal)
	if err != nil {
		return nil, false
	}
	return &invoice.Invoice{
		ID:              record.ID,
		Buyer:           buyer,
		Vendor:          vendor,
		Holder:          holder,
		Principal:       principal,
		PaymentTermDays: record.PaymentTermDays,
		DueAt:           record.DueAt,
		DisputeDeadline: record.DisputeDeadline,
		Ruling:          invoice.Ruling(record.Ruling),
		Status:          invoice.Status(record.Status),
		EvidenceRef:     record.EvidenceRef,
		DisputeHandle:   record.DisputeHandle,
		CreatedAt:       record.CreatedAt,
		Frozen:          record.Frozen,
	}, true
}

// NextInvoiceID allocates the next monotonic invoice identifier, starting
// at 1. Identifiers are never reused even across restarts.
func (s *InvoiceStore) NextInvoiceID() (uint64, error) {
	s.idMu.Lock()
	defer s.idMu.Unlock()
	var next uint64 = 1
	encoded, err := s.db.Get([]byte(invoiceNextIDKey))
	switch {
	case err == nil:
		if len(encoded) != 8 {
			return 0, fmt.Errorf("storage: corrupt invoice id counter")
		}
		next = binary.BigEndian.Uint64(encoded) + 1
	case errors.Is(err, ErrKeyNotFound):
	default:
		return 0, err
	}
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, next)
	if err := s.db.Put([]byte(invoiceNextIDKey), buf); err != nil {
		return 0, err
	}
	return next, nil
}

// InvoiceIndexAdd records that addr fills the role on the invoice.
func (s *InvoiceStore) InvoiceIndexAdd(role invoice.Role, addr [20]byte, id uint64) error {
	return s.db.Put(indexKey(role, addr, id), []byte{})
}

// InvoiceIndexRemove drops the role index entry.
func (s *InvoiceStore) InvoiceIndexRemove(role invoice.Role, addr [20]byte, id uint64) error {
	return s.db.Delete(indexKey(role, addr, id))
}

// InvoiceIndexList returns the ids indexed for the role and address in
// ascending order.
func (s *InvoiceStore) InvoiceIndexList(role invoice.Role, addr [20]byte) ([]uint64, error) {
	prefix := indexPrefix(role, addr)
	ids := make([]uint64, 0)
	err := s.db.Iterate(prefix, func(key, _ []byte) error {
		if len(key) != len(prefix)+8 {
			return fmt.Errorf("storage: corrupt index key %q", key)
		}
		ids = append(ids, binary.BigEndian.Uint64(key[len(prefix):]))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// CustodyPut persists the custody record.
func (s *InvoiceStore) CustodyPut(record *invoice.CustodyRecord) error {
	if record == nil {
		return fmt.Errorf("storage: nil custody record")
	}
	encoded, err := json.Marshal(custodyRecord{
		InvoiceID: record.InvoiceID,
		Principal: encodeAmount(record.Principal),
		FeeBuyer:  encodeAmount(record.FeeBuyer),
		FeeVendor: encodeAmount(record.FeeVendor),
		Released:  encodeAmount(record.Released),
	})
	if err != nil {
		return fmt.Errorf("storage: marshal custody %d: %w", record.InvoiceID, err)
	}
	return s.db.Put(custodyKey(record.InvoiceID), encoded)
}

// CustodyGet loads the custody record for the invoice.
func (s *InvoiceStore) CustodyGet(id uint64) (*invoice.CustodyRecord, bool) {
	encoded, err := s.db.Get(custodyKey(id))
	if err != nil {
		return nil, false
	}
	var record custodyRecord
	if err := json.Unmarshal(encoded, &record); err != nil {
		return nil, false
	}
	principal, err := decodeAmount(record.Principal)
	if err != nil {
		return nil, false
	}
	feeBuyer, err := decodeAmount(record.FeeBuyer)
	if err != nil {
		return nil, false
	}
	feeVendor, err := decodeAmount(record.FeeVendor)
	if err != nil {
		return nil, false
	}
	released, err := decodeAmount(record.Released)
	if err != nil {
		return nil, false
	}
	return &invoice.CustodyRecord{
		InvoiceID: record.InvoiceID,
		Principal: principal,
		FeeBuyer:  feeBuyer,
		FeeVendor: feeVendor,
		Released:  released,
	}, true
}

// DisputeIndexPut maps an arbitration handle to its invoice.
func (s *InvoiceStore) DisputeIndexPut(handle string, id uint64) error {
	if handle == "" {
		return fmt.Errorf("storage: empty dispute handle")
	}
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, id)
	return s.db.Put(disputeKey(handle), buf)
}

// DisputeIndexGet resolves an arbitration handle to its invoice id.
func (s *InvoiceStore) DisputeIndexGet(handle string) (uint64, bool) {
	encoded, err := s.db.Get(disputeKey(handle))
	if err != nil || len(encoded) != 8 {
		return 0, false
	}
	return binary.BigEndian.Uint64(encoded), true
}
