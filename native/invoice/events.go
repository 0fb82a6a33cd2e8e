package invoice

import (
	"encoding/hex"
	"math/big"
	"strconv"

	"invochain/core/events"
)

const (
	EventTypeMinted                = "invoice.minted"
	EventTypeCanceled              = "invoice.canceled"
	EventTypeCancellationWithdrawn = "invoice.cancellation_withdrawn"
	EventTypeInvoiced              = "invoice.invoiced"
	EventTypeAccepted              = "invoice.accepted"
	EventTypeRejected              = "invoice.rejected"
	EventTypeDisputed              = "invoice.disputed"
	EventTypeResolved              = "invoice.resolved"
	EventTypeWithdrawn             = "invoice.withdrawn"
	EventTypeTransferred           = "invoice.transferred"
)

// NewMintedEvent returns the canonical payload for a freshly minted purchase
// order.
func NewMintedEvent(inv *Invoice) events.Event {
	evt := newInvoiceEvent(EventTypeMinted, inv)
	evt.Attributes["paymentTermDays"] = strconv.FormatUint(uint64(inv.PaymentTermDays), 10)
	return evt
}

// NewCanceledEvent returns the payload emitted when a purchase order is
// voided by either party.
func NewCanceledEvent(inv *Invoice, caller [20]byte) events.Event {
	evt := newInvoiceEvent(EventTypeCanceled, inv)
	evt.Attributes["canceledBy"] = hex.EncodeToString(caller[:])
	return evt
}

// NewCancellationWithdrawnEvent returns the payload emitted when the buyer
// reverses a cancellation.
func NewCancellationWithdrawnEvent(inv *Invoice) events.Event {
	return newInvoiceEvent(EventTypeCancellationWithdrawn, inv)
}

// NewInvoicedEvent returns the payload emitted when the vendor raises the
// purchase order to an invoice.
func NewInvoicedEvent(inv *Invoice) events.Event {
	evt := newInvoiceEvent(EventTypeInvoiced, inv)
	evt.Attributes["dueAt"] = strconv.FormatInt(inv.DueAt, 10)
	return evt
}

// NewAcceptedEvent returns the payload emitted when the buyer approves the
// invoice.
func NewAcceptedEvent(inv *Invoice) events.Event {
	return newInvoiceEvent(EventTypeAccepted, inv)
}

// NewRejectedEvent returns the payload emitted when the buyer contests the
// invoice and escrows the arbitration fee.
func NewRejectedEvent(inv *Invoice, fee *big.Int) events.Event {
	evt := newInvoiceEvent(EventTypeRejected, inv)
	evt.Attributes["fee"] = cloneBigInt(fee).String()
	evt.Attributes["disputeDeadline"] = strconv.FormatInt(inv.DisputeDeadline, 10)
	return evt
}

// NewDisputedEvent returns the payload emitted when a rejection is escalated
// to the external arbitrator.
func NewDisputedEvent(inv *Invoice, fee *big.Int) events.Event {
	evt := newInvoiceEvent(EventTypeDisputed, inv)
	evt.Attributes["fee"] = cloneBigInt(fee).String()
	evt.Attributes["handle"] = inv.DisputeHandle
	return evt
}

// NewResolvedEvent returns the payload emitted when an arbitrator ruling is
// consumed.
func NewResolvedEvent(inv *Invoice) events.Event {
	evt := newInvoiceEvent(EventTypeResolved, inv)
	evt.Attributes["ruling"] = inv.Ruling.String()
	evt.Attributes["handle"] = inv.DisputeHandle
	return evt
}

// NewWithdrawnEvent returns the payload emitted when custody releases funds
// to the authorised payee.
func NewWithdrawnEvent(inv *Invoice, payee [20]byte, amount *big.Int) events.Event {
	evt := newInvoiceEvent(EventTypeWithdrawn, inv)
	evt.Attributes["payee"] = hex.EncodeToString(payee[:])
	evt.Attributes["amount"] = cloneBigInt(amount).String()
	return evt
}

// NewTransferredEvent returns the payload emitted when the settlement right
// changes hands.
func NewTransferredEvent(inv *Invoice, previous [20]byte) events.Event {
	evt := newInvoiceEvent(EventTypeTransferred, inv)
	evt.Attributes["from"] = hex.EncodeToString(previous[:])
	evt.Attributes["to"] = hex.EncodeToString(inv.Holder[:])
	return evt
}

func newInvoiceEvent(eventType string, inv *Invoice) events.Event {
	attrs := make(map[string]string)
	if inv == nil {
		return events.Event{Type: eventType, Attributes: attrs}
	}
	attrs["id"] = strconv.FormatUint(inv.ID, 10)
	attrs["buyer"] = hex.EncodeToString(inv.Buyer[:])
	attrs["vendor"] = hex.EncodeToString(inv.Vendor[:])
	attrs["holder"] = hex.EncodeToString(inv.Holder[:])
	attrs["principal"] = cloneBigInt(inv.Principal).String()
	attrs["status"] = inv.Status.String()
	return events.Event{Type: eventType, Attributes: attrs}
}
