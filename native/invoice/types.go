package invoice

import (
	"fmt"
	"math/big"
)

// Status represents the lifecycle states of a purchase order as it evolves
// into an invoice and settles.
type Status uint8

const (
	StatusMinted Status = iota
	StatusInvoiced
	StatusAccepted
	StatusRejected
	StatusDisputed
	StatusResolved
	StatusCanceled
	StatusWithdrawn
)

var statusNames = map[Status]string{
	StatusMinted:    "Minted",
	StatusInvoiced:  "Invoiced",
	StatusAccepted:  "Accepted",
	StatusRejected:  "Rejected",
	StatusDisputed:  "Disputed",
	StatusResolved:  "Resolved",
	StatusCanceled:  "Canceled",
	StatusWithdrawn: "Withdrawn",
}

// String returns the canonical display name for the status.
func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Status(%d)", uint8(s))
}

// Valid reports whether the status value is within the supported range.
func (s Status) Valid() bool {
	_, ok := statusNames[s]
	return ok
}

// Ruling is the terminal determination returned by the external arbitrator.
type Ruling uint8

const (
	RulingNone Ruling = iota
	RulingVendorWins
	RulingBuyerWins
)

// String returns the canonical display name for the ruling.
func (r Ruling) String() string {
	switch r {
	case RulingVendorWins:
		return "VendorWins"
	case RulingBuyerWins:
		return "BuyerWins"
	case RulingNone:
		return "None"
	default:
		return fmt.Sprintf("Ruling(%d)", uint8(r))
	}
}

// Valid reports whether the ruling value is supported.
func (r Ruling) Valid() bool {
	switch r {
	case RulingNone, RulingVendorWins, RulingBuyerWins:
		return true
	default:
		return false
	}
}

// Action enumerates the transitions an actor may request on an invoice. The
// set is closed: the engine dispatches over it exhaustively and anything else
// is rejected before a guard is even consulted.
type Action uint8

const (
	ActionCancel Action = iota
	ActionWithdrawCancellation
	ActionInvoice
	ActionAccept
	ActionReject
	ActionAcceptRejection
	ActionDispute
	ActionWithdraw
)

var actionNames = map[Action]string{
	ActionCancel:               "cancel",
	ActionWithdrawCancellation: "withdraw_cancellation",
	ActionInvoice:              "invoice",
	ActionAccept:               "accept",
	ActionReject:               "reject",
	ActionAcceptRejection:      "accept_rejection",
	ActionDispute:              "dispute",
	ActionWithdraw:             "withdraw",
}

// String returns the wire name for the action.
func (a Action) String() string {
	if name, ok := actionNames[a]; ok {
		return name
	}
	return fmt.Sprintf("Action(%d)", uint8(a))
}

// ParseAction resolves a wire name back to its action variant.
func ParseAction(name string) (Action, error) {
	for action, candidate := range actionNames {
		if candidate == name {
			return action, nil
		}
	}
	return 0, fmt.Errorf("invoice: unknown action %q", name)
}

// Role distinguishes the identity facets an invoice can be looked up by.
type Role uint8

const (
	RoleBuyer Role = iota
	RoleVendor
	RoleHolder
)

// String returns the wire name for the role.
func (r Role) String() string {
	switch r {
	case RoleBuyer:
		return "buyer"
	case RoleVendor:
		return "vendor"
	case RoleHolder:
		return "holder"
	default:
		return fmt.Sprintf("Role(%d)", uint8(r))
	}
}

// ParseRole resolves a wire name back to its role variant.
func ParseRole(name string) (Role, error) {
	switch name {
	case "buyer":
		return RoleBuyer, nil
	case "vendor":
		return RoleVendor, nil
	case "holder":
		return RoleHolder, nil
	default:
		return 0, fmt.Errorf("invoice: unknown role %q", name)
	}
}

// Invoice captures the contractual terms fixed at mint time and the runtime
// lifecycle state of a single buyer/vendor agreement. Buyer and Vendor never
// change after creation; Holder starts equal to Vendor and may be transferred
// independently of the contractual roles.
type Invoice struct {
	ID              uint64
	Buyer           [20]byte
	Vendor          [20]byte
	Holder          [20]byte
	Principal       *big.Int
	PaymentTermDays uint32
	DueAt           int64
	DisputeDeadline int64
	Ruling          Ruling
	Status          Status
	EvidenceRef     string
	DisputeHandle   string
	CreatedAt       int64
	Frozen          bool
}

// Clone returns a deep copy so callers can mutate the result without
// affecting the stored instance.
func (inv *Invoice) Clone() *Invoice {
	if inv == nil {
		return nil
	}
	clone := *inv
	if inv.Principal != nil {
		clone.Principal = new(big.Int).Set(inv.Principal)
	} else {
		clone.Principal = big.NewInt(0)
	}
	return &clone
}

// Sanitize validates the supplied invoice and returns a cloned instance with
// a non-nil principal. The original value is not mutated.
func Sanitize(inv *Invoice) (*Invoice, error) {
	if inv == nil {
		return nil, fmt.Errorf("invoice: nil invoice")
	}
	clone := inv.Clone()
	if clone.Principal.Sign() < 0 {
		return nil, fmt.Errorf("invoice: principal must be non-negative")
	}
	if !clone.Status.Valid() {
		return nil, fmt.Errorf("invoice: invalid status %d", clone.Status)
	}
	if !clone.Ruling.Valid() {
		return nil, fmt.Errorf("invoice: invalid ruling %d", clone.Ruling)
	}
	if (clone.Ruling != RulingNone) != (clone.Status == StatusResolved || (clone.Status == StatusWithdrawn && clone.DisputeHandle != "")) {
		return nil, fmt.Errorf("invoice: ruling set outside resolved lifecycle")
	}
	return clone, nil
}
