package invoice

import "errors"

var (
	// ErrNotFound indicates the invoice identifier is not registered.
	ErrNotFound = errors.New("invoice: not found")
	// ErrInvalidTransition indicates the requested action is not legal from
	// the invoice's current status.
	ErrInvalidTransition = errors.New("invoice: action not valid in current status")
	// ErrUnauthorized indicates the caller lacks the role or holder status
	// the transition requires.
	ErrUnauthorized = errors.New("invoice: caller not authorized")
	// ErrDeadlineExpired indicates the action was attempted after its window
	// closed.
	ErrDeadlineExpired = errors.New("invoice: deadline expired")
	// ErrInsufficientFee indicates an arbitration payment below the required
	// cost.
	ErrInsufficientFee = errors.New("invoice: arbitration fee below required cost")
	// ErrInsufficientCustody indicates a release request exceeding what
	// remains locked. It is never expected in correct operation; the engine
	// freezes the affected invoice when it surfaces.
	ErrInsufficientCustody = errors.New("invoice: custody release exceeds locked funds")
	// ErrUnknownDispute indicates a ruling referencing a handle that does not
	// match an open dispute.
	ErrUnknownDispute = errors.New("invoice: unknown dispute handle")
	// ErrFrozen indicates the invoice was halted after a custody fault and no
	// further mutation is accepted.
	ErrFrozen = errors.New("invoice: frozen after custody fault")

	errNilState      = errors.New("invoice engine: state not configured")
	errNilArbitrator = errors.New("invoice engine: arbitrator not configured")
)
