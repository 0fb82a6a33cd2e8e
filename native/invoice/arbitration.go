package invoice

import (
	"errors"
	"log/slog"
)

// Bridge is the inbound half of the arbitration boundary. The engine
// registers disputes with the external arbitrator under an opaque handle;
// rulings arrive later, in whatever order and at whatever time the
// arbitrator chooses, and re-enter the lifecycle through ReceiveRuling.
type Bridge struct {
	engine *Engine
	logger *slog.Logger
}

// NewBridge creates a bridge feeding rulings into the supplied engine.
func NewBridge(engine *Engine) *Bridge {
	return &Bridge{engine: engine, logger: slog.Default()}
}

// SetLogger configures the structured logger used for duplicate rulings.
func (b *Bridge) SetLogger(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	b.logger = logger
}

// ReceiveRuling consumes an asynchronous ruling notification. An unknown
// handle is rejected with ErrUnknownDispute. A second ruling for a handle
// that already settled is logged and ignored: it must not re-set the ruling
// or double-credit custody.
func (b *Bridge) ReceiveRuling(handle string, ruling Ruling) (*Invoice, error) {
	if b == nil || b.engine == nil {
		return nil, errNilState
	}
	inv, err := b.engine.resolveDispute(handle, ruling)
	if err != nil {
		if errors.Is(err, errRulingAlreadyReceived) {
			b.logger.Warn("duplicate ruling ignored", "handle", handle, "ruling", ruling.String())
			return inv, nil
		}
		return nil, err
	}
	return inv, nil
}
