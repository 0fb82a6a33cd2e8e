package gateway

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"invochain/native/invoice"
	"invochain/observability/metrics"
	"invochain/storage"
)

// HeaderIdempotencyKey lets clients retry mutating requests safely.
const HeaderIdempotencyKey = "Idempotency-Key"

// Server exposes the invoice lifecycle over HTTP.
type Server struct {
	engine   *invoice.Engine
	meta     *storage.MetaStore
	auth     *Authenticator
	verifier *CallbackVerifier
	limiter  *RateLimiter
	obs      *Observability
	idem     *SQLiteStore
	bridge   *invoice.Bridge
	logger   *slog.Logger
}

// ServerConfig carries the collaborators a Server needs.
type ServerConfig struct {
	Engine        *invoice.Engine
	Meta          *storage.MetaStore
	Authenticator *Authenticator
	Verifier      *CallbackVerifier
	RateLimiter   *RateLimiter
	Observability *Observability
	Idempotency   *SQLiteStore
	Logger        *slog.Logger
}

// NewServer wires the HTTP surface over the lifecycle engine.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Engine == nil {
		return nil, fmt.Errorf("gateway: engine is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		engine:   cfg.Engine,
		meta:     cfg.Meta,
		auth:     cfg.Authenticator,
		verifier: cfg.Verifier,
		limiter:  cfg.RateLimiter,
		obs:      cfg.Observability,
		idem:     cfg.Idempotency,
		bridge:   invoice.NewBridge(cfg.Engine),
		logger:   logger,
	}, nil
}

// Handler builds the chi router for the server.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	if s.obs != nil {
		r.Use(s.obs.Middleware("invoices"))
	}
	if s.limiter != nil {
		r.Use(s.limiter.Middleware)
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if s.obs != nil {
		r.Handle("/metrics", s.obs.MetricsHandler())
	}

	r.Post("/invoices", s.handleMint)
	r.Get("/invoices", s.handleList)
	r.Get("/invoices/{id}", s.handleGet)
	r.Post("/invoices/{id}/actions", s.handleAction)
	r.Post("/invoices/{id}/transfer", s.handleTransfer)
	r.Post("/arbitration/rulings", s.handleRuling)

	return r
}

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	var body errorBody
	body.Error.Code = code
	body.Error.Message = message
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, invoice.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, invoice.ErrUnauthorized):
		writeError(w, http.StatusForbidden, "unauthorized", err.Error())
	case errors.Is(err, invoice.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "invalid_transition", err.Error())
	case errors.Is(err, invoice.ErrDeadlineExpired):
		writeError(w, http.StatusConflict, "deadline_expired", err.Error())
	case errors.Is(err, invoice.ErrInsufficientFee):
		writeError(w, http.StatusBadRequest, "insufficient_fee", err.Error())
	case errors.Is(err, invoice.ErrUnknownDispute):
		writeError(w, http.StatusNotFound, "unknown_dispute", err.Error())
	case errors.Is(err, invoice.ErrFrozen):
		writeError(w, http.StatusLocked, "frozen", err.Error())
	default:
		s.logger.Error("request failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) []byte {
	encoded, err := json.Marshal(payload)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
		return nil
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(encoded)
	return encoded
}

type invoiceResponse struct {
	ID              uint64 `json:"id"`
	Buyer           string `json:"buyer"`
	Vendor          string `json:"vendor"`
	Holder          string `json:"holder"`
	Principal       string `json:"principal"`
	PaymentTermDays uint32 `json:"paymentTermDays"`
	DueAt           int64  `json:"dueAt,omitempty"`
	DisputeDeadline int64  `json:"disputeDeadline,omitempty"`
	Status          string `json:"status"`
	Ruling          string `json:"ruling,omitempty"`
	EvidenceRef     string `json:"evidenceRef,omitempty"`
	DisputeHandle   string `json:"disputeHandle,omitempty"`
	CreatedAt       int64  `json:"createdAt"`
	Frozen          bool   `json:"frozen,omitempty"`
}

func renderInvoice(inv *invoice.Invoice) invoiceResponse {
	resp := invoiceResponse{
		ID:              inv.ID,
		Buyer:           hex.EncodeToString(inv.Buyer[:]),
		Vendor:          hex.EncodeToString(inv.Vendor[:]),
		Holder:          hex.EncodeToString(inv.Holder[:]),
		Principal:       inv.Principal.String(),
		PaymentTermDays: inv.PaymentTermDays,
		DueAt:           inv.DueAt,
		DisputeDeadline: inv.DisputeDeadline,
		Status:          inv.Status.String(),
		EvidenceRef:     inv.EvidenceRef,
		DisputeHandle:   inv.DisputeHandle,
		CreatedAt:       inv.CreatedAt,
		Frozen:          inv.Frozen,
	}
	if inv.Ruling != invoice.RulingNone {
		resp.Ruling = inv.Ruling.String()
	}
	return resp
}

func parseAddressParam(value string) ([20]byte, error) {
	var addr [20]byte
	raw, err := hex.DecodeString(strings.TrimSpace(strings.TrimPrefix(value, "0x")))
	if err != nil || len(raw) != len(addr) {
		return addr, fmt.Errorf("invalid address %q", value)
	}
	copy(addr[:], raw)
	return addr, nil
}

func parseAmountParam(value string) (*big.Int, error) {
	amount, ok := new(big.Int).SetString(strings.TrimSpace(value), 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", value)
	}
	return amount, nil
}

// readBody consumes and bounds the request body.
func readBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(io.LimitReader(r.Body, int64(MaxBodyBytes)+1))
}

// authenticate enforces HMAC auth when an authenticator is configured. It
// returns the caller principal, or nil when auth is disabled.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request, body []byte) (*Principal, bool) {
	if s.auth == nil {
		return nil, true
	}
	principal, err := s.auth.Authenticate(r, body)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthenticated", err.Error())
		return nil, false
	}
	return principal, true
}

// replayIdempotent serves a stored response for a repeated idempotency key.
// The bool reports whether the request was already handled.
func (s *Server) replayIdempotent(w http.ResponseWriter, r *http.Request, principal *Principal, body []byte) (string, bool) {
	if s.idem == nil {
		return "", false
	}
	idemKey := strings.TrimSpace(r.Header.Get(HeaderIdempotencyKey))
	if idemKey == "" {
		return "", false
	}
	apiKey := ""
	if principal != nil {
		apiKey = principal.APIKey
	}
	stored, err := s.idem.Lookup(r.Context(), apiKey, idemKey, body)
	if err != nil {
		if errors.Is(err, ErrIdempotencyMismatch) {
			writeError(w, http.StatusConflict, "idempotency_mismatch", err.Error())
			return "", true
		}
		s.logger.Error("idempotency lookup failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
		return "", true
	}
	if stored != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(stored.Status)
		_, _ = w.Write(stored.Body)
		return "", true
	}
	return idemKey, false
}

func (s *Server) storeIdempotent(r *http.Request, principal *Principal, idemKey string, body []byte, status int, response []byte) {
	if s.idem == nil || idemKey == "" || response == nil {
		return
	}
	apiKey := ""
	if principal != nil {
		apiKey = principal.APIKey
	}
	if err := s.idem.Store(r.Context(), apiKey, idemKey, body, status, response); err != nil {
		s.logger.Error("idempotency store failed", "err", err)
	}
	if err := s.idem.Audit(r.Context(), apiKey, r.Method, r.URL.Path, status); err != nil {
		s.logger.Error("audit log failed", "err", err)
	}
}

type mintRequest struct {
	Buyer           string          `json:"buyer"`
	Vendor          string          `json:"vendor"`
	Principal       string          `json:"principal"`
	PaymentTermDays uint32          `json:"paymentTermDays"`
	Metadata        json.RawMessage `json:"metadata,omitempty"`
}

func (s *Server) handleMint(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "unable to read body")
		return
	}
	principal, ok := s.authenticate(w, r, body)
	if !ok {
		return
	}
	idemKey, handled := s.replayIdempotent(w, r, principal, body)
	if handled {
		return
	}

	var req mintRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	buyer, err := parseAddressParam(req.Buyer)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	vendor, err := parseAddressParam(req.Vendor)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	amount, err := parseAmountParam(req.Principal)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	evidenceRef := ""
	if len(req.Metadata) > 0 && s.meta != nil {
		evidenceRef, err = s.meta.Put(req.Metadata)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", err.Error())
			return
		}
	}

	inv, err := s.engine.Mint(buyer, vendor, amount, req.PaymentTermDays, evidenceRef)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	metrics.Invoice().ObserveMinted()
	response := writeJSON(w, http.StatusCreated, renderInvoice(inv))
	s.storeIdempotent(r, principal, idemKey, body, http.StatusCreated, response)
}

type actionRequest struct {
	Caller string `json:"caller"`
	Action string `json:"action"`
	Fee    string `json:"fee,omitempty"`
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid invoice id")
		return
	}
	body, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "unable to read body")
		return
	}
	principal, ok := s.authenticate(w, r, body)
	if !ok {
		return
	}
	idemKey, handled := s.replayIdempotent(w, r, principal, body)
	if handled {
		return
	}

	var req actionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	caller, err := parseAddressParam(req.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	action, err := invoice.ParseAction(strings.TrimSpace(req.Action))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	var fee *big.Int
	if strings.TrimSpace(req.Fee) != "" {
		fee, err = parseAmountParam(req.Fee)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", err.Error())
			return
		}
	}

	if _, err := s.engine.Apply(r.Context(), id, caller, action, fee); err != nil {
		s.writeEngineError(w, err)
		return
	}
	metrics.Invoice().ObserveTransition(action.String())
	inv, err := s.engine.Get(id)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	response := writeJSON(w, http.StatusOK, renderInvoice(inv))
	s.storeIdempotent(r, principal, idemKey, body, http.StatusOK, response)
}

type transferRequest struct {
	Caller    string `json:"caller"`
	NewHolder string `json:"newHolder"`
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid invoice id")
		return
	}
	body, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "unable to read body")
		return
	}
	principal, ok := s.authenticate(w, r, body)
	if !ok {
		return
	}
	idemKey, handled := s.replayIdempotent(w, r, principal, body)
	if handled {
		return
	}

	var req transferRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	caller, err := parseAddressParam(req.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	newHolder, err := parseAddressParam(req.NewHolder)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	if err := s.engine.TransferHolder(id, caller, newHolder); err != nil {
		s.writeEngineError(w, err)
		return
	}
	inv, err := s.engine.Get(id)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	response := writeJSON(w, http.StatusOK, renderInvoice(inv))
	s.storeIdempotent(r, principal, idemKey, body, http.StatusOK, response)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid invoice id")
		return
	}
	inv, err := s.engine.Get(id)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, renderInvoice(inv))
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	role, err := invoice.ParseRole(strings.TrimSpace(r.URL.Query().Get("role")))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	addr, err := parseAddressParam(r.URL.Query().Get("address"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	ids, err := s.engine.ListBy(role, addr)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	invoices := make([]invoiceResponse, 0, len(ids))
	for _, id := range ids {
		inv, err := s.engine.Get(id)
		if err != nil {
			if errors.Is(err, invoice.ErrNotFound) {
				continue
			}
			s.writeEngineError(w, err)
			return
		}
		invoices = append(invoices, renderInvoice(inv))
	}
	writeJSON(w, http.StatusOK, map[string]any{"invoices": invoices})
}

type rulingRequest struct {
	Handle string `json:"handle"`
	Ruling string `json:"ruling"`
}

func (s *Server) handleRuling(w http.ResponseWriter, r *http.Request) {
	if s.verifier != nil {
		if _, err := s.verifier.Verify(r); err != nil {
			writeError(w, http.StatusUnauthorized, "unauthenticated", err.Error())
			return
		}
	}
	body, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "unable to read body")
		return
	}
	var req rulingRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	var ruling invoice.Ruling
	switch strings.TrimSpace(req.Ruling) {
	case invoice.RulingVendorWins.String():
		ruling = invoice.RulingVendorWins
	case invoice.RulingBuyerWins.String():
		ruling = invoice.RulingBuyerWins
	default:
		writeError(w, http.StatusBadRequest, "bad_request", fmt.Sprintf("unknown ruling %q", req.Ruling))
		return
	}

	inv, err := s.bridge.ReceiveRuling(strings.TrimSpace(req.Handle), ruling)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	metrics.Invoice().ObserveRuling(ruling.String())
	writeJSON(w, http.StatusOK, renderInvoice(inv))
}
