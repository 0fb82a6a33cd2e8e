package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ArbitratorClient registers disputes with the external arbitration service
// over HTTP. It satisfies the lifecycle engine's arbitrator dependency.
type ArbitratorClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewArbitratorClient builds a client for the arbitration service at baseURL.
func NewArbitratorClient(baseURL string, timeout time.Duration) *ArbitratorClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ArbitratorClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

type disputeRegistration struct {
	Handle      string `json:"handle"`
	InvoiceID   uint64 `json:"invoiceId"`
	EvidenceRef string `json:"evidenceRef,omitempty"`
}

// RequestRuling registers the dispute synchronously. Any non-2xx response is
// an error so the caller can abort the escalation.
func (c *ArbitratorClient) RequestRuling(ctx context.Context, handle string, invoiceID uint64, evidenceRef string) error {
	if c.baseURL == "" {
		return fmt.Errorf("arbitrator: no service URL configured")
	}
	payload, err := json.Marshal(disputeRegistration{
		Handle:      handle,
		InvoiceID:   invoiceID,
		EvidenceRef: evidenceRef,
	})
	if err != nil {
		return fmt.Errorf("arbitrator: marshal registration: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/disputes", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("arbitrator: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("arbitrator: register dispute %s: %w", handle, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("arbitrator: register dispute %s: status %d: %s", handle, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	return nil
}
