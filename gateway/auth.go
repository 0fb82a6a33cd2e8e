package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// HeaderAPIKey is the header containing the caller's API key identifier.
	HeaderAPIKey = "X-Api-Key"
	// HeaderTimestamp is the unix timestamp (seconds) used when signing the request.
	HeaderTimestamp = "X-Timestamp"
	// HeaderNonce provides replay protection when combined with the timestamp.
	HeaderNonce = "X-Nonce"
	// HeaderSignature carries the hex-encoded HMAC-SHA256 signature for the request.
	HeaderSignature = "X-Signature"
	// MaxBodyBytes is the maximum body size accepted for signed requests.
	MaxBodyBytes int = 1 << 20 // 1 MiB

	defaultTimestampSkew = 2 * time.Minute
	defaultNonceWindow   = 10 * time.Minute
)

// Principal represents an authenticated API client.
type Principal struct {
	APIKey string
}

// Authenticator verifies API key + HMAC signatures on incoming requests.
type Authenticator struct {
	secrets     map[string]string
	allowedSkew time.Duration
	nonceWindow time.Duration
	nowFn       func() time.Time

	nonceMu sync.Mutex
	nonces  map[string]time.Time
}

// NewAuthenticator builds an Authenticator keyed by the provided secrets. The
// map contains API key identifiers mapped to their shared secret.
func NewAuthenticator(secrets map[string]string) *Authenticator {
	cloned := make(map[string]string, len(secrets))
	for key, secret := range secrets {
		cloned[strings.TrimSpace(key)] = strings.TrimSpace(secret)
	}
	return &Authenticator{
		secrets:     cloned,
		allowedSkew: defaultTimestampSkew,
		nonceWindow: defaultNonceWindow,
		nowFn:       time.Now,
		nonces:      make(map[string]time.Time),
	}
}

// SetNowFunc overrides the time source for skew checks. Intended for tests.
func (a *Authenticator) SetNowFunc(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	a.nowFn = now
}

// ComputeSignature derives the HMAC-SHA256 signature clients must send for a
// request. The signed payload binds timestamp, nonce, method, path and the
// body hash together.
func ComputeSignature(secret, timestamp, nonce, method, path string, body []byte) []byte {
	bodySum := sha256.Sum256(body)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte{'\n'})
	mac.Write([]byte(nonce))
	mac.Write([]byte{'\n'})
	mac.Write([]byte(strings.ToUpper(method)))
	mac.Write([]byte{'\n'})
	mac.Write([]byte(path))
	mac.Write([]byte{'\n'})
	mac.Write([]byte(hex.EncodeToString(bodySum[:])))
	return mac.Sum(nil)
}

// Authenticate validates headers and signature, returning the caller principal.
func (a *Authenticator) Authenticate(r *http.Request, body []byte) (*Principal, error) {
	if len(body) > MaxBodyBytes {
		return nil, fmt.Errorf("request body exceeds %d bytes", MaxBodyBytes)
	}
	apiKey := strings.TrimSpace(r.Header.Get(HeaderAPIKey))
	if apiKey == "" {
		return nil, errors.New("missing X-Api-Key header")
	}
	secret, ok := a.secrets[apiKey]
	if !ok || secret == "" {
		return nil, errors.New("unknown API key")
	}
	timestampHeader := strings.TrimSpace(r.Header.Get(HeaderTimestamp))
	if timestampHeader == "" {
		return nil, errors.New("missing X-Timestamp header")
	}
	seconds, err := strconv.ParseInt(timestampHeader, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid timestamp: %w", err)
	}
	now := a.nowFn().UTC()
	skew := now.Sub(time.Unix(seconds, 0).UTC())
	if skew < 0 {
		skew = -skew
	}
	if skew > a.allowedSkew {
		return nil, fmt.Errorf("timestamp outside allowed skew of %s", a.allowedSkew)
	}
	nonce := strings.TrimSpace(r.Header.Get(HeaderNonce))
	if nonce == "" {
		return nil, errors.New("missing X-Nonce header")
	}
	providedSig := strings.TrimSpace(r.Header.Get(HeaderSignature))
	if providedSig == "" {
		return nil, errors.New("missing X-Signature header")
	}
	providedBytes, err := hex.DecodeString(providedSig)
	if err != nil {
		return nil, fmt.Errorf("invalid signature encoding: %w", err)
	}
	expected := ComputeSignature(secret, timestampHeader, nonce, r.Method, r.URL.Path, body)
	if !hmac.Equal(providedBytes, expected) {
		return nil, errors.New("invalid signature")
	}
	if a.replayedNonce(apiKey, timestampHeader, nonce, now) {
		return nil, errors.New("nonce already used")
	}
	return &Principal{APIKey: apiKey}, nil
}

func (a *Authenticator) replayedNonce(apiKey, timestamp, nonce string, now time.Time) bool {
	composite := apiKey + "|" + timestamp + "|" + nonce
	a.nonceMu.Lock()
	defer a.nonceMu.Unlock()
	cutoff := now.Add(-a.nonceWindow)
	for key, seen := range a.nonces {
		if seen.Before(cutoff) {
			delete(a.nonces, key)
		}
	}
	if _, ok := a.nonces[composite]; ok {
		return true
	}
	a.nonces[composite] = now
	return false
}

// CallbackVerifier validates the bearer tokens the arbitration service uses
// when delivering rulings.
type CallbackVerifier struct {
	secret []byte
	nowFn  func() time.Time
}

// NewCallbackVerifier builds a verifier over the shared callback secret.
func NewCallbackVerifier(secret string) *CallbackVerifier {
	return &CallbackVerifier{secret: []byte(secret), nowFn: time.Now}
}

// SetNowFunc overrides the time source used for expiry checks.
func (v *CallbackVerifier) SetNowFunc(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	v.nowFn = now
}

// Verify parses and validates a callback token, returning its claims.
func (v *CallbackVerifier) Verify(r *http.Request) (jwt.MapClaims, error) {
	if len(v.secret) == 0 {
		return nil, errors.New("callback verification is not configured")
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || strings.TrimSpace(token) == "" {
		return nil, errors.New("missing bearer token")
	}
	claims := jwt.MapClaims{}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return v.nowFn() }),
	}
	parsed, err := jwt.ParseWithClaims(strings.TrimSpace(token), claims, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("invalid callback token: %w", err)
	}
	if !parsed.Valid {
		return nil, errors.New("invalid callback token")
	}
	return claims, nil
}
