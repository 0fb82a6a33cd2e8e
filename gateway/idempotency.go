package gateway

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"time"

	_ "modernc.org/sqlite"
)

// ErrIdempotencyMismatch is returned when a key is reused with a different payload.
var ErrIdempotencyMismatch = errors.New("idempotency key reuse with different request body")

// StoredResponse is a previously served response replayed for a repeated key.
type StoredResponse struct {
	Status int
	Body   []byte
}

// SQLiteStore manages idempotency keys and audit log persistence.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the gateway database at the given path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	store := &SQLiteStore{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) init() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS idempotency_keys (
            api_key TEXT NOT NULL,
            idempotency_key TEXT NOT NULL,
            request_hash TEXT NOT NULL,
            response_status INTEGER NOT NULL,
            response_body BLOB NOT NULL,
            created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
            PRIMARY KEY(api_key, idempotency_key)
        );`,
		`CREATE TABLE IF NOT EXISTS audit_log (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            occurred_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
            api_key TEXT,
            method TEXT NOT NULL,
            path TEXT NOT NULL,
            response_status INTEGER
        );`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func hashRequestBody(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// Lookup returns the stored response for the key, if any. A key reuse with a
// different request body reports ErrIdempotencyMismatch.
func (s *SQLiteStore) Lookup(ctx context.Context, apiKey, idemKey string, body []byte) (*StoredResponse, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT request_hash, response_status, response_body FROM idempotency_keys
         WHERE api_key = ? AND idempotency_key = ?`, apiKey, idemKey)
	var storedHash string
	var response StoredResponse
	switch err := row.Scan(&storedHash, &response.Status, &response.Body); {
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	case err != nil:
		return nil, err
	}
	if storedHash != hashRequestBody(body) {
		return nil, ErrIdempotencyMismatch
	}
	return &response, nil
}

// Store records the response served for the key so later retries replay it.
func (s *SQLiteStore) Store(ctx context.Context, apiKey, idemKey string, body []byte, status int, responseBody []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO idempotency_keys
         (api_key, idempotency_key, request_hash, response_status, response_body, created_at)
         VALUES (?, ?, ?, ?, ?, ?)`,
		apiKey, idemKey, hashRequestBody(body), status, responseBody, time.Now().UTC())
	return err
}

// Audit appends a request record to the audit log.
func (s *SQLiteStore) Audit(ctx context.Context, apiKey, method, path string, status int) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log (api_key, method, path, response_status) VALUES (?, ?, ?, ?)`,
		apiKey, method, path, status)
	return err
}
