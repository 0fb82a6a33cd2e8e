package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

const metaDocumentPrefix = "invoice/meta/doc/"

// MetaStore holds off-ledger invoice documents (line items, terms, evidence)
// addressed by the hex-encoded SHA-256 of their content. The engine only ever
// sees the reference, never the document.
type MetaStore struct {
	db Database
}

// NewMetaStore creates a document store bound to the given database.
func NewMetaStore(db Database) *MetaStore {
	return &MetaStore{db: db}
}

// Put stores a JSON document and returns its content reference. Storing the
// same document twice yields the same reference.
func (s *MetaStore) Put(document []byte) (string, error) {
	if !json.Valid(document) {
		return "", fmt.Errorf("storage: metadata must be valid JSON")
	}
	sum := sha256.Sum256(document)
	ref := hex.EncodeToString(sum[:])
	if err := s.db.Put([]byte(metaDocumentPrefix+ref), document); err != nil {
		return "", err
	}
	return ref, nil
}

// Get loads a document by its content reference.
func (s *MetaStore) Get(ref string) ([]byte, error) {
	if _, err := hex.DecodeString(ref); err != nil || len(ref) != sha256.Size*2 {
		return nil, fmt.Errorf("storage: invalid metadata reference %q", ref)
	}
	return s.db.Get([]byte(metaDocumentPrefix + ref))
}
