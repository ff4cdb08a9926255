package versioning

import (
	"errors"
	"fmt"

	"github.com/sheet-vault/internal/blob"
	"github.com/sheet-vault/internal/store"
	"github.com/sheet-vault/internal/table"
)

var (
	ErrInvalidFormat    = table.ErrInvalidFormat
	ErrDocumentNotFound = store.ErrDocumentNotFound
	ErrVersionNotFound  = store.ErrVersionNotFound
	ErrDuplicateVersion = store.ErrDuplicateVersion

	// ErrInvalidRequest is returned when a required request field is missing
	ErrInvalidRequest = errors.New("invalid request")
	// ErrIntegrity is returned when stored bytes no longer match their recorded hash
	ErrIntegrity = errors.New("content hash mismatch")
)

// StorageError wraps a backend failure with enough context to retry the
// operation that produced it.
type StorageError struct {
	Op         string
	DocumentID string
	Version    int
	Err        error
}

func (e *StorageError) Error() string {
	if e.Version > 0 {
		return fmt.Sprintf("%s %s v%d: %v", e.Op, e.DocumentID, e.Version, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.DocumentID, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Retryable reports whether the wrapped failure is transient
func (e *StorageError) Retryable() bool { return blob.IsTransient(e.Err) }

func storageErr(op, documentID string, version int, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, DocumentID: documentID, Version: version, Err: err}
}

// retryable reports whether a CreateVersion attempt may be repeated
func retryable(err error) bool {
	return errors.Is(err, store.ErrDuplicateVersion) || blob.IsTransient(err)
}
