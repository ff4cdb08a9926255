package store

import (
	"context"
	"errors"
	"time"

	"github.com/sheet-vault/internal/table"
)

var (
	ErrDocumentNotFound = errors.New("document not found")
	ErrVersionNotFound  = errors.New("version not found")
	ErrDuplicateVersion = errors.New("duplicate version number")
	ErrAlreadyExists    = errors.New("already exists")
)

// ChangeType represents the type of a cell change
type ChangeType string

const (
	ChangeTypeAdded    ChangeType = "added"
	ChangeTypeModified ChangeType = "modified"
	ChangeTypeDeleted  ChangeType = "deleted"
)

// Valid reports whether t is a known change type
func (t ChangeType) Valid() bool {
	switch t {
	case ChangeTypeAdded, ChangeTypeModified, ChangeTypeDeleted:
		return true
	}
	return false
}

// Document represents a tracked tabular file
type Document struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Filename       string    `json:"filename"`
	ProjectID      string    `json:"project_id"`
	SourcePath     string    `json:"source_path,omitempty"`
	ContentHash    string    `json:"content_hash"`
	CurrentVersion int       `json:"current_version"`
	RowCount       int       `json:"row_count"`
	Size           int64     `json:"size"`
	StorageKey     string    `json:"storage_key"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// DocumentUpdate carries the fields advanced after a version commits
type DocumentUpdate struct {
	CurrentVersion int
	ContentHash    string
	RowCount       int
	Size           int64
	StorageKey     string
	UpdatedAt      time.Time
}

// Version is an immutable snapshot of a document
type Version struct {
	ID            string    `json:"id"`
	DocumentID    string    `json:"document_id"`
	Number        int       `json:"version_number"`
	StorageKey    string    `json:"storage_key"`
	ContentHash   string    `json:"content_hash"`
	CreatedBy     string    `json:"created_by"`
	CreatedAt     time.Time `json:"created_at"`
	ChangeSummary string    `json:"change_summary"`
	RowsAdded     int       `json:"rows_added"`
	RowsModified  int       `json:"rows_modified"`
	RowsDeleted   int       `json:"rows_deleted"`
	RowCount      int       `json:"row_count"`
	Size          int64     `json:"size"`
}

// CellChange is one detected difference introduced by a version
type CellChange struct {
	ID         int64       `json:"id"`
	DocumentID string      `json:"document_id"`
	VersionID  string      `json:"version_id"`
	Sheet      string      `json:"sheet"`
	Row        int         `json:"row"`
	Column     string      `json:"column"`
	OldValue   table.Value `json:"old_value"`
	NewValue   table.Value `json:"new_value"`
	ChangeType ChangeType  `json:"change_type"`
	Actor      string      `json:"actor"`
	CreatedAt  time.Time   `json:"created_at"`
}

// ChangeFilter narrows ListCellChanges. Zero fields match everything.
type ChangeFilter struct {
	DocumentID string
	VersionID  string
	Row        *int
	Column     string
	Type       ChangeType
}

// LockState describes the current holder of a document lock
type LockState struct {
	DocumentID string     `json:"document_id"`
	Holder     string     `json:"holder"`
	AcquiredAt time.Time  `json:"acquired_at"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

// Expired reports whether the lease has lapsed at now
func (l *LockState) Expired(now time.Time) bool {
	return l.ExpiresAt != nil && !now.Before(*l.ExpiresAt)
}

// Store defines the interface for the metadata store
type Store interface {
	// Document operations
	CreateDocument(ctx context.Context, doc *Document) error
	GetDocument(ctx context.Context, id string) (*Document, error)
	GetDocumentBySource(ctx context.Context, sourcePath string) (*Document, error)
	ListDocuments(ctx context.Context, projectID string) ([]Document, error)
	// UpdateDocumentCurrent advances the current-version pointer. A pointer
	// that is already past upd.CurrentVersion is left alone.
	UpdateDocumentCurrent(ctx context.Context, id string, upd DocumentUpdate) error

	// Version operations
	CreateVersion(ctx context.Context, v *Version) error
	GetVersion(ctx context.Context, documentID string, number int) (*Version, error)
	ListVersions(ctx context.Context, documentID string) ([]Version, error)
	MaxVersionNumber(ctx context.Context, documentID string) (int, error)

	// Cell change operations
	InsertCellChanges(ctx context.Context, changes []CellChange) error
	ListCellChanges(ctx context.Context, filter ChangeFilter) ([]CellChange, error)

	// Lock operations
	CompareAndSetLock(ctx context.Context, documentID, holder string, now time.Time, expiresAt *time.Time) (bool, error)
	ReleaseLock(ctx context.Context, documentID, holder string) (bool, error)
	GetLock(ctx context.Context, documentID string) (*LockState, error)

	// Utility
	Close() error
}
