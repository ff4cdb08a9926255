package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/sheet-vault/internal/table"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store and initializes the schema.
// The path ":memory:" opens a private in-memory database.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dsn := dbPath + "?_journal_mode=WAL&_busy_timeout=5000"
	if dbPath == ":memory:" {
		dsn = "file::memory:?_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// every pooled connection would otherwise see its own empty database
		db.SetMaxOpenConns(1)
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// migrate creates the database schema if it doesn't exist
func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		filename TEXT NOT NULL,
		project_id TEXT NOT NULL,
		source_path TEXT,
		content_hash TEXT NOT NULL,
		current_version INTEGER NOT NULL DEFAULT 1,
		row_count INTEGER NOT NULL DEFAULT 0,
		size INTEGER NOT NULL DEFAULT 0,
		storage_key TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS versions (
		id TEXT PRIMARY KEY,
		document_id TEXT NOT NULL REFERENCES documents(id),
		version_number INTEGER NOT NULL,
		storage_key TEXT NOT NULL,
		content_hash TEXT NOT NULL,
		created_by TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		change_summary TEXT NOT NULL DEFAULT '',
		rows_added INTEGER NOT NULL DEFAULT 0,
		rows_modified INTEGER NOT NULL DEFAULT 0,
		rows_deleted INTEGER NOT NULL DEFAULT 0,
		row_count INTEGER NOT NULL DEFAULT 0,
		size INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS cell_changes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		document_id TEXT NOT NULL REFERENCES documents(id),
		version_id TEXT NOT NULL REFERENCES versions(id),
		sheet_name TEXT NOT NULL,
		row_index INTEGER NOT NULL,
		column_name TEXT NOT NULL,
		old_value TEXT,
		new_value TEXT,
		change_type TEXT NOT NULL,
		actor TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS document_locks (
		document_id TEXT PRIMARY KEY REFERENCES documents(id),
		holder TEXT NOT NULL,
		acquired_at INTEGER NOT NULL,
		expires_at INTEGER
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_versions_document_number ON versions(document_id, version_number);
	CREATE INDEX IF NOT EXISTS idx_documents_project ON documents(project_id);
	CREATE INDEX IF NOT EXISTS idx_documents_source ON documents(source_path);
	CREATE INDEX IF NOT EXISTS idx_cell_changes_version ON cell_changes(version_id);
	CREATE INDEX IF NOT EXISTS idx_cell_changes_document ON cell_changes(document_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const documentColumns = `id, name, filename, project_id, source_path, content_hash, current_version,
	row_count, size, storage_key, created_at, updated_at`

// CreateDocument inserts a new document record
func (s *SQLiteStore) CreateDocument(ctx context.Context, doc *Document) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (`+documentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, doc.ID, doc.Name, doc.Filename, doc.ProjectID, nullString(doc.SourcePath), doc.ContentHash,
		doc.CurrentVersion, doc.RowCount, doc.Size, doc.StorageKey, doc.CreatedAt.UTC(), doc.UpdatedAt.UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("document %s: %w", doc.ID, ErrAlreadyExists)
		}
		return fmt.Errorf("failed to create document: %w", err)
	}
	return nil
}

// GetDocument retrieves a document by its ID
func (s *SQLiteStore) GetDocument(ctx context.Context, id string) (*Document, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE id = ?`, id)
	return scanDocument(row)
}

// GetDocumentBySource retrieves the document ingested from a source path
func (s *SQLiteStore) GetDocumentBySource(ctx context.Context, sourcePath string) (*Document, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+documentColumns+` FROM documents WHERE source_path = ?
		ORDER BY created_at LIMIT 1
	`, sourcePath)
	return scanDocument(row)
}

// ListDocuments returns the documents of a project, or all documents when
// projectID is empty
func (s *SQLiteStore) ListDocuments(ctx context.Context, projectID string) ([]Document, error) {
	query := `SELECT ` + documentColumns + ` FROM documents`
	var args []interface{}
	if projectID != "" {
		query += ` WHERE project_id = ?`
		args = append(args, projectID)
	}
	query += ` ORDER BY name, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, *doc)
	}
	return docs, rows.Err()
}

// UpdateDocumentCurrent advances the document's current-version pointer
func (s *SQLiteStore) UpdateDocumentCurrent(ctx context.Context, id string, upd DocumentUpdate) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE documents SET
			current_version = ?, content_hash = ?, row_count = ?, size = ?, storage_key = ?, updated_at = ?
		WHERE id = ? AND current_version <= ?
	`, upd.CurrentVersion, upd.ContentHash, upd.RowCount, upd.Size, upd.StorageKey, upd.UpdatedAt.UTC(),
		id, upd.CurrentVersion)
	if err != nil {
		return fmt.Errorf("failed to update document: %w", err)
	}

	if n, err := result.RowsAffected(); err == nil && n == 0 {
		// either missing, or already advanced past this version
		if _, err := s.GetDocument(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDocument(row rowScanner) (*Document, error) {
	var d Document
	var sourcePath, createdAt, updatedAt sql.NullString

	err := row.Scan(&d.ID, &d.Name, &d.Filename, &d.ProjectID, &sourcePath, &d.ContentHash,
		&d.CurrentVersion, &d.RowCount, &d.Size, &d.StorageKey, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrDocumentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan document: %w", err)
	}

	d.SourcePath = sourcePath.String
	if createdAt.Valid {
		d.CreatedAt = parseTime(createdAt.String)
	}
	if updatedAt.Valid {
		d.UpdatedAt = parseTime(updatedAt.String)
	}
	return &d, nil
}

const versionColumns = `id, document_id, version_number, storage_key, content_hash, created_by, created_at,
	change_summary, rows_added, rows_modified, rows_deleted, row_count, size`

// CreateVersion creates a new version record
func (s *SQLiteStore) CreateVersion(ctx context.Context, v *Version) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO versions (`+versionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, v.ID, v.DocumentID, v.Number, v.StorageKey, v.ContentHash, v.CreatedBy, v.CreatedAt.UTC(),
		v.ChangeSummary, v.RowsAdded, v.RowsModified, v.RowsDeleted, v.RowCount, v.Size)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("document %s version %d: %w", v.DocumentID, v.Number, ErrDuplicateVersion)
		}
		return fmt.Errorf("failed to create version: %w", err)
	}
	return nil
}

// GetVersion retrieves a version by document and number
func (s *SQLiteStore) GetVersion(ctx context.Context, documentID string, number int) (*Version, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+versionColumns+` FROM versions WHERE document_id = ? AND version_number = ?
	`, documentID, number)

	v, err := scanVersion(row)
	if err == sql.ErrNoRows {
		return nil, ErrVersionNotFound
	}
	return v, err
}

// ListVersions retrieves all versions of a document, newest first
func (s *SQLiteStore) ListVersions(ctx context.Context, documentID string) ([]Version, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+versionColumns+` FROM versions WHERE document_id = ?
		ORDER BY version_number DESC
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("failed to get versions: %w", err)
	}
	defer rows.Close()

	var versions []Version
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		versions = append(versions, *v)
	}
	return versions, rows.Err()
}

// MaxVersionNumber returns the highest stored version number, 0 when none
func (s *SQLiteStore) MaxVersionNumber(ctx context.Context, documentID string) (int, error) {
	var max int
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(version_number), 0) FROM versions WHERE document_id = ?
	`, documentID).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("failed to get max version: %w", err)
	}
	return max, nil
}

// scanVersion scans a version row; sql.ErrNoRows is passed through
func scanVersion(row rowScanner) (*Version, error) {
	var v Version
	var createdAt sql.NullString

	err := row.Scan(&v.ID, &v.DocumentID, &v.Number, &v.StorageKey, &v.ContentHash, &v.CreatedBy, &createdAt,
		&v.ChangeSummary, &v.RowsAdded, &v.RowsModified, &v.RowsDeleted, &v.RowCount, &v.Size)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan version row: %w", err)
	}

	if createdAt.Valid {
		v.CreatedAt = parseTime(createdAt.String)
	}
	return &v, nil
}

// InsertCellChanges writes a batch of changes in one transaction
func (s *SQLiteStore) InsertCellChanges(ctx context.Context, changes []CellChange) error {
	if len(changes) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO cell_changes (document_id, version_id, sheet_name, row_index, column_name,
			old_value, new_value, change_type, actor, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare cell change insert: %w", err)
	}
	defer stmt.Close()

	for i := range changes {
		c := &changes[i]
		result, err := stmt.ExecContext(ctx, c.DocumentID, c.VersionID, c.Sheet, c.Row, c.Column,
			encodeValue(c.OldValue), encodeValue(c.NewValue), string(c.ChangeType), c.Actor, c.CreatedAt.UTC())
		if err != nil {
			return fmt.Errorf("failed to insert cell change: %w", err)
		}
		if id, err := result.LastInsertId(); err == nil {
			c.ID = id
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit cell changes: %w", err)
	}
	return nil
}

// ListCellChanges returns stored changes in detection order
func (s *SQLiteStore) ListCellChanges(ctx context.Context, filter ChangeFilter) ([]CellChange, error) {
	var where []string
	var args []interface{}

	if filter.DocumentID != "" {
		where = append(where, "document_id = ?")
		args = append(args, filter.DocumentID)
	}
	if filter.VersionID != "" {
		where = append(where, "version_id = ?")
		args = append(args, filter.VersionID)
	}
	if filter.Row != nil {
		where = append(where, "row_index = ?")
		args = append(args, *filter.Row)
	}
	if filter.Column != "" {
		where = append(where, "column_name = ?")
		args = append(args, filter.Column)
	}
	if filter.Type != "" {
		where = append(where, "change_type = ?")
		args = append(args, string(filter.Type))
	}

	query := `SELECT id, document_id, version_id, sheet_name, row_index, column_name,
		old_value, new_value, change_type, actor, created_at FROM cell_changes`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list cell changes: %w", err)
	}
	defer rows.Close()

	var changes []CellChange
	for rows.Next() {
		var c CellChange
		var oldValue, newValue, createdAt sql.NullString
		var changeType string

		if err := rows.Scan(&c.ID, &c.DocumentID, &c.VersionID, &c.Sheet, &c.Row, &c.Column,
			&oldValue, &newValue, &changeType, &c.Actor, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan cell change row: %w", err)
		}

		if c.OldValue, err = decodeValue(oldValue); err != nil {
			return nil, err
		}
		if c.NewValue, err = decodeValue(newValue); err != nil {
			return nil, err
		}
		c.ChangeType = ChangeType(changeType)
		if createdAt.Valid {
			c.CreatedAt = parseTime(createdAt.String)
		}
		changes = append(changes, c)
	}
	return changes, rows.Err()
}

// CompareAndSetLock grants the lock when it is free, already held by
// holder, or held under an expired lease. Evaluated in a single statement.
func (s *SQLiteStore) CompareAndSetLock(ctx context.Context, documentID, holder string, now time.Time, expiresAt *time.Time) (bool, error) {
	if _, err := s.GetDocument(ctx, documentID); err != nil {
		return false, err
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO document_locks (document_id, holder, acquired_at, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(document_id) DO UPDATE SET
			acquired_at = CASE WHEN document_locks.holder = excluded.holder
				THEN document_locks.acquired_at ELSE excluded.acquired_at END,
			holder = excluded.holder,
			expires_at = excluded.expires_at
		WHERE document_locks.holder = excluded.holder
			OR (document_locks.expires_at IS NOT NULL AND document_locks.expires_at <= ?)
	`, documentID, holder, now.UnixNano(), unixNanoPtr(expiresAt), now.UnixNano())
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock: %w", err)
	}
	return n == 1, nil
}

// ReleaseLock removes the lock if holder owns it
func (s *SQLiteStore) ReleaseLock(ctx context.Context, documentID, holder string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM document_locks WHERE document_id = ? AND holder = ?
	`, documentID, holder)
	if err != nil {
		return false, fmt.Errorf("failed to release lock: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to release lock: %w", err)
	}
	return n == 1, nil
}

// GetLock returns the lock row, or nil when the document is unlocked
func (s *SQLiteStore) GetLock(ctx context.Context, documentID string) (*LockState, error) {
	var l LockState
	var acquiredAt int64
	var expiresAt sql.NullInt64

	err := s.db.QueryRowContext(ctx, `
		SELECT document_id, holder, acquired_at, expires_at FROM document_locks WHERE document_id = ?
	`, documentID).Scan(&l.DocumentID, &l.Holder, &acquiredAt, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get lock: %w", err)
	}

	l.AcquiredAt = time.Unix(0, acquiredAt).UTC()
	if expiresAt.Valid {
		t := time.Unix(0, expiresAt.Int64).UTC()
		l.ExpiresAt = &t
	}
	return &l, nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func unixNanoPtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func encodeValue(v table.Value) sql.NullString {
	s, ok := v.Encode()
	return sql.NullString{String: s, Valid: ok}
}

func decodeValue(s sql.NullString) (table.Value, error) {
	if !s.Valid {
		return table.Null(), nil
	}
	v, err := table.Decode(s.String)
	if err != nil {
		return table.Value{}, fmt.Errorf("failed to decode cell value: %w", err)
	}
	return v, nil
}

// parseTime parses a SQLite datetime string into time.Time
func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}

	// Try various SQLite datetime formats
	formats := []string{
		"2006-01-02 15:04:05.999999999-07:00",
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05Z",
		time.RFC3339,
		time.RFC3339Nano,
	}

	for _, format := range formats {
		if t, err := time.Parse(format, s); err == nil {
			return t.UTC()
		}
	}

	return time.Time{}
}
