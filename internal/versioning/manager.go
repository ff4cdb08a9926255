// Package versioning records uploads of tabular documents as an append-only
// sequence of numbered versions, each with the cell-level changes it
// introduced.
//
// Every write happens in the same order: blob snapshots first, then the
// version row and its cell changes, then the document's current-version
// pointer. A failure part-way leaves at worst an orphaned blob, never
// metadata pointing at bytes that do not exist.
package versioning

import (
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/sheet-vault/internal/blob"
	"github.com/sheet-vault/internal/diff"
	"github.com/sheet-vault/internal/lock"
	"github.com/sheet-vault/internal/store"
	"github.com/sheet-vault/internal/table"
)

// Config holds the collaborators and tuning of a Manager
type Config struct {
	Blobs blob.Store
	Meta  store.Store
	// Locks is optional; it is only used by CreateVersionLocked.
	Locks *lock.Manager
	// Summarizer is optional; a count-based summary is used without it.
	Summarizer Summarizer
	Logger     *logrus.Logger

	// Diff holds the default critical and key columns
	Diff diff.Options

	MaxRetries     int
	InitialBackoff time.Duration
	MaxElapsed     time.Duration

	// Now and NewID are overridable for tests
	Now   func() time.Time
	NewID func() string
}

// Manager implements upload, versioning and diff retrieval
type Manager struct {
	blobs      blob.Store
	meta       store.Store
	locks      *lock.Manager
	summarizer Summarizer
	logger     *logrus.Logger
	diffOpts   diff.Options

	maxRetries     int
	initialBackoff time.Duration
	maxElapsed     time.Duration

	now   func() time.Time
	newID func() string
}

// New creates a Manager
func New(cfg Config) (*Manager, error) {
	if cfg.Blobs == nil {
		return nil, fmt.Errorf("blob store is required")
	}
	if cfg.Meta == nil {
		return nil, fmt.Errorf("metadata store is required")
	}

	m := &Manager{
		blobs:          cfg.Blobs,
		meta:           cfg.Meta,
		locks:          cfg.Locks,
		summarizer:     cfg.Summarizer,
		logger:         cfg.Logger,
		diffOpts:       cfg.Diff,
		maxRetries:     cfg.MaxRetries,
		initialBackoff: cfg.InitialBackoff,
		maxElapsed:     cfg.MaxElapsed,
		now:            cfg.Now,
		newID:          cfg.NewID,
	}
	if m.logger == nil {
		m.logger = logrus.New()
	}
	if m.maxRetries < 0 {
		m.maxRetries = 0
	}
	if m.initialBackoff <= 0 {
		m.initialBackoff = 100 * time.Millisecond
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.newID == nil {
		m.newID = uuid.NewString
	}
	return m, nil
}

// UploadRequest creates a new document
type UploadRequest struct {
	Filename  string
	Data      []byte
	ProjectID string
	Actor     string
	// SourcePath records where the file was ingested from, if anywhere
	SourcePath string
}

// CreateVersionRequest appends a version to an existing document
type CreateVersionRequest struct {
	DocumentID string
	Data       []byte
	Actor      string
	Summary    string
	// Filename overrides the document's filename for format detection and
	// names the version snapshot
	Filename string
}

// CreateVersionResult describes a committed version
type CreateVersionResult struct {
	Version         *store.Version    `json:"version"`
	RowsAdded       int               `json:"rows_added"`
	RowsModified    int               `json:"rows_modified"`
	RowsDeleted     int               `json:"rows_deleted"`
	Changes         []diff.CellChange `json:"changes"`
	CriticalChanges []diff.CellChange `json:"critical_changes"`
	// Unchanged is set when the bytes are identical to the prior version
	Unchanged bool `json:"unchanged"`
}

func actorOrDefault(actor string) string {
	if actor == "" {
		return "anonymous"
	}
	return actor
}

// Upload parses data, stores it as version 1 of a new document and returns
// the document.
func (m *Manager) Upload(ctx context.Context, req UploadRequest) (*store.Document, error) {
	if req.Filename == "" {
		return nil, fmt.Errorf("%w: filename is required", ErrInvalidRequest)
	}
	if req.ProjectID == "" {
		return nil, fmt.Errorf("%w: project id is required", ErrInvalidRequest)
	}
	actor := actorOrDefault(req.Actor)

	wb, err := table.Parse(req.Filename, req.Data)
	if err != nil {
		return nil, err
	}

	filename := filepath.Base(req.Filename)
	docID := m.newID()
	hash := blob.ComputeHash(req.Data)
	versionKey := blob.VersionKey(docID, 1, filename)
	now := m.now().UTC()

	err = m.retry(ctx, func() error {
		if err := m.blobs.Put(ctx, versionKey, req.Data, true); err != nil {
			return storageErr("put version blob", docID, 1, err)
		}
		if err := m.blobs.Put(ctx, blob.CurrentKey(req.ProjectID, filename), req.Data, true); err != nil {
			return storageErr("put current blob", docID, 1, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// The document starts at version 0 with no content hash so the pointer
	// and hash only describe bytes once the version row exists.
	doc := &store.Document{
		ID:             docID,
		Name:           strings.TrimSuffix(filename, filepath.Ext(filename)),
		Filename:       filename,
		ProjectID:      req.ProjectID,
		SourcePath:     req.SourcePath,
		CurrentVersion: 0,
		StorageKey:     versionKey,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := m.meta.CreateDocument(ctx, doc); err != nil {
		return nil, storageErr("create document", docID, 0, err)
	}

	v := &store.Version{
		ID:            m.newID(),
		DocumentID:    docID,
		Number:        1,
		StorageKey:    versionKey,
		ContentHash:   hash,
		CreatedBy:     actor,
		CreatedAt:     now,
		ChangeSummary: "Initial upload",
		RowsAdded:     wb.RowCount(),
		RowCount:      wb.RowCount(),
		Size:          int64(len(req.Data)),
	}
	if err := m.meta.CreateVersion(ctx, v); err != nil {
		return nil, storageErr("create version", docID, 1, err)
	}

	upd := store.DocumentUpdate{
		CurrentVersion: 1,
		ContentHash:    hash,
		RowCount:       v.RowCount,
		Size:           v.Size,
		StorageKey:     versionKey,
		UpdatedAt:      now,
	}
	if err := m.meta.UpdateDocumentCurrent(ctx, docID, upd); err != nil {
		return nil, storageErr("update document", docID, 1, err)
	}
	doc.CurrentVersion = 1
	doc.ContentHash = hash
	doc.RowCount = v.RowCount
	doc.Size = v.Size

	m.logger.WithFields(logrus.Fields{
		"document": docID,
		"project":  req.ProjectID,
		"filename": filename,
		"rows":     doc.RowCount,
		"actor":    actor,
	}).Info("Uploaded document")

	return doc, nil
}

// commit tracks how far a CreateVersion got so a retry resumes instead of
// allocating another number once the version row exists.
type commit struct {
	version *store.Version
	changes []store.CellChange
	update  store.DocumentUpdate
	result  *CreateVersionResult

	changesWritten bool
}

// CreateVersion stores data as the next version of a document. The next
// number is derived from the stored maximum on every attempt, so a lost
// race on the number or a transient storage failure is retried.
//
// Callers should hold the document lock; see CreateVersionLocked.
func (m *Manager) CreateVersion(ctx context.Context, req CreateVersionRequest) (*CreateVersionResult, error) {
	if req.DocumentID == "" {
		return nil, fmt.Errorf("%w: document id is required", ErrInvalidRequest)
	}
	actor := actorOrDefault(req.Actor)

	doc, err := m.meta.GetDocument(ctx, req.DocumentID)
	if err != nil {
		return nil, err
	}

	parseName := doc.Filename
	if req.Filename != "" {
		parseName = req.Filename
	}
	newWB, err := table.Parse(parseName, req.Data)
	if err != nil {
		return nil, err
	}

	hash := blob.ComputeHash(req.Data)
	var state *commit
	attempt := 0

	op := func() (*CreateVersionResult, error) {
		attempt++
		if state == nil {
			next, err := m.prepare(ctx, doc, newWB, req, actor, hash)
			if err != nil {
				return nil, m.classify(err, doc.ID, attempt)
			}
			state = next
		}
		if err := m.finish(ctx, doc, state); err != nil {
			if errors.Is(err, store.ErrDuplicateVersion) {
				state = nil
			}
			return nil, m.classify(err, doc.ID, attempt)
		}
		return state.result, nil
	}

	res, err := backoff.RetryWithData(op, m.backoff(ctx))
	if err != nil {
		return nil, err
	}

	m.logger.WithFields(logrus.Fields{
		"document":      doc.ID,
		"version":       res.Version.Number,
		"rows_added":    res.RowsAdded,
		"rows_modified": res.RowsModified,
		"rows_deleted":  res.RowsDeleted,
		"cell_changes":  len(res.Changes),
		"actor":         actor,
	}).Info("Created version")

	return res, nil
}

// CreateVersionLocked runs CreateVersion while holding the document lock
// for req.Actor. It fails with lock.ErrLockConflict when someone else holds
// it.
func (m *Manager) CreateVersionLocked(ctx context.Context, req CreateVersionRequest) (*CreateVersionResult, error) {
	if m.locks == nil {
		return m.CreateVersion(ctx, req)
	}

	var res *CreateVersionResult
	err := m.locks.Hold(ctx, req.DocumentID, actorOrDefault(req.Actor), func(ctx context.Context) error {
		var err error
		res, err = m.CreateVersion(ctx, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Restore records the bytes of an earlier version as a new version, under
// the document lock.
func (m *Manager) Restore(ctx context.Context, documentID string, number int, actor string) (*CreateVersionResult, error) {
	data, err := m.DownloadVersion(ctx, documentID, number)
	if err != nil {
		return nil, err
	}
	v, err := m.meta.GetVersion(ctx, documentID, number)
	if err != nil {
		return nil, err
	}
	return m.CreateVersionLocked(ctx, CreateVersionRequest{
		DocumentID: documentID,
		Data:       data,
		Actor:      actor,
		Summary:    fmt.Sprintf("Restored from version %d", number),
		Filename:   path.Base(v.StorageKey),
	})
}

// prepare derives the next number, diffs against the prior version and
// writes the blob snapshots.
func (m *Manager) prepare(ctx context.Context, doc *store.Document, newWB *table.Workbook, req CreateVersionRequest, actor, hash string) (*commit, error) {
	latest, err := m.meta.MaxVersionNumber(ctx, doc.ID)
	if err != nil {
		return nil, storageErr("read max version", doc.ID, 0, err)
	}
	next := latest + 1

	res := &diff.Result{AllChanges: []diff.CellChange{}, CriticalChanges: []diff.CellChange{}}
	unchanged := false
	if latest >= 1 {
		prev, err := m.meta.GetVersion(ctx, doc.ID, latest)
		if err != nil {
			return nil, fmt.Errorf("failed to load prior version %d: %w", latest, err)
		}
		unchanged = prev.ContentHash == hash
		if !unchanged {
			oldWB, err := m.loadWorkbook(ctx, doc, prev)
			if err != nil {
				return nil, err
			}
			if res, err = diff.CompareWorkbooks(oldWB, newWB, m.diffOpts); err != nil {
				return nil, err
			}
		}
	} else {
		res.RowsAdded = newWB.RowCount()
		res.HasChanges = res.RowsAdded > 0
	}

	filename := doc.Filename
	if req.Filename != "" {
		filename = req.Filename
	}
	versionKey := blob.VersionKey(doc.ID, next, filename)
	if err := m.putVersionBlob(ctx, doc.ID, next, versionKey, req.Data, hash); err != nil {
		return nil, err
	}
	if err := m.blobs.Put(ctx, blob.CurrentKey(doc.ProjectID, doc.Filename), req.Data, true); err != nil {
		return nil, storageErr("put current blob", doc.ID, next, err)
	}

	now := m.now().UTC()
	summary := req.Summary
	if summary == "" {
		summary = m.summarize(ctx, doc.ID, res)
	}

	v := &store.Version{
		ID:            m.newID(),
		DocumentID:    doc.ID,
		Number:        next,
		StorageKey:    versionKey,
		ContentHash:   hash,
		CreatedBy:     actor,
		CreatedAt:     now,
		ChangeSummary: summary,
		RowsAdded:     res.RowsAdded,
		RowsModified:  res.RowsModified,
		RowsDeleted:   res.RowsDeleted,
		RowCount:      newWB.RowCount(),
		Size:          int64(len(req.Data)),
	}

	changes := make([]store.CellChange, len(res.AllChanges))
	for i, c := range res.AllChanges {
		changes[i] = store.CellChange{
			DocumentID: doc.ID,
			VersionID:  v.ID,
			Sheet:      c.Sheet,
			Row:        c.Row,
			Column:     c.Column,
			OldValue:   c.Old,
			NewValue:   c.New,
			ChangeType: store.ChangeType(c.Type),
			Actor:      actor,
			CreatedAt:  now,
		}
	}

	return &commit{
		version: v,
		changes: changes,
		update: store.DocumentUpdate{
			CurrentVersion: next,
			ContentHash:    hash,
			RowCount:       v.RowCount,
			Size:           v.Size,
			StorageKey:     versionKey,
			UpdatedAt:      now,
		},
		result: &CreateVersionResult{
			Version:         v,
			RowsAdded:       res.RowsAdded,
			RowsModified:    res.RowsModified,
			RowsDeleted:     res.RowsDeleted,
			Changes:         res.AllChanges,
			CriticalChanges: res.CriticalChanges,
			Unchanged:       unchanged,
		},
	}, nil
}

// putVersionBlob writes a version snapshot without clobbering one that a
// committed version already owns. Identical bytes are accepted so retries
// stay idempotent; a stale blob with no version row is overwritten.
func (m *Manager) putVersionBlob(ctx context.Context, documentID string, n int, key string, data []byte, hash string) error {
	err := m.blobs.Put(ctx, key, data, false)
	if err == nil {
		return nil
	}
	if !errors.Is(err, blob.ErrAlreadyExists) {
		return storageErr("put version blob", documentID, n, err)
	}

	existing, err := m.blobs.Get(ctx, key)
	if err != nil {
		return storageErr("get version blob", documentID, n, err)
	}
	if blob.ComputeHash(existing) == hash {
		return nil
	}

	if _, err := m.meta.GetVersion(ctx, documentID, n); err == nil {
		return fmt.Errorf("%w: %s v%d", store.ErrDuplicateVersion, documentID, n)
	} else if !errors.Is(err, store.ErrVersionNotFound) {
		return storageErr("read version", documentID, n, err)
	}

	m.logger.WithFields(logrus.Fields{
		"document": documentID,
		"version":  n,
	}).Warn("Overwriting orphaned version blob")
	if err := m.blobs.Put(ctx, key, data, true); err != nil {
		return storageErr("put version blob", documentID, n, err)
	}
	return nil
}

// finish writes the metadata of a prepared commit. It is safe to call again
// after a partial failure.
func (m *Manager) finish(ctx context.Context, doc *store.Document, c *commit) error {
	n := c.version.Number

	if !c.changesWritten {
		existing, err := m.meta.GetVersion(ctx, doc.ID, n)
		switch {
		case errors.Is(err, store.ErrVersionNotFound):
			if err := m.meta.CreateVersion(ctx, c.version); err != nil {
				if errors.Is(err, store.ErrDuplicateVersion) {
					return err
				}
				return storageErr("create version", doc.ID, n, err)
			}
		case err != nil:
			return storageErr("read version", doc.ID, n, err)
		case existing.ID != c.version.ID:
			return fmt.Errorf("%w: %s v%d", store.ErrDuplicateVersion, doc.ID, n)
		}

		if err := m.meta.InsertCellChanges(ctx, c.changes); err != nil {
			return storageErr("insert cell changes", doc.ID, n, err)
		}
		c.changesWritten = true
	}

	if err := m.meta.UpdateDocumentCurrent(ctx, doc.ID, c.update); err != nil {
		return storageErr("update document", doc.ID, n, err)
	}
	return nil
}

func (m *Manager) summarize(ctx context.Context, documentID string, res *diff.Result) string {
	if m.summarizer != nil {
		s, err := m.summarizer.Summarize(ctx, res)
		if err == nil && s != "" {
			return s
		}
		if err != nil {
			m.logger.WithError(err).WithField("document", documentID).Warn("Summarizer failed, using counts")
		}
	}
	return countSummary(res)
}

// classify marks non-retryable errors as permanent for the backoff loop
func (m *Manager) classify(err error, documentID string, attempt int) error {
	if retryable(err) {
		m.logger.WithFields(logrus.Fields{
			"document": documentID,
			"attempt":  attempt,
		}).WithError(err).Warn("Retrying version commit")
		return err
	}
	return backoff.Permanent(err)
}

func (m *Manager) backoff(ctx context.Context) backoff.BackOff {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = m.initialBackoff
	expo.MaxElapsedTime = m.maxElapsed
	return backoff.WithContext(backoff.WithMaxRetries(expo, uint64(m.maxRetries)), ctx)
}

// retry runs an idempotent step under the same policy as CreateVersion
func (m *Manager) retry(ctx context.Context, fn func() error) error {
	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		if err := fn(); err != nil {
			return m.classify(err, "", attempt)
		}
		return nil
	}, m.backoff(ctx))
}

// GetDocument returns a document by id
func (m *Manager) GetDocument(ctx context.Context, documentID string) (*store.Document, error) {
	return m.meta.GetDocument(ctx, documentID)
}

// ListDocuments returns the documents of a project, or all documents
func (m *Manager) ListDocuments(ctx context.Context, projectID string) ([]store.Document, error) {
	return m.meta.ListDocuments(ctx, projectID)
}

// FindBySource returns the document ingested from a source path
func (m *Manager) FindBySource(ctx context.Context, sourcePath string) (*store.Document, error) {
	return m.meta.GetDocumentBySource(ctx, sourcePath)
}

// GetVersion returns one version record
func (m *Manager) GetVersion(ctx context.Context, documentID string, number int) (*store.Version, error) {
	return m.meta.GetVersion(ctx, documentID, number)
}

// GetVersionHistory returns a document's versions, newest first
func (m *Manager) GetVersionHistory(ctx context.Context, documentID string) ([]store.Version, error) {
	if _, err := m.meta.GetDocument(ctx, documentID); err != nil {
		return nil, err
	}
	return m.meta.ListVersions(ctx, documentID)
}

// DownloadVersion returns the exact bytes stored for a version
func (m *Manager) DownloadVersion(ctx context.Context, documentID string, number int) ([]byte, error) {
	v, err := m.meta.GetVersion(ctx, documentID, number)
	if err != nil {
		return nil, err
	}
	return m.fetch(ctx, v)
}

func (m *Manager) fetch(ctx context.Context, v *store.Version) ([]byte, error) {
	data, err := m.blobs.Get(ctx, v.StorageKey)
	if err != nil {
		return nil, storageErr("get version blob", v.DocumentID, v.Number, err)
	}
	if got := blob.ComputeHash(data); got != v.ContentHash {
		return nil, fmt.Errorf("%w: %s v%d has %s, recorded %s", ErrIntegrity, v.DocumentID, v.Number, got, v.ContentHash)
	}
	return data, nil
}

func (m *Manager) loadWorkbook(ctx context.Context, doc *store.Document, v *store.Version) (*table.Workbook, error) {
	data, err := m.fetch(ctx, v)
	if err != nil {
		return nil, err
	}
	// the version key ends in the filename the snapshot was uploaded as
	wb, err := table.Parse(path.Base(v.StorageKey), data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s v%d: %w", doc.ID, v.Number, err)
	}
	return wb, nil
}

func (m *Manager) loadPair(ctx context.Context, documentID string, v1, v2 int) (*table.Workbook, *table.Workbook, error) {
	doc, err := m.meta.GetDocument(ctx, documentID)
	if err != nil {
		return nil, nil, err
	}

	wbs := make([]*table.Workbook, 2)
	for i, n := range []int{v1, v2} {
		v, err := m.meta.GetVersion(ctx, documentID, n)
		if err != nil {
			return nil, nil, err
		}
		if wbs[i], err = m.loadWorkbook(ctx, doc, v); err != nil {
			return nil, nil, err
		}
	}
	return wbs[0], wbs[1], nil
}

// GetDiff compares two stored versions. A nil critical list falls back to
// the configured critical columns.
func (m *Manager) GetDiff(ctx context.Context, documentID string, v1, v2 int, critical []string) (*diff.Result, error) {
	oldWB, newWB, err := m.loadPair(ctx, documentID, v1, v2)
	if err != nil {
		return nil, err
	}

	opts := m.diffOpts
	if critical != nil {
		opts.CriticalColumns = critical
	}
	return diff.CompareWorkbooks(oldWB, newWB, opts)
}

// GetTextDiff renders two stored versions as a unified CSV diff
func (m *Manager) GetTextDiff(ctx context.Context, documentID string, v1, v2 int) (*diff.TextDiff, error) {
	oldWB, newWB, err := m.loadPair(ctx, documentID, v1, v2)
	if err != nil {
		return nil, err
	}
	return diff.UnifiedWorkbooks(oldWB, newWB, fmt.Sprintf("v%d", v1), fmt.Sprintf("v%d", v2))
}

// ListChanges returns the stored cell changes introduced by a version.
// DocumentID and VersionID in filter are overwritten.
func (m *Manager) ListChanges(ctx context.Context, documentID string, number int, filter store.ChangeFilter) ([]store.CellChange, error) {
	v, err := m.meta.GetVersion(ctx, documentID, number)
	if err != nil {
		return nil, err
	}
	filter.DocumentID = documentID
	filter.VersionID = v.ID
	return m.meta.ListCellChanges(ctx, filter)
}
