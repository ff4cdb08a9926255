package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type documentModel struct {
	ID             string         `gorm:"primaryKey;size:64"`
	Name           string         `gorm:"not null"`
	Filename       string         `gorm:"not null"`
	ProjectID      string         `gorm:"size:128;not null;index:idx_documents_project"`
	SourcePath     sql.NullString `gorm:"size:512;index:idx_documents_source"`
	ContentHash    string         `gorm:"size:64;not null"`
	CurrentVersion int            `gorm:"not null;default:1"`
	RowCount       int            `gorm:"not null;default:0"`
	Size           int64          `gorm:"not null;default:0"`
	StorageKey     string         `gorm:"size:1024;not null"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (documentModel) TableName() string { return "documents" }

type versionModel struct {
	ID            string    `gorm:"primaryKey;size:64"`
	DocumentID    string    `gorm:"size:64;not null;uniqueIndex:idx_versions_document_number,priority:1"`
	VersionNumber int       `gorm:"not null;uniqueIndex:idx_versions_document_number,priority:2"`
	StorageKey    string    `gorm:"size:1024;not null"`
	ContentHash   string    `gorm:"size:64;not null"`
	CreatedBy     string    `gorm:"size:256;not null"`
	CreatedAt     time.Time `gorm:"autoCreateTime:false"`
	ChangeSummary string    `gorm:"type:text"`
	RowsAdded     int
	RowsModified  int
	RowsDeleted   int
	RowCount      int
	Size          int64
}

func (versionModel) TableName() string { return "versions" }

type cellChangeModel struct {
	ID         int64          `gorm:"primaryKey;autoIncrement"`
	DocumentID string         `gorm:"size:64;not null;index:idx_cell_changes_document"`
	VersionID  string         `gorm:"size:64;not null;index:idx_cell_changes_version"`
	SheetName  string         `gorm:"size:256;not null"`
	RowIndex   int            `gorm:"not null"`
	ColumnName string         `gorm:"size:512;not null"`
	OldValue   sql.NullString `gorm:"type:text"`
	NewValue   sql.NullString `gorm:"type:text"`
	ChangeType string         `gorm:"size:16;not null"`
	Actor      string         `gorm:"size:256;not null"`
	CreatedAt  time.Time      `gorm:"autoCreateTime:false"`
}

func (cellChangeModel) TableName() string { return "cell_changes" }

type lockModel struct {
	DocumentID string `gorm:"primaryKey;size:64"`
	Holder     string `gorm:"size:256;not null"`
	AcquiredAt int64  `gorm:"not null"`
	ExpiresAt  *int64
}

func (lockModel) TableName() string { return "document_locks" }

// GormStore implements the Store interface on any gorm dialector
// (postgres, mysql, sqlite)
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens a gorm connection and auto-migrates the schema
func NewGormStore(dialector gorm.Dialector) (*GormStore, error) {
	db, err := gorm.Open(dialector, &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.AutoMigrate(&documentModel{}, &versionModel{}, &cellChangeModel{}, &lockModel{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &GormStore{db: db}, nil
}

// Close closes the underlying connection pool
func (g *GormStore) Close() error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (g *GormStore) CreateDocument(ctx context.Context, doc *Document) error {
	m := documentModel{
		ID:             doc.ID,
		Name:           doc.Name,
		Filename:       doc.Filename,
		ProjectID:      doc.ProjectID,
		SourcePath:     nullString(doc.SourcePath),
		ContentHash:    doc.ContentHash,
		CurrentVersion: doc.CurrentVersion,
		RowCount:       doc.RowCount,
		Size:           doc.Size,
		StorageKey:     doc.StorageKey,
		CreatedAt:      doc.CreatedAt.UTC(),
		UpdatedAt:      doc.UpdatedAt.UTC(),
	}
	if err := g.db.WithContext(ctx).Create(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("document %s: %w", doc.ID, ErrAlreadyExists)
		}
		return fmt.Errorf("failed to create document: %w", err)
	}
	return nil
}

func (g *GormStore) GetDocument(ctx context.Context, id string) (*Document, error) {
	var m documentModel
	if err := g.db.WithContext(ctx).Where("id = ?", id).Take(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrDocumentNotFound
		}
		return nil, fmt.Errorf("failed to get document: %w", err)
	}
	return m.toDocument(), nil
}

func (g *GormStore) GetDocumentBySource(ctx context.Context, sourcePath string) (*Document, error) {
	var m documentModel
	err := g.db.WithContext(ctx).Where("source_path = ?", sourcePath).Order("created_at").Take(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrDocumentNotFound
		}
		return nil, fmt.Errorf("failed to get document: %w", err)
	}
	return m.toDocument(), nil
}

func (g *GormStore) ListDocuments(ctx context.Context, projectID string) ([]Document, error) {
	q := g.db.WithContext(ctx).Order("name").Order("id")
	if projectID != "" {
		q = q.Where("project_id = ?", projectID)
	}

	var models []documentModel
	if err := q.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}

	docs := make([]Document, 0, len(models))
	for i := range models {
		docs = append(docs, *models[i].toDocument())
	}
	return docs, nil
}

func (g *GormStore) UpdateDocumentCurrent(ctx context.Context, id string, upd DocumentUpdate) error {
	result := g.db.WithContext(ctx).Model(&documentModel{}).
		Where("id = ? AND current_version <= ?", id, upd.CurrentVersion).
		Updates(map[string]interface{}{
			"current_version": upd.CurrentVersion,
			"content_hash":    upd.ContentHash,
			"row_count":       upd.RowCount,
			"size":            upd.Size,
			"storage_key":     upd.StorageKey,
			"updated_at":      upd.UpdatedAt.UTC(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to update document: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		if _, err := g.GetDocument(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (g *GormStore) CreateVersion(ctx context.Context, v *Version) error {
	m := versionModel{
		ID:            v.ID,
		DocumentID:    v.DocumentID,
		VersionNumber: v.Number,
		StorageKey:    v.StorageKey,
		ContentHash:   v.ContentHash,
		CreatedBy:     v.CreatedBy,
		CreatedAt:     v.CreatedAt.UTC(),
		ChangeSummary: v.ChangeSummary,
		RowsAdded:     v.RowsAdded,
		RowsModified:  v.RowsModified,
		RowsDeleted:   v.RowsDeleted,
		RowCount:      v.RowCount,
		Size:          v.Size,
	}
	if err := g.db.WithContext(ctx).Create(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("document %s version %d: %w", v.DocumentID, v.Number, ErrDuplicateVersion)
		}
		return fmt.Errorf("failed to create version: %w", err)
	}
	return nil
}

func (g *GormStore) GetVersion(ctx context.Context, documentID string, number int) (*Version, error) {
	var m versionModel
	err := g.db.WithContext(ctx).
		Where("document_id = ? AND version_number = ?", documentID, number).
		Take(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrVersionNotFound
		}
		return nil, fmt.Errorf("failed to get version: %w", err)
	}
	return m.toVersion(), nil
}

func (g *GormStore) ListVersions(ctx context.Context, documentID string) ([]Version, error) {
	var models []versionModel
	err := g.db.WithContext(ctx).
		Where("document_id = ?", documentID).
		Order("version_number DESC").
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get versions: %w", err)
	}

	versions := make([]Version, 0, len(models))
	for i := range models {
		versions = append(versions, *models[i].toVersion())
	}
	return versions, nil
}

func (g *GormStore) MaxVersionNumber(ctx context.Context, documentID string) (int, error) {
	var max sql.NullInt64
	row := g.db.WithContext(ctx).Model(&versionModel{}).
		Where("document_id = ?", documentID).
		Select("MAX(version_number)").
		Row()
	if err := row.Scan(&max); err != nil {
		return 0, fmt.Errorf("failed to get max version: %w", err)
	}
	return int(max.Int64), nil
}

func (g *GormStore) InsertCellChanges(ctx context.Context, changes []CellChange) error {
	if len(changes) == 0 {
		return nil
	}

	models := make([]cellChangeModel, len(changes))
	for i, c := range changes {
		models[i] = cellChangeModel{
			DocumentID: c.DocumentID,
			VersionID:  c.VersionID,
			SheetName:  c.Sheet,
			RowIndex:   c.Row,
			ColumnName: c.Column,
			OldValue:   encodeValue(c.OldValue),
			NewValue:   encodeValue(c.NewValue),
			ChangeType: string(c.ChangeType),
			Actor:      c.Actor,
			CreatedAt:  c.CreatedAt.UTC(),
		}
	}

	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.CreateInBatches(models, 500).Error
	})
	if err != nil {
		return fmt.Errorf("failed to insert cell changes: %w", err)
	}

	for i := range changes {
		changes[i].ID = models[i].ID
	}
	return nil
}

func (g *GormStore) ListCellChanges(ctx context.Context, filter ChangeFilter) ([]CellChange, error) {
	q := g.db.WithContext(ctx).Model(&cellChangeModel{})
	if filter.DocumentID != "" {
		q = q.Where("document_id = ?", filter.DocumentID)
	}
	if filter.VersionID != "" {
		q = q.Where("version_id = ?", filter.VersionID)
	}
	if filter.Row != nil {
		q = q.Where("row_index = ?", *filter.Row)
	}
	if filter.Column != "" {
		q = q.Where("column_name = ?", filter.Column)
	}
	if filter.Type != "" {
		q = q.Where("change_type = ?", string(filter.Type))
	}

	var models []cellChangeModel
	if err := q.Order("id").Find(&models).Error; err != nil {
		return nil, fmt.Errorf("failed to list cell changes: %w", err)
	}

	changes := make([]CellChange, 0, len(models))
	for _, m := range models {
		oldValue, err := decodeValue(m.OldValue)
		if err != nil {
			return nil, err
		}
		newValue, err := decodeValue(m.NewValue)
		if err != nil {
			return nil, err
		}
		changes = append(changes, CellChange{
			ID:         m.ID,
			DocumentID: m.DocumentID,
			VersionID:  m.VersionID,
			Sheet:      m.SheetName,
			Row:        m.RowIndex,
			Column:     m.ColumnName,
			OldValue:   oldValue,
			NewValue:   newValue,
			ChangeType: ChangeType(m.ChangeType),
			Actor:      m.Actor,
			CreatedAt:  m.CreatedAt.UTC(),
		})
	}
	return changes, nil
}

// CompareAndSetLock inserts the lock row, or takes it over with a guarded
// UPDATE when the current holder matches or its lease has lapsed.
func (g *GormStore) CompareAndSetLock(ctx context.Context, documentID, holder string, now time.Time, expiresAt *time.Time) (bool, error) {
	if _, err := g.GetDocument(ctx, documentID); err != nil {
		return false, err
	}

	var expires *int64
	if expiresAt != nil {
		n := expiresAt.UnixNano()
		expires = &n
	}

	db := g.db.WithContext(ctx)
	err := db.Create(&lockModel{
		DocumentID: documentID,
		Holder:     holder,
		AcquiredAt: now.UnixNano(),
		ExpiresAt:  expires,
	}).Error
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, gorm.ErrDuplicatedKey) {
		return false, fmt.Errorf("failed to acquire lock: %w", err)
	}

	result := db.Model(&lockModel{}).
		Where("document_id = ? AND (holder = ? OR (expires_at IS NOT NULL AND expires_at <= ?))",
			documentID, holder, now.UnixNano()).
		Updates(map[string]interface{}{
			"acquired_at": gorm.Expr("CASE WHEN holder = ? THEN acquired_at ELSE ? END", holder, now.UnixNano()),
			"holder":      holder,
			"expires_at":  expires,
		})
	if result.Error != nil {
		return false, fmt.Errorf("failed to acquire lock: %w", result.Error)
	}
	if result.RowsAffected == 1 {
		return true, nil
	}

	// MySQL reports zero affected rows when the update changed nothing,
	// which happens for a same-holder re-acquire without expiry.
	current, err := g.GetLock(ctx, documentID)
	if err != nil {
		return false, err
	}
	return current != nil && current.Holder == holder, nil
}

func (g *GormStore) ReleaseLock(ctx context.Context, documentID, holder string) (bool, error) {
	result := g.db.WithContext(ctx).
		Where("document_id = ? AND holder = ?", documentID, holder).
		Delete(&lockModel{})
	if result.Error != nil {
		return false, fmt.Errorf("failed to release lock: %w", result.Error)
	}
	return result.RowsAffected == 1, nil
}

func (g *GormStore) GetLock(ctx context.Context, documentID string) (*LockState, error) {
	var m lockModel
	if err := g.db.WithContext(ctx).Where("document_id = ?", documentID).Take(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get lock: %w", err)
	}

	l := &LockState{
		DocumentID: m.DocumentID,
		Holder:     m.Holder,
		AcquiredAt: time.Unix(0, m.AcquiredAt).UTC(),
	}
	if m.ExpiresAt != nil {
		t := time.Unix(0, *m.ExpiresAt).UTC()
		l.ExpiresAt = &t
	}
	return l, nil
}

func (m *documentModel) toDocument() *Document {
	return &Document{
		ID:             m.ID,
		Name:           m.Name,
		Filename:       m.Filename,
		ProjectID:      m.ProjectID,
		SourcePath:     m.SourcePath.String,
		ContentHash:    m.ContentHash,
		CurrentVersion: m.CurrentVersion,
		RowCount:       m.RowCount,
		Size:           m.Size,
		StorageKey:     m.StorageKey,
		CreatedAt:      m.CreatedAt.UTC(),
		UpdatedAt:      m.UpdatedAt.UTC(),
	}
}

func (m *versionModel) toVersion() *Version {
	return &Version{
		ID:            m.ID,
		DocumentID:    m.DocumentID,
		Number:        m.VersionNumber,
		StorageKey:    m.StorageKey,
		ContentHash:   m.ContentHash,
		CreatedBy:     m.CreatedBy,
		CreatedAt:     m.CreatedAt.UTC(),
		ChangeSummary: m.ChangeSummary,
		RowsAdded:     m.RowsAdded,
		RowsModified:  m.RowsModified,
		RowsDeleted:   m.RowsDeleted,
		RowCount:      m.RowCount,
		Size:          m.Size,
	}
}

var _ Store = (*GormStore)(nil)
var _ Store = (*SQLiteStore)(nil)
