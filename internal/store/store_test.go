package store

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sheet-vault/internal/table"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
)

// backends returns a fresh instance of every Store implementation
func backends(t *testing.T) map[string]Store {
	t.Helper()

	sqliteStore, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { sqliteStore.Close() })

	gormStore, err := NewGormStore(sqlite.Open(filepath.Join(t.TempDir(), "meta.db")))
	require.NoError(t, err)
	t.Cleanup(func() { gormStore.Close() })

	return map[string]Store{
		"sqlite": sqliteStore,
		"gorm":   gormStore,
	}
}

func forEachBackend(t *testing.T, fn func(t *testing.T, st Store)) {
	for name, st := range backends(t) {
		st := st
		t.Run(name, func(t *testing.T) { fn(t, st) })
	}
}

func seedDocument(t *testing.T, st Store, id string) *Document {
	t.Helper()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	doc := &Document{
		ID:             id,
		Name:           "refunds.xlsx",
		Filename:       "refunds.xlsx",
		ProjectID:      "proj-1",
		SourcePath:     "/inbox/" + id + ".xlsx",
		ContentHash:    "hash-1",
		CurrentVersion: 1,
		RowCount:       10,
		Size:           2048,
		StorageKey:     id + "/v1/refunds.xlsx",
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	require.NoError(t, st.CreateDocument(context.Background(), doc))
	return doc
}

func seedVersion(t *testing.T, st Store, docID string, n int) *Version {
	t.Helper()
	v := &Version{
		ID:          fmt.Sprintf("%s-v%d", docID, n),
		DocumentID:  docID,
		Number:      n,
		StorageKey:  fmt.Sprintf("%s/v%d/refunds.xlsx", docID, n),
		ContentHash: "hash",
		CreatedBy:   "alice",
		CreatedAt:   time.Date(2024, 5, 1, 12, n, 0, 0, time.UTC),
		RowCount:    10,
		Size:        2048,
	}
	require.NoError(t, st.CreateVersion(context.Background(), v))
	return v
}

func TestStore_Documents(t *testing.T) {
	forEachBackend(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		doc := seedDocument(t, st, "doc-a")
		seedDocument(t, st, "doc-b")

		got, err := st.GetDocument(ctx, "doc-a")
		require.NoError(t, err)
		assert.Equal(t, doc.Name, got.Name)
		assert.Equal(t, doc.ProjectID, got.ProjectID)
		assert.Equal(t, 1, got.CurrentVersion)
		assert.Equal(t, int64(2048), got.Size)
		assert.True(t, doc.CreatedAt.Equal(got.CreatedAt), "created_at %v != %v", doc.CreatedAt, got.CreatedAt)

		_, err = st.GetDocument(ctx, "missing")
		assert.ErrorIs(t, err, ErrDocumentNotFound)

		err = st.CreateDocument(ctx, doc)
		assert.ErrorIs(t, err, ErrAlreadyExists)

		bySource, err := st.GetDocumentBySource(ctx, "/inbox/doc-b.xlsx")
		require.NoError(t, err)
		assert.Equal(t, "doc-b", bySource.ID)

		docs, err := st.ListDocuments(ctx, "proj-1")
		require.NoError(t, err)
		assert.Len(t, docs, 2)

		docs, err = st.ListDocuments(ctx, "other")
		require.NoError(t, err)
		assert.Empty(t, docs)
	})
}

func TestStore_UpdateDocumentCurrentNeverMovesBackwards(t *testing.T) {
	forEachBackend(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		seedDocument(t, st, "doc")

		require.NoError(t, st.UpdateDocumentCurrent(ctx, "doc", DocumentUpdate{
			CurrentVersion: 3, ContentHash: "h3", RowCount: 12, Size: 3000, StorageKey: "doc/v3/f", UpdatedAt: time.Now(),
		}))
		require.NoError(t, st.UpdateDocumentCurrent(ctx, "doc", DocumentUpdate{
			CurrentVersion: 2, ContentHash: "h2", RowCount: 11, Size: 2500, StorageKey: "doc/v2/f", UpdatedAt: time.Now(),
		}))

		got, err := st.GetDocument(ctx, "doc")
		require.NoError(t, err)
		assert.Equal(t, 3, got.CurrentVersion)
		assert.Equal(t, "h3", got.ContentHash)
		assert.Equal(t, 12, got.RowCount)

		err = st.UpdateDocumentCurrent(ctx, "missing", DocumentUpdate{CurrentVersion: 2})
		assert.ErrorIs(t, err, ErrDocumentNotFound)
	})
}

func TestStore_Versions(t *testing.T) {
	forEachBackend(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		seedDocument(t, st, "doc")

		max, err := st.MaxVersionNumber(ctx, "doc")
		require.NoError(t, err)
		assert.Equal(t, 0, max)

		seedVersion(t, st, "doc", 1)
		seedVersion(t, st, "doc", 2)
		seedVersion(t, st, "doc", 3)

		max, err = st.MaxVersionNumber(ctx, "doc")
		require.NoError(t, err)
		assert.Equal(t, 3, max)

		versions, err := st.ListVersions(ctx, "doc")
		require.NoError(t, err)
		require.Len(t, versions, 3)
		assert.Equal(t, []int{3, 2, 1}, []int{versions[0].Number, versions[1].Number, versions[2].Number})

		v, err := st.GetVersion(ctx, "doc", 2)
		require.NoError(t, err)
		assert.Equal(t, "alice", v.CreatedBy)

		_, err = st.GetVersion(ctx, "doc", 9)
		assert.ErrorIs(t, err, ErrVersionNotFound)
	})
}

func TestStore_DuplicateVersionRejected(t *testing.T) {
	forEachBackend(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		seedDocument(t, st, "doc")
		seedVersion(t, st, "doc", 1)

		err := st.CreateVersion(ctx, &Version{
			ID:          "another-id",
			DocumentID:  "doc",
			Number:      1,
			StorageKey:  "doc/v1/x",
			ContentHash: "h",
			CreatedBy:   "bob",
			CreatedAt:   time.Now(),
		})
		assert.ErrorIs(t, err, ErrDuplicateVersion)
	})
}

func TestStore_CellChanges(t *testing.T) {
	forEachBackend(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		seedDocument(t, st, "doc")
		v := seedVersion(t, st, "doc", 2)

		now := time.Now().UTC()
		changes := []CellChange{
			{DocumentID: "doc", VersionID: v.ID, Sheet: "Sheet1", Row: 0, Column: "Vendor",
				OldValue: table.Text("Microsoft"), NewValue: table.Text("MICROSOFT_FIXED"),
				ChangeType: ChangeTypeModified, Actor: "alice", CreatedAt: now},
			{DocumentID: "doc", VersionID: v.ID, Sheet: "Sheet1", Row: 1, Column: "Amount",
				OldValue: table.Null(), NewValue: table.Number(5),
				ChangeType: ChangeTypeModified, Actor: "alice", CreatedAt: now},
			{DocumentID: "doc", VersionID: v.ID, Sheet: "Sheet1", Row: 2, Column: "Amount",
				OldValue: table.Number(7), NewValue: table.Null(),
				ChangeType: ChangeTypeDeleted, Actor: "alice", CreatedAt: now},
		}
		require.NoError(t, st.InsertCellChanges(ctx, changes))
		assert.NotZero(t, changes[0].ID)

		all, err := st.ListCellChanges(ctx, ChangeFilter{VersionID: v.ID})
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, "Vendor", all[0].Column)
		assert.True(t, all[1].OldValue.IsNull())
		assert.True(t, all[1].NewValue.Equal(table.Number(5)))
		assert.True(t, all[2].NewValue.IsNull())

		row := 1
		byRow, err := st.ListCellChanges(ctx, ChangeFilter{DocumentID: "doc", Row: &row})
		require.NoError(t, err)
		require.Len(t, byRow, 1)
		assert.Equal(t, "Amount", byRow[0].Column)

		byColumn, err := st.ListCellChanges(ctx, ChangeFilter{DocumentID: "doc", Column: "Amount"})
		require.NoError(t, err)
		assert.Len(t, byColumn, 2)

		byType, err := st.ListCellChanges(ctx, ChangeFilter{DocumentID: "doc", Type: ChangeTypeDeleted})
		require.NoError(t, err)
		require.Len(t, byType, 1)
		assert.Equal(t, 2, byType[0].Row)

		require.NoError(t, st.InsertCellChanges(ctx, nil))
	})
}

func TestStore_CompareAndSetLock(t *testing.T) {
	forEachBackend(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		seedDocument(t, st, "doc")

		now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
		expires := now.Add(time.Minute)

		granted, err := st.CompareAndSetLock(ctx, "doc", "alice", now, &expires)
		require.NoError(t, err)
		assert.True(t, granted)

		granted, err = st.CompareAndSetLock(ctx, "doc", "bob", now.Add(time.Second), nil)
		require.NoError(t, err)
		assert.False(t, granted, "bob must not steal a live lease")

		// same holder re-acquires idempotently and keeps the original acquisition time
		later := now.Add(30 * time.Second)
		extended := later.Add(time.Minute)
		granted, err = st.CompareAndSetLock(ctx, "doc", "alice", later, &extended)
		require.NoError(t, err)
		assert.True(t, granted)

		lock, err := st.GetLock(ctx, "doc")
		require.NoError(t, err)
		require.NotNil(t, lock)
		assert.Equal(t, "alice", lock.Holder)
		assert.True(t, lock.AcquiredAt.Equal(now))
		require.NotNil(t, lock.ExpiresAt)
		assert.True(t, lock.ExpiresAt.Equal(extended))

		// after the lease lapses bob takes over
		granted, err = st.CompareAndSetLock(ctx, "doc", "bob", extended.Add(time.Second), nil)
		require.NoError(t, err)
		assert.True(t, granted)

		released, err := st.ReleaseLock(ctx, "doc", "alice")
		require.NoError(t, err)
		assert.False(t, released)

		released, err = st.ReleaseLock(ctx, "doc", "bob")
		require.NoError(t, err)
		assert.True(t, released)

		lock, err = st.GetLock(ctx, "doc")
		require.NoError(t, err)
		assert.Nil(t, lock)

		_, err = st.CompareAndSetLock(ctx, "missing", "alice", now, nil)
		assert.ErrorIs(t, err, ErrDocumentNotFound)
	})
}

func TestStore_LockWithoutExpiryIsNeverStolen(t *testing.T) {
	forEachBackend(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		seedDocument(t, st, "doc")

		now := time.Now()
		granted, err := st.CompareAndSetLock(ctx, "doc", "alice", now, nil)
		require.NoError(t, err)
		require.True(t, granted)

		granted, err = st.CompareAndSetLock(ctx, "doc", "bob", now.Add(365*24*time.Hour), nil)
		require.NoError(t, err)
		assert.False(t, granted)

		granted, err = st.CompareAndSetLock(ctx, "doc", "alice", now, nil)
		require.NoError(t, err)
		assert.True(t, granted)
	})
}

func TestSQLiteStore_ConcurrentAcquireHasOneWinner(t *testing.T) {
	st, err := NewSQLiteStore(filepath.Join(t.TempDir(), "locks.db"))
	require.NoError(t, err)
	defer st.Close()
	seedDocument(t, st, "doc")

	holders := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
	results := make([]bool, len(holders))

	var wg sync.WaitGroup
	for i, h := range holders {
		wg.Add(1)
		go func(i int, h string) {
			defer wg.Done()
			granted, err := st.CompareAndSetLock(context.Background(), "doc", h, time.Now(), nil)
			assert.NoError(t, err)
			results[i] = granted
		}(i, h)
	}
	wg.Wait()

	winners := 0
	for _, r := range results {
		if r {
			winners++
		}
	}
	assert.Equal(t, 1, winners)
}
