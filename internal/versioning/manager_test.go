package versioning

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sheet-vault/internal/blob"
	"github.com/sheet-vault/internal/diff"
	"github.com/sheet-vault/internal/lock"
	"github.com/sheet-vault/internal/store"
	"github.com/sheet-vault/internal/table"
)

const (
	refundsV1 = "Vendor,Amount\nMicrosoft,100\nDell,200\n"
	refundsV2 = "Vendor,Amount\nMICROSOFT_FIXED,100\nDell,999\nNew,50\n"
)

type fixture struct {
	m     *Manager
	blobs blob.Store
	meta  store.Store
	locks *lock.Manager
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	return l
}

func newFixture(t *testing.T, wrap func(cfg *Config)) *fixture {
	t.Helper()

	meta, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { meta.Close() })

	f := &fixture{blobs: blob.NewMemoryStore(), meta: meta}
	f.locks = lock.NewManager(meta, time.Minute, lock.WithLogger(quietLogger()))

	cfg := Config{
		Blobs:          f.blobs,
		Meta:           f.meta,
		Locks:          f.locks,
		Logger:         quietLogger(),
		MaxRetries:     5,
		InitialBackoff: time.Millisecond,
		MaxElapsed:     time.Second,
	}
	if wrap != nil {
		wrap(&cfg)
	}
	f.m, err = New(cfg)
	require.NoError(t, err)
	return f
}

func (f *fixture) upload(t *testing.T, data string) *store.Document {
	t.Helper()
	doc, err := f.m.Upload(context.Background(), UploadRequest{
		Filename:  "refunds.csv",
		Data:      []byte(data),
		ProjectID: "proj-1",
		Actor:     "alice",
	})
	require.NoError(t, err)
	return doc
}

func TestUploadRoundTrip(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	doc := f.upload(t, refundsV1)
	assert.Equal(t, 1, doc.CurrentVersion)
	assert.Equal(t, "refunds", doc.Name)
	assert.Equal(t, 2, doc.RowCount)
	assert.Equal(t, int64(len(refundsV1)), doc.Size)
	assert.Equal(t, blob.ComputeHash([]byte(refundsV1)), doc.ContentHash)

	data, err := f.m.DownloadVersion(ctx, doc.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, doc.ContentHash, blob.ComputeHash(data))

	current, err := f.blobs.Get(ctx, blob.CurrentKey("proj-1", "refunds.csv"))
	require.NoError(t, err)
	assert.Equal(t, refundsV1, string(current))

	stored, err := f.m.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.CurrentVersion)

	history, err := f.m.GetVersionHistory(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "alice", history[0].CreatedBy)
	assert.Equal(t, 2, history[0].RowsAdded)
}

func TestUploadRejectsInvalidInput(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.m.Upload(ctx, UploadRequest{Filename: "bad.xlsx", Data: []byte("not a workbook"), ProjectID: "p"})
	assert.ErrorIs(t, err, ErrInvalidFormat)

	_, err = f.m.Upload(ctx, UploadRequest{Filename: "x.csv", Data: []byte("a\n1\n")})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	docs, err := f.m.ListDocuments(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestCreateVersionRefundScenario(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	doc := f.upload(t, refundsV1)

	res, err := f.m.CreateVersion(ctx, CreateVersionRequest{
		DocumentID: doc.ID,
		Data:       []byte(refundsV2),
		Actor:      "bob",
	})
	require.NoError(t, err)

	assert.Equal(t, 2, res.Version.Number)
	assert.Equal(t, 1, res.RowsAdded)
	assert.Equal(t, 2, res.RowsModified)
	assert.Equal(t, 0, res.RowsDeleted)
	assert.False(t, res.Unchanged)
	require.Len(t, res.Changes, 2)
	assert.Equal(t, "1 row added, 2 rows modified (2 cells changed)", res.Version.ChangeSummary)

	changes, err := f.m.ListChanges(ctx, doc.ID, 2, store.ChangeFilter{})
	require.NoError(t, err)
	require.Len(t, changes, 2)
	assert.Equal(t, "Vendor", changes[0].Column)
	assert.Equal(t, table.Text("Microsoft"), changes[0].OldValue)
	assert.Equal(t, table.Text("MICROSOFT_FIXED"), changes[0].NewValue)
	assert.Equal(t, store.ChangeTypeModified, changes[0].ChangeType)
	assert.Equal(t, "bob", changes[0].Actor)
	assert.Equal(t, 1, changes[1].Row)
	assert.Equal(t, table.Number(200), changes[1].OldValue)
	assert.Equal(t, table.Number(999), changes[1].NewValue)

	row := 1
	filtered, err := f.m.ListChanges(ctx, doc.ID, 2, store.ChangeFilter{Row: &row})
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	assert.Equal(t, "Amount", filtered[0].Column)

	stored, err := f.m.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, stored.CurrentVersion)
	assert.Equal(t, 3, stored.RowCount)
	assert.Equal(t, blob.ComputeHash([]byte(refundsV2)), stored.ContentHash)
}

func TestCreateVersionMonotonic(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	doc := f.upload(t, refundsV1)

	const n = 6
	for i := 0; i < n; i++ {
		data := fmt.Sprintf("Vendor,Amount\nMicrosoft,%d\n", i)
		res, err := f.m.CreateVersion(ctx, CreateVersionRequest{DocumentID: doc.ID, Data: []byte(data), Actor: "bob"})
		require.NoError(t, err)
		assert.Equal(t, i+2, res.Version.Number)
	}

	history, err := f.m.GetVersionHistory(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, history, n+1)
	for i, v := range history {
		assert.Equal(t, n+1-i, v.Number)
	}
}

func TestCreateVersionUnchanged(t *testing.T) {
	f := newFixture(t, nil)
	doc := f.upload(t, refundsV1)

	res, err := f.m.CreateVersion(context.Background(), CreateVersionRequest{DocumentID: doc.ID, Data: []byte(refundsV1)})
	require.NoError(t, err)
	assert.True(t, res.Unchanged)
	assert.Equal(t, 2, res.Version.Number)
	assert.Empty(t, res.Changes)
	assert.Equal(t, "No changes", res.Version.ChangeSummary)
	assert.Equal(t, "anonymous", res.Version.CreatedBy)
}

func TestCreateVersionErrors(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	doc := f.upload(t, refundsV1)

	_, err := f.m.CreateVersion(ctx, CreateVersionRequest{DocumentID: "missing", Data: []byte(refundsV2)})
	assert.ErrorIs(t, err, ErrDocumentNotFound)

	_, err = f.m.CreateVersion(ctx, CreateVersionRequest{DocumentID: doc.ID, Data: []byte("a,b\n1,2,3\n")})
	assert.ErrorIs(t, err, ErrInvalidFormat)

	_, err = f.m.GetVersionHistory(ctx, "missing")
	assert.ErrorIs(t, err, ErrDocumentNotFound)

	_, err = f.m.DownloadVersion(ctx, doc.ID, 7)
	assert.ErrorIs(t, err, ErrVersionNotFound)

	_, err = f.m.GetDiff(ctx, doc.ID, 1, 7, nil)
	assert.ErrorIs(t, err, ErrVersionNotFound)
}

func TestGetDiffIdempotentAndCritical(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		cfg.Diff = diff.Options{CriticalColumns: []string{"Vendor"}}
	})
	ctx := context.Background()
	doc := f.upload(t, refundsV1)
	_, err := f.m.CreateVersion(ctx, CreateVersionRequest{DocumentID: doc.ID, Data: []byte(refundsV2)})
	require.NoError(t, err)

	first, err := f.m.GetDiff(ctx, doc.ID, 1, 2, nil)
	require.NoError(t, err)
	second, err := f.m.GetDiff(ctx, doc.ID, 1, 2, nil)
	require.NoError(t, err)
	assert.Equal(t, first.AllChanges, second.AllChanges)
	require.Len(t, first.CriticalChanges, 1)
	assert.Equal(t, "Vendor", first.CriticalChanges[0].Column)

	override, err := f.m.GetDiff(ctx, doc.ID, 1, 2, []string{"Amount"})
	require.NoError(t, err)
	require.Len(t, override.CriticalChanges, 1)
	assert.Equal(t, "Amount", override.CriticalChanges[0].Column)

	text, err := f.m.GetTextDiff(ctx, doc.ID, 1, 2)
	require.NoError(t, err)
	assert.Contains(t, text.UnifiedDiff, "--- v1\n+++ v2\n")
	assert.Contains(t, text.UnifiedDiff, "+New,50\n")
}

func TestDownloadDetectsTampering(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	doc := f.upload(t, refundsV1)

	require.NoError(t, f.blobs.Put(ctx, doc.StorageKey, []byte("Vendor,Amount\nEvil,1\n"), true))
	_, err := f.m.DownloadVersion(ctx, doc.ID, 1)
	assert.ErrorIs(t, err, ErrIntegrity)
}

func TestSummarizer(t *testing.T) {
	var seen int32
	f := newFixture(t, func(cfg *Config) {
		cfg.Summarizer = SummarizerFunc(func(_ context.Context, res *diff.Result) (string, error) {
			atomic.AddInt32(&seen, 1)
			return fmt.Sprintf("%d cells touched", len(res.AllChanges)), nil
		})
	})
	ctx := context.Background()
	doc := f.upload(t, refundsV1)

	res, err := f.m.CreateVersion(ctx, CreateVersionRequest{DocumentID: doc.ID, Data: []byte(refundsV2)})
	require.NoError(t, err)
	assert.Equal(t, "2 cells touched", res.Version.ChangeSummary)

	res, err = f.m.CreateVersion(ctx, CreateVersionRequest{DocumentID: doc.ID, Data: []byte(refundsV1), Summary: "revert"})
	require.NoError(t, err)
	assert.Equal(t, "revert", res.Version.ChangeSummary)
	assert.Equal(t, int32(1), atomic.LoadInt32(&seen))
}

// flakyBlobs fails the first n Puts with a transient error
type flakyBlobs struct {
	blob.Store
	failures int32
	err      error
}

func (f *flakyBlobs) Put(ctx context.Context, key string, data []byte, overwrite bool) error {
	if atomic.AddInt32(&f.failures, -1) >= 0 {
		return f.err
	}
	return f.Store.Put(ctx, key, data, overwrite)
}

func TestCreateVersionRetriesTransientFailures(t *testing.T) {
	flaky := &flakyBlobs{Store: blob.NewMemoryStore(), err: &blob.TransientError{Err: errors.New("503 slow down")}}
	f := newFixture(t, func(cfg *Config) { cfg.Blobs = flaky })
	doc := f.upload(t, refundsV1)

	atomic.StoreInt32(&flaky.failures, 2)
	res, err := f.m.CreateVersion(context.Background(), CreateVersionRequest{DocumentID: doc.ID, Data: []byte(refundsV2)})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Version.Number)

	history, err := f.m.GetVersionHistory(context.Background(), doc.ID)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestCreateVersionPermanentFailureKeepsPointer(t *testing.T) {
	flaky := &flakyBlobs{Store: blob.NewMemoryStore(), err: errors.New("access denied")}
	f := newFixture(t, func(cfg *Config) { cfg.Blobs = flaky })
	ctx := context.Background()
	doc := f.upload(t, refundsV1)

	atomic.StoreInt32(&flaky.failures, 100)
	_, err := f.m.CreateVersion(ctx, CreateVersionRequest{DocumentID: doc.ID, Data: []byte(refundsV2)})
	require.Error(t, err)
	var se *StorageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, doc.ID, se.DocumentID)
	assert.Equal(t, 2, se.Version)
	assert.False(t, se.Retryable())

	stored, err := f.m.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.CurrentVersion)
	_, err = f.m.GetVersion(ctx, doc.ID, 2)
	assert.ErrorIs(t, err, ErrVersionNotFound)
}

// failingChanges fails InsertCellChanges a configurable number of times
type failingChanges struct {
	store.Store
	failures int32
	err      error
}

func (f *failingChanges) InsertCellChanges(ctx context.Context, changes []store.CellChange) error {
	if atomic.AddInt32(&f.failures, -1) >= 0 {
		return f.err
	}
	return f.Store.InsertCellChanges(ctx, changes)
}

func TestCreateVersionPointerMovesLast(t *testing.T) {
	var meta *failingChanges
	f := newFixture(t, func(cfg *Config) {
		meta = &failingChanges{Store: cfg.Meta, err: errors.New("disk full")}
		cfg.Meta = meta
	})
	ctx := context.Background()
	doc := f.upload(t, refundsV1)

	atomic.StoreInt32(&meta.failures, 1)
	_, err := f.m.CreateVersion(ctx, CreateVersionRequest{DocumentID: doc.ID, Data: []byte(refundsV2)})
	require.Error(t, err)

	stored, err := f.m.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.CurrentVersion)
	assert.Equal(t, doc.ContentHash, stored.ContentHash)
}

func TestCreateVersionResumesAfterTransientMetadataFailure(t *testing.T) {
	var meta *failingChanges
	f := newFixture(t, func(cfg *Config) {
		meta = &failingChanges{Store: cfg.Meta, err: &blob.TransientError{Err: errors.New("connection reset")}}
		cfg.Meta = meta
	})
	ctx := context.Background()
	doc := f.upload(t, refundsV1)

	atomic.StoreInt32(&meta.failures, 1)
	res, err := f.m.CreateVersion(ctx, CreateVersionRequest{DocumentID: doc.ID, Data: []byte(refundsV2)})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Version.Number)

	history, err := f.m.GetVersionHistory(ctx, doc.ID)
	require.NoError(t, err)
	assert.Len(t, history, 2)

	changes, err := f.m.ListChanges(ctx, doc.ID, 2, store.ChangeFilter{})
	require.NoError(t, err)
	assert.Len(t, changes, 2)
}

// staleMax reports one less than the stored maximum once, as a racing
// writer would observe it.
type staleMax struct {
	store.Store
	stale int32
}

func (s *staleMax) MaxVersionNumber(ctx context.Context, documentID string) (int, error) {
	n, err := s.Store.MaxVersionNumber(ctx, documentID)
	if err == nil && atomic.CompareAndSwapInt32(&s.stale, 1, 0) {
		return n - 1, nil
	}
	return n, err
}

func TestCreateVersionRetriesDuplicateVersion(t *testing.T) {
	var meta *staleMax
	f := newFixture(t, func(cfg *Config) {
		meta = &staleMax{Store: cfg.Meta}
		cfg.Meta = meta
	})
	ctx := context.Background()
	doc := f.upload(t, refundsV1)

	winner, err := f.m.CreateVersion(ctx, CreateVersionRequest{DocumentID: doc.ID, Data: []byte(refundsV2), Actor: "winner"})
	require.NoError(t, err)
	require.Equal(t, 2, winner.Version.Number)

	atomic.StoreInt32(&meta.stale, 1)
	loser, err := f.m.CreateVersion(ctx, CreateVersionRequest{DocumentID: doc.ID, Data: []byte(refundsV1), Actor: "loser"})
	require.NoError(t, err)
	assert.Equal(t, 3, loser.Version.Number)

	// the winner's snapshot is untouched
	data, err := f.m.DownloadVersion(ctx, doc.ID, 2)
	require.NoError(t, err)
	assert.Equal(t, refundsV2, string(data))
}

func TestCreateVersionLocked(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	doc := f.upload(t, refundsV1)

	granted, err := f.locks.Acquire(ctx, doc.ID, "carol")
	require.NoError(t, err)
	require.True(t, granted)

	_, err = f.m.CreateVersionLocked(ctx, CreateVersionRequest{DocumentID: doc.ID, Data: []byte(refundsV2), Actor: "bob"})
	assert.ErrorIs(t, err, lock.ErrLockConflict)

	_, err = f.locks.Release(ctx, doc.ID, "carol")
	require.NoError(t, err)

	res, err := f.m.CreateVersionLocked(ctx, CreateVersionRequest{DocumentID: doc.ID, Data: []byte(refundsV2), Actor: "bob"})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Version.Number)

	state, err := f.locks.Status(ctx, doc.ID)
	require.NoError(t, err)
	assert.Nil(t, state)
}

func TestCreateVersionLockedKeepsEditSession(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	doc := f.upload(t, refundsV1)

	granted, err := f.locks.Acquire(ctx, doc.ID, "carol")
	require.NoError(t, err)
	require.True(t, granted)

	res, err := f.m.CreateVersionLocked(ctx, CreateVersionRequest{DocumentID: doc.ID, Data: []byte(refundsV2), Actor: "carol"})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Version.Number)

	state, err := f.locks.Status(ctx, doc.ID)
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, "carol", state.Holder)

	_, err = f.m.CreateVersionLocked(ctx, CreateVersionRequest{DocumentID: doc.ID, Data: []byte(refundsV1), Actor: "bob"})
	assert.ErrorIs(t, err, lock.ErrLockConflict)
}

func TestRestore(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	doc := f.upload(t, refundsV1)

	_, err := f.m.CreateVersion(ctx, CreateVersionRequest{DocumentID: doc.ID, Data: []byte(refundsV2)})
	require.NoError(t, err)

	res, err := f.m.Restore(ctx, doc.ID, 1, "carol")
	require.NoError(t, err)
	assert.Equal(t, 3, res.Version.Number)
	assert.Equal(t, "Restored from version 1", res.Version.ChangeSummary)
	assert.Equal(t, 1, res.RowsDeleted)

	data, err := f.m.DownloadVersion(ctx, doc.ID, 3)
	require.NoError(t, err)
	assert.Equal(t, refundsV1, string(data))

	_, err = f.m.Restore(ctx, doc.ID, 9, "carol")
	assert.ErrorIs(t, err, ErrVersionNotFound)
}

func TestCreateVersionFilenameOverride(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	doc := f.upload(t, refundsV1)

	res, err := f.m.CreateVersion(ctx, CreateVersionRequest{
		DocumentID: doc.ID,
		Data:       []byte("Vendor\tAmount\nMicrosoft\t100\nDell\t250\n"),
		Filename:   "refunds.tsv",
	})
	require.NoError(t, err)
	assert.Equal(t, blob.VersionKey(doc.ID, 2, "refunds.tsv"), res.Version.StorageKey)
	require.Len(t, res.Changes, 1)
	assert.Equal(t, "Amount", res.Changes[0].Column)

	// both snapshots are re-read with the format they were uploaded in
	again, err := f.m.GetDiff(ctx, doc.ID, 1, 2, nil)
	require.NoError(t, err)
	assert.Len(t, again.AllChanges, 1)

	restored, err := f.m.Restore(ctx, doc.ID, 2, "carol")
	require.NoError(t, err)
	assert.True(t, restored.Unchanged)
	assert.Equal(t, blob.VersionKey(doc.ID, 3, "refunds.tsv"), restored.Version.StorageKey)
}
