// Package syncer ingests spreadsheets dropped into a local inbox directory.
// New files become documents; changed files become new versions, committed
// under the document lock.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gobwas/glob"
	"github.com/sirupsen/logrus"

	"github.com/sheet-vault/internal/blob"
	"github.com/sheet-vault/internal/config"
	"github.com/sheet-vault/internal/lock"
	"github.com/sheet-vault/internal/store"
	"github.com/sheet-vault/internal/versioning"
)

// DefaultDebounce is how long a path must stay quiet before it is ingested
const DefaultDebounce = 500 * time.Millisecond

// Ingester is the subset of the version manager the syncer drives
type Ingester interface {
	FindBySource(ctx context.Context, sourcePath string) (*store.Document, error)
	Upload(ctx context.Context, req versioning.UploadRequest) (*store.Document, error)
	CreateVersionLocked(ctx context.Context, req versioning.CreateVersionRequest) (*versioning.CreateVersionResult, error)
}

// Outcome describes what happened to one file during a sync
type Outcome string

const (
	OutcomeUploaded  Outcome = "uploaded"
	OutcomeVersioned Outcome = "versioned"
	OutcomeUnchanged Outcome = "unchanged"
	OutcomeLocked    Outcome = "locked"
)

// Syncer watches a directory and records its spreadsheets
type Syncer struct {
	ingest   Ingester
	config   config.SyncConfig
	patterns []glob.Glob
	logger   *logrus.Logger
	debounce time.Duration

	mu      sync.Mutex
	pending map[string]*time.Timer
}

// New creates a new Syncer instance
func New(ingest Ingester, cfg config.SyncConfig, logger *logrus.Logger) (*Syncer, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("sync directory is required")
	}
	if logger == nil {
		logger = logrus.New()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}

	patterns := make([]glob.Glob, 0, len(cfg.Patterns))
	for _, p := range cfg.Patterns {
		g, err := glob.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid sync pattern %q: %w", p, err)
		}
		patterns = append(patterns, g)
	}

	return &Syncer{
		ingest:   ingest,
		config:   cfg,
		patterns: patterns,
		logger:   logger,
		debounce: DefaultDebounce,
		pending:  make(map[string]*time.Timer),
	}, nil
}

// Matches reports whether a file name is one the syncer ingests
func (s *Syncer) Matches(name string) bool {
	base := filepath.Base(name)
	for _, g := range s.patterns {
		if g.Match(base) {
			return true
		}
	}
	return false
}

// Start runs an initial sync, then ingests on file events and on every
// interval tick until ctx is cancelled.
func (s *Syncer) Start(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(s.config.Dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", s.config.Dir, err)
	}

	s.SyncNow(ctx)

	ready := make(chan string, 16)
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()
	defer s.stopTimers()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Syncer stopping")
			return nil
		case <-ticker.C:
			s.SyncNow(ctx)
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 && s.Matches(ev.Name) {
				s.schedule(ctx, ev.Name, ready)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.WithError(err).Warn("Watcher error")
		case path := <-ready:
			if _, err := s.ProcessFile(ctx, path); err != nil {
				s.logger.WithError(err).WithField("path", path).Error("Failed to ingest file")
			}
		}
	}
}

// schedule debounces bursts of writes to the same path
func (s *Syncer) schedule(ctx context.Context, path string, ready chan<- string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.pending[path]; ok {
		t.Reset(s.debounce)
		return
	}
	s.pending[path] = time.AfterFunc(s.debounce, func() {
		s.mu.Lock()
		delete(s.pending, path)
		s.mu.Unlock()

		select {
		case ready <- path:
		case <-ctx.Done():
		}
	})
}

func (s *Syncer) stopTimers() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for path, t := range s.pending {
		t.Stop()
		delete(s.pending, path)
	}
}

// SyncNow scans the directory once and ingests every matching file
func (s *Syncer) SyncNow(ctx context.Context) map[string]Outcome {
	entries, err := os.ReadDir(s.config.Dir)
	if err != nil {
		s.logger.WithError(err).WithField("dir", s.config.Dir).Error("Failed to list sync directory")
		return nil
	}

	outcomes := make(map[string]Outcome)
	for _, e := range entries {
		if e.IsDir() || !s.Matches(e.Name()) {
			continue
		}
		path := filepath.Join(s.config.Dir, e.Name())
		outcome, err := s.ProcessFile(ctx, path)
		if err != nil {
			s.logger.WithError(err).WithField("path", path).Error("Failed to ingest file")
			continue
		}
		outcomes[path] = outcome
	}

	s.logger.WithFields(logrus.Fields{
		"dir":   s.config.Dir,
		"files": len(outcomes),
	}).Debug("Sync cycle complete")
	return outcomes
}

// ProcessFile ingests one file, detecting if it's new or modified
func (s *Syncer) ProcessFile(ctx context.Context, path string) (Outcome, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", abs, err)
	}

	existing, err := s.ingest.FindBySource(ctx, abs)
	if errors.Is(err, store.ErrDocumentNotFound) {
		doc, err := s.ingest.Upload(ctx, versioning.UploadRequest{
			Filename:   filepath.Base(abs),
			Data:       data,
			ProjectID:  s.config.ProjectID,
			Actor:      s.config.Actor,
			SourcePath: abs,
		})
		if err != nil {
			return "", err
		}
		s.logger.WithFields(logrus.Fields{"path": abs, "document": doc.ID}).Info("New file ingested")
		return OutcomeUploaded, nil
	}
	if err != nil {
		return "", err
	}

	// a document left without versions by a failed upload is retried
	if existing.CurrentVersion > 0 && existing.ContentHash == blob.ComputeHash(data) {
		return OutcomeUnchanged, nil
	}

	res, err := s.ingest.CreateVersionLocked(ctx, versioning.CreateVersionRequest{
		DocumentID: existing.ID,
		Data:       data,
		Actor:      s.config.Actor,
		Filename:   filepath.Base(abs),
	})
	if errors.Is(err, lock.ErrLockConflict) {
		// picked up again on the next cycle
		s.logger.WithField("document", existing.ID).Info("Document locked, deferring")
		return OutcomeLocked, nil
	}
	if err != nil {
		return "", err
	}

	s.logger.WithFields(logrus.Fields{
		"path":     abs,
		"document": existing.ID,
		"version":  res.Version.Number,
	}).Info("File modified, version recorded")
	return OutcomeVersioned, nil
}
