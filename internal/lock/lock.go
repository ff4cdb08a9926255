// Package lock implements advisory, lease-based document locks on top of the
// metadata store's compare-and-set primitive.
//
// A lock is granted when the document is unlocked, already held by the same
// holder, or held under a lease that has lapsed. Holders renew a lease to
// keep it; an expired lease is taken over by the next acquire.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sheet-vault/internal/store"
)

var (
	// ErrLockConflict is returned by Hold when another holder owns the lock
	ErrLockConflict = errors.New("document is locked by another holder")
	// ErrLeaseLost is returned by Hold when renewal failed while fn ran
	ErrLeaseLost = errors.New("lock lease lost")
	// ErrInvalidHolder is returned for an empty document id or holder
	ErrInvalidHolder = errors.New("document id and holder are required")
)

// Manager grants and releases document locks
type Manager struct {
	store  store.Store
	ttl    time.Duration
	now    func() time.Time
	logger *logrus.Logger
}

// Option configures a Manager
type Option func(*Manager)

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithLogger sets the logger
func WithLogger(logger *logrus.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// NewManager creates a lock manager. A zero ttl grants leases that never
// expire.
func NewManager(s store.Store, ttl time.Duration, opts ...Option) *Manager {
	m := &Manager{
		store:  s,
		ttl:    ttl,
		now:    time.Now,
		logger: logrus.New(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// TTL returns the lease length, zero when leases never expire
func (m *Manager) TTL() time.Duration { return m.ttl }

func (m *Manager) expiry(now time.Time) *time.Time {
	if m.ttl <= 0 {
		return nil
	}
	exp := now.Add(m.ttl)
	return &exp
}

// Acquire tries to take the lock for holder. It returns false, not an error,
// when another holder owns a live lease. Re-acquiring a held lock extends
// the lease.
func (m *Manager) Acquire(ctx context.Context, documentID, holder string) (bool, error) {
	if documentID == "" || holder == "" {
		return false, ErrInvalidHolder
	}

	now := m.now().UTC()
	granted, err := m.store.CompareAndSetLock(ctx, documentID, holder, now, m.expiry(now))
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock on %s: %w", documentID, err)
	}

	m.logger.WithFields(logrus.Fields{
		"document": documentID,
		"holder":   holder,
		"granted":  granted,
	}).Debug("Lock acquire")
	return granted, nil
}

// Release drops the lock if holder owns it. Releasing a lock held by
// someone else, or not held at all, returns false.
func (m *Manager) Release(ctx context.Context, documentID, holder string) (bool, error) {
	if documentID == "" || holder == "" {
		return false, ErrInvalidHolder
	}

	released, err := m.store.ReleaseLock(ctx, documentID, holder)
	if err != nil {
		return false, fmt.Errorf("failed to release lock on %s: %w", documentID, err)
	}

	m.logger.WithFields(logrus.Fields{
		"document": documentID,
		"holder":   holder,
		"released": released,
	}).Debug("Lock release")
	return released, nil
}

// Renew extends a live lease owned by holder. It returns false when the
// lease is not held or has already lapsed.
func (m *Manager) Renew(ctx context.Context, documentID, holder string) (bool, error) {
	if documentID == "" || holder == "" {
		return false, ErrInvalidHolder
	}

	state, err := m.store.GetLock(ctx, documentID)
	if err != nil {
		return false, fmt.Errorf("failed to read lock on %s: %w", documentID, err)
	}
	now := m.now().UTC()
	if state == nil || state.Holder != holder || state.Expired(now) {
		return false, nil
	}

	renewed, err := m.store.CompareAndSetLock(ctx, documentID, holder, now, m.expiry(now))
	if err != nil {
		return false, fmt.Errorf("failed to renew lock on %s: %w", documentID, err)
	}
	return renewed, nil
}

// Status returns the live lock on a document, or nil when it is unlocked
// or the lease has lapsed.
func (m *Manager) Status(ctx context.Context, documentID string) (*store.LockState, error) {
	state, err := m.store.GetLock(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("failed to read lock on %s: %w", documentID, err)
	}
	if state == nil || state.Expired(m.now().UTC()) {
		return nil, nil
	}
	return state, nil
}

// Hold runs fn while holding the lock, renewing the lease in the background
// and releasing it afterwards. fn's context is cancelled if a renewal fails.
// A lock the holder already had when Hold was called is kept, so a commit
// inside an edit session does not end the session.
func (m *Manager) Hold(ctx context.Context, documentID, holder string, fn func(ctx context.Context) error) error {
	current, err := m.Status(ctx, documentID)
	if err != nil {
		return err
	}
	held := current != nil && current.Holder == holder

	granted, err := m.Acquire(ctx, documentID, holder)
	if err != nil {
		return err
	}
	if !granted {
		return fmt.Errorf("%w: %s", ErrLockConflict, documentID)
	}

	runCtx, cancel := context.WithCancel(ctx)
	lost := make(chan struct{})
	done := make(chan struct{})

	if m.ttl > 0 {
		go m.keepAlive(runCtx, documentID, holder, cancel, lost, done)
	} else {
		close(done)
	}

	fnErr := fn(runCtx)
	cancel()
	<-done

	if !held {
		// Release with a fresh context so a cancelled caller still frees the lock
		releaseCtx, releaseCancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer releaseCancel()
		if _, err := m.Release(releaseCtx, documentID, holder); err != nil {
			m.logger.WithError(err).WithField("document", documentID).Warn("Failed to release lock")
		}
	}

	select {
	case <-lost:
		if fnErr == nil {
			return fmt.Errorf("%w: %s", ErrLeaseLost, documentID)
		}
		return fmt.Errorf("%w: %s: %w", ErrLeaseLost, documentID, fnErr)
	default:
	}
	return fnErr
}

func (m *Manager) keepAlive(ctx context.Context, documentID, holder string, cancel context.CancelFunc, lost, done chan struct{}) {
	defer close(done)

	interval := m.ttl / 3
	if interval <= 0 {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := m.Renew(ctx, documentID, holder)
			if ctx.Err() != nil {
				return
			}
			if err != nil || !ok {
				m.logger.WithFields(logrus.Fields{
					"document": documentID,
					"holder":   holder,
				}).WithError(err).Warn("Lock lease lost")
				close(lost)
				cancel()
				return
			}
		}
	}
}
