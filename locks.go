package caravan

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sasha-s/go-deadlock"
)

var (
	ErrLockConflict = errors.New("resource already locked")
	ErrStaleLock    = errors.New("lock already released or expired")
	ErrInvalidTTL   = errors.New("lock ttl must be greater than zero")
)

// LockHandle is the caller's proof of ownership for one granted lock.
type LockHandle struct {
	ID         string
	Type       ResourceType
	ResourceID string
	Mode       LockMode
	Owner      RequestID
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

// LockConflict reports why an acquisition was refused. The caller retries on
// the next dispatch tick; the manager never blocks.
type LockConflict struct {
	Type          ResourceType
	ResourceID    string
	BlockingOwner RequestID
	BlockingMode  LockMode
	RetryAfter    time.Duration
}

func (c *LockConflict) Error() string {
	return fmt.Sprintf("resource %s/%s held %s by %s", c.Type, c.ResourceID, c.BlockingMode, c.BlockingOwner)
}

// LockManager grants and releases TTL-bounded locks on named resources. It is
// the sole writer of ResourceLock rows. Expiry is handled twice over: lazily
// at acquire time and by the periodic sweep, so a crashed owner can never
// block a resource past its lease.
type LockManager struct {
	mu deadlock.Mutex

	db     Database
	logger Logger
}

func NewLockManager(db Database, logger Logger) *LockManager {
	return &LockManager{
		db:     db,
		logger: logger,
	}
}

// Acquire grants a lock or returns a conflict. Exclusive conflicts with any
// live lock; Shared conflicts only with a live Exclusive.
func (lm *LockManager) Acquire(ctx context.Context, resourceType ResourceType, resourceID string, mode LockMode, owner RequestID, ttl time.Duration) (*LockHandle, *LockConflict, error) {
	if ttl <= 0 {
		err := errors.Join(ErrInvalidTTL, fmt.Errorf("resource %s/%s", resourceType, resourceID))
		lm.logger.Error(ctx, err.Error(), "lock.resource", resourceID, "lock.owner", owner)
		return nil, nil, err
	}

	lm.mu.Lock()
	defer lm.mu.Unlock()

	now := time.Now()

	existing, err := lm.db.ListResourceLocks(resourceType, resourceID)
	if err != nil {
		return nil, nil, err
	}

	for _, l := range existing {
		if l.expired(now) {
			continue
		}
		if mode == LockExclusive || l.Mode == LockExclusive {
			conflict := &LockConflict{
				Type:          resourceType,
				ResourceID:    resourceID,
				BlockingOwner: l.Owner,
				BlockingMode:  l.Mode,
				RetryAfter:    time.Until(l.ExpiresAt),
			}
			lm.logger.Debug(ctx, "lock conflict",
				"lock.resource_type", resourceType,
				"lock.resource", resourceID,
				"lock.mode", mode,
				"lock.owner", owner,
				"lock.blocking_owner", l.Owner)
			return nil, conflict, nil
		}
	}

	lock := &ResourceLock{
		ID:         uuid.NewString(),
		Type:       resourceType,
		ResourceID: resourceID,
		Mode:       mode,
		Owner:      owner,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}
	if err := lm.db.AddResourceLock(lock); err != nil {
		return nil, nil, err
	}

	lm.logger.Debug(ctx, "lock acquired",
		"lock.id", lock.ID,
		"lock.resource_type", resourceType,
		"lock.resource", resourceID,
		"lock.mode", mode,
		"lock.owner", owner,
		"lock.expires_at", lock.ExpiresAt)

	return &LockHandle{
		ID:         lock.ID,
		Type:       lock.Type,
		ResourceID: lock.ResourceID,
		Mode:       lock.Mode,
		Owner:      lock.Owner,
		AcquiredAt: lock.AcquiredAt,
		ExpiresAt:  lock.ExpiresAt,
	}, nil, nil
}

// Release is idempotent. Releasing a handle the sweep already reclaimed logs
// a stale release and succeeds.
func (lm *LockManager) Release(ctx context.Context, handle *LockHandle) error {
	if handle == nil {
		return nil
	}

	lm.mu.Lock()
	defer lm.mu.Unlock()

	if err := lm.db.DeleteResourceLock(handle.ID); err != nil {
		if errors.Is(err, ErrLockNotFound) {
			lm.logger.Warn(ctx, ErrStaleLock.Error(),
				"lock.id", handle.ID,
				"lock.resource", handle.ResourceID,
				"lock.owner", handle.Owner)
			return nil
		}
		return err
	}

	lm.logger.Debug(ctx, "lock released", "lock.id", handle.ID, "lock.resource", handle.ResourceID, "lock.owner", handle.Owner)
	return nil
}

// Renew extends a live lease in place. A handle the sweep already reclaimed
// cannot be renewed; the owner must re-acquire.
func (lm *LockManager) Renew(ctx context.Context, handle *LockHandle, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, errors.Join(ErrInvalidTTL, fmt.Errorf("lock %s", handle.ID))
	}

	lm.mu.Lock()
	defer lm.mu.Unlock()

	now := time.Now()
	existing, err := lm.db.ListResourceLocks(handle.Type, handle.ResourceID)
	if err != nil {
		return false, err
	}
	for _, l := range existing {
		if l.ID != handle.ID {
			continue
		}
		if l.expired(now) {
			break
		}
		if err := lm.db.DeleteResourceLock(l.ID); err != nil {
			return false, err
		}
		l.ExpiresAt = now.Add(ttl)
		if err := lm.db.AddResourceLock(l); err != nil {
			return false, err
		}
		handle.ExpiresAt = l.ExpiresAt
		lm.logger.Debug(ctx, "lock renewed", "lock.id", l.ID, "lock.expires_at", l.ExpiresAt)
		return true, nil
	}

	lm.logger.Warn(ctx, ErrStaleLock.Error(), "lock.id", handle.ID, "lock.resource", handle.ResourceID)
	return false, nil
}

// SweepExpired reclaims every lock whose lease has lapsed.
func (lm *LockManager) SweepExpired(ctx context.Context) (int, error) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	count, err := lm.db.DeleteExpiredLocks(time.Now())
	if err != nil {
		return 0, err
	}
	if count > 0 {
		lm.logger.Info(ctx, "swept expired locks", "count", count)
	}
	return count, nil
}
