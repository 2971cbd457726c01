package flock

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jrife/lagopus/kv"
	"github.com/jrife/lagopus/utils/log"
	"github.com/jrife/lagopus/utils/uuid"
)

// ErrNotAcquired is returned by WithLock when the lock could not be
// acquired before the context expired.
var ErrNotAcquired = errors.New("could not acquire lock")

// DefaultRetryDelay is the pause between acquisition passes while the
// lock is held by another owner.
const DefaultRetryDelay = 10 * time.Millisecond

// Client is the slice of the clerk that the lock needs. The lock uses
// only the public KV contract: there is no lock primitive on the
// server. Mutual exclusion falls out of version-conditional writes
// alone.
type Client interface {
	Get(ctx context.Context, key string) (string, uint64, error)
	Put(ctx context.Context, key string, value string, version uint64) error
	ConditionalPut(ctx context.Context, key string, value string, version uint64) (bool, error)
	CreateIfMissing(ctx context.Context, key string, value string) (bool, error)
}

var _ Client = (*kv.Clerk)(nil)

// Config contains configuration
// for a lock
type Config struct {
	// Name is the key that represents the lock in the store.
	Name string
	// Free is the value stored while no one holds the lock. The
	// conventional marker is the empty string.
	Free string
	// RetryDelay is the pause between acquisition passes.
	// 0 means DefaultRetryDelay.
	RetryDelay time.Duration
	Logger     *zap.Logger
}

// Lock is a distributed mutual-exclusion lock over a single key of
// the KV store. The key's value is either the free marker or the
// owner id of the current holder; the key's version is what makes
// handover race-free. Each Lock instance is a distinct actor with its
// own owner id, even when several target the same key.
type Lock struct {
	client     Client
	logger     *zap.Logger
	name       string
	ownerID    string
	free       string
	retryDelay time.Duration

	mu   sync.Mutex
	held bool
}

// New creates a lock over the named key with a fresh owner id
func New(client Client, config Config) *Lock {
	lock := &Lock{
		client:     client,
		logger:     config.Logger,
		name:       config.Name,
		ownerID:    uuid.MustUUID(),
		free:       config.Free,
		retryDelay: config.RetryDelay,
	}

	if lock.logger == nil {
		lock.logger = zap.L()
	}

	if lock.retryDelay <= 0 {
		lock.retryDelay = DefaultRetryDelay
	}

	lock.logger = lock.logger.With(zap.String("lock", lock.name), zap.String("owner_id", lock.ownerID))

	return lock
}

// OwnerID returns this instance's owner id
func (lock *Lock) OwnerID() string {
	return lock.ownerID
}

// IsHeld returns true if this instance believes it holds the lock
func (lock *Lock) IsHeld() bool {
	lock.mu.Lock()
	defer lock.mu.Unlock()

	return lock.held
}

// Holder returns the owner id currently holding the lock. The second
// return is false when the lock is free or its key does not exist yet.
func (lock *Lock) Holder(ctx context.Context) (string, bool, error) {
	value, _, err := lock.client.Get(ctx, lock.name)

	if err == kv.ErrNoKey {
		return "", false, nil
	}

	if err != nil {
		return "", false, err
	}

	if value == lock.free {
		return "", false, nil
	}

	return value, true, nil
}

// Acquire blocks until the lock is held by this instance or the
// context expires. It returns true if the lock was acquired. An
// instance that already holds the lock acquires it again immediately.
func (lock *Lock) Acquire(ctx context.Context) bool {
	logger := log.WithContext(ctx, lock.logger).With(zap.String("operation", "Acquire"))

	lock.mu.Lock()

	if lock.held {
		lock.mu.Unlock()

		return true
	}

	lock.mu.Unlock()

	for ctx.Err() == nil {
		acquired := lock.tryAcquire(ctx, logger)

		if acquired {
			lock.mu.Lock()
			lock.held = true
			lock.mu.Unlock()

			logger.Debug("acquired")

			return true
		}

		timer := time.NewTimer(lock.retryDelay)

		select {
		case <-ctx.Done():
			timer.Stop()

			logger.Debug("deadline elapsed")

			return false
		case <-timer.C:
		}
	}

	logger.Debug("deadline elapsed")

	return false
}

// tryAcquire makes a single pass of the acquisition state machine:
// read the lock key, then either create it, take over a free lock, or
// report that someone else holds it. Ambiguous outcomes are resolved
// by re-reading and comparing the stored value to our owner id.
func (lock *Lock) tryAcquire(ctx context.Context, logger *zap.Logger) bool {
	value, version, err := lock.client.Get(ctx, lock.name)

	switch err {
	case kv.ErrNoKey:
		created, err := lock.client.CreateIfMissing(ctx, lock.name, lock.ownerID)

		if err == nil {
			if created {
				return true
			}

			// Someone else created the key first.
			return false
		}

		logger.Debug("ambiguous create", zap.Error(err))

		return lock.holdsByRead(ctx)
	case nil:
	default:
		logger.Debug("read failed", zap.Error(err))

		return false
	}

	if value == lock.ownerID {
		// A previous ambiguous attempt went through after all.
		return true
	}

	if value != lock.free {
		return false
	}

	taken, err := lock.client.ConditionalPut(ctx, lock.name, lock.ownerID, version)

	if err == nil {
		return taken
	}

	logger.Debug("ambiguous takeover", zap.Error(err))

	return lock.holdsByRead(ctx)
}

// holdsByRead settles an ambiguous write: the lock is ours exactly
// when the key now holds our owner id.
func (lock *Lock) holdsByRead(ctx context.Context) bool {
	value, _, err := lock.client.Get(ctx, lock.name)

	return err == nil && value == lock.ownerID
}

// Release returns the lock to the free marker if this instance holds
// it. Releasing a lock held by another owner, or no one, has no
// effect. Exclusion does not depend on Release, but until a holder
// releases no other party can acquire.
func (lock *Lock) Release() {
	logger := lock.logger.With(zap.String("operation", "Release"))
	ctx := context.Background()

	lock.mu.Lock()
	lock.held = false
	lock.mu.Unlock()

	retriedAmbiguous := false

	for {
		value, version, err := lock.client.Get(ctx, lock.name)

		if err != nil {
			// ErrNoKey means there is nothing to release. An ambiguous
			// read leaves us unable to prove we still hold the lock;
			// give up rather than spin forever.
			logger.Debug("return from Release()", zap.Error(err))

			return
		}

		if value != lock.ownerID {
			// Free, or held by someone else. Either way not ours to
			// touch.
			return
		}

		err = lock.client.Put(ctx, lock.name, lock.free, version)

		switch err {
		case nil:
			logger.Debug("released")

			return
		case kv.ErrVersion:
			// Lost a race with another writer; re-read and reassess.
			continue
		case kv.ErrNoKey:
			return
		default:
			if holder, held, err := lock.Holder(ctx); err == nil && (!held || holder != lock.ownerID) {
				// The ambiguous write went through.
				logger.Debug("released")

				return
			}

			if retriedAmbiguous {
				logger.Debug("return from Release()", zap.Error(err))

				return
			}

			retriedAmbiguous = true
		}
	}
}

// WithLock runs fn while holding the lock, releasing it on every exit
// path. It returns ErrNotAcquired if the lock could not be acquired
// before the context expired; otherwise it returns fn's error.
func (lock *Lock) WithLock(ctx context.Context, fn func() error) error {
	if !lock.Acquire(ctx) {
		return ErrNotAcquired
	}

	defer lock.Release()

	return fn()
}
