package bitemporal

import (
	"context"
	"fmt"
	"hash/crc32"

	"gorm.io/gorm"
)

// migrationLockKey serialises schema migration across replicas.
const migrationLockKey = "schema-migration"

// WriteLocker serialises writers for one key (a kind and entity uuid) from the
// read of the current snapshot until the write transaction ends.
type WriteLocker interface {
	// Lock blocks until the lock for key is held or ctx is done. It is called
	// inside tx. release must be called once tx has committed or rolled back.
	Lock(ctx context.Context, tx *gorm.DB, key string) (release func(), err error)
}

// NewWriteLocker creates a WriteLocker appropriate for the database dialect.
// PostgreSQL uses transaction-scoped advisory locks, which also serialise
// writers in other processes; other databases use an in-process striped lock
// and rely on the timelines unique indexes to detect cross-process races.
func NewWriteLocker(db *gorm.DB) WriteLocker {
	if db != nil && db.Dialector.Name() == "postgres" {
		return pgAdvisoryLock{}
	}
	return NewStripedLock(64)
}

// pgAdvisoryLock uses pg_advisory_xact_lock, released by PostgreSQL at commit
// or rollback.
type pgAdvisoryLock struct{}

func (pgAdvisoryLock) Lock(ctx context.Context, tx *gorm.DB, key string) (func(), error) {
	if err := tx.WithContext(ctx).Exec("SELECT pg_advisory_xact_lock(?)", lockID(key)).Error; err != nil {
		return nil, fmt.Errorf("acquire advisory lock %q: %w", key, err)
	}
	return func() {}, nil
}

func lockID(key string) int64 {
	return int64(crc32.ChecksumIEEE([]byte(key)))
}

// StripedLock is an in-process WriteLocker. Keys hash onto a fixed set of
// stripes, so unrelated keys may occasionally share one.
type StripedLock struct {
	stripes []chan struct{}
}

// NewStripedLock creates a StripedLock with n stripes.
func NewStripedLock(n int) *StripedLock {
	if n < 1 {
		n = 1
	}
	l := &StripedLock{stripes: make([]chan struct{}, n)}
	for i := range l.stripes {
		l.stripes[i] = make(chan struct{}, 1)
	}
	return l
}

// Lock implements WriteLocker.
func (l *StripedLock) Lock(ctx context.Context, _ *gorm.DB, key string) (func(), error) {
	stripe := l.stripes[crc32.ChecksumIEEE([]byte(key))%uint32(len(l.stripes))]
	select {
	case stripe <- struct{}{}:
		return func() { <-stripe }, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("acquire write lock %q: %w", key, ctx.Err())
	}
}
