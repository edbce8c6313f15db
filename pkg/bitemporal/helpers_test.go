package bitemporal

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/bitemporal-io/bitemporal/pkg/cache"
)

type noteVersion struct {
	VersionBase
	Body string `gorm:"column:body"`
	Tag  string `gorm:"column:tag"`
}

func (noteVersion) TableName() string { return "note_versions" }

type note struct {
	UUID           string
	Body           string
	Tag            string
	TransactedAt   time.Time
	EffectiveSince time.Time
	EffectiveStop  time.Time
}

func noteFromVersion(transactedAt, effectiveSince time.Time, v noteVersion) note {
	return note{
		UUID:           v.UUID,
		Body:           v.Body,
		Tag:            v.Tag,
		TransactedAt:   transactedAt,
		EffectiveSince: effectiveSince,
		EffectiveStop:  v.EffectiveStop,
	}
}

type noteEngine = Engine[noteVersion, *noteVersion, note]

// stepClock returns start, then start+step, start+2*step, ...
type stepClock struct {
	mu   sync.Mutex
	next time.Time
	step time.Duration
}

func newStepClock() *stepClock {
	return &stepClock{next: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC), step: time.Minute}
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.next
	c.next = c.next.Add(c.step)
	return now
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	// One connection keeps every statement on the same in-memory database.
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

func newTestEngine(t *testing.T, db *gorm.DB, mutate ...func(*Config[noteVersion, note])) *noteEngine {
	t.Helper()
	cfg := Config[noteVersion, note]{
		FromVersion: noteFromVersion,
		Clock:       newStepClock().Now,
		Cache:       cache.New[string, []noteVersion](128, time.Hour),
	}
	for _, m := range mutate {
		m(&cfg)
	}
	e, err := NewEngine[noteVersion, *noteVersion](db, cfg)
	require.NoError(t, err)
	require.NoError(t, e.AutoMigrate(context.Background()))
	return e
}

func day(s string) time.Time {
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		panic(err)
	}
	return t
}

func body(b string) noteVersion {
	return noteVersion{Body: b}
}
