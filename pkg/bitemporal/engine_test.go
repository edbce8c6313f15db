package bitemporal

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func bodies(ns []note) []string {
	out := make([]string, 0, len(ns))
	for _, n := range ns {
		out = append(out, n.Body)
	}
	return out
}

func TestNewEngine_RejectsVersionWithoutColumns(t *testing.T) {
	db := newTestDB(t)
	_, err := NewEngine[badVersion, *badVersion](db, Config[badVersion, struct{}]{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "has no uuid column")
}

type badVersion struct {
	ID   string `gorm:"primaryKey"`
	base VersionBase
}

func (b *badVersion) Base() *VersionBase { return &b.base }
func (badVersion) TableName() string     { return "bad_versions" }

func TestEngine_RoundTrip(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, newTestDB(t))

	tl1, err := e.UpdateForRange(ctx, "e1", day("2019-01-01"), day("2019-02-01"), body("a"))
	require.NoError(t, err)
	require.NotNil(t, tl1)
	assert.True(t, tl1.IsCurrent())

	got, err := e.AtTime(ctx, "e1", tl1.TransactionStart, day("2019-01-15"))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "a", got.Body)
	assert.Equal(t, "e1", got.UUID)
	assert.True(t, got.TransactedAt.Equal(tl1.TransactionStart))
	assert.True(t, got.EffectiveSince.Equal(day("2019-01-01")))

	tl2, err := e.UpdateForRange(ctx, "e1", day("2019-01-15"), day("2019-01-20"), body("b"))
	require.NoError(t, err)

	tests := []struct {
		name string
		tt   time.Time
		et   time.Time
		want string
	}{
		{"new fact inside range", tl2.TransactionStart, day("2019-01-16"), "b"},
		{"range start is inclusive", tl2.TransactionStart, day("2019-01-15"), "b"},
		{"range stop is exclusive", tl2.TransactionStart, day("2019-01-20"), "a"},
		{"prior remainder", tl2.TransactionStart, day("2019-01-10"), "a"},
		{"following remainder", tl2.TransactionStart, day("2019-01-25"), "a"},
		{"old belief", tl1.TransactionStart, day("2019-01-16"), "a"},
		{"outside every version", tl2.TransactionStart, day("2019-02-01"), ""},
		{"before first snapshot", tl1.TransactionStart.Add(-time.Second), day("2019-01-16"), ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := e.AtTime(ctx, "e1", tc.tt, tc.et)
			require.NoError(t, err)
			if tc.want == "" {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.Equal(t, tc.want, got.Body)
		})
	}

	timeline, err := e.TimelineAt(ctx, "e1", tl2.TransactionStart)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "a"}, bodies(timeline))
	require.Len(t, timeline, 3)
	assert.True(t, timeline[0].EffectiveStop.Equal(day("2019-01-15")))
	assert.True(t, timeline[2].EffectiveSince.Equal(day("2019-01-20")))
}

func TestEngine_HalfOpenBounds(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, newTestDB(t))

	tl1, err := e.UpdateForRange(ctx, "e1", day("2019-01-01"), day("2019-02-01"), body("a"))
	require.NoError(t, err)

	got, err := e.AtTime(ctx, "e1", tl1.TransactionStart, day("2019-01-01"))
	require.NoError(t, err)
	assert.NotNil(t, got, "effective start is contained")

	got, err = e.AtTime(ctx, "e1", tl1.TransactionStart, day("2019-02-01"))
	require.NoError(t, err)
	assert.Nil(t, got, "effective stop is not contained")

	tl2, err := e.UpdateForRange(ctx, "e1", day("2019-01-01"), day("2019-02-01"), body("b"))
	require.NoError(t, err)

	snapshots, err := e.Snapshots(ctx, "e1")
	require.NoError(t, err)
	require.Len(t, snapshots, 2)
	assert.True(t, snapshots[0].TransactionStop.Equal(tl2.TransactionStart), "snapshots partition transaction time")
	assert.True(t, snapshots[1].IsCurrent())

	// The close instant of the first snapshot belongs to the second.
	got, err = e.AtTime(ctx, "e1", snapshots[0].TransactionStop, day("2019-01-15"))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "b", got.Body)
}

func TestEngine_UpdateForRange_Idempotent(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, newTestDB(t))

	_, err := e.UpdateForRange(ctx, "e1", day("2019-01-01"), day("2019-03-01"), body("base"))
	require.NoError(t, err)
	first, err := e.UpdateForRange(ctx, "e1", day("2019-01-15"), day("2019-01-20"), body("x"))
	require.NoError(t, err)
	second, err := e.UpdateForRange(ctx, "e1", day("2019-01-15"), day("2019-01-20"), body("x"))
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	for d := day("2018-12-30"); d.Before(day("2019-03-03")); d = d.Add(12 * time.Hour) {
		a, err := e.AtTime(ctx, "e1", first.TransactionStart, d)
		require.NoError(t, err)
		b, err := e.AtTime(ctx, "e1", second.TransactionStart, d)
		require.NoError(t, err)
		if a == nil {
			assert.Nil(t, b, "at %s", d)
			continue
		}
		require.NotNil(t, b, "at %s", d)
		assert.Equal(t, a.Body, b.Body, "at %s", d)
		assert.True(t, a.EffectiveSince.Equal(b.EffectiveSince), "at %s", d)
	}
}

func TestEngine_HistoryAt(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, newTestDB(t))

	for _, b := range []string{"first", "second", "third"} {
		_, err := e.UpdateForRange(ctx, "e1", day("2019-01-01"), day("2019-02-01"), body(b))
		require.NoError(t, err)
	}
	_, err := e.DeleteInRange(ctx, "e1", day("2019-01-10"), day("2019-01-20"))
	require.NoError(t, err)
	// A different entity never shows up.
	_, err = e.UpdateForRange(ctx, "e2", day("2019-01-01"), day("2019-02-01"), body("other"))
	require.NoError(t, err)

	history, err := e.HistoryAt(ctx, "e1", day("2019-01-15"))
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second", "third"}, bodies(history))
	for i := 1; i < len(history); i++ {
		assert.True(t, history[i-1].TransactedAt.Before(history[i].TransactedAt))
	}

	history, err = e.HistoryAt(ctx, "e1", day("2019-01-05"))
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second", "third", "third"}, bodies(history))

	history, err = e.HistoryAt(ctx, "unknown", day("2019-01-15"))
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestEngine_DeleteInRange(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown entity is a no-op", func(t *testing.T) {
		e := newTestEngine(t, newTestDB(t))
		tl, err := e.DeleteInRange(ctx, "nobody", day("2019-01-01"), day("2019-02-01"))
		require.NoError(t, err)
		assert.Nil(t, tl)

		snapshots, err := e.Snapshots(ctx, "nobody")
		require.NoError(t, err)
		assert.Empty(t, snapshots)
	})

	t.Run("cuts a gap", func(t *testing.T) {
		e := newTestEngine(t, newTestDB(t))
		_, err := e.UpdateForRange(ctx, "e1", day("2019-01-01"), day("2019-02-01"), body("a"))
		require.NoError(t, err)

		tl, err := e.DeleteInRange(ctx, "e1", day("2019-01-10"), day("2019-01-20"))
		require.NoError(t, err)
		require.NotNil(t, tl)

		timeline, err := e.TimelineAt(ctx, "e1", tl.TransactionStart)
		require.NoError(t, err)
		require.Len(t, timeline, 2)
		assert.True(t, timeline[0].EffectiveSince.Equal(day("2019-01-01")))
		assert.True(t, timeline[0].EffectiveStop.Equal(day("2019-01-10")))
		assert.True(t, timeline[1].EffectiveSince.Equal(day("2019-01-20")))
		assert.True(t, timeline[1].EffectiveStop.Equal(day("2019-02-01")))

		got, err := e.AtTime(ctx, "e1", tl.TransactionStart, day("2019-01-15"))
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("deleting everything leaves an empty current snapshot", func(t *testing.T) {
		e := newTestEngine(t, newTestDB(t))
		_, err := e.UpdateForRange(ctx, "e1", day("2019-01-01"), day("2019-02-01"), body("a"))
		require.NoError(t, err)
		tl, err := e.DeleteInRange(ctx, "e1", day("2018-01-01"), day("2020-01-01"))
		require.NoError(t, err)

		versions, err := e.Versions(ctx, tl.ID)
		require.NoError(t, err)
		assert.Empty(t, versions)

		// The empty snapshot is still current, so the next write closes it.
		next, err := e.UpdateForRange(ctx, "e1", day("2019-01-01"), day("2019-01-02"), body("b"))
		require.NoError(t, err)
		snapshots, err := e.Snapshots(ctx, "e1")
		require.NoError(t, err)
		require.Len(t, snapshots, 3)
		assert.True(t, snapshots[1].TransactionStop.Equal(next.TransactionStart))
	})
}

func TestEngine_InvalidRanges(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, newTestDB(t))

	_, err := e.UpdateForRange(ctx, "e1", day("2019-02-01"), day("2019-02-01"), body("a"))
	assert.ErrorIs(t, err, ErrInvalidInterval)

	_, err = e.UpdateForRange(ctx, "e1", day("2019-02-01"), day("2019-01-01"), body("a"))
	assert.ErrorIs(t, err, ErrInvalidInterval)

	_, err = e.DeleteInRange(ctx, "e1", day("2019-02-01"), day("2019-01-01"))
	assert.ErrorIs(t, err, ErrInvalidInterval)
}

func TestEngine_SameTransactionTimeIsConflict(t *testing.T) {
	ctx := context.Background()
	fixed := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	e := newTestEngine(t, newTestDB(t), func(c *Config[noteVersion, note]) {
		c.Clock = func() time.Time { return fixed }
	})

	_, err := e.UpdateForRange(ctx, "e1", day("2019-01-01"), day("2019-02-01"), body("a"))
	require.NoError(t, err)
	_, err = e.UpdateForRange(ctx, "e1", day("2019-01-01"), day("2019-02-01"), body("b"))
	assert.ErrorIs(t, err, ErrConcurrentModification)
	assert.NotErrorIs(t, err, ErrInvalidInterval)
	_, err = e.DeleteInRange(ctx, "e1", day("2019-01-01"), Infinity)
	assert.ErrorIs(t, err, ErrConcurrentModification)

	snapshots, err := e.Snapshots(ctx, "e1")
	require.NoError(t, err)
	assert.Len(t, snapshots, 1, "failed write leaves no trace")
}

func TestEngine_VersionOrder(t *testing.T) {
	configs := map[string]func(*Config[noteVersion, note]){
		"cached":   func(*Config[noteVersion, note]) {},
		"uncached": func(c *Config[noteVersion, note]) { c.Cache = nil },
	}
	for name, mutate := range configs {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			e := newTestEngine(t, newTestDB(t), mutate)

			_, err := e.UpdateForRange(ctx, "e1", day("2019-01-01"), day("2019-02-01"), body("a"))
			require.NoError(t, err)
			tl, err := e.UpdateForRange(ctx, "e1", day("2019-01-15"), day("2019-01-20"), body("b"))
			require.NoError(t, err)

			timeline, err := e.TimelineAt(ctx, "e1", tl.TransactionStart)
			require.NoError(t, err)
			assert.Equal(t, []string{"a", "b", "a"}, bodies(timeline))

			versions, err := e.Versions(ctx, tl.ID)
			require.NoError(t, err)
			require.Len(t, versions, 3)
			var starts []string
			for _, v := range versions {
				starts = append(starts, v.EffectiveStart.Format(time.DateOnly))
			}
			assert.Equal(t, []string{"2019-01-01", "2019-01-15", "2019-01-20"}, starts)

			unordered := []noteVersion{
				{VersionBase: VersionBase{EffectiveStart: day("2019-03-01"), EffectiveStop: day("2019-04-01")}, Body: "mar"},
				{VersionBase: VersionBase{EffectiveStart: day("2019-01-01"), EffectiveStop: day("2019-02-01")}, Body: "jan"},
			}
			boot, err := e.Bootstrap(ctx, "e2", unordered)
			require.NoError(t, err)
			timeline, err = e.TimelineAt(ctx, "e2", boot.TransactionStart)
			require.NoError(t, err)
			assert.Equal(t, []string{"jan", "mar"}, bodies(timeline))
		})
	}
}

func TestEngine_MismatchedEntity(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, newTestDB(t))

	data := body("a")
	data.UUID = "someone-else"
	_, err := e.UpdateForRange(ctx, "e1", day("2019-01-01"), day("2019-02-01"), data)
	assert.ErrorIs(t, err, ErrMismatchedEntity)

	snapshots, err := e.Snapshots(ctx, "e1")
	require.NoError(t, err)
	assert.Empty(t, snapshots)
}

func TestEngine_Bootstrap(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, newTestDB(t))

	versions := []noteVersion{
		{VersionBase: VersionBase{EffectiveStart: day("2019-01-01"), EffectiveStop: day("2019-02-01")}, Body: "jan"},
		{VersionBase: VersionBase{EffectiveStart: day("2019-03-01"), EffectiveStop: day("2019-04-01")}, Body: "mar"},
	}
	tl, err := e.Bootstrap(ctx, "e1", versions)
	require.NoError(t, err)

	timeline, err := e.TimelineAt(ctx, "e1", tl.TransactionStart)
	require.NoError(t, err)
	assert.Equal(t, []string{"jan", "mar"}, bodies(timeline))
	assert.Empty(t, versions[0].ID, "caller's slice is not modified")

	_, err = e.Bootstrap(ctx, "e1", versions)
	assert.ErrorIs(t, err, ErrConcurrentModification)

	overlapping := []noteVersion{
		{VersionBase: VersionBase{EffectiveStart: day("2019-01-01"), EffectiveStop: day("2019-02-01")}},
		{VersionBase: VersionBase{EffectiveStart: day("2019-01-31"), EffectiveStop: day("2019-03-01")}},
	}
	_, err = e.Bootstrap(ctx, "e2", overlapping)
	assert.ErrorIs(t, err, ErrOverlappingVersions)

	foreign := []noteVersion{
		{VersionBase: VersionBase{UUID: "e4", EffectiveStart: day("2019-01-01"), EffectiveStop: day("2019-02-01")}},
	}
	_, err = e.Bootstrap(ctx, "e3", foreign)
	assert.ErrorIs(t, err, ErrMismatchedEntity)

	for _, uuid := range []string{"e2", "e3"} {
		snapshots, err := e.Snapshots(ctx, uuid)
		require.NoError(t, err)
		assert.Empty(t, snapshots, uuid)
	}
}

func TestEngine_Versions(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	e := newTestEngine(t, db)

	tl, err := e.UpdateForRange(ctx, "e1", day("2019-01-01"), day("2019-02-01"), body("a"))
	require.NoError(t, err)

	versions, err := e.Versions(ctx, tl.ID)
	require.NoError(t, err)
	require.Len(t, versions, 1)
	assert.Equal(t, "a", versions[0].Body)
	assert.NotEmpty(t, versions[0].ID)

	missing, err := e.Versions(ctx, "no-such-timeline")
	require.NoError(t, err)
	assert.Nil(t, missing)

	require.NoError(t, db.Create(&Timeline{
		ID: "foreign", Kind: "address_versions", UUID: "e1",
		TransactionStart: day("2019-01-01"), TransactionStop: Infinity,
	}).Error)
	_, err = e.Versions(ctx, "foreign")
	assert.ErrorIs(t, err, ErrMismatchedEntity)
}

func TestEngine_VersionCache(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	e := newTestEngine(t, db)

	tl, err := e.UpdateForRange(ctx, "e1", day("2019-01-01"), day("2019-02-01"), body("a"))
	require.NoError(t, err)

	hitsBefore, _ := e.cache.Stats()
	for i := 0; i < 3; i++ {
		got, err := e.AtTime(ctx, "e1", tl.TransactionStart, day("2019-01-15"))
		require.NoError(t, err)
		require.NotNil(t, got)
	}
	hitsAfter, _ := e.cache.Stats()
	assert.Equal(t, hitsBefore+3, hitsAfter, "written snapshot is served from cache")

	// Mutating a returned slice does not leak into the cache.
	versions, err := e.Versions(ctx, tl.ID)
	require.NoError(t, err)
	versions[0].Body = "mutated"
	again, err := e.Versions(ctx, tl.ID)
	require.NoError(t, err)
	assert.Equal(t, "a", again[0].Body)
}

func TestEngine_NilProjection(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, newTestDB(t), func(c *Config[noteVersion, note]) {
		c.FromVersion = nil
	})

	tl, err := e.UpdateForRange(ctx, "e1", day("2019-01-01"), day("2019-02-01"), body("a"))
	require.NoError(t, err, "writes do not need a projection")

	_, err = e.AtTime(ctx, "e1", tl.TransactionStart, day("2019-01-15"))
	assert.ErrorIs(t, err, ErrNotImplemented)
	_, err = e.TimelineAt(ctx, "e1", tl.TransactionStart)
	assert.ErrorIs(t, err, ErrNotImplemented)
	_, err = e.HistoryAt(ctx, "e1", day("2019-01-15"))
	assert.ErrorIs(t, err, ErrNotImplemented)
	_, err = e.Query(ctx, tl.TransactionStart, day("2019-01-15"), nil)
	assert.ErrorIs(t, err, ErrNotImplemented)

	versions, err := e.Versions(ctx, tl.ID)
	require.NoError(t, err, "raw versions do not need a projection")
	assert.Len(t, versions, 1)
}

func TestEngine_QueryAcrossTime(t *testing.T) {
	e := newTestEngine(t, newTestDB(t))
	now := time.Now()
	_, err := e.QueryAcrossTime(context.Background(), nil, &now, nil)
	assert.ErrorIs(t, err, ErrNotImplemented)
}

type tagFilter string

func (f tagFilter) Apply(db *gorm.DB) *gorm.DB { return db.Where("tag = ?", string(f)) }

func TestEngine_Query(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	e := newTestEngine(t, db)

	write := func(uuid, b, tag string) *Timeline {
		t.Helper()
		tl, err := e.UpdateForRange(ctx, uuid, day("2019-01-01"), day("2019-02-01"), noteVersion{Body: b, Tag: tag})
		require.NoError(t, err)
		return tl
	}
	write("e3", "three", "red")
	write("e1", "one", "red")
	last := write("e2", "two", "blue")
	// Recorded after the query's transaction time.
	write("e4", "four", "red")
	// Effective outside the query's effective time.
	_, err := e.UpdateForRange(ctx, "e5", day("2019-03-01"), day("2019-04-01"), noteVersion{Body: "five", Tag: "red"})
	require.NoError(t, err)

	tt, et := last.TransactionStart, day("2019-01-15")

	tests := []struct {
		name      string
		predicate any
		want      []string
	}{
		{"nil", nil, []string{"one", "two", "three"}},
		{"scope", Scope(func(q *gorm.DB) *gorm.DB { return q.Where("tag = ?", "red") }), []string{"one", "three"}},
		{"func", func(q *gorm.DB) *gorm.DB { return q.Where("body = ?", "two") }, []string{"two"}},
		{"relation", db.Where("tag = ?", "blue").Or("body = ?", "three"), []string{"two", "three"}},
		{"filter", tagFilter("red"), []string{"one", "three"}},
		{"no match", tagFilter("green"), []string{}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := e.Query(ctx, tt, et, tc.predicate)
			require.NoError(t, err)
			assert.Equal(t, tc.want, bodies(got))
		})
	}

	t.Run("superseded versions are not returned", func(t *testing.T) {
		tl, err := e.UpdateForRange(ctx, "e1", day("2019-01-10"), day("2019-01-20"), noteVersion{Body: "one-b", Tag: "red"})
		require.NoError(t, err)
		got, err := e.Query(ctx, tl.TransactionStart, et, tagFilter("red"))
		require.NoError(t, err)
		assert.Equal(t, []string{"one-b", "three", "four"}, bodies(got))
	})

	t.Run("invalid predicate", func(t *testing.T) {
		for _, p := range []any{"tag = 'red'", 42, map[string]any{"tag": "red"}} {
			_, err := e.Query(ctx, tt, et, p)
			assert.ErrorIs(t, err, ErrInvalidPredicate, "%T", p)
		}
	})
}
