package bitemporal

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"

	"github.com/bitemporal-io/bitemporal/pkg/cache"
	"github.com/bitemporal-io/bitemporal/pkg/interval"
)

// Projection materialises a domain object from a version. transactedAt is the
// transaction start of the snapshot the version was read from; effectiveSince
// is the effective start of the version.
type Projection[V any, D any] func(transactedAt, effectiveSince time.Time, version V) D

// Config configures an Engine for one version kind.
type Config[V any, D any] struct {
	// FromVersion projects versions to domain objects. Read operations return
	// ErrNotImplemented when it is nil.
	FromVersion Projection[V, D]

	// Clock supplies the transaction time of writes. Defaults to time.Now.
	Clock func() time.Time

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Locker serialises writers per entity. Defaults to NewWriteLocker(db).
	Locker WriteLocker

	// Cache holds version sets by timeline id. nil disables caching.
	Cache *cache.Cache[string, []V]
}

var kindPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// requiredColumns are the columns every version table must have.
var requiredColumns = []string{"id", "uuid", "effective_start", "effective_stop"}

// Engine reads and writes the bitemporal history of one version kind V,
// projecting versions to domain objects of type D. An Engine is safe for
// concurrent use.
type Engine[V any, PV VersionPtr[V], D any] struct {
	db          *gorm.DB
	kind        string
	timelines   *TimelineStore
	fromVersion Projection[V, D]
	clock       func() time.Time
	logger      *slog.Logger
	locker      WriteLocker
	cache       *cache.Cache[string, []V]
	newID       func() string
}

// NewEngine creates an Engine for version kind V on db. The kind is the table
// name of V. NewEngine checks that V maps the bookkeeping columns and installs
// the immutability guard for the kind on db.
func NewEngine[V any, PV VersionPtr[V], D any](db *gorm.DB, cfg Config[V, D]) (*Engine[V, PV, D], error) {
	kind := PV(new(V)).TableName()
	if !kindPattern.MatchString(kind) || kind == timelinesTable || kind == timelineEventsTable {
		return nil, fmt.Errorf("invalid version kind %q", kind)
	}

	s, err := schema.Parse(new(V), &sync.Map{}, db.NamingStrategy)
	if err != nil {
		return nil, fmt.Errorf("parse version kind %s: %w", kind, err)
	}
	for _, col := range requiredColumns {
		if s.LookUpField(col) == nil {
			return nil, fmt.Errorf("version kind %s has no %s column", kind, col)
		}
	}

	if err := RegisterImmutabilityGuard(db, kind); err != nil {
		return nil, err
	}

	e := &Engine[V, PV, D]{
		db:          db,
		kind:        kind,
		timelines:   NewTimelineStore(db),
		fromVersion: cfg.FromVersion,
		clock:       cfg.Clock,
		logger:      cfg.Logger,
		locker:      cfg.Locker,
		cache:       cfg.Cache,
		newID:       uuid.NewString,
	}
	if e.clock == nil {
		e.clock = time.Now
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.locker == nil {
		e.locker = NewWriteLocker(db)
	}
	return e, nil
}

// Kind returns the version kind handled by the engine.
func (e *Engine[V, PV, D]) Kind() string { return e.kind }

// AutoMigrate creates or updates the timeline tables and the version table.
// Concurrent migrations from several processes are serialised on PostgreSQL.
func (e *Engine[V, PV, D]) AutoMigrate(ctx context.Context) error {
	var release func()
	defer func() {
		if release != nil {
			release()
		}
	}()
	return e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		if release, err = e.locker.Lock(ctx, tx, migrationLockKey); err != nil {
			return err
		}
		if err := NewTimelineStore(tx).AutoMigrate(); err != nil {
			return err
		}
		if err := tx.AutoMigrate(new(V)); err != nil {
			return fmt.Errorf("auto-migrate %s: %w", e.kind, err)
		}
		return nil
	})
}

// AtTime returns the domain object for uuid as recorded at transactionTime
// and effective at effectiveTime, or nil if there is none.
func (e *Engine[V, PV, D]) AtTime(ctx context.Context, uuid string, transactionTime, effectiveTime time.Time) (*D, error) {
	if e.fromVersion == nil {
		return nil, e.notImplemented("at time")
	}
	transactionTime, effectiveTime = interval.Normalize(transactionTime), interval.Normalize(effectiveTime)

	tl, err := e.store(ctx).At(e.kind, uuid, transactionTime)
	if err != nil || tl == nil {
		return nil, err
	}
	versions, err := e.versionsOf(e.db.WithContext(ctx), tl.ID)
	if err != nil {
		return nil, err
	}
	for _, v := range versions {
		b := PV(&v).Base()
		if b.Effective().Contains(effectiveTime) {
			d := e.fromVersion(tl.TransactionStart, b.EffectiveStart, v)
			return &d, nil
		}
	}
	return nil, nil
}

// TimelineAt returns every version of the snapshot of uuid active at
// transactionTime, projected and ordered by effective start.
func (e *Engine[V, PV, D]) TimelineAt(ctx context.Context, uuid string, transactionTime time.Time) ([]D, error) {
	if e.fromVersion == nil {
		return nil, e.notImplemented("timeline at")
	}
	tl, err := e.store(ctx).At(e.kind, uuid, interval.Normalize(transactionTime))
	if err != nil || tl == nil {
		return nil, err
	}
	versions, err := e.versionsOf(e.db.WithContext(ctx), tl.ID)
	if err != nil {
		return nil, err
	}
	out := make([]D, 0, len(versions))
	for _, v := range versions {
		out = append(out, e.fromVersion(tl.TransactionStart, PV(&v).Base().EffectiveStart, v))
	}
	return out, nil
}

// HistoryAt returns, for every snapshot of uuid that has a version active at
// effectiveTime, that version projected. Results are ordered by transaction
// start, oldest belief first.
func (e *Engine[V, PV, D]) HistoryAt(ctx context.Context, uuid string, effectiveTime time.Time) ([]D, error) {
	if e.fromVersion == nil {
		return nil, e.notImplemented("history at")
	}
	var rows []projected[V]
	err := e.projectedQuery(ctx).
		Where("timelines.uuid = ?", uuid).
		Where(e.kind+".effective_start <= ? AND ? < "+e.kind+".effective_stop", interval.Normalize(effectiveTime), interval.Normalize(effectiveTime)).
		Order("timelines.transaction_start ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("%s history of %s: %w", e.kind, uuid, err)
	}
	return e.project(rows), nil
}

// Query returns, for every entity of this kind, the version recorded at
// transactionTime and effective at effectiveTime that satisfies predicate,
// projected and ordered by entity uuid. predicate is one of:
//
//   - nil, for no filter;
//   - a Scope or func(*gorm.DB) *gorm.DB, receiving the version query;
//   - a *gorm.DB carrying conditions only, merged as a group;
//   - a Filter.
//
// Any other value fails with ErrInvalidPredicate. The predicate filters on
// version columns only and must not carry time conditions of its own.
func (e *Engine[V, PV, D]) Query(ctx context.Context, transactionTime, effectiveTime time.Time, predicate any) ([]D, error) {
	if e.fromVersion == nil {
		return nil, e.notImplemented("query")
	}
	transactionTime, effectiveTime = interval.Normalize(transactionTime), interval.Normalize(effectiveTime)

	matching := e.db.WithContext(ctx).Model(new(V)).Select("id").
		Where("effective_start <= ? AND ? < effective_stop", effectiveTime, effectiveTime)
	matching, err := applyPredicate(matching, predicate)
	if err != nil {
		return nil, fmt.Errorf("%s query: %w", e.kind, err)
	}

	var rows []projected[V]
	err = e.projectedQuery(ctx).
		Where("timelines.transaction_start <= ? AND ? < timelines.transaction_stop", transactionTime, transactionTime).
		Where(e.kind+".effective_start <= ? AND ? < "+e.kind+".effective_stop", effectiveTime, effectiveTime).
		Where(e.kind+".id IN (?)", matching).
		Order("timelines.uuid ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("%s query: %w", e.kind, err)
	}
	return e.project(rows), nil
}

// QueryAcrossTime is reserved for queries spanning the omitted time axes. It
// always returns ErrNotImplemented.
func (e *Engine[V, PV, D]) QueryAcrossTime(_ context.Context, _ any, _, _ *time.Time) ([][]D, error) {
	return nil, e.notImplemented("query across time")
}

// Snapshots returns every snapshot of uuid ordered by transaction start.
func (e *Engine[V, PV, D]) Snapshots(ctx context.Context, uuid string) ([]Timeline, error) {
	return e.store(ctx).List(e.kind, uuid)
}

// Versions returns the version set of one snapshot ordered by effective start.
// Returns nil, nil if the snapshot does not exist.
func (e *Engine[V, PV, D]) Versions(ctx context.Context, timelineID string) ([]V, error) {
	tl, err := e.store(ctx).Get(timelineID)
	if err != nil || tl == nil {
		return nil, err
	}
	if tl.Kind != e.kind {
		return nil, fmt.Errorf("%w: timeline %s holds %s versions, not %s", ErrMismatchedEntity, tl.ID, tl.Kind, e.kind)
	}
	return e.versionsOf(e.db.WithContext(ctx), tl.ID)
}

func (e *Engine[V, PV, D]) store(ctx context.Context) *TimelineStore {
	return e.timelines.WithTx(e.db.WithContext(ctx))
}

func (e *Engine[V, PV, D]) notImplemented(op string) error {
	return fmt.Errorf("%s %s: %w", e.kind, op, ErrNotImplemented)
}

// versionsOf loads the version set of a timeline through db, which may be a
// transaction. The returned slice is owned by the caller.
func (e *Engine[V, PV, D]) versionsOf(db *gorm.DB, timelineID string) ([]V, error) {
	if cached, ok := e.cache.Get(timelineID); ok {
		return slices.Clone(cached), nil
	}
	var versions []V
	err := db.Model(new(V)).
		Select(e.kind+".*").
		Joins("JOIN "+timelineEventsTable+" ON "+timelineEventsTable+".version_id = "+e.kind+".id").
		Where(timelineEventsTable+".timeline_id = ? AND "+timelineEventsTable+".version_kind = ?", timelineID, e.kind).
		Order(e.kind + ".effective_start ASC").
		Find(&versions).Error
	if err != nil {
		return nil, fmt.Errorf("load %s versions of timeline %s: %w", e.kind, timelineID, err)
	}
	for i := range versions {
		PV(&versions[i]).Base().normalize()
	}
	e.cache.Set(timelineID, slices.Clone(versions))
	return versions, nil
}

// projected is a version row joined with the snapshot it was read from.
type projected[V any] struct {
	Version      V         `gorm:"embedded"`
	TimelineID   string    `gorm:"column:timeline_id"`
	TransactedAt time.Time `gorm:"column:transacted_at"`
}

// projectedQuery selects versions of this kind joined with their snapshots.
func (e *Engine[V, PV, D]) projectedQuery(ctx context.Context) *gorm.DB {
	return e.db.WithContext(ctx).
		Table(e.kind).
		Select(e.kind+".*, "+timelinesTable+".id AS timeline_id, "+timelinesTable+".transaction_start AS transacted_at").
		Joins("JOIN "+timelineEventsTable+" ON "+timelineEventsTable+".version_id = "+e.kind+".id AND "+timelineEventsTable+".version_kind = ?", e.kind).
		Joins("JOIN "+timelinesTable+" ON "+timelinesTable+".id = "+timelineEventsTable+".timeline_id AND "+timelinesTable+".kind = ?", e.kind)
}

func (e *Engine[V, PV, D]) project(rows []projected[V]) []D {
	out := make([]D, 0, len(rows))
	for i := range rows {
		b := PV(&rows[i].Version).Base()
		b.normalize()
		out = append(out, e.fromVersion(interval.Normalize(rows[i].TransactedAt), b.EffectiveStart, rows[i].Version))
	}
	return out
}
