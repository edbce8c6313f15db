package bitemporal

import (
	"errors"
	"fmt"
	"reflect"

	mapset "github.com/deckarep/golang-set/v2"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	guardPluginName = "bitemporal:immutable"

	// closeTimelineKey flags the one statement allowed to modify a timeline:
	// moving transaction_stop of the current snapshot from Infinity to now.
	closeTimelineKey = "bitemporal:close_timeline"
)

// immutabilityGuard is the gorm plugin holding the guarded tables of one
// *gorm.DB. Tables are matched by model type when gorm parsed one and by name
// otherwise, as with db.Table(name).Updates(map).
type immutabilityGuard struct {
	tables mapset.Set[string]
}

func (g *immutabilityGuard) Name() string { return guardPluginName }

func (g *immutabilityGuard) Initialize(db *gorm.DB) error {
	if err := db.Callback().Update().Before("gorm:before_update").Register(guardPluginName, g.rejectMutation("updated", true)); err != nil {
		return fmt.Errorf("register update guard: %w", err)
	}
	if err := db.Callback().Delete().Before("gorm:before_delete").Register(guardPluginName, g.rejectMutation("deleted", false)); err != nil {
		return fmt.Errorf("register delete guard: %w", err)
	}
	if err := db.Callback().Create().Before("gorm:before_create").Register(guardPluginName, g.rejectUpsert); err != nil {
		return fmt.Errorf("register create guard: %w", err)
	}
	return nil
}

// RegisterImmutabilityGuard installs callbacks on db that reject updates,
// deletes and upserts of timelines, timeline events and the given version
// tables with ErrImmutableViolation. Registering again on the same *gorm.DB
// only adds tables.
//
// Raw SQL issued through Exec bypasses gorm callbacks and is not guarded.
func RegisterImmutabilityGuard(db *gorm.DB, tables ...string) error {
	if g, ok := db.Config.Plugins[guardPluginName].(*immutabilityGuard); ok {
		g.tables.Append(tables...)
		return nil
	}
	g := &immutabilityGuard{tables: mapset.NewSet(timelinesTable, timelineEventsTable)}
	g.tables.Append(tables...)
	err := db.Use(g)
	if errors.Is(err, gorm.ErrRegistered) {
		return RegisterImmutabilityGuard(db, tables...)
	}
	if err != nil {
		return fmt.Errorf("register immutability guard: %w", err)
	}
	return nil
}

func (g *immutabilityGuard) rejectMutation(verb string, allowClose bool) func(*gorm.DB) {
	return func(db *gorm.DB) {
		if db.Error != nil {
			return
		}
		table, guarded := g.guardedTable(db.Statement)
		if !guarded {
			return
		}
		if allowClose && table == timelinesTable {
			if v, ok := db.Get(closeTimelineKey); ok && v == true {
				return
			}
		}
		_ = db.AddError(fmt.Errorf("%w: %s rows cannot be %s", ErrImmutableViolation, table, verb))
	}
}

// rejectUpsert refuses inserts that would overwrite an existing row on conflict.
func (g *immutabilityGuard) rejectUpsert(db *gorm.DB) {
	if db.Error != nil {
		return
	}
	c, ok := db.Statement.Clauses["ON CONFLICT"]
	if !ok {
		return
	}
	onConflict, ok := c.Expression.(clause.OnConflict)
	if !ok || (!onConflict.UpdateAll && len(onConflict.DoUpdates) == 0) {
		return
	}
	if table, guarded := g.guardedTable(db.Statement); guarded {
		_ = db.AddError(fmt.Errorf("%w: %s rows cannot be overwritten", ErrImmutableViolation, table))
	}
}

func (g *immutabilityGuard) guardedTable(stmt *gorm.Statement) (string, bool) {
	if stmt.Schema != nil {
		if _, ok := reflect.New(stmt.Schema.ModelType).Interface().(immutable); ok {
			return stmt.Schema.Table, true
		}
	}
	if g.tables.Contains(stmt.Table) {
		return stmt.Table, true
	}
	return "", false
}
