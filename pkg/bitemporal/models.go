// Package bitemporal implements bitemporal record keeping on top of a
// relational store: immutable versions addressed by effective time, grouped
// into immutable snapshots (timelines) addressed by transaction time.
package bitemporal

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bitemporal-io/bitemporal/pkg/interval"
)

const (
	timelinesTable      = "timelines"
	timelineEventsTable = "timeline_events"
)

// Infinity is the transaction stop of the current snapshot.
var Infinity = interval.Infinity

// immutable marks record types that may only ever be inserted.
type immutable interface {
	immutableRecord()
}

// VersionBase holds the columns every version kind must carry. Embed it in a
// version record type:
//
//	type AddressVersion struct {
//		bitemporal.VersionBase
//		Street string `gorm:"column:street"`
//	}
//
//	func (AddressVersion) TableName() string { return "address_versions" }
type VersionBase struct {
	ID             string    `gorm:"primaryKey;column:id;type:varchar(36)" json:"id"`
	UUID           string    `gorm:"column:uuid;type:varchar(64);index;not null" json:"uuid"`
	EffectiveStart time.Time `gorm:"column:effective_start;precision:6;index;not null" json:"effectiveStart"`
	EffectiveStop  time.Time `gorm:"column:effective_stop;precision:6;index;not null" json:"effectiveStop"`
	CreatedAt      time.Time `gorm:"column:created_at;autoCreateTime" json:"createdAt"`
}

// Base gives the engine access to the embedded bookkeeping columns.
func (b *VersionBase) Base() *VersionBase { return b }

// Effective returns the effective-time range of the version.
func (b VersionBase) Effective() interval.Interval {
	return interval.Interval{Start: b.EffectiveStart, Stop: b.EffectiveStop}
}

func (*VersionBase) immutableRecord() {}

func (b *VersionBase) normalize() {
	b.EffectiveStart = interval.Normalize(b.EffectiveStart)
	b.EffectiveStop = interval.Normalize(b.EffectiveStop)
	if !b.CreatedAt.IsZero() {
		b.CreatedAt = interval.Normalize(b.CreatedAt)
	}
}

// Version is satisfied by a pointer to any struct embedding VersionBase that
// names its table. The table name doubles as the version kind recorded on
// timeline events.
type Version interface {
	Base() *VersionBase
	TableName() string
}

// VersionPtr constrains PV to be *V and a Version.
type VersionPtr[V any] interface {
	*V
	Version
}

// Timeline is one snapshot of every version of an entity, valid for one
// transaction-time range. Exactly one timeline per (kind, uuid) is open, with
// TransactionStop = Infinity.
type Timeline struct {
	ID               string    `gorm:"primaryKey;column:id;type:varchar(36)" json:"id"`
	Kind             string    `gorm:"column:kind;type:varchar(128);not null;uniqueIndex:idx_timeline_open,priority:1;uniqueIndex:idx_timeline_start,priority:1" json:"kind"`
	UUID             string    `gorm:"column:uuid;type:varchar(64);not null;uniqueIndex:idx_timeline_open,priority:2;uniqueIndex:idx_timeline_start,priority:2" json:"uuid"`
	TransactionStart time.Time `gorm:"column:transaction_start;precision:6;not null;uniqueIndex:idx_timeline_start,priority:3" json:"transactionStart"`
	TransactionStop  time.Time `gorm:"column:transaction_stop;precision:6;not null;uniqueIndex:idx_timeline_open,priority:3" json:"transactionStop"`
	CreatedAt        time.Time `gorm:"column:created_at;autoCreateTime" json:"createdAt"`
}

// TableName returns the GORM table name.
func (Timeline) TableName() string { return timelinesTable }

func (*Timeline) immutableRecord() {}

func (t *Timeline) normalize() {
	t.TransactionStart = interval.Normalize(t.TransactionStart)
	t.TransactionStop = interval.Normalize(t.TransactionStop)
	if !t.CreatedAt.IsZero() {
		t.CreatedAt = interval.Normalize(t.CreatedAt)
	}
}

// Transaction returns the transaction-time range of the snapshot.
func (t Timeline) Transaction() interval.Interval {
	return interval.Interval{Start: t.TransactionStart, Stop: t.TransactionStop}
}

// IsCurrent reports whether the snapshot is still open.
func (t Timeline) IsCurrent() bool {
	return t.TransactionStop.Equal(Infinity)
}

// TimelineEvent joins one timeline to one version of the given kind.
type TimelineEvent struct {
	ID          string    `gorm:"primaryKey;column:id;type:varchar(36)" json:"id"`
	TimelineID  string    `gorm:"column:timeline_id;type:varchar(36);index;not null" json:"timelineId"`
	VersionID   string    `gorm:"column:version_id;type:varchar(36);index;not null" json:"versionId"`
	VersionKind string    `gorm:"column:version_kind;type:varchar(128);not null" json:"versionKind"`
	Position    int       `gorm:"column:position;not null" json:"position"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime" json:"createdAt"`
}

// TableName returns the GORM table name.
func (TimelineEvent) TableName() string { return timelineEventsTable }

func (*TimelineEvent) immutableRecord() {}

// JSONMap is a custom GORM type for map[string]any stored as JSON. Version
// kinds use it for free-form payload fields.
type JSONMap map[string]any

// Scan implements the sql.Scanner interface for JSONMap.
func (m *JSONMap) Scan(value any) error {
	if value == nil {
		*m = nil
		return nil
	}
	var bytes []byte
	switch v := value.(type) {
	case string:
		bytes = []byte(v)
	case []byte:
		bytes = v
	default:
		return fmt.Errorf("unsupported type for JSONMap: %T", value)
	}
	return json.Unmarshal(bytes, m)
}

// Value implements the driver.Valuer interface for JSONMap.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}
