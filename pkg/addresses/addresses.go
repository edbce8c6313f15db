// Package addresses is the address entity kind: postal addresses whose
// history is kept bitemporally.
package addresses

import (
	"time"

	"gorm.io/gorm"

	"github.com/bitemporal-io/bitemporal/pkg/bitemporal"
	"github.com/bitemporal-io/bitemporal/pkg/filter"
)

// Kind is the version kind of addresses.
const Kind = "address_versions"

// Version is one immutable address fact.
type Version struct {
	bitemporal.VersionBase
	Street     string             `gorm:"column:street;type:varchar(255)" json:"street"`
	City       string             `gorm:"column:city;type:varchar(255);index" json:"city"`
	PostalCode string             `gorm:"column:postal_code;type:varchar(32)" json:"postalCode"`
	Country    string             `gorm:"column:country;type:varchar(64)" json:"country"`
	Attributes bitemporal.JSONMap `gorm:"column:attributes;type:text" json:"attributes,omitempty"`
}

// TableName returns the GORM table name.
func (Version) TableName() string { return Kind }

// Address is an address as known at some transaction time, valid from
// EffectiveSince.
type Address struct {
	UUID           string         `json:"uuid" yaml:"uuid"`
	Street         string         `json:"street" yaml:"street"`
	City           string         `json:"city" yaml:"city"`
	PostalCode     string         `json:"postalCode" yaml:"postalCode"`
	Country        string         `json:"country" yaml:"country"`
	Attributes     map[string]any `json:"attributes,omitempty" yaml:"attributes,omitempty"`
	TransactedAt   time.Time      `json:"transactedAt" yaml:"transactedAt"`
	EffectiveSince time.Time      `json:"effectiveSince" yaml:"effectiveSince"`
	// EffectiveUntil is nil for an address with no known end.
	EffectiveUntil *time.Time `json:"effectiveUntil,omitempty" yaml:"effectiveUntil,omitempty"`
}

// FromVersion projects a version to an Address.
func FromVersion(transactedAt, effectiveSince time.Time, v Version) Address {
	a := Address{
		UUID:           v.UUID,
		Street:         v.Street,
		City:           v.City,
		PostalCode:     v.PostalCode,
		Country:        v.Country,
		Attributes:     v.Attributes,
		TransactedAt:   transactedAt,
		EffectiveSince: effectiveSince,
	}
	if !v.Effective().IsOpen() {
		until := v.EffectiveStop
		a.EffectiveUntil = &until
	}
	return a
}

// Engine is the bitemporal engine for addresses.
type Engine = bitemporal.Engine[Version, *Version, Address]

// NewEngine creates an address engine. cfg.FromVersion defaults to
// FromVersion.
func NewEngine(db *gorm.DB, cfg bitemporal.Config[Version, Address]) (*Engine, error) {
	if cfg.FromVersion == nil {
		cfg.FromVersion = FromVersion
	}
	return bitemporal.NewEngine[Version, *Version](db, cfg)
}

// bookkeepingColumns may not appear in filters: ids are opaque and time
// conditions belong to the engine.
var bookkeepingColumns = []string{"id", "uuid", "effective_start", "effective_stop", "created_at", "attributes"}

// NewFilterParser returns a filter parser over the address payload columns.
func NewFilterParser() (*filter.Parser, error) {
	columns, err := filter.ColumnsOf(&Version{}, bookkeepingColumns...)
	if err != nil {
		return nil, err
	}
	return filter.NewParser(columns...), nil
}
