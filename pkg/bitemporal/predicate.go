package bitemporal

import (
	"fmt"

	"gorm.io/gorm"
)

// Scope is an opaque filter over version columns. It receives the version
// query and returns it with its own conditions added.
type Scope func(*gorm.DB) *gorm.DB

// Filter is a predicate value that knows how to apply itself to the version
// query, such as a compiled filter expression.
type Filter interface {
	Apply(*gorm.DB) *gorm.DB
}

func applyPredicate(q *gorm.DB, predicate any) (*gorm.DB, error) {
	switch p := predicate.(type) {
	case nil:
		return q, nil
	case Scope:
		q = p(q)
	case func(*gorm.DB) *gorm.DB:
		q = p(q)
	case Filter:
		q = p.Apply(q)
	case *gorm.DB:
		if p == nil {
			return q, nil
		}
		if p.Error != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidPredicate, p.Error)
		}
		q = q.Where(p)
	default:
		return nil, fmt.Errorf("%w: unsupported predicate type %T", ErrInvalidPredicate, predicate)
	}
	if q == nil {
		return nil, fmt.Errorf("%w: predicate returned no query", ErrInvalidPredicate)
	}
	if q.Error != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPredicate, q.Error)
	}
	return q, nil
}
