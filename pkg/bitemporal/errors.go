package bitemporal

import (
	"errors"

	"github.com/bitemporal-io/bitemporal/pkg/interval"
)

// Error kinds surfaced by the engine. Callers match them with errors.Is; every
// returned error wraps exactly one of these (or a store error).
var (
	// ErrInvalidInterval is returned for a range with start >= stop.
	ErrInvalidInterval = interval.ErrInvalidInterval

	// ErrOverlappingVersions is returned when a snapshot would hold two
	// versions whose effective ranges overlap.
	ErrOverlappingVersions = errors.New("overlapping versions")

	// ErrMismatchedEntity is returned when a version's uuid or kind disagrees
	// with the snapshot it is written into.
	ErrMismatchedEntity = errors.New("mismatched entity")

	// ErrImmutableViolation is returned for any attempt to update or delete a
	// version, timeline or timeline event after creation.
	ErrImmutableViolation = errors.New("immutable record")

	// ErrNotImplemented is returned by read operations of an engine built
	// without a projection, and by QueryAcrossTime.
	ErrNotImplemented = errors.New("not implemented")

	// ErrInvalidPredicate is returned by Query for a predicate of an
	// unrecognised shape.
	ErrInvalidPredicate = errors.New("invalid predicate")

	// ErrConcurrentModification is returned when the current snapshot changed
	// between read and commit, or when the clock does not advance past the
	// current snapshot's transaction start. The write is not retried.
	ErrConcurrentModification = errors.New("concurrent modification")
)
