package bitemporal

import (
	"fmt"
	"slices"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/bitemporal-io/bitemporal/pkg/interval"
)

// spliceResult is the version set of the next snapshot, split by origin.
type spliceResult[V any] struct {
	// Kept are versions of the current snapshot carried forward unchanged.
	Kept []V
	// Remainders are new rows holding the parts of overlapping versions that
	// fall outside the written range.
	Remainders []V
	// Dropped are versions entirely covered by the written range.
	Dropped []V
}

// Inserted returns the rows the write has to create.
func (r spliceResult[V]) Inserted(fact *V) []V {
	rows := slices.Clone(r.Remainders)
	if fact != nil {
		rows = append(rows, *fact)
	}
	return rows
}

// splice cuts rng out of the version set current. A version that does not
// overlap rng is kept as is. A version overlapping rng contributes a new row
// for its part before rng.Start and a new row for its part from rng.Stop; a
// version straddling the whole range contributes both. Existing rows are never
// modified.
func splice[V any, PV VersionPtr[V]](current []V, rng interval.Interval, newID func() string) spliceResult[V] {
	var res spliceResult[V]
	for _, v := range current {
		eff := PV(&v).Base().Effective()
		switch {
		case !eff.Overlaps(rng):
			res.Kept = append(res.Kept, v)
		case rng.Covers(eff):
			res.Dropped = append(res.Dropped, v)
		default:
			if prior, err := eff.ClampStop(rng.Start); err == nil {
				res.Remainders = append(res.Remainders, remainder[V, PV](v, prior, newID))
			}
			if following, err := eff.ClampStart(rng.Stop); err == nil {
				res.Remainders = append(res.Remainders, remainder[V, PV](v, following, newID))
			}
		}
	}
	return res
}

// remainder copies v, payload included, onto part as a new row.
func remainder[V any, PV VersionPtr[V]](v V, part interval.Interval, newID func() string) V {
	clone := v
	b := PV(&clone).Base()
	b.ID = newID()
	b.EffectiveStart = part.Start
	b.EffectiveStop = part.Stop
	b.CreatedAt = time.Time{}
	return clone
}

// validateSnapshot checks the invariants of a snapshot before it is written:
// every version belongs to the timeline's entity and kind, and no two
// versions overlap in effective time.
func validateSnapshot(tl *Timeline, versions []*VersionBase, events []TimelineEvent) error {
	uuids := mapset.NewThreadUnsafeSet[string]()
	ids := mapset.NewThreadUnsafeSet[string]()
	for _, v := range versions {
		uuids.Add(v.UUID)
		if !ids.Add(v.ID) {
			return fmt.Errorf("%w: version %s appears twice in snapshot of %s", ErrOverlappingVersions, v.ID, tl.UUID)
		}
		if !v.EffectiveStart.Before(v.EffectiveStop) {
			return fmt.Errorf("%w: version %s has effective range %s", ErrInvalidInterval, v.ID, v.Effective())
		}
	}
	if extra := uuids.Difference(mapset.NewThreadUnsafeSet(tl.UUID)); extra.Cardinality() > 0 {
		return fmt.Errorf("%w: snapshot of %s references versions of %v", ErrMismatchedEntity, tl.UUID, extra.ToSlice())
	}

	kinds := mapset.NewThreadUnsafeSet[string]()
	for _, ev := range events {
		kinds.Add(ev.VersionKind)
	}
	if extra := kinds.Difference(mapset.NewThreadUnsafeSet(tl.Kind)); extra.Cardinality() > 0 {
		return fmt.Errorf("%w: snapshot of %s kind %s references versions of kind %v", ErrMismatchedEntity, tl.UUID, tl.Kind, extra.ToSlice())
	}

	sorted := slices.Clone(versions)
	slices.SortFunc(sorted, func(a, b *VersionBase) int { return a.EffectiveStart.Compare(b.EffectiveStart) })
	for i := 1; i < len(sorted); i++ {
		prev, cur := sorted[i-1], sorted[i]
		if cur.EffectiveStart.Before(prev.EffectiveStop) {
			return fmt.Errorf("%w: %s and %s overlap in snapshot of %s",
				ErrOverlappingVersions, prev.Effective(), cur.Effective(), tl.UUID)
		}
	}
	return nil
}
