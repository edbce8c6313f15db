package bitemporal

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"gorm.io/gorm"

	"github.com/bitemporal-io/bitemporal/pkg/interval"
)

// errNoWrite stops a rewrite without creating a snapshot.
var errNoWrite = errors.New("nothing to write")

// rewriteFunc computes the next version set from the current snapshot (nil if
// the entity has none) and its versions. kept are carried forward as is;
// created are new rows.
type rewriteFunc[V any] func(current *Timeline, versions []V) (kept, created []V, err error)

// UpdateForRange records data as the fact for uuid over
// [effectiveStart, effectiveStop). Versions outside the range are carried
// forward, versions straddling a bound are cut at it and versions inside the
// range are superseded. It returns the new current snapshot.
//
// The id, effective range and creation time of data are set by the engine.
// An empty uuid on data is filled in; a different one fails with
// ErrMismatchedEntity.
func (e *Engine[V, PV, D]) UpdateForRange(ctx context.Context, uuid string, effectiveStart, effectiveStop time.Time, data V) (*Timeline, error) {
	rng, err := interval.New(effectiveStart, effectiveStop)
	if err != nil {
		return nil, fmt.Errorf("update %s %s: %w", e.kind, uuid, err)
	}

	tl, err := e.rewrite(ctx, uuid, func(_ *Timeline, versions []V) ([]V, []V, error) {
		fact := data
		b := PV(&fact).Base()
		b.ID = e.newID()
		if b.UUID == "" {
			b.UUID = uuid
		}
		b.EffectiveStart, b.EffectiveStop = rng.Start, rng.Stop
		b.CreatedAt = time.Time{}

		res := splice[V, PV](versions, rng, e.newID)
		return res.Kept, res.Inserted(&fact), nil
	})
	if err != nil {
		return nil, fmt.Errorf("update %s %s over %s: %w", e.kind, uuid, rng, err)
	}
	return tl, nil
}

// DeleteInRange removes every fact about uuid over
// [effectiveStart, effectiveStop), leaving a gap. Versions straddling a bound
// are cut at it. It returns the new current snapshot, or nil if uuid has
// never been written.
func (e *Engine[V, PV, D]) DeleteInRange(ctx context.Context, uuid string, effectiveStart, effectiveStop time.Time) (*Timeline, error) {
	rng, err := interval.New(effectiveStart, effectiveStop)
	if err != nil {
		return nil, fmt.Errorf("delete %s %s: %w", e.kind, uuid, err)
	}

	tl, err := e.rewrite(ctx, uuid, func(current *Timeline, versions []V) ([]V, []V, error) {
		if current == nil {
			return nil, nil, errNoWrite
		}
		res := splice[V, PV](versions, rng, e.newID)
		return res.Kept, res.Inserted(nil), nil
	})
	if errors.Is(err, errNoWrite) {
		e.logger.Debug("delete of unknown entity ignored", "kind", e.kind, "uuid", uuid)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("delete %s %s over %s: %w", e.kind, uuid, rng, err)
	}
	return tl, nil
}

// Bootstrap writes the first snapshot of uuid directly from versions, as when
// importing existing history. The versions must not overlap. It fails with
// ErrConcurrentModification if uuid already has a snapshot.
func (e *Engine[V, PV, D]) Bootstrap(ctx context.Context, uuid string, versions []V) (*Timeline, error) {
	tl, err := e.rewrite(ctx, uuid, func(current *Timeline, _ []V) ([]V, []V, error) {
		if current != nil {
			return nil, nil, fmt.Errorf("%w: already has snapshot %s", ErrConcurrentModification, current.ID)
		}
		created := slices.Clone(versions)
		for i := range created {
			b := PV(&created[i]).Base()
			if b.ID == "" {
				b.ID = e.newID()
			}
			if b.UUID == "" {
				b.UUID = uuid
			}
			b.EffectiveStart = interval.Normalize(b.EffectiveStart)
			b.EffectiveStop = interval.Normalize(b.EffectiveStop)
			b.CreatedAt = time.Time{}
		}
		return nil, created, nil
	})
	if err != nil {
		return nil, fmt.Errorf("bootstrap %s %s: %w", e.kind, uuid, err)
	}
	return tl, nil
}

// rewrite replaces the current snapshot of uuid with the version set computed
// by fn. Under the entity's write lock and in one transaction it reads the
// current snapshot, validates the next one, closes the current snapshot,
// inserts the created versions and opens the next snapshot. Store conflicts,
// and a clock reading that does not advance past the current snapshot, are
// reported as ErrConcurrentModification and never retried.
func (e *Engine[V, PV, D]) rewrite(ctx context.Context, uuid string, fn rewriteFunc[V]) (*Timeline, error) {
	var (
		next    *Timeline
		nextSet []V
		created int
		release func()
	)
	defer func() {
		if release != nil {
			release()
		}
	}()

	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		if release, err = e.locker.Lock(ctx, tx, e.kind+"/"+uuid); err != nil {
			return err
		}
		now := interval.Normalize(e.clock())
		timelines := e.timelines.WithTx(tx)

		current, err := timelines.Current(e.kind, uuid)
		if err != nil {
			return err
		}
		var versions []V
		if current != nil {
			if versions, err = e.versionsOf(tx, current.ID); err != nil {
				return err
			}
		}

		kept, inserted, err := fn(current, versions)
		if err != nil {
			return err
		}
		nextSet = append(slices.Clip(kept), inserted...)
		created = len(inserted)

		tl := &Timeline{
			ID:               e.newID(),
			Kind:             e.kind,
			UUID:             uuid,
			TransactionStart: now,
			TransactionStop:  Infinity,
		}
		bases := make([]*VersionBase, len(nextSet))
		events := make([]TimelineEvent, len(nextSet))
		for i := range nextSet {
			bases[i] = PV(&nextSet[i]).Base()
			events[i] = TimelineEvent{
				ID:          e.newID(),
				TimelineID:  tl.ID,
				VersionID:   bases[i].ID,
				VersionKind: e.kind,
				Position:    i,
			}
		}
		if err := validateSnapshot(tl, bases, events); err != nil {
			return err
		}

		if current != nil {
			if !current.TransactionStart.Before(now) {
				return fmt.Errorf("%w: transaction time %s does not advance past snapshot %s",
					ErrConcurrentModification, now.Format(time.RFC3339Nano), current.ID)
			}
			if err := timelines.Close(current, now); err != nil {
				return err
			}
		}
		if created > 0 {
			rows := nextSet[len(kept):]
			if err := tx.Create(&rows).Error; err != nil {
				return fmt.Errorf("create %s versions: %w", e.kind, err)
			}
			for i := range rows {
				PV(&rows[i]).Base().normalize()
			}
		}
		if err := timelines.Insert(tl, events); err != nil {
			return err
		}
		next = tl
		return nil
	})
	if err != nil {
		if !errors.Is(err, ErrConcurrentModification) && isConflict(err) {
			err = fmt.Errorf("%w: %w", ErrConcurrentModification, err)
		}
		return nil, err
	}

	cached := slices.Clone(nextSet)
	slices.SortFunc(cached, func(a, b V) int {
		return PV(&a).Base().EffectiveStart.Compare(PV(&b).Base().EffectiveStart)
	})
	e.cache.Set(next.ID, cached)
	e.logger.Debug("snapshot written",
		"kind", e.kind,
		"uuid", uuid,
		"timeline", next.ID,
		"transactionStart", next.TransactionStart,
		"versions", len(nextSet),
		"created", created)
	return next, nil
}
