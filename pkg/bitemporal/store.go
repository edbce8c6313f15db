package bitemporal

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// TimelineStore provides the timeline and timeline-event operations shared by
// every version kind. It never updates or deletes rows, except for closing the
// current snapshot.
type TimelineStore struct {
	db *gorm.DB
}

// NewTimelineStore creates a new TimelineStore.
func NewTimelineStore(db *gorm.DB) *TimelineStore {
	return &TimelineStore{db: db}
}

// WithTx returns a store bound to tx.
func (s *TimelineStore) WithTx(tx *gorm.DB) *TimelineStore {
	return &TimelineStore{db: tx}
}

// AutoMigrate creates or updates the timelines and timeline_events tables.
func (s *TimelineStore) AutoMigrate() error {
	if err := s.db.AutoMigrate(&Timeline{}); err != nil {
		return fmt.Errorf("auto-migrate timelines: %w", err)
	}
	if err := s.db.AutoMigrate(&TimelineEvent{}); err != nil {
		return fmt.Errorf("auto-migrate timeline_events: %w", err)
	}
	return nil
}

// Current returns the open snapshot of an entity.
// Returns nil, nil if the entity has never been written.
func (s *TimelineStore) Current(kind, uuid string) (*Timeline, error) {
	var tl Timeline
	err := s.db.Where("kind = ? AND uuid = ? AND transaction_stop = ?", kind, uuid, Infinity).First(&tl).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get current timeline: %w", err)
	}
	tl.normalize()
	return &tl, nil
}

// At returns the snapshot of an entity whose transaction range contains t.
// Returns nil, nil if there is none.
func (s *TimelineStore) At(kind, uuid string, t time.Time) (*Timeline, error) {
	var tl Timeline
	err := s.db.Where("kind = ? AND uuid = ? AND transaction_start <= ? AND ? < transaction_stop", kind, uuid, t, t).
		First(&tl).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get timeline at %s: %w", t.Format(time.RFC3339Nano), err)
	}
	tl.normalize()
	return &tl, nil
}

// Get retrieves a snapshot by id. Returns nil, nil if no record exists.
func (s *TimelineStore) Get(id string) (*Timeline, error) {
	var tl Timeline
	if err := s.db.Where("id = ?", id).First(&tl).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get timeline: %w", err)
	}
	tl.normalize()
	return &tl, nil
}

// List returns every snapshot of an entity ordered by transaction_start ASC
// (oldest first).
func (s *TimelineStore) List(kind, uuid string) ([]Timeline, error) {
	var timelines []Timeline
	if err := s.db.Where("kind = ? AND uuid = ?", kind, uuid).Order("transaction_start ASC").Find(&timelines).Error; err != nil {
		return nil, fmt.Errorf("list timelines: %w", err)
	}
	for i := range timelines {
		timelines[i].normalize()
	}
	return timelines, nil
}

// Events returns the events of a snapshot in creation order.
func (s *TimelineStore) Events(timelineID string) ([]TimelineEvent, error) {
	var events []TimelineEvent
	if err := s.db.Where("timeline_id = ?", timelineID).Order("position ASC").Find(&events).Error; err != nil {
		return nil, fmt.Errorf("list timeline events: %w", err)
	}
	return events, nil
}

// Close moves the transaction stop of the current snapshot tl to at. It fails
// with ErrConcurrentModification if tl is no longer the current snapshot.
func (s *TimelineStore) Close(tl *Timeline, at time.Time) error {
	if !tl.TransactionStart.Before(at) {
		return fmt.Errorf("%w: transaction time %s does not advance past %s",
			ErrInvalidInterval, at.Format(time.RFC3339Nano), tl.TransactionStart.Format(time.RFC3339Nano))
	}
	result := s.db.Set(closeTimelineKey, true).
		Model(&Timeline{}).
		Where("id = ? AND transaction_stop = ?", tl.ID, Infinity).
		UpdateColumn("transaction_stop", at)
	if result.Error != nil {
		return fmt.Errorf("close timeline: %w", result.Error)
	}
	if result.RowsAffected != 1 {
		return fmt.Errorf("%w: timeline %s of %s was closed by another writer", ErrConcurrentModification, tl.ID, tl.UUID)
	}
	tl.TransactionStop = at
	return nil
}

// Insert creates a new snapshot with its events.
func (s *TimelineStore) Insert(tl *Timeline, events []TimelineEvent) error {
	if err := s.db.Create(tl).Error; err != nil {
		return fmt.Errorf("create timeline: %w", err)
	}
	tl.normalize()
	if len(events) == 0 {
		return nil
	}
	if err := s.db.Create(&events).Error; err != nil {
		return fmt.Errorf("create timeline events: %w", err)
	}
	return nil
}
