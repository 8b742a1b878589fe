package repositories

import (
	"context"
	"errors"

	pkgerrors "github.com/pkg/errors"
	"gorm.io/gorm"

	"example.com/eventchain/indexer/internal/models"
)

// EventRepository provides access to event data
type EventRepository struct {
	db *gorm.DB
}

// NewEventRepository creates a new event repository
func NewEventRepository(db *gorm.DB) *EventRepository {
	return &EventRepository{db: db}
}

// CreateEvent creates a new event
func (r *EventRepository) CreateEvent(ctx context.Context, event *models.Event) error {
	return createError(r.db.WithContext(ctx).Create(event).Error, "failed to create event")
}

// FindEventByID gets an event by its on-chain id
func (r *EventRepository) FindEventByID(ctx context.Context, eventID uint64) (*models.Event, error) {
	var event models.Event
	err := r.db.WithContext(ctx).Where("event_id = ?", eventID).Take(&event).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to get event by id")
	}
	return &event, nil
}
