package repositories

import (
	"context"

	"github.com/pkg/errors"
	"gorm.io/gorm"

	"example.com/eventchain/indexer/internal/models"
)

// RegistrationRepository provides access to event registrations
type RegistrationRepository struct {
	db *gorm.DB
}

// NewRegistrationRepository creates a new registration repository
func NewRegistrationRepository(db *gorm.DB) *RegistrationRepository {
	return &RegistrationRepository{db: db}
}

// CreateRegistration creates a new registration
func (r *RegistrationRepository) CreateRegistration(ctx context.Context, registration *models.Registration) error {
	return createError(r.db.WithContext(ctx).Create(registration).Error, "failed to create registration")
}

// IsRegistered reports whether a registration row exists for the pair,
// active or not
func (r *RegistrationRepository) IsRegistered(ctx context.Context, eventID uint64, userAddress string) (bool, error) {
	ok, err := exists(ctx, r.db, &models.Registration{},
		"event_id = ? AND user_address = ?", eventID, userAddress)
	if err != nil {
		return false, errors.Wrap(err, "failed to check registration")
	}
	return ok, nil
}

// DeactivateRegistrations closes registration for an event: the event is
// marked closed and every active registration row is deactivated in one
// transaction. It returns the number of deactivated rows, or ErrNotFound
// without touching anything when the event does not exist.
func (r *RegistrationRepository) DeactivateRegistrations(ctx context.Context, eventID uint64) (int64, error) {
	var deactivated int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Event{}).
			Where("event_id = ?", eventID).
			Update("registration_open", false)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}

		res = tx.Model(&models.Registration{}).
			Where("event_id = ? AND is_active = ?", eventID, true).
			Update("is_active", false)
		if res.Error != nil {
			return res.Error
		}
		deactivated = res.RowsAffected
		return nil
	})
	if errors.Is(err, ErrNotFound) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, errors.Wrap(err, "failed to deactivate registrations")
	}
	return deactivated, nil
}
