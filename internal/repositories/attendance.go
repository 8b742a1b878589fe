package repositories

import (
	"context"

	"github.com/pkg/errors"
	"gorm.io/gorm"

	"example.com/eventchain/indexer/internal/models"
)

// RSVPRepository provides access to RSVPs
type RSVPRepository struct {
	db *gorm.DB
}

// NewRSVPRepository creates a new RSVP repository
func NewRSVPRepository(db *gorm.DB) *RSVPRepository {
	return &RSVPRepository{db: db}
}

// CreateRSVP creates a new RSVP
func (r *RSVPRepository) CreateRSVP(ctx context.Context, rsvp *models.RSVP) error {
	return createError(r.db.WithContext(ctx).Create(rsvp).Error, "failed to create rsvp")
}

// HasRSVPed reports whether the attendee already RSVPed for the event
func (r *RSVPRepository) HasRSVPed(ctx context.Context, eventID uint64, attendeeAddress string) (bool, error) {
	ok, err := exists(ctx, r.db, &models.RSVP{},
		"event_id = ? AND attendee_address = ?", eventID, attendeeAddress)
	if err != nil {
		return false, errors.Wrap(err, "failed to check rsvp")
	}
	return ok, nil
}

// AttendanceRepository provides access to attendance marks
type AttendanceRepository struct {
	db *gorm.DB
}

// NewAttendanceRepository creates a new attendance repository
func NewAttendanceRepository(db *gorm.DB) *AttendanceRepository {
	return &AttendanceRepository{db: db}
}

// CreateAttendance records an attendance mark
func (r *AttendanceRepository) CreateAttendance(ctx context.Context, attendance *models.Attendance) error {
	return createError(r.db.WithContext(ctx).Create(attendance).Error, "failed to create attendance")
}

// HasAttended reports whether the user is already marked present
func (r *AttendanceRepository) HasAttended(ctx context.Context, eventID uint64, userAddress string) (bool, error) {
	ok, err := exists(ctx, r.db, &models.Attendance{},
		"event_id = ? AND user_address = ?", eventID, userAddress)
	if err != nil {
		return false, errors.Wrap(err, "failed to check attendance")
	}
	return ok, nil
}
