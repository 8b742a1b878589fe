package repositories

import (
	"context"
	"errors"
	"time"

	pkgerrors "github.com/pkg/errors"
	"gorm.io/gorm"

	"example.com/eventchain/indexer/internal/models"
)

// Common repository errors
var (
	ErrNotFound         = errors.New("record not found")
	ErrDuplicateKey     = errors.New("duplicate key violation")
	ErrCursorRegression = errors.New("checkpoint would move backwards")
)

// Gateway is the persistence surface the indexer writes through. Every
// method is one atomic unit and reports storage failures as errors.
type Gateway interface {
	CreateEvent(ctx context.Context, event *models.Event) error
	FindEventByID(ctx context.Context, eventID uint64) (*models.Event, error)
	CreateRegistration(ctx context.Context, registration *models.Registration) error
	IsRegistered(ctx context.Context, eventID uint64, userAddress string) (bool, error)
	DeactivateRegistrations(ctx context.Context, eventID uint64) (int64, error)
	CreateRSVP(ctx context.Context, rsvp *models.RSVP) error
	HasRSVPed(ctx context.Context, eventID uint64, attendeeAddress string) (bool, error)
	CreateAttendance(ctx context.Context, attendance *models.Attendance) error
	HasAttended(ctx context.Context, eventID uint64, userAddress string) (bool, error)
}

// CheckpointStore persists stream cursors
type CheckpointStore interface {
	Load(ctx context.Context, stream string) (*models.Checkpoint, error)
	Save(ctx context.Context, checkpoint *models.Checkpoint) error
}

// GormGateway implements Gateway on top of the per-table repositories
type GormGateway struct {
	*EventRepository
	*RegistrationRepository
	*RSVPRepository
	*AttendanceRepository
}

// NewGormGateway creates a gateway backed by db
func NewGormGateway(db *gorm.DB) *GormGateway {
	return &GormGateway{
		EventRepository:        NewEventRepository(db),
		RegistrationRepository: NewRegistrationRepository(db),
		RSVPRepository:         NewRSVPRepository(db),
		AttendanceRepository:   NewAttendanceRepository(db),
	}
}

// Ping checks the database connection
func Ping(ctx context.Context, db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return sqlDB.PingContext(ctx)
}

func exists(ctx context.Context, db *gorm.DB, model interface{}, query string, args ...interface{}) (bool, error) {
	var count int64
	err := db.WithContext(ctx).Model(model).Where(query, args...).Limit(1).Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// createError maps a unique index violation to ErrDuplicateKey. The
// translation needs gorm.Config.TranslateError on dialects that support it.
func createError(err error, msg string) error {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return pkgerrors.Wrap(ErrDuplicateKey, msg)
	}
	return pkgerrors.Wrap(err, msg)
}
