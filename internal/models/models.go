package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// Event is an event announced on chain by NewEventAdded
type Event struct {
	ID               uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt        time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time `gorm:"autoUpdateTime" json:"updated_at"`
	EventID          uint64    `gorm:"column:event_id;not null;uniqueIndex" json:"event_id"`
	Name             string    `gorm:"not null" json:"name"`
	Location         string    `json:"location"`
	EventOwner       string    `gorm:"index;not null" json:"event_owner"`
	RegistrationOpen bool      `gorm:"not null" json:"registration_open"`
	BlockNumber      uint64    `gorm:"not null" json:"block_number"`
}

// TableName returns the table name
func (Event) TableName() string {
	return "events"
}

// Registration links a user to an event they registered for
type Registration struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime" json:"updated_at"`
	EventID     uint64    `gorm:"column:event_id;not null;uniqueIndex:idx_registration_event_user" json:"event_id"`
	UserAddress string    `gorm:"not null;uniqueIndex:idx_registration_event_user" json:"user_address"`
	IsActive    bool      `gorm:"not null;index" json:"is_active"`
	BlockNumber uint64    `gorm:"not null" json:"block_number"`
}

// TableName returns the table name
func (Registration) TableName() string {
	return "event_registrations"
}

// RSVP records an attendee's RSVP for an event
type RSVP struct {
	ID              uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt       time.Time `gorm:"autoCreateTime" json:"created_at"`
	EventID         uint64    `gorm:"column:event_id;not null;uniqueIndex:idx_rsvp_event_attendee" json:"event_id"`
	AttendeeAddress string    `gorm:"not null;uniqueIndex:idx_rsvp_event_attendee" json:"attendee_address"`
	BlockNumber     uint64    `gorm:"not null" json:"block_number"`
}

// TableName returns the table name
func (RSVP) TableName() string {
	return "event_rsvps"
}

// Attendance records a user marked present at an event
type Attendance struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
	EventID     uint64    `gorm:"column:event_id;not null;uniqueIndex:idx_attendance_event_user" json:"event_id"`
	UserAddress string    `gorm:"not null;uniqueIndex:idx_attendance_event_user" json:"user_address"`
	BlockNumber uint64    `gorm:"not null" json:"block_number"`
}

// TableName returns the table name
func (Attendance) TableName() string {
	return "event_attendances"
}

// Checkpoint is the last stream position whose events are fully applied
type Checkpoint struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Stream    string    `gorm:"not null;uniqueIndex" json:"stream"`
	OrderKey  uint64    `gorm:"not null" json:"order_key"`
	UniqueKey string    `json:"unique_key"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName returns the table name
func (Checkpoint) TableName() string {
	return "stream_checkpoints"
}

// BeforeCreate assigns a primary key when the caller did not
func (e *Event) BeforeCreate(tx *gorm.DB) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	return nil
}

// BeforeCreate assigns a primary key when the caller did not
func (r *Registration) BeforeCreate(tx *gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return nil
}

// BeforeCreate assigns a primary key when the caller did not
func (r *RSVP) BeforeCreate(tx *gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return nil
}

// BeforeCreate assigns a primary key when the caller did not
func (a *Attendance) BeforeCreate(tx *gorm.DB) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return nil
}

// SetupModels runs migrations for the indexer tables
func SetupModels(db *gorm.DB) error {
	err := db.AutoMigrate(
		&Event{},
		&Registration{},
		&RSVP{},
		&Attendance{},
		&Checkpoint{},
	)
	if err != nil {
		return errors.Wrap(err, "failed to auto-migrate models")
	}
	return nil
}
