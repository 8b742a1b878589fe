// Package memory is an in-process implementation of the repositories
// interfaces. It backs dry runs and tests.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"example.com/eventchain/indexer/internal/models"
	"example.com/eventchain/indexer/internal/repositories"
)

type pair struct {
	eventID uint64
	address string
}

// Store keeps every record in maps guarded by one mutex
type Store struct {
	mu            sync.RWMutex
	events        map[uint64]models.Event
	registrations map[pair]models.Registration
	rsvps         map[pair]models.RSVP
	attendances   map[pair]models.Attendance
	checkpoints   map[string]models.Checkpoint
}

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{
		events:        make(map[uint64]models.Event),
		registrations: make(map[pair]models.Registration),
		rsvps:         make(map[pair]models.RSVP),
		attendances:   make(map[pair]models.Attendance),
		checkpoints:   make(map[string]models.Checkpoint),
	}
}

var (
	_ repositories.Gateway         = (*Store)(nil)
	_ repositories.CheckpointStore = (*Store)(nil)
)

// CreateEvent stores an event; a duplicate id is rejected like a unique index would
func (s *Store) CreateEvent(ctx context.Context, event *models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.events[event.EventID]; ok {
		return repositories.ErrDuplicateKey
	}
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	event.CreatedAt = time.Now()
	event.UpdatedAt = event.CreatedAt
	s.events[event.EventID] = *event
	return nil
}

// FindEventByID returns a copy of the event or ErrNotFound
func (s *Store) FindEventByID(ctx context.Context, eventID uint64) (*models.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	event, ok := s.events[eventID]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	return &event, nil
}

func (s *Store) CreateRegistration(ctx context.Context, registration *models.Registration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := pair{registration.EventID, registration.UserAddress}
	if _, ok := s.registrations[key]; ok {
		return repositories.ErrDuplicateKey
	}
	if registration.ID == uuid.Nil {
		registration.ID = uuid.New()
	}
	s.registrations[key] = *registration
	return nil
}

func (s *Store) IsRegistered(ctx context.Context, eventID uint64, userAddress string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.registrations[pair{eventID, userAddress}]
	return ok, nil
}

func (s *Store) DeactivateRegistrations(ctx context.Context, eventID uint64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	event, ok := s.events[eventID]
	if !ok {
		return 0, repositories.ErrNotFound
	}
	event.RegistrationOpen = false
	s.events[eventID] = event

	var n int64
	for key, reg := range s.registrations {
		if key.eventID == eventID && reg.IsActive {
			reg.IsActive = false
			s.registrations[key] = reg
			n++
		}
	}
	return n, nil
}

func (s *Store) CreateRSVP(ctx context.Context, rsvp *models.RSVP) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := pair{rsvp.EventID, rsvp.AttendeeAddress}
	if _, ok := s.rsvps[key]; ok {
		return repositories.ErrDuplicateKey
	}
	if rsvp.ID == uuid.Nil {
		rsvp.ID = uuid.New()
	}
	s.rsvps[key] = *rsvp
	return nil
}

func (s *Store) HasRSVPed(ctx context.Context, eventID uint64, attendeeAddress string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.rsvps[pair{eventID, attendeeAddress}]
	return ok, nil
}

func (s *Store) CreateAttendance(ctx context.Context, attendance *models.Attendance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := pair{attendance.EventID, attendance.UserAddress}
	if _, ok := s.attendances[key]; ok {
		return repositories.ErrDuplicateKey
	}
	if attendance.ID == uuid.Nil {
		attendance.ID = uuid.New()
	}
	s.attendances[key] = *attendance
	return nil
}

func (s *Store) HasAttended(ctx context.Context, eventID uint64, userAddress string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.attendances[pair{eventID, userAddress}]
	return ok, nil
}

// Load returns the checkpoint for stream or ErrNotFound
func (s *Store) Load(ctx context.Context, stream string) (*models.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cp, ok := s.checkpoints[stream]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	return &cp, nil
}

// Save advances the checkpoint and refuses to move it backwards
func (s *Store) Save(ctx context.Context, checkpoint *models.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if current, ok := s.checkpoints[checkpoint.Stream]; ok && current.OrderKey > checkpoint.OrderKey {
		return repositories.ErrCursorRegression
	}
	cp := *checkpoint
	cp.UpdatedAt = time.Now()
	s.checkpoints[checkpoint.Stream] = cp
	return nil
}

// Counts is a snapshot of how many rows each table holds for one event
type Counts struct {
	Registrations       int
	ActiveRegistrations int
	RSVPs               int
	Attendances         int
}

// CountsFor summarises the rows referencing eventID
func (s *Store) CountsFor(eventID uint64) Counts {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var c Counts
	for key, reg := range s.registrations {
		if key.eventID != eventID {
			continue
		}
		c.Registrations++
		if reg.IsActive {
			c.ActiveRegistrations++
		}
	}
	for key := range s.rsvps {
		if key.eventID == eventID {
			c.RSVPs++
		}
	}
	for key := range s.attendances {
		if key.eventID == eventID {
			c.Attendances++
		}
	}
	return c
}

// EventCount returns the number of stored events
func (s *Store) EventCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}
