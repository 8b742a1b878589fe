package projector

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"example.com/eventchain/indexer/internal/events"
	"example.com/eventchain/indexer/internal/felt"
	"example.com/eventchain/indexer/internal/metrics"
	"example.com/eventchain/indexer/internal/models"
	"example.com/eventchain/indexer/internal/repositories"
	"example.com/eventchain/indexer/internal/repositories/memory"
)

var (
	owner = felt.FromUint64(0x0a).Hex()
	alice = felt.FromUint64(0xa11ce).Hex()
	bob   = felt.FromUint64(0xb0b).Hex()
)

func newEvent(id uint64) events.NewEventAdded {
	return events.NewEventAdded{Name: "Summit", EventID: id, Location: "Lagos", EventOwner: owner}
}

func TestApplyIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	p := New(store)

	evs := []events.Event{
		newEvent(1),
		events.RegisteredForEvent{EventID: 1, EventName: "Summit", UserAddress: alice},
		events.RSVPForEvent{EventID: 1, AttendeeAddress: alice},
		events.EventAttendanceMark{EventID: 1, UserAddress: alice},
		events.EndEventRegistration{EventID: 1, EventName: "Summit", EventOwner: owner},
	}

	for _, ev := range evs {
		outcome, err := p.Apply(ctx, ev)
		require.NoError(t, err)
		assert.Equal(t, Applied, outcome, ev.Kind().String())
	}
	first := store.CountsFor(1)

	for _, ev := range evs {
		outcome, err := p.Apply(ctx, ev)
		require.NoError(t, err)
		assert.Equal(t, AlreadyApplied, outcome, ev.Kind().String())
	}

	assert.Equal(t, first, store.CountsFor(1))
	assert.Equal(t, memory.Counts{Registrations: 1, RSVPs: 1, Attendances: 1}, first)
	assert.Equal(t, 1, store.EventCount())
}

func TestMissingReferencedEvent(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	p := New(store)

	for _, ev := range []events.Event{
		events.RegisteredForEvent{EventID: 9, UserAddress: alice},
		events.RSVPForEvent{EventID: 9, AttendeeAddress: alice},
		events.EventAttendanceMark{EventID: 9, UserAddress: alice},
		events.EndEventRegistration{EventID: 9, EventOwner: owner},
	} {
		outcome, err := p.Apply(ctx, ev)
		require.NoError(t, err)
		assert.Equal(t, MissingReferencedEvent, outcome, ev.Kind().String())
	}

	assert.Equal(t, memory.Counts{}, store.CountsFor(9))
	assert.Equal(t, 0, store.EventCount())
}

func TestEndRegistrationScope(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	p := New(store)

	for _, ev := range []events.Event{
		newEvent(1),
		newEvent(2),
		events.RegisteredForEvent{EventID: 1, UserAddress: alice},
		events.RegisteredForEvent{EventID: 1, UserAddress: bob},
		events.RegisteredForEvent{EventID: 2, UserAddress: alice},
		events.EndEventRegistration{EventID: 1, EventOwner: owner},
	} {
		_, err := p.Apply(ctx, ev)
		require.NoError(t, err)
	}

	assert.Equal(t, memory.Counts{Registrations: 2}, store.CountsFor(1))
	assert.Equal(t, memory.Counts{Registrations: 1, ActiveRegistrations: 1}, store.CountsFor(2))

	// a replayed registration after closing must not create a second row
	outcome, err := p.Apply(ctx, events.RegisteredForEvent{EventID: 1, UserAddress: alice})
	require.NoError(t, err)
	assert.Equal(t, AlreadyApplied, outcome)
	assert.Equal(t, 2, store.CountsFor(1).Registrations)
}

type wrapped struct {
	events.NewEventAdded
}

func TestUnknownVariant(t *testing.T) {
	p := New(memory.NewStore())

	_, err := p.Apply(context.Background(), wrapped{newEvent(1)})
	require.ErrorIs(t, err, events.ErrUnknownEventKind)
}

type mockGateway struct {
	mock.Mock
}

func (m *mockGateway) CreateEvent(ctx context.Context, event *models.Event) error {
	return m.Called(ctx, event).Error(0)
}

func (m *mockGateway) FindEventByID(ctx context.Context, eventID uint64) (*models.Event, error) {
	args := m.Called(ctx, eventID)
	event, _ := args.Get(0).(*models.Event)
	return event, args.Error(1)
}

func (m *mockGateway) CreateRegistration(ctx context.Context, registration *models.Registration) error {
	return m.Called(ctx, registration).Error(0)
}

func (m *mockGateway) IsRegistered(ctx context.Context, eventID uint64, userAddress string) (bool, error) {
	args := m.Called(ctx, eventID, userAddress)
	return args.Bool(0), args.Error(1)
}

func (m *mockGateway) DeactivateRegistrations(ctx context.Context, eventID uint64) (int64, error) {
	args := m.Called(ctx, eventID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockGateway) CreateRSVP(ctx context.Context, rsvp *models.RSVP) error {
	return m.Called(ctx, rsvp).Error(0)
}

func (m *mockGateway) HasRSVPed(ctx context.Context, eventID uint64, attendeeAddress string) (bool, error) {
	args := m.Called(ctx, eventID, attendeeAddress)
	return args.Bool(0), args.Error(1)
}

func (m *mockGateway) CreateAttendance(ctx context.Context, attendance *models.Attendance) error {
	return m.Called(ctx, attendance).Error(0)
}

func (m *mockGateway) HasAttended(ctx context.Context, eventID uint64, userAddress string) (bool, error) {
	args := m.Called(ctx, eventID, userAddress)
	return args.Bool(0), args.Error(1)
}

func TestStorageFailureIsReported(t *testing.T) {
	ctx := context.Background()
	gw := new(mockGateway)
	gw.On("FindEventByID", mock.Anything, uint64(1)).Return(&models.Event{EventID: 1, RegistrationOpen: true}, nil)
	gw.On("HasRSVPed", mock.Anything, uint64(1), alice).Return(false, nil)
	gw.On("CreateRSVP", mock.Anything, mock.AnythingOfType("*models.RSVP")).Return(errors.New("connection reset"))

	p := New(gw)
	_, err := p.Apply(ctx, events.RSVPForEvent{EventID: 1, AttendeeAddress: alice})
	require.ErrorIs(t, err, ErrStorage)
	assert.Contains(t, err.Error(), "connection reset")
	gw.AssertExpectations(t)
}

func TestGuardFailureIsStorageError(t *testing.T) {
	gw := new(mockGateway)
	gw.On("FindEventByID", mock.Anything, uint64(1)).Return(nil, errors.New("timeout"))

	_, err := New(gw).Apply(context.Background(), newEvent(1))
	require.ErrorIs(t, err, ErrStorage)
}

func TestDuplicateKeyOnWriteIsAlreadyApplied(t *testing.T) {
	gw := new(mockGateway)
	gw.On("FindEventByID", mock.Anything, uint64(1)).Return(&models.Event{EventID: 1, RegistrationOpen: true}, nil)
	gw.On("HasAttended", mock.Anything, uint64(1), bob).Return(false, nil)
	gw.On("CreateAttendance", mock.Anything, mock.Anything).Return(repositories.ErrDuplicateKey)

	outcome, err := New(gw).Apply(context.Background(), events.EventAttendanceMark{EventID: 1, UserAddress: bob})
	require.NoError(t, err)
	assert.Equal(t, AlreadyApplied, outcome)
}

type recordingObserver struct {
	seen []events.Kind
	err  error
}

func (o *recordingObserver) Observe(ctx context.Context, ev events.Event) error {
	o.seen = append(o.seen, ev.Kind())
	return o.err
}

func TestObserversSeeOnlyAppliedEvents(t *testing.T) {
	ctx := context.Background()
	ok := &recordingObserver{}
	failing := &recordingObserver{err: errors.New("index unavailable")}
	m := metrics.NewMetrics()
	p := New(memory.NewStore(), WithObservers(failing, ok), WithMetrics(m))

	for _, ev := range []events.Event{
		events.RSVPForEvent{EventID: 1, AttendeeAddress: alice},
		newEvent(1),
		newEvent(1),
		events.RSVPForEvent{EventID: 1, AttendeeAddress: alice},
	} {
		_, err := p.Apply(ctx, ev)
		require.NoError(t, err)
	}

	assert.Equal(t, []events.Kind{events.KindNewEventAdded, events.KindRSVPForEvent}, ok.seen)
	assert.Equal(t, ok.seen, failing.seen)
	assert.Equal(t, int64(2), m.Counter(metrics.CounterEventsApplied))
	assert.Equal(t, int64(1), m.Counter(metrics.CounterEventsAlreadyApplied))
	assert.Equal(t, int64(1), m.Counter(metrics.CounterEventsMissingRef))
	assert.Equal(t, int64(2), m.Counter(metrics.CounterObserverErrors))
}

type mapCache struct {
	known map[uint64]bool
}

func (c *mapCache) EventKnown(ctx context.Context, eventID uint64) (bool, error) {
	return c.known[eventID], nil
}

func (c *mapCache) RememberEvent(ctx context.Context, eventID uint64) error {
	c.known[eventID] = true
	return nil
}

func (c *mapCache) ForgetEvent(ctx context.Context, eventID uint64) error {
	delete(c.known, eventID)
	return nil
}

func TestCacheRemembersProjectedEvents(t *testing.T) {
	ctx := context.Background()
	cache := &mapCache{known: map[uint64]bool{}}
	store := memory.NewStore()
	p := New(store, WithCache(cache))

	_, err := p.Apply(ctx, newEvent(4))
	require.NoError(t, err)
	assert.True(t, cache.known[4])

	outcome, err := p.Apply(ctx, events.RSVPForEvent{EventID: 4, AttendeeAddress: alice})
	require.NoError(t, err)
	assert.Equal(t, Applied, outcome)
	assert.Equal(t, 1, store.CountsFor(4).RSVPs)
}

func TestStaleCacheEntryDoesNotSatisfyReference(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()

	evs := []events.Event{
		events.RegisteredForEvent{EventID: 99, UserAddress: alice},
		events.RSVPForEvent{EventID: 99, AttendeeAddress: alice},
		events.EventAttendanceMark{EventID: 99, UserAddress: alice},
		events.EndEventRegistration{EventID: 99, EventOwner: owner},
	}
	for _, ev := range evs {
		cache := &mapCache{known: map[uint64]bool{99: true}}
		outcome, err := New(store, WithCache(cache)).Apply(ctx, ev)
		require.NoError(t, err)
		assert.Equal(t, MissingReferencedEvent, outcome, ev.Kind().String())
		assert.False(t, cache.known[99], "stale entry kept after %s", ev.Kind())
	}

	assert.Equal(t, 0, store.EventCount())
	assert.Equal(t, memory.Counts{}, store.CountsFor(99))
}

func TestEndRegistrationOnVanishedEvent(t *testing.T) {
	ctx := context.Background()
	gw := new(mockGateway)
	gw.On("FindEventByID", mock.Anything, uint64(5)).
		Return(&models.Event{EventID: 5, RegistrationOpen: true}, nil).Once()
	gw.On("FindEventByID", mock.Anything, uint64(5)).
		Return(nil, repositories.ErrNotFound)

	outcome, err := New(gw).Apply(ctx, events.EndEventRegistration{EventID: 5, EventOwner: owner})
	require.NoError(t, err)
	assert.Equal(t, MissingReferencedEvent, outcome)
	gw.AssertNotCalled(t, "DeactivateRegistrations", mock.Anything, mock.Anything)
}

func TestDeactivationOnMissingEventIsNotApplied(t *testing.T) {
	ctx := context.Background()
	gw := new(mockGateway)
	gw.On("FindEventByID", mock.Anything, uint64(6)).
		Return(&models.Event{EventID: 6, RegistrationOpen: true}, nil)
	gw.On("DeactivateRegistrations", mock.Anything, uint64(6)).
		Return(int64(0), repositories.ErrNotFound)

	outcome, err := New(gw).Apply(ctx, events.EndEventRegistration{EventID: 6, EventOwner: owner})
	require.NoError(t, err)
	assert.Equal(t, MissingReferencedEvent, outcome)
}
