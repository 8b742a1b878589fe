package repositories

import (
	"context"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"example.com/eventchain/indexer/internal/models"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)

	// one connection keeps every statement on the same in-memory database
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	require.NoError(t, models.SetupModels(db))
	return db
}

func TestEventRepository(t *testing.T) {
	ctx := context.Background()
	gw := NewGormGateway(newTestDB(t))

	_, err := gw.FindEventByID(ctx, 42)
	require.ErrorIs(t, err, ErrNotFound)

	event := &models.Event{EventID: 42, Name: "Summit", Location: "Lagos", EventOwner: "0xabc", RegistrationOpen: true}
	require.NoError(t, gw.CreateEvent(ctx, event))

	found, err := gw.FindEventByID(ctx, 42)
	require.NoError(t, err)
	require.Equal(t, "Summit", found.Name)
	require.True(t, found.RegistrationOpen)
	require.Equal(t, event.ID, found.ID)

	// unique event_id
	err = gw.CreateEvent(ctx, &models.Event{EventID: 42, Name: "again", EventOwner: "0xabc"})
	require.ErrorIs(t, err, ErrDuplicateKey)
}

func TestDeactivateRegistrationsScope(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	gw := NewGormGateway(db)

	for _, id := range []uint64{7, 8} {
		require.NoError(t, gw.CreateEvent(ctx, &models.Event{EventID: id, Name: "e", EventOwner: "0x1", RegistrationOpen: true}))
	}
	require.NoError(t, gw.CreateRegistration(ctx, &models.Registration{EventID: 7, UserAddress: "0xa", IsActive: true}))
	require.NoError(t, gw.CreateRegistration(ctx, &models.Registration{EventID: 7, UserAddress: "0xb", IsActive: true}))
	require.NoError(t, gw.CreateRegistration(ctx, &models.Registration{EventID: 8, UserAddress: "0xa", IsActive: true}))

	n, err := gw.DeactivateRegistrations(ctx, 7)
	require.NoError(t, err)
	require.Equal(t, int64(2), n)

	var active []models.Registration
	require.NoError(t, db.Where("is_active = ?", true).Find(&active).Error)
	require.Len(t, active, 1)
	require.Equal(t, uint64(8), active[0].EventID)

	closed, err := gw.FindEventByID(ctx, 7)
	require.NoError(t, err)
	require.False(t, closed.RegistrationOpen)

	open, err := gw.FindEventByID(ctx, 8)
	require.NoError(t, err)
	require.True(t, open.RegistrationOpen)

	// deactivated rows still count as registered
	registered, err := gw.IsRegistered(ctx, 7, "0xa")
	require.NoError(t, err)
	require.True(t, registered)

	registered, err = gw.IsRegistered(ctx, 7, "0xc")
	require.NoError(t, err)
	require.False(t, registered)

	err = gw.CreateRegistration(ctx, &models.Registration{EventID: 7, UserAddress: "0xa", IsActive: true})
	require.ErrorIs(t, err, ErrDuplicateKey)
}

func TestDeactivateRegistrationsMissingEvent(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	gw := NewGormGateway(db)

	require.NoError(t, gw.CreateRegistration(ctx, &models.Registration{EventID: 9, UserAddress: "0xa", IsActive: true}))

	n, err := gw.DeactivateRegistrations(ctx, 9)
	require.ErrorIs(t, err, ErrNotFound)
	require.Zero(t, n)

	// rolled back, the orphan row stays untouched
	var reg models.Registration
	require.NoError(t, db.Where("event_id = ?", 9).Take(&reg).Error)
	require.True(t, reg.IsActive)
}

func TestRSVPAndAttendance(t *testing.T) {
	ctx := context.Background()
	gw := NewGormGateway(newTestDB(t))

	ok, err := gw.HasRSVPed(ctx, 3, "0xa")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, gw.CreateRSVP(ctx, &models.RSVP{EventID: 3, AttendeeAddress: "0xa"}))
	ok, err = gw.HasRSVPed(ctx, 3, "0xa")
	require.NoError(t, err)
	require.True(t, ok)
	require.ErrorIs(t, gw.CreateRSVP(ctx, &models.RSVP{EventID: 3, AttendeeAddress: "0xa"}), ErrDuplicateKey)

	require.NoError(t, gw.CreateAttendance(ctx, &models.Attendance{EventID: 3, UserAddress: "0xa"}))
	ok, err = gw.HasAttended(ctx, 3, "0xa")
	require.NoError(t, err)
	require.True(t, ok)

	require.ErrorIs(t, gw.CreateAttendance(ctx, &models.Attendance{EventID: 3, UserAddress: "0xa"}), ErrDuplicateKey)

	ok, err = gw.HasAttended(ctx, 4, "0xa")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCheckpointRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewCheckpointRepository(newTestDB(t))

	_, err := repo.Load(ctx, "events")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, repo.Save(ctx, &models.Checkpoint{Stream: "events", OrderKey: 10, UniqueKey: "0x10"}))
	require.NoError(t, repo.Save(ctx, &models.Checkpoint{Stream: "events", OrderKey: 12}))
	// same position again is allowed
	require.NoError(t, repo.Save(ctx, &models.Checkpoint{Stream: "events", OrderKey: 12}))

	err = repo.Save(ctx, &models.Checkpoint{Stream: "events", OrderKey: 11})
	require.ErrorIs(t, err, ErrCursorRegression)

	cp, err := repo.Load(ctx, "events")
	require.NoError(t, err)
	require.Equal(t, uint64(12), cp.OrderKey)

	// streams are independent
	require.NoError(t, repo.Save(ctx, &models.Checkpoint{Stream: "other", OrderKey: 1}))

	require.NoError(t, repo.Reset(ctx, "events", 5))
	cp, err = repo.Load(ctx, "events")
	require.NoError(t, err)
	require.Equal(t, uint64(5), cp.OrderKey)

	require.NoError(t, repo.Reset(ctx, "fresh", 100))
	cp, err = repo.Load(ctx, "fresh")
	require.NoError(t, err)
	require.Equal(t, uint64(100), cp.OrderKey)
}
