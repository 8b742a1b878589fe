package database

import (
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"example.com/eventchain/indexer/internal/metrics"
	"example.com/eventchain/indexer/internal/models"
)

func TestMetricsHooksCountQueries(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	defer sqlDB.Close()

	require.NoError(t, models.SetupModels(db))

	m := metrics.NewMetrics()
	require.NoError(t, RegisterMetricsHooks(db, m))

	require.NoError(t, db.Create(&models.Event{EventID: 1, Name: "a", EventOwner: "0x1"}).Error)

	var event models.Event
	require.NoError(t, db.Where("event_id = ?", 1).Take(&event).Error)
	require.ErrorIs(t, db.Where("event_id = ?", 2).Take(&event).Error, gorm.ErrRecordNotFound)

	assert.Equal(t, int64(1), m.Counter("db_insert_total"))
	assert.Equal(t, int64(2), m.Counter("db_select_total"))

	rate := m.GetErrorRates()[metrics.RateStorage]
	assert.Equal(t, int64(3), rate.Total)
	assert.Equal(t, int64(0), rate.Errors)
}
