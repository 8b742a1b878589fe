package database

import (
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"

	"example.com/eventchain/indexer/internal/metrics"
)

const startTimeKey = "metrics:start_time"

// RegisterMetricsHooks times every create, query, update and delete and
// reports it to m
func RegisterMetricsHooks(db *gorm.DB, m *metrics.Metrics) error {
	cb := db.Callback()
	record := func(kind string) func(*gorm.DB) {
		return func(tx *gorm.DB) {
			ok := tx.Error == nil || errors.Is(tx.Error, gorm.ErrRecordNotFound)
			m.RecordDBQuery(kind, ok, elapsed(tx))
		}
	}

	errs := []error{
		cb.Create().Before("gorm:create").Register("metrics:start_create", markStart),
		cb.Create().After("gorm:create").Register("metrics:create", record(metrics.DBQueryInsert)),
		cb.Query().Before("gorm:query").Register("metrics:start_query", markStart),
		cb.Query().After("gorm:query").Register("metrics:query", record(metrics.DBQuerySelect)),
		cb.Update().Before("gorm:update").Register("metrics:start_update", markStart),
		cb.Update().After("gorm:update").Register("metrics:update", record(metrics.DBQueryUpdate)),
		cb.Delete().Before("gorm:delete").Register("metrics:start_delete", markStart),
		cb.Delete().After("gorm:delete").Register("metrics:delete", record(metrics.DBQueryDelete)),
	}
	for _, err := range errs {
		if err != nil {
			return errors.Wrap(err, "failed to register metrics hooks")
		}
	}
	return nil
}

func markStart(tx *gorm.DB) {
	tx.InstanceSet(startTimeKey, time.Now())
}

func elapsed(tx *gorm.DB) time.Duration {
	if start, ok := tx.InstanceGet(startTimeKey); ok {
		return time.Since(start.(time.Time))
	}
	return 0
}
