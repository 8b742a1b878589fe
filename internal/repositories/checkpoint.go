package repositories

import (
	"context"
	"errors"
	"time"

	pkgerrors "github.com/pkg/errors"
	"gorm.io/gorm"

	"example.com/eventchain/indexer/internal/models"
)

// CheckpointRepository stores the cursor of each stream
type CheckpointRepository struct {
	db *gorm.DB
}

// NewCheckpointRepository creates a new checkpoint repository
func NewCheckpointRepository(db *gorm.DB) *CheckpointRepository {
	return &CheckpointRepository{db: db}
}

// Load returns the checkpoint for stream, or ErrNotFound
func (r *CheckpointRepository) Load(ctx context.Context, stream string) (*models.Checkpoint, error) {
	var cp models.Checkpoint
	err := r.db.WithContext(ctx).Where("stream = ?", stream).Take(&cp).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to load checkpoint")
	}
	return &cp, nil
}

// Save advances the checkpoint. Saving a lower order key than the stored
// one fails with ErrCursorRegression and leaves the row untouched.
func (r *CheckpointRepository) Save(ctx context.Context, checkpoint *models.Checkpoint) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Checkpoint{}).
			Where("stream = ? AND order_key <= ?", checkpoint.Stream, checkpoint.OrderKey).
			Updates(map[string]interface{}{
				"order_key":  checkpoint.OrderKey,
				"unique_key": checkpoint.UniqueKey,
				"updated_at": time.Now(),
			})
		if res.Error != nil {
			return pkgerrors.Wrap(res.Error, "failed to advance checkpoint")
		}
		if res.RowsAffected > 0 {
			return nil
		}

		var current models.Checkpoint
		err := tx.Where("stream = ?", checkpoint.Stream).Take(&current).Error
		if err == nil {
			return pkgerrors.Wrapf(ErrCursorRegression, "stream %s at %d, refusing %d",
				checkpoint.Stream, current.OrderKey, checkpoint.OrderKey)
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return pkgerrors.Wrap(err, "failed to read checkpoint")
		}

		row := models.Checkpoint{
			Stream:    checkpoint.Stream,
			OrderKey:  checkpoint.OrderKey,
			UniqueKey: checkpoint.UniqueKey,
		}
		if err := tx.Create(&row).Error; err != nil {
			return pkgerrors.Wrap(err, "failed to create checkpoint")
		}
		return nil
	})
}

// Reset overwrites the checkpoint regardless of its current value. It is
// the operator's way to rewind a stream.
func (r *CheckpointRepository) Reset(ctx context.Context, stream string, orderKey uint64) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Checkpoint{}).
			Where("stream = ?", stream).
			Updates(map[string]interface{}{
				"order_key":  orderKey,
				"unique_key": "",
				"updated_at": time.Now(),
			})
		if res.Error != nil {
			return pkgerrors.Wrap(res.Error, "failed to reset checkpoint")
		}
		if res.RowsAffected > 0 {
			return nil
		}
		if err := tx.Create(&models.Checkpoint{Stream: stream, OrderKey: orderKey}).Error; err != nil {
			return pkgerrors.Wrap(err, "failed to create checkpoint")
		}
		return nil
	})
}
