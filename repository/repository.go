package repository

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/basetenlabs/avatar-generation-app-tutorial/config"
	"github.com/basetenlabs/avatar-generation-app-tutorial/logger"
)

// UserRecordRepo is the record store adapter. The conditional update in
// CompareAndSetRunID is the only write path for the run pointer, which
// keeps the read-check-write of a submission atomic at the store.
type UserRecordRepo interface {
	GetOrCreate(ctx context.Context, userID string) (*config.UserRecord, error)
	CompareAndSetRunID(ctx context.Context, userID string, expected, next *string) (bool, error)
	SetDatasetRef(ctx context.Context, userID string, ref *string) error
	ListTracked(ctx context.Context) ([]config.UserRecord, error)
}

type userRecordRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

// NewUserRecordRepo creates a new repository instance.
func NewUserRecordRepo(db *gorm.DB, baseLog *logger.Logger) UserRecordRepo {
	return &userRecordRepo{
		db:  db,
		log: baseLog.With("repo", "UserRecordRepo"),
	}
}

// GetOrCreate returns the user's record, inserting an empty one (null run
// pointer) on first sight. Concurrent first reads for the same user are
// resolved by the primary key conflict clause.
func (r *userRecordRepo) GetOrCreate(ctx context.Context, userID string) (*config.UserRecord, error) {
	record := &config.UserRecord{UserID: userID}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(record).Error
	if err != nil {
		return nil, fmt.Errorf("failed to ensure user record: %w", err)
	}

	var out config.UserRecord
	if err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&out).Error; err != nil {
		return nil, fmt.Errorf("failed to load user record: %w", err)
	}
	return &out, nil
}

// CompareAndSetRunID conditionally moves the run pointer from expected to
// next. It returns false when the stored pointer no longer matches
// expected, in which case the caller must re-read and decide.
func (r *userRecordRepo) CompareAndSetRunID(ctx context.Context, userID string, expected, next *string) (bool, error) {
	q := r.db.WithContext(ctx).
		Model(&config.UserRecord{}).
		Where("user_id = ?", userID)
	if expected == nil {
		q = q.Where("run_id IS NULL")
	} else {
		q = q.Where("run_id = ?", *expected)
	}

	res := q.Updates(map[string]interface{}{
		"run_id":     next,
		"updated_at": time.Now(),
	})
	if res.Error != nil {
		return false, fmt.Errorf("failed to update run pointer: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// SetDatasetRef records (or clears) the dataset URL for the user. The
// reference is informational only; nothing reads it after submission.
func (r *userRecordRepo) SetDatasetRef(ctx context.Context, userID string, ref *string) error {
	err := r.db.WithContext(ctx).
		Model(&config.UserRecord{}).
		Where("user_id = ?", userID).
		Updates(map[string]interface{}{
			"dataset_ref": ref,
			"updated_at":  time.Now(),
		}).Error
	if err != nil {
		return fmt.Errorf("failed to update dataset ref: %w", err)
	}
	return nil
}

// ListTracked returns every record with a non-null run pointer, ordered by
// last update. Used by the run monitor.
func (r *userRecordRepo) ListTracked(ctx context.Context) ([]config.UserRecord, error) {
	var records []config.UserRecord
	err := r.db.WithContext(ctx).
		Where("run_id IS NOT NULL").
		Order("updated_at DESC").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list tracked records: %w", err)
	}
	return records, nil
}
