package config

import (
	"time"
)

// UserRecord is the one persisted row per user. RunID is non-null exactly
// while the user has a submitted, not-yet-cleared run; everything else a
// caller sees about the run is re-derived from a live platform snapshot.
// Records are created lazily on first read and never deleted.
type UserRecord struct {
	UserID     string  `gorm:"primaryKey;column:user_id"`
	RunID      *string `gorm:"index"`
	DatasetRef *string `gorm:"type:text"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// TableName overrides the table name
func (UserRecord) TableName() string {
	return "finetuning_runs"
}
