package db

import (
	"context"
	"time"

	"github.com/pysugar/bililink/internal/db/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type VerificationStore struct {
	db *gorm.DB
	w  *Writer
}

// Record upserts the last check for (identity, target).
func (s *VerificationStore) Record(ctx context.Context, v models.VerificationStatus) error {
	const op = "db.Verifications.Record"
	if v.LastCheckedAt.IsZero() {
		v.LastCheckedAt = time.Now()
	}
	v.ID = 0
	err := s.w.Write(ctx, func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "local_identity_id"}, {Name: "target_key"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"external_account_id", "like_done", "coin_count", "fav_done",
				"all_satisfied", "last_checked_at", "last_error", "updated_at",
			}),
		}).Create(&v).Error
	})
	return storageErr(op, err)
}

func (s *VerificationStore) Get(ctx context.Context, identity, target string) (*models.VerificationStatus, error) {
	const op = "db.Verifications.Get"
	var v models.VerificationStatus
	err := s.db.WithContext(ctx).
		Where("local_identity_id = ? AND target_key = ?", identity, target).
		First(&v).Error
	if err != nil {
		return nil, storageErr(op, err)
	}
	return &v, nil
}
