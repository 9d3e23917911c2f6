package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pysugar/bililink/internal/apperr"
	"github.com/pysugar/bililink/internal/db/models"
	"gorm.io/gorm"
)

type RewardStore struct {
	db *gorm.DB
	w  *Writer
}

// IssueRequest describes one ISSUED row to write.
type IssueRequest struct {
	LocalIdentityID   string
	ExternalAccountID int64
	TargetKey         string
	RewardKey         string
	Context           string
}

// IssueOnce writes an ISSUED row unless one already exists for the
// (identity, target) pair. The existence check and the insert run in one
// transaction on the serialized writer. When a row exists it is returned
// with an ALREADY_ISSUED error.
func (s *RewardStore) IssueOnce(ctx context.Context, req IssueRequest) (*models.RewardRecord, error) {
	const op = "db.Rewards.IssueOnce"
	if req.LocalIdentityID == "" || req.TargetKey == "" {
		return nil, fmt.Errorf("%s: identity and target are required", op)
	}

	var out models.RewardRecord
	var existing *models.RewardRecord
	err := s.w.Write(ctx, func(tx *gorm.DB) error {
		var prior models.RewardRecord
		err := tx.Where("local_identity_id = ? AND target_key = ? AND status = ?",
			req.LocalIdentityID, req.TargetKey, models.RewardIssued).First(&prior).Error
		if err == nil {
			existing = &prior
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		accountID := req.ExternalAccountID
		out = models.RewardRecord{
			ID:                uuid.NewString(),
			LocalIdentityID:   req.LocalIdentityID,
			ExternalAccountID: &accountID,
			TargetKey:         req.TargetKey,
			RewardKey:         req.RewardKey,
			Status:            models.RewardIssued,
			IssuedAt:          time.Now(),
			Context:           req.Context,
		}
		return tx.Create(&out).Error
	})
	if err != nil {
		return nil, storageErr(op, err)
	}
	if existing != nil {
		return existing, apperr.New(apperr.KindAlreadyIssued, op, nil)
	}
	return &out, nil
}

// FindIssued returns the ISSUED row for the pair, or ErrNotFound.
func (s *RewardStore) FindIssued(ctx context.Context, identity, target string) (*models.RewardRecord, error) {
	const op = "db.Rewards.FindIssued"
	var r models.RewardRecord
	err := s.db.WithContext(ctx).
		Where("local_identity_id = ? AND target_key = ? AND status = ?", identity, target, models.RewardIssued).
		First(&r).Error
	if err != nil {
		return nil, storageErr(op, err)
	}
	return &r, nil
}

// MarkFailed turns an ISSUED row into FAILED after the caller could not
// deliver it, which frees the pair for a later issue.
func (s *RewardStore) MarkFailed(ctx context.Context, id, reason string) (*models.RewardRecord, error) {
	const op = "db.Rewards.MarkFailed"
	var out models.RewardRecord
	err := s.w.Write(ctx, func(tx *gorm.DB) error {
		if err := tx.Where("id = ?", id).First(&out).Error; err != nil {
			return err
		}
		if out.Status == models.RewardFailed {
			return nil
		}
		out.Status = models.RewardFailed
		out.FailReason = reason
		return tx.Save(&out).Error
	})
	if err != nil {
		return nil, storageErr(op, err)
	}
	return &out, nil
}

// ListByIdentity returns every record of the identity, newest first.
func (s *RewardStore) ListByIdentity(ctx context.Context, identity string) ([]models.RewardRecord, error) {
	const op = "db.Rewards.ListByIdentity"
	var out []models.RewardRecord
	err := s.db.WithContext(ctx).
		Where("local_identity_id = ?", identity).
		Order("issued_at DESC").
		Find(&out).Error
	if err != nil {
		return nil, storageErr(op, err)
	}
	return out, nil
}
