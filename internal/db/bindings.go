package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/pysugar/bililink/internal/apperr"
	"github.com/pysugar/bililink/internal/db/models"
	"gorm.io/gorm"
)

// BindResult is the outcome of BindingStore.Bind.
type BindResult string

const (
	BindSuccess            BindResult = "SUCCESS"
	BindAlreadyBoundSame   BindResult = "ALREADY_BOUND_SAME"
	BindLocalBoundOther    BindResult = "LOCAL_BOUND_OTHER"
	BindExternalBoundOther BindResult = "EXTERNAL_BOUND_OTHER"
	BindStorageError       BindResult = "STORAGE_ERROR"
)

// OK reports whether the identity ends up bound to the requested account.
func (r BindResult) OK() bool {
	return r == BindSuccess || r == BindAlreadyBoundSame
}

// Err classifies a failed result: BIND_CONFLICT for the two conflict
// outcomes, STORAGE_ERROR otherwise. It is nil when OK.
func (r BindResult) Err() error {
	switch {
	case r.OK():
		return nil
	case r == BindLocalBoundOther || r == BindExternalBoundOther:
		return apperr.New(apperr.KindBindConflict, "db.Bindings.Bind", errors.New(string(r)))
	default:
		return apperr.New(apperr.KindStorage, "db.Bindings.Bind", nil)
	}
}

// UnbindResult is the outcome of BindingStore.Unbind.
type UnbindResult string

const (
	UnbindSuccess      UnbindResult = "SUCCESS"
	UnbindNotBound     UnbindResult = "NOT_BOUND"
	UnbindStorageError UnbindResult = "STORAGE_ERROR"
)

type BindRequest struct {
	LocalIdentityID     string
	LocalDisplayName    string
	ExternalAccountID   int64
	ExternalDisplayName string
}

type BindingStore struct {
	db *gorm.DB
	w  *Writer
}

// Bind links an identity to an account. The conflict checks and the write
// share one transaction on the serialized writer, so two concurrent binds
// cannot both pass the checks. On LOCAL_BOUND_OTHER the identity's current
// binding is returned; on EXTERNAL_BOUND_OTHER nothing is returned since the
// row belongs to someone else.
func (s *BindingStore) Bind(ctx context.Context, req BindRequest) (BindResult, *models.Binding, error) {
	const op = "db.Bindings.Bind"
	if req.LocalIdentityID == "" || req.ExternalAccountID <= 0 {
		return BindStorageError, nil, fmt.Errorf("%s: identity and account id are required", op)
	}

	result := BindStorageError
	var out *models.Binding
	err := s.w.Write(ctx, func(tx *gorm.DB) error {
		var own models.Binding
		err := tx.Where("local_identity_id = ?", req.LocalIdentityID).First(&own).Error
		hasOwn := err == nil
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		if hasOwn && own.Active() {
			if own.ExternalAccountID != req.ExternalAccountID {
				result, out = BindLocalBoundOther, &own
				return nil
			}
			own.LocalDisplayName = req.LocalDisplayName
			own.ExternalDisplayName = req.ExternalDisplayName
			if err := tx.Save(&own).Error; err != nil {
				return err
			}
			result, out = BindAlreadyBoundSame, &own
			return nil
		}

		var taken int64
		if err := tx.Model(&models.Binding{}).
			Where("external_account_id = ? AND status = ? AND local_identity_id <> ?", req.ExternalAccountID, models.BindingActive, req.LocalIdentityID).
			Count(&taken).Error; err != nil {
			return err
		}
		if taken > 0 {
			result = BindExternalBoundOther
			return nil
		}

		if hasOwn {
			own.ExternalAccountID = req.ExternalAccountID
			own.LocalDisplayName = req.LocalDisplayName
			own.ExternalDisplayName = req.ExternalDisplayName
			own.Status = models.BindingActive
			if err := tx.Save(&own).Error; err != nil {
				return err
			}
			result, out = BindSuccess, &own
			return nil
		}

		row := models.Binding{
			LocalIdentityID:     req.LocalIdentityID,
			LocalDisplayName:    req.LocalDisplayName,
			ExternalAccountID:   req.ExternalAccountID,
			ExternalDisplayName: req.ExternalDisplayName,
			Status:              models.BindingActive,
		}
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		result, out = BindSuccess, &row
		return nil
	})
	if err != nil {
		return BindStorageError, nil, storageErr(op, err)
	}
	return result, out, nil
}

// Unbind flips the identity's active binding to INACTIVE. The row is kept.
func (s *BindingStore) Unbind(ctx context.Context, identity string) (UnbindResult, error) {
	const op = "db.Bindings.Unbind"
	result := UnbindNotBound
	err := s.w.Write(ctx, func(tx *gorm.DB) error {
		res := tx.Model(&models.Binding{}).
			Where("local_identity_id = ? AND status = ?", identity, models.BindingActive).
			Update("status", models.BindingInactive)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected > 0 {
			result = UnbindSuccess
		}
		return nil
	})
	if err != nil {
		return UnbindStorageError, storageErr(op, err)
	}
	return result, nil
}

// ByIdentity returns the identity's binding whatever its status.
func (s *BindingStore) ByIdentity(ctx context.Context, identity string) (*models.Binding, error) {
	const op = "db.Bindings.ByIdentity"
	var b models.Binding
	if err := s.db.WithContext(ctx).Where("local_identity_id = ?", identity).First(&b).Error; err != nil {
		return nil, storageErr(op, err)
	}
	return &b, nil
}

// ActiveByIdentity returns ErrNotFound unless the identity is currently bound.
func (s *BindingStore) ActiveByIdentity(ctx context.Context, identity string) (*models.Binding, error) {
	const op = "db.Bindings.ActiveByIdentity"
	var b models.Binding
	err := s.db.WithContext(ctx).
		Where("local_identity_id = ? AND status = ?", identity, models.BindingActive).
		First(&b).Error
	if err != nil {
		return nil, storageErr(op, err)
	}
	return &b, nil
}

func (s *BindingStore) ActiveByAccount(ctx context.Context, accountID int64) (*models.Binding, error) {
	const op = "db.Bindings.ActiveByAccount"
	var b models.Binding
	err := s.db.WithContext(ctx).
		Where("external_account_id = ? AND status = ?", accountID, models.BindingActive).
		First(&b).Error
	if err != nil {
		return nil, storageErr(op, err)
	}
	return &b, nil
}
