package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pysugar/bililink/internal/db/models"
	"gorm.io/gorm"
)

type CredentialStore struct {
	db    *gorm.DB
	w     *Writer
	cache *credentialCache
}

func newCredentialStore(db *gorm.DB, w *Writer, ttl time.Duration) *CredentialStore {
	return &CredentialStore{db: db, w: w, cache: newCredentialCache(ttl)}
}

// LoginMaterial is what a completed QR login yields for one account.
type LoginMaterial struct {
	ExternalAccountID int64
	PrimaryToken      string
	CSRFToken         string
	DeviceToken       string
	RefreshToken      string
	CookieExpiresAt   *time.Time
}

// TokenUpdate carries the rotated tokens of a cookie refresh. Empty
// DeviceToken keeps the stored one.
type TokenUpdate struct {
	PrimaryToken    string
	CSRFToken       string
	RefreshToken    string
	DeviceToken     string
	CookieExpiresAt *time.Time
}

func (s *CredentialStore) Get(ctx context.Context, id uint) (*models.Credential, error) {
	const op = "db.Credentials.Get"
	var c models.Credential
	if err := s.db.WithContext(ctx).First(&c, id).Error; err != nil {
		return nil, storageErr(op, err)
	}
	return &c, nil
}

func (s *CredentialStore) GetByLabel(ctx context.Context, label string) (*models.Credential, error) {
	const op = "db.Credentials.GetByLabel"
	var c models.Credential
	if err := s.db.WithContext(ctx).Where("label = ?", label).First(&c).Error; err != nil {
		return nil, storageErr(op, err)
	}
	return &c, nil
}

// GetByAccount returns the credential of a Bilibili account, served from the
// read cache while the entry is fresh.
func (s *CredentialStore) GetByAccount(ctx context.Context, accountID int64) (*models.Credential, error) {
	const op = "db.Credentials.GetByAccount"
	if c, ok := s.cache.get(accountID); ok {
		return c, nil
	}
	gen := s.cache.generation()
	var c models.Credential
	if err := s.db.WithContext(ctx).Where("external_account_id = ?", accountID).First(&c).Error; err != nil {
		return nil, storageErr(op, err)
	}
	s.cache.put(&c, gen)
	return &c, nil
}

func (s *CredentialStore) List(ctx context.Context) ([]models.Credential, error) {
	const op = "db.Credentials.List"
	var out []models.Credential
	if err := s.db.WithContext(ctx).Order("id ASC").Find(&out).Error; err != nil {
		return nil, storageErr(op, err)
	}
	return out, nil
}

// ListByStatus returns credentials in the given status, oldest update first.
func (s *CredentialStore) ListByStatus(ctx context.Context, status models.CredentialStatus) ([]models.Credential, error) {
	const op = "db.Credentials.ListByStatus"
	var out []models.Credential
	if err := s.db.WithContext(ctx).Where("status = ?", status).Order("updated_at ASC").Find(&out).Error; err != nil {
		return nil, storageErr(op, err)
	}
	return out, nil
}

// UpsertFromLogin stores the cookies of a completed login. An existing row
// for the account gets its tokens replaced and is reactivated; otherwise a
// row labelled "uid_<mid>" is created.
func (s *CredentialStore) UpsertFromLogin(ctx context.Context, m LoginMaterial) (*models.Credential, bool, error) {
	const op = "db.Credentials.UpsertFromLogin"
	if m.ExternalAccountID <= 0 || m.PrimaryToken == "" || m.CSRFToken == "" {
		return nil, false, fmt.Errorf("%s: account id, primary token and csrf token are required", op)
	}

	var out models.Credential
	created := false
	err := s.w.Write(ctx, func(tx *gorm.DB) error {
		var existing models.Credential
		err := tx.Where("external_account_id = ?", m.ExternalAccountID).First(&existing).Error
		switch {
		case err == nil:
			existing.PrimaryToken = m.PrimaryToken
			existing.CSRFToken = m.CSRFToken
			if m.RefreshToken != "" {
				existing.RefreshToken = m.RefreshToken
			}
			if m.DeviceToken != "" {
				existing.DeviceToken = m.DeviceToken
			}
			existing.CookieExpiresAt = m.CookieExpiresAt
			existing.Status = models.CredentialActive
			existing.ExpiredAt = nil
			if err := tx.Save(&existing).Error; err != nil {
				return err
			}
			out = existing
			return nil
		case errors.Is(err, gorm.ErrRecordNotFound):
			label, err := uniqueLabel(tx, fmt.Sprintf("uid_%d", m.ExternalAccountID))
			if err != nil {
				return err
			}
			accountID := m.ExternalAccountID
			out = models.Credential{
				Label:             label,
				ExternalAccountID: &accountID,
				PrimaryToken:      m.PrimaryToken,
				CSRFToken:         m.CSRFToken,
				DeviceToken:       m.DeviceToken,
				RefreshToken:      m.RefreshToken,
				Status:            models.CredentialActive,
				CookieExpiresAt:   m.CookieExpiresAt,
			}
			created = true
			return tx.Create(&out).Error
		default:
			return err
		}
	})
	s.cache.invalidate(m.ExternalAccountID)
	if err != nil {
		return nil, false, storageErr(op, err)
	}
	return &out, created, nil
}

// UpdateTokens writes the result of a successful cookie refresh. Status is
// left as it is.
func (s *CredentialStore) UpdateTokens(ctx context.Context, id uint, u TokenUpdate) (*models.Credential, error) {
	const op = "db.Credentials.UpdateTokens"
	if u.PrimaryToken == "" || u.CSRFToken == "" {
		return nil, fmt.Errorf("%s: primary token and csrf token are required", op)
	}

	var out models.Credential
	err := s.w.Write(ctx, func(tx *gorm.DB) error {
		if err := tx.First(&out, id).Error; err != nil {
			return err
		}
		out.PrimaryToken = u.PrimaryToken
		out.CSRFToken = u.CSRFToken
		if u.RefreshToken != "" {
			out.RefreshToken = u.RefreshToken
		}
		if u.DeviceToken != "" {
			out.DeviceToken = u.DeviceToken
		}
		if u.CookieExpiresAt != nil {
			out.CookieExpiresAt = u.CookieExpiresAt
		}
		return tx.Save(&out).Error
	})
	s.invalidate(&out)
	if err != nil {
		return nil, storageErr(op, err)
	}
	return &out, nil
}

// MarkStatus flips a credential's status. EXPIRED stamps ExpiredAt,
// ACTIVE clears it.
func (s *CredentialStore) MarkStatus(ctx context.Context, id uint, status models.CredentialStatus) (*models.Credential, error) {
	const op = "db.Credentials.MarkStatus"
	var out models.Credential
	err := s.w.Write(ctx, func(tx *gorm.DB) error {
		if err := tx.First(&out, id).Error; err != nil {
			return err
		}
		if out.Status == status {
			return nil
		}
		out.Status = status
		switch status {
		case models.CredentialExpired:
			now := time.Now()
			out.ExpiredAt = &now
		case models.CredentialActive:
			out.ExpiredAt = nil
		}
		return tx.Save(&out).Error
	})
	s.invalidate(&out)
	if err != nil {
		return nil, storageErr(op, err)
	}
	return &out, nil
}

// Touch records that the credential was just used. It does not bump UpdatedAt.
func (s *CredentialStore) Touch(ctx context.Context, id uint) error {
	const op = "db.Credentials.Touch"
	err := s.w.Write(ctx, func(tx *gorm.DB) error {
		return tx.Model(&models.Credential{}).Where("id = ?", id).UpdateColumn("last_used_at", time.Now()).Error
	})
	return storageErr(op, err)
}

func (s *CredentialStore) invalidate(c *models.Credential) {
	if c != nil && c.ExternalAccountID != nil {
		s.cache.invalidate(*c.ExternalAccountID)
	}
}

func uniqueLabel(tx *gorm.DB, base string) (string, error) {
	label := base
	for i := 2; ; i++ {
		var count int64
		if err := tx.Model(&models.Credential{}).Where("label = ?", label).Count(&count).Error; err != nil {
			return "", err
		}
		if count == 0 {
			return label, nil
		}
		label = fmt.Sprintf("%s-%d", base, i)
	}
}
