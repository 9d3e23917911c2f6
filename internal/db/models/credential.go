package models

import "time"

type CredentialStatus int

const (
	CredentialDisabled CredentialStatus = 0
	CredentialActive   CredentialStatus = 1
	CredentialExpired  CredentialStatus = 2
)

func (s CredentialStatus) String() string {
	switch s {
	case CredentialDisabled:
		return "DISABLED"
	case CredentialActive:
		return "ACTIVE"
	case CredentialExpired:
		return "EXPIRED"
	default:
		return "UNKNOWN"
	}
}

// Credential is the cookie bundle of one Bilibili account.
// Rows are never deleted, only status-flipped.
type Credential struct {
	ID    uint   `gorm:"primaryKey" json:"id"`
	Label string `gorm:"uniqueIndex;not null" json:"label"`
	// ExternalAccountID is the Bilibili mid (DedeUserID); nil until the first login resolves it.
	ExternalAccountID *int64 `gorm:"uniqueIndex" json:"external_account_id,omitempty"`
	PrimaryToken      string `gorm:"not null" json:"-"` // SESSDATA
	CSRFToken         string `gorm:"not null" json:"-"` // bili_jct
	DeviceToken       string `json:"-"`                 // buvid3
	AccessKey         string `json:"-"`
	RefreshToken      string `json:"-"`
	// Status carries no gorm default: DISABLED is the zero value and must survive Create.
	Status          CredentialStatus `gorm:"not null;index" json:"status"`
	CookieExpiresAt *time.Time       `json:"cookie_expires_at,omitempty"`
	ExpiredAt       *time.Time       `json:"expired_at,omitempty"`
	LastUsedAt      *time.Time       `json:"last_used_at,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// Usable reports whether the credential may be sent to the platform.
func (c *Credential) Usable() bool {
	return c != nil && c.Status == CredentialActive && c.PrimaryToken != ""
}
