package models

import "time"

type BindingStatus int

const (
	BindingInactive BindingStatus = 0
	BindingActive   BindingStatus = 1
)

// Binding links one local identity to one Bilibili account.
// The partial unique index keeps an account on at most one ACTIVE row;
// the binding store checks the same rule before writing.
type Binding struct {
	ID                  uint          `gorm:"primaryKey" json:"id"`
	LocalIdentityID     string        `gorm:"uniqueIndex;not null" json:"local_identity_id"`
	LocalDisplayName    string        `json:"local_display_name"`
	ExternalAccountID   int64         `gorm:"not null;index;uniqueIndex:idx_bindings_active_account,where:status = 1" json:"external_account_id"`
	ExternalDisplayName string        `json:"external_display_name"`
	Status              BindingStatus `gorm:"not null;index" json:"status"`
	CreatedAt           time.Time     `json:"created_at"`
	UpdatedAt           time.Time     `json:"updated_at"`
}

func (b *Binding) Active() bool {
	return b != nil && b.Status == BindingActive
}
