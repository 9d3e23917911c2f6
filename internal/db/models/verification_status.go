package models

import "time"

// VerificationStatus caches the last triple-action check per (identity, target).
// It is informational only; the reward ledger always re-verifies.
type VerificationStatus struct {
	ID                uint      `gorm:"primaryKey" json:"id"`
	LocalIdentityID   string    `gorm:"not null;uniqueIndex:idx_verification_identity_target" json:"local_identity_id"`
	TargetKey         string    `gorm:"not null;uniqueIndex:idx_verification_identity_target" json:"target_key"`
	ExternalAccountID int64     `json:"external_account_id"`
	LikeDone          bool      `json:"like_done"`
	CoinCount         int       `json:"coin_count"`
	FavDone           bool      `json:"fav_done"`
	AllSatisfied      bool      `json:"all_satisfied"`
	LastCheckedAt     time.Time `json:"last_checked_at"`
	LastError         string    `json:"last_error,omitempty"`
	UpdatedAt         time.Time `json:"updated_at"`
}
