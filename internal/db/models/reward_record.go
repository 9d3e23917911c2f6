package models

import "time"

type RewardStatus int

const (
	RewardFailed RewardStatus = 0
	RewardIssued RewardStatus = 1
)

func (s RewardStatus) String() string {
	if s == RewardIssued {
		return "ISSUED"
	}
	return "FAILED"
}

// RewardRecord is one issuance outcome. At most one ISSUED row exists per
// (LocalIdentityID, TargetKey); a FAILED row never blocks a later issue.
type RewardRecord struct {
	ID                string       `gorm:"primaryKey" json:"id"` // UUID
	LocalIdentityID   string       `gorm:"not null;index:idx_reward_identity_target;uniqueIndex:idx_reward_issued_once,where:status = 1" json:"local_identity_id"`
	ExternalAccountID *int64       `json:"external_account_id,omitempty"`
	TargetKey         string       `gorm:"not null;index:idx_reward_identity_target;uniqueIndex:idx_reward_issued_once,where:status = 1" json:"target_key"`
	RewardKey         string       `gorm:"not null" json:"reward_key"`
	Status            RewardStatus `gorm:"not null" json:"status"`
	IssuedAt          time.Time    `json:"issued_at"`
	Context           string       `json:"context,omitempty"` // JSON snapshot of the verification
	FailReason        string       `json:"fail_reason,omitempty"`
}
