package db

import (
	"time"

	"gorm.io/gorm"
)

// Store groups the per-table stores around one database and one Writer.
type Store struct {
	DB     *gorm.DB
	writer *Writer

	credentials   *CredentialStore
	bindings      *BindingStore
	rewards       *RewardStore
	verifications *VerificationStore
}

// New wires the stores. credentialTTL bounds how long a credential read by
// account id may be served from memory.
func New(db *gorm.DB, credentialTTL time.Duration) *Store {
	w := NewWriter(db)
	return &Store{
		DB:            db,
		writer:        w,
		credentials:   newCredentialStore(db, w, credentialTTL),
		bindings:      &BindingStore{db: db, w: w},
		rewards:       &RewardStore{db: db, w: w},
		verifications: &VerificationStore{db: db, w: w},
	}
}

func (s *Store) Credentials() *CredentialStore     { return s.credentials }
func (s *Store) Bindings() *BindingStore           { return s.bindings }
func (s *Store) Rewards() *RewardStore             { return s.rewards }
func (s *Store) Verifications() *VerificationStore { return s.verifications }
