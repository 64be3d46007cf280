// Package gorm provides GORM-based database operations for banquet.
package gorm

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CredentialStore persists the single API credential row.
type CredentialStore struct {
	db *gorm.DB
}

// NewCredentialStore creates a new credential store.
func NewCredentialStore(store *Store) *CredentialStore {
	return &CredentialStore{db: store.DB}
}

// Get returns the stored credential, or nil when none exists.
func (s *CredentialStore) Get(ctx context.Context) (*Credential, error) {
	var c Credential
	err := s.db.WithContext(ctx).First(&c, CredentialID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// Upsert replaces the stored credential.
func (s *CredentialStore) Upsert(ctx context.Context, c *Credential) error {
	c.ID = CredentialID
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"access_token", "refresh_token", "user_id", "client_id", "updated_at"}),
		}).
		Create(c).Error
}

// Delete removes the stored credential. It reports whether a row existed.
func (s *CredentialStore) Delete(ctx context.Context) (bool, error) {
	res := s.db.WithContext(ctx).Delete(&Credential{}, CredentialID)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
