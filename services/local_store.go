// services/local_store.go
package services

import (
	"encoding/json"
	"time"

	"challenge-wager-service/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// LocalStore is the durable client-local state: offline fallback snapshots of
// the last authoritative fetches, and the pending-payment records that let an
// interrupted gateway flow resume after a restart.
type LocalStore struct {
	DB *gorm.DB
}

func NewLocalStore(db *gorm.DB) *LocalStore {
	return &LocalStore{DB: db}
}

// SaveSnapshot upserts the JSON-serialized value under key. Called only
// after a successful authoritative fetch.
func (s *LocalStore) SaveSnapshot(key string, value interface{}) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	snap := models.Snapshot{
		Key:     key,
		Payload: string(payload),
		SavedAt: time.Now().UTC(),
	}
	return s.DB.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"payload", "saved_at"}),
	}).Create(&snap).Error
}

// LoadSnapshot reads the value stored under key into out. Returns false when
// no snapshot exists.
func (s *LocalStore) LoadSnapshot(key string, out interface{}) (bool, error) {
	var snap models.Snapshot
	if err := s.DB.First(&snap, "key = ?", key).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal([]byte(snap.Payload), out); err != nil {
		return false, err
	}
	return true, nil
}

// SavePendingPayment upserts the in-flight payment for its context key: one
// pending payment per challenge-or-deposit context at a time.
func (s *LocalStore) SavePendingPayment(p *models.PendingPayment) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	return s.DB.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "context_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"payment_id", "kind", "challenge_id", "user_id", "amount", "updated_at"}),
	}).Create(p).Error
}

// GetPendingPayment returns the in-flight payment for contextKey, or false.
func (s *LocalStore) GetPendingPayment(contextKey string) (*models.PendingPayment, bool, error) {
	var p models.PendingPayment
	if err := s.DB.First(&p, "context_key = ?", contextKey).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, false, nil
		}
		return nil, false, err
	}
	return &p, true, nil
}

// ListPendingPayments returns every unresolved payment, oldest first.
func (s *LocalStore) ListPendingPayments() ([]models.PendingPayment, error) {
	var out []models.PendingPayment
	if err := s.DB.Order("created_at ASC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// ClearPendingPayment removes the record once the flow is reconciled or
// explicitly canceled.
func (s *LocalStore) ClearPendingPayment(contextKey string) error {
	return s.DB.Where("context_key = ?", contextKey).Delete(&models.PendingPayment{}).Error
}
