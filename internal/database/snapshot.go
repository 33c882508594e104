package database

import (
	"context"
	"fmt"

	"kbupload/internal/models"

	"gorm.io/gorm"
)

const snapshotBatchSize = 100

// TaskSnapshotStore persists the whole upload task collection as one
// snapshot: every save replaces the table contents in a transaction.
type TaskSnapshotStore struct {
	db *gorm.DB
}

// NewTaskSnapshotStore creates a snapshot store backed by db
func NewTaskSnapshotStore(db *gorm.DB) *TaskSnapshotStore {
	return &TaskSnapshotStore{db: db}
}

// SaveSnapshot replaces the stored snapshot with records
func (s *TaskSnapshotStore) SaveSnapshot(ctx context.Context, records []models.UploadTask) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&models.UploadTask{}).Error; err != nil {
			return fmt.Errorf("failed to clear snapshot: %w", err)
		}
		if len(records) == 0 {
			return nil
		}
		if err := tx.CreateInBatches(&records, snapshotBatchSize).Error; err != nil {
			return fmt.Errorf("failed to write snapshot: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot returns the last saved snapshot in submission order
func (s *TaskSnapshotStore) LoadSnapshot(ctx context.Context) ([]models.UploadTask, error) {
	var records []models.UploadTask
	if err := s.db.WithContext(ctx).Order("position ASC").Order("created_at ASC").Find(&records).Error; err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	return records, nil
}
