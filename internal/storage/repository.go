package storage

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// Sync Logs

func (r *Repository) SaveSyncLog(log *SyncLog) error {
	return r.db.Create(log).Error
}

func (r *Repository) GetRecentSyncLogs(limit int) ([]SyncLog, error) {
	var logs []SyncLog
	err := r.db.Order("created_at DESC, id DESC").Limit(limit).Find(&logs).Error
	return logs, err
}

// Failed Windows

func (r *Repository) RecordFailedWindow(ctx context.Context, fw *FailedWindow) error {
	if fw.Attempts == 0 {
		fw.Attempts = 1
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "pair"}, {Name: "start_ms"}, {Name: "end_ms"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"attempts":   gorm.Expr("attempts + 1"),
			"last_error": fw.LastError,
			"updated_at": gorm.Expr("CURRENT_TIMESTAMP"),
		}),
	}).Create(fw).Error
}

func (r *Repository) PendingFailedWindows(ctx context.Context) ([]FailedWindow, error) {
	var windows []FailedWindow
	err := r.db.WithContext(ctx).Order("start_ms ASC, pair ASC").Find(&windows).Error
	return windows, err
}

func (r *Repository) ResolveFailedWindow(ctx context.Context, id uint) error {
	return r.db.WithContext(ctx).Delete(&FailedWindow{}, id).Error
}
