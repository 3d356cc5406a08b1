package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/image-classifier/internal/ranking"
	"github.com/example/image-classifier/internal/retry"
)

// ErrNotFound is returned when no log matches a lookup.
var ErrNotFound = errors.New("prediction log not found")

// PredictionLog is a persisted classification result. The uploaded image
// itself is never stored; only its digest.
type PredictionLog struct {
	ID             uint      `gorm:"primaryKey"`
	RequestID      string    `gorm:"column:request_id;uniqueIndex;size:64"`
	Requester      string    `gorm:"column:requester;index;size:128"`
	SHA1Hash       string    `gorm:"column:sha1_hash;index;size:40"`
	Mimetype       string    `gorm:"column:mimetype;size:64"`
	TopLabel       string    `gorm:"column:top_label;size:255"`
	TopProbability float32   `gorm:"column:top_probability"`
	Predictions    string    `gorm:"column:predictions;type:text"`
	LatencyMs      int64     `gorm:"column:latency_ms"`
	CreatedAt      time.Time `gorm:"column:created_at;index"`
}

// TableName overrides the default table name.
func (PredictionLog) TableName() string {
	return "prediction_logs"
}

// SetPredictions stores preds as JSON and fills the top-1 columns.
func (l *PredictionLog) SetPredictions(preds []ranking.Prediction) error {
	payload, err := json.Marshal(preds)
	if err != nil {
		return err
	}
	l.Predictions = string(payload)
	l.TopLabel, l.TopProbability = "", 0
	if len(preds) > 0 {
		l.TopLabel = preds[0].Label
		l.TopProbability = preds[0].Probability
	}
	return nil
}

// DecodePredictions returns the stored ranking.
func (l *PredictionLog) DecodePredictions() ([]ranking.Prediction, error) {
	if l.Predictions == "" {
		return nil, nil
	}
	var preds []ranking.Prediction
	if err := json.Unmarshal([]byte(l.Predictions), &preds); err != nil {
		return nil, err
	}
	return preds, nil
}

// Stats aggregates stored prediction logs.
type Stats struct {
	TotalCount            int64
	AverageTopProbability float64
	AverageLatencyMs      float64
}

// PredictionRepository persists prediction logs with gorm.
type PredictionRepository struct {
	db     *gorm.DB
	logger *zap.Logger
	retry  retry.Policy
}

// NewPredictionRepository creates a repository on db.
func NewPredictionRepository(db *gorm.DB, logger *zap.Logger) *PredictionRepository {
	return &PredictionRepository{
		db:     db,
		logger: logger.Named("prediction_repository"),
		retry:  retry.DefaultPolicy(),
	}
}

// AutoMigrate ensures the schema is available.
func (r *PredictionRepository) AutoMigrate(ctx context.Context) error {
	return r.executeWithRetry(ctx, "repository.auto_migrate", "", func() error {
		return r.db.WithContext(ctx).AutoMigrate(&PredictionLog{})
	})
}

// SaveLog persists a prediction log entry.
func (r *PredictionRepository) SaveLog(ctx context.Context, log *PredictionLog) error {
	return r.executeWithRetry(ctx, "repository.save_log", log.RequestID, func() error {
		return r.db.WithContext(ctx).Create(log).Error
	})
}

// FindByRequestID retrieves the log for requestID.
func (r *PredictionRepository) FindByRequestID(ctx context.Context, requestID string) (*PredictionLog, error) {
	var log PredictionLog
	err := r.executeWithRetry(ctx, "repository.find_by_request_id", requestID, func() error {
		err := r.db.WithContext(ctx).First(&log, "request_id = ?", requestID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return &log, nil
}

// ListRecent returns up to limit logs, newest first. A non-empty requester
// restricts the list to that requester.
func (r *PredictionRepository) ListRecent(ctx context.Context, requester string, limit int) ([]*PredictionLog, error) {
	if limit <= 0 {
		limit = 20
	}
	var logs []*PredictionLog
	err := r.executeWithRetry(ctx, "repository.list_recent", "", func() error {
		q := r.db.WithContext(ctx).Order("created_at DESC").Limit(limit)
		if requester != "" {
			q = q.Where("requester = ?", requester)
		}
		return q.Find(&logs).Error
	})
	if err != nil {
		return nil, err
	}
	return logs, nil
}

// AggregateStats summarizes all stored logs.
func (r *PredictionRepository) AggregateStats(ctx context.Context) (*Stats, error) {
	var row struct {
		TotalCount            int64
		AverageTopProbability float64
		AverageLatencyMs      float64
	}
	err := r.executeWithRetry(ctx, "repository.aggregate_stats", "", func() error {
		return r.db.WithContext(ctx).Model(&PredictionLog{}).
			Select("COUNT(*) AS total_count, COALESCE(AVG(top_probability), 0) AS average_top_probability, COALESCE(AVG(latency_ms), 0) AS average_latency_ms").
			Scan(&row).Error
	})
	if err != nil {
		return nil, err
	}
	return &Stats{
		TotalCount:            row.TotalCount,
		AverageTopProbability: row.AverageTopProbability,
		AverageLatencyMs:      row.AverageLatencyMs,
	}, nil
}

func (r *PredictionRepository) executeWithRetry(ctx context.Context, operation, requestID string, fn func() error) error {
	return r.retry.Do(ctx, r.logger, operation, requestID, fn)
}
