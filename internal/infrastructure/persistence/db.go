// Package persistence holds the gateway's durable request log:
// logs/requests.db, a SQLite database written through GORM, append-only,
// indexed on (date, model), success, and timestamp per the external
// interfaces contract.
package persistence

import (
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/llmbridge/gateway/internal/infrastructure/monitoring"
)

// RequestLogEntry is one durable row behind logs/requests.db.
type RequestLogEntry struct {
	ID            uint      `gorm:"primaryKey"`
	RequestID     string    `gorm:"column:request_id;index"`
	Timestamp     time.Time `gorm:"column:timestamp;index"`
	Date          string    `gorm:"column:date;index:idx_date_model"`
	Model         string    `gorm:"column:model;index:idx_date_model"`
	Success       bool      `gorm:"column:success;index"`
	DurationMs    int64     `gorm:"column:duration_ms"`
	Error         string    `gorm:"column:error"`
	MessagesCount int       `gorm:"column:messages_count"`
	InputTokens   int       `gorm:"column:input_tokens"`
	OutputTokens  int       `gorm:"column:output_tokens"`
	TotalTokens   int       `gorm:"column:total_tokens"`
	InputCost     float64   `gorm:"column:input_cost"`
	OutputCost    float64   `gorm:"column:output_cost"`
	TotalCost     float64   `gorm:"column:total_cost"`
	Currency      string    `gorm:"column:currency"`
}

func (RequestLogEntry) TableName() string { return "requests" }

// DB wraps the gorm.DB handle behind the RequestSink interface the
// observability surface writes through.
type DB struct {
	gorm *gorm.DB
}

// Open connects to (and creates, if absent) the SQLite database at path
// and runs auto-migration for the requests table.
func Open(path string) (*DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("open requests.db: %w", err)
	}

	if err := db.AutoMigrate(&RequestLogEntry{}); err != nil {
		return nil, fmt.Errorf("migrate requests.db: %w", err)
	}

	return &DB{gorm: db}, nil
}

// WriteRequestLog implements monitoring.RequestSink.
func (d *DB) WriteRequestLog(rec monitoring.RequestRecord) error {
	entry := RequestLogEntry{
		RequestID:     rec.RequestID,
		Timestamp:     rec.EndedAt,
		Date:          rec.EndedAt.Format("2006-01-02"),
		Model:         rec.Model,
		Success:       rec.Success,
		DurationMs:    rec.DurationMs,
		Error:         rec.Error,
		MessagesCount: rec.MessagesCount,
		InputTokens:   rec.InputTokens,
		OutputTokens:  rec.OutputTokens,
		TotalTokens:   rec.InputTokens + rec.OutputTokens,
	}
	if rec.Cost != nil {
		entry.InputCost = rec.Cost.InputCost
		entry.OutputCost = rec.Cost.OutputCost
		entry.TotalCost = rec.Cost.TotalCost
		entry.Currency = rec.Cost.Currency
	}
	return d.gorm.Create(&entry).Error
}

// Recent returns the most recent n rows, newest first; used by the
// dashboard's durable-history fallback when the in-memory LRU has
// already evicted an older request.
func (d *DB) Recent(n int) ([]RequestLogEntry, error) {
	var rows []RequestLogEntry
	err := d.gorm.Order("timestamp desc").Limit(n).Find(&rows).Error
	return rows, err
}

// DateModelStat is one aggregated row from StatsByDateModel.
type DateModelStat struct {
	Date      string  `json:"date"`
	Model     string  `json:"model"`
	Requests  int     `json:"requests"`
	Successes int     `json:"successes"`
	TotalCost float64 `json:"total_cost"`
}

// StatsByDateModel aggregates success/failure counts and total cost
// grouped by (date, model) for one date, exercising the idx_date_model
// index.
func (d *DB) StatsByDateModel(date string) ([]DateModelStat, error) {
	var rows []DateModelStat
	err := d.gorm.Model(&RequestLogEntry{}).
		Select("date, model, count(*) as requests, sum(case when success then 1 else 0 end) as successes, sum(total_cost) as total_cost").
		Where("date = ?", date).
		Group("date, model").
		Scan(&rows).Error
	return rows, err
}
