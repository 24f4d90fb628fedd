// Package positionstore persists trading positions in SQLite through gorm.
// It is the system of record for the position state machine: the decision
// engine never keeps position state in memory between cycles.
package positionstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"deltaflow/internal/orderflow"
	"deltaflow/internal/trader"
)

type positionModel struct {
	ID              string         `gorm:"column:id;primaryKey"`
	Profile         string         `gorm:"column:profile;index"`
	Symbol          string         `gorm:"column:symbol;index"`
	Direction       string         `gorm:"column:direction"`
	Status          string         `gorm:"column:status;index"`
	EntryPrice      float64        `gorm:"column:entry_price"`
	Quantity        float64        `gorm:"column:quantity"`
	StopLossPrice   float64        `gorm:"column:stop_loss_price"`
	TrailingExtreme float64        `gorm:"column:trailing_extreme"`
	ExitPrice       float64        `gorm:"column:exit_price"`
	PnL             float64        `gorm:"column:pnl"`
	PnLPercent      float64        `gorm:"column:pnl_percent"`
	EntryReason     string         `gorm:"column:entry_reason"`
	ExitReason      string         `gorm:"column:exit_reason"`
	Error           string         `gorm:"column:error"`
	EntryMetrics    datatypes.JSON `gorm:"column:entry_metrics;type:TEXT"`
	OpenedAt        time.Time      `gorm:"column:opened_at;index"`
	ClosedAt        *time.Time     `gorm:"column:closed_at"`
	UpdatedAt       time.Time      `gorm:"column:updated_at"`
}

func (positionModel) TableName() string { return "positions" }

// Store implements trader.PositionStore on SQLite.
type Store struct {
	db *gorm.DB
}

var _ trader.PositionStore = (*Store)(nil)

// New opens (or creates) the position database at path.
func New(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("position store: database path cannot be empty")
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                                   logger.Default.LogMode(logger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, err
	}
	return NewFromDB(db)
}

// NewFromDB wraps an already opened gorm connection.
func NewFromDB(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("position store: gorm db cannot be nil")
	}
	if err := db.AutoMigrate(&positionModel{}); err != nil {
		return nil, err
	}
	if sqlDB, err := db.DB(); err == nil {
		// SQLite + WAL: a little parallelism for HTTP reads, low lock contention.
		sqlDB.SetMaxOpenConns(2)
		sqlDB.SetMaxIdleConns(2)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// CreatePosition inserts the position, upserting on ID so a retried create
// is idempotent.
func (s *Store) CreatePosition(ctx context.Context, p trader.Position) (trader.Position, error) {
	if s == nil || s.db == nil {
		return trader.Position{}, fmt.Errorf("position store not initialized")
	}
	if strings.TrimSpace(p.ID) == "" {
		return trader.Position{}, fmt.Errorf("position id cannot be empty")
	}
	if strings.TrimSpace(p.Symbol) == "" {
		return trader.Position{}, fmt.Errorf("position symbol cannot be empty")
	}
	m := toModel(p)
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"profile", "symbol", "direction", "status", "entry_price", "quantity",
				"stop_loss_price", "trailing_extreme", "exit_price", "pnl", "pnl_percent",
				"entry_reason", "exit_reason", "error", "entry_metrics", "opened_at",
				"closed_at", "updated_at",
			}),
		}).
		Create(&m).Error
	if err != nil {
		return trader.Position{}, err
	}
	return fromModel(m), nil
}

// UpdatePosition applies a partial field set keyed by column name and
// returns the row as stored afterwards.
func (s *Store) UpdatePosition(ctx context.Context, id string, fields map[string]any) (trader.Position, error) {
	if s == nil || s.db == nil {
		return trader.Position{}, fmt.Errorf("position store not initialized")
	}
	if strings.TrimSpace(id) == "" {
		return trader.Position{}, fmt.Errorf("position id cannot be empty")
	}
	if len(fields) == 0 {
		return s.GetPosition(ctx, id)
	}
	res := s.db.WithContext(ctx).Model(&positionModel{}).
		Where("id = ?", id).
		Updates(normalizeUpdateFields(fields))
	if res.Error != nil {
		return trader.Position{}, res.Error
	}
	if res.RowsAffected == 0 {
		return trader.Position{}, gorm.ErrRecordNotFound
	}
	return s.GetPosition(ctx, id)
}

func (s *Store) GetPosition(ctx context.Context, id string) (trader.Position, error) {
	if s == nil || s.db == nil {
		return trader.Position{}, fmt.Errorf("position store not initialized")
	}
	var m positionModel
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&m).Error; err != nil {
		return trader.Position{}, err
	}
	return fromModel(m), nil
}

// GetOpenPositions returns ENTRY_ACTIVE and TRAILING_ACTIVE positions,
// oldest first, so the engine manages them in open order.
func (s *Store) GetOpenPositions(ctx context.Context) ([]trader.Position, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("position store not initialized")
	}
	var models []positionModel
	err := s.db.WithContext(ctx).
		Where("status IN ?", []string{string(trader.StatusEntryActive), string(trader.StatusTrailingActive)}).
		Order("opened_at ASC, id ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	return fromModels(models), nil
}

// GetClosedPositions returns terminal positions, most recently closed first.
func (s *Store) GetClosedPositions(ctx context.Context, limit int) ([]trader.Position, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("position store not initialized")
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var models []positionModel
	err := s.db.WithContext(ctx).
		Where("status IN ?", []string{string(trader.StatusClosedExited), string(trader.StatusClosedError)}).
		Order("closed_at DESC, id DESC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	return fromModels(models), nil
}

// IsNotFound reports whether err means the position does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}

// normalizeUpdateFields copies the caller's map and flattens named string
// types so the update binds plain SQL values.
func normalizeUpdateFields(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		switch val := v.(type) {
		case trader.Status:
			out[k] = string(val)
		case trader.Direction:
			out[k] = string(val)
		default:
			out[k] = v
		}
	}
	return out
}

func toModel(p trader.Position) positionModel {
	var metrics datatypes.JSON
	if p.EntryMetrics != nil {
		if b, err := json.Marshal(p.EntryMetrics); err == nil {
			metrics = datatypes.JSON(b)
		}
	}
	return positionModel{
		ID:              p.ID,
		Profile:         p.Profile,
		Symbol:          strings.ToUpper(strings.TrimSpace(p.Symbol)),
		Direction:       string(p.Direction),
		Status:          string(p.Status),
		EntryPrice:      p.EntryPrice,
		Quantity:        p.Quantity,
		StopLossPrice:   p.StopLossPrice,
		TrailingExtreme: p.TrailingExtreme,
		ExitPrice:       p.ExitPrice,
		PnL:             p.PnL,
		PnLPercent:      p.PnLPercent,
		EntryReason:     p.EntryReason,
		ExitReason:      p.ExitReason,
		Error:           p.Error,
		EntryMetrics:    metrics,
		OpenedAt:        p.OpenedAt,
		ClosedAt:        p.ClosedAt,
		UpdatedAt:       p.UpdatedAt,
	}
}

func fromModel(m positionModel) trader.Position {
	p := trader.Position{
		ID:              m.ID,
		Profile:         m.Profile,
		Symbol:          m.Symbol,
		Direction:       trader.Direction(m.Direction),
		Status:          trader.Status(m.Status),
		EntryPrice:      m.EntryPrice,
		Quantity:        m.Quantity,
		StopLossPrice:   m.StopLossPrice,
		TrailingExtreme: m.TrailingExtreme,
		ExitPrice:       m.ExitPrice,
		PnL:             m.PnL,
		PnLPercent:      m.PnLPercent,
		EntryReason:     m.EntryReason,
		ExitReason:      m.ExitReason,
		Error:           m.Error,
		OpenedAt:        m.OpenedAt,
		ClosedAt:        m.ClosedAt,
		UpdatedAt:       m.UpdatedAt,
	}
	if len(m.EntryMetrics) > 0 {
		var metrics orderflow.Metrics
		if err := json.Unmarshal(m.EntryMetrics, &metrics); err == nil {
			p.EntryMetrics = &metrics
		}
	}
	return p
}

func fromModels(models []positionModel) []trader.Position {
	out := make([]trader.Position, 0, len(models))
	for _, m := range models {
		out = append(out, fromModel(m))
	}
	return out
}
