package repository

import (
	"context"
	"database/sql"
	"time"

	"riskguard/internal/models"
)

// RiskEventRepository - журнал риск-событий в таблице risk_events
type RiskEventRepository struct {
	db *sql.DB
}

// NewRiskEventRepository создает новый экземпляр репозитория
func NewRiskEventRepository(db *sql.DB) *RiskEventRepository {
	return &RiskEventRepository{db: db}
}

// Create записывает событие в журнал
func (r *RiskEventRepository) Create(ctx context.Context, event *models.RiskEvent) error {
	query := `
		INSERT INTO risk_events (level, type, symbol, trade_id, message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`

	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	return r.db.QueryRowContext(
		ctx,
		query,
		event.Level,
		event.Type,
		event.Symbol,
		event.TradeID,
		event.Message,
		event.CreatedAt,
	).Scan(&event.ID)
}

// Recent возвращает последние события (новейшие первыми)
func (r *RiskEventRepository) Recent(ctx context.Context, limit int) ([]models.RiskEvent, error) {
	query := `
		SELECT id, level, type, symbol, trade_id, message, created_at
		FROM risk_events
		ORDER BY created_at DESC
		LIMIT $1`

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectEvents(rows)
}

// RecentByLevel возвращает последние события заданного уровня
func (r *RiskEventRepository) RecentByLevel(ctx context.Context, level string, limit int) ([]models.RiskEvent, error) {
	query := `
		SELECT id, level, type, symbol, trade_id, message, created_at
		FROM risk_events
		WHERE level = $1
		ORDER BY created_at DESC
		LIMIT $2`

	rows, err := r.db.QueryContext(ctx, query, level, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectEvents(rows)
}

func collectEvents(rows *sql.Rows) ([]models.RiskEvent, error) {
	var events []models.RiskEvent
	for rows.Next() {
		var e models.RiskEvent
		err := rows.Scan(&e.ID, &e.Level, &e.Type, &e.Symbol, &e.TradeID, &e.Message, &e.CreatedAt)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return events, nil
}

// CountByLevel возвращает количество событий уровня за период
func (r *RiskEventRepository) CountByLevel(ctx context.Context, level string, since time.Time) (int, error) {
	query := `SELECT COUNT(*) FROM risk_events WHERE level = $1 AND created_at >= $2`

	var count int
	err := r.db.QueryRowContext(ctx, query, level, since).Scan(&count)
	if err != nil {
		return 0, err
	}

	return count, nil
}
