package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"riskguard/internal/models"
)

// Ошибки репозитория позиций
var (
	ErrPositionNotFound = errors.New("position not found")
)

// PositionRepository - работа с таблицей positions
type PositionRepository struct {
	db *sql.DB
}

// NewPositionRepository создает новый экземпляр репозитория
func NewPositionRepository(db *sql.DB) *PositionRepository {
	return &PositionRepository{db: db}
}

const positionColumns = `id, account_id, exchange, symbol, side, quantity, entry_price, close_price, stop_price, trailing_percent, stop_fired, status, opened_at, closed_at`

func scanPosition(row interface{ Scan(...interface{}) error }) (*models.Position, error) {
	p := &models.Position{}
	err := row.Scan(
		&p.ID,
		&p.AccountID,
		&p.Exchange,
		&p.Symbol,
		&p.Side,
		&p.Quantity,
		&p.EntryPrice,
		&p.ClosePrice,
		&p.StopPrice,
		&p.TrailingPercent,
		&p.StopFired,
		&p.Status,
		&p.OpenedAt,
		&p.ClosedAt,
	)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Create создает новую позицию
func (r *PositionRepository) Create(position *models.Position) error {
	query := `
		INSERT INTO positions (account_id, exchange, symbol, side, quantity, entry_price, stop_price, trailing_percent, status, opened_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id`

	if position.Status == "" {
		position.Status = models.PositionStatusOpen
	}
	if position.OpenedAt.IsZero() {
		position.OpenedAt = time.Now()
	}

	return r.db.QueryRow(
		query,
		position.AccountID,
		position.Exchange,
		position.Symbol,
		position.Side,
		position.Quantity,
		position.EntryPrice,
		position.StopPrice,
		position.TrailingPercent,
		position.Status,
		position.OpenedAt,
	).Scan(&position.ID)
}

// GetByID возвращает позицию по ID
func (r *PositionRepository) GetByID(id int64) (*models.Position, error) {
	query := `
		SELECT ` + positionColumns + `
		FROM positions
		WHERE id = $1`

	position, err := scanPosition(r.db.QueryRow(query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrPositionNotFound
		}
		return nil, err
	}
	return position, nil
}

// GetOpen возвращает все открытые позиции
func (r *PositionRepository) GetOpen() ([]models.Position, error) {
	query := `
		SELECT ` + positionColumns + `
		FROM positions
		WHERE status = $1
		ORDER BY opened_at DESC`

	rows, err := r.db.Query(query, models.PositionStatusOpen)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectPositions(rows)
}

// OpenProtected возвращает открытые позиции с настроенным и ещё не
// сработавшим стопом. Кормит восстановление мониторинга после рестарта.
func (r *PositionRepository) OpenProtected(ctx context.Context) ([]models.Position, error) {
	query := `
		SELECT ` + positionColumns + `
		FROM positions
		WHERE status = $1 AND stop_price IS NOT NULL AND stop_fired = FALSE
		ORDER BY opened_at`

	rows, err := r.db.QueryContext(ctx, query, models.PositionStatusOpen)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectPositions(rows)
}

func collectPositions(rows *sql.Rows) ([]models.Position, error) {
	var positions []models.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *p)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return positions, nil
}

// SetStopLoss настраивает или заменяет стоп позиции
func (r *PositionRepository) SetStopLoss(id int64, stopPrice float64, trailingPercent *float64) error {
	query := `
		UPDATE positions
		SET stop_price = $1, trailing_percent = $2, stop_fired = FALSE
		WHERE id = $3 AND status = $4`

	result, err := r.db.Exec(query, stopPrice, trailingPercent, id, models.PositionStatusOpen)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		return ErrPositionNotFound
	}

	return nil
}

// ClearStopLoss снимает стоп с позиции
func (r *PositionRepository) ClearStopLoss(id int64) error {
	query := `
		UPDATE positions
		SET stop_price = NULL, trailing_percent = NULL
		WHERE id = $1 AND status = $2`

	result, err := r.db.Exec(query, id, models.PositionStatusOpen)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		return ErrPositionNotFound
	}

	return nil
}

// UpdateStopPrice записывает подтянутый уровень трейлинг-стопа
func (r *PositionRepository) UpdateStopPrice(ctx context.Context, tradeID int64, stopPrice float64) error {
	query := `
		UPDATE positions
		SET stop_price = $1
		WHERE id = $2 AND status = $3`

	result, err := r.db.ExecContext(ctx, query, stopPrice, tradeID, models.PositionStatusOpen)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		return ErrPositionNotFound
	}

	return nil
}

// MarkFired закрывает позицию исполненным защитным ордером
func (r *PositionRepository) MarkFired(ctx context.Context, tradeID int64, orderID string, fillPrice float64) error {
	query := `
		UPDATE positions
		SET stop_fired = TRUE, close_price = $1, status = $2, closed_at = $3
		WHERE id = $4`

	result, err := r.db.ExecContext(ctx, query, fillPrice, models.PositionStatusClosed, time.Now(), tradeID)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		return ErrPositionNotFound
	}

	return nil
}

// Close закрывает позицию вручную (не через стоп)
func (r *PositionRepository) Close(id int64, closePrice float64) error {
	query := `
		UPDATE positions
		SET close_price = $1, status = $2, closed_at = $3
		WHERE id = $4 AND status = $5`

	result, err := r.db.Exec(query, closePrice, models.PositionStatusClosed, time.Now(), id, models.PositionStatusOpen)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		return ErrPositionNotFound
	}

	return nil
}

// CountOpen возвращает количество открытых позиций
func (r *PositionRepository) CountOpen() (int, error) {
	query := `SELECT COUNT(*) FROM positions WHERE status = $1`

	var count int
	err := r.db.QueryRow(query, models.PositionStatusOpen).Scan(&count)
	if err != nil {
		return 0, err
	}

	return count, nil
}
