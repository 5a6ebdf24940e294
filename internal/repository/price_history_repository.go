package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"

	"riskguard/internal/models"
)

// PriceHistoryRepository - работа с таблицей price_history.
// Таблица кормит warm start движка корреляций после рестарта процесса.
type PriceHistoryRepository struct {
	db *sql.DB
}

// NewPriceHistoryRepository создает новый экземпляр репозитория
func NewPriceHistoryRepository(db *sql.DB) *PriceHistoryRepository {
	return &PriceHistoryRepository{db: db}
}

// RecentBySymbols возвращает историю цен символов начиная с момента since,
// отсортированную по времени
func (r *PriceHistoryRepository) RecentBySymbols(ctx context.Context, symbols []string, since time.Time) ([]models.PricePoint, error) {
	query := `
		SELECT symbol, price, ts
		FROM price_history
		WHERE symbol = ANY($1) AND ts >= $2
		ORDER BY ts`

	rows, err := r.db.QueryContext(ctx, query, pq.Array(symbols), since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var points []models.PricePoint
	for rows.Next() {
		var p models.PricePoint
		if err := rows.Scan(&p.Symbol, &p.Price, &p.Timestamp); err != nil {
			return nil, err
		}
		points = append(points, p)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return points, nil
}

// InsertBatch записывает пачку точек одной транзакцией через COPY.
// Пустая пачка - no-op.
func (r *PriceHistoryRepository) InsertBatch(ctx context.Context, points []models.PricePoint) error {
	if len(points) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, pq.CopyIn("price_history", "symbol", "price", "ts"))
	if err != nil {
		return err
	}

	for _, p := range points {
		if _, err := stmt.ExecContext(ctx, p.Symbol, p.Price, p.Timestamp); err != nil {
			stmt.Close()
			return err
		}
	}

	// Пустой Exec сбрасывает буфер COPY
	if _, err := stmt.ExecContext(ctx); err != nil {
		stmt.Close()
		return err
	}
	if err := stmt.Close(); err != nil {
		return err
	}

	return tx.Commit()
}

// DeleteOlderThan удаляет точки старше горизонта хранения.
// Возвращает количество удалённых строк.
func (r *PriceHistoryRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `DELETE FROM price_history WHERE ts < $1`

	result, err := r.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, err
	}

	return result.RowsAffected()
}
