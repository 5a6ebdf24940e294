package repository

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"riskguard/internal/models"
)

// ============================================================
// PriceHistoryRepository Tests
// ============================================================

func TestPriceHistoryRecentBySymbols(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	defer db.Close()

	base := time.Now().Add(-time.Hour)
	mock.ExpectQuery(`SELECT symbol, price, ts FROM price_history`).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"symbol", "price", "ts"}).
			AddRow("BTCUSDT", 50000.0, base).
			AddRow("ETHUSDT", 3000.0, base).
			AddRow("BTCUSDT", 50100.0, base.Add(time.Minute)))

	repo := NewPriceHistoryRepository(db)
	points, err := repo.RecentBySymbols(context.Background(), []string{"BTCUSDT", "ETHUSDT"}, base)
	if err != nil {
		t.Fatalf("RecentBySymbols failed: %v", err)
	}

	if len(points) != 3 {
		t.Fatalf("points: got %d, want 3", len(points))
	}
	if points[0].Symbol != "BTCUSDT" || points[0].Price != 50000 {
		t.Errorf("first point: %+v", points[0])
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPriceHistoryInsertBatch(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	defer db.Close()

	now := time.Now()
	points := []models.PricePoint{
		{Symbol: "BTCUSDT", Price: 50000, Timestamp: now},
		{Symbol: "ETHUSDT", Price: 3000, Timestamp: now},
	}

	mock.ExpectBegin()
	stmt := mock.ExpectPrepare(`COPY "price_history"`)
	stmt.ExpectExec().WithArgs("BTCUSDT", 50000.0, now).WillReturnResult(sqlmock.NewResult(0, 1))
	stmt.ExpectExec().WithArgs("ETHUSDT", 3000.0, now).WillReturnResult(sqlmock.NewResult(0, 1))
	stmt.ExpectExec().WillReturnResult(sqlmock.NewResult(0, 0)) // flush
	mock.ExpectCommit()

	repo := NewPriceHistoryRepository(db)
	if err := repo.InsertBatch(context.Background(), points); err != nil {
		t.Fatalf("InsertBatch failed: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPriceHistoryInsertBatchEmpty(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	defer db.Close()

	// Пустая пачка не трогает БД
	repo := NewPriceHistoryRepository(db)
	if err := repo.InsertBatch(context.Background(), nil); err != nil {
		t.Fatalf("InsertBatch failed: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPriceHistoryDeleteOlderThan(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	defer db.Close()

	cutoff := time.Now().Add(-24 * time.Hour)
	mock.ExpectExec(`DELETE FROM price_history`).
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 120))

	repo := NewPriceHistoryRepository(db)
	deleted, err := repo.DeleteOlderThan(context.Background(), cutoff)
	if err != nil {
		t.Fatalf("DeleteOlderThan failed: %v", err)
	}
	if deleted != 120 {
		t.Errorf("deleted rows: got %d, want 120", deleted)
	}
}
