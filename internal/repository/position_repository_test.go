package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"riskguard/internal/models"
)

// ============================================================
// PositionRepository Tests
// ============================================================

func positionRows(positions ...models.Position) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{
		"id", "account_id", "exchange", "symbol", "side", "quantity", "entry_price",
		"close_price", "stop_price", "trailing_percent", "stop_fired", "status", "opened_at", "closed_at",
	})
	for _, p := range positions {
		rows.AddRow(
			p.ID, p.AccountID, p.Exchange, p.Symbol, p.Side, p.Quantity, p.EntryPrice,
			p.ClosePrice, p.StopPrice, p.TrailingPercent, p.StopFired, p.Status, p.OpenedAt, p.ClosedAt,
		)
	}
	return rows
}

func floatPtr(v float64) *float64 { return &v }

func TestNewPositionRepository(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	defer db.Close()

	repo := NewPositionRepository(db)
	if repo == nil {
		t.Fatal("NewPositionRepository returned nil")
	}
}

func TestPositionRepositoryCreate(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery(`INSERT INTO positions`).
		WithArgs(int64(1), "binance", "BTCUSDT", models.SideLong, 0.5, 50000.0,
			sqlmock.AnyArg(), sqlmock.AnyArg(), models.PositionStatusOpen, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(42))

	repo := NewPositionRepository(db)
	position := &models.Position{
		AccountID:  1,
		Exchange:   "binance",
		Symbol:     "BTCUSDT",
		Side:       models.SideLong,
		Quantity:   0.5,
		EntryPrice: 50000,
		StopPrice:  floatPtr(47500),
	}

	if err := repo.Create(position); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if position.ID != 42 {
		t.Errorf("position ID: got %d, want 42", position.ID)
	}
	if position.Status != models.PositionStatusOpen {
		t.Errorf("default status: got %s", position.Status)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPositionRepositoryOpenProtected(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	defer db.Close()

	opened := time.Now().Add(-time.Hour)
	mock.ExpectQuery(`SELECT (.+) FROM positions`).
		WithArgs(models.PositionStatusOpen).
		WillReturnRows(positionRows(
			models.Position{
				ID: 1, AccountID: 1, Exchange: "binance", Symbol: "BTCUSDT",
				Side: models.SideLong, Quantity: 0.5, EntryPrice: 50000,
				StopPrice: floatPtr(47500), Status: models.PositionStatusOpen, OpenedAt: opened,
			},
			models.Position{
				ID: 2, AccountID: 1, Exchange: "binance", Symbol: "ETHUSDT",
				Side: models.SideShort, Quantity: 2, EntryPrice: 3000,
				StopPrice: floatPtr(3100), TrailingPercent: floatPtr(3),
				Status: models.PositionStatusOpen, OpenedAt: opened,
			},
		))

	repo := NewPositionRepository(db)
	positions, err := repo.OpenProtected(context.Background())
	if err != nil {
		t.Fatalf("OpenProtected failed: %v", err)
	}

	if len(positions) != 2 {
		t.Fatalf("positions: got %d, want 2", len(positions))
	}
	if positions[0].Symbol != "BTCUSDT" || !positions[0].HasStopLoss() {
		t.Errorf("first position: %+v", positions[0])
	}
	if positions[1].TrailingPercent == nil || *positions[1].TrailingPercent != 3 {
		t.Errorf("trailing percent lost: %+v", positions[1])
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPositionRepositoryUpdateStopPrice(t *testing.T) {
	tests := []struct {
		name        string
		mockSetup   func(mock sqlmock.Sqlmock)
		expectError error
	}{
		{
			name: "success",
			mockSetup: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec(`UPDATE positions`).
					WithArgs(48000.0, int64(1), models.PositionStatusOpen).
					WillReturnResult(sqlmock.NewResult(0, 1))
			},
		},
		{
			name: "position not found",
			mockSetup: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec(`UPDATE positions`).
					WithArgs(48000.0, int64(1), models.PositionStatusOpen).
					WillReturnResult(sqlmock.NewResult(0, 0))
			},
			expectError: ErrPositionNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock, err := sqlmock.New()
			if err != nil {
				t.Fatalf("failed to create mock: %v", err)
			}
			defer db.Close()

			tt.mockSetup(mock)

			repo := NewPositionRepository(db)
			err = repo.UpdateStopPrice(context.Background(), 1, 48000)

			if tt.expectError != nil {
				if !errors.Is(err, tt.expectError) {
					t.Errorf("expected %v, got %v", tt.expectError, err)
				}
			} else if err != nil {
				t.Errorf("unexpected error: %v", err)
			}

			if err := mock.ExpectationsWereMet(); err != nil {
				t.Errorf("unmet expectations: %v", err)
			}
		})
	}
}

func TestPositionRepositoryMarkFired(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	defer db.Close()

	mock.ExpectExec(`UPDATE positions`).
		WithArgs(47400.0, models.PositionStatusClosed, sqlmock.AnyArg(), int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	repo := NewPositionRepository(db)
	if err := repo.MarkFired(context.Background(), 7, "ORD-99", 47400); err != nil {
		t.Fatalf("MarkFired failed: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPositionRepositorySetStopLoss(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	defer db.Close()

	mock.ExpectExec(`UPDATE positions`).
		WithArgs(47500.0, sqlmock.AnyArg(), int64(3), models.PositionStatusOpen).
		WillReturnResult(sqlmock.NewResult(0, 1))

	repo := NewPositionRepository(db)
	if err := repo.SetStopLoss(3, 47500, floatPtr(5)); err != nil {
		t.Fatalf("SetStopLoss failed: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPositionRepositoryGetByIDNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery(`SELECT (.+) FROM positions`).
		WithArgs(int64(99)).
		WillReturnRows(positionRows())

	repo := NewPositionRepository(db)
	_, err = repo.GetByID(99)
	if !errors.Is(err, ErrPositionNotFound) {
		t.Errorf("expected ErrPositionNotFound, got %v", err)
	}
}
