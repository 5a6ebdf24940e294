package repository

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"riskguard/internal/models"
)

// ============================================================
// RiskEventRepository Tests
// ============================================================

func TestRiskEventCreate(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery(`INSERT INTO risk_events`).
		WithArgs(models.EventLevelCritical, models.EventStopExecutionFailed, "BTCUSDT", int64(7), "protective order failed", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(15))

	repo := NewRiskEventRepository(db)
	event := &models.RiskEvent{
		Level:   models.EventLevelCritical,
		Type:    models.EventStopExecutionFailed,
		Symbol:  "BTCUSDT",
		TradeID: 7,
		Message: "protective order failed",
	}

	if err := repo.Create(context.Background(), event); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if event.ID != 15 {
		t.Errorf("event ID: got %d, want 15", event.ID)
	}
	if event.CreatedAt.IsZero() {
		t.Error("CreatedAt was not defaulted")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestRiskEventRecent(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	defer db.Close()

	now := time.Now()
	mock.ExpectQuery(`SELECT (.+) FROM risk_events`).
		WithArgs(10).
		WillReturnRows(sqlmock.NewRows([]string{"id", "level", "type", "symbol", "trade_id", "message", "created_at"}).
			AddRow(2, models.EventLevelWarning, models.EventStopTriggered, "BTCUSDT", 1, "stop executed", now).
			AddRow(1, models.EventLevelInfo, models.EventStopRatcheted, "BTCUSDT", 1, "stop moved", now.Add(-time.Minute)))

	repo := NewRiskEventRepository(db)
	events, err := repo.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}

	if len(events) != 2 {
		t.Fatalf("events: got %d, want 2", len(events))
	}
	if events[0].Type != models.EventStopTriggered {
		t.Errorf("newest first expected, got %s", events[0].Type)
	}
}

func TestRiskEventCountByLevel(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	defer db.Close()

	since := time.Now().Add(-time.Hour)
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM risk_events`).
		WithArgs(models.EventLevelCritical, since).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))

	repo := NewRiskEventRepository(db)
	count, err := repo.CountByLevel(context.Background(), models.EventLevelCritical, since)
	if err != nil {
		t.Fatalf("CountByLevel failed: %v", err)
	}
	if count != 3 {
		t.Errorf("count: got %d, want 3", count)
	}
}
