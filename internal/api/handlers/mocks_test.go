package handlers

import (
	"context"
	"errors"

	"riskguard/internal/models"
	"riskguard/internal/risk"
)

// ============================================================
// Моки сервисов для тестов handlers
// ============================================================

type mockCorrelation struct {
	report  *risk.PortfolioCorrelation
	pair    risk.PairCorrelation
	pairErr error
	symbols []string
}

func (m *mockCorrelation) AnalyzePortfolio(map[string]models.Holding) *risk.PortfolioCorrelation {
	return m.report
}

func (m *mockCorrelation) Correlation(a, b string) (risk.PairCorrelation, error) {
	return m.pair, m.pairErr
}

func (m *mockCorrelation) TrackedSymbols() []string {
	return m.symbols
}

type mockStops struct {
	registered  []models.StopLossConfig
	registerErr error
	stops       map[int64]models.StopLossConfig
	current     float64
}

func (m *mockStops) Register(cfg models.StopLossConfig) error {
	if m.registerErr != nil {
		return m.registerErr
	}
	m.registered = append(m.registered, cfg)
	return nil
}

func (m *mockStops) Unregister(tradeID int64) error {
	if _, ok := m.stops[tradeID]; !ok {
		return risk.ErrStopNotFound
	}
	delete(m.stops, tradeID)
	return nil
}

func (m *mockStops) Get(tradeID int64) (models.StopLossConfig, float64, error) {
	cfg, ok := m.stops[tradeID]
	if !ok {
		return models.StopLossConfig{}, 0, risk.ErrStopNotFound
	}
	return cfg, m.current, nil
}

func (m *mockStops) List() []models.StopLossConfig {
	var out []models.StopLossConfig
	for _, cfg := range m.stops {
		out = append(out, cfg)
	}
	return out
}

type mockStopWriter struct {
	set     []int64
	cleared []int64
	fail    bool
}

func (m *mockStopWriter) SetStopLoss(id int64, stopPrice float64, trailingPercent *float64) error {
	if m.fail {
		return errors.New("db unavailable")
	}
	m.set = append(m.set, id)
	return nil
}

func (m *mockStopWriter) ClearStopLoss(id int64) error {
	if m.fail {
		return errors.New("db unavailable")
	}
	m.cleared = append(m.cleared, id)
	return nil
}

type mockNotifier struct {
	stopUpdates []string
	portfolios  int
}

func (m *mockNotifier) BroadcastStopUpdate(action string, tradeID int64, symbol string, stopPrice float64) {
	m.stopUpdates = append(m.stopUpdates, action)
}

func (m *mockNotifier) BroadcastPortfolio(report interface{}) {
	m.portfolios++
}

type mockEvents struct {
	events []models.RiskEvent
	err    error
}

func (m *mockEvents) Recent(_ context.Context, limit int) ([]models.RiskEvent, error) {
	if m.err != nil {
		return nil, m.err
	}
	if limit < len(m.events) {
		return m.events[:limit], nil
	}
	return m.events, nil
}
