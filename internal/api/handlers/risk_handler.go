package handlers

import (
	"context"
	"net/http"
	"strconv"

	"riskguard/internal/models"
	"riskguard/internal/risk"
)

// CorrelationService - операции движка корреляций, нужные API
type CorrelationService interface {
	AnalyzePortfolio(holdings map[string]models.Holding) *risk.PortfolioCorrelation
	Correlation(a, b string) (risk.PairCorrelation, error)
	TrackedSymbols() []string
}

// EventReader - чтение журнала риск-событий
type EventReader interface {
	Recent(ctx context.Context, limit int) ([]models.RiskEvent, error)
}

// RiskHandler обрабатывает HTTP запросы риск-аналитики.
//
// Endpoints:
// - POST /api/v1/risk/portfolio - анализ концентрации риска портфеля
// - GET  /api/v1/risk/correlation?a=BTCUSDT&b=ETHUSDT - корреляция пары
// - GET  /api/v1/risk/symbols - отслеживаемые символы
// - GET  /api/v1/risk/events?limit=50 - журнал риск-событий
type RiskHandler struct {
	correlation CorrelationService
	events      EventReader
	notify      DashboardNotifier
}

// NewRiskHandler создает новый RiskHandler с внедрением зависимостей
func NewRiskHandler(correlation CorrelationService, events EventReader, notify DashboardNotifier) *RiskHandler {
	return &RiskHandler{
		correlation: correlation,
		events:      events,
		notify:      notify,
	}
}

// portfolioRequest - тело запроса анализа портфеля
type portfolioRequest struct {
	Holdings map[string]models.Holding `json:"holdings"`
}

// AnalyzePortfolio возвращает отчёт о риске концентрации портфеля.
//
// POST /api/v1/risk/portfolio
// Body: {"holdings": {"BTCUSDT": {"amount": 0.5, "cost_basis": 50000}}}
//
// Response 200 OK: риск-скор, веса, корреляционная матрица, рекомендации
func (h *RiskHandler) AnalyzePortfolio(w http.ResponseWriter, r *http.Request) {
	var req portfolioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	for symbol, holding := range req.Holdings {
		if symbol == "" || holding.Amount < 0 {
			writeError(w, http.StatusBadRequest, "invalid holding", symbol)
			return
		}
	}

	report := h.correlation.AnalyzePortfolio(req.Holdings)

	// Свежий отчёт уходит и подписчикам дашборда
	if h.notify != nil {
		h.notify.BroadcastPortfolio(report)
	}

	writeJSON(w, http.StatusOK, report)
}

// GetCorrelation возвращает закэшированную корреляцию пары символов.
//
// GET /api/v1/risk/correlation?a=BTCUSDT&b=ETHUSDT
//
// Response 200 OK: {"coefficient": 0.93, "aligned": 120, "known": true, ...}
// Response 404 Not Found: пара посчитана, но данных недостаточно
func (h *RiskHandler) GetCorrelation(w http.ResponseWriter, r *http.Request) {
	a := r.URL.Query().Get("a")
	b := r.URL.Query().Get("b")
	if a == "" || b == "" {
		writeError(w, http.StatusBadRequest, "both symbols are required", "query params: a, b")
		return
	}

	pc, err := h.correlation.Correlation(a, b)
	if err != nil {
		writeError(w, http.StatusNotFound, "correlation unknown", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, pc)
}

// GetSymbols возвращает символы с накопленной историей цен.
//
// GET /api/v1/risk/symbols
func (h *RiskHandler) GetSymbols(w http.ResponseWriter, r *http.Request) {
	symbols := h.correlation.TrackedSymbols()
	if symbols == nil {
		symbols = []string{}
	}
	writeJSON(w, http.StatusOK, SuccessResponse{Data: symbols})
}

// GetEvents возвращает последние риск-события (новейшие первыми).
//
// GET /api/v1/risk/events?limit=50
func (h *RiskHandler) GetEvents(w http.ResponseWriter, r *http.Request) {
	if h.events == nil {
		writeError(w, http.StatusServiceUnavailable, "event journal is not available", "")
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 || v > 1000 {
			writeError(w, http.StatusBadRequest, "invalid limit", raw)
			return
		}
		limit = v
	}

	events, err := h.events.Recent(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read events", err.Error())
		return
	}
	if events == nil {
		events = []models.RiskEvent{}
	}

	writeJSON(w, http.StatusOK, SuccessResponse{Data: events})
}
