package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"riskguard/internal/models"
	"riskguard/internal/risk"
)

// StopService - операции монитора стопов, нужные API
type StopService interface {
	Register(cfg models.StopLossConfig) error
	Unregister(tradeID int64) error
	Get(tradeID int64) (models.StopLossConfig, float64, error)
	List() []models.StopLossConfig
}

// StopWriter персистирует настройку стопа в строке позиции.
// Опционален: без него стоп живёт только до рестарта.
type StopWriter interface {
	SetStopLoss(id int64, stopPrice float64, trailingPercent *float64) error
	ClearStopLoss(id int64) error
}

// StopsHandler обрабатывает HTTP запросы управления защитными стопами.
//
// Endpoints:
// - GET    /api/v1/stops - список отслеживаемых стопов
// - POST   /api/v1/stops - поставить стоп на мониторинг
// - GET    /api/v1/stops/{tradeID} - текущее состояние стопа
// - DELETE /api/v1/stops/{tradeID} - снять стоп с мониторинга
type StopsHandler struct {
	stops  StopService
	store  StopWriter
	notify DashboardNotifier
}

// NewStopsHandler создает новый StopsHandler с внедрением зависимостей
func NewStopsHandler(stops StopService, store StopWriter, notify DashboardNotifier) *StopsHandler {
	return &StopsHandler{
		stops:  stops,
		store:  store,
		notify: notify,
	}
}

// stopStateResponse - состояние стопа с текущим (возможно подтянутым) уровнем
type stopStateResponse struct {
	models.StopLossConfig
	CurrentStop float64 `json:"current_stop"`
}

// ListStops возвращает все отслеживаемые стопы.
//
// GET /api/v1/stops
func (h *StopsHandler) ListStops(w http.ResponseWriter, r *http.Request) {
	stops := h.stops.List()
	if stops == nil {
		stops = []models.StopLossConfig{}
	}
	writeJSON(w, http.StatusOK, SuccessResponse{Data: stops})
}

// CreateStop ставит стоп на мониторинг и персистирует его в позиции.
//
// POST /api/v1/stops
// Body: {"trade_id": 1, "symbol": "BTCUSDT", "side": "long", "quantity": 0.5,
//        "stop_price": 47500, "is_trailing": true, "trailing_percent": 5,
//        "account_id": 1, "exchange": "binance"}
//
// Response 201 Created | 400 Bad Request | 409 Conflict (уже отслеживается)
func (h *StopsHandler) CreateStop(w http.ResponseWriter, r *http.Request) {
	var cfg models.StopLossConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	if err := cfg.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid stop-loss config", err.Error())
		return
	}

	if err := h.stops.Register(cfg); err != nil {
		if errors.Is(err, risk.ErrStopExists) {
			writeError(w, http.StatusConflict, "stop-loss already registered", "")
			return
		}
		writeError(w, http.StatusBadRequest, "failed to register stop-loss", err.Error())
		return
	}

	if h.notify != nil {
		h.notify.BroadcastStopUpdate("armed", cfg.TradeID, cfg.Symbol, cfg.StopPrice)
	}

	if h.store != nil {
		var trailing *float64
		if cfg.IsTrailing {
			trailing = &cfg.TrailingPercent
		}
		if err := h.store.SetStopLoss(cfg.TradeID, cfg.StopPrice, trailing); err != nil {
			// Мониторинг уже идёт, но рестарт стоп не переживёт
			writeJSON(w, http.StatusCreated, SuccessResponse{
				Message: "stop-loss registered, persistence failed: " + err.Error(),
				Data:    cfg,
			})
			return
		}
	}

	writeJSON(w, http.StatusCreated, SuccessResponse{Message: "stop-loss registered", Data: cfg})
}

// GetStop возвращает состояние стопа с текущим уровнем.
//
// GET /api/v1/stops/{tradeID}
func (h *StopsHandler) GetStop(w http.ResponseWriter, r *http.Request) {
	tradeID, ok := tradeIDFromRequest(w, r)
	if !ok {
		return
	}

	cfg, current, err := h.stops.Get(tradeID)
	if err != nil {
		writeError(w, http.StatusNotFound, "stop-loss not found", "")
		return
	}

	writeJSON(w, http.StatusOK, stopStateResponse{StopLossConfig: cfg, CurrentStop: current})
}

// DeleteStop снимает стоп с мониторинга.
//
// DELETE /api/v1/stops/{tradeID}
func (h *StopsHandler) DeleteStop(w http.ResponseWriter, r *http.Request) {
	tradeID, ok := tradeIDFromRequest(w, r)
	if !ok {
		return
	}

	if err := h.stops.Unregister(tradeID); err != nil {
		writeError(w, http.StatusNotFound, "stop-loss not found", "")
		return
	}

	if h.notify != nil {
		h.notify.BroadcastStopUpdate("disarmed", tradeID, "", 0)
	}

	if h.store != nil {
		if err := h.store.ClearStopLoss(tradeID); err != nil {
			writeJSON(w, http.StatusOK, SuccessResponse{
				Message: "stop-loss removed, persistence failed: " + err.Error(),
			})
			return
		}
	}

	writeJSON(w, http.StatusOK, SuccessResponse{Message: "stop-loss removed"})
}

func tradeIDFromRequest(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := mux.Vars(r)["tradeID"]
	tradeID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || tradeID <= 0 {
		writeError(w, http.StatusBadRequest, "invalid trade id", raw)
		return 0, false
	}
	return tradeID, true
}
