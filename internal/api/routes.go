// Package api - HTTP поверхность риск-движка: управление стопами,
// риск-аналитика, журнал событий, метрики и push-канал дашборда.
package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"riskguard/internal/api/handlers"
	"riskguard/internal/api/middleware"
	"riskguard/internal/websocket"
)

// Dependencies содержит все зависимости для API handlers
type Dependencies struct {
	Correlation handlers.CorrelationService
	Stops       handlers.StopService
	StopStore   handlers.StopWriter
	Events      handlers.EventReader
	Hub         *websocket.Hub
	Log         *zap.Logger
}

// SetupRoutes настраивает все HTTP маршруты приложения.
//
// Структура маршрутов:
//
// /api/v1/
//
//	├── /risk/
//	│   ├── POST /portfolio - анализ риска портфеля
//	│   ├── GET  /correlation?a=&b= - корреляция пары
//	│   ├── GET  /symbols - отслеживаемые символы
//	│   └── GET  /events - журнал риск-событий
//	└── /stops/
//	    ├── GET    / - список стопов
//	    ├── POST   / - поставить стоп
//	    ├── GET    /{tradeID} - состояние стопа
//	    └── DELETE /{tradeID} - снять стоп
//
// /ws      - WebSocket push для дашборда
// /health  - liveness проба
// /metrics - Prometheus метрики
func SetupRoutes(deps *Dependencies) *mux.Router {
	router := mux.NewRouter()

	log := zap.NewNop()
	if deps != nil && deps.Log != nil {
		log = deps.Log
	}

	router.Use(middleware.Recovery(log))
	router.Use(middleware.Logging(log))
	router.Use(middleware.CORS)

	api := router.PathPrefix("/api/v1").Subrouter()

	// Типизированный nil *Hub не должен стать non-nil интерфейсом
	var notify handlers.DashboardNotifier
	if deps != nil && deps.Hub != nil {
		notify = deps.Hub
	}

	if deps != nil && deps.Correlation != nil {
		riskHandler := handlers.NewRiskHandler(deps.Correlation, deps.Events, notify)
		api.HandleFunc("/risk/portfolio", riskHandler.AnalyzePortfolio).Methods("POST")
		api.HandleFunc("/risk/correlation", riskHandler.GetCorrelation).Methods("GET")
		api.HandleFunc("/risk/symbols", riskHandler.GetSymbols).Methods("GET")
		api.HandleFunc("/risk/events", riskHandler.GetEvents).Methods("GET")
	}

	if deps != nil && deps.Stops != nil {
		stopsHandler := handlers.NewStopsHandler(deps.Stops, deps.StopStore, notify)
		api.HandleFunc("/stops", stopsHandler.ListStops).Methods("GET")
		api.HandleFunc("/stops", stopsHandler.CreateStop).Methods("POST")
		api.HandleFunc("/stops/{tradeID}", stopsHandler.GetStop).Methods("GET")
		api.HandleFunc("/stops/{tradeID}", stopsHandler.DeleteStop).Methods("DELETE")
	}

	if deps != nil && deps.Hub != nil {
		hub := deps.Hub
		router.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
			websocket.ServeWS(hub, w, r)
		})
	}

	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	}).Methods("GET")

	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	return router
}
