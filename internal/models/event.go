package models

import "time"

// RiskEvent - событие риск-мониторинга для журнала и алертинга.
//
// Уровень critical зарезервирован для ситуаций, когда позиция осталась
// без защиты (отказ биржи при исполнении стопа, исчерпан бюджет
// переподключений стрима). Такие события никогда не глотаются молча:
// они уходят в отдельный канал алертинга, а не только в обычный лог.
type RiskEvent struct {
	ID        int64     `json:"id" db:"id"`
	Level     string    `json:"level" db:"level"`
	Type      string    `json:"type" db:"type"`
	Symbol    string    `json:"symbol,omitempty" db:"symbol"`
	TradeID   int64     `json:"trade_id,omitempty" db:"trade_id"`
	Message   string    `json:"message" db:"message"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Уровни событий
const (
	EventLevelInfo     = "info"
	EventLevelWarning  = "warning"
	EventLevelCritical = "critical"
)

// Типы событий
const (
	EventStopTriggered       = "stop_triggered"        // стоп сработал, ордер исполнен
	EventStopRatcheted       = "stop_ratcheted"        // trailing stop подтянут
	EventStopExecutionFailed = "stop_execution_failed" // биржа отклонила защитный ордер
	EventStreamUnavailable   = "stream_unavailable"    // бюджет переподключений исчерпан
	EventPersistFailed       = "persist_failed"        // ошибка записи состояния в БД
)
