package websocket

import (
	"time"

	"riskguard/internal/models"
)

// MessageType определяет тип WebSocket сообщения
type MessageType string

// Типы WebSocket сообщений дашборда
const (
	// MessageTypePriceUpdate - тик цены отслеживаемого символа
	MessageTypePriceUpdate MessageType = "priceUpdate"

	// MessageTypeRiskEvent - риск-событие (срабатывание стопа, подтяжка,
	// потеря защиты, недоступность стрима)
	MessageTypeRiskEvent MessageType = "riskEvent"

	// MessageTypeStopUpdate - изменение состояния защитного стопа
	MessageTypeStopUpdate MessageType = "stopUpdate"

	// MessageTypePortfolio - свежий отчёт о риске концентрации портфеля
	MessageTypePortfolio MessageType = "portfolioUpdate"
)

// BaseMessage - базовая структура всех WebSocket сообщений
type BaseMessage struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
}

// PriceUpdateMessage - тик цены для живого графика
type PriceUpdateMessage struct {
	BaseMessage
	Symbol string  `json:"symbol"`
	Price  float64 `json:"price"`
}

// RiskEventMessage - риск-событие для ленты алертов дашборда
type RiskEventMessage struct {
	BaseMessage
	Data *models.RiskEvent `json:"data"`
}

// StopUpdateMessage - состояние защитного стопа.
// Action: registered, ratcheted, fired, removed.
type StopUpdateMessage struct {
	BaseMessage
	Action    string  `json:"action"`
	TradeID   int64   `json:"trade_id"`
	Symbol    string  `json:"symbol"`
	StopPrice float64 `json:"stop_price,omitempty"`
}

// PortfolioMessage - отчёт о риске портфеля (payload - risk.PortfolioCorrelation)
type PortfolioMessage struct {
	BaseMessage
	Data interface{} `json:"data"`
}

// NewPriceUpdateMessage создаёт сообщение тика цены
func NewPriceUpdateMessage(p models.PricePoint) *PriceUpdateMessage {
	return &PriceUpdateMessage{
		BaseMessage: BaseMessage{Type: MessageTypePriceUpdate, Timestamp: time.Now()},
		Symbol:      p.Symbol,
		Price:       p.Price,
	}
}

// NewRiskEventMessage создаёт сообщение риск-события
func NewRiskEventMessage(event models.RiskEvent) *RiskEventMessage {
	return &RiskEventMessage{
		BaseMessage: BaseMessage{Type: MessageTypeRiskEvent, Timestamp: time.Now()},
		Data:        &event,
	}
}

// NewStopUpdateMessage создаёт сообщение об изменении стопа
func NewStopUpdateMessage(action string, tradeID int64, symbol string, stopPrice float64) *StopUpdateMessage {
	return &StopUpdateMessage{
		BaseMessage: BaseMessage{Type: MessageTypeStopUpdate, Timestamp: time.Now()},
		Action:      action,
		TradeID:     tradeID,
		Symbol:      symbol,
		StopPrice:   stopPrice,
	}
}

// NewPortfolioMessage создаёт сообщение с отчётом о риске портфеля
func NewPortfolioMessage(report interface{}) *PortfolioMessage {
	return &PortfolioMessage{
		BaseMessage: BaseMessage{Type: MessageTypePortfolio, Timestamp: time.Now()},
		Data:        report,
	}
}
