package models

import "time"

// Position представляет позицию пользователя на бирже
type Position struct {
	ID              int64      `json:"id" db:"id"`
	AccountID       int64      `json:"account_id" db:"account_id"`
	Exchange        string     `json:"exchange" db:"exchange"`
	Symbol          string     `json:"symbol" db:"symbol"` // BTCUSDT
	Side            string     `json:"side" db:"side"`     // long, short
	Quantity        float64    `json:"quantity" db:"quantity"`
	EntryPrice      float64    `json:"entry_price" db:"entry_price"`
	ClosePrice      *float64   `json:"close_price,omitempty" db:"close_price"`
	StopPrice       *float64   `json:"stop_price,omitempty" db:"stop_price"`             // уровень защитного стопа
	TrailingPercent *float64   `json:"trailing_percent,omitempty" db:"trailing_percent"` // nil = обычный стоп
	StopFired       bool       `json:"stop_fired" db:"stop_fired"`                       // защитный ордер сработал
	Status          string     `json:"status" db:"status"`
	OpenedAt        time.Time  `json:"opened_at" db:"opened_at"`
	ClosedAt        *time.Time `json:"closed_at,omitempty" db:"closed_at"`
}

// Статусы позиции
const (
	PositionStatusOpen   = "open"
	PositionStatusClosed = "closed"
)

// Направления позиции
const (
	SideLong  = "long"  // длинная позиция (ставка на рост)
	SideShort = "short" // короткая позиция (ставка на падение)
)

// HasStopLoss возвращает true если у позиции задан уровень защитного стопа
func (p *Position) HasStopLoss() bool {
	return p.StopPrice != nil && *p.StopPrice > 0
}

// StopLossConfig - активная конфигурация защитного стопа.
// Одна конфигурация на открытую защищённую позицию.
type StopLossConfig struct {
	TradeID         int64   `json:"trade_id"`
	Symbol          string  `json:"symbol"`
	Side            string  `json:"side"`
	Quantity        float64 `json:"quantity"`
	StopPrice       float64 `json:"stop_price"`
	IsTrailing      bool    `json:"is_trailing"`
	TrailingPercent float64 `json:"trailing_percent,omitempty"`
	AccountID       int64   `json:"account_id"`
	Exchange        string  `json:"exchange"`
}

// Validate проверяет корректность конфигурации стопа
func (c *StopLossConfig) Validate() error {
	switch {
	case c.TradeID <= 0:
		return ErrInvalidTradeID
	case c.Symbol == "":
		return ErrEmptySymbol
	case c.Side != SideLong && c.Side != SideShort:
		return ErrInvalidSide
	case c.Quantity <= 0:
		return ErrInvalidQuantity
	case c.StopPrice <= 0:
		return ErrInvalidStopPrice
	case c.IsTrailing && (c.TrailingPercent <= 0 || c.TrailingPercent >= 100):
		return ErrInvalidTrailingPercent
	}
	return nil
}
