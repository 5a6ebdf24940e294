package models

import "time"

// PricePoint - одна точка ценовой истории символа.
// Пишется стримом, читается движком корреляций (и при warm start из БД).
type PricePoint struct {
	Symbol    string    `json:"symbol" db:"symbol"`
	Price     float64   `json:"price" db:"price"`
	Timestamp time.Time `json:"timestamp" db:"ts"`
}

// Holding - позиция портфеля для анализа концентрации риска
type Holding struct {
	Amount    float64 `json:"amount"`     // объём в монетах актива
	CostBasis float64 `json:"cost_basis"` // средняя цена покупки
}
