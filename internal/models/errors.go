package models

import "errors"

// Ошибки валидации моделей
var (
	ErrInvalidTradeID         = errors.New("trade id must be positive")
	ErrEmptySymbol            = errors.New("symbol cannot be empty")
	ErrInvalidSide            = errors.New("side must be long or short")
	ErrInvalidQuantity        = errors.New("quantity must be positive")
	ErrInvalidStopPrice       = errors.New("stop price must be positive")
	ErrInvalidTrailingPercent = errors.New("trailing percent must be in (0, 100)")
)
