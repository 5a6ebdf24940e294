// Package exchange реализует подписанный REST клиент биржи и поток цен.
package exchange

import (
	"errors"
	"fmt"
	"time"
)

// Сентинельные ошибки клиента
var (
	// ErrCredentials - подписанный вызов до успешной загрузки учётных данных
	ErrCredentials = errors.New("exchange credentials not loaded")

	// ErrStreamUnavailable - бюджет переподключений стрима исчерпан,
	// поток цен терминально недоступен
	ErrStreamUnavailable = errors.New("price stream unavailable: reconnect budget exhausted")
)

// RateLimitedError - локальный отказ admission check, сетевой вызов не выполнялся.
// Вызывающий код НЕ должен автоматически повторять запрос: отказ означает,
// что квота биржи в trailing-окне уже выбрана.
type RateLimitedError struct {
	Class      string        // класс эндпоинта
	RetryAfter time.Duration // когда освободится слот в окне
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited: %s quota exhausted, retry after %v", e.Class, e.RetryAfter)
}

// RejectedError - биржа ответила non-2xx. Несёт статус и тело ответа,
// чтобы вызывающий код мог различить причину отказа.
type RejectedError struct {
	StatusCode int
	Body       string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("exchange rejected request: status %d: %s", e.StatusCode, e.Body)
}

// IsRateLimited проверяет, является ли ошибка локальным отказом admission check
func IsRateLimited(err error) bool {
	var rl *RateLimitedError
	return errors.As(err, &rl)
}

// IsRejected проверяет, является ли ошибка отказом биржи
func IsRejected(err error) bool {
	var rej *RejectedError
	return errors.As(err, &rej)
}
