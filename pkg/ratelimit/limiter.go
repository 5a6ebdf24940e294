package ratelimit

import (
	"sync"
	"time"
)

// SlidingWindow - rate limiter по скользящему окну для контроля частоты
// запросов к API биржи
//
// Алгоритм:
// - Хранится упорядоченный список timestamp'ов допущенных запросов
// - Перед каждой проверкой удаляются записи старше окна (60 секунд)
// - Если оставшихся записей >= limit, запрос отклоняется без побочных эффектов
// - Иначе текущий timestamp записывается и запрос допускается
//
// Это именно счётчик по скользящему окну, а не token bucket:
// burst-ёмкость чуть занижается, зато жёсткая квота гарантированно
// не превышается ни в каком trailing-окне длиной 60 секунд.
//
// Использование:
//
//	w := NewSlidingWindow(10, time.Minute) // 10 запросов в минуту
//	if w.Allow() { ... }                   // неблокирующая проверка
type SlidingWindow struct {
	limit  int           // максимум запросов в окне
	window time.Duration // длина окна
	stamps []time.Time   // timestamps допущенных запросов (по возрастанию)
	mu     sync.Mutex
}

// NewSlidingWindow создаёт новый limiter
//
// Параметры:
//   - limit: максимум запросов в окне (<=0 трактуется как 1)
//   - window: длина окна (<=0 трактуется как минута)
func NewSlidingWindow(limit int, window time.Duration) *SlidingWindow {
	if limit <= 0 {
		limit = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &SlidingWindow{
		limit:  limit,
		window: window,
		stamps: make([]time.Time, 0, limit),
	}
}

// prune удаляет записи старше окна
// ВАЖНО: вызывается под lock'ом
func (w *SlidingWindow) prune(now time.Time) {
	cutoff := now.Add(-w.window)
	idx := 0
	for idx < len(w.stamps) && !w.stamps[idx].After(cutoff) {
		idx++
	}
	if idx > 0 {
		w.stamps = append(w.stamps[:0], w.stamps[idx:]...)
	}
}

// Allow выполняет admission check: prune, сравнение с квотой, запись timestamp
//
// Возвращает:
//   - true: запрос допущен, timestamp записан
//   - false: квота в trailing-окне исчерпана, состояние не изменено
func (w *SlidingWindow) Allow() bool {
	return w.allowAt(time.Now())
}

// allowAt - тестируемая версия Allow с инъекцией времени
func (w *SlidingWindow) allowAt(now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.prune(now)

	if len(w.stamps) >= w.limit {
		return false
	}

	w.stamps = append(w.stamps, now)
	return true
}

// Used возвращает количество запросов в текущем окне
// Полезно для мониторинга и отладки
func (w *SlidingWindow) Used() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune(time.Now())
	return len(w.stamps)
}

// Limit возвращает квоту окна
func (w *SlidingWindow) Limit() int {
	return w.limit
}

// RetryAfter возвращает время до освобождения слота в окне
// 0 если слот доступен прямо сейчас
func (w *SlidingWindow) RetryAfter() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now()
	w.prune(now)

	if len(w.stamps) < w.limit {
		return 0
	}

	// Самая старая запись освободит слот, когда выйдет из окна
	return w.stamps[0].Add(w.window).Sub(now)
}

// ============================================================
// ClassLimiter - limiter'ы по классам эндпоинтов биржи
// ============================================================

// ClassLimiter хранит отдельный SlidingWindow на каждый класс эндпоинтов.
// У биржи разные квоты для разных типов запросов:
//
//	account / order / order_status / ticker_price / exchange_info
type ClassLimiter struct {
	windows map[string]*SlidingWindow
	mu      sync.RWMutex
}

// NewClassLimiter создаёт пустой ClassLimiter
func NewClassLimiter() *ClassLimiter {
	return &ClassLimiter{
		windows: make(map[string]*SlidingWindow),
	}
}

// Add регистрирует квоту для класса эндпоинтов
func (cl *ClassLimiter) Add(class string, limit int, window time.Duration) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	cl.windows[class] = NewSlidingWindow(limit, window)
}

// Allow выполняет admission check для класса
// Незарегистрированный класс не ограничивается
func (cl *ClassLimiter) Allow(class string) bool {
	cl.mu.RLock()
	w, ok := cl.windows[class]
	cl.mu.RUnlock()

	if !ok {
		return true
	}
	return w.Allow()
}

// Get возвращает окно класса (nil если класс не зарегистрирован)
func (cl *ClassLimiter) Get(class string) *SlidingWindow {
	cl.mu.RLock()
	defer cl.mu.RUnlock()
	return cl.windows[class]
}
