package risk

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"riskguard/internal/models"
)

// Ошибки монитора стопов
var (
	ErrStopExists   = errors.New("stop-loss already registered for trade")
	ErrStopNotFound = errors.New("stop-loss not found")
)

// StopExecutor исполняет защитный рыночный ордер при срабатывании стопа.
// Реализация - клиент биржи. Повторных попыток НЕ делается: неудача
// поднимается как critical событие, решение принимает человек.
type StopExecutor interface {
	ExecuteStop(ctx context.Context, stop models.StopLossConfig) (orderID string, fillPrice float64, err error)
}

// StopStore персистирует изменения состояния стопов.
// Ошибки записи не останавливают мониторинг - стоп продолжает
// отслеживаться в памяти, а отказ БД уходит событием persist_failed.
type StopStore interface {
	UpdateStopPrice(ctx context.Context, tradeID int64, stopPrice float64) error
	MarkFired(ctx context.Context, tradeID int64, orderID string, fillPrice float64) error
}

// trackedStop - отслеживаемый стоп с мутабельным текущим уровнем
type trackedStop struct {
	cfg     models.StopLossConfig
	current float64 // текущий уровень (для trailing подтягивается)
}

// StopLossMonitor отслеживает защитные стопы открытых позиций.
//
// На каждый тик цены проверяет стопы соответствующего символа:
// подтягивает трейлинг-уровни (строго монотонно, без отката) и
// исполняет сработавшие. Гарантия at-most-once: сработавший стоп
// удаляется из карты под мьютексом ДО запуска исполнения, повторный
// тик той же цены его уже не видит.
type StopLossMonitor struct {
	log      *zap.Logger
	executor StopExecutor
	store    StopStore
	emit     func(models.RiskEvent)

	execTimeout time.Duration

	mu    sync.Mutex
	stops map[int64]*trackedStop

	wg sync.WaitGroup // исполняющиеся защитные ордера
}

// NewStopLossMonitor создаёт монитор стопов.
// emit может быть nil - тогда события только логируются.
func NewStopLossMonitor(executor StopExecutor, store StopStore, emit func(models.RiskEvent), log *zap.Logger) *StopLossMonitor {
	if emit == nil {
		emit = func(models.RiskEvent) {}
	}
	return &StopLossMonitor{
		log:         log,
		executor:    executor,
		store:       store,
		emit:        emit,
		execTimeout: 10 * time.Second,
		stops:       make(map[int64]*trackedStop),
	}
}

// Register ставит стоп на мониторинг. Один стоп на trade_id.
func (m *StopLossMonitor) Register(cfg models.StopLossConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.stops[cfg.TradeID]; exists {
		return ErrStopExists
	}
	m.stops[cfg.TradeID] = &trackedStop{cfg: cfg, current: cfg.StopPrice}
	ActiveStops.Set(float64(len(m.stops)))

	m.log.Info("stop-loss registered",
		zap.Int64("trade_id", cfg.TradeID),
		zap.String("symbol", cfg.Symbol),
		zap.String("side", cfg.Side),
		zap.Float64("stop_price", cfg.StopPrice),
		zap.Bool("trailing", cfg.IsTrailing))
	return nil
}

// Unregister снимает стоп с мониторинга (позиция закрыта вручную)
func (m *StopLossMonitor) Unregister(tradeID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.stops[tradeID]; !exists {
		return ErrStopNotFound
	}
	delete(m.stops, tradeID)
	ActiveStops.Set(float64(len(m.stops)))

	m.log.Info("stop-loss unregistered", zap.Int64("trade_id", tradeID))
	return nil
}

// Get возвращает текущее состояние стопа
func (m *StopLossMonitor) Get(tradeID int64) (models.StopLossConfig, float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, exists := m.stops[tradeID]
	if !exists {
		return models.StopLossConfig{}, 0, ErrStopNotFound
	}
	return s.cfg, s.current, nil
}

// List возвращает снимок всех отслеживаемых стопов с текущими уровнями
func (m *StopLossMonitor) List() []models.StopLossConfig {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]models.StopLossConfig, 0, len(m.stops))
	for _, s := range m.stops {
		cfg := s.cfg
		cfg.StopPrice = s.current
		out = append(out, cfg)
	}
	return out
}

// Evaluate обрабатывает тик цены символа: сперва подтяжка трейлинг-уровней,
// затем проверка срабатывания. Сработавшие стопы исполняются асинхронно.
func (m *StopLossMonitor) Evaluate(symbol string, price float64) {
	if price <= 0 {
		return
	}

	var (
		fired    []*trackedStop
		ratchets []ratchetUpdate
	)

	m.mu.Lock()
	for tradeID, s := range m.stops {
		if s.cfg.Symbol != symbol {
			continue
		}

		if upd, ok := m.ratchetLocked(s, price); ok {
			ratchets = append(ratchets, upd)
		}

		if triggered(s.cfg.Side, price, s.current) {
			// at-most-once: удаление под локом до запуска исполнения
			delete(m.stops, tradeID)
			fired = append(fired, s)
		}
	}
	if len(fired) > 0 {
		ActiveStops.Set(float64(len(m.stops)))
	}
	m.mu.Unlock()

	// Персистентность и исполнение - вне лока, тики не блокируются
	for _, r := range ratchets {
		m.persistRatchet(r)
	}
	for _, s := range fired {
		m.wg.Add(1)
		go func(s *trackedStop, price float64) {
			defer m.wg.Done()
			m.execute(s, price)
		}(s, price)
	}
}

// Sweep проверяет все стопы по снимку последних цен.
// Символы без цены пропускаются: отсутствие данных не повод ни
// срабатывать, ни подтягивать уровень.
func (m *StopLossMonitor) Sweep(prices map[string]float64) {
	m.mu.Lock()
	symbols := make(map[string]struct{}, len(m.stops))
	for _, s := range m.stops {
		symbols[s.cfg.Symbol] = struct{}{}
	}
	m.mu.Unlock()

	for symbol := range symbols {
		price, ok := prices[symbol]
		if !ok {
			m.log.Debug("no price for monitored symbol, skipping", zap.String("symbol", symbol))
			continue
		}
		m.Evaluate(symbol, price)
	}
}

// ratchetUpdate - подтяжка уровня, ожидающая персистентности
type ratchetUpdate struct {
	tradeID int64
	symbol  string
	oldStop float64
	newStop float64
	price   float64
}

// ratchetLocked подтягивает трейлинг-стоп при движении цены в пользу
// позиции. Инвариант: уровень меняется строго монотонно - вверх для
// long, вниз для short. Движение цены против позиции уровень не трогает.
// ВАЖНО: вызывается под m.mu.
func (m *StopLossMonitor) ratchetLocked(s *trackedStop, price float64) (ratchetUpdate, bool) {
	if !s.cfg.IsTrailing {
		return ratchetUpdate{}, false
	}

	var candidate float64
	switch s.cfg.Side {
	case models.SideLong:
		candidate = price * (1 - s.cfg.TrailingPercent/100)
		if candidate <= s.current {
			return ratchetUpdate{}, false
		}
	case models.SideShort:
		candidate = price * (1 + s.cfg.TrailingPercent/100)
		if candidate >= s.current {
			return ratchetUpdate{}, false
		}
	default:
		return ratchetUpdate{}, false
	}

	old := s.current
	s.current = candidate
	StopRatchetsTotal.Inc()

	return ratchetUpdate{
		tradeID: s.cfg.TradeID,
		symbol:  s.cfg.Symbol,
		oldStop: old,
		newStop: candidate,
		price:   price,
	}, true
}

// persistRatchet логирует подтяжку и записывает новый уровень в БД.
// Ошибка записи не останавливает мониторинг: уровень уже действует в
// памяти, отказ БД уходит событием persist_failed.
func (m *StopLossMonitor) persistRatchet(r ratchetUpdate) {
	m.log.Debug("trailing stop ratcheted",
		zap.Int64("trade_id", r.tradeID),
		zap.String("symbol", r.symbol),
		zap.Float64("old_stop", r.oldStop),
		zap.Float64("new_stop", r.newStop),
		zap.Float64("price", r.price))

	m.emit(models.RiskEvent{
		Level:     models.EventLevelInfo,
		Type:      models.EventStopRatcheted,
		Symbol:    r.symbol,
		TradeID:   r.tradeID,
		Message:   fmt.Sprintf("trailing stop moved %.8f -> %.8f at price %.8f", r.oldStop, r.newStop, r.price),
		CreatedAt: time.Now(),
	})

	if m.store == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := m.store.UpdateStopPrice(ctx, r.tradeID, r.newStop); err != nil {
		m.log.Warn("failed to persist ratcheted stop price",
			zap.Int64("trade_id", r.tradeID), zap.Error(err))
		m.emit(models.RiskEvent{
			Level:     models.EventLevelWarning,
			Type:      models.EventPersistFailed,
			Symbol:    r.symbol,
			TradeID:   r.tradeID,
			Message:   fmt.Sprintf("stop price persist failed: %v", err),
			CreatedAt: time.Now(),
		})
	}
}

// triggered проверяет условие срабатывания стопа
func triggered(side string, price, stop float64) bool {
	switch side {
	case models.SideLong:
		return price <= stop
	case models.SideShort:
		return price >= stop
	}
	return false
}

// execute исполняет защитный ордер сработавшего стопа.
// Одна попытка, без ретраев: при отказе биржи позиция остаётся без
// защиты, и это поднимается как critical событие.
func (m *StopLossMonitor) execute(s *trackedStop, price float64) {
	cfg := s.cfg
	cfg.StopPrice = s.current

	m.log.Info("stop-loss triggered",
		zap.Int64("trade_id", cfg.TradeID),
		zap.String("symbol", cfg.Symbol),
		zap.String("side", cfg.Side),
		zap.Float64("stop_price", cfg.StopPrice),
		zap.Float64("trigger_price", price))

	ctx, cancel := context.WithTimeout(context.Background(), m.execTimeout)
	defer cancel()

	orderID, fillPrice, err := m.executor.ExecuteStop(ctx, cfg)
	if err != nil {
		StopExecutionFailures.Inc()
		m.log.Error("protective order execution failed, position is UNPROTECTED",
			zap.Int64("trade_id", cfg.TradeID),
			zap.String("symbol", cfg.Symbol),
			zap.Error(err))
		m.emit(models.RiskEvent{
			Level:     models.EventLevelCritical,
			Type:      models.EventStopExecutionFailed,
			Symbol:    cfg.Symbol,
			TradeID:   cfg.TradeID,
			Message:   fmt.Sprintf("protective order failed at price %.8f: %v", price, err),
			CreatedAt: time.Now(),
		})
		return
	}

	StopTriggersTotal.WithLabelValues(cfg.Side).Inc()
	m.log.Info("protective order executed",
		zap.Int64("trade_id", cfg.TradeID),
		zap.String("order_id", orderID),
		zap.Float64("fill_price", fillPrice))

	m.emit(models.RiskEvent{
		Level:     models.EventLevelWarning,
		Type:      models.EventStopTriggered,
		Symbol:    cfg.Symbol,
		TradeID:   cfg.TradeID,
		Message:   fmt.Sprintf("stop executed: order %s filled at %.8f", orderID, fillPrice),
		CreatedAt: time.Now(),
	})

	if m.store != nil {
		sctx, scancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer scancel()
		if err := m.store.MarkFired(sctx, cfg.TradeID, orderID, fillPrice); err != nil {
			m.log.Error("failed to persist fired stop",
				zap.Int64("trade_id", cfg.TradeID), zap.Error(err))
			m.emit(models.RiskEvent{
				Level:     models.EventLevelWarning,
				Type:      models.EventPersistFailed,
				Symbol:    cfg.Symbol,
				TradeID:   cfg.TradeID,
				Message:   fmt.Sprintf("fired stop persist failed: %v", err),
				CreatedAt: time.Now(),
			})
		}
	}
}

// Wait блокируется до завершения всех исполняющихся ордеров.
// Используется при graceful shutdown.
func (m *StopLossMonitor) Wait() {
	m.wg.Wait()
}
