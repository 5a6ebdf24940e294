package risk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"riskguard/internal/models"
)

// PriceFeed - источник живых цен (websocket стрим биржи)
type PriceFeed interface {
	Start() error
	Stop()
	OnTick(fn func(models.PricePoint))
	OnTerminal(fn func(error))
	Snapshot() map[string]models.PricePoint
}

// PositionSource отдаёт открытые позиции с настроенными стопами
type PositionSource interface {
	OpenProtected(ctx context.Context) ([]models.Position, error)
}

// PriceHistoryStore - персистентная история цен для warm start
type PriceHistoryStore interface {
	RecentBySymbols(ctx context.Context, symbols []string, since time.Time) ([]models.PricePoint, error)
	InsertBatch(ctx context.Context, points []models.PricePoint) error
}

// EventStore - журнал риск-событий
type EventStore interface {
	Create(ctx context.Context, event *models.RiskEvent) error
}

// EngineConfig - параметры оркестратора
type EngineConfig struct {
	// Интервал сброса последних цен в персистентную историю
	FlushInterval time.Duration
	// Интервал проверки стопов по снимку последних цен
	SweepInterval time.Duration
	// Глубина warm start истории
	WarmStartWindow time.Duration
	// Ёмкость буфера событий
	EventBuffer int
}

// DefaultEngineConfig возвращает конфигурацию оркестратора по умолчанию
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		FlushInterval:   time.Minute,
		SweepInterval:   time.Second,
		WarmStartWindow: 24 * time.Hour,
		EventBuffer:     256,
	}
}

// Engine - оркестратор риск-мониторинга.
//
// Связывает поток цен с движком корреляций и монитором стопов, ведёт
// журнал риск-событий и периодически сбрасывает цены в персистентную
// историю. Критические события (позиция без защиты, стрим недоступен)
// дублируются в отдельный канал Critical() для алертинга.
type Engine struct {
	cfg         EngineConfig
	log         *zap.Logger
	feed        PriceFeed
	correlation *CorrelationEngine
	monitor     *StopLossMonitor
	positions   PositionSource
	prices      PriceHistoryStore
	events      EventStore

	eventCh    chan models.RiskEvent
	criticalCh chan models.RiskEvent

	stopOnce  sync.Once
	done      chan struct{}
	sweepDone chan struct{}
	wg        sync.WaitGroup
	sweepWg   sync.WaitGroup
}

// NewEngine создаёт оркестратор. positions, prices и events могут быть
// nil - соответствующая функциональность отключается.
func NewEngine(
	cfg EngineConfig,
	feed PriceFeed,
	correlation *CorrelationEngine,
	monitor *StopLossMonitor,
	positions PositionSource,
	prices PriceHistoryStore,
	events EventStore,
	log *zap.Logger,
) *Engine {
	if cfg.FlushInterval <= 0 {
		cfg = DefaultEngineConfig()
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Second
	}
	return &Engine{
		cfg:         cfg,
		log:         log,
		feed:        feed,
		correlation: correlation,
		monitor:     monitor,
		positions:   positions,
		prices:      prices,
		events:      events,
		eventCh:     make(chan models.RiskEvent, cfg.EventBuffer),
		criticalCh:  make(chan models.RiskEvent, 64),
		done:        make(chan struct{}),
		sweepDone:   make(chan struct{}),
	}
}

// Monitor возвращает монитор стопов (для API слоя)
func (e *Engine) Monitor() *StopLossMonitor { return e.monitor }

// Correlation возвращает движок корреляций (для API слоя)
func (e *Engine) Correlation() *CorrelationEngine { return e.correlation }

// Critical - канал критических событий для внешнего алертинга.
// Никогда не закрывается движком.
func (e *Engine) Critical() <-chan models.RiskEvent { return e.criticalCh }

// Emit публикует риск-событие: метрика, журнал, критический канал.
// Неблокирующая: при переполненном буфере событие логируется и теряется
// (журнал - best effort, мониторинг цен важнее).
func (e *Engine) Emit(event models.RiskEvent) {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}
	RiskEventsTotal.WithLabelValues(event.Level).Inc()

	if event.Level == models.EventLevelCritical {
		select {
		case e.criticalCh <- event:
		default:
			e.log.Error("critical event channel full",
				zap.String("type", event.Type), zap.String("message", event.Message))
		}
	}

	select {
	case e.eventCh <- event:
	default:
		e.log.Warn("event buffer full, dropping event",
			zap.String("type", event.Type), zap.String("message", event.Message))
	}
}

// Start запускает движок: warm start истории, загрузка активных стопов,
// подписка на стрим, фоновые циклы журнала и сброса истории.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.warmStart(ctx); err != nil {
		// Отсутствие истории - деградация, не фатальная ошибка
		e.log.Warn("price history warm start failed", zap.Error(err))
	}

	if err := e.loadActiveStops(ctx); err != nil {
		return fmt.Errorf("load active stops: %w", err)
	}

	// Путь обработки сообщений стрима не делает I/O: стопы проверяются
	// отдельным циклом по снимку последних цен
	e.feed.OnTick(func(p models.PricePoint) {
		e.correlation.UpdatePrice(p.Symbol, p.Price, p.Timestamp)
	})

	e.feed.OnTerminal(func(err error) {
		e.log.Error("price stream is terminally unavailable", zap.Error(err))
		e.Emit(models.RiskEvent{
			Level:   models.EventLevelCritical,
			Type:    models.EventStreamUnavailable,
			Message: fmt.Sprintf("price stream gave up reconnecting: %v", err),
		})
	})

	if err := e.feed.Start(); err != nil {
		return fmt.Errorf("start price feed: %w", err)
	}

	e.wg.Add(2)
	go e.drainEvents()
	go e.flushLoop()
	e.sweepWg.Add(1)
	go e.sweepLoop()

	e.log.Info("risk engine started")
	return nil
}

// Stop останавливает движок: стрим, проверки стопов, исполняющиеся
// ордера, фоновые циклы. Порядок важен: сначала перестают стартовать
// новые проверки, потом дожидаемся ордеров в полёте, и только затем
// закрывается журнал - иначе Stop мог бы вернуться с незавершённым
// защитным ордером или потерять его события.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		e.feed.Stop()
		close(e.sweepDone)
		e.sweepWg.Wait()
		e.monitor.Wait()
		close(e.done)
		e.wg.Wait()
		e.log.Info("risk engine stopped")
	})
}

// warmStart загружает персистентную историю цен отслеживаемых символов
func (e *Engine) warmStart(ctx context.Context) error {
	if e.prices == nil {
		return nil
	}

	symbols := e.trackedSymbols(ctx)
	if len(symbols) == 0 {
		return nil
	}

	since := time.Now().Add(-e.cfg.WarmStartWindow)
	points, err := e.prices.RecentBySymbols(ctx, symbols, since)
	if err != nil {
		return err
	}
	if len(points) > 0 {
		e.correlation.WarmStart(points)
	}
	return nil
}

// trackedSymbols собирает символы открытых защищённых позиций
func (e *Engine) trackedSymbols(ctx context.Context) []string {
	if e.positions == nil {
		return nil
	}

	positions, err := e.positions.OpenProtected(ctx)
	if err != nil {
		e.log.Warn("failed to list open positions for warm start", zap.Error(err))
		return nil
	}

	seen := make(map[string]struct{})
	var symbols []string
	for _, p := range positions {
		if _, ok := seen[p.Symbol]; !ok {
			seen[p.Symbol] = struct{}{}
			symbols = append(symbols, p.Symbol)
		}
	}
	return symbols
}

// loadActiveStops восстанавливает мониторинг стопов из БД после рестарта
func (e *Engine) loadActiveStops(ctx context.Context) error {
	if e.positions == nil {
		return nil
	}

	positions, err := e.positions.OpenProtected(ctx)
	if err != nil {
		return err
	}

	registered := 0
	for _, p := range positions {
		if !p.HasStopLoss() || p.StopFired {
			continue
		}

		cfg := models.StopLossConfig{
			TradeID:   p.ID,
			Symbol:    p.Symbol,
			Side:      p.Side,
			Quantity:  p.Quantity,
			StopPrice: *p.StopPrice,
			AccountID: p.AccountID,
			Exchange:  p.Exchange,
		}
		if p.TrailingPercent != nil && *p.TrailingPercent > 0 {
			cfg.IsTrailing = true
			cfg.TrailingPercent = *p.TrailingPercent
		}

		if err := e.monitor.Register(cfg); err != nil {
			e.log.Warn("skipping invalid persisted stop",
				zap.Int64("trade_id", p.ID), zap.Error(err))
			continue
		}
		registered++
	}

	e.log.Info("active stops restored", zap.Int("count", registered))
	return nil
}

// drainEvents пишет события из буфера в журнал БД
func (e *Engine) drainEvents() {
	defer e.wg.Done()

	for {
		select {
		case event := <-e.eventCh:
			e.persistEvent(event)
		case <-e.done:
			// Дописываем остаток буфера перед выходом
			for {
				select {
				case event := <-e.eventCh:
					e.persistEvent(event)
				default:
					return
				}
			}
		}
	}
}

func (e *Engine) persistEvent(event models.RiskEvent) {
	if e.events == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := e.events.Create(ctx, &event); err != nil {
		e.log.Error("failed to persist risk event",
			zap.String("type", event.Type), zap.Error(err))
	}
}

// sweepLoop с фиксированным интервалом проверяет стопы по снимку
// последних цен. Долгий пересчёт корреляций или запись в БД проверку
// не задерживают: у цикла собственная горутина, лок монитора на время
// I/O не удерживается. Останавливается через sweepDone раньше ожидания
// ордеров, чтобы после monitor.Wait() не стартовали новые исполнения.
func (e *Engine) sweepLoop() {
	defer e.sweepWg.Done()

	if e.monitor == nil {
		return
	}

	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			snap := e.feed.Snapshot()
			if len(snap) == 0 {
				continue
			}
			prices := make(map[string]float64, len(snap))
			for symbol, point := range snap {
				prices[symbol] = point.Price
			}
			e.monitor.Sweep(prices)
		case <-e.sweepDone:
			return
		}
	}
}

// flushLoop периодически сбрасывает последние цены в персистентную
// историю - она кормит warm start после рестарта
func (e *Engine) flushLoop() {
	defer e.wg.Done()

	if e.prices == nil {
		return
	}

	ticker := time.NewTicker(e.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.flushPrices()
		case <-e.done:
			e.flushPrices()
			return
		}
	}
}

func (e *Engine) flushPrices() {
	snap := e.feed.Snapshot()
	if len(snap) == 0 {
		return
	}

	points := make([]models.PricePoint, 0, len(snap))
	for _, p := range snap {
		points = append(points, p)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.prices.InsertBatch(ctx, points); err != nil {
		e.log.Warn("failed to flush price history", zap.Error(err))
	}
}
