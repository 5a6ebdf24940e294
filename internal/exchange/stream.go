package exchange

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"riskguard/internal/models"
)

// StreamState - состояние соединения потока цен
type StreamState int32

const (
	StreamDisconnected StreamState = iota
	StreamConnecting
	StreamConnected
	StreamReconnecting
	StreamStopped // терминальное: deliberate stop или исчерпан бюджет переподключений
)

func (s StreamState) String() string {
	switch s {
	case StreamDisconnected:
		return "disconnected"
	case StreamConnecting:
		return "connecting"
	case StreamConnected:
		return "connected"
	case StreamReconnecting:
		return "reconnecting"
	case StreamStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// StreamConfig - конфигурация потока цен
type StreamConfig struct {
	// URL мультиплексированного стрима; пустой = боевой endpoint биржи
	URL string
	// Начальная задержка переподключения (delay = Base * 2^attempt)
	ReconnectBase time.Duration
	// Потолок задержки
	ReconnectMax time.Duration
	// Максимум последовательных неудачных попыток, затем терминальный отказ
	MaxReconnectAttempts int
	// Таймаут установки соединения
	ConnectTimeout time.Duration
	// Интервал ping
	PingInterval time.Duration
	// Таймаут ожидания pong
	PongWait time.Duration
}

// DefaultStreamConfig возвращает конфигурацию по умолчанию
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		ReconnectBase:        500 * time.Millisecond,
		ReconnectMax:         30 * time.Second,
		MaxReconnectAttempts: 10,
		ConnectTimeout:       10 * time.Second,
		PingInterval:         30 * time.Second,
		PongWait:             10 * time.Second,
	}
}

// PriceStream - менеджер потока цен.
//
// Держит живой фид цен для зависимых компонентов: подписывается на
// мультиплексированный тикер-стрим для множества символов, нормализует
// входящие тики и обновляет карту "последняя цена" (last-write-wins по
// символу). Очередей нет - на этом уровне хранится только последняя цена;
// ретеншн истории - зона ответственности движка корреляций.
//
// При разрыве переподключается с exponential backoff; после
// MaxReconnectAttempts последовательных неудач останавливается терминально
// и сообщает зависимым ErrStreamUnavailable вместо молчаливого устаревания
// данных. Deliberate Stop() отличается от неожиданного разрыва и
// переподключения не вызывает.
//
// Обновления цен одного символа применяются в порядке прихода
// (единственная горутина чтения); порядок между символами не гарантируется.
type PriceStream struct {
	symbols []string
	config  StreamConfig
	log     *zap.Logger

	conn   *websocket.Conn
	connMu sync.Mutex

	state    int32 // atomic StreamState
	attempts int32 // atomic: последовательные неудачные попытки

	// Карта последних цен: единственный писатель - горутина чтения стрима,
	// читатели берут RLock
	latest   map[string]models.PricePoint
	latestMu sync.RWMutex

	// Подписчики на тики (вызываются последовательно из горутины чтения)
	onTick     []func(models.PricePoint)
	onTerminal func(error)
	callbackMu sync.RWMutex

	// Отложенное переподключение; отменяется при Stop()
	reconnectTimer *time.Timer
	timerMu        sync.Mutex

	closeChan chan struct{}
	closeOnce sync.Once
}

// NewPriceStream создаёт менеджер потока для набора символов
func NewPriceStream(symbols []string, config StreamConfig, log *zap.Logger) *PriceStream {
	return &PriceStream{
		symbols:   symbols,
		config:    config,
		log:       log,
		latest:    make(map[string]models.PricePoint, len(symbols)),
		closeChan: make(chan struct{}),
	}
}

// OnTick регистрирует подписчика на нормализованные тики.
// Вызывать до Start(). Подписчик исполняется в горутине чтения стрима и
// не должен выполнять блокирующий I/O.
func (ps *PriceStream) OnTick(fn func(models.PricePoint)) {
	ps.callbackMu.Lock()
	ps.onTick = append(ps.onTick, fn)
	ps.callbackMu.Unlock()
}

// OnTerminal регистрирует обработчик терминальной недоступности стрима
func (ps *PriceStream) OnTerminal(fn func(error)) {
	ps.callbackMu.Lock()
	ps.onTerminal = fn
	ps.callbackMu.Unlock()
}

// State возвращает текущее состояние соединения
func (ps *PriceStream) State() StreamState {
	return StreamState(atomic.LoadInt32(&ps.state))
}

// LatestPrice возвращает последнюю цену символа
func (ps *PriceStream) LatestPrice(symbol string) (float64, bool) {
	ps.latestMu.RLock()
	defer ps.latestMu.RUnlock()
	p, ok := ps.latest[symbol]
	if !ok {
		return 0, false
	}
	return p.Price, true
}

// Snapshot возвращает копию карты последних цен
func (ps *PriceStream) Snapshot() map[string]models.PricePoint {
	ps.latestMu.RLock()
	defer ps.latestMu.RUnlock()

	snap := make(map[string]models.PricePoint, len(ps.latest))
	for k, v := range ps.latest {
		snap[k] = v
	}
	return snap
}

// streamURL строит URL мультиплексированной подписки на miniTicker символов
func (ps *PriceStream) streamURL() string {
	if ps.config.URL != "" {
		return ps.config.URL
	}

	parts := make([]string, 0, len(ps.symbols))
	for _, s := range ps.symbols {
		parts = append(parts, strings.ToLower(s)+"@miniTicker")
	}
	return "wss://stream.binance.com:9443/stream?streams=" + strings.Join(parts, "/")
}

// nextDelay возвращает задержку перед попыткой attempt (base * 2^attempt)
func (ps *PriceStream) nextDelay(attempt int) time.Duration {
	delay := ps.config.ReconnectBase << uint(attempt)
	if delay > ps.config.ReconnectMax || delay <= 0 {
		delay = ps.config.ReconnectMax
	}
	return delay
}

// Start устанавливает соединение и запускает чтение.
// Первичная неудача подключения запускает тот же цикл переподключения,
// что и разрыв.
func (ps *PriceStream) Start() error {
	select {
	case <-ps.closeChan:
		return fmt.Errorf("price stream already stopped")
	default:
	}

	atomic.StoreInt32(&ps.state, int32(StreamConnecting))

	if err := ps.dial(); err != nil {
		ps.log.Warn("initial stream connect failed", zap.Error(err))
		ps.scheduleReconnect()
		return nil
	}

	ps.becomeConnected()
	return nil
}

// dial выполняет подключение
func (ps *PriceStream) dial() error {
	dialer := websocket.Dialer{HandshakeTimeout: ps.config.ConnectTimeout}

	ctx, cancel := context.WithTimeout(context.Background(), ps.config.ConnectTimeout)
	defer cancel()

	conn, _, err := dialer.DialContext(ctx, ps.streamURL(), nil)
	if err != nil {
		return fmt.Errorf("stream dial: %w", err)
	}

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(ps.config.PingInterval + ps.config.PongWait))
	})

	ps.connMu.Lock()
	ps.conn = conn
	ps.connMu.Unlock()

	return nil
}

// becomeConnected фиксирует успешное подключение и запускает горутины
func (ps *PriceStream) becomeConnected() {
	ps.connMu.Lock()
	conn := ps.conn
	ps.connMu.Unlock()
	if conn == nil {
		return
	}

	atomic.StoreInt32(&ps.state, int32(StreamConnected))
	atomic.StoreInt32(&ps.attempts, 0)
	StreamUp.Set(1)

	go ps.readPump(conn)
	go ps.pingPump(conn)

	ps.log.Info("price stream connected", zap.Strings("symbols", ps.symbols))
}

// readPump читает и обрабатывает сообщения своего соединения.
// Жизнь pump ограничена соединением: замещённый conn закрыт, чтение
// возвращает ошибку и pump завершается.
func (ps *PriceStream) readPump(conn *websocket.Conn) {
	for {
		select {
		case <-ps.closeChan:
			return
		default:
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			ps.handleDisconnect(conn, err)
			return
		}

		ps.handleMessage(message)
	}
}

// tickFrame - нормализуемый кадр тикера.
// Мультиплексированный стрим оборачивает данные в {"stream":..., "data":{...}};
// одиночный стрим шлёт данные без обёртки - поддерживаются оба формата.
type tickFrame struct {
	Stream string   `json:"stream"`
	Data   tickData `json:"data"`
}

type tickData struct {
	Symbol    string `json:"s"`
	LastPrice string `json:"c"`
	EventTime int64  `json:"E"` // миллисекунды
}

// handleMessage парсит тик и обновляет карту последних цен
func (ps *PriceStream) handleMessage(message []byte) {
	var frame tickFrame
	if err := json.Unmarshal(message, &frame); err != nil {
		ps.log.Debug("unparseable stream frame", zap.Error(err))
		return
	}

	data := frame.Data
	if data.Symbol == "" {
		// Возможно, кадр без обёртки
		if err := json.Unmarshal(message, &data); err != nil || data.Symbol == "" {
			return
		}
	}

	price, err := strconv.ParseFloat(data.LastPrice, 64)
	if err != nil || price <= 0 {
		return
	}

	ts := time.Now()
	if data.EventTime > 0 {
		ts = time.UnixMilli(data.EventTime)
	}

	tick := models.PricePoint{Symbol: data.Symbol, Price: price, Timestamp: ts}

	ps.latestMu.Lock()
	ps.latest[data.Symbol] = tick
	ps.latestMu.Unlock()

	StreamTicksTotal.WithLabelValues(data.Symbol).Inc()

	ps.callbackMu.RLock()
	subscribers := ps.onTick
	ps.callbackMu.RUnlock()

	for _, fn := range subscribers {
		fn(tick)
	}
}

// pingPump поддерживает своё соединение ping'ами.
// У каждого соединения ровно один писатель: pump завершается, как только
// его conn перестаёт быть текущим, и не переживает переподключение.
func (ps *PriceStream) pingPump(conn *websocket.Conn) {
	ticker := time.NewTicker(ps.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ps.closeChan:
			return
		case <-ticker.C:
			if !ps.isCurrent(conn) {
				return
			}

			conn.SetWriteDeadline(time.Now().Add(ps.config.PongWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				ps.handleDisconnect(conn, err)
				return
			}
		}
	}
}

// isCurrent сообщает, остаётся ли conn текущим соединением стрима
func (ps *PriceStream) isCurrent(conn *websocket.Conn) bool {
	ps.connMu.Lock()
	defer ps.connMu.Unlock()
	return ps.conn == conn
}

// handleDisconnect обрабатывает неожиданный разрыв conn.
// Deliberate Stop() сюда не попадает: closeChan уже закрыт. Разрыв уже
// замещённого соединения игнорируется: его обработал первый из pump'ов.
func (ps *PriceStream) handleDisconnect(conn *websocket.Conn, err error) {
	select {
	case <-ps.closeChan:
		return
	default:
	}

	ps.connMu.Lock()
	if ps.conn != conn {
		ps.connMu.Unlock()
		return
	}
	ps.conn = nil
	ps.connMu.Unlock()
	conn.Close()

	if ps.State() == StreamStopped {
		return
	}

	atomic.StoreInt32(&ps.state, int32(StreamReconnecting))
	StreamUp.Set(0)

	ps.log.Warn("price stream disconnected", zap.Error(err))
	ps.scheduleReconnect()
}

// scheduleReconnect планирует попытку переподключения с exponential backoff.
// После MaxReconnectAttempts последовательных неудач стрим останавливается
// терминально и сообщает ErrStreamUnavailable.
func (ps *PriceStream) scheduleReconnect() {
	attempt := int(atomic.LoadInt32(&ps.attempts))

	if attempt >= ps.config.MaxReconnectAttempts {
		atomic.StoreInt32(&ps.state, int32(StreamStopped))
		ps.log.Error("reconnect budget exhausted, stream terminally unavailable",
			zap.Int("attempts", attempt))

		ps.callbackMu.RLock()
		onTerminal := ps.onTerminal
		ps.callbackMu.RUnlock()

		if onTerminal != nil {
			onTerminal(ErrStreamUnavailable)
		}
		return
	}

	atomic.StoreInt32(&ps.state, int32(StreamReconnecting))

	delay := ps.nextDelay(attempt)
	ps.log.Info("scheduling stream reconnect",
		zap.Int("attempt", attempt+1),
		zap.Int("max_attempts", ps.config.MaxReconnectAttempts),
		zap.Duration("delay", delay))

	ps.timerMu.Lock()
	ps.reconnectTimer = time.AfterFunc(delay, ps.tryReconnect)
	ps.timerMu.Unlock()
}

// tryReconnect выполняет одну попытку переподключения
func (ps *PriceStream) tryReconnect() {
	select {
	case <-ps.closeChan:
		return
	default:
	}

	atomic.AddInt32(&ps.attempts, 1)
	StreamReconnectsTotal.Inc()

	if err := ps.dial(); err != nil {
		ps.log.Warn("stream reconnect failed",
			zap.Int("attempt", int(atomic.LoadInt32(&ps.attempts))),
			zap.Error(err))
		ps.scheduleReconnect()
		return
	}

	ps.becomeConnected()
	ps.log.Info("price stream reconnected")
}

// closeConn закрывает текущее соединение
func (ps *PriceStream) closeConn() {
	ps.connMu.Lock()
	if ps.conn != nil {
		ps.conn.Close()
		ps.conn = nil
	}
	ps.connMu.Unlock()
}

// Stop закрывает стрим намеренно: идемпотентен, отменяет отложенное
// переподключение и не запускает новое
func (ps *PriceStream) Stop() {
	ps.closeOnce.Do(func() {
		close(ps.closeChan)
		atomic.StoreInt32(&ps.state, int32(StreamStopped))
		StreamUp.Set(0)

		ps.timerMu.Lock()
		if ps.reconnectTimer != nil {
			ps.reconnectTimer.Stop()
			ps.reconnectTimer = nil
		}
		ps.timerMu.Unlock()

		ps.closeConn()
		ps.log.Info("price stream stopped")
	})
}
