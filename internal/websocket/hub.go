// Package websocket - push-канал дашборда: живые цены, состояние стопов
// и риск-события без поллинга со стороны frontend.
package websocket

import (
	"bytes"
	"sync"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"riskguard/internal/models"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Пул буферов сериализации: Broadcast вызывается на каждый тик цены
var bufferPool = sync.Pool{
	New: func() interface{} {
		return bytes.NewBuffer(make([]byte, 0, 512))
	},
}

// Hub управляет активными WebSocket соединениями дашборда.
//
// Регистрирует и снимает клиентов, рассылает сообщения всем активным
// соединениям. Медленные клиенты (переполненный буфер отправки)
// отключаются, а не тормозят рассылку.
type Hub struct {
	log *zap.Logger

	clients    map[*Client]struct{}
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	stopOnce   sync.Once

	mu sync.RWMutex
}

// NewHub создаёт hub. Запуск: go hub.Run()
func NewHub(log *zap.Logger) *Hub {
	return &Hub{
		log:        log,
		clients:    make(map[*Client]struct{}),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

// Run - главный цикл hub'а, запускается в отдельной горутине
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			total := len(h.clients)
			h.mu.Unlock()
			h.log.Debug("dashboard client connected", zap.Int("total", total))

		case client := <-h.unregister:
			h.removeClients([]*Client{client})

		case message := <-h.broadcast:
			// Список под коротким RLock'ом, отправка без блокировки
			h.mu.RLock()
			clients := make([]*Client, 0, len(h.clients))
			for client := range h.clients {
				clients = append(clients, client)
			}
			h.mu.RUnlock()

			var slow []*Client
			for _, client := range clients {
				select {
				case client.send <- message:
				default:
					slow = append(slow, client)
				}
			}
			if len(slow) > 0 {
				h.removeClients(slow)
				h.log.Warn("dropped slow dashboard clients", zap.Int("count", len(slow)))
			}

		case <-h.done:
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return
		}
	}
}

// Stop завершает цикл Run и закрывает все соединения
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

func (h *Hub) removeClients(clients []*Client) {
	h.mu.Lock()
	for _, client := range clients {
		if _, ok := h.clients[client]; ok {
			delete(h.clients, client)
			close(client.send)
		}
	}
	total := len(h.clients)
	h.mu.Unlock()
	h.log.Debug("dashboard clients removed", zap.Int("total", total))
}

// Broadcast сериализует сообщение и рассылает всем клиентам.
// Неблокирующая: при переполненном канале рассылки сообщение теряется
// (дашборд переживёт пропущенный тик, мониторинг цен важнее).
func (h *Hub) Broadcast(message interface{}) {
	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()

	if err := json.NewEncoder(buf).Encode(message); err != nil {
		h.log.Error("failed to marshal broadcast message", zap.Error(err))
		bufferPool.Put(buf)
		return
	}

	data := buf.Bytes()
	if len(data) > 0 && data[len(data)-1] == '\n' {
		data = data[:len(data)-1]
	}
	msg := make([]byte, len(data))
	copy(msg, data)
	bufferPool.Put(buf)

	select {
	case h.broadcast <- msg:
	case <-h.done:
	default:
		h.log.Warn("broadcast channel full, message dropped")
	}
}

// BroadcastPrice отправляет тик цены
func (h *Hub) BroadcastPrice(p models.PricePoint) {
	h.Broadcast(NewPriceUpdateMessage(p))
}

// BroadcastRiskEvent отправляет риск-событие в ленту алертов
func (h *Hub) BroadcastRiskEvent(event models.RiskEvent) {
	h.Broadcast(NewRiskEventMessage(event))
}

// BroadcastStopUpdate отправляет изменение состояния стопа
func (h *Hub) BroadcastStopUpdate(action string, tradeID int64, symbol string, stopPrice float64) {
	h.Broadcast(NewStopUpdateMessage(action, tradeID, symbol, stopPrice))
}

// BroadcastPortfolio отправляет отчёт о риске портфеля
func (h *Hub) BroadcastPortfolio(report interface{}) {
	h.Broadcast(NewPortfolioMessage(report))
}

// ClientCount возвращает количество подключённых клиентов
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
