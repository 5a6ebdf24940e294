package websocket

import (
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"riskguard/internal/models"
)

func TestNewHub(t *testing.T) {
	hub := NewHub(zap.NewNop())

	if hub == nil {
		t.Fatal("NewHub returned nil")
	}
	if hub.ClientCount() != 0 {
		t.Errorf("expected 0 clients, got %d", hub.ClientCount())
	}
}

func TestOriginChecker(t *testing.T) {
	checker := &originCheckerT{
		allowed: map[string]struct{}{
			"http://localhost:3000": {},
			"https://example.com":   {},
		},
	}

	tests := []struct {
		origin string
		want   bool
	}{
		{"", true}, // non-browser клиенты
		{"http://localhost:3000", true},
		{"https://example.com", true},
		{"http://evil.com", false},
		{"http://localhost:8080", false},
	}

	for _, tt := range tests {
		if got := checker.check(tt.origin); got != tt.want {
			t.Errorf("check(%q) = %v, want %v", tt.origin, got, tt.want)
		}
	}
}

func TestOriginCheckerAllowAll(t *testing.T) {
	checker := &originCheckerT{allowAll: true}

	for _, origin := range []string{"http://localhost:3000", "https://anything.example.org"} {
		if !checker.check(origin) {
			t.Errorf("allowAll=true but check(%q) = false", origin)
		}
	}
}

func TestHubDeliversToClient(t *testing.T) {
	hub := NewHub(zap.NewNop())
	go hub.Run()
	defer hub.Stop()

	client := &Client{hub: hub, send: make(chan []byte, clientSendBufferSize)}
	hub.register <- client

	deadline := time.Now().Add(time.Second)
	for hub.ClientCount() != 1 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	hub.BroadcastPrice(models.PricePoint{Symbol: "BTCUSDT", Price: 50000, Timestamp: time.Now()})

	select {
	case msg := <-client.send:
		var decoded PriceUpdateMessage
		if err := json.Unmarshal(msg, &decoded); err != nil {
			t.Fatalf("broadcast is not valid JSON: %v", err)
		}
		if decoded.Type != MessageTypePriceUpdate || decoded.Symbol != "BTCUSDT" || decoded.Price != 50000 {
			t.Errorf("unexpected message: %+v", decoded)
		}
	case <-time.After(time.Second):
		t.Fatal("message was not delivered to client")
	}
}

func TestHubDropsSlowClient(t *testing.T) {
	hub := NewHub(zap.NewNop())
	go hub.Run()
	defer hub.Stop()

	// Клиент с буфером 1 и никто не читает
	client := &Client{hub: hub, send: make(chan []byte, 1)}
	hub.register <- client

	deadline := time.Now().Add(time.Second)
	for hub.ClientCount() != 1 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	for i := 0; i < 10; i++ {
		hub.BroadcastPrice(models.PricePoint{Symbol: "BTCUSDT", Price: float64(i), Timestamp: time.Now()})
	}

	if !waitForCount(hub, 0, 2*time.Second) {
		t.Errorf("slow client must be dropped, still %d connected", hub.ClientCount())
	}
}

func waitForCount(hub *Hub, want int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if hub.ClientCount() == want {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return hub.ClientCount() == want
}

func TestHubStop(t *testing.T) {
	hub := NewHub(zap.NewNop())

	done := make(chan struct{})
	go func() {
		hub.Run()
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	hub.Stop()
	hub.Stop() // идемпотентность

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Error("Hub.Run() did not exit after Stop()")
	}
}

func TestHubConcurrentOperations(t *testing.T) {
	hub := NewHub(zap.NewNop())
	go hub.Run()
	defer hub.Stop()

	var wg sync.WaitGroup
	const goroutines = 10
	const operations = 500

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < operations; j++ {
				hub.BroadcastRiskEvent(models.RiskEvent{
					Level: models.EventLevelInfo, Type: models.EventStopRatcheted,
					TradeID: int64(id), Message: "test",
				})
			}
		}(i)
	}

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < operations; j++ {
				_ = hub.ClientCount()
			}
		}()
	}

	wg.Wait()
}

func BenchmarkHubBroadcastPrice(b *testing.B) {
	hub := NewHub(zap.NewNop())
	go hub.Run()
	defer hub.Stop()

	p := models.PricePoint{Symbol: "BTCUSDT", Price: 50000, Timestamp: time.Now()}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		hub.BroadcastPrice(p)
	}
}
