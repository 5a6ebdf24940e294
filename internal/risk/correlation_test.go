package risk

import (
	"errors"
	"math"
	"testing"
	"time"

	"go.uber.org/zap"

	"riskguard/internal/models"
)

// testCorrelationConfig - уменьшенные пороги для компактных тестовых рядов
func testCorrelationConfig() CorrelationConfig {
	cfg := DefaultCorrelationConfig()
	cfg.MinAligned = 3
	return cfg
}

// feedSeries подаёт в движок параллельные ряды цен с общим шагом времени
func feedSeries(e *CorrelationEngine, base time.Time, series map[string][]float64) {
	for symbol, prices := range series {
		for i, p := range prices {
			e.UpdatePrice(symbol, p, base.Add(time.Duration(i)*time.Minute))
		}
	}
}

func TestPearson(t *testing.T) {
	tests := []struct {
		name string
		x, y []float64
		want float64
	}{
		{"perfect positive", []float64{1, 2, 3, 4}, []float64{2, 4, 6, 8}, 1},
		{"perfect negative", []float64{1, 2, 3, 4}, []float64{8, 6, 4, 2}, -1},
		{"zero variance x", []float64{5, 5, 5}, []float64{1, 2, 3}, 0},
		{"zero variance y", []float64{1, 2, 3}, []float64{7, 7, 7}, 0},
		{"empty", nil, nil, 0},
		{"mismatched length", []float64{1, 2}, []float64{1}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := pearson(tt.x, tt.y)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("pearson: got %f, want %f", got, tt.want)
			}
		})
	}
}

func TestPearsonBounds(t *testing.T) {
	// Произвольные ряды: результат всегда в [-1, 1]
	x := []float64{0.01, -0.02, 0.005, 0.03, -0.01, 0.002}
	y := []float64{0.008, -0.015, 0.004, 0.025, -0.012, 0.001}

	r := pearson(x, y)
	if r < -1 || r > 1 {
		t.Errorf("pearson out of bounds: %f", r)
	}
}

func TestCorrelationHighlyCorrelatedSeries(t *testing.T) {
	e := NewCorrelationEngine(testCorrelationConfig(), zap.NewNop())
	base := time.Now().Add(-time.Hour)

	// Почти пропорциональные ряды: корреляция доходностей близка к 1
	feedSeries(e, base, map[string][]float64{
		"BTCUSDT": {100, 102, 101, 105},
		"ETHUSDT": {10, 10.3, 10.1, 10.6},
	})
	e.RecomputeAll()

	pc, err := e.Correlation("BTCUSDT", "ETHUSDT")
	if err != nil {
		t.Fatalf("Correlation failed: %v", err)
	}
	if !pc.Known {
		t.Fatal("correlation must be known for aligned series")
	}
	if pc.Coefficient <= 0.9 {
		t.Errorf("coefficient: got %f, want > 0.9", pc.Coefficient)
	}
	if pc.Aligned != 3 {
		t.Errorf("aligned returns: got %d, want 3", pc.Aligned)
	}
}

func TestCorrelationSymmetry(t *testing.T) {
	e := NewCorrelationEngine(testCorrelationConfig(), zap.NewNop())
	base := time.Now().Add(-time.Hour)

	feedSeries(e, base, map[string][]float64{
		"BTCUSDT": {100, 101, 99, 103, 102},
		"ETHUSDT": {10, 10.2, 9.8, 10.5, 10.3},
	})
	e.RecomputeAll()

	ab, errAB := e.Correlation("BTCUSDT", "ETHUSDT")
	ba, errBA := e.Correlation("ETHUSDT", "BTCUSDT")

	if errAB != nil || errBA != nil {
		t.Fatalf("Correlation failed: %v / %v", errAB, errBA)
	}
	if ab.Coefficient != ba.Coefficient {
		t.Errorf("corr(a,b)=%f != corr(b,a)=%f", ab.Coefficient, ba.Coefficient)
	}
}

func TestCorrelationSelf(t *testing.T) {
	e := NewCorrelationEngine(testCorrelationConfig(), zap.NewNop())

	pc, err := e.Correlation("BTCUSDT", "BTCUSDT")
	if err != nil {
		t.Fatalf("self correlation failed: %v", err)
	}
	if pc.Coefficient != 1 || !pc.Known {
		t.Errorf("self correlation: got %f (known=%v), want 1 (known)", pc.Coefficient, pc.Known)
	}
}

func TestCorrelationInsufficientHistory(t *testing.T) {
	e := NewCorrelationEngine(testCorrelationConfig(), zap.NewNop())
	base := time.Now().Add(-time.Hour)

	// Две точки дают одну доходность - меньше MinAligned=3
	feedSeries(e, base, map[string][]float64{
		"BTCUSDT": {100, 101},
		"ETHUSDT": {10, 10.1},
	})
	e.RecomputeAll()

	pc, err := e.Correlation("BTCUSDT", "ETHUSDT")
	if !errors.Is(err, ErrInsufficientHistory) {
		t.Fatalf("want ErrInsufficientHistory, got %v", err)
	}
	if pc.Known {
		t.Error("correlation must not be known with insufficient history")
	}
	if pc.Coefficient != 0 {
		t.Errorf("unknown correlation coefficient must be 0, got %f", pc.Coefficient)
	}
}

func TestAlignReturnsTolerance(t *testing.T) {
	base := time.Unix(1700000000, 0)

	ra := []timedReturn{
		{base, 0.01},
		{base.Add(time.Minute), 0.02},
		{base.Add(5 * time.Minute), 0.03},
	}
	rb := []timedReturn{
		{base.Add(30 * time.Second), 0.011}, // в пределах допуска 60s
		{base.Add(time.Minute), 0.021},      // точное совпадение
		{base.Add(10 * time.Minute), 0.04},  // вне допуска
	}

	xa, xb := alignReturns(ra, rb, time.Minute)
	if len(xa) != 2 || len(xb) != 2 {
		t.Fatalf("aligned: got %d/%d pairs, want 2/2", len(xa), len(xb))
	}
	if xa[0] != 0.01 || xb[0] != 0.011 {
		t.Errorf("first pair: got (%f, %f)", xa[0], xb[0])
	}
}

func TestHistoryEviction(t *testing.T) {
	cfg := testCorrelationConfig()
	cfg.MaxPoints = 5
	e := NewCorrelationEngine(cfg, zap.NewNop())

	base := time.Now()
	for i := 0; i < 10; i++ {
		e.UpdatePrice("BTCUSDT", 100+float64(i), base.Add(time.Duration(i)*time.Second))
	}

	e.mu.RLock()
	h := e.history["BTCUSDT"]
	e.mu.RUnlock()

	if len(h) != 5 {
		t.Fatalf("history length: got %d, want 5", len(h))
	}
	// Остаются новейшие точки
	if h[0].Price != 105 || h[4].Price != 109 {
		t.Errorf("eviction kept wrong points: first=%f last=%f", h[0].Price, h[4].Price)
	}
}

func TestHistoryEvictionByAge(t *testing.T) {
	cfg := testCorrelationConfig()
	cfg.MaxAge = time.Hour
	e := NewCorrelationEngine(cfg, zap.NewNop())

	now := time.Now()
	e.UpdatePrice("BTCUSDT", 100, now.Add(-2*time.Hour)) // устарела
	e.UpdatePrice("BTCUSDT", 101, now.Add(-30*time.Minute))
	e.UpdatePrice("BTCUSDT", 102, now)

	e.mu.RLock()
	h := e.history["BTCUSDT"]
	e.mu.RUnlock()

	if len(h) != 2 {
		t.Fatalf("history length: got %d, want 2 (stale point evicted)", len(h))
	}
	if h[0].Price != 101 {
		t.Errorf("oldest surviving point: got %f, want 101", h[0].Price)
	}
}

func TestWarmStart(t *testing.T) {
	e := NewCorrelationEngine(testCorrelationConfig(), zap.NewNop())
	base := time.Now().Add(-time.Hour)

	var points []models.PricePoint
	for i, p := range []float64{100, 102, 101, 105} {
		points = append(points, models.PricePoint{Symbol: "BTCUSDT", Price: p, Timestamp: base.Add(time.Duration(i) * time.Minute)})
		points = append(points, models.PricePoint{Symbol: "ETHUSDT", Price: p / 10, Timestamp: base.Add(time.Duration(i) * time.Minute)})
	}
	e.WarmStart(points)
	e.RecomputeAll()

	pc, err := e.Correlation("BTCUSDT", "ETHUSDT")
	if err != nil {
		t.Fatalf("Correlation after warm start failed: %v", err)
	}
	if pc.Coefficient < 0.99 {
		t.Errorf("proportional series correlation: got %f, want ~1", pc.Coefficient)
	}

	symbols := e.TrackedSymbols()
	if len(symbols) != 2 {
		t.Errorf("tracked symbols: got %v, want 2", symbols)
	}
}

func TestAnalyzePortfolioEmpty(t *testing.T) {
	e := NewCorrelationEngine(testCorrelationConfig(), zap.NewNop())

	report := e.AnalyzePortfolio(nil)
	if report.RiskScore != 0 {
		t.Errorf("empty portfolio risk score: got %f, want 0", report.RiskScore)
	}
	if len(report.Recommendations) == 0 {
		t.Error("empty portfolio must still explain itself")
	}
}

func TestAnalyzePortfolioNoData(t *testing.T) {
	e := NewCorrelationEngine(testCorrelationConfig(), zap.NewNop())

	// Позиции есть, истории цен нет: скор 0 с пояснением "нет данных"
	report := e.AnalyzePortfolio(map[string]models.Holding{
		"BTCUSDT": {Amount: 1, CostBasis: 50000},
		"ETHUSDT": {Amount: 10, CostBasis: 3000},
	})

	if report.RiskScore != 0 {
		t.Errorf("risk score without data: got %f, want 0", report.RiskScore)
	}
	if len(report.Pairs) != 1 || report.Pairs[0].Known {
		t.Errorf("pair must be reported as unknown: %+v", report.Pairs)
	}
	if len(report.Recommendations) != 1 {
		t.Fatalf("recommendations: got %d, want 1", len(report.Recommendations))
	}
}

func TestAnalyzePortfolioCorrelated(t *testing.T) {
	e := NewCorrelationEngine(testCorrelationConfig(), zap.NewNop())
	base := time.Now().Add(-time.Hour)

	feedSeries(e, base, map[string][]float64{
		"BTCUSDT": {100, 102, 101, 105, 104, 107},
		"ETHUSDT": {10, 10.2, 10.1, 10.5, 10.4, 10.7},
	})
	e.RecomputeAll()

	report := e.AnalyzePortfolio(map[string]models.Holding{
		"BTCUSDT": {Amount: 1, CostBasis: 100},
		"ETHUSDT": {Amount: 10, CostBasis: 10},
	})

	if report.RiskScore <= 0 {
		t.Errorf("correlated portfolio must have positive risk score, got %f", report.RiskScore)
	}
	if report.RiskScore > 100 {
		t.Errorf("risk score out of range: %f", report.RiskScore)
	}
	if report.MaxCorrelation < 0.9 {
		t.Errorf("max correlation: got %f, want > 0.9", report.MaxCorrelation)
	}

	// Веса нормированы
	var sum float64
	for _, w := range report.Weights {
		sum += w
	}
	if math.Abs(sum-1) > 1e-9 {
		t.Errorf("weights must sum to 1, got %f", sum)
	}

	if len(report.Recommendations) == 0 || len(report.Recommendations) > maxRecommendations {
		t.Errorf("recommendations count out of range: %d", len(report.Recommendations))
	}
}

func TestRecommendationsCapped(t *testing.T) {
	e := NewCorrelationEngine(testCorrelationConfig(), zap.NewNop())
	base := time.Now().Add(-time.Hour)

	// Много сильно коррелированных символов с заметными весами
	series := map[string][]float64{}
	for _, s := range []string{"AAAUSDT", "BBBUSDT", "CCCUSDT", "DDDUSDT", "EEEUSDT"} {
		series[s] = []float64{100, 102, 101, 105, 104, 107}
	}
	feedSeries(e, base, series)
	e.RecomputeAll()

	holdings := map[string]models.Holding{}
	for s := range series {
		holdings[s] = models.Holding{Amount: 1, CostBasis: 100}
	}

	report := e.AnalyzePortfolio(holdings)
	if len(report.Recommendations) > maxRecommendations {
		t.Errorf("recommendations must be capped at %d, got %d", maxRecommendations, len(report.Recommendations))
	}
}
