// Package risk содержит движок корреляций, монитор защитных стопов и
// оркестрирующий сервис риск-мониторинга.
package risk

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"riskguard/internal/models"
)

// ErrInsufficientHistory - корреляция запрошена без достаточного количества
// выровненных точек. Это сигнал деградации данных, не жёсткая ошибка.
var ErrInsufficientHistory = errors.New("insufficient aligned history for correlation")

// CorrelationConfig - параметры движка корреляций
type CorrelationConfig struct {
	// Максимум точек истории на символ
	MaxPoints int
	// Максимальный возраст точки
	MaxAge time.Duration
	// Интервал полного пересчёта кэша
	RecomputeInterval time.Duration
	// Минимум выровненных точек для значимой корреляции
	MinAligned int
	// Допуск выравнивания временных рядов по ближайшему timestamp
	AlignTolerance time.Duration
}

// DefaultCorrelationConfig возвращает конфигурацию по умолчанию
func DefaultCorrelationConfig() CorrelationConfig {
	return CorrelationConfig{
		MaxPoints:         1000,
		MaxAge:            24 * time.Hour,
		RecomputeInterval: 5 * time.Minute,
		MinAligned:        50,
		AlignTolerance:    60 * time.Second,
	}
}

// PairKey - неупорядоченная пара символов (ключ кэша корреляций)
type PairKey struct {
	A, B string
}

// MakePairKey нормализует порядок символов: corr(a,b) == corr(b,a)
func MakePairKey(a, b string) PairKey {
	if a > b {
		a, b = b, a
	}
	return PairKey{A: a, B: b}
}

// PairCorrelation - закэшированный коэффициент корреляции пары.
// Known=false означает "нет сигнала" (мало выровненных точек),
// а не "некоррелированы" - вызывающий код обязан различать эти случаи.
type PairCorrelation struct {
	Coefficient float64   `json:"coefficient"`
	Aligned     int       `json:"aligned"`
	Known       bool      `json:"known"`
	ComputedAt  time.Time `json:"computed_at"`
}

// PortfolioCorrelation - результат анализа концентрации риска портфеля
type PortfolioCorrelation struct {
	RiskScore       float64            `json:"risk_score"` // [0, 100]
	AvgCorrelation  float64            `json:"avg_correlation"`
	MaxCorrelation  float64            `json:"max_correlation"`
	Weights         map[string]float64 `json:"weights"`
	Pairs           []PairReport       `json:"pairs"`
	Recommendations []string           `json:"recommendations"` // до 5 штук
	ComputedAt      time.Time          `json:"computed_at"`
}

// PairReport - строка корреляционной матрицы для отчёта
type PairReport struct {
	SymbolA     string  `json:"symbol_a"`
	SymbolB     string  `json:"symbol_b"`
	Coefficient float64 `json:"coefficient"`
	Known       bool    `json:"known"`
}

// Пороги рекомендаций
const (
	highAvgCorrelation  = 0.8  // средняя корреляция портфеля
	highPairCorrelation = 0.7  // корреляция конкретной пары
	highWeight          = 0.4  // концентрация в одной позиции
	notableWeight       = 0.15 // вес, при котором пара достойна упоминания
	maxRecommendations  = 5
)

// CorrelationEngine - движок кросс-активных корреляций.
//
// Ведёт ограниченную скользящую историю цен по символам, считает попарную
// корреляцию Пирсона доходностей и взвешенный риск концентрации портфеля.
// Биржевых вызовов не делает - чистые вычисления над поданными данными.
type CorrelationEngine struct {
	cfg CorrelationConfig
	log *zap.Logger

	mu      sync.RWMutex
	history map[string][]models.PricePoint
	cache   map[PairKey]PairCorrelation

	lastRecompute atomic.Int64 // UnixNano последнего пересчёта
	recomputing   atomic.Bool  // защита от параллельных пересчётов
}

// NewCorrelationEngine создаёт движок корреляций
func NewCorrelationEngine(cfg CorrelationConfig, log *zap.Logger) *CorrelationEngine {
	if cfg.MaxPoints <= 0 {
		cfg = DefaultCorrelationConfig()
	}
	e := &CorrelationEngine{
		cfg:     cfg,
		log:     log,
		history: make(map[string][]models.PricePoint),
		cache:   make(map[PairKey]PairCorrelation),
	}
	// Первый фоновый пересчёт - не раньше, чем через интервал
	e.lastRecompute.Store(time.Now().UnixNano())
	return e
}

// UpdatePrice добавляет точку в историю символа, вытесняя точки старше
// MaxAge и сверх MaxPoints (старейшие первыми). Если с последнего полного
// пересчёта прошло больше RecomputeInterval, запускает RecomputeAll в
// отдельной горутине: пересчёт не должен блокировать ingest цен.
func (e *CorrelationEngine) UpdatePrice(symbol string, price float64, ts time.Time) {
	if symbol == "" || price <= 0 {
		return
	}

	e.mu.Lock()
	h := append(e.history[symbol], models.PricePoint{Symbol: symbol, Price: price, Timestamp: ts})
	e.history[symbol] = e.evict(h, ts)
	e.mu.Unlock()

	last := time.Unix(0, e.lastRecompute.Load())
	if time.Since(last) > e.cfg.RecomputeInterval && e.recomputing.CompareAndSwap(false, true) {
		go func() {
			defer e.recomputing.Store(false)
			e.RecomputeAll()
		}()
	}
}

// evict обрезает историю по возрасту и количеству.
// Инвариант: порядок по времени не убывает, точки старше горизонта
// удаляются при каждой вставке.
func (e *CorrelationEngine) evict(h []models.PricePoint, now time.Time) []models.PricePoint {
	cutoff := now.Add(-e.cfg.MaxAge)
	idx := 0
	for idx < len(h) && h[idx].Timestamp.Before(cutoff) {
		idx++
	}
	h = h[idx:]

	if len(h) > e.cfg.MaxPoints {
		h = h[len(h)-e.cfg.MaxPoints:]
	}
	return h
}

// WarmStart загружает персистентную историю цен (например, при старте
// процесса). Точки должны быть отсортированы по времени внутри символа.
func (e *CorrelationEngine) WarmStart(points []models.PricePoint) {
	now := time.Now()

	e.mu.Lock()
	for _, p := range points {
		e.history[p.Symbol] = append(e.history[p.Symbol], p)
	}
	for symbol, h := range e.history {
		sort.SliceStable(h, func(i, j int) bool { return h[i].Timestamp.Before(h[j].Timestamp) })
		e.history[symbol] = e.evict(h, now)
	}
	e.mu.Unlock()

	e.log.Info("correlation history warm start", zap.Int("points", len(points)))
}

// TrackedSymbols возвращает символы с непустой историей
func (e *CorrelationEngine) TrackedSymbols() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	symbols := make([]string, 0, len(e.history))
	for s := range e.history {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)
	return symbols
}

// RecomputeAll пересчитывает корреляции всех неупорядоченных пар
// отслеживаемых символов. Пары с числом выровненных точек меньше
// MinAligned кэшируются с Known=false и коэффициентом 0.
func (e *CorrelationEngine) RecomputeAll() {
	start := time.Now()

	// Снимок истории под RLock'ом, вычисления без блокировки
	e.mu.RLock()
	snapshot := make(map[string][]models.PricePoint, len(e.history))
	for s, h := range e.history {
		cp := make([]models.PricePoint, len(h))
		copy(cp, h)
		snapshot[s] = cp
	}
	e.mu.RUnlock()

	symbols := make([]string, 0, len(snapshot))
	for s := range snapshot {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)

	fresh := make(map[PairKey]PairCorrelation)
	for i := 0; i < len(symbols); i++ {
		for j := i + 1; j < len(symbols); j++ {
			key := MakePairKey(symbols[i], symbols[j])
			fresh[key] = e.computePair(snapshot[key.A], snapshot[key.B])
		}
	}

	e.mu.Lock()
	for k, v := range fresh {
		e.cache[k] = v
	}
	e.mu.Unlock()

	e.lastRecompute.Store(time.Now().UnixNano())

	CorrelationRecomputeDuration.Observe(float64(time.Since(start).Milliseconds()))
	e.log.Debug("correlation cache recomputed",
		zap.Int("symbols", len(symbols)),
		zap.Int("pairs", len(fresh)),
		zap.Duration("took", time.Since(start)))
}

// computePair считает корреляцию Пирсона доходностей двух историй
func (e *CorrelationEngine) computePair(ha, hb []models.PricePoint) PairCorrelation {
	ra := periodReturns(ha)
	rb := periodReturns(hb)

	xa, xb := alignReturns(ra, rb, e.cfg.AlignTolerance)

	result := PairCorrelation{Aligned: len(xa), ComputedAt: time.Now()}
	if len(xa) < e.cfg.MinAligned {
		return result
	}

	result.Coefficient = pearson(xa, xb)
	result.Known = true
	return result
}

// timedReturn - доходность за период с timestamp конца периода
type timedReturn struct {
	ts    time.Time
	value float64
}

// periodReturns считает простые period-over-period доходности истории
func periodReturns(h []models.PricePoint) []timedReturn {
	if len(h) < 2 {
		return nil
	}

	returns := make([]timedReturn, 0, len(h)-1)
	for i := 1; i < len(h); i++ {
		prev := h[i-1].Price
		if prev <= 0 {
			continue
		}
		returns = append(returns, timedReturn{
			ts:    h[i].Timestamp,
			value: (h[i].Price - prev) / prev,
		})
	}
	return returns
}

// alignReturns выравнивает два ряда доходностей по ближайшему timestamp
// в пределах допуска (two-pointer merge по отсортированным рядам)
func alignReturns(ra, rb []timedReturn, tolerance time.Duration) ([]float64, []float64) {
	var xa, xb []float64

	i, j := 0, 0
	for i < len(ra) && j < len(rb) {
		diff := ra[i].ts.Sub(rb[j].ts)

		switch {
		case absDuration(diff) <= tolerance:
			xa = append(xa, ra[i].value)
			xb = append(xb, rb[j].value)
			i++
			j++
		case diff < 0:
			i++
		default:
			j++
		}
	}

	return xa, xb
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

// pearson считает коэффициент корреляции Пирсона двух рядов одинаковой
// длины. Результат всегда в [-1, 1]; вырожденные ряды (нулевая дисперсия)
// дают 0.
func pearson(x, y []float64) float64 {
	n := float64(len(x))
	if n == 0 || len(x) != len(y) {
		return 0
	}

	var sumX, sumY float64
	for i := range x {
		sumX += x[i]
		sumY += y[i]
	}
	meanX, meanY := sumX/n, sumY/n

	var cov, varX, varY float64
	for i := range x {
		dx, dy := x[i]-meanX, y[i]-meanY
		cov += dx * dy
		varX += dx * dx
		varY += dy * dy
	}

	if varX == 0 || varY == 0 {
		return 0
	}

	r := cov / math.Sqrt(varX*varY)

	// Числовая защита от выхода за [-1, 1] на граничных случаях
	if r > 1 {
		r = 1
	}
	if r < -1 {
		r = -1
	}
	return r
}

// Correlation возвращает закэшированную корреляцию пары.
// ErrInsufficientHistory если пара посчитана, но сигнала нет.
func (e *CorrelationEngine) Correlation(a, b string) (PairCorrelation, error) {
	if a == b {
		return PairCorrelation{Coefficient: 1, Known: true, ComputedAt: time.Now()}, nil
	}

	e.mu.RLock()
	pc, ok := e.cache[MakePairKey(a, b)]
	e.mu.RUnlock()

	if !ok || !pc.Known {
		return pc, ErrInsufficientHistory
	}
	return pc, nil
}

// latestPriceLocked возвращает последнюю цену символа из истории.
// ВАЖНО: вызывается под RLock'ом.
func (e *CorrelationEngine) latestPriceLocked(symbol string) (float64, bool) {
	h := e.history[symbol]
	if len(h) == 0 {
		return 0, false
	}
	return h[len(h)-1].Price, true
}

// AnalyzePortfolio строит отчёт о риске концентрации портфеля.
//
// Веса позиций выводятся из текущей стоимости (последняя цена из истории,
// при её отсутствии - cost basis). Риск-скор:
//
//	100 * Σ_{i<j} |corr(i,j)| * weight(i) * weight(j)
//
// Вырожденные случаи различаются явно: пустой портфель и портфель без
// истории дают скор 0 с разными объяснениями.
func (e *CorrelationEngine) AnalyzePortfolio(holdings map[string]models.Holding) *PortfolioCorrelation {
	report := &PortfolioCorrelation{
		Weights:    make(map[string]float64),
		ComputedAt: time.Now(),
	}

	if len(holdings) == 0 {
		report.Recommendations = []string{
			"Портфель пуст — риск концентрации отсутствует.",
		}
		return report
	}

	// Веса из текущей стоимости позиций
	e.mu.RLock()
	values := make(map[string]float64, len(holdings))
	total := 0.0
	for symbol, h := range holdings {
		price, ok := e.latestPriceLocked(symbol)
		if !ok {
			price = h.CostBasis
		}
		v := h.Amount * price
		if v < 0 {
			v = 0
		}
		values[symbol] = v
		total += v
	}
	e.mu.RUnlock()

	if total <= 0 {
		report.Recommendations = []string{
			"Стоимость позиций нулевая — оценка риска невозможна.",
		}
		return report
	}

	symbols := make([]string, 0, len(holdings))
	for s := range holdings {
		symbols = append(symbols, s)
		report.Weights[s] = values[s] / total
	}
	sort.Strings(symbols)

	// Корреляционная матрица держимых символов из кэша
	var (
		sumAbs   float64
		maxAbs   float64
		score    float64
		known    int
		pairsCnt int
	)

	e.mu.RLock()
	for i := 0; i < len(symbols); i++ {
		for j := i + 1; j < len(symbols); j++ {
			pairsCnt++
			pc := e.cache[MakePairKey(symbols[i], symbols[j])]

			report.Pairs = append(report.Pairs, PairReport{
				SymbolA:     symbols[i],
				SymbolB:     symbols[j],
				Coefficient: pc.Coefficient,
				Known:       pc.Known,
			})

			if !pc.Known {
				continue
			}
			known++

			abs := math.Abs(pc.Coefficient)
			sumAbs += abs
			if abs > maxAbs {
				maxAbs = abs
			}
			score += abs * report.Weights[symbols[i]] * report.Weights[symbols[j]]
		}
	}
	e.mu.RUnlock()

	if known > 0 {
		report.AvgCorrelation = sumAbs / float64(known)
	}
	report.MaxCorrelation = maxAbs
	report.RiskScore = 100 * score

	if pairsCnt > 0 && known == 0 {
		// "нет данных" != "нет риска"
		report.Recommendations = []string{
			"Недостаточно истории цен для оценки корреляций — скор 0 означает отсутствие данных, а не отсутствие риска.",
		}
		return report
	}

	report.Recommendations = e.recommend(report, symbols, known, pairsCnt)
	return report
}

// recommend строит до пяти рекомендаций по фиксированным порогам
func (e *CorrelationEngine) recommend(r *PortfolioCorrelation, symbols []string, known, pairs int) []string {
	var recs []string

	if r.AvgCorrelation > highAvgCorrelation {
		recs = append(recs, fmt.Sprintf(
			"Средняя корреляция портфеля %.2f — активы движутся практически синхронно, диверсификация отсутствует.",
			r.AvgCorrelation))
	}

	// Концентрация в одной позиции
	heavy := make([]string, 0, 1)
	for _, s := range symbols {
		if r.Weights[s] > highWeight {
			heavy = append(heavy, s)
		}
	}
	for _, s := range heavy {
		recs = append(recs, fmt.Sprintf(
			"Позиция %s занимает %.0f%% портфеля — концентрация выше порога %.0f%%.",
			s, r.Weights[s]*100, highWeight*100))
	}

	// Сильно коррелированные пары с заметными весами - поимённо
	for _, p := range r.Pairs {
		if !p.Known {
			continue
		}
		if math.Abs(p.Coefficient) > highPairCorrelation &&
			r.Weights[p.SymbolA] > notableWeight && r.Weights[p.SymbolB] > notableWeight {
			recs = append(recs, fmt.Sprintf(
				"%s и %s коррелированы на %.2f при весах %.0f%% и %.0f%% — фактически одна ставка.",
				p.SymbolA, p.SymbolB, p.Coefficient,
				r.Weights[p.SymbolA]*100, r.Weights[p.SymbolB]*100))
		}
	}

	if pairs > 0 && known < pairs {
		recs = append(recs, fmt.Sprintf(
			"Корреляция известна только для %d из %d пар — оценка риска неполна.",
			known, pairs))
	}

	if len(recs) == 0 {
		recs = append(recs, "Существенных рисков концентрации не обнаружено.")
	}

	if len(recs) > maxRecommendations {
		recs = recs[:maxRecommendations]
	}
	return recs
}
