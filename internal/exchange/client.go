package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"riskguard/pkg/crypto"
	"riskguard/pkg/ratelimit"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	mainnetBaseURL = "https://api.binance.com"
	testnetBaseURL = "https://testnet.binance.vision"

	recvWindow = "5000"
)

// Классы эндпоинтов для admission control.
// Каждый класс имеет собственную поминутную квоту.
const (
	ClassAccount      = "account"
	ClassOrder        = "order"
	ClassOrderStatus  = "order_status"
	ClassTickerPrice  = "ticker_price"
	ClassExchangeInfo = "exchange_info"
)

// Quotas - поминутные квоты по классам эндпоинтов
type Quotas struct {
	Account      int
	Order        int
	OrderStatus  int
	TickerPrice  int
	ExchangeInfo int
}

// DefaultQuotas возвращает квоты по умолчанию
func DefaultQuotas() Quotas {
	return Quotas{
		Account:      10,
		Order:        50,
		OrderStatus:  60,
		TickerPrice:  100,
		ExchangeInfo: 10,
	}
}

// Стороны и типы ордеров
const (
	SideBuy  = "BUY"
	SideSell = "SELL"

	OrderTypeMarket    = "MARKET"
	OrderTypeLimit     = "LIMIT"
	OrderTypeStopLimit = "STOP_LIMIT"
)

// OrderRequest - параметры размещаемого ордера.
// Тип ордера определяет обязательность опциональных полей:
// LIMIT требует Price, STOP_LIMIT требует Price и StopPrice.
type OrderRequest struct {
	Symbol      string
	Side        string
	Type        string
	Quantity    float64
	Price       float64 // для LIMIT и STOP_LIMIT
	StopPrice   float64 // для STOP_LIMIT
	TimeInForce string  // GTC по умолчанию для лимитных типов
}

// OrderResult - результат размещения ордера
type OrderResult struct {
	OrderID      int64   `json:"orderId"`
	Symbol       string  `json:"symbol"`
	Status       string  `json:"status"`
	ExecutedQty  float64 `json:"executed_qty"`
	AvgFillPrice float64 `json:"avg_fill_price"`
}

// SymbolInfo - торговые ограничения символа
type SymbolInfo struct {
	Symbol      string
	MinQty      float64
	StepSize    float64
	TickSize    float64
	MinNotional float64
}

// Client - подписанный REST клиент биржи.
//
// Владеет расшифрованными учётными данными своего инстанса и окнами
// admission control. Подпись: HMAC-SHA256 над канонической строкой запроса,
// API ключ в заголовке. Сетевые ошибки и non-2xx ответы внутри клиента
// НЕ повторяются - retry-политика принадлежит вызывающему коду.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *ratelimit.ClassLimiter
	log        *zap.Logger

	// Учётные данные: загружаются один раз, неизменяемы до явной перезагрузки
	credMu    sync.RWMutex
	apiKey    string
	secretKey string
	ready     bool
}

// NewClient создаёт клиент биржи.
// HTTP транспорт настроен на торговые операции: connection pooling,
// keep-alive, жёсткие таймауты.
func NewClient(testnet bool, quotas Quotas, log *zap.Logger) *Client {
	baseURL := mainnetBaseURL
	if testnet {
		baseURL = testnetBaseURL
	}

	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}

	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		MaxConnsPerHost:       20,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ResponseHeaderTimeout: 10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ForceAttemptHTTP2:     true,
		DisableCompression:    true, // минимизируем latency
	}

	limiter := ratelimit.NewClassLimiter()
	limiter.Add(ClassAccount, quotas.Account, time.Minute)
	limiter.Add(ClassOrder, quotas.Order, time.Minute)
	limiter.Add(ClassOrderStatus, quotas.OrderStatus, time.Minute)
	limiter.Add(ClassTickerPrice, quotas.TickerPrice, time.Minute)
	limiter.Add(ClassExchangeInfo, quotas.ExchangeInfo, time.Minute)

	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   30 * time.Second,
		},
		limiter: limiter,
		log:     log,
	}
}

// SetBaseURL переопределяет базовый URL (для тестов с httptest сервером)
func (c *Client) SetBaseURL(u string) {
	c.baseURL = u
}

// LoadCredentials расшифровывает учётные данные мастер-ключом, сохраняет их
// и выполняет живую проверку подключения (подписанный account-info вызов).
//
// Возвращает false (не ошибку) при любом сбое расшифровки или подключения;
// причина логируется. До успешного вызова все подписанные запросы
// завершаются ErrCredentials.
func (c *Client) LoadCredentials(ctx context.Context, encryptedKey, encryptedSecret, masterKey string) bool {
	apiKey, err := crypto.DecryptSecret(encryptedKey, masterKey)
	if err != nil {
		c.log.Error("failed to decrypt api key", zap.Error(err))
		return false
	}

	apiSecret, err := crypto.DecryptSecret(encryptedSecret, masterKey)
	if err != nil {
		c.log.Error("failed to decrypt api secret", zap.Error(err))
		return false
	}

	c.credMu.Lock()
	c.apiKey = apiKey
	c.secretKey = apiSecret
	c.ready = true
	c.credMu.Unlock()

	// Живая проверка: подписанный account-info вызов
	if _, err := c.GetAccountBalance(ctx); err != nil {
		c.log.Error("credential connectivity check failed", zap.Error(err))
		c.credMu.Lock()
		c.ready = false
		c.credMu.Unlock()
		return false
	}

	c.log.Info("exchange credentials loaded", zap.String("base_url", c.baseURL))
	return true
}

// Ready сообщает, загружены ли учётные данные
func (c *Client) Ready() bool {
	c.credMu.RLock()
	defer c.credMu.RUnlock()
	return c.ready
}

// sign вычисляет HMAC-SHA256 подпись канонической строки запроса.
// Детерминирована и не имеет побочных эффектов: несовпадение подписи -
// исключительно серверный отказ.
func (c *Client) sign(canonical string) string {
	c.credMu.RLock()
	secret := c.secretKey
	c.credMu.RUnlock()

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(canonical))
	return hex.EncodeToString(mac.Sum(nil))
}

// signedQuery строит каноническую строку запроса (ключи отсортированы,
// url.Values.Encode сортирует детерминированно), добавляет timestamp
// и подпись
func (c *Client) signedQuery(params url.Values) string {
	params.Set("recvWindow", recvWindow)
	params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))

	canonical := params.Encode()
	return canonical + "&signature=" + c.sign(canonical)
}

// doRequest выполняет REST запрос с admission control.
//
// Порядок: проверка учётных данных для подписанных запросов (отказ без
// побочных эффектов, слот квоты не расходуется) -> admission check
// (отказ = RateLimitedError, вызов не выполняется) -> HTTP вызов ->
// non-2xx = RejectedError со статусом и телом.
func (c *Client) doRequest(ctx context.Context, method, path, class string, params url.Values, signed bool) ([]byte, error) {
	var apiKey string
	if signed {
		c.credMu.RLock()
		ready := c.ready
		apiKey = c.apiKey
		c.credMu.RUnlock()

		if !ready {
			return nil, ErrCredentials
		}
	}

	if !c.limiter.Allow(class) {
		RateLimitedTotal.WithLabelValues(class).Inc()
		retryAfter := time.Duration(0)
		if w := c.limiter.Get(class); w != nil {
			retryAfter = w.RetryAfter()
		}
		return nil, &RateLimitedError{Class: class, RetryAfter: retryAfter}
	}

	var query string
	if signed {
		query = c.signedQuery(params)

		req, err := c.buildRequest(ctx, method, path, query)
		if err != nil {
			return nil, err
		}
		req.Header.Set("X-MBX-APIKEY", apiKey)
		return c.execute(req, class)
	}

	query = params.Encode()
	req, err := c.buildRequest(ctx, method, path, query)
	if err != nil {
		return nil, err
	}
	return c.execute(req, class)
}

func (c *Client) buildRequest(ctx context.Context, method, path, query string) (*http.Request, error) {
	reqURL := c.baseURL + path
	if query != "" {
		reqURL += "?" + query
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

func (c *Client) execute(req *http.Request, class string) ([]byte, error) {
	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		RequestsTotal.WithLabelValues(class, "network_error").Inc()
		return nil, err
	}
	defer resp.Body.Close()

	RequestLatency.WithLabelValues(class).Observe(float64(time.Since(start).Milliseconds()))

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		RequestsTotal.WithLabelValues(class, "network_error").Inc()
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		RequestsTotal.WithLabelValues(class, "rejected").Inc()
		return nil, &RejectedError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	RequestsTotal.WithLabelValues(class, "ok").Inc()
	return body, nil
}

// validateOrder проверяет что тип ордера определяет обязательные поля
func validateOrder(req OrderRequest) error {
	if req.Symbol == "" {
		return fmt.Errorf("order validation: symbol is required")
	}
	if req.Side != SideBuy && req.Side != SideSell {
		return fmt.Errorf("order validation: invalid side %q", req.Side)
	}
	if req.Quantity <= 0 {
		return fmt.Errorf("order validation: quantity must be positive")
	}

	switch req.Type {
	case OrderTypeMarket:
		// цена не требуется
	case OrderTypeLimit:
		if req.Price <= 0 {
			return fmt.Errorf("order validation: LIMIT requires price")
		}
	case OrderTypeStopLimit:
		if req.Price <= 0 {
			return fmt.Errorf("order validation: STOP_LIMIT requires price")
		}
		if req.StopPrice <= 0 {
			return fmt.Errorf("order validation: STOP_LIMIT requires stop price")
		}
	default:
		return fmt.Errorf("order validation: unknown order type %q", req.Type)
	}

	return nil
}

// PlaceOrder размещает ордер.
//
// Ошибки: RateLimitedError при локальном отказе admission check (вызов не
// выполнялся, автоматический retry запрещён), RejectedError при non-2xx
// ответе биржи, ErrCredentials до загрузки учётных данных.
func (c *Client) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	if err := validateOrder(req); err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("side", req.Side)
	params.Set("type", req.Type)
	params.Set("quantity", strconv.FormatFloat(req.Quantity, 'f', -1, 64))

	if req.Type == OrderTypeLimit || req.Type == OrderTypeStopLimit {
		params.Set("price", strconv.FormatFloat(req.Price, 'f', -1, 64))
		tif := req.TimeInForce
		if tif == "" {
			tif = "GTC"
		}
		params.Set("timeInForce", tif)
	}
	if req.Type == OrderTypeStopLimit {
		params.Set("stopPrice", strconv.FormatFloat(req.StopPrice, 'f', -1, 64))
	}

	body, err := c.doRequest(ctx, http.MethodPost, "/api/v3/order", ClassOrder, params, true)
	if err != nil {
		return nil, err
	}

	var resp struct {
		OrderID     int64  `json:"orderId"`
		Symbol      string `json:"symbol"`
		Status      string `json:"status"`
		ExecutedQty string `json:"executedQty"`
		Fills       []struct {
			Price string `json:"price"`
			Qty   string `json:"qty"`
		} `json:"fills"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parse order response: %w", err)
	}

	executed, _ := strconv.ParseFloat(resp.ExecutedQty, 64)

	// Средневзвешенная цена исполнения по fills
	var notional, qty float64
	for _, f := range resp.Fills {
		p, _ := strconv.ParseFloat(f.Price, 64)
		q, _ := strconv.ParseFloat(f.Qty, 64)
		notional += p * q
		qty += q
	}
	avg := 0.0
	if qty > 0 {
		avg = notional / qty
	}

	return &OrderResult{
		OrderID:      resp.OrderID,
		Symbol:       resp.Symbol,
		Status:       resp.Status,
		ExecutedQty:  executed,
		AvgFillPrice: avg,
	}, nil
}

// GetOrderStatus возвращает статус ранее размещённого ордера
func (c *Client) GetOrderStatus(ctx context.Context, symbol string, orderID int64) (*OrderResult, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", strconv.FormatInt(orderID, 10))

	body, err := c.doRequest(ctx, http.MethodGet, "/api/v3/order", ClassOrderStatus, params, true)
	if err != nil {
		return nil, err
	}

	var resp struct {
		OrderID     int64  `json:"orderId"`
		Symbol      string `json:"symbol"`
		Status      string `json:"status"`
		ExecutedQty string `json:"executedQty"`
		Price       string `json:"price"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parse order status: %w", err)
	}

	executed, _ := strconv.ParseFloat(resp.ExecutedQty, 64)
	price, _ := strconv.ParseFloat(resp.Price, 64)

	return &OrderResult{
		OrderID:      resp.OrderID,
		Symbol:       resp.Symbol,
		Status:       resp.Status,
		ExecutedQty:  executed,
		AvgFillPrice: price,
	}, nil
}

// GetAccountBalance возвращает балансы аккаунта: free + locked по каждому
// активу, нулевые балансы опускаются
func (c *Client) GetAccountBalance(ctx context.Context) (map[string]float64, error) {
	body, err := c.doRequest(ctx, http.MethodGet, "/api/v3/account", ClassAccount, url.Values{}, true)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Balances []struct {
			Asset  string `json:"asset"`
			Free   string `json:"free"`
			Locked string `json:"locked"`
		} `json:"balances"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parse account response: %w", err)
	}

	balances := make(map[string]float64, len(resp.Balances))
	for _, b := range resp.Balances {
		free, _ := strconv.ParseFloat(b.Free, 64)
		locked, _ := strconv.ParseFloat(b.Locked, 64)
		total := free + locked
		if total > 0 {
			balances[b.Asset] = total
		}
	}

	return balances, nil
}

// GetTicker возвращает текущую цену символа.
// Запрос не подписывается, но подчиняется квоте своего класса.
func (c *Client) GetTicker(ctx context.Context, symbol string) (float64, error) {
	params := url.Values{}
	params.Set("symbol", symbol)

	body, err := c.doRequest(ctx, http.MethodGet, "/api/v3/ticker/price", ClassTickerPrice, params, false)
	if err != nil {
		return 0, err
	}

	var resp struct {
		Symbol string `json:"symbol"`
		Price  string `json:"price"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, fmt.Errorf("parse ticker response: %w", err)
	}

	price, err := strconv.ParseFloat(resp.Price, 64)
	if err != nil {
		return 0, fmt.Errorf("parse ticker price %q: %w", resp.Price, err)
	}

	return price, nil
}

// GetSymbolInfo возвращает торговые ограничения символа (lot size, tick size)
func (c *Client) GetSymbolInfo(ctx context.Context, symbol string) (*SymbolInfo, error) {
	params := url.Values{}
	params.Set("symbol", symbol)

	body, err := c.doRequest(ctx, http.MethodGet, "/api/v3/exchangeInfo", ClassExchangeInfo, params, false)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Symbols []struct {
			Symbol  string `json:"symbol"`
			Filters []struct {
				FilterType  string `json:"filterType"`
				MinQty      string `json:"minQty"`
				StepSize    string `json:"stepSize"`
				TickSize    string `json:"tickSize"`
				MinNotional string `json:"minNotional"`
			} `json:"filters"`
		} `json:"symbols"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parse exchange info: %w", err)
	}

	if len(resp.Symbols) == 0 {
		return nil, fmt.Errorf("symbol %s not found in exchange info", symbol)
	}

	info := &SymbolInfo{Symbol: resp.Symbols[0].Symbol}
	for _, f := range resp.Symbols[0].Filters {
		switch f.FilterType {
		case "LOT_SIZE":
			info.MinQty, _ = strconv.ParseFloat(f.MinQty, 64)
			info.StepSize, _ = strconv.ParseFloat(f.StepSize, 64)
		case "PRICE_FILTER":
			info.TickSize, _ = strconv.ParseFloat(f.TickSize, 64)
		case "NOTIONAL", "MIN_NOTIONAL":
			info.MinNotional, _ = strconv.ParseFloat(f.MinNotional, 64)
		}
	}

	return info, nil
}
