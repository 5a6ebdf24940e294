package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config содержит всю конфигурацию приложения
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Security SecurityConfig
	Engine   EngineConfig
	Logging  LoggingConfig
}

// ServerConfig - настройки HTTP сервера
type ServerConfig struct {
	Port int
	Host string
}

// DatabaseConfig - настройки подключения к БД
type DatabaseConfig struct {
	Driver   string
	Host     string
	Port     int
	Name     string
	User     string
	Password string
	SSLMode  string
}

// SecurityConfig - настройки безопасности
type SecurityConfig struct {
	// Мастер-ключ расшифровки API ключей бирж. Обязателен.
	// Никогда не логируется.
	MasterKey string
}

// EngineConfig - настройки риск-движка
type EngineConfig struct {
	// Отслеживаемые символы (comma-separated в SYMBOLS)
	Symbols []string

	// Биржа
	Exchange string
	Testnet  bool

	// Поминутные квоты по классам эндпоинтов
	QuotaAccount      int
	QuotaOrder        int
	QuotaOrderStatus  int
	QuotaTickerPrice  int
	QuotaExchangeInfo int

	// Переподключение стрима цен
	ReconnectBase        time.Duration
	ReconnectMax         time.Duration
	MaxReconnectAttempts int

	// Движок корреляций
	CorrelationRecompute time.Duration
	CorrelationMinPoints int

	// Персистентность истории цен
	HistoryFlushInterval time.Duration
	HistoryRetention     time.Duration
}

// LoggingConfig - настройки логирования
type LoggingConfig struct {
	Level  string
	Format string
}

// Load загружает конфигурацию из переменных окружения
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: getEnvAsInt("SERVER_PORT", 8080),
			Host: getEnv("SERVER_HOST", "0.0.0.0"),
		},
		Database: DatabaseConfig{
			Driver:   getEnv("DB_DRIVER", "postgres"),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvAsInt("DB_PORT", 5432),
			Name:     getEnv("DB_NAME", "riskguard"),
			User:     getEnv("DB_USER", "user"),
			Password: getEnv("DB_PASSWORD", "password"),
			SSLMode:  getEnv("DB_SSL_MODE", "disable"),
		},
		Security: SecurityConfig{
			MasterKey: getEnv("MASTER_KEY", ""),
		},
		Engine: EngineConfig{
			Symbols:  getEnvAsList("SYMBOLS", []string{"BTCUSDT", "ETHUSDT"}),
			Exchange: getEnv("EXCHANGE", "binance"),
			Testnet:  getEnvAsBool("TESTNET", false),

			QuotaAccount:      getEnvAsInt("QUOTA_ACCOUNT", 10),
			QuotaOrder:        getEnvAsInt("QUOTA_ORDER", 50),
			QuotaOrderStatus:  getEnvAsInt("QUOTA_ORDER_STATUS", 60),
			QuotaTickerPrice:  getEnvAsInt("QUOTA_TICKER_PRICE", 100),
			QuotaExchangeInfo: getEnvAsInt("QUOTA_EXCHANGE_INFO", 10),

			ReconnectBase:        getEnvAsDuration("STREAM_RECONNECT_BASE", 500*time.Millisecond),
			ReconnectMax:         getEnvAsDuration("STREAM_RECONNECT_MAX", 30*time.Second),
			MaxReconnectAttempts: getEnvAsInt("STREAM_MAX_RECONNECTS", 10),

			CorrelationRecompute: getEnvAsDuration("CORRELATION_RECOMPUTE", 5*time.Minute),
			CorrelationMinPoints: getEnvAsInt("CORRELATION_MIN_POINTS", 50),

			HistoryFlushInterval: getEnvAsDuration("HISTORY_FLUSH_INTERVAL", time.Minute),
			HistoryRetention:     getEnvAsDuration("HISTORY_RETENTION", 24*time.Hour),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	if err := cfg.validateSecurity(); err != nil {
		return nil, err
	}

	if err := cfg.validateRanges(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validateSecurity проверяет параметры безопасности
func (c *Config) validateSecurity() error {
	// MASTER_KEY обязателен: без него невозможно расшифровать API ключи
	if c.Security.MasterKey == "" {
		return fmt.Errorf("MASTER_KEY is required for decrypting exchange API keys")
	}

	if len(c.Security.MasterKey) < 16 {
		return fmt.Errorf("MASTER_KEY must be at least 16 characters")
	}

	return nil
}

// validateRanges проверяет числовые диапазоны параметров
func (c *Config) validateRanges() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("SERVER_PORT must be between 1 and 65535, got %d", c.Server.Port)
	}

	if c.Database.Port < 1 || c.Database.Port > 65535 {
		return fmt.Errorf("DB_PORT must be between 1 and 65535, got %d", c.Database.Port)
	}

	if len(c.Engine.Symbols) == 0 {
		return fmt.Errorf("SYMBOLS must name at least one symbol")
	}

	for _, q := range []struct {
		name  string
		value int
	}{
		{"QUOTA_ACCOUNT", c.Engine.QuotaAccount},
		{"QUOTA_ORDER", c.Engine.QuotaOrder},
		{"QUOTA_ORDER_STATUS", c.Engine.QuotaOrderStatus},
		{"QUOTA_TICKER_PRICE", c.Engine.QuotaTickerPrice},
		{"QUOTA_EXCHANGE_INFO", c.Engine.QuotaExchangeInfo},
	} {
		if q.value < 1 {
			return fmt.Errorf("%s must be positive, got %d", q.name, q.value)
		}
	}

	if c.Engine.MaxReconnectAttempts < 1 {
		return fmt.Errorf("STREAM_MAX_RECONNECTS must be positive, got %d", c.Engine.MaxReconnectAttempts)
	}

	if c.Engine.ReconnectBase <= 0 || c.Engine.ReconnectMax < c.Engine.ReconnectBase {
		return fmt.Errorf("stream reconnect delays invalid: base %v, max %v",
			c.Engine.ReconnectBase, c.Engine.ReconnectMax)
	}

	if c.Engine.CorrelationMinPoints < 2 {
		return fmt.Errorf("CORRELATION_MIN_POINTS must be at least 2, got %d", c.Engine.CorrelationMinPoints)
	}

	return nil
}

// DSN возвращает строку подключения к базе данных
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode)
}

// DSNWithoutPassword возвращает строку подключения без пароля (для логирования)
func (d DatabaseConfig) DSNWithoutPassword() string {
	return fmt.Sprintf("host=%s port=%d user=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Name, d.SSLMode)
}

// Вспомогательные функции для чтения переменных окружения

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	var values []string
	for _, v := range strings.Split(valueStr, ",") {
		v = strings.TrimSpace(v)
		if v != "" {
			values = append(values, v)
		}
	}
	if len(values) == 0 {
		return defaultValue
	}
	return values
}
