package infra

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/xela07ax/agentgw/internal/resilience"
)

// Config: корневая структура конфигурации шлюза и консоли.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	GRPC       GRPCConfig       `mapstructure:"grpc"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Engine     EngineConfig     `mapstructure:"engine"`
	Resilience ResilienceConfig `mapstructure:"resilience"`
	Connectors ConnectorsConfig `mapstructure:"connectors"`
	Console    ConsoleConfig    `mapstructure:"console"`
	Logger     LoggerConfig     `mapstructure:"logger"`
}

// ServerConfig описывает настройки HTTP-сервера.
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type GRPCConfig struct {
	Addr string `mapstructure:"addr"` // Пусто: gRPC не поднимается
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// DatabaseConfig описывает подключение к PostgreSQL. Пустой URL: режим без БД (policy_file).
type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
	Migrate  bool   `mapstructure:"migrate"`
}

// RedisConfig описывает подключение к Redis (Pub/Sub, квоты, L2). Пустой Addr: без Redis.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// AuthConfig содержит ключи операторов (RS256) и KEK токенов агентов.
type AuthConfig struct {
	PublicKeyPath  string        `mapstructure:"public_key_path"`
	PrivateKeyPath string        `mapstructure:"private_key_path"` // Только для Console API
	TokenTTL       time.Duration `mapstructure:"token_ttl"`        // JWT оператора
	BcryptCost     int           `mapstructure:"bcrypt_cost"`
	PublicKey      []byte
	PrivateKey     []byte

	// TokenKEK: base64 от 32 байт ключа шифрования токенов агентов
	TokenKEK     string        `mapstructure:"token_kek"`
	RotateBefore time.Duration `mapstructure:"rotate_before"`
}

// KEK декодирует ключ токенов агентов.
func (c AuthConfig) KEK() ([]byte, error) {
	if c.TokenKEK == "" {
		return nil, errors.New("auth.token_kek is required")
	}
	kek, err := base64.StdEncoding.DecodeString(c.TokenKEK)
	if err != nil {
		return nil, fmt.Errorf("auth.token_kek is not base64: %w", err)
	}
	return kek, nil
}

// EngineConfig содержит специфичные настройки для Data Plane.
type EngineConfig struct {
	DecisionBufferSize    int           `mapstructure:"decision_buffer_size"`
	DecisionBatchSize     int           `mapstructure:"decision_batch_size"`
	DecisionFlushInterval time.Duration `mapstructure:"decision_flush_interval"`

	ProxyTimeout   time.Duration `mapstructure:"proxy_timeout"`
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout"`

	PolicyCacheTTL     time.Duration `mapstructure:"policy_cache_ttl"`
	PolicyCacheSize    int           `mapstructure:"policy_cache_size"`
	QuotaSweepInterval time.Duration `mapstructure:"quota_sweep_interval"`
	// QuotaBackend: redis, postgres или memory. Пусто: первый доступный в этом порядке
	QuotaBackend string `mapstructure:"quota_backend"`

	// PolicyFile: YAML-бандл политик и агентов для режима без Postgres
	PolicyFile string `mapstructure:"policy_file"`
}

// RateLimitConfig: исходящий лимит на каждый инструмент.
type RateLimitConfig struct {
	Rate  float64 `mapstructure:"rate"`
	Burst int     `mapstructure:"burst"`
}

type ResilienceConfig struct {
	Breaker   resilience.BreakerConfig            `mapstructure:"breaker"`
	Tools     map[string]resilience.BreakerConfig `mapstructure:"tools"` // Переопределения по инструменту
	Retry     resilience.RetryConfig              `mapstructure:"retry"`
	RateLimit RateLimitConfig                     `mapstructure:"rate_limit"`
}

// ConnectorsConfig: где живут инструменты.
type ConnectorsConfig struct {
	GRPC      map[string]string `mapstructure:"grpc"`       // tool → адрес коннектора
	Mock      []string          `mapstructure:"mock"`       // Инструменты на встроенном моке
	HTTPFetch bool              `mapstructure:"http_fetch"` // Встроенный http_fetch
	Timeout   time.Duration     `mapstructure:"timeout"`
	MaxBody   int64             `mapstructure:"max_body"`
}

type ConsoleConfig struct {
	Port int `mapstructure:"port"`
	// Bootstrap-оператор со scope admin, создается при старте, если его нет
	AdminUsername string `mapstructure:"admin_username"`
	AdminPassword string `mapstructure:"admin_password"`
}

// LoggerConfig настраивает поведение zap логгера.
type LoggerConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
}

// LoadConfig инициализирует конфигурацию, объединяя значения из файла и ENV.
// path: явный файл из флага --config; пусто: поиск config.yaml.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()

	// 1. Настройка поиска файла
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")    // имя файла без расширения
		v.SetConfigType("yaml")      // формат
		v.AddConfigPath(".")         // ищем в корне
		v.AddConfigPath("./configs") // и в папке с конфигами
	}

	// 2. Настройка переменных окружения (ENV)
	// Позволяет перекрывать конфиг: SERVER_PORT=9000 перекроет server.port
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// 3. Установка дефолтных значений
	setDefaults(v)

	// 4. Чтение файла
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Если файла нет: работаем на ENV и дефолтах
	}

	// 5. Маппинг в структуру
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	// 6. Загрузка ключей из Файла ИЛИ из ENV
	// Сначала проверяем, не лежит ли сам PEM-ключ в ENV (для Docker/K8s)
	// Если нет: читаем файл по указанному пути
	cfg.Auth.PublicKey = loadKeyResource(cfg.Auth.PublicKeyPath, "AUTH_PUBLIC_KEY_DATA")
	cfg.Auth.PrivateKey = loadKeyResource(cfg.Auth.PrivateKeyPath, "AUTH_PRIVATE_KEY_DATA")

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 5*time.Second)
	v.SetDefault("server.write_timeout", 35*time.Second)
	v.SetDefault("grpc.addr", ":50052")
	v.SetDefault("metrics.addr", ":9090")
	v.SetDefault("database.max_conns", 15)
	v.SetDefault("database.min_conns", 5)
	v.SetDefault("database.migrate", true)
	v.SetDefault("auth.token_ttl", time.Hour)
	v.SetDefault("auth.bcrypt_cost", 12)
	v.SetDefault("auth.rotate_before", 5*time.Minute)
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")

	v.SetDefault("engine.decision_buffer_size", 10000)
	v.SetDefault("engine.decision_batch_size", 100)
	v.SetDefault("engine.decision_flush_interval", 500*time.Millisecond)
	v.SetDefault("engine.proxy_timeout", 30*time.Second)
	v.SetDefault("engine.attempt_timeout", 10*time.Second)
	v.SetDefault("engine.policy_cache_ttl", 30*time.Second)
	v.SetDefault("engine.policy_cache_size", 1024)
	v.SetDefault("engine.quota_sweep_interval", time.Minute)

	b := resilience.DefaultBreakerConfig()
	v.SetDefault("resilience.breaker.failure_threshold", b.FailureThreshold)
	v.SetDefault("resilience.breaker.window", b.Window)
	v.SetDefault("resilience.breaker.open_timeout", b.OpenTimeout)
	v.SetDefault("resilience.breaker.bulkhead_concurrency", b.BulkheadConcurrency)
	r := resilience.DefaultRetryConfig()
	v.SetDefault("resilience.retry.max_retries", r.MaxRetries)
	v.SetDefault("resilience.retry.base_delay", r.BaseDelay)
	v.SetDefault("resilience.retry.max_delay", r.MaxDelay)
	v.SetDefault("resilience.retry.jitter_factor", r.JitterFactor)
	v.SetDefault("resilience.retry.non_retryable_actions", r.NonRetryableActions)
	v.SetDefault("resilience.rate_limit.rate", 100)
	v.SetDefault("resilience.rate_limit.burst", 20)

	v.SetDefault("connectors.timeout", 10*time.Second)
	v.SetDefault("connectors.max_body", 1<<20)
	v.SetDefault("console.port", 8000)
}

// loadKeyResource: универсальный хелпер архитектора
func loadKeyResource(path string, envDataKey string) []byte {
	// Если ключ прилетел напрямую в ENV (Base64 или PEM)
	if data := os.Getenv(envDataKey); data != "" {
		return []byte(data)
	}
	// Иначе читаем файл по пути из конфига
	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			return data
		}
	}
	return nil
}
