package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	UpbitConfig          UpbitConfig          `json:"upbit"`
	TradingConfig        TradingConfig        `json:"trading"`
	ExecutionConfig      ExecutionConfig      `json:"execution"`
	PendingOrderConfig   PendingOrderConfig   `json:"pending_order"`
	CircuitBreakerConfig CircuitBreakerConfig `json:"circuit_breaker"`
	RiskThrottleConfig   RiskThrottleConfig   `json:"risk_throttle"`
	ReconcileConfig      ReconcileConfig      `json:"reconcile"`
	RecoveryConfig       RecoveryConfig       `json:"recovery"`
	RegistryConfig       RegistryConfig       `json:"registry"`
	NotificationConfig   NotificationConfig   `json:"notification"`
	LoggingConfig        LoggingConfig        `json:"logging"`
	ServerConfig         ServerConfig         `json:"server"`
	AuthConfig           AuthConfig           `json:"auth"`
	VaultConfig          VaultConfig          `json:"vault"`
	RedisConfig          RedisConfig          `json:"redis"`
	DatabaseConfig       DatabaseConfig       `json:"database"`
}

// UpbitConfig holds exchange gateway settings
type UpbitConfig struct {
	AccessKey      string  `json:"access_key"`
	SecretKey      string  `json:"secret_key"`
	BaseURL        string  `json:"base_url"`
	TimeoutSeconds int     `json:"timeout_seconds"`
	FeeRate        float64 `json:"fee_rate"` // taker fee, e.g. 0.0005 = 0.05%
}

// TradingConfig holds global trading switches and limits
type TradingConfig struct {
	Enabled           bool    `json:"enabled"` // false = simulation mode (SIM- orders)
	MinOrderAmountKRW float64 `json:"min_order_amount_krw"`
	MaxOpenPositions  int     `json:"max_open_positions"`
}

// ExecutionConfig tunes the order executor pipeline
type ExecutionConfig struct {
	QuickFillChecks          int           `json:"quick_fill_checks"`
	QuickFillInterval        time.Duration `json:"quick_fill_interval"`
	VerifyMaxAttempts        int           `json:"verify_max_attempts"`
	VerifyBaseDelay          time.Duration `json:"verify_base_delay"`
	VerifyMaxDelay           time.Duration `json:"verify_max_delay"`
	FillAcceptThreshold      float64       `json:"fill_accept_threshold"`      // 0.90
	SlippageWarnPercent      float64       `json:"slippage_warn_percent"`      // 0.5
	SlippageCriticalPercent  float64       `json:"slippage_critical_percent"`  // 2.0
	PartialFillWarnThreshold float64       `json:"partial_fill_warn_threshold"` // 0.5
	HighVolatilityPercent    float64       `json:"high_volatility_percent"`
	HighConfidenceThreshold  float64       `json:"high_confidence_threshold"`
	ThinLiquidityRatio       float64       `json:"thin_liquidity_ratio"`
	ImbalanceThreshold       float64       `json:"imbalance_threshold"`
}

// PendingOrderConfig tunes the pending-order manager
type PendingOrderConfig struct {
	TickInterval             time.Duration `json:"tick_interval"`
	TimeoutSeconds           int           `json:"timeout_seconds"` // clamped to [10,120]
	ReplaceConfidenceMin     float64       `json:"replace_confidence_min"`
	PriceDeviationUrgentPct  float64       `json:"price_deviation_urgent_pct"`
	SpreadWideningFactor     float64       `json:"spread_widening_factor"`
	FillAcceptThreshold      float64       `json:"fill_accept_threshold"`
	StatusFetchRetries       int           `json:"status_fetch_retries"`
	ManualCheckFailureCount  int           `json:"manual_check_failure_count"`
	PartialFillWarnThreshold float64       `json:"partial_fill_warn_threshold"`
}

// CircuitBreakerConfig holds circuit breaker thresholds
type CircuitBreakerConfig struct {
	Enabled               bool          `json:"enabled"`
	MaxConsecutiveFails   int           `json:"max_consecutive_fails"`
	MaxConsecutiveLosses  int           `json:"max_consecutive_losses"`
	SlippageMeanThreshold float64       `json:"slippage_mean_threshold"` // percent
	SlippageWindowSize    int           `json:"slippage_window_size"`
	DailyLossLimitKRW     float64       `json:"daily_loss_limit_krw"`
	Cooldown              time.Duration `json:"cooldown"`
	MaxCooldown           time.Duration `json:"max_cooldown"`
}

// RiskThrottleConfig tunes position-size throttling
type RiskThrottleConfig struct {
	Enabled         bool    `json:"enabled"`
	WindowSize      int     `json:"window_size"`
	LossStreakMin   int     `json:"loss_streak_min"`
	ShrinkFactor    float64 `json:"shrink_factor"`
	MinMultiplier   float64 `json:"min_multiplier"`
	RecoveryWinRate float64 `json:"recovery_win_rate"`
}

// ReconcileConfig tunes the reconciliation service
type ReconcileConfig struct {
	Enabled           bool          `json:"enabled"`
	Interval          time.Duration `json:"interval"`
	FillLookbackLimit int           `json:"fill_lookback_limit"`
	QtyTolerancePct   float64       `json:"qty_tolerance_pct"` // fill-match tolerance, percent
	EntryTimeSlack    time.Duration `json:"entry_time_slack"`
}

// RecoveryConfig tunes the close-recovery queue
type RecoveryConfig struct {
	Enabled       bool          `json:"enabled"`
	PollInterval  time.Duration `json:"poll_interval"`
	BaseBackoff   time.Duration `json:"base_backoff"`
	MaxBackoff    time.Duration `json:"max_backoff"`
	WarnEveryNth  int           `json:"warn_every_nth"`
	BackoffExpCap int           `json:"backoff_exp_cap"`
}

// RegistryConfig tunes the global position registry
type RegistryConfig struct {
	CacheTTL time.Duration `json:"cache_ttl"`
}

type NotificationConfig struct {
	Enabled  bool           `json:"enabled"`
	Telegram TelegramConfig `json:"telegram"`
	Discord  DiscordConfig  `json:"discord"`
}

type TelegramConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"bot_token"`
	ChatID   string `json:"chat_id"`
}

type DiscordConfig struct {
	Enabled    bool   `json:"enabled"`
	WebhookURL string `json:"webhook_url"`
}

type LoggingConfig struct {
	Level      string `json:"level"`       // debug, info, warn, error
	Output     string `json:"output"`      // stdout, stderr, or file path
	JSONFormat bool   `json:"json_format"` // console writer when false
}

type ServerConfig struct {
	Enabled         bool   `json:"enabled"`
	Host            string `json:"host"`
	Port            int    `json:"port"`
	AllowedOrigins  string `json:"allowed_origins"`
	ReadTimeout     int    `json:"read_timeout"`
	WriteTimeout    int    `json:"write_timeout"`
	ShutdownTimeout int    `json:"shutdown_timeout"`
}

type AuthConfig struct {
	Enabled             bool          `json:"enabled"`
	JWTSecret           string        `json:"jwt_secret"`
	OperatorPasswordHash string       `json:"operator_password_hash"` // bcrypt
	AccessTokenDuration time.Duration `json:"access_token_duration"`
}

type VaultConfig struct {
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address"`
	Token      string `json:"token"`
	MountPath  string `json:"mount_path"`
	SecretPath string `json:"secret_path"`
	TLSEnabled bool   `json:"tls_enabled"`
	CACert     string `json:"ca_cert"`
}

type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

type DatabaseConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"ssl_mode"`
}

func Load() (*Config, error) {
	// Base config from file when present, env vars take precedence.
	cfg, err := loadFromFile("config.json")
	if err != nil {
		cfg = &Config{}
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	// Upbit config. Credentials may instead come from Vault (see VaultConfig).
	cfg.UpbitConfig.AccessKey = getEnvOrDefault("UPBIT_ACCESS_KEY", cfg.UpbitConfig.AccessKey)
	cfg.UpbitConfig.SecretKey = getEnvOrDefault("UPBIT_SECRET_KEY", cfg.UpbitConfig.SecretKey)
	cfg.UpbitConfig.BaseURL = getEnvOrDefault("UPBIT_BASE_URL", cfg.UpbitConfig.BaseURL)
	cfg.UpbitConfig.TimeoutSeconds = getEnvIntOrDefault("UPBIT_TIMEOUT_SECONDS", 10)
	cfg.UpbitConfig.FeeRate = getEnvFloatOrDefault("UPBIT_FEE_RATE", 0.0005)

	// Trading config
	cfg.TradingConfig.Enabled = getEnvOrDefault("TRADING_ENABLED", "false") == "true"
	cfg.TradingConfig.MinOrderAmountKRW = getEnvFloatOrDefault("MIN_ORDER_AMOUNT_KRW", 5100)
	cfg.TradingConfig.MaxOpenPositions = getEnvIntOrDefault("MAX_OPEN_POSITIONS", 5)

	// Execution config
	cfg.ExecutionConfig.QuickFillChecks = getEnvIntOrDefault("EXEC_QUICK_FILL_CHECKS", 2)
	cfg.ExecutionConfig.QuickFillInterval = getEnvDurationOrDefault("EXEC_QUICK_FILL_INTERVAL", 500*time.Millisecond)
	cfg.ExecutionConfig.VerifyMaxAttempts = getEnvIntOrDefault("EXEC_VERIFY_MAX_ATTEMPTS", 8)
	cfg.ExecutionConfig.VerifyBaseDelay = getEnvDurationOrDefault("EXEC_VERIFY_BASE_DELAY", 500*time.Millisecond)
	cfg.ExecutionConfig.VerifyMaxDelay = getEnvDurationOrDefault("EXEC_VERIFY_MAX_DELAY", 2*time.Second)
	cfg.ExecutionConfig.FillAcceptThreshold = getEnvFloatOrDefault("EXEC_FILL_ACCEPT_THRESHOLD", 0.90)
	cfg.ExecutionConfig.SlippageWarnPercent = getEnvFloatOrDefault("EXEC_SLIPPAGE_WARN_PERCENT", 0.5)
	cfg.ExecutionConfig.SlippageCriticalPercent = getEnvFloatOrDefault("EXEC_SLIPPAGE_CRITICAL_PERCENT", 2.0)
	cfg.ExecutionConfig.PartialFillWarnThreshold = getEnvFloatOrDefault("EXEC_PARTIAL_FILL_WARN_THRESHOLD", 0.5)
	cfg.ExecutionConfig.HighVolatilityPercent = getEnvFloatOrDefault("EXEC_HIGH_VOLATILITY_PERCENT", 1.0)
	cfg.ExecutionConfig.HighConfidenceThreshold = getEnvFloatOrDefault("EXEC_HIGH_CONFIDENCE_THRESHOLD", 85)
	cfg.ExecutionConfig.ThinLiquidityRatio = getEnvFloatOrDefault("EXEC_THIN_LIQUIDITY_RATIO", 3.0)
	cfg.ExecutionConfig.ImbalanceThreshold = getEnvFloatOrDefault("EXEC_IMBALANCE_THRESHOLD", 0.3)

	// Pending-order manager config
	cfg.PendingOrderConfig.TickInterval = getEnvDurationOrDefault("PENDING_TICK_INTERVAL", time.Second)
	cfg.PendingOrderConfig.TimeoutSeconds = getEnvIntOrDefault("PENDING_TIMEOUT_SECONDS", 30)
	cfg.PendingOrderConfig.ReplaceConfidenceMin = getEnvFloatOrDefault("PENDING_REPLACE_CONFIDENCE_MIN", 70)
	cfg.PendingOrderConfig.PriceDeviationUrgentPct = getEnvFloatOrDefault("PRICE_DEVIATION_URGENT_PERCENT", 0.5)
	cfg.PendingOrderConfig.SpreadWideningFactor = getEnvFloatOrDefault("PENDING_SPREAD_WIDENING_FACTOR", 2.0)
	cfg.PendingOrderConfig.FillAcceptThreshold = getEnvFloatOrDefault("PENDING_FILL_ACCEPT_THRESHOLD", 0.90)
	cfg.PendingOrderConfig.StatusFetchRetries = getEnvIntOrDefault("PENDING_STATUS_FETCH_RETRIES", 3)
	cfg.PendingOrderConfig.ManualCheckFailureCount = getEnvIntOrDefault("PENDING_MANUAL_CHECK_FAILURES", 10)
	cfg.PendingOrderConfig.PartialFillWarnThreshold = getEnvFloatOrDefault("PENDING_PARTIAL_FILL_WARN_THRESHOLD", 0.5)

	// Circuit breaker config
	cfg.CircuitBreakerConfig.Enabled = getEnvOrDefault("CIRCUIT_BREAKER_ENABLED", "true") == "true"
	cfg.CircuitBreakerConfig.MaxConsecutiveFails = getEnvIntOrDefault("CIRCUIT_MAX_CONSECUTIVE_FAILS", 3)
	cfg.CircuitBreakerConfig.MaxConsecutiveLosses = getEnvIntOrDefault("CIRCUIT_MAX_CONSECUTIVE_LOSSES", 3)
	cfg.CircuitBreakerConfig.SlippageMeanThreshold = getEnvFloatOrDefault("CIRCUIT_SLIPPAGE_MEAN_THRESHOLD", 1.0)
	cfg.CircuitBreakerConfig.SlippageWindowSize = getEnvIntOrDefault("CIRCUIT_SLIPPAGE_WINDOW_SIZE", 10)
	cfg.CircuitBreakerConfig.DailyLossLimitKRW = getEnvFloatOrDefault("CIRCUIT_DAILY_LOSS_LIMIT_KRW", 100000)
	cfg.CircuitBreakerConfig.Cooldown = getEnvDurationOrDefault("CIRCUIT_COOLDOWN", 5*time.Minute)
	cfg.CircuitBreakerConfig.MaxCooldown = getEnvDurationOrDefault("CIRCUIT_MAX_COOLDOWN", 40*time.Minute)

	// Risk throttle config
	cfg.RiskThrottleConfig.Enabled = getEnvOrDefault("RISK_THROTTLE_ENABLED", "true") == "true"
	cfg.RiskThrottleConfig.WindowSize = getEnvIntOrDefault("RISK_THROTTLE_WINDOW_SIZE", 10)
	cfg.RiskThrottleConfig.LossStreakMin = getEnvIntOrDefault("RISK_THROTTLE_LOSS_STREAK_MIN", 2)
	cfg.RiskThrottleConfig.ShrinkFactor = getEnvFloatOrDefault("RISK_THROTTLE_SHRINK_FACTOR", 0.5)
	cfg.RiskThrottleConfig.MinMultiplier = getEnvFloatOrDefault("RISK_THROTTLE_MIN_MULTIPLIER", 0.25)
	cfg.RiskThrottleConfig.RecoveryWinRate = getEnvFloatOrDefault("RISK_THROTTLE_RECOVERY_WIN_RATE", 0.6)

	// Reconciliation config
	cfg.ReconcileConfig.Enabled = getEnvOrDefault("RECONCILE_ENABLED", "true") == "true"
	cfg.ReconcileConfig.Interval = getEnvDurationOrDefault("RECONCILE_INTERVAL", 5*time.Minute)
	cfg.ReconcileConfig.FillLookbackLimit = getEnvIntOrDefault("RECONCILE_FILL_LOOKBACK_LIMIT", 500)
	cfg.ReconcileConfig.QtyTolerancePct = getEnvFloatOrDefault("RECONCILE_QTY_TOLERANCE_PCT", 10)
	cfg.ReconcileConfig.EntryTimeSlack = getEnvDurationOrDefault("RECONCILE_ENTRY_TIME_SLACK", time.Minute)

	// Close-recovery config
	cfg.RecoveryConfig.Enabled = getEnvOrDefault("RECOVERY_ENABLED", "true") == "true"
	cfg.RecoveryConfig.PollInterval = getEnvDurationOrDefault("RECOVERY_POLL_INTERVAL", 15*time.Second)
	cfg.RecoveryConfig.BaseBackoff = getEnvDurationOrDefault("RECOVERY_BASE_BACKOFF", 30*time.Second)
	cfg.RecoveryConfig.MaxBackoff = getEnvDurationOrDefault("RECOVERY_MAX_BACKOFF", 30*time.Minute)
	cfg.RecoveryConfig.WarnEveryNth = getEnvIntOrDefault("RECOVERY_WARN_EVERY_NTH", 5)
	cfg.RecoveryConfig.BackoffExpCap = getEnvIntOrDefault("RECOVERY_BACKOFF_EXP_CAP", 6)

	// Registry config
	cfg.RegistryConfig.CacheTTL = getEnvDurationOrDefault("REGISTRY_CACHE_TTL", 5*time.Second)

	// Notification config
	cfg.NotificationConfig.Enabled = getEnvOrDefault("NOTIFICATIONS_ENABLED", "false") == "true"
	cfg.NotificationConfig.Telegram.Enabled = getEnvOrDefault("TELEGRAM_ENABLED", "false") == "true"
	cfg.NotificationConfig.Telegram.BotToken = getEnvOrDefault("TELEGRAM_BOT_TOKEN", cfg.NotificationConfig.Telegram.BotToken)
	cfg.NotificationConfig.Telegram.ChatID = getEnvOrDefault("TELEGRAM_CHAT_ID", cfg.NotificationConfig.Telegram.ChatID)
	cfg.NotificationConfig.Discord.Enabled = getEnvOrDefault("DISCORD_ENABLED", "false") == "true"
	cfg.NotificationConfig.Discord.WebhookURL = getEnvOrDefault("DISCORD_WEBHOOK_URL", cfg.NotificationConfig.Discord.WebhookURL)

	// Logging config
	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", "info")
	cfg.LoggingConfig.Output = getEnvOrDefault("LOG_OUTPUT", "stdout")
	cfg.LoggingConfig.JSONFormat = getEnvOrDefault("LOG_JSON", "true") == "true"

	// Server config
	cfg.ServerConfig.Enabled = getEnvOrDefault("SERVER_ENABLED", "true") == "true"
	cfg.ServerConfig.Host = getEnvOrDefault("WEB_HOST", "0.0.0.0")
	cfg.ServerConfig.Port = getEnvIntOrDefault("WEB_PORT", 8080)
	cfg.ServerConfig.AllowedOrigins = getEnvOrDefault("SERVER_ALLOWED_ORIGINS", "*")
	cfg.ServerConfig.ReadTimeout = getEnvIntOrDefault("SERVER_READ_TIMEOUT", 30)
	cfg.ServerConfig.WriteTimeout = getEnvIntOrDefault("SERVER_WRITE_TIMEOUT", 30)
	cfg.ServerConfig.ShutdownTimeout = getEnvIntOrDefault("SERVER_SHUTDOWN_TIMEOUT", 10)

	// Auth config
	cfg.AuthConfig.Enabled = getEnvOrDefault("AUTH_ENABLED", "false") == "true"
	cfg.AuthConfig.JWTSecret = getEnvOrDefault("AUTH_JWT_SECRET", cfg.AuthConfig.JWTSecret)
	cfg.AuthConfig.OperatorPasswordHash = getEnvOrDefault("AUTH_OPERATOR_PASSWORD_HASH", cfg.AuthConfig.OperatorPasswordHash)
	cfg.AuthConfig.AccessTokenDuration = getEnvDurationOrDefault("AUTH_ACCESS_TOKEN_DURATION", 12*time.Hour)

	// Vault config
	cfg.VaultConfig.Enabled = getEnvOrDefault("VAULT_ENABLED", "false") == "true"
	cfg.VaultConfig.Address = getEnvOrDefault("VAULT_ADDR", "http://localhost:8200")
	cfg.VaultConfig.Token = getEnvOrDefault("VAULT_TOKEN", cfg.VaultConfig.Token)
	cfg.VaultConfig.MountPath = getEnvOrDefault("VAULT_MOUNT_PATH", "secret")
	cfg.VaultConfig.SecretPath = getEnvOrDefault("VAULT_SECRET_PATH", "trading-bot/upbit")
	cfg.VaultConfig.TLSEnabled = getEnvOrDefault("VAULT_TLS_ENABLED", "false") == "true"
	cfg.VaultConfig.CACert = getEnvOrDefault("VAULT_CA_CERT", cfg.VaultConfig.CACert)

	// Redis config
	cfg.RedisConfig.Enabled = getEnvOrDefault("REDIS_ENABLED", "false") == "true"
	cfg.RedisConfig.Address = getEnvOrDefault("REDIS_ADDRESS", "localhost:6379")
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.RedisConfig.Password)
	cfg.RedisConfig.DB = getEnvIntOrDefault("REDIS_DB", 0)
	cfg.RedisConfig.PoolSize = getEnvIntOrDefault("REDIS_POOL_SIZE", 10)

	// Database config
	cfg.DatabaseConfig.Host = getEnvOrDefault("DB_HOST", "localhost")
	cfg.DatabaseConfig.Port = getEnvIntOrDefault("DB_PORT", 5432)
	cfg.DatabaseConfig.User = getEnvOrDefault("DB_USER", "trading")
	cfg.DatabaseConfig.Password = getEnvOrDefault("DB_PASSWORD", cfg.DatabaseConfig.Password)
	cfg.DatabaseConfig.Database = getEnvOrDefault("DB_NAME", "upbit_trading")
	cfg.DatabaseConfig.SSLMode = getEnvOrDefault("DB_SSL_MODE", "disable")
}

// applyDefaults fills in values that must never be zero regardless of source.
func applyDefaults(cfg *Config) {
	if cfg.UpbitConfig.BaseURL == "" {
		cfg.UpbitConfig.BaseURL = "https://api.upbit.com"
	}
	if cfg.TradingConfig.MinOrderAmountKRW <= 0 {
		cfg.TradingConfig.MinOrderAmountKRW = 5100
	}
	// Pending timeout is bounded to [10, 120] seconds.
	if cfg.PendingOrderConfig.TimeoutSeconds < 10 {
		cfg.PendingOrderConfig.TimeoutSeconds = 10
	}
	if cfg.PendingOrderConfig.TimeoutSeconds > 120 {
		cfg.PendingOrderConfig.TimeoutSeconds = 120
	}
}

func loadFromFile(filename string) (*Config, error) {
	file, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config Config
	if err := json.Unmarshal(file, &config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return &config, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
