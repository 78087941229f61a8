package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// DefaultConfigFile is read when CBB_CONFIG is not set.
const DefaultConfigFile = "config.json"

type Config struct {
	PipelineConfig     PipelineConfig     `json:"pipeline"`
	LoggingConfig      LoggingConfig      `json:"logging"`
	DetectorConfig     DetectorConfig     `json:"detector"`
	StatusConfig       StatusConfig       `json:"status"`
	SimulationConfig   SimulationConfig   `json:"simulation"`
	DatabaseConfig     DatabaseConfig     `json:"database"`
	RedisConfig        RedisConfig        `json:"redis"`
	NotificationConfig NotificationConfig `json:"notification"`
	ServerConfig       ServerConfig       `json:"server"`
	AuthConfig         AuthConfig         `json:"auth"`
	BinanceConfig      BinanceConfig      `json:"binance"`
}

// PipelineConfig selects what a run downloads, detects and simulates
type PipelineConfig struct {
	RunID        string   `json:"run_id"`
	Symbols      []string `json:"symbols" validate:"min=1,dive,required,alphanum"`
	Timeframes   []string `json:"timeframes" validate:"min=1,dive,required"`
	Source       string   `json:"source" validate:"oneof=binance csv"` // csv reads <data_dir>/<SYMBOL>_1m.csv
	DataDir      string   `json:"data_dir" validate:"required_if=Source csv"`
	StartDate    string   `json:"start_date" validate:"omitempty,datetime=2006-01-02"`
	EndDate      string   `json:"end_date" validate:"omitempty,datetime=2006-01-02"`
	LookbackDays int      `json:"lookback_days" validate:"gte=1"`
	ExportCSV    string   `json:"export_csv"` // Opportunities CSV written after the status pass
}

type LoggingConfig struct {
	Level       string `json:"level" validate:"omitempty,oneof=DEBUG INFO WARN ERROR FATAL debug info warn error fatal"`
	Output      string `json:"output"`       // stdout, stderr, or file path
	JSONFormat  bool   `json:"json_format"`  // Output as JSON
	IncludeFile bool   `json:"include_file"` // Include file and line number
}

// DetectorConfig holds pattern detection and target settings
type DetectorConfig struct {
	DetectEngulfing  bool    `json:"detect_engulfing"`
	AlertThreshold   float64 `json:"alert_threshold" validate:"gte=0"`
	ReferenceLineCap int     `json:"reference_line_cap" validate:"gte=1"`
	RetracementRatio float64 `json:"retracement_ratio" validate:"gt=0,lt=1"`
}

// StatusConfig holds status processor settings
type StatusConfig struct {
	Workers            int           `json:"workers" validate:"gte=1,lte=256"`
	MaxPendingDuration time.Duration `json:"max_pending_duration" validate:"gt=0"`
}

// SizingConfig mirrors backtest.SizingConfig
type SizingConfig struct {
	Mode            string  `json:"mode" validate:"omitempty,oneof=fixed_quantity quantity fixed_dollar dollar percent_of_bankroll percent"`
	Quantity        float64 `json:"quantity" validate:"gte=0"`
	Amount          float64 `json:"amount" validate:"gte=0"`
	Percent         float64 `json:"percent" validate:"gte=0,lte=100"`
	DescalingFactor float64 `json:"descaling_factor" validate:"gte=0,lte=1"`
}

// DrawdownConfig mirrors backtest.DrawdownLimit. A zero percent disables it.
type DrawdownConfig struct {
	Percent         float64       `json:"percent" validate:"gte=0,lte=100"`
	Adaptive        bool          `json:"adaptive"`
	MaxPercent      float64       `json:"max_percent" validate:"gte=0,lte=100"`
	UsePendingTime  bool          `json:"use_pending_time"`
	UseTriggerTime  bool          `json:"use_trigger_time"`
	PendingWeight   float64       `json:"pending_weight" validate:"gte=0,lte=100"`
	PendingTimeHigh time.Duration `json:"pending_time_high" validate:"gte=0"`
	TriggerTimeHigh time.Duration `json:"trigger_time_high" validate:"gte=0"`
}

// SimulationConfig holds position/bankroll simulator settings
type SimulationConfig struct {
	StartingBankroll   float64        `json:"starting_bankroll" validate:"gt=0"`
	FeeRate            float64        `json:"fee_rate" validate:"gte=0,lt=1"`
	Sizing             SizingConfig   `json:"sizing"`
	AllowedSituations  []string       `json:"allowed_situations" validate:"dive,oneof=1v1 engulfing"`
	AlertingOnly       bool           `json:"alerting_only"`
	MinPendingAge      time.Duration  `json:"min_pending_age" validate:"gte=0"`
	MaxPendingAge      time.Duration  `json:"max_pending_age" validate:"gte=0"`
	AvoidGroups        bool           `json:"avoid_groups"`
	GroupSimilarity    float64        `json:"group_similarity" validate:"gt=0,lte=1"`
	DoubleDownLevels   []string       `json:"double_down_levels" validate:"dive,oneof=fib_0.5 fib_0.0 fib_-0.5 fib_-1.0"`
	StopLevels         []string       `json:"stop_levels" validate:"dive,oneof=fib_0.5 fib_0.0 fib_-0.5 fib_-1.0"`
	MaxHold            time.Duration  `json:"max_hold" validate:"gte=0"`
	MaxDrawdown        DrawdownConfig `json:"max_drawdown"`
	CheckpointInterval int            `json:"checkpoint_interval" validate:"gte=0"`
	CheckpointBackend  string         `json:"checkpoint_backend" validate:"oneof=file redis memory"`
	CheckpointDir      string         `json:"checkpoint_dir"`
	ReportDir          string         `json:"report_dir"`
}

// DatabaseConfig holds PostgreSQL settings. Disabled means the in-memory store.
type DatabaseConfig struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host" validate:"required_if=Enabled true"`
	Port     int    `json:"port" validate:"gte=0,lte=65535"`
	User     string `json:"user"`
	Password string `json:"password"`
	Name     string `json:"name" validate:"required_if=Enabled true"`
	SSLMode  string `json:"ssl_mode" validate:"omitempty,oneof=disable allow prefer require verify-ca verify-full"`
	MaxConns int32  `json:"max_conns" validate:"gte=0"`
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
	WebhookURL string `json:"webhook_url" validate:"omitempty,url"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Enabled         bool   `json:"enabled"`
	Port            int    `json:"port" validate:"gte=0,lte=65535"`
	Host            string `json:"host"`
	AllowedOrigins  string `json:"allowed_origins"` // CORS allowed origins
	ProductionMode  bool   `json:"production_mode"`
	ReadTimeout     int    `json:"read_timeout"`     // Seconds
	WriteTimeout    int    `json:"write_timeout"`    // Seconds
	ShutdownTimeout int    `json:"shutdown_timeout"` // Seconds
}

// AuthConfig holds API authentication configuration
type AuthConfig struct {
	Enabled             bool          `json:"enabled"`
	JWTSecret           string        `json:"jwt_secret" validate:"required_if=Enabled true"`
	AccessTokenDuration time.Duration `json:"access_token_duration"`
}

type BinanceConfig struct {
	BaseURL        string        `json:"base_url" validate:"omitempty,url"`
	MockMode       bool          `json:"mock_mode"` // Use simulated bars instead of the exchange
	RequestsPerSec float64       `json:"requests_per_sec" validate:"gte=0"`
	MaxRetries     int           `json:"max_retries" validate:"gte=0"`
	Timeout        time.Duration `json:"timeout"`
	CacheKlines    bool          `json:"cache_klines"`
}

// RedisConfig holds Redis configuration for checkpoints and kline caching
type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address" validate:"required_if=Enabled true"`
	Password string `json:"password"`
	DB       int    `json:"db" validate:"gte=0"`
	PoolSize int    `json:"pool_size" validate:"gte=0"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		PipelineConfig: PipelineConfig{
			Symbols:      []string{"BTCUSDT", "ETHUSDT"},
			Timeframes:   []string{"1h", "4h", "1d"},
			Source:       "binance",
			LookbackDays: 30,
		},
		LoggingConfig: LoggingConfig{
			Level:      "INFO",
			Output:     "stdout",
			JSONFormat: true,
		},
		DetectorConfig: DetectorConfig{
			DetectEngulfing:  true,
			AlertThreshold:   0.4,
			ReferenceLineCap: 50,
			RetracementRatio: 0.618,
		},
		StatusConfig: StatusConfig{
			Workers:            4,
			MaxPendingDuration: 7 * 24 * time.Hour,
		},
		SimulationConfig: SimulationConfig{
			StartingBankroll: 10000,
			FeeRate:          0.0003,
			Sizing: SizingConfig{
				Mode:     "percent_of_bankroll",
				Quantity: 0.2,
				Amount:   50,
				Percent:  70,
			},
			GroupSimilarity: 0.983,
			MaxDrawdown: DrawdownConfig{
				MaxPercent:      8,
				UsePendingTime:  true,
				UseTriggerTime:  true,
				PendingWeight:   50,
				PendingTimeHigh: 100 * 24 * time.Hour,
				TriggerTimeHigh: time.Hour,
			},
			CheckpointInterval: 1440,
			CheckpointBackend:  "file",
			CheckpointDir:      "checkpoints",
			ReportDir:          "reports",
		},
		DatabaseConfig: DatabaseConfig{
			Host:    "localhost",
			Port:    5432,
			User:    "postgres",
			Name:    "candle_break",
			SSLMode: "disable",
		},
		RedisConfig: RedisConfig{
			Address:  "localhost:6379",
			PoolSize: 10,
		},
		ServerConfig: ServerConfig{
			Port:            8080,
			Host:            "0.0.0.0",
			AllowedOrigins:  "*",
			ReadTimeout:     30,
			WriteTimeout:    30,
			ShutdownTimeout: 10,
		},
		AuthConfig: AuthConfig{
			AccessTokenDuration: 24 * time.Hour,
		},
		BinanceConfig: BinanceConfig{
			BaseURL:        "https://api.binance.com",
			RequestsPerSec: 10,
			MaxRetries:     5,
			Timeout:        10 * time.Second,
		},
	}
}

// Load reads the config file, applies .env and environment overrides, and
// validates the result.
func Load() (*Config, error) {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	path := getEnvOrDefault("CBB_CONFIG", DefaultConfigFile)
	cfg, err := loadFromFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		cfg = Default()
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the struct tags of every section.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides to the config
func applyEnvOverrides(cfg *Config) {
	// Pipeline config
	p := &cfg.PipelineConfig
	p.RunID = getEnvOrDefault("PIPELINE_RUN_ID", p.RunID)
	p.Symbols = getEnvListOrDefault("PIPELINE_SYMBOLS", p.Symbols)
	p.Timeframes = getEnvListOrDefault("PIPELINE_TIMEFRAMES", p.Timeframes)
	p.Source = getEnvOrDefault("PIPELINE_SOURCE", p.Source)
	p.DataDir = getEnvOrDefault("PIPELINE_DATA_DIR", p.DataDir)
	p.StartDate = getEnvOrDefault("PIPELINE_START_DATE", p.StartDate)
	p.EndDate = getEnvOrDefault("PIPELINE_END_DATE", p.EndDate)
	p.LookbackDays = getEnvIntOrDefault("PIPELINE_LOOKBACK_DAYS", p.LookbackDays)
	p.ExportCSV = getEnvOrDefault("PIPELINE_EXPORT_CSV", p.ExportCSV)

	// Logging config
	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", cfg.LoggingConfig.Level)
	cfg.LoggingConfig.Output = getEnvOrDefault("LOG_OUTPUT", cfg.LoggingConfig.Output)
	cfg.LoggingConfig.JSONFormat = getEnvBoolOrDefault("LOG_JSON", cfg.LoggingConfig.JSONFormat)
	cfg.LoggingConfig.IncludeFile = getEnvBoolOrDefault("LOG_INCLUDE_FILE", cfg.LoggingConfig.IncludeFile)

	// Detector config
	cfg.DetectorConfig.DetectEngulfing = getEnvBoolOrDefault("DETECT_ENGULFING", cfg.DetectorConfig.DetectEngulfing)
	cfg.DetectorConfig.AlertThreshold = getEnvFloatOrDefault("ALERT_THRESHOLD", cfg.DetectorConfig.AlertThreshold)
	cfg.DetectorConfig.ReferenceLineCap = getEnvIntOrDefault("REFERENCE_LINE_CAP", cfg.DetectorConfig.ReferenceLineCap)

	// Status config
	cfg.StatusConfig.Workers = getEnvIntOrDefault("STATUS_WORKERS", cfg.StatusConfig.Workers)
	cfg.StatusConfig.MaxPendingDuration = getEnvDurationOrDefault("STATUS_MAX_PENDING", cfg.StatusConfig.MaxPendingDuration)

	// Simulation config
	sim := &cfg.SimulationConfig
	sim.StartingBankroll = getEnvFloatOrDefault("SIM_STARTING_BANKROLL", sim.StartingBankroll)
	sim.FeeRate = getEnvFloatOrDefault("SIM_FEE_RATE", sim.FeeRate)
	sim.Sizing.Mode = getEnvOrDefault("SIM_SIZING_MODE", sim.Sizing.Mode)
	sim.Sizing.Quantity = getEnvFloatOrDefault("SIM_SIZING_QUANTITY", sim.Sizing.Quantity)
	sim.Sizing.Amount = getEnvFloatOrDefault("SIM_SIZING_AMOUNT", sim.Sizing.Amount)
	sim.Sizing.Percent = getEnvFloatOrDefault("SIM_SIZING_PERCENT", sim.Sizing.Percent)
	sim.StopLevels = getEnvListOrDefault("SIM_STOP_LEVELS", sim.StopLevels)
	sim.DoubleDownLevels = getEnvListOrDefault("SIM_DOUBLE_DOWN_LEVELS", sim.DoubleDownLevels)
	sim.AvoidGroups = getEnvBoolOrDefault("SIM_AVOID_GROUPS", sim.AvoidGroups)
	sim.MaxDrawdown.Percent = getEnvFloatOrDefault("SIM_MAX_DRAWDOWN_PERCENT", sim.MaxDrawdown.Percent)
	sim.MaxDrawdown.Adaptive = getEnvBoolOrDefault("SIM_ADAPTIVE_DRAWDOWN", sim.MaxDrawdown.Adaptive)
	sim.MaxHold = getEnvDurationOrDefault("SIM_MAX_HOLD", sim.MaxHold)
	sim.MinPendingAge = getEnvDurationOrDefault("SIM_MIN_PENDING_AGE", sim.MinPendingAge)
	sim.MaxPendingAge = getEnvDurationOrDefault("SIM_MAX_PENDING_AGE", sim.MaxPendingAge)
	sim.CheckpointInterval = getEnvIntOrDefault("SIM_CHECKPOINT_INTERVAL", sim.CheckpointInterval)
	sim.CheckpointBackend = getEnvOrDefault("SIM_CHECKPOINT_BACKEND", sim.CheckpointBackend)
	sim.CheckpointDir = getEnvOrDefault("SIM_CHECKPOINT_DIR", sim.CheckpointDir)
	sim.ReportDir = getEnvOrDefault("SIM_REPORT_DIR", sim.ReportDir)

	// Database config
	db := &cfg.DatabaseConfig
	db.Enabled = getEnvBoolOrDefault("DB_ENABLED", db.Enabled)
	db.Host = getEnvOrDefault("DB_HOST", db.Host)
	db.Port = getEnvIntOrDefault("DB_PORT", db.Port)
	db.User = getEnvOrDefault("DB_USER", db.User)
	db.Password = getEnvOrDefault("DB_PASSWORD", db.Password)
	db.Name = getEnvOrDefault("DB_NAME", db.Name)
	db.SSLMode = getEnvOrDefault("DB_SSLMODE", db.SSLMode)

	// Redis config
	cfg.RedisConfig.Enabled = getEnvBoolOrDefault("REDIS_ENABLED", cfg.RedisConfig.Enabled)
	cfg.RedisConfig.Address = getEnvOrDefault("REDIS_ADDR", cfg.RedisConfig.Address)
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.RedisConfig.Password)
	cfg.RedisConfig.DB = getEnvIntOrDefault("REDIS_DB", cfg.RedisConfig.DB)

	// Notification config
	n := &cfg.NotificationConfig
	n.Enabled = getEnvBoolOrDefault("NOTIFICATIONS_ENABLED", n.Enabled)
	n.Telegram.Enabled = getEnvBoolOrDefault("TELEGRAM_ENABLED", n.Telegram.Enabled)
	n.Telegram.BotToken = getEnvOrDefault("TELEGRAM_BOT_TOKEN", n.Telegram.BotToken)
	n.Telegram.ChatID = getEnvOrDefault("TELEGRAM_CHAT_ID", n.Telegram.ChatID)
	n.Discord.Enabled = getEnvBoolOrDefault("DISCORD_ENABLED", n.Discord.Enabled)
	n.Discord.WebhookURL = getEnvOrDefault("DISCORD_WEBHOOK_URL", n.Discord.WebhookURL)

	// Server config
	cfg.ServerConfig.Enabled = getEnvBoolOrDefault("WEB_ENABLED", cfg.ServerConfig.Enabled)
	cfg.ServerConfig.Port = getEnvIntOrDefault("WEB_PORT", cfg.ServerConfig.Port)
	cfg.ServerConfig.Host = getEnvOrDefault("WEB_HOST", cfg.ServerConfig.Host)
	cfg.ServerConfig.AllowedOrigins = getEnvOrDefault("SERVER_ALLOWED_ORIGINS", cfg.ServerConfig.AllowedOrigins)
	cfg.ServerConfig.ProductionMode = getEnvBoolOrDefault("SERVER_PRODUCTION", cfg.ServerConfig.ProductionMode)

	// Auth config
	cfg.AuthConfig.Enabled = getEnvBoolOrDefault("AUTH_ENABLED", cfg.AuthConfig.Enabled)
	cfg.AuthConfig.JWTSecret = getEnvOrDefault("AUTH_JWT_SECRET", cfg.AuthConfig.JWTSecret)
	cfg.AuthConfig.AccessTokenDuration = getEnvDurationOrDefault("AUTH_ACCESS_TOKEN_DURATION", cfg.AuthConfig.AccessTokenDuration)

	// Binance config
	cfg.BinanceConfig.BaseURL = getEnvOrDefault("BINANCE_BASE_URL", cfg.BinanceConfig.BaseURL)
	cfg.BinanceConfig.MockMode = getEnvBoolOrDefault("MOCK_MODE", cfg.BinanceConfig.MockMode)
	cfg.BinanceConfig.RequestsPerSec = getEnvFloatOrDefault("BINANCE_REQUESTS_PER_SEC", cfg.BinanceConfig.RequestsPerSec)
	cfg.BinanceConfig.CacheKlines = getEnvBoolOrDefault("BINANCE_CACHE_KLINES", cfg.BinanceConfig.CacheKlines)
}

// loadFromFile starts from Default so a partial file only overrides what it names.
func loadFromFile(filename string) (*Config, error) {
	file, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}

	config := Default()
	if err := json.Unmarshal(file, config); err != nil {
		return nil, fmt.Errorf("error parsing config file %s: %w", filename, err)
	}

	return config, nil
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

// getEnvListOrDefault splits a comma-separated variable, dropping blanks
func getEnvListOrDefault(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// GenerateSampleConfig writes the defaults as an editable config file
func GenerateSampleConfig(filename string) error {
	data, err := json.MarshalIndent(Default(), "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(filename, data, 0644)
}
