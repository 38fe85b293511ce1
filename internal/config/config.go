package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config holds application configuration
// アプリケーション設定を保持
type Config struct {
	Database   DatabaseConfig   `yaml:"database"`
	API        APIConfig        `yaml:"api"`
	Storage    StorageConfig    `yaml:"storage"`
	Ledger     LedgerConfig     `yaml:"ledger"`
	Allocation AllocationConfig `yaml:"allocation"`
	Stocktake  StocktakeConfig  `yaml:"stocktake"`
	Registry   RegistryConfig   `yaml:"registry"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// DatabaseConfig holds database configuration
// データベース設定を保持
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	DBName          string        `yaml:"dbname"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// APIConfig holds API server configuration
// APIサーバー設定を保持
type APIConfig struct {
	Port          int           `yaml:"port"`
	ReadTimeout   time.Duration `yaml:"read_timeout"`
	WriteTimeout  time.Duration `yaml:"write_timeout"`
	IdleTimeout   time.Duration `yaml:"idle_timeout"`
	EnableCORS    bool          `yaml:"enable_cors"`
	EnableMetrics bool          `yaml:"enable_metrics"`
}

// StorageConfig selects the storage driver
// ストレージドライバー設定
type StorageConfig struct {
	Driver string `yaml:"driver"` // postgres, memory
}

// LedgerConfig holds inventory ledger configuration
// 在庫台帳設定を保持
type LedgerConfig struct {
	AllowNegativeStock bool `yaml:"allow_negative_stock"`
	AuditEnabled       bool `yaml:"audit_enabled"`
}

// AllocationConfig holds put-away and picking configuration
// 格納・ピッキング設定を保持
type AllocationConfig struct {
	MinSplittableQuantity string   `yaml:"min_splittable_quantity"` // この数量を超える明細のみ分割可能
	SerialPrefixes        []string `yaml:"serial_prefixes"`         // シリアル管理対象の品目コード接頭辞
	ValidateLocations     bool     `yaml:"validate_locations"`      // 確定時にロケーション存在チェック
}

// SplitThreshold parses MinSplittableQuantity
func (c AllocationConfig) SplitThreshold() (decimal.Decimal, error) {
	return decimal.NewFromString(c.MinSplittableQuantity)
}

// StocktakeConfig holds stock-take monitoring configuration
// 棚卸監視設定を保持
type StocktakeConfig struct {
	ProgressCron string        `yaml:"progress_cron"` // 進捗集計のcron式
	StaleAfter   time.Duration `yaml:"stale_after"`   // 実地棚卸の滞留警告までの時間
}

// RegistryConfig selects where locations come from
// ロケーション台帳設定を保持
type RegistryConfig struct {
	Mode    string        `yaml:"mode"` // local, remote
	BaseURL string        `yaml:"base_url"`
	Token   string        `yaml:"token"`
	Timeout time.Duration `yaml:"timeout"`
}

// LoggingConfig holds logging configuration
// ログ設定を保持
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json, console
	Output string `yaml:"output"` // stdout, stderr, ファイルパス
}

// Default returns the configuration used when nothing is set
// 既定の設定を返す
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            5432,
			User:            "warehouse",
			Password:        "password",
			DBName:          "warehouse_db",
			SSLMode:         "disable",
			MaxOpenConns:    25,
			MaxIdleConns:    10,
			ConnMaxLifetime: 5 * time.Minute,
		},
		API: APIConfig{
			Port:          8080,
			ReadTimeout:   30 * time.Second,
			WriteTimeout:  30 * time.Second,
			IdleTimeout:   60 * time.Second,
			EnableCORS:    true,
			EnableMetrics: true,
		},
		Storage: StorageConfig{Driver: "postgres"},
		Ledger: LedgerConfig{
			AllowNegativeStock: false,
			AuditEnabled:       true,
		},
		Allocation: AllocationConfig{
			MinSplittableQuantity: "1",
			ValidateLocations:     true,
		},
		Stocktake: StocktakeConfig{
			ProgressCron: "*/5 * * * *",
			StaleAfter:   24 * time.Hour,
		},
		Registry: RegistryConfig{
			Mode:    "local",
			Timeout: 10 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// Load loads configuration. Values come from the defaults, then the optional
// YAML file at path, then environment variables (a .env file in the working
// directory is loaded first if present).
// 設定を読み込み（既定値 → YAMLファイル → 環境変数の順に上書き）
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf(".envファイルの読み込みに失敗しました: %w", err)
	}

	cfg := Default()

	if path == "" {
		path = os.Getenv("CONFIG_FILE")
	}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("設定ファイルの読み込みに失敗しました: %w", err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("設定ファイルのパースに失敗しました: %w", err)
		}
	}

	cfg.applyEnv()

	// バリデーション
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("設定バリデーションに失敗しました: %w", err)
	}

	return cfg, nil
}

// applyEnv overrides fields with environment variables when they are set
func (c *Config) applyEnv() {
	c.Database.Host = getEnv("DB_HOST", c.Database.Host)
	c.Database.Port = getEnvAsInt("DB_PORT", c.Database.Port)
	c.Database.User = getEnv("DB_USER", c.Database.User)
	c.Database.Password = getEnv("DB_PASSWORD", c.Database.Password)
	c.Database.DBName = getEnv("DB_NAME", c.Database.DBName)
	c.Database.SSLMode = getEnv("DB_SSLMODE", c.Database.SSLMode)
	c.Database.MaxOpenConns = getEnvAsInt("DB_MAX_OPEN_CONNS", c.Database.MaxOpenConns)
	c.Database.MaxIdleConns = getEnvAsInt("DB_MAX_IDLE_CONNS", c.Database.MaxIdleConns)
	c.Database.ConnMaxLifetime = getEnvAsDuration("DB_CONN_MAX_LIFETIME", c.Database.ConnMaxLifetime)

	c.API.Port = getEnvAsInt("API_PORT", c.API.Port)
	c.API.ReadTimeout = getEnvAsDuration("API_READ_TIMEOUT", c.API.ReadTimeout)
	c.API.WriteTimeout = getEnvAsDuration("API_WRITE_TIMEOUT", c.API.WriteTimeout)
	c.API.IdleTimeout = getEnvAsDuration("API_IDLE_TIMEOUT", c.API.IdleTimeout)
	c.API.EnableCORS = getEnvAsBool("API_ENABLE_CORS", c.API.EnableCORS)
	c.API.EnableMetrics = getEnvAsBool("API_ENABLE_METRICS", c.API.EnableMetrics)

	c.Storage.Driver = getEnv("STORAGE_DRIVER", c.Storage.Driver)

	c.Ledger.AllowNegativeStock = getEnvAsBool("LEDGER_ALLOW_NEGATIVE_STOCK", c.Ledger.AllowNegativeStock)
	c.Ledger.AuditEnabled = getEnvAsBool("LEDGER_AUDIT_ENABLED", c.Ledger.AuditEnabled)

	c.Allocation.MinSplittableQuantity = getEnv("ALLOCATION_MIN_SPLITTABLE_QUANTITY", c.Allocation.MinSplittableQuantity)
	c.Allocation.SerialPrefixes = getEnvAsList("ALLOCATION_SERIAL_PREFIXES", c.Allocation.SerialPrefixes)
	c.Allocation.ValidateLocations = getEnvAsBool("ALLOCATION_VALIDATE_LOCATIONS", c.Allocation.ValidateLocations)

	c.Stocktake.ProgressCron = getEnv("STOCKTAKE_PROGRESS_CRON", c.Stocktake.ProgressCron)
	c.Stocktake.StaleAfter = getEnvAsDuration("STOCKTAKE_STALE_AFTER", c.Stocktake.StaleAfter)

	c.Registry.Mode = getEnv("REGISTRY_MODE", c.Registry.Mode)
	c.Registry.BaseURL = getEnv("REGISTRY_BASE_URL", c.Registry.BaseURL)
	c.Registry.Token = getEnv("REGISTRY_TOKEN", c.Registry.Token)
	c.Registry.Timeout = getEnvAsDuration("REGISTRY_TIMEOUT", c.Registry.Timeout)

	c.Logging.Level = getEnv("LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = getEnv("LOG_FORMAT", c.Logging.Format)
	c.Logging.Output = getEnv("LOG_OUTPUT", c.Logging.Output)
}

// Validate validates the configuration
// 設定をバリデーション
func (c *Config) Validate() error {
	// ストレージ設定チェック
	switch c.Storage.Driver {
	case "postgres":
		// データベース設定チェック
		if c.Database.Host == "" {
			return fmt.Errorf("データベースホストが指定されていません")
		}
		if c.Database.Port <= 0 || c.Database.Port > 65535 {
			return fmt.Errorf("無効なデータベースポート: %d", c.Database.Port)
		}
		if c.Database.User == "" {
			return fmt.Errorf("データベースユーザーが指定されていません")
		}
		if c.Database.DBName == "" {
			return fmt.Errorf("データベース名が指定されていません")
		}
	case "memory":
	default:
		return fmt.Errorf("無効なストレージドライバー: %s", c.Storage.Driver)
	}

	// API設定チェック
	if c.API.Port <= 0 || c.API.Port > 65535 {
		return fmt.Errorf("無効なAPIポート: %d", c.API.Port)
	}

	// 割当設定チェック
	threshold, err := c.Allocation.SplitThreshold()
	if err != nil {
		return fmt.Errorf("無効な分割可能数量: %s", c.Allocation.MinSplittableQuantity)
	}
	if threshold.IsNegative() {
		return fmt.Errorf("分割可能数量は0以上である必要があります")
	}

	// 棚卸設定チェック
	if c.Stocktake.ProgressCron != "" {
		if _, err := cron.ParseStandard(c.Stocktake.ProgressCron); err != nil {
			return fmt.Errorf("無効なcron式: %s", c.Stocktake.ProgressCron)
		}
	}
	if c.Stocktake.StaleAfter < 0 {
		return fmt.Errorf("滞留警告時間は0以上である必要があります")
	}

	// ロケーション台帳設定チェック
	switch c.Registry.Mode {
	case "local":
	case "remote":
		if c.Registry.BaseURL == "" {
			return fmt.Errorf("ロケーション台帳のURLが指定されていません")
		}
	default:
		return fmt.Errorf("無効なロケーション台帳モード: %s", c.Registry.Mode)
	}

	// ログ設定チェック
	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true, "fatal": true,
	}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("無効なログレベル: %s", c.Logging.Level)
	}

	validLogFormats := map[string]bool{
		"json": true, "console": true,
	}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("無効なログフォーマット: %s", c.Logging.Format)
	}

	return nil
}

// DSN generates PostgreSQL Data Source Name
// PostgreSQLデータソース名を生成
func (c *Config) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Database.Host,
		c.Database.Port,
		c.Database.User,
		c.Database.Password,
		c.Database.DBName,
		c.Database.SSLMode,
	)
}

// ヘルパー関数

// getEnv gets environment variable with default value
// デフォルト値付きで環境変数を取得
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets environment variable as integer with default value
// デフォルト値付きで環境変数を整数として取得
func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvAsBool gets environment variable as boolean with default value
// デフォルト値付きで環境変数をbooleanとして取得
func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// getEnvAsDuration gets environment variable as duration with default value
// デフォルト値付きで環境変数をdurationとして取得
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// getEnvAsList gets a comma separated environment variable with default value
// デフォルト値付きでカンマ区切りの環境変数をリストとして取得
func getEnvAsList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var list []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			list = append(list, part)
		}
	}
	return list
}
