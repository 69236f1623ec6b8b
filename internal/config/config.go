package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"kpiwatch/internal/logging"
	"kpiwatch/internal/threshold"
)

// Storage drivers.
const (
	DriverCSV      = "csv"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig              `mapstructure:"app"`
	Logging   logging.Config         `mapstructure:"logging"`
	Storage   StorageConfig          `mapstructure:"storage"`
	Database  DatabaseConfig         `mapstructure:"database"`
	Scheduler SchedulerConfig        `mapstructure:"scheduler"`
	History   HistoryConfig          `mapstructure:"history"`
	Snapshot  SnapshotConfig         `mapstructure:"snapshot"`
	Ingest    IngestConfig           `mapstructure:"ingest"`
	Alerting  AlertingConfig         `mapstructure:"alerting"`
	Metrics   MetricsConfig          `mapstructure:"metrics"`
	Export    ExportConfig           `mapstructure:"export"`
	Alerts    map[string]AlertConfig `mapstructure:"alerts"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// StorageConfig selects where history and the serving snapshot live.
type StorageConfig struct {
	Driver string       `mapstructure:"driver"`
	CSV    CSVConfig    `mapstructure:"csv"`
	SQLite SQLiteConfig `mapstructure:"sqlite"`
}

// CSVConfig locates the file backend.
type CSVConfig struct {
	HistoryPath     string `mapstructure:"history_path"`
	ArchiveDir      string `mapstructure:"archive_dir"`
	SnapshotPath    string `mapstructure:"snapshot_path"`
	CompressArchive bool   `mapstructure:"compress_archive"`
}

// SQLiteConfig locates the embedded database.
type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// SchedulerConfig governs refresh cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	Offset          time.Duration `mapstructure:"offset"`
	RunOnStart      bool          `mapstructure:"run_on_start"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
}

// HistoryConfig controls retention of the active history.
type HistoryConfig struct {
	RetentionDays  int  `mapstructure:"retention_days"`
	ArchiveEnabled bool `mapstructure:"archive_enabled"`
}

// SnapshotConfig sets the windows evaluated for the serving snapshot.
type SnapshotConfig struct {
	Windows []int  `mapstructure:"windows"`
	Workers int    `mapstructure:"workers"`
	Source  string `mapstructure:"source"`
}

// IngestConfig lists observation sources read on every refresh.
type IngestConfig struct {
	Sources []SourceConfig `mapstructure:"sources"`
}

// SourceConfig describes one observation source.
type SourceConfig struct {
	Name    string        `mapstructure:"name"`
	Type    string        `mapstructure:"type"`
	Path    string        `mapstructure:"path"`
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
	// Wide-table options.
	DateColumn string         `mapstructure:"date_column"`
	Section    string         `mapstructure:"section"`
	Columns    []ColumnConfig `mapstructure:"columns"`
}

// ColumnConfig maps a wide-table column onto a metric.
type ColumnConfig struct {
	Column    string `mapstructure:"column"`
	MetricKey string `mapstructure:"metric_key"`
	Label     string `mapstructure:"label"`
	ValueType string `mapstructure:"value_type"`
	Section   string `mapstructure:"section"`
}

// AlertingConfig defines alert routing.
type AlertingConfig struct {
	Enabled   bool           `mapstructure:"enabled"`
	MinStatus string         `mapstructure:"min_status"`
	Channels  []string       `mapstructure:"channels"`
	Telegram  TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// MetricsConfig exposes Prometheus metrics while the daemon runs.
type MetricsConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	// A missing .env is fine.
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("KPIWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("config")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "kpiwatch")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.max_size_mb", 50)
	v.SetDefault("logging.max_backups", 30)
	v.SetDefault("logging.max_age_days", 30)

	v.SetDefault("storage.driver", DriverCSV)
	v.SetDefault("storage.csv.history_path", "data/refresh/kpi_history.csv")
	v.SetDefault("storage.csv.archive_dir", "data/archive")
	v.SetDefault("storage.csv.snapshot_path", "data/refresh/kpi_serving_metrics.csv")
	v.SetDefault("storage.csv.compress_archive", false)
	v.SetDefault("storage.sqlite.path", "data/kpiwatch.db")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")

	v.SetDefault("scheduler.interval", "24h")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.offset", "6h")
	v.SetDefault("scheduler.run_on_start", false)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x6b706977))
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("history.retention_days", 730)
	v.SetDefault("history.archive_enabled", true)

	v.SetDefault("snapshot.windows", []int{1, 7, 30, 60})
	v.SetDefault("snapshot.workers", 0)
	v.SetDefault("snapshot.source", "window_rollup_from_history")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.min_status", "red")
	v.SetDefault("alerting.channels", []string{"telegram"})
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen_addr", ":9464")

	v.SetDefault("export.max_data_points", 5000)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.WeaklyTypedInput = true
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case DriverCSV:
		if c.Storage.CSV.HistoryPath == "" || c.Storage.CSV.SnapshotPath == "" {
			return fmt.Errorf("storage.csv.history_path and storage.csv.snapshot_path are required")
		}
	case DriverPostgres:
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	case DriverSQLite:
		if c.Storage.SQLite.Path == "" {
			return fmt.Errorf("storage.sqlite.path is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("storage.driver %q is not supported", c.Storage.Driver)
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if len(c.Snapshot.Windows) == 0 {
		return fmt.Errorf("snapshot.windows must not be empty")
	}
	for _, w := range c.Snapshot.Windows {
		if w <= 0 {
			return fmt.Errorf("snapshot.windows must be positive, got %d", w)
		}
	}
	if c.Snapshot.Workers < 0 {
		return fmt.Errorf("snapshot.workers cannot be negative")
	}
	if _, err := threshold.ParseStatus(c.Alerting.MinStatus); err != nil {
		return fmt.Errorf("alerting.min_status: %w", err)
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token 必须配置")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id 必须配置")
		}
	}
	for i, src := range c.Ingest.Sources {
		if err := src.validate(); err != nil {
			return fmt.Errorf("ingest.sources[%d]: %w", i, err)
		}
	}
	if _, err := c.Thresholds(); err != nil {
		return err
	}
	return nil
}

func (s SourceConfig) validate() error {
	switch s.Type {
	case "file", "wide":
		if s.Path == "" {
			return fmt.Errorf("path is required for %s sources", s.Type)
		}
		if s.Type == "wide" && len(s.Columns) == 0 {
			return fmt.Errorf("columns are required for wide sources")
		}
	case "http":
		if s.URL == "" {
			return fmt.Errorf("url is required for http sources")
		}
	default:
		return fmt.Errorf("unknown source type %q", s.Type)
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}

// ResolveWindows returns either the CLI override or configured windows.
func (c *Config) ResolveWindows(override []int) []int {
	if len(override) > 0 {
		return override
	}
	return c.Snapshot.Windows
}
