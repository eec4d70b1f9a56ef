package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Source   SourceConfig   `yaml:"source"`
	Sync     SyncConfig     `yaml:"sync"`
	Calls    CallsConfig    `yaml:"calls"`
	Events   EventsConfig   `yaml:"events"`
	Log      LogConfig      `yaml:"log"`
}

type ServerConfig struct {
	Port int    `yaml:"port"`
	Env  string `yaml:"env"`
}

// DatabaseConfig is the writable operational PostgreSQL database.
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Database, d.SSLMode,
	)
}

// SourceConfig is the read-only hospital information system (SQL Server).
type SourceConfig struct {
	Host            string `yaml:"host"`
	Port            int    `yaml:"port"`
	User            string `yaml:"user"`
	Password        string `yaml:"password"`
	Database        string `yaml:"database"`
	Encrypt         bool   `yaml:"encrypt"`
	InstitutionName string `yaml:"institution_name"`
	PatientTable    string `yaml:"patient_table"`
	StayTable       string `yaml:"stay_table"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	// PagesPerSecond paces page fetches; 0 disables pacing
	PagesPerSecond float64 `yaml:"pages_per_second"`
}

type SyncConfig struct {
	Interval   time.Duration `yaml:"interval"`
	Lookback   time.Duration `yaml:"lookback"`
	Overlap    time.Duration `yaml:"overlap"`
	CallOffset time.Duration `yaml:"call_offset"`
	BatchSize  int           `yaml:"batch_size"`
	LogSize    int           `yaml:"log_size"`
}

type CallsConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	RetryDelay  time.Duration `yaml:"retry_delay"`
}

// EventsConfig selects where domain events go: "none", "kurrentdb" or "redis".
type EventsConfig struct {
	Sink      string          `yaml:"sink"`
	KurrentDB KurrentDBConfig `yaml:"kurrentdb"`
	Redis     RedisConfig     `yaml:"redis"`
}

// KurrentDBConfig holds configuration for KurrentDB (EventStoreDB).
type KurrentDBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Insecure bool   `yaml:"insecure"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Prefix   string `yaml:"prefix"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Stream   string `yaml:"stream"`
	MaxLen   int64  `yaml:"max_len"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Defaults returns the configuration used when neither a file nor the
// environment sets a value.
func Defaults() Config {
	return Config{
		Server: ServerConfig{Port: 8080, Env: "development"},
		Database: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			User:     "followup",
			Password: "followup",
			Database: "followup",
			SSLMode:  "disable",
			MaxConns: 25,
			MinConns: 5,
		},
		Source: SourceConfig{
			Port:            1433,
			Database:        "Heliant",
			InstitutionName: "Opsta bolnica",
			PatientTable:    "dbo.Patients",
			StayTable:       "dbo.Hospitalizations",
			MaxOpenConns:    4,
			MaxIdleConns:    2,
			PagesPerSecond:  5,
		},
		Sync: SyncConfig{
			Interval:   15 * time.Minute,
			Lookback:   7 * 24 * time.Hour,
			Overlap:    time.Hour,
			CallOffset: 72 * time.Hour,
			BatchSize:  1000,
			LogSize:    100,
		},
		Calls: CallsConfig{
			MaxAttempts: 3,
			RetryDelay:  2 * time.Hour,
		},
		Events: EventsConfig{
			Sink: "none",
			KurrentDB: KurrentDBConfig{
				Host:     "localhost",
				Port:     2113,
				Insecure: true,
				Prefix:   "followup",
			},
			Redis: RedisConfig{
				Addr:   "localhost:6379",
				Stream: "followup:events",
				MaxLen: 10000,
			},
		},
		Log: LogConfig{Level: "info", Format: "json"},
	}
}

// Load builds the configuration from defaults, an optional YAML file named
// by FOLLOWUP_CONFIG, and the environment (highest precedence). A .env file
// in the working directory is loaded first if present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := Defaults()
	if path := os.Getenv("FOLLOWUP_CONFIG"); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return nil, err
		}
	}
	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func applyEnv(c *Config) {
	c.Server.Port = getEnvInt("SERVER_PORT", c.Server.Port)
	c.Server.Env = getEnv("ENV", c.Server.Env)

	c.Database.Host = getEnv("DB_HOST", c.Database.Host)
	c.Database.Port = getEnvInt("DB_PORT", c.Database.Port)
	c.Database.User = getEnv("DB_USER", c.Database.User)
	c.Database.Password = getEnv("DB_PASSWORD", c.Database.Password)
	c.Database.Database = getEnv("DB_NAME", c.Database.Database)
	c.Database.SSLMode = getEnv("DB_SSLMODE", c.Database.SSLMode)
	c.Database.MaxConns = getEnvInt("DB_MAX_CONNS", c.Database.MaxConns)
	c.Database.MinConns = getEnvInt("DB_MIN_CONNS", c.Database.MinConns)

	c.Source.Host = getEnv("SOURCE_HOST", c.Source.Host)
	c.Source.Port = getEnvInt("SOURCE_PORT", c.Source.Port)
	c.Source.User = getEnv("SOURCE_USER", c.Source.User)
	c.Source.Password = getEnv("SOURCE_PASSWORD", c.Source.Password)
	c.Source.Database = getEnv("SOURCE_DB", c.Source.Database)
	c.Source.Encrypt = getEnvBool("SOURCE_ENCRYPT", c.Source.Encrypt)
	c.Source.InstitutionName = getEnv("SOURCE_INSTITUTION", c.Source.InstitutionName)
	c.Source.PatientTable = getEnv("SOURCE_PATIENT_TABLE", c.Source.PatientTable)
	c.Source.StayTable = getEnv("SOURCE_STAY_TABLE", c.Source.StayTable)
	c.Source.MaxOpenConns = getEnvInt("SOURCE_MAX_OPEN_CONNS", c.Source.MaxOpenConns)
	c.Source.MaxIdleConns = getEnvInt("SOURCE_MAX_IDLE_CONNS", c.Source.MaxIdleConns)
	c.Source.PagesPerSecond = getEnvFloat("SOURCE_PAGES_PER_SECOND", c.Source.PagesPerSecond)

	c.Sync.Interval = getEnvDuration("SYNC_INTERVAL", c.Sync.Interval)
	c.Sync.Lookback = getEnvDuration("SYNC_LOOKBACK", c.Sync.Lookback)
	c.Sync.Overlap = getEnvDuration("SYNC_OVERLAP", c.Sync.Overlap)
	c.Sync.CallOffset = getEnvDuration("SYNC_CALL_OFFSET", c.Sync.CallOffset)
	c.Sync.BatchSize = getEnvInt("SYNC_BATCH_SIZE", c.Sync.BatchSize)
	c.Sync.LogSize = getEnvInt("SYNC_LOG_SIZE", c.Sync.LogSize)

	c.Calls.MaxAttempts = getEnvInt("CALL_MAX_ATTEMPTS", c.Calls.MaxAttempts)
	c.Calls.RetryDelay = getEnvDuration("CALL_RETRY_DELAY", c.Calls.RetryDelay)

	c.Events.Sink = getEnv("EVENTS_SINK", c.Events.Sink)
	c.Events.KurrentDB.Host = getEnv("KURRENTDB_HOST", c.Events.KurrentDB.Host)
	c.Events.KurrentDB.Port = getEnvInt("KURRENTDB_PORT", c.Events.KurrentDB.Port)
	c.Events.KurrentDB.Insecure = getEnvBool("KURRENTDB_INSECURE", c.Events.KurrentDB.Insecure)
	c.Events.KurrentDB.Username = getEnv("KURRENTDB_USERNAME", c.Events.KurrentDB.Username)
	c.Events.KurrentDB.Password = getEnv("KURRENTDB_PASSWORD", c.Events.KurrentDB.Password)
	c.Events.Redis.Addr = getEnv("REDIS_ADDR", c.Events.Redis.Addr)
	c.Events.Redis.Password = getEnv("REDIS_PASSWORD", c.Events.Redis.Password)
	c.Events.Redis.DB = getEnvInt("REDIS_DB", c.Events.Redis.DB)
	c.Events.Redis.Stream = getEnv("REDIS_STREAM", c.Events.Redis.Stream)

	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("LOG_FORMAT", c.Log.Format)
}

// Validate rejects settings the core cannot run with.
func (c *Config) Validate() error {
	var problems []string
	if c.Sync.Interval <= 0 {
		problems = append(problems, "sync interval must be positive")
	}
	if c.Sync.BatchSize <= 0 {
		problems = append(problems, "sync batch size must be positive")
	}
	if c.Sync.CallOffset < 0 {
		problems = append(problems, "call offset must not be negative")
	}
	if c.Calls.MaxAttempts <= 0 {
		problems = append(problems, "max call attempts must be positive")
	}
	switch c.Events.Sink {
	case "none", "kurrentdb", "redis":
	default:
		problems = append(problems, fmt.Sprintf("unknown events sink %q", c.Events.Sink))
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("90m") or bare minutes ("15").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if m, err := strconv.Atoi(value); err == nil {
		return time.Duration(m) * time.Minute
	}
	return defaultValue
}
