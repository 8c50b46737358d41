package config

import (
	"errors"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// Local store drivers understood by the device agent.
const (
	StoreDriverSQLite = "sqlite"
	StoreDriverRedis  = "redis"
	StoreDriverMemory = "memory"
)

type Config struct {
	Env string

	Server   ServerConfig
	Agent    AgentConfig
	Database DatabaseConfig
	Redis    RedisConfig
	CORS     CORSConfig
	Log      LogConfig
	Store    StoreConfig
	Remote   RemoteConfig
	Sync     SyncConfig
}

// ServerConfig configures the reference remote record server.
type ServerConfig struct {
	Port      int
	APIPrefix string
}

// AgentConfig configures the per-device sync agent API consumed by the browser client.
type AgentConfig struct {
	Port      int
	APIPrefix string
}

type DatabaseConfig struct {
	Host         string
	Port         int
	User         string
	Password     string
	Name         string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

type CORSConfig struct {
	AllowedOrigins []string
}

type LogConfig struct {
	Level  string
	Format string
}

// StoreConfig selects the durable local store backing the sync queue.
type StoreConfig struct {
	Driver      string
	SQLitePath  string
	RedisPrefix string
	Compress    bool
}

// RemoteConfig points the agent at the remote record store.
type RemoteConfig struct {
	BaseURL string
	Timeout time.Duration
}

// SyncConfig holds the tunable sync policy.
type SyncConfig struct {
	Interval             time.Duration
	ProbeInterval        time.Duration
	RetryCeiling         int
	RetentionWindow      time.Duration
	ConflictWindow       time.Duration
	MergeDisjointSubsets bool
	BackoffMin           time.Duration
	BackoffMax           time.Duration
	// Location names the time zone used for attendance lock expiry; empty means the host zone.
	Location string
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !isMissingFile(err) {
			return nil, err
		}
	}

	cfg := &Config{}

	cfg.Env = v.GetString("ENV")

	cfg.Server = ServerConfig{
		Port:      v.GetInt("PORT"),
		APIPrefix: v.GetString("API_PREFIX"),
	}

	cfg.Agent = AgentConfig{
		Port:      v.GetInt("AGENT_PORT"),
		APIPrefix: v.GetString("AGENT_API_PREFIX"),
	}

	cfg.Database = DatabaseConfig{
		Host:         v.GetString("DB_HOST"),
		Port:         v.GetInt("DB_PORT"),
		User:         v.GetString("DB_USER"),
		Password:     v.GetString("DB_PASSWORD"),
		Name:         v.GetString("DB_NAME"),
		SSLMode:      v.GetString("DB_SSL_MODE"),
		MaxOpenConns: v.GetInt("DB_MAX_OPEN_CONNS"),
		MaxIdleConns: v.GetInt("DB_MAX_IDLE_CONNS"),
	}

	cfg.Redis = RedisConfig{
		Host:     v.GetString("REDIS_HOST"),
		Port:     v.GetInt("REDIS_PORT"),
		Password: v.GetString("REDIS_PASSWORD"),
		DB:       v.GetInt("REDIS_DB"),
	}

	cfg.CORS = CORSConfig{AllowedOrigins: splitAndTrim(v.GetString("ALLOWED_ORIGINS"))}

	cfg.Log = LogConfig{
		Level:  v.GetString("LOG_LEVEL"),
		Format: v.GetString("LOG_FORMAT"),
	}

	cfg.Store = StoreConfig{
		Driver:      strings.ToLower(v.GetString("STORE_DRIVER")),
		SQLitePath:  v.GetString("STORE_SQLITE_PATH"),
		RedisPrefix: v.GetString("STORE_REDIS_PREFIX"),
		Compress:    v.GetBool("STORE_COMPRESS"),
	}

	cfg.Remote = RemoteConfig{
		BaseURL: strings.TrimRight(v.GetString("REMOTE_BASE_URL"), "/"),
		Timeout: parseDuration(v.GetString("REMOTE_TIMEOUT"), 10*time.Second),
	}

	cfg.Sync = SyncConfig{
		Interval:             clampDuration(parseDuration(v.GetString("SYNC_INTERVAL"), 45*time.Second), 30*time.Second, 60*time.Second),
		ProbeInterval:        parseDuration(v.GetString("SYNC_PROBE_INTERVAL"), 10*time.Second),
		RetryCeiling:         v.GetInt("SYNC_RETRY_CEILING"),
		RetentionWindow:      parseDuration(v.GetString("SYNC_RETENTION_WINDOW"), 24*time.Hour),
		ConflictWindow:       parseDuration(v.GetString("SYNC_CONFLICT_WINDOW"), 5*time.Minute),
		MergeDisjointSubsets: v.GetBool("SYNC_MERGE_DISJOINT_SUBSETS"),
		BackoffMin:           parseDuration(v.GetString("SYNC_BACKOFF_MIN"), 2*time.Second),
		BackoffMax:           parseDuration(v.GetString("SYNC_BACKOFF_MAX"), time.Minute),
		Location:             v.GetString("SYNC_LOCATION"),
	}
	if cfg.Sync.RetryCeiling <= 0 {
		cfg.Sync.RetryCeiling = 3
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", EnvDevelopment)
	v.SetDefault("PORT", 8080)
	v.SetDefault("API_PREFIX", "/api/v1")
	v.SetDefault("AGENT_PORT", 8765)
	v.SetDefault("AGENT_API_PREFIX", "/api/v1/sync")

	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "madrasa")
	v.SetDefault("DB_SSL_MODE", "disable")
	v.SetDefault("DB_MAX_OPEN_CONNS", 10)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)

	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("ALLOWED_ORIGINS", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	v.SetDefault("STORE_DRIVER", StoreDriverSQLite)
	v.SetDefault("STORE_SQLITE_PATH", "madrasa-sync.db")
	v.SetDefault("STORE_REDIS_PREFIX", "madrasa:")
	v.SetDefault("STORE_COMPRESS", false)

	v.SetDefault("REMOTE_BASE_URL", "http://localhost:8080/api/v1")
	v.SetDefault("REMOTE_TIMEOUT", "10s")

	v.SetDefault("SYNC_INTERVAL", "45s")
	v.SetDefault("SYNC_PROBE_INTERVAL", "10s")
	v.SetDefault("SYNC_RETRY_CEILING", 3)
	v.SetDefault("SYNC_RETENTION_WINDOW", "24h")
	v.SetDefault("SYNC_CONFLICT_WINDOW", "5m")
	v.SetDefault("SYNC_MERGE_DISJOINT_SUBSETS", true)
	v.SetDefault("SYNC_BACKOFF_MIN", "2s")
	v.SetDefault("SYNC_BACKOFF_MAX", "1m")
	v.SetDefault("SYNC_LOCATION", "")
}

func isMissingFile(err error) bool {
	return strings.Contains(err.Error(), "no such file or directory")
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}

	return d
}

func clampDuration(d, min, max time.Duration) time.Duration {
	if d < min {
		return min
	}
	if d > max {
		return max
	}
	return d
}

func splitAndTrim(raw string) []string {
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}
