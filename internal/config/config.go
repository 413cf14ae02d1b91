package config

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig
	Upload   UploadConfig
	Spool    SpoolConfig
	Store    StoreConfig
	Ledger   LedgerConfig
	Cache    CacheConfig
	Database DatabaseConfig
	Metrics  MetricsConfig
}

type ServerConfig struct {
	Port           string
	Mode           string
	LogLevel       string
	LogFormat      string
	ReadTimeout    int
	WriteTimeout   int
	AllowedOrigins []string
}

type UploadConfig struct {
	// MaxBodySize is the largest request body accepted, in bytes.
	MaxBodySize int64
	// MaxConcurrent bounds in-flight relays; 0 means unlimited.
	MaxConcurrent int64
}

type SpoolConfig struct {
	Dir           string
	BufferSize    int
	Namespace     bool
	KeepOnFailure bool
}

type StoreConfig struct {
	Backend   string
	Endpoint  string
	Region    string
	Bucket    string
	KeyPrefix string
	AccessKey string
	SecretKey string
	UseSSL    bool
	PathStyle bool
}

type LedgerConfig struct {
	Backend    string
	TTLSeconds int
}

type CacheConfig struct {
	RedisURL      string
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int
}

type DatabaseConfig struct {
	Driver   string
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

type MetricsConfig struct {
	Enabled bool
	Path    string
}

var (
	once     sync.Once
	instance *Config
	loadErr  error
)

// Load reads the process configuration once. Later calls return the same value.
func Load() (*Config, error) {
	once.Do(func() {
		// Load .env file if it exists
		_ = godotenv.Load()

		v := viper.New()
		setDefaults(v)
		v.AutomaticEnv()

		instance, loadErr = fromViper(v)
		if loadErr == nil {
			loadErr = ensureDir(instance.Spool.Dir)
		}
	})

	return instance, loadErr
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("SERVER_PORT", "3000")
	v.SetDefault("SERVER_MODE", "release")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "console")
	v.SetDefault("SERVER_READ_TIMEOUT", 0)
	v.SetDefault("SERVER_WRITE_TIMEOUT", 0)
	v.SetDefault("SERVER_ALLOWED_ORIGINS", []string{"*"})

	v.SetDefault("UPLOAD_MAX_BODY_SIZE", "10GiB")
	v.SetDefault("RELAY_MAX_CONCURRENT", 0)

	v.SetDefault("SPOOL_DIR", "./uploads")
	v.SetDefault("SPOOL_BUFFER_SIZE", "32MiB")
	v.SetDefault("SPOOL_NAMESPACE", true)
	v.SetDefault("SPOOL_KEEP_ON_FAILURE", false)

	v.SetDefault("STORE_BACKEND", "s3")
	v.SetDefault("STORE_ENDPOINT", "https://sgp1.digitaloceanspaces.com")
	v.SetDefault("STORE_REGION", "us-east-1")
	v.SetDefault("STORE_BUCKET", "transitfiles")
	v.SetDefault("STORE_KEY_PREFIX", "")
	v.SetDefault("STORE_USE_SSL", true)
	v.SetDefault("STORE_PATH_STYLE", false)

	v.SetDefault("LEDGER_BACKEND", "none")
	v.SetDefault("LEDGER_TTL_SECONDS", 7*24*3600)

	v.SetDefault("REDIS_URL", "")
	v.SetDefault("REDIS_HOST", "127.0.0.1")
	v.SetDefault("REDIS_PORT", "6379")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("DB_DRIVER", "postgres")
	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", "5432")
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "spoolrelay")
	v.SetDefault("DB_SSLMODE", "disable")

	v.SetDefault("METRICS_ENABLED", true)
	v.SetDefault("METRICS_PATH", "/metrics")
}

func fromViper(v *viper.Viper) (*Config, error) {
	maxBody, err := parseSize("UPLOAD_MAX_BODY_SIZE", v.GetString("UPLOAD_MAX_BODY_SIZE"))
	if err != nil {
		return nil, err
	}
	bufSize, err := parseSize("SPOOL_BUFFER_SIZE", v.GetString("SPOOL_BUFFER_SIZE"))
	if err != nil {
		return nil, err
	}
	if v.GetInt64("RELAY_MAX_CONCURRENT") < 0 {
		return nil, fmt.Errorf("RELAY_MAX_CONCURRENT must not be negative")
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:           v.GetString("SERVER_PORT"),
			Mode:           v.GetString("SERVER_MODE"),
			LogLevel:       v.GetString("LOG_LEVEL"),
			LogFormat:      strings.ToLower(v.GetString("LOG_FORMAT")),
			ReadTimeout:    v.GetInt("SERVER_READ_TIMEOUT"),
			WriteTimeout:   v.GetInt("SERVER_WRITE_TIMEOUT"),
			AllowedOrigins: v.GetStringSlice("SERVER_ALLOWED_ORIGINS"),
		},
		Upload: UploadConfig{
			MaxBodySize:   int64(maxBody),
			MaxConcurrent: v.GetInt64("RELAY_MAX_CONCURRENT"),
		},
		Spool: SpoolConfig{
			Dir:           v.GetString("SPOOL_DIR"),
			BufferSize:    int(bufSize),
			Namespace:     v.GetBool("SPOOL_NAMESPACE"),
			KeepOnFailure: v.GetBool("SPOOL_KEEP_ON_FAILURE"),
		},
		Store: StoreConfig{
			Backend:   strings.ToLower(v.GetString("STORE_BACKEND")),
			Endpoint:  v.GetString("STORE_ENDPOINT"),
			Region:    v.GetString("STORE_REGION"),
			Bucket:    v.GetString("STORE_BUCKET"),
			KeyPrefix: v.GetString("STORE_KEY_PREFIX"),
			AccessKey: v.GetString("STORE_ACCESS_KEY"),
			SecretKey: v.GetString("STORE_SECRET_KEY"),
			UseSSL:    v.GetBool("STORE_USE_SSL"),
			PathStyle: v.GetBool("STORE_PATH_STYLE"),
		},
		Ledger: LedgerConfig{
			Backend:    strings.ToLower(v.GetString("LEDGER_BACKEND")),
			TTLSeconds: v.GetInt("LEDGER_TTL_SECONDS"),
		},
		Cache: CacheConfig{
			RedisURL:      v.GetString("REDIS_URL"),
			RedisHost:     v.GetString("REDIS_HOST"),
			RedisPort:     v.GetString("REDIS_PORT"),
			RedisPassword: v.GetString("REDIS_PASSWORD"),
			RedisDB:       v.GetInt("REDIS_DB"),
		},
		Database: DatabaseConfig{
			Driver:   v.GetString("DB_DRIVER"),
			Host:     v.GetString("DB_HOST"),
			Port:     v.GetString("DB_PORT"),
			User:     v.GetString("DB_USER"),
			Password: v.GetString("DB_PASSWORD"),
			DBName:   v.GetString("DB_NAME"),
			SSLMode:  v.GetString("DB_SSLMODE"),
		},
		Metrics: MetricsConfig{
			Enabled: v.GetBool("METRICS_ENABLED"),
			Path:    v.GetString("METRICS_PATH"),
		},
	}

	switch cfg.Store.Backend {
	case "s3", "minio", "memory":
	default:
		return nil, fmt.Errorf("unknown STORE_BACKEND %q", cfg.Store.Backend)
	}
	switch cfg.Ledger.Backend {
	case "none", "redis", "postgres":
	default:
		return nil, fmt.Errorf("unknown LEDGER_BACKEND %q", cfg.Ledger.Backend)
	}

	return cfg, nil
}

func parseSize(key, raw string) (uint64, error) {
	n, err := humanize.ParseBytes(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	if n == 0 {
		return 0, fmt.Errorf("%s must be greater than zero", key)
	}
	return n, nil
}

func ensureDir(dir string) error {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}
