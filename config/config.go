// Package config loads the server options: built-in defaults, then
// environment variables, then an optional JSON file, with a final pass for
// the high-priority env shortcuts (REDIS_URL, NATS_URL, DEBUG).
package config

import (
	"encoding/json"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"pulsehub/internal/apps"
)

type SSLConfig struct {
	Enabled      bool   `json:"enabled"`
	CertPath     string `json:"cert_path"`
	KeyPath      string `json:"key_path"`
	RedirectHTTP bool   `json:"redirect_http"`
	HTTPPort     int    `json:"http_port"`
}

type CORSConfig struct {
	Origin         []string `json:"origin"`
	Methods        []string `json:"methods"`
	AllowedHeaders []string `json:"allowed_headers"`
	Credentials    bool     `json:"credentials"`
}

type AdapterConfig struct {
	Driver                  string   `json:"driver"`
	Prefix                  string   `json:"prefix"`
	RedisURL                string   `json:"redis_url"`
	RedisClusterNodes       []string `json:"redis_cluster_nodes"`
	NATSURL                 string   `json:"nats_url"`
	RequestTimeoutSeconds   int      `json:"request_timeout_seconds"`
	HeartbeatIntervalSecs   int      `json:"heartbeat_interval_seconds"`
	HeartbeatTimeoutSeconds int      `json:"heartbeat_timeout_seconds"`
}

type AppManagerConfig struct {
	Driver   string     `json:"driver"`
	Apps     []apps.App `json:"apps"`
	MongoURI string     `json:"mongo_uri"`
	MongoDB  string     `json:"mongo_db"`
}

type CacheConfig struct {
	Driver string `json:"driver"`
}

type QueueConfig struct {
	Driver       string   `json:"driver"`
	KafkaBrokers []string `json:"kafka_brokers"`
	Concurrency  int      `json:"concurrency"`
}

type MetricsConfig struct {
	Enabled    bool   `json:"enabled"`
	Host       string `json:"host"`
	Port       int    `json:"port"`
	Driver     string `json:"driver"`
	Prometheus struct {
		Prefix string `json:"prefix"`
	} `json:"prometheus"`
}

type APIRateLimit struct {
	MaxRequests   int `json:"max_requests"`
	WindowSeconds int `json:"window_seconds"`
	TrustHops     int `json:"trust_hops"`
}

type RateLimiterConfig struct {
	Enabled      bool         `json:"enabled"`
	Driver       string       `json:"driver"`
	APIRateLimit APIRateLimit `json:"api_rate_limit"`
}

type WebhooksConfig struct {
	Batching struct {
		Enabled    bool `json:"enabled"`
		DurationMS int  `json:"duration"`
	} `json:"batching"`
}

type InstanceConfig struct {
	ProcessID string `json:"process_id"`
}

// Config is the fully resolved server options tree.
type Config struct {
	Host                string            `json:"host"`
	Port                int               `json:"port"`
	Debug               bool              `json:"debug"`
	ShutdownGraceSecs   int               `json:"shutdown_grace_period"`
	ActivityTimeoutSecs int               `json:"activity_timeout"`
	SSL                 SSLConfig         `json:"ssl"`
	CORS                CORSConfig        `json:"cors"`
	Adapter             AdapterConfig     `json:"adapter"`
	AppManager          AppManagerConfig  `json:"app_manager"`
	Cache               CacheConfig       `json:"cache"`
	Queue               QueueConfig       `json:"queue"`
	Metrics             MetricsConfig     `json:"metrics"`
	RateLimiter         RateLimiterConfig `json:"rate_limiter"`
	Webhooks            WebhooksConfig    `json:"webhooks"`
	Instance            InstanceConfig    `json:"instance"`

	// Shared backend endpoints the driver configs inherit.
	RedisURL          string   `json:"redis_url"`
	RedisClusterNodes []string `json:"redis_cluster_nodes"`
	Prefix            string   `json:"prefix"`
}

func defaults() *Config {
	cfg := &Config{
		Host:                "0.0.0.0",
		Port:                6001,
		ShutdownGraceSecs:   10,
		ActivityTimeoutSecs: 120,
		RedisURL:            "redis://127.0.0.1:6379",
		Prefix:              "pulsehub:",
	}
	cfg.CORS.Origin = []string{"*"}
	cfg.CORS.Methods = []string{"GET", "POST", "OPTIONS"}
	cfg.CORS.AllowedHeaders = []string{"Content-Type", "Authorization", "X-Requested-With"}
	cfg.Adapter.Driver = "local"
	cfg.AppManager.Driver = "memory"
	cfg.AppManager.MongoDB = "pulsehub"
	cfg.Cache.Driver = "memory"
	cfg.Queue.Driver = "memory"
	cfg.Queue.Concurrency = 5
	cfg.Metrics.Enabled = true
	cfg.Metrics.Host = "0.0.0.0"
	cfg.Metrics.Port = 9601
	cfg.Metrics.Driver = "prometheus"
	cfg.Metrics.Prometheus.Prefix = "pulsehub_"
	cfg.RateLimiter.Enabled = true
	cfg.RateLimiter.Driver = "memory"
	cfg.RateLimiter.APIRateLimit.MaxRequests = 120
	cfg.RateLimiter.APIRateLimit.WindowSeconds = 60
	cfg.Webhooks.Batching.DurationMS = 50
	cfg.SSL.HTTPPort = 80
	return cfg
}

// Load resolves the configuration. Order: defaults, env, file, then the
// REDIS_URL/NATS_URL/DEBUG shortcuts which always win.
func Load() *Config {
	if err := godotenv.Load(".env"); err != nil {
		log.Debug().Msg("no .env file, using environment variables directly")
	}

	cfg := defaults()
	applyEnv(cfg)

	path := getEnv("CONFIG_FILE", "")
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			log.Warn().Err(err).Str("path", path).Msg("config file unreadable, continuing with env and defaults")
		} else if err := json.Unmarshal(raw, cfg); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("config file unparsable, continuing with env and defaults")
		}
	}

	// High-priority env shortcuts override the file.
	if url := getEnv("REDIS_URL", ""); url != "" {
		cfg.RedisURL = url
	}
	if url := getEnv("NATS_URL", ""); url != "" {
		cfg.Adapter.NATSURL = url
	}
	if getEnv("DEBUG", "") == "1" {
		cfg.Debug = true
	}

	if cfg.Adapter.RedisURL == "" {
		cfg.Adapter.RedisURL = cfg.RedisURL
	}
	if len(cfg.Adapter.RedisClusterNodes) == 0 {
		cfg.Adapter.RedisClusterNodes = cfg.RedisClusterNodes
	}
	if cfg.Adapter.Prefix == "" {
		cfg.Adapter.Prefix = cfg.Prefix
	}
	return cfg
}

func applyEnv(cfg *Config) {
	cfg.Host = getEnv("HOST", cfg.Host)
	cfg.Port = getEnvInt("PORT", cfg.Port)
	cfg.ShutdownGraceSecs = getEnvInt("SHUTDOWN_GRACE_PERIOD", cfg.ShutdownGraceSecs)

	cfg.Adapter.Driver = getEnv("ADAPTER_DRIVER", cfg.Adapter.Driver)
	cfg.AppManager.Driver = getEnv("APP_MANAGER_DRIVER", cfg.AppManager.Driver)
	cfg.AppManager.MongoURI = getEnv("MONGO_URI", cfg.AppManager.MongoURI)
	cfg.AppManager.MongoDB = getEnv("MONGO_DB", cfg.AppManager.MongoDB)
	cfg.Cache.Driver = getEnv("CACHE_DRIVER", cfg.Cache.Driver)
	cfg.Queue.Driver = getEnv("QUEUE_DRIVER", cfg.Queue.Driver)
	if brokers := getEnv("KAFKA_BROKERS", ""); brokers != "" {
		cfg.Queue.KafkaBrokers = strings.Split(brokers, ",")
	}
	cfg.RateLimiter.Driver = getEnv("RATE_LIMITER_DRIVER", cfg.RateLimiter.Driver)
	if nodes := getEnv("REDIS_CLUSTER_NODES", ""); nodes != "" {
		cfg.RedisClusterNodes = strings.Split(nodes, ",")
	}

	cfg.Metrics.Enabled = getEnvBool("METRICS_ENABLED", cfg.Metrics.Enabled)
	cfg.Metrics.Host = getEnv("METRICS_HOST", cfg.Metrics.Host)
	cfg.Metrics.Port = getEnvInt("METRICS_PORT", cfg.Metrics.Port)

	cfg.SSL.Enabled = getEnvBool("SSL_ENABLED", cfg.SSL.Enabled)
	cfg.SSL.CertPath = getEnv("SSL_CERT_PATH", cfg.SSL.CertPath)
	cfg.SSL.KeyPath = getEnv("SSL_KEY_PATH", cfg.SSL.KeyPath)

	cfg.Instance.ProcessID = getEnv("INSTANCE_PROCESS_ID", cfg.Instance.ProcessID)
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
		log.Warn().Str("key", key).Str("value", value).Msg("unparsable integer env var, using default")
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		return value == "1" || strings.EqualFold(value, "true")
	}
	return defaultValue
}
