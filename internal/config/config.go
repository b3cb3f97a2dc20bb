package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/wtthornton/ha-ingestor-sub006/internal/models"
)

// InfluxConfig 时序存储配置
type InfluxConfig struct {
	URL         string
	Token       string
	Org         string
	Bucket      string
	Measurement string
	BatchSize   int
}

// RegistryCacheConfig 注册表快照缓存配置（Redis，可选）
// Addr 为空时禁用缓存，服务以冷索引启动
type RegistryCacheConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	TTL       time.Duration
}

// Config 采集服务配置
type Config struct {
	// 候选端点，按 Priority 升序
	Endpoints []models.Endpoint

	Influx        InfluxConfig
	RegistryCache RegistryCacheConfig

	Pipeline struct {
		Workers          int
		QueueSize        int
		ShutdownGrace    time.Duration
		FailoverCooldown time.Duration
	}

	Weather struct {
		Enabled bool
	}

	Log struct {
		Level  string
		Format string
	}
}

// Load 从环境变量加载配置
// 唯一致命的配置错误：一个端点都没有，或缺少存储地址/凭证
func Load() (*Config, error) {
	cfg := &Config{}

	// 端点：主端点 + 可选的本地备用与云中继
	// 云中继默认容忍更长的超时和心跳间隔
	if ep, ok := loadEndpoint("HUB", "primary", 1, 10*time.Second, 30*time.Second); ok {
		cfg.Endpoints = append(cfg.Endpoints, ep)
	}
	if ep, ok := loadEndpoint("HUB_SECONDARY", "secondary", 2, 10*time.Second, 30*time.Second); ok {
		cfg.Endpoints = append(cfg.Endpoints, ep)
	}
	if ep, ok := loadEndpoint("HUB_CLOUD", "cloud", 3, 30*time.Second, 60*time.Second); ok {
		cfg.Endpoints = append(cfg.Endpoints, ep)
	}
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("no hub endpoints configured (set HUB_URL)")
	}
	sort.SliceStable(cfg.Endpoints, func(i, j int) bool {
		return cfg.Endpoints[i].Priority < cfg.Endpoints[j].Priority
	})

	cfg.Influx.URL = getEnv("INFLUX_URL", "")
	cfg.Influx.Token = getEnv("INFLUX_TOKEN", "")
	cfg.Influx.Org = getEnv("INFLUX_ORG", "home")
	cfg.Influx.Bucket = getEnv("INFLUX_BUCKET", "home_assistant")
	cfg.Influx.Measurement = getEnv("INFLUX_MEASUREMENT", "ha_events")
	cfg.Influx.BatchSize = getEnvInt("INFLUX_BATCH_SIZE", 100)
	if cfg.Influx.URL == "" {
		return nil, fmt.Errorf("INFLUX_URL is required")
	}
	if cfg.Influx.Token == "" {
		return nil, fmt.Errorf("INFLUX_TOKEN is required")
	}

	cfg.RegistryCache.Addr = getEnv("REGISTRY_CACHE_ADDR", "")
	cfg.RegistryCache.Password = getEnv("REGISTRY_CACHE_PASSWORD", "")
	cfg.RegistryCache.DB = getEnvInt("REGISTRY_CACHE_DB", 0)
	cfg.RegistryCache.KeyPrefix = getEnv("REGISTRY_CACHE_PREFIX", "ha-ingestor:registry")
	cfg.RegistryCache.TTL = getEnvDuration("REGISTRY_CACHE_TTL", 24*time.Hour)

	cfg.Pipeline.Workers = getEnvInt("PIPELINE_WORKERS", 4)
	cfg.Pipeline.QueueSize = getEnvInt("PIPELINE_QUEUE_SIZE", 256)
	cfg.Pipeline.ShutdownGrace = getEnvDuration("SHUTDOWN_GRACE", 10*time.Second)
	cfg.Pipeline.FailoverCooldown = getEnvDuration("FAILOVER_COOLDOWN", 30*time.Second)

	cfg.Weather.Enabled = getEnvBool("WEATHER_ENRICHMENT_ENABLED", false)

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	return cfg, nil
}

// loadEndpoint 从 <prefix>_URL 等环境变量加载一个端点
// Token 缺省回退到 HUB_TOKEN（多个端点通常指向同一集线器账号）
func loadEndpoint(prefix, name string, priority int, defTimeout, defHeartbeat time.Duration) (models.Endpoint, bool) {
	url := os.Getenv(prefix + "_URL")
	if url == "" {
		return models.Endpoint{}, false
	}
	token := os.Getenv(prefix + "_TOKEN")
	if token == "" {
		token = os.Getenv("HUB_TOKEN")
	}
	return models.Endpoint{
		Name:              name,
		URL:               url,
		Token:             token,
		Priority:          getEnvInt(prefix+"_PRIORITY", priority),
		Timeout:           getEnvDuration(prefix+"_TIMEOUT", defTimeout),
		HeartbeatInterval: getEnvDuration(prefix+"_HEARTBEAT_INTERVAL", defHeartbeat),
		MaxRetries:        getEnvInt(prefix+"_MAX_RETRIES", 3),
		RetryDelay:        getEnvDuration(prefix+"_RETRY_DELAY", 5*time.Second),
	}, true
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
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

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
