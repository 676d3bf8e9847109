package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Server    ServerConfig
	Redis     RedisConfig
	Postgres  PostgresConfig
	Compute   ComputeConfig
	Desktop   DesktopConfig
	Inference InferenceConfig
	Retry     RetryConfig
	Breaker   BreakerConfig
	Cache     CacheConfig
	Auth      AuthConfig
	Tiers     map[string]TierConfig
	Session   SessionConfig
	Bridge    BridgeConfig
	Worker    WorkerConfig
	Metrics   MetricsConfig
}

type ServerConfig struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// PublicURL 用于拼接返回给客户端的 stream 地址，为空时按请求 Host 推断
	PublicURL string
}

// Addr 为空表示不启用 Redis，相关组件退化为进程内实现
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// Addr 为空表示不启用 Postgres
type PostgresConfig struct {
	Addr     string
	User     string
	Password string
	Database string
}

// ComputeConfig 计算单元（桌面容器）配置
type ComputeConfig struct {
	Provider       string // docker | simulated
	Image          string
	NetworkName    string
	ContainerMem   int64 // MB
	ContainerCPU   float64
	AgentPort      int // 容器内桌面代理 HTTP 端口
	ProbePort      int // 容器内 gRPC health 端口
	ReadyTimeout   time.Duration
	StartTimeout   time.Duration // 单次 Start 尝试的超时
	SimulatedDelay time.Duration
}

type DesktopConfig struct {
	Mode          string // live | simulated
	Width         int
	Height        int
	ActionTimeout time.Duration
}

type InferenceConfig struct {
	Endpoint  string // 为空时使用 simulated 推理
	APIKey    string
	Model     string
	Timeout   time.Duration
	Simulated bool
}

// RetryPolicy 单个依赖的重试参数
type RetryPolicy struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

type RetryConfig struct {
	Compute   RetryPolicy
	Inference RetryPolicy
}

type BreakerConfig struct {
	Threshold int
	CoolDown  time.Duration
}

type CacheConfig struct {
	HotTTL              time.Duration
	HotSize             int
	DurableTTL          time.Duration
	ConfidenceThreshold float64
}

type AuthConfig struct {
	// StaticKeys 形如 "key:owner:tier,key2:owner2:tier2"，用于无 Postgres 的部署
	StaticKeys string
}

type TierConfig struct {
	RequestsPerWindow int
	Window            time.Duration
	MaxSessions       int
}

type SessionConfig struct {
	StartingTimeout time.Duration
	IdleTimeout     time.Duration
	MaxLifetime     time.Duration // 0 表示不限制
	SweepInterval   time.Duration
	StopTimeout     time.Duration
}

type BridgeConfig struct {
	TargetFPS        int
	MinFPS           int
	MaxCaptureErrors int
	ArtifactDir      string // 为空表示不落盘
	MaxMessageSize   int64
	PingInterval     time.Duration
	WriteTimeout     time.Duration
	ReadTimeout      time.Duration
}

type WorkerConfig struct {
	Concurrency int
	MaxRetry    int
}

type MetricsConfig struct {
	Addr string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:         getEnv("SERVER_ADDR", ":8080"),
			ReadTimeout:  getDurationEnv("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout: getDurationEnv("SERVER_WRITE_TIMEOUT", 120*time.Second),
			PublicURL:    getEnv("SERVER_PUBLIC_URL", ""),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getIntEnv("REDIS_DB", 0),
		},
		Postgres: PostgresConfig{
			Addr:     getEnv("POSTGRES_ADDR", ""),
			User:     getEnv("POSTGRES_USER", "postgres"),
			Password: getEnv("POSTGRES_PASSWORD", "postgres"),
			Database: getEnv("POSTGRES_DB", "computeruse"),
		},
		Compute: ComputeConfig{
			Provider:       getEnv("COMPUTE_PROVIDER", "simulated"),
			Image:          getEnv("COMPUTE_IMAGE", "computer-use-desktop:latest"),
			NetworkName:    getEnv("COMPUTE_NETWORK_NAME", "computeruse-net"),
			ContainerMem:   int64(getIntEnv("COMPUTE_CONTAINER_MEM_MB", 2048)),
			ContainerCPU:   getFloatEnv("COMPUTE_CONTAINER_CPU", 1.0),
			AgentPort:      getIntEnv("COMPUTE_AGENT_PORT", 8081),
			ProbePort:      getIntEnv("COMPUTE_PROBE_PORT", 50051),
			ReadyTimeout:   getDurationEnv("COMPUTE_READY_TIMEOUT", 60*time.Second),
			StartTimeout:   getDurationEnv("COMPUTE_START_TIMEOUT", 90*time.Second),
			SimulatedDelay: getDurationEnv("COMPUTE_SIMULATED_DELAY", 500*time.Millisecond),
		},
		Desktop: DesktopConfig{
			Mode:          getEnv("DESKTOP_MODE", "simulated"),
			Width:         getIntEnv("DESKTOP_WIDTH", 1920),
			Height:        getIntEnv("DESKTOP_HEIGHT", 1080),
			ActionTimeout: getDurationEnv("DESKTOP_ACTION_TIMEOUT", 5*time.Second),
		},
		Inference: InferenceConfig{
			Endpoint:  getEnv("INFERENCE_ENDPOINT", ""),
			APIKey:    getEnv("INFERENCE_API_KEY", ""),
			Model:     getEnv("INFERENCE_MODEL", "computer-use-default"),
			Timeout:   getDurationEnv("INFERENCE_TIMEOUT", 30*time.Second),
			Simulated: getBoolEnv("INFERENCE_SIMULATED", false),
		},
		Retry: RetryConfig{
			Compute: RetryPolicy{
				BaseDelay:   getDurationEnv("RETRY_COMPUTE_BASE_DELAY", time.Second),
				MaxDelay:    getDurationEnv("RETRY_COMPUTE_MAX_DELAY", 60*time.Second),
				MaxAttempts: getIntEnv("RETRY_COMPUTE_MAX_ATTEMPTS", 3),
			},
			Inference: RetryPolicy{
				BaseDelay:   getDurationEnv("RETRY_INFERENCE_BASE_DELAY", 2*time.Second),
				MaxDelay:    getDurationEnv("RETRY_INFERENCE_MAX_DELAY", 30*time.Second),
				MaxAttempts: getIntEnv("RETRY_INFERENCE_MAX_ATTEMPTS", 5),
			},
		},
		Breaker: BreakerConfig{
			Threshold: getIntEnv("BREAKER_THRESHOLD", 5),
			CoolDown:  getDurationEnv("BREAKER_COOL_DOWN", 60*time.Second),
		},
		Cache: CacheConfig{
			HotTTL:              getDurationEnv("CACHE_HOT_TTL", 5*time.Minute),
			HotSize:             getIntEnv("CACHE_HOT_SIZE", 1024),
			DurableTTL:          getDurationEnv("CACHE_DURABLE_TTL", 24*time.Hour),
			ConfidenceThreshold: getFloatEnv("CACHE_CONFIDENCE_THRESHOLD", 0.8),
		},
		Auth: AuthConfig{
			StaticKeys: getEnv("AUTH_STATIC_KEYS", ""),
		},
		Tiers: map[string]TierConfig{
			"basic": {
				RequestsPerWindow: getIntEnv("TIER_BASIC_REQUESTS", 1000),
				Window:            getDurationEnv("TIER_BASIC_WINDOW", 24*time.Hour),
				MaxSessions:       getIntEnv("TIER_BASIC_MAX_SESSIONS", 2),
			},
			"standard": {
				RequestsPerWindow: getIntEnv("TIER_STANDARD_REQUESTS", 10000),
				Window:            getDurationEnv("TIER_STANDARD_WINDOW", 24*time.Hour),
				MaxSessions:       getIntEnv("TIER_STANDARD_MAX_SESSIONS", 5),
			},
			"premium": {
				RequestsPerWindow: getIntEnv("TIER_PREMIUM_REQUESTS", 100000),
				Window:            getDurationEnv("TIER_PREMIUM_WINDOW", 24*time.Hour),
				MaxSessions:       getIntEnv("TIER_PREMIUM_MAX_SESSIONS", 20),
			},
		},
		Session: SessionConfig{
			StartingTimeout: getDurationEnv("SESSION_STARTING_TIMEOUT", 3*time.Minute),
			IdleTimeout:     getDurationEnv("SESSION_IDLE_TIMEOUT", 10*time.Minute),
			MaxLifetime:     getDurationEnv("SESSION_MAX_LIFETIME", time.Hour),
			SweepInterval:   getDurationEnv("SESSION_SWEEP_INTERVAL", 30*time.Second),
			StopTimeout:     getDurationEnv("SESSION_STOP_TIMEOUT", 30*time.Second),
		},
		Bridge: BridgeConfig{
			TargetFPS:        getIntEnv("BRIDGE_TARGET_FPS", 25),
			MinFPS:           getIntEnv("BRIDGE_MIN_FPS", 5),
			MaxCaptureErrors: getIntEnv("BRIDGE_MAX_CAPTURE_ERRORS", 10),
			ArtifactDir:      getEnv("BRIDGE_ARTIFACT_DIR", ""),
			MaxMessageSize:   int64(getIntEnv("BRIDGE_MAX_MESSAGE_SIZE", 64*1024)),
			PingInterval:     getDurationEnv("BRIDGE_PING_INTERVAL", 30*time.Second),
			WriteTimeout:     getDurationEnv("BRIDGE_WRITE_TIMEOUT", 10*time.Second),
			ReadTimeout:      getDurationEnv("BRIDGE_READ_TIMEOUT", 60*time.Second),
		},
		Worker: WorkerConfig{
			Concurrency: getIntEnv("WORKER_CONCURRENCY", 5),
			MaxRetry:    getIntEnv("WORKER_MAX_RETRY", 10),
		},
		Metrics: MetricsConfig{
			Addr: getEnv("METRICS_ADDR", ":9090"),
		},
	}
}

// Validate 在启动时拒绝不合理的配置
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	switch c.Compute.Provider {
	case "docker", "simulated":
	default:
		add("COMPUTE_PROVIDER must be docker or simulated, got %q", c.Compute.Provider)
	}
	switch c.Desktop.Mode {
	case "live", "simulated":
	default:
		add("DESKTOP_MODE must be live or simulated, got %q", c.Desktop.Mode)
	}
	if c.Desktop.Width <= 0 || c.Desktop.Height <= 0 {
		add("desktop resolution must be positive")
	}

	for name, p := range map[string]RetryPolicy{"compute": c.Retry.Compute, "inference": c.Retry.Inference} {
		if p.MaxAttempts < 1 {
			add("retry %s: max attempts must be >= 1", name)
		}
		if p.BaseDelay < 0 || p.MaxDelay < p.BaseDelay {
			add("retry %s: need 0 <= base delay <= max delay", name)
		}
	}
	if c.Breaker.Threshold < 1 {
		add("breaker threshold must be >= 1")
	}
	if c.Breaker.CoolDown <= 0 {
		add("breaker cool-down must be positive")
	}

	if c.Cache.ConfidenceThreshold <= 0 || c.Cache.ConfidenceThreshold > 1 {
		add("cache confidence threshold must be in (0, 1]")
	}
	if c.Cache.HotSize < 1 || c.Cache.HotTTL <= 0 || c.Cache.DurableTTL <= 0 {
		add("cache sizes and TTLs must be positive")
	}

	if len(c.Tiers) == 0 {
		add("at least one tier is required")
	}
	for name, t := range c.Tiers {
		if t.RequestsPerWindow < 1 || t.Window <= 0 || t.MaxSessions < 1 {
			add("tier %s: requests, window and max sessions must be positive", name)
		}
	}

	if c.Session.StartingTimeout <= 0 || c.Session.IdleTimeout <= 0 || c.Session.SweepInterval <= 0 {
		add("session timeouts and sweep interval must be positive")
	}
	if c.Bridge.TargetFPS < 1 || c.Bridge.TargetFPS > 60 {
		add("BRIDGE_TARGET_FPS must be in [1, 60]")
	}
	if c.Bridge.MinFPS < 1 || c.Bridge.MinFPS > c.Bridge.TargetFPS {
		add("BRIDGE_MIN_FPS must be in [1, target fps]")
	}
	if c.Worker.Concurrency < 1 {
		add("WORKER_CONCURRENCY must be >= 1")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getIntEnv(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getFloatEnv(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getBoolEnv(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getDurationEnv(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}
