package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/mikesvoboda/nemotron-v3-home-security-intelligence-sub003/degradation"
	"github.com/mikesvoboda/nemotron-v3-home-security-intelligence-sub003/queue"
	"github.com/mikesvoboda/nemotron-v3-home-security-intelligence-sub003/redisconn"
	"github.com/mikesvoboda/nemotron-v3-home-security-intelligence-sub003/scripts"
	"github.com/mikesvoboda/nemotron-v3-home-security-intelligence-sub003/stream"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override (HSI_REDIS_ADDR, ...)
const EnvPrefix = "HSI"

// StartupMode defines how the service handles an unreachable store at boot
type StartupMode string

const (
	// StartupModeStrict fails fast when the store cannot be reached (default)
	StartupModeStrict StartupMode = "strict"
	// StartupModeGraceful starts with the store marked down and buffers work
	// in the fallback queues until it recovers
	StartupModeGraceful StartupMode = "graceful"
)

// Config holds all configuration for the service
type Config struct {
	StartupMode StartupMode `mapstructure:"startup_mode"`

	Redis struct {
		Addr         string        `mapstructure:"addr"`
		Password     string        `mapstructure:"password"`
		DB           int           `mapstructure:"db"`
		PoolSize     int           `mapstructure:"pool_size"`
		DialTimeout  time.Duration `mapstructure:"dial_timeout"`
		ReadTimeout  time.Duration `mapstructure:"read_timeout"`
		WriteTimeout time.Duration `mapstructure:"write_timeout"`
		TLS          struct {
			Enabled       bool   `mapstructure:"enabled"`
			VerifyMode    string `mapstructure:"verify_mode"` // none, optional, required
			CAFile        string `mapstructure:"ca_file"`
			CertFile      string `mapstructure:"cert_file"`
			KeyFile       string `mapstructure:"key_file"`
			CheckHostname bool   `mapstructure:"check_hostname"`
			ServerName    string `mapstructure:"server_name"`
		} `mapstructure:"tls"`
		Retry struct {
			MaxAttempts  int           `mapstructure:"max_attempts"`
			MaxRetries   int           `mapstructure:"max_retries"`
			BaseDelay    time.Duration `mapstructure:"base_delay"`
			MaxDelay     time.Duration `mapstructure:"max_delay"`
			JitterFactor float64       `mapstructure:"jitter_factor"`
		} `mapstructure:"retry"`
	} `mapstructure:"redis"`

	Queue struct {
		MaxSize               int64         `mapstructure:"max_size"`
		OverflowPolicy        string        `mapstructure:"overflow_policy"` // reject, dlq, drop_oldest
		BackpressureThreshold float64       `mapstructure:"backpressure_threshold"`
		MinBlockTimeout       time.Duration `mapstructure:"min_block_timeout"`
		MaxPeekItems          int64         `mapstructure:"max_peek_items"`
		MetricsTimeout        time.Duration `mapstructure:"metrics_timeout"`
		// AllowUnsafeAdd enables the unbounded legacy add; it has no
		// backpressure guarantees
		AllowUnsafeAdd bool `mapstructure:"allow_unsafe_add"`
	} `mapstructure:"queue"`

	Stream struct {
		Key              string        `mapstructure:"key"`
		Group            string        `mapstructure:"group"`
		MaxLen           int64         `mapstructure:"max_len"`
		BlockTimeout     time.Duration `mapstructure:"block_timeout"`
		ClaimIdle        time.Duration `mapstructure:"claim_idle"`
		MaxDeliveryCount int64         `mapstructure:"max_delivery_count"`
		BatchSize        int64         `mapstructure:"batch_size"`
		// WorkerEnabled runs a consumer in serve that forwards each entry's
		// payload to ForwardQueue
		WorkerEnabled bool   `mapstructure:"worker_enabled"`
		ForwardQueue  string `mapstructure:"forward_queue"`
	} `mapstructure:"stream"`

	Degradation struct {
		FailureThreshold    int           `mapstructure:"failure_threshold"`
		HealthCheckTimeout  time.Duration `mapstructure:"health_check_timeout"`
		HealthCheckInterval time.Duration `mapstructure:"health_check_interval"`
		MaxMemoryQueueSize  int           `mapstructure:"max_memory_queue_size"`
		FallbackDir         string        `mapstructure:"fallback_dir"`
		FallbackMaxSize     int           `mapstructure:"fallback_max_size"`
		FallbackSyncWrites  bool          `mapstructure:"fallback_sync_writes"`
		DrainRate           float64       `mapstructure:"drain_rate"` // items per second, 0 = unlimited
	} `mapstructure:"degradation"`

	Cache struct {
		LockTTL      time.Duration `mapstructure:"lock_ttl"`
		WaitTimeout  time.Duration `mapstructure:"wait_timeout"`
		PollInterval time.Duration `mapstructure:"poll_interval"`
	} `mapstructure:"cache"`

	Logging struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"` // console, json
	} `mapstructure:"logging"`

	Ops struct {
		Enabled bool   `mapstructure:"enabled"`
		Addr    string `mapstructure:"addr"`
	} `mapstructure:"ops"`

	Secrets struct {
		Provider string `mapstructure:"provider"` // env, vault, aws
		Vault    struct {
			Address string `mapstructure:"address"`
			Token   string `mapstructure:"token"`
			Path    string `mapstructure:"path"`
		} `mapstructure:"vault"`
		AWS struct {
			Region    string `mapstructure:"region"`
			AccessKey string `mapstructure:"access_key"`
			SecretKey string `mapstructure:"secret_key"`
			SecretID  string `mapstructure:"secret_id"`
		} `mapstructure:"aws"`
	} `mapstructure:"secrets"`
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("startup_mode", string(StartupModeStrict))

	rc := redisconn.DefaultConfig()
	v.SetDefault("redis.addr", rc.Addr)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", rc.PoolSize)
	v.SetDefault("redis.dial_timeout", rc.DialTimeout)
	v.SetDefault("redis.read_timeout", rc.ReadTimeout)
	v.SetDefault("redis.write_timeout", rc.WriteTimeout)
	v.SetDefault("redis.tls.enabled", false)
	v.SetDefault("redis.tls.verify_mode", string(redisconn.VerifyRequired))
	v.SetDefault("redis.tls.ca_file", "")
	v.SetDefault("redis.tls.cert_file", "")
	v.SetDefault("redis.tls.key_file", "")
	v.SetDefault("redis.tls.check_hostname", true)
	v.SetDefault("redis.tls.server_name", "")
	v.SetDefault("redis.retry.max_attempts", rc.Backoff.MaxAttempts)
	v.SetDefault("redis.retry.max_retries", rc.Backoff.MaxRetries)
	v.SetDefault("redis.retry.base_delay", rc.Backoff.BaseDelay)
	v.SetDefault("redis.retry.max_delay", rc.Backoff.MaxDelay)
	v.SetDefault("redis.retry.jitter_factor", rc.Backoff.JitterFactor)

	qc := queue.DefaultConfig()
	v.SetDefault("queue.max_size", qc.MaxSize)
	v.SetDefault("queue.overflow_policy", string(qc.OverflowPolicy))
	v.SetDefault("queue.backpressure_threshold", qc.BackpressureThreshold)
	v.SetDefault("queue.min_block_timeout", qc.MinBlockTimeout)
	v.SetDefault("queue.max_peek_items", qc.MaxPeekItems)
	v.SetDefault("queue.metrics_timeout", qc.MetricsTimeout)
	v.SetDefault("queue.allow_unsafe_add", false)

	sc := stream.DefaultConfig()
	v.SetDefault("stream.key", sc.Key)
	v.SetDefault("stream.group", sc.Group)
	v.SetDefault("stream.max_len", sc.MaxLen)
	v.SetDefault("stream.block_timeout", sc.BlockTimeout)
	v.SetDefault("stream.claim_idle", sc.ClaimIdle)
	v.SetDefault("stream.max_delivery_count", sc.MaxDeliveryCount)
	v.SetDefault("stream.batch_size", sc.BatchSize)
	v.SetDefault("stream.worker_enabled", false)
	v.SetDefault("stream.forward_queue", "detection_queue")

	dc := degradation.DefaultConfig()
	v.SetDefault("degradation.failure_threshold", dc.FailureThreshold)
	v.SetDefault("degradation.health_check_timeout", dc.HealthCheckTimeout)
	v.SetDefault("degradation.health_check_interval", dc.HealthCheckInterval)
	v.SetDefault("degradation.max_memory_queue_size", dc.MaxMemoryQueueSize)
	v.SetDefault("degradation.fallback_dir", "./data/fallback")
	v.SetDefault("degradation.fallback_max_size", dc.FallbackMaxSize)
	v.SetDefault("degradation.fallback_sync_writes", false)
	v.SetDefault("degradation.drain_rate", dc.DrainRate)

	cc := scripts.DefaultCacheConfig()
	v.SetDefault("cache.lock_ttl", cc.LockTTL)
	v.SetDefault("cache.wait_timeout", cc.WaitTimeout)
	v.SetDefault("cache.poll_interval", cc.PollInterval)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")

	v.SetDefault("ops.enabled", true)
	v.SetDefault("ops.addr", ":9108")

	v.SetDefault("secrets.provider", "env")
	v.SetDefault("secrets.vault.address", "http://127.0.0.1:8200")
	v.SetDefault("secrets.vault.token", "")
	v.SetDefault("secrets.vault.path", "secret/hsi")
	v.SetDefault("secrets.aws.region", "us-east-1")
	v.SetDefault("secrets.aws.access_key", "")
	v.SetDefault("secrets.aws.secret_key", "")
	v.SetDefault("secrets.aws.secret_id", "hsi/secrets")
}

// loadFromEnv sets up environment variable loading
func loadFromEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Shorter names for the settings operators touch most
	_ = v.BindEnv("redis.addr", "HSI_REDIS_ADDR", "REDIS_URL")
	_ = v.BindEnv("startup_mode", "HSI_STARTUP_MODE")
	_ = v.BindEnv("logging.level", "HSI_LOG_LEVEL", "HSI_LOGGING_LEVEL")
}

// LoadConfig loads configuration from an optional config.yaml (in . or
// ./config, or the explicit path) and HSI_ environment variables
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	setDefaults(v)
	loadFromEnv(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("unable to read config: %w", err)
		}
		// no config file, defaults and env vars only
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &config, nil
}

// IsGracefulMode returns true if the service should start without the store
func (c *Config) IsGracefulMode() bool {
	return c.StartupMode == StartupModeGraceful
}

// validateConfig validates the configuration for correctness
func validateConfig(config *Config) error {
	switch config.StartupMode {
	case StartupModeStrict, StartupModeGraceful:
	case "":
		config.StartupMode = StartupModeStrict
	default:
		return fmt.Errorf("invalid startup_mode %q (must be strict or graceful)", config.StartupMode)
	}

	if _, _, err := net.SplitHostPort(config.Redis.Addr); err != nil {
		return fmt.Errorf("invalid redis addr %q: %w", config.Redis.Addr, err)
	}
	if config.Redis.DB < 0 {
		return fmt.Errorf("redis db must not be negative")
	}
	if config.Redis.PoolSize <= 0 {
		return fmt.Errorf("redis pool_size must be positive")
	}
	if config.Redis.Retry.MaxAttempts < 1 {
		return fmt.Errorf("redis retry max_attempts must be at least 1")
	}
	if config.Redis.Retry.MaxRetries < 0 {
		return fmt.Errorf("redis retry max_retries must not be negative")
	}
	if config.Redis.Retry.BaseDelay <= 0 || config.Redis.Retry.MaxDelay < config.Redis.Retry.BaseDelay {
		return fmt.Errorf("redis retry delays invalid: base_delay must be positive and not exceed max_delay")
	}
	if config.Redis.Retry.JitterFactor < 0 || config.Redis.Retry.JitterFactor > 1 {
		return fmt.Errorf("redis retry jitter_factor must be between 0 and 1")
	}
	if config.Redis.TLS.Enabled {
		switch strings.ToLower(config.Redis.TLS.VerifyMode) {
		case "none", "optional", "required":
		default:
			return fmt.Errorf("invalid redis tls verify_mode %q (must be none, optional or required)", config.Redis.TLS.VerifyMode)
		}
		if (config.Redis.TLS.CertFile == "") != (config.Redis.TLS.KeyFile == "") {
			return fmt.Errorf("redis tls cert_file and key_file must be set together")
		}
	}

	// unknown policies fall back to reject in the queue layer; reject them
	// here so typos are caught at startup
	policy := queue.ParseOverflowPolicy(config.Queue.OverflowPolicy)
	if policy == queue.PolicyReject && !strings.EqualFold(strings.TrimSpace(config.Queue.OverflowPolicy), string(queue.PolicyReject)) {
		return fmt.Errorf("invalid queue overflow_policy %q (must be reject, dlq or drop_oldest)", config.Queue.OverflowPolicy)
	}
	if config.Queue.MaxSize < 0 {
		return fmt.Errorf("queue max_size must not be negative")
	}
	if config.Queue.BackpressureThreshold < 0 || config.Queue.BackpressureThreshold > 1 {
		return fmt.Errorf("queue backpressure_threshold must be between 0 and 1")
	}
	if config.Queue.MinBlockTimeout < time.Second {
		return fmt.Errorf("queue min_block_timeout must be at least 1s")
	}
	if config.Queue.MaxPeekItems <= 0 {
		return fmt.Errorf("queue max_peek_items must be positive")
	}

	if config.Stream.Key == "" || config.Stream.Group == "" {
		return fmt.Errorf("stream key and group cannot be empty")
	}
	if config.Stream.MaxDeliveryCount < 1 {
		return fmt.Errorf("stream max_delivery_count must be at least 1")
	}
	if config.Stream.WorkerEnabled && config.Stream.ForwardQueue == "" {
		return fmt.Errorf("stream forward_queue is required when worker_enabled is set")
	}

	if config.Degradation.FailureThreshold < 1 {
		return fmt.Errorf("degradation failure_threshold must be at least 1")
	}
	if config.Degradation.HealthCheckTimeout <= 0 || config.Degradation.HealthCheckInterval <= 0 {
		return fmt.Errorf("degradation health check timeout and interval must be positive")
	}
	if config.Degradation.FallbackMaxSize < 1 || config.Degradation.MaxMemoryQueueSize < 1 {
		return fmt.Errorf("degradation queue sizes must be at least 1")
	}
	if config.Degradation.DrainRate < 0 {
		return fmt.Errorf("degradation drain_rate must not be negative")
	}

	if config.Cache.LockTTL <= 0 || config.Cache.WaitTimeout <= 0 || config.Cache.PollInterval <= 0 {
		return fmt.Errorf("cache lock_ttl, wait_timeout and poll_interval must be positive")
	}

	switch strings.ToLower(config.Logging.Format) {
	case "console", "json":
	default:
		return fmt.Errorf("invalid logging format %q (must be console or json)", config.Logging.Format)
	}

	if config.Ops.Enabled {
		if _, _, err := net.SplitHostPort(config.Ops.Addr); err != nil {
			return fmt.Errorf("invalid ops addr %q: %w", config.Ops.Addr, err)
		}
	}

	switch config.Secrets.Provider {
	case "", "env", "vault", "aws":
	default:
		return fmt.Errorf("unsupported secret provider: %s", config.Secrets.Provider)
	}
	return nil
}

// RedisConfig returns the connection settings for redisconn
func (c *Config) RedisConfig() redisconn.Config {
	return redisconn.Config{
		Addr:         c.Redis.Addr,
		Password:     c.Redis.Password,
		DB:           c.Redis.DB,
		PoolSize:     c.Redis.PoolSize,
		DialTimeout:  c.Redis.DialTimeout,
		ReadTimeout:  c.Redis.ReadTimeout,
		WriteTimeout: c.Redis.WriteTimeout,
		TLS: redisconn.TLSConfig{
			Enabled:       c.Redis.TLS.Enabled,
			VerifyMode:    redisconn.ParseVerifyMode(c.Redis.TLS.VerifyMode),
			CAFile:        c.Redis.TLS.CAFile,
			CertFile:      c.Redis.TLS.CertFile,
			KeyFile:       c.Redis.TLS.KeyFile,
			CheckHostname: c.Redis.TLS.CheckHostname,
			ServerName:    c.Redis.TLS.ServerName,
		},
		Backoff: redisconn.BackoffConfig{
			MaxAttempts:  c.Redis.Retry.MaxAttempts,
			MaxRetries:   c.Redis.Retry.MaxRetries,
			BaseDelay:    c.Redis.Retry.BaseDelay,
			MaxDelay:     c.Redis.Retry.MaxDelay,
			JitterFactor: c.Redis.Retry.JitterFactor,
		},
	}
}

// QueueConfig returns the bounded queue settings
func (c *Config) QueueConfig() queue.Config {
	return queue.Config{
		MaxSize:               c.Queue.MaxSize,
		OverflowPolicy:        queue.ParseOverflowPolicy(c.Queue.OverflowPolicy),
		BackpressureThreshold: c.Queue.BackpressureThreshold,
		MinBlockTimeout:       c.Queue.MinBlockTimeout,
		MaxPeekItems:          c.Queue.MaxPeekItems,
		MetricsTimeout:        c.Queue.MetricsTimeout,
		AllowUnsafeAdd:        c.Queue.AllowUnsafeAdd,
	}
}

// StreamConfig returns the detection stream settings
func (c *Config) StreamConfig() stream.Config {
	return stream.Config{
		Key:              c.Stream.Key,
		Group:            c.Stream.Group,
		MaxLen:           c.Stream.MaxLen,
		BlockTimeout:     c.Stream.BlockTimeout,
		ClaimIdle:        c.Stream.ClaimIdle,
		MaxDeliveryCount: c.Stream.MaxDeliveryCount,
		BatchSize:        c.Stream.BatchSize,
	}
}

// DegradationConfig returns the degradation manager settings
func (c *Config) DegradationConfig() degradation.Config {
	return degradation.Config{
		FailureThreshold:    c.Degradation.FailureThreshold,
		HealthCheckTimeout:  c.Degradation.HealthCheckTimeout,
		HealthCheckInterval: c.Degradation.HealthCheckInterval,
		MaxMemoryQueueSize:  c.Degradation.MaxMemoryQueueSize,
		FallbackMaxSize:     c.Degradation.FallbackMaxSize,
		DrainRate:           c.Degradation.DrainRate,
	}
}

// FallbackStoreConfig returns the disk fallback store settings
func (c *Config) FallbackStoreConfig() degradation.StoreConfig {
	return degradation.StoreConfig{
		Dir:        c.Degradation.FallbackDir,
		SyncWrites: c.Degradation.FallbackSyncWrites,
	}
}

// CacheConfig returns the stampede-protected cache settings
func (c *Config) CacheConfig() scripts.CacheConfig {
	return scripts.CacheConfig{
		LockTTL:      c.Cache.LockTTL,
		WaitTimeout:  c.Cache.WaitTimeout,
		PollInterval: c.Cache.PollInterval,
	}
}
