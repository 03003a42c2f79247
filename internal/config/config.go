package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/pixelcache/pixelcache/pkg/errors"
	"github.com/pixelcache/pixelcache/pkg/utils"
)

// Persistent backends accepted by cache.persistent.backend
const (
	BackendNone       = "none"
	BackendFilesystem = "filesystem"
	BackendRedis      = "redis"
	BackendS3         = "s3"
)

// Configuration represents the complete application configuration
type Configuration struct {
	Global     GlobalConfig     `yaml:"global"`
	Server     ServerConfig     `yaml:"server"`
	Cache      CacheConfig      `yaml:"cache"`
	Transform  TransformConfig  `yaml:"transform"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
}

// GlobalConfig represents global application settings
type GlobalConfig struct {
	LogLevel  string         `yaml:"log_level"`
	LogFile   string         `yaml:"log_file"`
	LogFormat string         `yaml:"log_format"`
	Rotation  RotationConfig `yaml:"rotation"`
}

// RotationConfig controls log file rotation when log_file is set
type RotationConfig struct {
	MaxSizeMB  int  `yaml:"max_size_mb"`
	MaxBackups int  `yaml:"max_backups"`
	MaxAgeDays int  `yaml:"max_age_days"`
	Compress   bool `yaml:"compress"`
}

// ServerConfig represents the HTTP listener settings
type ServerConfig struct {
	Address         string        `yaml:"address"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	EnableCORS      bool          `yaml:"enable_cors"`
	EnableAdmin     bool          `yaml:"enable_admin"`
	SingleFlight    bool          `yaml:"single_flight"`
}

// CacheConfig represents both cache tiers
type CacheConfig struct {
	Memory     MemoryConfig     `yaml:"memory"`
	Persistent PersistentConfig `yaml:"persistent"`
}

// MemoryConfig represents the in-process tier
type MemoryConfig struct {
	MaxSize      string        `yaml:"max_size"`
	TTL          time.Duration `yaml:"ttl"`
	MaxEntrySize string        `yaml:"max_entry_size"`
}

// PersistentConfig selects and configures the second tier
type PersistentConfig struct {
	Backend    string           `yaml:"backend"`
	Filesystem FilesystemConfig `yaml:"filesystem"`
	Redis      RedisConfig      `yaml:"redis"`
	S3         S3Config         `yaml:"s3"`
}

// FilesystemConfig represents the sharded on-disk tier
type FilesystemConfig struct {
	Directory string        `yaml:"directory"`
	MaxSize   string        `yaml:"max_size"`
	TTL       time.Duration `yaml:"ttl"`
}

// RedisConfig represents the key-value tier
type RedisConfig struct {
	URL         string        `yaml:"url"`
	Prefix      string        `yaml:"prefix"`
	TTL         time.Duration `yaml:"ttl"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// S3Config represents the object-store tier
type S3Config struct {
	Bucket          string        `yaml:"bucket"`
	Prefix          string        `yaml:"prefix"`
	Region          string        `yaml:"region"`
	Endpoint        string        `yaml:"endpoint"`
	ForcePathStyle  bool          `yaml:"force_path_style"`
	AccessKeyID     string        `yaml:"access_key_id"`
	SecretAccessKey string        `yaml:"secret_access_key"`
	TTL             time.Duration `yaml:"ttl"`
}

// TransformConfig represents fetch and encode settings
type TransformConfig struct {
	FetchTimeout   time.Duration `yaml:"fetch_timeout"`
	MaxSourceSize  string        `yaml:"max_source_size"`
	DefaultFormat  string        `yaml:"default_format"`
	DefaultQuality int           `yaml:"default_quality"`
	MaxConcurrency int           `yaml:"max_concurrency"`
	UserAgent      string        `yaml:"user_agent"`
	Retry          RetryConfig   `yaml:"retry"`
	CircuitBreaker CircuitConfig `yaml:"circuit_breaker"`
}

// RetryConfig represents upstream fetch retry settings
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

// CircuitConfig represents per-host circuit breaker settings
type CircuitConfig struct {
	Enabled      bool          `yaml:"enabled"`
	MinRequests  uint32        `yaml:"min_requests"`
	FailureRatio float64       `yaml:"failure_ratio"`
	Timeout      time.Duration `yaml:"timeout"`
	// MaxHosts bounds the breakers kept for distinct origins
	MaxHosts     int           `yaml:"max_hosts"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// MonitoringConfig represents metrics settings
type MonitoringConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
}

// MetricsConfig represents metrics settings
type MetricsConfig struct {
	Enabled      bool              `yaml:"enabled"`
	Path         string            `yaml:"path"`
	Namespace    string            `yaml:"namespace"`
	CustomLabels map[string]string `yaml:"custom_labels"`
}

// NewDefault returns a configuration that runs memory-only with no setup
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			LogLevel:  "INFO",
			LogFormat: "text",
			Rotation: RotationConfig{
				MaxSizeMB:  100,
				MaxBackups: 5,
				MaxAgeDays: 30,
			},
		},
		Server: ServerConfig{
			Address:         ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    60 * time.Second,
			IdleTimeout:     120 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			EnableCORS:      true,
			EnableAdmin:     false,
			SingleFlight:    true,
		},
		Cache: CacheConfig{
			Memory: MemoryConfig{
				MaxSize:      "50MB",
				TTL:          30 * time.Minute,
				MaxEntrySize: "0",
			},
			Persistent: PersistentConfig{
				Backend: BackendNone,
				Filesystem: FilesystemConfig{
					Directory: ".cache/images",
					MaxSize:   "500MB",
					TTL:       7 * 24 * time.Hour,
				},
				Redis: RedisConfig{
					Prefix:      "pixelcache:",
					TTL:         24 * time.Hour,
					DialTimeout: 5 * time.Second,
				},
				S3: S3Config{
					Prefix: "pixelcache/",
					Region: "us-east-1",
					TTL:    7 * 24 * time.Hour,
				},
			},
		},
		Transform: TransformConfig{
			FetchTimeout:   15 * time.Second,
			MaxSourceSize:  "25MB",
			DefaultFormat:  "webp",
			DefaultQuality: 80,
			MaxConcurrency: 0, // runtime.NumCPU()
			UserAgent:      "pixelcache/1.0",
			Retry: RetryConfig{
				MaxAttempts: 3,
				BaseDelay:   100 * time.Millisecond,
				MaxDelay:    2 * time.Second,
			},
			CircuitBreaker: CircuitConfig{
				Enabled:      true,
				MinRequests:  20,
				FailureRatio: 0.5,
				Timeout:      30 * time.Second,
				MaxHosts:     1024,
				IdleTimeout:  10 * time.Minute,
			},
		},
		Monitoring: MonitoringConfig{
			Metrics: MetricsConfig{
				Enabled:   true,
				Path:      "/metrics",
				Namespace: "pixelcache",
				CustomLabels: map[string]string{
					"service": "pixelcache",
				},
			},
		},
	}
}

// LoadFromFile loads configuration from a YAML file
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return errors.Wrap(errors.ErrCodeConfigLoad, "failed to read config file", err).
			WithContext("file", filename)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return errors.Wrap(errors.ErrCodeConfigLoad, "failed to parse config file", err).
			WithContext("file", filename)
	}

	return nil
}

// LoadFromEnv loads configuration from PIXELCACHE_* environment variables.
// Malformed numeric, boolean or duration values are reported, not ignored.
func (c *Configuration) LoadFromEnv() error {
	var problems []string
	str := func(name string, dst *string) {
		if val := os.Getenv(name); val != "" {
			*dst = val
		}
	}
	dur := func(name string, dst *time.Duration) {
		if val := os.Getenv(name); val != "" {
			d, err := time.ParseDuration(val)
			if err != nil {
				problems = append(problems, fmt.Sprintf("%s=%q", name, val))
				return
			}
			*dst = d
		}
	}
	boolean := func(name string, dst *bool) {
		if val := os.Getenv(name); val != "" {
			b, err := strconv.ParseBool(val)
			if err != nil {
				problems = append(problems, fmt.Sprintf("%s=%q", name, val))
				return
			}
			*dst = b
		}
	}

	// Global settings
	str("PIXELCACHE_LOG_LEVEL", &c.Global.LogLevel)
	str("PIXELCACHE_LOG_FILE", &c.Global.LogFile)
	str("PIXELCACHE_LOG_FORMAT", &c.Global.LogFormat)

	// Server settings
	str("PIXELCACHE_ADDRESS", &c.Server.Address)
	boolean("PIXELCACHE_SINGLE_FLIGHT", &c.Server.SingleFlight)
	boolean("PIXELCACHE_ENABLE_ADMIN", &c.Server.EnableAdmin)

	// Cache settings
	str("PIXELCACHE_MEMORY_SIZE", &c.Cache.Memory.MaxSize)
	dur("PIXELCACHE_MEMORY_TTL", &c.Cache.Memory.TTL)
	str("PIXELCACHE_CACHE_BACKEND", &c.Cache.Persistent.Backend)
	str("PIXELCACHE_CACHE_DIR", &c.Cache.Persistent.Filesystem.Directory)
	str("PIXELCACHE_DISK_SIZE", &c.Cache.Persistent.Filesystem.MaxSize)
	dur("PIXELCACHE_DISK_TTL", &c.Cache.Persistent.Filesystem.TTL)
	str("PIXELCACHE_REDIS_URL", &c.Cache.Persistent.Redis.URL)
	dur("PIXELCACHE_REDIS_TTL", &c.Cache.Persistent.Redis.TTL)
	str("PIXELCACHE_S3_BUCKET", &c.Cache.Persistent.S3.Bucket)
	str("PIXELCACHE_S3_PREFIX", &c.Cache.Persistent.S3.Prefix)
	str("PIXELCACHE_S3_REGION", &c.Cache.Persistent.S3.Region)
	str("PIXELCACHE_S3_ENDPOINT", &c.Cache.Persistent.S3.Endpoint)
	dur("PIXELCACHE_S3_TTL", &c.Cache.Persistent.S3.TTL)

	// Transform settings
	dur("PIXELCACHE_FETCH_TIMEOUT", &c.Transform.FetchTimeout)
	str("PIXELCACHE_MAX_SOURCE_SIZE", &c.Transform.MaxSourceSize)

	if len(problems) > 0 {
		return errors.NewError(errors.ErrCodeConfigLoad, "invalid environment values").
			WithDetail("variables", problems)
	}
	return nil
}

// SaveToFile saves the configuration to a YAML file
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return errors.Wrap(errors.ErrCodeConfigSave, "failed to marshal config", err)
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return errors.Wrap(errors.ErrCodeConfigSave, "failed to create config directory", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return errors.Wrap(errors.ErrCodeConfigSave, "failed to write config file", err)
	}

	return nil
}

// Validate validates the configuration
func (c *Configuration) Validate() error {
	invalid := func(format string, args ...interface{}) error {
		return errors.NewError(errors.ErrCodeConfigValidation, fmt.Sprintf(format, args...))
	}

	if _, err := utils.ParseLogLevel(c.Global.LogLevel); err != nil {
		return invalid("invalid log_level: %s (must be one of: DEBUG, INFO, WARN, ERROR)", c.Global.LogLevel)
	}
	switch strings.ToLower(c.Global.LogFormat) {
	case "", "text", "json":
	default:
		return invalid("invalid log_format: %s (must be text or json)", c.Global.LogFormat)
	}

	if c.Server.Address == "" {
		return invalid("server.address must not be empty")
	}

	if _, err := c.MemoryBytes(); err != nil {
		return invalid("cache.memory.max_size: %v", err)
	}
	if _, err := c.MaxEntryBytes(); err != nil {
		return invalid("cache.memory.max_entry_size: %v", err)
	}
	if c.Cache.Memory.TTL <= 0 {
		return invalid("cache.memory.ttl must be greater than 0")
	}

	p := c.Cache.Persistent
	switch p.Backend {
	case BackendNone, "":
	case BackendFilesystem:
		if p.Filesystem.Directory == "" {
			return invalid("cache.persistent.filesystem.directory must not be empty")
		}
		if _, err := utils.ParseBytes(p.Filesystem.MaxSize); err != nil {
			return invalid("cache.persistent.filesystem.max_size: %v", err)
		}
		if p.Filesystem.TTL <= 0 {
			return invalid("cache.persistent.filesystem.ttl must be greater than 0")
		}
	case BackendRedis:
		u, err := url.Parse(p.Redis.URL)
		if err != nil || (u.Scheme != "redis" && u.Scheme != "rediss") {
			return invalid("cache.persistent.redis.url must be a redis:// or rediss:// URL")
		}
		if p.Redis.TTL <= 0 {
			return invalid("cache.persistent.redis.ttl must be greater than 0")
		}
	case BackendS3:
		if p.S3.Bucket == "" {
			return invalid("cache.persistent.s3.bucket must not be empty")
		}
		if p.S3.TTL <= 0 {
			return invalid("cache.persistent.s3.ttl must be greater than 0")
		}
	default:
		return invalid("invalid cache.persistent.backend: %s (must be one of: none, filesystem, redis, s3)", p.Backend)
	}

	if c.Transform.FetchTimeout <= 0 {
		return invalid("transform.fetch_timeout must be greater than 0")
	}
	if n, err := c.MaxSourceBytes(); err != nil || n <= 0 {
		return invalid("transform.max_source_size must be a positive byte size")
	}
	if q := c.Transform.DefaultQuality; q < 1 || q > 100 {
		return invalid("transform.default_quality must be between 1 and 100")
	}
	if c.Transform.MaxConcurrency < 0 {
		return invalid("transform.max_concurrency must not be negative")
	}
	if c.Transform.Retry.MaxAttempts < 1 {
		return invalid("transform.retry.max_attempts must be at least 1")
	}

	return nil
}

// MemoryBytes returns the memory tier budget in bytes
func (c *Configuration) MemoryBytes() (int64, error) {
	return utils.ParseBytes(c.Cache.Memory.MaxSize)
}

// MaxEntryBytes returns the memory tier per-entry cap; 0 disables it
func (c *Configuration) MaxEntryBytes() (int64, error) {
	if c.Cache.Memory.MaxEntrySize == "" {
		return 0, nil
	}
	return utils.ParseBytes(c.Cache.Memory.MaxEntrySize)
}

// DiskBytes returns the filesystem tier budget in bytes
func (c *Configuration) DiskBytes() (int64, error) {
	return utils.ParseBytes(c.Cache.Persistent.Filesystem.MaxSize)
}

// MaxSourceBytes returns the largest upstream body the pipeline will read
func (c *Configuration) MaxSourceBytes() (int64, error) {
	return utils.ParseBytes(c.Transform.MaxSourceSize)
}

// Load resolves configuration from defaults, then an optional YAML file,
// then the environment, and validates the result.
func Load(filename string) (*Configuration, error) {
	cfg := NewDefault()
	if filename != "" {
		if err := cfg.LoadFromFile(filename); err != nil {
			return nil, err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}
	if cfg.Cache.Persistent.Backend == "" {
		cfg.Cache.Persistent.Backend = BackendNone
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
