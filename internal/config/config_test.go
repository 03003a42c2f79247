package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pixelcache/pixelcache/pkg/errors"
)

// Test Constants
const (
	TestDebugLevel = "DEBUG"
	TestMemorySize = "128MB"
)

func TestNewDefault(t *testing.T) {
	cfg := NewDefault()

	if cfg.Global.LogLevel != "INFO" {
		t.Errorf("Expected LogLevel to be INFO, got %s", cfg.Global.LogLevel)
	}
	if cfg.Server.Address != ":8080" {
		t.Errorf("Expected Address to be :8080, got %s", cfg.Server.Address)
	}
	if !cfg.Server.SingleFlight {
		t.Error("Expected SingleFlight to be enabled by default")
	}
	if cfg.Server.EnableAdmin {
		t.Error("Expected EnableAdmin to be disabled by default")
	}

	if cfg.Cache.Persistent.Backend != BackendNone {
		t.Errorf("Expected memory-only default, got backend %s", cfg.Cache.Persistent.Backend)
	}
	if n, _ := cfg.MemoryBytes(); n != 50*1024*1024 {
		t.Errorf("Expected 50MB memory budget, got %d", n)
	}
	if cfg.Cache.Memory.TTL != 30*time.Minute {
		t.Errorf("Expected memory TTL 30m, got %v", cfg.Cache.Memory.TTL)
	}
	if n, _ := cfg.MaxEntryBytes(); n != 0 {
		t.Errorf("Expected MaxEntrySize disabled, got %d", n)
	}
	if n, _ := cfg.DiskBytes(); n != 500*1024*1024 {
		t.Errorf("Expected 500MB disk budget, got %d", n)
	}
	if cfg.Cache.Persistent.Filesystem.TTL != 7*24*time.Hour {
		t.Errorf("Expected disk TTL 7d, got %v", cfg.Cache.Persistent.Filesystem.TTL)
	}
	if cfg.Cache.Persistent.Redis.TTL != 24*time.Hour {
		t.Errorf("Expected redis TTL 24h, got %v", cfg.Cache.Persistent.Redis.TTL)
	}

	if cfg.Transform.FetchTimeout != 15*time.Second {
		t.Errorf("Expected FetchTimeout 15s, got %v", cfg.Transform.FetchTimeout)
	}
	if n, _ := cfg.MaxSourceBytes(); n != 25*1024*1024 {
		t.Errorf("Expected 25MB source limit, got %d", n)
	}
	if cfg.Transform.DefaultQuality != 80 {
		t.Errorf("Expected DefaultQuality 80, got %d", cfg.Transform.DefaultQuality)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		config  func() *Configuration
		wantErr bool
		errMsg  string
	}{
		{
			name:   "valid config",
			config: NewDefault,
		},
		{
			name: "invalid log level",
			config: func() *Configuration {
				cfg := NewDefault()
				cfg.Global.LogLevel = "VERBOSE"
				return cfg
			},
			wantErr: true,
			errMsg:  "invalid log_level",
		},
		{
			name: "invalid memory size",
			config: func() *Configuration {
				cfg := NewDefault()
				cfg.Cache.Memory.MaxSize = "plenty"
				return cfg
			},
			wantErr: true,
			errMsg:  "cache.memory.max_size",
		},
		{
			name: "unknown backend",
			config: func() *Configuration {
				cfg := NewDefault()
				cfg.Cache.Persistent.Backend = "memcached"
				return cfg
			},
			wantErr: true,
			errMsg:  "invalid cache.persistent.backend",
		},
		{
			name: "filesystem backend",
			config: func() *Configuration {
				cfg := NewDefault()
				cfg.Cache.Persistent.Backend = BackendFilesystem
				return cfg
			},
		},
		{
			name: "redis backend without url",
			config: func() *Configuration {
				cfg := NewDefault()
				cfg.Cache.Persistent.Backend = BackendRedis
				return cfg
			},
			wantErr: true,
			errMsg:  "redis.url",
		},
		{
			name: "redis backend",
			config: func() *Configuration {
				cfg := NewDefault()
				cfg.Cache.Persistent.Backend = BackendRedis
				cfg.Cache.Persistent.Redis.URL = "redis://localhost:6379/0"
				return cfg
			},
		},
		{
			name: "s3 backend without bucket",
			config: func() *Configuration {
				cfg := NewDefault()
				cfg.Cache.Persistent.Backend = BackendS3
				return cfg
			},
			wantErr: true,
			errMsg:  "s3.bucket",
		},
		{
			name: "quality out of range",
			config: func() *Configuration {
				cfg := NewDefault()
				cfg.Transform.DefaultQuality = 101
				return cfg
			},
			wantErr: true,
			errMsg:  "default_quality",
		},
		{
			name: "zero fetch timeout",
			config: func() *Configuration {
				cfg := NewDefault()
				cfg.Transform.FetchTimeout = 0
				return cfg
			},
			wantErr: true,
			errMsg:  "fetch_timeout",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config().Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if err != nil {
				if !errors.HasCode(err, errors.ErrCodeConfigValidation) {
					t.Errorf("Validate() error code = %v", err)
				}
				if !strings.Contains(err.Error(), tt.errMsg) {
					t.Errorf("Validate() error = %v, want error containing %v", err, tt.errMsg)
				}
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configFile := filepath.Join(tmpDir, "config.yaml")

	configContent := `
global:
  log_level: DEBUG
  log_format: json

server:
  address: ":9000"
  enable_admin: true

cache:
  memory:
    max_size: 128MB
    ttl: 10m
  persistent:
    backend: filesystem
    filesystem:
      directory: /tmp/pixelcache
      ttl: 2h
`

	if err := os.WriteFile(configFile, []byte(configContent), 0600); err != nil {
		t.Fatalf("Failed to write test config file: %v", err)
	}

	cfg := NewDefault()
	if err := cfg.LoadFromFile(configFile); err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}

	if cfg.Global.LogLevel != TestDebugLevel {
		t.Errorf("Expected LogLevel to be DEBUG, got %s", cfg.Global.LogLevel)
	}
	if cfg.Server.Address != ":9000" || !cfg.Server.EnableAdmin {
		t.Errorf("unexpected server config: %+v", cfg.Server)
	}
	if cfg.Cache.Memory.MaxSize != TestMemorySize {
		t.Errorf("Expected MaxSize to be 128MB, got %s", cfg.Cache.Memory.MaxSize)
	}
	if cfg.Cache.Memory.TTL != 10*time.Minute {
		t.Errorf("Expected memory TTL 10m, got %v", cfg.Cache.Memory.TTL)
	}
	if cfg.Cache.Persistent.Backend != BackendFilesystem {
		t.Errorf("Expected filesystem backend, got %s", cfg.Cache.Persistent.Backend)
	}
	if cfg.Cache.Persistent.Filesystem.TTL != 2*time.Hour {
		t.Errorf("Expected disk TTL 2h, got %v", cfg.Cache.Persistent.Filesystem.TTL)
	}
	// Untouched keys keep their defaults
	if cfg.Cache.Persistent.Filesystem.MaxSize != "500MB" {
		t.Errorf("Expected default disk size, got %s", cfg.Cache.Persistent.Filesystem.MaxSize)
	}
}

func TestLoadFromFileNonExistent(t *testing.T) {
	cfg := NewDefault()
	err := cfg.LoadFromFile("/nonexistent/config.yaml")
	if !errors.HasCode(err, errors.ErrCodeConfigLoad) {
		t.Errorf("Expected CONFIG_LOAD error, got %v", err)
	}
}

func TestLoadFromEnv(t *testing.T) {
	testEnvVars := map[string]string{
		"PIXELCACHE_LOG_LEVEL":     "ERROR",
		"PIXELCACHE_ADDRESS":       ":7000",
		"PIXELCACHE_MEMORY_SIZE":   TestMemorySize,
		"PIXELCACHE_MEMORY_TTL":    "5m",
		"PIXELCACHE_CACHE_BACKEND": BackendRedis,
		"PIXELCACHE_REDIS_URL":     "redis://cache:6379/1",
		"PIXELCACHE_REDIS_TTL":     "1h",
		"PIXELCACHE_SINGLE_FLIGHT": "false",
		"PIXELCACHE_ENABLE_ADMIN":  "true",
		"PIXELCACHE_FETCH_TIMEOUT": "3s",
	}

	for key, value := range testEnvVars {
		t.Setenv(key, value)
	}

	cfg := NewDefault()
	if err := cfg.LoadFromEnv(); err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}

	if cfg.Global.LogLevel != "ERROR" {
		t.Errorf("Expected LogLevel to be ERROR, got %s", cfg.Global.LogLevel)
	}
	if cfg.Server.Address != ":7000" {
		t.Errorf("Expected Address :7000, got %s", cfg.Server.Address)
	}
	if cfg.Cache.Memory.MaxSize != TestMemorySize || cfg.Cache.Memory.TTL != 5*time.Minute {
		t.Errorf("unexpected memory config: %+v", cfg.Cache.Memory)
	}
	if cfg.Cache.Persistent.Backend != BackendRedis {
		t.Errorf("Expected redis backend, got %s", cfg.Cache.Persistent.Backend)
	}
	if cfg.Cache.Persistent.Redis.URL != "redis://cache:6379/1" || cfg.Cache.Persistent.Redis.TTL != time.Hour {
		t.Errorf("unexpected redis config: %+v", cfg.Cache.Persistent.Redis)
	}
	if cfg.Server.SingleFlight {
		t.Error("Expected SingleFlight to be false")
	}
	if !cfg.Server.EnableAdmin {
		t.Error("Expected EnableAdmin to be true")
	}
	if cfg.Transform.FetchTimeout != 3*time.Second {
		t.Errorf("Expected FetchTimeout 3s, got %v", cfg.Transform.FetchTimeout)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("env-derived config should validate: %v", err)
	}
}

func TestLoadFromEnvMalformed(t *testing.T) {
	t.Setenv("PIXELCACHE_MEMORY_TTL", "forever")
	t.Setenv("PIXELCACHE_SINGLE_FLIGHT", "maybe")

	cfg := NewDefault()
	err := cfg.LoadFromEnv()
	if !errors.HasCode(err, errors.ErrCodeConfigLoad) {
		t.Fatalf("Expected CONFIG_LOAD error, got %v", err)
	}
	if cfg.Cache.Memory.TTL != 30*time.Minute {
		t.Error("malformed value must not overwrite the default")
	}
}

func TestLoad(t *testing.T) {
	configFile := filepath.Join(t.TempDir(), "config.yaml")
	content := "cache:\n  memory:\n    max_size: 10MB\n"
	if err := os.WriteFile(configFile, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PIXELCACHE_MEMORY_SIZE", "20MB")

	cfg, err := Load(configFile)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Cache.Memory.MaxSize != "20MB" {
		t.Errorf("environment should override file, got %s", cfg.Cache.Memory.MaxSize)
	}

	t.Setenv("PIXELCACHE_CACHE_BACKEND", "tape")
	if _, err := Load(""); err == nil {
		t.Error("Load() should reject an invalid backend")
	}
}

func TestSaveToFile(t *testing.T) {
	tmpDir := t.TempDir()
	configFile := filepath.Join(tmpDir, "saved_config.yaml")

	cfg := NewDefault()
	cfg.Global.LogLevel = TestDebugLevel
	cfg.Cache.Memory.MaxSize = TestMemorySize
	cfg.Cache.Persistent.Filesystem.TTL = 2 * time.Hour

	if err := cfg.SaveToFile(configFile); err != nil {
		t.Fatalf("SaveToFile() error = %v", err)
	}

	if _, err := os.Stat(configFile); os.IsNotExist(err) {
		t.Error("Config file was not created")
	}

	newCfg := NewDefault()
	if err := newCfg.LoadFromFile(configFile); err != nil {
		t.Fatalf("Failed to load saved config: %v", err)
	}

	if newCfg.Global.LogLevel != TestDebugLevel {
		t.Errorf("Expected LogLevel to be DEBUG, got %s", newCfg.Global.LogLevel)
	}
	if newCfg.Cache.Memory.MaxSize != TestMemorySize {
		t.Errorf("Expected MaxSize to be 128MB, got %s", newCfg.Cache.Memory.MaxSize)
	}
	if newCfg.Cache.Persistent.Filesystem.TTL != 2*time.Hour {
		t.Errorf("Expected disk TTL 2h, got %v", newCfg.Cache.Persistent.Filesystem.TTL)
	}
}

func TestSaveToFileCreateDirectory(t *testing.T) {
	tmpDir := t.TempDir()
	configFile := filepath.Join(tmpDir, "subdir", "config.yaml")

	cfg := NewDefault()
	if err := cfg.SaveToFile(configFile); err != nil {
		t.Fatalf("SaveToFile() error = %v", err)
	}

	if _, err := os.Stat(filepath.Dir(configFile)); os.IsNotExist(err) {
		t.Error("Config directory was not created")
	}
}
