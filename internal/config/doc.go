/*
Package config provides configuration management for pixelcache.

Configuration is resolved once at startup, in increasing priority:

	┌─────────────────────────────────────────────┐
	│        Environment Variables                │ ← Highest Priority
	│           (PIXELCACHE_*)                    │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│         Configuration File                  │
	│            (YAML, -config flag)             │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│           Default Values                    │ ← Lowest Priority
	│        (memory-only, zero setup)            │
	└─────────────────────────────────────────────┘

The persistent cache backend is an explicit setting. Nothing is inferred
from the hosting platform.

# Usage

	cfg, err := config.Load("/etc/pixelcache/config.yaml")
	if err != nil {
		log.Fatal(err)
	}

or step by step:

	cfg := config.NewDefault()
	if err := cfg.LoadFromFile(path); err != nil {
		return err
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

# File format

	global:
	  log_level: INFO
	  log_format: json
	  log_file: /var/log/pixelcache.log

	server:
	  address: ":8080"
	  single_flight: true
	  enable_admin: false

	cache:
	  memory:
	    max_size: 50MB
	    ttl: 30m
	  persistent:
	    backend: filesystem   # none | filesystem | redis | s3
	    filesystem:
	      directory: .cache/images
	      max_size: 500MB
	      ttl: 168h
	    redis:
	      url: redis://localhost:6379/0
	      ttl: 24h
	    s3:
	      bucket: image-cache
	      prefix: pixelcache/
	      endpoint: http://localhost:9000
	      force_path_style: true

	transform:
	  fetch_timeout: 15s
	  max_source_size: 25MB
	  default_quality: 80

# Environment variables

	PIXELCACHE_LOG_LEVEL, PIXELCACHE_LOG_FILE, PIXELCACHE_LOG_FORMAT
	PIXELCACHE_ADDRESS, PIXELCACHE_SINGLE_FLIGHT, PIXELCACHE_ENABLE_ADMIN
	PIXELCACHE_MEMORY_SIZE, PIXELCACHE_MEMORY_TTL
	PIXELCACHE_CACHE_BACKEND, PIXELCACHE_CACHE_DIR, PIXELCACHE_DISK_SIZE, PIXELCACHE_DISK_TTL
	PIXELCACHE_REDIS_URL, PIXELCACHE_REDIS_TTL
	PIXELCACHE_S3_BUCKET, PIXELCACHE_S3_PREFIX, PIXELCACHE_S3_REGION, PIXELCACHE_S3_ENDPOINT, PIXELCACHE_S3_TTL
	PIXELCACHE_FETCH_TIMEOUT, PIXELCACHE_MAX_SOURCE_SIZE

Byte sizes accept human units ("50MB", "1.5G"). Durations use Go syntax
("30m", "168h").
*/
package config
