package cache

import (
	"context"
	stderr "errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/pixelcache/pixelcache/internal/config"
	"github.com/pixelcache/pixelcache/pkg/errors"
	"github.com/pixelcache/pixelcache/pkg/types"
)

// Recorder receives cache events for metrics
type Recorder interface {
	RecordLookup(source types.Source)
	RecordTierError(tier string)
	SetMemoryBytes(n int64)
	SetPersistentEnabled(tier string, enabled bool)
}

type nopRecorder struct{}

func (nopRecorder) RecordLookup(types.Source)         {}
func (nopRecorder) RecordTierError(string)            {}
func (nopRecorder) SetMemoryBytes(int64)              {}
func (nopRecorder) SetPersistentEnabled(string, bool) {}

// Orchestrator is the two-tier read-through, write-through cache
type Orchestrator struct {
	memory     *MemoryTier
	persistent PersistentTier
	logger     *slog.Logger
	recorder   Recorder

	memoryHits     atomic.Uint64
	persistentHits atomic.Uint64
	misses         atomic.Uint64
	tierMisses     atomic.Uint64
	tierWrites     atomic.Uint64
	tierErrors     atomic.Uint64
}

var _ types.ImageCache = (*Orchestrator)(nil)

// Option customizes New
type Option func(*options)

type options struct {
	recorder   Recorder
	health     types.HealthReporter
	persistent PersistentTier
	now        func() time.Time
}

// WithRecorder reports lookups and tier state to r
func WithRecorder(r Recorder) Option {
	return func(o *options) { o.recorder = r }
}

// WithHealth reports persistent tier degradation to h
func WithHealth(h types.HealthReporter) Option {
	return func(o *options) { o.health = h }
}

// WithPersistentTier bypasses backend selection and uses t
func WithPersistentTier(t PersistentTier) Option {
	return func(o *options) { o.persistent = t }
}

func withClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// New builds the orchestrator and the persistent tier chosen by
// cfg.Cache.Persistent.Backend. An unreachable backend does not fail
// construction; the tier starts disabled and the cache runs memory-only.
func New(cfg *config.Configuration, logger *slog.Logger, opts ...Option) (*Orchestrator, error) {
	o := options{recorder: nopRecorder{}, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	memSize, err := cfg.MemoryBytes()
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeInvalidConfig, "cache.memory.max_size", err)
	}
	maxEntry, err := cfg.MaxEntryBytes()
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeInvalidConfig, "cache.memory.max_entry_size", err)
	}
	memory := newMemoryTier(MemoryOptions{
		MaxSize:      memSize,
		TTL:          cfg.Cache.Memory.TTL,
		MaxEntrySize: maxEntry,
	}, o.now)

	persistent := o.persistent
	if persistent == nil {
		persistent, err = newPersistentTier(cfg, logger, o.health, o.now)
		if err != nil {
			return nil, err
		}
	}

	return NewOrchestrator(memory, persistent, logger, WithRecorder(o.recorder)), nil
}

func newPersistentTier(cfg *config.Configuration, logger *slog.Logger, health types.HealthReporter, now func() time.Time) (PersistentTier, error) {
	p := cfg.Cache.Persistent
	switch p.Backend {
	case config.BackendNone, "":
		return NewDisabledTier(), nil
	case config.BackendFilesystem:
		size, err := cfg.DiskBytes()
		if err != nil {
			return nil, errors.Wrap(errors.ErrCodeInvalidConfig, "cache.persistent.filesystem.max_size", err)
		}
		return newFilesystemTier(FilesystemOptions{
			Root:    p.Filesystem.Directory,
			MaxSize: size,
			TTL:     p.Filesystem.TTL,
		}, logger, health, now), nil
	case config.BackendRedis:
		return NewRedisTier(context.Background(), RedisOptions{
			URL:         p.Redis.URL,
			Prefix:      p.Redis.Prefix,
			TTL:         p.Redis.TTL,
			DialTimeout: p.Redis.DialTimeout,
		}, logger, health), nil
	case config.BackendS3:
		return NewObjectStoreTier(context.Background(), ObjectStoreOptions{
			Bucket:          p.S3.Bucket,
			Prefix:          p.S3.Prefix,
			Region:          p.S3.Region,
			Endpoint:        p.S3.Endpoint,
			ForcePathStyle:  p.S3.ForcePathStyle,
			AccessKeyID:     p.S3.AccessKeyID,
			SecretAccessKey: p.S3.SecretAccessKey,
			TTL:             p.S3.TTL,
		}, logger, health), nil
	default:
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "unknown cache backend: "+p.Backend)
	}
}

// NewOrchestrator composes already-built tiers
func NewOrchestrator(memory *MemoryTier, persistent PersistentTier, logger *slog.Logger, opts ...Option) *Orchestrator {
	o := options{recorder: nopRecorder{}}
	for _, opt := range opts {
		opt(&o)
	}
	if persistent == nil {
		persistent = NewDisabledTier()
	}

	orch := &Orchestrator{
		memory:     memory,
		persistent: persistent,
		logger:     logger.With("component", "cache"),
		recorder:   o.recorder,
	}
	orch.recorder.SetPersistentEnabled(persistent.Name(), persistent.Enabled())
	orch.logger.Info("cache ready",
		"memory_capacity", memory.capacity,
		"persistent", persistent.Name(),
		"persistent_enabled", persistent.Enabled())
	return orch
}

// Get looks in memory, then the persistent tier. A persistent hit is copied
// into memory only.
func (o *Orchestrator) Get(ctx context.Context, key string) ([]byte, types.Source, bool) {
	if data, ok := o.memory.Get(key); ok {
		o.memoryHits.Add(1)
		o.recorder.RecordLookup(types.SourceMemory)
		return data, types.SourceMemory, true
	}

	if o.persistent.Enabled() {
		data, err := o.persistent.Get(ctx, key)
		switch {
		case err == nil:
			o.memory.Set(key, data)
			o.recorder.SetMemoryBytes(o.memory.Size())
			o.persistentHits.Add(1)
			o.recorder.RecordLookup(types.SourcePersistent)
			return data, types.SourcePersistent, true
		case stderr.Is(err, ErrMiss):
			o.tierMisses.Add(1)
		default:
			o.tierFailed("get", key, err)
		}
	}

	o.misses.Add(1)
	o.recorder.RecordLookup(types.SourceNone)
	return nil, types.SourceNone, false
}

// Set stores data in memory and, best effort, in the persistent tier
func (o *Orchestrator) Set(ctx context.Context, key string, data []byte) {
	o.memory.Set(key, data)
	o.recorder.SetMemoryBytes(o.memory.Size())

	if !o.persistent.Enabled() {
		return
	}
	if err := o.persistent.Set(ctx, key, data); err != nil {
		o.tierFailed("set", key, err)
		return
	}
	o.tierWrites.Add(1)
}

func (o *Orchestrator) tierFailed(op, key string, err error) {
	o.tierErrors.Add(1)
	o.recorder.RecordTierError(o.persistent.Name())
	o.recorder.SetPersistentEnabled(o.persistent.Name(), o.persistent.Enabled())
	o.logger.Debug("persistent tier error treated as miss", "op", op, "key", key, "error", err)
}

// Clear empties both tiers. Persistent tier failures are logged, not returned.
func (o *Orchestrator) Clear(ctx context.Context) error {
	o.memory.Clear()
	o.recorder.SetMemoryBytes(0)

	if o.persistent.Enabled() {
		if err := o.persistent.Clear(ctx); err != nil {
			o.tierFailed("clear", "", err)
		}
	}
	if err := ctx.Err(); err != nil {
		return errors.Wrap(errors.ErrCodeOperationCanceled, "cache clear interrupted", err)
	}
	o.logger.Info("cache cleared")
	return nil
}

// Stats returns a snapshot of both tiers and lookup outcomes
func (o *Orchestrator) Stats() types.Stats {
	return types.Stats{
		Memory: o.memory.Stats(),
		Persistent: types.TierStats{
			Name:    o.persistent.Name(),
			Enabled: o.persistent.Enabled(),
			Hits:    o.persistentHits.Load(),
			Misses:  o.tierMisses.Load(),
			Writes:  o.tierWrites.Load(),
			Errors:  o.tierErrors.Load(),
		},
		Lookups: map[types.Source]uint64{
			types.SourceMemory:     o.memoryHits.Load(),
			types.SourcePersistent: o.persistentHits.Load(),
			types.SourceNone:       o.misses.Load(),
		},
	}
}

// PersistentEnabled reports whether the second tier is still in use
func (o *Orchestrator) PersistentEnabled() bool {
	return o.persistent.Enabled()
}

// Close releases the persistent tier
func (o *Orchestrator) Close() error {
	return o.persistent.Close()
}
