package cache

import (
	"context"
	stderr "errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/djherbis/times"

	"github.com/pixelcache/pixelcache/pkg/types"
	"github.com/pixelcache/pixelcache/pkg/utils"
)

const (
	entrySuffix = ".cache"
	// evictions free down to this fraction of the budget below it
	evictHeadroom = 0.10
)

// FilesystemOptions configures the on-disk tier
type FilesystemOptions struct {
	Root    string
	MaxSize int64
	TTL     time.Duration
}

// FilesystemTier stores one file per key under <root>/<2 hex>/<key>.cache
type FilesystemTier struct {
	*tierState
	root    string
	maxSize int64
	ttl     time.Duration
	now     func() time.Time

	// mu serializes writers so eviction sees a stable directory
	mu sync.Mutex
}

// NewFilesystemTier creates the tier rooted at opts.Root. A root that cannot
// be created yields a tier that starts disabled.
func NewFilesystemTier(opts FilesystemOptions, logger *slog.Logger, health types.HealthReporter) *FilesystemTier {
	return newFilesystemTier(opts, logger, health, time.Now)
}

func newFilesystemTier(opts FilesystemOptions, logger *slog.Logger, health types.HealthReporter, now func() time.Time) *FilesystemTier {
	if opts.MaxSize <= 0 {
		opts.MaxSize = 500 * 1024 * 1024
	}
	t := &FilesystemTier{
		tierState: newTierState("filesystem", logger, health),
		root:      opts.Root,
		maxSize:   opts.MaxSize,
		ttl:       opts.TTL,
		now:       now,
	}

	if err := os.MkdirAll(t.root, 0o755); err != nil {
		t.disable("init", err)
		return t
	}
	t.logger.Info("filesystem cache tier ready", "root", t.root, "max_size", utils.FormatBytes(t.maxSize))
	return t
}

func (t *FilesystemTier) entryPath(key string) (string, error) {
	if len(key) < 2 || !utils.IsHexKey(key) {
		return "", ErrMiss
	}
	return utils.SecureJoin(t.root, key[:2], key+entrySuffix)
}

// Get reads the entry for key, deleting it if older than the TTL
func (t *FilesystemTier) Get(ctx context.Context, key string) ([]byte, error) {
	if !t.Enabled() {
		return nil, t.disabledErr("get")
	}
	path, err := t.entryPath(key)
	if err != nil {
		return nil, ErrMiss
	}

	info, err := os.Stat(path)
	if err != nil {
		if stderr.Is(err, fs.ErrNotExist) {
			return nil, ErrMiss
		}
		return nil, t.fail("get", KindIO, err, false)
	}

	now := t.now()
	mtime := info.ModTime()
	if t.ttl > 0 && now.Sub(mtime) > t.ttl {
		_ = os.Remove(path)
		return nil, ErrMiss
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if stderr.Is(err, fs.ErrNotExist) {
			return nil, ErrMiss
		}
		return nil, t.fail("get", KindIO, err, false)
	}

	// Record the access explicitly; mounts with noatime/relatime would
	// otherwise leave eviction order meaningless. mtime keeps the TTL.
	_ = os.Chtimes(path, now, mtime)
	return data, nil
}

// Set evicts least recently accessed entries if needed, then writes atomically
func (t *FilesystemTier) Set(ctx context.Context, key string, data []byte) error {
	if !t.Enabled() {
		return t.disabledErr("set")
	}
	path, err := t.entryPath(key)
	if err != nil {
		return t.fail("set", KindIO, err, false)
	}
	if err := ctx.Err(); err != nil {
		return t.fail("set", KindTimeout, err, false)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.evict(int64(len(data)), path)

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return t.fail("set", KindIO, err, true)
	}
	if err := writeAtomic(dir, path, data); err != nil {
		return t.fail("set", KindIO, err, true)
	}
	return nil
}

func writeAtomic(dir, path string, data []byte) error {
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}

type diskEntry struct {
	path   string
	size   int64
	access time.Time
}

// evict removes least recently accessed entries when adding incoming bytes
// would exceed the budget, stopping at budget minus headroom. The entry
// being replaced is excluded from the count.
func (t *FilesystemTier) evict(incoming int64, replacing string) {
	entries, total := t.scan()

	kept := entries[:0]
	for _, e := range entries {
		if e.path == replacing {
			total -= e.size
			continue
		}
		kept = append(kept, e)
	}
	entries = kept

	if total+incoming <= t.maxSize {
		return
	}

	target := t.maxSize - int64(float64(t.maxSize)*evictHeadroom)
	sort.Slice(entries, func(i, j int) bool { return entries[i].access.Before(entries[j].access) })

	removed := 0
	for _, e := range entries {
		if total+incoming <= target {
			break
		}
		if err := os.Remove(e.path); err != nil && !stderr.Is(err, fs.ErrNotExist) {
			continue
		}
		total -= e.size
		removed++
	}
	t.logger.Debug("evicted cache files", "count", removed, "remaining", utils.FormatBytes(total))
}

// scan lists every entry across shards. Unreadable shards are skipped.
func (t *FilesystemTier) scan() ([]diskEntry, int64) {
	shards, err := os.ReadDir(t.root)
	if err != nil {
		return nil, 0
	}

	var entries []diskEntry
	var total int64
	for _, shard := range shards {
		if !shard.IsDir() || len(shard.Name()) != 2 {
			continue
		}
		dir := filepath.Join(t.root, shard.Name())
		files, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, f := range files {
			if f.IsDir() || !strings.HasSuffix(f.Name(), entrySuffix) {
				continue
			}
			path := filepath.Join(dir, f.Name())
			info, err := f.Info()
			if err != nil {
				continue
			}
			access := info.ModTime()
			if ts, err := times.Stat(path); err == nil {
				access = ts.AccessTime()
			}
			entries = append(entries, diskEntry{path: path, size: info.Size(), access: access})
			total += info.Size()
		}
	}
	return entries, total
}

// Size returns the bytes currently stored across all shards
func (t *FilesystemTier) Size(ctx context.Context) int64 {
	_, total := t.scan()
	return total
}

// Clear deletes every entry file and empty shard directories
func (t *FilesystemTier) Clear(ctx context.Context) error {
	if !t.Enabled() {
		return t.disabledErr("clear")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	entries, _ := t.scan()
	for _, e := range entries {
		_ = os.Remove(e.path)
	}
	shards, err := os.ReadDir(t.root)
	if err != nil {
		return t.fail("clear", KindIO, err, false)
	}
	for _, shard := range shards {
		if shard.IsDir() && len(shard.Name()) == 2 {
			_ = os.Remove(filepath.Join(t.root, shard.Name()))
		}
	}
	t.logger.Info("filesystem cache cleared", "entries", len(entries))
	return nil
}

// Close is a no-op for the filesystem tier
func (t *FilesystemTier) Close() error {
	return nil
}
