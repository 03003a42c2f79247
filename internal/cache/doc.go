/*
Package cache provides the two-tier cache for transformed images.

Every transformed image is addressed by a content key derived from the
source URL and the transformation parameters (see DeriveKey). Lookups go
through an Orchestrator that consults a bounded in-process tier first and a
persistent tier second.

# Cache Architecture

	┌─────────────────────────────────────────────┐
	│              HTTP handler                   │
	│         (types.ImageCache)                  │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│              Orchestrator                   │  ← This Package
	└─────────────────────────────────────────────┘
	          │                          │
	┌──────────────────┐     ┌──────────────────────┐
	│   MemoryTier     │     │   PersistentTier     │
	│ (size + TTL, FIFO│     │ filesystem | redis | │
	│  by store time)  │     │ s3 | none            │
	└──────────────────┘     └──────────────────────┘

A persistent hit is promoted into memory only. Set writes memory
unconditionally and the persistent tier best effort.

# Degradation

Persistent tiers move from enabled to disabled exactly once. A failed
write, an unreachable backend or an uncreatable directory disables the
tier, logs a warning and marks the persistent_cache health component
degraded. From then on the cache serves from memory alone until restart.
Misses and the caller's own cancellation never disable a tier.

# Backends

	filesystem  <root>/<first two hex chars>/<key>.cache, written atomically,
	            evicted by access time down to 90% of the budget
	redis       SET with EX, keys under a configurable prefix
	s3          one object per key under a prefix, expired by LastModified
	none        memory only

# Usage

	orch, err := cache.New(cfg, logger, cache.WithHealth(tracker), cache.WithRecorder(collector))
	if err != nil {
	    return err
	}
	defer orch.Close()

	key := cache.DeriveKey(src, width, height, "webp", quality)
	if data, source, ok := orch.Get(ctx, key); ok {
	    // serve data, X-Cache: HIT-<source>
	}
*/
package cache
