package types

import (
	"context"
)

// ImageCache is the cache contract the HTTP layer depends on
type ImageCache interface {
	// Get returns the blob and the tier that served it, or ok=false on a miss.
	// Tier failures are never surfaced; they read as misses.
	Get(ctx context.Context, key string) (data []byte, source Source, ok bool)
	// Set stores in memory unconditionally and in the persistent tier best effort.
	Set(ctx context.Context, key string, data []byte)
	Clear(ctx context.Context) error
	Stats() Stats
}

// HealthReporter receives component state changes
type HealthReporter interface {
	RecordSuccess(component string)
	RecordError(component string, err error)
	MarkDegraded(component string, reason string)
}
