package types

// Source identifies which tier answered a cache lookup
type Source string

const (
	SourceMemory     Source = "memory"
	SourcePersistent Source = "persistent"
	SourceNone       Source = "none"
)

// CacheStats represents memory tier performance statistics
type CacheStats struct {
	Hits        uint64  `json:"hits"`
	Misses      uint64  `json:"misses"`
	Evictions   uint64  `json:"evictions"`
	Expirations uint64  `json:"expirations"`
	Rejected    uint64  `json:"rejected"`
	Entries     int     `json:"entries"`
	Size        int64   `json:"size"`
	Capacity    int64   `json:"capacity"`
	HitRate     float64 `json:"hit_rate"`
	Utilization float64 `json:"utilization"`
}

// TierStats describes the persistent tier
type TierStats struct {
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`
	Hits    uint64 `json:"hits"`
	Misses  uint64 `json:"misses"`
	Writes  uint64 `json:"writes"`
	Errors  uint64 `json:"errors"`
}

// Stats is the combined view reported by the cache orchestrator
type Stats struct {
	Memory     CacheStats `json:"memory"`
	Persistent TierStats  `json:"persistent"`
	// Lookups counts Get results by answering source
	Lookups map[Source]uint64 `json:"lookups"`
}
