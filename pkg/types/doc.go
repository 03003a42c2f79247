/*
Package types provides the interfaces and data structures shared between
pixelcache components.

	┌─────────────────────────────────────────────┐
	│              HTTP boundary                  │
	│      (pkg/api, internal/proxy)              │
	└─────────────────────────────────────────────┘
	                      │ ImageCache
	┌─────────────────────────────────────────────┐
	│           Cache orchestrator                │
	│            (internal/cache)                 │
	└─────────────────────────────────────────────┘
	          │                       │
	┌─────────┴───┐         ┌─────────┴─────────────────┐
	│ Memory tier │         │ Persistent tier           │
	│             │         │ (filesystem, redis, s3)   │
	└─────────────┘         └───────────────────────────┘

ImageCache is the contract the HTTP layer holds. Lookups report a Source so
callers can distinguish memory hits, persistent hits and misses without
knowing which tiers exist. Stats, CacheStats and TierStats are the JSON
shapes served by the cache statistics endpoint.

HealthReporter decouples the cache from pkg/health: a tier that disables
itself reports the transition once and the process keeps serving.
*/
package types
