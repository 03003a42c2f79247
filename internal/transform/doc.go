/*
Package transform turns a source image URL into an encoded, resized image.

A Pipeline fetches the source over HTTP, decodes it (JPEG, PNG, GIF, BMP,
TIFF, WebP, AVIF) with EXIF auto-orientation, resizes it and encodes it as
WebP, AVIF, JPEG or PNG.

# Fetching

Fetches carry the request context, a client timeout and a size limit.
Network errors, timeouts and 5xx responses are retried with exponential
backoff (pkg/retry); any other non-2xx status fails immediately. Each
upstream host has its own circuit breaker (internal/circuit) so a dead
origin is rejected without waiting on the network.

# Resizing

	w and h    cover: scale and crop to exactly w x h around the center
	w only     scale to width w, keep the aspect ratio
	h only     scale to height h, keep the aspect ratio
	neither    keep the source dimensions

# Concurrency

Decode and encode are CPU bound. A weighted semaphore bounds how many run
at once (runtime.NumCPU by default); waiting for a slot honors the
request context.

The pipeline never touches the cache.
*/
package transform
