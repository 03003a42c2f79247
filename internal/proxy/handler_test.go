package proxy

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pixelcache/pixelcache/internal/cache"
	"github.com/pixelcache/pixelcache/internal/transform"
	"github.com/pixelcache/pixelcache/pkg/retry"
	"github.com/pixelcache/pixelcache/pkg/types"
	"github.com/pixelcache/pixelcache/pkg/utils"
)

func testJPEG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 90, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}))
	return buf.Bytes()
}

type env struct {
	origin  *httptest.Server
	fetches atomic.Int32
	status  atomic.Int32
	cache   *cache.Orchestrator
	server  *httptest.Server
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{}
	e.status.Store(http.StatusOK)
	body := testJPEG(t, 800, 600)
	e.origin = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		e.fetches.Add(1)
		status := int(e.status.Load())
		w.WriteHeader(status)
		if status == http.StatusOK {
			_, _ = w.Write(body)
		}
	}))
	t.Cleanup(e.origin.Close)

	logger := utils.DiscardLogger()
	e.cache = cache.NewOrchestrator(cache.NewMemoryTier(cache.MemoryOptions{MaxSize: 10 << 20}), nil, logger)

	rc := retry.DefaultConfig()
	rc.MaxAttempts = 1
	pipeline := transform.New(transform.Options{Retry: rc}, logger)

	e.server = httptest.NewServer(NewHandler(e.cache, pipeline, logger, Options{SingleFlight: true}))
	t.Cleanup(e.server.Close)
	return e
}

func (e *env) get(t *testing.T, params url.Values, header http.Header) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, e.server.URL+"/api/image?"+params.Encode(), nil)
	require.NoError(t, err)
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, body
}

func (e *env) params(extra map[string]string) url.Values {
	v := url.Values{"url": {e.origin.URL + "/photo.jpg"}}
	for k, val := range extra {
		v.Set(k, val)
	}
	return v
}

func TestImage_MissThenHit(t *testing.T) {
	e := newEnv(t)
	params := e.params(map[string]string{"w": "400", "h": "300", "format": "webp", "q": "80"})

	resp, first := e.get(t, params, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "MISS", resp.Header.Get("X-Cache"))
	assert.Equal(t, "image/webp", resp.Header.Get("Content-Type"))
	assert.Equal(t, "public, max-age=31536000, immutable", resp.Header.Get("Cache-Control"))
	assert.Equal(t, "Accept", resp.Header.Get("Vary"))
	assert.NotEmpty(t, resp.Header.Get("X-Original-Size"))
	assert.Equal(t, resp.Header.Get("X-Processed-Size"), resp.Header.Get("Content-Length"))

	img, format, err := image.Decode(bytes.NewReader(first))
	require.NoError(t, err)
	assert.Equal(t, "webp", format)
	assert.Equal(t, image.Pt(400, 300), img.Bounds().Size())

	resp2, second := e.get(t, params, nil)
	require.Equal(t, http.StatusOK, resp2.StatusCode)
	assert.Equal(t, "HIT", resp2.Header.Get("X-Cache"))
	assert.Equal(t, "memory", resp2.Header.Get("X-Cache-Tier"))
	assert.Equal(t, resp.Header.Get("ETag"), resp2.Header.Get("ETag"))
	assert.Empty(t, resp2.Header.Get("X-Original-Size"))
	assert.True(t, bytes.Equal(first, second), "hit must return the stored bytes")
	assert.Equal(t, int32(1), e.fetches.Load())
}

func TestImage_InvalidParameters(t *testing.T) {
	e := newEnv(t)

	tests := []struct {
		name   string
		params url.Values
	}{
		{"zero width", e.params(map[string]string{"w": "0"})},
		{"negative height", e.params(map[string]string{"h": "-1"})},
		{"non-integer width", e.params(map[string]string{"w": "abc"})},
		{"non-integer quality", e.params(map[string]string{"q": "high"})},
		{"missing url", url.Values{"w": {"100"}}},
		{"relative url", url.Values{"url": {"/local.png"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, _ := e.get(t, tt.params, nil)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
	assert.Equal(t, int32(0), e.fetches.Load())
}

func TestImage_UpstreamNotFoundIsNotCached(t *testing.T) {
	e := newEnv(t)
	e.status.Store(http.StatusNotFound)
	params := e.params(map[string]string{"w": "100"})

	resp, body := e.get(t, params, nil)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, "Failed to fetch image", strings.TrimSpace(string(body)))
	assert.Equal(t, 0, e.cache.Stats().Memory.Entries)

	resp, _ = e.get(t, params, nil)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, int32(2), e.fetches.Load(), "failures are retried on the next request")
}

func TestImage_FormatsGetSeparateEntries(t *testing.T) {
	e := newEnv(t)

	webp, _ := e.get(t, e.params(map[string]string{"w": "64", "h": "48", "format": "webp"}), nil)
	avif, _ := e.get(t, e.params(map[string]string{"w": "64", "h": "48", "format": "avif"}), nil)

	require.Equal(t, http.StatusOK, webp.StatusCode)
	require.Equal(t, http.StatusOK, avif.StatusCode)
	assert.Equal(t, "image/avif", avif.Header.Get("Content-Type"))
	assert.NotEqual(t, webp.Header.Get("ETag"), avif.Header.Get("ETag"))
	assert.Equal(t, 2, e.cache.Stats().Memory.Entries)
	assert.Equal(t, int32(2), e.fetches.Load())
}

func TestImage_UnknownFormatFallsBackToWebP(t *testing.T) {
	e := newEnv(t)

	resp, _ := e.get(t, e.params(map[string]string{"w": "32", "format": "gif"}), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/webp", resp.Header.Get("Content-Type"))

	// same key as an explicit webp request
	resp, _ = e.get(t, e.params(map[string]string{"w": "32", "format": "webp"}), nil)
	assert.Equal(t, "HIT", resp.Header.Get("X-Cache"))
}

func TestImage_IfNoneMatch(t *testing.T) {
	e := newEnv(t)
	params := e.params(map[string]string{"w": "50"})

	resp, _ := e.get(t, params, nil)
	etag := resp.Header.Get("ETag")
	require.NotEmpty(t, etag)

	resp, body := e.get(t, params, http.Header{"If-None-Match": {etag}})
	assert.Equal(t, http.StatusNotModified, resp.StatusCode)
	assert.Empty(t, body)
	assert.Equal(t, etag, resp.Header.Get("ETag"))
	assert.Equal(t, int32(1), e.fetches.Load())
}

func TestImage_MethodNotAllowed(t *testing.T) {
	e := newEnv(t)
	resp, err := http.Post(e.server.URL+"/api/image?"+e.params(nil).Encode(), "text/plain", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

// blockingTransformer counts calls and holds them until released
type blockingTransformer struct {
	calls   atomic.Int32
	release chan struct{}
}

func (b *blockingTransformer) Transform(ctx context.Context, req transform.Request) (*transform.Result, error) {
	b.calls.Add(1)
	<-b.release
	return &transform.Result{Data: []byte("encoded"), ContentType: "image/webp", Format: transform.FormatWebP, SourceBytes: 10}, nil
}

type countingRecorder struct {
	mu       sync.Mutex
	requests map[string]int
}

func (c *countingRecorder) RecordRequest(status int, cache string, _ time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests[cache]++
}

func (c *countingRecorder) RecordTransform(string, time.Duration, int64, bool) {}

func TestImage_SingleFlight(t *testing.T) {
	logger := utils.DiscardLogger()
	orch := cache.NewOrchestrator(cache.NewMemoryTier(cache.MemoryOptions{MaxSize: 1 << 20}), nil, logger)
	bt := &blockingTransformer{release: make(chan struct{})}
	rec := &countingRecorder{requests: make(map[string]int)}
	h := NewHandler(orch, bt, logger, Options{SingleFlight: true, Recorder: rec})

	target := "/api/image?url=" + url.QueryEscape("https://img.example.com/a.jpg") + "&w=10"

	const n = 5
	var wg sync.WaitGroup
	codes := make([]int, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, target, nil))
			codes[i] = rr.Code
		}(i)
	}

	require.Eventually(t, func() bool { return bt.calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	close(bt.release)
	wg.Wait()

	assert.Equal(t, int32(1), bt.calls.Load())
	for _, code := range codes {
		assert.Equal(t, http.StatusOK, code)
	}
	assert.Equal(t, n, rec.requests["MISS"]+rec.requests["HIT"])
	_, src, ok := orch.Get(context.Background(), cache.DeriveKey("https://img.example.com/a.jpg", intPtr(10), nil, "webp", intPtr(80)))
	assert.True(t, ok)
	assert.Equal(t, types.SourceMemory, src)
}

func intPtr(v int) *int { return &v }

// stallingTransformer blocks until its context ends or it is released
type stallingTransformer struct {
	started  chan struct{}
	release  chan struct{}
	canceled atomic.Bool
}

func (s *stallingTransformer) Transform(ctx context.Context, req transform.Request) (*transform.Result, error) {
	close(s.started)
	select {
	case <-ctx.Done():
		s.canceled.Store(true)
		return nil, ctx.Err()
	case <-s.release:
		return &transform.Result{Data: []byte("encoded"), ContentType: "image/webp", Format: transform.FormatWebP}, nil
	}
}

func TestImage_SingleFlightLastWaiterCancelsRun(t *testing.T) {
	logger := utils.DiscardLogger()
	memory := cache.NewMemoryTier(cache.MemoryOptions{MaxSize: 1 << 20})
	orch := cache.NewOrchestrator(memory, nil, logger)
	st := &stallingTransformer{started: make(chan struct{}), release: make(chan struct{})}
	h := NewHandler(orch, st, logger, Options{SingleFlight: true})

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/api/image?url="+url.QueryEscape("https://img.example.com/slow.jpg"), nil).WithContext(ctx)

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.ServeHTTP(httptest.NewRecorder(), req)
	}()

	<-st.started
	cancel()
	<-done

	require.Eventually(t, st.canceled.Load, time.Second, time.Millisecond)
	assert.Equal(t, 0, memory.Len())

	h.mu.Lock()
	assert.Empty(t, h.flights)
	h.mu.Unlock()
}

func TestImage_SingleFlightSurvivesOneWaiterLeaving(t *testing.T) {
	logger := utils.DiscardLogger()
	memory := cache.NewMemoryTier(cache.MemoryOptions{MaxSize: 1 << 20})
	orch := cache.NewOrchestrator(memory, nil, logger)
	st := &stallingTransformer{started: make(chan struct{}), release: make(chan struct{})}
	h := NewHandler(orch, st, logger, Options{SingleFlight: true})

	target := "/api/image?url=" + url.QueryEscape("https://img.example.com/shared.jpg")
	key := cache.DeriveKey("https://img.example.com/shared.jpg", nil, nil, "webp", intPtr(80))

	ctx, cancel := context.WithCancel(context.Background())
	leaving := make(chan struct{})
	go func() {
		defer close(leaving)
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, target, nil).WithContext(ctx))
	}()
	<-st.started

	stayed := httptest.NewRecorder()
	staying := make(chan struct{})
	go func() {
		defer close(staying)
		h.ServeHTTP(stayed, httptest.NewRequest(http.MethodGet, target, nil))
	}()
	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		f := h.flights[key]
		return f != nil && f.waiters == 2
	}, time.Second, time.Millisecond)

	cancel()
	<-leaving
	assert.False(t, st.canceled.Load())

	close(st.release)
	<-staying
	assert.Equal(t, http.StatusOK, stayed.Code)
	assert.Equal(t, 1, memory.Len())
}
