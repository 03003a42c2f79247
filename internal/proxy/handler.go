// Package proxy serves GET /api/image: parameter validation, cache lookup,
// transformation on miss and the response headers clients cache by.
package proxy

import (
	"context"
	stderr "errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/pixelcache/pixelcache/internal/cache"
	"github.com/pixelcache/pixelcache/internal/transform"
	"github.com/pixelcache/pixelcache/pkg/errors"
	"github.com/pixelcache/pixelcache/pkg/types"
)

const cacheControl = "public, max-age=31536000, immutable"

// Transformer produces an encoded image
type Transformer interface {
	Transform(ctx context.Context, req transform.Request) (*transform.Result, error)
}

// Recorder receives request outcomes
type Recorder interface {
	RecordRequest(status int, cache string, duration time.Duration)
	RecordTransform(format string, duration time.Duration, sourceBytes int64, success bool)
}

type nopRecorder struct{}

func (nopRecorder) RecordRequest(int, string, time.Duration)           {}
func (nopRecorder) RecordTransform(string, time.Duration, int64, bool) {}

// Options configures the handler
type Options struct {
	// SingleFlight coalesces concurrent misses for the same key
	SingleFlight   bool
	DefaultFormat  transform.Format
	DefaultQuality int
	Recorder       Recorder
}

// Handler serves transformed images through the cache
type Handler struct {
	cache       types.ImageCache
	transformer Transformer
	logger      *slog.Logger
	opts        Options
	group       singleflight.Group

	mu      sync.Mutex
	flights map[string]*flight
}

// flight is the shared run for one key. Its context is canceled once no
// caller is waiting on it.
type flight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

// NewHandler wires the cache and the pipeline into an http.Handler
func NewHandler(c types.ImageCache, t Transformer, logger *slog.Logger, opts Options) *Handler {
	if opts.DefaultFormat == "" {
		opts.DefaultFormat = transform.FormatWebP
	}
	if opts.DefaultQuality == 0 {
		opts.DefaultQuality = transform.DefaultQuality
	}
	if opts.Recorder == nil {
		opts.Recorder = nopRecorder{}
	}
	return &Handler{
		cache:       c,
		transformer: t,
		logger:      logger.With("component", "proxy"),
		opts:        opts,
		flights:     make(map[string]*flight),
	}
}

// imageRequest is a parsed and normalized query
type imageRequest struct {
	transform.Request
	key string
}

func (h *Handler) parse(q url.Values) (*imageRequest, error) {
	req := transform.Request{URL: q.Get("url")}
	if req.URL == "" {
		return nil, invalid("Missing image URL")
	}

	var err error
	if req.Width, err = positiveInt(q, "w", "Width"); err != nil {
		return nil, err
	}
	if req.Height, err = positiveInt(q, "h", "Height"); err != nil {
		return nil, err
	}

	req.Format = h.opts.DefaultFormat
	if f := q.Get("format"); f != "" {
		req.Format = transform.ParseFormat(f)
	}

	req.Quality = h.opts.DefaultQuality
	if raw := q.Get("q"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, invalid("Quality must be an integer")
		}
		req.Quality = n
	}
	req.Quality = transform.ClampQuality(req.Quality)

	if _, err := req.Validate(); err != nil {
		return nil, err
	}

	quality := req.Quality
	return &imageRequest{
		Request: req,
		key:     cache.DeriveKey(req.URL, req.Width, req.Height, req.Format.String(), &quality),
	}, nil
}

func positiveInt(q url.Values, param, name string) (*int, error) {
	raw := q.Get(param)
	if raw == "" {
		return nil, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return nil, invalid(name + " must be a positive integer")
	}
	return &n, nil
}

func invalid(msg string) *errors.ProxyError {
	return errors.NewError(errors.ErrCodeValidationFailed, msg).WithComponent("proxy")
}

// ServeHTTP implements http.Handler
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	req, err := h.parse(r.URL.Query())
	if err != nil {
		h.fail(w, r, err, start)
		return
	}
	etag := `"` + req.key + `"`

	if etagMatches(r.Header.Get("If-None-Match"), etag) {
		setCacheHeaders(w, etag)
		w.WriteHeader(http.StatusNotModified)
		h.opts.Recorder.RecordRequest(http.StatusNotModified, "NOT_MODIFIED", time.Since(start))
		return
	}

	if data, source, ok := h.cache.Get(r.Context(), req.key); ok {
		setCacheHeaders(w, etag)
		w.Header().Set("Content-Type", req.Format.ContentType())
		w.Header().Set("X-Cache", "HIT")
		w.Header().Set("X-Cache-Tier", string(source))
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(data)
		h.opts.Recorder.RecordRequest(http.StatusOK, "HIT", time.Since(start))
		return
	}

	res, err := h.produce(r.Context(), req)
	if err != nil {
		h.fail(w, r, err, start)
		return
	}

	setCacheHeaders(w, etag)
	w.Header().Set("Content-Type", res.ContentType)
	w.Header().Set("X-Cache", "MISS")
	w.Header().Set("X-Original-Size", strconv.FormatInt(res.SourceBytes, 10))
	w.Header().Set("X-Processed-Size", strconv.Itoa(len(res.Data)))
	w.Header().Set("Content-Length", strconv.Itoa(len(res.Data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(res.Data)
	h.opts.Recorder.RecordRequest(http.StatusOK, "MISS", time.Since(start))
}

// produce transforms and stores req. With single-flight on, concurrent
// callers for the same key share one run. Each caller stops waiting when its
// own context ends; the run is canceled when the last caller leaves.
func (h *Handler) produce(ctx context.Context, req *imageRequest) (*transform.Result, error) {
	if !h.opts.SingleFlight {
		return h.run(ctx, req)
	}

	f := h.join(ctx, req.key)
	defer h.leave(req.key, f)

	ch := h.group.DoChan(req.key, func() (interface{}, error) {
		return h.run(f.ctx, req)
	})
	select {
	case <-ctx.Done():
		return nil, errors.Wrap(errors.ErrCodeOperationCanceled, "client went away", ctx.Err()).WithComponent("proxy")
	case out := <-ch:
		if out.Err != nil {
			return nil, out.Err
		}
		return out.Val.(*transform.Result), nil
	}
}

func (h *Handler) join(ctx context.Context, key string) *flight {
	h.mu.Lock()
	defer h.mu.Unlock()

	f, ok := h.flights[key]
	if !ok {
		runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		f = &flight{ctx: runCtx, cancel: cancel}
		h.flights[key] = f
	}
	f.waiters++
	return f
}

// leave drops one waiter. The last one out cancels the run and forgets the
// key so later callers start fresh instead of joining a canceled run.
func (h *Handler) leave(key string, f *flight) {
	h.mu.Lock()
	defer h.mu.Unlock()

	f.waiters--
	if f.waiters > 0 {
		return
	}
	f.cancel()
	if h.flights[key] == f {
		delete(h.flights, key)
	}
	h.group.Forget(key)
}

// run is the miss path: only a complete, successful transform is cached
func (h *Handler) run(ctx context.Context, req *imageRequest) (*transform.Result, error) {
	start := time.Now()
	res, err := h.transformer.Transform(ctx, req.Request)
	if err != nil {
		h.opts.Recorder.RecordTransform(req.Format.String(), time.Since(start), 0, false)
		return nil, err
	}
	h.opts.Recorder.RecordTransform(res.Format.String(), time.Since(start), res.SourceBytes, true)

	h.cache.Set(ctx, req.key, res.Data)
	return res, nil
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error, start time.Time) {
	status := errors.HTTPStatusOf(err)
	msg := "Image processing failed"
	var pe *errors.ProxyError
	if stderr.As(err, &pe) {
		msg = pe.UserFacingMessage()
	}

	switch {
	case errors.HasCode(err, errors.ErrCodeOperationCanceled):
		h.logger.Debug("request canceled", "url", r.URL.Query().Get("url"))
	case status >= http.StatusInternalServerError:
		h.logger.Error("image request failed", "url", r.URL.Query().Get("url"), "error", err)
	default:
		h.logger.Info("image request rejected", "status", status, "reason", msg)
	}

	http.Error(w, msg, status)
	h.opts.Recorder.RecordRequest(status, "NONE", time.Since(start))
}

func setCacheHeaders(w http.ResponseWriter, etag string) {
	w.Header().Set("Cache-Control", cacheControl)
	w.Header().Set("ETag", etag)
	w.Header().Set("Vary", "Accept")
}

// etagMatches handles lists and weak validators in If-None-Match
func etagMatches(header, etag string) bool {
	if header == "" {
		return false
	}
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimPrefix(strings.TrimSpace(candidate), "W/")
		if candidate == etag || candidate == "*" {
			return true
		}
	}
	return false
}
