package transform

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"runtime"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/pixelcache/pixelcache/internal/circuit"
	"github.com/pixelcache/pixelcache/internal/config"
	"github.com/pixelcache/pixelcache/pkg/errors"
	"github.com/pixelcache/pixelcache/pkg/retry"
)

// Request describes one transformation. Nil dimensions leave that side free.
type Request struct {
	URL     string
	Width   *int
	Height  *int
	Format  Format
	Quality int
}

// Result is an encoded image
type Result struct {
	Data        []byte
	ContentType string
	Format      Format
	SourceBytes int64
	Width       int
	Height      int
}

// Observer receives fetch and breaker events
type Observer interface {
	RecordFetch(duration time.Duration, size int64, success bool)
	RecordCircuitState(host string, open bool)
	// ForgetCircuit drops state kept for a host whose breaker was released
	ForgetCircuit(host string)
}

type nopObserver struct{}

func (nopObserver) RecordFetch(time.Duration, int64, bool) {}
func (nopObserver) RecordCircuitState(string, bool)        {}
func (nopObserver) ForgetCircuit(string)                   {}

// Options configures a Pipeline
type Options struct {
	FetchTimeout   time.Duration
	MaxSourceBytes int64
	MaxConcurrency int
	UserAgent      string
	Retry          retry.Config
	// Circuit is nil when breakers are off
	Circuit *circuit.Config
	// HTTPClient overrides the default client; FetchTimeout is not applied to it
	HTTPClient *http.Client
	Observer   Observer
}

// OptionsFromConfig maps the transform section of cfg
func OptionsFromConfig(cfg *config.Configuration) (Options, error) {
	maxSource, err := cfg.MaxSourceBytes()
	if err != nil {
		return Options{}, errors.Wrap(errors.ErrCodeInvalidConfig, "transform.max_source_size", err)
	}

	t := cfg.Transform
	rc := retry.DefaultConfig()
	rc.MaxAttempts = t.Retry.MaxAttempts
	rc.InitialDelay = t.Retry.BaseDelay
	rc.MaxDelay = t.Retry.MaxDelay

	opts := Options{
		FetchTimeout:   t.FetchTimeout,
		MaxSourceBytes: maxSource,
		MaxConcurrency: t.MaxConcurrency,
		UserAgent:      t.UserAgent,
		Retry:          rc,
	}
	if t.CircuitBreaker.Enabled {
		cc := circuit.DefaultConfig()
		cc.MinRequests = t.CircuitBreaker.MinRequests
		cc.FailureRatio = t.CircuitBreaker.FailureRatio
		cc.Timeout = t.CircuitBreaker.Timeout
		cc.MaxHosts = t.CircuitBreaker.MaxHosts
		cc.IdleTimeout = t.CircuitBreaker.IdleTimeout
		opts.Circuit = &cc
	}
	return opts, nil
}

// Pipeline fetches, decodes, resizes and encodes images. It has no cache
// side effects.
type Pipeline struct {
	fetcher *fetcher
	cpu     *semaphore.Weighted
	logger  *slog.Logger
}

// New creates a pipeline
func New(opts Options, logger *slog.Logger) *Pipeline {
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 15 * time.Second
	}
	if opts.MaxSourceBytes <= 0 {
		opts.MaxSourceBytes = 25 * 1024 * 1024
	}
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = runtime.NumCPU()
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "pixelcache/1.0"
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: opts.FetchTimeout}
	}

	logger = logger.With("component", "transform")

	var breakers *circuit.Hosts
	if opts.Circuit != nil {
		cc := *opts.Circuit
		observer := opts.Observer
		cc.OnStateChange = func(host string, from, to circuit.State) {
			logger.Warn("upstream circuit state changed", "host", host, "from", from, "to", to)
			observer.RecordCircuitState(host, to == circuit.StateOpen)
		}
		cc.OnEvict = observer.ForgetCircuit
		breakers = circuit.NewHosts(cc)
	}

	rc := opts.Retry
	rc.OnRetry = func(attempt int, err error, delay time.Duration) {
		logger.Debug("retrying source fetch", "attempt", attempt, "delay", delay, "error", err)
	}

	return &Pipeline{
		fetcher: &fetcher{
			client:    client,
			retryer:   retry.New(rc),
			breakers:  breakers,
			maxBytes:  opts.MaxSourceBytes,
			buffers:   newBufferPool(0),
			userAgent: opts.UserAgent,
			logger:    logger,
			observer:  opts.Observer,
		},
		cpu:    semaphore.NewWeighted(int64(opts.MaxConcurrency)),
		logger: logger,
	}
}

// Breakers returns the per-host circuit breakers, or nil when disabled
func (p *Pipeline) Breakers() *circuit.Hosts {
	return p.fetcher.breakers
}

// Validate checks the request fields that do not need the network
func (r Request) Validate() (*url.URL, error) {
	if r.URL == "" {
		return nil, validationErr("Missing image URL")
	}
	u, err := url.Parse(r.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, validationErr("Image URL must be an absolute http or https URL")
	}
	if r.Width != nil && *r.Width <= 0 {
		return nil, validationErr("Width must be a positive integer")
	}
	if r.Height != nil && *r.Height <= 0 {
		return nil, validationErr("Height must be a positive integer")
	}
	return u, nil
}

func validationErr(msg string) *errors.ProxyError {
	return errors.NewError(errors.ErrCodeValidationFailed, msg).WithComponent("transform")
}

// Transform runs the whole pipeline for req
func (p *Pipeline) Transform(ctx context.Context, req Request) (*Result, error) {
	source, err := req.Validate()
	if err != nil {
		return nil, err
	}
	format := ParseFormat(string(req.Format))
	quality := req.Quality
	if quality == 0 {
		quality = DefaultQuality
	}
	quality = ClampQuality(quality)

	src, err := p.fetcher.fetch(ctx, source)
	if err != nil {
		return nil, err
	}
	defer p.fetcher.buffers.put(src)

	if err := p.cpu.Acquire(ctx, 1); err != nil {
		return nil, errors.Wrap(errors.ErrCodeOperationCanceled, "waiting for a transform slot", err).
			WithComponent("transform")
	}
	defer p.cpu.Release(1)

	img, err := decode(src.Bytes())
	if err != nil {
		return nil, err
	}
	img = resize(img, req.Width, req.Height)

	out, err := encode(img, format, quality)
	if err != nil {
		return nil, err
	}

	bounds := img.Bounds()
	return &Result{
		Data:        out,
		ContentType: format.ContentType(),
		Format:      format,
		SourceBytes: int64(src.Len()),
		Width:       bounds.Dx(),
		Height:      bounds.Dy(),
	}, nil
}
