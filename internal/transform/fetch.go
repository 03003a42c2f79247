package transform

import (
	"bytes"
	"context"
	stderr "errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/pixelcache/pixelcache/internal/circuit"
	"github.com/pixelcache/pixelcache/pkg/errors"
	"github.com/pixelcache/pixelcache/pkg/retry"
)

// fetcher downloads source images with retries and a per-host breaker
type fetcher struct {
	client    *http.Client
	retryer   *retry.Retryer
	breakers  *circuit.Hosts
	maxBytes  int64
	buffers   *bufferPool
	userAgent string
	logger    *slog.Logger
	observer  Observer
}

// fetch returns the source body in a pooled buffer; release it with
// f.buffers.put once decoded
func (f *fetcher) fetch(ctx context.Context, source *url.URL) (*bytes.Buffer, error) {
	start := time.Now()
	var data *bytes.Buffer

	err := f.retryer.Do(ctx, func(ctx context.Context) error {
		attempt := func(ctx context.Context) error {
			var err error
			data, err = f.get(ctx, source)
			return err
		}
		if f.breakers == nil {
			return attempt(ctx)
		}
		return f.breakers.For(source.Host).Execute(ctx, attempt)
	})

	var size int64
	if data != nil {
		size = int64(data.Len())
	}
	f.observer.RecordFetch(time.Since(start), size, err == nil)
	if err != nil {
		f.logger.Debug("source fetch failed", "host", source.Host, "error", err)
		return nil, err
	}
	return data, nil
}

// get performs one attempt. Network errors, timeouts and 5xx are marked
// retryable; everything else is final.
func (f *fetcher) get(ctx context.Context, source *url.URL) (*bytes.Buffer, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source.String(), nil)
	if err != nil {
		return nil, fetchErr("build request", err, false)
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "image/*")

	resp, err := f.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, errors.Wrap(errors.ErrCodeOperationCanceled, "fetch canceled", ctxErr).
				WithComponent("transform").WithOperation("fetch")
		}
		return nil, fetchErr("request source", err, true)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fetchErr(fmt.Sprintf("upstream returned %d", resp.StatusCode), nil, resp.StatusCode >= 500).
			WithContext("status", strconv.Itoa(resp.StatusCode))
	}

	if resp.ContentLength > f.maxBytes {
		return nil, fetchErr(fmt.Sprintf("source is %d bytes, limit %d", resp.ContentLength, f.maxBytes), nil, false)
	}

	data := f.buffers.get(resp.ContentLength)
	if _, err := data.ReadFrom(io.LimitReader(resp.Body, f.maxBytes+1)); err != nil {
		f.buffers.put(data)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, errors.Wrap(errors.ErrCodeOperationCanceled, "fetch canceled", ctxErr).
				WithComponent("transform").WithOperation("fetch")
		}
		return nil, fetchErr("read source body", err, true)
	}
	if int64(data.Len()) > f.maxBytes {
		f.buffers.put(data)
		return nil, fetchErr(fmt.Sprintf("source exceeds limit of %d bytes", f.maxBytes), nil, false)
	}
	return data, nil
}

func fetchErr(msg string, cause error, retryable bool) *errors.ProxyError {
	e := errors.NewError(errors.ErrCodeFetchFailed, msg).
		WithComponent("transform").
		WithOperation("fetch").
		WithRetryable(retryable)
	if cause != nil {
		e = e.WithCause(cause)
		var netErr interface{ Timeout() bool }
		if stderr.As(cause, &netErr) && netErr.Timeout() {
			e = e.WithContext("timeout", "true")
		}
	}
	return e
}
