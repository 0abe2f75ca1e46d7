package fetcher

import (
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/plumesight/aerofuse/internal/resilience"
)

// defaultHostRate paces hosts with no configured limit.
const defaultHostRate = rate.Limit(10)

// HTTPOptions configures the HTTP fetcher.
type HTTPOptions struct {
	UserAgent string
	// Timeout bounds the whole request, body read included. Callers
	// downloading large products should raise it.
	Timeout  time.Duration
	Attempts int
	// RatePerHost overrides the request rate for specific hosts, in
	// requests per second.
	RatePerHost map[string]rate.Limit
}

// HTTPFetcher downloads over HTTP with per-host pacing and retry on
// transient failures.
type HTTPFetcher struct {
	client *http.Client
	opts   HTTPOptions

	mu       sync.Mutex
	limiters map[string]*hostLimiter
}

// NewHTTPFetcher creates an HTTPFetcher with the given options. Zero fields
// fall back to defaults.
func NewHTTPFetcher(opts HTTPOptions) *HTTPFetcher {
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Attempts == 0 {
		opts.Attempts = 4
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "aerofuse/1.0"
	}
	transport := &http.Transport{
		MaxIdleConnsPerHost: 10,
		MaxConnsPerHost:     20,
		IdleConnTimeout:     90 * time.Second,
	}
	return &HTTPFetcher{
		client: &http.Client{
			Timeout:   opts.Timeout,
			Transport: transport,
		},
		opts:     opts,
		limiters: make(map[string]*hostLimiter),
	}
}

// hostLimiter paces requests to one upstream host. A 429 cuts the rate to a
// quarter of the configured limit; later successes climb back toward it.
type hostLimiter struct {
	mu   sync.Mutex
	lim  *rate.Limiter
	base rate.Limit
	cur  rate.Limit
}

func newHostLimiter(base rate.Limit) *hostLimiter {
	burst := int(base)
	if burst < 1 {
		burst = 1
	}
	return &hostLimiter{
		lim:  rate.NewLimiter(base, burst),
		base: base,
		cur:  base,
	}
}

func (h *hostLimiter) wait(ctx context.Context) error {
	return h.lim.Wait(ctx)
}

func (h *hostLimiter) slow() {
	h.mu.Lock()
	defer h.mu.Unlock()
	next := h.cur / 2
	if next < h.base/4 {
		next = h.base / 4
	}
	h.cur = next
	h.lim.SetLimit(next)
	zap.L().Warn("fetcher: host sent 429, slowing down",
		zap.Float64("rate", float64(next)),
	)
}

func (h *hostLimiter) restore() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cur >= h.base {
		return
	}
	next := h.cur * 1.2
	if next > h.base {
		next = h.base
	}
	h.cur = next
	h.lim.SetLimit(next)
}

func (h *hostLimiter) rate() rate.Limit {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cur
}

// limiterFor returns the pacer for a host, creating it on first use.
func (f *HTTPFetcher) limiterFor(host string) *hostLimiter {
	f.mu.Lock()
	defer f.mu.Unlock()
	if lim, ok := f.limiters[host]; ok {
		return lim
	}
	base := defaultHostRate
	if r, ok := f.opts.RatePerHost[host]; ok {
		base = r
	}
	lim := newHostLimiter(base)
	f.limiters[host] = lim
	return lim
}

// Do sends the request through the host's rate limiter, retrying transient
// transport failures and retryable statuses. Any other response is returned
// to the caller, status included, so callers can handle statuses like 202
// themselves.
func (f *HTTPFetcher) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", f.opts.UserAgent)
	}
	lim := f.limiterFor(req.URL.Host)

	policy := resilience.Policy{
		Attempts: f.opts.Attempts,
		OnRetry:  resilience.LogRetries(req.URL.Host),
	}
	return resilience.DoVal(ctx, policy, func(ctx context.Context) (*http.Response, error) {
		if err := lim.wait(ctx); err != nil {
			return nil, eris.Wrap(err, "fetcher: rate limiter wait")
		}

		cloned := req.Clone(ctx)
		if req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, eris.Wrap(err, "fetcher: rewind request body")
			}
			cloned.Body = body
		}

		resp, err := f.client.Do(cloned)
		if err != nil {
			return nil, eris.Wrapf(err, "fetcher: %s %s", req.Method, req.URL)
		}

		if resilience.RetryableStatus(resp.StatusCode) {
			drain(resp)
			if resp.StatusCode == http.StatusTooManyRequests {
				lim.slow()
			}
			return nil, &resilience.TransientError{
				Err:        eris.Errorf("fetcher: http %d from %s", resp.StatusCode, req.URL),
				StatusCode: resp.StatusCode,
				RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			}
		}

		lim.restore()
		return resp, nil
	})
}

// Download fetches the URL and returns the response body.
func (f *HTTPFetcher) Download(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "fetcher: build request")
	}

	resp, err := f.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		drain(resp)
		return nil, eris.Errorf("fetcher: unexpected status %d from %s", resp.StatusCode, rawURL)
	}
	return resp.Body, nil
}

// DownloadToFile fetches the URL into a local file. Returns bytes written.
func (f *HTTPFetcher) DownloadToFile(ctx context.Context, rawURL string, path string) (int64, error) {
	body, err := f.Download(ctx, rawURL)
	if err != nil {
		return 0, err
	}
	defer body.Close() //nolint:errcheck

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, eris.Wrap(err, "fetcher: create directory")
	}
	file, err := os.Create(path)
	if err != nil {
		return 0, eris.Wrap(err, "fetcher: create file")
	}
	defer file.Close() //nolint:errcheck

	n, err := io.Copy(file, body)
	if err != nil {
		return n, eris.Wrap(err, "fetcher: write file")
	}
	return n, nil
}

// drain discards and closes a response body so the connection can be reused.
func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	_ = resp.Body.Close()
}

// parseRetryAfter reads a Retry-After header value, either a delay in
// seconds or an HTTP date. Returns 0 when the header is absent or mangled.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
