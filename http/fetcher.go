// Package http provides an authorized content Fetcher over plain HTTP GETs.
package http

import (
	"context"
	"fmt"
	"io"
	nethttp "net/http"

	digest "github.com/opencontainers/go-digest"
	"golang.org/x/time/rate"
)

// rateBurst is the largest single read accounted against the rate limiter.
const rateBurst = 32 << 10 // 32KB

// Fetcher retrieves remote content objects addressed by digest. It satisfies
// patcher.Fetcher.
type Fetcher struct {
	urlFor  func(digest.Digest) string
	client  *nethttp.Client
	headers nethttp.Header
	limiter *rate.Limiter
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithClient sets the HTTP client used for requests.
func WithClient(client *nethttp.Client) Option {
	return func(f *Fetcher) {
		f.client = client
	}
}

// WithHeaders sets additional headers on each request.
func WithHeaders(headers nethttp.Header) Option {
	return func(f *Fetcher) {
		if headers == nil {
			return
		}
		f.headers = headers.Clone()
	}
}

// WithHeader sets a single header on each request.
func WithHeader(key, value string) Option {
	return func(f *Fetcher) {
		if f.headers == nil {
			f.headers = make(nethttp.Header)
		}
		f.headers.Set(key, value)
	}
}

// WithRateLimit caps download throughput in bytes per second.
// Zero or negative disables the limit.
func WithRateLimit(bytesPerSec int64) Option {
	return func(f *Fetcher) {
		if bytesPerSec <= 0 {
			f.limiter = nil
			return
		}
		burst := int(bytesPerSec)
		if burst > rateBurst {
			burst = rateBurst
		}
		f.limiter = rate.NewLimiter(rate.Limit(bytesPerSec), burst)
	}
}

// NewFetcher creates a Fetcher. urlFor maps a content digest to the remote
// object URL, including any authorization suffix.
func NewFetcher(urlFor func(digest.Digest) string, opts ...Option) *Fetcher {
	f := &Fetcher{
		urlFor: urlFor,
		client: nethttp.DefaultClient,
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.client == nil {
		f.client = nethttp.DefaultClient
	}
	return f
}

// Fetch returns the wire bytes for dgst. Non-200 responses yield a
// *StatusError categorized transient or permanent by status class.
func (f *Fetcher) Fetch(ctx context.Context, dgst digest.Digest) (io.ReadCloser, error) {
	url := f.urlFor(dgst)
	req, err := nethttp.NewRequestWithContext(ctx, nethttp.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	for key, values := range f.headers {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	if req.Header.Get("Accept-Encoding") == "" {
		req.Header.Set("Accept-Encoding", "identity")
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != nethttp.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
		return nil, &StatusError{Status: resp.StatusCode, URL: url}
	}

	if f.limiter == nil {
		return resp.Body, nil
	}
	return &limitedBody{ctx: ctx, body: resp.Body, limiter: f.limiter}, nil
}

// StatusError reports a non-200 response.
type StatusError struct {
	Status int
	URL    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http: unexpected status %d fetching %s", e.Status, e.URL)
}

// Temporary reports whether the fetch is worth retrying: server-side
// failures and rate limiting are; other client errors (including
// authorization failures) are not.
func (e *StatusError) Temporary() bool {
	return e.Status == nethttp.StatusTooManyRequests || e.Status >= 500
}

// limitedBody throttles reads through a shared token bucket. Tokens are
// charged after the read, sized to what actually arrived.
type limitedBody struct {
	ctx     context.Context
	body    io.ReadCloser
	limiter *rate.Limiter
}

func (l *limitedBody) Read(p []byte) (int, error) {
	if len(p) > l.limiter.Burst() {
		p = p[:l.limiter.Burst()]
	}
	n, err := l.body.Read(p)
	if n > 0 {
		if werr := l.limiter.WaitN(l.ctx, n); werr != nil {
			return n, werr
		}
	}
	return n, err
}

func (l *limitedBody) Close() error {
	return l.body.Close()
}
