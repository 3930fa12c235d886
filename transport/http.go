package transport

import (
	"context"
	"net/http"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/metrics"
	"golang.org/x/sync/singleflight"
)

// DefaultMaxBodySize is the default maximum size of a fetched content.
const DefaultMaxBodySize = 256 << 20

// HTTPFetcher fetches contents over HTTP. Concurrent fetches of the same uri
// share a single request.
type HTTPFetcher struct {
	client      *http.Client
	userAgent   string
	maxBodySize int64
	group       singleflight.Group
}

// HTTPOption configures an HTTP fetcher.
type HTTPOption func(*HTTPFetcher)

// WithClient sets the client used to send requests.
func WithClient(c *http.Client) HTTPOption {
	return func(f *HTTPFetcher) {
		f.client = c
	}
}

// WithUserAgent sets the user agent of the requests.
func WithUserAgent(ua string) HTTPOption {
	return func(f *HTTPFetcher) {
		f.userAgent = ua
	}
}

// WithMaxBodySize sets the maximum size of a fetched content.
func WithMaxBodySize(n int64) HTTPOption {
	return func(f *HTTPFetcher) {
		f.maxBodySize = n
	}
}

// NewHTTPFetcher creates an HTTP fetcher. The default client transport is
// instrumented with Prometheus metrics.
func NewHTTPFetcher(opts ...HTTPOption) *HTTPFetcher {
	f := &HTTPFetcher{
		maxBodySize: DefaultMaxBodySize,
	}
	for _, opt := range opts {
		opt(f)
	}

	if f.client == nil {
		f.client = &http.Client{
			Transport: metrics.HTTPTransport(http.DefaultTransport),
		}
	}
	return f
}

func (f *HTTPFetcher) Fetch(ctx context.Context, uri string) ([]byte, error) {
	v, err, _ := f.group.Do(uri, func() (any, error) {
		return f.fetch(ctx, uri)
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

func (f *HTTPFetcher) fetch(ctx context.Context, uri string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, newTransportError("creating request failed", uri, err)
	}
	req.Header.Set("Accept-Encoding", "gzip")
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}

	res, err := f.client.Do(req)
	if err != nil {
		return nil, newTransportError("sending request failed", uri, err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return nil, newTransportError("unexpected status code", uri, errors.New(res.Status).
			WithTag("status_code", res.StatusCode))
	}

	data, err := readAll(res.Body, f.maxBodySize)
	if err != nil {
		return nil, newTransportError("reading response failed", uri, err)
	}

	// Contents are often stored gzipped and served without a content
	// encoding.
	if data, err = gunzip(data, f.maxBodySize); err != nil {
		return nil, newTransportError("decompressing response failed", uri, err)
	}
	return data, nil
}
