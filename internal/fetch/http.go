package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/heroku/docker-heroku-ruby-builder/internal/version"
)

// HTTPOptions configures an HTTPFetcher.
type HTTPOptions struct {
	// Client defaults to one whose transport is traced with otelhttp.
	Client *http.Client
	// UserAgent defaults to version.UserAgent().
	UserAgent string
}

// HTTPFetcher issues one GET per call. Redirects are followed by the client;
// any final status outside 2xx is an error.
type HTTPFetcher struct {
	client    *http.Client
	userAgent string
}

func NewHTTP(opts HTTPOptions) *HTTPFetcher {
	client := opts.Client
	if client == nil {
		client = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport,
			otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
				return "fetch " + r.URL.Host
			}),
		)}
	}
	ua := opts.UserAgent
	if ua == "" {
		ua = version.UserAgent()
	}
	return &HTTPFetcher{client: client, userAgent: ua}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, url string, dst io.Writer) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, &NetworkError{URL: url, Err: err}
	}
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return 0, &NetworkError{URL: url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// drain a little so the connection can be reused
		_, _ = io.CopyN(io.Discard, resp.Body, 4<<10)
		return 0, &NetworkError{
			URL:        url,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("unexpected status %s", resp.Status),
		}
	}

	n, err := io.Copy(dst, resp.Body)
	if err != nil {
		return n, &NetworkError{URL: url, Err: fmt.Errorf("read body after %d bytes: %w", n, err)}
	}
	if resp.ContentLength >= 0 && n != resp.ContentLength {
		return n, &NetworkError{URL: url, Err: fmt.Errorf("short body: got %d of %d bytes", n, resp.ContentLength)}
	}
	return n, nil
}
