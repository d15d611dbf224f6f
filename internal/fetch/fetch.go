// Package fetch downloads published artifacts for verification.
//
// Every Fetcher makes exactly one attempt per call. Retrying would hide the
// flaky origin that an integrity audit is supposed to surface.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"
)

// Fetcher streams the object at url into dst and returns the bytes written.
type Fetcher interface {
	Fetch(ctx context.Context, url string, dst io.Writer) (int64, error)
}

// NetworkError wraps any failure to retrieve url.
type NetworkError struct {
	URL string
	// StatusCode is the HTTP status for a non-2xx response, else 0.
	StatusCode int
	Err        error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("download %s: %v", e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// Router dispatches by URL scheme.
type Router struct {
	schemes map[string]Fetcher
}

func NewRouter() *Router {
	return &Router{schemes: make(map[string]Fetcher)}
}

// Handle registers f for each scheme. Later registrations win.
func (r *Router) Handle(f Fetcher, schemes ...string) *Router {
	for _, s := range schemes {
		r.schemes[strings.ToLower(s)] = f
	}
	return r
}

func (r *Router) Fetch(ctx context.Context, rawURL string, dst io.Writer) (int64, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return 0, &NetworkError{URL: rawURL, Err: err}
	}
	f, ok := r.schemes[strings.ToLower(u.Scheme)]
	if !ok {
		return 0, &NetworkError{URL: rawURL, Err: fmt.Errorf("unsupported url scheme %q", u.Scheme)}
	}
	return f.Fetch(ctx, rawURL, dst)
}
