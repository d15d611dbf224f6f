package fetch

import (
	"context"
	"io"
	"net/url"

	"github.com/heroku/docker-heroku-ruby-builder/internal/ratelimit"
)

// Limited waits on a per-host limiter before delegating each fetch.
type Limited struct {
	next    Fetcher
	limiter *ratelimit.HostLimiter
}

// NewLimited wraps next. A nil or disabled limiter passes calls through.
func NewLimited(next Fetcher, limiter *ratelimit.HostLimiter) Fetcher {
	if !limiter.Enabled() {
		return next
	}
	return &Limited{next: next, limiter: limiter}
}

func (l *Limited) Fetch(ctx context.Context, rawURL string, dst io.Writer) (int64, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return 0, &NetworkError{URL: rawURL, Err: err}
	}
	if err := l.limiter.Wait(ctx, u.Host); err != nil {
		return 0, &NetworkError{URL: rawURL, Err: err}
	}
	return l.next.Fetch(ctx, rawURL, dst)
}
