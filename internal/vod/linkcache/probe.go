package linkcache

import (
	"context"
	"net/http"
	"time"
)

// HTTPProber verifies liveness with a HEAD request, falling back to a
// one-byte range GET for servers that reject HEAD.
type HTTPProber struct {
	Client  *http.Client
	Timeout time.Duration
}

// NewHTTPProber returns a prober with sane timeouts.
func NewHTTPProber() *HTTPProber {
	return &HTTPProber{
		Client:  &http.Client{Timeout: 5 * time.Second},
		Timeout: 5 * time.Second,
	}
}

// Alive reports whether the URL answers with a success or partial status.
func (p *HTTPProber) Alive(ctx context.Context, url string) bool {
	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return false
	}
	resp, err := p.Client.Do(req)
	if err == nil {
		defer resp.Body.Close()
		if resp.StatusCode < 400 {
			return true
		}
		if resp.StatusCode != http.StatusMethodNotAllowed && resp.StatusCode != http.StatusForbidden {
			return false
		}
	}

	// Some CDNs reject HEAD; retry with a single-byte range GET.
	req, err = http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	req.Header.Set("Range", "bytes=0-0")
	resp, err = p.Client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode < 400
}
