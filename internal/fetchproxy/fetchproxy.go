// Package fetchproxy implements the fetchUrl capability: outbound HTTP on a
// plugin's behalf, with its own abort-on-timeout, a response size cap, and a
// scheme/host policy. Plugins never touch the network directly.
package fetchproxy

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tunelab/tunelab/internal/tlerr"
)

const (
	// DefaultTimeout bounds one proxied request end-to-end.
	DefaultTimeout = 10 * time.Second

	// DefaultMaxBodyBytes caps the response body handed back to a plugin.
	DefaultMaxBodyBytes = 2 << 20 // 2 MiB
)

// Policy configures the fetcher.
type Policy struct {
	// Timeout for one request. Zero means DefaultTimeout.
	Timeout time.Duration

	// MaxBodyBytes caps the response body size. Zero means DefaultMaxBodyBytes.
	MaxBodyBytes int64

	// AllowedHosts restricts requests to the listed hosts when non-empty.
	AllowedHosts []string
}

// Fetcher performs proxied HTTP fetches for sandboxed plugins.
type Fetcher struct {
	client       *http.Client
	timeout      time.Duration
	maxBodyBytes int64
	allowedHosts map[string]struct{}
}

// New creates a Fetcher from the given policy, filling in defaults.
func New(policy Policy) *Fetcher {
	timeout := policy.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	maxBody := policy.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = DefaultMaxBodyBytes
	}
	var hosts map[string]struct{}
	if len(policy.AllowedHosts) > 0 {
		hosts = make(map[string]struct{}, len(policy.AllowedHosts))
		for _, h := range policy.AllowedHosts {
			hosts[strings.ToLower(h)] = struct{}{}
		}
	}
	return &Fetcher{
		client:       &http.Client{},
		timeout:      timeout,
		maxBodyBytes: maxBody,
		allowedHosts: hosts,
	}
}

// Fetch performs a GET request and returns the wire shape handed to plugins:
// {status, body, headers}. The request is aborted when the fetch timeout
// elapses, independently of the invocation's overall budget.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (map[string]any, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, tlerr.Wrap(tlerr.ErrFetchBlocked, err, "invalid URL").With("url", rawURL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, tlerr.Newf(tlerr.ErrFetchBlocked, "scheme %q is not allowed", u.Scheme).
			With("url", rawURL)
	}
	if f.allowedHosts != nil {
		if _, ok := f.allowedHosts[strings.ToLower(u.Hostname())]; !ok {
			return nil, tlerr.Newf(tlerr.ErrFetchBlocked, "host %q is not in the allow-list", u.Hostname()).
				With("url", rawURL)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, tlerr.Wrap(tlerr.ErrFetchFailed, err, "failed to build request").With("url", rawURL)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, tlerr.Wrap(tlerr.ErrFetchFailed, err, "request failed").With("url", rawURL)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBodyBytes+1))
	if err != nil {
		return nil, tlerr.Wrap(tlerr.ErrFetchFailed, err, "failed to read response body").With("url", rawURL)
	}
	if int64(len(body)) > f.maxBodyBytes {
		return nil, tlerr.Newf(tlerr.ErrFetchTooLarge, "response body exceeds %d bytes", f.maxBodyBytes).
			With("url", rawURL)
	}

	headers := make(map[string]any, len(resp.Header))
	for k := range resp.Header {
		headers[strings.ToLower(k)] = resp.Header.Get(k)
	}

	return map[string]any{
		"status":  int64(resp.StatusCode),
		"body":    string(body),
		"headers": headers,
	}, nil
}
