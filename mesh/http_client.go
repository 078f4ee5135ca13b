package mesh

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"
)

const (
	// DefaultFetchTimeout is the default HTTP request timeout for mesh fetches.
	DefaultFetchTimeout = 30 * time.Second

	// DefaultMaxRetries is the default number of attempts.
	DefaultMaxRetries = 3

	defaultBaseBackoff = 500 * time.Millisecond

	// maxResponseBytes caps a downloaded STL at 200 MB.
	maxResponseBytes = 200 << 20
)

// FetchOption configures FetchMesh.
type FetchOption func(*fetchConfig)

type fetchConfig struct {
	timeout       time.Duration
	maxRetries    int
	baseBackoff   time.Duration
	client        *http.Client
	weldTolerance float64
}

func defaultFetchConfig() fetchConfig {
	return fetchConfig{
		timeout:     DefaultFetchTimeout,
		maxRetries:  DefaultMaxRetries,
		baseBackoff: defaultBaseBackoff,
	}
}

// WithTimeout sets the HTTP request timeout.
func WithTimeout(d time.Duration) FetchOption {
	return func(c *fetchConfig) {
		c.timeout = d
	}
}

// WithMaxRetries sets the maximum number of attempts.
func WithMaxRetries(n int) FetchOption {
	return func(c *fetchConfig) {
		c.maxRetries = n
	}
}

// WithBaseBackoff sets the base delay for exponential backoff between retries.
func WithBaseBackoff(d time.Duration) FetchOption {
	return func(c *fetchConfig) {
		c.baseBackoff = d
	}
}

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) FetchOption {
	return func(c *fetchConfig) {
		c.client = client
	}
}

// WithWeldTolerance sets the distance under which STL corners are merged.
func WithWeldTolerance(tol float64) FetchOption {
	return func(c *fetchConfig) {
		c.weldTolerance = tol
	}
}

// FetchMesh downloads an STL from url and returns the welded mesh. Transport
// failures and non-200 responses are retried with exponential backoff; a body
// that does not parse as STL is not.
func FetchMesh(ctx context.Context, url string, opts ...FetchOption) (*Mesh, error) {
	if url == "" {
		return nil, errors.New("fetch mesh: URL is empty")
	}

	cfg := defaultFetchConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	attempts := max(cfg.maxRetries, 1)
	client := cfg.client
	if client == nil {
		client = &http.Client{Timeout: cfg.timeout}
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			wait := cfg.baseBackoff << (attempt - 1)
			select {
			case <-ctx.Done():
				return nil, errors.Wrap(ctx.Err(), "fetch mesh")
			case <-time.After(wait):
			}
		}

		body, err := getSTL(ctx, client, url)
		if err != nil {
			getLogger().Debugw("mesh fetch failed", "url", url, "attempt", attempt+1, "error", err)
			lastErr = err
			continue
		}

		m, err := DecodeSTL(bytes.NewReader(body), cfg.weldTolerance)
		if err != nil {
			return nil, errors.Wrapf(err, "fetch mesh %s", url)
		}
		getLogger().Debugw("mesh fetched", "url", url, "bytes", len(body), "vertices", len(m.Vertices))
		return m, nil
	}
	return nil, errors.Wrapf(lastErr, "fetch mesh: all %d attempts failed", attempts)
}

// getSTL performs one GET and returns the body of a 200 response.
func getSTL(ctx context.Context, client *http.Client, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Wrap(err, "creating request")
	}
	req.Header.Set("Accept", "model/stl, application/octet-stream")

	resp, err := client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "GET %s", url)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("GET %s: status %d", url, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	return body, errors.Wrapf(err, "reading response from %s", url)
}
