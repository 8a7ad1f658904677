package health

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// DefaultHealthPath is the well-known path probed on the workload.
const DefaultHealthPath = "/health"

// HTTPProber probes a workload over HTTP. Healthy means a 200 response on
// the health path.
type HTTPProber struct {
	client *http.Client
	path   string
}

// HTTPProberOption configures an HTTPProber.
type HTTPProberOption func(*HTTPProber)

// WithHealthPath overrides the probed path.
func WithHealthPath(path string) HTTPProberOption {
	return func(p *HTTPProber) {
		p.path = path
	}
}

// NewHTTPProber creates an HTTP prober with a per-probe timeout.
func NewHTTPProber(timeout time.Duration, opts ...HTTPProberOption) *HTTPProber {
	p := &HTTPProber{
		client: &http.Client{Timeout: timeout},
		path:   DefaultHealthPath,
	}
	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Probe implements Prober. The endpoint may be a bare host:port (as tunnels
// produce) or a full URL.
func (p *HTTPProber) Probe(ctx context.Context, endpoint string) error {
	url := endpoint
	if !strings.Contains(url, "://") {
		url = "http://" + url
	}
	url = strings.TrimSuffix(url, "/") + p.path

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("building health request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("probing %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("probing %s: unexpected status %d", url, resp.StatusCode)
	}

	return nil
}
