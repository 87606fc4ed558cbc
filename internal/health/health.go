// Package health describes a receiver's /health report and fetches it.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fileferry/ferry/internal/version"
)

const (
	StatusOK = "ok"

	// Path is where receivers serve the report
	Path = "/health"

	defaultTimeout = 10 * time.Second
)

// Report is the body of GET /health.
type Report struct {
	Status      string    `json:"status"`
	Timestamp   time.Time `json:"timestamp"`
	Version     string    `json:"version"`
	Protocol    string    `json:"protocol"`
	Connections int64     `json:"connections"`
}

// Compatible reports whether this binary can send to the receiver.
func (r *Report) Compatible() error {
	return version.CheckProtocol(r.Protocol)
}

// HTTPClient interface for dependency injection (allows mocking)
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

type Client struct {
	httpClient HTTPClient
}

func NewClient(httpClient HTTPClient) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	return &Client{httpClient: httpClient}
}

// Check fetches the report of the receiver at target, which may be the receiver's
// base URL or its websocket URL.
func (c *Client) Check(ctx context.Context, target string) (*Report, error) {
	endpoint, err := URL(target)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "ferry/"+version.Version)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error fetching health: %w", err)
	}
	//nolint:errcheck // Deferred close, error not actionable
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected HTTP status: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("error reading response: %w", err)
	}

	var report Report
	if err := json.Unmarshal(body, &report); err != nil {
		return nil, fmt.Errorf("error parsing JSON: %w", err)
	}
	return &report, nil
}

// URL maps a receiver address to its health endpoint: ws schemes become http, and
// the /ws path is replaced.
func URL(target string) (string, error) {
	u, err := url.Parse(target)
	if err != nil {
		return "", fmt.Errorf("invalid receiver URL %q: %w", target, err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	case "http", "https":
	default:
		return "", fmt.Errorf("invalid receiver URL %q: unsupported scheme", target)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid receiver URL %q: missing host", target)
	}

	u.Path = strings.TrimSuffix(strings.TrimSuffix(u.Path, "/"), "/ws") + Path
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}
