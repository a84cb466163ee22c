package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/Jigsaw-Code/outline-sdk/x/configurl"
)

// HTTPProber checks a station node's health endpoint over HTTP. When
// transport is non-empty, probes dial through the configured stream
// dialer so stations behind a tunnel stay reachable.
type HTTPProber struct {
	client *http.Client
	port   int
	path   string
}

// NewHTTPProber builds a prober with a bounded per-request timeout.
// transport is a config string understood by configurl; empty means
// direct dialing.
func NewHTTPProber(port int, timeout time.Duration, transport string) (*HTTPProber, error) {
	httpTransport := &http.Transport{}

	if transport != "" {
		dialer, err := configurl.NewDefaultConfigToDialer().NewStreamDialer(transport)
		if err != nil {
			return nil, fmt.Errorf("could not create probe dialer: %w", err)
		}
		httpTransport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			if !strings.HasPrefix(network, "tcp") {
				return nil, fmt.Errorf("protocol not supported: %v", network)
			}
			return dialer.DialStream(ctx, addr)
		}
	}

	return &HTTPProber{
		client: &http.Client{
			Transport: httpTransport,
			Timeout:   timeout,
		},
		port: port,
		path: "/api/health",
	}, nil
}

type healthResponse struct {
	Success bool `json:"success"`
}

// Probe issues one health check against host. Any transport error,
// non-2xx status, malformed body or success=false counts as a failure.
func (p *HTTPProber) Probe(ctx context.Context, host string) error {
	url := fmt.Sprintf("http://%s%s", net.JoinHostPort(host, fmt.Sprintf("%d", p.port)), p.path)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create probe request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("probe request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("probe returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return fmt.Errorf("failed to read probe response: %w", err)
	}

	var health healthResponse
	if err := json.Unmarshal(body, &health); err != nil {
		return fmt.Errorf("malformed probe response: %w", err)
	}
	if !health.Success {
		return fmt.Errorf("station reported unhealthy")
	}

	return nil
}
