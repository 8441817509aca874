// Package connectivity reports whether the remote service is reachable.
package connectivity

import (
	"context"
	"net/http"
	"sync"
	"time"
)

// Monitor is queried before each sync pass.
type Monitor interface {
	Online(ctx context.Context) bool
}

// HTTPMonitor probes the remote health endpoint. Results are cached for a
// short window so bursts of sync requests cannot hammer the probe.
type HTTPMonitor struct {
	url    string
	client *http.Client

	mu      sync.Mutex
	ttl     time.Duration
	checked time.Time
	online  bool
}

// NewHTTPMonitor creates a monitor probing baseURL's health endpoint.
func NewHTTPMonitor(baseURL string, ttl time.Duration) *HTTPMonitor {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &HTTPMonitor{
		url:    baseURL + "/api/v1/health",
		client: &http.Client{Timeout: 5 * time.Second},
		ttl:    ttl,
	}
}

// Online reports reachability, probing at most once per ttl window.
func (m *HTTPMonitor) Online(ctx context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if time.Since(m.checked) < m.ttl {
		return m.online
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.url, nil)
	if err != nil {
		m.online = false
		m.checked = time.Now()
		return false
	}
	resp, err := m.client.Do(req)
	if err != nil {
		m.online = false
		m.checked = time.Now()
		return false
	}
	resp.Body.Close()

	m.online = resp.StatusCode < 500
	m.checked = time.Now()
	return m.online
}

// Static is a fixed-answer monitor, used by tests and forced-offline mode.
type Static bool

// Online implements Monitor.
func (s Static) Online(context.Context) bool { return bool(s) }
