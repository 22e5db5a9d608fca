package health

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// PinataAuthURL is Pinata's credential check endpoint.
const PinataAuthURL = "https://api.pinata.cloud/data/testAuthentication"

// HTTPChecker reports healthy when a GET to url returns 2xx.
type HTTPChecker struct {
	name   string
	url    string
	header http.Header
	client *http.Client
}

// NewHTTPChecker creates a checker named name for url.
func NewHTTPChecker(name, url string) *HTTPChecker {
	return &HTTPChecker{
		name:   name,
		url:    url,
		header: make(http.Header),
		client: &http.Client{
			Timeout: 3 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        16,
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     30 * time.Second,
			},
		},
	}
}

// NewPinataChecker checks that the pinning credentials are accepted.
func NewPinataChecker(url, jwt string) *HTTPChecker {
	if url == "" {
		url = PinataAuthURL
	}
	c := NewHTTPChecker("pinning", url)
	c.header.Set("Authorization", "Bearer "+jwt)
	return c
}

// Name implements Checker.
func (h *HTTPChecker) Name() string { return h.name }

// HealthCheck issues the GET.
func (h *HTTPChecker) HealthCheck(ctx context.Context) error {
	if h.url == "" {
		return fmt.Errorf("%s url not configured", h.name)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	for k, v := range h.header {
		req.Header[k] = v
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach %s: %w", h.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s unhealthy: unexpected status code %d", h.name, resp.StatusCode)
	}
	return nil
}
