package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ashureev/leetcoach/internal/stuck"
)

// AssistanceNeedPath is the HTTP oracle endpoint, relative to its base URL.
const AssistanceNeedPath = "/api/screen/assistance-need"

const maxResponseBytes = 1 << 20

var errEmptyURL = errors.New("oracle url is empty")

// HTTPClient posts the context as JSON to the assistance backend.
type HTTPClient struct {
	endpoint string
	timeout  time.Duration
	http     *http.Client
	logger   *slog.Logger
}

// NewHTTPClient creates a client for the backend at baseURL.
func NewHTTPClient(baseURL string, timeout time.Duration, logger *slog.Logger) (*HTTPClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if strings.TrimSpace(baseURL) == "" {
		return nil, errEmptyURL
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid oracle url %q: %w", baseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid oracle url %q: scheme must be http or https", baseURL)
	}
	return &HTTPClient{
		endpoint: strings.TrimRight(baseURL, "/") + AssistanceNeedPath,
		timeout:  timeout,
		http:     &http.Client{},
		logger:   logger,
	}, nil
}

// Mode returns ModeHTTP.
func (c *HTTPClient) Mode() Mode { return ModeHTTP }

// Close releases idle connections.
func (c *HTTPClient) Close() error {
	c.http.CloseIdleConnections()
	return nil
}

// Assess asks the backend whether the user needs assistance.
func (c *HTTPClient) Assess(ctx context.Context, sc stuck.Context) (bool, error) {
	body, err := json.Marshal(sc)
	if err != nil {
		return false, fmt.Errorf("encode oracle request: %w", err)
	}

	ctx, cancel := withTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("build oracle request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return false, fmt.Errorf("oracle request failed: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Debug("[ORACLE] Failed to close response body", "error", closeErr)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		//nolint:errcheck // best-effort drain so the connection can be reused
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
		return false, fmt.Errorf("oracle returned status %d", resp.StatusCode)
	}

	var v Verdict
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&v); err != nil {
		return false, fmt.Errorf("%w: %w", ErrBadResponse, err)
	}
	return resolve(v, sc, c.logger), nil
}
