package actions

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rendis/riskflow/internal/dispatch"
	"github.com/rendis/riskflow/internal/logging"
	"github.com/rendis/riskflow/pkg/schema"
)

const (
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
	defaultHTTPTimeout     = 30 * time.Second
)

// Service describes one configured integration endpoint.
type Service struct {
	BaseURL string            `json:"base_url" mapstructure:"base_url"`
	Timeout time.Duration     `json:"timeout" mapstructure:"timeout"`
	Headers map[string]string `json:"headers,omitempty" mapstructure:"headers"`
}

// HTTPConfig configures the integration caller.
type HTTPConfig struct {
	Services        map[string]Service
	MaxResponseBody int64
	Breaker         BreakerConfig
	Client          *http.Client
	Logger          *slog.Logger
}

// HTTPCaller calls integration methods as JSON over HTTP: a call to
// service.method POSTs the parameters to <base_url>/<method> and returns the
// decoded response body. It implements dispatch.IntegrationCaller.
type HTTPCaller struct {
	services map[string]Service
	maxBody  int64
	breakers *Breakers
	client   *http.Client
	logger   *slog.Logger
}

var _ dispatch.IntegrationCaller = (*HTTPCaller)(nil)

// NewHTTPCaller creates an integration caller over the configured services.
func NewHTTPCaller(cfg HTTPConfig) *HTTPCaller {
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Transport: http.DefaultTransport.(*http.Transport).Clone()}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPCaller{
		services: cfg.Services,
		maxBody:  cfg.MaxResponseBody,
		breakers: NewBreakers(cfg.Breaker),
		client:   client,
		logger:   logger,
	}
}

// Breakers exposes the per-service circuits for diagnostics.
func (c *HTTPCaller) Breakers() *Breakers { return c.breakers }

// Call invokes method on service. Transport failures and 5xx responses count
// against the service's circuit; 4xx responses do not.
func (c *HTTPCaller) Call(ctx context.Context, service, method string, params map[string]any) (any, error) {
	svc, ok := c.services[service]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeIntegration, "unknown integration service %q", service)
	}
	if method == "" {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "integration %q: missing method", service)
	}
	endpoint, err := url.JoinPath(svc.BaseURL, method)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "integration %q: invalid base url", service).WithCause(err)
	}
	if err := c.breakers.Allow(service); err != nil {
		return nil, err
	}

	body, err := json.Marshal(params)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeIntegration, "%s.%s: encode params", service, method).WithCause(err)
	}

	timeout := svc.Timeout
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeIntegration, "%s.%s: build request", service, method).WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range svc.Headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.breakers.Failure(service)
		return nil, schema.NewErrorf(schema.ErrCodeIntegration, "%s.%s: request failed: %v", service, method, err).WithCause(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody))
	if err != nil {
		c.breakers.Failure(service)
		return nil, schema.NewErrorf(schema.ErrCodeIntegration, "%s.%s: read response", service, method).WithCause(err)
	}
	logging.LogWith(ctx, c.logger).Debug("integration call",
		"service", service, "method", method, "status", resp.StatusCode, "duration", time.Since(start))

	result := decodeBody(resp.Header.Get("Content-Type"), raw)
	if resp.StatusCode >= 400 {
		if resp.StatusCode >= 500 {
			c.breakers.Failure(service)
		}
		return nil, schema.NewErrorf(schema.ErrCodeIntegration, "%s.%s: service returned %d", service, method, resp.StatusCode).
			WithDetails(map[string]any{"status_code": resp.StatusCode, "body": result})
	}
	c.breakers.Success(service)
	return result, nil
}

// decodeBody parses JSON bodies and returns everything else as text.
func decodeBody(contentType string, raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	if strings.Contains(contentType, "json") || json.Valid(raw) {
		var v any
		if err := json.Unmarshal(raw, &v); err == nil {
			return v
		}
	}
	return string(raw)
}

// String renders a service for logs without its headers, which may carry
// credentials.
func (s Service) String() string {
	return fmt.Sprintf("%s (timeout %s)", s.BaseURL, s.Timeout)
}
