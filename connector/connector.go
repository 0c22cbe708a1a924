package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"
)

const (
	// HealthCheckTimeout bounds every health probe.
	HealthCheckTimeout = 5 * time.Second
	// DefaultCallTimeout applies when a call specifies none.
	DefaultCallTimeout = 30 * time.Second

	userAgent = "dox-workflow-orchestrator/1.0.0"
)

// HealthState classifies a health probe outcome. Timeouts and
// connection failures are distinct states, never collapsed into a
// generic unhealthy.
type HealthState string

const (
	HealthHealthy         HealthState = "healthy"
	HealthUnhealthy       HealthState = "unhealthy"
	HealthTimeout         HealthState = "timeout"
	HealthConnectionError HealthState = "connection_error"
	HealthError           HealthState = "error"
	HealthUnknownService  HealthState = "unknown_service"
)

// HealthResult is the outcome of one health probe.
type HealthResult struct {
	Service        string                 `json:"service"`
	Status         HealthState            `json:"status"`
	ResponseTimeMs int64                  `json:"response_time_ms"`
	HTTPStatus     int                    `json:"http_status,omitempty"`
	Details        map[string]interface{} `json:"details,omitempty"`
	Error          string                 `json:"error,omitempty"`
	Timestamp      time.Time              `json:"timestamp"`
}

// IntegrationError reports a downstream call failure, carrying the
// service name and HTTP status when known.
type IntegrationError struct {
	Service    string
	HTTPStatus int
	Err        error
}

func (e *IntegrationError) Error() string {
	if e.HTTPStatus > 0 {
		return fmt.Sprintf("service %s returned status %d: %v", e.Service, e.HTTPStatus, e.Err)
	}
	return fmt.Sprintf("service %s call failed: %v", e.Service, e.Err)
}

func (e *IntegrationError) Unwrap() error { return e.Err }

// CallRequest describes one outbound API call.
type CallRequest struct {
	Service  string
	Method   string
	Endpoint string
	Body     map[string]interface{}
	Params   map[string]string
	Headers  map[string]string
	Timeout  time.Duration
}

// CallResponse is the parsed outcome of a successful call.
type CallResponse struct {
	StatusCode int                    `json:"status_code"`
	Data       map[string]interface{} `json:"data,omitempty"`
	Text       string                 `json:"text,omitempty"`
	Headers    http.Header            `json:"-"`
	Timestamp  time.Time              `json:"timestamp"`
}

// Connector reaches downstream services through the registry.
type Connector struct {
	registry *Registry
	client   *http.Client
	logger   *slog.Logger
}

// Option configures a Connector.
type Option func(*Connector)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Connector) { c.client = client }
}

// WithConnectorLogger sets the connector's logger.
func WithConnectorLogger(logger *slog.Logger) Option {
	return func(c *Connector) { c.logger = logger }
}

// New creates a Connector over the given registry.
func New(registry *Registry, opts ...Option) *Connector {
	c := &Connector{
		registry: registry,
		client:   &http.Client{},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Registry exposes the service catalog.
func (c *Connector) Registry() *Registry { return c.registry }

// CheckHealth probes the registered health endpoint of a service with a
// fixed 5-second timeout.
func (c *Connector) CheckHealth(ctx context.Context, serviceName string) HealthResult {
	entry, ok := c.registry.Get(serviceName)
	if !ok {
		return HealthResult{
			Service:   serviceName,
			Status:    HealthUnknownService,
			Error:     fmt.Sprintf("service %s not found in registry", serviceName),
			Timestamp: time.Now().UTC(),
		}
	}

	healthURL := fmt.Sprintf("http://%s:%d%s", entry.Host, entry.Port, entry.HealthEndpoint)

	reqCtx, cancel := context.WithTimeout(ctx, HealthCheckTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, healthURL, nil)
	if err != nil {
		return HealthResult{
			Service:   serviceName,
			Status:    HealthError,
			Error:     err.Error(),
			Timestamp: time.Now().UTC(),
		}
	}
	req.Header.Set("User-Agent", userAgent)

	start := time.Now()
	resp, err := c.client.Do(req)
	elapsed := time.Since(start)

	if err != nil {
		result := HealthResult{
			Service:   serviceName,
			Error:     err.Error(),
			Timestamp: time.Now().UTC(),
		}
		switch classifyNetErr(err) {
		case HealthTimeout:
			result.Status = HealthTimeout
			result.ResponseTimeMs = elapsed.Milliseconds()
		default:
			result.Status = HealthConnectionError
			result.ResponseTimeMs = 0
		}
		return result
	}
	defer resp.Body.Close()

	result := HealthResult{
		Service:        serviceName,
		ResponseTimeMs: elapsed.Milliseconds(),
		HTTPStatus:     resp.StatusCode,
		Timestamp:      time.Now().UTC(),
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode == http.StatusOK {
		result.Status = HealthHealthy
		var details map[string]interface{}
		if err := json.Unmarshal(body, &details); err == nil {
			result.Details = details
		}
	} else {
		result.Status = HealthUnhealthy
		result.Error = string(body)
	}
	return result
}

// CheckAllHealth probes every registered service.
func (c *Connector) CheckAllHealth(ctx context.Context) map[string]HealthResult {
	out := make(map[string]HealthResult)
	for _, name := range c.registry.Names() {
		out[name] = c.CheckHealth(ctx, name)
	}
	return out
}

// Call issues an outbound API request. The URL is built from the
// registry entry plus its API prefix; default identifying headers are
// attached. Transport failures and non-2xx responses surface as
// *IntegrationError.
func (c *Connector) Call(ctx context.Context, call CallRequest) (*CallResponse, error) {
	entry, ok := c.registry.Get(call.Service)
	if !ok {
		return nil, &IntegrationError{
			Service: call.Service,
			Err:     fmt.Errorf("service not found in registry"),
		}
	}

	timeout := call.Timeout
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	apiURL := fmt.Sprintf("http://%s:%d%s%s", entry.Host, entry.Port, entry.APIPrefix, call.Endpoint)

	var body io.Reader
	method := call.Method
	if method == "" {
		method = http.MethodGet
	}
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		if call.Body != nil {
			data, err := json.Marshal(call.Body)
			if err != nil {
				return nil, &IntegrationError{Service: call.Service, Err: fmt.Errorf("encode body: %w", err)}
			}
			body = bytes.NewReader(data)
		}
	}

	req, err := http.NewRequestWithContext(reqCtx, method, apiURL, body)
	if err != nil {
		return nil, &IntegrationError{Service: call.Service, Err: err}
	}

	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range call.Headers {
		req.Header.Set(k, v)
	}

	if len(call.Params) > 0 {
		q := url.Values{}
		for k, v := range call.Params {
			q.Set(k, v)
		}
		req.URL.RawQuery = q.Encode()
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Warn("outbound call failed",
			"service", call.Service, "method", method, "endpoint", call.Endpoint, "error", err)
		return nil, &IntegrationError{Service: call.Service, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &IntegrationError{Service: call.Service, HTTPStatus: resp.StatusCode, Err: err}
	}

	out := &CallResponse{
		StatusCode: resp.StatusCode,
		Headers:    resp.Header,
		Timestamp:  time.Now().UTC(),
	}
	var data map[string]interface{}
	if err := json.Unmarshal(raw, &data); err == nil {
		out.Data = data
	} else {
		out.Text = string(raw)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return out, &IntegrationError{
			Service:    call.Service,
			HTTPStatus: resp.StatusCode,
			Err:        fmt.Errorf("unexpected response status"),
		}
	}
	return out, nil
}

// classifyNetErr distinguishes timeouts from connection failures.
func classifyNetErr(err error) HealthState {
	if errors.Is(err, context.DeadlineExceeded) {
		return HealthTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return HealthTimeout
	}
	return HealthConnectionError
}
