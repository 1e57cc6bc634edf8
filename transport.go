package raven

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"
)

// maxDrainResponseBytes bounds how much of a response body is read so the
// connection can go back to the pool.
const maxDrainResponseBytes = 16 << 10

// HTTPTransport handles pooled keep-alive HTTP communication with the collector
type HTTPTransport struct {
	config      *TransportConfig
	endpoint    *Endpoint
	client      *http.Client
	logger      *zap.Logger
	rateLimiter *RateLimiter
	now         func() time.Time
}

// NewHTTPTransport creates a new HTTP transport
func NewHTTPTransport(config *TransportConfig, endpoint *Endpoint, logger *zap.Logger) (*HTTPTransport, error) {
	tlsConfig, err := newTLSConfig(config, endpoint)
	if err != nil {
		return nil, err
	}

	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        config.PoolSize,
		MaxIdleConnsPerHost: config.PoolSize,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: config.ConnectTimeout,
		TLSClientConfig:     tlsConfig,
	}

	// Configure proxy if specified
	if config.Proxy != "" {
		proxyURL, err := url.Parse(config.Proxy)
		if err != nil {
			return nil, &Error{Op: "new_http_transport", Kind: KindConfig, Message: fmt.Sprintf("invalid proxy URL: %v", err), Err: err}
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	client := &http.Client{
		Transport: transport,
		Timeout:   config.Timeout,
	}

	return &HTTPTransport{
		config:      config,
		endpoint:    endpoint,
		client:      client,
		logger:      logger,
		rateLimiter: NewRateLimiter(logger),
		now:         time.Now,
	}, nil
}

// Send implements Sender
func (t *HTTPTransport) Send(ctx context.Context, payload []byte) error {
	req, err := t.Prepare(payload)
	if err != nil {
		return err
	}
	return t.Deliver(ctx, req)
}

// Prepare implements Transport
func (t *HTTPTransport) Prepare(payload []byte) (*Request, error) {
	req := newStoreRequest(t.endpoint, payload, t.now())
	if !t.config.Compression {
		return req, nil
	}

	var buf bytes.Buffer
	gzipWriter := gzip.NewWriter(&buf)
	if _, err := gzipWriter.Write(payload); err != nil {
		return nil, &Error{Op: "http_prepare", Kind: KindCapture, Message: fmt.Sprintf("failed to compress payload: %v", err), Err: err}
	}
	if err := gzipWriter.Close(); err != nil {
		return nil, &Error{Op: "http_prepare", Kind: KindCapture, Message: fmt.Sprintf("failed to close gzip writer: %v", err), Err: err}
	}

	req.Body = buf.Bytes()
	req.Header.Set("Content-Encoding", "gzip")
	req.Header.Set("Content-Length", strconv.Itoa(len(req.Body)))
	return req, nil
}

// Deliver sends a prepared request through the connection pool.
func (t *HTTPTransport) Deliver(ctx context.Context, req *Request) error {
	const op = "http_deliver"

	if t.rateLimiter.IsRateLimited(CategoryError) {
		disabledUntil := t.rateLimiter.GetDisabledUntil(CategoryError)
		t.logger.Warn("Event rate limited", zap.Time("disabled_until", disabledUntil))
		return &Error{Op: op, Kind: KindTransport, Message: fmt.Sprintf("rate limited until %s", disabledUntil.Format(time.RFC3339))}
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, t.endpoint.ServerURL, bytes.NewReader(req.Body))
	if err != nil {
		return transportError(op, err)
	}
	for key, values := range req.Header {
		if key == "Content-Length" {
			// net/http derives it from the body
			continue
		}
		httpReq.Header[key] = values
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		t.logger.Error("HTTP request failed", zap.Error(err))
		return transportError(op, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxDrainResponseBytes))

	t.rateLimiter.HandleRateLimitHeaders(resp.Header)

	if resp.StatusCode == http.StatusTooManyRequests {
		return &Error{Op: op, Kind: KindTransport, Message: "rate limited by server"}
	}

	if resp.StatusCode != http.StatusOK {
		t.logger.Error("Event send failed",
			zap.Int("status_code", resp.StatusCode),
			zap.ByteString("response", body))
		return &Error{Op: op, Kind: KindTransport, Message: fmt.Sprintf("HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(body))}
	}

	t.logger.Debug("Event sent successfully", zap.Int("status_code", resp.StatusCode))
	return nil
}

// RateLimiter returns the rate limiter
func (t *HTTPTransport) RateLimiter() *RateLimiter {
	return t.rateLimiter
}

// Close closes the transport
func (t *HTTPTransport) Close() error {
	if t.client != nil {
		t.client.CloseIdleConnections()
	}
	return nil
}
