package resilience

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"
)

// ConnectionPool bounds outbound HTTP requests to one upstream and shares a
// keep-alive transport between them
type ConnectionPool struct {
	maxIdle     int
	maxActive   int
	idleTimeout time.Duration

	slots  chan struct{}
	client *http.Client

	transport *http.Transport

	active   atomic.Int64
	requests atomic.Int64
	failures atomic.Int64
}

// NewConnectionPool creates a pool allowing at most maxActive concurrent requests
func NewConnectionPool(maxIdle, maxActive int, idleTimeout time.Duration) *ConnectionPool {
	if maxActive < 1 {
		maxActive = 1
	}
	if maxIdle < 1 {
		maxIdle = maxActive
	}

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          maxIdle,
		MaxConnsPerHost:       maxActive,
		MaxIdleConnsPerHost:   maxIdle,
		IdleConnTimeout:       idleTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &ConnectionPool{
		maxIdle:     maxIdle,
		maxActive:   maxActive,
		idleTimeout: idleTimeout,
		slots:       make(chan struct{}, maxActive),
		// Deadlines come from the request context
		client:    &http.Client{Transport: transport},
		transport: transport,
	}
}

// acquire blocks until a slot is free or ctx is done
func (cp *ConnectionPool) acquire(ctx context.Context) error {
	select {
	case cp.slots <- struct{}{}:
		cp.active.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (cp *ConnectionPool) release() {
	cp.active.Add(-1)
	<-cp.slots
}

// DoRequest executes an HTTP request through the pool. The caller must close the response body.
func (cp *ConnectionPool) DoRequest(ctx context.Context, method, url string, headers map[string]string, body []byte) (*http.Response, error) {
	if err := cp.acquire(ctx); err != nil {
		return nil, err
	}
	defer cp.release()

	var reader *bytes.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	var req *http.Request
	var err error
	if reader != nil {
		req, err = http.NewRequestWithContext(ctx, method, url, reader)
	} else {
		req, err = http.NewRequestWithContext(ctx, method, url, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	for key, value := range headers {
		req.Header.Set(key, value)
	}

	cp.requests.Add(1)
	start := time.Now()
	resp, err := cp.client.Do(req)
	duration := time.Since(start)

	if err != nil {
		cp.failures.Add(1)
		slog.Debug("Request failed", "url", url, "error", err, "duration_ms", duration.Milliseconds())
		return nil, err
	}

	slog.Debug("Request completed", "url", url, "status", resp.StatusCode, "duration_ms", duration.Milliseconds())
	return resp, nil
}

// PostJSON sends a JSON body with POST
func (cp *ConnectionPool) PostJSON(ctx context.Context, url string, body []byte) (*http.Response, error) {
	return cp.DoRequest(ctx, http.MethodPost, url, map[string]string{
		"Content-Type": "application/json",
		"Accept":       "application/json",
	}, body)
}

// GetStats returns connection pool statistics
func (cp *ConnectionPool) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"active_requests": cp.active.Load(),
		"total_requests":  cp.requests.Load(),
		"failed_requests": cp.failures.Load(),
		"max_idle":        cp.maxIdle,
		"max_active":      cp.maxActive,
		"idle_timeout_ms": cp.idleTimeout.Milliseconds(),
	}
}

// Close drops idle keep-alive connections
func (cp *ConnectionPool) Close() error {
	cp.transport.CloseIdleConnections()
	slog.Info("Connection pool closed")
	return nil
}
