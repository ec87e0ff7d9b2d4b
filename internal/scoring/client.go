package scoring

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ZanzyTHEbar/fraudscope/internal/errors"
	"github.com/ZanzyTHEbar/fraudscope/internal/monitoring"
	"github.com/ZanzyTHEbar/fraudscope/internal/resilience"
	"github.com/ZanzyTHEbar/fraudscope/internal/types"
)

// ServiceName identifies the scoring dependency in health reports
const ServiceName = "scoring"

// maxResponseBytes bounds how much of a scoring response is read
const maxResponseBytes = 64 << 20

// LabelMode selects how the discrete label is obtained from a response
type LabelMode string

const (
	// LabelModePassthrough uses the service's predictions when present
	LabelModePassthrough LabelMode = "passthrough"
	// LabelModeThreshold always derives the label from the probability
	LabelModeThreshold LabelMode = "threshold"
)

// Config holds scoring client configuration
type Config struct {
	BaseURL        string
	ChunkSize      int
	MaxConcurrency int
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	Jitter         bool
	CallTimeout    time.Duration
	Threshold      float64
	LabelMode      LabelMode

	// Consecutive transient failures before the breaker opens, and how long it stays open
	BreakerFailures int
	BreakerCooldown time.Duration
}

// DefaultConfig returns the default scoring configuration
func DefaultConfig() Config {
	return Config{
		BaseURL:         "http://localhost:5000",
		ChunkSize:       500,
		MaxConcurrency:  4,
		MaxAttempts:     3,
		BaseDelay:       200 * time.Millisecond,
		MaxDelay:        2 * time.Second,
		Jitter:          true,
		CallTimeout:     5 * time.Second,
		Threshold:       0.5,
		LabelMode:       LabelModePassthrough,
		BreakerFailures: 5,
		BreakerCooldown: 30 * time.Second,
	}
}

// Client scores feature vectors against the remote model service
type Client struct {
	config   Config
	endpoint string
	pool     *resilience.ConnectionPool
	breaker  *resilience.CircuitBreaker
	health   *resilience.DegradationManager
	metrics  *monitoring.Metrics
	logger   *monitoring.Logger
}

// Option configures a Client
type Option func(*Client)

// WithMetrics reports calls to the given metrics
func WithMetrics(m *monitoring.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithLogger sets the client logger
func WithLogger(l *monitoring.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithHealth feeds attempt outcomes into the degradation manager
func WithHealth(dm *resilience.DegradationManager) Option {
	return func(c *Client) { c.health = dm }
}

// NewClient creates a scoring client. Zero config values fall back to defaults.
func NewClient(config Config, opts ...Option) *Client {
	defaults := DefaultConfig()
	if config.ChunkSize < 1 {
		config.ChunkSize = defaults.ChunkSize
	}
	if config.MaxConcurrency < 1 {
		config.MaxConcurrency = defaults.MaxConcurrency
	}
	if config.MaxAttempts < 1 {
		config.MaxAttempts = defaults.MaxAttempts
	}
	if config.CallTimeout <= 0 {
		config.CallTimeout = defaults.CallTimeout
	}
	if config.Threshold <= 0 || config.Threshold >= 1 {
		config.Threshold = defaults.Threshold
	}
	if config.LabelMode == "" {
		config.LabelMode = defaults.LabelMode
	}

	c := &Client{
		config:   config,
		endpoint: strings.TrimRight(config.BaseURL, "/") + "/predict",
		pool:     resilience.NewConnectionPool(config.MaxConcurrency, config.MaxConcurrency, 90*time.Second),
		logger:   &monitoring.Logger{Logger: slog.Default()},
	}

	for _, opt := range opts {
		opt(c)
	}

	c.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		FailureThreshold: config.BreakerFailures,
		RecoveryTimeout:  config.BreakerCooldown,
		IsFailure:        resilience.IsTransient,
		OnStateChange: func(from, to resilience.CircuitBreakerState) {
			c.metrics.SetBreakerState(int(to), to == resilience.StateOpen)
			c.logger.Warn("Scoring circuit breaker state changed", "from", from.String(), "to", to.String())
		},
	})

	if c.health != nil {
		c.health.RegisterService(ServiceName, c.Ping)
	}

	return c
}

// Span is the half-open range [Start, End) of one chunk
type Span struct {
	Start int
	End   int
}

// Chunks splits n items into contiguous spans of at most size
func Chunks(n, size int) []Span {
	if n <= 0 || size < 1 {
		return nil
	}
	spans := make([]Span, 0, (n+size-1)/size)
	for start := 0; start < n; start += size {
		end := start + size
		if end > n {
			end = n
		}
		spans = append(spans, Span{Start: start, End: end})
	}
	return spans
}

// Score returns one Score per vector, in input order. Either every chunk is
// scored or an error is returned and no scores are.
func (c *Client) Score(ctx context.Context, vectors []types.FeatureVector) ([]types.Score, error) {
	if len(vectors) == 0 {
		return []types.Score{}, nil
	}

	spans := Chunks(len(vectors), c.config.ChunkSize)
	slots := make([][]types.Score, len(spans))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.config.MaxConcurrency)

	for i, span := range spans {
		g.Go(func() error {
			scores, err := c.scoreChunk(gctx, i, vectors[span.Start:span.End])
			if err != nil {
				return err
			}
			slots[i] = scores
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil, errors.NewCanceledError("scoring", ctx.Err())
		}
		return nil, err
	}

	scores := make([]types.Score, 0, len(vectors))
	for _, slot := range slots {
		scores = append(scores, slot...)
	}
	return scores, nil
}

func (c *Client) scoreChunk(ctx context.Context, index int, chunk []types.FeatureVector) ([]types.Score, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	start := time.Now()
	body, err := json.Marshal(types.ScoringRequest{Features: chunk})
	if err != nil {
		return nil, errors.NewInternalError("failed to encode scoring request", err)
	}

	var scores []types.Score
	retry := resilience.RetryConfig{
		MaxAttempts:     c.config.MaxAttempts,
		InitialDelay:    c.config.BaseDelay,
		MaxDelay:        c.config.MaxDelay,
		BackoffFactor:   2.0,
		JitterEnabled:   c.config.Jitter,
		RetryableErrors: resilience.IsTransient,
		OnRetry: func(attempt int, delay time.Duration, err error) {
			c.logger.Debug("Retrying scoring chunk", "chunk", index, "attempt", attempt+1, "delay_ms", delay.Milliseconds())
		},
	}

	// An open breaker may only refuse the first attempt. Once a call has gone
	// out the chunk runs its full retry budget and the breaker just observes.
	sent := 0
	result := resilience.RetryWithConfig(ctx, retry, func(attempt int) error {
		if sent == 0 {
			if err := c.breaker.Allow(); err != nil {
				return err
			}
		}
		sent++
		var callErr error
		scores, callErr = c.call(ctx, index, sent, body, len(chunk))
		c.breaker.Record(callErr)
		return callErr
	})

	duration := time.Since(start)
	err = result.Err

	switch {
	case err == nil:
		c.metrics.RecordScoringChunk("ok", duration)
		return scores, nil

	case ctx.Err() != nil:
		c.metrics.RecordScoringChunk("canceled", duration)
		return nil, ctx.Err()

	case resilience.IsCircuitOpen(err):
		c.metrics.RecordScoringAttempt("breaker_open")
		c.metrics.RecordScoringChunk("unavailable", duration)
		return nil, errors.NewScoringUnavailableError("scoring service circuit breaker is open", err,
			map[string]any{"chunk": index, "attempts": sent})

	case resilience.IsTransient(err):
		c.metrics.RecordScoringChunk("unavailable", duration)
		return nil, errors.NewScoringUnavailableError(
			fmt.Sprintf("scoring chunk %d failed after %d attempts", index, sent), err,
			map[string]any{"chunk": index, "attempts": sent})
	}

	c.metrics.RecordScoringChunk("bad_response", duration)
	if _, ok := errors.AsAppError(err); ok {
		return nil, err
	}
	return nil, errors.NewScoringBadResponseError(fmt.Sprintf("scoring chunk %d failed", index), err,
		map[string]any{"chunk": index})
}

// call performs one attempt. Transient failures are marked so the retry loop and breaker see them.
func (c *Client) call(ctx context.Context, index, attempt int, body []byte, expected int) ([]types.Score, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.config.CallTimeout)
	defer cancel()

	start := time.Now()
	resp, err := c.pool.PostJSON(callCtx, c.endpoint, body)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		err = resilience.MarkTransient(fmt.Errorf("scoring call: %w", err))
		c.observeAttempt(index, attempt, expected, 0, start, err)
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		err = resilience.MarkTransient(fmt.Errorf("read scoring response: %w", err))
		c.observeAttempt(index, attempt, expected, resp.StatusCode, start, err)
		return nil, err
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		httpErr := resilience.NewHTTPError(resp.StatusCode, resp.Status)
		if snippet := strings.TrimSpace(string(payload)); snippet != "" {
			if len(snippet) > 256 {
				snippet = snippet[:256]
			}
			httpErr.Message = snippet
		}
		c.observeAttempt(index, attempt, expected, resp.StatusCode, start, httpErr)

		if httpErr.Transient() {
			return nil, httpErr
		}
		return nil, errors.NewScoringBadResponseError(
			fmt.Sprintf("scoring service rejected chunk %d with status %d", index, resp.StatusCode), httpErr,
			map[string]any{"chunk": index, "status": resp.StatusCode})
	}

	c.observeAttempt(index, attempt, expected, resp.StatusCode, start, nil)

	var decoded types.ScoringResponse
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return nil, errors.NewScoringBadResponseError(
			fmt.Sprintf("scoring response for chunk %d is not valid JSON", index), err,
			map[string]any{"chunk": index})
	}

	return c.interpret(index, expected, decoded)
}

func (c *Client) observeAttempt(index, attempt, size, status int, start time.Time, err error) {
	duration := time.Since(start)
	c.logger.ScoringLogger(index, attempt, size, status, duration, err)

	switch {
	case err == nil:
		c.metrics.RecordScoringAttempt("ok")
		if c.health != nil {
			c.health.RecordSuccess(ServiceName)
		}
	case resilience.IsTransient(err):
		c.metrics.RecordScoringAttempt("transient")
		if c.health != nil {
			c.health.RecordError(ServiceName, err)
		}
	default:
		c.metrics.RecordScoringAttempt("rejected")
	}
}

// interpret checks the response shape and derives one Score per vector
func (c *Client) interpret(index, expected int, resp types.ScoringResponse) ([]types.Score, error) {
	hasPredictions := resp.Predictions != nil
	hasProbabilities := resp.Probabilities != nil

	if !hasPredictions && !hasProbabilities {
		return nil, errors.NewScoringBadResponseError(
			"scoring response carries neither predictions nor probabilities", nil,
			map[string]any{"chunk": index})
	}
	if hasPredictions && len(resp.Predictions) != expected {
		return nil, errors.NewLengthMismatchError(expected, len(resp.Predictions),
			map[string]any{"chunk": index, "field": "predictions"})
	}
	if hasProbabilities && len(resp.Probabilities) != expected {
		return nil, errors.NewLengthMismatchError(expected, len(resp.Probabilities),
			map[string]any{"chunk": index, "field": "probabilities"})
	}

	scores := make([]types.Score, expected)
	for i := 0; i < expected; i++ {
		var label types.Label
		if hasPredictions {
			var ok bool
			label, ok = types.LabelFromPrediction(resp.Predictions[i])
			if !ok {
				return nil, errors.NewScoringBadResponseError(
					fmt.Sprintf("prediction %d is not 0 or 1", resp.Predictions[i]), nil,
					map[string]any{"chunk": index, "position": i})
			}
		}

		var probability float64
		if hasProbabilities {
			probability = resp.Probabilities[i]
			if math.IsNaN(probability) || probability < 0 || probability > 1 {
				return nil, errors.NewScoringBadResponseError(
					fmt.Sprintf("probability %v is outside [0,1]", probability), nil,
					map[string]any{"chunk": index, "position": i})
			}
		} else if label == types.LabelFraudulent {
			probability = 1
		}

		if c.config.LabelMode == LabelModeThreshold || !hasPredictions {
			label = types.LabelFromProbability(probability, c.config.Threshold)
		}

		scores[i] = types.Score{Label: label, Probability: probability}
	}

	return scores, nil
}

// Ping reports whether the scoring service answers HTTP at all
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.pool.DoRequest(ctx, http.MethodGet, c.endpoint, nil, nil)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode >= http.StatusInternalServerError {
		return resilience.NewHTTPError(resp.StatusCode, resp.Status)
	}
	return nil
}

// BreakerState returns the current circuit breaker state
func (c *Client) BreakerState() resilience.CircuitBreakerState {
	return c.breaker.State()
}

// Stats returns breaker and pool statistics for health reporting
func (c *Client) Stats() map[string]interface{} {
	return map[string]interface{}{
		"endpoint":        c.endpoint,
		"circuit_breaker": c.breaker.Stats(),
		"pool":            c.pool.GetStats(),
	}
}

// Close releases pooled connections
func (c *Client) Close() error {
	return c.pool.Close()
}
