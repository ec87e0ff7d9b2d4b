package scoring

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZanzyTHEbar/fraudscope/internal/errors"
	"github.com/ZanzyTHEbar/fraudscope/internal/resilience"
	"github.com/ZanzyTHEbar/fraudscope/internal/types"
)

func testConfig(url string) Config {
	config := DefaultConfig()
	config.BaseURL = url
	config.BaseDelay = time.Millisecond
	config.MaxDelay = 5 * time.Millisecond
	config.Jitter = false
	config.CallTimeout = time.Second
	return config
}

func vectors(values ...float64) []types.FeatureVector {
	out := make([]types.FeatureVector, len(values))
	for i, v := range values {
		out[i] = types.FeatureVector{v}
	}
	return out
}

// echoModel scores each vector with probability equal to its first feature
func echoModel(t *testing.T, delay func(first float64) time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/predict", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)

		var req types.ScoringRequest
		if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&req)) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		if delay != nil && len(req.Features) > 0 {
			time.Sleep(delay(req.Features[0][0]))
		}

		resp := types.ScoringResponse{
			Predictions:   make([]int, len(req.Features)),
			Probabilities: make([]float64, len(req.Features)),
		}
		for i, f := range req.Features {
			resp.Probabilities[i] = f[0]
			if f[0] >= 0.5 {
				resp.Predictions[i] = 1
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}
}

func TestChunks(t *testing.T) {
	tests := []struct {
		name string
		n    int
		size int
		want []Span
	}{
		{"empty", 0, 500, nil},
		{"single partial chunk", 3, 500, []Span{{0, 3}}},
		{"exact multiple", 4, 2, []Span{{0, 2}, {2, 4}}},
		{"remainder", 1200, 500, []Span{{0, 500}, {500, 1000}, {1000, 1200}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Chunks(tt.n, tt.size))
		})
	}
}

func TestScorePreservesOrderAcrossOutOfOrderChunks(t *testing.T) {
	// Earlier chunks answer slower than later ones
	server := httptest.NewServer(echoModel(t, func(first float64) time.Duration {
		return time.Duration((1-first)*60) * time.Millisecond
	}))
	defer server.Close()

	config := testConfig(server.URL)
	config.ChunkSize = 2
	config.MaxConcurrency = 3
	client := NewClient(config)
	defer client.Close()

	input := vectors(0.0, 0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 0.95)
	scores, err := client.Score(context.Background(), input)

	require.NoError(t, err)
	require.Len(t, scores, len(input))
	for i, score := range scores {
		assert.Equal(t, input[i][0], score.Probability, "position %d", i)
	}
	assert.Equal(t, types.LabelLegitimate, scores[4].Label)
	assert.Equal(t, types.LabelFraudulent, scores[5].Label)
}

func TestScoreBoundsConcurrency(t *testing.T) {
	var inFlight, peak atomic.Int64
	model := echoModel(t, nil)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(15 * time.Millisecond)
		model(w, r)
	}))
	defer server.Close()

	config := testConfig(server.URL)
	config.ChunkSize = 1
	config.MaxConcurrency = 2
	client := NewClient(config)

	_, err := client.Score(context.Background(), vectors(0.1, 0.2, 0.3, 0.4, 0.5, 0.6))

	require.NoError(t, err)
	assert.LessOrEqual(t, peak.Load(), int64(2))
}

func TestScoreLengthMismatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"predictions":[0,1],"probabilities":[0.1,0.9]}`))
	}))
	defer server.Close()

	client := NewClient(testConfig(server.URL))
	scores, err := client.Score(context.Background(), vectors(0.1, 0.2, 0.3))

	require.Error(t, err)
	assert.Nil(t, scores)
	appErr, ok := errors.AsAppError(err)
	require.True(t, ok)
	assert.Equal(t, errors.KindLengthMismatch, appErr.Kind)
	assert.Equal(t, 3, appErr.Details["expected"])
	assert.Equal(t, 2, appErr.Details["got"])
	assert.Equal(t, 0, appErr.Details["chunk"])
}

func TestScoreRetriesTimeoutsThenUnavailable(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		select {
		case <-r.Context().Done():
		case <-time.After(500 * time.Millisecond):
		}
	}))
	defer server.Close()

	config := testConfig(server.URL)
	config.CallTimeout = 20 * time.Millisecond
	config.MaxAttempts = 3
	client := NewClient(config)

	_, err := client.Score(context.Background(), vectors(0.1))

	require.Error(t, err)
	appErr, ok := errors.AsAppError(err)
	require.True(t, ok)
	assert.Equal(t, errors.KindScoringUnavailable, appErr.Kind)
	assert.True(t, appErr.Retryable)
	assert.Equal(t, 3, appErr.Details["attempts"])
	assert.Equal(t, int64(3), calls.Load())
}

func TestScoreRetriesServerErrorsUntilSuccess(t *testing.T) {
	var calls atomic.Int64
	model := echoModel(t, nil)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		model(w, r)
	}))
	defer server.Close()

	client := NewClient(testConfig(server.URL))
	scores, err := client.Score(context.Background(), vectors(0.7))

	require.NoError(t, err)
	assert.Equal(t, types.LabelFraudulent, scores[0].Label)
	assert.Equal(t, int64(3), calls.Load())
}

func TestScoreDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "feature shape mismatch", http.StatusBadRequest)
	}))
	defer server.Close()

	client := NewClient(testConfig(server.URL))
	_, err := client.Score(context.Background(), vectors(0.1, 0.2))

	require.Error(t, err)
	assert.Equal(t, errors.KindScoringBadResponse, errors.KindOf(err))
	assert.False(t, errors.IsRetryableError(err))
	assert.Equal(t, int64(1), calls.Load())
}

func TestScoreUndecodableBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html>oops</html>`))
	}))
	defer server.Close()

	client := NewClient(testConfig(server.URL))
	_, err := client.Score(context.Background(), vectors(0.1))

	assert.Equal(t, errors.KindScoringBadResponse, errors.KindOf(err))
}

func TestScoreFailsFastWhenBreakerOpen(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	config := testConfig(server.URL)
	config.BreakerFailures = 2
	config.BreakerCooldown = time.Hour
	config.MaxAttempts = 2
	client := NewClient(config)

	_, err := client.Score(context.Background(), vectors(0.1))
	require.Error(t, err)
	require.Equal(t, resilience.StateOpen, client.BreakerState())
	before := calls.Load()

	_, err = client.Score(context.Background(), vectors(0.1))

	require.Error(t, err)
	assert.Equal(t, errors.KindScoringUnavailable, errors.KindOf(err))
	assert.Contains(t, err.Error(), "circuit breaker is open")
	assert.Equal(t, before, calls.Load())
}

func TestScoreKeepsRetryBudgetWhenBreakerOpensMidChunk(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	config := testConfig(server.URL)
	config.MaxAttempts = 3
	config.BreakerFailures = 5
	config.BreakerCooldown = time.Hour
	client := NewClient(config)

	for i, wantState := range []resilience.CircuitBreakerState{resilience.StateClosed, resilience.StateOpen} {
		before := calls.Load()

		_, err := client.Score(context.Background(), vectors(0.1))

		require.Error(t, err)
		appErr, ok := errors.AsAppError(err)
		require.True(t, ok)
		assert.Equal(t, errors.KindScoringUnavailable, appErr.Kind)
		assert.Equal(t, int64(3), calls.Load()-before, "submission %d", i+1)
		assert.Equal(t, 3, appErr.Details["attempts"], "submission %d", i+1)
		assert.Equal(t, wantState, client.BreakerState(), "submission %d", i+1)
	}

	// only now does the open breaker refuse, before anything is sent
	before := calls.Load()
	_, err := client.Score(context.Background(), vectors(0.1))

	require.Error(t, err)
	appErr, ok := errors.AsAppError(err)
	require.True(t, ok)
	assert.Contains(t, err.Error(), "circuit breaker is open")
	assert.Equal(t, 0, appErr.Details["attempts"])
	assert.Equal(t, before, calls.Load())
}

func TestScoreCanceledContext(t *testing.T) {
	server := httptest.NewServer(echoModel(t, func(float64) time.Duration { return 200 * time.Millisecond }))
	defer server.Close()

	client := NewClient(testConfig(server.URL))
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := client.Score(ctx, vectors(0.1, 0.2))

	require.Error(t, err)
	assert.Equal(t, errors.KindCanceled, errors.KindOf(err))
}

func TestScoreEmptyInput(t *testing.T) {
	client := NewClient(testConfig("http://127.0.0.1:1"))

	scores, err := client.Score(context.Background(), nil)

	require.NoError(t, err)
	assert.Empty(t, scores)
}

func TestInterpretLabelModes(t *testing.T) {
	tests := []struct {
		name      string
		mode      LabelMode
		threshold float64
		response  types.ScoringResponse
		want      []types.Score
		kind      errors.Kind
	}{
		{
			name:     "passthrough uses predictions",
			mode:     LabelModePassthrough,
			response: types.ScoringResponse{Predictions: []int{1, 0}, Probabilities: []float64{0.4, 0.6}},
			want:     []types.Score{{Label: types.LabelFraudulent, Probability: 0.4}, {Label: types.LabelLegitimate, Probability: 0.6}},
		},
		{
			name:      "threshold ignores predictions",
			mode:      LabelModeThreshold,
			threshold: 0.3,
			response:  types.ScoringResponse{Predictions: []int{0, 0}, Probabilities: []float64{0.4, 0.2}},
			want:      []types.Score{{Label: types.LabelFraudulent, Probability: 0.4}, {Label: types.LabelLegitimate, Probability: 0.2}},
		},
		{
			name:     "labels derived when predictions absent",
			mode:     LabelModePassthrough,
			response: types.ScoringResponse{Probabilities: []float64{0.9, 0.1}},
			want:     []types.Score{{Label: types.LabelFraudulent, Probability: 0.9}, {Label: types.LabelLegitimate, Probability: 0.1}},
		},
		{
			name:     "probabilities derived when absent",
			mode:     LabelModePassthrough,
			response: types.ScoringResponse{Predictions: []int{1, 0}},
			want:     []types.Score{{Label: types.LabelFraudulent, Probability: 1}, {Label: types.LabelLegitimate, Probability: 0}},
		},
		{
			name:     "both arrays absent",
			mode:     LabelModePassthrough,
			response: types.ScoringResponse{},
			kind:     errors.KindScoringBadResponse,
		},
		{
			name:     "prediction out of domain",
			mode:     LabelModePassthrough,
			response: types.ScoringResponse{Predictions: []int{2, 0}},
			kind:     errors.KindScoringBadResponse,
		},
		{
			name:     "probability out of range",
			mode:     LabelModePassthrough,
			response: types.ScoringResponse{Probabilities: []float64{1.2, 0.1}},
			kind:     errors.KindScoringBadResponse,
		},
		{
			name:     "probabilities short",
			mode:     LabelModePassthrough,
			response: types.ScoringResponse{Predictions: []int{1, 0}, Probabilities: []float64{0.9}},
			kind:     errors.KindLengthMismatch,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig()
			config.LabelMode = tt.mode
			if tt.threshold > 0 {
				config.Threshold = tt.threshold
			}
			client := NewClient(config)

			scores, err := client.interpret(0, 2, tt.response)

			if tt.kind != "" {
				require.Error(t, err)
				assert.Equal(t, tt.kind, errors.KindOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, scores)
		})
	}
}

func TestHealthTracksAttempts(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	dm := resilience.NewDegradationManager(resilience.DefaultDegradationConfig())
	config := testConfig(server.URL)
	config.MaxAttempts = 2
	client := NewClient(config, WithHealth(dm))

	_, err := client.Score(context.Background(), vectors(0.1))
	require.Error(t, err)

	health, ok := dm.GetServiceHealth(ServiceName)
	require.True(t, ok)
	assert.Equal(t, int64(2), health.ErrorCount)
	assert.Equal(t, resilience.LevelEmergency, health.Level)
}
