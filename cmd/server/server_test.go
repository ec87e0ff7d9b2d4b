package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZanzyTHEbar/fraudscope/internal/auth"
	"github.com/ZanzyTHEbar/fraudscope/internal/cache"
	"github.com/ZanzyTHEbar/fraudscope/internal/database"
	"github.com/ZanzyTHEbar/fraudscope/internal/middleware"
	"github.com/ZanzyTHEbar/fraudscope/internal/monitoring"
	"github.com/ZanzyTHEbar/fraudscope/internal/pipeline"
	"github.com/ZanzyTHEbar/fraudscope/internal/ratelimit"
	"github.com/ZanzyTHEbar/fraudscope/internal/resilience"
	"github.com/ZanzyTHEbar/fraudscope/internal/scoring"
	"github.com/ZanzyTHEbar/fraudscope/internal/security"
	"github.com/ZanzyTHEbar/fraudscope/internal/types"
	"github.com/ZanzyTHEbar/fraudscope/internal/validation"
)

const testSecret = "test-secret"

// fraudModel labels a transaction fraudulent when its last feature (Amount) exceeds 1000
func fraudModel(calls *atomic.Int32) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		var req types.ScoringRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		resp := types.ScoringResponse{}
		for _, f := range req.Features {
			if f[len(f)-1] > 1000 {
				resp.Predictions = append(resp.Predictions, 1)
				resp.Probabilities = append(resp.Probabilities, 0.9)
			} else {
				resp.Predictions = append(resp.Predictions, 0)
				resp.Probabilities = append(resp.Probabilities, 0.1)
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}
}

type testEnv struct {
	router *gin.Engine
	calls  *atomic.Int32
}

func setupTestServer(t *testing.T, model func(*atomic.Int32) http.HandlerFunc) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	calls := &atomic.Int32{}
	modelServer := httptest.NewServer(model(calls))
	t.Cleanup(modelServer.Close)

	metrics := monitoring.NewMetrics()
	logger := monitoring.NewLoggerTo(io.Discard, slog.LevelError)

	db, err := database.NewDB(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	store := database.NewStore(db, metrics)

	health := resilience.NewDegradationManager(resilience.DefaultDegradationConfig())

	scoringConfig := scoring.DefaultConfig()
	scoringConfig.BaseURL = modelServer.URL
	scoringConfig.BaseDelay = time.Millisecond
	scoringConfig.MaxDelay = 5 * time.Millisecond
	scorer := scoring.NewClient(scoringConfig,
		scoring.WithMetrics(metrics),
		scoring.WithLogger(logger),
		scoring.WithHealth(health),
	)
	t.Cleanup(func() { scorer.Close() })

	redisClient, err := ratelimit.NewRedisClient(context.Background(), ratelimit.RedisConfig{})
	require.NoError(t, err)
	limiter := ratelimit.NewRateLimiter(redisClient, ratelimit.DefaultConfig(), metrics)
	t.Cleanup(limiter.Close)

	batchCache := cache.NewBatchCache(time.Minute, 0, metrics)
	t.Cleanup(batchCache.Close)

	validator := validation.NewValidator(validation.Config{
		FeatureColumns: []string{"Time", "V1", "Amount"},
		MaxRows:        1000,
	})
	pipe := pipeline.New(pipeline.DefaultConfig(), validator, scorer, store,
		pipeline.WithCache(batchCache),
		pipeline.WithMetrics(metrics),
		pipeline.WithLogger(logger),
	)
	t.Cleanup(pipe.Close)

	srv := &server{
		pipeline:    pipe,
		store:       store,
		scorer:      scorer,
		health:      health,
		redis:       redisClient,
		limiter:     limiter,
		cache:       batchCache,
		verifier:    auth.NewVerifier(auth.Config{JWTSecret: []byte(testSecret), TrustOwnerHeader: true}),
		security:    security.NewSecurityMiddleware(security.DefaultSecurityConfig()),
		compression: middleware.NewCompressionMiddleware(middleware.DefaultCompressionConfig()),
		metrics:     metrics,
		logger:      logger,
	}

	return &testEnv{router: setupRouter(srv), calls: calls}
}

func (e *testEnv) do(t *testing.T, method, path, owner, contentType string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if owner != "" {
		req.Header.Set(auth.OwnerHeader, owner)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) submitCSV(t *testing.T, owner, csv string) *httptest.ResponseRecorder {
	t.Helper()
	return e.do(t, http.MethodPost, "/api/batches", owner, "text/csv", strings.NewReader(csv))
}

type errorBody struct {
	Error struct {
		Kind      string         `json:"kind"`
		Code      string         `json:"code"`
		Message   string         `json:"message"`
		Retryable bool           `json:"retryable"`
		Details   map[string]any `json:"details"`
	} `json:"error"`
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), w.Body.String())
	return body
}

const sampleCSV = "Time,V1,Amount\n0,1.5,10\n1,-0.3,5000\n2,abc,3\n"

func TestHealthEndpoint(t *testing.T) {
	env := setupTestServer(t, fraudModel)

	tests := []struct {
		name           string
		method         string
		expectedStatus int
	}{
		{"GET /health returns OK status", http.MethodGet, http.StatusOK},
		{"POST /health is not routed", http.MethodPost, http.StatusNotFound},
		{"DELETE /health is not routed", http.MethodDelete, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, tt.method, "/health", "", "", nil)
			assert.Equal(t, tt.expectedStatus, w.Code)
		})
	}

	w := env.do(t, http.MethodGet, "/health", "", "", nil)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "closed", body["scoring"].(map[string]any)["circuit_breaker"])
	assert.Equal(t, "ok", body["database"].(map[string]any)["status"])
	assert.Equal(t, false, body["redis"].(map[string]any)["enabled"])
}

func TestSubmitCSV(t *testing.T) {
	env := setupTestServer(t, fraudModel)

	w := env.submitCSV(t, "owner-a", sampleCSV)

	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var resp struct {
		BatchID   string           `json:"batch_id"`
		Persisted bool             `json:"persisted"`
		Results   []map[string]any `json:"results"`
		Summary   struct {
			FraudCount    int     `json:"fraud_count"`
			LegitCount    int     `json:"legit_count"`
			UnscoredCount int     `json:"unscored_count"`
			Total         int     `json:"total"`
			FraudRate     float64 `json:"fraud_rate"`
		} `json:"summary"`
		Unscored []types.RowFault `json:"unscored"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))

	assert.NotEmpty(t, resp.BatchID)
	assert.True(t, resp.Persisted)
	require.Len(t, resp.Results, 2)
	assert.Equal(t, "Legitimate", resp.Results[0]["label"])
	assert.Equal(t, "Fraudulent", resp.Results[1]["label"])
	assert.NotContains(t, resp.Results[0], "features")
	assert.Equal(t, 1, resp.Summary.FraudCount)
	assert.Equal(t, 1, resp.Summary.LegitCount)
	assert.Equal(t, 1, resp.Summary.UnscoredCount)
	assert.Equal(t, 2, resp.Summary.Total)
	assert.InDelta(t, 0.5, resp.Summary.FraudRate, 1e-9)
	require.Len(t, resp.Unscored, 1)
	assert.Equal(t, "V1", resp.Unscored[0].Column)
}

func TestSubmitMultipart(t *testing.T) {
	env := setupTestServer(t, fraudModel)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "transactions.csv")
	require.NoError(t, err)
	_, err = part.Write([]byte(sampleCSV))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	w := env.do(t, http.MethodPost, "/api/batches", "owner-a", mw.FormDataContentType(), &buf)

	assert.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"fraud_count":1`)
}

func TestSubmitJSONFeatures(t *testing.T) {
	env := setupTestServer(t, fraudModel)

	body := `{"features":[[0,1,10],[1,2,20],[2,3]]}`
	w := env.do(t, http.MethodPost, "/api/batches", "owner-a", "application/json", strings.NewReader(body))

	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"legit_count":2`)
	assert.Contains(t, w.Body.String(), `"unscored_count":1`)
}

func TestSubmitErrors(t *testing.T) {
	env := setupTestServer(t, fraudModel)

	var missingFile bytes.Buffer
	mw := multipart.NewWriter(&missingFile)
	require.NoError(t, mw.WriteField("note", "no file here"))
	require.NoError(t, mw.Close())

	tests := []struct {
		name        string
		owner       string
		contentType string
		body        io.Reader
		status      int
		kind        string
	}{
		{"missing column", "owner-a", "text/csv", strings.NewReader("Time,Amount\n1,2\n"), http.StatusUnprocessableEntity, "SchemaError"},
		{"no valid rows", "owner-a", "text/csv", strings.NewReader("Time,V1,Amount\nx,y,z\n"), http.StatusUnprocessableEntity, "EmptyBatchError"},
		{"unsupported content type", "owner-a", "text/plain", strings.NewReader(sampleCSV), http.StatusUnsupportedMediaType, "ValidationError"},
		{"malformed json", "owner-a", "application/json", strings.NewReader(`{"features":`), http.StatusBadRequest, "ValidationError"},
		{"multipart without file", "owner-a", mw.FormDataContentType(), &missingFile, http.StatusBadRequest, "ValidationError"},
		{"no owner", "", "text/csv", strings.NewReader(sampleCSV), http.StatusUnauthorized, "Unauthenticated"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodPost, "/api/batches", tt.owner, tt.contentType, tt.body)

			assert.Equal(t, tt.status, w.Code, w.Body.String())
			assert.Equal(t, tt.kind, decodeError(t, w).Error.Kind)
		})
	}

	assert.Equal(t, int32(0), env.calls.Load())
}

func TestSubmitScoringUnavailable(t *testing.T) {
	down := func(calls *atomic.Int32) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			http.Error(w, "model loading", http.StatusServiceUnavailable)
		}
	}
	env := setupTestServer(t, down)

	w := env.submitCSV(t, "owner-a", sampleCSV)

	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	body := decodeError(t, w)
	assert.Equal(t, "ScoringUnavailable", body.Error.Kind)
	assert.True(t, body.Error.Retryable)
	assert.Equal(t, "scoring", body.Error.Details["stage"])
	assert.Equal(t, int32(scoring.DefaultConfig().MaxAttempts), env.calls.Load())

	history := env.do(t, http.MethodGet, "/api/batches", "owner-a", "", nil)
	assert.Contains(t, history.Body.String(), `"total":0`)
}

func TestHistoryAndGetBatch(t *testing.T) {
	env := setupTestServer(t, fraudModel)

	var ids []string
	for i := 0; i < 2; i++ {
		w := env.submitCSV(t, "owner-a", sampleCSV)
		require.Equal(t, http.StatusCreated, w.Code)
		var resp struct {
			BatchID string `json:"batch_id"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		ids = append(ids, resp.BatchID)
	}

	w := env.do(t, http.MethodGet, "/api/batches?page=1&page_size=10", "owner-a", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var page types.HistoryPage
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	assert.Equal(t, 2, page.Total)
	require.Len(t, page.Items, 2)
	assert.Equal(t, ids[1], page.Items[0].BatchID)
	assert.Equal(t, ids[0], page.Items[1].BatchID)

	other := env.do(t, http.MethodGet, "/api/batches", "owner-b", "", nil)
	assert.Contains(t, other.Body.String(), `"total":0`)

	w = env.do(t, http.MethodGet, "/api/batches/"+ids[0], "owner-a", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var batch types.PredictionBatch
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &batch))
	assert.Equal(t, ids[0], batch.ID)
	require.Len(t, batch.Results, 2)
	assert.Equal(t, types.FeatureVector{1, -0.3, 5000}, batch.Results[1].Features)
}

func TestGetBatchForeignOwnerMatchesUnknownID(t *testing.T) {
	env := setupTestServer(t, fraudModel)

	w := env.submitCSV(t, "owner-a", sampleCSV)
	require.Equal(t, http.StatusCreated, w.Code)
	var resp struct {
		BatchID string `json:"batch_id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))

	foreign := env.do(t, http.MethodGet, "/api/batches/"+resp.BatchID, "owner-b", "", nil)
	unknown := env.do(t, http.MethodGet, "/api/batches/does-not-exist", "owner-b", "", nil)

	assert.Equal(t, http.StatusNotFound, foreign.Code)
	assert.Equal(t, http.StatusNotFound, unknown.Code)
	assert.Equal(t, decodeError(t, unknown), decodeError(t, foreign))
}

func TestHistoryRejectsBadPaging(t *testing.T) {
	env := setupTestServer(t, fraudModel)

	for _, query := range []string{"page=abc", "page_size=x", "page=-1", "page_size=100000"} {
		w := env.do(t, http.MethodGet, "/api/batches?"+query, "owner-a", "", nil)
		assert.Equal(t, http.StatusBadRequest, w.Code, query)
		assert.Equal(t, "ValidationError", decodeError(t, w).Error.Kind, query)
	}
}

func TestBearerTokenIdentity(t *testing.T) {
	env := setupTestServer(t, fraudModel)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": "owner-jwt",
		"exp":     time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/batches", nil)
	req.Header.Set("Authorization", "Bearer "+signed)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())

	req = httptest.NewRequest(http.MethodGet, "/api/batches", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	w = httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	env := setupTestServer(t, fraudModel)

	require.Equal(t, http.StatusCreated, env.submitCSV(t, "owner-a", sampleCSV).Code)

	w := env.do(t, http.MethodGet, "/metrics", "", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `fraudscope_pipeline_batches_total{outcome="done"} 1`)
	assert.Contains(t, w.Body.String(), "fraudscope_http_requests_total")
}

func TestSecurityHeadersOnAPI(t *testing.T) {
	env := setupTestServer(t, fraudModel)

	w := env.do(t, http.MethodGet, "/api/batches", "owner-a", "", nil)

	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}
