package config

import (
	stderrors "errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/ZanzyTHEbar/fraudscope/internal/cache"
	"github.com/ZanzyTHEbar/fraudscope/internal/errors"
	"github.com/ZanzyTHEbar/fraudscope/internal/pipeline"
	"github.com/ZanzyTHEbar/fraudscope/internal/scoring"
	"github.com/ZanzyTHEbar/fraudscope/internal/validation"
)

// Config is the full service configuration, read from the environment
type Config struct {
	Port            string
	DataDir         string
	LogLevel        string
	RequestTimeout  time.Duration
	ShutdownTimeout time.Duration
	CORSOrigins     []string
	EnableHSTS      bool

	ScoringURL            string
	ScoringChunkSize      int
	ScoringMaxConcurrency int
	ScoringMaxAttempts    int
	ScoringBaseDelay      time.Duration
	ScoringMaxDelay       time.Duration
	ScoringCallTimeout    time.Duration
	FraudThreshold        float64
	LabelMode             string

	FeatureColumns  []string
	MaxRows         int
	MaxUploadBytes  int64
	PersistenceMode string
	PersistTimeout  time.Duration
	BatchCacheTTL   time.Duration

	BatchCacheMaxEntries int

	IdentityJWTSecret string
	TrustOwnerHeader  bool

	RedisAddr         string
	RedisPassword     string
	RedisDB           int
	SubmitLimitPerMin int
	IPLimitPerMin     int

	KafkaBroker string
	KafkaTopic  string
}

// env reads typed values and remembers the first parse failure per key
type env struct {
	errs []error
}

func (e *env) str(key, def string) string {
	if value, ok := os.LookupEnv(key); ok && strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return def
}

func (e *env) integer(key string, def int) int {
	raw := e.str(key, "")
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %q is not an integer", key, raw))
		return def
	}
	return v
}

func (e *env) number(key string, def float64) float64 {
	raw := e.str(key, "")
	if raw == "" {
		return def
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %q is not a number", key, raw))
		return def
	}
	return v
}

func (e *env) boolean(key string, def bool) bool {
	raw := e.str(key, "")
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %q is not a boolean", key, raw))
		return def
	}
	return v
}

func (e *env) duration(key string, def time.Duration) time.Duration {
	raw := e.str(key, "")
	if raw == "" {
		return def
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %q is not a duration", key, raw))
		return def
	}
	return v
}

func (e *env) list(key string, def []string) []string {
	raw := e.str(key, "")
	if raw == "" {
		return def
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Load reads .env (if present) and the environment, then validates the result
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !stderrors.Is(err, os.ErrNotExist) {
		slog.Warn("Failed to read .env file", "error", err)
	}
	return FromEnv()
}

// FromEnv builds the configuration from the process environment only
func FromEnv() (Config, error) {
	e := &env{}
	scoringDefaults := scoring.DefaultConfig()

	cfg := Config{
		Port:            e.str("PORT", "8080"),
		DataDir:         e.str("DATA_DIR", "./data"),
		LogLevel:        e.str("LOG_LEVEL", "info"),
		RequestTimeout:  e.duration("REQUEST_TIMEOUT", 60*time.Second),
		ShutdownTimeout: e.duration("SHUTDOWN_TIMEOUT", 30*time.Second),
		CORSOrigins:     e.list("CORS_ORIGINS", []string{"http://localhost:3000", "http://localhost:5173"}),
		EnableHSTS:      e.boolean("ENABLE_HSTS", false),

		ScoringURL:            e.str("SCORING_URL", "http://localhost:5000"),
		ScoringChunkSize:      e.integer("SCORING_CHUNK_SIZE", scoringDefaults.ChunkSize),
		ScoringMaxConcurrency: e.integer("SCORING_MAX_CONCURRENCY", scoringDefaults.MaxConcurrency),
		ScoringMaxAttempts:    e.integer("SCORING_MAX_ATTEMPTS", scoringDefaults.MaxAttempts),
		ScoringBaseDelay:      e.duration("SCORING_BASE_DELAY", scoringDefaults.BaseDelay),
		ScoringMaxDelay:       e.duration("SCORING_MAX_DELAY", scoringDefaults.MaxDelay),
		ScoringCallTimeout:    e.duration("SCORING_CALL_TIMEOUT", scoringDefaults.CallTimeout),
		FraudThreshold:        e.number("FRAUD_THRESHOLD", scoringDefaults.Threshold),
		LabelMode:             e.str("LABEL_MODE", string(scoringDefaults.LabelMode)),

		FeatureColumns:  e.list("FEATURE_COLUMNS", validation.DefaultFeatureColumns()),
		MaxRows:         e.integer("MAX_ROWS", 100000),
		MaxUploadBytes:  int64(e.integer("MAX_UPLOAD_BYTES", 32<<20)),
		PersistenceMode: e.str("PERSISTENCE_MODE", string(pipeline.PersistMandatory)),
		PersistTimeout:  e.duration("PERSIST_TIMEOUT", 5*time.Second),
		BatchCacheTTL:   e.duration("BATCH_CACHE_TTL", 15*time.Minute),

		BatchCacheMaxEntries: e.integer("BATCH_CACHE_MAX_ENTRIES", cache.DefaultMaxEntries),

		IdentityJWTSecret: e.str("IDENTITY_JWT_SECRET", ""),
		TrustOwnerHeader:  e.boolean("TRUST_OWNER_HEADER", false),

		RedisAddr:         e.str("REDIS_ADDR", ""),
		RedisPassword:     e.str("REDIS_PASSWORD", ""),
		RedisDB:           e.integer("REDIS_DB", 0),
		SubmitLimitPerMin: e.integer("SUBMIT_LIMIT_PER_MIN", 30),
		IPLimitPerMin:     e.integer("IP_LIMIT_PER_MIN", 300),

		KafkaBroker: e.str("KAFKA_BROKER", ""),
		KafkaTopic:  e.str("KAFKA_TOPIC", "batch.scored"),
	}

	if len(e.errs) > 0 {
		return cfg, errors.NewConfigurationError("invalid environment", stderrors.Join(e.errs...))
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects configurations the service cannot run with
func (c Config) Validate() error {
	var problems []string
	check := func(ok bool, format string, args ...any) {
		if !ok {
			problems = append(problems, fmt.Sprintf(format, args...))
		}
	}

	check(c.Port != "", "PORT must be set")
	check(c.ScoringURL != "", "SCORING_URL must be set")
	check(c.ScoringChunkSize >= 1, "SCORING_CHUNK_SIZE must be at least 1")
	check(c.ScoringMaxConcurrency >= 1, "SCORING_MAX_CONCURRENCY must be at least 1")
	check(c.ScoringMaxAttempts >= 1, "SCORING_MAX_ATTEMPTS must be at least 1")
	check(c.ScoringBaseDelay >= 0, "SCORING_BASE_DELAY must not be negative")
	check(c.ScoringMaxDelay >= c.ScoringBaseDelay, "SCORING_MAX_DELAY must not be below SCORING_BASE_DELAY")
	check(c.ScoringCallTimeout > 0, "SCORING_CALL_TIMEOUT must be positive")
	check(c.FraudThreshold > 0 && c.FraudThreshold < 1, "FRAUD_THRESHOLD must be in (0,1)")
	check(c.LabelMode == string(scoring.LabelModePassthrough) || c.LabelMode == string(scoring.LabelModeThreshold),
		"LABEL_MODE must be %q or %q", scoring.LabelModePassthrough, scoring.LabelModeThreshold)
	check(len(c.FeatureColumns) > 0, "FEATURE_COLUMNS must not be empty")
	check(c.MaxRows >= 1, "MAX_ROWS must be at least 1")
	check(c.MaxUploadBytes >= 1, "MAX_UPLOAD_BYTES must be at least 1")
	check(c.PersistenceMode == string(pipeline.PersistMandatory) || c.PersistenceMode == string(pipeline.PersistBestEffort),
		"PERSISTENCE_MODE must be %q or %q", pipeline.PersistMandatory, pipeline.PersistBestEffort)
	check(c.PersistTimeout > 0, "PERSIST_TIMEOUT must be positive")
	check(c.BatchCacheTTL >= 0, "BATCH_CACHE_TTL must not be negative")
	check(c.BatchCacheMaxEntries >= 1, "BATCH_CACHE_MAX_ENTRIES must be at least 1")
	check(c.IdentityJWTSecret != "" || c.TrustOwnerHeader, "IDENTITY_JWT_SECRET is required unless TRUST_OWNER_HEADER=true")
	check(c.SubmitLimitPerMin >= 1, "SUBMIT_LIMIT_PER_MIN must be at least 1")
	check(c.IPLimitPerMin >= 1, "IP_LIMIT_PER_MIN must be at least 1")

	seen := make(map[string]bool, len(c.FeatureColumns))
	for _, col := range c.FeatureColumns {
		check(!seen[col], "FEATURE_COLUMNS contains %q twice", col)
		seen[col] = true
	}

	if len(problems) > 0 {
		return errors.NewConfigurationError(strings.Join(problems, "; "), nil).
			WithDetail("problems", problems)
	}
	return nil
}

// Scoring maps the configuration onto the scoring client
func (c Config) Scoring() scoring.Config {
	sc := scoring.DefaultConfig()
	sc.BaseURL = c.ScoringURL
	sc.ChunkSize = c.ScoringChunkSize
	sc.MaxConcurrency = c.ScoringMaxConcurrency
	sc.MaxAttempts = c.ScoringMaxAttempts
	sc.BaseDelay = c.ScoringBaseDelay
	sc.MaxDelay = c.ScoringMaxDelay
	sc.CallTimeout = c.ScoringCallTimeout
	sc.Threshold = c.FraudThreshold
	sc.LabelMode = scoring.LabelMode(c.LabelMode)
	return sc
}

// Validation maps the configuration onto the upload validator
func (c Config) Validation() validation.Config {
	return validation.Config{
		FeatureColumns: c.FeatureColumns,
		MaxRows:        c.MaxRows,
	}
}

// Pipeline maps the configuration onto the batch pipeline
func (c Config) Pipeline() pipeline.Config {
	pc := pipeline.DefaultConfig()
	pc.PersistenceMode = pipeline.PersistenceMode(c.PersistenceMode)
	pc.PersistTimeout = c.PersistTimeout
	return pc
}
