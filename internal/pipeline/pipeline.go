package pipeline

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ZanzyTHEbar/fraudscope/internal/aggregate"
	"github.com/ZanzyTHEbar/fraudscope/internal/cache"
	"github.com/ZanzyTHEbar/fraudscope/internal/errors"
	"github.com/ZanzyTHEbar/fraudscope/internal/events"
	"github.com/ZanzyTHEbar/fraudscope/internal/monitoring"
	"github.com/ZanzyTHEbar/fraudscope/internal/types"
	"github.com/ZanzyTHEbar/fraudscope/internal/validation"
)

// Stage is a step of the batch state machine
type Stage string

const (
	StageValidating  Stage = "validating"
	StageScoring     Stage = "scoring"
	StageAggregating Stage = "aggregating"
	StagePersisting  Stage = "persisting"
	StageDone        Stage = "done"
	StageFailed      Stage = "failed"
)

// PersistenceMode decides whether a failed save fails the batch
type PersistenceMode string

const (
	PersistMandatory  PersistenceMode = "mandatory"
	PersistBestEffort PersistenceMode = "best_effort"
)

// Validator turns an upload into records and row faults
type Validator interface {
	Validate(upload validation.Upload) ([]types.RawRecord, []types.RowFault, error)
}

// Scorer returns one score per feature vector, in input order
type Scorer interface {
	Score(ctx context.Context, vectors []types.FeatureVector) ([]types.Score, error)
}

// Store persists and reads prediction batches
type Store interface {
	Save(ctx context.Context, ownerID string, results []types.PredictionResult, summary types.Summary, faults []types.RowFault) (types.PredictionBatch, error)
	History(ctx context.Context, ownerID string, page, pageSize int) (types.HistoryPage, error)
	GetBatch(ctx context.Context, ownerID, batchID string) (types.PredictionBatch, error)
}

// Config holds pipeline configuration
type Config struct {
	PersistenceMode PersistenceMode
	PersistTimeout  time.Duration
	PublishTimeout  time.Duration
}

// DefaultConfig returns the default pipeline configuration
func DefaultConfig() Config {
	return Config{
		PersistenceMode: PersistMandatory,
		PersistTimeout:  5 * time.Second,
		PublishTimeout:  10 * time.Second,
	}
}

// Outcome is the result of one submission
type Outcome struct {
	BatchID   string                   `json:"batch_id,omitempty"`
	CreatedAt time.Time                `json:"created_at"`
	Persisted bool                     `json:"persisted"`
	Results   []types.PredictionResult `json:"results"`
	Summary   types.Summary            `json:"summary"`
	Unscored  []types.RowFault         `json:"unscored"`
}

// Pipeline runs submissions through validate, score, aggregate and persist
type Pipeline struct {
	config    Config
	validator Validator
	scorer    Scorer
	store     Store
	cache     *cache.BatchCache
	publisher events.Publisher
	metrics   *monitoring.Metrics
	logger    *monitoring.Logger
	onStage   func(Stage)
	now       func() time.Time
	publishes sync.WaitGroup
}

// Option configures optional collaborators
type Option func(*Pipeline)

func WithCache(c *cache.BatchCache) Option {
	return func(p *Pipeline) { p.cache = c }
}

func WithPublisher(pub events.Publisher) Option {
	return func(p *Pipeline) { p.publisher = pub }
}

func WithMetrics(m *monitoring.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

func WithLogger(l *monitoring.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// WithStageHook observes every state transition of every submission
func WithStageHook(fn func(Stage)) Option {
	return func(p *Pipeline) { p.onStage = fn }
}

// New creates a pipeline
func New(config Config, validator Validator, scorer Scorer, store Store, opts ...Option) *Pipeline {
	if config.PersistenceMode == "" {
		config.PersistenceMode = PersistMandatory
	}
	if config.PersistTimeout <= 0 {
		config.PersistTimeout = DefaultConfig().PersistTimeout
	}
	if config.PublishTimeout <= 0 {
		config.PublishTimeout = DefaultConfig().PublishTimeout
	}

	p := &Pipeline{
		config:    config,
		validator: validator,
		scorer:    scorer,
		store:     store,
		publisher: events.NoopPublisher{},
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = monitoring.NewLoggerTo(io.Discard, slog.LevelInfo)
	}
	return p
}

// run tracks one submission through the state machine
type run struct {
	p       *Pipeline
	ownerID string
	stage   Stage
	start   time.Time
	entered time.Time
}

func (r *run) enter(stage Stage, records, faults int) {
	now := time.Now()
	r.p.logger.PipelineLogger(r.ownerID, "", string(r.stage), records, faults, now.Sub(r.entered))
	r.stage = stage
	r.entered = now
	if r.p.onStage != nil {
		r.p.onStage(stage)
	}
}

// fail moves to Failed and tags the error with the stage it happened in
func (r *run) fail(err error) error {
	appErr := errors.ToAppError(err)
	appErr.WithDetail("stage", string(r.stage))

	outcome := "failed"
	if appErr.Kind == errors.KindCanceled {
		outcome = "cancelled"
	}
	r.p.metrics.RecordBatch(outcome, time.Since(r.start))
	r.p.logger.PipelineFailureLogger(r.ownerID, string(r.stage), string(appErr.Kind), appErr, time.Since(r.start))

	r.stage = StageFailed
	if r.p.onStage != nil {
		r.p.onStage(StageFailed)
	}
	return appErr
}

func (r *run) checkContext(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return errors.NewCanceledError(string(r.stage), err)
	}
	return nil
}

func requireOwner(ownerID string) error {
	if strings.TrimSpace(ownerID) == "" {
		return errors.NewValidationError("owner id is required")
	}
	return nil
}

// SubmitBatch validates, scores, aggregates and persists one upload.
// Any stage failure ends the run; no partial results are returned.
func (p *Pipeline) SubmitBatch(ctx context.Context, ownerID string, upload validation.Upload) (Outcome, error) {
	if err := requireOwner(ownerID); err != nil {
		return Outcome{}, err
	}

	now := time.Now()
	r := &run{p: p, ownerID: ownerID, stage: StageValidating, start: now, entered: now}
	if p.onStage != nil {
		p.onStage(StageValidating)
	}

	records, faults, err := p.validator.Validate(upload)
	if err != nil {
		return Outcome{}, r.fail(err)
	}

	r.enter(StageScoring, len(records), len(faults))
	if err := r.checkContext(ctx); err != nil {
		return Outcome{}, r.fail(err)
	}

	vectors := make([]types.FeatureVector, len(records))
	for i, rec := range records {
		vectors[i] = rec.Features
	}

	scores, err := p.scorer.Score(ctx, vectors)
	if err != nil {
		return Outcome{}, r.fail(err)
	}

	r.enter(StageAggregating, len(records), len(faults))
	results, summary, err := aggregate.Combine(records, scores, faults)
	if err != nil {
		return Outcome{}, r.fail(err)
	}

	r.enter(StagePersisting, len(results), len(faults))
	if err := r.checkContext(ctx); err != nil {
		return Outcome{}, r.fail(err)
	}

	outcome := Outcome{
		CreatedAt: p.now().UTC(),
		Results:   results,
		Summary:   summary,
		Unscored:  nonNil(faults),
	}

	persistCtx, cancel := context.WithTimeout(ctx, p.config.PersistTimeout)
	batch, err := p.store.Save(persistCtx, ownerID, results, summary, faults)
	cancel()

	switch {
	case err == nil:
		outcome.BatchID = batch.ID
		outcome.CreatedAt = batch.CreatedAt
		outcome.Persisted = true
		p.publish(ctx, batch)
	case p.config.PersistenceMode == PersistBestEffort:
		p.logger.Warn("Batch not persisted, returning results only",
			"owner_id", ownerID,
			"records", len(results),
			"error", err.Error())
	default:
		return Outcome{}, r.fail(err)
	}

	r.enter(StageDone, len(results), len(faults))
	p.metrics.RecordBatch("done", time.Since(r.start))
	p.metrics.RecordRows(len(results), len(faults))
	p.logger.PipelineLogger(ownerID, outcome.BatchID, string(StageDone), len(results), len(faults), time.Since(r.start))

	return outcome, nil
}

// publish emits batch.scored in the background. Failures are logged only.
func (p *Pipeline) publish(ctx context.Context, batch types.PredictionBatch) {
	event := events.NewBatchScored(batch)
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.config.PublishTimeout)

	p.publishes.Add(1)
	go func() {
		defer p.publishes.Done()
		defer cancel()

		if err := p.publisher.Publish(pubCtx, event); err != nil {
			p.logger.Warn("Failed to publish batch event",
				"batch_id", event.BatchID,
				"owner_id", event.OwnerID,
				"error", err.Error())
		}
	}()
}

// GetHistory lists the owner's batches newest first
func (p *Pipeline) GetHistory(ctx context.Context, ownerID string, page, pageSize int) (types.HistoryPage, error) {
	if err := requireOwner(ownerID); err != nil {
		return types.HistoryPage{}, err
	}
	return p.store.History(ctx, ownerID, page, pageSize)
}

// GetBatch returns one of the owner's batches, reading through the cache.
// The cache is only filled here; saved batches are not cached until read.
func (p *Pipeline) GetBatch(ctx context.Context, ownerID, batchID string) (types.PredictionBatch, error) {
	if err := requireOwner(ownerID); err != nil {
		return types.PredictionBatch{}, err
	}
	if p.cache != nil {
		batch, ok := p.cache.Get(ownerID, batchID)
		p.logger.CacheLogger("get_batch", batchID, ok, p.cache.Size())
		if ok {
			return batch, nil
		}
	}

	batch, err := p.store.GetBatch(ctx, ownerID, batchID)
	if err != nil {
		return types.PredictionBatch{}, err
	}
	p.cache.Set(batch)
	return batch, nil
}

// Close waits for in-flight event publications
func (p *Pipeline) Close() {
	p.publishes.Wait()
}

func nonNil(faults []types.RowFault) []types.RowFault {
	if faults == nil {
		return []types.RowFault{}
	}
	return faults
}
