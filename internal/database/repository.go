package database

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/ZanzyTHEbar/fraudscope/internal/errors"
	"github.com/ZanzyTHEbar/fraudscope/internal/monitoring"
	"github.com/ZanzyTHEbar/fraudscope/internal/types"
)

// Store is the append-only prediction batch store
type Store struct {
	db      *DB
	now     func() time.Time
	metrics *monitoring.Metrics
}

// NewStore creates a store on an initialized database
func NewStore(db *DB, metrics *monitoring.Metrics) *Store {
	return &Store{
		db:      db,
		now:     time.Now,
		metrics: metrics,
	}
}

// Save writes the batch header and all result rows in one transaction
func (s *Store) Save(ctx context.Context, ownerID string, results []types.PredictionResult, summary types.Summary, faults []types.RowFault) (types.PredictionBatch, error) {
	start := time.Now()
	batch, err := s.save(ctx, ownerID, results, summary, faults)
	if err != nil {
		s.metrics.RecordPersistence("error", time.Since(start))
		return types.PredictionBatch{}, err
	}
	s.metrics.RecordPersistence("ok", time.Since(start))
	return batch, nil
}

func (s *Store) save(ctx context.Context, ownerID string, results []types.PredictionResult, summary types.Summary, faults []types.RowFault) (types.PredictionBatch, error) {
	if faults == nil {
		faults = []types.RowFault{}
	}
	unscored, err := json.Marshal(faults)
	if err != nil {
		return types.PredictionBatch{}, errors.NewPersistenceError("failed to encode unscored rows", err)
	}

	batch := types.PredictionBatch{
		ID:        newBatchID(),
		OwnerID:   ownerID,
		CreatedAt: s.now().UTC(),
		Results:   results,
		Summary:   summary,
		Unscored:  faults,
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return types.PredictionBatch{}, errors.NewPersistenceError("failed to begin transaction", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !stderrors.Is(rbErr, sql.ErrTxDone) {
				slog.WarnContext(ctx, "Failed to roll back batch", "error", rbErr)
			}
		}
	}()

	// created_at never goes below the owner's newest batch, so a clock stepping
	// backwards cannot reorder history
	var latest int64
	if err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(created_at), 0) FROM prediction_batches WHERE owner_id = ?`, ownerID).Scan(&latest); err != nil {
		return types.PredictionBatch{}, errors.NewPersistenceError("failed to read latest batch time", err)
	}
	if batch.CreatedAt.UnixNano() < latest {
		batch.CreatedAt = time.Unix(0, latest).UTC()
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO prediction_batches (id, owner_id, created_at, fraud_count, legit_count, unscored_count, unscored)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, batch.ID, ownerID, batch.CreatedAt.UnixNano(), summary.FraudCount, summary.LegitCount, summary.UnscoredCount, string(unscored))
	if err != nil {
		return types.PredictionBatch{}, errors.NewPersistenceError("failed to insert batch", err)
	}

	batch.Sequence, err = res.LastInsertId()
	if err != nil {
		return types.PredictionBatch{}, errors.NewPersistenceError("failed to read batch sequence", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO prediction_results (batch_id, idx, row_index, label, probability, features)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return types.PredictionBatch{}, errors.NewPersistenceError("failed to prepare result insert", err)
	}
	defer stmt.Close()

	for _, r := range results {
		var features []byte
		features, err = json.Marshal(r.Features)
		if err != nil {
			return types.PredictionBatch{}, errors.NewPersistenceError("failed to encode features", err)
		}
		if _, err = stmt.ExecContext(ctx, batch.ID, r.Index, r.Row, string(r.Label), r.Probability, string(features)); err != nil {
			return types.PredictionBatch{}, errors.NewPersistenceError(fmt.Sprintf("failed to insert result %d", r.Index), err)
		}
	}

	if err = tx.Commit(); err != nil {
		return types.PredictionBatch{}, errors.NewPersistenceError("failed to commit batch", err)
	}

	return batch, nil
}

// NormalizePage applies paging defaults and rejects out-of-range values. Pages are 1-based.
func NormalizePage(page, pageSize int) (int, int, error) {
	if page == 0 {
		page = 1
	}
	if pageSize == 0 {
		pageSize = DefaultPageSize
	}
	if page < 1 {
		return 0, 0, errors.NewValidationError("page must be at least 1").WithDetail("page", page)
	}
	if pageSize < 1 || pageSize > MaxPageSize {
		return 0, 0, errors.NewValidationError(fmt.Sprintf("page_size must be between 1 and %d", MaxPageSize)).
			WithDetail("page_size", pageSize)
	}
	// the offset (page-1)*pageSize must fit in an int
	if page-1 > math.MaxInt/pageSize {
		return 0, 0, errors.NewValidationError("page is out of range").WithDetail("page", page)
	}
	return page, pageSize, nil
}

// History lists an owner's batches newest first
func (s *Store) History(ctx context.Context, ownerID string, page, pageSize int) (types.HistoryPage, error) {
	page, pageSize, err := NormalizePage(page, pageSize)
	if err != nil {
		return types.HistoryPage{}, err
	}

	var total int
	if err := s.db.queryRow(ctx, stmtCountBatches,
		`SELECT COUNT(*) FROM prediction_batches WHERE owner_id = ?`, ownerID).Scan(&total); err != nil {
		return types.HistoryPage{}, errors.NewPersistenceError("failed to count batches", err)
	}

	rows, err := s.db.query(ctx, stmtListBatches, `
		SELECT id, sequence, created_at, fraud_count, legit_count, unscored_count
		FROM prediction_batches
		WHERE owner_id = ?
		ORDER BY created_at DESC, sequence DESC
		LIMIT ? OFFSET ?`, ownerID, pageSize, (page-1)*pageSize)
	if err != nil {
		return types.HistoryPage{}, errors.NewPersistenceError("failed to list batches", err)
	}
	defer rows.Close()

	items := make([]types.BatchSummary, 0, pageSize)
	for rows.Next() {
		var row batchRow
		if err := rows.Scan(&row.ID, &row.Sequence, &row.CreatedAt, &row.FraudCount, &row.LegitCount, &row.UnscoredCount); err != nil {
			return types.HistoryPage{}, errors.NewPersistenceError("failed to scan batch", err)
		}
		items = append(items, types.BatchSummary{
			BatchID:   row.ID,
			CreatedAt: row.createdAt(),
			Sequence:  row.Sequence,
			Summary:   row.summary(),
		})
	}
	if err := rows.Err(); err != nil {
		return types.HistoryPage{}, errors.NewPersistenceError("failed to list batches", err)
	}

	return types.HistoryPage{
		Items:    items,
		Page:     page,
		PageSize: pageSize,
		Total:    total,
	}, nil
}

// GetBatch loads one batch. Missing and foreign batches are indistinguishable.
func (s *Store) GetBatch(ctx context.Context, ownerID, batchID string) (types.PredictionBatch, error) {
	var row batchRow
	err := s.db.queryRow(ctx, stmtGetBatch, `
		SELECT id, owner_id, sequence, created_at, fraud_count, legit_count, unscored_count, unscored
		FROM prediction_batches
		WHERE id = ? AND owner_id = ?`, batchID, ownerID).Scan(
		&row.ID, &row.OwnerID, &row.Sequence, &row.CreatedAt,
		&row.FraudCount, &row.LegitCount, &row.UnscoredCount, &row.Unscored,
	)
	if stderrors.Is(err, sql.ErrNoRows) {
		return types.PredictionBatch{}, errors.NewNotFoundError("batch")
	}
	if err != nil {
		return types.PredictionBatch{}, errors.NewPersistenceError("failed to load batch", err)
	}

	batch := types.PredictionBatch{
		ID:        row.ID,
		OwnerID:   row.OwnerID,
		CreatedAt: row.createdAt(),
		Sequence:  row.Sequence,
		Summary:   row.summary(),
		Unscored:  []types.RowFault{},
	}
	if row.Unscored != "" {
		if err := json.Unmarshal([]byte(row.Unscored), &batch.Unscored); err != nil {
			return types.PredictionBatch{}, errors.NewPersistenceError("failed to decode unscored rows", err)
		}
	}

	rows, err := s.db.query(ctx, stmtGetResults, `
		SELECT idx, row_index, label, probability, features
		FROM prediction_results
		WHERE batch_id = ?
		ORDER BY idx ASC`, batch.ID)
	if err != nil {
		return types.PredictionBatch{}, errors.NewPersistenceError("failed to load results", err)
	}
	defer rows.Close()

	batch.Results = make([]types.PredictionResult, 0, row.FraudCount+row.LegitCount)
	for rows.Next() {
		var r resultRow
		if err := rows.Scan(&r.Index, &r.Row, &r.Label, &r.Probability, &r.Features); err != nil {
			return types.PredictionBatch{}, errors.NewPersistenceError("failed to scan result", err)
		}
		result := types.PredictionResult{
			Index:       r.Index,
			Row:         r.Row,
			Label:       types.Label(r.Label),
			Probability: r.Probability,
		}
		if err := json.Unmarshal([]byte(r.Features), &result.Features); err != nil {
			return types.PredictionBatch{}, errors.NewPersistenceError("failed to decode features", err)
		}
		batch.Results = append(batch.Results, result)
	}
	if err := rows.Err(); err != nil {
		return types.PredictionBatch{}, errors.NewPersistenceError("failed to load results", err)
	}

	return batch, nil
}

// Ping checks the database connection
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Stats returns connection pool statistics
func (s *Store) Stats() map[string]interface{} {
	return s.db.GetPoolStats()
}
