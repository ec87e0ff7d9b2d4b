package database

import (
	"time"

	"github.com/google/uuid"

	"github.com/ZanzyTHEbar/fraudscope/internal/types"
)

const (
	stmtCountBatches = "count_batches"
	stmtListBatches  = "list_batches"
	stmtGetBatch     = "get_batch"
	stmtGetResults   = "get_results"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// batchRow mirrors a prediction_batches row
type batchRow struct {
	ID            string `db:"id"`
	OwnerID       string `db:"owner_id"`
	Sequence      int64  `db:"sequence"`
	CreatedAt     int64  `db:"created_at"`
	FraudCount    int    `db:"fraud_count"`
	LegitCount    int    `db:"legit_count"`
	UnscoredCount int    `db:"unscored_count"`
	Unscored      string `db:"unscored"`
}

func (r batchRow) summary() types.Summary {
	return types.Summary{
		FraudCount:    r.FraudCount,
		LegitCount:    r.LegitCount,
		UnscoredCount: r.UnscoredCount,
		Total:         r.FraudCount + r.LegitCount,
	}
}

func (r batchRow) createdAt() time.Time {
	return time.Unix(0, r.CreatedAt).UTC()
}

// resultRow mirrors a prediction_results row
type resultRow struct {
	Index       int     `db:"idx"`
	Row         int     `db:"row_index"`
	Label       string  `db:"label"`
	Probability float64 `db:"probability"`
	Features    string  `db:"features"`
}

// newBatchID generates the public batch identifier
func newBatchID() string {
	return uuid.New().String()
}
