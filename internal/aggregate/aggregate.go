package aggregate

import (
	"fmt"
	"math"

	"github.com/ZanzyTHEbar/fraudscope/internal/errors"
	"github.com/ZanzyTHEbar/fraudscope/internal/types"
)

// Combine zips validated records with their scores. Result i is record i.
// Faults only contribute to the unscored count.
func Combine(records []types.RawRecord, scores []types.Score, faults []types.RowFault) ([]types.PredictionResult, types.Summary, error) {
	if len(records) != len(scores) {
		return nil, types.Summary{}, errors.NewLengthMismatchError(len(records), len(scores),
			map[string]any{"stage": "aggregating"})
	}

	results := make([]types.PredictionResult, len(records))
	summary := types.Summary{UnscoredCount: len(faults)}

	for i, record := range records {
		score := scores[i]
		if math.IsNaN(score.Probability) || score.Probability < 0 || score.Probability > 1 {
			return nil, types.Summary{}, errors.NewScoringBadResponseError(
				fmt.Sprintf("probability %v is outside [0,1]", score.Probability), nil,
				map[string]any{"stage": "aggregating", "index": i, "row": record.Row})
		}

		switch score.Label {
		case types.LabelFraudulent:
			summary.FraudCount++
		case types.LabelLegitimate:
			summary.LegitCount++
		default:
			return nil, types.Summary{}, errors.NewScoringBadResponseError(
				fmt.Sprintf("unknown label %q", score.Label), nil,
				map[string]any{"stage": "aggregating", "index": i, "row": record.Row})
		}

		results[i] = types.PredictionResult{
			Index:       i,
			Row:         record.Row,
			Features:    record.Features,
			Label:       score.Label,
			Probability: score.Probability,
		}
	}

	summary.Total = summary.FraudCount + summary.LegitCount
	return results, summary, nil
}
