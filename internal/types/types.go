package types

import "time"

// Label is the discrete fraud decision for one transaction
type Label string

const (
	LabelLegitimate Label = "Legitimate"
	LabelFraudulent Label = "Fraudulent"
)

// LabelFromPrediction maps the scoring service's discrete output (0/1) to a Label
func LabelFromPrediction(prediction int) (Label, bool) {
	switch prediction {
	case 0:
		return LabelLegitimate, true
	case 1:
		return LabelFraudulent, true
	default:
		return "", false
	}
}

// LabelFromProbability derives a label using the fraud threshold
func LabelFromProbability(probability, threshold float64) Label {
	if probability >= threshold {
		return LabelFraudulent
	}
	return LabelLegitimate
}

// FeatureVector is the fixed-arity numeric representation of one transaction
type FeatureVector []float64

// RawRecord is one validated upload row, ready for scoring
type RawRecord struct {
	Row      int           `json:"row"`
	Features FeatureVector `json:"features"`
	Amount   *float64      `json:"amount,omitempty"`
	Time     *float64      `json:"time,omitempty"`
}

// RowFault describes an upload row that was excluded from scoring
type RowFault struct {
	Row    int    `json:"row"`
	Column string `json:"column,omitempty"`
	Reason string `json:"reason"`
}

// Score is the scoring service's verdict for a single feature vector
type Score struct {
	Label       Label   `json:"label"`
	Probability float64 `json:"probability"`
}

// PredictionResult is a scored record annotated with its verdict
type PredictionResult struct {
	Index       int           `json:"index"`
	Row         int           `json:"row"`
	Features    FeatureVector `json:"features,omitempty"`
	Label       Label         `json:"label"`
	Probability float64       `json:"probability"`
}

// Summary holds the per-batch counts
type Summary struct {
	FraudCount    int `json:"fraud_count"`
	LegitCount    int `json:"legit_count"`
	UnscoredCount int `json:"unscored_count"`
	Total         int `json:"total"`
}

// FraudRate returns fraudCount / (fraudCount + legitCount)
func (s Summary) FraudRate() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.FraudCount) / float64(s.Total)
}

// PredictionBatch is the persisted, immutable outcome of one submission
type PredictionBatch struct {
	ID        string             `json:"batch_id"`
	OwnerID   string             `json:"owner_id"`
	CreatedAt time.Time          `json:"created_at"`
	Sequence  int64              `json:"sequence"`
	Results   []PredictionResult `json:"results"`
	Summary   Summary            `json:"summary"`
	Unscored  []RowFault         `json:"unscored"`
}

// BatchSummary is one entry of an owner's history
type BatchSummary struct {
	BatchID   string    `json:"batch_id"`
	CreatedAt time.Time `json:"created_at"`
	Sequence  int64     `json:"-"`
	Summary   Summary   `json:"summary"`
}

// HistoryPage is one page of an owner's batch history, newest first
type HistoryPage struct {
	Items    []BatchSummary `json:"history"`
	Page     int            `json:"page"`
	PageSize int            `json:"page_size"`
	Total    int            `json:"total"`
}

// ScoringRequest is the body sent to the scoring service
type ScoringRequest struct {
	Features []FeatureVector `json:"features"`
}

// ScoringResponse is the body returned by the scoring service. Either array may be omitted.
type ScoringResponse struct {
	Predictions   []int     `json:"predictions,omitempty"`
	Probabilities []float64 `json:"probabilities,omitempty"`
}
