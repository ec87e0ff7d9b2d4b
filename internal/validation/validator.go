package validation

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/ZanzyTHEbar/fraudscope/internal/errors"
	"github.com/ZanzyTHEbar/fraudscope/internal/types"
)

// DefaultFeatureColumns is the column set of the credit-card transaction dataset the model is trained on
func DefaultFeatureColumns() []string {
	cols := make([]string, 0, 30)
	cols = append(cols, "Time")
	for i := 1; i <= 28; i++ {
		cols = append(cols, fmt.Sprintf("V%d", i))
	}
	return append(cols, "Amount")
}

// Format identifies how an upload is encoded
type Format int

const (
	FormatCSV Format = iota
	FormatJSON
)

// Upload is a raw, unvalidated batch of records
type Upload struct {
	Format Format
	Data   []byte
}

// Config holds validator configuration
type Config struct {
	FeatureColumns []string
	MaxRows        int
}

// DefaultConfig returns the default validator configuration
func DefaultConfig() Config {
	return Config{
		FeatureColumns: DefaultFeatureColumns(),
		MaxRows:        100000,
	}
}

// Validator turns raw uploads into feature vectors
type Validator struct {
	columns  []string
	maxRows  int
	amountAt int
	timeAt   int
}

// NewValidator creates a validator for the configured column set
func NewValidator(config Config) *Validator {
	v := &Validator{
		columns:  config.FeatureColumns,
		maxRows:  config.MaxRows,
		amountAt: -1,
		timeAt:   -1,
	}
	for i, col := range v.columns {
		switch col {
		case "Amount":
			v.amountAt = i
		case "Time":
			v.timeAt = i
		}
	}
	return v
}

// Validate parses the upload. Rows that fail numeric coercion are returned as faults;
// the batch fails only for a missing required column or when no valid rows remain.
func (v *Validator) Validate(upload Upload) ([]types.RawRecord, []types.RowFault, error) {
	var (
		records []types.RawRecord
		faults  []types.RowFault
		err     error
	)

	switch upload.Format {
	case FormatCSV:
		records, faults, err = v.validateCSV(upload.Data)
	case FormatJSON:
		records, faults, err = v.validateJSON(upload.Data)
	default:
		return nil, nil, errors.NewValidationError("unsupported upload format")
	}
	if err != nil {
		return nil, nil, err
	}

	if len(records) == 0 {
		return nil, faults, errors.NewEmptyBatchError(len(faults))
	}

	return records, faults, nil
}

func (v *Validator) validateCSV(data []byte) ([]types.RawRecord, []types.RowFault, error) {
	data = bytes.TrimPrefix(data, []byte("\ufeff"))

	reader := csv.NewReader(bytes.NewReader(data))
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err == io.EOF {
		return nil, nil, errors.NewSchemaError(v.columns)
	}
	if err != nil {
		return nil, nil, errors.NewValidationError("malformed CSV header", err)
	}

	position := make(map[string]int, len(header))
	for i, name := range header {
		position[strings.TrimSpace(name)] = i
	}

	var missing []string
	indexes := make([]int, len(v.columns))
	for i, col := range v.columns {
		at, ok := position[col]
		if !ok {
			missing = append(missing, col)
			continue
		}
		indexes[i] = at
	}
	if len(missing) > 0 {
		return nil, nil, errors.NewSchemaError(missing)
	}

	var (
		records []types.RawRecord
		faults  []types.RowFault
	)

	for row := 0; ; row++ {
		fields, err := reader.Read()
		if err == io.EOF {
			break
		}
		if row >= v.maxRows {
			return nil, nil, errors.NewValidationError(fmt.Sprintf("upload exceeds the maximum of %d rows", v.maxRows))
		}
		if err != nil {
			faults = append(faults, types.RowFault{Row: row, Reason: fmt.Sprintf("malformed CSV row: %v", err)})
			continue
		}

		features := make(types.FeatureVector, len(v.columns))
		var fault *types.RowFault
		for i, col := range v.columns {
			if indexes[i] >= len(fields) {
				fault = &types.RowFault{Row: row, Column: col, Reason: "missing value"}
				break
			}
			value, reason := parseCell(fields[indexes[i]])
			if reason != "" {
				fault = &types.RowFault{Row: row, Column: col, Reason: reason}
				break
			}
			features[i] = value
		}

		if fault != nil {
			faults = append(faults, *fault)
			continue
		}
		records = append(records, v.newRecord(row, features))
	}

	return records, faults, nil
}

// jsonUpload accepts either keyed records or bare feature arrays
type jsonUpload struct {
	Records  []map[string]json.RawMessage `json:"records"`
	Features [][]json.RawMessage          `json:"features"`
}

func (v *Validator) validateJSON(data []byte) ([]types.RawRecord, []types.RowFault, error) {
	var body jsonUpload
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, nil, errors.NewValidationError("malformed JSON upload", err)
	}

	if len(body.Records) > 0 && len(body.Features) > 0 {
		return nil, nil, errors.NewValidationError("upload must contain either records or features, not both")
	}

	rows := len(body.Records) + len(body.Features)
	if rows > v.maxRows {
		return nil, nil, errors.NewValidationError(fmt.Sprintf("upload exceeds the maximum of %d rows", v.maxRows))
	}

	if len(body.Features) > 0 {
		records, faults := v.validateFeatureArrays(body.Features)
		return records, faults, nil
	}

	return v.validateRecords(body.Records)
}

func (v *Validator) validateRecords(rows []map[string]json.RawMessage) ([]types.RawRecord, []types.RowFault, error) {
	// A column is missing from the schema only when no record carries it
	var missing []string
	for _, col := range v.columns {
		seen := false
		for _, row := range rows {
			if _, ok := row[col]; ok {
				seen = true
				break
			}
		}
		if !seen {
			missing = append(missing, col)
		}
	}
	if len(rows) > 0 && len(missing) > 0 {
		return nil, nil, errors.NewSchemaError(missing)
	}

	var (
		records []types.RawRecord
		faults  []types.RowFault
	)

	for row, fields := range rows {
		features := make(types.FeatureVector, len(v.columns))
		var fault *types.RowFault
		for i, col := range v.columns {
			raw, ok := fields[col]
			if !ok {
				fault = &types.RowFault{Row: row, Column: col, Reason: "missing value"}
				break
			}
			value, reason := parseJSONValue(raw)
			if reason != "" {
				fault = &types.RowFault{Row: row, Column: col, Reason: reason}
				break
			}
			features[i] = value
		}

		if fault != nil {
			faults = append(faults, *fault)
			continue
		}
		records = append(records, v.newRecord(row, features))
	}

	return records, faults, nil
}

func (v *Validator) validateFeatureArrays(rows [][]json.RawMessage) ([]types.RawRecord, []types.RowFault) {
	var (
		records []types.RawRecord
		faults  []types.RowFault
	)

	for row, cells := range rows {
		if len(cells) != len(v.columns) {
			faults = append(faults, types.RowFault{
				Row:    row,
				Reason: fmt.Sprintf("expected %d features, got %d", len(v.columns), len(cells)),
			})
			continue
		}

		features := make(types.FeatureVector, len(v.columns))
		var fault *types.RowFault
		for i, raw := range cells {
			value, reason := parseJSONValue(raw)
			if reason != "" {
				fault = &types.RowFault{Row: row, Column: v.columns[i], Reason: reason}
				break
			}
			features[i] = value
		}

		if fault != nil {
			faults = append(faults, *fault)
			continue
		}
		records = append(records, v.newRecord(row, features))
	}

	return records, faults
}

func (v *Validator) newRecord(row int, features types.FeatureVector) types.RawRecord {
	record := types.RawRecord{Row: row, Features: features}
	if v.amountAt >= 0 {
		amount := features[v.amountAt]
		record.Amount = &amount
	}
	if v.timeAt >= 0 {
		ts := features[v.timeAt]
		record.Time = &ts
	}
	return record
}

// parseCell coerces a CSV cell, returning a reason when the value is unusable
func parseCell(cell string) (float64, string) {
	cell = strings.TrimSpace(cell)
	if cell == "" {
		return 0, "missing value"
	}
	value, err := strconv.ParseFloat(cell, 64)
	if err != nil {
		return 0, fmt.Sprintf("non-numeric value %q", truncate(cell, 32))
	}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return 0, fmt.Sprintf("non-finite value %q", cell)
	}
	return value, ""
}

func parseJSONValue(raw json.RawMessage) (float64, string) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, "missing value"
	}

	var number float64
	if err := json.Unmarshal(raw, &number); err == nil {
		return number, ""
	}

	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return parseCell(text)
	}

	return 0, fmt.Sprintf("non-numeric value %s", truncate(string(raw), 32))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
