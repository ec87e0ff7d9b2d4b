package validation

import (
	"strings"
	"testing"

	"github.com/ZanzyTHEbar/fraudscope/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testValidator() *Validator {
	return NewValidator(Config{
		FeatureColumns: []string{"Time", "V1", "V2", "Amount"},
		MaxRows:        10,
	})
}

func csvUpload(lines ...string) Upload {
	return Upload{Format: FormatCSV, Data: []byte(strings.Join(lines, "\n"))}
}

func TestDefaultFeatureColumns(t *testing.T) {
	cols := DefaultFeatureColumns()

	require.Len(t, cols, 30)
	assert.Equal(t, "Time", cols[0])
	assert.Equal(t, "V1", cols[1])
	assert.Equal(t, "V28", cols[28])
	assert.Equal(t, "Amount", cols[29])
}

func TestValidateCSV(t *testing.T) {
	v := testValidator()

	records, faults, err := v.Validate(csvUpload(
		"Time,V1,V2,Amount,Class",
		"0,-1.35,0.07,149.62,0",
		"1,1.19,0.26,2.69,1",
	))

	require.NoError(t, err)
	assert.Empty(t, faults)
	require.Len(t, records, 2)
	assert.Equal(t, 0, records[0].Row)
	assert.Equal(t, []float64{0, -1.35, 0.07, 149.62}, []float64(records[0].Features))
	require.NotNil(t, records[1].Amount)
	assert.Equal(t, 2.69, *records[1].Amount)
	require.NotNil(t, records[1].Time)
	assert.Equal(t, 1.0, *records[1].Time)
}

func TestValidateCSVColumnOrderIndependent(t *testing.T) {
	v := testValidator()

	records, _, err := v.Validate(csvUpload(
		"Amount, V2 ,V1,Time",
		"10,0.2,0.1,5",
	))

	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, []float64{5, 0.1, 0.2, 10}, []float64(records[0].Features))
}

func TestValidateCSVNonNumericRowIsUnscored(t *testing.T) {
	v := testValidator()

	records, faults, err := v.Validate(csvUpload(
		"Time,V1,V2,Amount",
		"0,0.1,0.2,10",
		"1,abc,0.2,10",
		"2,0.1,0.2,11",
		"3,0.1,0.2,12",
	))

	require.NoError(t, err)
	require.Len(t, records, 3)
	require.Len(t, faults, 1)
	assert.Equal(t, 1, faults[0].Row)
	assert.Equal(t, "V1", faults[0].Column)
	assert.Contains(t, faults[0].Reason, "non-numeric")
	assert.Equal(t, []int{0, 2, 3}, []int{records[0].Row, records[1].Row, records[2].Row})
}

func TestValidateCSVFaultReasons(t *testing.T) {
	v := testValidator()

	_, faults, err := v.Validate(csvUpload(
		"Time,V1,V2,Amount",
		"0,0.1,0.2,10",
		"1,,0.2,10",
		"2,NaN,0.2,10",
		"3,0.1",
	))

	require.NoError(t, err)
	require.Len(t, faults, 3)
	assert.Equal(t, "missing value", faults[0].Reason)
	assert.Contains(t, faults[1].Reason, "non-finite")
	assert.Equal(t, "missing value", faults[2].Reason)
	assert.Equal(t, "V2", faults[2].Column)
}

func TestValidateCSVSchemaError(t *testing.T) {
	v := testValidator()

	_, _, err := v.Validate(csvUpload(
		"Time,V1,Amount",
		"0,0.1,10",
	))

	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindSchema))
	appErr, ok := errors.AsAppError(err)
	require.True(t, ok)
	assert.Equal(t, []string{"V2"}, appErr.Details["missing_columns"])
}

func TestValidateCSVStripsBOM(t *testing.T) {
	v := testValidator()

	records, _, err := v.Validate(Upload{
		Format: FormatCSV,
		Data:   []byte("\ufeffTime,V1,V2,Amount\n0,0.1,0.2,10\n"),
	})

	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestValidateEmptyBatch(t *testing.T) {
	v := testValidator()

	tests := []struct {
		name   string
		upload Upload
		kind   errors.Kind
	}{
		{"header only", csvUpload("Time,V1,V2,Amount"), errors.KindEmptyBatch},
		{"all rows invalid", csvUpload("Time,V1,V2,Amount", "x,1,2,3", "1,y,2,3"), errors.KindEmptyBatch},
		{"completely empty", csvUpload(""), errors.KindSchema},
		{"empty json records", Upload{Format: FormatJSON, Data: []byte(`{"records":[]}`)}, errors.KindEmptyBatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := v.Validate(tt.upload)
			require.Error(t, err)
			assert.Equal(t, tt.kind, errors.KindOf(err))
		})
	}
}

func TestValidateMaxRows(t *testing.T) {
	v := NewValidator(Config{FeatureColumns: []string{"V1"}, MaxRows: 2})

	_, _, err := v.Validate(csvUpload("V1", "1", "2", "3"))

	require.Error(t, err)
	assert.Equal(t, errors.KindValidation, errors.KindOf(err))
}

func TestValidateJSONRecords(t *testing.T) {
	v := testValidator()

	records, faults, err := v.Validate(Upload{Format: FormatJSON, Data: []byte(`{
		"records": [
			{"Time": 0, "V1": 0.5, "V2": "1.5", "Amount": 20, "merchant": "acme"},
			{"Time": 1, "V1": "oops", "V2": 1, "Amount": 3},
			{"Time": 2, "V1": 0.1, "Amount": 3},
			{"Time": 3, "V1": 0.1, "V2": null, "Amount": 3}
		]
	}`)})

	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, []float64{0, 0.5, 1.5, 20}, []float64(records[0].Features))
	require.Len(t, faults, 3)
	assert.Equal(t, 1, faults[0].Row)
	assert.Equal(t, "V1", faults[0].Column)
	assert.Equal(t, 2, faults[1].Row)
	assert.Equal(t, "missing value", faults[1].Reason)
	assert.Equal(t, "missing value", faults[2].Reason)
}

func TestValidateJSONRecordsSchemaError(t *testing.T) {
	v := testValidator()

	_, _, err := v.Validate(Upload{Format: FormatJSON, Data: []byte(`{"records":[{"Time":0,"V1":1,"V2":2}]}`)})

	require.Error(t, err)
	assert.Equal(t, errors.KindSchema, errors.KindOf(err))
}

func TestValidateJSONFeatureArrays(t *testing.T) {
	v := testValidator()

	records, faults, err := v.Validate(Upload{Format: FormatJSON, Data: []byte(`{
		"features": [[0, 0.1, 0.2, 10], [1, 0.1, 0.2], [2, 0.3, 0.4, 11]]
	}`)})

	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, 2, records[1].Row)
	require.Len(t, faults, 1)
	assert.Equal(t, 1, faults[0].Row)
	assert.Equal(t, "expected 4 features, got 3", faults[0].Reason)
}

func TestValidateJSONMalformed(t *testing.T) {
	v := testValidator()

	_, _, err := v.Validate(Upload{Format: FormatJSON, Data: []byte(`{"records": [`)})

	require.Error(t, err)
	assert.Equal(t, errors.KindValidation, errors.KindOf(err))
}
