package main

import (
	stderrors "errors"
	"io"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ZanzyTHEbar/fraudscope/internal/auth"
	"github.com/ZanzyTHEbar/fraudscope/internal/errors"
	"github.com/ZanzyTHEbar/fraudscope/internal/pipeline"
	"github.com/ZanzyTHEbar/fraudscope/internal/security"
	"github.com/ZanzyTHEbar/fraudscope/internal/types"
	"github.com/ZanzyTHEbar/fraudscope/internal/validation"
)

type resultView struct {
	Index       int         `json:"index"`
	Row         int         `json:"row"`
	Label       types.Label `json:"label"`
	Probability float64     `json:"probability"`
}

type summaryView struct {
	types.Summary
	FraudRate float64 `json:"fraud_rate"`
}

type submitResponse struct {
	BatchID   string           `json:"batch_id,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
	Persisted bool             `json:"persisted"`
	Results   []resultView     `json:"results"`
	Summary   summaryView      `json:"summary"`
	Unscored  []types.RowFault `json:"unscored"`
}

func newSubmitResponse(outcome pipeline.Outcome) submitResponse {
	results := make([]resultView, len(outcome.Results))
	for i, r := range outcome.Results {
		results[i] = resultView{Index: r.Index, Row: r.Row, Label: r.Label, Probability: r.Probability}
	}
	return submitResponse{
		BatchID:   outcome.BatchID,
		CreatedAt: outcome.CreatedAt,
		Persisted: outcome.Persisted,
		Results:   results,
		Summary:   summaryView{Summary: outcome.Summary, FraudRate: outcome.Summary.FraudRate()},
		Unscored:  outcome.Unscored,
	}
}

func (s *server) handleSubmit(c *gin.Context) {
	upload, appErr := s.readUpload(c)
	if appErr != nil {
		errors.Respond(c, appErr)
		return
	}

	outcome, err := s.pipeline.SubmitBatch(c.Request.Context(), auth.OwnerID(c), upload)
	if err != nil {
		errors.Respond(c, errors.ToAppError(err))
		return
	}

	status := http.StatusCreated
	if !outcome.Persisted {
		status = http.StatusOK
	}
	c.JSON(status, newSubmitResponse(outcome))
}

// readUpload accepts a multipart "file" field, a raw CSV body or a JSON body
func (s *server) readUpload(c *gin.Context) (validation.Upload, *errors.AppError) {
	mediaType, _, _ := mime.ParseMediaType(c.ContentType())

	var (
		upload validation.Upload
		err    error
	)
	switch mediaType {
	case "multipart/form-data":
		upload.Format = validation.FormatCSV
		upload.Data, err = readFormFile(c)
	case "text/csv":
		upload.Format = validation.FormatCSV
		upload.Data, err = io.ReadAll(c.Request.Body)
	default:
		upload.Format = validation.FormatJSON
		upload.Data, err = io.ReadAll(c.Request.Body)
	}

	switch {
	case err == nil:
		return upload, nil
	case security.IsBodyTooLarge(err):
		return upload, s.security.BodyTooLargeError()
	case stderrors.Is(err, http.ErrMissingFile):
		return upload, errors.NewValidationError("multipart upload requires a \"file\" field")
	default:
		return upload, errors.NewValidationError("failed to read upload", err.Error())
	}
}

func readFormFile(c *gin.Context) ([]byte, error) {
	header, err := c.FormFile("file")
	if err != nil {
		return nil, err
	}
	f, err := header.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func (s *server) handleHistory(c *gin.Context) {
	page, err := queryInt(c, "page")
	if err != nil {
		errors.Respond(c, err)
		return
	}
	pageSize, err := queryInt(c, "page_size")
	if err != nil {
		errors.Respond(c, err)
		return
	}

	history, histErr := s.pipeline.GetHistory(c.Request.Context(), auth.OwnerID(c), page, pageSize)
	if histErr != nil {
		errors.Respond(c, errors.ToAppError(histErr))
		return
	}
	c.JSON(http.StatusOK, history)
}

// queryInt reads an optional integer query parameter; absent means 0
func queryInt(c *gin.Context, name string) (int, *errors.AppError) {
	raw := c.Query(name)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.NewValidationError(name+" must be an integer").WithDetail("parameter", name)
	}
	return v, nil
}

func (s *server) handleGetBatch(c *gin.Context) {
	batchID := c.Param("id")
	// malformed ids are indistinguishable from unknown ones
	if err := s.security.ValidateIdentifier(batchID); err != nil {
		errors.Respond(c, errors.NewNotFoundError("batch"))
		return
	}

	batch, err := s.pipeline.GetBatch(c.Request.Context(), auth.OwnerID(c), batchID)
	if err != nil {
		errors.Respond(c, errors.ToAppError(err))
		return
	}
	c.JSON(http.StatusOK, batch)
}
