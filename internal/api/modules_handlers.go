package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"agentry/internal/logging"
	"agentry/internal/middleware"
	"agentry/internal/modules"
	"agentry/internal/transform"
	"agentry/internal/usage"
)

// ListModules returns the module catalog.
func (s *Server) ListModules(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"modules": s.modules.List()})
}

// GetModule returns one module descriptor by key.
func (s *Server) GetModule(c *gin.Context) {
	mod, err := s.modules.Get(c.Param("key"))
	if err != nil {
		if errors.Is(err, modules.ErrUnknownModule) {
			middleware.Abort(c, http.StatusNotFound, "MODULE_NOT_FOUND", "unknown module")
			return
		}
		middleware.Abort(c, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to load module")
		return
	}

	c.JSON(http.StatusOK, gin.H{"module": mod.Descriptor()})
}

type executeTransformRequest struct {
	Pipeline  transform.Pipeline `json:"pipeline"`
	Rows      []transform.Row    `json:"rows"`
	DatasetID uint               `json:"dataset_id"`
}

// ExecuteTransform runs an ad-hoc pipeline over inline rows or a
// staged dataset, outside any agent.
func (s *Server) ExecuteTransform(c *gin.Context) {
	var input executeTransformRequest
	if !bindJSON(c, &input) {
		return
	}

	ctx := c.Request.Context()
	userID := middleware.GetUserID(c)

	rows := input.Rows
	if input.DatasetID != 0 {
		var err error
		rows, err = s.datasets.Rows(ctx, userID, input.DatasetID)
		if err != nil {
			s.datasetError(c, err)
			return
		}
	}

	if err := s.tracker.CheckRows(ctx, userID, int64(len(rows))); err != nil {
		s.quotaError(c, err)
		return
	}

	result, err := s.engine.Execute(ctx, &input.Pipeline, rows)
	if err != nil {
		s.transformError(c, err)
		return
	}

	if err := s.tracker.RecordPipelineRows(ctx, userID, int64(len(rows))); err != nil {
		logging.S().Warnw("Failed to record pipeline rows", "user_id", userID, "error", err)
	}

	c.JSON(http.StatusOK, result)
}

type validateTransformRequest struct {
	Pipeline transform.Pipeline `json:"pipeline"`
}

// ValidateTransform checks a pipeline without executing it.
func (s *Server) ValidateTransform(c *gin.Context) {
	var input validateTransformRequest
	if !bindJSON(c, &input) {
		return
	}

	if err := s.engine.Validate(&input.Pipeline); err != nil {
		c.JSON(http.StatusOK, gin.H{"valid": false, "error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"valid": true})
}

// transformError maps engine errors onto the uniform error body.
func (s *Server) transformError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, transform.ErrTooManyRows):
		middleware.Abort(c, http.StatusRequestEntityTooLarge, "ROW_LIMIT_EXCEEDED", err.Error())
	case errors.Is(err, transform.ErrEmptyPipeline),
		errors.Is(err, transform.ErrUnknownOp),
		errors.Is(err, transform.ErrInvalidConfig),
		errors.Is(err, transform.ErrInvalidPath),
		errors.Is(err, transform.ErrUnknownLookup):
		middleware.Abort(c, http.StatusBadRequest, "INVALID_PIPELINE", err.Error())
	default:
		middleware.Abort(c, http.StatusUnprocessableEntity, "TRANSFORM_FAILED", err.Error())
	}
}

// quotaError answers 429 for plan-limit denials and logs anything else
// as a tracker fault.
func (s *Server) quotaError(c *gin.Context, err error) {
	var qe *usage.QuotaError
	if errors.As(err, &qe) {
		middleware.AbortWithDetails(c, http.StatusTooManyRequests, "QUOTA_EXCEEDED", qe.Error(), gin.H{
			"plan":  qe.Plan,
			"limit": qe.Limit,
			"used":  qe.Used,
			"max":   qe.Max,
		})
		return
	}
	logging.S().Errorw("Quota check failed", "error", err)
	middleware.Abort(c, http.StatusInternalServerError, "INTERNAL_ERROR", "quota check failed")
}
