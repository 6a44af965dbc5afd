package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"agentry/internal/datasets"
	"agentry/internal/middleware"
	"agentry/internal/transform"
)

// ListDatasets returns the caller's staged datasets.
func (s *Server) ListDatasets(c *gin.Context) {
	page, limit := pageParams(c)
	list, total, err := s.datasets.List(c.Request.Context(), middleware.GetUserID(c), page, limit)
	if err != nil {
		middleware.Abort(c, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to list datasets")
		return
	}

	c.JSON(http.StatusOK, gin.H{"datasets": list, "pagination": pageInfo(page, limit, total)})
}

// CreateDataset stages a new dataset, optionally seeded with rows.
func (s *Server) CreateDataset(c *gin.Context) {
	var input datasets.CreateInput
	if !bindJSON(c, &input) {
		return
	}

	ctx := c.Request.Context()
	userID := middleware.GetUserID(c)

	if err := s.tracker.CheckRows(ctx, userID, int64(len(input.Rows))); err != nil {
		s.quotaError(c, err)
		return
	}

	ds, err := s.datasets.Create(ctx, userID, input)
	if err != nil {
		s.datasetError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"dataset": ds})
}

// GetDataset returns one dataset's metadata.
func (s *Server) GetDataset(c *gin.Context) {
	id := uintParam(c, "id")
	if id == 0 {
		return
	}

	ds, err := s.datasets.Get(c.Request.Context(), middleware.GetUserID(c), id)
	if err != nil {
		s.datasetError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"dataset": ds})
}

// DatasetRows returns a page of rows.
func (s *Server) DatasetRows(c *gin.Context) {
	id := uintParam(c, "id")
	if id == 0 {
		return
	}

	page, limit := pageParams(c)
	rows, total, err := s.datasets.RowsPage(c.Request.Context(), middleware.GetUserID(c), id, page, limit)
	if err != nil {
		s.datasetError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"rows": rows, "pagination": pageInfo(page, limit, total)})
}

type appendRowsRequest struct {
	Rows []transform.Row `json:"rows" binding:"required,min=1"`
}

// AppendDatasetRows validates the rows against the dataset schema and
// appends them.
func (s *Server) AppendDatasetRows(c *gin.Context) {
	id := uintParam(c, "id")
	if id == 0 {
		return
	}

	var input appendRowsRequest
	if !bindJSON(c, &input) {
		return
	}

	ctx := c.Request.Context()
	userID := middleware.GetUserID(c)

	if err := s.tracker.CheckRows(ctx, userID, int64(len(input.Rows))); err != nil {
		s.quotaError(c, err)
		return
	}

	ds, err := s.datasets.Append(ctx, userID, id, input.Rows)
	if err != nil {
		s.datasetError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"dataset": ds})
}

// DeleteDataset drops the dataset and its staged rows.
func (s *Server) DeleteDataset(c *gin.Context) {
	id := uintParam(c, "id")
	if id == 0 {
		return
	}

	if err := s.datasets.Delete(c.Request.Context(), middleware.GetUserID(c), id); err != nil {
		s.datasetError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

// datasetError maps dataset store errors onto the uniform error body.
func (s *Server) datasetError(c *gin.Context, err error) {
	if errors.Is(err, datasets.ErrDatasetNotFound) {
		middleware.Abort(c, http.StatusNotFound, "DATASET_NOT_FOUND", "dataset not found")
		return
	}
	middleware.Abort(c, http.StatusBadRequest, "DATASET_ERROR", err.Error())
}
