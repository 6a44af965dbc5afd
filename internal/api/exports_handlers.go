package api

import (
	"errors"
	"fmt"
	"net/http"
	"path"

	"github.com/gin-gonic/gin"

	"agentry/internal/datasets"
	"agentry/internal/export"
	"agentry/internal/logging"
	"agentry/internal/middleware"
	"agentry/pkg/models"
)

type createExportRequest struct {
	Kind      string                 `json:"kind" binding:"required"`
	Name      string                 `json:"name"`
	DatasetID uint                   `json:"dataset_id"`
	Result    map[string]interface{} `json:"result"`
}

// CreateExport snapshots a dataset or a pipeline result into durable
// storage.
func (s *Server) CreateExport(c *gin.Context) {
	var input createExportRequest
	if !bindJSON(c, &input) {
		return
	}

	ctx := c.Request.Context()
	userID := middleware.GetUserID(c)

	var (
		snap *models.Snapshot
		err  error
	)
	switch input.Kind {
	case export.KindDataset:
		if input.DatasetID == 0 {
			middleware.Abort(c, http.StatusBadRequest, "VALIDATION_ERROR", "dataset_id is required for dataset exports")
			return
		}
		snap, err = s.exports.CreateDatasetDump(ctx, userID, input.DatasetID)
	case export.KindPipelineResult:
		if len(input.Result) == 0 {
			middleware.Abort(c, http.StatusBadRequest, "VALIDATION_ERROR", "result is required for pipeline exports")
			return
		}
		snap, err = s.exports.CreatePipelineResult(ctx, userID, input.Name, input.Result)
	default:
		middleware.Abort(c, http.StatusBadRequest, "VALIDATION_ERROR", "kind must be dataset or pipeline_result")
		return
	}
	if err != nil {
		s.exportError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"snapshot": snap})
}

// ListExports returns the caller's snapshots, newest first.
func (s *Server) ListExports(c *gin.Context) {
	page, limit := pageParams(c)
	list, total, err := s.exports.List(c.Request.Context(), middleware.GetUserID(c), page, limit)
	if err != nil {
		middleware.Abort(c, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to list exports")
		return
	}

	c.JSON(http.StatusOK, gin.H{"snapshots": list, "pagination": pageInfo(page, limit, total)})
}

// GetExport returns one snapshot's metadata.
func (s *Server) GetExport(c *gin.Context) {
	id := uintParam(c, "id")
	if id == 0 {
		return
	}

	snap, err := s.exports.Get(c.Request.Context(), middleware.GetUserID(c), id)
	if err != nil {
		s.exportError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"snapshot": snap})
}

// DownloadExport streams the snapshot object. Headers go out before
// the stream starts, so mid-stream storage faults can only be logged.
func (s *Server) DownloadExport(c *gin.Context) {
	id := uintParam(c, "id")
	if id == 0 {
		return
	}

	ctx := c.Request.Context()
	userID := middleware.GetUserID(c)

	snap, err := s.exports.Get(ctx, userID, id)
	if err != nil {
		s.exportError(c, err)
		return
	}
	if snap.Status != models.SnapshotComplete {
		middleware.Abort(c, http.StatusConflict, "EXPORT_NOT_READY", fmt.Sprintf("snapshot is %s", snap.Status))
		return
	}

	c.Header("Content-Type", snap.ContentType)
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", path.Base(snap.ObjectKey)))
	c.Status(http.StatusOK)

	if _, err := s.exports.Download(ctx, userID, id, c.Writer); err != nil {
		logging.S().Errorw("Snapshot download failed mid-stream",
			"snapshot_id", id, "owner_id", userID, "error", err)
	}
}

// DeleteExport removes the snapshot and its stored object.
func (s *Server) DeleteExport(c *gin.Context) {
	id := uintParam(c, "id")
	if id == 0 {
		return
	}

	if err := s.exports.Delete(c.Request.Context(), middleware.GetUserID(c), id); err != nil {
		s.exportError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

// exportError maps export service errors onto the uniform error body.
func (s *Server) exportError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, export.ErrSnapshotNotFound):
		middleware.Abort(c, http.StatusNotFound, "EXPORT_NOT_FOUND", "snapshot not found")
	case errors.Is(err, datasets.ErrDatasetNotFound):
		middleware.Abort(c, http.StatusNotFound, "DATASET_NOT_FOUND", "dataset not found")
	default:
		middleware.Abort(c, http.StatusInternalServerError, "EXPORT_ERROR", err.Error())
	}
}
