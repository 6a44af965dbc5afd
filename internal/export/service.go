// Package export persists pipeline results and dataset dumps as
// snapshot objects in local or S3 storage, with a Snapshot row per
// export tracking where the object lives.
package export

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"gorm.io/gorm"

	"agentry/internal/logging"
	"agentry/internal/transform"
	"agentry/pkg/models"
)

// Snapshot kinds.
const (
	KindPipelineResult = "pipeline_result"
	KindDataset        = "dataset"
)

// ErrSnapshotNotFound is returned when a snapshot does not exist or
// belongs to another user.
var ErrSnapshotNotFound = errors.New("snapshot not found")

const (
	maxNameLen       = 100
	defaultPageLimit = 20
	maxPageLimit     = 100
)

// DatasetSource loads staged datasets for dumps. Implemented by the
// dataset store.
type DatasetSource interface {
	Get(ctx context.Context, ownerID, datasetID uint) (*models.Dataset, error)
	Rows(ctx context.Context, ownerID, datasetID uint) ([]transform.Row, error)
}

// Service writes and serves snapshots.
type Service struct {
	db       *gorm.DB
	storage  Storage
	datasets DatasetSource
}

// NewService wires the snapshot store. The dataset source may be nil
// when dataset dumps are disabled.
func NewService(db *gorm.DB, storage Storage, datasets DatasetSource) *Service {
	return &Service{db: db, storage: storage, datasets: datasets}
}

// CreatePipelineResult stores an executed pipeline's output as a
// snapshot.
func (s *Service) CreatePipelineResult(ctx context.Context, ownerID uint, name string, result map[string]interface{}) (*models.Snapshot, error) {
	if result == nil {
		return nil, fmt.Errorf("result is required")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = "pipeline result " + time.Now().UTC().Format("2006-01-02 15:04")
	}
	if len(name) > maxNameLen {
		return nil, fmt.Errorf("snapshot name must be at most %d characters", maxNameLen)
	}

	payload, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("result is not serializable: %w", err)
	}
	return s.create(ctx, ownerID, KindPipelineResult, name, payload)
}

// CreateDatasetDump stores a full dataset, metadata plus rows, as a
// snapshot.
func (s *Service) CreateDatasetDump(ctx context.Context, ownerID, datasetID uint) (*models.Snapshot, error) {
	if s.datasets == nil {
		return nil, fmt.Errorf("dataset staging is not configured")
	}
	ds, err := s.datasets.Get(ctx, ownerID, datasetID)
	if err != nil {
		return nil, err
	}
	rows, err := s.datasets.Rows(ctx, ownerID, datasetID)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(map[string]interface{}{
		"dataset": map[string]interface{}{
			"id":        ds.ID,
			"name":      ds.Name,
			"schema":    ds.Schema,
			"row_count": ds.RowCount,
		},
		"rows": rows,
	})
	if err != nil {
		return nil, fmt.Errorf("dataset is not serializable: %w", err)
	}
	return s.create(ctx, ownerID, KindDataset, ds.Name+" dump", payload)
}

func (s *Service) create(ctx context.Context, ownerID uint, kind, name string, payload []byte) (*models.Snapshot, error) {
	snap := &models.Snapshot{
		OwnerID:     ownerID,
		Kind:        kind,
		Name:        name,
		StorageKind: s.storage.Kind(),
		ContentType: "application/json",
		Status:      models.SnapshotPending,
	}
	if err := s.db.WithContext(ctx).Create(snap).Error; err != nil {
		return nil, fmt.Errorf("failed to create snapshot: %w", err)
	}

	key := fmt.Sprintf("tenant_%d/%s_%d.json", ownerID, kind, snap.ID)
	if err := s.storage.Upload(ctx, key, bytes.NewReader(payload), snap.ContentType); err != nil {
		s.markFailed(ctx, snap, err)
		return nil, fmt.Errorf("failed to store snapshot: %w", err)
	}

	updates := map[string]interface{}{
		"object_key": key,
		"size_bytes": int64(len(payload)),
		"status":     models.SnapshotComplete,
	}
	if err := s.db.WithContext(ctx).Model(snap).UpdateColumns(updates).Error; err != nil {
		return nil, fmt.Errorf("failed to finalize snapshot: %w", err)
	}
	snap.ObjectKey = key
	snap.SizeBytes = int64(len(payload))
	snap.Status = models.SnapshotComplete

	logging.S().Infow("Snapshot stored",
		"snapshot_id", snap.ID,
		"owner_id", ownerID,
		"kind", kind,
		"storage", snap.StorageKind,
		"bytes", snap.SizeBytes)
	return snap, nil
}

func (s *Service) markFailed(ctx context.Context, snap *models.Snapshot, cause error) {
	msg := cause.Error()
	if len(msg) > 512 {
		msg = msg[:512]
	}
	err := s.db.WithContext(ctx).Model(snap).
		UpdateColumns(map[string]interface{}{
			"status": models.SnapshotFailed,
			"error":  msg,
		}).Error
	if err != nil {
		logging.S().Errorw("Failed to mark snapshot failed",
			"snapshot_id", snap.ID, "error", err)
	}
}

// Get loads one snapshot scoped to its owner.
func (s *Service) Get(ctx context.Context, ownerID, snapshotID uint) (*models.Snapshot, error) {
	var snap models.Snapshot
	err := s.db.WithContext(ctx).
		Where("id = ? AND owner_id = ?", snapshotID, ownerID).
		First(&snap).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSnapshotNotFound
		}
		return nil, err
	}
	return &snap, nil
}

// List returns the owner's snapshots, newest first.
func (s *Service) List(ctx context.Context, ownerID uint, page, limit int) ([]models.Snapshot, int64, error) {
	page, limit = clampPage(page, limit)

	var total int64
	if err := s.db.WithContext(ctx).Model(&models.Snapshot{}).
		Where("owner_id = ?", ownerID).
		Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var list []models.Snapshot
	err := s.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("id DESC").
		Offset((page - 1) * limit).
		Limit(limit).
		Find(&list).Error
	if err != nil {
		return nil, 0, err
	}
	return list, total, nil
}

// Download streams a completed snapshot's object to w and returns the
// snapshot for response headers.
func (s *Service) Download(ctx context.Context, ownerID, snapshotID uint, w io.Writer) (*models.Snapshot, error) {
	snap, err := s.Get(ctx, ownerID, snapshotID)
	if err != nil {
		return nil, err
	}
	if snap.Status != models.SnapshotComplete {
		return nil, fmt.Errorf("snapshot %d is %s", snap.ID, snap.Status)
	}
	if err := s.storage.Download(ctx, snap.ObjectKey, w); err != nil {
		return nil, err
	}
	return snap, nil
}

// Delete removes the stored object and the snapshot row.
func (s *Service) Delete(ctx context.Context, ownerID, snapshotID uint) error {
	snap, err := s.Get(ctx, ownerID, snapshotID)
	if err != nil {
		return err
	}
	if snap.ObjectKey != "" {
		if err := s.storage.Delete(ctx, snap.ObjectKey); err != nil {
			return err
		}
	}
	if err := s.db.WithContext(ctx).Delete(snap).Error; err != nil {
		return fmt.Errorf("failed to delete snapshot: %w", err)
	}
	logging.S().Infow("Snapshot deleted", "snapshot_id", snap.ID, "owner_id", ownerID)
	return nil
}

func clampPage(page, limit int) (int, int) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = defaultPageLimit
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	return page, limit
}
