// Package datasets is the staging store for pipeline inputs. Dataset
// metadata lives in the main database; the rows themselves are held in
// one SQLite file per tenant, one table per dataset, as JSON payloads.
package datasets

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"gorm.io/gorm"

	_ "modernc.org/sqlite"

	"agentry/internal/logging"
	"agentry/internal/transform"
	"agentry/pkg/models"
)

// ErrDatasetNotFound is returned when a dataset does not exist or
// belongs to another user.
var ErrDatasetNotFound = errors.New("dataset not found")

const (
	maxNameLen       = 100
	defaultPageLimit = 20
	maxPageLimit     = 100
)

// Table names are generated from dataset IDs, but they round-trip
// through a database column before being interpolated into SQL, so
// they are re-checked on every read.
var validIdentifier = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Store manages dataset metadata and the per-tenant staging files.
type Store struct {
	db      *gorm.DB
	baseDir string

	mu    sync.RWMutex
	conns map[uint]*sql.DB
}

// NewStore opens the staging directory. Tenant files are created
// lazily on first write.
func NewStore(db *gorm.DB, baseDir string) (*Store, error) {
	if err := os.MkdirAll(baseDir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create staging dir: %w", err)
	}
	return &Store{
		db:      db,
		baseDir: baseDir,
		conns:   make(map[uint]*sql.DB),
	}, nil
}

// Close closes every open tenant connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for ownerID, conn := range s.conns {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(s.conns, ownerID)
	}
	return firstErr
}

// CreateInput is the ingestion payload for a new dataset.
type CreateInput struct {
	Name        string                 `json:"name" binding:"required"`
	Description string                 `json:"description"`
	Schema      map[string]interface{} `json:"schema"`
	Rows        []transform.Row        `json:"rows"`
}

// Create stages a new dataset. The initial rows may be empty; the
// schema, when present, validates this and every later append.
func (s *Store) Create(ctx context.Context, ownerID uint, input CreateInput) (*models.Dataset, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return nil, fmt.Errorf("dataset name is required")
	}
	if len(name) > maxNameLen {
		return nil, fmt.Errorf("dataset name must be at most %d characters", maxNameLen)
	}

	schema, err := transform.ParseRowSchema(input.Schema)
	if err != nil {
		return nil, err
	}
	if err := transform.ValidateRows(input.Rows, schema); err != nil {
		return nil, err
	}

	ds := &models.Dataset{
		OwnerID:     ownerID,
		Name:        name,
		Description: strings.TrimSpace(input.Description),
		Schema:      input.Schema,
	}
	if err := s.db.WithContext(ctx).Create(ds).Error; err != nil {
		return nil, fmt.Errorf("failed to create dataset: %w", err)
	}
	ds.TableName = fmt.Sprintf("dataset_%d", ds.ID)

	if err := s.createTable(ctx, ownerID, ds, input.Rows); err != nil {
		// Roll back the metadata row so a half-created dataset never
		// shows up in listings.
		if derr := s.db.WithContext(ctx).Unscoped().Delete(ds).Error; derr != nil {
			logging.S().Errorw("Failed to remove dataset after staging error",
				"dataset_id", ds.ID, "error", derr)
		}
		return nil, err
	}

	logging.S().Infow("Dataset created",
		"dataset_id", ds.ID,
		"owner_id", ownerID,
		"rows", ds.RowCount,
		"bytes", ds.SizeBytes)
	return ds, nil
}

func (s *Store) createTable(ctx context.Context, ownerID uint, ds *models.Dataset, rows []transform.Row) error {
	conn, err := s.conn(ownerID)
	if err != nil {
		return err
	}

	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		payload TEXT NOT NULL
	)`, ds.TableName)
	if _, err := conn.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("failed to create staging table: %w", err)
	}

	var bytes int64
	if len(rows) > 0 {
		bytes, err = s.insertRows(ctx, conn, ds.TableName, rows)
		if err != nil {
			return err
		}
	}

	ds.RowCount = int64(len(rows))
	ds.SizeBytes = bytes
	return s.db.WithContext(ctx).Model(ds).
		UpdateColumns(map[string]interface{}{
			"table_name": ds.TableName,
			"row_count":  ds.RowCount,
			"size_bytes": ds.SizeBytes,
		}).Error
}

// Append validates rows against the stored schema and adds them to the
// dataset.
func (s *Store) Append(ctx context.Context, ownerID, datasetID uint, rows []transform.Row) (*models.Dataset, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("no rows to append")
	}

	ds, err := s.Get(ctx, ownerID, datasetID)
	if err != nil {
		return nil, err
	}

	schema, err := transform.ParseRowSchema(ds.Schema)
	if err != nil {
		return nil, err
	}
	if schema != nil && schema.MaxRows > 0 && ds.RowCount+int64(len(rows)) > int64(schema.MaxRows) {
		return nil, fmt.Errorf("dataset %d would exceed its row limit of %d", ds.ID, schema.MaxRows)
	}
	if err := transform.ValidateRows(rows, schema); err != nil {
		return nil, err
	}

	table, err := s.tableFor(ds)
	if err != nil {
		return nil, err
	}
	conn, err := s.conn(ownerID)
	if err != nil {
		return nil, err
	}
	bytes, err := s.insertRows(ctx, conn, table, rows)
	if err != nil {
		return nil, err
	}

	if err := s.db.WithContext(ctx).Model(ds).
		UpdateColumns(map[string]interface{}{
			"row_count":  gorm.Expr("row_count + ?", len(rows)),
			"size_bytes": gorm.Expr("size_bytes + ?", bytes),
		}).Error; err != nil {
		return nil, fmt.Errorf("failed to update dataset counters: %w", err)
	}
	ds.RowCount += int64(len(rows))
	ds.SizeBytes += bytes
	return ds, nil
}

// Get loads dataset metadata scoped to its owner.
func (s *Store) Get(ctx context.Context, ownerID, datasetID uint) (*models.Dataset, error) {
	var ds models.Dataset
	err := s.db.WithContext(ctx).
		Where("id = ? AND owner_id = ?", datasetID, ownerID).
		First(&ds).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrDatasetNotFound
		}
		return nil, err
	}
	return &ds, nil
}

// List returns the owner's datasets, newest first.
func (s *Store) List(ctx context.Context, ownerID uint, page, limit int) ([]models.Dataset, int64, error) {
	page, limit = clampPage(page, limit)

	var total int64
	if err := s.db.WithContext(ctx).Model(&models.Dataset{}).
		Where("owner_id = ?", ownerID).
		Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var list []models.Dataset
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

// Rows loads every staged row of a dataset in insertion order. This is
// the feed for transform pipelines and exports; the engine applies its
// own row limits downstream.
func (s *Store) Rows(ctx context.Context, ownerID, datasetID uint) ([]transform.Row, error) {
	rows, _, err := s.readRows(ctx, ownerID, datasetID, 0, 0)
	return rows, err
}

// RowsPage loads one page of staged rows plus the dataset's total row
// count.
func (s *Store) RowsPage(ctx context.Context, ownerID, datasetID uint, page, limit int) ([]transform.Row, int64, error) {
	page, limit = clampPage(page, limit)
	return s.readRows(ctx, ownerID, datasetID, (page-1)*limit, limit)
}

func (s *Store) readRows(ctx context.Context, ownerID, datasetID uint, offset, limit int) ([]transform.Row, int64, error) {
	ds, err := s.Get(ctx, ownerID, datasetID)
	if err != nil {
		return nil, 0, err
	}
	table, err := s.tableFor(ds)
	if err != nil {
		return nil, 0, err
	}
	conn, err := s.conn(ownerID)
	if err != nil {
		return nil, 0, err
	}

	query := fmt.Sprintf("SELECT payload FROM %s ORDER BY id", table)
	args := []interface{}{}
	if limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, limit, offset)
	}

	res, err := conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read dataset rows: %w", err)
	}
	defer res.Close()

	out := make([]transform.Row, 0, limit)
	for res.Next() {
		var payload string
		if err := res.Scan(&payload); err != nil {
			return nil, 0, fmt.Errorf("failed to scan dataset row: %w", err)
		}
		var row transform.Row
		if err := json.Unmarshal([]byte(payload), &row); err != nil {
			return nil, 0, fmt.Errorf("corrupt row in dataset %d: %w", ds.ID, err)
		}
		out = append(out, row)
	}
	if err := res.Err(); err != nil {
		return nil, 0, err
	}
	return out, ds.RowCount, nil
}

// Delete drops the staging table and soft-deletes the metadata row.
func (s *Store) Delete(ctx context.Context, ownerID, datasetID uint) error {
	ds, err := s.Get(ctx, ownerID, datasetID)
	if err != nil {
		return err
	}
	table, err := s.tableFor(ds)
	if err != nil {
		return err
	}
	conn, err := s.conn(ownerID)
	if err != nil {
		return err
	}
	if _, err := conn.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", table)); err != nil {
		return fmt.Errorf("failed to drop staging table: %w", err)
	}
	if err := s.db.WithContext(ctx).Delete(ds).Error; err != nil {
		return fmt.Errorf("failed to delete dataset: %w", err)
	}
	logging.S().Infow("Dataset deleted", "dataset_id", ds.ID, "owner_id", ownerID)
	return nil
}

func (s *Store) insertRows(ctx context.Context, conn *sql.DB, table string, rows []transform.Row) (int64, error) {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin staging tx: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf("INSERT INTO %s (payload) VALUES (?)", table))
	if err != nil {
		tx.Rollback()
		return 0, fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	var bytes int64
	for i, row := range rows {
		payload, err := json.Marshal(row)
		if err != nil {
			tx.Rollback()
			return 0, fmt.Errorf("row %d is not serializable: %w", i, err)
		}
		if _, err := stmt.ExecContext(ctx, string(payload)); err != nil {
			tx.Rollback()
			return 0, fmt.Errorf("failed to insert row %d: %w", i, err)
		}
		bytes += int64(len(payload))
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit staging rows: %w", err)
	}
	return bytes, nil
}

// conn returns the tenant's staging connection, opening the file on
// first use.
func (s *Store) conn(ownerID uint) (*sql.DB, error) {
	s.mu.RLock()
	conn, ok := s.conns[ownerID]
	s.mu.RUnlock()
	if ok {
		return conn, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if conn, ok := s.conns[ownerID]; ok {
		return conn, nil
	}

	dir := filepath.Join(s.baseDir, fmt.Sprintf("tenant_%d", ownerID))
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create tenant dir: %w", err)
	}
	conn, err := sql.Open("sqlite", filepath.Join(dir, "staging.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to open staging db: %w", err)
	}
	// Single writer per file keeps SQLITE_BUSY out of ingestion.
	conn.SetMaxOpenConns(1)
	s.conns[ownerID] = conn
	return conn, nil
}

func (s *Store) tableFor(ds *models.Dataset) (string, error) {
	if !validIdentifier.MatchString(ds.TableName) {
		return "", fmt.Errorf("dataset %d has a corrupt table name", ds.ID)
	}
	return ds.TableName, nil
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
