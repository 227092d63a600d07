package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/knowflow-io/knowflow/internal/metrics"
	"github.com/knowflow-io/knowflow/orchestrator"
	"github.com/knowflow-io/knowflow/types"
)

// TaskRecord is the archived row of a settled task. Map-valued task
// fields are stored as JSON text so the row round-trips across all
// supported databases.
type TaskRecord struct {
	ID           string     `gorm:"primaryKey" json:"id"`
	Type         string     `gorm:"not null;index:idx_tasks_type" json:"type"`
	Priority     string     `gorm:"not null;default:medium" json:"priority"`
	Status       string     `gorm:"not null;index:idx_tasks_status" json:"status"`
	AgentID      string     `json:"agent_id,omitempty"`
	ParentTaskID string     `gorm:"index:idx_tasks_parent_task_id" json:"parent_task_id,omitempty"`
	RetryCount   int        `gorm:"not null;default:0" json:"retry_count"`
	InputData    string     `json:"input_data,omitempty"`
	Metadata     string     `json:"metadata,omitempty"`
	CreatedAt    time.Time  `gorm:"not null" json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	ArchivedAt   time.Time  `gorm:"not null" json:"archived_at"`
}

// TableName maps the record onto the migrated tasks table.
func (TaskRecord) TableName() string { return "tasks" }

// DecodeInputData unmarshals the stored input payload.
func (r *TaskRecord) DecodeInputData() (map[string]any, error) {
	return decodeColumn[map[string]any](r.InputData)
}

// DecodeMetadata unmarshals the stored task metadata.
func (r *TaskRecord) DecodeMetadata() (map[string]any, error) {
	return decodeColumn[map[string]any](r.Metadata)
}

// ResultRecord is one stored result payload. A task can accumulate more
// than one row: the completed handoff writes one and archived failures
// write their own.
type ResultRecord struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	TaskID    string    `gorm:"not null;index:idx_task_results_task_id" json:"task_id"`
	Success   bool      `gorm:"not null" json:"success"`
	Data      string    `json:"data,omitempty"`
	Error     string    `json:"error,omitempty"`
	Metrics   string    `json:"metrics,omitempty"`
	CreatedAt time.Time `gorm:"not null" json:"created_at"`
}

// TableName maps the record onto the migrated task_results table.
func (ResultRecord) TableName() string { return "task_results" }

// DecodeData unmarshals the stored result payload.
func (r *ResultRecord) DecodeData() (map[string]any, error) {
	return decodeColumn[map[string]any](r.Data)
}

// DecodeMetrics unmarshals the stored execution metrics.
func (r *ResultRecord) DecodeMetrics() (map[string]float64, error) {
	return decodeColumn[map[string]float64](r.Metrics)
}

// ArtifactRecord is one artifact reference delivered by a task. TaskID
// is empty when the artifact arrived through the sink handoff, which
// carries paths without task attribution.
type ArtifactRecord struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	TaskID    string    `gorm:"index:idx_artifacts_task_id" json:"task_id,omitempty"`
	Name      string    `gorm:"not null;index:idx_artifacts_name" json:"name"`
	Path      string    `gorm:"not null" json:"path"`
	SizeBytes int64     `gorm:"not null;default:0" json:"size_bytes"`
	CreatedAt time.Time `gorm:"not null" json:"created_at"`
}

// TableName maps the record onto the migrated artifacts table.
func (ArtifactRecord) TableName() string { return "artifacts" }

// Store writes task outcomes through GORM.
type Store struct {
	db      *gorm.DB
	driver  string
	metrics *metrics.Collector
	logger  *zap.Logger
}

var (
	_ orchestrator.ResultSink   = (*Store)(nil)
	_ orchestrator.TaskArchiver = (*Store)(nil)
)

// New wraps an open GORM handle. The collector may be nil when metrics
// are not wired.
func New(db *gorm.DB, collector *metrics.Collector, logger *zap.Logger) (*Store, error) {
	if db == nil {
		return nil, types.NewValidationError("store requires a database handle")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		db:      db,
		driver:  db.Name(),
		metrics: collector,
		logger:  logger.With(zap.String("component", "store")),
	}, nil
}

// Migrate lets GORM create or update the store's tables. Deployments
// that version their schema through internal/migration skip it.
func (s *Store) Migrate() error {
	if err := s.db.AutoMigrate(&TaskRecord{}, &ResultRecord{}, &ArtifactRecord{}); err != nil {
		return types.NewError(types.ErrStore, "migrate store schema").
			WithComponent("store").WithCause(err)
	}
	return nil
}

// StoreResults persists a completed task's payload as one result row.
func (s *Store) StoreResults(ctx context.Context, taskID string, data map[string]any) error {
	if taskID == "" {
		return types.NewValidationError("task id must not be empty")
	}
	raw, err := encodeColumn(data)
	if err != nil {
		return types.NewError(types.ErrStore, "encode result data").
			WithComponent("store").WithCause(err)
	}

	row := &ResultRecord{
		TaskID:    taskID,
		Success:   true,
		Data:      raw,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.create(ctx, "insert_result", row); err != nil {
		return err
	}

	s.logger.Debug("task results stored", zap.String("task_id", taskID))
	return nil
}

// ProcessArtifact records one artifact reference. The stored name is the
// path's base name; the size is read from the filesystem when the path
// is locally readable and left zero otherwise.
func (s *Store) ProcessArtifact(ctx context.Context, path string) error {
	if path == "" {
		return types.NewValidationError("artifact path must not be empty")
	}

	row := &ArtifactRecord{
		Name:      filepath.Base(path),
		Path:      path,
		CreatedAt: time.Now().UTC(),
	}
	if info, err := os.Stat(path); err == nil && !info.IsDir() {
		row.SizeBytes = info.Size()
	}
	if err := s.create(ctx, "insert_artifact", row); err != nil {
		return err
	}

	s.logger.Debug("artifact recorded",
		zap.String("name", row.Name),
		zap.String("path", path),
		zap.Int64("size_bytes", row.SizeBytes))
	return nil
}

// ArchiveTask upserts the final form of a settled task. Re-archiving the
// same task overwrites the previous row, so repeated offers are
// harmless. Unsuccessful results are written as an extra result row; the
// successful payload already arrives through StoreResults.
func (s *Store) ArchiveTask(ctx context.Context, task *types.Task) error {
	if task == nil || task.ID == "" {
		return types.NewValidationError("archive requires a task with an id")
	}

	row, err := newTaskRecord(task)
	if err != nil {
		return types.NewError(types.ErrStore, fmt.Sprintf("encode task %s for archive", task.ID)).
			WithComponent("store").WithCause(err)
	}

	start := time.Now()
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(row).Error; err != nil {
			return err
		}
		if task.Result == nil || task.Result.Success {
			return nil
		}
		res, err := newResultRecord(task.ID, task.Result)
		if err != nil {
			return err
		}
		return tx.Create(res).Error
	})
	s.observe("archive_task", start)
	if err != nil {
		return types.NewError(types.ErrStore, fmt.Sprintf("archive task %s", task.ID)).
			WithComponent("store").WithCause(err).WithRetryable(true)
	}

	s.logger.Debug("task archived",
		zap.String("task_id", task.ID),
		zap.String("status", row.Status),
		zap.Int("retry_count", row.RetryCount))
	return nil
}

// GetArchivedTask returns one archived task row.
func (s *Store) GetArchivedTask(ctx context.Context, taskID string) (*TaskRecord, error) {
	start := time.Now()
	var rec TaskRecord
	err := s.db.WithContext(ctx).First(&rec, "id = ?", taskID).Error
	s.observe("get_task", start)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.NewNotFoundError("archived task", taskID)
	}
	if err != nil {
		return nil, types.NewError(types.ErrStore, fmt.Sprintf("load archived task %s", taskID)).
			WithComponent("store").WithCause(err)
	}
	return &rec, nil
}

// ListResults returns the stored results for a task, oldest first.
func (s *Store) ListResults(ctx context.Context, taskID string) ([]ResultRecord, error) {
	start := time.Now()
	var rows []ResultRecord
	err := s.db.WithContext(ctx).
		Where("task_id = ?", taskID).
		Order("id ASC").
		Find(&rows).Error
	s.observe("list_results", start)
	if err != nil {
		return nil, types.NewError(types.ErrStore, fmt.Sprintf("list results for task %s", taskID)).
			WithComponent("store").WithCause(err)
	}
	return rows, nil
}

// ListArtifacts returns the newest artifact references first, capped at
// limit. A non-positive limit falls back to 100.
func (s *Store) ListArtifacts(ctx context.Context, limit int) ([]ArtifactRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	start := time.Now()
	var rows []ArtifactRecord
	err := s.db.WithContext(ctx).
		Order("id DESC").
		Limit(limit).
		Find(&rows).Error
	s.observe("list_artifacts", start)
	if err != nil {
		return nil, types.NewError(types.ErrStore, "list artifacts").
			WithComponent("store").WithCause(err)
	}
	return rows, nil
}

// CountTasksByStatus returns how many archived tasks sit in each status.
func (s *Store) CountTasksByStatus(ctx context.Context) (map[string]int64, error) {
	start := time.Now()
	var rows []struct {
		Status string
		Total  int64
	}
	err := s.db.WithContext(ctx).
		Model(&TaskRecord{}).
		Select("status, COUNT(*) AS total").
		Group("status").
		Find(&rows).Error
	s.observe("count_tasks", start)
	if err != nil {
		return nil, types.NewError(types.ErrStore, "count archived tasks").
			WithComponent("store").WithCause(err)
	}

	counts := make(map[string]int64, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Total
	}
	return counts, nil
}

func (s *Store) create(ctx context.Context, operation string, row any) error {
	start := time.Now()
	err := s.db.WithContext(ctx).Create(row).Error
	s.observe(operation, start)
	if err != nil {
		return types.NewError(types.ErrStore, operation+" failed").
			WithComponent("store").WithCause(err).WithRetryable(true)
	}
	return nil
}

func (s *Store) observe(operation string, start time.Time) {
	if s.metrics != nil {
		s.metrics.RecordDBQuery(s.driver, operation, time.Since(start))
	}
}

func newTaskRecord(task *types.Task) (*TaskRecord, error) {
	input, err := encodeColumn(task.InputData)
	if err != nil {
		return nil, fmt.Errorf("encode input data: %w", err)
	}
	meta, err := encodeColumn(task.Metadata)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}

	priority := task.Priority
	if !priority.Valid() {
		priority = types.PriorityMedium
	}
	return &TaskRecord{
		ID:           task.ID,
		Type:         task.Type,
		Priority:     string(priority),
		Status:       string(task.Status),
		AgentID:      task.AgentID,
		ParentTaskID: task.ParentTaskID,
		RetryCount:   task.RetryCount(),
		InputData:    input,
		Metadata:     meta,
		CreatedAt:    task.CreatedAt,
		StartedAt:    task.StartedAt,
		CompletedAt:  task.CompletedAt,
		ArchivedAt:   time.Now().UTC(),
	}, nil
}

func newResultRecord(taskID string, result *types.TaskResult) (*ResultRecord, error) {
	data, err := encodeColumn(result.Data)
	if err != nil {
		return nil, fmt.Errorf("encode result data: %w", err)
	}
	measured, err := encodeColumn(result.Metrics)
	if err != nil {
		return nil, fmt.Errorf("encode result metrics: %w", err)
	}
	return &ResultRecord{
		TaskID:    taskID,
		Success:   result.Success,
		Data:      data,
		Error:     result.Error,
		Metrics:   measured,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// encodeColumn renders a map as a JSON TEXT column value. Nil and empty
// maps produce the empty string so unused columns stay blank.
func encodeColumn[V any](m map[string]V) (string, error) {
	if len(m) == 0 {
		return "", nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func decodeColumn[T any](raw string) (T, error) {
	var out T
	if raw == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}
