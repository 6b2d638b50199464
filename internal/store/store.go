package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/kosmos-run/kosmos/internal/platform/dbctx"
	"github.com/kosmos-run/kosmos/internal/platform/logger"
)

// Store is the transactional persistence layer for the whole engine.
// Every method accepts a dbctx.Context so call sites can either run standalone
// (Tx == nil, a new transaction or the base *gorm.DB is used) or participate
// in a caller-owned transaction (Tx != nil).
type Store struct {
	db  *gorm.DB
	log *logger.Logger
}

func New(db *gorm.DB, baseLog *logger.Logger) *Store {
	return &Store{db: db, log: baseLog.With("component", "Store")}
}

func (s *Store) DB() *gorm.DB { return s.db }

func (s *Store) conn(c dbctx.Context) *gorm.DB {
	if c.Tx != nil {
		return c.Tx.WithContext(c.Ctx)
	}
	return s.db.WithContext(c.Ctx)
}

// Transaction runs fn inside a committed-or-rolled-back-atomically
// transaction. A commit failure surfaces as a *StoreError.
func (s *Store) Transaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	if err := s.db.WithContext(ctx).Transaction(fn); err != nil {
		return NewStoreError("Transaction", err)
	}
	return nil
}

// --- Execution ---

func (s *Store) CreateExecution(c dbctx.Context, ex *Execution) error {
	if ex.ID == uuid.Nil {
		ex.ID = uuid.New()
	}
	if ex.CreatedOn.IsZero() {
		ex.CreatedOn = time.Now()
	}
	if err := s.conn(c).Create(ex).Error; err != nil {
		return NewStoreError("CreateExecution", err)
	}
	return nil
}

// GetExecutionByName loads an Execution with its Stages and Tasks, or
// returns (nil, nil) when no row with that name exists.
func (s *Store) GetExecutionByName(c dbctx.Context, name string) (*Execution, error) {
	var ex Execution
	err := s.conn(c).
		Preload("Stages").
		Preload("Stages.Tasks").
		Preload("Stages.Tasks.OutputFiles").
		Where("name = ?", name).
		First(&ex).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, NewStoreError("GetExecutionByName", err)
	}
	return &ex, nil
}

func (s *Store) UpdateExecution(c dbctx.Context, ex *Execution) error {
	if err := s.conn(c).Save(ex).Error; err != nil {
		return NewStoreError("UpdateExecution", err)
	}
	return nil
}

// GetExecution loads an Execution by id with the same Stages/Tasks preload
// as GetExecutionByName, for callers (a Temporal activity, a status poller)
// that only have the id, not the name, in hand.
func (s *Store) GetExecution(c dbctx.Context, id uuid.UUID) (*Execution, error) {
	var ex Execution
	err := s.conn(c).
		Preload("Stages").
		Preload("Stages.Tasks").
		Preload("Stages.Tasks.OutputFiles").
		Where("id = ?", id).
		First(&ex).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, NewStoreError("GetExecution", err)
	}
	return &ex, nil
}

func (s *Store) UpdateExecutionStatus(c dbctx.Context, id uuid.UUID, status ExecutionStatus) error {
	if err := s.conn(c).Model(&Execution{}).Where("id = ?", id).Update("status", status).Error; err != nil {
		return NewStoreError("UpdateExecutionStatus", err)
	}
	return nil
}

// DeleteExecution cascade-deletes the Execution row and everything owned by
// it (Stages, Tasks, TaskFiles, edges).
func (s *Store) DeleteExecution(c dbctx.Context, id uuid.UUID) error {
	err := s.conn(c).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("task_id IN (SELECT id FROM task WHERE execution_id = ?)", id).Delete(&TaskFile{}).Error; err != nil {
			return err
		}
		for _, m := range []interface{}{&TaskEdge{}, &StageEdge{}, &Task{}, &Stage{}} {
			if err := tx.Where("execution_id = ?", id).Delete(m).Error; err != nil {
				return err
			}
		}
		return tx.Delete(&Execution{ID: id}).Error
	})
	if err != nil {
		return NewStoreError("DeleteExecution", err)
	}
	return nil
}

// --- Stage ---

// GetOrCreateStage returns the existing Stage with the given name within the
// execution, or creates and attaches a new one (GraphBuilder step 1).
func (s *Store) GetOrCreateStage(c dbctx.Context, executionID uuid.UUID, name string) (*Stage, error) {
	var st Stage
	err := s.conn(c).Where("execution_id = ? AND name = ?", executionID, name).First(&st).Error
	if err == nil {
		return &st, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, NewStoreError("GetOrCreateStage", err)
	}
	st = Stage{ID: uuid.New(), ExecutionID: executionID, Name: name, Status: StageNoAttempt}
	if err := s.conn(c).Create(&st).Error; err != nil {
		return nil, NewStoreError("GetOrCreateStage", err)
	}
	return &st, nil
}

// GetStage loads a single Stage by id, returning (nil, nil) if absent.
func (s *Store) GetStage(c dbctx.Context, id uuid.UUID) (*Stage, error) {
	var st Stage
	err := s.conn(c).Where("id = ?", id).First(&st).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, NewStoreError("GetStage", err)
	}
	return &st, nil
}

func (s *Store) ListStages(c dbctx.Context, executionID uuid.UUID) ([]Stage, error) {
	var stages []Stage
	if err := s.conn(c).Where("execution_id = ?", executionID).Order("number asc").Find(&stages).Error; err != nil {
		return nil, NewStoreError("ListStages", err)
	}
	return stages, nil
}

func (s *Store) UpdateStage(c dbctx.Context, st *Stage) error {
	if err := s.conn(c).Save(st).Error; err != nil {
		return NewStoreError("UpdateStage", err)
	}
	return nil
}

// AddStageEdge links a parent stage to a child stage, ignoring the write if
// the edge already exists (GraphBuilder step 4 unions parent sets idempotently).
func (s *Store) AddStageEdge(c dbctx.Context, executionID, parentID, childID uuid.UUID) error {
	edge := StageEdge{ID: uuid.New(), ExecutionID: executionID, ParentStageID: parentID, ChildStageID: childID}
	err := s.conn(c).Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "child_stage_id"}, {Name: "parent_stage_id"}}, DoNothing: true}).Create(&edge).Error
	if err != nil {
		return NewStoreError("AddStageEdge", err)
	}
	return nil
}

func (s *Store) ListStageEdges(c dbctx.Context, executionID uuid.UUID) ([]StageEdge, error) {
	var edges []StageEdge
	if err := s.conn(c).Where("execution_id = ?", executionID).Find(&edges).Error; err != nil {
		return nil, NewStoreError("ListStageEdges", err)
	}
	return edges, nil
}

// --- Task ---

// ListTasksByStage returns every Task currently attached to a Stage, used by
// GraphBuilder to build the tag-keyed reuse index.
func (s *Store) ListTasksByStage(c dbctx.Context, stageID uuid.UUID) ([]Task, error) {
	var tasks []Task
	if err := s.conn(c).Preload("OutputFiles").Where("stage_id = ?", stageID).Find(&tasks).Error; err != nil {
		return nil, NewStoreError("ListTasksByStage", err)
	}
	return tasks, nil
}

func (s *Store) ListTasksByExecution(c dbctx.Context, executionID uuid.UUID) ([]Task, error) {
	var tasks []Task
	if err := s.conn(c).Preload("OutputFiles").Where("execution_id = ?", executionID).Find(&tasks).Error; err != nil {
		return nil, NewStoreError("ListTasksByExecution", err)
	}
	return tasks, nil
}

func (s *Store) CreateTask(c dbctx.Context, t *Task) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.CreatedOn.IsZero() {
		t.CreatedOn = time.Now()
	}
	if err := s.conn(c).Create(t).Error; err != nil {
		return NewStoreError("CreateTask", err)
	}
	return nil
}

func (s *Store) UpdateTask(c dbctx.Context, t *Task) error {
	if err := s.conn(c).Save(t).Error; err != nil {
		return NewStoreError("UpdateTask", err)
	}
	return nil
}

func (s *Store) AddTaskEdge(c dbctx.Context, executionID, parentID, childID uuid.UUID) error {
	edge := TaskEdge{ID: uuid.New(), ExecutionID: executionID, ParentTaskID: parentID, ChildTaskID: childID}
	err := s.conn(c).Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "child_task_id"}, {Name: "parent_task_id"}}, DoNothing: true}).Create(&edge).Error
	if err != nil {
		return NewStoreError("AddTaskEdge", err)
	}
	return nil
}

func (s *Store) ListTaskEdges(c dbctx.Context, executionID uuid.UUID) ([]TaskEdge, error) {
	var edges []TaskEdge
	if err := s.conn(c).Where("execution_id = ?", executionID).Find(&edges).Error; err != nil {
		return nil, NewStoreError("ListTaskEdges", err)
	}
	return edges, nil
}

// ClaimTaskForSubmission atomically transitions a task from no_attempt to
// submitted and increments its attempt counter, guarding against a second
// scheduler process racing the same row via a SKIP LOCKED claim query —
// the engine itself is single-threaded, but dispatch still goes through
// this path so a future multi-process deployment is safe without further
// changes.
func (s *Store) ClaimTaskForSubmission(c dbctx.Context, taskID uuid.UUID) (*Task, error) {
	var claimed *Task
	err := s.conn(c).Transaction(func(tx *gorm.DB) error {
		var t Task
		err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("id = ? AND status = ?", taskID, TaskNoAttempt).
			First(&t).Error
		if err != nil {
			return err
		}
		now := time.Now()
		t.Status = TaskSubmitted
		t.Attempt++
		t.StartedOn = &now
		if err := tx.Save(&t).Error; err != nil {
			return err
		}
		claimed = &t
		return nil
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, NewStoreError("ClaimTaskForSubmission", err)
	}
	return claimed, nil
}

// Heartbeat stamps a submitted task's LastSeenAt with now, a cheap
// single-column update so a busy JobManager can call it frequently without
// paying for a full Save of the row.
func (s *Store) Heartbeat(c dbctx.Context, taskID uuid.UUID) error {
	now := time.Now()
	if err := s.conn(c).Model(&Task{}).Where("id = ?", taskID).Update("last_seen_at", now).Error; err != nil {
		return NewStoreError("Heartbeat", err)
	}
	return nil
}

// StaleSubmittedTasks returns every task still in the submitted state whose
// LastSeenAt is older than threshold (or, for a task that never recorded a
// single heartbeat, whose StartedOn is), used to surface tasks that have
// lost their runner without the scheduler itself having to poll wall-clock
// time against every in-flight task on each tick.
func (s *Store) StaleSubmittedTasks(c dbctx.Context, executionID uuid.UUID, threshold time.Duration) ([]Task, error) {
	cutoff := time.Now().Add(-threshold)
	var tasks []Task
	err := s.conn(c).
		Where("execution_id = ? AND status = ?", executionID, TaskSubmitted).
		Where("(last_seen_at IS NOT NULL AND last_seen_at < ?) OR (last_seen_at IS NULL AND started_on < ?)", cutoff, cutoff).
		Find(&tasks).Error
	if err != nil {
		return nil, NewStoreError("StaleSubmittedTasks", err)
	}
	return tasks, nil
}

// --- TaskFile ---

func (s *Store) CreateTaskFile(c dbctx.Context, tf *TaskFile) error {
	if tf.ID == uuid.Nil {
		tf.ID = uuid.New()
	}
	if err := s.conn(c).Create(tf).Error; err != nil {
		return NewStoreError("CreateTaskFile", err)
	}
	return nil
}

// PathExists reports whether a non-duplicate_ok TaskFile with this path
// already exists anywhere in the execution's DAG.
func (s *Store) PathExists(c dbctx.Context, executionID uuid.UUID, path string) (bool, error) {
	var count int64
	err := s.conn(c).Model(&TaskFile{}).
		Joins("JOIN task ON task.id = task_file.task_id").
		Where("task.execution_id = ? AND task_file.path = ? AND task_file.duplicate_ok = ?", executionID, path, false).
		Count(&count).Error
	if err != nil {
		return false, NewStoreError("PathExists", err)
	}
	return count > 0, nil
}

// DuplicatePaths re-validates output-path uniqueness globally across the
// whole DAG (used by Execution.Run's pre-flight — GraphBuilder.Add already
// enforces this incrementally, but a restart may have rebound tasks in ways
// worth double-checking before submitting anything).
func (s *Store) DuplicatePaths(c dbctx.Context, executionID uuid.UUID) ([]string, error) {
	var paths []string
	err := s.conn(c).Model(&TaskFile{}).
		Joins("JOIN task ON task.id = task_file.task_id").
		Where("task.execution_id = ? AND task_file.duplicate_ok = ? AND task_file.path <> ''", executionID, false).
		Group("task_file.path").
		Having("COUNT(*) > 1").
		Pluck("task_file.path", &paths).Error
	if err != nil {
		return nil, NewStoreError("DuplicatePaths", err)
	}
	return paths, nil
}

// DeleteNonSuccessfulTasks implements the restart=true resumption rule:
// every Task whose status is not successful is removed,
// along with its edges and output TaskFiles, while successful Tasks and
// their Stages are preserved untouched. It returns the deleted Tasks (with
// OutputFiles preloaded) so the caller can clean up on-disk artifacts that
// are not marked persist.
func (s *Store) DeleteNonSuccessfulTasks(c dbctx.Context, executionID uuid.UUID) ([]Task, error) {
	var tasks []Task
	var deleted []Task
	err := s.conn(c).Transaction(func(tx *gorm.DB) error {
		if err := tx.Preload("OutputFiles").Where("execution_id = ? AND status <> ?", executionID, TaskSuccessful).Find(&tasks).Error; err != nil {
			return err
		}
		if len(tasks) == 0 {
			return nil
		}
		ids := make([]uuid.UUID, 0, len(tasks))
		for _, t := range tasks {
			ids = append(ids, t.ID)
		}
		if err := tx.Where("parent_task_id IN ? OR child_task_id IN ?", ids, ids).Delete(&TaskEdge{}).Error; err != nil {
			return err
		}
		if err := tx.Where("task_id IN ?", ids).Delete(&TaskFile{}).Error; err != nil {
			return err
		}
		if err := tx.Where("id IN ?", ids).Delete(&Task{}).Error; err != nil {
			return err
		}
		deleted = tasks
		return nil
	})
	if err != nil {
		return nil, NewStoreError("DeleteNonSuccessfulTasks", err)
	}
	return deleted, nil
}
