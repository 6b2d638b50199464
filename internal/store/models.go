// Package store is the transactional persistence layer: Execution, Stage,
// Task, and TaskFile rows plus their edge tables, backed by GORM. It
// satisfies the engine's Store contract (begin/commit/rollback, insert,
// update, delete, load-by-name, joined queries) without requiring callers to
// know more about the backing database than "transactional, relational,
// supports joins".
package store

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// ExecutionStatus is the top-level run's state machine.
type ExecutionStatus string

const (
	ExecutionNoAttempt       ExecutionStatus = "no_attempt"
	ExecutionRunning         ExecutionStatus = "running"
	ExecutionSuccessful      ExecutionStatus = "successful"
	ExecutionFailedButRunning ExecutionStatus = "failed_but_running"
	ExecutionFailed          ExecutionStatus = "failed"
	ExecutionKilled          ExecutionStatus = "killed"
)

// StageStatus mirrors ExecutionStatus at stage granularity.
type StageStatus string

const (
	StageNoAttempt        StageStatus = "no_attempt"
	StageRunning          StageStatus = "running"
	StageRunningButFailed StageStatus = "running_but_failed"
	StageSuccessful       StageStatus = "successful"
	StageFailed           StageStatus = "failed"
	StageKilled           StageStatus = "killed"
)

// TaskStatus is the per-task state machine.
type TaskStatus string

const (
	TaskNoAttempt TaskStatus = "no_attempt"
	TaskWaiting   TaskStatus = "waiting"
	TaskSubmitted TaskStatus = "submitted"
	TaskSuccessful TaskStatus = "successful"
	TaskFailed    TaskStatus = "failed"
	TaskKilled    TaskStatus = "killed"
)

// Execution is the top-level aggregate: one named invocation of a recipe.
type Execution struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name        string    `gorm:"uniqueIndex;size:200;not null"`
	Description string    `gorm:"size:255"`
	Successful  bool      `gorm:"not null;default:false"`
	OutputDir   string    `gorm:"size:1024;not null"`
	MaxCPUs     *int
	MaxAttempts int             `gorm:"not null;default:1"`
	Status      ExecutionStatus `gorm:"size:32;not null;default:no_attempt"`
	Info        datatypes.JSON
	CreatedOn   time.Time
	StartedOn   *time.Time
	FinishedOn  *time.Time

	Stages []Stage `gorm:"constraint:OnDelete:CASCADE"`
}

func (Execution) TableName() string { return "execution" }

// Stage is a named, topologically-ranked group of homogeneous tasks.
type Stage struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	ExecutionID uuid.UUID `gorm:"type:uuid;index;not null"`
	Name        string    `gorm:"size:200;not null"`
	Number      int       `gorm:"not null;default:0"`
	Status      StageStatus `gorm:"size:32;not null;default:no_attempt"`
	Successful  bool        `gorm:"not null;default:false"`
	FinishedOn  *time.Time

	Tasks []Task `gorm:"constraint:OnDelete:CASCADE"`
}

func (Stage) TableName() string { return "stage" }

// StageEdge records a parent->child relationship between two stages within
// the same execution, mirroring TaskEdge at stage granularity.
type StageEdge struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey"`
	ExecutionID   uuid.UUID `gorm:"type:uuid;index;not null"`
	ParentStageID uuid.UUID `gorm:"type:uuid;index;not null"`
	ChildStageID  uuid.UUID `gorm:"type:uuid;index;not null;uniqueIndex:uq_stage_edge"`
}

func (StageEdge) TableName() string { return "stage_edge" }

// Task is one unit of work, uniquely keyed within its Stage by TagsKey.
type Task struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	StageID     uuid.UUID `gorm:"type:uuid;index;not null;uniqueIndex:uq_task_stage_tags,priority:1"`
	ExecutionID uuid.UUID `gorm:"type:uuid;index;not null"`

	ToolName string         `gorm:"size:200;not null"`
	Tags     datatypes.JSON `gorm:"not null"`
	// TagsKey is a canonical, sorted string encoding of Tags, unique within
	// a Stage, and used as the GraphBuilder reuse-index key.
	TagsKey string `gorm:"size:2048;not null;uniqueIndex:uq_task_stage_tags,priority:2"`

	CPUReq      int  `gorm:"not null;default:1"`
	MemReq      int  `gorm:"not null;default:0"`
	TimeReq     int  `gorm:"not null;default:0"`
	MustSucceed bool `gorm:"not null;default:true"`
	NOOP        bool `gorm:"not null;default:false"`

	Status  TaskStatus `gorm:"size:32;not null;default:no_attempt"`
	Attempt int        `gorm:"not null;default:0"`

	LogDir  string         `gorm:"size:1024"`
	Command string         `gorm:"type:text"`
	Profile datatypes.JSON

	CreatedOn  time.Time
	StartedOn  *time.Time
	FinishedOn *time.Time
	// LastSeenAt is updated periodically while a task is submitted, by
	// whatever JobManager backend is actually running it. A submitted task
	// whose LastSeenAt has gone stale relative to now is a task that is
	// either taking a very long time or has lost its runner.
	LastSeenAt *time.Time

	// NextRunAt gates a retried task's next dispatch: dispatchReady skips a
	// no_attempt candidate until now is past NextRunAt, implementing
	// backoff between attempts instead of immediate redispatch.
	NextRunAt *time.Time

	OutputFiles []TaskFile `gorm:"constraint:OnDelete:CASCADE"`
}

func (Task) TableName() string { return "task" }

// TaskEdge records a parent->child relationship between two tasks.
type TaskEdge struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey"`
	ExecutionID  uuid.UUID `gorm:"type:uuid;index;not null"`
	ParentTaskID uuid.UUID `gorm:"type:uuid;index;not null;uniqueIndex:uq_task_edge"`
	ChildTaskID  uuid.UUID `gorm:"type:uuid;index;not null;uniqueIndex:uq_task_edge"`
}

func (TaskEdge) TableName() string { return "task_edge" }

// TaskFile is a declared filesystem artifact produced by a Task.
type TaskFile struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	TaskID      uuid.UUID `gorm:"type:uuid;index;not null"`
	Name        string    `gorm:"size:200;not null"`
	Basename    string    `gorm:"size:512"`
	Path        string    `gorm:"size:1024;not null"`
	Persist     bool      `gorm:"not null;default:false"`
	DuplicateOK bool      `gorm:"not null;default:false"`
}

func (TaskFile) TableName() string { return "task_file" }
