package persistence

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/aristath/crew/internal/scheduler"
)

// ErrRunNotFound is returned when a run ID has no record.
var ErrRunNotFound = errors.New("run not found")

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunRunning     RunStatus = "running"
	RunCompleted   RunStatus = "completed"   // every task completed
	RunPartial     RunStatus = "partial"     // some tasks failed or were blocked
	RunFailed      RunStatus = "failed"      // nothing completed, or the run aborted before starting
	RunInterrupted RunStatus = "interrupted" // cancelled; resumable
)

// Run is one execution of a crew.
type Run struct {
	ID        string
	Crew      string
	Inputs    map[string]string
	Status    RunStatus
	Error     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Attempt is one agent attempt at a task and the review outcome.
type Attempt struct {
	RunID     string
	TaskID    string
	Number    int
	Agent     string
	Output    string
	Passed    bool
	Feedback  []string
	CreatedAt time.Time
}

// TaskOutput is the accepted output of a completed task.
type TaskOutput struct {
	TaskID string
	Agent  string
	Output string
}

// Store defines the persistence interface for runs, checkpoints and attempts.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, run Run) error
	GetRun(ctx context.Context, runID string) (*Run, error)
	UpdateRunStatus(ctx context.Context, runID string, status RunStatus, errMsg string) error
	ListRuns(ctx context.Context, limit int) ([]Run, error)
	DeleteRuns(ctx context.Context) error

	// Checkpoints
	SaveCheckpoint(ctx context.Context, runID string, snaps []scheduler.Snapshot) error
	LoadCheckpoint(ctx context.Context, runID string) ([]scheduler.Snapshot, error)
	TaskOutputs(ctx context.Context, runID string) ([]TaskOutput, error)

	// Attempt log
	SaveAttempt(ctx context.Context, a Attempt) error
	ListAttempts(ctx context.Context, runID string) ([]Attempt, error)

	// Lifecycle
	Close() error
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the checkpoint database at dbPath.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	db, err := Open(ctx, dbPath, checkpointSchema)
	if err != nil {
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

// NewMemoryStore creates an in-memory store for testing.
func NewMemoryStore(ctx context.Context) (*SQLiteStore, error) {
	db, err := OpenMemory(ctx, checkpointSchema)
	if err != nil {
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
