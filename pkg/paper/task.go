package paper

import "time"

// TaskStatus is one of a Task's lifecycle states. Only the queue
// may transition a Task between states; everyone else reads it.
type TaskStatus string

const (
	TaskPending   TaskStatus = "PENDING"
	TaskRunning   TaskStatus = "RUNNING"
	TaskCompleted TaskStatus = "COMPLETED"
	TaskFailed    TaskStatus = "FAILED"
	TaskCancelled TaskStatus = "CANCELLED"
)

// DateRange bounds a search by publication date, both ends optional.
type DateRange struct {
	From time.Time `json:"from,omitempty"`
	To   time.Time `json:"to,omitempty"`
}

// AdapterConfig is the closed enumeration of options a
// task can carry through to its source adapter. Unknown keys are rejected
// at construction time by source.ValidateConfig.
type AdapterConfig struct {
	PageSize       int    `json:"page_size,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
	APIKey         string `json:"api_key,omitempty"`
	PoliteEmail    string `json:"polite_email,omitempty"`
	MaxRetries     int    `json:"max_retries,omitempty"`
}

// TaskError describes why a Task reached TaskFailed.
type TaskError struct {
	Kind         string `json:"kind"`
	Message      string `json:"message"`
	Attempts     int    `json:"attempts"`
	LastBackoff  time.Duration `json:"last_backoff"`
}

// Task is a single (source, query, date-range, limit, config) unit of work.
type Task struct {
	TaskID    string        `json:"task_id" validate:"required"`
	Source    string        `json:"source" validate:"required"`
	Query     string        `json:"query" validate:"required"`
	DateRange *DateRange    `json:"date_range,omitempty"`
	Limit     int           `json:"limit,omitempty"`
	Priority  int           `json:"priority"`
	Config    AdapterConfig `json:"config"`

	Status    TaskStatus `json:"status"`
	Attempts  int        `json:"attempts"`
	Err       *TaskError `json:"error,omitempty"`
	Papers    []Paper    `json:"-"`

	CreatedAt time.Time `json:"created_at"`
	StartedAt time.Time `json:"started_at,omitempty"`
	EndedAt   time.Time `json:"ended_at,omitempty"`
}

// Validate checks the task-level invariants. It does not touch
// AdapterConfig's closed-enumeration check — that lives in
// source.ValidateConfig, since only the adapter registry knows which
// keys a given source recognizes.
func (t *Task) Validate() error {
	return validate.Struct(t)
}

// DuplicateCluster groups a set of Paper IDs judged to be the same work.
type DuplicateCluster struct {
	CanonicalID string   `json:"canonical_id"`
	DuplicateID []string `json:"duplicate_ids"`
	MatchKind   string   `json:"match_kind"` // "doi" | "arxiv" | "fuzzy-title"
	Confidence  float64  `json:"confidence"`
}
