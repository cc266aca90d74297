package api

// DefaultBaseURL is where the solver backend is expected to live when no
// configuration is present. The nginx deployment proxies /api to the REST app.
const DefaultBaseURL = "http://127.0.0.1:8000/api"

type TaskStatus string

const (
	StatusPending   TaskStatus = "pending"
	StatusQueued    TaskStatus = "queued"
	StatusRunning   TaskStatus = "running"
	StatusCompleted TaskStatus = "completed"
	StatusFailed    TaskStatus = "failed"
	StatusCancelled TaskStatus = "cancelled"
)

// Terminal reports whether no further transitions can happen for the task.
func (s TaskStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// InQueue reports whether the task is still waiting for backend admission,
// i.e. the phase in which queue_position/estimated_wait_time_sec mean anything.
func (s TaskStatus) InQueue() bool {
	return s == StatusPending || s == StatusQueued
}

// TokenPair is the credential pair issued by login/refresh. Refresh may be
// absent in a refresh response; callers carry the previous one forward.
type TokenPair struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh,omitempty"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type RegisterRequest struct {
	Username  string `json:"username"`
	Email     string `json:"email"`
	Password  string `json:"password"`
	Password2 string `json:"password2"`
}

type RefreshRequest struct {
	Refresh string `json:"refresh"`
}

// Progress is one progress report row as serialized by the backend.
type Progress struct {
	Stage      string  `json:"stage"`
	Percentage float64 `json:"percentage"`
	Timestamp  string  `json:"timestamp,omitempty"`
}

// LogEntry is one historical log line from the task snapshot.
type LogEntry struct {
	Message   string `json:"message"`
	Level     string `json:"level,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

// Task is the point-in-time snapshot returned by GET /tasks/ and
// GET /tasks/{id}/. List responses populate a subset of these fields.
type Task struct {
	ID            int64      `json:"id"`
	UUID          string     `json:"uuid"`
	Name          string     `json:"name"`
	Description   string     `json:"description,omitempty"`
	Status        TaskStatus `json:"status"`
	Owner         string     `json:"owner,omitempty"`
	MatrixSize    *int       `json:"matrix_size"`
	SaveMatrices  bool       `json:"save_matrices,omitempty"`
	ResultMessage string     `json:"result_message,omitempty"`
	CreatedAt     string     `json:"created_at,omitempty"`
	StartedAt     string     `json:"started_at,omitempty"`
	CompletedAt   string     `json:"completed_at,omitempty"`

	LastProgress    *Progress  `json:"last_progress,omitempty"`
	ProgressUpdates []Progress `json:"progress_updates,omitempty"`
	Logs            []LogEntry `json:"logs,omitempty"`

	// Queue metadata; only meaningful while Status.InQueue().
	QueuePosition        *int   `json:"queue_position"`
	EstimatedWaitTimeSec *int   `json:"estimated_wait_time_sec"`
	QueueMessage         string `json:"queue_message,omitempty"`
}

// MetricsReport is the staff-only monitoring payload. The nested sections are
// relayed as-is; the client does not interpret them.
type MetricsReport struct {
	System  map[string]any `json:"system"`
	Tasks   map[string]any `json:"tasks"`
	Users   map[string]any `json:"users"`
	Workers WorkersInfo    `json:"workers"`
}

type WorkersInfo struct {
	Count       int `json:"count"`
	MaxReplicas int `json:"max_replicas"`
}
