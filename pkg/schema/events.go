package schema

// Event type constants published on the task event hub.
const (
	EventTaskCreated   = "task_created"
	EventTaskPaused    = "task_paused"
	EventTaskResumed   = "task_resumed"
	EventTaskCompleted = "task_completed"
	EventTaskFailed    = "task_failed"
	EventTaskCancelled = "task_cancelled"
	EventStepCompleted = "step_completed"
	EventStepDeferred  = "step_deferred"
	EventResultMerged  = "result_merged"
)

// TaskStatus is the wire-level lifecycle state of a task.
type TaskStatus string

const (
	TaskStatusCreated   TaskStatus = "created"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusPaused    TaskStatus = "paused"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
)

// Terminal reports whether no further transitions are allowed from s.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// PauseKind discriminates the reasons a task can pause.
type PauseKind string

const (
	PauseToolError            PauseKind = "tool_error"
	PauseUnresolvedDependency PauseKind = "unresolved_dependency"
)

// RecordSource says who produced a step output.
type RecordSource string

const (
	SourceServer RecordSource = "server"
	SourceCaller RecordSource = "caller"
)
