package domain

// Status represents the lifecycle state of a job or of a single step.
type Status string

const (
	StatusPending    Status = "Pending"
	StatusInProgress Status = "InProgress"
	StatusCompleted  Status = "Completed"
	StatusCancelled  Status = "Cancelled"
	StatusFailed     Status = "Failed"
)

// Terminal reports whether no further transitions are accepted from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusFailed
}

// Job describes a unit of work as an ordered sequence of named steps.
// The CorrelationID doubles as the job's group name on the hub: every
// participant coordinating on this job joins the group named by it.
// A Job is immutable once submitted.
type Job struct {
	Name          string   `json:"name"`
	CorrelationID string   `json:"correlationId"`
	Steps         []string `json:"steps"`

	// RawID is the internal Stream ID from Redis (e.g. 1700000-0).
	// We need this to Acknowledge the message later.
	RawID string `json:"-"`
}

// JobUpdate is the event payload describing a job's current step and status.
// It is produced by any group participant and relayed to every other member;
// there is no durable log, so a late joiner never sees past updates.
type JobUpdate struct {
	Name          string `json:"name"`
	CorrelationID string `json:"correlationId"`
	Step          string `json:"step"`
	Status        Status `json:"status"`
}

// DoneStep is the conventional final step name. A Completed update for it
// marks the whole job as completed.
const DoneStep = "Done"
