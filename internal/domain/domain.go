package domain

import "encoding/json"

// Role is the namespace a contact acts under. A trainer and a client with the
// same phone number never share tasks.
type Role string

const (
	RoleTrainer Role = "trainer"
	RoleClient  Role = "client"
)

// Roles lists every valid role, in the order the timeout sweep visits them.
func Roles() []Role {
	return []Role{RoleTrainer, RoleClient}
}

func ValidRole(r Role) bool {
	return r == RoleTrainer || r == RoleClient
}

// Owner identifies who a task belongs to: a contact identifier (typically a
// phone number in E.164 form) plus the role it acts under.
type Owner struct {
	ContactID string `json:"contact_id"`
	Role      Role   `json:"role"`
}

// Task statuses. Running is the only non-terminal state; Resumed marks an
// abandoned task superseded by a freshly created one.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusStopped   = "stopped"
	StatusAbandoned = "abandoned"
	StatusResumed   = "resumed"
)

type Task struct {
	ID             string  `json:"id"`
	ContactID      string  `json:"contact_id"`
	Role           Role    `json:"role" enum:"trainer,client"`
	Type           string  `json:"type"`
	Status         string  `json:"status" enum:"running,completed,stopped,abandoned,resumed"`
	DataJSON       string  `json:"data_json,omitempty"`
	ReminderSentAt *string `json:"reminder_sent_at,omitempty" format:"date-time"`
	StartedAt      string  `json:"started_at" format:"date-time"`
	UpdatedAt      string  `json:"updated_at" format:"date-time"`
	CompletedAt    *string `json:"completed_at,omitempty" format:"date-time"`
	StoppedAt      *string `json:"stopped_at,omitempty" format:"date-time"`
}

func (t Task) Owner() Owner {
	return Owner{ContactID: t.ContactID, Role: t.Role}
}

// TaskData is the progress payload of a running task. The named fields are the
// ones the lifecycle machinery reads; flow-specific values go in Fields.
type TaskData struct {
	Step              string            `json:"step,omitempty"`
	CurrentFieldIndex int               `json:"current_field_index,omitempty"`
	CollectedData     map[string]string `json:"collected_data,omitempty"`
	ReminderSent      bool              `json:"reminder_sent,omitempty"`
	ReminderSentAt    *string           `json:"reminder_sent_at,omitempty"`
	LastActivity      *string           `json:"last_activity,omitempty"`
	Resumed           bool              `json:"resumed,omitempty"`
	ResumedAt         *string           `json:"resumed_at,omitempty"`
	OriginalTaskID    string            `json:"original_task_id,omitempty"`
	Fields            map[string]any    `json:"fields,omitempty"`
}

// Archive is the envelope written over DataJSON when a task is abandoned.
// The original payload survives under task_data for later resumption.
type Archive struct {
	TaskData          TaskData `json:"task_data"`
	AbandonedAt       string   `json:"abandoned_at"`
	AbandonmentReason string   `json:"abandonment_reason"`
	TaskType          string   `json:"task_type"`
}

// Data decodes DataJSON as a live task payload. An empty column decodes to the
// zero value.
func (t Task) Data() (TaskData, error) {
	var d TaskData
	if t.DataJSON == "" {
		return d, nil
	}
	err := json.Unmarshal([]byte(t.DataJSON), &d)
	return d, err
}

// ArchiveData decodes DataJSON as an abandonment envelope.
func (t Task) ArchiveData() (Archive, error) {
	var a Archive
	if t.DataJSON == "" {
		return a, nil
	}
	err := json.Unmarshal([]byte(t.DataJSON), &a)
	return a, err
}

type Event struct {
	ID        int64  `json:"id"`
	TS        string `json:"ts" format:"date-time"`
	Type      string `json:"type"`
	ContactID string `json:"contact_id,omitempty"`
	Role      string `json:"role,omitempty"`
	TaskID    string `json:"task_id,omitempty"`
	Payload   string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
