package server

import "paceline/internal/domain"

// Request payloads

type CreateTaskRequest struct {
	Type string           `json:"type"`
	Data *domain.TaskData `json:"data,omitempty"`
}

type UpdateTaskRequest struct {
	Status *string          `json:"status,omitempty" enum:"completed,stopped"`
	Data   *domain.TaskData `json:"data,omitempty"`
}

// Response payloads

type TaskResponse struct {
	ID             string           `json:"id"`
	ContactID      string           `json:"contact_id"`
	Role           string           `json:"role" enum:"trainer,client"`
	Type           string           `json:"type"`
	Status         string           `json:"status" enum:"running,completed,stopped,abandoned,resumed"`
	Data           *domain.TaskData `json:"data,omitempty"`
	Archive        *domain.Archive  `json:"archive,omitempty"`
	ReminderSentAt *string          `json:"reminder_sent_at,omitempty" format:"date-time"`
	StartedAt      string           `json:"started_at" format:"date-time"`
	UpdatedAt      string           `json:"updated_at" format:"date-time"`
	CompletedAt    *string          `json:"completed_at,omitempty" format:"date-time"`
	StoppedAt      *string          `json:"stopped_at,omitempty" format:"date-time"`
}

func toTaskResponse(t domain.Task) TaskResponse {
	res := TaskResponse{
		ID:             t.ID,
		ContactID:      t.ContactID,
		Role:           string(t.Role),
		Type:           t.Type,
		Status:         t.Status,
		ReminderSentAt: t.ReminderSentAt,
		StartedAt:      t.StartedAt,
		UpdatedAt:      t.UpdatedAt,
		CompletedAt:    t.CompletedAt,
		StoppedAt:      t.StoppedAt,
	}
	if t.Status == domain.StatusAbandoned {
		if archive, err := t.ArchiveData(); err == nil {
			res.Archive = &archive
		}
		return res
	}
	if data, err := t.Data(); err == nil {
		res.Data = &data
	}
	return res
}

func toTaskResponses(tasks []domain.Task) []TaskResponse {
	res := make([]TaskResponse, 0, len(tasks))
	for _, t := range tasks {
		res = append(res, toTaskResponse(t))
	}
	return res
}

type TaskListResponse struct {
	Items []TaskResponse `json:"items"`
}

type StopAllResponse struct {
	Stopped int64 `json:"stopped"`
}

type EventListResponse struct {
	Items []domain.Event `json:"items"`
}

type StatusResponse struct {
	Assistant      string         `json:"assistant"`
	TasksByStatus  map[string]int `json:"tasks_by_status"`
	MonitoredTypes []string       `json:"monitored_types"`
}
