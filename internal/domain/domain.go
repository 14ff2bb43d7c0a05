package domain

import "time"

type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusOverdue   Status = "overdue"
)

// Archived reports whether the status belongs to the archive (completed or overdue).
func (s Status) Archived() bool {
	return s == StatusCompleted || s == StatusOverdue
}

func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusCompleted, StatusOverdue:
		return true
	}
	return false
}

// StandardUnits are the predefined workload units; any other non-empty label is a custom unit.
var StandardUnits = []string{"pages", "points", "hours", "items", "chapters", "exercises"}

type Task struct {
	ID                    string         `json:"id"`
	Name                  string         `json:"name"`
	TotalWorkload         int            `json:"total_workload"`
	RemainingWorkload     int            `json:"remaining_workload"`
	Unit                  string         `json:"unit"`
	StartDate             time.Time      `json:"start_date" format:"date-time"`
	DueDate               time.Time      `json:"due_date" format:"date-time"`
	Priority              int            `json:"priority" minimum:"1" maximum:"5"`
	ProcrastinationCoeff  float64        `json:"procrastination_coeff" minimum:"0"`
	Status                Status         `json:"status" enum:"active,completed,overdue"`
	DailyProgress         map[string]int `json:"daily_progress"`
	// CreditedProgress is the most ever subtracted from the remaining workload for a day. Lowering
	// a day's entry keeps it, so raising the entry again only credits the part above it.
	CreditedProgress      map[string]int `json:"credited_progress,omitempty"`
	DailyWorkload         int            `json:"daily_workload"`
	AdjustedDailyWorkload int            `json:"adjusted_daily_workload"`
	CreatedAt             time.Time      `json:"created_at" format:"date-time"`
	CompletedAt           *time.Time     `json:"completed_at,omitempty" format:"date-time"`
}

// Clone returns a deep copy; the progress maps and CompletedAt are not shared.
func (t Task) Clone() Task {
	out := t
	out.DailyProgress = make(map[string]int, len(t.DailyProgress))
	for k, v := range t.DailyProgress {
		out.DailyProgress[k] = v
	}
	out.CreditedProgress = make(map[string]int, len(t.CreditedProgress))
	for k, v := range t.CreditedProgress {
		out.CreditedProgress[k] = v
	}
	if t.CompletedAt != nil {
		c := *t.CompletedAt
		out.CompletedAt = &c
	}
	return out
}

// CompletedWorkload is the amount of work already done.
func (t Task) CompletedWorkload() int {
	return t.TotalWorkload - t.RemainingWorkload
}

type Settings struct {
	ReminderTime    string `json:"reminder_time" example:"17:00"`
	ReminderEnabled bool   `json:"reminder_enabled"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	Payload    string `json:"payload_json"`
}
