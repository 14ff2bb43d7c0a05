package server

import (
	"encoding/json"
	"time"

	"lazycal/internal/domain"
	"lazycal/internal/store"
)

// Request payloads

type CreateTaskRequest struct {
	Name                 string     `json:"name" minLength:"1" example:"Read chapter 4"`
	TotalWorkload        int        `json:"total_workload" minimum:"1" example:"40"`
	Unit                 string     `json:"unit,omitempty" example:"pages"`
	StartDate            *time.Time `json:"start_date,omitempty" format:"date-time"`
	DueDate              *time.Time `json:"due_date,omitempty" format:"date-time"`
	Priority             int        `json:"priority,omitempty" minimum:"1" maximum:"5"`
	ProcrastinationCoeff *float64   `json:"procrastination_coeff,omitempty" minimum:"0"`
}

type UpdateTaskRequest struct {
	Name                 *string    `json:"name,omitempty"`
	TotalWorkload        *int       `json:"total_workload,omitempty"`
	Unit                 *string    `json:"unit,omitempty"`
	StartDate            *time.Time `json:"start_date,omitempty" format:"date-time"`
	DueDate              *time.Time `json:"due_date,omitempty" format:"date-time"`
	Priority             *int       `json:"priority,omitempty"`
	ProcrastinationCoeff *float64   `json:"procrastination_coeff,omitempty"`
}

type ProgressRequest struct {
	Amount int    `json:"amount" minimum:"0" example:"12"`
	Date   string `json:"date,omitempty" example:"2024-03-04" doc:"Day the amount belongs to (YYYY-MM-DD or RFC 3339); defaults to today"`
}

type SettingsRequest struct {
	ReminderTime    string `json:"reminder_time" example:"17:00"`
	ReminderEnabled *bool  `json:"reminder_enabled,omitempty"`
}

// Response payloads

type TaskResponse struct {
	domain.Task
	CompletedWorkload int `json:"completed_workload"`
	ProgressPercent   int `json:"progress_percent"`
}

type FocusItemResponse struct {
	Task   TaskResponse `json:"task"`
	Target int          `json:"target"`
	Done   int          `json:"done"`
}

type TodayResponse struct {
	Date  string              `json:"date"`
	Items []FocusItemResponse `json:"items"`
}

type CalendarDayResponse struct {
	Date     string         `json:"date" example:"2024-03-04"`
	Key      string         `json:"key" example:"3/4/2024"`
	InPeriod bool           `json:"in_period"`
	Tasks    []TaskResponse `json:"tasks"`
}

type CalendarResponse struct {
	Mode string                `json:"mode" enum:"week,month"`
	Days []CalendarDayResponse `json:"days"`
}

type DeleteResponse struct {
	Deleted bool `json:"deleted"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
}

type paginatedTasks struct {
	Items []TaskResponse `json:"items"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func taskResponse(t domain.Task) TaskResponse {
	done := t.CompletedWorkload()
	pct := 0
	if t.TotalWorkload > 0 {
		pct = done * 100 / t.TotalWorkload
	}
	return TaskResponse{Task: t, CompletedWorkload: done, ProgressPercent: pct}
}

func taskResponses(tasks []domain.Task) []TaskResponse {
	out := make([]TaskResponse, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, taskResponse(t))
	}
	return out
}

func focusResponses(items []store.FocusItem) []FocusItemResponse {
	out := make([]FocusItemResponse, 0, len(items))
	for _, it := range items {
		out = append(out, FocusItemResponse{Task: taskResponse(it.Task), Target: it.Target, Done: it.Done})
	}
	return out
}

func calendarResponse(mode store.CalendarMode, days []store.CalendarDay) CalendarResponse {
	res := CalendarResponse{Mode: string(mode), Days: make([]CalendarDayResponse, 0, len(days))}
	for _, d := range days {
		res.Days = append(res.Days, CalendarDayResponse{
			Date:     d.Date.Format(dayLayout),
			Key:      d.Key,
			InPeriod: d.InPeriod,
			Tasks:    taskResponses(d.Tasks),
		})
	}
	return res
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func updateParams(req UpdateTaskRequest) store.UpdateParams {
	return store.UpdateParams{
		Name:                 req.Name,
		TotalWorkload:        req.TotalWorkload,
		Unit:                 req.Unit,
		StartDate:            req.StartDate,
		DueDate:              req.DueDate,
		Priority:             req.Priority,
		ProcrastinationCoeff: req.ProcrastinationCoeff,
	}
}

// JSON helpers

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return nil
	}
	return obj
}
