package store

import (
	"fmt"
	"sort"
	"time"

	"lazycal/internal/domain"
	"lazycal/internal/schedule"
)

// TasksForDate returns the active tasks scheduled on date's calendar day, highest priority
// first. A task covers every day from its start day through its due day inclusive.
func (s *Store) TasksForDate(date time.Time) []domain.Task {
	var out []domain.Task
	for _, t := range s.tasks {
		if t.Status != domain.StatusActive {
			continue
		}
		from := schedule.StartOfDay(t.StartDate.In(date.Location()))
		to := schedule.EndOfDay(t.DueDate.In(date.Location()))
		if date.Before(from) || date.After(to) {
			continue
		}
		out = append(out, t.Clone())
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority > out[j].Priority })
	return out
}

// HasTasksOn reports whether any active task is scheduled on date's day.
func (s *Store) HasTasksOn(date time.Time) bool {
	return len(s.TasksForDate(date)) > 0
}

// SortedActive returns active tasks by priority (highest first), then earliest due date.
func (s *Store) SortedActive() []domain.Task {
	var out []domain.Task
	for _, t := range s.tasks {
		if t.Status == domain.StatusActive {
			out = append(out, t.Clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].DueDate.Before(out[j].DueDate)
	})
	return out
}

type ArchiveFilter string

const (
	ArchiveAll       ArchiveFilter = "all"
	ArchiveCompleted ArchiveFilter = "completed"
	ArchiveOverdue   ArchiveFilter = "overdue"
)

func ParseArchiveFilter(s string) (ArchiveFilter, error) {
	switch ArchiveFilter(s) {
	case "", ArchiveAll:
		return ArchiveAll, nil
	case ArchiveCompleted, ArchiveOverdue:
		return ArchiveFilter(s), nil
	}
	return "", invalid("filter", fmt.Sprintf("unknown archive filter %q", s))
}

// Archive returns completed and overdue tasks matching filter, most recent first.
func (s *Store) Archive(filter ArchiveFilter) []domain.Task {
	var out []domain.Task
	for _, t := range s.tasks {
		if !t.Status.Archived() {
			continue
		}
		if filter != ArchiveAll && string(t.Status) != string(filter) {
			continue
		}
		out = append(out, t.Clone())
	}
	sort.SliceStable(out, func(i, j int) bool {
		return archivedAt(out[i]).After(archivedAt(out[j]))
	})
	return out
}

func archivedAt(t domain.Task) time.Time {
	if t.Status == domain.StatusCompleted && t.CompletedAt != nil {
		return *t.CompletedAt
	}
	return t.DueDate
}

// FocusItem is one row of the daily focus panel.
type FocusItem struct {
	Task   domain.Task `json:"task"`
	Target int         `json:"target"`
	Done   int         `json:"done"`
}

// DailyFocus lists the tasks scheduled on date with the day's target and logged amount.
func (s *Store) DailyFocus(date time.Time) []FocusItem {
	key := schedule.DateKey(date)
	tasks := s.TasksForDate(date)
	out := make([]FocusItem, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, FocusItem{Task: t, Target: t.AdjustedDailyWorkload, Done: t.DailyProgress[key]})
	}
	return out
}

type CalendarMode string

const (
	CalendarWeek  CalendarMode = "week"
	CalendarMonth CalendarMode = "month"
)

func ParseCalendarMode(s string) (CalendarMode, error) {
	switch CalendarMode(s) {
	case "", CalendarWeek:
		return CalendarWeek, nil
	case CalendarMonth:
		return CalendarMonth, nil
	}
	return "", invalid("mode", fmt.Sprintf("unknown calendar mode %q", s))
}

// CalendarDay is one cell of a calendar view. InPeriod is false for the leading and trailing
// days of a month grid.
type CalendarDay struct {
	Date     time.Time     `json:"date" format:"date-time"`
	Key      string        `json:"key"`
	InPeriod bool          `json:"in_period"`
	Tasks    []domain.Task `json:"tasks"`
}

// Calendar lays out the days of the week or month containing anchor. Weeks start on Sunday;
// a month is always a six-week grid.
func (s *Store) Calendar(mode CalendarMode, anchor time.Time) []CalendarDay {
	first := schedule.StartOfWeek(anchor)
	n := 7
	if mode == CalendarMonth {
		y, m, _ := anchor.Date()
		first = schedule.StartOfWeek(time.Date(y, m, 1, 0, 0, 0, 0, anchor.Location()))
		n = 42
	}
	days := make([]CalendarDay, 0, n)
	for i := 0; i < n; i++ {
		d := first.AddDate(0, 0, i)
		tasks := s.TasksForDate(d)
		if tasks == nil {
			tasks = []domain.Task{}
		}
		days = append(days, CalendarDay{
			Date:     d,
			Key:      schedule.DateKey(d),
			InPeriod: mode != CalendarMonth || d.Month() == anchor.Month(),
			Tasks:    tasks,
		})
	}
	return days
}

// Stats counts tasks per status.
func (s *Store) Stats() map[domain.Status]int {
	out := map[domain.Status]int{
		domain.StatusActive:    0,
		domain.StatusCompleted: 0,
		domain.StatusOverdue:   0,
	}
	for _, t := range s.tasks {
		out[t.Status]++
	}
	return out
}
