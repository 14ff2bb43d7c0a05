// Package store is the in-memory task store: it owns task lifecycle transitions, progress
// recording and the read-only view projections. It performs no I/O and no locking; callers
// that share a Store across goroutines must serialize access themselves.
package store

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"lazycal/internal/domain"
	"lazycal/internal/schedule"
)

// ProgressMode selects how RecordProgress decrements remaining workload when a day already
// has an entry.
type ProgressMode string

// MaxProcrastinationCoeff bounds the coefficient so the padded daily target stays a small integer.
const MaxProcrastinationCoeff = 100

const (
	// ProgressDelta subtracts only the part of an entry above the most already credited for
	// that day, so editing a day's entry down and back up never counts twice.
	ProgressDelta ProgressMode = "delta"
	// ProgressAbsolute subtracts the full submitted amount every time.
	ProgressAbsolute ProgressMode = "absolute"
)

func (m ProgressMode) Valid() bool {
	return m == ProgressDelta || m == ProgressAbsolute
}

type Options struct {
	Now          func() time.Time
	NewID        func() string
	ProgressMode ProgressMode
}

type Store struct {
	tasks  []*domain.Task
	issued map[string]struct{}
	now    func() time.Time
	newID  func() string
	mode   ProgressMode
}

func New(opts Options) *Store {
	s := &Store{
		issued: make(map[string]struct{}),
		now:    opts.Now,
		newID:  opts.NewID,
		mode:   opts.ProgressMode,
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.newID == nil {
		s.newID = uuid.NewString
	}
	if !s.mode.Valid() {
		s.mode = ProgressDelta
	}
	return s
}

// CreateParams are the caller-supplied fields of a new task.
type CreateParams struct {
	Name                 string
	TotalWorkload        int
	Unit                 string
	StartDate            time.Time
	DueDate              time.Time
	Priority             int
	ProcrastinationCoeff float64
}

// UpdateParams overwrite only the fields that are non-nil.
type UpdateParams struct {
	Name                 *string
	TotalWorkload        *int
	Unit                 *string
	StartDate            *time.Time
	DueDate              *time.Time
	Priority             *int
	ProcrastinationCoeff *float64
}

func (p UpdateParams) touchesSchedule() bool {
	return p.TotalWorkload != nil || p.StartDate != nil || p.DueDate != nil || p.ProcrastinationCoeff != nil
}

func (s *Store) Create(p CreateParams) (domain.Task, error) {
	p.Name = strings.TrimSpace(p.Name)
	p.Unit = strings.TrimSpace(p.Unit)
	if err := validateFields(p.Name, p.TotalWorkload, p.Unit, p.Priority, p.ProcrastinationCoeff); err != nil {
		return domain.Task{}, err
	}
	if err := validateWindow(p.StartDate, p.DueDate); err != nil {
		return domain.Task{}, err
	}
	t := &domain.Task{
		ID:                   s.nextID(),
		Name:                 p.Name,
		TotalWorkload:        p.TotalWorkload,
		RemainingWorkload:    p.TotalWorkload,
		Unit:                 p.Unit,
		StartDate:            p.StartDate,
		DueDate:              p.DueDate,
		Priority:             p.Priority,
		ProcrastinationCoeff: p.ProcrastinationCoeff,
		Status:               domain.StatusActive,
		DailyProgress:        map[string]int{},
		CreditedProgress:     map[string]int{},
		CreatedAt:            s.now(),
	}
	reschedule(t)
	s.tasks = append(s.tasks, t)
	return t.Clone(), nil
}

func (s *Store) Update(id string, p UpdateParams) (domain.Task, error) {
	cur := s.find(id)
	if cur == nil {
		return domain.Task{}, notFound(id)
	}
	next := cur.Clone()
	if p.Name != nil {
		next.Name = strings.TrimSpace(*p.Name)
	}
	if p.TotalWorkload != nil {
		next.TotalWorkload = *p.TotalWorkload
	}
	if p.Unit != nil {
		next.Unit = strings.TrimSpace(*p.Unit)
	}
	if p.StartDate != nil {
		next.StartDate = *p.StartDate
	}
	if p.DueDate != nil {
		next.DueDate = *p.DueDate
	}
	if p.Priority != nil {
		next.Priority = *p.Priority
	}
	if p.ProcrastinationCoeff != nil {
		next.ProcrastinationCoeff = *p.ProcrastinationCoeff
	}
	if err := validateFields(next.Name, next.TotalWorkload, next.Unit, next.Priority, next.ProcrastinationCoeff); err != nil {
		return domain.Task{}, err
	}
	// The merged window is checked even when only one side changed.
	if p.StartDate != nil || p.DueDate != nil {
		if err := validateWindow(next.StartDate, next.DueDate); err != nil {
			return domain.Task{}, err
		}
	}
	if next.RemainingWorkload > next.TotalWorkload {
		next.RemainingWorkload = next.TotalWorkload
	}
	if next.RemainingWorkload == 0 && next.Status == domain.StatusActive {
		s.complete(&next)
	}
	if p.touchesSchedule() {
		reschedule(&next)
	}
	*cur = next
	return cur.Clone(), nil
}

// Delete removes the task if present and reports whether it did.
func (s *Store) Delete(id string) bool {
	for i, t := range s.tasks {
		if t.ID == id {
			s.tasks = append(s.tasks[:i], s.tasks[i+1:]...)
			return true
		}
	}
	return false
}

// RecordProgress sets the amount logged on date's calendar day and decrements the remaining
// workload. Reaching zero completes the task, whatever its current status.
func (s *Store) RecordProgress(id string, amount int, date time.Time) (domain.Task, error) {
	t := s.find(id)
	if t == nil {
		return domain.Task{}, notFound(id)
	}
	if amount < 0 {
		return domain.Task{}, invalid("amount", "must be >= 0")
	}
	key := schedule.DateKey(date)
	if t.DailyProgress == nil {
		t.DailyProgress = map[string]int{}
	}
	if t.CreditedProgress == nil {
		t.CreditedProgress = map[string]int{}
	}
	credited := t.CreditedProgress[key]
	dec := amount
	if s.mode == ProgressDelta {
		dec = max(0, amount-credited)
	}
	t.DailyProgress[key] = amount
	t.CreditedProgress[key] = max(credited, amount)
	t.RemainingWorkload = max(0, t.RemainingWorkload-dec)
	if t.RemainingWorkload == 0 && t.Status != domain.StatusCompleted {
		s.complete(t)
	}
	return t.Clone(), nil
}

// CheckOverdue marks every active task whose due date is before ref's midnight and which still
// has work left as overdue. It returns the tasks it transitioned.
func (s *Store) CheckOverdue(ref time.Time) []domain.Task {
	midnight := schedule.StartOfDay(ref)
	var changed []domain.Task
	for _, t := range s.tasks {
		if t.Status == domain.StatusActive && t.DueDate.Before(midnight) && t.RemainingWorkload > 0 {
			t.Status = domain.StatusOverdue
			changed = append(changed, t.Clone())
		}
	}
	return changed
}

// Restore moves an archived task back to active. A task with nothing left gets one unit of
// outstanding work.
func (s *Store) Restore(id string) (domain.Task, error) {
	t := s.find(id)
	if t == nil {
		return domain.Task{}, notFound(id)
	}
	if !t.Status.Archived() {
		return domain.Task{}, &TransitionError{From: t.Status, To: domain.StatusActive}
	}
	t.Status = domain.StatusActive
	t.CompletedAt = nil
	if t.RemainingWorkload == 0 {
		t.RemainingWorkload = 1
	}
	return t.Clone(), nil
}

// ClearArchive drops every completed or overdue task and returns what it removed.
func (s *Store) ClearArchive() []domain.Task {
	var removed []domain.Task
	kept := s.tasks[:0]
	for _, t := range s.tasks {
		if t.Status.Archived() {
			removed = append(removed, t.Clone())
			continue
		}
		kept = append(kept, t)
	}
	for i := len(kept); i < len(s.tasks); i++ {
		s.tasks[i] = nil
	}
	s.tasks = kept
	return removed
}

func (s *Store) Get(id string) (domain.Task, error) {
	t := s.find(id)
	if t == nil {
		return domain.Task{}, notFound(id)
	}
	return t.Clone(), nil
}

// All returns every task in insertion order.
func (s *Store) All() []domain.Task {
	out := make([]domain.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t.Clone())
	}
	return out
}

func (s *Store) Len() int { return len(s.tasks) }

func (s *Store) find(id string) *domain.Task {
	for _, t := range s.tasks {
		if t.ID == id {
			return t
		}
	}
	return nil
}

func (s *Store) nextID() string {
	for {
		id := s.newID()
		if _, used := s.issued[id]; used || id == "" {
			continue
		}
		s.issued[id] = struct{}{}
		return id
	}
}

func (s *Store) complete(t *domain.Task) {
	now := s.now()
	t.Status = domain.StatusCompleted
	t.RemainingWorkload = 0
	t.CompletedAt = &now
}

func reschedule(t *domain.Task) {
	w := schedule.Compute(t.TotalWorkload, t.StartDate, t.DueDate, t.ProcrastinationCoeff)
	t.DailyWorkload = w.Daily
	t.AdjustedDailyWorkload = w.Adjusted
}

func validateFields(name string, total int, unit string, priority int, coeff float64) error {
	if name == "" {
		return invalid("name", "is required")
	}
	if total <= 0 {
		return invalid("total_workload", "must be > 0")
	}
	if unit == "" {
		return invalid("unit", "is required")
	}
	if priority < 1 || priority > 5 {
		return invalid("priority", fmt.Sprintf("must be between 1 and 5, got %d", priority))
	}
	if coeff < 0 || coeff > MaxProcrastinationCoeff || math.IsNaN(coeff) {
		return invalid("procrastination_coeff", fmt.Sprintf("must be between 0 and %d", MaxProcrastinationCoeff))
	}
	return nil
}

func validateWindow(start, due time.Time) error {
	if start.IsZero() || due.IsZero() {
		return invalid("dates", "start and due dates are required")
	}
	if !start.Before(due) {
		return invalid("due_date", "must be after start date")
	}
	return nil
}
