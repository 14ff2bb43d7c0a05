package store

import (
	"fmt"
	"math"
	"sort"

	"lazycal/internal/domain"
)

// Snapshot is the plain record set a Store serializes to. IssuedIDs keeps ids of deleted tasks
// so they are never handed out again.
type Snapshot struct {
	Tasks     []domain.Task `json:"tasks"`
	IssuedIDs []string      `json:"issued_ids,omitempty"`
}

func (s *Store) Snapshot() Snapshot {
	snap := Snapshot{Tasks: s.All()}
	for id := range s.issued {
		snap.IssuedIDs = append(snap.IssuedIDs, id)
	}
	sort.Strings(snap.IssuedIDs)
	return snap
}

// Replace swaps the store's contents for snap. Records are checked first; on any error the
// store is untouched. Derived workloads are recomputed so loaded data is never stale.
func (s *Store) Replace(snap Snapshot) error {
	tasks := make([]*domain.Task, 0, len(snap.Tasks))
	issued := make(map[string]struct{}, len(snap.IssuedIDs)+len(snap.Tasks))
	for _, id := range snap.IssuedIDs {
		if id != "" {
			issued[id] = struct{}{}
		}
	}
	seen := make(map[string]struct{}, len(snap.Tasks))
	for i, rec := range snap.Tasks {
		if err := checkRecord(rec); err != nil {
			return fmt.Errorf("record %d: %w", i, err)
		}
		if _, dup := seen[rec.ID]; dup {
			return fmt.Errorf("record %d: duplicate id %s", i, rec.ID)
		}
		seen[rec.ID] = struct{}{}
		issued[rec.ID] = struct{}{}
		t := rec.Clone()
		// Records written before credits were tracked count their entries as credited.
		for key, amount := range t.DailyProgress {
			if amount > t.CreditedProgress[key] {
				t.CreditedProgress[key] = amount
			}
		}
		if t.RemainingWorkload > t.TotalWorkload {
			t.RemainingWorkload = t.TotalWorkload
		}
		if t.Status != domain.StatusCompleted {
			t.CompletedAt = nil
		}
		reschedule(&t)
		tasks = append(tasks, &t)
	}
	s.tasks = tasks
	s.issued = issued
	return nil
}

func checkRecord(t domain.Task) error {
	if t.ID == "" {
		return invalid("id", "is required")
	}
	if t.Name == "" {
		return invalid("name", "is required")
	}
	if t.TotalWorkload <= 0 {
		return invalid("total_workload", "must be > 0")
	}
	if t.RemainingWorkload < 0 {
		return invalid("remaining_workload", "must be >= 0")
	}
	if !t.Status.Valid() {
		return invalid("status", fmt.Sprintf("unknown status %q", t.Status))
	}
	if t.Status == domain.StatusCompleted && t.RemainingWorkload != 0 {
		return invalid("remaining_workload", "must be 0 for a completed task")
	}
	for key, amount := range t.DailyProgress {
		if amount < 0 {
			return invalid("daily_progress", fmt.Sprintf("negative amount on %s", key))
		}
	}
	c := t.ProcrastinationCoeff
	if c < 0 || c > MaxProcrastinationCoeff || math.IsNaN(c) {
		return invalid("procrastination_coeff", fmt.Sprintf("must be between 0 and %d", MaxProcrastinationCoeff))
	}
	if t.StartDate.IsZero() || t.DueDate.IsZero() {
		return invalid("dates", "start and due dates are required")
	}
	return nil
}
