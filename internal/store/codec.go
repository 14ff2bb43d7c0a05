package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"lazycal/internal/domain"
)

// Encode serializes the store's snapshot as JSON. Dates are RFC 3339.
func Encode(s *Store) ([]byte, error) {
	return json.MarshalIndent(s.Snapshot(), "", "  ")
}

// Decode builds a store from a serialized record set. It accepts either an encoded Snapshot
// object or the browser app's task array. The returned store is never nil: absent data yields an
// empty store and a nil error, malformed data yields an empty store together with the error so
// the caller can report it.
func Decode(data []byte, opts Options) (*Store, error) {
	s := New(opts)
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return s, nil
	}
	var snap Snapshot
	if trimmed[0] == '[' {
		var legacy []legacyTask
		if err := json.Unmarshal(trimmed, &legacy); err != nil {
			return s, fmt.Errorf("decode task array: %w", err)
		}
		for _, lt := range legacy {
			snap.Tasks = append(snap.Tasks, lt.task())
		}
	} else if err := json.Unmarshal(trimmed, &snap); err != nil {
		return s, fmt.Errorf("decode snapshot: %w", err)
	}
	if err := s.Replace(snap); err != nil {
		return New(opts), fmt.Errorf("load snapshot: %w", err)
	}
	return s, nil
}

// legacyTask mirrors a task as the browser app stored it. Fields edited through its form were
// saved as strings, so numbers and dates are parsed loosely.
type legacyTask struct {
	ID                   string         `json:"id"`
	Name                 string         `json:"name"`
	TotalWorkload        looseNumber    `json:"totalWorkload"`
	RemainingWorkload    looseNumber    `json:"remainingWorkload"`
	Unit                 string         `json:"unit"`
	CustomUnit           string         `json:"customUnit"`
	StartDate            looseTime      `json:"startDate"`
	DueDate              looseTime      `json:"dueDate"`
	Priority             looseNumber    `json:"priority"`
	ProcrastinationCoeff looseNumber    `json:"procrastinationCoeff"`
	Status               string         `json:"status"`
	DailyProgress        map[string]int `json:"dailyProgress"`
	CreatedAt            looseTime      `json:"createdAt"`
	CompletedAt          *looseTime     `json:"completedAt"`
}

func (lt legacyTask) task() domain.Task {
	unit := lt.Unit
	if unit == "custom" && lt.CustomUnit != "" {
		unit = lt.CustomUnit
	}
	t := domain.Task{
		ID:                   lt.ID,
		Name:                 lt.Name,
		TotalWorkload:        int(lt.TotalWorkload),
		RemainingWorkload:    int(lt.RemainingWorkload),
		Unit:                 unit,
		StartDate:            time.Time(lt.StartDate),
		DueDate:              time.Time(lt.DueDate),
		Priority:             int(lt.Priority),
		ProcrastinationCoeff: float64(lt.ProcrastinationCoeff),
		Status:               domain.Status(lt.Status),
		DailyProgress:        lt.DailyProgress,
		CreatedAt:            time.Time(lt.CreatedAt),
	}
	if lt.CompletedAt != nil && !time.Time(*lt.CompletedAt).IsZero() {
		c := time.Time(*lt.CompletedAt)
		t.CompletedAt = &c
	}
	return t
}

type looseNumber float64

func (n *looseNumber) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*n = 0
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("invalid number %s", b)
	}
	*n = looseNumber(v)
	return nil
}

var looseLayouts = []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02T15:04", "2006-01-02"}

type looseTime time.Time

func (lt *looseTime) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("invalid date %s", b)
	}
	if s == "" {
		*lt = looseTime{}
		return nil
	}
	for _, layout := range looseLayouts {
		// Zone-less layouts are form input values, which were local time.
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			*lt = looseTime(t)
			return nil
		}
	}
	return fmt.Errorf("invalid date %q", s)
}
