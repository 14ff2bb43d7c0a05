package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"lazycal/internal/domain"
	"lazycal/internal/store"
)

type Repo struct {
	DB *sql.DB
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

var ErrNotFound = errors.New("not found")

const timeLayout = time.RFC3339Nano

const (
	settingReminderTime    = "reminder_time"
	settingReminderEnabled = "reminder_enabled"
)

// SaveSnapshotTx replaces every persisted task with snap. Issued ids are only ever added.
func (r Repo) SaveSnapshotTx(ctx context.Context, tx *sql.Tx, snap store.Snapshot) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM task_progress`); err != nil {
		return fmt.Errorf("clear progress: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM tasks`); err != nil {
		return fmt.Errorf("clear tasks: %w", err)
	}
	for i, t := range snap.Tasks {
		if err := insertTask(ctx, tx, i, t); err != nil {
			return fmt.Errorf("save task %s: %w", t.ID, err)
		}
	}
	for _, id := range snap.IssuedIDs {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO issued_ids(id) VALUES (?)`, id); err != nil {
			return fmt.Errorf("save issued id: %w", err)
		}
	}
	return nil
}

func insertTask(ctx context.Context, tx *sql.Tx, pos int, t domain.Task) error {
	var completed any
	if t.CompletedAt != nil {
		completed = t.CompletedAt.Format(timeLayout)
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO tasks(id,position,name,total_workload,remaining_workload,unit,start_date,due_date,priority,procrastination_coeff,status,created_at,completed_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, pos, t.Name, t.TotalWorkload, t.RemainingWorkload, t.Unit,
		t.StartDate.Format(timeLayout), t.DueDate.Format(timeLayout), t.Priority, t.ProcrastinationCoeff,
		string(t.Status), t.CreatedAt.Format(timeLayout), completed)
	if err != nil {
		return err
	}
	for key, amount := range t.DailyProgress {
		credited := max(amount, t.CreditedProgress[key])
		if _, err := tx.ExecContext(ctx, `INSERT INTO task_progress(task_id,day_key,amount,credited) VALUES (?,?,?,?)`,
			t.ID, key, amount, credited); err != nil {
			return err
		}
	}
	return nil
}

// LoadSnapshot reads every persisted task in insertion order. Derived workloads are left
// zero; the store recomputes them on Replace.
func (r Repo) LoadSnapshot(ctx context.Context) (store.Snapshot, error) {
	return loadSnapshot(ctx, r.DB)
}

// LoadSnapshotTx is LoadSnapshot read through tx, so a following SaveSnapshotTx writes on top of
// exactly what was read.
func (r Repo) LoadSnapshotTx(ctx context.Context, tx *sql.Tx) (store.Snapshot, error) {
	return loadSnapshot(ctx, tx)
}

func loadSnapshot(ctx context.Context, q queryer) (store.Snapshot, error) {
	var snap store.Snapshot
	rows, err := q.QueryContext(ctx, `SELECT id,name,total_workload,remaining_workload,unit,start_date,due_date,priority,procrastination_coeff,status,created_at,completed_at
FROM tasks ORDER BY position ASC`)
	if err != nil {
		return snap, err
	}
	defer rows.Close()
	index := map[string]int{}
	for rows.Next() {
		var (
			t                   domain.Task
			status              string
			start, due, created string
			completed           sql.NullString
		)
		if err := rows.Scan(&t.ID, &t.Name, &t.TotalWorkload, &t.RemainingWorkload, &t.Unit, &start, &due,
			&t.Priority, &t.ProcrastinationCoeff, &status, &created, &completed); err != nil {
			return snap, err
		}
		t.Status = domain.Status(status)
		if t.StartDate, err = parseTime(start); err != nil {
			return snap, fmt.Errorf("task %s start_date: %w", t.ID, err)
		}
		if t.DueDate, err = parseTime(due); err != nil {
			return snap, fmt.Errorf("task %s due_date: %w", t.ID, err)
		}
		if t.CreatedAt, err = parseTime(created); err != nil {
			return snap, fmt.Errorf("task %s created_at: %w", t.ID, err)
		}
		if completed.Valid {
			c, err := parseTime(completed.String)
			if err != nil {
				return snap, fmt.Errorf("task %s completed_at: %w", t.ID, err)
			}
			t.CompletedAt = &c
		}
		t.DailyProgress = map[string]int{}
		t.CreditedProgress = map[string]int{}
		index[t.ID] = len(snap.Tasks)
		snap.Tasks = append(snap.Tasks, t)
	}
	if err := rows.Err(); err != nil {
		return snap, err
	}
	rows.Close()

	progress, err := q.QueryContext(ctx, `SELECT task_id,day_key,amount,credited FROM task_progress`)
	if err != nil {
		return snap, err
	}
	defer progress.Close()
	for progress.Next() {
		var (
			id, key          string
			amount, credited int
		)
		if err := progress.Scan(&id, &key, &amount, &credited); err != nil {
			return snap, err
		}
		if i, ok := index[id]; ok {
			snap.Tasks[i].DailyProgress[key] = amount
			snap.Tasks[i].CreditedProgress[key] = credited
		}
	}
	if err := progress.Err(); err != nil {
		return snap, err
	}

	progress.Close()

	ids, err := q.QueryContext(ctx, `SELECT id FROM issued_ids ORDER BY id`)
	if err != nil {
		return snap, err
	}
	defer ids.Close()
	for ids.Next() {
		var id string
		if err := ids.Scan(&id); err != nil {
			return snap, err
		}
		snap.IssuedIDs = append(snap.IssuedIDs, id)
	}
	return snap, ids.Err()
}

func parseTime(v string) (time.Time, error) {
	t, err := time.Parse(timeLayout, v)
	if err != nil {
		return time.Time{}, err
	}
	return t.Local(), nil
}

// GetSettings returns the stored settings. Missing keys keep the values in def.
func (r Repo) GetSettings(ctx context.Context, def domain.Settings) (domain.Settings, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT key,value FROM settings`)
	if err != nil {
		return def, err
	}
	defer rows.Close()
	out := def
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return def, err
		}
		switch k {
		case settingReminderTime:
			out.ReminderTime = v
		case settingReminderEnabled:
			b, err := strconv.ParseBool(v)
			if err != nil {
				return def, fmt.Errorf("setting %s: %w", k, err)
			}
			out.ReminderEnabled = b
		}
	}
	return out, rows.Err()
}

func (r Repo) UpsertSettingsTx(ctx context.Context, tx *sql.Tx, s domain.Settings) error {
	values := map[string]string{
		settingReminderTime:    s.ReminderTime,
		settingReminderEnabled: strconv.FormatBool(s.ReminderEnabled),
	}
	for k, v := range values {
		if _, err := tx.ExecContext(ctx, `INSERT INTO settings(key,value) VALUES (?,?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value`, k, v); err != nil {
			return err
		}
	}
	return nil
}

type EventFilters struct {
	Type     string
	EntityID string
	Limit    int
	Cursor   int64
}

// LatestEvents returns events newest first. A positive Cursor returns only older events.
func (r Repo) LatestEvents(ctx context.Context, f EventFilters) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.EntityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, f.EntityID)
	}
	if f.Cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.Cursor)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,entity_kind,entity_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.queryEvents(ctx, `SELECT id,ts,type,entity_kind,entity_id,payload_json FROM events WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
}

func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := r.DB.QueryRowContext(ctx, `SELECT MAX(id) FROM events`).Scan(&id); err != nil {
		return 0, err
	}
	return id.Int64, nil
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var entityID sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &entityID, &e.Payload); err != nil {
			return nil, err
		}
		e.EntityID = entityID.String
		res = append(res, e)
	}
	return res, rows.Err()
}
