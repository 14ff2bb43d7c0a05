package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"lazycal/internal/config"
	"lazycal/internal/db"
	"lazycal/internal/domain"
	"lazycal/internal/events"
	"lazycal/internal/repo"
	"lazycal/internal/schedule"
	"lazycal/internal/store"
)

// Engine owns the task store for a workspace. Other processes may write to the same database,
// so every mutation runs in one write transaction that first reloads the stored tasks, applies
// the change and writes the result back together with its events. If the write fails the store
// is put back the way it was.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
	Logger *log.Logger

	mu    sync.Mutex
	store *store.Store
	// version is the database's data_version when store was last read from it.
	version int64
	synced  bool
}

func New(db *sql.DB, cfg *config.Config) *Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	e := &Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Config: cfg,
		Now:    time.Now,
		Logger: log.Default(),
	}
	e.Events = events.Writer{Now: e.now}
	e.store = e.newStore()
	return e
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// CurrentTime is the engine's notion of now.
func (e *Engine) CurrentTime() time.Time {
	return e.now()
}

func (e *Engine) newStore() *store.Store {
	return store.New(store.Options{
		Now:          e.now,
		ProgressMode: store.ProgressMode(e.Config.Tasks.ProgressMode),
	})
}

func (e *Engine) logf(format string, args ...any) {
	if e.Logger != nil {
		e.Logger.Printf(format, args...)
	}
}

type event struct {
	Type    string
	Kind    string
	ID      string
	Payload events.EventPayload
}

func taskEvent(typ string, t domain.Task, payload events.EventPayload) event {
	return event{Type: typ, Kind: "task", ID: t.ID, Payload: payload}
}

// Load replaces the in-memory store with the persisted one and marks overdue tasks. Unreadable
// data is logged and the engine starts empty rather than failing; writes are refused until the
// stored tasks can be read.
func (e *Engine) Load(ctx context.Context) error {
	e.mu.Lock()
	err := e.reload(ctx, e.DB, e.Repo.LoadSnapshot)
	if err != nil {
		e.store = e.newStore()
	}
	e.mu.Unlock()
	if err != nil {
		e.logf("lazycal: stored tasks unreadable, starting empty: %v", err)
		return nil
	}
	_, err = e.CheckOverdue(ctx)
	return err
}

// Refresh reloads the tasks if another connection has committed since they were last read.
func (e *Engine) Refresh(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, err := db.DataVersion(ctx, e.DB)
	if err != nil {
		return err
	}
	if e.synced && v == e.version {
		return nil
	}
	return e.reload(ctx, e.DB, e.Repo.LoadSnapshot)
}

// reload reads the data version and then the tasks through q. The caller holds e.mu. The store
// is left alone on error.
func (e *Engine) reload(ctx context.Context, q db.RowQueryer, load func(context.Context) (store.Snapshot, error)) error {
	v, err := db.DataVersion(ctx, q)
	if err != nil {
		return err
	}
	snap, err := load(ctx)
	if err != nil {
		return fmt.Errorf("load tasks: %w", err)
	}
	s := e.newStore()
	if err := s.Replace(snap); err != nil {
		return fmt.Errorf("load tasks: %w", err)
	}
	e.store = s
	e.version = v
	e.synced = true
	return nil
}

// mutate runs fn against the stored tasks inside one write transaction. fn returns the events
// describing its change; none means nothing changed and nothing is written. fn must leave the
// store as it found it when it returns an error.
func (e *Engine) mutate(ctx context.Context, fn func(s *store.Store) ([]event, error)) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save tasks: %w", err)
	}
	defer tx.Rollback()
	if err := e.reload(ctx, tx, func(ctx context.Context) (store.Snapshot, error) { return e.Repo.LoadSnapshotTx(ctx, tx) }); err != nil {
		return err
	}
	before := e.store.Snapshot()
	evts, err := fn(e.store)
	if err != nil || len(evts) == 0 {
		return err
	}
	if err := e.persist(ctx, tx, evts); err != nil {
		if rerr := e.store.Replace(before); rerr != nil {
			e.logf("lazycal: restore after failed save: %v", rerr)
		}
		return fmt.Errorf("save tasks: %w", err)
	}
	return nil
}

func (e *Engine) persist(ctx context.Context, tx *sql.Tx, evts []event) error {
	if err := e.Repo.SaveSnapshotTx(ctx, tx, e.store.Snapshot()); err != nil {
		return err
	}
	for _, ev := range evts {
		if err := e.Events.Append(ctx, tx, ev.Type, ev.Kind, ev.ID, ev.Payload); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// TaskCreateOptions are parameters for creating a task. Zero values take the configured
// defaults: the window runs from now for one day.
type TaskCreateOptions struct {
	Name                 string
	TotalWorkload        int
	Unit                 string
	StartDate            time.Time
	DueDate              time.Time
	Priority             int
	ProcrastinationCoeff *float64
}

func (e *Engine) createParams(opts TaskCreateOptions) store.CreateParams {
	p := store.CreateParams{
		Name:          opts.Name,
		TotalWorkload: opts.TotalWorkload,
		Unit:          opts.Unit,
		StartDate:     opts.StartDate,
		DueDate:       opts.DueDate,
		Priority:      opts.Priority,
	}
	if p.Unit == "" {
		p.Unit = e.Config.Tasks.DefaultUnit
	}
	if p.Priority == 0 {
		p.Priority = e.Config.Tasks.DefaultPriority
	}
	if p.StartDate.IsZero() {
		p.StartDate = e.now()
	}
	if p.DueDate.IsZero() {
		p.DueDate = p.StartDate.Add(24 * time.Hour)
	}
	p.ProcrastinationCoeff = e.Config.Tasks.DefaultProcrastination
	if opts.ProcrastinationCoeff != nil {
		p.ProcrastinationCoeff = *opts.ProcrastinationCoeff
	}
	return p
}

func (e *Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, error) {
	var t domain.Task
	err := e.mutate(ctx, func(s *store.Store) ([]event, error) {
		var err error
		if t, err = s.Create(e.createParams(opts)); err != nil {
			return nil, err
		}
		return []event{taskEvent(events.TaskCreated, t, events.EventPayload{
			"name":           t.Name,
			"total_workload": t.TotalWorkload,
			"unit":           t.Unit,
			"due_date":       t.DueDate.Format(time.RFC3339),
		})}, nil
	})
	if err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

func (e *Engine) UpdateTask(ctx context.Context, id string, p store.UpdateParams) (domain.Task, error) {
	var t domain.Task
	err := e.mutate(ctx, func(s *store.Store) ([]event, error) {
		prev, err := s.Get(id)
		if err != nil {
			return nil, err
		}
		if t, err = s.Update(id, p); err != nil {
			return nil, err
		}
		evts := []event{taskEvent(events.TaskUpdated, t, events.EventPayload{
			"name":           t.Name,
			"total_workload": t.TotalWorkload,
			"remaining":      t.RemainingWorkload,
			"daily":          t.AdjustedDailyWorkload,
		})}
		if t.Status == domain.StatusCompleted && prev.Status != domain.StatusCompleted {
			evts = append(evts, taskEvent(events.TaskCompleted, t, nil))
		}
		return evts, nil
	})
	if err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// DeleteTask removes a task. Deleting a missing task is a no-op and reports false.
func (e *Engine) DeleteTask(ctx context.Context, id string) (bool, error) {
	var deleted bool
	err := e.mutate(ctx, func(s *store.Store) ([]event, error) {
		if deleted = s.Delete(id); !deleted {
			return nil, nil
		}
		return []event{{Type: events.TaskDeleted, Kind: "task", ID: id}}, nil
	})
	if err != nil {
		return false, err
	}
	return deleted, nil
}

// RecordProgress logs amount for date's day. A zero date means today.
func (e *Engine) RecordProgress(ctx context.Context, id string, amount int, date time.Time) (domain.Task, error) {
	if date.IsZero() {
		date = e.now()
	}
	var t domain.Task
	err := e.mutate(ctx, func(s *store.Store) ([]event, error) {
		prev, err := s.Get(id)
		if err != nil {
			return nil, err
		}
		if t, err = s.RecordProgress(id, amount, date); err != nil {
			return nil, err
		}
		evts := []event{taskEvent(events.TaskProgress, t, events.EventPayload{
			"date":      schedule.DateKey(date),
			"amount":    amount,
			"remaining": t.RemainingWorkload,
		})}
		if t.Status == domain.StatusCompleted && prev.Status != domain.StatusCompleted {
			evts = append(evts, taskEvent(events.TaskCompleted, t, events.EventPayload{"from_status": prev.Status}))
		}
		return evts, nil
	})
	if err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// CheckOverdue marks overdue tasks as of now and returns the ones it changed.
func (e *Engine) CheckOverdue(ctx context.Context) ([]domain.Task, error) {
	var changed []domain.Task
	err := e.mutate(ctx, func(s *store.Store) ([]event, error) {
		changed = s.CheckOverdue(e.now())
		evts := make([]event, 0, len(changed))
		for _, t := range changed {
			evts = append(evts, taskEvent(events.TaskOverdue, t, events.EventPayload{
				"due_date":  t.DueDate.Format(time.RFC3339),
				"remaining": t.RemainingWorkload,
			}))
		}
		return evts, nil
	})
	if err != nil || len(changed) == 0 {
		return nil, err
	}
	return changed, nil
}

func (e *Engine) RestoreTask(ctx context.Context, id string) (domain.Task, error) {
	var t domain.Task
	err := e.mutate(ctx, func(s *store.Store) ([]event, error) {
		prev, err := s.Get(id)
		if err != nil {
			return nil, err
		}
		if t, err = s.Restore(id); err != nil {
			return nil, err
		}
		return []event{taskEvent(events.TaskRestored, t, events.EventPayload{"from_status": prev.Status, "remaining": t.RemainingWorkload})}, nil
	})
	if err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// DeleteArchived removes one archived task. Active tasks are refused.
func (e *Engine) DeleteArchived(ctx context.Context, id string) error {
	return e.mutate(ctx, func(s *store.Store) ([]event, error) {
		t, err := s.Get(id)
		if err != nil {
			return nil, err
		}
		if !t.Status.Archived() {
			return nil, &store.TransitionError{From: t.Status, To: "deleted"}
		}
		s.Delete(id)
		return []event{{Type: events.TaskDeleted, Kind: "task", ID: id}}, nil
	})
}

func (e *Engine) ClearArchive(ctx context.Context) ([]domain.Task, error) {
	var removed []domain.Task
	err := e.mutate(ctx, func(s *store.Store) ([]event, error) {
		removed = s.ClearArchive()
		if len(removed) == 0 {
			return nil, nil
		}
		ids := make([]string, 0, len(removed))
		for _, t := range removed {
			ids = append(ids, t.ID)
		}
		return []event{{Type: events.ArchiveCleared, Kind: "archive", Payload: events.EventPayload{"task_ids": ids}}}, nil
	})
	if err != nil || len(removed) == 0 {
		return nil, err
	}
	return removed, nil
}

// Settings returns the stored settings, falling back to the configured defaults.
func (e *Engine) Settings(ctx context.Context) (domain.Settings, error) {
	return e.Repo.GetSettings(ctx, e.Config.Settings())
}

func (e *Engine) UpdateSettings(ctx context.Context, s domain.Settings) (domain.Settings, error) {
	c, err := schedule.ParseClock(s.ReminderTime)
	if err != nil {
		return domain.Settings{}, &store.ValidationError{Field: "reminder_time", Reason: err.Error()}
	}
	s.ReminderTime = c.String()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Settings{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpsertSettingsTx(ctx, tx, s); err != nil {
		return domain.Settings{}, err
	}
	if err := e.Events.Append(ctx, tx, events.SettingsUpdated, "settings", "", events.EventPayload{
		"reminder_time":    s.ReminderTime,
		"reminder_enabled": s.ReminderEnabled,
	}); err != nil {
		return domain.Settings{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Settings{}, err
	}
	return s, nil
}

// Export encodes every task as a JSON record set.
func (e *Engine) Export() ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return store.Encode(e.store)
}

// Import replaces all tasks with a decoded record set. Malformed data leaves the current tasks
// in place.
func (e *Engine) Import(ctx context.Context, data []byte) (int, error) {
	loaded, err := store.Decode(data, store.Options{})
	if err != nil {
		return 0, err
	}
	snap := loaded.Snapshot()
	err = e.mutate(ctx, func(s *store.Store) ([]event, error) {
		// Ids issued here must stay reserved even if the import drops them.
		snap.IssuedIDs = append(snap.IssuedIDs, s.Snapshot().IssuedIDs...)
		if err := s.Replace(snap); err != nil {
			return nil, err
		}
		return []event{{Type: events.StoreImported, Kind: "store", Payload: events.EventPayload{"tasks": len(snap.Tasks)}}}, nil
	})
	if err != nil {
		return 0, err
	}
	return len(snap.Tasks), nil
}

func (e *Engine) GetTask(id string) (domain.Task, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.Get(id)
}

func (e *Engine) Tasks() []domain.Task {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.All()
}

func (e *Engine) ActiveTasks() []domain.Task {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.SortedActive()
}

func (e *Engine) TasksForDate(date time.Time) []domain.Task {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.TasksForDate(date)
}

// HasTasksOn reports whether any active task falls on date's day, reading other processes'
// changes first. If they cannot be read the tasks already loaded are used.
func (e *Engine) HasTasksOn(ctx context.Context, date time.Time) bool {
	if err := e.Refresh(ctx); err != nil {
		e.logf("lazycal: refresh tasks: %v", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.HasTasksOn(date)
}

func (e *Engine) DailyFocus(date time.Time) []store.FocusItem {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.DailyFocus(date)
}

func (e *Engine) Calendar(mode store.CalendarMode, anchor time.Time) []store.CalendarDay {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.Calendar(mode, anchor)
}

func (e *Engine) Archive(filter store.ArchiveFilter) []domain.Task {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.Archive(filter)
}

func (e *Engine) Stats() map[domain.Status]int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.Stats()
}

func (e *Engine) ListEvents(ctx context.Context, f repo.EventFilters) ([]domain.Event, error) {
	return e.Repo.LatestEvents(ctx, f)
}

// IsNotFound reports whether err means a task does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound) || errors.Is(err, repo.ErrNotFound)
}
