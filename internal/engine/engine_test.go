package engine_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"lazycal/internal/config"
	"lazycal/internal/db"
	"lazycal/internal/domain"
	"lazycal/internal/engine"
	"lazycal/internal/events"
	"lazycal/internal/migrate"
	"lazycal/internal/repo"
	"lazycal/internal/schedule"
	"lazycal/internal/store"
)

type testEnv struct {
	Engine    *engine.Engine
	Ctx       context.Context
	Workspace string
	Now       time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	env := &testEnv{Ctx: context.Background(), Workspace: dir, Now: time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)}
	env.Engine = env.open(t)
	return env
}

// open returns a fresh engine over the env's workspace, as a new process would.
func (env *testEnv) open(t *testing.T) *engine.Engine {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: env.Workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default())
	eng.Now = func() time.Time { return env.Now }
	if err := eng.Load(env.Ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	return eng
}

func (env *testEnv) create(t *testing.T, name string, total, days int) domain.Task {
	t.Helper()
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		Name:          name,
		TotalWorkload: total,
		StartDate:     env.Now,
		DueDate:       env.Now.AddDate(0, 0, days),
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task
}

func eventTypes(t *testing.T, env *testEnv) []string {
	t.Helper()
	evts, err := env.Engine.ListEvents(env.Ctx, repo.EventFilters{Limit: 100})
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	var out []string
	for i := len(evts) - 1; i >= 0; i-- {
		out = append(out, evts[i].Type)
	}
	return out
}

func TestCreateTaskDefaults(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Name: "Read", TotalWorkload: 3})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if task.Unit != "pages" || task.Priority != 3 || task.ProcrastinationCoeff != 0.5 {
		t.Fatalf("defaults not applied: %+v", task)
	}
	if !task.StartDate.Equal(env.Now) || !task.DueDate.Equal(env.Now.Add(24*time.Hour)) {
		t.Fatalf("unexpected window %s - %s", task.StartDate, task.DueDate)
	}
	if task.DailyWorkload != 3 || task.AdjustedDailyWorkload != 4 {
		t.Fatalf("unexpected workload %d/%d", task.DailyWorkload, task.AdjustedDailyWorkload)
	}
	zero := 0.0
	task, err = env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Name: "Calm", TotalWorkload: 3, ProcrastinationCoeff: &zero})
	if err != nil {
		t.Fatal(err)
	}
	if task.AdjustedDailyWorkload != 3 {
		t.Fatalf("explicit zero coefficient ignored: %+v", task)
	}
}

func TestTasksSurviveReopen(t *testing.T) {
	env := newTestEnv(t)
	task := env.create(t, "Read", 10, 5)
	if _, err := env.Engine.RecordProgress(env.Ctx, task.ID, 4, time.Time{}); err != nil {
		t.Fatalf("progress: %v", err)
	}
	if _, err := env.Engine.UpdateSettings(env.Ctx, domain.Settings{ReminderTime: "8:05", ReminderEnabled: true}); err != nil {
		t.Fatalf("settings: %v", err)
	}

	reopened := env.open(t)
	got, err := reopened.GetTask(task.ID)
	if err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
	if got.RemainingWorkload != 6 || got.DailyProgress["1/1/2024"] != 4 || got.AdjustedDailyWorkload != 3 {
		t.Fatalf("unexpected reloaded task %+v", got)
	}
	if !got.StartDate.Equal(task.StartDate) || !got.CreatedAt.Equal(task.CreatedAt) {
		t.Fatalf("dates changed across reopen")
	}
	settings, err := reopened.Settings(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if settings.ReminderTime != "08:05" || !settings.ReminderEnabled {
		t.Fatalf("unexpected settings %+v", settings)
	}
}

func TestDeletedIDNotReusedAfterReopen(t *testing.T) {
	env := newTestEnv(t)
	task := env.create(t, "Gone", 1, 1)
	if ok, err := env.Engine.DeleteTask(env.Ctx, task.ID); err != nil || !ok {
		t.Fatalf("delete: %v %v", ok, err)
	}
	if ok, err := env.Engine.DeleteTask(env.Ctx, task.ID); err != nil || ok {
		t.Fatalf("second delete should be a no-op: %v %v", ok, err)
	}
	reopened := env.open(t)
	data, err := reopened.Export()
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), task.ID) {
		t.Fatalf("deleted id not kept in issued ids: %s", data)
	}
}

func TestLoadMarksOverdue(t *testing.T) {
	env := newTestEnv(t)
	late := env.create(t, "Late", 10, 1)
	env.create(t, "Fine", 10, 10)

	env.Now = env.Now.AddDate(0, 0, 3)
	reopened := env.open(t)
	got, _ := reopened.GetTask(late.ID)
	if got.Status != domain.StatusOverdue {
		t.Fatalf("expected overdue after load, got %s", got.Status)
	}
	if changed, err := reopened.CheckOverdue(env.Ctx); err != nil || len(changed) != 0 {
		t.Fatalf("second check should be a no-op: %v %v", changed, err)
	}
	env.Engine = reopened
	types := eventTypes(t, env)
	if types[len(types)-1] != events.TaskOverdue {
		t.Fatalf("expected overdue event last, got %v", types)
	}
}

func TestProgressLifecycleEvents(t *testing.T) {
	env := newTestEnv(t)
	task := env.create(t, "Read", 4, 2)
	if _, err := env.Engine.RecordProgress(env.Ctx, task.ID, 4, env.Now); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.RestoreTask(env.Ctx, task.ID); err != nil {
		t.Fatal(err)
	}
	want := []string{events.TaskCreated, events.TaskProgress, events.TaskCompleted, events.TaskRestored}
	got := eventTypes(t, env)
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("expected events %v, got %v", want, got)
	}
	restored, _ := env.Engine.GetTask(task.ID)
	if restored.Status != domain.StatusActive || restored.RemainingWorkload != 1 {
		t.Fatalf("unexpected restored task %+v", restored)
	}
}

func TestErrorsLeaveNoTrace(t *testing.T) {
	env := newTestEnv(t)
	task := env.create(t, "Read", 4, 2)
	var ve *store.ValidationError
	if _, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Name: "", TotalWorkload: 1}); !errors.As(err, &ve) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := env.Engine.RecordProgress(env.Ctx, "missing", 1, env.Now); !engine.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	var te *store.TransitionError
	if _, err := env.Engine.RestoreTask(env.Ctx, task.ID); !errors.As(err, &te) {
		t.Fatalf("expected transition error, got %v", err)
	}
	if err := env.Engine.DeleteArchived(env.Ctx, task.ID); !errors.As(err, &te) {
		t.Fatalf("expected active task to be refused, got %v", err)
	}
	if got := eventTypes(t, env); len(got) != 1 {
		t.Fatalf("failed operations appended events: %v", got)
	}
}

func TestFailedSaveRollsBackStore(t *testing.T) {
	env := newTestEnv(t)
	task := env.create(t, "Read", 10, 5)
	env.Engine.DB.Close()

	if _, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Name: "Lost", TotalWorkload: 1}); err == nil {
		t.Fatalf("expected save error")
	}
	if _, err := env.Engine.RecordProgress(env.Ctx, task.ID, 5, env.Now); err == nil {
		t.Fatalf("expected save error")
	}
	all := env.Engine.Tasks()
	if len(all) != 1 || all[0].RemainingWorkload != 10 {
		t.Fatalf("store not rolled back: %+v", all)
	}
}

func TestClearArchiveAndDeleteArchived(t *testing.T) {
	env := newTestEnv(t)
	keep := env.create(t, "Keep", 10, 10)
	a := env.create(t, "A", 1, 10)
	b := env.create(t, "B", 1, 10)
	env.Engine.RecordProgress(env.Ctx, a.ID, 1, env.Now)
	env.Engine.RecordProgress(env.Ctx, b.ID, 1, env.Now)

	if err := env.Engine.DeleteArchived(env.Ctx, a.ID); err != nil {
		t.Fatalf("delete archived: %v", err)
	}
	removed, err := env.Engine.ClearArchive(env.Ctx)
	if err != nil || len(removed) != 1 || removed[0].ID != b.ID {
		t.Fatalf("unexpected clear result %+v %v", removed, err)
	}
	if removed, err := env.Engine.ClearArchive(env.Ctx); err != nil || len(removed) != 0 {
		t.Fatalf("second clear should be a no-op")
	}
	reopened := env.open(t)
	all := reopened.Tasks()
	if len(all) != 1 || all[0].ID != keep.ID {
		t.Fatalf("unexpected tasks after reopen %+v", all)
	}
}

func TestImportExport(t *testing.T) {
	env := newTestEnv(t)
	env.create(t, "Read", 10, 5)
	data, err := env.Engine.Export()
	if err != nil {
		t.Fatal(err)
	}

	other := &testEnv{Ctx: env.Ctx, Workspace: t.TempDir(), Now: env.Now}
	other.Engine = other.open(t)
	n, err := other.Engine.Import(other.Ctx, data)
	if err != nil || n != 1 {
		t.Fatalf("import: %d %v", n, err)
	}
	if _, err := other.Engine.Import(other.Ctx, []byte("{not json")); err == nil {
		t.Fatalf("expected malformed import to fail")
	}
	if len(other.Engine.Tasks()) != 1 {
		t.Fatalf("malformed import replaced tasks")
	}

	legacy := `[{"id":"1","name":"Essay","totalWorkload":"6","remainingWorkload":6,"unit":"pages",
		"startDate":"2024-01-01T09:00:00.000Z","dueDate":"2024-01-04T09:00:00.000Z","priority":"2",
		"procrastinationCoeff":"0","status":"active","dailyProgress":{},"createdAt":"2024-01-01T09:00:00.000Z"}]`
	if n, err := other.Engine.Import(other.Ctx, []byte(legacy)); err != nil || n != 1 {
		t.Fatalf("legacy import: %d %v", n, err)
	}
	got, err := other.Engine.GetTask("1")
	if err != nil || got.DailyWorkload != 2 {
		t.Fatalf("unexpected legacy task %+v %v", got, err)
	}
}

func TestUpdateSettingsValidates(t *testing.T) {
	env := newTestEnv(t)
	var ve *store.ValidationError
	if _, err := env.Engine.UpdateSettings(env.Ctx, domain.Settings{ReminderTime: "7pm"}); !errors.As(err, &ve) {
		t.Fatalf("expected validation error, got %v", err)
	}
	s, err := env.Engine.Settings(env.Ctx)
	if err != nil || s.ReminderTime != "17:00" {
		t.Fatalf("expected configured default, got %+v %v", s, err)
	}
}

func TestEnginesSharingWorkspaceKeepEachOthersWrites(t *testing.T) {
	env := newTestEnv(t)
	server := env.Engine
	cli := env.open(t)

	fromCLI, err := cli.CreateTask(env.Ctx, engine.TaskCreateOptions{Name: "from-cli", TotalWorkload: 4})
	if err != nil {
		t.Fatal(err)
	}
	fromServer, err := server.CreateTask(env.Ctx, engine.TaskCreateOptions{Name: "from-server", TotalWorkload: 4})
	if err != nil {
		t.Fatal(err)
	}
	if fromCLI.ID == fromServer.ID {
		t.Fatalf("both engines issued id %s", fromCLI.ID)
	}
	if _, err := server.RecordProgress(env.Ctx, fromCLI.ID, 1, env.Now); err != nil {
		t.Fatalf("server cannot update a task created elsewhere: %v", err)
	}
	if _, err := cli.RecordProgress(env.Ctx, fromServer.ID, 2, env.Now); err != nil {
		t.Fatalf("cli cannot update a task created elsewhere: %v", err)
	}

	reopened := env.open(t)
	want := map[string]int{fromCLI.ID: 3, fromServer.ID: 2}
	all := reopened.Tasks()
	if len(all) != len(want) {
		t.Fatalf("expected %d tasks, got %+v", len(want), all)
	}
	for _, task := range all {
		if task.RemainingWorkload != want[task.ID] {
			t.Fatalf("task %s: expected remaining %d, got %d", task.Name, want[task.ID], task.RemainingWorkload)
		}
	}
}

func TestRefreshReadsOtherWriters(t *testing.T) {
	env := newTestEnv(t)
	cli := env.open(t)
	if err := env.Engine.Refresh(env.Ctx); err != nil {
		t.Fatal(err)
	}
	task, err := cli.CreateTask(env.Ctx, engine.TaskCreateOptions{Name: "Read", TotalWorkload: 2})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.GetTask(task.ID); !engine.IsNotFound(err) {
		t.Fatalf("expected reads to use loaded tasks until refreshed, got %v", err)
	}
	if err := env.Engine.Refresh(env.Ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.GetTask(task.ID); err != nil {
		t.Fatalf("refresh missed task: %v", err)
	}
}

func TestProgressCreditSurvivesReopen(t *testing.T) {
	env := newTestEnv(t)
	task := env.create(t, "Read", 10, 5)
	env.Engine.Config.Tasks.ProgressMode = string(store.ProgressDelta)
	if _, err := env.Engine.RecordProgress(env.Ctx, task.ID, 4, env.Now); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.RecordProgress(env.Ctx, task.ID, 1, env.Now); err != nil {
		t.Fatal(err)
	}

	reopened := env.open(t)
	reopened.Config.Tasks.ProgressMode = string(store.ProgressDelta)
	got, err := reopened.RecordProgress(env.Ctx, task.ID, 4, env.Now)
	if err != nil {
		t.Fatal(err)
	}
	if got.RemainingWorkload != 6 || got.DailyProgress[schedule.DateKey(env.Now)] != 4 {
		t.Fatalf("day credited twice after reopen: %+v", got)
	}
}

func TestDeleteArchivedChecksStoredStatus(t *testing.T) {
	env := newTestEnv(t)
	task := env.create(t, "Read", 2, 5)
	if _, err := env.Engine.RecordProgress(env.Ctx, task.ID, 2, env.Now); err != nil {
		t.Fatal(err)
	}
	cli := env.open(t)
	if _, err := cli.RestoreTask(env.Ctx, task.ID); err != nil {
		t.Fatalf("restore: %v", err)
	}

	var te *store.TransitionError
	if err := env.Engine.DeleteArchived(env.Ctx, task.ID); !errors.As(err, &te) {
		t.Fatalf("expected restored task to be refused, got %v", err)
	}
	if got, err := env.open(t).GetTask(task.ID); err != nil || got.Status != domain.StatusActive {
		t.Fatalf("restored task lost: %+v %v", got, err)
	}
}

func TestDeleteArchivedRacingRestore(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 20; i++ {
		task := env.create(t, "Read", 1, 5)
		if _, err := env.Engine.RecordProgress(env.Ctx, task.ID, 1, env.Now); err != nil {
			t.Fatal(err)
		}
		var wg sync.WaitGroup
		var restoreErr, deleteErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, restoreErr = env.Engine.RestoreTask(env.Ctx, task.ID)
		}()
		go func() {
			defer wg.Done()
			deleteErr = env.Engine.DeleteArchived(env.Ctx, task.ID)
		}()
		wg.Wait()

		got, err := env.Engine.GetTask(task.ID)
		switch {
		case deleteErr == nil && restoreErr == nil:
			t.Fatalf("restored task was deleted")
		case deleteErr == nil:
			if !engine.IsNotFound(err) || !engine.IsNotFound(restoreErr) {
				t.Fatalf("unexpected state after delete: %+v %v %v", got, err, restoreErr)
			}
		case restoreErr == nil:
			if err != nil || got.Status != domain.StatusActive {
				t.Fatalf("restored task changed: %+v %v", got, err)
			}
		default:
			t.Fatalf("both operations failed: %v / %v", restoreErr, deleteErr)
		}
	}
}
