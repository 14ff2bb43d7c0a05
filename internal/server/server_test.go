package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"lazycal/internal/config"
	"lazycal/internal/db"
	"lazycal/internal/domain"
	"lazycal/internal/engine"
	"lazycal/internal/migrate"
	"lazycal/internal/reminder"
)

var testNow = time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)

type testServer struct {
	URL       string
	Engine    *engine.Engine
	Workspace string
	client    *http.Client
	close     func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T, cfg Config) *testServer {
	t.Helper()
	workspace := t.TempDir()
	e := openEngine(t, workspace)
	cfg.Engine = e
	handler, err := New(cfg)
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:       "http://" + ln.Addr().String(),
		Engine:    e,
		Workspace: workspace,
		client:    &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
		},
	}
	t.Cleanup(testSrv.Close)
	return testSrv
}

// openEngine opens the workspace the way a separate lazycal process would.
func openEngine(t *testing.T, workspace string) *engine.Engine {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default())
	e.Now = func() time.Time { return testNow }
	if err := e.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	return e
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

type errorEnvelope struct {
	Error apiErrorBody `json:"error"`
}

func expectError(t *testing.T, res *http.Response, data []byte, status int, code string) {
	t.Helper()
	if res.StatusCode != status {
		t.Fatalf("expected status %d, got %d: %s", status, res.StatusCode, data)
	}
	var env errorEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, data)
	}
	if code != "" && env.Error.Code != code {
		t.Fatalf("expected code %s, got %s (%s)", code, env.Error.Code, data)
	}
}

func createTask(t *testing.T, srv *testServer, body map[string]any) TaskResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/tasks", body, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create task status %d: %s", res.StatusCode, data)
	}
	var created TaskResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal task: %v", err)
	}
	return created
}

func TestTaskLifecycle(t *testing.T) {
	srv := newTestServer(t, Config{})
	client := srv.Client()
	created := createTask(t, srv, map[string]any{
		"name":                  "Read book",
		"total_workload":        10,
		"start_date":            testNow.Format(time.RFC3339),
		"due_date":              testNow.AddDate(0, 0, 3).Format(time.RFC3339),
		"procrastination_coeff": 0.5,
	})
	if created.DailyWorkload != 4 || created.AdjustedDailyWorkload != 6 || created.Status != domain.StatusActive {
		t.Fatalf("unexpected created task %+v", created)
	}

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/tasks/"+created.ID+"/progress", map[string]any{"amount": 4}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("progress status %d: %s", res.StatusCode, data)
	}
	var progressed TaskResponse
	_ = json.Unmarshal(data, &progressed)
	if progressed.RemainingWorkload != 6 || progressed.ProgressPercent != 40 || progressed.DailyProgress["3/4/2024"] != 4 {
		t.Fatalf("unexpected progressed task %+v", progressed)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/today", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("today status %d: %s", res.StatusCode, data)
	}
	var today TodayResponse
	_ = json.Unmarshal(data, &today)
	if today.Date != "2024-03-04" || len(today.Items) != 1 || today.Items[0].Done != 4 || today.Items[0].Target != 6 {
		t.Fatalf("unexpected today %+v", today)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/tasks/"+created.ID+"/progress", map[string]any{"amount": 6, "date": "2024-03-05"}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("progress status %d: %s", res.StatusCode, data)
	}
	var done TaskResponse
	_ = json.Unmarshal(data, &done)
	if done.Status != domain.StatusCompleted || done.CompletedAt == nil {
		t.Fatalf("expected completed task, got %+v", done)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/archive?filter=completed", nil, nil)
	var archive paginatedTasks
	_ = json.Unmarshal(data, &archive)
	if res.StatusCode != http.StatusOK || len(archive.Items) != 1 {
		t.Fatalf("unexpected archive %d %s", res.StatusCode, data)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/tasks/"+created.ID+"/restore", nil, nil)
	var restored TaskResponse
	_ = json.Unmarshal(data, &restored)
	if res.StatusCode != http.StatusOK || restored.Status != domain.StatusActive || restored.RemainingWorkload != 1 {
		t.Fatalf("unexpected restore %d %s", res.StatusCode, data)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/tasks/"+created.ID+"/restore", nil, nil)
	expectError(t, res, data, http.StatusConflict, "invalid_transition")

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/events?type=task.completed", nil, nil)
	var evts paginatedEvents
	_ = json.Unmarshal(data, &evts)
	if res.StatusCode != http.StatusOK || len(evts.Items) != 1 || evts.Items[0].EntityID != created.ID {
		t.Fatalf("unexpected events %d %s", res.StatusCode, data)
	}
}

func TestCreateTaskValidation(t *testing.T) {
	srv := newTestServer(t, Config{})
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/tasks", map[string]any{
		"name":           "Backwards",
		"total_workload": 5,
		"start_date":     testNow.Format(time.RFC3339),
		"due_date":       testNow.Add(-time.Hour).Format(time.RFC3339),
	}, nil)
	expectError(t, res, data, http.StatusBadRequest, "validation_failed")

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/tasks", map[string]any{"name": "No workload"}, nil)
	expectError(t, res, data, http.StatusBadRequest, "")

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/tasks", nil, nil)
	var list paginatedTasks
	_ = json.Unmarshal(data, &list)
	if res.StatusCode != http.StatusOK || len(list.Items) != 0 {
		t.Fatalf("failed creates left tasks behind: %s", data)
	}
}

func TestUpdateAndDelete(t *testing.T) {
	srv := newTestServer(t, Config{})
	client := srv.Client()
	created := createTask(t, srv, map[string]any{"name": "Essay", "total_workload": 8})

	res, data := doJSON(t, client, http.MethodPatch, srv.URL+"/v1/tasks/"+created.ID, map[string]any{"priority": 5, "unit": "words"}, nil)
	var updated TaskResponse
	_ = json.Unmarshal(data, &updated)
	if res.StatusCode != http.StatusOK || updated.Priority != 5 || updated.Unit != "words" || updated.Name != "Essay" {
		t.Fatalf("unexpected update %d %s", res.StatusCode, data)
	}

	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/v1/tasks/missing", map[string]any{"priority": 2}, nil)
	expectError(t, res, data, http.StatusNotFound, "not_found")

	for i, want := range []bool{true, false} {
		res, data = doJSON(t, client, http.MethodDelete, srv.URL+"/v1/tasks/"+created.ID, nil, nil)
		var del DeleteResponse
		_ = json.Unmarshal(data, &del)
		if res.StatusCode != http.StatusOK || del.Deleted != want {
			t.Fatalf("delete %d: expected deleted=%v, got %d %s", i, want, res.StatusCode, data)
		}
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/tasks/"+created.ID, nil, nil)
	expectError(t, res, data, http.StatusNotFound, "not_found")
}

func TestOverdueAndArchive(t *testing.T) {
	srv := newTestServer(t, Config{})
	client := srv.Client()
	late := createTask(t, srv, map[string]any{
		"name":           "Late",
		"total_workload": 5,
		"start_date":     testNow.AddDate(0, 0, -5).Format(time.RFC3339),
		"due_date":       testNow.AddDate(0, 0, -2).Format(time.RFC3339),
	})
	active := createTask(t, srv, map[string]any{"name": "Active", "total_workload": 5})

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/tasks/overdue-check", nil, nil)
	var changed paginatedTasks
	_ = json.Unmarshal(data, &changed)
	if res.StatusCode != http.StatusOK || len(changed.Items) != 1 || changed.Items[0].ID != late.ID {
		t.Fatalf("unexpected overdue check %d %s", res.StatusCode, data)
	}

	res, data = doJSON(t, client, http.MethodDelete, srv.URL+"/v1/archive/"+active.ID, nil, nil)
	expectError(t, res, data, http.StatusConflict, "invalid_transition")

	res, data = doJSON(t, client, http.MethodDelete, srv.URL+"/v1/archive", nil, nil)
	var removed paginatedTasks
	_ = json.Unmarshal(data, &removed)
	if res.StatusCode != http.StatusOK || len(removed.Items) != 1 {
		t.Fatalf("unexpected clear %d %s", res.StatusCode, data)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/stats", nil, nil)
	var stats map[string]int
	_ = json.Unmarshal(data, &stats)
	if res.StatusCode != http.StatusOK || stats["active"] != 1 || stats["overdue"] != 0 {
		t.Fatalf("unexpected stats %s", data)
	}
}

func TestCalendar(t *testing.T) {
	srv := newTestServer(t, Config{})
	createTask(t, srv, map[string]any{"name": "Read", "total_workload": 2})

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/calendar?mode=month&date=2024-03-15", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("calendar status %d: %s", res.StatusCode, data)
	}
	var cal CalendarResponse
	_ = json.Unmarshal(data, &cal)
	if cal.Mode != "month" || len(cal.Days) != 42 || cal.Days[0].Date != "2024-02-25" {
		t.Fatalf("unexpected month grid %+v", cal.Days[0])
	}
	for _, d := range cal.Days {
		want := 0
		if d.Date == "2024-03-04" || d.Date == "2024-03-05" {
			want = 1
		}
		if len(d.Tasks) != want {
			t.Fatalf("%s: expected %d tasks, got %d", d.Date, want, len(d.Tasks))
		}
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/calendar?date=not-a-day", nil, nil)
	expectError(t, res, data, http.StatusBadRequest, "bad_request")
}

type recordingTicker struct {
	mu      sync.Mutex
	created int
}

func (r *recordingTicker) newTicker(time.Duration) reminder.Ticker {
	r.mu.Lock()
	r.created++
	r.mu.Unlock()
	return idleTicker{}
}

func (r *recordingTicker) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.created
}

type idleTicker struct{}

func (idleTicker) C() <-chan time.Time { return nil }
func (idleTicker) Stop()               {}

func TestSettingsReconfigureReminder(t *testing.T) {
	rec := &recordingTicker{}
	rem := reminder.New(fakeSource{}, func(context.Context, time.Time) {}, reminder.Options{NewTicker: rec.newTicker})
	t.Cleanup(rem.Stop)
	srv := newTestServer(t, Config{Reminder: rem})

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/settings", nil, nil)
	var s domain.Settings
	_ = json.Unmarshal(data, &s)
	if res.StatusCode != http.StatusOK || s.ReminderTime != "17:00" {
		t.Fatalf("unexpected settings %d %s", res.StatusCode, data)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPut, srv.URL+"/v1/settings", map[string]any{"reminder_time": "7:30"}, nil)
	_ = json.Unmarshal(data, &s)
	if res.StatusCode != http.StatusOK || s.ReminderTime != "07:30" || !s.ReminderEnabled {
		t.Fatalf("unexpected update %d %s", res.StatusCode, data)
	}
	if !rem.Running() || rec.count() != 1 {
		t.Fatalf("reminder not reconfigured (created=%d)", rec.count())
	}

	res, data = doJSON(t, srv.Client(), http.MethodPut, srv.URL+"/v1/settings", map[string]any{"reminder_time": "late"}, nil)
	expectError(t, res, data, http.StatusBadRequest, "validation_failed")
	if rec.count() != 1 {
		t.Fatalf("invalid settings touched the reminder")
	}
}

type fakeSource struct{}

func (fakeSource) HasTasksOn(context.Context, time.Time) bool { return true }

func TestJWTAuth(t *testing.T) {
	secret := "test-secret"
	srv := newTestServer(t, Config{Auth: AuthConfig{JWTSecret: secret}})
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health should be open: %d %s", res.StatusCode, data)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/tasks", nil, nil)
	expectError(t, res, data, http.StatusUnauthorized, "unauthorized")

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/tasks", nil, map[string]string{"Authorization": "Bearer nope"})
	expectError(t, res, data, http.StatusUnauthorized, "invalid_credentials")

	token, err := IssueToken(secret, "alice", time.Hour, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	headers := map[string]string{"Authorization": "Bearer " + token}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/me", nil, headers)
	var me map[string]string
	_ = json.Unmarshal(data, &me)
	if res.StatusCode != http.StatusOK || me["subject"] != "alice" {
		t.Fatalf("unexpected me %d %s", res.StatusCode, data)
	}

	expired, err := IssueToken(secret, "alice", time.Minute, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/tasks", nil, map[string]string{"Authorization": "Bearer " + expired})
	expectError(t, res, data, http.StatusUnauthorized, "invalid_credentials")
}

func TestReminderWebhook(t *testing.T) {
	received := make(chan reminderEvent, 1)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var evt reminderEvent
		_ = json.NewDecoder(r.Body).Decode(&evt)
		if r.Header.Get("X-Lazycal-Secret") != "s3cret" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		received <- evt
	}))
	defer hook.Close()

	srv := newTestServer(t, Config{})
	createTask(t, srv, map[string]any{"name": "Read", "total_workload": 2})
	var logs bytes.Buffer
	n := NewReminderNotifier(srv.Engine, config.WebhookConfig{URL: hook.URL, Secret: "s3cret"}, log.New(&logs, "", 0))
	n.Notify(context.Background(), testNow)

	select {
	case evt := <-received:
		if evt.Type != "reminder" || evt.Date != "3/4/2024" || len(evt.Items) != 1 || evt.Items[0].Target != 3 {
			t.Fatalf("unexpected reminder payload %+v", evt)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("webhook not called")
	}
	if !bytes.Contains(logs.Bytes(), []byte("1 task(s) scheduled today")) {
		t.Fatalf("reminder not logged: %s", logs.String())
	}
}
