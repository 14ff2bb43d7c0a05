package lazycalsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal lazycal HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Task represents the API task model.
type Task struct {
	ID                    string         `json:"id"`
	Name                  string         `json:"name"`
	TotalWorkload         int            `json:"total_workload"`
	RemainingWorkload     int            `json:"remaining_workload"`
	Unit                  string         `json:"unit"`
	StartDate             time.Time      `json:"start_date"`
	DueDate               time.Time      `json:"due_date"`
	Priority              int            `json:"priority"`
	ProcrastinationCoeff  float64        `json:"procrastination_coeff"`
	Status                string         `json:"status"`
	DailyProgress         map[string]int `json:"daily_progress"`
	DailyWorkload         int            `json:"daily_workload"`
	AdjustedDailyWorkload int            `json:"adjusted_daily_workload"`
	CompletedWorkload     int            `json:"completed_workload"`
	ProgressPercent       int            `json:"progress_percent"`
	CreatedAt             time.Time      `json:"created_at"`
	CompletedAt           *time.Time     `json:"completed_at,omitempty"`
}

// NewTask is the create payload; zero fields take the server's defaults.
type NewTask struct {
	Name                 string     `json:"name"`
	TotalWorkload        int        `json:"total_workload"`
	Unit                 string     `json:"unit,omitempty"`
	StartDate            *time.Time `json:"start_date,omitempty"`
	DueDate              *time.Time `json:"due_date,omitempty"`
	Priority             int        `json:"priority,omitempty"`
	ProcrastinationCoeff *float64   `json:"procrastination_coeff,omitempty"`
}

// FocusItem is one entry of a day's focus list.
type FocusItem struct {
	Task   Task `json:"task"`
	Target int  `json:"target"`
	Done   int  `json:"done"`
}

type Today struct {
	Date  string      `json:"date"`
	Items []FocusItem `json:"items"`
}

type CalendarDay struct {
	Date     string `json:"date"`
	Key      string `json:"key"`
	InPeriod bool   `json:"in_period"`
	Tasks    []Task `json:"tasks"`
}

type Calendar struct {
	Mode string        `json:"mode"`
	Days []CalendarDay `json:"days"`
}

type Settings struct {
	ReminderTime    string `json:"reminder_time"`
	ReminderEnabled bool   `json:"reminder_enabled"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	Payload    map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d code=%s body=%s", e.StatusCode, e.Code, e.Body)
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

type taskList struct {
	Items []Task `json:"items"`
}

// CreateTask creates a task.
func (c *Client) CreateTask(ctx context.Context, in NewTask) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, "tasks", in, &resp)
	return resp, err
}

// Task fetches one task by id.
func (c *Client) Task(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, "tasks/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// Tasks lists active tasks in focus order, or every task when all is set.
func (c *Client) Tasks(ctx context.Context, all bool) ([]Task, error) {
	endpoint := "tasks"
	if all {
		endpoint += "?all=true"
	}
	var resp taskList
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// UpdateTask patches the given fields, e.g. {"priority": 5}.
func (c *Client) UpdateTask(ctx context.Context, id string, fields map[string]any) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPatch, "tasks/"+url.PathEscape(id), fields, &resp)
	return resp, err
}

// DeleteTask reports whether a task was removed.
func (c *Client) DeleteTask(ctx context.Context, id string) (bool, error) {
	var resp struct {
		Deleted bool `json:"deleted"`
	}
	err := c.do(ctx, http.MethodDelete, "tasks/"+url.PathEscape(id), nil, &resp)
	return resp.Deleted, err
}

// RecordProgress logs amount for day (YYYY-MM-DD); an empty day means today.
func (c *Client) RecordProgress(ctx context.Context, id string, amount int, day string) (Task, error) {
	body := map[string]any{"amount": amount}
	if day != "" {
		body["date"] = day
	}
	var resp Task
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("tasks/%s/progress", url.PathEscape(id)), body, &resp)
	return resp, err
}

func (c *Client) RestoreTask(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("tasks/%s/restore", url.PathEscape(id)), nil, &resp)
	return resp, err
}

// CheckOverdue returns the tasks the server just marked overdue.
func (c *Client) CheckOverdue(ctx context.Context) ([]Task, error) {
	var resp taskList
	err := c.do(ctx, http.MethodPost, "tasks/overdue-check", nil, &resp)
	return resp.Items, err
}

func (c *Client) Today(ctx context.Context, day string) (Today, error) {
	endpoint := "today"
	if day != "" {
		endpoint += "?date=" + url.QueryEscape(day)
	}
	var resp Today
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Calendar returns the week or month grid around day.
func (c *Client) Calendar(ctx context.Context, mode, day string) (Calendar, error) {
	q := url.Values{}
	if mode != "" {
		q.Set("mode", mode)
	}
	if day != "" {
		q.Set("date", day)
	}
	endpoint := "calendar"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp Calendar
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Archive lists completed and overdue tasks; filter is all, completed or overdue.
func (c *Client) Archive(ctx context.Context, filter string) ([]Task, error) {
	endpoint := "archive"
	if filter != "" {
		endpoint += "?filter=" + url.QueryEscape(filter)
	}
	var resp taskList
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// ClearArchive removes every archived task and returns them.
func (c *Client) ClearArchive(ctx context.Context) ([]Task, error) {
	var resp taskList
	err := c.do(ctx, http.MethodDelete, "archive", nil, &resp)
	return resp.Items, err
}

func (c *Client) Settings(ctx context.Context) (Settings, error) {
	var resp Settings
	err := c.do(ctx, http.MethodGet, "settings", nil, &resp)
	return resp, err
}

func (c *Client) UpdateSettings(ctx context.Context, s Settings) (Settings, error) {
	var resp Settings
	err := c.do(ctx, http.MethodPut, "settings", s, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	u := c.base() + "/v1/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, u, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code string `json:"code"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
