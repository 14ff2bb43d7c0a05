package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"lazycal/internal/config"
	"lazycal/internal/engine"
	"lazycal/internal/reminder"
	"lazycal/internal/schedule"
)

const defaultWebhookTimeout = 5 * time.Second

// ReminderNotifier delivers reminder prompts: it always logs them and, when a webhook URL is
// configured, posts the day's focus list to it.
type ReminderNotifier struct {
	engine *engine.Engine
	hook   config.WebhookConfig
	client *http.Client
	logger *log.Logger
}

func NewReminderNotifier(e *engine.Engine, hook config.WebhookConfig, logger *log.Logger) *ReminderNotifier {
	timeout := defaultWebhookTimeout
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	if logger == nil {
		logger = log.Default()
	}
	return &ReminderNotifier{
		engine: e,
		hook:   hook,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

// StartReminder installs the stored reminder settings and returns the running reminder.
func StartReminder(ctx context.Context, e *engine.Engine, n *ReminderNotifier, opts reminder.Options) (*reminder.Reminder, error) {
	r := reminder.New(e, n.Notify, opts)
	settings, err := e.Settings(ctx)
	if err != nil {
		return nil, err
	}
	if err := r.Configure(settings); err != nil {
		return nil, err
	}
	return r, nil
}

// Maintain brings a long-running process up to date with changes other processes made to the
// workspace: tasks that fell past due are marked overdue, and the reminder is reinstalled when
// its stored settings differ from the ones it runs with.
func Maintain(ctx context.Context, e *engine.Engine, r *reminder.Reminder, logger *log.Logger) error {
	// CheckOverdue reloads the stored tasks before it looks at them.
	changed, err := e.CheckOverdue(ctx)
	if err != nil {
		return fmt.Errorf("overdue check: %w", err)
	}
	for _, t := range changed {
		logger.Printf("task %s (%s) is overdue", t.ID, t.Name)
	}
	if r == nil {
		return nil
	}
	settings, err := e.Settings(ctx)
	if err != nil {
		return fmt.Errorf("read settings: %w", err)
	}
	if cur, ok := r.Current(); ok && cur == settings {
		return nil
	}
	logger.Printf("reminder: settings changed to %s (enabled=%t)", settings.ReminderTime, settings.ReminderEnabled)
	return r.Configure(settings)
}

// Watch runs Maintain every interval until ctx is done.
func Watch(ctx context.Context, e *engine.Engine, r *reminder.Reminder, every time.Duration, logger *log.Logger) {
	if logger == nil {
		logger = log.Default()
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := Maintain(ctx, e, r, logger); err != nil {
				logger.Printf("maintenance: %v", err)
			}
		}
	}
}

type reminderEvent struct {
	Type  string              `json:"type"`
	Date  string              `json:"date"`
	TS    string              `json:"ts"`
	Items []FocusItemResponse `json:"items"`
}

// Notify is a reminder.Func.
func (n *ReminderNotifier) Notify(ctx context.Context, at time.Time) {
	items := n.engine.DailyFocus(at)
	n.logger.Printf("reminder: %d task(s) scheduled today; time to log progress", len(items))
	for _, it := range items {
		n.logger.Printf("reminder:   %s %d/%d %s", it.Task.Name, it.Done, it.Target, it.Task.Unit)
	}
	if strings.TrimSpace(n.hook.URL) == "" {
		return
	}
	evt := reminderEvent{
		Type:  "reminder",
		Date:  schedule.DateKey(at),
		TS:    at.UTC().Format(time.RFC3339),
		Items: focusResponses(items),
	}
	if err := n.post(ctx, evt); err != nil {
		n.logger.Printf("webhook: deliver to %s failed: %v", n.hook.URL, err)
	}
}

func (n *ReminderNotifier) post(ctx context.Context, evt reminderEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Lazycal-Event", evt.Type)
	req.Header.Set("X-Lazycal-Delivery", fmt.Sprintf("%s-%d", evt.Date, time.Now().UnixNano()))
	if strings.TrimSpace(n.hook.Secret) != "" {
		req.Header.Set("X-Lazycal-Secret", n.hook.Secret)
	}
	res, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return nil
}
