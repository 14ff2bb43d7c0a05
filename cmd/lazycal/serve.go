package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"lazycal/internal/app"
	"lazycal/internal/domain"
	"lazycal/internal/engine"
	"lazycal/internal/reminder"
	"lazycal/internal/repo"
	"lazycal/internal/server"
)

func serveCmd() *cobra.Command {
	var addr, basePath string
	var requireAuth bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server and the daily reminder",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := log.New(os.Stderr, "lazycal: ", log.LstdFlags)
			ctx := cmd.Context()
			s, err := app.Open(ctx, viper.GetString("workspace"), logger)
			if err != nil {
				return err
			}
			defer s.Close()
			if addr == "" {
				addr = s.Config.Server.Addr
			}
			authCfg := server.AuthConfig{JWTSecret: os.Getenv(s.Config.Server.JWTSecretEnv), Logger: logger}
			if authCfg.JWTSecret == "" {
				if requireAuth {
					return fmt.Errorf("%s is required for bearer auth", s.Config.Server.JWTSecretEnv)
				}
				logger.Printf("%s not set; API is open to anyone who can reach %s", s.Config.Server.JWTSecretEnv, addr)
			}

			notifier := server.NewReminderNotifier(s.Engine, s.Config.Reminder.Webhook, logger)
			rem, err := server.StartReminder(ctx, s.Engine, notifier, reminder.Options{
				Interval: s.Config.ReminderInterval(),
				Logger:   logger,
			})
			if err != nil {
				return err
			}
			defer rem.Stop()
			go server.Watch(ctx, s.Engine, rem, s.Config.ReminderInterval(), logger)

			handler, err := server.New(server.Config{
				Engine:   s.Engine,
				BasePath: basePath,
				Auth:     authCfg,
				Reminder: rem,
				Logger:   logger,
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			fmt.Printf("Serving lazycal API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().BoolVar(&requireAuth, "require-auth", false, "refuse to start without a JWT secret")
	return cmd
}

func remindCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remind",
		Short: "Run the daily reminder in the foreground",
		Long:  "Prompts at the configured reminder time on days with scheduled tasks. Changes made with 'lazycal settings set' are picked up while it runs.",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := log.New(os.Stdout, "", log.LstdFlags)
			ctx := cmd.Context()
			s, err := app.Open(ctx, viper.GetString("workspace"), logger)
			if err != nil {
				return err
			}
			defer s.Close()
			notifier := server.NewReminderNotifier(s.Engine, s.Config.Reminder.Webhook, logger)
			rem, err := server.StartReminder(ctx, s.Engine, notifier, reminder.Options{
				Interval: s.Config.ReminderInterval(),
				Logger:   logger,
			})
			if err != nil {
				return err
			}
			defer rem.Stop()
			if settings, _ := rem.Current(); rem.Running() {
				fmt.Printf("Waiting for %s each day (Ctrl-C to stop)\n", settings.ReminderTime)
			} else {
				fmt.Println("Reminder is disabled; waiting for 'lazycal settings set --enabled' (Ctrl-C to stop)")
			}
			server.Watch(ctx, s.Engine, rem, s.Config.ReminderInterval(), logger)
			return nil
		},
	}
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: task changes, progress, archive clean-ups and settings.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityID string
	var follow bool
	var every time.Duration
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				events, err := e.ListEvents(ctx, repo.EventFilters{Type: evtType, EntityID: entityID, Limit: n})
				if err != nil {
					return err
				}
				// Newest first from the store; print oldest first.
				for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
					events[i], events[j] = events[j], events[i]
				}
				if !follow {
					return printEvents(events)
				}
				var cursor int64
				if len(events) > 0 {
					cursor = events[len(events)-1].ID
				} else if cursor, err = e.Repo.LatestEventID(ctx); err != nil {
					return err
				}
				if err := printEvents(events); err != nil {
					return err
				}
				ticker := time.NewTicker(every)
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						return nil
					case <-ticker.C:
					}
					next, err := e.Repo.EventsAfter(ctx, 100, cursor)
					if err != nil {
						return err
					}
					if len(next) == 0 {
						continue
					}
					cursor = next[len(next)-1].ID
					if err := printEvents(next); err != nil {
						return err
					}
				}
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep printing new events")
	cmd.Flags().DurationVar(&every, "interval", time.Second, "poll interval with --follow")
	return cmd
}

func printEvents(events []domain.Event) error {
	if viper.GetBool("json") {
		for _, evt := range events {
			if err := printJSON(evt); err != nil {
				return err
			}
		}
		return nil
	}
	if len(events) == 0 {
		return nil
	}
	tw := newTable()
	tw.AppendHeader(table.Row{"ID", "Time", "Type", "Entity", "Payload"})
	for _, evt := range events {
		tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.EntityID, truncate(evt.Payload, 60)})
	}
	tw.Render()
	return nil
}
