package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/rendis/hookflow/internal/store"
	"github.com/rendis/hookflow/pkg/schema"
)

// maxEventBytes bounds what the hook command reads from stdin.
const maxEventBytes = 4 << 20

// SessionRegistrar records governed sessions the first time they are seen.
type SessionRegistrar interface {
	GetSession(ctx context.Context, id string) (*store.Session, error)
	UpsertSession(ctx context.Context, sess *store.Session) error
}

// hookHandler decides one event. Satisfied by (*engine.Engine).Process.
type hookHandler func(ctx context.Context, event *schema.HookEvent) *schema.HookResponse

func newHookCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "hook",
		Short: "Decide one hook event read from stdin",
		Long: `hook reads one event JSON from stdin and writes the response JSON to
stdout. Internal failures allow the event and still exit 0.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, c.cfg, c.logger)
			if err != nil {
				c.logger.ErrorContext(ctx, "hookflow unavailable, allowing", slog.String("error", err.Error()))
				return writeResponse(cmd.OutOrStdout(), schema.Allow())
			}
			defer a.Close()
			return runHook(ctx, cmd.InOrStdin(), cmd.OutOrStdout(), a.store, a.engine.Process, c.logger)
		},
	}
}

// runHook decodes the event, decides it and writes the response. Only a
// failure to write stdout is returned.
func runHook(ctx context.Context, in io.Reader, out io.Writer, sessions SessionRegistrar, decide hookHandler, logger *slog.Logger) error {
	event, err := readEvent(in)
	if err != nil {
		logger.WarnContext(ctx, "unreadable hook event, allowing", slog.String("error", err.Error()))
		return writeResponse(out, schema.Allow())
	}
	if sessions != nil {
		if err := registerSession(ctx, sessions, event); err != nil {
			logger.WarnContext(ctx, "register session failed", slog.String("error", err.Error()))
		}
	}

	resp := safeDecide(ctx, decide, event, logger)
	return writeResponse(out, resp)
}

func readEvent(in io.Reader) (*schema.HookEvent, error) {
	data, err := io.ReadAll(io.LimitReader(in, maxEventBytes))
	if err != nil {
		return nil, err
	}
	var event schema.HookEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	if event.EventType == "" {
		return nil, fmt.Errorf("event_type is required")
	}
	if event.Metadata == nil {
		event.Metadata = map[string]any{}
	}
	if event.PlatformSessionID() == "" && event.SessionID != "" {
		event.Metadata[schema.MetadataSessionID] = event.SessionID
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	return &event, nil
}

// registerSession creates the session row on first sight so session actions
// have something to update.
func registerSession(ctx context.Context, sessions SessionRegistrar, event *schema.HookEvent) error {
	id := event.PlatformSessionID()
	if id == "" {
		return nil
	}
	_, err := sessions.GetSession(ctx, id)
	if err == nil {
		return nil
	}
	if !schema.IsNotFound(err) {
		return err
	}
	return sessions.UpsertSession(ctx, &store.Session{
		ID:         id,
		ExternalID: event.SessionID,
		Source:     string(event.Source),
		ProjectID:  event.ProjectID,
		Status:     "active",
	})
}

// safeDecide turns a panic in the engine into an allow.
func safeDecide(ctx context.Context, decide hookHandler, event *schema.HookEvent, logger *slog.Logger) (resp *schema.HookResponse) {
	defer func() {
		if r := recover(); r != nil {
			logger.ErrorContext(ctx, "hook handler panicked, allowing", slog.Any("panic", r))
			resp = schema.Allow()
		}
	}()
	resp = decide(ctx, event)
	if resp == nil {
		resp = schema.Allow()
	}
	return resp
}

func writeResponse(out io.Writer, resp *schema.HookResponse) error {
	enc := json.NewEncoder(out)
	return enc.Encode(resp)
}
