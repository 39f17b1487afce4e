// Package janitor archives sessions that have been idle past a configured
// horizon. Archived sessions keep all their rows and are read-only until
// restored.
package janitor

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/user/sessiond/internal/types"
)

// Janitor runs the archive sweep on a cron schedule.
type Janitor struct {
	sessions types.SessionStore
	horizon  time.Duration
	cron     *cron.Cron
	schedule string
}

// cronParser accepts both standard 5-field cron expressions and 6-field
// expressions with an optional seconds field.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// New creates a Janitor sweeping on the given schedule (cron expression or
// descriptor like "@every 10m"), archiving sessions idle longer than horizon.
func New(sessions types.SessionStore, schedule string, horizon time.Duration) *Janitor {
	return &Janitor{
		sessions: sessions,
		horizon:  horizon,
		schedule: schedule,
		cron:     cron.New(cron.WithParser(cronParser)),
	}
}

// Start registers the sweep and starts the cron ticker.
func (j *Janitor) Start() error {
	_, err := j.cron.AddFunc(j.schedule, func() {
		if err := j.Sweep(context.Background()); err != nil {
			slog.Error("janitor sweep failed", "error", err)
		}
	})
	if err != nil {
		return err
	}
	j.cron.Start()
	return nil
}

// Stop stops the cron ticker.
func (j *Janitor) Stop() {
	j.cron.Stop()
}

// Sweep archives every active session whose last update is older than the
// horizon. Sessions with live actors keep getting touched by traffic, so
// only genuinely idle ones cross the cutoff.
func (j *Janitor) Sweep(ctx context.Context) error {
	sessions, err := j.sessions.List(ctx)
	if err != nil {
		return err
	}
	cutoff := time.Now().Add(-j.horizon)
	for _, sess := range sessions {
		if sess.Status != types.SessionActive {
			continue
		}
		if !sess.UpdatedAt.Before(cutoff) {
			continue
		}
		sess.Status = types.SessionArchived
		if err := j.sessions.Update(ctx, sess); err != nil {
			slog.Error("archive session failed", "session_id", sess.ID, "error", err)
			continue
		}
		slog.Info("archived idle session", "session_id", sess.ID)
	}
	return nil
}
