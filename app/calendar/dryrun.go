package calendar

import (
	"context"
	"log/slog"
	"strings"

	"github.com/google/uuid"
)

const dryRunPrefix = "dryrun-"

// ReadOnly passes reads through to the wrapped backend and only logs
// mutations. Inserts return synthetic "dryrun-" ids.
type ReadOnly struct {
	Backend
}

func NewReadOnly(backend Backend) *ReadOnly {
	return &ReadOnly{Backend: backend}
}

func (r *ReadOnly) Insert(ctx context.Context, ev Event) (string, error) {
	id := dryRunPrefix + uuid.NewString()
	slog.Info("Dry run: would create calendar event", "id", id, "title", ev.Title, "start", ev.Start)
	return id, nil
}

func (r *ReadOnly) Update(ctx context.Context, ev Event) error {
	if err := r.exists(ctx, ev.ID); err != nil {
		return err
	}
	slog.Info("Dry run: would update calendar event", "id", ev.ID, "title", ev.Title, "start", ev.Start)
	return nil
}

func (r *ReadOnly) Delete(ctx context.Context, id string) error {
	if err := r.exists(ctx, id); err != nil {
		return err
	}
	slog.Info("Dry run: would delete calendar event", "id", id)
	return nil
}

func (r *ReadOnly) Get(ctx context.Context, id string) (*Event, error) {
	if IsDryRunID(id) {
		return &Event{ID: id}, nil
	}
	return r.Backend.Get(ctx, id)
}

func (r *ReadOnly) exists(ctx context.Context, id string) error {
	_, err := r.Get(ctx, id)
	return err
}

func IsDryRunID(id string) bool {
	return strings.HasPrefix(id, dryRunPrefix)
}
