package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bikegroups/calendar-sync/app/database"
)

var ErrRecordNotFound = errors.New("record not found")

// ResetTask makes processed posts eligible again. It touches only the
// ledger; calendar events stay as they are.
type ResetTask struct {
	Task
	records    database.RecordRepository
	identifier string
	all        bool

	Count int
}

func NewResetTask(records database.RecordRepository, identifier string) *ResetTask {
	return &ResetTask{
		Task:       NewTask(TaskTypeReset),
		records:    records,
		identifier: identifier,
	}
}

func NewResetAllTask(records database.RecordRepository) *ResetTask {
	return &ResetTask{
		Task:    NewTask(TaskTypeReset),
		records: records,
		all:     true,
	}
}

func (t *ResetTask) Execute(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if t.all {
		n, err := t.records.ResetAll()
		if err != nil {
			return err
		}
		t.Count = n
		slog.Info("Reset all records", "count", n)
		return nil
	}

	found, err := t.records.Reset(t.identifier)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: %s", ErrRecordNotFound, t.identifier)
	}
	t.Count = 1
	slog.Info("Reset record", "id", t.identifier)
	return nil
}
