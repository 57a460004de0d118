package tasks

import (
	"context"

	"github.com/bikegroups/calendar-sync/app/agent"
	"github.com/bikegroups/calendar-sync/app/calendar"
	"github.com/bikegroups/calendar-sync/app/feed"
)

// TaskSchedulerInterface defines the interface for task scheduling operations.
// Used by serve mode to run syncs on a schedule and on demand.
//
//	scheduler, err := NewScheduler(schedule, newSync)
//	scheduler.Start()
//	defer scheduler.Stop()
//	scheduler.EnqueueSync(SyncOptions{Limit: 5})
type TaskSchedulerInterface interface {
	Start()
	Stop()
	EnqueueTask(task TaskInterface) error
	EnqueueSync(opts SyncOptions) (string, error)
}

type FeedSource interface {
	Fetch(ctx context.Context) ([]feed.Post, error)
	URL() string
}

type Decider interface {
	Decide(ctx context.Context, post feed.Post) (*agent.Session, error)
}

// Mutator applies the final calendar change of a decision.
type Mutator interface {
	Create(ctx context.Context, fields calendar.EventFields) (string, error)
	Update(ctx context.Context, id string, fields calendar.EventFields) error
	Cancel(ctx context.Context, id string) error
}

var (
	_ FeedSource = (*feed.Reader)(nil)
	_ Decider    = (*agent.Agent)(nil)
	_ Mutator    = (*calendar.Adapter)(nil)
)
