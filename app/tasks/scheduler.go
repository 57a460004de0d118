package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

var _ TaskSchedulerInterface = (*Scheduler)(nil)

// ErrBusy is returned while a task is queued or running.
var ErrBusy = errors.New("a run is already queued or in progress")

const taskTimeout = 30 * time.Minute

// SyncFactory builds a sync task for one run.
type SyncFactory func(opts SyncOptions) TaskInterface

// LastRun describes the most recently finished task.
type LastRun struct {
	ID         string
	Type       TaskType
	FinishedAt time.Time
	Duration   time.Duration
	Error      string
}

// Scheduler runs one task at a time. The queue holds a single task and
// refuses new ones until the worker has finished it.
type Scheduler struct {
	newSync   SyncFactory
	cron      *cron.Cron
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	taskQueue chan TaskInterface

	mu      sync.Mutex
	busy    bool
	current TaskInterface
	last    *LastRun
}

// NewScheduler validates the cron schedule. An empty schedule disables
// the periodic run; tasks can still be enqueued directly.
func NewScheduler(schedule string, newSync SyncFactory) (*Scheduler, error) {
	ctx, cancel := context.WithCancel(context.Background())

	s := &Scheduler{
		newSync:   newSync,
		cron:      cron.New(cron.WithLocation(time.Local)),
		ctx:       ctx,
		cancel:    cancel,
		taskQueue: make(chan TaskInterface, 1),
	}

	if schedule != "" {
		if _, err := s.cron.AddFunc(schedule, s.enqueueScheduled); err != nil {
			cancel()
			return nil, fmt.Errorf("invalid schedule %q: %w", schedule, err)
		}
	}

	return s, nil
}

func (s *Scheduler) Start() {
	s.wg.Add(1)
	go s.worker()
	s.cron.Start()
}

func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.cancel()
	s.wg.Wait()
}

func (s *Scheduler) EnqueueTask(task TaskInterface) error {
	if err := s.ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy {
		return ErrBusy
	}

	select {
	case s.taskQueue <- task:
		s.busy = true
		return nil
	default:
		return ErrBusy
	}
}

func (s *Scheduler) EnqueueSync(opts SyncOptions) (string, error) {
	task := s.newSync(opts)
	if err := s.EnqueueTask(task); err != nil {
		return "", err
	}
	return task.GetID(), nil
}

// RunExclusive executes task on the caller's goroutine while holding the
// busy flag, so no queued or scheduled run can start until it returns.
// It fails with ErrBusy when a run is queued or in progress.
func (s *Scheduler) RunExclusive(ctx context.Context, task TaskInterface) error {
	s.mu.Lock()
	if s.busy {
		s.mu.Unlock()
		return ErrBusy
	}
	s.busy = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.busy = false
		s.mu.Unlock()
	}()

	task.Start()
	return task.Execute(ctx)
}

func (s *Scheduler) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy
}

// Current returns the running task, or nil.
func (s *Scheduler) Current() TaskInterface {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

func (s *Scheduler) Last() *LastRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return nil
	}
	last := *s.last
	return &last
}

func (s *Scheduler) enqueueScheduled() {
	id, err := s.EnqueueSync(SyncOptions{})
	switch {
	case errors.Is(err, ErrBusy):
		slog.Info("Skipping scheduled sync, previous run still active")
	case err != nil:
		slog.Warn("Failed to enqueue scheduled sync", "error", err)
	default:
		slog.Debug("Scheduled sync enqueued", "id", id)
	}
}

func (s *Scheduler) worker() {
	defer s.wg.Done()

	for {
		select {
		case task := <-s.taskQueue:
			s.executeTask(task)

		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Scheduler) executeTask(task TaskInterface) {
	s.mu.Lock()
	s.current = task
	s.mu.Unlock()

	task.Start()

	taskCtx, cancel := context.WithTimeout(s.ctx, taskTimeout)
	err := task.Execute(taskCtx)
	cancel()

	last := &LastRun{
		ID:         task.GetID(),
		Type:       task.GetType(),
		FinishedAt: time.Now(),
		Duration:   task.GetDuration(),
	}
	if err != nil {
		last.Error = err.Error()
		slog.Error("Task execution failed", "type", string(task.GetType()), "id", task.GetID(), "error", err)
	} else {
		slog.Info("Task completed", "type", string(task.GetType()), "id", task.GetID(), "duration", last.Duration)
	}

	s.mu.Lock()
	s.current = nil
	s.last = last
	s.busy = false
	s.mu.Unlock()
}
