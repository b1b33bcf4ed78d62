package queue

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// UserLister enumerates every user the scheduler fans out to.
type UserLister interface {
	ListUserIDs(ctx context.Context) ([]string, error)
}

const fanOutLimit = 8

// Scheduler periodically enqueues one cycle per user.
type Scheduler struct {
	Users    UserLister
	Queue    *Queue
	Interval time.Duration
	Logger   *zap.Logger
}

func NewScheduler(users UserLister, q *Queue, interval time.Duration, logger *zap.Logger) *Scheduler {
	if interval <= 0 {
		interval = time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{Users: users, Queue: q, Interval: interval, Logger: logger}
}

// Tick enqueues a job for every user without one pending and returns how
// many were enqueued.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	ids, err := s.Users.ListUserIDs(ctx)
	if err != nil {
		return 0, err
	}
	created := make([]bool, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fanOutLimit)
	for i, id := range ids {
		g.Go(func() error {
			_, ok, err := s.Queue.EnqueueIfIdle(gctx, id)
			created[i] = ok
			return err
		})
	}
	err = g.Wait()
	n := 0
	for _, ok := range created {
		if ok {
			n++
		}
	}
	return n, err
}

// Run ticks immediately and then every Interval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	for {
		n, err := s.Tick(ctx)
		if err != nil && ctx.Err() == nil {
			s.Logger.Error("scheduler tick failed", zap.Error(err))
		} else if n > 0 {
			s.Logger.Info("scheduled cycles", zap.Int("enqueued", n))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
