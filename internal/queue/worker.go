package queue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"cadence/internal/config"
	"cadence/internal/kernel"
)

// Runner executes one kernel cycle.
type Runner interface {
	RunCycle(ctx context.Context, userID, traceID string) (kernel.Result, error)
}

// Worker drains the queue, running exactly one cycle per claimed job.
type Worker struct {
	Queue        *Queue
	Runner       Runner
	Owner        string
	PollInterval time.Duration
	LeaseTTL     time.Duration
	JobTimeout   time.Duration
	Concurrency  int
	Logger       *zap.Logger
}

func NewWorker(q *Queue, runner Runner, cfg config.QueueConfig, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	host, _ := os.Hostname()
	w := &Worker{
		Queue:        q,
		Runner:       runner,
		Owner:        fmt.Sprintf("%s/%d/%s", host, os.Getpid(), uuid.NewString()[:8]),
		PollInterval: cfg.PollInterval,
		LeaseTTL:     cfg.LeaseTTL,
		JobTimeout:   cfg.JobTimeout,
		Concurrency:  cfg.Concurrency,
		Logger:       logger,
	}
	if w.PollInterval <= 0 {
		w.PollInterval = 2 * time.Second
	}
	if w.LeaseTTL <= 0 {
		w.LeaseTTL = 5 * time.Minute
	}
	if w.Concurrency <= 0 {
		w.Concurrency = 1
	}
	return w
}

// Run polls until ctx is cancelled. Cancellation is a clean stop.
func (w *Worker) Run(ctx context.Context) error {
	w.Logger.Info("worker started", zap.String("owner", w.Owner), zap.Int("concurrency", w.Concurrency))
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.Concurrency; i++ {
		g.Go(func() error { return w.loop(ctx) })
	}
	err := g.Wait()
	w.Logger.Info("worker stopped", zap.String("owner", w.Owner))
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (w *Worker) loop(ctx context.Context) error {
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
		for {
			worked, err := w.ProcessOne(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				w.Logger.Error("worker iteration failed", zap.Error(err))
				break
			}
			if !worked {
				break
			}
		}
		timer.Reset(w.PollInterval)
	}
}

// ProcessOne claims and runs at most one job. It reports whether a job was
// claimed. A failing cycle is recorded on the job, not returned.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	job, ok, err := w.Queue.Claim(ctx, w.Owner, w.LeaseTTL)
	if err != nil || !ok {
		return false, err
	}
	log := w.Logger.With(zap.String("job_id", job.ID), zap.String("user_id", job.UserID),
		zap.String("trace_id", job.TraceID), zap.Int("attempt", job.Attempts))

	runCtx := ctx
	if w.JobTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, w.JobTimeout)
		defer cancel()
	}
	// Settling uses a context that outlives a job timeout but not shutdown.
	if _, runErr := w.Runner.RunCycle(runCtx, job.UserID, job.TraceID); runErr != nil {
		dead, err := w.Queue.Fail(ctx, job, w.Owner, runErr)
		if err != nil {
			return true, err
		}
		if dead {
			log.Error("cycle job dead", zap.Error(runErr))
		} else {
			log.Warn("cycle job failed; will retry", zap.Error(runErr))
		}
		return true, nil
	}
	if err := w.Queue.Complete(ctx, job.ID, w.Owner); err != nil {
		return true, err
	}
	log.Debug("cycle job done")
	return true, nil
}
