// Package queue provides the in-process worker pool that dequeues jobs
// and hands them to the executor (spec.md §5 expansion: the distilled
// spec leaves enqueue/run unspecified, so this follows the same retrier
// pattern buildkite-agent uses for its upload/registration retries).
package queue

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/buildkite/roko"

	"github.com/kraklabs/coderun/internal/agentclient"
)

// Runner executes one job to completion. internal/executor.Executor
// satisfies this.
type Runner interface {
	Run(ctx context.Context, jobID string) error
}

// Queue is the contract the orchestrator enqueues jobs through and the
// worker pool drains.
type Queue interface {
	Enqueue(ctx context.Context, jobID string) error
	Run(ctx context.Context, runner Runner)
}

// RetryPolicy mirrors the backoff_seconds of the skill's retry_policy
// block: up to two retries after the first attempt, with a 30s pause
// before the first retry and 120s before the second.
var RetryPolicy = []time.Duration{30 * time.Second, 120 * time.Second}

// Channel is a buffered-channel Queue backed by a fixed pool of worker
// goroutines. A run that fails with a transient agentclient.ErrConnect is
// retried per RetryPolicy; any other failure is not retried. The queue
// never writes a job's status: after the last retry the job keeps whatever
// status the executor left on it.
type Channel struct {
	jobs        chan string
	poolSize    int
	hardTimeout time.Duration
	logger      *log.Logger
}

// NewChannel builds a Channel with capacity for backlog pending jobs,
// poolSize concurrent workers, and hardTimeout as the outer per-job
// context deadline.
func NewChannel(backlog, poolSize int, hardTimeout time.Duration, logger *log.Logger) *Channel {
	if poolSize <= 0 {
		poolSize = 1
	}
	return &Channel{
		jobs:        make(chan string, backlog),
		poolSize:    poolSize,
		hardTimeout: hardTimeout,
		logger:      logger,
	}
}

// Enqueue submits jobID for execution, blocking if the backlog is full
// until ctx is done.
func (c *Channel) Enqueue(ctx context.Context, jobID string) error {
	select {
	case c.jobs <- jobID:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run starts poolSize worker goroutines draining the queue until ctx is
// canceled. It blocks until every worker has exited.
func (c *Channel) Run(ctx context.Context, runner Runner) {
	done := make(chan struct{}, c.poolSize)
	for i := 0; i < c.poolSize; i++ {
		go func(worker int) {
			defer func() { done <- struct{}{} }()
			c.worker(ctx, worker, runner)
		}(i)
	}
	for i := 0; i < c.poolSize; i++ {
		<-done
	}
}

func (c *Channel) worker(ctx context.Context, id int, runner Runner) {
	for {
		select {
		case <-ctx.Done():
			return
		case jobID, ok := <-c.jobs:
			if !ok {
				return
			}
			c.runWithRetry(ctx, runner, jobID)
		}
	}
}

// isTransient reports whether err is the kind of agent-runtime connect
// failure worth a worker-level retry (connect/TLS/dial errors and read
// timeouts, all surfaced by agentclient as ErrConnect). Everything else
// has already been terminal-marked by the executor and must not be retried.
func isTransient(err error) bool {
	var connErr *agentclient.ErrConnect
	return errors.As(err, &connErr)
}

func (c *Channel) runWithRetry(ctx context.Context, runner Runner, jobID string) {
	retrier := roko.NewRetrier(
		roko.WithMaxAttempts(len(RetryPolicy)+1),
		roko.WithStrategy(roko.Constant(RetryPolicy[0])),
	)
	err := retrier.DoWithContext(ctx, func(r *roko.Retrier) error {
		runCtx := ctx
		var cancel context.CancelFunc
		if c.hardTimeout > 0 {
			runCtx, cancel = context.WithTimeout(ctx, c.hardTimeout)
			defer cancel()
		}

		runErr := runner.Run(runCtx, jobID)
		if runErr == nil {
			return nil
		}
		if !isTransient(runErr) {
			// Already terminal-marked by the executor; re-running would
			// duplicate the job and its job.failed event.
			r.Break()
			return runErr
		}
		if attempt := r.AttemptCount(); attempt-1 < len(RetryPolicy) {
			r.SetNextInterval(RetryPolicy[attempt-1])
		}
		c.logger.Printf("job %s: attempt %d failed (transient): %v", jobID, r.AttemptCount(), runErr)
		return runErr
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		c.logger.Printf("job %s: giving up after retries: %v", jobID, err)
	}
}
