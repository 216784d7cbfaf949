// Package worker implements the Worker Fleet (spec §4.4, component C4):
// a bounded pool of goroutines dequeuing Tasks in priority order,
// invoking the Session Monitor, and applying the retry/backoff and
// stuck-worker detection rules spec §4.4 and §5 describe.
package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/brandon/imap-fleet/internal/config"
	"github.com/brandon/imap-fleet/internal/telemetry"
	"github.com/brandon/imap-fleet/internal/types"
	pkgtypes "github.com/brandon/imap-fleet/pkg/types"
)

// ErrQueueFull is returned by Enqueue when the dispatch queue is at
// TaskQueueDepth (spec §6's TASK_QUEUE_DEPTH).
var ErrQueueFull = errors.New("worker: task queue is full")

// TaskRunner is the Session Monitor's capability surface the Worker
// Fleet depends on to actually execute a task (spec §4.2/§4.4 boundary).
type TaskRunner interface {
	RunPoll(ctx context.Context, mailbox pkgtypes.Mailbox, priority types.Priority) (int, error)
	RunIdle(ctx context.Context, mailbox pkgtypes.Mailbox, priority types.Priority) error
	RunHealthCheck(ctx context.Context, mailbox pkgtypes.Mailbox, priority types.Priority) error
}

// FailureReporter is the Scheduler's callback for final (retry-exhausted)
// task failures (spec §4.4's "otherwise the failure is reported to the
// Scheduler").
type FailureReporter interface {
	ReportPollOutcome(mailboxID string, success bool, newMessages int)
	ReportIdleOutcome(mailboxID string, ok bool)
}

// runningTask is one worker's in-flight task, tracked so the stuck-worker
// monitor can both detect it and re-queue it (spec §4.4's stuck-worker
// reset).
type runningTask struct {
	task      types.Task
	startedAt time.Time
}

// Fleet is the Worker Fleet.
type Fleet struct {
	cfg      *config.FleetConfig
	runner   TaskRunner
	reporter FailureReporter
	logger   *logrus.Logger
	metrics  *telemetry.WorkerMetrics

	queue *taskQueue

	mu      sync.Mutex
	running map[int]runningTask // workerID -> in-flight task, for stuck detection

	wg sync.WaitGroup

	completed atomic.Int64
	failed    atomic.Int64
}

func New(cfg *config.FleetConfig, runner TaskRunner, reporter FailureReporter, logger *logrus.Logger, metrics *telemetry.WorkerMetrics) *Fleet {
	return &Fleet{
		cfg:      cfg,
		runner:   runner,
		reporter: reporter,
		logger:   logger,
		metrics:  metrics,
		queue:    newTaskQueue(cfg.TaskQueueDepth),
		running:  make(map[int]runningTask),
	}
}

// Enqueue implements scheduler.TaskQueue: the Scheduler's tick loop and
// the retry path both funnel through here.
func (f *Fleet) Enqueue(task types.Task) error {
	return f.queue.Enqueue(task)
}

// Run starts cfg.MaxWorkers goroutines and a metrics-reporting loop; it
// blocks until ctx is cancelled, then stops accepting new dequeues and
// waits for in-flight tasks (spec §4.4's "Cancellation" propagation to
// "workers (which abort blocking I/O)").
func (f *Fleet) Run(ctx context.Context) {
	stop := make(chan struct{})
	go func() {
		<-ctx.Done()
		close(stop)
	}()

	for i := 0; i < f.cfg.MaxWorkers; i++ {
		f.wg.Add(1)
		go f.runWorker(ctx, i, stop)
	}

	f.wg.Add(1)
	go f.reportMetricsLoop(ctx)

	f.wg.Add(1)
	go f.stuckWorkerLoop(ctx)

	f.wg.Wait()
}

func (f *Fleet) runWorker(ctx context.Context, workerID int, stop <-chan struct{}) {
	defer f.wg.Done()
	for {
		task, ok := f.queue.dequeue(stop)
		if !ok {
			return
		}
		f.execute(ctx, workerID, task)
	}
}

// execute implements spec §4.4's Dispatch: run the task, and on failure
// consult its retry budget before reporting final failure to the
// Scheduler.
func (f *Fleet) execute(ctx context.Context, workerID int, task types.Task) {
	taskCtx, cancel := context.WithTimeout(ctx, f.cfg.WorkerTimeout)
	defer cancel()

	f.mu.Lock()
	f.running[workerID] = runningTask{task: task, startedAt: time.Now()}
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		delete(f.running, workerID)
		f.mu.Unlock()
	}()

	err := f.runTask(taskCtx, task)
	if err == nil {
		f.completed.Add(1)
		f.metrics.RecordTaskCompleted(ctx, string(task.Kind))
		return
	}

	f.logger.WithError(err).WithFields(logrus.Fields{
		"mailbox_id": task.MailboxID,
		"kind":       task.Kind,
		"retry":      task.RetryCount,
	}).Warn("Task execution failed")

	if task.ExhaustedRetries() {
		f.failed.Add(1)
		f.metrics.RecordTaskFailed(ctx, string(task.Kind))
		f.reportFinalFailure(task)
		return
	}

	retry := task.WithRetry()
	backoff := retryBackoff(retry.RetryCount, f.cfg.BackoffMultiplier)
	time.AfterFunc(backoff, func() {
		if enqueueErr := f.queue.Enqueue(retry); enqueueErr != nil {
			f.logger.WithError(enqueueErr).WithField("mailbox_id", task.MailboxID).Warn("Failed to re-enqueue retried task")
		}
	})
}

func (f *Fleet) runTask(ctx context.Context, task types.Task) error {
	switch task.Kind {
	case types.TaskPoll:
		_, err := f.runner.RunPoll(ctx, task.Mailbox, task.Priority)
		return err
	case types.TaskIdle:
		return f.runner.RunIdle(ctx, task.Mailbox, task.Priority)
	case types.TaskHealthCheck:
		return f.runner.RunHealthCheck(ctx, task.Mailbox, task.Priority)
	default:
		return nil
	}
}

func (f *Fleet) reportFinalFailure(task types.Task) {
	switch task.Kind {
	case types.TaskIdle:
		f.reporter.ReportIdleOutcome(task.MailboxID, false)
	default:
		f.reporter.ReportPollOutcome(task.MailboxID, false, 0)
	}
}

// retryBackoff implements spec §4.4's retry backoff: min(1s *
// multiplier^retry, 30s), with multiplier read from cfg.BackoffMultiplier
// (spec §6's BACKOFF_MULTIPLIER) rather than a hardcoded base.
func retryBackoff(retryCount int, multiplier float64) time.Duration {
	backoff := time.Second
	for i := 0; i < retryCount; i++ {
		backoff = time.Duration(float64(backoff) * multiplier)
		if backoff >= 30*time.Second {
			return 30 * time.Second
		}
	}
	return backoff
}

// reportMetricsLoop emits aggregate metrics every 30s (spec §5's worker
// fleet responsibilities; the exact cadence is this repo's own choice,
// matching the Connection Pool's sweep cadence family).
func (f *Fleet) reportMetricsLoop(ctx context.Context) {
	defer f.wg.Done()
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.metrics.RecordQueueDepth(ctx, int64(f.queue.depth()))
			f.logger.WithFields(logrus.Fields{
				"completed":   f.completed.Load(),
				"failed":      f.failed.Load(),
				"queue_depth": f.queue.depth(),
			}).Info("Worker fleet aggregate metrics")
		}
	}
}

// StuckWorkers returns worker ids whose current task has been running
// longer than threshold (spec §4.4's stuck-worker detection).
func (f *Fleet) StuckWorkers(threshold time.Duration) []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now()
	var stuck []int
	for id, rt := range f.running {
		if now.Sub(rt.startedAt) > threshold {
			stuck = append(stuck, id)
		}
	}
	return stuck
}

// stuckWorkerLoop implements spec §4.4's stuck-worker reset: a worker
// whose current task has run longer than WorkerTimeout — meaning its
// taskCtx deadline has already passed and the underlying call ignored
// it, most likely blocked in I/O the imapsession/go-imap layer doesn't
// itself check context on — gets its task re-queued at the front of its
// priority tier and is marked idle (removed from the running-task table,
// so it isn't reported stuck again for the same task every tick). The
// worker's own goroutine is not killed; if its blocking call eventually
// returns, execute's own completion/failure bookkeeping still runs,
// independent of the reset.
func (f *Fleet) stuckWorkerLoop(ctx context.Context) {
	defer f.wg.Done()
	ticker := time.NewTicker(f.cfg.WorkerTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.resetStuckWorkers()
		}
	}
}

func (f *Fleet) resetStuckWorkers() {
	now := time.Now()

	f.mu.Lock()
	var reset []runningTask
	for id, rt := range f.running {
		if now.Sub(rt.startedAt) > f.cfg.WorkerTimeout {
			reset = append(reset, rt)
			delete(f.running, id) // mark idle
		}
	}
	f.mu.Unlock()

	for _, rt := range reset {
		f.logger.WithFields(logrus.Fields{
			"mailbox_id": rt.task.MailboxID,
			"kind":       rt.task.Kind,
			"running_for": now.Sub(rt.startedAt),
		}).Warn("Resetting stuck worker, re-queuing task at front of its priority tier")

		if err := f.queue.EnqueueFront(rt.task); err != nil {
			f.logger.WithError(err).WithField("mailbox_id", rt.task.MailboxID).Warn("Failed to re-queue stuck task")
		}
	}
}

// Completed and Failed report the lifetime aggregate counters, for the
// observability surface's metrics snapshot (spec §6).
func (f *Fleet) Completed() int64 { return f.completed.Load() }
func (f *Fleet) Failed() int64    { return f.failed.Load() }
func (f *Fleet) QueueDepth() int  { return f.queue.depth() }
