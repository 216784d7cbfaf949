package worker

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brandon/imap-fleet/internal/config"
	"github.com/brandon/imap-fleet/internal/telemetry"
	"github.com/brandon/imap-fleet/internal/types"
	pkgtypes "github.com/brandon/imap-fleet/pkg/types"
)

type fakeRunner struct {
	pollCalls atomic.Int32
	failPoll  atomic.Bool
	block     chan struct{} // when non-nil, RunPoll blocks until closed, ignoring ctx
}

func (r *fakeRunner) RunPoll(ctx context.Context, mailbox pkgtypes.Mailbox, priority types.Priority) (int, error) {
	r.pollCalls.Add(1)
	if r.block != nil {
		<-r.block
	}
	if r.failPoll.Load() {
		return 0, assert.AnError
	}
	return 1, nil
}
func (r *fakeRunner) RunIdle(ctx context.Context, mailbox pkgtypes.Mailbox, priority types.Priority) error {
	return nil
}
func (r *fakeRunner) RunHealthCheck(ctx context.Context, mailbox pkgtypes.Mailbox, priority types.Priority) error {
	return nil
}

type fakeReporter struct {
	pollFailures atomic.Int32
}

func (r *fakeReporter) ReportPollOutcome(mailboxID string, success bool, newMessages int) {
	if !success {
		r.pollFailures.Add(1)
	}
}
func (r *fakeReporter) ReportIdleOutcome(mailboxID string, ok bool) {}

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func TestFleetExecutesPollTaskSuccessfully(t *testing.T) {
	cfg, _ := config.Load()
	cfg.MaxWorkers = 1
	runner := &fakeRunner{}
	reporter := &fakeReporter{}
	f := New(cfg, runner, reporter, testLogger(), telemetry.NewWorkerMetrics())

	ctx, cancel := context.WithCancel(context.Background())
	go f.Run(ctx)
	defer cancel()

	require.NoError(t, f.Enqueue(types.Task{MailboxID: "mb-1", Kind: types.TaskPoll, MaxRetries: 2}))

	require.Eventually(t, func() bool { return runner.pollCalls.Load() == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return f.Completed() == 1 }, time.Second, 5*time.Millisecond)
}

func TestFleetRetriesFailedTaskThenExhausts(t *testing.T) {
	cfg, _ := config.Load()
	cfg.MaxWorkers = 1
	runner := &fakeRunner{}
	runner.failPoll.Store(true)
	reporter := &fakeReporter{}
	f := New(cfg, runner, reporter, testLogger(), telemetry.NewWorkerMetrics())

	ctx, cancel := context.WithCancel(context.Background())
	go f.Run(ctx)
	defer cancel()

	require.NoError(t, f.Enqueue(types.Task{MailboxID: "mb-1", Kind: types.TaskPoll, MaxRetries: 1}))

	require.Eventually(t, func() bool { return f.Failed() == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, runner.pollCalls.Load(), int32(2), "should have retried once before exhausting")
	assert.Equal(t, int32(1), reporter.pollFailures.Load())
}

func TestRetryBackoffCapsAt30Seconds(t *testing.T) {
	assert.Equal(t, time.Second, retryBackoff(0, 2.0))
	assert.Equal(t, 2*time.Second, retryBackoff(1, 2.0))
	assert.Equal(t, 30*time.Second, retryBackoff(10, 2.0))
}

func TestRetryBackoffHonorsConfiguredMultiplier(t *testing.T) {
	assert.Equal(t, time.Second, retryBackoff(0, 3.0))
	assert.Equal(t, 3*time.Second, retryBackoff(1, 3.0))
	assert.Equal(t, 9*time.Second, retryBackoff(2, 3.0))
}

func TestTaskQueueReturnsErrFullAtCapacity(t *testing.T) {
	q := newTaskQueue(1)
	require.NoError(t, q.Enqueue(types.Task{MailboxID: "mb-1"}))
	assert.ErrorIs(t, q.Enqueue(types.Task{MailboxID: "mb-2"}), ErrQueueFull)
}

func TestStuckWorkerIsResetAndTaskRequeuedAtFrontOfTier(t *testing.T) {
	cfg, _ := config.Load()
	cfg.MaxWorkers = 1
	cfg.WorkerTimeout = 20 * time.Millisecond
	runner := &fakeRunner{block: make(chan struct{})}
	reporter := &fakeReporter{}
	f := New(cfg, runner, reporter, testLogger(), telemetry.NewWorkerMetrics())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.Run(ctx)

	require.NoError(t, f.Enqueue(types.Task{MailboxID: "stuck-mb", Kind: types.TaskPoll, MaxRetries: 2}))
	require.Eventually(t, func() bool { return runner.pollCalls.Load() == 1 }, time.Second, 5*time.Millisecond)

	// The single worker is now blocked inside RunPoll, ignoring ctx. The
	// stuck-worker loop should detect it and re-queue its task at the
	// front of the queue without waiting for it to return.
	require.Eventually(t, func() bool { return f.queue.depth() == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(f.StuckWorkers(cfg.WorkerTimeout)) == 0 }, time.Second, 5*time.Millisecond)

	require.NoError(t, f.Enqueue(types.Task{MailboxID: "other-mb", Kind: types.TaskPoll, MaxRetries: 2}))

	// Unblock the originally-stuck call so the worker becomes free to
	// drain the requeued task and the newly enqueued one.
	close(runner.block)

	require.Eventually(t, func() bool { return f.queue.depth() == 0 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return runner.pollCalls.Load() == 3 }, time.Second, 5*time.Millisecond)
}

func TestEnqueueFrontOrdersAheadOfSamePriorityItems(t *testing.T) {
	q := newTaskQueue(10)
	require.NoError(t, q.Enqueue(types.Task{MailboxID: "already-queued", Priority: types.PriorityMedium}))
	require.NoError(t, q.EnqueueFront(types.Task{MailboxID: "stuck-retry", Priority: types.PriorityMedium}))

	stop := make(chan struct{})
	first, ok := q.dequeue(stop)
	require.True(t, ok)
	assert.Equal(t, "stuck-retry", first.MailboxID)
}

func TestTaskQueueOrdersByPriorityThenFIFO(t *testing.T) {
	q := newTaskQueue(10)
	require.NoError(t, q.Enqueue(types.Task{MailboxID: "low", Priority: types.PriorityLow}))
	require.NoError(t, q.Enqueue(types.Task{MailboxID: "high", Priority: types.PriorityHigh}))
	require.NoError(t, q.Enqueue(types.Task{MailboxID: "medium", Priority: types.PriorityMedium}))
	require.NoError(t, q.Enqueue(types.Task{MailboxID: "high-2", Priority: types.PriorityHigh}))

	stop := make(chan struct{})
	first, ok := q.dequeue(stop)
	require.True(t, ok)
	assert.Equal(t, "high", first.MailboxID)

	second, ok := q.dequeue(stop)
	require.True(t, ok)
	assert.Equal(t, "high-2", second.MailboxID)
}
