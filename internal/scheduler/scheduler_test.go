package scheduler

import (
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brandon/imap-fleet/internal/config"
	"github.com/brandon/imap-fleet/internal/hostkey"
	"github.com/brandon/imap-fleet/internal/types"
	pkgtypes "github.com/brandon/imap-fleet/pkg/types"
)

type fakeQueue struct {
	mu    sync.Mutex
	tasks []types.Task
}

func (q *fakeQueue) Enqueue(task types.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = append(q.tasks, task)
	return nil
}

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func newTestScheduler() (*Scheduler, *fakeQueue) {
	cfg, _ := config.Load()
	q := &fakeQueue{}
	s := New(cfg, hostkey.NewIdleRules(nil), q, testLogger())
	return s, q
}

func TestSyncCreatesEntryWithIdleSupportedDefault(t *testing.T) {
	s, _ := newTestScheduler()
	s.Sync([]pkgtypes.Mailbox{{ID: "mb-1", Host: "imap.gmail.com", Active: true}})

	entries := s.Snapshot()
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Idle.Supported)
	assert.True(t, entries[0].Active)
}

func TestSyncDeactivatesRemovedMailboxWithoutDeletingEntry(t *testing.T) {
	s, _ := newTestScheduler()
	s.Sync([]pkgtypes.Mailbox{{ID: "mb-1", Host: "imap.gmail.com", Active: true}})
	s.Sync([]pkgtypes.Mailbox{})

	entries := s.Snapshot()
	require.Len(t, entries, 1)
	assert.False(t, entries[0].Active)
}

func TestReportPollOutcomeQuarantinesAfterThreshold(t *testing.T) {
	s, _ := newTestScheduler()
	s.Sync([]pkgtypes.Mailbox{{ID: "mb-1", Host: "imap.gmail.com", Active: true}})

	for i := 0; i < s.cfg.MaxConsecutiveFailures; i++ {
		s.ReportPollOutcome("mb-1", false, 0)
	}

	entries := s.Snapshot()
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Quarantined)
	assert.Equal(t, types.PriorityLow, entries[0].Priority)
}

func TestReportPollOutcomeResetsFailuresOnSuccess(t *testing.T) {
	s, _ := newTestScheduler()
	s.Sync([]pkgtypes.Mailbox{{ID: "mb-1", Host: "imap.gmail.com", Active: true}})

	s.ReportPollOutcome("mb-1", false, 0)
	s.ReportPollOutcome("mb-1", true, 5)

	entries := s.Snapshot()
	require.Len(t, entries, 1)
	assert.Equal(t, 0, entries[0].ConsecutiveFailures)
	assert.False(t, entries[0].Quarantined)
}

func TestReportPollOutcomeRestoresPriorityAndIntervalAfterQuarantine(t *testing.T) {
	s, _ := newTestScheduler()
	s.Sync([]pkgtypes.Mailbox{{ID: "mb-1", Host: "imap.gmail.com", Active: true, DailySendUsed: 5000}})

	for i := 0; i < s.cfg.MaxConsecutiveFailures; i++ {
		s.ReportPollOutcome("mb-1", false, 0)
	}
	quarantined := s.Snapshot()
	require.Len(t, quarantined, 1)
	require.True(t, quarantined[0].Quarantined)
	require.Equal(t, types.PriorityLow, quarantined[0].Priority)

	s.ReportPollOutcome("mb-1", true, 0)

	entries := s.Snapshot()
	require.Len(t, entries, 1)
	assert.False(t, entries[0].Quarantined)
	assert.Equal(t, types.PriorityHigh, entries[0].Priority)
	assert.Equal(t, types.VolumeLow.BaseInterval(), entries[0].Interval)
}

func TestQuarantineIntervalCapsAtOneHour(t *testing.T) {
	s, _ := newTestScheduler()
	s.Sync([]pkgtypes.Mailbox{{ID: "mb-1", Host: "imap.gmail.com", Active: true}})

	for i := 0; i < s.cfg.MaxConsecutiveFailures; i++ {
		s.ReportPollOutcome("mb-1", false, 0)
	}
	// Keep failing well past quarantine; every call doubles the interval
	// again and must still clamp to the cap rather than growing forever.
	for i := 0; i < 10; i++ {
		s.ReportPollOutcome("mb-1", false, 0)
	}

	entries := s.Snapshot()
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Quarantined)
	assert.Equal(t, maxQuarantineInterval, entries[0].Interval)
}

func TestReportIdleOutcomeDisablesAfterMaxFailures(t *testing.T) {
	s, _ := newTestScheduler()
	s.Sync([]pkgtypes.Mailbox{{ID: "mb-1", Host: "imap.gmail.com", Active: true}})

	for i := 0; i < s.cfg.MaxIdleFailures; i++ {
		s.ReportIdleOutcome("mb-1", false)
	}

	entries := s.Snapshot()
	require.Len(t, entries, 1)
	assert.False(t, entries[0].Idle.Enabled)
}

func TestDispatchPicksIdleWhenSupportedAndCooldownElapsed(t *testing.T) {
	s, q := newTestScheduler()
	s.Sync([]pkgtypes.Mailbox{{ID: "mb-1", Host: "imap.gmail.com", Active: true}})

	entries := s.Snapshot()
	require.Len(t, entries, 1)
	s.dispatch(s.entries["mb-1"], time.Now())

	require.Len(t, q.tasks, 1)
	assert.Equal(t, types.TaskIdle, q.tasks[0].Kind)
}
