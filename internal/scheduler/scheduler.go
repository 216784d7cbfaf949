// Package scheduler implements the Scheduler (spec §4.3, component C3):
// a per-mailbox Schedule Entry table, a 10s tick loop that emits due
// tasks onto the Worker Fleet's queue, and the outcome-driven interval,
// priority, quarantine and IDLE-enablement adjustments spec §4.3 and §7
// describe.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/brandon/imap-fleet/internal/config"
	"github.com/brandon/imap-fleet/internal/hostkey"
	"github.com/brandon/imap-fleet/internal/types"
	pkgtypes "github.com/brandon/imap-fleet/pkg/types"
)

const tickInterval = 10 * time.Second

// idleReattemptCooldown is spec §4.3's "time since last_idle_attempt
// exceeds 300s" gate before IDLE is attempted again.
const idleReattemptCooldown = 300 * time.Second

// TaskQueue is the narrow view of the Worker Fleet's intake the Scheduler
// depends on (spec §4.3's "emits tasks that are due").
type TaskQueue interface {
	Enqueue(task types.Task) error
}

// Scheduler holds one Schedule Entry per active mailbox and drives the
// tick loop. All exported methods are safe for concurrent use; spec
// §4.3's "single-threaded over schedule entries" invariant is honored by
// serializing all entry mutation through mu rather than by a dedicated
// goroutine, since outcome reports arrive from many worker goroutines
// concurrently with the tick loop.
type Scheduler struct {
	cfg       *config.FleetConfig
	idleRules hostkey.IdleRules
	queue     TaskQueue
	logger    *logrus.Logger

	mu       sync.Mutex
	entries  map[string]*types.ScheduleEntry
	mailbox  map[string]pkgtypes.Mailbox
}

func New(cfg *config.FleetConfig, idleRules hostkey.IdleRules, queue TaskQueue, logger *logrus.Logger) *Scheduler {
	return &Scheduler{
		cfg:       cfg,
		idleRules: idleRules,
		queue:     queue,
		logger:    logger,
		entries:   make(map[string]*types.ScheduleEntry),
		mailbox:   make(map[string]pkgtypes.Mailbox),
	}
}

// SetQueue attaches the Worker Fleet's intake once it has been
// constructed. fleetapp.New needs this because the Scheduler and the
// Worker Fleet depend on each other (the Fleet is a TaskQueue to the
// Scheduler, the Scheduler is a FailureReporter to the Fleet) and Go has
// no forward declarations to break the cycle at construction time.
func (s *Scheduler) SetQueue(queue TaskQueue) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = queue
}

// Sync reconciles the schedule table against the currently active
// mailbox set (spec §3's "refreshed periodically"): new mailboxes get a
// fresh entry, mailboxes no longer present are deactivated rather than
// deleted, so a returning mailbox resumes its prior schedule state.
func (s *Scheduler) Sync(mailboxes []pkgtypes.Mailbox) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool, len(mailboxes))
	for _, mb := range mailboxes {
		seen[mb.ID] = true
		s.mailbox[mb.ID] = mb

		entry, ok := s.entries[mb.ID]
		if !ok {
			entry = s.newEntry(mb)
			s.entries[mb.ID] = entry
			continue
		}
		entry.Active = true
	}

	for id, entry := range s.entries {
		if !seen[id] {
			entry.Active = false
		}
	}
}

func (s *Scheduler) newEntry(mb pkgtypes.Mailbox) *types.ScheduleEntry {
	priority := types.PriorityForDailyLimit(mb.DailySendUsed)
	canonical := hostkey.Canonicalize(mb.Host)
	return &types.ScheduleEntry{
		MailboxID:    mb.ID,
		Priority:     priority,
		BasePriority: priority,
		Interval:     priority.BaseInterval(),
		NextDueAt:   time.Now(),
		VolumeTier:  types.VolumeLow,
		SuccessRate: 1,
		Active:      true,
		Idle: types.IdleState{
			Supported: s.idleRules.SupportedDefault(canonical),
			Enabled:   true,
		},
	}
}

// Run starts the 10s tick loop; it blocks until ctx is cancelled (spec
// §4.3's "Cancellation" propagation to "the Scheduler tick loop").
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

// tick implements spec §4.3's "Tick": scan all active entries, and for
// each whose NextDueAt has passed, enqueue a task of the appropriate
// kind.
func (s *Scheduler) tick() {
	now := time.Now()

	s.mu.Lock()
	due := make([]*types.ScheduleEntry, 0)
	for _, entry := range s.entries {
		if entry.Due(now) {
			due = append(due, entry)
		}
	}
	s.mu.Unlock()

	for _, entry := range due {
		s.dispatch(entry, now)
	}
}

func (s *Scheduler) dispatch(entry *types.ScheduleEntry, now time.Time) {
	s.mu.Lock()
	mailbox, ok := s.mailbox[entry.MailboxID]
	if !ok {
		s.mu.Unlock()
		return
	}

	kind := types.TaskPoll
	if entry.Idle.Enabled && entry.Idle.Supported && now.Sub(entry.Idle.LastAttemptAt) > idleReattemptCooldown {
		kind = types.TaskIdle
		entry.Idle.LastAttemptAt = now
	}
	priority := entry.Priority
	queue := s.queue
	s.mu.Unlock()

	if queue == nil {
		return
	}

	task := types.Task{
		ID:         uuid.NewString(),
		MailboxID:  mailbox.ID,
		Mailbox:    mailbox,
		Priority:   priority,
		Kind:       kind,
		EnqueuedAt: now,
		MaxRetries: s.cfg.MaxTaskRetries,
	}

	if err := queue.Enqueue(task); err != nil {
		s.logger.WithError(err).WithField("mailbox_id", mailbox.ID).Warn("Failed to enqueue scheduled task")
		return
	}
	s.logger.WithFields(logrus.Fields{"mailbox_id": mailbox.ID, "kind": kind}).Debug("Scheduled task dispatched")
}

// RequestReconnect implements pool.SchedulerNotifier: the Connection Pool
// asks the Scheduler to pull a mailbox forward after a liveness sweep
// finds its session dead (spec §4.1).
func (s *Scheduler) RequestReconnect(mailboxID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.entries[mailboxID]; ok {
		entry.NextDueAt = time.Now()
	}
}

// ReportPollOutcome implements monitor.OutcomeReporter, spec §4.3's
// "Poll success"/"Poll failure" outcome rules.
func (s *Scheduler) ReportPollOutcome(mailboxID string, success bool, newMessages int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[mailboxID]
	if !ok {
		return
	}

	now := time.Now()
	if success {
		entry.LastServicedAt = now
		entry.ConsecutiveFailures = 0
		if entry.Quarantined {
			// The next success after quarantine restores the mailbox's
			// own priority and its tier-derived interval, rather than
			// leaving it permanently demoted (spec §4.3's Quarantine
			// rule).
			entry.Quarantined = false
			entry.Priority = entry.BasePriority
			entry.Interval = entry.VolumeTier.BaseInterval()
		}
		entry.SuccessRate = min1(entry.SuccessRate + 0.1)
		s.adaptVolume(entry, newMessages)
		entry.NextDueAt = now.Add(entry.Interval)
		return
	}

	entry.ConsecutiveFailures++
	entry.SuccessRate = max0(entry.SuccessRate - 0.2)
	if entry.ConsecutiveFailures >= s.cfg.MaxConsecutiveFailures {
		s.quarantine(entry, now)
		return
	}
	backoff := time.Duration(float64(entry.Interval) * s.powBackoff(entry.ConsecutiveFailures))
	if backoff > 300*time.Second {
		backoff = 300 * time.Second
	}
	entry.NextDueAt = now.Add(backoff)
}

// maxQuarantineInterval is spec §4.3's cap on the quarantine interval:
// it doubles on every subsequent failure but never grows past this, the
// same capped-doubling discipline as the poll-failure backoff path above and
// worker.retryBackoff.
const maxQuarantineInterval = time.Hour

// quarantine implements spec Testable Property 5: priority drops to low
// and the interval at least doubles (capped at maxQuarantineInterval)
// once ConsecutiveFailures crosses the threshold. quarantine is called
// again on every subsequent failure while still quarantined, so the cap
// has to be enforced here, not just on the initial demotion.
func (s *Scheduler) quarantine(entry *types.ScheduleEntry, now time.Time) {
	entry.Quarantined = true
	entry.Priority = types.PriorityLow
	if entry.Interval < 2*entry.Priority.BaseInterval() {
		entry.Interval = 2 * entry.Priority.BaseInterval()
	} else {
		entry.Interval *= 2
	}
	if entry.Interval > maxQuarantineInterval {
		entry.Interval = maxQuarantineInterval
	}
	entry.NextDueAt = now.Add(entry.Interval)
}

// adaptVolume implements spec §4.3's "Volume adaptation": reclassify the
// tier from observed new-message count, and pull NextDueAt earlier if the
// new interval is shorter.
func (s *Scheduler) adaptVolume(entry *types.ScheduleEntry, newMessages int) {
	tier := types.VolumeTierForCount(newMessages)
	if tier == entry.VolumeTier {
		return
	}
	entry.VolumeTier = tier
	newInterval := tier.BaseInterval()
	if newInterval < entry.Interval {
		entry.Interval = newInterval
	}
}

// ReportIdleOutcome implements monitor.OutcomeReporter, spec §4.3's
// "IDLE success"/"IDLE failure" outcome rules.
func (s *Scheduler) ReportIdleOutcome(mailboxID string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, found := s.entries[mailboxID]
	if !found {
		return
	}

	now := time.Now()
	if ok {
		entry.Idle.Failures = 0
		entry.NextDueAt = now.Add(60 * time.Second)
		return
	}

	entry.Idle.Failures++
	if entry.Idle.Failures >= s.cfg.MaxIdleFailures {
		entry.Idle.Enabled = false
		entry.NextDueAt = now.Add(30 * time.Second)
		return
	}
	backoff := time.Duration(float64(60*time.Second) * s.powBackoff(entry.Idle.Failures))
	if backoff > 300*time.Second {
		backoff = 300 * time.Second
	}
	entry.NextDueAt = now.Add(backoff)
}

// Snapshot returns a shallow copy of every schedule entry, for the
// observability surface's schedule-detail view (spec §6) and the status
// CLI subcommand.
func (s *Scheduler) Snapshot() []types.ScheduleEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.ScheduleEntry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, *e)
	}
	return out
}

func min1(v float64) float64 {
	if v > 1 {
		return 1
	}
	return v
}

func max0(v float64) float64 {
	if v < 0 {
		return 0
	}
	return v
}

// powBackoff raises cfg.BackoffMultiplier (spec §6's BACKOFF_MULTIPLIER)
// to the n-th power, the exponential-backoff base both the poll-failure
// and IDLE-failure backoff calculations share.
func (s *Scheduler) powBackoff(n int) float64 {
	result := 1.0
	for i := 0; i < n; i++ {
		result *= s.cfg.BackoffMultiplier
	}
	return result
}
