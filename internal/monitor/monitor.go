package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/brandon/imap-fleet/internal/imapsession"
	"github.com/brandon/imap-fleet/internal/types"
	pkgtypes "github.com/brandon/imap-fleet/pkg/types"
)

const inboxName = "INBOX"

// fetchBatchSize implements spec §4.2 step (e): fetch the new-message
// range in batches of 10.
const fetchBatchSize = 10

// SessionPool is the narrow view of the Connection Pool the Session
// Monitor depends on (spec §4.1/§4.2 boundary). Acquire doubles as the
// "mailbox lock acquired for the duration of the operation" spec §4.2
// step (b) names: the pool's borrow lease is already exclusive per
// mailbox, so a second, separate lock would be redundant bookkeeping.
type SessionPool interface {
	Acquire(ctx context.Context, mailbox pkgtypes.Mailbox, priority types.Priority) (imapsession.Session, error)
	Release(mailboxID string)
	MarkIdle(mailboxID string)
}

// Sink is the boundary to the Sink Adapter (spec §4.2, §5): the Session
// Monitor never talks to the downstream queue directly.
type Sink interface {
	Submit(ctx context.Context, mailboxID string, envelopes []pkgtypes.Envelope) error
}

// WatermarkStore is the slice of the Status Store Adapter the Session
// Monitor needs for watermark persistence (spec §4.2's "Watermark
// persistence").
type WatermarkStore interface {
	Watermark(mailboxID string) (uint32, bool, error)
	AdvanceWatermark(mailboxID string, seq uint32) error
	IncrementMessagesProcessed(mailboxID string, n int64)
	MarkState(mailboxID string, state pkgtypes.ConnState)
	MarkError(mailboxID string, message string)
}

// OutcomeReporter is the Scheduler's callback surface for poll/idle
// results (spec §4.2's "notify the Scheduler").
type OutcomeReporter interface {
	ReportPollOutcome(mailboxID string, success bool, newMessages int)
	ReportIdleOutcome(mailboxID string, ok bool)
}

// Monitor is the Session Monitor (spec §4.2, component C2).
type Monitor struct {
	pool      SessionPool
	sink      Sink
	store     WatermarkStore
	scheduler OutcomeReporter
	logger    *logrus.Logger

	idleTimeout  time.Duration
	noopInterval time.Duration
	parseMode    ParseMode
}

func New(pool SessionPool, sink Sink, store WatermarkStore, scheduler OutcomeReporter, logger *logrus.Logger, idleTimeout, noopInterval time.Duration) *Monitor {
	return &Monitor{
		pool:         pool,
		sink:         sink,
		store:        store,
		scheduler:    scheduler,
		logger:       logger,
		idleTimeout:  idleTimeout,
		noopInterval: noopInterval,
		parseMode:    ParseRawSource,
	}
}

// RunPoll implements spec §4.2's Poll mode, steps (a)-(h).
func (m *Monitor) RunPoll(ctx context.Context, mailbox pkgtypes.Mailbox, priority types.Priority) (newMessages int, err error) {
	session, err := m.pool.Acquire(ctx, mailbox, priority)
	if err != nil {
		return 0, fmt.Errorf("failed to acquire session for %s: %w", mailbox.ID, err)
	}
	defer m.pool.Release(mailbox.ID)

	n, err := m.pollOnce(ctx, session, mailbox)
	if err != nil {
		m.store.MarkError(mailbox.ID, err.Error())
		m.scheduler.ReportPollOutcome(mailbox.ID, false, 0)
		return 0, err
	}
	m.scheduler.ReportPollOutcome(mailbox.ID, true, n)
	return n, nil
}

// pollOnce executes one open-fetch-emit-advance cycle against an already
// acquired session. Shared by RunPoll and the per-EXISTS IDLE callback.
func (m *Monitor) pollOnce(ctx context.Context, session imapsession.Session, mailbox pkgtypes.Mailbox) (int, error) {
	exists, err := session.OpenMailbox(ctx, inboxName)
	if err != nil {
		return 0, fmt.Errorf("failed to open INBOX for %s: %w", mailbox.ID, err)
	}

	watermark, known, err := m.store.Watermark(mailbox.ID)
	if err != nil {
		return 0, fmt.Errorf("failed to load watermark for %s: %w", mailbox.ID, err)
	}
	if !known {
		// No backfill of historical mail on a fresh start (spec §4.2's
		// "Watermark persistence").
		if err := m.store.AdvanceWatermark(mailbox.ID, exists); err != nil {
			return 0, err
		}
		return 0, nil
	}
	if exists <= watermark {
		return 0, nil
	}

	from, to := watermark+1, exists
	total, err := m.fetchAndEmitRange(ctx, session, mailbox, from, to)
	if err != nil {
		return 0, err
	}

	if err := m.store.AdvanceWatermark(mailbox.ID, exists); err != nil {
		return total, err
	}
	m.store.IncrementMessagesProcessed(mailbox.ID, int64(total))
	return total, nil
}

// fetchAndEmitRange implements step (e)-(f): batch fetch, normalize, and
// submit in order. Partial progress within a range is never acknowledged
// to the watermark — a batch failure aborts the whole range (spec's
// cancellation invariant: "partially processed batches are not
// acknowledged to the watermark unless they fully completed").
func (m *Monitor) fetchAndEmitRange(ctx context.Context, session imapsession.Session, mailbox pkgtypes.Mailbox, from, to uint32) (int, error) {
	total := 0
	for start := from; start <= to; start += fetchBatchSize {
		end := start + fetchBatchSize - 1
		if end > to {
			end = to
		}

		messages, err := session.FetchRange(ctx, start, end)
		if err != nil {
			return total, fmt.Errorf("failed to fetch range [%d,%d] for %s: %w", start, end, mailbox.ID, err)
		}

		envelopes := make([]pkgtypes.Envelope, 0, len(messages))
		for _, msg := range messages {
			env, ok := buildEnvelope(mailbox.ID, msg, m.parseMode)
			if !ok {
				m.logger.WithFields(logrus.Fields{"mailbox_id": mailbox.ID, "seq": msg.SeqNum}).
					Debug("Dropped message with no Message-ID and no usable UID")
				continue
			}
			envelopes = append(envelopes, env)
		}

		if len(envelopes) > 0 {
			if err := m.sink.Submit(ctx, mailbox.ID, envelopes); err != nil {
				return total, fmt.Errorf("failed to submit batch for %s: %w", mailbox.ID, err)
			}
		}
		total += len(envelopes)
	}
	return total, nil
}

// RunIdle implements spec §4.2's IDLE mode, steps (a)-(e).
func (m *Monitor) RunIdle(ctx context.Context, mailbox pkgtypes.Mailbox, priority types.Priority) error {
	session, err := m.pool.Acquire(ctx, mailbox, priority)
	if err != nil {
		return fmt.Errorf("failed to acquire session for %s: %w", mailbox.ID, err)
	}
	defer m.pool.Release(mailbox.ID)

	if _, err := session.OpenMailbox(ctx, inboxName); err != nil {
		m.scheduler.ReportIdleOutcome(mailbox.ID, false)
		return fmt.Errorf("failed to open INBOX for %s: %w", mailbox.ID, err)
	}

	onExists := func(exists uint32) {
		if _, err := m.pollOnce(ctx, session, mailbox); err != nil {
			m.logger.WithError(err).WithField("mailbox_id", mailbox.ID).Warn("Failed to process IDLE EXISTS notification")
		}
	}

	idleErrCh := make(chan error, 1)
	go func() { idleErrCh <- session.Idle(ctx, m.noopInterval, onExists) }()

	// Spec §4.2 step (c)'s 30s startup deadline: if IDLE errors before it
	// has run that long, treat it as a startup failure and fall back to
	// Poll on the same borrow rather than re-acquiring.
	select {
	case err := <-idleErrCh:
		if ctx.Err() != nil {
			m.scheduler.ReportIdleOutcome(mailbox.ID, true)
			return nil
		}
		m.scheduler.ReportIdleOutcome(mailbox.ID, false)
		if err == nil {
			return nil
		}
		m.logger.WithError(err).WithField("mailbox_id", mailbox.ID).Warn("IDLE startup failed, falling back to poll")
		if _, pollErr := m.pollOnce(ctx, session, mailbox); pollErr != nil {
			return fmt.Errorf("idle startup failed and fallback poll also failed for %s: %w", mailbox.ID, pollErr)
		}
		return nil
	case <-time.After(m.idleTimeout):
	}

	m.pool.MarkIdle(mailbox.ID)
	m.store.MarkState(mailbox.ID, pkgtypes.StateIdle)

	err = <-idleErrCh
	if err != nil && ctx.Err() == nil {
		m.scheduler.ReportIdleOutcome(mailbox.ID, false)
		return fmt.Errorf("idle failed for %s: %w", mailbox.ID, err)
	}

	m.scheduler.ReportIdleOutcome(mailbox.ID, true)
	return nil
}

// RunHealthCheck implements the health-check task kind (spec §3's Task
// kinds): a cheap liveness probe without opening a mailbox.
func (m *Monitor) RunHealthCheck(ctx context.Context, mailbox pkgtypes.Mailbox, priority types.Priority) error {
	_, err := m.pool.Acquire(ctx, mailbox, priority)
	if err != nil {
		return fmt.Errorf("failed health-check acquire for %s: %w", mailbox.ID, err)
	}
	defer m.pool.Release(mailbox.ID)
	return nil
}
