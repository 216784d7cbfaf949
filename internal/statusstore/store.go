package statusstore

import (
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	pkgtypes "github.com/brandon/imap-fleet/pkg/types"
)

// Store is the Status Store Adapter (spec §4.5). All methods are safe for
// concurrent use.
type Store struct {
	db     *DB
	logger *logrus.Logger

	// inflight serializes concurrent upserts per mailbox id to this
	// process (spec §4.5: "a single in-flight upsert per mailbox id at a
	// time"). Cross-process races — this fleet runs horizontally scaled
	// — are handled by the duplicate-key retry in upsertRow.
	inflight sync.Map // mailboxID string -> *sync.Mutex
}

func NewStore(db *DB, logger *logrus.Logger) *Store {
	return &Store{db: db, logger: logger}
}

func (s *Store) lockFor(mailboxID string) *sync.Mutex {
	v, _ := s.inflight.LoadOrStore(mailboxID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// UpsertStatus idempotently writes rec, keyed by mailbox id (spec §4.5).
func (s *Store) UpsertStatus(rec pkgtypes.StatusRecord) error {
	lock := s.lockFor(rec.MailboxID)
	lock.Lock()
	defer lock.Unlock()
	return s.upsertRow(rec)
}

func (s *Store) upsertRow(rec pkgtypes.StatusRecord) error {
	_, err := s.db.conn.NamedExec(s.upsertQuery(), rec)
	if err != nil && isDuplicateKeyErr(err) {
		// Another fleet instance inserted this mailbox's row first;
		// fall back to a plain update (spec §7's "Watermark/store"
		// error row: "Upsert duplicate-key -> Retry update once").
		s.logger.WithField("mailbox_id", rec.MailboxID).Warn("Status store duplicate-key on insert, retrying as update")
		_, err = s.db.conn.NamedExec(s.updateQuery(), rec)
	}
	if err != nil {
		return fmt.Errorf("failed to upsert status record for %s: %w", rec.MailboxID, err)
	}
	return nil
}

func (s *Store) upsertQuery() string {
	if s.db.driver == "mysql" {
		return `
			INSERT INTO status_records
				(mailbox_id, state, last_connected_at, last_disconnected_at, last_error_at, last_error,
				 attempt_count, success_count, failure_count, messages_processed, next_reconnect_at, active, watermark)
			VALUES
				(:mailbox_id, :state, :last_connected_at, :last_disconnected_at, :last_error_at, :last_error,
				 :attempt_count, :success_count, :failure_count, :messages_processed, :next_reconnect_at, :active, :watermark)
			ON DUPLICATE KEY UPDATE
				state=VALUES(state), last_connected_at=VALUES(last_connected_at),
				last_disconnected_at=VALUES(last_disconnected_at), last_error_at=VALUES(last_error_at),
				last_error=VALUES(last_error), attempt_count=VALUES(attempt_count), success_count=VALUES(success_count),
				failure_count=VALUES(failure_count), messages_processed=VALUES(messages_processed),
				next_reconnect_at=VALUES(next_reconnect_at), active=VALUES(active), watermark=VALUES(watermark),
				updated_at=CURRENT_TIMESTAMP
		`
	}
	return `
		INSERT INTO status_records
			(mailbox_id, state, last_connected_at, last_disconnected_at, last_error_at, last_error,
			 attempt_count, success_count, failure_count, messages_processed, next_reconnect_at, active, watermark)
		VALUES
			(:mailbox_id, :state, :last_connected_at, :last_disconnected_at, :last_error_at, :last_error,
			 :attempt_count, :success_count, :failure_count, :messages_processed, :next_reconnect_at, :active, :watermark)
		ON CONFLICT(mailbox_id) DO UPDATE SET
			state=excluded.state, last_connected_at=excluded.last_connected_at,
			last_disconnected_at=excluded.last_disconnected_at, last_error_at=excluded.last_error_at,
			last_error=excluded.last_error, attempt_count=excluded.attempt_count, success_count=excluded.success_count,
			failure_count=excluded.failure_count, messages_processed=excluded.messages_processed,
			next_reconnect_at=excluded.next_reconnect_at, active=excluded.active, watermark=excluded.watermark,
			updated_at=CURRENT_TIMESTAMP
	`
}

func (s *Store) updateQuery() string {
	return `
		UPDATE status_records SET
			state=:state, last_connected_at=:last_connected_at, last_disconnected_at=:last_disconnected_at,
			last_error_at=:last_error_at, last_error=:last_error, attempt_count=:attempt_count,
			success_count=:success_count, failure_count=:failure_count, messages_processed=:messages_processed,
			next_reconnect_at=:next_reconnect_at, active=:active, watermark=:watermark
		WHERE mailbox_id=:mailbox_id
	`
}

func isDuplicateKeyErr(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate")
}

// Get returns the status record for mailboxID, or (nil, nil) if absent.
func (s *Store) Get(mailboxID string) (*pkgtypes.StatusRecord, error) {
	var rec pkgtypes.StatusRecord
	err := s.db.conn.Get(&rec, `SELECT * FROM status_records WHERE mailbox_id = ?`, mailboxID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load status record for %s: %w", mailboxID, err)
	}
	return &rec, nil
}

// readModify loads the current record (or a fresh default) and applies
// mutate under the per-mailbox lock, then writes it back. This backs the
// increment helpers and state-transition setters; it replaces the
// teacher's mixed sync/async counter pattern (Design Notes §9) with a
// single place that guarantees each mailbox's row is read, modified and
// written as one atomic unit from this process's point of view.
func (s *Store) readModify(mailboxID string, mutate func(*pkgtypes.StatusRecord)) error {
	lock := s.lockFor(mailboxID)
	lock.Lock()
	defer lock.Unlock()

	rec, err := s.get(mailboxID)
	if err != nil {
		return err
	}
	mutate(rec)
	return s.upsertRow(*rec)
}

func (s *Store) get(mailboxID string) (*pkgtypes.StatusRecord, error) {
	var rec pkgtypes.StatusRecord
	err := s.db.conn.Get(&rec, `SELECT * FROM status_records WHERE mailbox_id = ?`, mailboxID)
	if err == sql.ErrNoRows {
		return &pkgtypes.StatusRecord{MailboxID: mailboxID, State: pkgtypes.StateConnecting, Active: true}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load status record for %s: %w", mailboxID, err)
	}
	return &rec, nil
}

func (s *Store) IncrementAttempt(mailboxID string) {
	s.mustReadModify(mailboxID, func(r *pkgtypes.StatusRecord) { r.AttemptCount++ })
}

func (s *Store) IncrementSuccess(mailboxID string) {
	s.mustReadModify(mailboxID, func(r *pkgtypes.StatusRecord) {
		r.SuccessCount++
		now := time.Now()
		r.LastConnectedAt = &now
	})
}

func (s *Store) IncrementFailure(mailboxID string) {
	s.mustReadModify(mailboxID, func(r *pkgtypes.StatusRecord) { r.FailureCount++ })
}

func (s *Store) IncrementMessagesProcessed(mailboxID string, n int64) {
	s.mustReadModify(mailboxID, func(r *pkgtypes.StatusRecord) { r.MessagesDone += n })
}

func (s *Store) MarkState(mailboxID string, state pkgtypes.ConnState) {
	s.mustReadModify(mailboxID, func(r *pkgtypes.StatusRecord) {
		r.State = state
		now := time.Now()
		switch state {
		case pkgtypes.StateConnected, pkgtypes.StateIdle:
			r.LastConnectedAt = &now
		case pkgtypes.StateDisconnected:
			r.LastDisconnectedAt = &now
		}
	})
}

func (s *Store) MarkError(mailboxID string, message string) {
	s.mustReadModify(mailboxID, func(r *pkgtypes.StatusRecord) {
		r.State = pkgtypes.StateError
		now := time.Now()
		r.LastErrorAt = &now
		r.LastError = message
	})
}

// mustReadModify logs rather than propagates store errors from the
// fire-and-forget counter/state setters, matching spec §7's "Watermark/
// store" row: a store write failure is a logged warning, never a task
// failure.
func (s *Store) mustReadModify(mailboxID string, mutate func(*pkgtypes.StatusRecord)) {
	if err := s.readModify(mailboxID, mutate); err != nil {
		s.logger.WithError(err).WithField("mailbox_id", mailboxID).Warn("Status store write failed")
	}
}

// Watermark returns the persisted watermark for mailboxID and whether one
// exists yet. A missing watermark means "start from current EXISTS" per
// spec §4.2.
func (s *Store) Watermark(mailboxID string) (uint32, bool, error) {
	rec, err := s.Get(mailboxID)
	if err != nil {
		return 0, false, err
	}
	if rec == nil {
		return 0, false, nil
	}
	return rec.Watermark, rec.Watermark > 0, nil
}

// AdvanceWatermark sets the watermark to seq, gated on the caller having
// already fully submitted the corresponding range to the sink (spec
// §4.2, §7: "Watermark advancement is gated on full successful sink
// submission for the range").
func (s *Store) AdvanceWatermark(mailboxID string, seq uint32) error {
	return s.readModify(mailboxID, func(r *pkgtypes.StatusRecord) { r.Watermark = seq })
}

// AggregateMessageCounts sums messages_processed and failure_count across
// every tracked mailbox, for the observability surface's metrics snapshot
// (spec §6's "messages processed/failed" — a fleet-wide total, not the
// Worker Fleet's own task-level completed/failed counters). failure_count
// is incremented for failed session creations; no per-message failure
// count is stored, so the failed total counts connection failures.
func (s *Store) AggregateMessageCounts() (processed int64, failed int64, err error) {
	var row struct {
		Processed sql.NullInt64 `db:"processed"`
		Failed    sql.NullInt64 `db:"failed"`
	}
	err = s.db.conn.Get(&row, `
		SELECT SUM(messages_processed) AS processed, SUM(failure_count) AS failed
		FROM status_records
	`)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to aggregate message counts: %w", err)
	}
	return row.Processed.Int64, row.Failed.Int64, nil
}

// ReconnectCandidates returns mailbox ids whose status is disconnected,
// error, or reconnecting and which are still active (spec §4.5).
func (s *Store) ReconnectCandidates() ([]string, error) {
	var ids []string
	err := s.db.conn.Select(&ids, `
		SELECT mailbox_id FROM status_records
		WHERE active = 1 AND state IN ('disconnected', 'error', 'reconnecting')
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query reconnect candidates: %w", err)
	}
	return ids, nil
}

// JoinWithMailboxes zips mailboxes with their persisted status record, for
// the "active mailboxes with their current status" query spec §4.5 names.
// mailboxes comes from the configuration/credential source, which this
// adapter does not itself own (spec §6: a separate external collaborator).
func (s *Store) JoinWithMailboxes(mailboxes []pkgtypes.Mailbox) ([]pkgtypes.MailboxWithStatus, error) {
	out := make([]pkgtypes.MailboxWithStatus, 0, len(mailboxes))
	for _, m := range mailboxes {
		rec, err := s.Get(m.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, pkgtypes.MailboxWithStatus{Mailbox: m, Status: rec})
	}
	return out, nil
}
