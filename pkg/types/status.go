package types

import "time"

// ConnState is the IMAP connection lifecycle state of a mailbox, persisted
// to the external store so operators can observe the fleet (spec §3).
type ConnState string

const (
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateIdle         ConnState = "idle"
	StateDisconnected ConnState = "disconnected"
	StateError        ConnState = "error"
	StateReconnecting ConnState = "reconnecting"
)

// NeedsReconnect reports whether a mailbox in this state should be offered
// up by the Status Store Adapter's reconnect-candidate query (spec §4.5).
func (s ConnState) NeedsReconnect() bool {
	switch s {
	case StateDisconnected, StateError, StateReconnecting:
		return true
	default:
		return false
	}
}

// StatusRecord is the per-mailbox connection lifecycle record persisted by
// the Status Store Adapter (spec §3, §4.5).
type StatusRecord struct {
	MailboxID string    `json:"mailbox_id" db:"mailbox_id"`
	State     ConnState `json:"state" db:"state"`

	LastConnectedAt    *time.Time `json:"last_connected_at,omitempty" db:"last_connected_at"`
	LastDisconnectedAt *time.Time `json:"last_disconnected_at,omitempty" db:"last_disconnected_at"`
	LastErrorAt        *time.Time `json:"last_error_at,omitempty" db:"last_error_at"`
	LastError          string     `json:"last_error,omitempty" db:"last_error"`

	AttemptCount   int64 `json:"attempt_count" db:"attempt_count"`
	SuccessCount   int64 `json:"success_count" db:"success_count"`
	FailureCount   int64 `json:"failure_count" db:"failure_count"`
	MessagesDone   int64 `json:"messages_processed" db:"messages_processed"`

	NextReconnectAt *time.Time `json:"next_reconnect_at,omitempty" db:"next_reconnect_at"`
	Active          bool       `json:"active" db:"active"`

	// Watermark is the largest IMAP sequence number fully submitted to
	// the sink for this mailbox's INBOX (spec §4.2). A zero value means
	// "no watermark yet" — the Session Monitor treats that as "begin at
	// current EXISTS" rather than backfilling.
	Watermark uint32 `json:"watermark" db:"watermark"`
}

// MailboxWithStatus is the join row returned by the Status Store Adapter's
// active-mailboxes-with-status query (spec §4.5).
type MailboxWithStatus struct {
	Mailbox Mailbox
	Status  *StatusRecord
}
