package types

import (
	"time"

	pkgtypes "github.com/brandon/imap-fleet/pkg/types"
)

// TaskKind is the unit of work the Worker Fleet executes (spec §3, §4.4).
type TaskKind string

const (
	TaskPoll        TaskKind = "poll"
	TaskIdle        TaskKind = "idle"
	TaskHealthCheck TaskKind = "health-check"
)

// Task is an immutable unit of work for the Worker Fleet (spec §3). A
// retry produces a new Task value with RetryCount incremented; the
// original is never mutated in place.
type Task struct {
	ID         string
	MailboxID  string
	Mailbox    pkgtypes.Mailbox // snapshot taken at enqueue time
	Priority   Priority
	Kind       TaskKind
	EnqueuedAt time.Time
	RetryCount int
	MaxRetries int
}

// WithRetry returns a new Task instance representing a retry of t, per
// spec §3's "re-enqueued on retry as a new logical task instance"
// invariant.
func (t Task) WithRetry() Task {
	t.RetryCount++
	t.EnqueuedAt = time.Now()
	return t
}

func (t Task) ExhaustedRetries() bool {
	return t.RetryCount >= t.MaxRetries
}
