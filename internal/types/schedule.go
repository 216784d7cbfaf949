package types

import "time"

// Priority is a mailbox's scheduling tier (spec §3, §4.3).
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	default:
		return "low"
	}
}

// PriorityForDailyLimit implements spec §4.3's default priority-from-
// volume-hint rule.
func PriorityForDailyLimit(dailyLimit int) Priority {
	switch {
	case dailyLimit > 1000:
		return PriorityHigh
	case dailyLimit > 100:
		return PriorityMedium
	default:
		return PriorityLow
	}
}

// VolumeTier is the Scheduler's observed email-volume classification for a
// mailbox (spec §3, §4.3).
type VolumeTier int

const (
	VolumeLow VolumeTier = iota
	VolumeMedium
	VolumeHigh
)

// VolumeTierForCount implements spec §4.3's volume-adaptation rule.
func VolumeTierForCount(newMessages int) VolumeTier {
	switch {
	case newMessages > 100:
		return VolumeHigh
	case newMessages > 10:
		return VolumeMedium
	default:
		return VolumeLow
	}
}

// BaseIntervalForTier maps a priority or volume tier to its base polling
// interval (spec §4.3: high=60s, medium=300s, low=900s — the same three
// buckets are reused for both the priority-derived and the volume-derived
// interval).
func BaseIntervalForTier(high bool, medium bool) time.Duration {
	switch {
	case high:
		return 60 * time.Second
	case medium:
		return 300 * time.Second
	default:
		return 900 * time.Second
	}
}

func (p Priority) BaseInterval() time.Duration {
	return BaseIntervalForTier(p == PriorityHigh, p == PriorityMedium)
}

func (v VolumeTier) BaseInterval() time.Duration {
	return BaseIntervalForTier(v == VolumeHigh, v == VolumeMedium)
}

// IdleState is a Schedule Entry's IDLE sub-state block (spec §3).
type IdleState struct {
	Supported       bool
	Enabled         bool
	Failures        int
	LastAttemptAt   time.Time
}

// ScheduleEntry is the Scheduler's per-mailbox record (spec §3, §4.3).
type ScheduleEntry struct {
	MailboxID string

	Priority Priority
	Interval time.Duration

	// BasePriority is the priority computed from the mailbox's own
	// configuration (PriorityForDailyLimit), independent of any
	// temporary quarantine demotion. Quarantine restores Priority to
	// this value on the next successful poll (spec §4.3's Quarantine:
	// "...continues to be probed at the reduced cadence until the next
	// success restores it").
	BasePriority Priority

	LastServicedAt time.Time
	NextDueAt      time.Time

	VolumeTier  VolumeTier
	SuccessRate float64

	ConsecutiveFailures int
	Active              bool

	Idle IdleState

	// Quarantined is true once ConsecutiveFailures has crossed the
	// MaxConsecutiveFailures threshold; it is cleared on the next
	// success (spec §4.3's Quarantine rule, Testable Property 5).
	Quarantined bool
}

// Due reports whether this entry's next service time has passed.
func (e *ScheduleEntry) Due(now time.Time) bool {
	return e.Active && !e.NextDueAt.After(now)
}
