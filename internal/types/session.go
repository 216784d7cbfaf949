package types

import "time"

// IMAPState mirrors the subset of the IMAP session lifecycle the
// Connection Pool and Session Monitor need to track (spec §3, §4.1).
type IMAPState string

const (
	IMAPConnected    IMAPState = "connected"
	IMAPIdle         IMAPState = "idle"
	IMAPError        IMAPState = "error"
	IMAPDisconnected IMAPState = "disconnected"
)

// SessionMeta is the Connection Pool's bookkeeping record for a live IMAP
// session (spec §3's Session entity). The live connection itself lives
// behind the imapsession.Session capability interface; this struct is the
// pool's metadata about it.
type SessionMeta struct {
	MailboxID    string
	HostKey      string
	CreatedAt    time.Time
	LastActiveAt time.Time
	State        IMAPState
	Live         bool
}
