package types

import "time"

// TLSMode describes how a Mailbox's IMAP endpoint is secured, derived from
// its port per spec §4.1 (993 implicit TLS, 587 STARTTLS, else plaintext).
type TLSMode int

const (
	TLSImplicit TLSMode = iota
	TLSStartTLS
	TLSNone
)

// TLSModeForPort implements spec §4.1's port convention.
func TLSModeForPort(port int) TLSMode {
	switch port {
	case 993:
		return TLSImplicit
	case 587:
		return TLSStartTLS
	default:
		return TLSNone
	}
}

// Mailbox is an account to be monitored, loaded from the external
// configuration/credential source (spec §3, §6).
type Mailbox struct {
	ID      string `json:"id"`
	Address string `json:"address"`

	Host string `json:"host"`
	Port int    `json:"port"`

	Username string `json:"username"`
	Password string `json:"password"`

	Active bool `json:"active"`

	Owner         string    `json:"owner"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
	DailySendUsed int       `json:"daily_send_used"`
}

// TLSMode derives this mailbox's TLS mode from its configured port.
func (m *Mailbox) TLSMode() TLSMode {
	return TLSModeForPort(m.Port)
}
