// Package types holds the data contracts shared across the fleet and with
// its external collaborators: the normalized Envelope handed to the sink,
// the Mailbox record loaded from the credential source, and the Status
// Record persisted back to it.
package types

import "time"

// Envelope is the normalized record emitted per observed message. Its
// field set matches spec §3 and §6 exactly — this is the JSON shape a
// downstream consumer of the sink sees.
type Envelope struct {
	MailboxID         string    `json:"mailbox_id"`
	OriginalMessageID string    `json:"original_message_id"`
	InternalID        string    `json:"internal_id"`
	ThreadID          string    `json:"thread_id"`
	InReplyTo         string    `json:"in_reply_to"`
	References        []string  `json:"references"`
	From              string    `json:"from"`
	To                []string  `json:"to"`
	Subject           string    `json:"subject"`
	Body              string    `json:"body"`
	ReceivedAt        time.Time `json:"received_at"`
	IsReply           bool      `json:"is_reply"`

	Attachments []Attachment `json:"attachments,omitempty"`

	// Sequence is the IMAP sequence number the envelope was fetched at.
	// It is not part of the wire contract with the sink (not listed in
	// spec §6's attribute set) and is dropped before serialization to the
	// sink body. The watermark is advanced from the mailbox's EXISTS
	// count, not from this field.
	Sequence uint32 `json:"-"`
	UID      uint32 `json:"-"`
}

// Attachment is produced only by the fully-parsed RFC-5322 path (spec
// §4.2); the raw-source path leaves Attachments nil.
type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Size        int    `json:"size"`
	ContentB64  string `json:"content_base64"`
}

// IsReplyOf computes the is_reply flag per spec §4.2 / Testable Property 7.
func IsReplyOf(inReplyTo string, references []string) bool {
	return inReplyTo != "" || len(references) > 0
}
