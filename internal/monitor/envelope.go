// Package monitor implements the Session Monitor (spec §4.2, component
// C2): poll and IDLE orchestration against a borrowed IMAP session, and
// the normalization of a FetchedMessage into an Envelope for the Sink
// Adapter.
package monitor

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/jaytaylor/html2text"
	"github.com/jhillyerd/enmime"

	"github.com/brandon/imap-fleet/internal/imapsession"
	pkgtypes "github.com/brandon/imap-fleet/pkg/types"
)

// ParseMode selects which of the two RFC-5322 parsing paths spec §4.2
// names: the raw-source path (enmime, the teacher's own approach, kept as
// the default) or the fully-parsed path that additionally extracts
// attachment metadata (go-message/mail, grounded on the task-management
// email source).
type ParseMode int

const (
	ParseRawSource ParseMode = iota
	ParseFullyParsed
)

// maxEnvelopeBytes and truncatedBodyCap implement spec §4.2's oversize
// handling: an envelope whose body exceeds 250KB has its body truncated to
// 200KB with an explicit marker. Only the body length is measured; the
// other fields and any attachments are not counted toward the limit.
const (
	maxEnvelopeBytes  = 250 * 1024
	truncatedBodyCap  = 200 * 1024
	truncationMarker  = "\n[Message truncated]"
)

// buildEnvelope normalizes one FetchedMessage into the wire shape the Sink
// Adapter consumes (spec §3's Envelope attributes, Testable Property 7 for
// is_reply, Testable Property 8's determinism modulo internal id).
func buildEnvelope(mailboxID string, msg imapsession.FetchedMessage, mode ParseMode) (pkgtypes.Envelope, bool) {
	if msg.MessageID == "" && msg.UID == 0 {
		// Neither a Message-ID header nor a usable UID to synthesize an
		// internal id from: spec §4.2 step (f) drops this message.
		return pkgtypes.Envelope{}, false
	}

	body, attachments := parseBody(msg.Raw, mode)

	env := pkgtypes.Envelope{
		MailboxID:         mailboxID,
		OriginalMessageID: msg.MessageID,
		InternalID:        synthesizeInternalID(mailboxID, msg),
		ThreadID:          threadID(msg),
		InReplyTo:         msg.InReplyTo,
		References:        msg.References,
		From:              msg.From,
		To:                msg.To,
		Subject:           msg.Subject,
		Body:              body,
		ReceivedAt:        msg.Date,
		IsReply:           pkgtypes.IsReplyOf(msg.InReplyTo, msg.References),
		Attachments:       attachments,
		Sequence:          msg.SeqNum,
		UID:               msg.UID,
	}

	applyOversizeTruncation(&env)
	return env, true
}

// synthesizeInternalID implements spec §3's "locally-assigned internal id,
// unique across the fleet." It is deterministic in its inputs except for
// wall time, matching Testable Property 8 ("modulo internal_id, which
// contains wall time").
func synthesizeInternalID(mailboxID string, msg imapsession.FetchedMessage) string {
	return fmt.Sprintf("%s_%d_%d", mailboxID, msg.UID, time.Now().UnixMilli())
}

// threadID implements spec §3's thread id rule: equal to In-Reply-To when
// present, otherwise the message's own Message-ID (it starts its own
// thread).
func threadID(msg imapsession.FetchedMessage) string {
	if msg.InReplyTo != "" {
		return msg.InReplyTo
	}
	return msg.MessageID
}

func parseBody(raw []byte, mode ParseMode) (string, []pkgtypes.Attachment) {
	if len(raw) == 0 {
		return "", nil
	}
	if mode == ParseFullyParsed {
		return parseFullyParsed(raw)
	}
	return parseRawSource(raw)
}

// parseRawSource mirrors the teacher's enmime.ReadEnvelope call
// (internal/email/imap_client.go), falling back to the raw bytes as plain
// text when enmime cannot parse the message.
func parseRawSource(raw []byte) (string, []pkgtypes.Attachment) {
	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		return string(raw), nil
	}
	if env.Text != "" {
		return env.Text, nil
	}
	if env.HTML != "" {
		if text, err := html2text.FromString(env.HTML, html2text.Options{PrettyTables: false}); err == nil {
			return text, nil
		}
		return env.HTML, nil
	}
	return "", nil
}

// parseFullyParsed mirrors task-management's parseMIMEBody: walk the
// go-message/mail part tree, keep text/plain (falling back to an
// HTML-to-text conversion of text/html), and collect attachment metadata.
func parseFullyParsed(raw []byte) (string, []pkgtypes.Attachment) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return string(raw), nil
	}
	defer mr.Close()

	var textBody, htmlBody string
	var attachments []pkgtypes.Attachment

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}

		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			contentType, _, _ := h.ContentType()
			body, readErr := io.ReadAll(part.Body)
			if readErr != nil {
				continue
			}
			switch {
			case strings.HasPrefix(contentType, "text/plain"):
				textBody = string(body)
			case strings.HasPrefix(contentType, "text/html"):
				htmlBody = string(body)
			}
		case *mail.AttachmentHeader:
			filename, _ := h.Filename()
			contentType, _, _ := h.ContentType()
			body, readErr := io.ReadAll(part.Body)
			if readErr != nil {
				continue
			}
			attachments = append(attachments, pkgtypes.Attachment{
				Filename:    filename,
				ContentType: contentType,
				Size:        len(body),
				ContentB64:  base64.StdEncoding.EncodeToString(body),
			})
		}
	}

	if textBody != "" {
		return textBody, attachments
	}
	if htmlBody != "" {
		if text, err := html2text.FromString(htmlBody, html2text.Options{PrettyTables: false}); err == nil {
			return text, attachments
		}
		return htmlBody, attachments
	}
	return "", attachments
}

func applyOversizeTruncation(env *pkgtypes.Envelope) {
	if len(env.Body) <= maxEnvelopeBytes {
		return
	}
	cut := truncatedBodyCap
	if cut > len(env.Body) {
		cut = len(env.Body)
	}
	env.Body = env.Body[:cut] + truncationMarker
}
