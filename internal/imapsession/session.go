// Package imapsession defines the concrete Session capability set the
// Connection Pool and Session Monitor depend on, replacing the teacher's
// duck-typed "does this connection have a .noop()" checks (Design Notes
// §9) with an interface every backing connection must implement in full.
package imapsession

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/mail"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"

	"github.com/brandon/imap-fleet/pkg/types"
)

// FetchedMessage is one IMAP FETCH result: the envelope fields the Session
// Monitor needs plus the raw RFC-5322 source (spec §4.2).
type FetchedMessage struct {
	SeqNum uint32
	UID    uint32

	MessageID  string
	InReplyTo  string
	References []string
	From       string
	To         []string
	Subject    string
	Date       time.Time

	Flags []string
	Raw   []byte
}

// Session is the capability set every IMAP backing connection must
// implement (Design Notes §9): no type assertions or reflection on the
// concrete connection type anywhere above this package.
type Session interface {
	// NOOP is the fast liveness probe the Connection Pool uses on acquire
	// and during its periodic sweep (spec §4.1).
	NOOP(ctx context.Context) error

	// Connect performs the TCP/TLS dial, authentication, and (per §4.1)
	// registers for connection-level events.
	Connect(ctx context.Context) error

	// OpenMailbox SELECTs the named mailbox and returns its current
	// EXISTS count.
	OpenMailbox(ctx context.Context, name string) (exists uint32, err error)

	// FetchRange fetches [from, to] inclusive in the caller-chosen order,
	// requesting envelope, UID and raw source (spec §4.2 step (e)).
	FetchRange(ctx context.Context, from, to uint32) ([]FetchedMessage, error)

	// Idle issues IDLE against the currently selected mailbox. onExists is
	// invoked, in order, for every EXISTS update observed before Idle
	// returns (on ctx cancellation, a connection error, or explicit
	// cancellation — spec §4.2 step (e)).
	Idle(ctx context.Context, noopInterval time.Duration, onExists func(exists uint32)) error

	// Close logs out and releases the underlying connection.
	Close() error
}

// clientSession is the emersion/go-imap-backed Session implementation,
// generalizing the teacher's IMAPClient (internal/email/imap_client.go)
// from a single hardcoded account to any Mailbox snapshot.
type clientSession struct {
	mailbox types.Mailbox

	mu  sync.Mutex
	cl  *client.Client
}

// New constructs a Session bound to mailbox. It does not dial — callers
// invoke Connect (spec §4.1's "Session creation" step).
func New(mailbox types.Mailbox) Session {
	return &clientSession{mailbox: mailbox}
}

func (s *clientSession) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	addr := fmt.Sprintf("%s:%d", s.mailbox.Host, s.mailbox.Port)

	var cl *client.Client
	var err error

	switch s.mailbox.TLSMode() {
	case types.TLSImplicit:
		cl, err = client.DialTLS(addr, &tls.Config{ServerName: s.mailbox.Host, MinVersion: tls.VersionTLS12})
	case types.TLSStartTLS:
		cl, err = client.Dial(addr)
		if err == nil {
			err = cl.StartTLS(&tls.Config{ServerName: s.mailbox.Host, MinVersion: tls.VersionTLS12})
		}
	default:
		cl, err = client.Dial(addr)
	}
	if err != nil {
		return fmt.Errorf("failed to connect to IMAP server %s: %w", addr, err)
	}

	if err := cl.Login(s.mailbox.Username, s.mailbox.Password); err != nil {
		cl.Logout() //nolint:errcheck
		return fmt.Errorf("failed to login to IMAP server %s: %w", addr, err)
	}

	// Register for connection-level events (spec §4.1): go-imap v1
	// delivers them on Client.Updates, which the Session Monitor's Idle
	// implementation drains directly; here we just size the buffer.
	cl.Updates = make(chan client.Update, 8)

	s.cl = cl
	return nil
}

func (s *clientSession) NOOP(ctx context.Context) error {
	s.mu.Lock()
	cl := s.cl
	s.mu.Unlock()
	if cl == nil {
		return fmt.Errorf("session not connected")
	}
	return cl.Noop()
}

func (s *clientSession) OpenMailbox(ctx context.Context, name string) (uint32, error) {
	s.mu.Lock()
	cl := s.cl
	s.mu.Unlock()
	if cl == nil {
		return 0, fmt.Errorf("session not connected")
	}
	status, err := cl.Select(name, false)
	if err != nil {
		return 0, fmt.Errorf("failed to select mailbox %s: %w", name, err)
	}
	return status.Messages, nil
}

func (s *clientSession) FetchRange(ctx context.Context, from, to uint32) ([]FetchedMessage, error) {
	s.mu.Lock()
	cl := s.cl
	s.mu.Unlock()
	if cl == nil {
		return nil, fmt.Errorf("session not connected")
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddRange(from, to)

	items := []imap.FetchItem{imap.FetchEnvelope, imap.FetchUid, imap.FetchFlags, imap.FetchRFC822}

	messages := make(chan *imap.Message, 10)
	done := make(chan error, 1)
	go func() {
		done <- cl.Fetch(seqSet, items, messages)
	}()

	var out []FetchedMessage
	for msg := range messages {
		out = append(out, toFetchedMessage(msg))
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("failed to fetch messages [%d,%d]: %w", from, to, err)
	}
	return out, nil
}

func toFetchedMessage(msg *imap.Message) FetchedMessage {
	fm := FetchedMessage{SeqNum: msg.SeqNum, UID: msg.Uid, Flags: append([]string(nil), msg.Flags...)}

	if env := msg.Envelope; env != nil {
		fm.MessageID = env.MessageId
		fm.InReplyTo = env.InReplyTo
		fm.Subject = env.Subject
		fm.Date = env.Date
		if len(env.From) > 0 {
			fm.From = env.From[0].Address()
		}
		for _, to := range env.To {
			fm.To = append(fm.To, to.Address())
		}
	}

	for _, literal := range msg.Body {
		fm.Raw = readLiteral(literal)
		if len(fm.Raw) > 0 {
			break
		}
	}

	// ENVELOPE (RFC 3501) carries In-Reply-To but has no References field,
	// so it has to come from the raw source's header instead.
	fm.References = parseReferencesHeader(fm.Raw)

	return fm
}

// parseReferencesHeader extracts the whitespace-separated message-ids of
// the References header from a raw RFC-5322 source, for Testable Property
// 7's is_reply = (In-Reply-To != empty) || (References != empty).
func parseReferencesHeader(raw []byte) []string {
	if len(raw) == 0 {
		return nil
	}
	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return nil
	}
	header := msg.Header.Get("References")
	if header == "" {
		return nil
	}
	return strings.Fields(header)
}

func readLiteral(literal imap.Literal) []byte {
	if literal == nil {
		return nil
	}
	buf := make([]byte, 0, 8192)
	chunk := make([]byte, 4096)
	for {
		n, err := literal.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}
	}
	return buf
}

func (s *clientSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cl == nil {
		return nil
	}
	err := s.cl.Logout()
	s.cl = nil
	return err
}
