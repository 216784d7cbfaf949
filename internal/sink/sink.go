// Package sink implements the Sink Adapter (spec §4.5, component X1):
// batches of at most 10 Envelopes are POSTed to the configured downstream
// endpoint with the deduplication key, group key and attribute set spec
// §5 names. Transport is github.com/valyala/fasthttp's client, the same
// library aguchie-lilmail uses for its HTTP surface (there on the server
// side; here on the client side, fasthttp's own documented Do() pattern).
package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/valyala/fasthttp"

	pkgtypes "github.com/brandon/imap-fleet/pkg/types"
)

// maxBatchSize is the hard cap spec §4.5 sets on one sink submission.
const maxBatchSize = 10

// submitTimeout bounds one HTTP round trip to the sink.
const submitTimeout = 15 * time.Second

// messageTypeEmail is the only MessageType this fleet emits: every
// envelope it submits originates from a normalized IMAP message, so the
// attribute is a fixed classification rather than a per-message choice.
const messageTypeEmail = "email"

// batchEnvelope is the wire body for one message within a submission
// (spec §4.5's "a message body, a deduplication key, a group key, and a
// fixed set of attributes").
type batchEnvelope struct {
	Body            pkgtypes.Envelope `json:"body"`
	DedupeKey       string            `json:"dedupe_key"`
	GroupKey        string            `json:"group_key"`
	Attributes      envelopeAttrs     `json:"attributes"`
}

type envelopeAttrs struct {
	MessageType       string    `json:"message_type"`
	MailboxID         string    `json:"mailbox_id"`
	OriginalMessageID string    `json:"original_message_id"`
	InternalID        string    `json:"internal_id"`
	ThreadID          string    `json:"thread_id"`
	IsReply           bool      `json:"is_reply"`
	HasTextContent    bool      `json:"has_text_content"`
	ContentLength     int       `json:"content_length"`
	Timestamp         time.Time `json:"timestamp"`
}

type batchRequest struct {
	Messages []batchEnvelope `json:"messages"`
}

// HTTPSink is the fasthttp-backed Sink Adapter implementation.
type HTTPSink struct {
	endpoint string
	client   *fasthttp.Client
	logger   *logrus.Logger
}

func New(endpoint string, logger *logrus.Logger) *HTTPSink {
	return &HTTPSink{
		endpoint: endpoint,
		client:   &fasthttp.Client{Name: "imap-fleet-sink"},
		logger:   logger,
	}
}

// Submit implements monitor.Sink. envelopes longer than maxBatchSize are
// rejected rather than silently chunked — the caller (the Session
// Monitor's fetch loop) already batches at spec's fetch batch size of 10,
// so this is a defensive invariant check, not a chunking responsibility
// of the sink.
func (s *HTTPSink) Submit(ctx context.Context, mailboxID string, envelopes []pkgtypes.Envelope) error {
	if len(envelopes) == 0 {
		return nil
	}
	if len(envelopes) > maxBatchSize {
		return fmt.Errorf("sink: batch of %d envelopes exceeds the %d-message cap", len(envelopes), maxBatchSize)
	}

	req := batchRequest{Messages: make([]batchEnvelope, 0, len(envelopes))}
	for _, env := range envelopes {
		req.Messages = append(req.Messages, toBatchEnvelope(env))
	}

	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal sink batch for %s: %w", mailboxID, err)
	}

	return s.post(ctx, body)
}

func toBatchEnvelope(env pkgtypes.Envelope) batchEnvelope {
	return batchEnvelope{
		Body:      env,
		DedupeKey: fmt.Sprintf("%s_%d", env.MailboxID, time.Now().UnixMilli()),
		GroupKey:  env.MailboxID,
		Attributes: envelopeAttrs{
			MessageType:       messageTypeEmail,
			MailboxID:         env.MailboxID,
			OriginalMessageID: env.OriginalMessageID,
			InternalID:        env.InternalID,
			ThreadID:          env.ThreadID,
			IsReply:           env.IsReply,
			HasTextContent:    len(env.Body) > 0,
			ContentLength:     len(env.Body),
			Timestamp:         env.ReceivedAt,
		},
	}
}

func (s *HTTPSink) post(ctx context.Context, body []byte) error {
	httpReq := fasthttp.AcquireRequest()
	httpResp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(httpReq)
	defer fasthttp.ReleaseResponse(httpResp)

	httpReq.SetRequestURI(s.endpoint)
	httpReq.Header.SetMethod(fasthttp.MethodPost)
	httpReq.Header.SetContentType("application/json")
	httpReq.SetBody(body)

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(submitTimeout)
	}

	if err := s.client.DoDeadline(httpReq, httpResp, deadline); err != nil {
		return fmt.Errorf("sink submission failed: %w", err)
	}

	if httpResp.StatusCode() >= 300 {
		return fmt.Errorf("sink rejected batch with status %d: %s", httpResp.StatusCode(), httpResp.Body())
	}
	return nil
}
