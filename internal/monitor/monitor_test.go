package monitor

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brandon/imap-fleet/internal/imapsession"
	"github.com/brandon/imap-fleet/internal/types"
	pkgtypes "github.com/brandon/imap-fleet/pkg/types"
)

type fakePool struct {
	session imapsession.Session
}

func (p *fakePool) Acquire(ctx context.Context, mailbox pkgtypes.Mailbox, priority types.Priority) (imapsession.Session, error) {
	return p.session, nil
}
func (p *fakePool) Release(mailboxID string) {}
func (p *fakePool) MarkIdle(mailboxID string) {}

type fakeSink struct {
	mu        sync.Mutex
	submitted []pkgtypes.Envelope
}

func (s *fakeSink) Submit(ctx context.Context, mailboxID string, envelopes []pkgtypes.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submitted = append(s.submitted, envelopes...)
	return nil
}

type fakeStore struct {
	mu         sync.Mutex
	watermarks map[string]uint32
	known      map[string]bool
	processed  map[string]int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{watermarks: map[string]uint32{}, known: map[string]bool{}, processed: map[string]int64{}}
}
func (s *fakeStore) Watermark(mailboxID string) (uint32, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.watermarks[mailboxID], s.known[mailboxID], nil
}
func (s *fakeStore) AdvanceWatermark(mailboxID string, seq uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watermarks[mailboxID] = seq
	s.known[mailboxID] = true
	return nil
}
func (s *fakeStore) IncrementMessagesProcessed(mailboxID string, n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processed[mailboxID] += n
}
func (s *fakeStore) MarkState(mailboxID string, state pkgtypes.ConnState) {}
func (s *fakeStore) MarkError(mailboxID string, message string)          {}

type fakeScheduler struct {
	mu       sync.Mutex
	polled   []bool
	idleOK   []bool
}

func (f *fakeScheduler) ReportPollOutcome(mailboxID string, success bool, newMessages int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polled = append(f.polled, success)
}
func (f *fakeScheduler) ReportIdleOutcome(mailboxID string, ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.idleOK = append(f.idleOK, ok)
}

type fakeSession struct {
	exists   uint32
	messages []imapsession.FetchedMessage
}

func (f *fakeSession) NOOP(ctx context.Context) error                   { return nil }
func (f *fakeSession) Connect(ctx context.Context) error                { return nil }
func (f *fakeSession) OpenMailbox(ctx context.Context, name string) (uint32, error) {
	return f.exists, nil
}
func (f *fakeSession) FetchRange(ctx context.Context, from, to uint32) ([]imapsession.FetchedMessage, error) {
	var out []imapsession.FetchedMessage
	for _, m := range f.messages {
		if m.SeqNum >= from && m.SeqNum <= to {
			out = append(out, m)
		}
	}
	return out, nil
}
func (f *fakeSession) Idle(ctx context.Context, noopInterval time.Duration, onExists func(uint32)) error {
	<-ctx.Done()
	return ctx.Err()
}
func (f *fakeSession) Close() error { return nil }

func discardLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(logrus.New().Out)
	l.SetLevel(logrus.PanicLevel)
	return l
}

func TestRunPollFreshStartSetsWatermarkWithoutBackfill(t *testing.T) {
	session := &fakeSession{exists: 42}
	pool := &fakePool{session: session}
	sink := &fakeSink{}
	store := newFakeStore()
	sched := &fakeScheduler{}

	m := New(pool, sink, store, sched, discardLogger(), 30*time.Second, 30*time.Second)
	mailbox := pkgtypes.Mailbox{ID: "mb-1"}

	n, err := m.RunPoll(context.Background(), mailbox, types.PriorityHigh)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "fresh start should not backfill")
	assert.Empty(t, sink.submitted)

	wm, known, _ := store.Watermark("mb-1")
	assert.True(t, known)
	assert.EqualValues(t, 42, wm)
}

func TestRunPollFetchesAndAdvancesWatermark(t *testing.T) {
	session := &fakeSession{
		exists: 5,
		messages: []imapsession.FetchedMessage{
			{SeqNum: 4, MessageID: "<a@x>", From: "a@x"},
			{SeqNum: 5, MessageID: "<b@x>", From: "b@x"},
		},
	}
	pool := &fakePool{session: session}
	sink := &fakeSink{}
	store := newFakeStore()
	store.watermarks["mb-1"] = 3
	store.known["mb-1"] = true
	sched := &fakeScheduler{}

	m := New(pool, sink, store, sched, discardLogger(), 30*time.Second, 30*time.Second)
	mailbox := pkgtypes.Mailbox{ID: "mb-1"}

	n, err := m.RunPoll(context.Background(), mailbox, types.PriorityHigh)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Len(t, sink.submitted, 2)

	wm, _, _ := store.Watermark("mb-1")
	assert.EqualValues(t, 5, wm)
	assert.True(t, sched.polled[0])
}

func TestRunPollDropsMessagesMissingIDAndUID(t *testing.T) {
	session := &fakeSession{
		exists: 1,
		messages: []imapsession.FetchedMessage{
			{SeqNum: 1, MessageID: "", UID: 0},
		},
	}
	pool := &fakePool{session: session}
	sink := &fakeSink{}
	store := newFakeStore()
	store.watermarks["mb-1"] = 0
	store.known["mb-1"] = true
	sched := &fakeScheduler{}

	m := New(pool, sink, store, sched, discardLogger(), 30*time.Second, 30*time.Second)
	_, err := m.RunPoll(context.Background(), pkgtypes.Mailbox{ID: "mb-1"}, types.PriorityLow)
	require.NoError(t, err)
	assert.Empty(t, sink.submitted)
}

func TestApplyOversizeTruncation(t *testing.T) {
	env := pkgtypes.Envelope{Body: strings.Repeat("x", maxEnvelopeBytes+1)}
	applyOversizeTruncation(&env)
	assert.True(t, strings.HasSuffix(env.Body, truncationMarker))
	assert.LessOrEqual(t, len(env.Body), truncatedBodyCap+len(truncationMarker))
}

func TestApplyOversizeTruncationLeavesSmallBodyAlone(t *testing.T) {
	env := pkgtypes.Envelope{Body: "hello"}
	applyOversizeTruncation(&env)
	assert.Equal(t, "hello", env.Body)
}
