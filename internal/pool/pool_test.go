package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brandon/imap-fleet/internal/config"
	"github.com/brandon/imap-fleet/internal/imapsession"
	"github.com/brandon/imap-fleet/internal/types"
	pkgtypes "github.com/brandon/imap-fleet/pkg/types"
)

type fakeSession struct {
	mailboxID string
	failNoop  atomic.Bool
	closed    atomic.Bool
}

func (f *fakeSession) NOOP(ctx context.Context) error {
	if f.failNoop.Load() {
		return context.DeadlineExceeded
	}
	return nil
}
func (f *fakeSession) Connect(ctx context.Context) error { return nil }
func (f *fakeSession) OpenMailbox(ctx context.Context, name string) (uint32, error) {
	return 0, nil
}
func (f *fakeSession) FetchRange(ctx context.Context, from, to uint32) ([]imapsession.FetchedMessage, error) {
	return nil, nil
}
func (f *fakeSession) Idle(ctx context.Context, noopInterval time.Duration, onExists func(uint32)) error {
	<-ctx.Done()
	return ctx.Err()
}
func (f *fakeSession) Close() error {
	f.closed.Store(true)
	return nil
}

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(new(discardWriter))
	return l
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func newTestPool() *Pool {
	cfg, _ := config.Load()
	var mu sync.Mutex
	sessions := map[string]*fakeSession{}
	factory := func(m pkgtypes.Mailbox) imapsession.Session {
		mu.Lock()
		defer mu.Unlock()
		s := &fakeSession{mailboxID: m.ID}
		sessions[m.ID] = s
		return s
	}
	return NewWithSessionFactory(cfg, testLogger(), nil, nil, factory)
}

func testMailbox(id, host string) pkgtypes.Mailbox {
	return pkgtypes.Mailbox{ID: id, Host: host, Port: 993, Username: "u", Password: "p", Active: true}
}

func TestAcquireCreatesAndCachesSession(t *testing.T) {
	p := newTestPool()
	ctx := context.Background()

	s1, err := p.Acquire(ctx, testMailbox("mb-1", "imap.gmail.com"), types.PriorityHigh)
	require.NoError(t, err)
	require.NotNil(t, s1)
	p.Release("mb-1")

	assert.Equal(t, 1, p.ActiveSessionCount())

	s2, err := p.Acquire(ctx, testMailbox("mb-1", "imap.gmail.com"), types.PriorityHigh)
	require.NoError(t, err)
	assert.Same(t, s1, s2, "second acquire should reuse the cached session")
	p.Release("mb-1")
}

func TestAcquireRespectsHostCapacity(t *testing.T) {
	p := newTestPool()
	ctx := context.Background()

	hg := p.hostGroupFor("gmail.com")
	hg.cfg.MaxConcurrent = 1

	_, err := p.Acquire(ctx, testMailbox("mb-1", "imap.gmail.com"), types.PriorityHigh)
	require.NoError(t, err)

	// A second, distinct mailbox on the same host should now park and
	// time out against a short deadline.
	waitCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	_, err = p.Acquire(waitCtx, testMailbox("mb-2", "imap.gmail.com"), types.PriorityLow)
	assert.ErrorIs(t, err, ErrBusy)
}

func TestAcquireWakesWaiterOnRetire(t *testing.T) {
	p := newTestPool()
	ctx := context.Background()

	hg := p.hostGroupFor("gmail.com")
	hg.cfg.MaxConcurrent = 1

	_, err := p.Acquire(ctx, testMailbox("mb-1", "imap.gmail.com"), types.PriorityHigh)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := p.Acquire(ctx, testMailbox("mb-2", "imap.gmail.com"), types.PriorityHigh)
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	hg.retireSession()
	// mb-1's entry still exists in p.sessions but its slot accounting was
	// freed; simulate full retirement by removing it so mb-2 can actually
	// be admitted.
	p.mu.Lock()
	delete(p.sessions, "mb-1")
	p.mu.Unlock()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was never woken")
	}
}

func TestAcquireFallsBackToNewSessionOnDeadNOOP(t *testing.T) {
	p := newTestPool()
	ctx := context.Background()

	_, err := p.Acquire(ctx, testMailbox("mb-1", "imap.gmail.com"), types.PriorityHigh)
	require.NoError(t, err)
	p.Release("mb-1")

	p.mu.Lock()
	entry := p.sessions["mb-1"]
	p.mu.Unlock()
	entry.session.(*fakeSession).failNoop.Store(true)

	s2, err := p.Acquire(ctx, testMailbox("mb-1", "imap.gmail.com"), types.PriorityHigh)
	require.NoError(t, err)
	assert.NotSame(t, entry.session, s2)
}
