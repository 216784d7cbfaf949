// Package pool implements the Connection Pool (spec §4.1, component C1):
// it produces, caches, health-checks and retires IMAP sessions, enforcing
// per-host concurrency and rate discipline, and exposes Acquire/Release to
// the Worker Fleet. It is constructed explicitly by internal/fleetapp and
// holds no package-level state, per Design Notes §9.
package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"github.com/brandon/imap-fleet/internal/config"
	"github.com/brandon/imap-fleet/internal/hostkey"
	"github.com/brandon/imap-fleet/internal/imapsession"
	"github.com/brandon/imap-fleet/internal/types"
	pkgtypes "github.com/brandon/imap-fleet/pkg/types"
)

// StatusNotifier is the narrow callback interface the pool uses to report
// connection lifecycle events to the Status Store Adapter (spec §4.5),
// satisfied by *statusstore.Store. Keeping it an interface here avoids a
// hard dependency from the pool on the store's concrete type (Design
// Notes §9: explicit typed interfaces at component boundaries).
type StatusNotifier interface {
	IncrementAttempt(mailboxID string)
	IncrementSuccess(mailboxID string)
	IncrementFailure(mailboxID string)
	MarkState(mailboxID string, state pkgtypes.ConnState)
	MarkError(mailboxID string, message string)
}

// SchedulerNotifier is the narrow callback interface the pool uses to ask
// the Scheduler to mark a mailbox for reconnection after a liveness sweep
// finds it dead (spec §4.1).
type SchedulerNotifier interface {
	RequestReconnect(mailboxID string)
}

// sessionEntry is the pool's live-session bookkeeping for one mailbox.
type sessionEntry struct {
	session imapsession.Session
	meta    types.SessionMeta
	borrow  *borrowLock
}

// Pool is the Connection Pool. All exported methods are safe for
// concurrent use.
type Pool struct {
	cfg    *config.FleetConfig
	logger *logrus.Logger

	status    StatusNotifier
	scheduler SchedulerNotifier

	mu         sync.Mutex
	hostGroups map[string]*hostGroup
	sessions   map[string]*sessionEntry

	// orphans tracks per-mailbox bookkeeping (timers, idle flags) for
	// mailboxes that no longer have a live session, purged every ~10
	// minutes (spec §4.1). An LRU bounds its size regardless of churn.
	orphans *lru.Cache[string, time.Time]

	// newSession constructs the backing Session for a mailbox. It is
	// imapsession.New in production and a fake in tests, injected rather
	// than called directly so the pool's admission, rate-limit and
	// retry logic can be exercised without a real IMAP server.
	newSession func(pkgtypes.Mailbox) imapsession.Session
}

// New constructs a Pool. status and scheduler may be nil in tests that do
// not exercise the reporting paths.
func New(cfg *config.FleetConfig, logger *logrus.Logger, status StatusNotifier, scheduler SchedulerNotifier) *Pool {
	return NewWithSessionFactory(cfg, logger, status, scheduler, imapsession.New)
}

// NewWithSessionFactory is New with an injectable session constructor,
// used by tests to substitute a fake Session.
func NewWithSessionFactory(cfg *config.FleetConfig, logger *logrus.Logger, status StatusNotifier, scheduler SchedulerNotifier, newSession func(pkgtypes.Mailbox) imapsession.Session) *Pool {
	orphans, _ := lru.New[string, time.Time](4096)
	return &Pool{
		cfg:        cfg,
		logger:     logger,
		status:     status,
		scheduler:  scheduler,
		hostGroups: make(map[string]*hostGroup),
		sessions:   make(map[string]*sessionEntry),
		orphans:    orphans,
		newSession: newSession,
	}
}

func acquireDeadline(priority types.Priority) time.Duration {
	switch priority {
	case types.PriorityHigh:
		return 10 * time.Second
	case types.PriorityMedium:
		return 30 * time.Second
	default:
		return 60 * time.Second
	}
}

func (p *Pool) hostGroupFor(hostKey string) *hostGroup {
	p.mu.Lock()
	defer p.mu.Unlock()
	hg, ok := p.hostGroups[hostKey]
	if !ok {
		hgCfg := types.DefaultHostGroupConfig(hostKey)
		if p.cfg != nil {
			if p.cfg.MaxConnectionsPerServer > 0 {
				hgCfg.MaxConcurrent = p.cfg.MaxConnectionsPerServer
			}
			if p.cfg.RateLimitWindow > 0 {
				hgCfg.RateWindow = p.cfg.RateLimitWindow
			}
			if p.cfg.MaxRateLimit > 0 {
				hgCfg.MaxPerWindow = p.cfg.MaxRateLimit
			}
		}
		hg = newHostGroup(hgCfg)
		p.hostGroups[hostKey] = hg
	}
	return hg
}

// Acquire implements spec §4.1's acquire(mailbox_id, mailbox_cfg,
// priority) -> session operation.
func (p *Pool) Acquire(ctx context.Context, mailbox pkgtypes.Mailbox, priority types.Priority) (imapsession.Session, error) {
	hostKeyStr := hostkey.Canonicalize(mailbox.Host)

	if entry, live, err := p.acquireExisting(ctx, mailbox.ID); err != nil {
		return nil, err
	} else if live {
		return entry, nil
	}

	hg := p.hostGroupFor(hostKeyStr)

	deadline := time.Now().Add(acquireDeadline(priority))
	waitCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	for {
		if hg.tryAdmit() {
			session, err := p.createSession(waitCtx, mailbox, hg)
			if err != nil {
				hg.releaseSlot()
				return nil, err
			}
			return session, nil
		}

		hg.mu.Lock()
		item := hg.waitQ.park(priority)
		hg.mu.Unlock()

		select {
		case <-item.ready:
			// Woken: capacity or a rate-window rollover may now admit
			// us. Loop back and try again.
			continue
		case <-waitCtx.Done():
			hg.mu.Lock()
			hg.waitQ.remove(item)
			hg.mu.Unlock()
			return nil, fmt.Errorf("%w: host=%s", ErrBusy, hostKeyStr)
		}
	}
}

// acquireExisting returns (session, true, nil) if mailboxID already has a
// live, healthy cached session. It borrows the session's lease before
// returning, so the caller owns it on success.
func (p *Pool) acquireExisting(ctx context.Context, mailboxID string) (imapsession.Session, bool, error) {
	p.mu.Lock()
	entry, ok := p.sessions[mailboxID]
	p.mu.Unlock()
	if !ok {
		return nil, false, nil
	}

	if err := entry.borrow.Lock(ctx); err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrSessionBorrowed, err)
	}

	if err := entry.session.NOOP(ctx); err != nil {
		entry.borrow.Unlock()
		p.closeAndRetire(mailboxID, entry, "liveness probe failed on acquire")
		return nil, false, nil
	}

	entry.meta.LastActiveAt = time.Now()
	return entry.session, true, nil
}

// createSession implements spec §4.1's "Session creation": build options
// from the mailbox config, authenticate, retry up to 3x with exponential
// backoff (base 1s, cap 5s).
func (p *Pool) createSession(ctx context.Context, mailbox pkgtypes.Mailbox, hg *hostGroup) (imapsession.Session, error) {
	const maxAttempts = 3
	backoff := time.Second

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if p.status != nil {
			p.status.IncrementAttempt(mailbox.ID)
		}

		session := p.newSession(mailbox)
		if err := session.Connect(ctx); err != nil {
			lastErr = err
			p.logger.WithError(err).WithFields(logrus.Fields{
				"mailbox_id": mailbox.ID,
				"host":       hg.key,
				"attempt":    attempt,
			}).Warn("IMAP session creation attempt failed")

			if attempt == maxAttempts {
				break
			}
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			backoff *= 2
			if backoff > 5*time.Second {
				backoff = 5 * time.Second
			}
			continue
		}

		entry := &sessionEntry{
			session: session,
			borrow:  newBorrowLock(),
			meta: types.SessionMeta{
				MailboxID:    mailbox.ID,
				HostKey:      hg.key,
				CreatedAt:    time.Now(),
				LastActiveAt: time.Now(),
				State:        types.IMAPConnected,
				Live:         true,
			},
		}
		// Hold the borrow for the caller: the caller that asked for this
		// session via Acquire is the first borrower.
		if err := entry.borrow.Lock(ctx); err != nil {
			session.Close() //nolint:errcheck
			return nil, err
		}

		p.mu.Lock()
		p.sessions[mailbox.ID] = entry
		p.mu.Unlock()

		if p.status != nil {
			p.status.IncrementSuccess(mailbox.ID)
			p.status.MarkState(mailbox.ID, pkgtypes.StateConnected)
		}
		p.logger.WithFields(logrus.Fields{"mailbox_id": mailbox.ID, "host": hg.key}).Info("IMAP session connected")
		return session, nil
	}

	if p.status != nil {
		p.status.IncrementFailure(mailbox.ID)
		p.status.MarkError(mailbox.ID, lastErr.Error())
	}
	return nil, fmt.Errorf("failed to create IMAP session for mailbox %s after %d attempts: %w", mailbox.ID, maxAttempts, lastErr)
}

// Release implements spec §4.1's release(mailbox_id) operation: the
// borrow lease is returned, but the session remains cached and counted
// against the host's live budget.
func (p *Pool) Release(mailboxID string) {
	p.mu.Lock()
	entry, ok := p.sessions[mailboxID]
	p.mu.Unlock()
	if !ok {
		return
	}
	entry.meta.LastActiveAt = time.Now()
	entry.borrow.Unlock()
}

// MarkIdle records that the Session Monitor has entered IDLE on this
// mailbox's session (spec §4.1: "transitions to idle when the Session
// Monitor enters IDLE").
func (p *Pool) MarkIdle(mailboxID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if entry, ok := p.sessions[mailboxID]; ok {
		entry.meta.State = types.IMAPIdle
	}
}

func (p *Pool) closeAndRetire(mailboxID string, entry *sessionEntry, reason string) {
	entry.session.Close() //nolint:errcheck

	p.mu.Lock()
	delete(p.sessions, mailboxID)
	p.mu.Unlock()

	hg := p.hostGroupFor(entry.meta.HostKey)
	hg.retireSession()

	p.orphans.Add(mailboxID, time.Now())

	if p.status != nil {
		p.status.MarkState(mailboxID, pkgtypes.StateDisconnected)
	}
	if p.scheduler != nil {
		p.scheduler.RequestReconnect(mailboxID)
	}
	p.logger.WithFields(logrus.Fields{"mailbox_id": mailboxID, "reason": reason}).Info("IMAP session retired")
}

// Utilization reports (live, max) session counts per host group, for the
// observability surface's per-host pool utilization view (spec §6).
func (p *Pool) Utilization() map[string][2]int {
	p.mu.Lock()
	groups := make([]*hostGroup, 0, len(p.hostGroups))
	keys := make([]string, 0, len(p.hostGroups))
	for k, hg := range p.hostGroups {
		groups = append(groups, hg)
		keys = append(keys, k)
	}
	p.mu.Unlock()

	out := make(map[string][2]int, len(groups))
	for i, hg := range groups {
		live, max := hg.utilization()
		out[keys[i]] = [2]int{live, max}
	}
	return out
}

// ActiveSessionCount returns the number of mailboxes with a live cached
// session, for the metrics snapshot (spec §6).
func (p *Pool) ActiveSessionCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

// Close stops every host group's background rewake loop. Call once,
// during fleet shutdown.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, hg := range p.hostGroups {
		hg.stop()
	}
}
