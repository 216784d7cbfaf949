package pool

import (
	"context"
	"time"
)

// RunLivenessSweep implements spec §4.1's background sweep: every
// ~5 minutes, NOOP every cached session; sessions that fail are closed,
// removed from their host group, and their mailbox marked for
// reconnection. It blocks until ctx is cancelled (spec §5's shutdown
// propagation to "the Connection Pool sweeps").
func (p *Pool) RunLivenessSweep(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.sweepOnce(ctx)
		}
	}
}

func (p *Pool) sweepOnce(ctx context.Context) {
	p.mu.Lock()
	entries := make(map[string]*sessionEntry, len(p.sessions))
	for id, e := range p.sessions {
		entries[id] = e
	}
	p.mu.Unlock()

	for mailboxID, entry := range entries {
		probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := entry.borrow.Lock(probeCtx)
		if err != nil {
			cancel()
			// Session is currently borrowed by a worker; skip this
			// round rather than fight over the lease.
			continue
		}
		noopErr := entry.session.NOOP(probeCtx)
		cancel()
		if noopErr != nil {
			p.logger.WithError(noopErr).WithField("mailbox_id", mailboxID).Warn("Liveness sweep: session failed NOOP, retiring")
			entry.borrow.Unlock()
			p.closeAndRetire(mailboxID, entry, "liveness sweep NOOP failure")
			continue
		}
		entry.borrow.Unlock()
	}
}

// RunOrphanPurge implements spec §4.1's "orphaned bookkeeping... purged
// every ~10 minutes": drops liveness-sweep bookkeeping for mailboxes that
// have had no live session for longer than staleAfter.
func (p *Pool) RunOrphanPurge(ctx context.Context, interval, staleAfter time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	if staleAfter <= 0 {
		staleAfter = 30 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.purgeOrphansOnce(staleAfter)
		}
	}
}

func (p *Pool) purgeOrphansOnce(staleAfter time.Duration) {
	now := time.Now()
	for _, mailboxID := range p.orphans.Keys() {
		p.mu.Lock()
		_, hasLive := p.sessions[mailboxID]
		p.mu.Unlock()
		if hasLive {
			p.orphans.Remove(mailboxID)
			continue
		}
		retiredAt, ok := p.orphans.Peek(mailboxID)
		if ok && now.Sub(retiredAt) > staleAfter {
			p.orphans.Remove(mailboxID)
		}
	}
}
