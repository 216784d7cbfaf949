package pool

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/brandon/imap-fleet/internal/types"
)

// hostGroup is the Connection Pool's per-host budget and live bookkeeping
// (spec §3's Host Group entity, §4.1). Its rate limiter is a token
// bucket from golang.org/x/time/rate approximating the spec's "N new
// sessions per rolling window W": burst equals the per-window maximum and
// the refill rate is burst spread evenly across the window, which is the
// idiomatic Go answer to windowed rate limiting (as used by
// aguchie-lilmail's HTTP middleware) rather than a hand-rolled sliding
// counter.
type hostGroup struct {
	key string
	cfg types.HostGroupConfig

	limiter *rate.Limiter

	mu        sync.Mutex
	liveCount int
	waitQ     *waitQueue

	stopCh chan struct{}
}

func newHostGroup(cfg types.HostGroupConfig) *hostGroup {
	perSecond := float64(cfg.MaxPerWindow) / cfg.RateWindow.Seconds()
	g := &hostGroup{
		key:     cfg.HostKey,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(perSecond), cfg.MaxPerWindow),
		waitQ:   newWaitQueue(),
		stopCh:  make(chan struct{}),
	}
	go g.rewakeLoop(perSecond)
	return g
}

// rewakeLoop re-signals a parked waiter on roughly every token refill, so a
// waiter blocked purely on the rate limiter (no release or retire ever
// happens) is still revisited instead of hanging until its acquire
// deadline. tryAdmit's own limiter.Allow() remains the single point that
// actually consumes a token; this only wakes the queue so the next waiter
// retries it. Interval is clamped to a sane range since a very low
// per-window rate would otherwise tick too slowly to matter and a very
// high one would spin needlessly.
func (g *hostGroup) rewakeLoop(perSecond float64) {
	interval := time.Second
	if perSecond > 0 {
		interval = time.Duration(float64(time.Second) / perSecond)
	}
	if interval < 50*time.Millisecond {
		interval = 50 * time.Millisecond
	}
	if interval > 2*time.Second {
		interval = 2 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			g.mu.Lock()
			if g.waitQ.len() > 0 {
				g.waitQ.wakeNext()
			}
			g.mu.Unlock()
		case <-g.stopCh:
			return
		}
	}
}

// stop tears down the rewake loop; called when the Pool owning this host
// group is closed.
func (g *hostGroup) stop() {
	close(g.stopCh)
}

// tryAdmit attempts to claim one concurrency slot and one rate-limit
// token without blocking. On success the caller has committed to
// creating exactly one new session: if creation fails it must call
// releaseSlot; if it succeeds the slot stays counted as that live session.
func (g *hostGroup) tryAdmit() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.liveCount >= g.cfg.MaxConcurrent {
		return false
	}
	if !g.limiter.Allow() {
		return false
	}
	g.liveCount++
	return true
}

// releaseSlot gives back a concurrency slot claimed by tryAdmit that was
// never turned into a live session (creation failed), and wakes the next
// waiter so it can retry.
func (g *hostGroup) releaseSlot() {
	g.mu.Lock()
	g.liveCount--
	g.waitQ.wakeNext()
	g.mu.Unlock()
}

// retireSession drops a live session's slot (it was closed, by the
// liveness sweep or an explicit close) and wakes the next waiter.
func (g *hostGroup) retireSession() {
	g.mu.Lock()
	if g.liveCount > 0 {
		g.liveCount--
	}
	g.waitQ.wakeNext()
	g.mu.Unlock()
}

func (g *hostGroup) utilization() (live, max int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.liveCount, g.cfg.MaxConcurrent
}
