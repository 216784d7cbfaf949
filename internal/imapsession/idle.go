package imapsession

import (
	"context"
	"fmt"
	"time"

	"github.com/emersion/go-imap/client"
)

// Idle implements spec §4.2's IDLE mode step (d): issue IDLE, and while it
// is active, break IDLE, invoke onExists, and re-enter IDLE for every
// EXISTS update observed. Per IMAP, IDLE "must be terminated with DONE
// before other commands" (glossary) — no FETCH/SELECT may be issued while
// the IDLE command is still outstanding on the wire, so onExists is never
// called until the in-flight IDLE has actually returned. Liveness is
// maintained the same way: breaking IDLE every noopInterval to issue a
// NOOP and immediately re-entering IDLE. Idle returns when ctx is
// cancelled or on the first connection error.
func (s *clientSession) Idle(ctx context.Context, noopInterval time.Duration, onExists func(exists uint32)) error {
	s.mu.Lock()
	cl := s.cl
	s.mu.Unlock()
	if cl == nil {
		return fmt.Errorf("session not connected")
	}

	updates := make(chan client.Update, 8)
	cl.Updates = updates

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		round, err := s.idleRound(ctx, cl, updates, noopInterval)
		if err != nil {
			return err
		}
		switch round.result {
		case idleRoundCancelled:
			return ctx.Err()
		case idleRoundExists:
			// IDLE has already been terminated with DONE and has
			// returned, so the wire is free: call onExists now, then
			// loop straight back into a fresh IDLE round.
			onExists(round.exists)
		case idleRoundTimedOut:
			if err := cl.Noop(); err != nil {
				return fmt.Errorf("noop during idle liveness check failed: %w", err)
			}
		}
	}
}

type idleRoundOutcome int

const (
	idleRoundTimedOut idleRoundOutcome = iota
	idleRoundCancelled
	idleRoundExists
)

type idleRoundResult struct {
	result idleRoundOutcome
	exists uint32
}

// idleRound runs one IDLE command until noopInterval elapses, an EXISTS
// update arrives, ctx is cancelled, or the command errors. go-imap's
// Client.Idle blocks until stop is closed, so it is run on its own
// goroutine with the result funneled back over errCh. On an EXISTS
// update, DONE is sent (close(stop)) and the function blocks until the
// IDLE command has actually returned before reporting idleRoundExists —
// the caller must not issue any other command until it sees that result.
func (s *clientSession) idleRound(ctx context.Context, cl *client.Client, updates chan client.Update, noopInterval time.Duration) (idleRoundResult, error) {
	stop := make(chan struct{})
	errCh := make(chan error, 1)

	go func() {
		errCh <- cl.Idle(stop, &client.IdleOptions{LogoutTimeout: 0})
	}()

	timer := time.NewTimer(noopInterval)
	defer timer.Stop()

	for {
		select {
		case upd := <-updates:
			mu, ok := upd.(*client.MailboxUpdate)
			if !ok || mu.Mailbox == nil {
				continue
			}
			close(stop)
			if err := <-errCh; err != nil {
				return idleRoundResult{}, fmt.Errorf("idle command failed: %w", err)
			}
			return idleRoundResult{result: idleRoundExists, exists: mu.Mailbox.Messages}, nil
		case err := <-errCh:
			close(stop)
			if err != nil {
				return idleRoundResult{}, fmt.Errorf("idle command failed: %w", err)
			}
			return idleRoundResult{result: idleRoundTimedOut}, nil
		case <-timer.C:
			close(stop)
			<-errCh // wait for Idle to actually return before issuing NOOP
			return idleRoundResult{result: idleRoundTimedOut}, nil
		case <-ctx.Done():
			close(stop)
			<-errCh
			return idleRoundResult{result: idleRoundCancelled}, nil
		}
	}
}
