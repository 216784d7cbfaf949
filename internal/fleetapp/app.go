// Package fleetapp wires the Connection Pool, Session Monitor, Scheduler,
// Worker Fleet, Sink Adapter, Status Store Adapter and observability
// surface together (Design Notes §9: explicit construction, no
// singletons), generalizing the teacher's main.go assembly into a
// reusable App the cmd/fleet serve subcommand drives.
package fleetapp

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/brandon/imap-fleet/internal/config"
	"github.com/brandon/imap-fleet/internal/hostkey"
	"github.com/brandon/imap-fleet/internal/httpapi"
	"github.com/brandon/imap-fleet/internal/monitor"
	"github.com/brandon/imap-fleet/internal/pool"
	"github.com/brandon/imap-fleet/internal/scheduler"
	"github.com/brandon/imap-fleet/internal/sink"
	"github.com/brandon/imap-fleet/internal/statusstore"
	"github.com/brandon/imap-fleet/internal/telemetry"
	"github.com/brandon/imap-fleet/internal/worker"
	pkgtypes "github.com/brandon/imap-fleet/pkg/types"
)

// MailboxSource is the same interface internal/config's FileMailboxSource
// implements; App depends on the interface so a future relational/HTTP
// credential source can replace it without touching wiring.
type MailboxSource interface {
	Load() ([]pkgtypes.Mailbox, error)
}

// watchableMailboxSource is the subset of *config.FileMailboxSource's
// surface App needs to pick up seed-file changes without a restart
// (spec §3's "refreshed periodically"). Not every MailboxSource
// implementation can watch for changes, so this is checked with a type
// assertion rather than folded into MailboxSource itself.
type watchableMailboxSource interface {
	Watch(onChange func([]pkgtypes.Mailbox)) error
}

// mailboxResyncInterval is the fallback re-read cadence for a
// MailboxSource that cannot be watched for changes.
const mailboxResyncInterval = 5 * time.Minute

// App is the fully-wired fleet: every component is an explicit field,
// constructed once in New and never replaced.
type App struct {
	cfg    *config.FleetConfig
	logger *logrus.Logger

	store     *statusstore.Store
	db        *statusstore.DB
	pool      *pool.Pool
	scheduler *scheduler.Scheduler
	monitor   *monitor.Monitor
	fleet     *worker.Fleet
	sink      *sink.HTTPSink
	http      *httpapi.Server

	mailboxSource   MailboxSource
	metricsShutdown func(context.Context) error
}

// New constructs every component and wires them together per spec §2's
// control-flow description: the Scheduler enqueues onto the Worker
// Fleet, which invokes the Session Monitor against a session the
// Connection Pool supplies; outcomes flow back to the Scheduler and the
// Status Store Adapter.
//
// The Scheduler and the Worker Fleet depend on each other only through
// narrow interfaces (scheduler.TaskQueue, worker.FailureReporter), which
// breaks what would otherwise be a construction cycle: the Scheduler is
// built first with no queue, the Fleet is built against it as a
// FailureReporter, and the Fleet is then handed back to the Scheduler as
// its TaskQueue via SetQueue.
func New(ctx context.Context, cfg *config.FleetConfig, mailboxSource MailboxSource, logger *logrus.Logger) (*App, error) {
	db, err := statusstore.Open(cfg.StatusStoreDSN, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open status store: %w", err)
	}
	store := statusstore.NewStore(db, logger)

	idleRules := hostkey.NewIdleRules(cfg.IdleDenyList)

	sch := scheduler.New(cfg, idleRules, nil, logger)
	connPool := pool.New(cfg, logger, store, sch)
	sinkAdapter := sink.New(cfg.SinkEndpoint, logger)
	mon := monitor.New(connPool, sinkAdapter, store, sch, logger, cfg.IdleTimeout, cfg.NoopInterval)

	workerMetrics := telemetry.NewWorkerMetrics()
	fleetPool := worker.New(cfg, mon, sch, logger, workerMetrics)
	sch.SetQueue(fleetPool)

	metricsShutdown, err := telemetry.Init(ctx, cfg.OTLPMetricsEndpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	httpServer := httpapi.New(connPool, sch, fleetPool, store, []httpapi.Dependency{
		{Name: "status_store", OK: func() bool { return db.Ping() == nil }},
	}, logger)

	return &App{
		cfg:             cfg,
		logger:          logger,
		store:           store,
		db:              db,
		pool:            connPool,
		scheduler:       sch,
		monitor:         mon,
		fleet:           fleetPool,
		sink:            sinkAdapter,
		http:            httpServer,
		mailboxSource:   mailboxSource,
		metricsShutdown: metricsShutdown,
	}, nil
}

// Run starts every background loop and blocks until ctx is cancelled,
// then drains in-flight work up to cfg.ShutdownDrainTimeout (SPEC_FULL.md
// §C's graceful shutdown drain deadline).
func (a *App) Run(ctx context.Context) error {
	if err := a.syncMailboxes(); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)

	errCh := make(chan error, 1)
	fleetDone := make(chan struct{})

	if watchable, ok := a.mailboxSource.(watchableMailboxSource); ok {
		if err := watchable.Watch(a.onMailboxesChanged); err != nil {
			a.logger.WithError(err).Warn("Failed to watch mailbox seed source, falling back to periodic re-sync")
			go a.resyncMailboxesLoop(runCtx)
		}
	} else {
		go a.resyncMailboxesLoop(runCtx)
	}

	go a.pool.RunLivenessSweep(runCtx, 5*time.Minute)
	go a.pool.RunOrphanPurge(runCtx, 10*time.Minute, 30*time.Minute)
	go a.scheduler.Run(runCtx)
	go func() {
		a.fleet.Run(runCtx)
		close(fleetDone)
	}()
	go func() {
		if err := a.http.Listen(a.cfg.HealthAddr); err != nil {
			errCh <- fmt.Errorf("observability surface stopped: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		a.logger.WithError(err).Error("Fleet component failed")
	}

	cancel()
	return a.drain(fleetDone)
}

func (a *App) syncMailboxes() error {
	mailboxes, err := a.mailboxSource.Load()
	if err != nil {
		return fmt.Errorf("failed to load mailbox source: %w", err)
	}
	a.scheduler.Sync(mailboxes)
	return nil
}

// onMailboxesChanged is the watchableMailboxSource callback: it is handed
// the already-reloaded, already-active-filtered list, so it can go
// straight to the Scheduler without a Load round-trip.
func (a *App) onMailboxesChanged(mailboxes []pkgtypes.Mailbox) {
	a.scheduler.Sync(mailboxes)
}

// resyncMailboxesLoop is the fallback for a MailboxSource that cannot be
// watched for changes: it re-reads on mailboxResyncInterval so mailbox
// records are still "refreshed periodically" per spec §3.
func (a *App) resyncMailboxesLoop(ctx context.Context) {
	ticker := time.NewTicker(mailboxResyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.syncMailboxes(); err != nil {
				a.logger.WithError(err).Warn("Periodic mailbox re-sync failed")
			}
		}
	}
}

// drain waits up to ShutdownDrainTimeout for the worker fleet to finish
// in-flight tasks before tearing down the remaining components (spec
// §4.4's "no new sessions are created, and every in-flight task either
// completes and advances the watermark or is abandoned").
func (a *App) drain(fleetDone <-chan struct{}) error {
	drainCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownDrainTimeout)
	defer cancel()

	select {
	case <-fleetDone:
	case <-drainCtx.Done():
		a.logger.Warn("Shutdown drain deadline exceeded, abandoning in-flight tasks")
	}

	_ = a.http.Shutdown()
	a.pool.Close()
	_ = a.metricsShutdown(context.Background())
	return a.db.Close()
}
