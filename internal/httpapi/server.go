// Package httpapi implements the read-only observability surface (spec
// §6): health, metrics snapshot, schedule detail and per-host pool
// utilization, served with github.com/gofiber/fiber/v2 the way
// aguchie-lilmail serves its own HTTP surface.
package httpapi

import (
	"runtime"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"github.com/brandon/imap-fleet/internal/types"
)

// PoolView is the slice of the Connection Pool the observability surface
// reads from.
type PoolView interface {
	Utilization() map[string][2]int
	ActiveSessionCount() int
}

// ScheduleView is the slice of the Scheduler the observability surface
// reads from.
type ScheduleView interface {
	Snapshot() []types.ScheduleEntry
}

// FleetView is the slice of the Worker Fleet the observability surface
// reads from.
type FleetView interface {
	Completed() int64
	Failed() int64
	QueueDepth() int
}

// MessageCountsView is the slice of the Status Store Adapter the
// observability surface reads from for spec §6's "messages
// processed/failed", distinct from FleetView's task-level
// Completed/Failed. The processed figure is a message-level total (one
// poll task can carry many messages); the failed figure is the store's
// failure_count total, which counts failed session creations, not
// failed messages.
type MessageCountsView interface {
	AggregateMessageCounts() (processed int64, failed int64, err error)
}

// Dependency is one named health dependency check (spec §6's "per-
// dependency booleans").
type Dependency struct {
	Name string
	OK   func() bool
}

// Server is the observability HTTP surface.
type Server struct {
	app *fiber.App

	pool      PoolView
	schedule  ScheduleView
	fleet     FleetView
	messages  MessageCountsView
	deps      []Dependency
	logger    *logrus.Logger

	startedAt time.Time
}

func New(pool PoolView, schedule ScheduleView, fleet FleetView, messages MessageCountsView, deps []Dependency, logger *logrus.Logger) *Server {
	s := &Server{
		app:       fiber.New(fiber.Config{DisableStartupMessage: true}),
		pool:      pool,
		schedule:  schedule,
		fleet:     fleet,
		messages:  messages,
		deps:      deps,
		logger:    logger,
		startedAt: time.Now(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.app.Get("/health", s.handleHealth)
	s.app.Get("/metrics", s.handleMetrics)
	s.app.Get("/schedule", s.handleSchedule)
	s.app.Get("/pool", s.handlePool)
}

// Listen starts the HTTP surface, blocking until it stops or errors.
func (s *Server) Listen(addr string) error {
	return s.app.Listen(addr)
}

// Shutdown stops accepting new connections, draining in-flight requests.
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}

type healthStatus string

const (
	healthHealthy   healthStatus = "healthy"
	healthDegraded  healthStatus = "degraded"
	healthUnhealthy healthStatus = "unhealthy"
)

// handleHealth implements spec §6's health summary: overall status plus
// per-dependency booleans, with the 200/503 exit-code split it names.
func (s *Server) handleHealth(c *fiber.Ctx) error {
	depStatus := make(map[string]bool, len(s.deps))
	failures := 0
	for _, dep := range s.deps {
		ok := dep.OK()
		depStatus[dep.Name] = ok
		if !ok {
			failures++
		}
	}

	status := healthHealthy
	code := fiber.StatusOK
	switch {
	case failures == 0:
		status = healthHealthy
	case failures < len(s.deps):
		status = healthDegraded
	default:
		status = healthUnhealthy
		code = fiber.StatusServiceUnavailable
	}

	return c.Status(code).JSON(fiber.Map{
		"status":       status,
		"dependencies": depStatus,
		"uptime":       humanize.RelTime(s.startedAt, time.Now(), "", ""),
	})
}

// handleMetrics implements spec §6's metrics snapshot: accounts
// total/active, connections active, messages processed/failed, queue
// depth, memory, CPU.
func (s *Server) handleMetrics(c *fiber.Ctx) error {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	entries := s.schedule.Snapshot()
	active := 0
	for _, e := range entries {
		if e.Active {
			active++
		}
	}

	messagesProcessed, messagesFailed, err := s.messages.AggregateMessageCounts()
	if err != nil {
		s.logger.WithError(err).Warn("Failed to aggregate message counts for metrics snapshot")
	}

	return c.JSON(fiber.Map{
		"accounts_total":     len(entries),
		"accounts_active":    active,
		"connections_active": s.pool.ActiveSessionCount(),
		"messages_processed": messagesProcessed,
		"messages_failed":    messagesFailed,
		"queue_depth":        s.fleet.QueueDepth(),
		"memory":             humanize.Bytes(mem.Alloc),
		"cpu_seconds":        processCPUSeconds(),
	})
}

// processCPUSeconds reports this process's total CPU time (user + system),
// spec §6's "CPU" metrics-snapshot figure. No pack library wraps
// getrusage, and syscall.Getrusage is the standard mechanism for process
// CPU accounting, the same tier as runtime.MemStats above — so it stays
// stdlib rather than adding a process-introspection dependency for one
// syscall.
func processCPUSeconds() float64 {
	var ru syscall.Rusage
	if err := syscall.Getrusage(syscall.RUSAGE_SELF, &ru); err != nil {
		return 0
	}
	user := time.Duration(ru.Utime.Sec)*time.Second + time.Duration(ru.Utime.Usec)*time.Microsecond
	sys := time.Duration(ru.Stime.Sec)*time.Second + time.Duration(ru.Stime.Usec)*time.Microsecond
	return (user + sys).Seconds()
}

// handleSchedule implements spec §6's per-mailbox schedule detail.
func (s *Server) handleSchedule(c *fiber.Ctx) error {
	entries := s.schedule.Snapshot()
	out := make([]fiber.Map, 0, len(entries))
	for _, e := range entries {
		out = append(out, fiber.Map{
			"mailbox_id":           e.MailboxID,
			"priority":             e.Priority.String(),
			"interval":             e.Interval.String(),
			"next_due_at":          e.NextDueAt,
			"idle_enabled":         e.Idle.Enabled,
			"idle_supported":       e.Idle.Supported,
			"idle_failures":        e.Idle.Failures,
			"consecutive_failures": e.ConsecutiveFailures,
			"quarantined":          e.Quarantined,
		})
	}
	return c.JSON(out)
}

// handlePool implements spec §6's per-host pool utilization view.
func (s *Server) handlePool(c *fiber.Ctx) error {
	out := make(fiber.Map, len(s.pool.Utilization()))
	for host, lm := range s.pool.Utilization() {
		out[host] = fiber.Map{"live": lm[0], "max": lm[1]}
	}
	return c.JSON(out)
}
