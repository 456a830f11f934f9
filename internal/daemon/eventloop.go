package daemon

import (
	"context"
	"time"

	"github.com/harun/clawgate/internal/observability"
	"github.com/harun/clawgate/pkg/router"
)

// DefaultHousekeepingInterval is how often the event loop runs maintenance.
const DefaultHousekeepingInterval = 30 * time.Second

// EventLoop runs periodic housekeeping
type EventLoop struct {
	daemon   *Daemon
	interval time.Duration
}

// NewEventLoop creates a new event loop
func NewEventLoop(d *Daemon) *EventLoop {
	return &EventLoop{
		daemon:   d,
		interval: DefaultHousekeepingInterval,
	}
}

// Run ticks until ctx is cancelled.
func (e *EventLoop) Run(ctx context.Context) {
	e.daemon.log.Info().Dur("interval", e.interval).Msg("Event loop started")

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.daemon.log.Info().Msg("Event loop stopping")
			return
		case <-ticker.C:
			e.processTasks()
		}
	}
}

// processTasks refreshes gauges and logs what is in flight.
func (e *EventLoop) processTasks() {
	d := e.daemon

	for lane, stats := range d.queue.Stats() {
		if stats.Queued > 0 || stats.Running {
			d.log.Debug().
				Str("lane", lane).
				Int("queued", stats.Queued).
				Bool("running", stats.Running).
				Msg("Queue stats")
		}
	}

	observability.SetSchedulerPending(len(d.scheduler.Pending()))

	sessions := d.processes.List()
	observability.SetProcessSessions(len(sessions))
	for _, s := range sessions {
		if s.Running && s.Age > time.Hour {
			d.log.Debug().Str("id", s.ID).Dur("age", s.Age).Str("command", s.Command).Msg("Long-running background session")
		}
	}

	unhealthy := 0
	for _, p := range d.router.Providers() {
		if p.Status != router.StatusHealthy {
			unhealthy++
		}
	}
	if unhealthy > 0 {
		d.log.Info().Int("unhealthy", unhealthy).Msg("Providers out of rotation")
	}
}

// HandleShutdown waits briefly for queued turns to drain.
func (e *EventLoop) HandleShutdown() {
	e.daemon.log.Info().Msg("Handling graceful shutdown")

	if e.daemon.queue.WaitForActive(5 * time.Second) {
		e.daemon.log.Info().Msg("All active tasks completed")
	} else {
		e.daemon.log.Warn().Msg("Active tasks still running at shutdown")
	}
}
