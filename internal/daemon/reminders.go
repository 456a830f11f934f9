package daemon

import (
	"github.com/harun/clawgate/pkg/gateway"
	"github.com/harun/clawgate/pkg/llm"
	"github.com/harun/clawgate/pkg/scheduler"
)

// ReminderPrefix marks scheduler deliveries in history and on the wire.
const ReminderPrefix = "⏰ SYSTEM REMINDER: "

// deliverReminder runs on the scheduler's dispatch goroutine. Listeners are
// told right away; the history write waits for the session's lane in the
// background for as long as the running turn takes, and is only abandoned
// on shutdown. Both are best effort.
func (d *Daemon) deliverReminder(task scheduler.Task) {
	sessionKey := task.SessionKey
	if sessionKey == "" {
		sessionKey = gateway.DefaultSessionKey
	}
	text := ReminderPrefix + task.Content

	delivered := d.gatewayServer.Broadcast(sessionKey, gateway.Envelope{Type: gateway.EnvelopeSystem, Content: text})
	d.log.Info().
		Str("task_id", task.ID).
		Str("session_key", sessionKey).
		Int("listeners", delivered).
		Msg("Reminder fired")

	d.mu.RLock()
	if d.closing {
		d.mu.RUnlock()
		return
	}
	d.wg.Add(1)
	d.mu.RUnlock()

	go func() {
		defer d.wg.Done()

		if err := d.agentRunner.Inject(d.ctx, sessionKey, llm.System(text)); err != nil {
			d.log.Warn().Err(err).Str("task_id", task.ID).Str("session_key", sessionKey).Msg("Failed to record reminder")
		}
	}()
}
