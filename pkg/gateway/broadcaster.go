package gateway

import (
	"github.com/rs/zerolog"
)

// Broadcaster pushes envelopes to every client listening on a session.
type Broadcaster struct {
	clients *ClientRegistry
	logger  zerolog.Logger
}

// NewBroadcaster creates a broadcaster over clients.
func NewBroadcaster(clients *ClientRegistry, logger zerolog.Logger) *Broadcaster {
	return &Broadcaster{
		clients: clients,
		logger:  logger,
	}
}

// Broadcast sends env to the listeners of sessionKey and returns how many
// received it. Failed writes are logged and skipped.
func (b *Broadcaster) Broadcast(sessionKey string, env Envelope) int {
	clients := b.clients.ForSession(sessionKey)
	if len(clients) == 0 {
		b.logger.Debug().Str("session_key", sessionKey).Str("type", env.Type).Msg("No listeners for broadcast")
		return 0
	}

	delivered := 0
	for _, client := range clients {
		if err := client.Send(env); err != nil {
			b.logger.Warn().
				Err(err).
				Str("clientId", client.ID).
				Str("session_key", sessionKey).
				Msg("Failed to broadcast to client")
			continue
		}
		delivered++
	}

	b.logger.Debug().
		Str("session_key", sessionKey).
		Str("type", env.Type).
		Int("success", delivered).
		Int("failed", len(clients)-delivered).
		Msg("Broadcast complete")
	return delivered
}
