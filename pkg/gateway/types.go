package gateway

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Envelope types sent to clients.
const (
	EnvelopeMessage = "message"
	EnvelopeSystem  = "system"
)

// Inbound frame types.
const (
	InboundMessage = "message"
	InboundAbort   = "abort"
)

// Envelope is an outbound websocket frame.
type Envelope struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// Inbound is a parsed client frame.
type Inbound struct {
	Type    string   `json:"type"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

// ParseInbound accepts either a JSON object with a type field or raw text.
// Raw text, and JSON that is not an object with a known type, is treated
// as a message whose content is the whole frame.
func ParseInbound(data []byte) Inbound {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "{") {
		var in Inbound
		if err := json.Unmarshal([]byte(trimmed), &in); err == nil {
			switch in.Type {
			case InboundMessage, InboundAbort:
				return in
			}
		}
	}
	return Inbound{Type: InboundMessage, Content: trimmed}
}

// ClientInfo describes a connected client.
type ClientInfo struct {
	ID           string    `json:"id"`
	SessionKey   string    `json:"sessionKey"`
	ConnectedAt  time.Time `json:"connectedAt"`
	LastActivity time.Time `json:"lastActivity"`
	IPAddress    string    `json:"ipAddress"`
}

// Client is a connected websocket client bound to one session.
type Client struct {
	ID           string
	SessionKey   string
	Conn         *websocket.Conn
	ConnectedAt  time.Time
	LastActivity time.Time
	IPAddress    string
	RateLimiter  *ClientRateLimiter

	writeMu sync.Mutex
}

// Send writes env to the client. Writes are serialized per connection.
func (c *Client) Send(env Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.Conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.Conn.WriteJSON(env)
}
