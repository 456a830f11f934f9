// Package llm defines the chat-completion wire types shared by the router,
// the orchestrator and the session log.
package llm

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Role tags which variant a Message is.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is a role-tagged chat message. Build it with System, User,
// Assistant or ToolResult so that only the fields belonging to the role
// are populated.
type Message struct {
	Role Role

	// Content is the text of system, user and tool messages and the
	// optional text of assistant messages.
	Content string

	// Images are image URLs (or data URLs) attached to a user message.
	Images []string

	// ToolCalls are the ordered tool requests of an assistant message.
	ToolCalls []ToolCall

	// ToolCallID and Name identify the call a tool message answers.
	ToolCallID string
	Name       string
}

// ToolCall is a model-issued request to invoke a tool.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// FunctionCall names the tool and carries its raw JSON arguments.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

var ErrInvalidMessage = errors.New("invalid message")

// System returns a system message.
func System(text string) Message {
	return Message{Role: RoleSystem, Content: text}
}

// User returns a user message with optional image attachments.
func User(text string, images ...string) Message {
	return Message{Role: RoleUser, Content: text, Images: images}
}

// Assistant returns an assistant message, optionally requesting tool calls.
func Assistant(text string, calls ...ToolCall) Message {
	return Message{Role: RoleAssistant, Content: text, ToolCalls: calls}
}

// ToolResult returns the tool message answering the call identified by callID.
func ToolResult(callID, name, text string) Message {
	return Message{Role: RoleTool, ToolCallID: callID, Name: name, Content: text}
}

// HasToolCalls reports whether an assistant message requests tools.
func (m Message) HasToolCalls() bool {
	return m.Role == RoleAssistant && len(m.ToolCalls) > 0
}

// Validate checks that m only carries the fields of its role.
func (m Message) Validate() error {
	switch m.Role {
	case RoleSystem:
		if len(m.Images) > 0 || len(m.ToolCalls) > 0 || m.ToolCallID != "" {
			return fmt.Errorf("%w: system message carries non-text fields", ErrInvalidMessage)
		}
	case RoleUser:
		if len(m.ToolCalls) > 0 || m.ToolCallID != "" {
			return fmt.Errorf("%w: user message carries tool fields", ErrInvalidMessage)
		}
	case RoleAssistant:
		if len(m.Images) > 0 || m.ToolCallID != "" {
			return fmt.Errorf("%w: assistant message carries user or tool fields", ErrInvalidMessage)
		}
		for i, call := range m.ToolCalls {
			if call.ID == "" || call.Function.Name == "" {
				return fmt.Errorf("%w: tool call %d is missing id or name", ErrInvalidMessage, i)
			}
		}
	case RoleTool:
		if m.ToolCallID == "" {
			return fmt.Errorf("%w: tool message without tool_call_id", ErrInvalidMessage)
		}
		if len(m.Images) > 0 || len(m.ToolCalls) > 0 {
			return fmt.Errorf("%w: tool message carries non-result fields", ErrInvalidMessage)
		}
	default:
		return fmt.Errorf("%w: unknown role %q", ErrInvalidMessage, m.Role)
	}
	return nil
}

// contentPart is one element of a multi-part user content array.
type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

// wireMessage is the chat-completion JSON shape of a Message.
type wireMessage struct {
	Role       Role            `json:"role"`
	Content    json.RawMessage `json:"content,omitempty"`
	ToolCalls  []ToolCall      `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	Name       string          `json:"name,omitempty"`
}

// MarshalJSON encodes m in the chat-completion message format. User
// messages with images use the multi-part content array.
func (m Message) MarshalJSON() ([]byte, error) {
	w := wireMessage{
		Role:       m.Role,
		ToolCalls:  m.ToolCalls,
		ToolCallID: m.ToolCallID,
		Name:       m.Name,
	}

	var (
		content []byte
		err     error
	)
	switch {
	case m.Role == RoleUser && len(m.Images) > 0:
		parts := make([]contentPart, 0, len(m.Images)+1)
		if m.Content != "" {
			parts = append(parts, contentPart{Type: "text", Text: m.Content})
		}
		for _, url := range m.Images {
			parts = append(parts, contentPart{Type: "image_url", ImageURL: &imageURL{URL: url}})
		}
		content, err = json.Marshal(parts)
	case m.Role == RoleAssistant && m.Content == "" && len(m.ToolCalls) > 0:
		content = []byte("null")
	default:
		content, err = json.Marshal(m.Content)
	}
	if err != nil {
		return nil, err
	}
	w.Content = content

	return json.Marshal(w)
}

// UnmarshalJSON accepts string, null, or multi-part array content.
func (m *Message) UnmarshalJSON(data []byte) error {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if w.Role == "" {
		return fmt.Errorf("%w: missing role", ErrInvalidMessage)
	}

	*m = Message{
		Role:       w.Role,
		ToolCalls:  w.ToolCalls,
		ToolCallID: w.ToolCallID,
		Name:       w.Name,
	}

	if len(w.Content) == 0 || string(w.Content) == "null" {
		return nil
	}
	if w.Content[0] == '"' {
		return json.Unmarshal(w.Content, &m.Content)
	}

	var parts []contentPart
	if err := json.Unmarshal(w.Content, &parts); err != nil {
		return fmt.Errorf("%w: content is neither text nor parts", ErrInvalidMessage)
	}
	for _, p := range parts {
		switch p.Type {
		case "text":
			if m.Content != "" {
				m.Content += "\n"
			}
			m.Content += p.Text
		case "image_url":
			if p.ImageURL != nil {
				m.Images = append(m.Images, p.ImageURL.URL)
			}
		}
	}
	return nil
}
