package agent

import (
	"context"
	"errors"
	"time"

	"github.com/harun/clawgate/pkg/llm"
)

const (
	DefaultMaxIterations = 10
	DefaultMaxUserTurns  = 20
)

// ErrMaxIterations ends a turn whose model keeps requesting tools.
var ErrMaxIterations = errors.New("maximum tool iterations exceeded")

// Completer produces the next assistant message for a conversation.
type Completer interface {
	Chat(ctx context.Context, messages []llm.Message, tools []llm.Tool) (llm.Message, error)
}

// PromptSource returns the current system prompt.
type PromptSource interface {
	SystemPrompt() (string, error)
}

// PromptFunc adapts a plain function to PromptSource.
type PromptFunc func() (string, error)

func (f PromptFunc) SystemPrompt() (string, error) { return f() }

// UserInput is one inbound user message.
type UserInput struct {
	Text   string   `json:"text"`
	Images []string `json:"images,omitempty"`
}

// TurnResult is the outcome of a completed turn.
type TurnResult struct {
	SessionKey string        `json:"session_key"`
	Content    string        `json:"content"`
	Iterations int           `json:"iterations"`
	ToolCalls  int           `json:"tool_calls"`
	Duration   time.Duration `json:"duration"`
}
