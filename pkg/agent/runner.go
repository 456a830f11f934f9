package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/harun/clawgate/internal/observability"
	"github.com/harun/clawgate/internal/tracing"
	"github.com/harun/clawgate/pkg/commandqueue"
	"github.com/harun/clawgate/pkg/llm"
	"github.com/harun/clawgate/pkg/session"
	"github.com/harun/clawgate/pkg/toolexecutor"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Runner orchestrates turns.
type Runner struct {
	sessions  *session.Manager
	completer Completer
	tools     *toolexecutor.ToolExecutor
	queue     *commandqueue.CommandQueue
	prompt    PromptSource
	logger    zerolog.Logger

	maxIterations int
	maxUserTurns  int
	workingDir    string

	// Active turns for abort capability
	activeRuns map[string]context.CancelFunc
	runsMu     sync.Mutex
}

// Config holds runner dependencies and limits.
type Config struct {
	Sessions  *session.Manager
	Completer Completer
	Tools     *toolexecutor.ToolExecutor
	Queue     *commandqueue.CommandQueue
	Prompt    PromptSource
	Logger    zerolog.Logger

	MaxIterations int
	MaxUserTurns  int

	// WorkingDir is handed to tools as the default cwd.
	WorkingDir string
}

// NewRunner creates a runner.
func NewRunner(cfg Config) (*Runner, error) {
	observability.EnsureRegistered()

	if cfg.Sessions == nil {
		return nil, fmt.Errorf("session manager is required")
	}
	if cfg.Completer == nil {
		return nil, fmt.Errorf("completer is required")
	}
	if cfg.Tools == nil {
		return nil, fmt.Errorf("tool executor is required")
	}
	if cfg.Queue == nil {
		return nil, fmt.Errorf("command queue is required")
	}

	maxIterations := cfg.MaxIterations
	if maxIterations <= 0 {
		maxIterations = DefaultMaxIterations
	}
	maxUserTurns := cfg.MaxUserTurns
	if maxUserTurns <= 0 {
		maxUserTurns = DefaultMaxUserTurns
	}

	return &Runner{
		sessions:      cfg.Sessions,
		completer:     cfg.Completer,
		tools:         cfg.Tools,
		queue:         cfg.Queue,
		prompt:        cfg.Prompt,
		logger:        cfg.Logger.With().Str("component", "agent").Logger(),
		maxIterations: maxIterations,
		maxUserTurns:  maxUserTurns,
		workingDir:    cfg.WorkingDir,
		activeRuns:    make(map[string]context.CancelFunc),
	}, nil
}

// Run executes one turn for sessionKey and returns the model's final text.
func (r *Runner) Run(ctx context.Context, sessionKey string, input UserInput) (TurnResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if tracing.GetTraceID(ctx) == "" {
		ctx = tracing.NewRequestContext(ctx)
	}
	ctx = tracing.NewTurnContext(ctx, sessionKey)
	ctx, span := tracing.StartSpan(ctx, "clawgate.agent", "agent.turn", attribute.String("session_key", sessionKey))
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, r.logger)

	if strings.TrimSpace(input.Text) == "" && len(input.Images) == 0 {
		err := fmt.Errorf("empty user message")
		span.RecordError(err)
		return TurnResult{}, err
	}

	start := time.Now()

	value, err := r.queue.Enqueue(ctx, laneFor(sessionKey), func(taskCtx context.Context) (interface{}, error) {
		return r.executeTurn(taskCtx, sessionKey, input)
	})

	result, _ := value.(TurnResult)
	result.SessionKey = sessionKey
	result.Duration = time.Since(start)

	outcome := "success"
	switch {
	case errors.Is(err, ErrMaxIterations):
		outcome = "max_iterations"
	case err != nil:
		outcome = "error"
	}
	observability.RecordTurn(outcome, result.Duration, result.ToolCalls)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error().Err(err).Int("iterations", result.Iterations).Msg("Turn failed")
		return result, err
	}

	span.SetAttributes(attribute.Int("iterations", result.Iterations), attribute.Int("tool_calls", result.ToolCalls))
	logger.Info().
		Int("iterations", result.Iterations).
		Int("toolCalls", result.ToolCalls).
		Dur("duration", result.Duration).
		Msg("Turn completed")
	return result, nil
}

// Inject appends msg to a session outside of a turn, on the session's lane so
// it never interleaves with a running turn. A system message sent to an empty
// session is preceded by the system prompt so it is not taken for it.
func (r *Runner) Inject(ctx context.Context, sessionKey string, msg llm.Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}

	_, err := r.queue.Enqueue(ctx, laneFor(sessionKey), func(taskCtx context.Context) (interface{}, error) {
		history, err := r.sessions.Load(taskCtx, sessionKey)
		if err != nil {
			return nil, fmt.Errorf("failed to load session history: %w", err)
		}
		if len(history) == 0 && msg.Role == llm.RoleSystem {
			if _, err := r.prepareHistory(taskCtx, sessionKey); err != nil {
				return nil, err
			}
		}
		return nil, r.sessions.Append(taskCtx, sessionKey, msg)
	})
	return err
}

func laneFor(sessionKey string) string {
	return "session-" + sessionKey
}

// Abort cancels the running turn of a session and drops turns still queued
// behind it. It reports whether anything was aborted.
func (r *Runner) Abort(sessionKey string) bool {
	dropped := r.queue.ClearLane(laneFor(sessionKey))

	r.runsMu.Lock()
	defer r.runsMu.Unlock()

	cancel, exists := r.activeRuns[sessionKey]
	if !exists {
		return dropped > 0
	}

	r.logger.Info().Str("session_key", sessionKey).Int("dropped", dropped).Msg("Aborting turn")
	cancel()
	delete(r.activeRuns, sessionKey)
	return true
}

// IsRunning reports whether a turn is executing for sessionKey.
func (r *Runner) IsRunning(sessionKey string) bool {
	r.runsMu.Lock()
	defer r.runsMu.Unlock()

	_, exists := r.activeRuns[sessionKey]
	return exists
}

func (r *Runner) executeTurn(ctx context.Context, sessionKey string, input UserInput) (TurnResult, error) {
	logger := tracing.LoggerFromContext(ctx, r.logger)

	execCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	r.runsMu.Lock()
	r.activeRuns[sessionKey] = cancel
	r.runsMu.Unlock()
	defer func() {
		r.runsMu.Lock()
		delete(r.activeRuns, sessionKey)
		r.runsMu.Unlock()
	}()

	var result TurnResult

	if err := r.sessions.Append(execCtx, sessionKey, llm.User(input.Text, input.Images...)); err != nil {
		return result, fmt.Errorf("failed to save user message: %w", err)
	}

	history, err := r.prepareHistory(execCtx, sessionKey)
	if err != nil {
		return result, err
	}

	toolCtx := toolexecutor.ContextWithExecContext(execCtx, &toolexecutor.ExecutionContext{
		SessionKey: sessionKey,
		WorkingDir: r.workingDir,
	})
	tools := r.tools.Definitions()

	for result.Iterations < r.maxIterations {
		result.Iterations++

		reply, err := r.completer.Chat(execCtx, history, tools)
		if err != nil {
			return result, err
		}
		reply = llm.Assistant(reply.Content, reply.ToolCalls...)

		if err := r.sessions.Append(execCtx, sessionKey, reply); err != nil {
			return result, fmt.Errorf("failed to save assistant message: %w", err)
		}
		history = append(history, reply)

		if !reply.HasToolCalls() {
			result.Content = reply.Content
			return result, nil
		}

		logger.Debug().Int("iteration", result.Iterations).Int("calls", len(reply.ToolCalls)).Msg("Model requested tools")

		for _, call := range reply.ToolCalls {
			text := r.tools.ExecuteCall(toolCtx, call)
			result.ToolCalls++

			msg := llm.ToolResult(call.ID, call.Function.Name, text)
			if err := r.sessions.Append(execCtx, sessionKey, msg); err != nil {
				return result, fmt.Errorf("failed to save tool result: %w", err)
			}
			history = append(history, msg)
		}

		if err := execCtx.Err(); err != nil {
			return result, err
		}
	}

	logger.Warn().Int("maxIterations", r.maxIterations).Msg("Turn stopped at iteration limit")
	return result, fmt.Errorf("%w (%d)", ErrMaxIterations, r.maxIterations)
}

// prepareHistory loads the session, puts the current system prompt in
// front, trims old turns and persists the result.
func (r *Runner) prepareHistory(ctx context.Context, sessionKey string) ([]llm.Message, error) {
	logger := tracing.LoggerFromContext(ctx, r.logger)

	history, err := r.sessions.Load(ctx, sessionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load session history: %w", err)
	}

	if r.prompt != nil {
		text, err := r.prompt.SystemPrompt()
		if err != nil {
			logger.Warn().Err(err).Msg("Failed to build system prompt, keeping the stored one")
		} else if text != "" {
			if len(history) > 0 && history[0].Role == llm.RoleSystem {
				history[0] = llm.System(text)
			} else {
				history = append([]llm.Message{llm.System(text)}, history...)
			}
		}
	}

	history = session.TrimHistory(history, r.maxUserTurns)

	if err := r.sessions.Save(ctx, sessionKey, history); err != nil {
		return nil, fmt.Errorf("failed to save prepared history: %w", err)
	}
	return history, nil
}
