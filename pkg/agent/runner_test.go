package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/harun/clawgate/pkg/commandqueue"
	"github.com/harun/clawgate/pkg/llm"
	"github.com/harun/clawgate/pkg/session"
	"github.com/harun/clawgate/pkg/toolexecutor"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedCompleter replays replies in order and records what it was sent.
type scriptedCompleter struct {
	mu       sync.Mutex
	replies  []llm.Message
	errs     []error
	requests [][]llm.Message
	tools    [][]llm.Tool
	fallback *llm.Message
}

func (c *scriptedCompleter) Chat(ctx context.Context, messages []llm.Message, tools []llm.Tool) (llm.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.requests = append(c.requests, append([]llm.Message(nil), messages...))
	c.tools = append(c.tools, tools)

	i := len(c.requests) - 1
	if i < len(c.errs) && c.errs[i] != nil {
		return llm.Message{}, c.errs[i]
	}
	if i < len(c.replies) {
		return c.replies[i], nil
	}
	if c.fallback != nil {
		return *c.fallback, nil
	}
	return llm.Message{}, fmt.Errorf("no scripted reply for call %d", i)
}

func (c *scriptedCompleter) calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}

func call(id, name, args string) llm.ToolCall {
	return llm.ToolCall{ID: id, Type: "function", Function: llm.FunctionCall{Name: name, Arguments: args}}
}

func setupTestRunner(t *testing.T, completer Completer, opts ...func(*Config)) (*Runner, *session.Manager) {
	t.Helper()

	sm := session.New(t.TempDir())
	logger := zerolog.New(os.Stdout).Level(zerolog.ErrorLevel)

	te := toolexecutor.New(toolexecutor.Options{Logger: logger})
	err := te.RegisterTool(toolexecutor.ToolDefinition{
		Name:        "echo",
		Description: "Echo input",
		Parameters: []toolexecutor.ToolParameter{
			{Name: "input", Type: "string", Description: "Text to echo", Required: true},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			execCtx := toolexecutor.ExecContextFromContext(ctx)
			require.NotNil(t, execCtx)
			return fmt.Sprintf("%s:%v", execCtx.SessionKey, params["input"]), nil
		},
	})
	require.NoError(t, err)
	err = te.RegisterTool(toolexecutor.ToolDefinition{
		Name:        "fail",
		Description: "Always fails",
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			return nil, errors.New("disk on fire")
		},
	})
	require.NoError(t, err)

	cq := commandqueue.New(logger)
	t.Cleanup(func() { _ = cq.Close() })

	cfg := Config{
		Sessions:  sm,
		Completer: completer,
		Tools:     te,
		Queue:     cq,
		Prompt:    PromptFunc(func() (string, error) { return "You are a test assistant.", nil }),
		Logger:    logger,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	runner, err := NewRunner(cfg)
	require.NoError(t, err)
	return runner, sm
}

func TestNewRunner(t *testing.T) {
	t.Run("should apply defaults", func(t *testing.T) {
		runner, _ := setupTestRunner(t, &scriptedCompleter{})
		assert.Equal(t, DefaultMaxIterations, runner.maxIterations)
		assert.Equal(t, DefaultMaxUserTurns, runner.maxUserTurns)
	})

	t.Run("should fail without session manager", func(t *testing.T) {
		_, err := NewRunner(Config{
			Completer: &scriptedCompleter{},
			Tools:     toolexecutor.New(toolexecutor.Options{}),
			Queue:     commandqueue.New(zerolog.Nop()),
		})
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "session manager")
	})

	t.Run("should fail without completer", func(t *testing.T) {
		_, err := NewRunner(Config{
			Sessions: session.New(t.TempDir()),
			Tools:    toolexecutor.New(toolexecutor.Options{}),
			Queue:    commandqueue.New(zerolog.Nop()),
		})
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "completer")
	})
}

func TestRunPlainReply(t *testing.T) {
	completer := &scriptedCompleter{replies: []llm.Message{llm.Assistant("Hi there")}}
	runner, sm := setupTestRunner(t, completer)

	result, err := runner.Run(context.Background(), "s1", UserInput{Text: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "Hi there", result.Content)
	assert.Equal(t, 1, result.Iterations)
	assert.Equal(t, 0, result.ToolCalls)
	assert.Equal(t, "s1", result.SessionKey)

	require.Len(t, completer.requests, 1)
	sent := completer.requests[0]
	require.Len(t, sent, 2)
	assert.Equal(t, llm.System("You are a test assistant."), sent[0])
	assert.Equal(t, llm.RoleUser, sent[1].Role)
	assert.Len(t, completer.tools[0], 2)

	stored, err := sm.Load(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, stored, 3)
	assert.Equal(t, llm.RoleSystem, stored[0].Role)
	assert.Equal(t, "hello", stored[1].Content)
	assert.Equal(t, "Hi there", stored[2].Content)
}

func TestRunToolLoop(t *testing.T) {
	completer := &scriptedCompleter{replies: []llm.Message{
		llm.Assistant("", call("c1", "echo", `{"input":"a"}`), call("c2", "fail", `{}`), call("c3", "nope", `{}`)),
		llm.Assistant("", call("c4", "echo", `{}`)),
		llm.Assistant("done"),
	}}
	runner, sm := setupTestRunner(t, completer)

	result, err := runner.Run(context.Background(), "tools", UserInput{Text: "go"})
	require.NoError(t, err)
	assert.Equal(t, "done", result.Content)
	assert.Equal(t, 3, result.Iterations)
	assert.Equal(t, 4, result.ToolCalls)

	stored, err := sm.Load(context.Background(), "tools")
	require.NoError(t, err)

	var roles []llm.Role
	for _, m := range stored {
		roles = append(roles, m.Role)
	}
	assert.Equal(t, []llm.Role{
		llm.RoleSystem, llm.RoleUser,
		llm.RoleAssistant, llm.RoleTool, llm.RoleTool, llm.RoleTool,
		llm.RoleAssistant, llm.RoleTool,
		llm.RoleAssistant,
	}, roles)

	assert.Equal(t, "c1", stored[3].ToolCallID)
	assert.Equal(t, "echo", stored[3].Name)
	assert.Equal(t, "tools:a", stored[3].Content)
	assert.Contains(t, stored[4].Content, "disk on fire")
	assert.Contains(t, stored[5].Content, "Error:")
	assert.Contains(t, stored[7].Content, "Error:")

	// The second model call sees the tool results of the first.
	require.Len(t, completer.requests, 3)
	assert.Len(t, completer.requests[1], 6)
	assert.Len(t, completer.requests[2], 8)
}

func TestRunMaxIterations(t *testing.T) {
	loop := llm.Assistant("", call("c", "echo", `{"input":"x"}`))
	completer := &scriptedCompleter{fallback: &loop}
	runner, sm := setupTestRunner(t, completer, func(cfg *Config) { cfg.MaxIterations = 3 })

	result, err := runner.Run(context.Background(), "loop", UserInput{Text: "spin"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMaxIterations)
	assert.Equal(t, 3, result.Iterations)
	assert.Equal(t, 3, completer.calls())

	stored, err := sm.Load(context.Background(), "loop")
	require.NoError(t, err)
	// system, user, then three assistant/tool pairs
	assert.Len(t, stored, 8)
}

func TestRunCompleterError(t *testing.T) {
	completer := &scriptedCompleter{errs: []error{errors.New("all providers are down")}}
	runner, sm := setupTestRunner(t, completer)

	_, err := runner.Run(context.Background(), "err", UserInput{Text: "hello"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "all providers are down")

	stored, err := sm.Load(context.Background(), "err")
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, "hello", stored[1].Content)
}

func TestRunTrimsHistory(t *testing.T) {
	reply := llm.Assistant("ok")
	completer := &scriptedCompleter{fallback: &reply}
	runner, sm := setupTestRunner(t, completer, func(cfg *Config) { cfg.MaxUserTurns = 2 })

	for i := 0; i < 4; i++ {
		_, err := runner.Run(context.Background(), "trim", UserInput{Text: fmt.Sprintf("msg %d", i)})
		require.NoError(t, err)
	}

	last := completer.requests[len(completer.requests)-1]
	require.Len(t, last, 4)
	assert.Equal(t, llm.RoleSystem, last[0].Role)
	assert.Equal(t, "msg 2", last[1].Content)
	assert.Equal(t, "msg 3", last[3].Content)

	stored, err := sm.Load(context.Background(), "trim")
	require.NoError(t, err)
	assert.Len(t, stored, 5)
}

func TestRunRefreshesSystemPrompt(t *testing.T) {
	reply := llm.Assistant("ok")
	completer := &scriptedCompleter{fallback: &reply}

	prompt := "v1"
	runner, sm := setupTestRunner(t, completer, func(cfg *Config) {
		cfg.Prompt = PromptFunc(func() (string, error) { return prompt, nil })
	})

	_, err := runner.Run(context.Background(), "p", UserInput{Text: "one"})
	require.NoError(t, err)
	prompt = "v2"
	_, err = runner.Run(context.Background(), "p", UserInput{Text: "two"})
	require.NoError(t, err)

	stored, err := sm.Load(context.Background(), "p")
	require.NoError(t, err)
	assert.Equal(t, "v2", stored[0].Content)
	systems := 0
	for _, m := range stored {
		if m.Role == llm.RoleSystem {
			systems++
		}
	}
	assert.Equal(t, 1, systems)
}

func TestRunRejectsEmptyInput(t *testing.T) {
	runner, _ := setupTestRunner(t, &scriptedCompleter{})
	_, err := runner.Run(context.Background(), "s", UserInput{Text: "  "})
	assert.Error(t, err)
}

func TestRunWithImages(t *testing.T) {
	completer := &scriptedCompleter{replies: []llm.Message{llm.Assistant("a cat")}}
	runner, _ := setupTestRunner(t, completer)

	_, err := runner.Run(context.Background(), "img", UserInput{Text: "what is this", Images: []string{"data:image/png;base64,AAAA"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"data:image/png;base64,AAAA"}, completer.requests[0][1].Images)
}

func TestAbort(t *testing.T) {
	started := make(chan struct{})
	blocking := &blockingCompleter{started: started}
	runner, _ := setupTestRunner(t, blocking)

	errCh := make(chan error, 1)
	go func() {
		_, err := runner.Run(context.Background(), "abort", UserInput{Text: "wait"})
		errCh <- err
	}()

	<-started
	assert.True(t, runner.IsRunning("abort"))
	assert.True(t, runner.Abort("abort"))
	assert.ErrorIs(t, <-errCh, context.Canceled)
	assert.False(t, runner.IsRunning("abort"))
	assert.False(t, runner.Abort("abort"))
}

func TestAbortDropsQueuedTurns(t *testing.T) {
	started := make(chan struct{})
	blocking := &blockingCompleter{started: started}
	runner, _ := setupTestRunner(t, blocking)

	first := make(chan error, 1)
	go func() {
		_, err := runner.Run(context.Background(), "abort", UserInput{Text: "first"})
		first <- err
	}()
	<-started

	second := make(chan error, 1)
	go func() {
		_, err := runner.Run(context.Background(), "abort", UserInput{Text: "second"})
		second <- err
	}()
	require.Eventually(t, func() bool {
		return runner.queue.Stats()[laneFor("abort")].Queued == 1
	}, 2*time.Second, 10*time.Millisecond)

	assert.True(t, runner.Abort("abort"))
	assert.ErrorIs(t, <-first, context.Canceled)
	assert.ErrorIs(t, <-second, commandqueue.ErrLaneCleared)
}

func TestInject(t *testing.T) {
	completer := &scriptedCompleter{replies: []llm.Message{llm.Assistant("noted")}}
	runner, sm := setupTestRunner(t, completer)
	ctx := context.Background()

	t.Run("should keep a reminder on a fresh session", func(t *testing.T) {
		require.NoError(t, runner.Inject(ctx, "fresh", llm.System("⏰ SYSTEM REMINDER: water plants")))

		history, err := sm.Load(ctx, "fresh")
		require.NoError(t, err)
		require.Len(t, history, 2)
		assert.Equal(t, "You are a test assistant.", history[0].Content)
		assert.Equal(t, "⏰ SYSTEM REMINDER: water plants", history[1].Content)

		_, err = runner.Run(ctx, "fresh", UserInput{Text: "ok"})
		require.NoError(t, err)

		sent := completer.requests[0]
		require.Len(t, sent, 3)
		assert.Equal(t, llm.RoleSystem, sent[0].Role)
		assert.Equal(t, "⏰ SYSTEM REMINDER: water plants", sent[1].Content)
		assert.Equal(t, llm.RoleUser, sent[2].Role)
	})

	t.Run("should append to an existing session", func(t *testing.T) {
		require.NoError(t, runner.Inject(ctx, "fresh", llm.System("⏰ SYSTEM REMINDER: again")))

		history, err := sm.Load(ctx, "fresh")
		require.NoError(t, err)
		assert.Equal(t, "⏰ SYSTEM REMINDER: again", history[len(history)-1].Content)
	})

	t.Run("should reject invalid messages", func(t *testing.T) {
		assert.Error(t, runner.Inject(ctx, "fresh", llm.Message{Role: "narrator"}))
	})
}

type blockingCompleter struct {
	started chan struct{}
	once    sync.Once
}

func (c *blockingCompleter) Chat(ctx context.Context, messages []llm.Message, tools []llm.Tool) (llm.Message, error) {
	c.once.Do(func() { close(c.started) })
	<-ctx.Done()
	return llm.Message{}, ctx.Err()
}
