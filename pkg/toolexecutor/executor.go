package toolexecutor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/harun/clawgate/internal/observability"
	"github.com/harun/clawgate/internal/tracing"
	"github.com/harun/clawgate/pkg/llm"
	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"
	"go.opentelemetry.io/otel/attribute"
)

const (
	DefaultTimeout   = 60 * time.Second
	DefaultMaxOutput = 16 * 1024
)

var (
	ErrToolNotFound     = errors.New("tool not found")
	ErrInvalidArguments = errors.New("invalid arguments")
)

// ToolParameter defines a parameter for a tool
type ToolParameter struct {
	Name        string      `json:"name"`
	Type        string      `json:"type"`
	Description string      `json:"description"`
	Required    bool        `json:"required"`
	Enum        []string    `json:"enum,omitempty"`
	Default     interface{} `json:"default,omitempty"`
}

// ToolHandler is the function signature for tool execution
type ToolHandler func(ctx context.Context, params map[string]interface{}) (interface{}, error)

// ToolDefinition defines a tool's metadata and handler
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  []ToolParameter `json:"parameters"`
	Handler     ToolHandler     `json:"-"`

	// Timeout overrides the executor default for this tool.
	Timeout time.Duration `json:"-"`
}

// ToolResult represents the result of a tool execution
type ToolResult struct {
	Success   bool          `json:"success"`
	Output    interface{}   `json:"output,omitempty"`
	Error     string        `json:"error,omitempty"`
	Truncated bool          `json:"truncated,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// Text renders the result as the content of a tool message.
func (r ToolResult) Text() string {
	if !r.Success {
		return "Error: " + r.Error
	}
	switch v := r.Output.(type) {
	case nil:
		return "(no output)"
	case string:
		if v == "" {
			return "(no output)"
		}
		return v
	case fmt.Stringer:
		return v.String()
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}

// Options configures a ToolExecutor.
type Options struct {
	Timeout   time.Duration
	MaxOutput int
	Logger    zerolog.Logger
}

// ToolExecutor manages and executes tools
type ToolExecutor struct {
	mu      sync.RWMutex
	tools   map[string]*ToolDefinition
	schemas map[string]*gojsonschema.Schema
	raw     map[string]map[string]interface{}
	order   []string

	timeout   time.Duration
	maxOutput int
	logger    zerolog.Logger
}

// New creates a new ToolExecutor
func New(opts Options) *ToolExecutor {
	observability.EnsureRegistered()

	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxOutput <= 0 {
		opts.MaxOutput = DefaultMaxOutput
	}

	return &ToolExecutor{
		tools:     make(map[string]*ToolDefinition),
		schemas:   make(map[string]*gojsonschema.Schema),
		raw:       make(map[string]map[string]interface{}),
		timeout:   opts.Timeout,
		maxOutput: opts.MaxOutput,
		logger:    opts.Logger.With().Str("component", "tools").Logger(),
	}
}

// RegisterTool registers a new tool
func (te *ToolExecutor) RegisterTool(def ToolDefinition) error {
	if err := validateToolDefinition(def); err != nil {
		return fmt.Errorf("invalid tool definition: %w", err)
	}

	raw := buildSchema(def)
	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(raw))
	if err != nil {
		return fmt.Errorf("failed to compile schema for %s: %w", def.Name, err)
	}

	te.mu.Lock()
	defer te.mu.Unlock()

	if _, exists := te.tools[def.Name]; exists {
		return fmt.Errorf("tool %s is already registered", def.Name)
	}

	te.tools[def.Name] = &def
	te.schemas[def.Name] = schema
	te.raw[def.Name] = raw
	te.order = append(te.order, def.Name)

	te.logger.Debug().Str("tool", def.Name).Msg("Tool registered")
	return nil
}

// ListTools returns registered tool names in registration order.
func (te *ToolExecutor) ListTools() []string {
	te.mu.RLock()
	defer te.mu.RUnlock()

	out := make([]string, len(te.order))
	copy(out, te.order)
	return out
}

// Definitions returns the upstream tool schema for every registered tool.
func (te *ToolExecutor) Definitions() []llm.Tool {
	te.mu.RLock()
	defer te.mu.RUnlock()

	out := make([]llm.Tool, 0, len(te.order))
	for _, name := range te.order {
		out = append(out, llm.NewTool(name, te.tools[name].Description, te.raw[name]))
	}
	return out
}

// ExecuteCall runs a model tool call and returns the text for the matching
// tool message. Malformed arguments, unknown tools and handler failures all
// come back as "Error: ..." text.
func (te *ToolExecutor) ExecuteCall(ctx context.Context, call llm.ToolCall) string {
	params := map[string]interface{}{}
	if args := strings.TrimSpace(call.Function.Arguments); args != "" {
		if err := json.Unmarshal([]byte(args), &params); err != nil {
			observability.RecordToolExecution(call.Function.Name, 0, false)
			return fmt.Sprintf("Error: %v: arguments are not a JSON object: %v", ErrInvalidArguments, err)
		}
	}
	return te.Execute(ctx, call.Function.Name, params).Text()
}

// Execute validates params and runs the named tool under its timeout.
func (te *ToolExecutor) Execute(ctx context.Context, toolName string, params map[string]interface{}) (result ToolResult) {
	start := time.Now()
	ctx, span := tracing.StartSpan(ctx, "clawgate.tools", "tool.execute", attribute.String("tool", toolName))
	defer span.End()

	logger := tracing.LoggerFromContext(ctx, te.logger).With().Str("tool", toolName).Logger()
	actor := ""
	if execCtx := ExecContextFromContext(ctx); execCtx != nil {
		actor = execCtx.SessionKey
	}

	defer func() {
		result.Duration = time.Since(start)
		observability.RecordToolExecution(toolName, result.Duration, result.Success)
		status := "success"
		if !result.Success {
			status = "failure"
			span.SetAttributes(attribute.String("error", result.Error))
		}
		observability.RecordToolAudit(ctx, toolName, actor, status, map[string]interface{}{
			"duration_ms": result.Duration.Milliseconds(),
		})
	}()

	te.mu.RLock()
	tool := te.tools[toolName]
	schema := te.schemas[toolName]
	te.mu.RUnlock()

	if tool == nil {
		logger.Warn().Msg("Tool not found")
		return ToolResult{Error: fmt.Sprintf("%v: %s", ErrToolNotFound, toolName)}
	}

	if err := validateParameters(schema, params); err != nil {
		logger.Warn().Err(err).Msg("Parameter validation failed")
		return ToolResult{Error: fmt.Sprintf("%v: %v", ErrInvalidArguments, err)}
	}
	applyDefaults(tool, params)

	timeout := te.timeout
	if tool.Timeout > 0 {
		timeout = tool.Timeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		value interface{}
		err   error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("tool panicked: %v", r)}
			}
		}()
		v, err := tool.Handler(runCtx, params)
		done <- outcome{value: v, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			logger.Debug().Err(out.err).Msg("Tool execution failed")
			return ToolResult{Error: out.err.Error()}
		}
		output, truncated := te.truncate(out.value)
		logger.Debug().Bool("truncated", truncated).Msg("Tool execution completed")
		return ToolResult{Success: true, Output: output, Truncated: truncated}

	case <-runCtx.Done():
		logger.Warn().Dur("timeout", timeout).Msg("Tool execution timeout")
		return ToolResult{Error: fmt.Sprintf("tool execution timeout after %v", timeout)}
	}
}

func validateToolDefinition(def ToolDefinition) error {
	if def.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if def.Description == "" {
		return fmt.Errorf("tool description cannot be empty")
	}
	if def.Handler == nil {
		return fmt.Errorf("tool handler cannot be nil")
	}

	validTypes := map[string]bool{
		"string": true, "number": true, "boolean": true,
		"object": true, "array": true, "integer": true,
	}
	for _, param := range def.Parameters {
		if param.Name == "" {
			return fmt.Errorf("parameter name cannot be empty")
		}
		if !validTypes[param.Type] {
			return fmt.Errorf("invalid parameter type %q for %s", param.Type, param.Name)
		}
		if param.Description == "" {
			return fmt.Errorf("parameter description cannot be empty for %s", param.Name)
		}
	}
	return nil
}

// buildSchema renders the parameters as a JSON schema object.
func buildSchema(def ToolDefinition) map[string]interface{} {
	properties := make(map[string]interface{}, len(def.Parameters))
	required := []string{}

	for _, param := range def.Parameters {
		prop := map[string]interface{}{
			"type":        param.Type,
			"description": param.Description,
		}
		if len(param.Enum) > 0 {
			enum := make([]interface{}, len(param.Enum))
			for i, v := range param.Enum {
				enum[i] = v
			}
			prop["enum"] = enum
		}
		if param.Default != nil {
			prop["default"] = param.Default
		}
		if param.Type == "array" {
			prop["items"] = map[string]interface{}{"type": "string"}
		}
		properties[param.Name] = prop

		if param.Required {
			required = append(required, param.Name)
		}
	}

	schema := map[string]interface{}{
		"type":                 "object",
		"additionalProperties": false,
		"properties":           properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func validateParameters(schema *gojsonschema.Schema, params map[string]interface{}) error {
	if schema == nil {
		return nil
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(params))
	if err != nil {
		return err
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("%s", strings.Join(msgs, "; "))
	}
	return nil
}

func applyDefaults(tool *ToolDefinition, params map[string]interface{}) {
	for _, param := range tool.Parameters {
		if _, ok := params[param.Name]; !ok && param.Default != nil {
			params[param.Name] = param.Default
		}
	}
}

func (te *ToolExecutor) truncate(output interface{}) (interface{}, bool) {
	str, ok := output.(string)
	if !ok || len(str) <= te.maxOutput {
		return output, false
	}
	// keep the tail of the output
	cut := len(str) - te.maxOutput
	return fmt.Sprintf("... [%d bytes truncated]\n%s", cut, str[cut:]), true
}
