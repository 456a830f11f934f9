// Package coretools registers the built-in tools the model can call:
// shell execution, background process control and reminders.
package coretools

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/harun/clawgate/pkg/process"
	"github.com/harun/clawgate/pkg/scheduler"
	"github.com/harun/clawgate/pkg/toolexecutor"
)

// Options wires the tools to their backing services.
type Options struct {
	Processes *process.Manager
	Scheduler *scheduler.Scheduler

	// WorkspaceRoot resolves relative cwd arguments when the execution
	// context carries no working directory.
	WorkspaceRoot string

	// Now is used to report reminder due times. Defaults to time.Now.
	Now func() time.Time
}

// RegisterCoreTools registers exec, exec_background, process and
// schedule_reminder.
func RegisterCoreTools(executor *toolexecutor.ToolExecutor, opts Options) error {
	if executor == nil {
		return errors.New("tool executor is required")
	}
	if opts.Processes == nil {
		return errors.New("process manager is required")
	}
	if opts.Scheduler == nil {
		return errors.New("scheduler is required")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	tools := []toolexecutor.ToolDefinition{
		execTool(opts),
		execBackgroundTool(opts),
		processTool(opts),
		scheduleReminderTool(opts),
	}

	for _, tool := range tools {
		if err := executor.RegisterTool(tool); err != nil {
			return fmt.Errorf("failed to register tool %s: %w", tool.Name, err)
		}
	}
	return nil
}

func execTool(opts Options) toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:        "exec",
		Description: "Run a shell command and wait for it to finish. Returns combined stdout and stderr.",
		Parameters: []toolexecutor.ToolParameter{
			{Name: "command", Type: "string", Description: "Shell command to execute", Required: true},
			{Name: "cwd", Type: "string", Description: "Working directory, relative to the workspace"},
			{Name: "timeout_seconds", Type: "number", Description: "Timeout in seconds (default 30)"},
		},
		// process.Exec enforces timeout_seconds.
		Timeout: 10 * time.Minute,
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			command := strings.TrimSpace(stringParam(params, "command"))
			if command == "" {
				return nil, process.ErrEmptyCommand
			}

			res := process.Exec(ctx, process.ExecRequest{
				Command:    command,
				WorkingDir: resolveCwd(ctx, opts, params["cwd"]),
				Timeout:    parseDurationSeconds(params["timeout_seconds"], process.DefaultExecTimeout),
			})

			switch {
			case res.TimedOut:
				return nil, fmt.Errorf("command timed out after %s\n%s", res.Duration.Round(time.Millisecond), res.Output)
			case res.Err != nil:
				return nil, res.Err
			}

			out := res.Output
			if res.ExitCode != 0 {
				if out != "" && !strings.HasSuffix(out, "\n") {
					out += "\n"
				}
				out += fmt.Sprintf("[exit code %d]", res.ExitCode)
			}
			return out, nil
		},
	}
}

func execBackgroundTool(opts Options) toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:        "exec_background",
		Description: "Start a long-running shell command in the background. Use the process tool to read its output, write to its stdin or kill it.",
		Parameters: []toolexecutor.ToolParameter{
			{Name: "command", Type: "string", Description: "Shell command to start", Required: true},
			{Name: "cwd", Type: "string", Description: "Working directory, relative to the workspace"},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			id, err := opts.Processes.Start(strings.TrimSpace(stringParam(params, "command")), resolveCwd(ctx, opts, params["cwd"]))
			if err != nil {
				return nil, err
			}
			return fmt.Sprintf("Started background session %s", id), nil
		},
	}
}

func processTool(opts Options) toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:        "process",
		Description: "Manage background sessions: read their log, write to stdin, kill them or list them.",
		Parameters: []toolexecutor.ToolParameter{
			{Name: "action", Type: "string", Description: "What to do", Required: true, Enum: []string{"log", "write", "kill", "list"}},
			{Name: "session_id", Type: "string", Description: "Background session ID (log, write, kill)"},
			{Name: "input", Type: "string", Description: "Text to write to stdin (write)"},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			action := stringParam(params, "action")
			id := strings.TrimSpace(stringParam(params, "session_id"))

			if action != "list" && id == "" {
				return nil, fmt.Errorf("session_id is required for %s", action)
			}

			switch action {
			case "log":
				return opts.Processes.GetLog(id), nil
			case "write":
				if !opts.Processes.Write(id, stringParam(params, "input")) {
					return nil, fmt.Errorf("cannot write to session %s: not found or no longer running", id)
				}
				return fmt.Sprintf("Wrote to session %s", id), nil
			case "kill":
				opts.Processes.Kill(id)
				return fmt.Sprintf("Killed session %s", id), nil
			case "list":
				return formatSessions(opts.Processes.List()), nil
			default:
				return nil, fmt.Errorf("unknown action %q", action)
			}
		},
	}
}

func formatSessions(sessions []process.Summary) string {
	if len(sessions) == 0 {
		return "No background sessions."
	}

	var b strings.Builder
	for _, s := range sessions {
		state := "running"
		if !s.Running {
			state = "exited"
			if s.ExitCode != nil {
				state = fmt.Sprintf("exited %d", *s.ExitCode)
			}
		}
		fmt.Fprintf(&b, "%s pid=%d age=%s %s: %s\n", s.ID, s.PID, s.Age.Round(time.Second), state, s.Command)
	}
	return strings.TrimSuffix(b.String(), "\n")
}

func scheduleReminderTool(opts Options) toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:        "schedule_reminder",
		Description: "Schedule a reminder that is delivered back into this conversation. Set exactly one of delay_seconds, at or cron.",
		Parameters: []toolexecutor.ToolParameter{
			{Name: "content", Type: "string", Description: "Reminder text", Required: true},
			{Name: "delay_seconds", Type: "number", Description: "Seconds from now"},
			{Name: "at", Type: "string", Description: "RFC 3339 timestamp"},
			{Name: "cron", Type: "string", Description: "Five-field cron expression; the next occurrence is used"},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			content := strings.TrimSpace(stringParam(params, "content"))
			if content == "" {
				return nil, errors.New("content is required")
			}

			when := scheduler.When{
				At:   strings.TrimSpace(stringParam(params, "at")),
				Cron: strings.TrimSpace(stringParam(params, "cron")),
			}
			if v, ok := params["delay_seconds"].(float64); ok {
				when.DelaySeconds = &v
			}

			now := opts.Now()
			delay, err := when.Delay(now)
			if err != nil {
				return nil, err
			}

			sessionKey := ""
			if execCtx := toolexecutor.ExecContextFromContext(ctx); execCtx != nil {
				sessionKey = execCtx.SessionKey
			}

			id := opts.Scheduler.AddTaskFor(sessionKey, content, delay)
			return fmt.Sprintf("Reminder %s scheduled for %s", id, now.Add(delay).Format(time.RFC3339)), nil
		},
	}
}

func resolveCwd(ctx context.Context, opts Options, value interface{}) string {
	root := opts.WorkspaceRoot
	if execCtx := toolexecutor.ExecContextFromContext(ctx); execCtx != nil && strings.TrimSpace(execCtx.WorkingDir) != "" {
		root = execCtx.WorkingDir
	}

	raw, _ := value.(string)
	raw = strings.TrimSpace(raw)
	switch {
	case raw == "":
		return root
	case filepath.IsAbs(raw) || root == "":
		return filepath.Clean(raw)
	default:
		return filepath.Join(root, raw)
	}
}

func stringParam(params map[string]interface{}, name string) string {
	s, _ := params[name].(string)
	return s
}

func parseDurationSeconds(value interface{}, fallback time.Duration) time.Duration {
	switch v := value.(type) {
	case float64:
		if v > 0 {
			return time.Duration(v * float64(time.Second))
		}
	case int:
		if v > 0 {
			return time.Duration(v) * time.Second
		}
	}
	return fallback
}
