// Package toolexecutor registers the tools offered to the model and runs
// tool calls against them.
//
// Invariants:
// - Tool names are unique.
// - Arguments are validated against the tool's JSON schema before the handler runs.
// - Execution never fails outward: every call yields a textual result.
//
// Usage:
//
//	te := toolexecutor.New(toolexecutor.Options{})
//	_ = te.RegisterTool(toolexecutor.ToolDefinition{
//		Name:        "echo",
//		Description: "Echo input",
//		Parameters:  []toolexecutor.ToolParameter{{Name: "text", Type: "string", Description: "text", Required: true}},
//		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
//			return params["text"], nil
//		},
//	})
//	out := te.ExecuteCall(ctx, call)
package toolexecutor
