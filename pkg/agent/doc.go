// Package agent runs conversational turns.
//
// A turn appends the user's message to the session log, refreshes the
// system prompt, trims old history and then alternates between the model
// and the tool executor until the model answers without requesting tools.
//
// Invariants:
// - Turns are serialized per session through a commandqueue lane.
// - Every message of a turn is persisted in the order it was produced.
// - Tool failures are reported back to the model as text, never as turn errors.
//
// Usage:
//
//	runner, _ := agent.NewRunner(agent.Config{...})
//	result, err := runner.Run(ctx, "default", agent.UserInput{Text: "hello"})
package agent
