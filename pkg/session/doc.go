// Package session persists conversation history as one JSONL file per
// session.
//
// Invariants:
// - Session IDs are sanitized to [a-zA-Z0-9_-] before they touch the filesystem.
// - Append only ever adds a line at the end of the log.
// - Save is an atomic whole-file rewrite and keeps a leading system message.
// - A corrupt line is skipped on load; it never invalidates the session.
// - Writes for the same session are serialized within the process.
//
// Usage:
//
//	mgr := session.New("/var/lib/clawgate/sessions")
//	_ = mgr.Append(ctx, "web:alice", llm.User("hello"))
//	history, _ := mgr.Load(ctx, "web:alice")
//	history = session.TrimHistory(history, 20)
package session
