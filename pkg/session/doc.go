// Package session manages persistent conversation history using JSONL files.
//
// Each session file holds one JSON entry per line: either a conversation
// message or a state delta. Replaying the file rebuilds the message history
// and the session state, which carries things like a tool call paused for
// authorization.
//
// Invariants:
// - Session keys are validated and path-safe.
// - Writes for the same session are serialized.
// - Append/load/delete operations are observable via tracing and metrics.
package session
