// Package agent orchestrates session-aware LLM runs with tool loops,
// provider failover, and delegation between a router agent and its
// sub-agents.
//
// Invariants:
// - Session history and state are loaded before execution and persisted after.
// - Tool calls route through toolexec only.
// - A tool that needs Google authorization pauses the run with a
//   request_credential event instead of failing it; the run resumes when the
//   caller supplies the matching function response.
//
// Usage:
//
//	runner, _ := agent.NewRunner(agent.Config{...})
//	events, _ := runner.Run(ctx, agent.RunParams{
//		SessionKey: "cli:default",
//		Prompt:     "any new emails?",
//	})
//	for ev := range events {
//		_ = ev
//	}
package agent
