package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ishara/deskmate/internal/observability"
	"github.com/ishara/deskmate/internal/tracing"
	"github.com/ishara/deskmate/pkg/session"
	"github.com/ishara/deskmate/pkg/toolexec"
)

const (
	// TransferToolName is the function call a router agent uses to hand the
	// conversation to one of its sub-agents.
	TransferToolName = "transfer_to_agent"

	// stateActiveAgent remembers which agent the conversation is delegated to.
	stateActiveAgent = "active_agent"

	// statePendingAuth holds the tool call paused for Google authorization.
	statePendingAuth = "pending_auth"

	defaultMaxTurns    = 10
	defaultToolTimeout = 60 * time.Second
)

// Runner orchestrates agent execution against a session.
type Runner struct {
	sessionManager  *session.Manager
	toolExecutor    *toolexec.Executor
	rootAgent       *Agent
	logger          zerolog.Logger
	providerFactory ProviderCreator
	maxTurns        int
	location        *time.Location

	authProfiles []AuthProfile
	authMu       sync.RWMutex
}

// Config holds runner configuration.
type Config struct {
	SessionManager  *session.Manager
	ToolExecutor    *toolexec.Executor
	RootAgent       *Agent
	Logger          zerolog.Logger
	AuthProfiles    []AuthProfile
	ProviderFactory ProviderCreator
	MaxTurns        int

	// Location is the timezone used when filling the {_time} placeholder in
	// agent instructions. Defaults to the local timezone.
	Location *time.Location
}

// RunParams is one turn of the conversation: either a user prompt or the
// function response resuming a paused authorization.
type RunParams struct {
	SessionKey   string
	Prompt       string
	AuthResponse *FunctionResponse
}

// NewRunner creates a new agent runner.
func NewRunner(cfg Config) (*Runner, error) {
	observability.EnsureRegistered()

	if cfg.SessionManager == nil {
		return nil, fmt.Errorf("session manager is required")
	}
	if cfg.ToolExecutor == nil {
		return nil, fmt.Errorf("tool executor is required")
	}
	if cfg.RootAgent == nil {
		return nil, fmt.Errorf("root agent is required")
	}
	if len(cfg.AuthProfiles) == 0 {
		return nil, fmt.Errorf("at least one auth profile is required")
	}

	providerFactory := cfg.ProviderFactory
	if providerFactory == nil {
		providerFactory = &ProviderFactory{}
	}

	maxTurns := cfg.MaxTurns
	if maxTurns <= 0 {
		maxTurns = defaultMaxTurns
	}

	return &Runner{
		sessionManager:  cfg.SessionManager,
		toolExecutor:    cfg.ToolExecutor,
		rootAgent:       cfg.RootAgent,
		logger:          cfg.Logger,
		providerFactory: providerFactory,
		authProfiles:    cfg.AuthProfiles,
		maxTurns:        maxTurns,
		location:        cfg.Location,
	}, nil
}

// renderInstruction fills the {_time} placeholder with the current wall time.
func (r *Runner) renderInstruction(instruction string) string {
	now := time.Now()
	if r.location != nil {
		now = now.In(r.location)
	}
	return strings.ReplaceAll(instruction, "{_time}", now.Format("2006-01-02 15:04:05"))
}

// RootAgent returns the configured root agent.
func (r *Runner) RootAgent() *Agent {
	return r.rootAgent
}

// Run executes one conversation turn. Events arrive on the returned channel;
// the channel closes after the terminal event (final text, pending
// authorization, or error).
func (r *Runner) Run(ctx context.Context, params RunParams) (<-chan Event, error) {
	if params.SessionKey == "" {
		return nil, fmt.Errorf("session key is required")
	}
	if params.Prompt == "" && params.AuthResponse == nil {
		return nil, fmt.Errorf("prompt or auth response is required")
	}

	events := make(chan Event, 8)
	go func() {
		defer close(events)
		r.execute(ctx, params, events)
	}()

	return events, nil
}

func (r *Runner) execute(ctx context.Context, params RunParams, events chan<- Event) {
	if ctx == nil {
		ctx = context.Background()
	}
	if tracing.GetTraceID(ctx) == "" {
		ctx = tracing.NewRequestContext(ctx)
	}
	ctx = tracing.WithSessionKey(ctx, params.SessionKey)
	ctx, span := tracing.StartSpan(
		ctx,
		"deskmate.agent",
		"agent.run",
		attribute.String("session_key", params.SessionKey),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, r.logger).With().Str("session_key", params.SessionKey).Logger()

	sess, err := r.sessionManager.Load(ctx, params.SessionKey)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		events <- newErrorEvent(r.rootAgent.Name, fmt.Errorf("failed to load session: %w", err))
		return
	}

	active := r.activeAgent(sess)
	ctx = tracing.NewAgentRunContext(ctx, active.Name)
	start := time.Now()

	var terminal Event
	if params.AuthResponse != nil {
		terminal = r.resumeAfterAuth(ctx, sess, active, params, events)
	} else {
		terminal = r.runPrompt(ctx, sess, active, params, events)
	}

	observability.RecordAgentRun(active.Name, time.Since(start), terminal.Err == nil)
	if terminal.Err != nil {
		span.RecordError(terminal.Err)
		span.SetStatus(codes.Error, terminal.Err.Error())
		logger.Error().Err(terminal.Err).Msg("Agent run failed")
	}

	events <- terminal
}

// runPrompt handles a fresh user message.
func (r *Runner) runPrompt(ctx context.Context, sess *session.Session, active *Agent, params RunParams, events chan<- Event) Event {
	logger := tracing.LoggerFromContext(ctx, r.logger)

	if err := r.sessionManager.AppendMessage(ctx, sess.Key, session.Message{
		Role:    "user",
		Content: params.Prompt,
	}); err != nil {
		return newErrorEvent(active.Name, fmt.Errorf("failed to save user message: %w", err))
	}

	messages := historyMessages(sess)
	messages = append(messages, ModelMessage{Role: "user", Content: params.Prompt})

	logger.Debug().Str("agent", active.Name).Msg("Starting agent run")
	return r.runLoop(ctx, sess, active, messages, events)
}

// resumeAfterAuth re-executes the tool call that paused for authorization and
// continues the conversation from there.
func (r *Runner) resumeAfterAuth(ctx context.Context, sess *session.Session, active *Agent, params RunParams, events chan<- Event) Event {
	logger := tracing.LoggerFromContext(ctx, r.logger)

	pending, err := pendingAuthFromState(sess.State)
	if err != nil {
		return newErrorEvent(active.Name, err)
	}
	if params.AuthResponse.ID != pending.CallID {
		return newErrorEvent(active.Name, fmt.Errorf("auth response %s does not match pending call %s", params.AuthResponse.ID, pending.CallID))
	}

	logger.Info().
		Str("tool", pending.Tool).
		Str("call_id", pending.CallID).
		Msg("Resuming run after authorization")

	paused := ToolCall{ID: pending.CallID, Name: pending.Tool, Parameters: pending.Args}

	messages := historyMessages(sess)
	messages = append(messages, ModelMessage{
		Role:      "assistant",
		ToolCalls: []ToolCall{paused},
	})

	result := r.toolExecutor.Execute(ctx, paused.Name, paused.Parameters, &toolexec.ExecutionContext{
		SessionKey: sess.Key,
		Timeout:    defaultToolTimeout,
	})
	if result.AuthRequired != nil {
		// Exchange did not produce a usable token; pause again.
		return newPendingAuthEvent(active.Name, paused.ID, *result.AuthRequired)
	}

	if err := r.sessionManager.UpdateState(ctx, sess.Key, map[string]interface{}{
		statePendingAuth: nil,
	}); err != nil {
		return newErrorEvent(active.Name, fmt.Errorf("failed to clear pending authorization: %w", err))
	}

	messages = append(messages, ModelMessage{
		Role:       "tool",
		Content:    toolResultContent(result),
		ToolCallID: paused.ID,
	})

	return r.runLoop(ctx, sess, active, messages, events)
}

// runLoop is the model/tool loop shared by fresh prompts and resumed runs.
func (r *Runner) runLoop(ctx context.Context, sess *session.Session, active *Agent, messages []ModelMessage, events chan<- Event) Event {
	logger := tracing.LoggerFromContext(ctx, r.logger)

	for turn := 0; turn < r.maxTurns; turn++ {
		select {
		case <-ctx.Done():
			return newErrorEvent(active.Name, ctx.Err())
		default:
		}

		observability.RecordModelTurn(active.Name)

		response, err := r.callWithFailover(ctx, active, messages)
		if err != nil {
			return newErrorEvent(active.Name, err)
		}

		if len(response.ToolCalls) == 0 {
			if err := r.sessionManager.AppendMessage(ctx, sess.Key, session.Message{
				Role:    "assistant",
				Content: response.Content,
				Metadata: map[string]interface{}{
					"agent": active.Name,
					"model": active.Model,
				},
			}); err != nil {
				return newErrorEvent(active.Name, fmt.Errorf("failed to save assistant message: %w", err))
			}

			final := newTextEvent(active.Name, response.Content, true)
			final.Usage = response.Usage
			return final
		}

		events <- newToolCallEvent(active.Name, response.ToolCalls)

		messages = append(messages, ModelMessage{
			Role:      "assistant",
			Content:   response.Content,
			ToolCalls: response.ToolCalls,
		})

		for _, call := range response.ToolCalls {
			if call.Name == TransferToolName {
				next, err := r.transferTarget(active, call)
				if err != nil {
					messages = append(messages, ModelMessage{
						Role:       "tool",
						Content:    err.Error(),
						ToolCallID: call.ID,
					})
					continue
				}

				if err := r.sessionManager.UpdateState(ctx, sess.Key, map[string]interface{}{
					stateActiveAgent: next.Name,
				}); err != nil {
					return newErrorEvent(active.Name, fmt.Errorf("failed to persist delegation: %w", err))
				}

				logger.Info().
					Str("from", active.Name).
					Str("to", next.Name).
					Msg("Conversation delegated")

				active = next
				ctx = tracing.NewAgentRunContext(ctx, active.Name)

				messages = append(messages, ModelMessage{
					Role:       "tool",
					Content:    fmt.Sprintf("Transferred to %s.", next.Name),
					ToolCallID: call.ID,
				})
				continue
			}

			result := r.toolExecutor.Execute(ctx, call.Name, call.Parameters, &toolexec.ExecutionContext{
				SessionKey: sess.Key,
				Timeout:    defaultToolTimeout,
			})

			if result.AuthRequired != nil {
				if err := r.sessionManager.UpdateState(ctx, sess.Key, map[string]interface{}{
					statePendingAuth: map[string]interface{}{
						"call_id": call.ID,
						"tool":    call.Name,
						"args":    call.Parameters,
						"agent":   active.Name,
					},
				}); err != nil {
					return newErrorEvent(active.Name, fmt.Errorf("failed to persist pending authorization: %w", err))
				}

				logger.Info().
					Str("tool", call.Name).
					Str("call_id", call.ID).
					Msg("Run paused for authorization")

				return newPendingAuthEvent(active.Name, call.ID, *result.AuthRequired)
			}

			messages = append(messages, ModelMessage{
				Role:       "tool",
				Content:    toolResultContent(result),
				ToolCallID: call.ID,
			})
		}
	}

	return newErrorEvent(active.Name, fmt.Errorf("maximum tool execution turns exceeded"))
}

// activeAgent resolves the agent the session is currently delegated to.
func (r *Runner) activeAgent(sess *session.Session) *Agent {
	name, _ := sess.State[stateActiveAgent].(string)
	if name == "" || name == r.rootAgent.Name {
		return r.rootAgent
	}
	if sub := r.rootAgent.FindSubAgent(name); sub != nil {
		return sub
	}
	return r.rootAgent
}

// transferTarget resolves a transfer_to_agent call. Sub-agents may hand the
// conversation back to the root agent.
func (r *Runner) transferTarget(active *Agent, call ToolCall) (*Agent, error) {
	name, _ := call.Parameters["agent_name"].(string)
	if name == "" {
		return nil, fmt.Errorf("transfer_to_agent requires agent_name")
	}
	if name == r.rootAgent.Name {
		return r.rootAgent, nil
	}
	if sub := active.FindSubAgent(name); sub != nil {
		return sub, nil
	}
	if sub := r.rootAgent.FindSubAgent(name); sub != nil {
		return sub, nil
	}
	return nil, fmt.Errorf("unknown agent: %s", name)
}

// callWithFailover tries auth profiles in priority order, skipping those in
// cooldown, until one serves the model call.
func (r *Runner) callWithFailover(ctx context.Context, active *Agent, messages []ModelMessage) (*LLMResponse, error) {
	profiles := r.profilesForModel(active.Model)
	logger := tracing.LoggerFromContext(ctx, r.logger)

	var lastErr error

	for _, profile := range profiles {
		if profile.CooldownUntil != nil && time.Now().UnixMilli() < *profile.CooldownUntil {
			observability.SetProviderCooldown(profile.Provider, true)
			logger.Debug().Str("profile_id", profile.ID).Msg("Skipping profile in cooldown")
			continue
		}

		observability.SetProviderCooldown(profile.Provider, false)

		provider, err := r.providerFactory.NewProvider(profile)
		if err != nil {
			logger.Warn().Str("profile_id", profile.ID).Err(err).Msg("Failed to create provider")
			continue
		}

		response, err := r.callWithRetry(ctx, provider, active, messages)
		if err == nil {
			r.updateProfileSuccess(profile.ID)
			return response, nil
		}

		lastErr = err
		logger.Warn().Str("profile_id", profile.ID).Err(err).Msg("Auth profile failed")
		r.updateProfileFailure(profile.ID)

		if !IsRetryableError(err) {
			return nil, err
		}
	}

	if lastErr == nil {
		return nil, fmt.Errorf("no auth profile available for model %s", active.Model)
	}
	return nil, fmt.Errorf("all auth profiles failed: %w", lastErr)
}

// profilesForModel returns profiles matching the model's provider family in
// priority order, falling back to every profile when none match.
func (r *Runner) profilesForModel(model string) []AuthProfile {
	r.authMu.RLock()
	profiles := make([]AuthProfile, len(r.authProfiles))
	copy(profiles, r.authProfiles)
	r.authMu.RUnlock()

	sort.SliceStable(profiles, func(i, j int) bool {
		return profiles[i].Priority < profiles[j].Priority
	})

	family := ProviderForModel(model)
	if family == "" {
		return profiles
	}

	matched := make([]AuthProfile, 0, len(profiles))
	for _, p := range profiles {
		if p.Provider == family {
			matched = append(matched, p)
		}
	}
	if len(matched) == 0 {
		return profiles
	}
	return matched
}

// callWithRetry calls the provider with exponential backoff.
func (r *Runner) callWithRetry(ctx context.Context, provider LLMProvider, active *Agent, messages []ModelMessage) (*LLMResponse, error) {
	ctx, span := tracing.StartSpan(
		ctx,
		"deskmate.agent",
		"agent.model_call",
		attribute.String("provider", provider.Provider()),
		attribute.String("model", active.Model),
	)
	defer span.End()

	maxRetries := active.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}

	request := LLMRequest{
		Model:        active.Model,
		Messages:     messages,
		Tools:        r.buildTools(active),
		Temperature:  active.Temperature,
		MaxTokens:    active.MaxTokens,
		SystemPrompt: r.renderInstruction(active.Instruction),
	}

	var lastErr error

	for attempt := 0; attempt < maxRetries; attempt++ {
		response, err := provider.Call(ctx, request)
		if err == nil {
			return response, nil
		}

		lastErr = err

		if !IsRetryableError(err) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}

		if attempt == maxRetries-1 {
			break
		}

		// Exponential backoff: 1s, 2s, 4s
		delay := time.Duration(1000*(1<<attempt)) * time.Millisecond
		r.logger.Info().
			Int("attempt", attempt+1).
			Dur("delay", delay).
			Msg("Retrying after error")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	span.RecordError(lastErr)
	span.SetStatus(codes.Error, lastErr.Error())
	return nil, fmt.Errorf("max retries (%d) exceeded: %w", maxRetries, lastErr)
}

// buildTools collects the tool specs for an agent, including the delegation
// tool when it has sub-agents.
func (r *Runner) buildTools(active *Agent) []ToolSpec {
	tools := make([]ToolSpec, 0, len(active.Tools)+1)

	for _, name := range active.Tools {
		def := r.toolExecutor.Get(name)
		if def == nil {
			r.logger.Warn().Str("tool", name).Msg("Agent references unregistered tool")
			continue
		}
		tools = append(tools, ToolSpec{
			Name:        def.Name,
			Description: def.Description,
			InputSchema: def.Schema(),
		})
	}

	if len(active.SubAgents) > 0 {
		names := make([]string, 0, len(active.SubAgents))
		for _, sub := range active.SubAgents {
			names = append(names, sub.Name)
		}
		tools = append(tools, ToolSpec{
			Name:        TransferToolName,
			Description: fmt.Sprintf("Hand the conversation to one of: %v", names),
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"agent_name": map[string]interface{}{
						"type":        "string",
						"description": "Name of the agent to transfer to",
					},
				},
				"required": []string{"agent_name"},
			},
		})
	}

	return tools
}

// pendingAuth is the paused tool call stored in session state.
type pendingAuth struct {
	CallID string
	Tool   string
	Args   map[string]interface{}
	Agent  string
}

func pendingAuthFromState(state map[string]interface{}) (*pendingAuth, error) {
	raw, ok := state[statePendingAuth].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("no authorization is pending for this session")
	}

	callID, _ := raw["call_id"].(string)
	tool, _ := raw["tool"].(string)
	if callID == "" || tool == "" {
		return nil, fmt.Errorf("pending authorization state is corrupted")
	}

	args, _ := raw["args"].(map[string]interface{})
	agent, _ := raw["agent"].(string)

	return &pendingAuth{CallID: callID, Tool: tool, Args: args, Agent: agent}, nil
}

// historyMessages converts persisted session history to model messages.
func historyMessages(sess *session.Session) []ModelMessage {
	messages := make([]ModelMessage, 0, len(sess.Messages))
	for _, msg := range sess.Messages {
		messages = append(messages, ModelMessage{
			Role:    msg.Role,
			Content: msg.Content,
		})
	}
	return messages
}

// toolResultContent renders a tool result for the model. Errors go back
// verbatim so the agent can relay the exact upstream message.
func toolResultContent(result toolexec.ToolResult) string {
	if result.Error != "" {
		return result.Error
	}
	if result.Output == nil {
		return "OK"
	}
	if s, ok := result.Output.(string); ok {
		return s
	}
	data, err := json.Marshal(result.Output)
	if err != nil {
		return fmt.Sprintf("%v", result.Output)
	}
	return string(data)
}

func (r *Runner) updateProfileSuccess(profileID string) {
	r.authMu.Lock()
	defer r.authMu.Unlock()

	for i := range r.authProfiles {
		if r.authProfiles[i].ID == profileID {
			r.authProfiles[i].FailureCount = 0
			r.authProfiles[i].CooldownUntil = nil
			observability.SetProviderCooldown(r.authProfiles[i].Provider, false)
			break
		}
	}
}

func (r *Runner) updateProfileFailure(profileID string) {
	r.authMu.Lock()
	defer r.authMu.Unlock()

	for i := range r.authProfiles {
		if r.authProfiles[i].ID == profileID {
			r.authProfiles[i].FailureCount++
			cooldownMs := time.Now().UnixMilli() + int64(60000*r.authProfiles[i].FailureCount)
			r.authProfiles[i].CooldownUntil = &cooldownMs
			observability.SetProviderCooldown(r.authProfiles[i].Provider, true)
			break
		}
	}
}
