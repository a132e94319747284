package agent

import (
	"context"
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ishara/deskmate/pkg/googleauth"
	"github.com/ishara/deskmate/pkg/session"
	"github.com/ishara/deskmate/pkg/toolexec"
)

// scriptedProvider returns canned responses in order.
type scriptedProvider struct {
	name      string
	responses []*LLMResponse
	errs      []error
	requests  []LLMRequest
	calls     int
}

func (p *scriptedProvider) Provider() string { return p.name }

func (p *scriptedProvider) Call(ctx context.Context, request LLMRequest) (*LLMResponse, error) {
	p.requests = append(p.requests, request)
	i := p.calls
	p.calls++
	if i < len(p.errs) && p.errs[i] != nil {
		return nil, p.errs[i]
	}
	if i >= len(p.responses) {
		return nil, fmt.Errorf("scripted provider exhausted after %d calls", p.calls)
	}
	return p.responses[i], nil
}

type scriptedFactory struct {
	providers map[string]LLMProvider
}

func (f *scriptedFactory) NewProvider(profile AuthProfile) (LLMProvider, error) {
	provider, ok := f.providers[profile.ID]
	if !ok {
		return nil, fmt.Errorf("no provider for profile %s", profile.ID)
	}
	return provider, nil
}

func newTestRunner(t *testing.T, root *Agent, factory ProviderCreator, profiles ...AuthProfile) (*Runner, *toolexec.Executor) {
	t.Helper()

	sm, err := session.New(t.TempDir())
	require.NoError(t, err)

	te := toolexec.New()

	if len(profiles) == 0 {
		profiles = []AuthProfile{{ID: "p1", Provider: "gemini", APIKey: "test", Priority: 0}}
	}

	runner, err := NewRunner(Config{
		SessionManager:  sm,
		ToolExecutor:    te,
		RootAgent:       root,
		Logger:          zerolog.Nop(),
		AuthProfiles:    profiles,
		ProviderFactory: factory,
	})
	require.NoError(t, err)

	return runner, te
}

func drain(t *testing.T, events <-chan Event) []Event {
	t.Helper()
	var all []Event
	for ev := range events {
		all = append(all, ev)
	}
	require.NotEmpty(t, all)
	return all
}

func TestRunTextResponse(t *testing.T) {
	provider := &scriptedProvider{name: "gemini", responses: []*LLMResponse{
		{Content: "You have no new emails."},
	}}
	root := &Agent{Name: "task_router_agent", Model: "gemini-2.5-pro", Instruction: "Route tasks."}

	runner, _ := newTestRunner(t, root, &scriptedFactory{providers: map[string]LLMProvider{"p1": provider}})

	events, err := runner.Run(context.Background(), RunParams{SessionKey: "s1", Prompt: "any new emails?"})
	require.NoError(t, err)

	all := drain(t, events)
	final := all[len(all)-1]
	require.NoError(t, final.Err)
	assert.True(t, final.Final)
	assert.Equal(t, "You have no new emails.", final.LastText())
	assert.Equal(t, "task_router_agent", final.Author)

	// Both turns persisted.
	sess, err := runner.sessionManager.Load(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, sess.Messages, 2)
	assert.Equal(t, "user", sess.Messages[0].Role)
	assert.Equal(t, "assistant", sess.Messages[1].Role)
}

func TestRunToolLoop(t *testing.T) {
	provider := &scriptedProvider{name: "gemini", responses: []*LLMResponse{
		{ToolCalls: []ToolCall{{ID: "call-1", Name: "get_current_date_time", Parameters: map[string]interface{}{}}}},
		{Content: "It is Friday."},
	}}
	root := &Agent{
		Name:        "task_router_agent",
		Model:       "gemini-2.5-pro",
		Instruction: "Route tasks.",
		Tools:       []string{"get_current_date_time"},
	}

	runner, te := newTestRunner(t, root, &scriptedFactory{providers: map[string]LLMProvider{"p1": provider}})
	require.NoError(t, te.Register(toolexec.ToolDefinition{
		Name:        "get_current_date_time",
		Description: "Returns the current date and time",
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			return "2026-08-29 10:00:00", nil
		},
	}))

	events, err := runner.Run(context.Background(), RunParams{SessionKey: "s1", Prompt: "what day is it?"})
	require.NoError(t, err)

	all := drain(t, events)
	final := all[len(all)-1]
	require.NoError(t, final.Err)
	assert.Equal(t, "It is Friday.", final.LastText())

	// The tool result went back to the model on the second call.
	require.Len(t, provider.requests, 2)
	second := provider.requests[1]
	last := second.Messages[len(second.Messages)-1]
	assert.Equal(t, "tool", last.Role)
	assert.Equal(t, "call-1", last.ToolCallID)
	assert.Equal(t, "2026-08-29 10:00:00", last.Content)
}

func TestRunPausesForAuthorization(t *testing.T) {
	authCfg := googleauth.AuthConfig{
		AuthURI:  "https://accounts.google.com/o/oauth2/auth?client_id=cid",
		ClientID: "cid",
		Scopes:   []string{"https://www.googleapis.com/auth/gmail.readonly"},
	}

	provider := &scriptedProvider{name: "gemini", responses: []*LLMResponse{
		{ToolCalls: []ToolCall{{ID: "call-7", Name: "gmail_users_messages_list", Parameters: map[string]interface{}{"userId": "me"}}}},
		{Content: "You have 2 unread messages."},
	}}
	root := &Agent{
		Name:        "google_gmail_agent",
		Model:       "gemini-2.5-flash",
		Instruction: "Handle Gmail.",
		Tools:       []string{"gmail_users_messages_list"},
	}

	runner, te := newTestRunner(t, root, &scriptedFactory{providers: map[string]LLMProvider{"p1": provider}})

	authorized := false
	require.NoError(t, te.Register(toolexec.ToolDefinition{
		Name:        "gmail_users_messages_list",
		Description: "List messages",
		InputSchema: map[string]interface{}{"type": "object", "properties": map[string]interface{}{"userId": map[string]interface{}{"type": "string"}}},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			if !authorized {
				return nil, &googleauth.AuthRequiredError{Config: authCfg}
			}
			return map[string]interface{}{"resultSizeEstimate": 2}, nil
		},
	}))

	events, err := runner.Run(context.Background(), RunParams{SessionKey: "s1", Prompt: "check my inbox"})
	require.NoError(t, err)

	all := drain(t, events)
	pending := all[len(all)-1]
	require.NoError(t, pending.Err)
	require.True(t, pending.IsPendingAuth())

	callID, err := pending.PendingAuthCallID()
	require.NoError(t, err)
	assert.Equal(t, "call-7", callID)

	gotCfg, err := pending.PendingAuthConfig()
	require.NoError(t, err)
	assert.Equal(t, "cid", gotCfg.ClientID)

	// Pending state persisted.
	sess, err := runner.sessionManager.Load(context.Background(), "s1")
	require.NoError(t, err)
	assert.Contains(t, sess.State, "pending_auth")

	// Resume: the user finished the console round trip.
	authorized = true
	gotCfg.AuthResponseURI = "http://localhost:8000/callback?code=4/abc"

	events, err = runner.Run(context.Background(), RunParams{
		SessionKey:   "s1",
		AuthResponse: NewAuthResponse(callID, gotCfg),
	})
	require.NoError(t, err)

	all = drain(t, events)
	final := all[len(all)-1]
	require.NoError(t, final.Err)
	assert.Equal(t, "You have 2 unread messages.", final.LastText())

	// Pending state cleared.
	sess, err = runner.sessionManager.Load(context.Background(), "s1")
	require.NoError(t, err)
	assert.NotContains(t, sess.State, "pending_auth")
}

func TestResumeRejectsMismatchedCallID(t *testing.T) {
	provider := &scriptedProvider{name: "gemini"}
	root := &Agent{Name: "google_gmail_agent", Model: "gemini-2.5-flash"}

	runner, _ := newTestRunner(t, root, &scriptedFactory{providers: map[string]LLMProvider{"p1": provider}})
	require.NoError(t, runner.sessionManager.UpdateState(context.Background(), "s1", map[string]interface{}{
		"pending_auth": map[string]interface{}{"call_id": "call-1", "tool": "gmail_users_messages_list"},
	}))

	events, err := runner.Run(context.Background(), RunParams{
		SessionKey:   "s1",
		AuthResponse: NewAuthResponse("call-other", googleauth.AuthConfig{}),
	})
	require.NoError(t, err)

	all := drain(t, events)
	final := all[len(all)-1]
	require.Error(t, final.Err)
	assert.Contains(t, final.Err.Error(), "does not match")
}

func TestRunDelegation(t *testing.T) {
	gmail := &Agent{Name: "google_gmail_agent", Model: "gemini-2.5-flash", Instruction: "Handle Gmail."}
	root := &Agent{
		Name:        "task_router_agent",
		Model:       "gemini-2.5-pro",
		Instruction: "Route tasks.",
		SubAgents:   []*Agent{gmail},
	}

	provider := &scriptedProvider{name: "gemini", responses: []*LLMResponse{
		{ToolCalls: []ToolCall{{ID: "call-1", Name: TransferToolName, Parameters: map[string]interface{}{"agent_name": "google_gmail_agent"}}}},
		{Content: "Checking your inbox now."},
	}}

	runner, _ := newTestRunner(t, root, &scriptedFactory{providers: map[string]LLMProvider{"p1": provider}})

	events, err := runner.Run(context.Background(), RunParams{SessionKey: "s1", Prompt: "read my email"})
	require.NoError(t, err)

	all := drain(t, events)
	final := all[len(all)-1]
	require.NoError(t, final.Err)
	assert.Equal(t, "google_gmail_agent", final.Author)

	// Delegation survives across runs.
	sess, err := runner.sessionManager.Load(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, "google_gmail_agent", sess.State["active_agent"])

	// The router was offered the transfer tool.
	first := provider.requests[0]
	names := make([]string, 0, len(first.Tools))
	for _, tool := range first.Tools {
		names = append(names, tool.Name)
	}
	assert.Contains(t, names, TransferToolName)
}

func TestFailoverBetweenProfiles(t *testing.T) {
	failing := &scriptedProvider{name: "gemini", errs: []error{fmt.Errorf("429 rate limit"), fmt.Errorf("429 rate limit"), fmt.Errorf("429 rate limit")}}
	working := &scriptedProvider{name: "gemini", responses: []*LLMResponse{{Content: "hello"}}}

	root := &Agent{Name: "task_router_agent", Model: "gemini-2.5-pro", MaxRetries: 1}

	runner, _ := newTestRunner(t, root,
		&scriptedFactory{providers: map[string]LLMProvider{"p1": failing, "p2": working}},
		AuthProfile{ID: "p1", Provider: "gemini", APIKey: "k1", Priority: 0},
		AuthProfile{ID: "p2", Provider: "gemini", APIKey: "k2", Priority: 1},
	)

	events, err := runner.Run(context.Background(), RunParams{SessionKey: "s1", Prompt: "hi"})
	require.NoError(t, err)

	all := drain(t, events)
	final := all[len(all)-1]
	require.NoError(t, final.Err)
	assert.Equal(t, "hello", final.LastText())
	assert.Positive(t, failing.calls)
}

func TestProfilesForModel(t *testing.T) {
	root := &Agent{Name: "r", Model: "gemini-2.5-pro"}
	runner, _ := newTestRunner(t, root, &scriptedFactory{},
		AuthProfile{ID: "a", Provider: "anthropic", Priority: 0},
		AuthProfile{ID: "g", Provider: "gemini", Priority: 1},
	)

	t.Run("matches provider family", func(t *testing.T) {
		profiles := runner.profilesForModel("gemini-2.5-flash")
		require.Len(t, profiles, 1)
		assert.Equal(t, "g", profiles[0].ID)
	})

	t.Run("unknown model uses all profiles by priority", func(t *testing.T) {
		profiles := runner.profilesForModel("mystery-model")
		require.Len(t, profiles, 2)
		assert.Equal(t, "a", profiles[0].ID)
	})

	t.Run("no family match falls back to all", func(t *testing.T) {
		profiles := runner.profilesForModel("gpt-4o")
		assert.Len(t, profiles, 2)
	})
}

func TestRunValidation(t *testing.T) {
	root := &Agent{Name: "r", Model: "gemini-2.5-pro"}
	runner, _ := newTestRunner(t, root, &scriptedFactory{})

	_, err := runner.Run(context.Background(), RunParams{Prompt: "hi"})
	assert.Error(t, err)

	_, err = runner.Run(context.Background(), RunParams{SessionKey: "s1"})
	assert.Error(t, err)
}

func TestMaxTurnsExceeded(t *testing.T) {
	// Provider that always asks for another tool call.
	responses := make([]*LLMResponse, 0, 12)
	for i := 0; i < 12; i++ {
		responses = append(responses, &LLMResponse{
			ToolCalls: []ToolCall{{ID: fmt.Sprintf("call-%d", i), Name: "get_current_date_time", Parameters: map[string]interface{}{}}},
		})
	}
	provider := &scriptedProvider{name: "gemini", responses: responses}

	root := &Agent{Name: "r", Model: "gemini-2.5-pro", Tools: []string{"get_current_date_time"}}
	runner, te := newTestRunner(t, root, &scriptedFactory{providers: map[string]LLMProvider{"p1": provider}})
	require.NoError(t, te.Register(toolexec.ToolDefinition{
		Name:        "get_current_date_time",
		Description: "Returns the current date and time",
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			return "now", nil
		},
	}))

	events, err := runner.Run(context.Background(), RunParams{SessionKey: "s1", Prompt: "loop"})
	require.NoError(t, err)

	all := drain(t, events)
	final := all[len(all)-1]
	require.Error(t, final.Err)
	assert.Contains(t, final.Err.Error(), "maximum tool execution turns")
}
