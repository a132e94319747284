package chat

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/ishara/deskmate/pkg/agent"
	"github.com/ishara/deskmate/pkg/googleauth"
	"github.com/ishara/deskmate/pkg/session"
	"github.com/ishara/deskmate/pkg/toolexec"
)

// scriptedProvider returns canned responses in order.
type scriptedProvider struct {
	name      string
	responses []*agent.LLMResponse
	calls     int
}

func (p *scriptedProvider) Provider() string { return p.name }

func (p *scriptedProvider) Call(ctx context.Context, request agent.LLMRequest) (*agent.LLMResponse, error) {
	i := p.calls
	p.calls++
	if i >= len(p.responses) {
		return nil, fmt.Errorf("scripted provider exhausted after %d calls", p.calls)
	}
	return p.responses[i], nil
}

type scriptedFactory struct {
	provider agent.LLMProvider
}

func (f *scriptedFactory) NewProvider(profile agent.AuthProfile) (agent.LLMProvider, error) {
	return f.provider, nil
}

// tokenTransport serves a canned token response for any request, so the
// OAuth code exchange never leaves the test process.
type tokenTransport struct{}

func (tokenTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	body := `{"access_token":"at-1","token_type":"Bearer","refresh_token":"rt-1","expires_in":3600}`
	return &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": {"application/json"}},
		Body:       io.NopCloser(strings.NewReader(body)),
		Request:    req,
	}, nil
}

func newTestChat(t *testing.T, root *agent.Agent, provider agent.LLMProvider, register func(*toolexec.Executor)) (*Chat, *bytes.Buffer) {
	t.Helper()

	sm, err := session.New(t.TempDir())
	require.NoError(t, err)

	te := toolexec.New()
	if register != nil {
		register(te)
	}

	runner, err := agent.NewRunner(agent.Config{
		SessionManager:  sm,
		ToolExecutor:    te,
		RootAgent:       root,
		Logger:          zerolog.Nop(),
		AuthProfiles:    []agent.AuthProfile{{ID: "p1", Provider: "gemini", APIKey: "test"}},
		ProviderFactory: &scriptedFactory{provider: provider},
	})
	require.NoError(t, err)

	flow, err := googleauth.NewFlow(googleauth.FlowConfig{
		ClientID:     "cid",
		ClientSecret: "secret",
		RedirectURI:  "http://localhost:8000/callback",
		Store:        googleauth.NewTokenStore(t.TempDir()),
		Logger:       zerolog.Nop(),
	})
	require.NoError(t, err)

	out := &bytes.Buffer{}
	chat, err := New(Options{
		Runner:      runner,
		Flow:        flow,
		SessionKey:  "chat-test",
		RedirectURI: "http://localhost:8000/callback",
		Out:         out,
	})
	require.NoError(t, err)

	return chat, out
}

func noPrompt(t *testing.T) promptFunc {
	return func(prompt string) (string, error) {
		t.Fatalf("unexpected prompt: %s", prompt)
		return "", nil
	}
}

func TestNewGeneratesSessionKey(t *testing.T) {
	chat, _ := newTestChat(t, &agent.Agent{Name: "task_router_agent", Model: "gemini-2.5-pro"},
		&scriptedProvider{name: "gemini"}, nil)
	assert.Equal(t, "chat-test", chat.SessionKey())

	fresh, err := New(Options{Runner: chat.runner, Flow: chat.flow})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(fresh.SessionKey(), "chat-"))
	assert.Greater(t, len(fresh.SessionKey()), len("chat-"))
}

func TestTurnPrintsResponse(t *testing.T) {
	provider := &scriptedProvider{name: "gemini", responses: []*agent.LLMResponse{
		{Content: "You have 3 unread emails."},
	}}
	root := &agent.Agent{Name: "task_router_agent", Model: "gemini-2.5-pro", Instruction: "Route tasks."}

	chat, out := newTestChat(t, root, provider, nil)

	err := chat.Turn(context.Background(), "any new emails?", noPrompt(t))
	require.NoError(t, err)
	assert.Contains(t, out.String(), "Agent: You have 3 unread emails.")
}

func TestTurnEmptyResponse(t *testing.T) {
	provider := &scriptedProvider{name: "gemini", responses: []*agent.LLMResponse{
		{Content: ""},
	}}
	root := &agent.Agent{Name: "task_router_agent", Model: "gemini-2.5-pro"}

	chat, out := newTestChat(t, root, provider, nil)

	err := chat.Turn(context.Background(), "hello", noPrompt(t))
	require.NoError(t, err)
	assert.Contains(t, out.String(), "No specific text response received")
}

func TestTurnAuthRoundTrip(t *testing.T) {
	authorized := false
	register := func(te *toolexec.Executor) {
		err := te.Register(toolexec.ToolDefinition{
			Name:        "gmail_users_messages_list",
			Description: "List messages",
			Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				if !authorized {
					return nil, &googleauth.AuthRequiredError{Config: googleauth.AuthConfig{
						AuthURI:  "https://accounts.google.com/o/oauth2/auth?client_id=cid",
						TokenURI: "https://oauth2.googleapis.com/token",
						ClientID: "cid",
						Scopes:   []string{"https://www.googleapis.com/auth/gmail.readonly"},
					}}
				}
				return map[string]interface{}{"messages": []string{"m1"}}, nil
			},
		})
		require.NoError(t, err)
	}

	provider := &scriptedProvider{name: "gemini", responses: []*agent.LLMResponse{
		{ToolCalls: []agent.ToolCall{{ID: "call-1", Name: "gmail_users_messages_list", Parameters: map[string]interface{}{"userId": "me"}}}},
		{Content: "You have 1 email."},
	}}
	root := &agent.Agent{
		Name:        "google_gmail_agent",
		Model:       "gemini-2.5-flash",
		Instruction: "Handle Gmail.",
		Tools:       []string{"gmail_users_messages_list"},
	}

	chat, out := newTestChat(t, root, provider, register)

	prompted := false
	prompt := func(p string) (string, error) {
		prompted = true
		assert.Contains(t, p, "open this URL in your browser")
		assert.Contains(t, p, "code=")
		authorized = true
		return "http://localhost:8000/callback?code=abc&state=state", nil
	}

	ctx := context.WithValue(context.Background(), oauth2.HTTPClient,
		&http.Client{Transport: tokenTransport{}})

	err := chat.Turn(ctx, "list my emails", prompt)
	require.NoError(t, err)

	assert.True(t, prompted)
	assert.True(t, chat.flow.HasToken())

	output := out.String()
	assert.Contains(t, output, "Authentication required by agent")
	assert.Contains(t, output, "User Action Required")
	assert.Contains(t, output, "Agent: You have 1 email.")
}

func TestTurnAuthAborted(t *testing.T) {
	register := func(te *toolexec.Executor) {
		err := te.Register(toolexec.ToolDefinition{
			Name:        "calendar_events_list",
			Description: "List events",
			Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				return nil, &googleauth.AuthRequiredError{Config: googleauth.AuthConfig{
					AuthURI:  "https://accounts.google.com/o/oauth2/auth?client_id=cid",
					ClientID: "cid",
				}}
			},
		})
		require.NoError(t, err)
	}

	provider := &scriptedProvider{name: "gemini", responses: []*agent.LLMResponse{
		{ToolCalls: []agent.ToolCall{{ID: "call-2", Name: "calendar_events_list", Parameters: map[string]interface{}{}}}},
	}}
	root := &agent.Agent{
		Name:  "google_calendar_agent",
		Model: "gemini-2.5-flash",
		Tools: []string{"calendar_events_list"},
	}

	chat, out := newTestChat(t, root, provider, register)

	prompt := func(p string) (string, error) { return "   ", nil }

	err := chat.Turn(context.Background(), "what's on today?", prompt)
	require.NoError(t, err)

	assert.Contains(t, out.String(), "Authentication aborted (no response URL provided).")
	assert.False(t, chat.flow.HasToken())
}
