package agent

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/ishara/deskmate/pkg/googleauth"
)

// AuthToolName is the pseudo tool call a run emits when a Google tool cannot
// proceed without user authorization.
const AuthToolName = "request_credential"

// FunctionCall is a tool invocation carried inside an event.
type FunctionCall struct {
	ID   string                 `json:"id"`
	Name string                 `json:"name"`
	Args map[string]interface{} `json:"args,omitempty"`
}

// FunctionResponse answers a FunctionCall with the same ID.
type FunctionResponse struct {
	ID       string                 `json:"id"`
	Name     string                 `json:"name"`
	Response map[string]interface{} `json:"response,omitempty"`
}

// Part is one piece of event content.
type Part struct {
	Text             string            `json:"text,omitempty"`
	FunctionCall     *FunctionCall     `json:"function_call,omitempty"`
	FunctionResponse *FunctionResponse `json:"function_response,omitempty"`
}

// Content is the payload of an event.
type Content struct {
	Role  string `json:"role"`
	Parts []Part `json:"parts"`
}

// Event is one step of an agent run. A run emits zero or more intermediate
// events and exactly one terminal event: either a final response, a pending
// authorization, or an error.
type Event struct {
	ID      string   `json:"id"`
	Author  string   `json:"author"`
	Content *Content `json:"content,omitempty"`

	// LongRunningToolIDs lists function call IDs that will not settle inside
	// this run. A request_credential call appears here.
	LongRunningToolIDs []string `json:"long_running_tool_ids,omitempty"`

	Final bool        `json:"final,omitempty"`
	Usage *TokenUsage `json:"usage,omitempty"`
	Err   error       `json:"-"`
}

// LastText returns the text of the last text part, or "".
func (e *Event) LastText() string {
	if e.Content == nil {
		return ""
	}
	for i := len(e.Content.Parts) - 1; i >= 0; i-- {
		if e.Content.Parts[i].Text != "" {
			return e.Content.Parts[i].Text
		}
	}
	return ""
}

// IsPendingAuth reports whether this event pauses the run for a Google
// authorization round trip: it carries a request_credential function call
// whose ID is listed as long-running.
func (e *Event) IsPendingAuth() bool {
	return e.pendingAuthCall() != nil
}

func (e *Event) pendingAuthCall() *FunctionCall {
	if e.Content == nil || len(e.LongRunningToolIDs) == 0 {
		return nil
	}

	longRunning := make(map[string]bool, len(e.LongRunningToolIDs))
	for _, id := range e.LongRunningToolIDs {
		longRunning[id] = true
	}

	for i := range e.Content.Parts {
		call := e.Content.Parts[i].FunctionCall
		if call != nil && call.Name == AuthToolName && longRunning[call.ID] {
			return call
		}
	}
	return nil
}

// PendingAuthCallID returns the function call ID of the pending
// authorization, or an error when the event is not a pending auth event.
func (e *Event) PendingAuthCallID() (string, error) {
	call := e.pendingAuthCall()
	if call == nil {
		return "", fmt.Errorf("event has no pending authorization call")
	}
	return call.ID, nil
}

// PendingAuthConfig extracts the OAuth configuration from a pending
// authorization event.
func (e *Event) PendingAuthConfig() (googleauth.AuthConfig, error) {
	call := e.pendingAuthCall()
	if call == nil {
		return googleauth.AuthConfig{}, fmt.Errorf("event has no pending authorization call")
	}
	return googleauth.AuthConfigFromArgs(call.Args)
}

// NewAuthResponse builds the function response that resumes a run paused by
// the given call ID. The auth config carries the user's pasted redirect URL in
// AuthResponseURI.
func NewAuthResponse(callID string, cfg googleauth.AuthConfig) *FunctionResponse {
	return &FunctionResponse{
		ID:       callID,
		Name:     AuthToolName,
		Response: cfg.ToArgs(),
	}
}

func newTextEvent(author, text string, final bool) Event {
	return Event{
		ID:     uuid.NewString(),
		Author: author,
		Final:  final,
		Content: &Content{
			Role:  "model",
			Parts: []Part{{Text: text}},
		},
	}
}

func newToolCallEvent(author string, calls []ToolCall) Event {
	parts := make([]Part, 0, len(calls))
	for _, call := range calls {
		parts = append(parts, Part{FunctionCall: &FunctionCall{
			ID:   call.ID,
			Name: call.Name,
			Args: call.Parameters,
		}})
	}
	return Event{
		ID:      uuid.NewString(),
		Author:  author,
		Content: &Content{Role: "model", Parts: parts},
	}
}

func newPendingAuthEvent(author, callID string, cfg googleauth.AuthConfig) Event {
	return Event{
		ID:     uuid.NewString(),
		Author: author,
		Final:  true,
		Content: &Content{
			Role: "model",
			Parts: []Part{{FunctionCall: &FunctionCall{
				ID:   callID,
				Name: AuthToolName,
				Args: cfg.ToArgs(),
			}}},
		},
		LongRunningToolIDs: []string{callID},
	}
}

func newErrorEvent(author string, err error) Event {
	return Event{
		ID:     uuid.NewString(),
		Author: author,
		Final:  true,
		Err:    err,
	}
}
