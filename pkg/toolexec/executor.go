package toolexec

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/xeipuuv/gojsonschema"

	"github.com/ishara/deskmate/internal/observability"
	"github.com/ishara/deskmate/pkg/googleauth"
)

// ToolPolicy defines which tools an agent can use
type ToolPolicy struct {
	Allow []string `json:"allow"` // List of allowed tools (* for all)
	Deny  []string `json:"deny"`  // List of denied tools (overrides allow)
}

// IsToolAllowed checks if a tool is allowed by the policy
func (tp *ToolPolicy) IsToolAllowed(toolName string) bool {
	if tp == nil {
		// No policy means allow all
		return true
	}

	for _, denied := range tp.Deny {
		if denied == toolName || denied == "*" {
			return false
		}
	}

	for _, allowed := range tp.Allow {
		if allowed == toolName || allowed == "*" {
			return true
		}
	}

	return false
}

// ToolParameter defines a parameter for a tool
type ToolParameter struct {
	Name        string      `json:"name"`
	Type        string      `json:"type"`
	Description string      `json:"description"`
	Required    bool        `json:"required"`
	Default     interface{} `json:"default,omitempty"`
}

// ToolHandler is the function signature for tool execution
type ToolHandler func(ctx context.Context, params map[string]interface{}) (interface{}, error)

// ToolDefinition defines a tool's metadata and handler. InputSchema, when set,
// is used verbatim for validation and for the model; otherwise a schema is
// generated from Parameters.
type ToolDefinition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  []ToolParameter        `json:"parameters,omitempty"`
	InputSchema map[string]interface{} `json:"input_schema,omitempty"`
	Handler     ToolHandler            `json:"-"`
}

// Schema returns the JSON schema describing the tool's arguments.
func (d *ToolDefinition) Schema() map[string]interface{} {
	if d.InputSchema != nil {
		return d.InputSchema
	}

	properties := make(map[string]interface{})
	required := []string{}

	for _, param := range d.Parameters {
		prop := map[string]interface{}{
			"type":        param.Type,
			"description": param.Description,
		}
		properties[param.Name] = prop
		if param.Required {
			required = append(required, param.Name)
		}
	}

	schema := map[string]interface{}{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// ExecutionContext provides runtime information for tool execution
type ExecutionContext struct {
	SessionKey string
	Timeout    time.Duration
	ToolPolicy *ToolPolicy
}

// ToolResult represents the result of a tool execution. AuthRequired is set
// when the tool cannot run until the user completes an authorization round
// trip; such results are neither success nor ordinary failure.
type ToolResult struct {
	Success      bool                   `json:"success"`
	Output       interface{}            `json:"output,omitempty"`
	Error        string                 `json:"error,omitempty"`
	AuthRequired *googleauth.AuthConfig `json:"auth_required,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// Executor manages and executes tools
type Executor struct {
	tools   map[string]*ToolDefinition
	schemas map[string]*gojsonschema.Schema
	mu      sync.RWMutex
}

// New creates a new Executor
func New() *Executor {
	return &Executor{
		tools:   make(map[string]*ToolDefinition),
		schemas: make(map[string]*gojsonschema.Schema),
	}
}

// Register registers a new tool
func (te *Executor) Register(def ToolDefinition) error {
	if def.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	if def.Handler == nil {
		return fmt.Errorf("tool %s: handler is required", def.Name)
	}

	schemaJSON, err := json.Marshal(def.Schema())
	if err != nil {
		return fmt.Errorf("tool %s: failed to encode schema: %w", def.Name, err)
	}
	schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(schemaJSON))
	if err != nil {
		return fmt.Errorf("tool %s: invalid schema: %w", def.Name, err)
	}

	te.mu.Lock()
	defer te.mu.Unlock()

	te.tools[def.Name] = &def
	te.schemas[def.Name] = schema

	log.Debug().Str("tool", def.Name).Msg("Tool registered")

	return nil
}

// Unregister removes a tool
func (te *Executor) Unregister(name string) {
	te.mu.Lock()
	defer te.mu.Unlock()

	delete(te.tools, name)
	delete(te.schemas, name)
}

// Get returns a tool definition by name
func (te *Executor) Get(name string) *ToolDefinition {
	te.mu.RLock()
	defer te.mu.RUnlock()

	return te.tools[name]
}

// List returns all registered tool names
func (te *Executor) List() []string {
	te.mu.RLock()
	defer te.mu.RUnlock()

	tools := make([]string, 0, len(te.tools))
	for name := range te.tools {
		tools = append(tools, name)
	}

	return tools
}

// Count returns the number of registered tools
func (te *Executor) Count() int {
	te.mu.RLock()
	defer te.mu.RUnlock()

	return len(te.tools)
}

// Execute executes a tool with the given parameters
func (te *Executor) Execute(ctx context.Context, toolName string, params map[string]interface{}, execCtx *ExecutionContext) ToolResult {
	startTime := time.Now()

	if execCtx != nil && execCtx.ToolPolicy != nil {
		if !execCtx.ToolPolicy.IsToolAllowed(toolName) {
			log.Warn().Str("tool", toolName).Msg("Tool execution blocked by policy")
			return ToolResult{
				Success: false,
				Error:   fmt.Sprintf("tool '%s' is not allowed by agent policy", toolName),
			}
		}
	}

	te.mu.RLock()
	def := te.tools[toolName]
	schema := te.schemas[toolName]
	te.mu.RUnlock()

	if def == nil {
		return ToolResult{
			Success: false,
			Error:   fmt.Sprintf("tool not found: %s", toolName),
		}
	}

	if params == nil {
		params = map[string]interface{}{}
	}

	if schema != nil {
		validation, err := schema.Validate(gojsonschema.NewGoLoader(params))
		if err != nil {
			return ToolResult{Success: false, Error: fmt.Sprintf("argument validation failed: %v", err)}
		}
		if !validation.Valid() {
			msgs := make([]string, 0, len(validation.Errors()))
			for _, e := range validation.Errors() {
				msgs = append(msgs, e.String())
			}
			observability.RecordToolExecution(toolName, time.Since(startTime), false)
			return ToolResult{
				Success: false,
				Error:   fmt.Sprintf("invalid arguments for %s: %v", toolName, msgs),
			}
		}
	}

	if execCtx != nil && execCtx.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, execCtx.Timeout)
		defer cancel()
	}

	output, err := def.Handler(ctx, params)
	duration := time.Since(startTime)

	if err != nil {
		var authErr *googleauth.AuthRequiredError
		if errors.As(err, &authErr) {
			observability.RecordAuthPending()
			log.Info().Str("tool", toolName).Msg("Tool execution paused for authorization")
			cfg := authErr.Config
			return ToolResult{
				Success:      false,
				Error:        authErr.Error(),
				AuthRequired: &cfg,
			}
		}

		observability.RecordToolExecution(toolName, duration, false)
		log.Warn().Str("tool", toolName).Err(err).Msg("Tool execution failed")
		return ToolResult{
			Success: false,
			Error:   err.Error(),
		}
	}

	observability.RecordToolExecution(toolName, duration, true)

	return ToolResult{
		Success: true,
		Output:  output,
	}
}
