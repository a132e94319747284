// Package toolset turns OpenAPI specifications into callable tools for the
// Gmail and Calendar agents. Operations are filtered to an explicit allow-list
// and invoked as plain REST calls with a bearer token.
package toolset

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/ishara/deskmate/internal/observability"
	"github.com/ishara/deskmate/pkg/toolexec"
)

// Tool is a callable operation derived from an OpenAPI spec.
type Tool struct {
	Name         string
	Description  string
	Method       string
	Path         string
	BaseURL      string
	Parameters   []Parameter
	BodySchema   map[string]interface{}
	BodyRequired bool
}

// Toolset is a named collection of tools loaded from one spec file.
type Toolset struct {
	Name     string
	SpecPath string
	Tools    []*Tool
	// MissingTools lists allow-listed operation ids the spec did not declare.
	MissingTools []string
}

// Options configures toolset loading.
type Options struct {
	// Name identifies the toolset in logs and metrics, e.g. "gmail".
	Name string
	// AllowList restricts the toolset to these operation ids. Empty means all.
	AllowList []string
	// BaseURL overrides the spec's first server URL.
	BaseURL string
}

// Load reads and converts a spec file. A missing or malformed file returns an
// error; callers are expected to log it and continue without this toolset.
func Load(specPath string, opts Options) (*Toolset, error) {
	data, err := os.ReadFile(specPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read spec file %s: %w", specPath, err)
	}

	doc, err := ParseDocument(data)
	if err != nil {
		return nil, fmt.Errorf("spec file %s: %w", specPath, err)
	}

	ts := FromDocument(doc, opts)
	ts.SpecPath = specPath

	observability.SetToolsetTools(ts.Name, len(ts.Tools))

	if len(ts.MissingTools) > 0 {
		log.Warn().
			Str("toolset", ts.Name).
			Strs("missing", ts.MissingTools).
			Msg("Allow-listed tools not found in spec")
	}

	log.Info().
		Str("toolset", ts.Name).
		Str("title", doc.Info.Title).
		Int("tools", len(ts.Tools)).
		Msg("Toolset loaded")

	return ts, nil
}

// FromDocument converts a parsed document into a toolset.
func FromDocument(doc *Document, opts Options) *Toolset {
	baseURL := opts.BaseURL
	if baseURL == "" && len(doc.Servers) > 0 {
		baseURL = doc.Servers[0].URL
	}

	allowed := make(map[string]bool, len(opts.AllowList))
	for _, name := range opts.AllowList {
		allowed[name] = true
	}

	ts := &Toolset{Name: opts.Name}
	seen := make(map[string]bool)

	for path, pathItem := range doc.Paths {
		operations := map[string]*Operation{
			"GET":    pathItem.Get,
			"POST":   pathItem.Post,
			"PUT":    pathItem.Put,
			"DELETE": pathItem.Delete,
			"PATCH":  pathItem.Patch,
		}

		for method, op := range operations {
			if op == nil {
				continue
			}

			name := op.OperationID
			if name == "" {
				name = fmt.Sprintf("%s_%s", strings.ToLower(method), sanitizePath(path))
			}
			seen[name] = true

			if len(allowed) > 0 && !allowed[name] {
				continue
			}

			ts.Tools = append(ts.Tools, operationToTool(name, path, method, op, baseURL))
		}
	}

	for _, name := range opts.AllowList {
		if !seen[name] {
			ts.MissingTools = append(ts.MissingTools, name)
		}
	}

	sort.Slice(ts.Tools, func(i, j int) bool { return ts.Tools[i].Name < ts.Tools[j].Name })
	sort.Strings(ts.MissingTools)

	return ts
}

func operationToTool(name, path, method string, op *Operation, baseURL string) *Tool {
	description := op.Summary
	if description == "" {
		description = op.Description
	}
	if description == "" {
		description = fmt.Sprintf("%s %s", method, path)
	}

	tool := &Tool{
		Name:        name,
		Description: description,
		Method:      method,
		Path:        path,
		BaseURL:     baseURL,
		Parameters:  op.Parameters,
	}

	if schema, required, ok := op.jsonBody(); ok {
		tool.BodySchema = schema
		tool.BodyRequired = required
	}

	return tool
}

// InputSchema builds the JSON schema describing the tool's arguments: path and
// query parameters as top-level properties plus a body property for the JSON
// request body.
func (t *Tool) InputSchema() map[string]interface{} {
	properties := make(map[string]interface{})
	var required []string

	for _, param := range t.Parameters {
		prop := map[string]interface{}{
			"description": param.Description,
		}
		if param.Schema != nil {
			if typ, ok := param.Schema["type"]; ok {
				prop["type"] = typ
			}
		}
		if _, ok := prop["type"]; !ok {
			prop["type"] = "string"
		}
		properties[param.Name] = prop
		if param.Required {
			required = append(required, param.Name)
		}
	}

	if t.BodySchema != nil {
		properties["body"] = t.BodySchema
		if t.BodyRequired {
			required = append(required, "body")
		}
	}

	schema := map[string]interface{}{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		sort.Strings(required)
		schema["required"] = required
	}
	return schema
}

// Register registers every tool in the set on the executor, invoking through
// the given invoker.
func (ts *Toolset) Register(executor *toolexec.Executor, invoker *Invoker) error {
	for _, tool := range ts.Tools {
		tool := tool
		def := toolexec.ToolDefinition{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: tool.InputSchema(),
			Handler:     invoker.Handler(tool),
		}
		if err := executor.Register(def); err != nil {
			return fmt.Errorf("toolset %s: %w", ts.Name, err)
		}
	}
	return nil
}

// ToolNames returns the tool names in the set.
func (ts *Toolset) ToolNames() []string {
	names := make([]string, 0, len(ts.Tools))
	for _, tool := range ts.Tools {
		names = append(names, tool.Name)
	}
	return names
}

func sanitizePath(path string) string {
	path = strings.ReplaceAll(path, "/", "_")
	path = strings.ReplaceAll(path, "{", "")
	path = strings.ReplaceAll(path, "}", "")
	return strings.Trim(path, "_")
}
