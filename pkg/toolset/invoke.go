package toolset

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/ishara/deskmate/pkg/toolexec"
)

// HTTPClientFunc supplies an authenticated HTTP client. It may fail with
// googleauth.AuthRequiredError, which propagates through the tool handler so
// the run can pause for authorization.
type HTTPClientFunc func(ctx context.Context) (*http.Client, error)

// Invoker executes OpenAPI-derived tools as REST calls.
type Invoker struct {
	clientFunc HTTPClientFunc
}

// NewInvoker creates an invoker for the given client source.
func NewInvoker(clientFunc HTTPClientFunc) *Invoker {
	return &Invoker{clientFunc: clientFunc}
}

// Handler returns a tool handler executing the given tool.
func (inv *Invoker) Handler(tool *Tool) toolexec.ToolHandler {
	return func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
		return inv.Invoke(ctx, tool, params)
	}
}

// Invoke performs the REST call for a tool.
func (inv *Invoker) Invoke(ctx context.Context, tool *Tool, args map[string]interface{}) (interface{}, error) {
	client, err := inv.clientFunc(ctx)
	if err != nil {
		return nil, err
	}

	req, err := BuildRequest(ctx, tool, args)
	if err != nil {
		return nil, err
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: request failed: %w", tool.Name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to read response: %w", tool.Name, err)
	}

	// The agents relay API errors verbatim, so keep the body text intact.
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%s: HTTP %d: %s", tool.Name, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if len(bytes.TrimSpace(body)) == 0 {
		return nil, nil
	}

	var out interface{}
	if err := json.Unmarshal(body, &out); err != nil {
		// Non-JSON success bodies are returned as text.
		return string(body), nil
	}
	return out, nil
}

// BuildRequest constructs the HTTP request for a tool call: path parameters
// substituted into the template, query parameters encoded, JSON body attached.
func BuildRequest(ctx context.Context, tool *Tool, args map[string]interface{}) (*http.Request, error) {
	if args == nil {
		args = map[string]interface{}{}
	}

	path := tool.Path
	query := url.Values{}

	for _, param := range tool.Parameters {
		value, present := args[param.Name]
		if !present {
			if param.Required {
				return nil, fmt.Errorf("%s: missing required parameter %q", tool.Name, param.Name)
			}
			continue
		}

		switch param.In {
		case "path":
			path = strings.ReplaceAll(path, "{"+param.Name+"}", url.PathEscape(fmt.Sprintf("%v", value)))
		case "query":
			switch v := value.(type) {
			case []interface{}:
				for _, item := range v {
					query.Add(param.Name, fmt.Sprintf("%v", item))
				}
			default:
				query.Set(param.Name, fmt.Sprintf("%v", v))
			}
		}
	}

	if strings.Contains(path, "{") {
		return nil, fmt.Errorf("%s: unresolved path parameters in %s", tool.Name, path)
	}

	fullURL := strings.TrimSuffix(tool.BaseURL, "/") + path
	if encoded := query.Encode(); encoded != "" {
		fullURL += "?" + encoded
	}

	var bodyReader io.Reader
	if body, ok := args["body"]; ok {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("%s: failed to encode request body: %w", tool.Name, err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(tool.Method), fullURL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to build request: %w", tool.Name, err)
	}

	if bodyReader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	return req, nil
}
