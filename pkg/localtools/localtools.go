// Package localtools registers tools that run in-process rather than against
// a Google API: current date/time lookup and RFC 2822 message construction for
// the Gmail send endpoint's raw field.
package localtools

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ishara/deskmate/pkg/toolexec"
)

// Tool names.
const (
	DateTimeToolName = "get_current_date_time"
	RawEmailToolName = "create_raw_email_message"
)

// Options configures local tool registration.
type Options struct {
	// Timezone for get_current_date_time, e.g. "Asia/Colombo".
	Timezone string
}

// Register registers the local tools on the executor.
func Register(executor *toolexec.Executor, opts Options) error {
	if executor == nil {
		return errors.New("tool executor is required")
	}

	tools := []toolexec.ToolDefinition{
		currentDateTimeTool(opts),
		rawEmailTool(),
	}

	for _, tool := range tools {
		if err := executor.Register(tool); err != nil {
			return fmt.Errorf("failed to register tool %s: %w", tool.Name, err)
		}
	}
	return nil
}

func currentDateTimeTool(opts Options) toolexec.ToolDefinition {
	return toolexec.ToolDefinition{
		Name:        DateTimeToolName,
		Description: "Get the current date and time in the configured timezone.",
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			now := time.Now()
			if opts.Timezone != "" {
				if loc, err := time.LoadLocation(opts.Timezone); err == nil {
					now = now.In(loc)
				}
			}
			return map[string]interface{}{
				"current_date": now.Format("2006-01-02 15:04:05"),
				"timezone":     opts.Timezone,
			}, nil
		},
	}
}

func rawEmailTool() toolexec.ToolDefinition {
	return toolexec.ToolDefinition{
		Name:        RawEmailToolName,
		Description: "Create a urlsafe base64 encoded email message suitable for the 'raw' parameter of the Gmail send endpoint.",
		Parameters: []toolexec.ToolParameter{
			{Name: "sender", Type: "string", Description: "The email address of the sender", Required: true},
			{Name: "recipient", Type: "string", Description: "The email address of the recipient", Required: true},
			{Name: "subject", Type: "string", Description: "The subject of the email", Required: true},
			{Name: "message_body", Type: "string", Description: "The text body of the email", Required: true},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			sender, _ := params["sender"].(string)
			recipient, _ := params["recipient"].(string)
			subject, _ := params["subject"].(string)
			body, _ := params["message_body"].(string)

			raw, err := EncodeRawMessage(sender, recipient, subject, body)
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{"raw": raw}, nil
		},
	}
}

// EncodeRawMessage builds an RFC 2822 message and encodes it for the Gmail
// API's raw field (urlsafe base64, no padding stripped).
func EncodeRawMessage(sender, recipient, subject, body string) (string, error) {
	if recipient == "" {
		return "", errors.New("recipient is required")
	}

	var msg strings.Builder
	if sender != "" {
		fmt.Fprintf(&msg, "From: %s\r\n", sender)
	}
	fmt.Fprintf(&msg, "To: %s\r\n", recipient)
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/plain; charset=\"UTF-8\"\r\n")
	msg.WriteString("\r\n")
	msg.WriteString(body)

	return base64.URLEncoding.EncodeToString([]byte(msg.String())), nil
}
