// Package chat implements the terminal read-eval-print loop. It pumps user
// input into the agent runner, prints responses, and walks the user through
// the console OAuth consent round trip when a run pauses for authorization.
package chat

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog/log"

	"github.com/ishara/deskmate/internal/observability"
	"github.com/ishara/deskmate/pkg/agent"
	"github.com/ishara/deskmate/pkg/googleauth"
)

// promptFunc reads one line of user input for the given prompt.
type promptFunc func(prompt string) (string, error)

// Chat drives one interactive conversation.
type Chat struct {
	runner      *agent.Runner
	flow        *googleauth.Flow
	sessionKey  string
	redirectURI string
	out         io.Writer
}

// Options configures the chat loop.
type Options struct {
	Runner      *agent.Runner
	Flow        *googleauth.Flow
	SessionKey  string
	RedirectURI string
	Out         io.Writer
}

// New creates a chat. An empty session key starts a fresh session.
func New(opts Options) (*Chat, error) {
	if opts.Runner == nil {
		return nil, fmt.Errorf("runner is required")
	}
	if opts.Flow == nil {
		return nil, fmt.Errorf("auth flow is required")
	}

	sessionKey := opts.SessionKey
	if sessionKey == "" {
		id, err := gonanoid.New(10)
		if err != nil {
			return nil, fmt.Errorf("failed to generate session id: %w", err)
		}
		sessionKey = "chat-" + id
	}

	out := opts.Out
	if out == nil {
		out = os.Stdout
	}

	return &Chat{
		runner:      opts.Runner,
		flow:        opts.Flow,
		sessionKey:  sessionKey,
		redirectURI: opts.RedirectURI,
		out:         out,
	}, nil
}

// SessionKey returns the session this chat writes to.
func (c *Chat) SessionKey() string {
	return c.sessionKey
}

// Run starts the interactive loop and blocks until the user quits.
func (c *Chat) Run(ctx context.Context) error {
	historyFile := filepath.Join(os.TempDir(), ".deskmate_history")

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "You: ",
		HistoryFile:     historyFile,
		InterruptPrompt: "^C",
		EOFPrompt:       "quit",
	})
	if err != nil {
		return fmt.Errorf("failed to create readline instance: %w", err)
	}
	defer func() { _ = rl.Close() }()

	prompt := func(p string) (string, error) {
		rl.SetPrompt(p)
		defer rl.SetPrompt("You: ")
		return rl.Readline()
	}

	fmt.Fprintf(c.out, "Chat session started (ID: %s).\n", c.sessionKey)
	fmt.Fprintln(c.out, "Ask about Gmail, Calendar, or general questions. Type 'quit' to exit.")
	fmt.Fprintln(c.out)

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		} else if err == io.EOF {
			fmt.Fprintln(c.out, "Exiting chat...")
			return nil
		} else if err != nil {
			return fmt.Errorf("readline error: %w", err)
		}

		query := strings.TrimSpace(line)
		switch strings.ToLower(query) {
		case "":
			continue
		case "quit", "exit":
			fmt.Fprintln(c.out, "Exiting chat...")
			return nil
		}

		if err := c.Turn(ctx, query, prompt); err != nil {
			fmt.Fprintf(c.out, "\nAn unexpected error occurred: %v\n", err)
			fmt.Fprintln(c.out, "Attempting to continue...")
		}

		fmt.Fprintln(c.out)
	}
}

// Turn processes one user query, including any authorization round trip it
// triggers.
func (c *Chat) Turn(ctx context.Context, query string, prompt promptFunc) error {
	events, err := c.runner.Run(ctx, agent.RunParams{
		SessionKey: c.sessionKey,
		Prompt:     query,
	})
	if err != nil {
		return err
	}

	responseText, pending, err := c.collect(events)
	if err != nil {
		return err
	}

	if pending != nil {
		return c.handlePendingAuth(ctx, pending, prompt)
	}

	if responseText != "" {
		fmt.Fprintf(c.out, "Agent: %s\n", responseText)
	} else {
		fmt.Fprintln(c.out, "Agent: (No specific text response received, the action might be complete or I couldn't process the request)")
	}
	return nil
}

// collect drains a run's events, returning the last text and the pending
// authorization event if one arrived.
func (c *Chat) collect(events <-chan agent.Event) (string, *agent.Event, error) {
	responseText := ""
	for ev := range events {
		if ev.Err != nil {
			return "", nil, ev.Err
		}
		if ev.IsPendingAuth() {
			pending := ev
			return responseText, &pending, nil
		}
		if text := ev.LastText(); text != "" {
			responseText = text
		}
	}
	return responseText, nil, nil
}

// handlePendingAuth walks the user through the browser consent round trip and
// resumes the paused run with the exchanged credential.
func (c *Chat) handlePendingAuth(ctx context.Context, pending *agent.Event, prompt promptFunc) error {
	fmt.Fprintln(c.out, "--> Authentication required by agent.")

	callID, err := pending.PendingAuthCallID()
	if err != nil {
		fmt.Fprintln(c.out, "Agent: Sorry, there was an issue understanding the authentication request.")
		return err
	}
	authCfg, err := pending.PendingAuthConfig()
	if err != nil {
		fmt.Fprintln(c.out, "Agent: Sorry, there was an issue understanding the authentication request.")
		return err
	}

	authRequestURI, err := googleauth.BuildAuthorizationURL(authCfg.AuthURI, c.redirectURI, authCfg.Scopes)
	if err != nil {
		return fmt.Errorf("authentication flow error: %w", err)
	}

	fmt.Fprintln(c.out, "\n--- User Action Required for Authentication ---")
	authResponseURI, err := prompt(fmt.Sprintf(
		"1. Please open this URL in your browser to authorize:\n   %s\n\n"+
			"2. After authorization, copy the *entire* URL from your browser's address bar (it will contain a `code=` parameter).\n\n"+
			"3. Paste the copied URL here and press Enter:\n\n> ", authRequestURI))
	if err != nil {
		return err
	}

	authResponseURI = strings.TrimSpace(authResponseURI)
	if authResponseURI == "" {
		fmt.Fprintln(c.out, "Authentication aborted (no response URL provided).")
		return nil
	}

	fmt.Fprintln(c.out, "\nSubmitting authentication details back to the agent flow...")

	if _, err := c.flow.ExchangeResponse(ctx, authResponseURI); err != nil {
		observability.RecordAuthExchange("failure")
		fmt.Fprintln(c.out, "Agent: There was an issue during the authentication process. Please try again.")
		return fmt.Errorf("authentication flow error: %w", err)
	}
	observability.RecordAuthExchange("success")

	authCfg.AuthResponseURI = authResponseURI
	authCfg.RedirectURI = c.redirectURI

	events, err := c.runner.Run(ctx, agent.RunParams{
		SessionKey:   c.sessionKey,
		AuthResponse: agent.NewAuthResponse(callID, authCfg),
	})
	if err != nil {
		return err
	}

	log.Debug().Str("call_id", callID).Msg("Resumed run after authorization")

	responseText, next, err := c.collect(events)
	if err != nil {
		return err
	}
	if next != nil {
		// Still not authorized; one more round trip.
		return c.handlePendingAuth(ctx, next, prompt)
	}

	if responseText != "" {
		fmt.Fprintf(c.out, "Agent: %s\n", responseText)
	} else {
		fmt.Fprintln(c.out, "Agent: Authentication seems complete. The requested action should be done.")
	}
	return nil
}
