package cli

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ishara/deskmate/pkg/googleauth"
)

var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Manage Google authorization",
	Long: `Manage the cached Google OAuth token used by the Gmail and Calendar
agents. Use 'auth login' to authorize ahead of time instead of waiting for
an agent to ask mid-conversation.`,
}

var authLoginCmd = &cobra.Command{
	Use:   "login",
	Short: "Authorize access to Gmail and Calendar",
	RunE:  runAuthLogin,
}

var authStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether a Google token is cached",
	RunE:  runAuthStatus,
}

var authRevokeCmd = &cobra.Command{
	Use:   "revoke",
	Short: "Remove the cached Google token",
	RunE:  runAuthRevoke,
}

func init() {
	authCmd.AddCommand(authLoginCmd)
	authCmd.AddCommand(authStatusCmd)
	authCmd.AddCommand(authRevokeCmd)
	rootCmd.AddCommand(authCmd)
}

// newFlow builds a Flow from config without assembling the rest of the app.
func newFlow() (*googleauth.Flow, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if cfg.Google.ClientID == "" || cfg.Google.ClientSecret == "" {
		return nil, fmt.Errorf("google client_id and client_secret are required (set DESKMATE_GOOGLE_CLIENT_ID / DESKMATE_GOOGLE_CLIENT_SECRET or the config file)")
	}
	return googleauth.NewFlow(googleauth.FlowConfig{
		ClientID:     cfg.Google.ClientID,
		ClientSecret: cfg.Google.ClientSecret,
		RedirectURI:  cfg.Google.RedirectURI,
		Store:        googleauth.NewTokenStore(cfg.DataDir),
		Logger:       zerolog.Nop(),
	})
}

func runAuthLogin(cmd *cobra.Command, args []string) error {
	flow, err := newFlow()
	if err != nil {
		return err
	}

	authURL, err := flow.AuthorizationURL()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "1. Please open this URL in your browser to authorize:")
	fmt.Fprintf(out, "   %s\n\n", authURL)
	fmt.Fprintln(out, "2. After authorization, copy the *entire* URL from your browser's address bar (it will contain a `code=` parameter).")
	fmt.Fprintln(out)
	fmt.Fprint(out, "3. Paste the copied URL here and press Enter:\n\n> ")

	reader := bufio.NewReader(cmd.InOrStdin())
	line, err := reader.ReadString('\n')
	if err != nil && line == "" {
		return fmt.Errorf("failed to read auth response: %w", err)
	}

	authResponseURI := strings.TrimSpace(line)
	if authResponseURI == "" {
		return fmt.Errorf("no response URL provided")
	}

	if _, err := flow.ExchangeResponse(cmd.Context(), authResponseURI); err != nil {
		return err
	}

	fmt.Fprintln(out, "\nAuthorization complete. Token cached for the Gmail and Calendar agents.")
	return nil
}

func runAuthStatus(cmd *cobra.Command, args []string) error {
	flow, err := newFlow()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if flow.HasToken() {
		fmt.Fprintln(out, "Authorized: a Google token is cached.")
	} else {
		fmt.Fprintln(out, "Not authorized: no Google token cached. Run 'deskmate auth login'.")
	}
	return nil
}

func runAuthRevoke(cmd *cobra.Command, args []string) error {
	flow, err := newFlow()
	if err != nil {
		return err
	}

	if err := flow.ClearToken(); err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), "Cached Google token removed.")
	return nil
}
