package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ishara/deskmate/internal/app"
	"github.com/ishara/deskmate/internal/chat"
	"github.com/ishara/deskmate/internal/observability"
	"github.com/ishara/deskmate/internal/tracing"
)

var (
	chatSession     string
	chatMetricsAddr string
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start an interactive chat session",
	Long: `Start an interactive chat session with the assistant.
The router agent answers general questions and delegates email and
scheduling tasks to the Gmail and Calendar agents. Type 'quit' to exit.`,
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVar(&chatSession, "session", "", "session key to resume (default: start a new session)")
	chatCmd.Flags().StringVar(&chatMetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address, e.g. 127.0.0.1:9090 (default: disabled)")
	rootCmd.AddCommand(chatCmd)
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	lg, err := newLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = lg.Close() }()

	if err := tracing.InitOpenTelemetry("deskmate"); err != nil {
		lg.Warn().Err(err).Msg("Tracing disabled")
	}
	defer func() { _ = tracing.ShutdownOpenTelemetry(context.Background()) }()

	a, err := app.New(cfg, lg.GetZerolog())
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	if err := a.Cleanup.Start(); err != nil {
		lg.Warn().Err(err).Msg("Session cleanup disabled")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if chatMetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", observability.MetricsHandler())
		srv := &http.Server{Addr: chatMetricsAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				lg.Warn().Err(err).Str("addr", chatMetricsAddr).Msg("Metrics server stopped")
			}
		}()
		defer func() { _ = srv.Shutdown(context.Background()) }()
		lg.Info().Str("addr", chatMetricsAddr).Msg("Serving Prometheus metrics")
	}

	c, err := chat.New(chat.Options{
		Runner:      a.Runner,
		Flow:        a.Flow,
		SessionKey:  chatSession,
		RedirectURI: cfg.Google.RedirectURI,
	})
	if err != nil {
		return err
	}

	return c.Run(ctx)
}
