// Package app assembles the assistant: OAuth flow, toolsets, local tools,
// the three agents, and the runner that drives them.
package app

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ishara/deskmate/internal/config"
	"github.com/ishara/deskmate/pkg/agent"
	"github.com/ishara/deskmate/pkg/googleauth"
	"github.com/ishara/deskmate/pkg/localtools"
	"github.com/ishara/deskmate/pkg/session"
	"github.com/ishara/deskmate/pkg/toolexec"
	"github.com/ishara/deskmate/pkg/toolset"
)

// Agent names.
const (
	RouterAgentName   = "task_router_agent"
	GmailAgentName    = "google_gmail_agent"
	CalendarAgentName = "google_calendar_agent"
)

// Spec file names expected under the configured spec directory. A .json
// sibling is accepted when the .yaml file is absent.
const (
	GmailSpecFile    = "gmail.yaml"
	CalendarSpecFile = "calendar.yaml"
)

// ResolveSpecPath returns the path of the spec file to load: the .yaml name
// when it exists, otherwise a .json sibling. When neither exists the .yaml
// path is returned so the load error names the expected file.
func ResolveSpecPath(specDir, yamlName string) string {
	yamlPath := filepath.Join(specDir, yamlName)
	if _, err := os.Stat(yamlPath); err == nil {
		return yamlPath
	}
	jsonPath := strings.TrimSuffix(yamlPath, ".yaml") + ".json"
	if _, err := os.Stat(jsonPath); err == nil {
		return jsonPath
	}
	return yamlPath
}

// GmailAllowList are the Gmail operations exposed as tools.
var GmailAllowList = []string{
	"gmail_users_messages_list",
	"gmail_users_messages_get",
	"gmail_users_messages_send",
	"gmail_users_get_profile",
}

// CalendarAllowList are the Calendar operations exposed as tools.
var CalendarAllowList = []string{
	"calendar_events_list",
	"calendar_events_insert",
	"calendar_events_get",
	"calendar_calendar_list_list",
}

// App bundles the assembled assistant.
type App struct {
	Config   *config.Config
	Flow     *googleauth.Flow
	Executor *toolexec.Executor
	Sessions *session.Manager
	Runner   *agent.Runner
	Cleanup  *session.Cleanup

	// Gmail and Calendar are nil when their spec failed to load; the matching
	// agent is then unavailable.
	Gmail    *toolset.Toolset
	Calendar *toolset.Toolset

	watcher *toolset.Watcher
}

// New assembles the application from configuration. A single broken toolset
// degrades to a warning; both broken is a startup error.
func New(cfg *config.Config, logger zerolog.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	flow, err := googleauth.NewFlow(googleauth.FlowConfig{
		ClientID:     cfg.Google.ClientID,
		ClientSecret: cfg.Google.ClientSecret,
		RedirectURI:  cfg.Google.RedirectURI,
		Store:        googleauth.NewTokenStore(cfg.DataDir),
		Logger:       logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to set up Google auth: %w", err)
	}

	executor := toolexec.New()
	if err := localtools.Register(executor, localtools.Options{Timezone: cfg.Google.Timezone}); err != nil {
		return nil, fmt.Errorf("failed to register local tools: %w", err)
	}

	invoker := toolset.NewInvoker(flow.HTTPClient)

	a := &App{
		Config:   cfg,
		Flow:     flow,
		Executor: executor,
	}

	gmailOpts := toolset.Options{Name: "gmail", AllowList: GmailAllowList}
	calendarOpts := toolset.Options{Name: "calendar", AllowList: CalendarAllowList}

	a.Gmail = a.loadToolset(ResolveSpecPath(cfg.Google.SpecDir, GmailSpecFile), gmailOpts, invoker)
	a.Calendar = a.loadToolset(ResolveSpecPath(cfg.Google.SpecDir, CalendarSpecFile), calendarOpts, invoker)

	if a.Gmail == nil && a.Calendar == nil {
		return nil, fmt.Errorf("no valid tools could be loaded for either agent")
	}
	if a.Gmail == nil {
		log.Warn().Msg("No Gmail tools loaded. Gmail agent will be unavailable")
	}
	if a.Calendar == nil {
		log.Warn().Msg("No Calendar tools loaded. Calendar agent will be unavailable")
	}

	sessions, err := session.New(filepath.Join(cfg.DataDir, "sessions"))
	if err != nil {
		return nil, err
	}
	a.Sessions = sessions
	a.Cleanup = session.NewCleanup(sessions, 0)

	location, err := time.LoadLocation(cfg.Google.Timezone)
	if err != nil {
		log.Warn().Str("timezone", cfg.Google.Timezone).Err(err).Msg("Unknown timezone, using local time")
		location = time.Local
	}

	runner, err := agent.NewRunner(agent.Config{
		SessionManager: sessions,
		ToolExecutor:   executor,
		RootAgent:      a.buildAgents(),
		Logger:         logger,
		AuthProfiles:   authProfiles(cfg),
		Location:       location,
	})
	if err != nil {
		return nil, err
	}
	a.Runner = runner

	if cfg.Google.WatchSpecs {
		if err := a.startWatcher(gmailOpts, calendarOpts, invoker); err != nil {
			log.Warn().Err(err).Msg("Spec watching disabled")
		}
	}

	return a, nil
}

// loadToolset loads and registers one toolset, degrading to nil on failure.
func (a *App) loadToolset(specPath string, opts toolset.Options, invoker *toolset.Invoker) *toolset.Toolset {
	ts, err := toolset.Load(specPath, opts)
	if err != nil {
		log.Warn().Err(err).Str("spec", specPath).Msgf("Error loading %s tools", opts.Name)
		return nil
	}
	if err := ts.Register(a.Executor, invoker); err != nil {
		log.Warn().Err(err).Msgf("Error registering %s tools", opts.Name)
		return nil
	}
	return ts
}

// buildAgents constructs the router and its available sub-agents.
func (a *App) buildAgents() *agent.Agent {
	cfg := a.Config

	var subAgents []*agent.Agent

	if a.Gmail != nil {
		tools := append(a.Gmail.ToolNames(), localtools.RawEmailToolName, localtools.DateTimeToolName)
		subAgents = append(subAgents, &agent.Agent{
			Name:        GmailAgentName,
			Description: "Handles Gmail tasks like reading emails, sending emails, and checking user profiles.",
			Model:       cfg.Models.Tool,
			Instruction: gmailInstruction(cfg.Google.Timezone),
			Tools:       tools,
		})
	}

	if a.Calendar != nil {
		tools := append(a.Calendar.ToolNames(), localtools.DateTimeToolName)
		subAgents = append(subAgents, &agent.Agent{
			Name:        CalendarAgentName,
			Description: "Handles Calendar tasks like listing events, creating events, and getting event details.",
			Model:       cfg.Models.Tool,
			Instruction: calendarInstruction(cfg.Google.Timezone),
			Tools:       tools,
		})
	}

	return &agent.Agent{
		Name:        RouterAgentName,
		Description: "Acts as the main interface, routing tasks to Gmail or Calendar agents or answering general questions.",
		Model:       cfg.Models.Router,
		Instruction: routerInstruction(),
		Tools:       []string{localtools.DateTimeToolName},
		SubAgents:   subAgents,
	}
}

// startWatcher reloads toolsets when their spec files change on disk.
func (a *App) startWatcher(gmailOpts, calendarOpts toolset.Options, invoker *toolset.Invoker) error {
	watcher, err := toolset.NewWatcher(toolset.WatcherConfig{
		SpecDir: a.Config.Google.SpecDir,
		OnReload: func(ts *toolset.Toolset) error {
			return a.applyReload(ts, invoker)
		},
	})
	if err != nil {
		return err
	}

	if a.Gmail != nil {
		watcher.Track(a.Gmail, gmailOpts)
	}
	if a.Calendar != nil {
		watcher.Track(a.Calendar, calendarOpts)
	}

	if err := watcher.Start(); err != nil {
		return err
	}

	a.watcher = watcher
	return nil
}

// applyReload swaps a reloaded toolset into the executor.
func (a *App) applyReload(ts *toolset.Toolset, invoker *toolset.Invoker) error {
	var old *toolset.Toolset
	switch ts.Name {
	case "gmail":
		old = a.Gmail
	case "calendar":
		old = a.Calendar
	default:
		return fmt.Errorf("unknown toolset: %s", ts.Name)
	}

	if old != nil {
		for _, name := range old.ToolNames() {
			a.Executor.Unregister(name)
		}
	}
	if err := ts.Register(a.Executor, invoker); err != nil {
		return err
	}

	switch ts.Name {
	case "gmail":
		a.Gmail = ts
	case "calendar":
		a.Calendar = ts
	}
	return nil
}

// Close releases background resources.
func (a *App) Close() error {
	if a.watcher != nil {
		if err := a.watcher.Stop(); err != nil {
			log.Warn().Err(err).Msg("Failed to stop spec watcher")
		}
	}
	if a.Cleanup != nil && a.Cleanup.IsRunning() {
		if err := a.Cleanup.Stop(); err != nil {
			log.Warn().Err(err).Msg("Failed to stop session cleanup")
		}
	}
	if a.Sessions != nil {
		return a.Sessions.Close()
	}
	return nil
}

func authProfiles(cfg *config.Config) []agent.AuthProfile {
	profiles := make([]agent.AuthProfile, 0, len(cfg.AI.Profiles))
	for _, p := range cfg.AI.Profiles {
		profiles = append(profiles, agent.AuthProfile{
			ID:       p.ID,
			Provider: p.Provider,
			APIKey:   p.APIKey,
			Priority: p.Priority,
		})
	}
	return profiles
}
