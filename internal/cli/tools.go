package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ishara/deskmate/internal/app"
	"github.com/ishara/deskmate/pkg/toolset"
)

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "List the tools derived from the API specs",
	Long: `List the Gmail and Calendar tools derived from the OpenAPI specs in the
configured spec directory, including allow-listed operations the specs are
missing.`,
	RunE: runTools,
}

func init() {
	rootCmd.AddCommand(toolsCmd)
}

func runTools(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()

	specs := []struct {
		file string
		opts toolset.Options
	}{
		{app.GmailSpecFile, toolset.Options{Name: "gmail", AllowList: app.GmailAllowList}},
		{app.CalendarSpecFile, toolset.Options{Name: "calendar", AllowList: app.CalendarAllowList}},
	}

	for _, spec := range specs {
		specPath := app.ResolveSpecPath(cfg.Google.SpecDir, spec.file)
		ts, err := toolset.Load(specPath, spec.opts)
		if err != nil {
			fmt.Fprintf(out, "%s: failed to load %s: %v\n", spec.opts.Name, specPath, err)
			continue
		}

		fmt.Fprintf(out, "%s (%s):\n", ts.Name, ts.SpecPath)
		for _, tool := range ts.Tools {
			fmt.Fprintf(out, "  %-32s %s %s\n", tool.Name, tool.Method, tool.Path)
		}
		for _, missing := range ts.MissingTools {
			fmt.Fprintf(out, "  %-32s (missing from spec)\n", missing)
		}
	}

	return nil
}
