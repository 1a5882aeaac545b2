package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/harshul/scope-launcher/internal/ui"
)

// setupCmd represents the setup command
var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Install uv and the backend's Python dependencies",
	Long: `The setup command prepares the backend for its first run:

- Copy the bundled project into the data directory
- Find uv on the system, or download it for this platform
- Run 'uv sync' in the project

It is skipped when everything is already in place, unless --force is given.`,
	RunE: runSetup,
}

func init() {
	setupCmd.Flags().BoolP("force", "f", false, "Run setup even if nothing is missing")
}

func runSetup(cmd *cobra.Command, args []string) error {
	force, _ := cmd.Flags().GetBool("force")

	e, err := loadEnv(cmd, false)
	if err != nil {
		return err
	}
	defer e.Close()

	ctx := cmd.Context()
	a := e.newApp(downloadProgress())

	if !force && !a.GetSetupState().NeedsSetup {
		ui.Success("Already set up. Use --force to run setup again.")
		return nil
	}

	sub := a.Subscribe("setup.")
	streamed := make(chan struct{})
	go func() {
		ui.StreamEvents(ctx, sub)
		close(streamed)
	}()

	err = a.RunSetup(ctx)
	a.Unsubscribe(sub)
	<-streamed
	if err != nil {
		return fmt.Errorf("setup failed: %w", err)
	}

	ui.Info("Run 'scope-launcher run' to start the backend")
	return nil
}
