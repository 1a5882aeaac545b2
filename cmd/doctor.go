package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/harshul/scope-launcher/internal/doctor"
	"github.com/harshul/scope-launcher/internal/platform"
	"github.com/harshul/scope-launcher/internal/ui"
)

// doctorCmd represents the doctor command
var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check the installation and explain what is missing",
	Long: `The doctor command checks everything scope-launcher depends on: the
platform, the data directory, uv, the bundled resources, the project,
its dependencies and the backend port. It changes nothing.`,
	RunE: runDoctor,
}

func init() {
	doctorCmd.Flags().Bool("json", false, "Print the diagnosis as JSON")
}

func runDoctor(cmd *cobra.Command, args []string) error {
	asJSON, _ := cmd.Flags().GetBool("json")

	e, err := loadEnv(cmd, false)
	if err != nil {
		return err
	}
	defer e.Close()

	a := e.newApp(nil)
	d := doctor.Diagnose(cmd.Context(), e.cfg, platform.Current(), a.Provisioner(), a.Health())

	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(d); err != nil {
			return err
		}
	} else {
		printDiagnosis(d)
	}

	if !d.Healthy {
		return fmt.Errorf("%d issue(s) found", len(d.Issues))
	}
	return nil
}

func printDiagnosis(d doctor.Diagnosis) {
	ui.Line(fmt.Sprintf("scope-launcher %s on %s", version, d.Platform))
	ui.Line("")
	for _, c := range d.Checks {
		line := fmt.Sprintf("%-13s %s", c.Name, c.Detail)
		switch {
		case c.OK:
			ui.Success(line)
		case c.Name == "backend":
			ui.Info(line)
		default:
			ui.Error(line)
			if c.Fix != "" {
				ui.Line("               → " + c.Fix)
			}
		}
	}
	ui.Line("")
	if d.Healthy {
		ui.Success("Everything looks good")
	}
}
