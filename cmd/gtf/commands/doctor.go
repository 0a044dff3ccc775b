package commands

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/l3aro/go-taint-flow/internal/config"
	"github.com/l3aro/go-taint-flow/internal/healthcheck"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run health checks on the store and configuration",
	Long: `Checks that the database holds the relations a propagation pass reads,
that the memory cache would fit its budget, and reports recursive
functions and the last recorded run.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDoctor(cmd, conf, configPath, configPath)
	},
}

func runDoctor(cmd *cobra.Command, c *config.Config, savedPath, effectivePath string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	result, err := healthcheck.Check(c, st, savedPath, effectivePath)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	if jsonOutput(cmd) {
		if err := printJSON(result); err != nil {
			return err
		}
	} else {
		displayDoctorResult(result)
	}

	if !result.Healthy(c) {
		return fmt.Errorf("health check failed: the store cannot serve a propagation pass")
	}
	return nil
}

func displayDoctorResult(result *healthcheck.HealthCheckResult) {
	if result.EffectivePath != "" {
		fmt.Printf("Using config: %s (%s)\n", result.EffectivePath, result.EffectiveScope)
	} else {
		fmt.Println("Using config: defaults")
	}
	fmt.Printf("Database: %s\n\n", result.Database)

	fmt.Println("Relations:")
	for _, r := range result.Relations {
		status := "missing"
		if r.Present {
			status = "ready"
		} else if !r.Required {
			status = "absent"
		}
		fmt.Printf("  %s %-22s", formatStatusIcon(status), r.Name)
		if r.Present {
			fmt.Printf(" %s rows", humanize.Comma(r.Rows))
		} else if !r.Required {
			fmt.Print(" (created by the first run)")
		}
		fmt.Println()
	}

	fmt.Println("\nMemory Cache:")
	fmt.Printf("  Status: %s %s\n", formatStatusIcon(result.Cache.Status), result.Cache.Summary())
	if result.Cache.Error != "" {
		fmt.Printf("  Error: %s\n", result.Cache.Error)
	}

	fmt.Println("\nCall Graph:")
	fmt.Printf("  Functions: %d\n", result.Functions)
	for _, group := range result.Recursive {
		fmt.Printf("  %s recursive:", formatStatusIcon("warning"))
		for _, fn := range group {
			fmt.Printf(" %s:%s", fn.File, fn.Name)
		}
		fmt.Println()
	}

	if result.LastRun != nil {
		run := result.LastRun
		fmt.Println("\nLast Run:")
		fmt.Printf("  %s %s (%s mode), %s\n", run.RunID, run.Status, run.Mode, humanize.Time(run.StartedAt))
		fmt.Printf("  %d pairs, %d flows\n", run.Pairs, run.Flows)
	}
}

func formatStatusIcon(status string) string {
	switch status {
	case "ready":
		return "✓"
	case "disabled", "absent", "warning", "over-budget":
		return "◐"
	case "missing", "error":
		return "✗"
	default:
		return "?"
	}
}

func init() {
	RootCmd.AddCommand(doctorCmd)
}
