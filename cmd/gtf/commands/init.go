package commands

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/l3aro/go-taint-flow/internal/config"
)

// initCmd represents the init command
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize gtf configuration interactively",
	Long: `Guides you through setting up gtf configuration step by step.
Creates a config file with the database location, the analysis limits and
the memory cache settings.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runInit(cmd)
	},
}

func positiveInt(s string) error {
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return fmt.Errorf("enter a positive number")
	}
	return nil
}

func fraction(s string) error {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f <= 0 || f > 1 {
		return fmt.Errorf("enter a number in (0, 1]")
	}
	return nil
}

func runInit(cmd *cobra.Command) error {
	c := config.DefaultConfig()

	// === SECTION 1: Store ===
	database := c.Database
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Database").
				Description("SQLite database written by the extraction pipeline").
				Placeholder(c.Database).
				Value(&database),
		),
	)
	if err := form.Run(); err != nil {
		return fmt.Errorf("interactive prompt failed: %w", err)
	}
	if database != "" {
		c.Database = database
	}

	// === SECTION 2: Limits ===
	maxPaths := strconv.Itoa(c.MaxPaths)
	maxDepth := strconv.Itoa(c.MaxDepth)
	budget := c.Budget.String()
	workers := strconv.Itoa(c.Workers)
	form = huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Maximum paths per pair").
				Validate(positiveInt).
				Value(&maxPaths),
			huh.NewInput().
				Title("Maximum interprocedural depth").
				Validate(positiveInt).
				Value(&maxDepth),
			huh.NewInput().
				Title("Wall-clock budget of a pass").
				Validate(func(s string) error {
					_, err := time.ParseDuration(s)
					return err
				}).
				Value(&budget),
			huh.NewInput().
				Title("Pairs analyzed concurrently").
				Validate(positiveInt).
				Value(&workers),
			huh.NewConfirm().
				Title("Flow-sensitive analysis").
				Description("Drop paths on which sanitizers or reassignments clear the taint?").
				Value(&c.FlowSensitive),
		),
	)
	if err := form.Run(); err != nil {
		return fmt.Errorf("interactive prompt failed: %w", err)
	}
	c.MaxPaths, _ = strconv.Atoi(maxPaths)
	c.MaxDepth, _ = strconv.Atoi(maxDepth)
	c.Budget, _ = time.ParseDuration(budget)
	c.Workers, _ = strconv.Atoi(workers)

	// === SECTION 3: Memory Cache ===
	cacheMode := "preferred"
	form = huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Memory Cache").
				Description("Preload the control flow relations before a pass?").
				Options(
					huh.NewOption("Preload, fall back to store queries", "preferred"),
					huh.NewOption("Preload, fail when it does not fit", "required"),
					huh.NewOption("Never, always query the store", "disabled"),
				).
				Value(&cacheMode),
		),
	)
	if err := form.Run(); err != nil {
		return fmt.Errorf("interactive prompt failed: %w", err)
	}
	c.UseCache = cacheMode != "disabled"
	c.RequireCache = cacheMode == "required"

	if c.UseCache {
		budgetFraction := strconv.FormatFloat(c.MemoryBudgetFraction, 'f', -1, 64)
		form = huh.NewForm(
			huh.NewGroup(
				huh.NewInput().
					Title("Share of available memory the cache may use").
					Validate(fraction).
					Value(&budgetFraction),
			),
		)
		if err := form.Run(); err != nil {
			return fmt.Errorf("interactive prompt failed: %w", err)
		}
		c.MemoryBudgetFraction, _ = strconv.ParseFloat(budgetFraction, 64)
	}

	// === SECTION 4: Config Location ===
	var saveLocationChoice string
	form = huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Save Configuration").
				Description("Where to save the configuration file?").
				Options(
					huh.NewOption("Global (~/.gtf/config.yaml)", "global"),
					huh.NewOption("Project (./.gtf/config.yaml)", "project"),
				).
				Value(&saveLocationChoice),
		),
	)
	if err := form.Run(); err != nil {
		return fmt.Errorf("interactive prompt failed: %w", err)
	}

	path := config.ProjectConfigFilePath()
	if saveLocationChoice == "global" {
		path = config.GlobalConfigFilePath()
	}

	if _, err := os.Stat(path); err == nil {
		var overwrite bool
		form = huh.NewForm(
			huh.NewGroup(
				huh.NewConfirm().
					Title("Config file exists").
					Description(fmt.Sprintf("Overwrite existing config at %s?", path)).
					Affirmative("Overwrite").
					Negative("Cancel").
					Value(&overwrite),
			),
		)
		if err := form.Run(); err != nil {
			return fmt.Errorf("interactive prompt failed: %w", err)
		}
		if !overwrite {
			fmt.Println("Cancelled.")
			return nil
		}
	}

	if err := c.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	fmt.Println("\n=== Configuration Preview ===")
	fmt.Printf("Config path: %s\n", path)
	fmt.Printf("Database: %s\n", c.Database)
	fmt.Printf("Limits: %d paths, depth %d, %d hops\n", c.MaxPaths, c.MaxDepth, c.MaxHops)
	fmt.Printf("Budget: %s, %d workers\n", c.Budget, c.Workers)
	fmt.Printf("Flow-sensitive: %t\n", c.FlowSensitive)
	fmt.Printf("Memory cache: %s\n", cacheMode)
	fmt.Println("================================")

	if err := c.Save(path); err != nil {
		return fmt.Errorf("saving config: %w", err)
	}
	fmt.Printf("Configuration saved to: %s\n", path)

	// === SECTION 5: Health Check ===
	if !fileExists(c.Database) {
		fmt.Printf("\nDatabase %s does not exist yet; run \"gtf doctor\" once it has been extracted.\n", c.Database)
		return nil
	}
	fmt.Println("\n=== Running Health Check ===")
	loaded, err := config.LoadFromFile(path)
	if err != nil {
		return fmt.Errorf("loading saved config: %w", err)
	}
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	conf = loaded
	return runDoctor(cmd, loaded, path, effectiveConfigPath())
}

func init() {
	RootCmd.AddCommand(initCmd)
}
