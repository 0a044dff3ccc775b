// Package commands provides the CLI commands for the go-taint-flow tool.
package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/l3aro/go-taint-flow/internal/config"
	"github.com/l3aro/go-taint-flow/internal/log"
	"github.com/l3aro/go-taint-flow/pkg/cache"
	"github.com/l3aro/go-taint-flow/pkg/store"
	"github.com/l3aro/go-taint-flow/pkg/types"
)

// RootCmd represents the base command when called without any subcommands
var RootCmd = &cobra.Command{
	Use:   "gtf",
	Short: "go-taint-flow - CFG based taint propagation",
	Long: `go-taint-flow traces taint flows between sources and sinks over the
control flow graphs stored by an extraction pipeline.

Commands:
  run         Run a propagation pass over a source/sink catalog
  flows       Show the flows stored by the last pass
  block       Find the block containing a line
  paths       Enumerate paths between two blocks
  cfg         Show the control flow graph of a function
  statements  List the statements of a block
  cache       Inspect the memory cache
  import      Load a CFG snapshot into a database
  doctor      Check the store and configuration
  init        Create a configuration file interactively

Use "gtf [command] --help" for more information about a command.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setup(cmd)
	},
}

// Execute adds all child commands to the root command and sets flags appropriately
func Execute() error {
	return RootCmd.Execute()
}

// state shared by the subcommands, filled in by setup
var (
	conf       *config.Config
	configPath string
	logger     *log.DefaultLogger
)

func init() {
	RootCmd.PersistentFlags().String("config", "", "Config file (default: ./.gtf/config.yaml, ~/.gtf/config.yaml)")
	RootCmd.PersistentFlags().String("db", "", "Database path (overrides config)")
	RootCmd.PersistentFlags().Bool("no-cache", false, "Answer every lookup from the store")
	RootCmd.PersistentFlags().BoolP("json", "j", false, "Output as JSON")
	RootCmd.PersistentFlags().String("log-level", "", "Log level: debug, info, warn, error")
}

// setup loads the configuration and applies the global flags.
func setup(cmd *cobra.Command) error {
	var err error
	configPath, _ = cmd.Flags().GetString("config")
	if configPath != "" {
		conf, err = config.LoadFromFile(configPath)
	} else {
		conf, err = config.Load()
		configPath = effectiveConfigPath()
	}
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if db, _ := cmd.Flags().GetString("db"); db != "" {
		conf.Database = db
	}
	if noCache, _ := cmd.Flags().GetBool("no-cache"); noCache {
		conf.UseCache = false
		conf.RequireCache = false
	}
	if lvl, _ := cmd.Flags().GetString("log-level"); lvl != "" {
		conf.LogLevel = lvl
	}
	level, err := log.ParseLevel(conf.LogLevel)
	if err != nil {
		return err
	}

	logger = log.New(log.LoggerConfig{Name: "gtf", Level: level, JSONOutput: conf.LogJSON})
	return nil
}

// effectiveConfigPath returns the highest priority config file that exists.
func effectiveConfigPath() string {
	for _, p := range []string{config.ProjectConfigFilePath(), config.GlobalConfigFilePath()} {
		if fileExists(p) {
			return p
		}
	}
	return ""
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir()
}

// openStore opens the configured database. The file must exist: gtf reads
// what the extraction pipeline wrote.
func openStore() (*store.Store, error) {
	if !fileExists(conf.Database) {
		return nil, fmt.Errorf("database %s not found", conf.Database)
	}
	return store.Open(conf.Database, store.Options{})
}

// loadCache preloads the memory cache when enabled. A failed preload is
// fatal when the cache is required; otherwise the command continues on
// store queries and says so.
func loadCache(st *store.Store) (*cache.Cache, error) {
	if !conf.UseCache {
		logger.Debug("memory cache disabled, using store queries")
		return nil, nil
	}
	c, err := cache.Preload(st, conf.CacheOptions())
	if err != nil {
		if conf.RequireCache {
			return nil, err
		}
		logger.Warn("memory cache unavailable, using store queries", "error", err)
		return nil, nil
	}
	stats := c.Stats()
	logger.Debug("memory cache loaded", "blocks", stats.Blocks, "edges", stats.Edges,
		"statements", stats.Statements, "bytes", stats.Bytes)
	return c, nil
}

func jsonOutput(cmd *cobra.Command) bool {
	v, _ := cmd.Flags().GetBool("json")
	return v
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling JSON: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

// describe adds a hint to structural errors.
func describe(err error) error {
	if errors.Is(err, types.ErrStructuralDataMissing) {
		return fmt.Errorf("%w\nthe control flow store has no rows for this location; re-run the extraction pipeline", err)
	}
	return err
}
