package commands

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/l3aro/go-taint-flow/internal/log"
	"github.com/l3aro/go-taint-flow/pkg/taint"
	"github.com/l3aro/go-taint-flow/pkg/types"
)

var runCmd = &cobra.Command{
	Use:   "run --catalog <file>",
	Short: "Run a propagation pass",
	Long: `Traces every source/sink pair of a catalog over the control flow store
and replaces the stored taint flows with the result.

The catalog is a YAML, JSON or msgpack document with "sources" and "sinks",
each an endpoint with file, line, pattern and optionally function, category
and variable. An optional "sanitizers" list names the functions whose call
clears taint; paths on which no tainted value reaches the sink are dropped
unless --reachability is given.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		catalogPath, _ := cmd.Flags().GetString("catalog")
		catalog, err := taint.LoadCatalog(catalogPath)
		if err != nil {
			return err
		}

		opts := taint.Options{
			Limits:        conf.Limits(),
			Budget:        conf.Budget,
			Workers:       conf.Workers,
			MemoSize:      taint.DefaultOptions.MemoSize,
			FlowSensitive: conf.FlowSensitive,
		}
		if cmd.Flags().Changed("workers") {
			opts.Workers, _ = cmd.Flags().GetInt("workers")
		}
		if cmd.Flags().Changed("budget") {
			opts.Budget, _ = cmd.Flags().GetDuration("budget")
		}
		if cmd.Flags().Changed("max-paths") {
			opts.Limits.MaxPaths, _ = cmd.Flags().GetInt("max-paths")
		}
		if cmd.Flags().Changed("max-depth") {
			opts.Limits.MaxDepth, _ = cmd.Flags().GetInt("max-depth")
		}
		if reach, _ := cmd.Flags().GetBool("reachability"); reach {
			opts.FlowSensitive = false
		}

		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		c, err := loadCache(st)
		if err != nil {
			return err
		}
		// the cache belongs to this run only
		defer c.Clear()

		spinner := log.NewProgressSpinner(fmt.Sprintf("Tracing %d sources x %d sinks...",
			len(catalog.Sources), len(catalog.Sinks)))
		if !jsonOutput(cmd) {
			spinner.Start()
		}
		started := time.Now()
		res, runErr := taint.NewOrchestrator(st, c, opts, logger.Named("taint")).Run(catalog)
		spinner.Stop()

		if res == nil {
			return describe(runErr)
		}
		if jsonOutput(cmd) {
			if err := printJSON(res); err != nil {
				return err
			}
		} else {
			printRunResult(res, time.Since(started))
		}
		if errors.Is(runErr, types.ErrBudgetExceeded) {
			return fmt.Errorf("%w; flows of completed pairs were kept", runErr)
		}
		return runErr
	},
}

func printRunResult(res *taint.Result, elapsed time.Duration) {
	fmt.Printf("Run %s (%s mode)\n", res.RunID, res.Mode)
	fmt.Printf("  Pairs analyzed: %s\n", humanize.Comma(int64(res.Pairs)))
	fmt.Printf("  Flows:          %s\n", humanize.Comma(int64(len(res.Flows))))
	fmt.Printf("  Cleared paths:  %s\n", humanize.Comma(int64(res.Cleared)))
	fmt.Printf("  Skipped pairs:  %d\n", len(res.Skipped))
	fmt.Printf("  Truncated:      %d\n", len(res.Truncated))
	fmt.Printf("  Elapsed:        %s\n", elapsed.Round(time.Millisecond))

	byType := map[string]int{}
	var order []string
	for _, f := range res.Flows {
		if byType[f.VulnerabilityType] == 0 {
			order = append(order, f.VulnerabilityType)
		}
		byType[f.VulnerabilityType]++
	}
	if len(order) > 0 {
		fmt.Println("\nBy vulnerability type:")
		for _, t := range order {
			fmt.Printf("  %-28s %d\n", t, byType[t])
		}
	}
	for _, r := range res.Truncated {
		fmt.Printf("\n! %s -> %s: %s", r.Source, r.Sink, r.Reason)
	}
	if len(res.Truncated) > 0 {
		fmt.Println()
	}
}

var flowsCmd = &cobra.Command{
	Use:   "flows",
	Short: "Show the flows stored by the last pass",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		flows, err := st.Flows()
		if err != nil {
			return err
		}
		run, ok, err := st.LastRun()
		if err != nil {
			return err
		}

		if jsonOutput(cmd) {
			return printJSON(flows)
		}
		if ok {
			fmt.Printf("Last run %s: %s, started %s\n\n", run.RunID, run.Status, humanize.Time(run.StartedAt))
		}
		for i, f := range flows {
			fmt.Printf("%d. %s [%s:%d %s] -> [%s:%d %s]\n", i+1, f.VulnerabilityType,
				f.SourceFile, f.SourceLine, f.SourcePattern, f.SinkFile, f.SinkLine, f.SinkPattern)
			fmt.Printf("   %d blocks, %d hops", f.PathLength, f.HopCount)
			if f.Truncated {
				fmt.Print(", search truncated")
			}
			if len(f.TaintedVars) > 0 {
				fmt.Printf(", tainted: %s", strings.Join(f.TaintedVars, ", "))
			} else if !f.FlowSensitive {
				fmt.Print(", reachability only")
			}
			fmt.Println()
			for _, s := range f.PathSteps {
				fmt.Printf("     %-6s %s:%s #%d\n", s.Kind, s.File, s.Function, s.BlockID)
			}
			for _, c := range f.Conditions {
				fmt.Printf("     when %s\n", c)
			}
		}
		if len(flows) == 0 {
			fmt.Println("No flows stored.")
		}
		return nil
	},
}

func init() {
	runCmd.Flags().String("catalog", "", "Source/sink catalog (YAML, JSON or msgpack)")
	_ = runCmd.MarkFlagRequired("catalog")
	runCmd.Flags().Int("workers", 1, "Pairs analyzed concurrently")
	runCmd.Flags().Duration("budget", 0, "Wall-clock budget of the pass")
	runCmd.Flags().Int("max-paths", 0, "Maximum paths per pair")
	runCmd.Flags().Int("max-depth", 0, "Maximum interprocedural depth")
	runCmd.Flags().Bool("reachability", false, "Keep every path without replaying its statements")
	RootCmd.AddCommand(runCmd)
	RootCmd.AddCommand(flowsCmd)
}
